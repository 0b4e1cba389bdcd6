package main

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/xela07ax/spaceai-toolgate/internal/audit"
	"github.com/xela07ax/spaceai-toolgate/internal/domain"
	"github.com/xela07ax/spaceai-toolgate/internal/keyring"
	"github.com/xela07ax/spaceai-toolgate/internal/risk"
	"github.com/xela07ax/spaceai-toolgate/internal/sanitize"
)

// errCheckFailed: проверка отработала, но результат отрицательный (exit 1).
var errCheckFailed = errors.New("check failed")

func newVerifyAuditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify-audit <file.jsonl>",
		Short: "Verify the hash chain of a JSONL audit log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res := audit.VerifyFile(args[0])
			if err := printJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			if !res.Valid {
				return errCheckFailed
			}
			return nil
		},
	}
}

func parseParams(raw string) (domain.Value, error) {
	var v domain.Value
	if raw == "" {
		return domain.MustFromAny(map[string]any{}), nil
	}
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return v, fmt.Errorf("params must be a JSON object: %w", err)
	}
	return v, nil
}

func newScanCmd(opts *options) *cobra.Command {
	var tool, params, strictness string
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Run the input sanitizer over tool parameters",
		Example: `  toolgatectl scan --tool read_file --params '{"path":"/etc/passwd"}'
  toolgatectl scan --strictness strict --params '{"q":"1 OR 1=1"}'`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, err := parseParams(params)
			if err != nil {
				return err
			}
			s := sanitize.NewInputSanitizer(sanitize.InputConfig{}, opts.logger())
			res, err := s.Sanitize(v, sanitize.Context{ToolName: tool, Strictness: sanitize.ParseStrictness(strictness)})
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			if res.Blocked {
				return errCheckFailed
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&tool, "tool", "", "tool name")
	cmd.Flags().StringVar(&params, "params", "", "parameters as a JSON object")
	cmd.Flags().StringVar(&strictness, "strictness", "moderate", "lenient, moderate or strict")
	return cmd
}

func newAssessCmd(opts *options) *cobra.Command {
	var tool, params, env, role, matrixFile string
	cmd := &cobra.Command{
		Use:   "assess",
		Short: "Compute the CARS risk assessment for a tool call",
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, err := parseParams(params)
			if err != nil {
				return err
			}
			initial := risk.DefaultMatrix()
			if matrixFile != "" {
				if initial, err = risk.LoadMatrixFile(matrixFile); err != nil {
					return err
				}
			}
			log := opts.logger()
			cars := risk.NewEngine(risk.NewMatrix(initial, log), risk.DefaultConfig(), log)
			a := cars.Assess(domain.ToolCallRequest{
				ID:        "cli",
				Tool:      tool,
				Params:    v,
				Context:   domain.CallContext{TenantID: "cli", Environment: env, UserRole: role},
				Timestamp: time.Now().UTC(),
			})
			return printJSON(cmd.OutOrStdout(), a)
		},
	}
	cmd.Flags().StringVar(&tool, "tool", "", "tool name")
	cmd.Flags().StringVar(&params, "params", "", "parameters as a JSON object")
	cmd.Flags().StringVar(&env, "env", "production", "caller environment")
	cmd.Flags().StringVar(&role, "role", "user", "caller role")
	cmd.Flags().StringVar(&matrixFile, "matrix", "", "risk matrix YAML, defaults to the built-in matrix")
	_ = cmd.MarkFlagRequired("tool")
	return cmd
}

func newRedactCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "redact",
		Short: "Redact sensitive data from a JSON document read from stdin",
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return err
			}
			var v domain.Value
			if err := json.Unmarshal(data, &v); err != nil {
				// Не JSON — редактируем как текст
				out, reds := sanitize.NewOutputSanitizer(sanitize.OutputConfig{}, opts.logger()).SanitizeText(string(data))
				return printJSON(cmd.OutOrStdout(), map[string]any{"output": out, "redactions": reds})
			}
			res := sanitize.NewOutputSanitizer(sanitize.OutputConfig{}, opts.logger()).Sanitize(v)
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
}

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a hex Ed25519 seed for crypto.evidence_seed_path",
		RunE: func(cmd *cobra.Command, _ []string) error {
			seed, err := keyring.NewService(nil).RandomBytes(32)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), hex.EncodeToString(seed))
			return err
		},
	}
}
