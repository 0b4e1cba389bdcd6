package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-toolgate/internal/infra"
)

// options: общие флаги всех команд.
type options struct {
	configPath  string
	redisAddr   string
	databaseURL string
	verbose     bool
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "toolgatectl",
		Short:         "Operator tooling for the ToolGate security gateway",
		Long:          "Offline checks (audit chain, input scan, risk assessment, redaction) and live operations against a running gateway (approvals, kill switch).",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "gateway config.yaml (redis and database settings)")
	root.PersistentFlags().StringVar(&opts.redisAddr, "redis", "", "redis address, overrides config")
	root.PersistentFlags().StringVar(&opts.databaseURL, "database-url", "", "postgres url, overrides config")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log component activity to stderr")

	root.AddCommand(
		newVerifyAuditCmd(),
		newScanCmd(opts),
		newAssessCmd(opts),
		newRedactCmd(opts),
		newKeygenCmd(),
		newApprovalsCmd(opts),
		newApproveCmd(opts, true),
		newApproveCmd(opts, false),
		newKillSwitchCmd(opts),
	)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func (o *options) logger() *zap.Logger {
	if !o.verbose {
		return zap.NewNop()
	}
	l, err := infra.NewLogger(infra.LoggerConfig{Level: "debug", Format: "console"})
	if err != nil {
		return zap.NewNop()
	}
	return l
}

// config: конфиг шлюза с перекрытием из флагов.
func (o *options) config() (*infra.Config, error) {
	cfg, err := infra.LoadConfig(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.redisAddr != "" {
		cfg.Redis.Addr = o.redisAddr
	}
	if o.databaseURL != "" {
		cfg.Database.URL = o.databaseURL
	}
	return cfg, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
