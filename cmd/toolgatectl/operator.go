package main

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/xela07ax/spaceai-toolgate/internal/console"
	"github.com/xela07ax/spaceai-toolgate/internal/engine"
	"github.com/xela07ax/spaceai-toolgate/internal/repository/postgres"
)

// operatorEnv: подключения для команд, меняющих состояние живого шлюза.
type operatorEnv struct {
	rdb     redis.UniversalClient
	repo    *postgres.Repo
	closeFn func()
}

func (o *options) connect(ctx context.Context, needDB bool) (*operatorEnv, error) {
	cfg, err := o.config()
	if err != nil {
		return nil, err
	}
	if cfg.Redis.Addr == "" {
		return nil, fmt.Errorf("redis address is required (--redis or redis.addr)")
	}
	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{cfg.Redis.Addr},
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis: %w", err)
	}
	env := &operatorEnv{rdb: rdb, closeFn: func() { rdb.Close() }}
	if needDB && cfg.Database.URL != "" {
		pool, err := postgres.NewPool(ctx, cfg.Database.URL, 2, 0)
		if err != nil {
			rdb.Close()
			return nil, err
		}
		env.repo = postgres.New(pool)
		env.closeFn = func() { pool.Close(); rdb.Close() }
	}
	return env, nil
}

func (e *operatorEnv) service(opts *options) *console.Service {
	var recorder engine.ApprovalRecorder
	var switchRepo console.SwitchRepository
	if e.repo != nil {
		recorder, switchRepo = e.repo, e.repo
	}
	log := opts.logger()
	broker := engine.NewRedisApprovalBroker(e.rdb, recorder, 0, log)
	return console.NewService(broker, engine.NewKillSwitch(e.rdb, log), switchRepo, log)
}

func newApprovalsCmd(opts *options) *cobra.Command {
	var limit int64
	cmd := &cobra.Command{
		Use:   "approvals",
		Short: "List pending approval requests",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			env, err := opts.connect(ctx, false)
			if err != nil {
				return err
			}
			defer env.closeFn()
			list, err := env.service(opts).PendingApprovals(ctx, limit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), list)
		},
	}
	cmd.Flags().Int64Var(&limit, "limit", 50, "maximum number of requests")
	return cmd
}

// newApproveCmd: approve и reject отличаются только решением.
func newApproveCmd(opts *options, approved bool) *cobra.Command {
	var reviewer, comment string
	use, short := "approve <approval-id>", "Approve a pending request and wake the waiting gateway"
	if !approved {
		use, short = "reject <approval-id>", "Reject a pending request"
	}
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			env, err := opts.connect(ctx, true)
			if err != nil {
				return err
			}
			defer env.closeFn()
			a, err := env.service(opts).Decide(ctx, args[0], approved, reviewer, comment)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), a)
		},
	}
	cmd.Flags().StringVar(&reviewer, "reviewer", "", "reviewer identity recorded on the decision")
	cmd.Flags().StringVar(&comment, "comment", "", "decision comment")
	_ = cmd.MarkFlagRequired("reviewer")
	return cmd
}

func newKillSwitchCmd(opts *options) *cobra.Command {
	var enable bool
	var reason, actor string
	cmd := &cobra.Command{
		Use:   "killswitch <tool/NAME|tenant/ID>",
		Short: "Disable a tool or a tenant on every gateway instance",
		Example: `  toolgatectl killswitch tool/transfer_funds --reason "incident 42"
  toolgatectl killswitch tool/transfer_funds --enable`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			env, err := opts.connect(ctx, true)
			if err != nil {
				return err
			}
			defer env.closeFn()
			if err := env.service(opts).SetDisabled(ctx, args[0], !enable, reason, actor); err != nil {
				return err
			}
			state := "disabled"
			if enable {
				state = "enabled"
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", args[0], state)
			return err
		},
	}
	cmd.Flags().BoolVar(&enable, "enable", false, "lift the kill switch instead of setting it")
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded with the switch")
	cmd.Flags().StringVar(&actor, "actor", "toolgatectl", "operator identity for the log")
	return cmd
}
