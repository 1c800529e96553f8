package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"RegimeSentinel/internal/backfill"
	"RegimeSentinel/internal/notifier"
	"RegimeSentinel/internal/scheduler"
)

func Execute(ctx context.Context) error {
	return newRootCmd().ExecuteContext(ctx)
}

func newRootCmd() *cobra.Command {
	opts := &options{configPath: "configs/config.yaml"}
	if v := os.Getenv("CONFIG_PATH"); v != "" {
		opts.configPath = v
	}

	root := &cobra.Command{
		Use:           "sentinel",
		Short:         "Market regime classification and strategy parameter publishing",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", opts.configPath, "path to config.yaml")
	root.PersistentFlags().BoolVar(&opts.mock, "mock", false, "use the built-in demo analytics provider")

	root.AddCommand(
		runCmd(opts),
		onceCmd(opts),
		approveCmd(opts),
		pendingCmd(opts),
		statusCmd(opts),
		backfillCmd(opts),
	)
	return root
}

func runCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(*opts, true)
			if err != nil {
				return err
			}
			defer a.Close()
			ctx := cmd.Context()
			cfg := a.cfg

			if cfg.Metrics.Addr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", a.metrics.Handler())
				srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						a.log.Error("metrics server", zap.Error(err))
					}
				}()
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(shutdownCtx)
				}()
				a.log.Info("metrics server listening", zap.String("addr", cfg.Metrics.Addr))
			}

			sched := scheduler.NewScheduler(ctx, a.runner, a.log)
			if err := sched.RegisterAll(cfg.Schedule.RegimeCron, cfg.Schedule.LiquidityCron, cfg.Schedule.ProtocolCron); err != nil {
				return fmt.Errorf("register cron tasks: %w", err)
			}
			sched.Start()
			defer sched.Stop()

			if a.telegram != nil && cfg.Telegram.Commands {
				go a.telegram.StartPolling(ctx, sched.HandleCommand)
				a.log.Info("telegram polling started")
			}
			if cfg.Schedule.RunOnStart {
				a.log.Info("run_on_start enabled, executing all cycles now")
				go sched.RunAllNow()
			}

			a.log.Info("RegimeSentinel is running")
			<-ctx.Done()
			a.log.Info("shutdown signal received, stopping")
			return nil
		},
	}
}

func onceCmd(opts *options) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:       "once <regime|liquidity|protocol>",
		Short:     "Run a single cycle for one snapshot family",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"regime", "liquidity", "protocol"},
		RunE: func(cmd *cobra.Command, args []string) error {
			family, err := scheduler.ParseFamily(args[0])
			if err != nil {
				return err
			}
			a, err := newApp(*opts, true)
			if err != nil {
				return err
			}
			defer a.Close()
			a.runner.DryRun = dryRun

			res, err := a.runner.RunCycle(cmd.Context(), family)
			if err != nil {
				return cliError("cycle", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "gate:       %s\n", res.State)
			fmt.Fprintf(out, "params id:  %s\n", res.Params.ID)
			fmt.Fprintf(out, "regime:     %s (x%s)\n", res.Params.Regime, res.Params.RiskBudgetMultiplier)
			fmt.Fprintf(out, "position:   %s BTC\n", res.Params.MaxPositionSizeBTC.StringFixed(4))
			fmt.Fprintf(out, "leverage:   %sx\n", res.Params.LeverageLimit.StringFixed(2))
			fmt.Fprintf(out, "liquidity:  %s\n", res.Params.LiquidityHealth)
			for _, alert := range res.Params.ProtocolAlerts {
				fmt.Fprintf(out, "alert:      %s\n", alert)
			}
			for _, w := range res.Warnings {
				fmt.Fprintf(out, "warning:    %v\n", w)
			}
			if dryRun {
				fmt.Fprintln(out, "dry run: nothing was written")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "evaluate without writing or updating state")
	return cmd
}

func approveCmd(opts *options) *cobra.Command {
	var operator string
	cmd := &cobra.Command{
		Use:   "approve <id>",
		Short: "Promote a record blocked pending review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*opts, false)
			if err != nil {
				return err
			}
			defer a.Close()

			p, err := a.runner.Approve(cmd.Context(), args[0], operator)
			if err != nil {
				return cliError("approve", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), notifier.StripHTML(notifier.FormatParams(p)))
			return nil
		},
	}
	cmd.Flags().StringVar(&operator, "operator", "", "identity recorded as approved_by")
	_ = cmd.MarkFlagRequired("operator")
	return cmd
}

func pendingCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List records awaiting approval",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(*opts, false)
			if err != nil {
				return err
			}
			defer a.Close()

			out, err := a.runner.Pending(cmd.Context())
			if err != nil {
				return cliError("pending", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), notifier.StripHTML(out))
			return nil
		},
	}
}

func statusCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the authoritative parameters and assessment ages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(*opts, false)
			if err != nil {
				return err
			}
			defer a.Close()

			out, err := a.runner.Status(cmd.Context())
			if err != nil {
				return cliError("status", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), notifier.StripHTML(out))
			return nil
		},
	}
}

func backfillCmd(opts *options) *cobra.Command {
	var from, to string
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Reconstruct daily regime history from the analytics provider",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			start, err := time.Parse(time.DateOnly, from)
			if err != nil {
				return fmt.Errorf("--from: %w", err)
			}
			end := time.Now().UTC().AddDate(0, 0, -1)
			if to != "" {
				if end, err = time.Parse(time.DateOnly, to); err != nil {
					return fmt.Errorf("--to: %w", err)
				}
			}

			a, err := newApp(*opts, true)
			if err != nil {
				return err
			}
			defer a.Close()

			b := backfill.New(a.collector, a.store, a.cfg.Thresholds, a.cfg.Backfill.Interval, a.log)
			sum, err := b.Run(cmd.Context(), start, end)
			fmt.Fprintf(cmd.OutOrStdout(), "written: %d, skipped: %d\n", sum.Written, sum.Skipped)
			if sum.Last != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "last regime: %s\n", *sum.Last)
			}
			return cliError("backfill", err)
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "first day, YYYY-MM-DD")
	cmd.Flags().StringVar(&to, "to", "", "last day, YYYY-MM-DD (default yesterday)")
	_ = cmd.MarkFlagRequired("from")
	return cmd
}
