// File: cmd/ctl.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/xkilldash9x/rainbow/internal/analysis"
	"github.com/xkilldash9x/rainbow/internal/delegate"
	"github.com/xkilldash9x/rainbow/internal/observability"
	"github.com/xkilldash9x/rainbow/internal/store"
)

// delegateController is the master-side port for steering delegates.
type delegateController interface {
	StartDelegate(ctx context.Context, id string) (bool, error)
	PauseDelegate(ctx context.Context, id string) (bool, error)
	TerminateDelegate(ctx context.Context, id string) (bool, error)
	StartProbes(ctx context.Context, id string) error
	KillProbes(ctx context.Context, id string) error
}

var ctlActions = []string{"start", "pause", "terminate", "start-probes", "kill-probes"}

func newCtlCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:       "ctl <start|pause|terminate|start-probes|kill-probes> <delegate-id>",
		Short:     "Send a lifecycle command to a delegate over NATS",
		Args:      cobra.ExactArgs(2),
		ValidArgs: ctlActions,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			if !cfg.Bus().NATS.Enabled {
				return errors.New("ctl reaches delegates over NATS; set bus.nats.enabled")
			}

			logger := observability.GetLogger()
			bc, err := initializeBus(cfg.Bus(), "rainbow-ctl", logger)
			if err != nil {
				return fmt.Errorf("failed to initialize bus: %w", err)
			}
			defer bc.Shutdown()

			ctl := delegate.NewController(logger, bc.Bus, cfg.Bus().RequestTimeout)
			return runCtl(ctx, ctl, args[0], args[1], cmd.OutOrStdout())
		},
	}
	return cmd
}

// runCtl issues one command and prints the delegate's acknowledgement.
func runCtl(ctx context.Context, ctl delegateController, action, id string, out io.Writer) error {
	var (
		ok  bool
		err error
	)
	switch action {
	case "start":
		ok, err = ctl.StartDelegate(ctx, id)
	case "pause":
		ok, err = ctl.PauseDelegate(ctx, id)
	case "terminate":
		ok, err = ctl.TerminateDelegate(ctx, id)
	case "start-probes":
		err = ctl.StartProbes(ctx, id)
		ok = err == nil
	case "kill-probes":
		err = ctl.KillProbes(ctx, id)
		ok = err == nil
	default:
		return fmt.Errorf("unknown action %q, expected one of %v", action, ctlActions)
	}
	if err != nil {
		return fmt.Errorf("%s %s: %w", action, id, err)
	}
	fmt.Fprintf(out, "%s %s: %s\n", action, id, ackText(ok))
	if !ok {
		return fmt.Errorf("%s %s: delegate refused", action, id)
	}
	return nil
}

func ackText(ok bool) string {
	if ok {
		return "ok"
	}
	return "refused"
}

// verdictLister is the read side of the audit store.
type verdictLister interface {
	RecentVerdicts(ctx context.Context, limit int) ([]analysis.Verdict, error)
}

func newVerdictsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "verdicts",
		Short: "List the most recent feasibility verdicts from the audit store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			if cfg.Database().URL == "" {
				return errors.New("database.url is required to list verdicts")
			}
			pool, err := pgxpool.New(ctx, cfg.Database().URL)
			if err != nil {
				return fmt.Errorf("failed to create database pool: %w", err)
			}
			defer pool.Close()

			s, err := store.New(ctx, pool, observability.GetLogger())
			if err != nil {
				return err
			}
			return printVerdicts(ctx, s, limit, cmd.OutOrStdout())
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of verdicts to show")
	return cmd
}

func printVerdicts(ctx context.Context, l verdictLister, limit int, out io.Writer) error {
	if limit <= 0 {
		return fmt.Errorf("limit must be positive, got %d", limit)
	}
	verdicts, err := l.RecentVerdicts(ctx, limit)
	if err != nil {
		return err
	}
	for _, v := range verdicts {
		fmt.Fprintf(out, "%s  %-10s  energy=%s  battery=%s  %s\n",
			v.At.Format("2006-01-02T15:04:05Z07:00"),
			feasibleText(v.Feasible),
			strconv.FormatFloat(v.PredictedEnergy, 'f', 2, 64),
			strconv.FormatFloat(v.BatteryCharge, 'f', 2, 64),
			v.Instruction)
	}
	return nil
}

func feasibleText(ok bool) string {
	if ok {
		return "feasible"
	}
	return "infeasible"
}
