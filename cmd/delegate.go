// File: cmd/delegate.go
package cmd

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/rainbow/internal/bus"
	"github.com/xkilldash9x/rainbow/internal/config"
	"github.com/xkilldash9x/rainbow/internal/delegate"
	"github.com/xkilldash9x/rainbow/internal/gauge"
	"github.com/xkilldash9x/rainbow/internal/model"
	"github.com/xkilldash9x/rainbow/internal/observability"
	"github.com/xkilldash9x/rainbow/internal/probe"
)

func newDelegateCmd() *cobra.Command {
	var (
		id        string
		logFile   string
		fromStart bool
	)

	cmd := &cobra.Command{
		Use:   "delegate",
		Short: "Run a delegate: tail probe output, gauge it, and report to the model",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("id") {
				cfg.SetDelegateID(id)
			}
			if cmd.Flags().Changed("log-file") {
				cfg.SetProbeLogFile(logFile)
			}

			logger := observability.GetLogger()
			bc, err := initializeBus(cfg.Bus(), "rainbow-delegate", logger)
			if err != nil {
				return fmt.Errorf("failed to initialize bus: %w", err)
			}
			defer bc.Shutdown()

			var opts []probe.Option
			if fromStart {
				opts = append(opts, probe.WithFromStart())
			}
			return runDelegate(cmd.Context(), cfg, bc.Bus, logger, opts...)
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "delegate id (default: delegate.id, or a random id)")
	cmd.Flags().StringVar(&logFile, "log-file", "", "log file the probe follows (overrides delegate.probe.log_file)")
	cmd.Flags().BoolVar(&fromStart, "from-start", false, "read the probe log from the beginning instead of the end")
	return cmd
}

// runDelegate wires probe → gauge → bus and serves lifecycle commands until
// ctx ends.
func runDelegate(ctx context.Context, cfg config.Interface, b *bus.EventBus, logger *zap.Logger, opts ...probe.Option) error {
	id := cfg.Delegate().ID
	if id == "" {
		id = uuid.NewString()
		cfg.SetDelegateID(id)
	}
	logger = logger.With(zap.String("delegate_id", id))

	g := gauge.NewSignalGauge(logger, cfg.Gauge(), model.NewBusUpdater(b))
	tp, err := probe.NewTailProbe(logger, cfg.Delegate().Probe, g.Ingest, opts...)
	if err != nil {
		return fmt.Errorf("failed to create probe: %w", err)
	}

	group, gctx := errgroup.WithContext(ctx)
	manager, err := delegate.NewManager(logger, b, id, delegate.NewProbeActions(gctx, logger, tp))
	if err != nil {
		return err
	}
	defer manager.Dispose()

	if err := manager.RequestConfigurationInformation(gctx); err != nil {
		logger.Warn("Could not request configuration.", zap.Error(err))
	}
	logger.Info("Delegate running.", zap.String("gauge", g.Name()), zap.String("probe", tp.ID()))

	group.Go(func() error {
		return manager.RunHeartbeats(gctx, cfg.Delegate().HeartbeatPeriod)
	})
	group.Go(func() error {
		<-gctx.Done()
		tp.Kill()
		return nil
	})

	if err := group.Wait(); err != nil {
		return err
	}
	logger.Info("Delegate stopped.", zap.Stringer("state", manager.State()))
	return ctx.Err()
}
