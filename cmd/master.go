// File: cmd/master.go
package cmd

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/rainbow/internal/analysis"
	"github.com/xkilldash9x/rainbow/internal/bus"
	"github.com/xkilldash9x/rainbow/internal/checker"
	"github.com/xkilldash9x/rainbow/internal/config"
	"github.com/xkilldash9x/rainbow/internal/delegate"
	"github.com/xkilldash9x/rainbow/internal/model"
	"github.com/xkilldash9x/rainbow/internal/observability"
	"github.com/xkilldash9x/rainbow/internal/store"
)

func newMasterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "master",
		Short: "Run the master: model store, feasibility analyzer and delegate monitor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			logger := observability.GetLogger()

			var recorder *store.Store
			if url := cfg.Database().URL; url != "" {
				pool, err := pgxpool.New(ctx, url)
				if err != nil {
					return fmt.Errorf("failed to create database pool: %w", err)
				}
				defer pool.Close()
				if recorder, err = store.New(ctx, pool, logger); err != nil {
					return err
				}
				if err := recorder.EnsureSchema(ctx); err != nil {
					return err
				}
			}

			bc, err := initializeBus(cfg.Bus(), "rainbow-master", logger)
			if err != nil {
				return fmt.Errorf("failed to initialize bus: %w", err)
			}
			defer bc.Shutdown()

			return runMaster(ctx, cfg, bc.Bus, recorder, logger)
		},
	}
	return cmd
}

// masterComponents holds everything the master runs on one bus.
type masterComponents struct {
	Models   *model.MemoryStore
	Listener *model.Listener
	Analyzer *analysis.Analyzer
	Monitor  *delegate.Monitor
}

// Shutdown releases every subscription held by the components.
func (mc *masterComponents) Shutdown() {
	if mc.Monitor != nil {
		mc.Monitor.Dispose()
	}
	if mc.Analyzer != nil {
		mc.Analyzer.Dispose()
	}
	if mc.Listener != nil {
		mc.Listener.Stop()
	}
}

// initializeMasterComponents checks the configuration and wires the model
// store, its bus listener, the analyzer and the heartbeat monitor. A nil
// recorder disables auditing.
func initializeMasterComponents(cfg config.Interface, b *bus.EventBus, recorder *store.Store, logger *zap.Logger) (*masterComponents, error) {
	models := model.NewMemoryStore(logger, b)
	if err := checker.Run(logger, cfg, models.Registry()); err != nil {
		return nil, err
	}

	mc := &masterComponents{Models: models}
	var updater model.Updater = models
	var opts []analysis.Option
	if recorder != nil {
		updater = recorder.Audit(models)
		opts = append(opts, analysis.WithRecorder(recorder))
	}

	mc.Listener = model.NewListener(logger, b, updater)
	if err := mc.Listener.Start(); err != nil {
		return nil, err
	}

	analyzer, err := analysis.NewAnalyzer(logger, cfg.Analyzer(), models, updater, b, opts...)
	if err != nil {
		mc.Shutdown()
		return nil, err
	}
	mc.Analyzer = analyzer

	monitor, err := delegate.NewMonitor(logger, b, cfg.Delegate().StaleAfter)
	if err != nil {
		mc.Shutdown()
		return nil, err
	}
	mc.Monitor = monitor
	return mc, nil
}

// runMaster runs the analyzer and monitor loops until ctx ends.
func runMaster(ctx context.Context, cfg config.Interface, b *bus.EventBus, recorder *store.Store, logger *zap.Logger) error {
	mc, err := initializeMasterComponents(cfg, b, recorder, logger)
	if err != nil {
		return err
	}
	defer mc.Shutdown()

	logger.Info("Master running.",
		zap.String("instruction_graph", cfg.Analyzer().InstructionGraph),
		zap.Bool("audit", recorder != nil))

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error { return mc.Analyzer.Run(gctx) })
	group.Go(func() error { return mc.Monitor.Run(gctx, cfg.Delegate().HeartbeatPeriod) })
	if err := group.Wait(); err != nil {
		return err
	}
	logger.Info("Master stopped.")
	return ctx.Err()
}
