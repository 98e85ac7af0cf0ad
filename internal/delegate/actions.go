package delegate

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Probe is a telemetry source the delegate can start and kill.
type Probe interface {
	ID() string
	Start(ctx context.Context) error
	Kill()
}

// ProbeActions is the standard Actions implementation: starting the delegate
// only marks it ready, while pausing and terminating both kill its probes.
type ProbeActions struct {
	logger *zap.Logger
	probes []Probe
	ctx    context.Context
}

// NewProbeActions controls probes. Probes are started under ctx so they stop
// with the process even if KILL_PROBES never arrives.
func NewProbeActions(ctx context.Context, logger *zap.Logger, probes ...Probe) *ProbeActions {
	return &ProbeActions{logger: logger.Named("probe_actions"), probes: probes, ctx: ctx}
}

func (a *ProbeActions) StartDelegate(context.Context) error { return nil }

func (a *ProbeActions) PauseDelegate(ctx context.Context) error { return a.KillProbes(ctx) }

func (a *ProbeActions) TerminateDelegate(ctx context.Context) error { return a.KillProbes(ctx) }

// StartProbes starts every probe, continuing past failures.
func (a *ProbeActions) StartProbes(context.Context) error {
	var errs []error
	for _, p := range a.probes {
		if err := p.Start(a.ctx); err != nil {
			errs = append(errs, fmt.Errorf("start probe %s: %w", p.ID(), err))
			continue
		}
		a.logger.Debug("Probe running.", zap.String("probe_id", p.ID()))
	}
	return errors.Join(errs...)
}

// KillProbes kills every probe.
func (a *ProbeActions) KillProbes(context.Context) error {
	for _, p := range a.probes {
		p.Kill()
	}
	return nil
}
