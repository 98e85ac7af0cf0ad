// Package analysis checks whether the executing plan can still reach its goal
// on the remaining battery, and flags the robot as inaccurate when it cannot.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/rainbow/internal/bus"
	"github.com/xkilldash9x/rainbow/internal/config"
	"github.com/xkilldash9x/rainbow/internal/model"
)

// State is the analyzer's gate.
type State int

const (
	// NotWaiting means ticks evaluate the plan.
	NotWaiting State = iota
	// WaitingForPlanner means a verdict of infeasible was issued and ticks are
	// skipped until a new plan is installed.
	WaitingForPlanner
)

func (s State) String() string {
	if s == WaitingForPlanner {
		return "WAITING_FOR_PLANNER"
	}
	return "NOT_WAITING"
}

// Result is the outcome of one feasibility evaluation.
type Result struct {
	Feasible        bool
	PredictedEnergy float64
}

// Verdict is an evaluated tick, as handed to a VerdictRecorder.
type Verdict struct {
	At              time.Time
	Instruction     string
	Feasible        bool
	PredictedEnergy float64
	BatteryCharge   float64
}

// VerdictRecorder receives every verdict the analyzer reaches.
type VerdictRecorder interface {
	RecordVerdict(ctx context.Context, v Verdict) error
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithRecorder records every verdict.
func WithRecorder(r VerdictRecorder) Option {
	return func(a *Analyzer) { a.recorder = r }
}

// Analyzer is the periodic, event-gated feasibility check.
type Analyzer struct {
	logger   *zap.Logger
	cfg      config.AnalyzerConfig
	energy   EnergyModel
	reader   model.Reader
	updater  model.Updater
	bus      *bus.EventBus
	recorder VerdictRecorder

	// mu guards the gate, the plan epoch and the last passed instruction.
	mu         sync.Mutex
	state      State
	epoch      uint64
	lastPassed model.Instruction

	handle      bus.Handle
	disposeOnce sync.Once
}

// NewAnalyzer creates an analyzer and subscribes it to plan-installed events on b.
func NewAnalyzer(logger *zap.Logger, cfg config.AnalyzerConfig, reader model.Reader, updater model.Updater, b *bus.EventBus, opts ...Option) (*Analyzer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("analyzer configuration invalid: %w", err)
	}
	a := &Analyzer{
		logger:  logger.Named("feasibility_analyzer"),
		cfg:     cfg,
		energy:  NewEnergyModel(cfg.Energy),
		reader:  reader,
		updater: updater,
		bus:     b,
	}
	for _, opt := range opts {
		opt(a)
	}

	h, err := b.Subscribe(bus.ChannelModelChange, a.isPlanInstalled, a.onPlanInstalled)
	if err != nil {
		return nil, fmt.Errorf("feasibility analyzer: %w", err)
	}
	a.handle = h
	return a, nil
}

func (a *Analyzer) isPlanInstalled(m bus.Message) bool {
	c, ok := model.ChangeFromMessage(m)
	return ok &&
		c.ModelType == model.TypeInstructionGraph &&
		c.ModelName == a.cfg.InstructionGraph &&
		c.Command == model.CmdSetInstructions
}

// onPlanInstalled reopens the gate. It runs for every new plan, whatever the
// current state.
func (a *Analyzer) onPlanInstalled(bus.Message) {
	a.mu.Lock()
	prev := a.state
	a.state = NotWaiting
	a.epoch++
	a.mu.Unlock()
	a.logger.Debug("New plan installed.", zap.Stringer("previous_state", prev))
}

// State returns the current gate.
func (a *Analyzer) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// LastPassed returns the last instruction judged feasible, or nil.
func (a *Analyzer) LastPassed() model.Instruction {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastPassed
}

// Run ticks every configured period until ctx ends.
func (a *Analyzer) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.Period)
	defer ticker.Stop()
	a.logger.Info("Feasibility analyzer running.", zap.Duration("period", a.cfg.Period))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			a.Tick(ctx)
		}
	}
}

// Tick performs one analysis cycle. It reports the result and whether an
// evaluation took place; every skip condition returns false.
func (a *Analyzer) Tick(ctx context.Context) (Result, bool) {
	a.mu.Lock()
	if a.state == WaitingForPlanner {
		a.mu.Unlock()
		return Result{}, false
	}
	epoch, lastPassed := a.epoch, a.lastPassed
	a.mu.Unlock()

	graph, mission, envMap, err := a.snapshots(ctx)
	if err != nil {
		a.logger.Debug("Skipping tick, model unavailable.", zap.Error(err))
		return Result{}, false
	}

	current := graph.Current
	if lastPassed != nil && current == lastPassed {
		return Result{}, false
	}

	goal, ok := envMap.Node(mission.TargetWaypoint)
	if !ok {
		a.logger.Debug("Skipping tick, target waypoint not on map.", zap.String("waypoint", mission.TargetWaypoint))
		return Result{}, false
	}

	plan := append([]model.Instruction{current}, graph.Remaining...)
	energy := a.energy.PlanEnergy(plan, mission.Pose, goal, a.cfg.GoalRadius)
	res := Result{Feasible: mission.BatteryCharge >= energy, PredictedEnergy: energy}

	a.logger.Debug("Plan evaluated.",
		zap.String("instruction", current.InstructionLabel()),
		zap.Float64("predicted_energy", energy),
		zap.Float64("battery_charge", mission.BatteryCharge),
		zap.Bool("feasible", res.Feasible))

	if res.Feasible {
		if !mission.RobotAccurate {
			if err := a.setAccurate(ctx, true); err != nil {
				a.logger.Warn("Failed to mark robot accurate.", zap.Error(err))
				return res, true
			}
		}
		a.mu.Lock()
		if a.epoch == epoch {
			a.lastPassed = current
		}
		a.mu.Unlock()
	} else {
		if err := a.setAccurate(ctx, false); err != nil {
			a.logger.Warn("Failed to mark robot inaccurate.", zap.Error(err))
			return res, true
		}
		a.mu.Lock()
		if a.epoch == epoch {
			a.state = WaitingForPlanner
		}
		a.mu.Unlock()
		a.logger.Info("Plan cannot reach the goal on the remaining battery, waiting for planner.",
			zap.Float64("predicted_energy", energy),
			zap.Float64("battery_charge", mission.BatteryCharge))
	}

	a.record(ctx, current, res, mission.BatteryCharge)
	return res, true
}

func (a *Analyzer) snapshots(ctx context.Context) (model.InstructionGraphProgress, model.MissionState, model.EnvMap, error) {
	graph, errG := a.reader.InstructionGraph(ctx, a.cfg.InstructionGraph)
	mission, errM := a.reader.MissionState(ctx, a.cfg.MissionState)
	envMap, errE := a.reader.EnvMap(ctx, a.cfg.EnvMap)
	if err := errors.Join(errG, errM, errE); err != nil {
		return graph, mission, envMap, err
	}
	if graph.Current == nil {
		return graph, mission, envMap, fmt.Errorf("%w: no current instruction", model.ErrModelUnavailable)
	}
	return graph, mission, envMap, nil
}

func (a *Analyzer) setAccurate(ctx context.Context, accurate bool) error {
	return a.updater.UpdateModel(ctx, model.Update{
		ModelType: model.TypeMissionState,
		ModelName: a.cfg.MissionState,
		Command:   model.CmdSetRobotAccurate,
		Params:    model.Params{{Name: model.ParamAccurate, Value: strconv.FormatBool(accurate)}},
	})
}

func (a *Analyzer) record(ctx context.Context, inst model.Instruction, res Result, charge float64) {
	if a.recorder == nil {
		return
	}
	v := Verdict{
		At:              time.Now().UTC(),
		Instruction:     inst.InstructionLabel() + ":" + inst.String(),
		Feasible:        res.Feasible,
		PredictedEnergy: res.PredictedEnergy,
		BatteryCharge:   charge,
	}
	if err := a.recorder.RecordVerdict(ctx, v); err != nil {
		a.logger.Warn("Failed to record verdict.", zap.Error(err))
	}
}

// Dispose unsubscribes from plan events. It is idempotent.
func (a *Analyzer) Dispose() {
	a.disposeOnce.Do(func() { a.bus.Unsubscribe(a.handle) })
}
