package analysis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/rainbow/internal/bus"
	"github.com/xkilldash9x/rainbow/internal/config"
	"github.com/xkilldash9x/rainbow/internal/model"
)

const (
	igName  = "ExecutingInstructionGraph"
	msName  = "RobotAndEnvironmentState"
	mapName = "Map"
)

func testConfig() config.AnalyzerConfig {
	return config.AnalyzerConfig{
		Period:           10 * time.Millisecond,
		GoalRadius:       0,
		InstructionGraph: igName,
		MissionState:     msName,
		EnvMap:           mapName,
		Energy:           testEnergy(),
	}
}

// countingUpdater records the accurate flags the analyzer writes and forwards
// them to the store.
type countingUpdater struct {
	next model.Updater
	err  error

	mu      sync.Mutex
	written []string
}

func (c *countingUpdater) UpdateModel(ctx context.Context, u model.Update) error {
	if c.err != nil {
		return c.err
	}
	c.mu.Lock()
	v, _ := u.Params.Get(model.ParamAccurate)
	c.written = append(c.written, v)
	c.mu.Unlock()
	return c.next.UpdateModel(ctx, u)
}

func (c *countingUpdater) writes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.written...)
}

type verdictLog struct {
	mu       sync.Mutex
	verdicts []Verdict
}

func (v *verdictLog) RecordVerdict(_ context.Context, verdict Verdict) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.verdicts = append(v.verdicts, verdict)
	return nil
}

type fixture struct {
	bus      *bus.EventBus
	store    *model.MemoryStore
	updater  *countingUpdater
	analyzer *Analyzer
}

func set(t *testing.T, s *model.MemoryStore, name, cmd, target string, params ...string) {
	t.Helper()
	u := model.Update{ModelName: name, Command: cmd, Target: target}
	for i := 0; i+1 < len(params); i += 2 {
		u.Params = append(u.Params, model.Param{Name: params[i], Value: params[i+1]})
	}
	require.NoError(t, s.UpdateModel(context.Background(), u))
}

// newFixture seeds a mission whose plan is a single full-speed move of 7.5
// units, costing 15, before the analyzer subscribes.
func newFixture(t *testing.T, battery string, accurate bool, opts ...Option) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	b := bus.NewEventBus(logger, 64)
	store := model.NewMemoryStore(logger, b)

	set(t, store, igName, model.CmdSetInstructions, "", model.ParamInstructions, "1:MoveAbsH(7.5, 0, 1, 0)")
	set(t, store, msName, model.CmdSetRobotPose, "", model.ParamX, "0", model.ParamY, "0", model.ParamW, "0")
	set(t, store, msName, model.CmdSetBatteryCharge, "", model.ParamCharge, battery)
	set(t, store, msName, model.CmdSetTargetWaypoint, "", model.ParamWaypoint, "goal")
	set(t, store, msName, model.CmdSetRobotAccurate, "", model.ParamAccurate, boolString(accurate))
	set(t, store, mapName, model.CmdSetNode, "goal", model.ParamX, "7.5", model.ParamY, "0")

	updater := &countingUpdater{next: store}
	a, err := NewAnalyzer(logger, testConfig(), store, updater, b, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		a.Dispose()
		b.Close()
	})
	return &fixture{bus: b, store: store, updater: updater, analyzer: a}
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func TestAnalyzer_InfeasiblePlanGatesUntilNewPlan(t *testing.T) {
	log := &verdictLog{}
	f := newFixture(t, "10", true, WithRecorder(log))
	ctx := context.Background()

	res, evaluated := f.analyzer.Tick(ctx)
	require.True(t, evaluated)
	assert.False(t, res.Feasible)
	assert.Equal(t, 15.0, res.PredictedEnergy)
	assert.Equal(t, WaitingForPlanner, f.analyzer.State())
	assert.Equal(t, []string{"false"}, f.updater.writes())
	assert.Nil(t, f.analyzer.LastPassed(), "an infeasible instruction never passes")

	ms, err := f.store.MissionState(ctx, msName)
	require.NoError(t, err)
	assert.False(t, ms.RobotAccurate)

	// Gated: nothing is evaluated or written.
	for i := 0; i < 3; i++ {
		_, evaluated = f.analyzer.Tick(ctx)
		assert.False(t, evaluated)
	}
	assert.Len(t, f.updater.writes(), 1)

	// The planner installs a cheaper plan; the event reopens the gate.
	set(t, f.store, msName, model.CmdSetRobotPose, "", model.ParamX, "5", model.ParamY, "0", model.ParamW, "0")
	set(t, f.store, igName, model.CmdSetInstructions, "", model.ParamInstructions, "2:MoveAbsH(7.5, 0, 1, 0)")
	require.Eventually(t, func() bool { return f.analyzer.State() == NotWaiting }, 2*time.Second, 5*time.Millisecond)

	res, evaluated = f.analyzer.Tick(ctx)
	require.True(t, evaluated)
	assert.True(t, res.Feasible)
	assert.Equal(t, 5.0, res.PredictedEnergy)
	assert.Equal(t, []string{"false", "true"}, f.updater.writes())
	assert.Equal(t, model.MoveTo{Label: "2", X: 7.5, Speed: 1}, f.analyzer.LastPassed())

	log.mu.Lock()
	defer log.mu.Unlock()
	require.Len(t, log.verdicts, 2)
	assert.False(t, log.verdicts[0].Feasible)
	assert.Equal(t, 10.0, log.verdicts[0].BatteryCharge)
	assert.Equal(t, "2:MoveAbsH(7.5, 0, 1, 0)", log.verdicts[1].Instruction)
}

func TestAnalyzer_FeasibleIsIdempotent(t *testing.T) {
	f := newFixture(t, "20", true)
	ctx := context.Background()

	res, evaluated := f.analyzer.Tick(ctx)
	require.True(t, evaluated)
	assert.True(t, res.Feasible)
	assert.Empty(t, f.updater.writes(), "an already accurate robot is not re-flagged")

	// The same current instruction is not analysed again.
	_, evaluated = f.analyzer.Tick(ctx)
	assert.False(t, evaluated)
	assert.Equal(t, NotWaiting, f.analyzer.State())
}

func TestAnalyzer_FeasibleRestoresAccuracy(t *testing.T) {
	f := newFixture(t, "15", false)

	res, evaluated := f.analyzer.Tick(context.Background())
	require.True(t, evaluated)
	assert.True(t, res.Feasible, "a battery equal to the prediction is enough")
	assert.Equal(t, []string{"true"}, f.updater.writes())
}

func TestAnalyzer_RestoresAccuracyOncePerInstruction(t *testing.T) {
	f := newFixture(t, "15", false)
	ctx := context.Background()

	_, evaluated := f.analyzer.Tick(ctx)
	require.True(t, evaluated)
	for i := 0; i < 3; i++ {
		_, evaluated = f.analyzer.Tick(ctx)
		assert.False(t, evaluated, "tick %d re-analysed a passed instruction", i)
	}

	assert.Equal(t, []string{"true"}, f.updater.writes())
	ms, err := f.store.MissionState(ctx, msName)
	require.NoError(t, err)
	assert.True(t, ms.RobotAccurate)
}

func TestAnalyzer_SkipsWhenModelUnavailable(t *testing.T) {
	logger := zaptest.NewLogger(t)
	b := bus.NewEventBus(logger, 8)
	defer b.Close()
	store := model.NewMemoryStore(logger, b)
	updater := &countingUpdater{next: store}

	a, err := NewAnalyzer(logger, testConfig(), store, updater, b)
	require.NoError(t, err)
	defer a.Dispose()

	_, evaluated := a.Tick(context.Background())
	assert.False(t, evaluated)

	// Everything but the goal waypoint on the map.
	set(t, store, igName, model.CmdSetInstructions, "", model.ParamInstructions, "1:Forward(1, 0.5)")
	set(t, store, msName, model.CmdSetTargetWaypoint, "", model.ParamWaypoint, "nowhere")
	set(t, store, mapName, model.CmdSetNode, "elsewhere", model.ParamX, "1", model.ParamY, "1")

	_, evaluated = a.Tick(context.Background())
	assert.False(t, evaluated)
	assert.Empty(t, updater.writes())
	assert.Equal(t, NotWaiting, a.State())
}

func TestAnalyzer_FailedWriteDoesNotGate(t *testing.T) {
	f := newFixture(t, "10", true)
	f.updater.err = errors.New("bus closed")

	_, evaluated := f.analyzer.Tick(context.Background())
	assert.True(t, evaluated)
	assert.Equal(t, NotWaiting, f.analyzer.State(), "the verdict is retried next tick")
}

func TestAnalyzer_FailedAccurateWriteDoesNotPass(t *testing.T) {
	f := newFixture(t, "20", false)
	f.updater.err = errors.New("bus closed")

	_, evaluated := f.analyzer.Tick(context.Background())
	assert.True(t, evaluated)
	assert.Nil(t, f.analyzer.LastPassed())
}

// racingReader installs a new plan in the middle of a tick.
type racingReader struct {
	model.Reader
	onRead func()
}

func (r *racingReader) EnvMap(ctx context.Context, name string) (model.EnvMap, error) {
	r.onRead()
	return r.Reader.EnvMap(ctx, name)
}

func TestAnalyzer_PlanEventDuringTickIsNotLost(t *testing.T) {
	f := newFixture(t, "10", true)
	a := f.analyzer

	reader := &racingReader{Reader: f.store}
	reader.onRead = func() { a.onPlanInstalled(bus.Message{}) }
	a.reader = reader

	res, evaluated := a.Tick(context.Background())
	require.True(t, evaluated)
	assert.False(t, res.Feasible)
	assert.Equal(t, NotWaiting, a.State(), "a plan installed mid-tick must not be gated by the stale verdict")
}

func TestAnalyzer_IgnoresOtherModelChanges(t *testing.T) {
	f := newFixture(t, "10", true)
	_, _ = f.analyzer.Tick(context.Background())
	require.Equal(t, WaitingForPlanner, f.analyzer.State())

	set(t, f.store, igName, model.CmdSetCurrentInstruction, "", model.ParamLabel, "1")
	set(t, f.store, "OtherGraph", model.CmdSetInstructions, "", model.ParamInstructions, "1:Forward(1, 0.5)")

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, WaitingForPlanner, f.analyzer.State())
}

func TestAnalyzer_Run(t *testing.T) {
	defer goleak.VerifyNone(t)

	logger := zaptest.NewLogger(t)
	b := bus.NewEventBus(logger, 64)
	defer b.Close()
	store := model.NewMemoryStore(logger, b)
	set(t, store, igName, model.CmdSetInstructions, "", model.ParamInstructions, "1:MoveAbsH(7.5, 0, 1, 0)")
	set(t, store, msName, model.CmdSetBatteryCharge, "", model.ParamCharge, "1")
	set(t, store, msName, model.CmdSetTargetWaypoint, "", model.ParamWaypoint, "goal")
	set(t, store, mapName, model.CmdSetNode, "goal", model.ParamX, "7.5", model.ParamY, "0")

	a, err := NewAnalyzer(logger, testConfig(), store, store, b)
	require.NoError(t, err)
	defer a.Dispose()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	assert.Eventually(t, func() bool { return a.State() == WaitingForPlanner }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestNewAnalyzer_ValidatesConfig(t *testing.T) {
	b := bus.NewEventBus(zaptest.NewLogger(t), 1)
	defer b.Close()
	cfg := testConfig()
	cfg.Period = 0
	_, err := NewAnalyzer(zaptest.NewLogger(t), cfg, nil, nil, b)
	assert.ErrorContains(t, err, "period must be a positive duration")
}
