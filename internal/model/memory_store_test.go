package model

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xkilldash9x/rainbow/internal/bus"
	"go.uber.org/zap/zaptest"
)

type capturePublisher struct {
	mu   sync.Mutex
	msgs []bus.Message
	err  error
}

func (c *capturePublisher) Publish(_ context.Context, m bus.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.msgs = append(c.msgs, m)
	return nil
}

func (c *capturePublisher) changes() []Change {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Change
	for _, m := range c.msgs {
		if ch, ok := ChangeFromMessage(m); ok {
			out = append(out, ch)
		}
	}
	return out
}

func apply(t *testing.T, s *MemoryStore, u Update) {
	t.Helper()
	require.NoError(t, s.UpdateModel(context.Background(), u))
}

func TestMemoryStore_InstructionGraph(t *testing.T) {
	pub := &capturePublisher{}
	s := NewMemoryStore(zaptest.NewLogger(t), pub)
	ctx := context.Background()

	_, err := s.InstructionGraph(ctx, "plan")
	assert.ErrorIs(t, err, ErrModelUnavailable)

	apply(t, s, Update{
		ModelType: TypeInstructionGraph,
		ModelName: "plan",
		Command:   CmdSetInstructions,
		Params:    Params{{Name: ParamInstructions, Value: "1:MoveAbsH(1, 0, 0.35, 0); 2:Forward(2, 0.35); 3:MoveAbsH(5, 5, 0.68, 0)"}},
	})

	g, err := s.InstructionGraph(ctx, "plan")
	require.NoError(t, err)
	assert.Equal(t, "1", g.Current.InstructionLabel())
	assert.Len(t, g.Remaining, 2)

	apply(t, s, Update{ModelName: "plan", Command: CmdSetCurrentInstruction, Params: Params{{Name: ParamLabel, Value: "3"}}})
	g, err = s.InstructionGraph(ctx, "plan")
	require.NoError(t, err)
	assert.Equal(t, MoveTo{Label: "3", X: 5, Y: 5, Speed: 0.68}, g.Current)
	assert.Empty(t, g.Remaining)

	err = s.UpdateModel(ctx, Update{ModelName: "plan", Command: CmdSetCurrentInstruction, Params: Params{{Name: ParamLabel, Value: "1"}}})
	assert.ErrorContains(t, err, "not ahead of")

	// Only applied updates are announced.
	want := []Change{
		{ModelType: TypeInstructionGraph, ModelName: "plan", Command: CmdSetInstructions},
		{ModelType: TypeInstructionGraph, ModelName: "plan", Command: CmdSetCurrentInstruction},
	}
	if diff := cmp.Diff(want, pub.changes()); diff != "" {
		t.Errorf("announced changes mismatch (-want +got):\n%s", diff)
	}
}

func TestMemoryStore_MissionStateAndMap(t *testing.T) {
	s := NewMemoryStore(zaptest.NewLogger(t), nil)
	ctx := context.Background()

	apply(t, s, Update{ModelName: "ms", Command: CmdSetBatteryCharge, Params: Params{{Name: ParamCharge, Value: "42.5"}}})
	apply(t, s, Update{ModelName: "ms", Command: CmdSetRobotPose, Params: Params{{Name: ParamX, Value: "1"}, {Name: ParamY, Value: "2"}, {Name: ParamW, Value: "3.14"}}})
	apply(t, s, Update{ModelName: "ms", Command: CmdSetTargetWaypoint, Params: Params{{Name: ParamWaypoint, Value: "l8"}}})
	apply(t, s, Update{ModelName: "ms", Command: CmdSetRobotAccurate, Params: Params{{Name: ParamAccurate, Value: "true"}}})
	apply(t, s, Update{ModelName: "map", Command: CmdSetNode, Target: "l8", Params: Params{{Name: ParamX, Value: "10"}, {Name: ParamY, Value: "20"}}})

	ms, err := s.MissionState(ctx, "ms")
	require.NoError(t, err)
	assert.Equal(t, MissionState{BatteryCharge: 42.5, Pose: Pose{X: 1, Y: 2, W: 3.14}, TargetWaypoint: "l8", RobotAccurate: true}, ms)

	em, err := s.EnvMap(ctx, "map")
	require.NoError(t, err)
	p, ok := em.Node("l8")
	require.True(t, ok)
	assert.Equal(t, Point{X: 10, Y: 20}, p)

	em.Nodes["l8"] = Point{}
	again, _ := s.EnvMap(ctx, "map")
	assert.Equal(t, Point{X: 10, Y: 20}, again.Nodes["l8"], "snapshots must be copies")
}

func TestMemoryStore_RejectsBadUpdates(t *testing.T) {
	s := NewMemoryStore(zaptest.NewLogger(t), nil)
	ctx := context.Background()

	err := s.UpdateModel(ctx, Update{ModelName: "x", Command: "setWarpDrive"})
	assert.ErrorIs(t, err, ErrUnknownCommand)

	err = s.UpdateModel(ctx, Update{ModelType: TypeEnvMap, ModelName: "x", Command: CmdSetBatteryCharge, Params: Params{{Name: ParamCharge, Value: "1"}}})
	assert.ErrorContains(t, err, "applies to MissionState")

	err = s.UpdateModel(ctx, Update{ModelName: "x", Command: CmdSetNode, Params: Params{{Name: ParamX, Value: "1"}, {Name: ParamY, Value: "1"}}})
	assert.ErrorContains(t, err, "target is required")

	err = s.UpdateModel(ctx, Update{ModelName: "x", Command: CmdSetBatteryCharge, Params: Params{{Name: ParamCharge, Value: "full"}}})
	assert.ErrorContains(t, err, "parameter \"charge\"")

	_, err = s.MissionState(ctx, "x")
	assert.ErrorIs(t, err, ErrModelUnavailable, "a rejected update must not create the model")
}

func TestMemoryStore_PublishFailureKeepsUpdate(t *testing.T) {
	pub := &capturePublisher{err: errors.New("bus down")}
	s := NewMemoryStore(zaptest.NewLogger(t), pub)

	apply(t, s, Update{ModelName: "perf", Command: CmdSetExperRespTime, Target: "lb0", Params: Params{{Name: ParamRespTime, Value: "150"}}})

	sp, err := s.Performance(context.Background(), "perf")
	require.NoError(t, err)
	assert.Equal(t, 150.0, sp.RespTime["lb0"])
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, []string{
		CmdSetBatteryCharge, CmdSetCurrentInstruction, CmdSetExperRespTime, CmdSetInstructions,
		CmdSetNode, CmdSetRobotAccurate, CmdSetRobotPose, CmdSetTargetWaypoint,
	}, r.Names())

	cmd, ok := r.Lookup(CmdSetExperRespTime)
	require.True(t, ok)
	assert.Equal(t, TypeServicePerformance, cmd.ModelType)
	assert.True(t, cmd.HasParam(ParamRespTime))
	assert.False(t, cmd.HasParam(ParamCharge))
}

func TestMultiUpdater_StopsAtFirstError(t *testing.T) {
	first := NewMemoryStore(zaptest.NewLogger(t), nil)
	second := NewMemoryStore(zaptest.NewLogger(t), nil)
	chain := MultiUpdater{first, second}

	err := chain.UpdateModel(context.Background(), Update{ModelName: "m", Command: "nope"})
	assert.ErrorIs(t, err, ErrUnknownCommand)

	require.NoError(t, chain.UpdateModel(context.Background(),
		Update{ModelName: "m", Command: CmdSetBatteryCharge, Params: Params{{Name: ParamCharge, Value: "7"}}}))
	for _, s := range []*MemoryStore{first, second} {
		ms, err := s.MissionState(context.Background(), "m")
		require.NoError(t, err)
		assert.Equal(t, 7.0, ms.BatteryCharge)
	}
}
