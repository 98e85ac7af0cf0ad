package model

import (
	"errors"
	"fmt"
	"sort"
)

// ErrUnknownCommand is returned for updates naming a command the store does not know.
var ErrUnknownCommand = errors.New("unknown model command")

// Command names understood by the store.
const (
	CmdSetInstructions       = "setInstructions"
	CmdSetCurrentInstruction = "setCurrentInstruction"
	CmdSetRobotAccurate      = "setRobotAccurate"
	CmdSetBatteryCharge      = "setBatteryCharge"
	CmdSetRobotPose          = "setRobotPose"
	CmdSetTargetWaypoint     = "setTargetWaypoint"
	CmdSetNode               = "setNode"
	CmdSetExperRespTime      = "setExperRespTime"
)

// Parameter names.
const (
	ParamInstructions = "instructions"
	ParamLabel        = "label"
	ParamAccurate     = "accurate"
	ParamCharge       = "charge"
	ParamX            = "x"
	ParamY            = "y"
	ParamW            = "w"
	ParamWaypoint     = "waypoint"
	ParamRespTime     = "respTime"
)

// Command describes one model operation: the model type it acts on, the
// parameters it requires, and whether it needs a target element.
type Command struct {
	Name        string
	ModelType   string
	Params      []string
	NeedsTarget bool

	apply func(m *models, u Update) error
}

// HasParam reports whether name is one of the command's parameters.
func (c Command) HasParam(name string) bool {
	for _, p := range c.Params {
		if p == name {
			return true
		}
	}
	return false
}

// Validate checks that u carries everything c needs.
func (c Command) Validate(u Update) error {
	if u.ModelType != "" && u.ModelType != c.ModelType {
		return fmt.Errorf("%s applies to %s, not %s", c.Name, c.ModelType, u.ModelType)
	}
	if u.ModelName == "" {
		return fmt.Errorf("%s: model name is required", c.Name)
	}
	if c.NeedsTarget && u.Target == "" {
		return fmt.Errorf("%s: target is required", c.Name)
	}
	for _, p := range c.Params {
		if _, ok := u.Params.Get(p); !ok {
			return fmt.Errorf("%s: missing parameter %q", c.Name, p)
		}
	}
	return nil
}

// Registry is the explicit table of model commands.
type Registry struct {
	commands map[string]Command
}

// NewRegistry returns a registry holding every command the store supports.
func NewRegistry() *Registry {
	r := &Registry{commands: make(map[string]Command)}
	r.register(Command{Name: CmdSetInstructions, ModelType: TypeInstructionGraph, Params: []string{ParamInstructions}, apply: applySetInstructions})
	r.register(Command{Name: CmdSetCurrentInstruction, ModelType: TypeInstructionGraph, Params: []string{ParamLabel}, apply: applySetCurrentInstruction})
	r.register(Command{Name: CmdSetRobotAccurate, ModelType: TypeMissionState, Params: []string{ParamAccurate}, apply: applySetRobotAccurate})
	r.register(Command{Name: CmdSetBatteryCharge, ModelType: TypeMissionState, Params: []string{ParamCharge}, apply: applySetBatteryCharge})
	r.register(Command{Name: CmdSetRobotPose, ModelType: TypeMissionState, Params: []string{ParamX, ParamY, ParamW}, apply: applySetRobotPose})
	r.register(Command{Name: CmdSetTargetWaypoint, ModelType: TypeMissionState, Params: []string{ParamWaypoint}, apply: applySetTargetWaypoint})
	r.register(Command{Name: CmdSetNode, ModelType: TypeEnvMap, Params: []string{ParamX, ParamY}, NeedsTarget: true, apply: applySetNode})
	r.register(Command{Name: CmdSetExperRespTime, ModelType: TypeServicePerformance, Params: []string{ParamRespTime}, NeedsTarget: true, apply: applySetExperRespTime})
	return r
}

func (r *Registry) register(c Command) {
	if _, dup := r.commands[c.Name]; dup {
		panic(fmt.Sprintf("model command %s registered twice", c.Name))
	}
	r.commands[c.Name] = c
}

// Lookup finds a command by name.
func (r *Registry) Lookup(name string) (Command, bool) {
	c, ok := r.commands[name]
	return c, ok
}

// Names lists the registered commands in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.commands))
	for n := range r.commands {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// models is the mutable state behind a MemoryStore.
type models struct {
	graphs   map[string]*InstructionGraphProgress
	missions map[string]*MissionState
	maps     map[string]*EnvMap
	perf     map[string]*ServicePerformance
}

func newModels() *models {
	return &models{
		graphs:   make(map[string]*InstructionGraphProgress),
		missions: make(map[string]*MissionState),
		maps:     make(map[string]*EnvMap),
		perf:     make(map[string]*ServicePerformance),
	}
}

func (m *models) mission(name string) *MissionState {
	ms, ok := m.missions[name]
	if !ok {
		ms = &MissionState{}
		m.missions[name] = ms
	}
	return ms
}

func applySetInstructions(m *models, u Update) error {
	raw, _ := u.Params.Get(ParamInstructions)
	plan, err := ParsePlan(raw)
	if err != nil {
		return err
	}
	g := &InstructionGraphProgress{}
	if len(plan) > 0 {
		g.Current = plan[0]
		g.Remaining = plan[1:]
	}
	m.graphs[u.ModelName] = g
	return nil
}

func applySetCurrentInstruction(m *models, u Update) error {
	label, _ := u.Params.Get(ParamLabel)
	g, ok := m.graphs[u.ModelName]
	if !ok || !g.Installed() {
		return fmt.Errorf("no plan installed in %s", u.ModelName)
	}
	if g.Current.InstructionLabel() == label {
		return nil
	}
	for i, inst := range g.Remaining {
		if inst.InstructionLabel() == label {
			g.Current = inst
			g.Remaining = append([]Instruction(nil), g.Remaining[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("instruction %q is not ahead of %q in %s", label, g.Current.InstructionLabel(), u.ModelName)
}

func applySetRobotAccurate(m *models, u Update) error {
	v, err := u.Params.Bool(ParamAccurate)
	if err != nil {
		return err
	}
	m.mission(u.ModelName).RobotAccurate = v
	return nil
}

func applySetBatteryCharge(m *models, u Update) error {
	v, err := u.Params.Float(ParamCharge)
	if err != nil {
		return err
	}
	m.mission(u.ModelName).BatteryCharge = v
	return nil
}

func applySetRobotPose(m *models, u Update) error {
	var p Pose
	var err error
	if p.X, err = u.Params.Float(ParamX); err != nil {
		return err
	}
	if p.Y, err = u.Params.Float(ParamY); err != nil {
		return err
	}
	if p.W, err = u.Params.Float(ParamW); err != nil {
		return err
	}
	m.mission(u.ModelName).Pose = p
	return nil
}

func applySetTargetWaypoint(m *models, u Update) error {
	wp, _ := u.Params.Get(ParamWaypoint)
	m.mission(u.ModelName).TargetWaypoint = wp
	return nil
}

func applySetNode(m *models, u Update) error {
	var p Point
	var err error
	if p.X, err = u.Params.Float(ParamX); err != nil {
		return err
	}
	if p.Y, err = u.Params.Float(ParamY); err != nil {
		return err
	}
	em, ok := m.maps[u.ModelName]
	if !ok {
		em = &EnvMap{Nodes: make(map[string]Point)}
		m.maps[u.ModelName] = em
	}
	em.Nodes[u.Target] = p
	return nil
}

func applySetExperRespTime(m *models, u Update) error {
	v, err := u.Params.Float(ParamRespTime)
	if err != nil {
		return err
	}
	sp, ok := m.perf[u.ModelName]
	if !ok {
		sp = &ServicePerformance{RespTime: make(map[string]float64)}
		m.perf[u.ModelName] = sp
	}
	sp.RespTime[u.Target] = v
	return nil
}
