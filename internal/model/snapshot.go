package model

// Pose is a position on the map plus an orientation in radians.
type Pose struct {
	X, Y float64
	W    float64
}

// Point is a map location.
type Point struct {
	X, Y float64
}

// InstructionGraphProgress is the executing plan: the instruction being run
// and the ones still to come.
type InstructionGraphProgress struct {
	Current   Instruction
	Remaining []Instruction
}

// Installed reports whether a plan is loaded.
func (g InstructionGraphProgress) Installed() bool { return g.Current != nil }

// MissionState is the robot and environment state.
type MissionState struct {
	BatteryCharge  float64
	Pose           Pose
	TargetWaypoint string
	RobotAccurate  bool
}

// EnvMap resolves waypoint ids to locations.
type EnvMap struct {
	Nodes map[string]Point
}

// Node looks up a waypoint.
func (m EnvMap) Node(id string) (Point, bool) {
	p, ok := m.Nodes[id]
	return p, ok
}

// ServicePerformance holds the latest observed response time per host.
type ServicePerformance struct {
	RespTime map[string]float64
}
