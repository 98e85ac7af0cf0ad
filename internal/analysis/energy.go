package analysis

import (
	"math"

	"github.com/xkilldash9x/rainbow/internal/config"
	"github.com/xkilldash9x/rainbow/internal/model"
)

// EnergyModel predicts the battery cost of robot motion.
type EnergyModel struct {
	cfg config.EnergyConfig
}

// NewEnergyModel creates a model from the configured speeds and power draw.
func NewEnergyModel(cfg config.EnergyConfig) EnergyModel {
	return EnergyModel{cfg: cfg}
}

// movePower picks the power tier for speed. Only the exact full-speed constant
// selects the full tier; everything else draws half-speed power.
func (e EnergyModel) movePower(speed float64) float64 {
	if speed == e.cfg.FullSpeed {
		return e.cfg.FullSpeedPower
	}
	return e.cfg.HalfSpeedPower
}

// Movement returns the energy to travel from src to dst at speed. Distance is
// Manhattan when manhattan is set, Euclidean otherwise. Rotation is charged
// only when src and dst headings fall into different compass buckets.
func (e EnergyModel) Movement(manhattan bool, src, dst model.Pose, speed float64) float64 {
	var distance float64
	if manhattan {
		distance = math.Abs(src.X-dst.X) + math.Abs(src.Y-dst.Y)
	} else {
		distance = math.Hypot(src.X-dst.X, src.Y-dst.Y)
	}

	var energy float64
	switch {
	case distance == 0:
	case speed <= 0:
		return math.Inf(1)
	default:
		energy = e.movePower(speed) * distance / speed
	}

	if model.HeadingFromRadians(src.W) != model.HeadingFromRadians(dst.W) {
		energy += e.cfg.RotationPower * math.Abs(src.W-dst.W) / e.cfg.RotationalSpeed
	}
	return energy
}

// MoveTo costs a MoveAbsH from src.
func (e EnergyModel) MoveTo(inst model.MoveTo, src model.Pose) float64 {
	return e.Movement(true, src, model.Pose{X: inst.X, Y: inst.Y, W: inst.Heading}, inst.Speed)
}

// Forward costs driving distance along src's heading.
func (e EnergyModel) Forward(distance, speed float64, src model.Pose) float64 {
	return e.Movement(false, src, advance(src, distance), speed)
}

func advance(p model.Pose, distance float64) model.Pose {
	return model.Pose{X: p.X + distance*math.Cos(p.W), Y: p.Y + distance*math.Sin(p.W), W: p.W}
}

// NearestBufferedTarget returns the point buffer away from goal, on one of the
// four axes, with the smallest Manhattan distance from src. Candidates are
// tried north, east, south, west and the first minimum wins.
func NearestBufferedTarget(src, goal model.Point, buffer float64) model.Point {
	candidates := [4]model.Point{
		{X: goal.X, Y: goal.Y + buffer},
		{X: goal.X + buffer, Y: goal.Y},
		{X: goal.X, Y: goal.Y - buffer},
		{X: goal.X - buffer, Y: goal.Y},
	}
	best := candidates[0]
	bestDist := manhattan(src, best)
	for _, c := range candidates[1:] {
		if d := manhattan(src, c); d < bestDist {
			best, bestDist = c, d
		}
	}
	return best
}

func manhattan(a, b model.Point) float64 {
	return math.Abs(a.X-b.X) + math.Abs(a.Y-b.Y)
}

// PlanEnergy predicts the energy needed to execute plan from start. The last
// instruction only has to bring the robot within buffer of goal: a final
// MoveTo aims at the nearest buffered point and a final Forward is shortened
// by buffer. Instructions the model does not know cost nothing.
func (e EnergyModel) PlanEnergy(plan []model.Instruction, start model.Pose, goal model.Point, buffer float64) float64 {
	var total float64
	src := start
	last := len(plan) - 1

	for i, inst := range plan {
		switch in := inst.(type) {
		case model.MoveTo:
			if i == last {
				target := NearestBufferedTarget(model.Point{X: src.X, Y: src.Y}, goal, buffer)
				in.X, in.Y = target.X, target.Y
			}
			total += e.MoveTo(in, src)
			src = model.Pose{X: in.X, Y: in.Y, W: in.Heading}
		case model.Forward:
			d := in.Distance
			if i == last {
				d = math.Max(0, d-buffer)
			}
			total += e.Forward(d, in.Speed, src)
			src = advance(src, d)
		}
	}
	return total
}
