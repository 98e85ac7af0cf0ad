package model

import "math"

// Heading is a compass bucket of width pi/4 centred on the eight principal
// directions. Two orientations that fall into the same bucket are treated as
// "not rotating" by the energy model.
type Heading int

const (
	East Heading = iota
	NorthEast
	North
	NorthWest
	West
	SouthWest
	South
	SouthEast
)

var headingNames = [...]string{"EAST", "NORTHEAST", "NORTH", "NORTHWEST", "WEST", "SOUTHWEST", "SOUTH", "SOUTHEAST"}

func (h Heading) String() string {
	if h < East || h > SouthEast {
		return "UNKNOWN"
	}
	return headingNames[h]
}

// HeadingFromRadians buckets an angle in radians. Any angle is accepted and
// normalized first.
func HeadingFromRadians(w float64) Heading {
	if math.IsNaN(w) || math.IsInf(w, 0) {
		return East
	}
	w = math.Mod(w, 2*math.Pi)
	if w < 0 {
		w += 2 * math.Pi
	}
	bucket := int(math.Floor((w+math.Pi/8)/(math.Pi/4))) % 8
	return Heading(bucket)
}
