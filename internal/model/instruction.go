package model

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Instruction is one step of a plan. Implementations are small value types, so
// two instructions are equal exactly when they are == to each other.
type Instruction interface {
	InstructionLabel() string
	String() string
}

// MoveTo drives to an absolute pose. Wire form: MoveAbsH(x, y, v, w).
type MoveTo struct {
	Label   string
	X, Y    float64
	Speed   float64
	Heading float64 // radians
}

// Forward drives straight along the current heading. Wire form: Forward(d, v).
type Forward struct {
	Label    string
	Distance float64
	Speed    float64
}

// Other is any instruction the energy model does not cost.
type Other struct {
	Label string
	Text  string
}

func (m MoveTo) InstructionLabel() string  { return m.Label }
func (f Forward) InstructionLabel() string { return f.Label }
func (o Other) InstructionLabel() string   { return o.Label }

func (m MoveTo) String() string {
	return fmt.Sprintf("MoveAbsH(%s, %s, %s, %s)", ftoa(m.X), ftoa(m.Y), ftoa(m.Speed), ftoa(m.Heading))
}

func (f Forward) String() string {
	return fmt.Sprintf("Forward(%s, %s)", ftoa(f.Distance), ftoa(f.Speed))
}

func (o Other) String() string { return o.Text }

func ftoa(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }

var callPattern = regexp.MustCompile(`^\s*([A-Za-z][A-Za-z0-9_]*)\s*\((.*)\)\s*$`)

// ParseInstruction reads the textual form of an instruction. Unknown
// operations become Other; a known operation with bad arguments is an error.
func ParseInstruction(label, text string) (Instruction, error) {
	m := callPattern.FindStringSubmatch(text)
	if m == nil {
		return Other{Label: label, Text: strings.TrimSpace(text)}, nil
	}
	op, rawArgs := m[1], m[2]

	switch op {
	case "MoveAbsH":
		args, err := parseArgs(rawArgs, 4)
		if err != nil {
			return nil, fmt.Errorf("instruction %s: MoveAbsH: %w", label, err)
		}
		return MoveTo{Label: label, X: args[0], Y: args[1], Speed: args[2], Heading: args[3]}, nil
	case "Forward":
		args, err := parseArgs(rawArgs, 2)
		if err != nil {
			return nil, fmt.Errorf("instruction %s: Forward: %w", label, err)
		}
		return Forward{Label: label, Distance: args[0], Speed: args[1]}, nil
	default:
		return Other{Label: label, Text: strings.TrimSpace(text)}, nil
	}
}

func parseArgs(raw string, want int) ([]float64, error) {
	parts := strings.Split(raw, ",")
	if len(parts) != want {
		return nil, fmt.Errorf("expected %d arguments, got %d", want, len(parts))
	}
	out := make([]float64, want)
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i+1, err)
		}
		out[i] = v
	}
	return out, nil
}

// ParsePlan reads a plan of the form "label:instruction; label:instruction".
// Entries without an explicit label are numbered from 1.
func ParsePlan(text string) ([]Instruction, error) {
	var plan []Instruction
	for i, entry := range strings.Split(text, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		label := strconv.Itoa(i + 1)
		body := entry
		if idx := strings.Index(entry, ":"); idx >= 0 && !strings.Contains(entry[:idx], "(") {
			label = strings.TrimSpace(entry[:idx])
			body = entry[idx+1:]
		}
		inst, err := ParseInstruction(label, body)
		if err != nil {
			return nil, err
		}
		plan = append(plan, inst)
	}
	return plan, nil
}

// FormatPlan is the inverse of ParsePlan.
func FormatPlan(plan []Instruction) string {
	parts := make([]string, len(plan))
	for i, inst := range plan {
		parts[i] = inst.InstructionLabel() + ":" + inst.String()
	}
	return strings.Join(parts, "; ")
}
