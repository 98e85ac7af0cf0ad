package model

import (
	"context"
	"errors"
	"fmt"
	"strconv"
)

// ErrModelUnavailable reports that a snapshot could not be read. Callers skip
// the current cycle and try again later.
var ErrModelUnavailable = errors.New("model unavailable")

// Model types held by the store.
const (
	TypeInstructionGraph   = "InstructionGraphProgress"
	TypeMissionState       = "MissionState"
	TypeEnvMap             = "EnvMap"
	TypeServicePerformance = "ServicePerformance"
)

// Param is a single named argument of a model command.
type Param struct {
	Name  string
	Value string
}

// Params keeps command arguments in the order they were given.
type Params []Param

// Get returns the named parameter.
func (p Params) Get(name string) (string, bool) {
	for _, param := range p {
		if param.Name == name {
			return param.Value, true
		}
	}
	return "", false
}

// Float parses the named parameter as a float.
func (p Params) Float(name string) (float64, error) {
	raw, ok := p.Get(name)
	if !ok {
		return 0, fmt.Errorf("missing parameter %q", name)
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("parameter %q: %w", name, err)
	}
	return v, nil
}

// Bool parses the named parameter as a bool.
func (p Params) Bool(name string) (bool, error) {
	raw, ok := p.Get(name)
	if !ok {
		return false, fmt.Errorf("missing parameter %q", name)
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("parameter %q: %w", name, err)
	}
	return v, nil
}

// Update is a resolved model operation: which command to run on which model
// element, with its ordered arguments.
type Update struct {
	ModelType string
	ModelName string
	Command   string
	Target    string
	Params    Params
}

// Updater is the model-update sink.
type Updater interface {
	UpdateModel(ctx context.Context, u Update) error
}

// MultiUpdater applies an update to each updater in turn and stops at the
// first failure.
type MultiUpdater []Updater

func (m MultiUpdater) UpdateModel(ctx context.Context, u Update) error {
	for _, up := range m {
		if err := up.UpdateModel(ctx, u); err != nil {
			return err
		}
	}
	return nil
}

// Reader fetches fresh snapshots by model name.
type Reader interface {
	InstructionGraph(ctx context.Context, name string) (InstructionGraphProgress, error)
	MissionState(ctx context.Context, name string) (MissionState, error)
	EnvMap(ctx context.Context, name string) (EnvMap, error)
}

// Change describes an applied update, as announced on the MODEL_CHANGE channel.
type Change struct {
	ModelType string
	ModelName string
	Command   string
	Target    string
}
