package model

import (
	"context"
	"fmt"
	"sync"

	"github.com/xkilldash9x/rainbow/internal/bus"
	"go.uber.org/zap"
)

// Publisher is the part of the event bus the model needs to announce changes.
type Publisher interface {
	Publish(ctx context.Context, msg bus.Message) error
}

// MemoryStore is an in-process model store. It applies updates through the
// command registry and announces each applied update on MODEL_CHANGE.
type MemoryStore struct {
	logger    *zap.Logger
	registry  *Registry
	publisher Publisher

	mu     sync.RWMutex
	models *models
}

// NewMemoryStore creates an empty store. publisher may be nil, in which case
// no change events are emitted.
func NewMemoryStore(logger *zap.Logger, publisher Publisher) *MemoryStore {
	return &MemoryStore{
		logger:    logger.Named("model_store"),
		registry:  NewRegistry(),
		publisher: publisher,
		models:    newModels(),
	}
}

// Registry exposes the command table, e.g. for configuration checks.
func (s *MemoryStore) Registry() *Registry { return s.registry }

// UpdateModel validates and applies u. A change event is published after the
// lock is released; failing to publish it does not undo the update.
func (s *MemoryStore) UpdateModel(ctx context.Context, u Update) error {
	cmd, ok := s.registry.Lookup(u.Command)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownCommand, u.Command)
	}
	if err := cmd.Validate(u); err != nil {
		return err
	}
	u.ModelType = cmd.ModelType

	s.mu.Lock()
	err := cmd.apply(s.models, u)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("apply %s to %s: %w", u.Command, u.ModelName, err)
	}

	s.logger.Debug("Model updated.",
		zap.String("model_type", u.ModelType),
		zap.String("model_name", u.ModelName),
		zap.String("command", u.Command),
		zap.String("target", u.Target))

	if s.publisher != nil {
		change := Change{ModelType: u.ModelType, ModelName: u.ModelName, Command: u.Command, Target: u.Target}
		if err := s.publisher.Publish(ctx, ChangeMessage(change)); err != nil {
			s.logger.Warn("Failed to announce model change.", zap.String("command", u.Command), zap.Error(err))
		}
	}
	return nil
}

// InstructionGraph returns a copy of the named plan progress.
func (s *MemoryStore) InstructionGraph(_ context.Context, name string) (InstructionGraphProgress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.models.graphs[name]
	if !ok || !g.Installed() {
		return InstructionGraphProgress{}, fmt.Errorf("%w: no instruction graph %q", ErrModelUnavailable, name)
	}
	return InstructionGraphProgress{
		Current:   g.Current,
		Remaining: append([]Instruction(nil), g.Remaining...),
	}, nil
}

// MissionState returns a copy of the named mission state.
func (s *MemoryStore) MissionState(_ context.Context, name string) (MissionState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ms, ok := s.models.missions[name]
	if !ok {
		return MissionState{}, fmt.Errorf("%w: no mission state %q", ErrModelUnavailable, name)
	}
	return *ms, nil
}

// EnvMap returns a copy of the named map.
func (s *MemoryStore) EnvMap(_ context.Context, name string) (EnvMap, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	em, ok := s.models.maps[name]
	if !ok {
		return EnvMap{}, fmt.Errorf("%w: no map %q", ErrModelUnavailable, name)
	}
	nodes := make(map[string]Point, len(em.Nodes))
	for id, p := range em.Nodes {
		nodes[id] = p
	}
	return EnvMap{Nodes: nodes}, nil
}

// Performance returns a copy of the named response-time table.
func (s *MemoryStore) Performance(_ context.Context, name string) (ServicePerformance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sp, ok := s.models.perf[name]
	if !ok {
		return ServicePerformance{}, fmt.Errorf("%w: no performance model %q", ErrModelUnavailable, name)
	}
	rt := make(map[string]float64, len(sp.RespTime))
	for h, v := range sp.RespTime {
		rt[h] = v
	}
	return ServicePerformance{RespTime: rt}, nil
}
