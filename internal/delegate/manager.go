// Package delegate implements the lifecycle protocol between the master and
// the delegate processes it manages.
package delegate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/rainbow/internal/bus"
)

// State is the lifecycle state of a delegate. StateTerminated is absorbing.
type State int

const (
	StateUninitialized State = iota
	StateStarted
	StatePaused
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "UNINITIALIZED"
	case StateStarted:
		return "STARTED"
	case StatePaused:
		return "PAUSED"
	case StateTerminated:
		return "TERMINATED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// KeyState is the heartbeat property carrying the sender's lifecycle state.
const KeyState = "state"

// Actions performs the local work behind each lifecycle command.
type Actions interface {
	StartDelegate(ctx context.Context) error
	PauseDelegate(ctx context.Context) error
	TerminateDelegate(ctx context.Context) error
	StartProbes(ctx context.Context) error
	KillProbes(ctx context.Context) error
}

// commands a Manager listens for.
var commands = bus.MatchTypes(
	bus.TypeStartDelegate,
	bus.TypeTerminateDelegate,
	bus.TypePauseDelegate,
	bus.TypeStartProbes,
	bus.TypeKillProbes,
)

// Manager runs inside a delegate process. It answers lifecycle commands
// addressed to its delegate id and reports liveness on the HEALTH channel.
type Manager struct {
	logger  *zap.Logger
	bus     *bus.EventBus
	id      string
	actions Actions

	mu    sync.Mutex
	state State

	handle      bus.Handle
	disposeOnce sync.Once
}

// NewManager subscribes a manager for delegate id on b.
func NewManager(logger *zap.Logger, b *bus.EventBus, id string, actions Actions) (*Manager, error) {
	if id == "" {
		return nil, fmt.Errorf("delegate id is required")
	}
	m := &Manager{
		logger:  logger.Named("delegate").With(zap.String("delegate_id", id)),
		bus:     b,
		id:      id,
		actions: actions,
	}
	h, err := b.Subscribe(bus.ChannelHealth, func(msg bus.Message) bool {
		return msg.DelegateID == id && commands(msg)
	}, m.onCommand)
	if err != nil {
		return nil, fmt.Errorf("delegate %s: %w", id, err)
	}
	m.handle = h
	return m, nil
}

// ID returns the delegate id.
func (m *Manager) ID() string { return m.id }

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) onCommand(msg bus.Message) {
	ctx := context.Background()
	m.logger.Debug("Received lifecycle command.", zap.String("type", string(msg.Type)))

	switch msg.Type {
	case bus.TypeStartDelegate:
		m.reply(ctx, msg, m.transition(ctx, StateStarted, m.actions.StartDelegate))
	case bus.TypeTerminateDelegate:
		m.reply(ctx, msg, m.transition(ctx, StateTerminated, m.actions.TerminateDelegate))
	case bus.TypePauseDelegate:
		m.reply(ctx, msg, m.transition(ctx, StatePaused, m.actions.PauseDelegate))
	case bus.TypeStartProbes:
		m.probes(ctx, "start", m.actions.StartProbes)
	case bus.TypeKillProbes:
		m.probes(ctx, "kill", m.actions.KillProbes)
	default:
		m.logger.Warn("Ignoring unexpected message type.", zap.String("type", string(msg.Type)))
	}
}

// transition runs action and moves to target if it succeeds. Once terminated,
// every transition is refused.
func (m *Manager) transition(ctx context.Context, target State, action func(context.Context) error) bool {
	from := m.State()
	if from == StateTerminated {
		m.logger.Info("Delegate is terminated, refusing command.", zap.Stringer("target", target))
		return false
	}
	if target == StatePaused && from == StateUninitialized {
		m.logger.Info("Cannot pause a delegate that was never started.")
		return false
	}
	if err := action(ctx); err != nil {
		m.logger.Error("Lifecycle action failed.", zap.Stringer("target", target), zap.Error(err))
		return false
	}

	m.mu.Lock()
	m.state = target
	m.mu.Unlock()
	m.logger.Info("Delegate state changed.", zap.Stringer("from", from), zap.Stringer("to", target))
	return true
}

func (m *Manager) probes(ctx context.Context, verb string, action func(context.Context) error) {
	if m.State() == StateTerminated {
		m.logger.Debug("Delegate is terminated, ignoring probe command.", zap.String("action", verb))
		return
	}
	if err := action(ctx); err != nil {
		m.logger.Error("Probe command failed.", zap.String("action", verb), zap.Error(err))
	}
}

func (m *Manager) reply(ctx context.Context, msg bus.Message, result bool) {
	if msg.CorrelationID == "" {
		return
	}
	if err := m.bus.ReplyTo(ctx, msg, result); err != nil {
		m.logger.Warn("Failed to reply to lifecycle command.", zap.String("type", string(msg.Type)), zap.Error(err))
	}
}

// Heartbeat publishes one RECEIVE_HEARTBEAT for this delegate.
func (m *Manager) Heartbeat(ctx context.Context) error {
	m.logger.Debug("Sending heartbeat.")
	return m.bus.Publish(ctx, bus.Message{
		Channel:    bus.ChannelHealth,
		Type:       bus.TypeHeartbeat,
		DelegateID: m.id,
		Properties: bus.Properties{{Key: KeyState, Value: m.State().String()}},
	})
}

// RunHeartbeats sends a heartbeat immediately and then every period until ctx
// ends. Failed heartbeats are logged and the loop carries on.
func (m *Manager) RunHeartbeats(ctx context.Context, period time.Duration) error {
	if period <= 0 {
		return fmt.Errorf("heartbeat period must be positive")
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		if err := m.Heartbeat(ctx); err != nil && ctx.Err() == nil {
			m.logger.Warn("Heartbeat failed.", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RequestConfigurationInformation asks the master to send this delegate its configuration.
func (m *Manager) RequestConfigurationInformation(ctx context.Context) error {
	m.logger.Debug("Requesting configuration information.")
	return m.bus.Publish(ctx, bus.Message{
		Channel:    bus.ChannelHealth,
		Type:       bus.TypeRequestConfig,
		DelegateID: m.id,
	})
}

// Dispose releases the manager's subscription. It is idempotent.
func (m *Manager) Dispose() {
	m.disposeOnce.Do(func() {
		m.bus.Unsubscribe(m.handle)
		m.logger.Debug("Delegate manager disposed.")
	})
}
