package delegate

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/rainbow/internal/bus"
)

// Status is what the monitor knows about one delegate.
type Status struct {
	ID       string
	State    string
	LastSeen time.Time
	// ConfigRequested is set once the delegate has asked for its configuration.
	ConfigRequested bool
}

// Monitor tracks delegate heartbeats on the master and reports delegates whose
// last heartbeat is older than the stale threshold.
type Monitor struct {
	logger     *zap.Logger
	bus        *bus.EventBus
	staleAfter time.Duration
	now        func() time.Time

	mu        sync.Mutex
	delegates map[string]*Status

	handle      bus.Handle
	disposeOnce sync.Once
}

// NewMonitor subscribes a monitor to b's HEALTH channel.
func NewMonitor(logger *zap.Logger, b *bus.EventBus, staleAfter time.Duration) (*Monitor, error) {
	m := &Monitor{
		logger:     logger.Named("heartbeat_monitor"),
		bus:        b,
		staleAfter: staleAfter,
		now:        time.Now,
		delegates:  make(map[string]*Status),
	}
	h, err := b.Subscribe(bus.ChannelHealth, bus.MatchTypes(bus.TypeHeartbeat, bus.TypeRequestConfig), m.observe)
	if err != nil {
		return nil, fmt.Errorf("heartbeat monitor: %w", err)
	}
	m.handle = h
	return m, nil
}

func (m *Monitor) observe(msg bus.Message) {
	if msg.DelegateID == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.delegates[msg.DelegateID]
	if !ok {
		st = &Status{ID: msg.DelegateID}
		m.delegates[msg.DelegateID] = st
		m.logger.Info("New delegate seen.", zap.String("delegate_id", msg.DelegateID))
	}
	st.LastSeen = m.now()
	switch msg.Type {
	case bus.TypeHeartbeat:
		if s := msg.Property(KeyState); s != "" {
			st.State = s
		}
	case bus.TypeRequestConfig:
		st.ConfigRequested = true
		m.logger.Info("Delegate requested configuration.", zap.String("delegate_id", msg.DelegateID))
	}
}

// Delegates returns every known delegate sorted by id.
func (m *Monitor) Delegates() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Status, 0, len(m.delegates))
	for _, st := range m.delegates {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Stale returns the ids of delegates not heard from within the threshold.
func (m *Monitor) Stale() []string {
	now := m.now()
	var stale []string
	for _, st := range m.Delegates() {
		if now.Sub(st.LastSeen) > m.staleAfter {
			stale = append(stale, st.ID)
		}
	}
	return stale
}

// Run checks for stale delegates every interval until ctx ends.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("monitor interval must be positive")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, id := range m.Stale() {
				m.logger.Warn("Delegate heartbeat is stale.", zap.String("delegate_id", id), zap.Duration("threshold", m.staleAfter))
			}
		}
	}
}

// Dispose releases the monitor's subscription. It is idempotent.
func (m *Monitor) Dispose() {
	m.disposeOnce.Do(func() { m.bus.Unsubscribe(m.handle) })
}
