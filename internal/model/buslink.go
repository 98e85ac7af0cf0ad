package model

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/xkilldash9x/rainbow/internal/bus"
	"go.uber.org/zap"
)

// Property keys used by model traffic.
const (
	KeyModelType = "modelType"
	KeyModelName = "modelName"
	KeyCommand   = "command"
	KeyTarget    = "target"

	paramPrefix = "param."
)

// UpdateMessage encodes u as a MODEL_US message.
func UpdateMessage(u Update) bus.Message {
	props := bus.Properties{
		{Key: KeyModelType, Value: u.ModelType},
		{Key: KeyModelName, Value: u.ModelName},
		{Key: KeyCommand, Value: u.Command},
		{Key: KeyTarget, Value: u.Target},
	}
	for _, p := range u.Params {
		props = append(props, bus.Property{Key: paramPrefix + p.Name, Value: p.Value})
	}
	return bus.Message{Channel: bus.ChannelModelUS, Type: bus.TypeModelUpdate, Properties: props}
}

// UpdateFromMessage decodes a MODEL_US message.
func UpdateFromMessage(m bus.Message) (Update, error) {
	if m.Type != bus.TypeModelUpdate {
		return Update{}, fmt.Errorf("message %s is %s, not %s", m.ID, m.Type, bus.TypeModelUpdate)
	}
	u := Update{
		ModelType: m.Property(KeyModelType),
		ModelName: m.Property(KeyModelName),
		Command:   m.Property(KeyCommand),
		Target:    m.Property(KeyTarget),
	}
	if u.Command == "" {
		return Update{}, fmt.Errorf("message %s carries no command", m.ID)
	}
	for _, p := range m.Properties {
		if name, ok := strings.CutPrefix(p.Key, paramPrefix); ok {
			u.Params = append(u.Params, Param{Name: name, Value: p.Value})
		}
	}
	return u, nil
}

// ChangeMessage encodes c as a MODEL_CHANGE message.
func ChangeMessage(c Change) bus.Message {
	return bus.Message{
		Channel: bus.ChannelModelChange,
		Type:    bus.TypeModelChange,
		Properties: bus.Properties{
			{Key: KeyModelType, Value: c.ModelType},
			{Key: KeyModelName, Value: c.ModelName},
			{Key: KeyCommand, Value: c.Command},
			{Key: KeyTarget, Value: c.Target},
		},
	}
}

// ChangeFromMessage decodes a MODEL_CHANGE message.
func ChangeFromMessage(m bus.Message) (Change, bool) {
	if m.Type != bus.TypeModelChange {
		return Change{}, false
	}
	return Change{
		ModelType: m.Property(KeyModelType),
		ModelName: m.Property(KeyModelName),
		Command:   m.Property(KeyCommand),
		Target:    m.Property(KeyTarget),
	}, true
}

// BusUpdater is a model-update sink that ships updates to the model store over the bus.
type BusUpdater struct {
	pub Publisher
}

// NewBusUpdater creates a sink publishing on pub.
func NewBusUpdater(pub Publisher) *BusUpdater {
	return &BusUpdater{pub: pub}
}

// UpdateModel publishes u on MODEL_US. Delivery is fire-and-forget.
func (b *BusUpdater) UpdateModel(ctx context.Context, u Update) error {
	if err := b.pub.Publish(ctx, UpdateMessage(u)); err != nil {
		return fmt.Errorf("publish %s update: %w", u.Command, err)
	}
	return nil
}

// Listener applies MODEL_US traffic to a local updater, normally a MemoryStore.
type Listener struct {
	logger  *zap.Logger
	bus     *bus.EventBus
	updater Updater

	mu     sync.Mutex
	handle bus.Handle
	active bool
}

// NewListener wires b's MODEL_US channel to updater.
func NewListener(logger *zap.Logger, b *bus.EventBus, updater Updater) *Listener {
	return &Listener{logger: logger.Named("model_listener"), bus: b, updater: updater}
}

// Start subscribes to model updates.
func (l *Listener) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active {
		return nil
	}
	h, err := l.bus.Subscribe(bus.ChannelModelUS, bus.MatchTypes(bus.TypeModelUpdate), l.onUpdate)
	if err != nil {
		return fmt.Errorf("model listener: %w", err)
	}
	l.handle = h
	l.active = true
	return nil
}

// Stop unsubscribes. It is idempotent.
func (l *Listener) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.active {
		return
	}
	l.bus.Unsubscribe(l.handle)
	l.active = false
}

func (l *Listener) onUpdate(m bus.Message) {
	u, err := UpdateFromMessage(m)
	if err != nil {
		l.logger.Warn("Discarding malformed model update.", zap.String("message_id", m.ID), zap.Error(err))
		return
	}
	if err := l.updater.UpdateModel(context.Background(), u); err != nil {
		l.logger.Warn("Model update rejected.",
			zap.String("command", u.Command),
			zap.String("model_name", u.ModelName),
			zap.Error(err))
	}
}
