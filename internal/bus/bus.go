// internal/bus/bus.go
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrConnection reports that the bus (or its transport) cannot carry the message.
	ErrConnection = errors.New("bus connection error")
	// ErrTimeout reports that a request received no reply before its deadline.
	ErrTimeout = errors.New("bus request timed out")
)

// Predicate decides whether a subscriber wants a message.
type Predicate func(Message) bool

// Callback consumes a delivered message.
type Callback func(Message)

// Handle identifies a subscription for Unsubscribe.
type Handle uint64

// MatchAll accepts every message on the channel.
func MatchAll(Message) bool { return true }

// MatchTypes accepts messages whose type is one of types.
func MatchTypes(types ...MessageType) Predicate {
	return func(m Message) bool {
		for _, t := range types {
			if m.Type == t {
				return true
			}
		}
		return false
	}
}

type subscription struct {
	handle    Handle
	channel   Channel
	predicate Predicate
	callback  Callback
	queue     chan Message
	stopped   atomic.Bool
}

// EventBus is an in-process publish/subscribe bus. Each subscription owns a
// queue drained by a dedicated goroutine, so callbacks run in publish order per
// subscriber and never on the publisher's goroutine. Delivery is at-most-once:
// a full subscriber queue drops the message for that subscriber.
type EventBus struct {
	id         string
	logger     *zap.Logger
	bufferSize int

	mu       sync.RWMutex
	channels map[Channel][]*subscription
	handles  map[Handle]*subscription
	closed   atomic.Bool

	pendingMu sync.Mutex
	pending   map[string]chan Message

	nextHandle atomic.Uint64
	dropped    atomic.Uint64
	wg         sync.WaitGroup
	closeOnce  sync.Once
}

// NewEventBus initializes an EventBus whose subscribers buffer up to bufferSize messages.
func NewEventBus(logger *zap.Logger, bufferSize int) *EventBus {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	id := uuid.New().String()
	return &EventBus{
		id:         id,
		logger:     logger.Named("event_bus").With(zap.String("bus_id", id)),
		bufferSize: bufferSize,
		channels:   make(map[Channel][]*subscription),
		handles:    make(map[Handle]*subscription),
		pending:    make(map[string]chan Message),
	}
}

// ID returns the identity stamped into the Origin of locally published messages.
func (b *EventBus) ID() string { return b.id }

// Dropped returns the number of deliveries discarded because a subscriber queue was full.
func (b *EventBus) Dropped() uint64 { return b.dropped.Load() }

// Subscribe registers callback for messages on channel accepted by predicate.
// A nil predicate matches everything.
func (b *EventBus) Subscribe(channel Channel, predicate Predicate, callback Callback) (Handle, error) {
	if callback == nil {
		return 0, fmt.Errorf("subscribe to %s: callback is required", channel)
	}
	if predicate == nil {
		predicate = MatchAll
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed.Load() {
		return 0, fmt.Errorf("%w: subscribe to %s on closed bus", ErrConnection, channel)
	}

	sub := &subscription{
		handle:    Handle(b.nextHandle.Add(1)),
		channel:   channel,
		predicate: predicate,
		callback:  callback,
		queue:     make(chan Message, b.bufferSize),
	}
	b.channels[channel] = append(b.channels[channel], sub)
	b.handles[sub.handle] = sub

	b.wg.Add(1)
	go b.dispatch(sub)

	return sub.handle, nil
}

// Unsubscribe removes a subscription. Messages still queued for it are
// discarded. It is safe to call from within the subscription's own callback.
// Returns false if the handle is unknown.
func (b *EventBus) Unsubscribe(h Handle) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.handles[h]
	if !ok {
		return false
	}
	delete(b.handles, h)

	subs := b.channels[sub.channel]
	for i, s := range subs {
		if s == sub {
			b.channels[sub.channel] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(b.channels[sub.channel]) == 0 {
		delete(b.channels, sub.channel)
	}

	sub.stopped.Store(true)
	close(sub.queue)
	return true
}

// Publish delivers msg to every matching subscriber on msg.Channel. It never
// blocks on slow subscribers and never retries.
func (b *EventBus) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if msg.Channel == "" {
		return fmt.Errorf("publish %s: channel is required", msg.Type)
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	if msg.Origin == "" {
		msg.Origin = b.id
	}

	// Hold the read lock across the sends so Unsubscribe/Close cannot close a
	// queue underneath us. Sends are non-blocking.
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed.Load() {
		return fmt.Errorf("%w: publish %s on closed bus", ErrConnection, msg.Type)
	}

	if msg.IsReply() {
		b.completeRequest(msg)
	}

	for _, sub := range b.channels[msg.Channel] {
		if !b.matches(sub, msg) {
			continue
		}
		select {
		case sub.queue <- msg:
		default:
			b.dropped.Add(1)
			b.logger.Warn("Subscriber queue full, message dropped.",
				zap.String("channel", string(msg.Channel)),
				zap.String("type", string(msg.Type)),
				zap.Uint64("handle", uint64(sub.handle)))
		}
	}
	return nil
}

// Close stops all dispatch goroutines and fails outstanding requests with
// ErrConnection. It must not be called from a subscriber callback.
func (b *EventBus) Close() {
	b.closeOnce.Do(func() {
		b.logger.Debug("Closing event bus.")

		b.mu.Lock()
		b.closed.Store(true)
		for h, sub := range b.handles {
			sub.stopped.Store(true)
			close(sub.queue)
			delete(b.handles, h)
		}
		b.channels = make(map[Channel][]*subscription)
		b.mu.Unlock()

		b.pendingMu.Lock()
		for corr, ch := range b.pending {
			close(ch)
			delete(b.pending, corr)
		}
		b.pendingMu.Unlock()

		b.wg.Wait()
		b.logger.Debug("Event bus closed.", zap.Uint64("dropped", b.dropped.Load()))
	})
}

func (b *EventBus) matches(sub *subscription, msg Message) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Panic recovered in subscription predicate",
				zap.Uint64("handle", uint64(sub.handle)),
				zap.Any("panic_value", r))
			ok = false
		}
	}()
	return sub.predicate(msg)
}

// dispatch drains one subscription queue until it is closed.
func (b *EventBus) dispatch(sub *subscription) {
	defer b.wg.Done()
	for msg := range sub.queue {
		if sub.stopped.Load() {
			continue
		}
		b.deliver(sub, msg)
	}
}

// deliver wraps the callback so a panicking subscriber cannot take down the dispatcher.
func (b *EventBus) deliver(sub *subscription, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Panic recovered in subscriber callback",
				zap.String("message_id", msg.ID),
				zap.String("message_type", string(msg.Type)),
				zap.Uint64("handle", uint64(sub.handle)),
				zap.Any("panic_value", r))
		}
	}()
	sub.callback(msg)
}
