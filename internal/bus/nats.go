// internal/bus/nats.go
package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSSubscription is the part of *nats.Subscription the bridge needs.
type NATSSubscription interface {
	Unsubscribe() error
}

// NATSConn abstracts the NATS connection so the bridge can be exercised without a server.
type NATSConn interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, cb nats.MsgHandler) (NATSSubscription, error)
}

type natsConnAdapter struct {
	conn *nats.Conn
}

func (a natsConnAdapter) Publish(subject string, data []byte) error {
	return a.conn.Publish(subject, data)
}

func (a natsConnAdapter) Subscribe(subject string, cb nats.MsgHandler) (NATSSubscription, error) {
	sub, err := a.conn.Subscribe(subject, cb)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// WrapNATS adapts a live NATS connection for use with NewNATSBridge.
func WrapNATS(conn *nats.Conn) NATSConn {
	return natsConnAdapter{conn: conn}
}

// ConnectNATS dials the NATS server used to link delegates and the master.
func ConnectNATS(url, name string, logger *zap.Logger) (*nats.Conn, error) {
	log := logger.Named("nats")
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("Disconnected from NATS", zap.Error(err))
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("Reconnected to NATS", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: connect to nats at %s: %v", ErrConnection, url, err)
	}
	return conn, nil
}

// NATSBridge links a local EventBus to other processes. Messages published
// locally on a bridged channel go out on "<prefix>.<channel>"; messages
// arriving on those subjects from other buses are republished locally with
// their origin preserved, so they are never echoed back.
type NATSBridge struct {
	logger   *zap.Logger
	bus      *EventBus
	conn     NATSConn
	prefix   string
	channels []Channel

	mu        sync.Mutex
	local     []Handle
	remote    []NATSSubscription
	started   bool
	sendFails atomic.Uint64
}

// NewNATSBridge creates a bridge for the given channels. Call Start to begin forwarding.
func NewNATSBridge(logger *zap.Logger, b *EventBus, conn NATSConn, prefix string, channels []Channel) *NATSBridge {
	return &NATSBridge{
		logger:   logger.Named("nats_bridge"),
		bus:      b,
		conn:     conn,
		prefix:   prefix,
		channels: channels,
	}
}

// Subject returns the NATS subject used for channel.
func (nb *NATSBridge) Subject(channel Channel) string {
	return nb.prefix + "." + string(channel)
}

// SendFailures reports how many outbound publishes the transport rejected.
func (nb *NATSBridge) SendFailures() uint64 { return nb.sendFails.Load() }

// Start subscribes on both sides of the bridge. On failure everything already
// registered is released.
func (nb *NATSBridge) Start() error {
	nb.mu.Lock()
	defer nb.mu.Unlock()
	if nb.started {
		return fmt.Errorf("nats bridge already started")
	}

	localOrigin := func(m Message) bool { return m.Origin == nb.bus.ID() }

	for _, ch := range nb.channels {
		subject := nb.Subject(ch)

		h, err := nb.bus.Subscribe(ch, localOrigin, nb.forward(subject))
		if err != nil {
			nb.releaseLocked()
			return fmt.Errorf("bridge %s: %w", ch, err)
		}
		nb.local = append(nb.local, h)

		sub, err := nb.conn.Subscribe(subject, nb.receive)
		if err != nil {
			nb.releaseLocked()
			return fmt.Errorf("%w: subscribe to %s: %v", ErrConnection, subject, err)
		}
		nb.remote = append(nb.remote, sub)
	}
	nb.started = true
	nb.logger.Info("NATS bridge started", zap.String("prefix", nb.prefix), zap.Int("channels", len(nb.channels)))
	return nil
}

// Close detaches the bridge from both the bus and NATS. It does not close the NATS connection.
func (nb *NATSBridge) Close() {
	nb.mu.Lock()
	defer nb.mu.Unlock()
	nb.releaseLocked()
	nb.started = false
}

func (nb *NATSBridge) releaseLocked() {
	for _, h := range nb.local {
		nb.bus.Unsubscribe(h)
	}
	for _, s := range nb.remote {
		if err := s.Unsubscribe(); err != nil {
			nb.logger.Debug("Failed to unsubscribe from NATS", zap.Error(err))
		}
	}
	nb.local = nil
	nb.remote = nil
}

func (nb *NATSBridge) forward(subject string) Callback {
	return func(m Message) {
		data, err := EncodeMessage(m)
		if err != nil {
			nb.logger.Error("Failed to encode outbound message", zap.Error(err))
			return
		}
		if err := nb.conn.Publish(subject, data); err != nil {
			nb.sendFails.Add(1)
			nb.logger.Error("Failed to publish to NATS",
				zap.String("subject", subject),
				zap.String("type", string(m.Type)),
				zap.Error(err))
		}
	}
}

func (nb *NATSBridge) receive(raw *nats.Msg) {
	m, err := DecodeMessage(raw.Data)
	if err != nil {
		nb.logger.Warn("Dropping malformed message from NATS", zap.String("subject", raw.Subject), zap.Error(err))
		return
	}
	if m.Origin == nb.bus.ID() {
		return // our own message coming back
	}
	if err := nb.bus.Publish(context.Background(), m); err != nil {
		nb.logger.Debug("Could not republish remote message", zap.String("type", string(m.Type)), zap.Error(err))
	}
}
