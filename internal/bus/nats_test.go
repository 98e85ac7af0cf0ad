package bus_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xkilldash9x/rainbow/internal/bus"
	"go.uber.org/zap/zaptest"
)

// loopback is an in-memory stand-in for a NATS server. Every connection
// created from it sees every subject, and delivery is synchronous.
type loopback struct {
	mu       sync.Mutex
	handlers map[string]map[int]nats.MsgHandler
	next     int
	failPub  atomic.Bool
}

func newLoopback() *loopback {
	return &loopback{handlers: make(map[string]map[int]nats.MsgHandler)}
}

type loopbackSub struct {
	lb      *loopback
	subject string
	id      int
}

func (s loopbackSub) Unsubscribe() error {
	s.lb.mu.Lock()
	defer s.lb.mu.Unlock()
	delete(s.lb.handlers[s.subject], s.id)
	return nil
}

func (lb *loopback) Publish(subject string, data []byte) error {
	if lb.failPub.Load() {
		return errors.New("nats: connection closed")
	}
	lb.mu.Lock()
	var targets []nats.MsgHandler
	for _, h := range lb.handlers[subject] {
		targets = append(targets, h)
	}
	lb.mu.Unlock()

	for _, h := range targets {
		h(&nats.Msg{Subject: subject, Data: append([]byte(nil), data...)})
	}
	return nil
}

func (lb *loopback) Subscribe(subject string, cb nats.MsgHandler) (bus.NATSSubscription, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	if lb.handlers[subject] == nil {
		lb.handlers[subject] = make(map[int]nats.MsgHandler)
	}
	lb.next++
	lb.handlers[subject][lb.next] = cb
	return loopbackSub{lb: lb, subject: subject, id: lb.next}, nil
}

func (lb *loopback) subscribers(subject string) int {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return len(lb.handlers[subject])
}

var bridged = []bus.Channel{bus.ChannelHealth, bus.ChannelModelUS, bus.ChannelModelChange}

func bridgedBus(t *testing.T, lb *loopback) (*bus.EventBus, *bus.NATSBridge) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	b := bus.NewEventBus(logger, 64)
	bridge := bus.NewNATSBridge(logger, b, lb, "rainbow", bridged)
	require.NoError(t, bridge.Start())
	t.Cleanup(func() {
		bridge.Close()
		b.Close()
	})
	return b, bridge
}

func TestNATSBridge_Subject(t *testing.T) {
	lb := newLoopback()
	_, bridge := bridgedBus(t, lb)
	assert.Equal(t, "rainbow.HEALTH", bridge.Subject(bus.ChannelHealth))
	assert.Equal(t, 1, lb.subscribers("rainbow.MODEL_US"))
}

func TestNATSBridge_RequestReplyAcrossBuses(t *testing.T) {
	lb := newLoopback()
	master, _ := bridgedBus(t, lb)
	delegateBus, _ := bridgedBus(t, lb)

	_, err := delegateBus.Subscribe(bus.ChannelHealth, bus.MatchTypes(bus.TypeStartProbes), func(m bus.Message) {
		assert.NotEqual(t, delegateBus.ID(), m.Origin, "request originated on the master bus")
		assert.NoError(t, delegateBus.ReplyTo(context.Background(), m, true))
	})
	require.NoError(t, err)

	reply, err := master.SendRequest(context.Background(),
		bus.Message{Channel: bus.ChannelHealth, Type: bus.TypeStartProbes, DelegateID: "d1"},
		2*time.Second)
	require.NoError(t, err)

	assert.Equal(t, delegateBus.ID(), reply.Origin)
	ok, err := bus.Result(reply)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestNATSBridge_NoEchoOfOwnMessages(t *testing.T) {
	lb := newLoopback()
	a, _ := bridgedBus(t, lb)
	b, _ := bridgedBus(t, lb)

	onA := newRecorder()
	onB := newRecorder()
	_, err := a.Subscribe(bus.ChannelHealth, nil, onA.callback)
	require.NoError(t, err)
	_, err = b.Subscribe(bus.ChannelHealth, nil, onB.callback)
	require.NoError(t, err)

	require.NoError(t, a.Publish(context.Background(), heartbeat("d1")))

	onA.waitFor(t, 1)
	got := onB.waitFor(t, 1)
	assert.Equal(t, "d1", got[0].DelegateID)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, onA.count(), "the origin bus must not see its own message twice")
	assert.Equal(t, 1, onB.count(), "remote messages must not be forwarded back out")
}

func TestNATSBridge_DropsMalformedInput(t *testing.T) {
	lb := newLoopback()
	b, bridge := bridgedBus(t, lb)
	rec := newRecorder()
	_, err := b.Subscribe(bus.ChannelHealth, nil, rec.callback)
	require.NoError(t, err)

	subject := bridge.Subject(bus.ChannelHealth)
	require.NoError(t, lb.Publish(subject, []byte("{not json")))
	require.NoError(t, lb.Publish(subject, []byte(`{"id":"x","channel":"HEALTH","msgType":"BOGUS"}`)))

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, rec.count())
}

func TestNATSBridge_CountsSendFailures(t *testing.T) {
	lb := newLoopback()
	b, bridge := bridgedBus(t, lb)
	lb.failPub.Store(true)

	require.NoError(t, b.Publish(context.Background(), heartbeat("d1")))
	assert.Eventually(t, func() bool { return bridge.SendFailures() == 1 }, time.Second, 5*time.Millisecond)
}

func TestNATSBridge_StartTwiceAndClose(t *testing.T) {
	lb := newLoopback()
	_, bridge := bridgedBus(t, lb)

	assert.Error(t, bridge.Start())

	bridge.Close()
	assert.Zero(t, lb.subscribers(bridge.Subject(bus.ChannelHealth)))
}

func TestCodec(t *testing.T) {
	in := bus.Message{
		ID:            "m1",
		Channel:       bus.ChannelModelUS,
		Type:          bus.TypeModelUpdate,
		CorrelationID: "c1",
		Timestamp:     time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Properties:    bus.Properties{{Key: "z", Value: "1"}, {Key: "a", Value: "2"}},
	}
	data, err := bus.EncodeMessage(in)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msgType":"MODEL_UPDATE"`)

	out, err := bus.DecodeMessage(data)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = bus.DecodeMessage([]byte(`{"id":"m2","msgType":"REPLY"}`))
	assert.ErrorContains(t, err, "missing channel")
}
