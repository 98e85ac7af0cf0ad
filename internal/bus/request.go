// internal/bus/request.go
package bus

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SendRequest publishes msg and blocks until a reply with the same correlation
// id arrives. It returns ErrTimeout once timeout elapses and ErrConnection if
// the bus closes first. The request is never retried.
func (b *EventBus) SendRequest(ctx context.Context, msg Message, timeout time.Duration) (Message, error) {
	if timeout <= 0 {
		return Message{}, fmt.Errorf("send %s: timeout must be positive", msg.Type)
	}
	if msg.CorrelationID == "" {
		msg.CorrelationID = uuid.New().String()
	}
	corr := msg.CorrelationID

	replyCh := make(chan Message, 1)
	b.pendingMu.Lock()
	if b.closed.Load() {
		b.pendingMu.Unlock()
		return Message{}, fmt.Errorf("%w: send %s on closed bus", ErrConnection, msg.Type)
	}
	b.pending[corr] = replyCh
	b.pendingMu.Unlock()
	defer b.forgetRequest(corr)

	if err := b.Publish(ctx, msg); err != nil {
		return Message{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply, ok := <-replyCh:
		if !ok {
			return Message{}, fmt.Errorf("%w: bus closed while awaiting reply to %s", ErrConnection, msg.Type)
		}
		return reply, nil
	case <-timer.C:
		b.logger.Debug("Request timed out.",
			zap.String("type", string(msg.Type)),
			zap.String("correlation_id", corr),
			zap.Duration("timeout", timeout))
		return Message{}, fmt.Errorf("%w: no reply to %s (%s) within %s", ErrTimeout, msg.Type, corr, timeout)
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// ReplyTo answers original with a boolean result on the same channel and
// correlation id.
func (b *EventBus) ReplyTo(ctx context.Context, original Message, result bool) error {
	if original.CorrelationID == "" {
		return fmt.Errorf("cannot reply to %s %s: no correlation id", original.Type, original.ID)
	}
	reply := Message{
		Channel:       original.Channel,
		Type:          TypeReply,
		DelegateID:    original.DelegateID,
		CorrelationID: original.CorrelationID,
		Properties:    Properties{{Key: KeyResult, Value: strconv.FormatBool(result)}},
	}
	return b.Publish(ctx, reply)
}

// completeRequest hands a reply to its waiter, if one is still waiting.
func (b *EventBus) completeRequest(reply Message) {
	b.pendingMu.Lock()
	ch, ok := b.pending[reply.CorrelationID]
	if ok {
		delete(b.pending, reply.CorrelationID)
	}
	b.pendingMu.Unlock()

	if ok {
		ch <- reply // buffered; exactly one send per registration
	}
}

func (b *EventBus) forgetRequest(corr string) {
	b.pendingMu.Lock()
	delete(b.pending, corr)
	b.pendingMu.Unlock()
}
