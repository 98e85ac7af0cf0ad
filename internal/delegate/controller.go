package delegate

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/rainbow/internal/bus"
)

// Controller is the master side of the lifecycle protocol.
type Controller struct {
	logger  *zap.Logger
	bus     *bus.EventBus
	timeout time.Duration
}

// NewController creates a controller whose requests wait at most timeout for a reply.
func NewController(logger *zap.Logger, b *bus.EventBus, timeout time.Duration) *Controller {
	return &Controller{logger: logger.Named("delegate_controller"), bus: b, timeout: timeout}
}

// StartDelegate asks delegate id to start and returns its acknowledgement.
func (c *Controller) StartDelegate(ctx context.Context, id string) (bool, error) {
	return c.request(ctx, id, bus.TypeStartDelegate)
}

// PauseDelegate asks delegate id to pause.
func (c *Controller) PauseDelegate(ctx context.Context, id string) (bool, error) {
	return c.request(ctx, id, bus.TypePauseDelegate)
}

// TerminateDelegate asks delegate id to terminate.
func (c *Controller) TerminateDelegate(ctx context.Context, id string) (bool, error) {
	return c.request(ctx, id, bus.TypeTerminateDelegate)
}

// StartProbes tells delegate id to start its probes. No reply is expected.
func (c *Controller) StartProbes(ctx context.Context, id string) error {
	return c.notify(ctx, id, bus.TypeStartProbes)
}

// KillProbes tells delegate id to kill its probes. No reply is expected.
func (c *Controller) KillProbes(ctx context.Context, id string) error {
	return c.notify(ctx, id, bus.TypeKillProbes)
}

func (c *Controller) request(ctx context.Context, id string, mt bus.MessageType) (bool, error) {
	reply, err := c.bus.SendRequest(ctx, bus.Message{Channel: bus.ChannelHealth, Type: mt, DelegateID: id}, c.timeout)
	if err != nil {
		return false, fmt.Errorf("%s %s: %w", mt, id, err)
	}
	ok, err := bus.Result(reply)
	if err != nil {
		return false, fmt.Errorf("%s %s: %w", mt, id, err)
	}
	c.logger.Info("Delegate acknowledged command.",
		zap.String("delegate_id", id),
		zap.String("type", string(mt)),
		zap.Bool("result", ok))
	return ok, nil
}

func (c *Controller) notify(ctx context.Context, id string, mt bus.MessageType) error {
	if err := c.bus.Publish(ctx, bus.Message{Channel: bus.ChannelHealth, Type: mt, DelegateID: id}); err != nil {
		return fmt.Errorf("%s %s: %w", mt, id, err)
	}
	return nil
}
