// File: cmd/components.go
package cmd

import (
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/rainbow/internal/bus"
	"github.com/xkilldash9x/rainbow/internal/config"
)

// busComponents is the local event bus plus its optional NATS link.
type busComponents struct {
	Bus    *bus.EventBus
	bridge *bus.NATSBridge
	conn   *nats.Conn
	logger *zap.Logger
}

// initializeBus creates the local bus and, when configured, bridges it over
// NATS under the connection name.
func initializeBus(cfg config.BusConfig, name string, logger *zap.Logger) (*busComponents, error) {
	bc := &busComponents{Bus: bus.NewEventBus(logger, cfg.BufferSize), logger: logger}
	if !cfg.NATS.Enabled {
		return bc, nil
	}

	conn, err := bus.ConnectNATS(cfg.NATS.URL, name, logger)
	if err != nil {
		bc.Shutdown()
		return nil, err
	}
	bc.conn = conn

	channels := make([]bus.Channel, len(cfg.NATS.Channels))
	for i, ch := range cfg.NATS.Channels {
		channels[i] = bus.Channel(ch)
	}
	bc.bridge = bus.NewNATSBridge(logger, bc.Bus, bus.WrapNATS(conn), cfg.NATS.SubjectPrefix, channels)
	if err := bc.bridge.Start(); err != nil {
		bc.Shutdown()
		return nil, err
	}
	return bc, nil
}

// Shutdown detaches the bridge, drains NATS and closes the bus.
func (bc *busComponents) Shutdown() {
	if bc.bridge != nil {
		bc.bridge.Close()
	}
	if bc.conn != nil {
		if err := bc.conn.Drain(); err != nil {
			bc.logger.Debug("NATS drain failed", zap.Error(err))
			bc.conn.Close()
		}
	}
	bc.Bus.Close()
}
