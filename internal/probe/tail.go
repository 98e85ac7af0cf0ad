// internal/probe/tail.go
package probe

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/hpcloud/tail"
	"go.uber.org/zap"

	"github.com/xkilldash9x/rainbow/internal/config"
)

// LineHandler consumes one line of probe output. SignalGauge.Ingest fits.
type LineHandler func(ctx context.Context, line string) error

// Option adjusts a TailProbe.
type Option func(*TailProbe)

// WithFromStart reads the file from the beginning instead of only new lines.
func WithFromStart() Option {
	return func(p *TailProbe) { p.fromStart = true }
}

// WithPolling watches the file by polling instead of inotify.
func WithPolling() Option {
	return func(p *TailProbe) { p.poll = true }
}

// TailProbe follows a log file and hands every new line to a handler.
// It is started and killed by the delegate's probe commands.
type TailProbe struct {
	logger    *zap.Logger
	id        string
	path      string
	reopen    bool
	fromStart bool
	poll      bool
	handler   LineHandler

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewTailProbe creates a probe for cfg.LogFile.
func NewTailProbe(logger *zap.Logger, cfg config.ProbeConfig, handler LineHandler, opts ...Option) (*TailProbe, error) {
	if cfg.LogFile == "" {
		return nil, fmt.Errorf("delegate.probe.log_file must be configured for the tail probe")
	}
	if handler == nil {
		return nil, fmt.Errorf("tail probe %s: handler is required", cfg.ID)
	}
	p := &TailProbe{
		logger:  logger.Named("probe").With(zap.String("probe_id", cfg.ID), zap.String("path", cfg.LogFile)),
		id:      cfg.ID,
		path:    cfg.LogFile,
		reopen:  cfg.ReOpen,
		handler: handler,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// ID returns the probe identifier.
func (p *TailProbe) ID() string { return p.id }

// Running reports whether the probe is currently following its file.
func (p *TailProbe) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}

// Start begins tailing. Starting a running probe is a no-op.
func (p *TailProbe) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return nil
	}

	loc := &tail.SeekInfo{Offset: 0, Whence: io.SeekEnd}
	if p.fromStart {
		loc = &tail.SeekInfo{Offset: 0, Whence: io.SeekStart}
	}
	t, err := tail.TailFile(p.path, tail.Config{
		Follow:    true,
		ReOpen:    p.reopen,
		MustExist: true,
		Poll:      p.poll,
		Location:  loc,
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		return fmt.Errorf("failed to tail probe log file: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.run(runCtx, t, p.done)

	p.logger.Info("Probe started.")
	return nil
}

// Kill stops tailing and waits for the reader to exit. Killing a stopped probe is a no-op.
func (p *TailProbe) Kill() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	p.logger.Info("Probe killed.")
}

func (p *TailProbe) run(ctx context.Context, t *tail.Tail, done chan struct{}) {
	defer close(done)
	defer func() {
		if err := t.Stop(); err != nil {
			p.logger.Debug("Tailer stopped with error.", zap.Error(err))
		}
		t.Cleanup()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-t.Lines:
			if !ok {
				p.logger.Warn("Probe log tailer closed.", zap.Error(t.Err()))
				return
			}
			if line.Err != nil {
				p.logger.Warn("Error reading probe log.", zap.Error(line.Err))
				continue
			}
			if err := p.handler(ctx, line.Text); err != nil {
				p.logger.Debug("Line rejected.", zap.Error(err))
			}
		}
	}
}
