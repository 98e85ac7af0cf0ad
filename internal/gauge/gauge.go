// Package gauge turns raw probe output into smoothed model updates.
package gauge

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/xkilldash9x/rainbow/internal/config"
	"github.com/xkilldash9x/rainbow/internal/model"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrParse reports a line that matched a pattern but carried an unreadable number.
var ErrParse = errors.New("telemetry parse error")

// DefaultParam names the update parameter when a mapping does not set one.
const DefaultParam = "value"

// Pattern is a named line matcher. KeyGroup and ValueGroup index the
// submatches holding the entity key and the numeric sample.
type Pattern struct {
	Name       string
	Regexp     *regexp.Regexp
	KeyGroup   int
	ValueGroup int
}

// RespTimePattern matches "[<timestamp>]<<id>@<host>> <label>:<number>ms" and
// keys samples by host.
var RespTimePattern = Pattern{
	Name:       "end2endRespTime",
	Regexp:     regexp.MustCompile(`^\[(.+)\]<([^@>]*)@([^>]*)>\s+(.+?):([0-9.]+)ms$`),
	KeyGroup:   3,
	ValueGroup: 5,
}

// Sample is one value extracted from a line. Value holds the decimal exactly
// as written.
type Sample struct {
	Pattern string
	Key     string
	Value   *big.Rat
}

// Float returns Value rounded to the nearest float64.
func (s Sample) Float() float64 {
	if s.Value == nil {
		return 0
	}
	f, _ := s.Value.Float64()
	return f
}

// SignalGauge keeps a moving average per entity and reports it through the
// model-update sink.
type SignalGauge struct {
	logger     *zap.Logger
	name       string
	patterns   []Pattern
	valueNames []string
	mappings   map[string]config.MappingConfig
	sink       model.Updater
	parseLog   *rate.Limiter

	mu      sync.Mutex
	windows map[string]*window
}

// NewSignalGauge builds a gauge from configuration. Patterns are tried in order;
// with none given, RespTimePattern is used.
func NewSignalGauge(logger *zap.Logger, cfg config.GaugeConfig, sink model.Updater, patterns ...Pattern) *SignalGauge {
	if len(patterns) == 0 {
		patterns = []Pattern{RespTimePattern}
	}
	limit := rate.Inf
	if cfg.ParseErrorLogRate > 0 {
		limit = rate.Limit(cfg.ParseErrorLogRate)
	}
	mappings := make(map[string]config.MappingConfig, len(cfg.Mappings))
	for _, m := range cfg.Mappings {
		mappings[m.ValueName] = m
	}
	return &SignalGauge{
		logger:     logger.Named("gauge").With(zap.String("gauge", cfg.Name)),
		name:       cfg.Name,
		patterns:   patterns,
		valueNames: append([]string(nil), cfg.ValueNames...),
		mappings:   mappings,
		sink:       sink,
		parseLog:   rate.NewLimiter(limit, 1),
		windows:    make(map[string]*window),
	}
}

// Name returns the configured gauge name.
func (g *SignalGauge) Name() string { return g.name }

// Match extracts a sample from line. ok is false for lines no pattern matches;
// err wraps ErrParse when a pattern matched but the number did not parse.
func (g *SignalGauge) Match(line string) (s Sample, ok bool, err error) {
	line = strings.TrimRight(line, "\r\n")
	for _, p := range g.patterns {
		m := p.Regexp.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		v, valid := new(big.Rat).SetString(m[p.ValueGroup])
		if !valid {
			return Sample{}, true, fmt.Errorf("%w: %s: %q is not a decimal number", ErrParse, p.Name, m[p.ValueGroup])
		}
		return Sample{Pattern: p.Name, Key: m[p.KeyGroup], Value: v}, true, nil
	}
	return Sample{}, false, nil
}

// Ingest processes one telemetry line. Unmatched lines and samples without a
// key are ignored. A parse error is logged, dropped, and returned.
func (g *SignalGauge) Ingest(ctx context.Context, line string) error {
	s, ok, err := g.Match(line)
	if err != nil {
		if g.parseLog.Allow() {
			g.logger.Warn("Dropping unparseable telemetry line.", zap.String("line", line), zap.Error(err))
		}
		return err
	}
	if !ok || s.Key == "" {
		return nil
	}

	g.mu.Lock()
	w, exists := g.windows[s.Key]
	if !exists {
		w = &window{}
		g.windows[s.Key] = w
	}
	mean := w.add(s.Value)
	g.mu.Unlock()

	return g.report(ctx, s.Key, mean)
}

// report emits one update per value-name template that has a mapping.
func (g *SignalGauge) report(ctx context.Context, key string, mean float64) error {
	var errs []error
	value := strconv.FormatFloat(mean, 'f', -1, 64)
	for _, tpl := range g.valueNames {
		valueName := strings.ReplaceAll(tpl, "*", key)
		m, ok := g.mapping(valueName, tpl)
		if !ok {
			continue
		}
		param := m.Param
		if param == "" {
			param = DefaultParam
		}
		u := model.Update{
			ModelType: m.ModelType,
			ModelName: m.ModelName,
			Command:   m.Command,
			Target:    strings.ReplaceAll(m.Target, "*", key),
			Params:    model.Params{{Name: param, Value: value}},
		}
		if err := g.sink.UpdateModel(ctx, u); err != nil {
			g.logger.Warn("Model update failed.", zap.String("value_name", valueName), zap.Error(err))
			errs = append(errs, fmt.Errorf("report %s: %w", valueName, err))
		}
	}
	return errors.Join(errs...)
}

// mapping prefers an exact match on the resolved value name and falls back to
// a mapping declared on the template itself.
func (g *SignalGauge) mapping(valueName, template string) (config.MappingConfig, bool) {
	if m, ok := g.mappings[valueName]; ok {
		return m, true
	}
	m, ok := g.mappings[template]
	return m, ok
}

// Window returns a copy of the samples held for key and their running sum.
func (g *SignalGauge) Window(key string) ([]*big.Rat, *big.Rat) {
	g.mu.Lock()
	defer g.mu.Unlock()
	w, ok := g.windows[key]
	if !ok {
		return nil, new(big.Rat)
	}
	return w.snapshot()
}
