// Package checker validates a configuration against the model command
// registry before any component starts.
package checker

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/rainbow/internal/bus"
	"github.com/xkilldash9x/rainbow/internal/config"
	"github.com/xkilldash9x/rainbow/internal/gauge"
	"github.com/xkilldash9x/rainbow/internal/model"
)

// ErrConfiguration is returned when a check finds at least one error.
var ErrConfiguration = errors.New("configuration error")

// Severity grades a problem.
type Severity int

const (
	SeverityWarning Severity = iota
	SeverityError
)

func (s Severity) String() string {
	if s == SeverityError {
		return "ERROR"
	}
	return "WARNING"
}

// Problem is one finding of a check.
type Problem struct {
	Severity Severity
	Subject  string
	Message  string
}

func (p Problem) String() string {
	return fmt.Sprintf("%s %s: %s", p.Severity, p.Subject, p.Message)
}

// Checker collects problems for one configuration.
type Checker struct {
	cfg      config.Interface
	registry *model.Registry
	problems []Problem
}

// New creates a checker for cfg. Commands are resolved in registry.
func New(cfg config.Interface, registry *model.Registry) *Checker {
	return &Checker{cfg: cfg, registry: registry}
}

// Check runs every check and returns the problems found, errors and warnings
// in the order they were discovered.
func (c *Checker) Check() []Problem {
	c.problems = nil
	c.checkGauge()
	c.checkProbe()
	c.checkBus()
	return c.problems
}

// Err wraps every ERROR problem from the last Check in ErrConfiguration. It
// returns nil when there are only warnings.
func (c *Checker) Err() error {
	var msgs []string
	for _, p := range c.problems {
		if p.Severity == SeverityError {
			msgs = append(msgs, p.Subject+": "+p.Message)
		}
	}
	if len(msgs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrConfiguration, strings.Join(msgs, "; "))
}

// Run checks cfg, logs every problem, and fails on errors.
func Run(logger *zap.Logger, cfg config.Interface, registry *model.Registry) error {
	logger = logger.Named("config_checker")
	c := New(cfg, registry)
	for _, p := range c.Check() {
		fields := []zap.Field{zap.String("subject", p.Subject), zap.String("problem", p.Message)}
		if p.Severity == SeverityError {
			logger.Error("Configuration problem.", fields...)
		} else {
			logger.Warn("Configuration problem.", fields...)
		}
	}
	return c.Err()
}

func (c *Checker) add(sev Severity, subject, format string, args ...interface{}) {
	c.problems = append(c.problems, Problem{Severity: sev, Subject: subject, Message: fmt.Sprintf(format, args...)})
}

func (c *Checker) checkGauge() {
	g := c.cfg.Gauge()
	subject := "gauge " + g.Name
	if len(g.ValueNames) == 0 {
		c.add(SeverityWarning, subject, "reports no value names")
	}

	seen := make(map[string]bool, len(g.Mappings))
	for _, m := range g.Mappings {
		if seen[m.ValueName] {
			c.add(SeverityWarning, subject, "value name %q is mapped twice, the last mapping wins", m.ValueName)
		}
		seen[m.ValueName] = true
		c.checkMapping(subject, g.ValueNames, m)
	}

	for _, tpl := range g.ValueNames {
		if !mapped(tpl, g.Mappings) {
			c.add(SeverityWarning, subject, "value name %q has no mapping and its values are dropped", tpl)
		}
	}
}

func (c *Checker) checkMapping(subject string, templates []string, m config.MappingConfig) {
	subject = fmt.Sprintf("%s mapping %q", subject, m.ValueName)

	if !referenced(m.ValueName, templates) {
		c.add(SeverityWarning, subject, "is not produced by any value name of the gauge")
	}
	if m.ModelName == "" {
		c.add(SeverityError, subject, "has no model name")
	}

	cmd, ok := c.registry.Lookup(m.Command)
	if !ok {
		c.add(SeverityError, subject, "command %q is not a known model command", m.Command)
		return
	}
	if m.ModelType != "" && m.ModelType != cmd.ModelType {
		c.add(SeverityError, subject, "command %s applies to %s, not %s", cmd.Name, cmd.ModelType, m.ModelType)
	}
	param := m.Param
	if param == "" {
		param = gauge.DefaultParam
	}
	if !cmd.HasParam(param) {
		c.add(SeverityError, subject, "command %s has no parameter %q", cmd.Name, param)
	}
	if len(cmd.Params) > 1 {
		c.add(SeverityError, subject, "command %s needs parameters %v but a gauge reports one value", cmd.Name, cmd.Params)
	}
	if cmd.NeedsTarget && m.Target == "" {
		c.add(SeverityError, subject, "command %s needs a target", cmd.Name)
	}
}

func (c *Checker) checkProbe() {
	p := c.cfg.Delegate().Probe
	subject := "probe " + p.ID
	if p.ID == "" {
		c.add(SeverityError, "probe", "has no id")
	}
	if p.LogFile == "" {
		c.add(SeverityWarning, subject, "has no log_file; START_PROBES will fail on a delegate")
	}
}

func (c *Checker) checkBus() {
	n := c.cfg.Bus().NATS
	if !n.Enabled {
		return
	}
	if len(n.Channels) == 0 {
		c.add(SeverityWarning, "bus.nats", "is enabled but bridges no channels")
	}
	for _, ch := range n.Channels {
		if !bus.Channel(ch).Known() {
			c.add(SeverityError, "bus.nats", "channel %q is not a bus channel", ch)
		}
	}
}

// mapped reports whether any mapping serves values produced by tpl, either on
// the template itself or on one resolved name.
func mapped(tpl string, mappings []config.MappingConfig) bool {
	for _, m := range mappings {
		if m.ValueName == tpl || matchesTemplate(m.ValueName, tpl) {
			return true
		}
	}
	return false
}

func referenced(valueName string, templates []string) bool {
	for _, tpl := range templates {
		if valueName == tpl || matchesTemplate(valueName, tpl) {
			return true
		}
	}
	return false
}

// matchesTemplate reports whether name is tpl with every "*" replaced by a
// non-empty key.
func matchesTemplate(name, tpl string) bool {
	if !strings.Contains(tpl, "*") {
		return false
	}
	expr := "^" + strings.ReplaceAll(regexp.QuoteMeta(tpl), `\*`, "(.+)") + "$"
	return regexp.MustCompile(expr).MatchString(name)
}
