package checker

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/rainbow/internal/config"
	"github.com/xkilldash9x/rainbow/internal/model"
)

func TestCheck_DefaultConfiguration(t *testing.T) {
	cfg := config.NewDefaultConfig()
	c := New(cfg, model.NewRegistry())

	want := []Problem{
		{Severity: SeverityWarning, Subject: "probe tail", Message: "has no log_file; START_PROBES will fail on a delegate"},
	}
	if diff := cmp.Diff(want, c.Check()); diff != "" {
		t.Errorf("unexpected problems (-want +got):\n%s", diff)
	}
	assert.NoError(t, c.Err())
}

func TestCheck_Mappings(t *testing.T) {
	tests := []struct {
		name    string
		mapping config.MappingConfig
		want    []Problem
	}{
		{
			name: "exact resolved name",
			mapping: config.MappingConfig{ValueName: "end2endRespTime(lb0)", ModelName: "Performance",
				Command: model.CmdSetExperRespTime, Target: "lb0", Param: model.ParamRespTime},
		},
		{
			name:    "unknown command",
			mapping: config.MappingConfig{ValueName: "end2endRespTime(*)", ModelName: "Performance", Command: "setLoad"},
			want: []Problem{
				{SeverityError, `gauge G mapping "end2endRespTime(*)"`, `command "setLoad" is not a known model command`},
			},
		},
		{
			name: "wrong model type and default param",
			mapping: config.MappingConfig{ValueName: "end2endRespTime(*)", ModelType: "EnvMap", ModelName: "Performance",
				Command: model.CmdSetExperRespTime, Target: "*"},
			want: []Problem{
				{SeverityError, `gauge G mapping "end2endRespTime(*)"`, "command setExperRespTime applies to ServicePerformance, not EnvMap"},
				{SeverityError, `gauge G mapping "end2endRespTime(*)"`, `command setExperRespTime has no parameter "value"`},
			},
		},
		{
			name: "missing target and model name",
			mapping: config.MappingConfig{ValueName: "end2endRespTime(*)",
				Command: model.CmdSetExperRespTime, Param: model.ParamRespTime},
			want: []Problem{
				{SeverityError, `gauge G mapping "end2endRespTime(*)"`, "has no model name"},
				{SeverityError, `gauge G mapping "end2endRespTime(*)"`, "command setExperRespTime needs a target"},
			},
		},
		{
			name: "multi-parameter command",
			mapping: config.MappingConfig{ValueName: "end2endRespTime(*)", ModelName: "RobotAndEnvironmentState",
				Command: model.CmdSetRobotPose, Param: model.ParamX},
			want: []Problem{
				{SeverityError, `gauge G mapping "end2endRespTime(*)"`, "command setRobotPose needs parameters [x y w] but a gauge reports one value"},
			},
		},
		{
			name: "unreferenced value name",
			mapping: config.MappingConfig{ValueName: "load(*)", ModelName: "Performance",
				Command: model.CmdSetExperRespTime, Target: "*", Param: model.ParamRespTime},
			want: []Problem{
				{SeverityWarning, `gauge G mapping "load(*)"`, "is not produced by any value name of the gauge"},
				{SeverityWarning, "gauge G", `value name "end2endRespTime(*)" has no mapping and its values are dropped`},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.NewDefaultConfig()
			cfg.GaugeCfg.Name = "G"
			cfg.GaugeCfg.Mappings = []config.MappingConfig{tt.mapping}
			cfg.DelegateCfg.Probe.LogFile = "/var/log/rainbow/resp.log"

			c := New(cfg, model.NewRegistry())
			if diff := cmp.Diff(tt.want, c.Check()); diff != "" {
				t.Errorf("unexpected problems (-want +got):\n%s", diff)
			}
		})
	}
}

func TestCheck_DuplicateMapping(t *testing.T) {
	cfg := config.NewDefaultConfig()
	cfg.GaugeCfg.Mappings = append(cfg.GaugeCfg.Mappings, cfg.GaugeCfg.Mappings[0])

	problems := New(cfg, model.NewRegistry()).Check()
	assert.Contains(t, problems, Problem{
		Severity: SeverityWarning,
		Subject:  "gauge " + cfg.GaugeCfg.Name,
		Message:  `value name "end2endRespTime(*)" is mapped twice, the last mapping wins`,
	})
}

func TestCheck_NATSChannels(t *testing.T) {
	cfg := config.NewDefaultConfig()
	cfg.BusCfg.NATS.Enabled = true
	cfg.BusCfg.NATS.Channels = []string{"HEALTH", "METRICS"}

	c := New(cfg, model.NewRegistry())
	c.Check()
	err := c.Err()
	require.ErrorIs(t, err, ErrConfiguration)
	assert.Contains(t, err.Error(), `channel "METRICS" is not a bus channel`)
}

func TestRun_LogsProblems(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	cfg := config.NewDefaultConfig()
	cfg.DelegateCfg.Probe.ID = ""

	err := Run(zap.New(core), cfg, model.NewRegistry())
	require.ErrorIs(t, err, ErrConfiguration)

	assert.Equal(t, 1, logs.FilterLevelExact(zapcore.ErrorLevel).Len())
	assert.Equal(t, 1, logs.FilterLevelExact(zapcore.WarnLevel).Len())
	assert.Equal(t, "config_checker", logs.All()[0].LoggerName)
}

func TestMatchesTemplate(t *testing.T) {
	assert.True(t, matchesTemplate("end2endRespTime(lb0)", "end2endRespTime(*)"))
	assert.False(t, matchesTemplate("end2endRespTime()", "end2endRespTime(*)"))
	assert.False(t, matchesTemplate("respTime(lb0)", "end2endRespTime(*)"))
	assert.False(t, matchesTemplate("plain", "plain"), "a literal is not a template")
}
