package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"speedcurve"
)

func TestDefaultConfig_Valid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	pcfg, err := cfg.ToProcessorConfig()
	require.NoError(t, err)
	assert.Equal(t, uint16(speedcurve.EV_REL), pcfg.Type)
	assert.Equal(t, []uint16{speedcurve.REL_X, speedcurve.REL_Y}, pcfg.Codes)
	assert.Equal(t, speedcurve.AxisX, pcfg.Axes[speedcurve.REL_X])
	assert.Equal(t, speedcurve.AxisY, pcfg.Axes[speedcurve.REL_Y])
	assert.Equal(t, int32(defaultTriggerPeriodMS), pcfg.TriggerPeriodMS)
	assert.Equal(t, len(defaultCurvePoints), pcfg.Curve.Len())
	assert.Equal(t, 50*time.Millisecond, cfg.SpeedCurve.IdleTimeout())
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "speedcurve.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
input:
  devices: [/dev/input/event5, /dev/input/event7]
  grab: false
output:
  uinput: false
speed_curve:
  type: EV_REL
  codes: [REL_WHEEL, 6]
  axes:
    REL_WHEEL: y
    REL_HWHEEL: X
  curve_points:
    - {ms: 0, speed: 100}
    - {ms: 400, speed: 2000}
  trigger_period_ms: 10
  track_remainders: true
  idle_timeout_ms: 0
ipc:
  socket_path: ""
logging:
  level: DEBUG
`), 0o600))

	cfg, err := LoadConfigFile(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, []string{"/dev/input/event5", "/dev/input/event7"}, cfg.Input.Devices)
	assert.False(t, cfg.Input.Grab)
	assert.False(t, cfg.Output.Uinput)
	assert.Equal(t, defaultOutputName, cfg.Output.Name, "unset fields keep their defaults")
	assert.Equal(t, []EventCode{speedcurve.REL_WHEEL, speedcurve.REL_HWHEEL}, cfg.SpeedCurve.Codes)
	assert.Equal(t, []speedcurve.ControlPoint{{ElapsedMS: 0, Speed: 100}, {ElapsedMS: 400, Speed: 2000}}, cfg.SpeedCurve.CurvePoints)
	assert.Zero(t, cfg.SpeedCurve.IdleTimeout())
	assert.Empty(t, cfg.IPC.SocketPath)
	assert.Equal(t, defaultMonitorListen, cfg.Monitor.Listen)

	pcfg, err := cfg.ToProcessorConfig()
	require.NoError(t, err)
	assert.Equal(t, map[uint16]speedcurve.Axis{
		speedcurve.REL_WHEEL:  speedcurve.AxisY,
		speedcurve.REL_HWHEEL: speedcurve.AxisX,
	}, pcfg.Axes, "axes given in the file replace the defaults")
	assert.True(t, pcfg.TrackRemainders)
	assert.Equal(t, int32(10), pcfg.TriggerPeriodMS)
}

func TestLoadConfigFile_Errors(t *testing.T) {
	_, err := LoadConfigFile("")
	require.Error(t, err)

	_, err = LoadConfigFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestParseConfig_Rejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown field", "speed_curve:\n  trigger_period: 8\n"},
		{"unknown code name", "speed_curve:\n  codes: [REL_BOGUS]\n"},
		{"code is a map", "speed_curve:\n  codes: [{x: 1}]\n"},
		{"trailing document", "logging:\n  level: info\n---\nlogging:\n  level: debug\n"},
		{"trailing empty mapping", "logging:\n  level: info\n---\n{}\n"},
		{"trailing scalar", "logging:\n  level: info\n---\nfoo\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseConfig([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestParseConfig_TrailingCommentAccepted(t *testing.T) {
	cfg, err := parseConfig([]byte("logging:\n  level: debug\n# done\n\n"))
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"no devices", func(c *Config) { c.Input.Devices = nil }, "input.devices"},
		{"empty device", func(c *Config) { c.Input.Devices = []string{""} }, "input.devices[0]"},
		{"long output name", func(c *Config) { c.Output.Name = string(make([]byte, uinputMaxNameSize)) }, "output.name"},
		{"no codes", func(c *Config) { c.SpeedCurve.Codes = nil }, "speed_curve.codes"},
		{"empty curve", func(c *Config) { c.SpeedCurve.CurvePoints = nil }, "speed_curve.curve_points"},
		{"unsorted curve", func(c *Config) {
			c.SpeedCurve.CurvePoints = []speedcurve.ControlPoint{{ElapsedMS: 100, Speed: 1}, {ElapsedMS: 50, Speed: 2}}
		}, "speed_curve.curve_points"},
		{"type without uinput support", func(c *Config) { c.SpeedCurve.Type = EventType(speedcurve.EV_ABS) }, "speed_curve.type EV_ABS"},
		{"zero period", func(c *Config) { c.SpeedCurve.TriggerPeriodMS = 0 }, "trigger_period_ms"},
		{"negative idle timeout", func(c *Config) { c.SpeedCurve.IdleTimeoutMS = -1 }, "idle_timeout_ms"},
		{"code without axis", func(c *Config) {
			c.SpeedCurve.Codes = append(c.SpeedCurve.Codes, speedcurve.REL_WHEEL)
		}, "has no entry in speed_curve.axes"},
		{"bad axis", func(c *Config) { c.SpeedCurve.Axes["REL_X"] = "z" }, `must be "x" or "y"`},
		{"monitor path", func(c *Config) { c.Monitor.Path = "ws" }, "monitor.path"},
		{"log level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestConfigValidate_UnsortedCurveIsSentinel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SpeedCurve.CurvePoints = []speedcurve.ControlPoint{{ElapsedMS: 100, Speed: 1}, {ElapsedMS: 20, Speed: 2}}
	assert.ErrorIs(t, cfg.Validate(), speedcurve.ErrUnsortedCurve)
}

func TestFlagOverrides_Apply(t *testing.T) {
	cfg := DefaultConfig()

	dev := "/dev/input/event9"
	grab := false
	period := 4
	idle := 0
	level := "debug"
	FlagOverrides{
		InputDevice:     &dev,
		Grab:            &grab,
		TriggerPeriodMS: &period,
		IdleTimeoutMS:   &idle,
		LogLevel:        &level,
	}.Apply(&cfg)

	assert.Equal(t, []string{dev}, cfg.Input.Devices)
	assert.False(t, cfg.Input.Grab)
	assert.Equal(t, 4, cfg.SpeedCurve.TriggerPeriodMS)
	assert.Equal(t, 0, cfg.SpeedCurve.IdleTimeoutMS, "zero values are applied")
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Output.Uinput, "unset overrides leave the config alone")

	FlagOverrides{}.Apply(nil)
}

func TestEventCode_MarshalYAML(t *testing.T) {
	v, err := EventCode(speedcurve.REL_WHEEL).MarshalYAML()
	require.NoError(t, err)
	assert.Equal(t, "REL_WHEEL", v)

	v, err = EventCode(42).MarshalYAML()
	require.NoError(t, err)
	assert.Equal(t, uint16(42), v)

	v, err = EventType(speedcurve.EV_REL).MarshalYAML()
	require.NoError(t, err)
	assert.Equal(t, "EV_REL", v)
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	assert.Equal(t, "", ExpandPath(""))
	assert.Equal(t, "/etc/speedcurve.yaml", ExpandPath("/etc/speedcurve.yaml"))
	assert.Equal(t, home, ExpandPath("~"))
	assert.Equal(t, filepath.Join(home, "speedcurve.yaml"), ExpandPath("~/speedcurve.yaml"))
	assert.Equal(t, "~other/x", ExpandPath("~other/x"))
}

func TestSetupLogger_OmitTime(t *testing.T) {
	var buf bytes.Buffer
	setupLogger(LogLevelInfo, &buf, true).Info("hello", "k", 1)
	assert.NotContains(t, buf.String(), "time=")
	assert.Contains(t, buf.String(), "msg=hello k=1")

	buf.Reset()
	setupLogger(LogLevelInfo, &buf, false).Debug("hidden")
	assert.Empty(t, buf.String())

	setupLogger(LogLevelInfo, &buf, false).Warn("shown")
	assert.Contains(t, buf.String(), "time=")
}
