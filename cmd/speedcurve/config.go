package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"speedcurve"
)

// Config is the top-level YAML configuration for the speedcurve daemon.
//
// Keep defaults and validation centralized so the rest of the code can assume a
// well-formed config.
type Config struct {
	// Source devices
	Input InputConfig `yaml:"input"`

	// Virtual output device
	Output OutputConfig `yaml:"output"`

	// Acceleration curve and the events it applies to
	SpeedCurve SpeedCurveConfig `yaml:"speed_curve"`

	// IPC control socket (status/reset)
	IPC IPCConfig `yaml:"ipc"`

	// Live telemetry over WebSocket
	Monitor MonitorConfig `yaml:"monitor"`

	Logging LoggingConfig `yaml:"logging"`
}

type InputConfig struct {
	Devices []string `yaml:"devices"`
	Grab    bool     `yaml:"grab"`             // EVIOCGRAB so the desktop only sees the reshaped stream
	Epoll   bool     `yaml:"epoll,omitempty"` // one epoll reader instead of a goroutine per device
}

type OutputConfig struct {
	Uinput     bool   `yaml:"uinput"` // false = log reshaped events only (dry run)
	UinputPath string `yaml:"uinput_path"`
	Name       string `yaml:"name"`
}

// SpeedCurveConfig is the user-facing processor configuration.
type SpeedCurveConfig struct {
	Type  EventType   `yaml:"type"`
	Codes []EventCode `yaml:"codes"`

	// Axes maps code names (or numbers) to "x" or "y".
	Axes map[string]string `yaml:"axes"`

	CurvePoints     []speedcurve.ControlPoint `yaml:"curve_points"`
	TriggerPeriodMS int                       `yaml:"trigger_period_ms"`
	TrackRemainders bool                      `yaml:"track_remainders,omitempty"`

	// IdleTimeoutMS ends an axis' stroke after this long without motion,
	// since evdev never reports a zero relative movement. 0 disables it.
	IdleTimeoutMS int `yaml:"idle_timeout_ms"`
}

type IPCConfig struct {
	SocketPath string `yaml:"socket_path"` // empty disables IPC
}

type MonitorConfig struct {
	Listen string `yaml:"listen"` // empty disables the monitor
	Path   string `yaml:"path"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// EventType is an input event type given by name (EV_REL) or number.
type EventType uint16

func (t *EventType) UnmarshalYAML(value *yaml.Node) error {
	v, err := parseEventName(value, eventTypeNames)
	if err != nil {
		return err
	}
	*t = EventType(v)
	return nil
}

func (t EventType) MarshalYAML() (any, error) {
	return lookupName(uint16(t), eventTypeNames), nil
}

// EventCode is a relative axis code given by name (REL_X) or number.
type EventCode uint16

func (c *EventCode) UnmarshalYAML(value *yaml.Node) error {
	v, err := parseEventName(value, relCodeNames)
	if err != nil {
		return err
	}
	*c = EventCode(v)
	return nil
}

func (c EventCode) MarshalYAML() (any, error) {
	return lookupName(uint16(c), relCodeNames), nil
}

func parseEventName(value *yaml.Node, names map[string]uint16) (uint16, error) {
	if value.Kind != yaml.ScalarNode {
		return 0, fmt.Errorf("line %d: expected event name or number", value.Line)
	}
	v, err := parseCode(value.Value, names)
	if err != nil {
		return 0, fmt.Errorf("line %d: %w", value.Line, err)
	}
	return v, nil
}

func parseCode(s string, names map[string]uint16) (uint16, error) {
	s = strings.TrimSpace(s)
	if v, ok := names[strings.ToUpper(s)]; ok {
		return v, nil
	}
	n, err := strconv.ParseUint(s, 0, 16)
	if err != nil {
		return 0, fmt.Errorf("unknown event name %q", s)
	}
	return uint16(n), nil
}

func lookupName(v uint16, names map[string]uint16) any {
	for name, code := range names {
		if code == v {
			return name
		}
	}
	return v
}

// DefaultConfig returns a fully-populated Config with defaults.
// Keep this aligned with constants.go.
func DefaultConfig() Config {
	return Config{
		Input: InputConfig{
			Devices: []string{defaultInputDevice},
			Grab:    true,
		},
		Output: OutputConfig{
			Uinput:     true,
			UinputPath: defaultUinputPath,
			Name:       defaultOutputName,
		},
		SpeedCurve: SpeedCurveConfig{
			Type:  EventType(speedcurve.EV_REL),
			Codes: []EventCode{speedcurve.REL_X, speedcurve.REL_Y},
			Axes: map[string]string{
				"REL_X": "x",
				"REL_Y": "y",
			},
			CurvePoints:     append([]speedcurve.ControlPoint(nil), defaultCurvePoints...),
			TriggerPeriodMS: defaultTriggerPeriodMS,
			IdleTimeoutMS:   defaultIdleTimeoutMS,
		},
		IPC: IPCConfig{
			SocketPath: defaultIPCSocket,
		},
		Monitor: MonitorConfig{
			Listen: defaultMonitorListen,
			Path:   defaultMonitorPath,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfigFile reads and parses a YAML config file on top of DefaultConfig.
//
// Unknown fields are rejected (helps catch typos) via KnownFields(true).
func LoadConfigFile(path string) (Config, error) {
	if path == "" {
		return Config{}, errors.New("config path is empty")
	}
	b, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	return parseConfig(b)
}

func parseConfig(b []byte) (Config, error) {
	cfg := DefaultConfig()

	// Lists and maps given in the file replace the defaults instead of merging into them.
	cfg.SpeedCurve.Axes = nil

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)

	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config yaml: %w", err)
	}

	// Only whitespace and comments may follow the document.
	var extra yaml.Node
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("decode config yaml: unexpected trailing document")
	}

	if cfg.SpeedCurve.Axes == nil {
		cfg.SpeedCurve.Axes = DefaultConfig().SpeedCurve.Axes
	}

	return cfg, nil
}

// FlagOverrides carries command-line overrides applied on top of a loaded config.
// A nil pointer means the flag was not set.
type FlagOverrides struct {
	InputDevice *string
	Grab        *bool
	Epoll       *bool

	Uinput     *bool
	OutputName *string

	TriggerPeriodMS *int
	TrackRemainders *bool
	IdleTimeoutMS   *int

	IPCSocketPath *string
	MonitorListen *string

	LogLevel *string
}

// Apply merges the overrides into cfg.
// If the pointer is non-nil, the value is applied (even if it is a “zero value”).
func (o FlagOverrides) Apply(cfg *Config) {
	if cfg == nil {
		return
	}
	if o.InputDevice != nil {
		cfg.Input.Devices = []string{*o.InputDevice}
	}
	if o.Grab != nil {
		cfg.Input.Grab = *o.Grab
	}
	if o.Epoll != nil {
		cfg.Input.Epoll = *o.Epoll
	}

	if o.Uinput != nil {
		cfg.Output.Uinput = *o.Uinput
	}
	if o.OutputName != nil {
		cfg.Output.Name = *o.OutputName
	}

	if o.TriggerPeriodMS != nil {
		cfg.SpeedCurve.TriggerPeriodMS = *o.TriggerPeriodMS
	}
	if o.TrackRemainders != nil {
		cfg.SpeedCurve.TrackRemainders = *o.TrackRemainders
	}
	if o.IdleTimeoutMS != nil {
		cfg.SpeedCurve.IdleTimeoutMS = *o.IdleTimeoutMS
	}

	if o.IPCSocketPath != nil {
		cfg.IPC.SocketPath = *o.IPCSocketPath
	}
	if o.MonitorListen != nil {
		cfg.Monitor.Listen = *o.MonitorListen
	}

	if o.LogLevel != nil {
		cfg.Logging.Level = *o.LogLevel
	}
}

// Validate checks config invariants and returns a user-friendly error.
// This is intended to be called after defaults + file + overrides are applied.
func (c *Config) Validate() error {
	// Input
	if len(c.Input.Devices) == 0 {
		return errors.New("input.devices must not be empty")
	}
	for i, dev := range c.Input.Devices {
		if dev == "" {
			return fmt.Errorf("input.devices[%d] is empty", i)
		}
	}

	// Output
	if c.Output.Uinput {
		if c.Output.UinputPath == "" {
			return errors.New("output.uinput_path must not be empty when output.uinput is true")
		}
		if c.Output.Name == "" {
			return errors.New("output.name must not be empty when output.uinput is true")
		}
		if len(c.Output.Name) >= uinputMaxNameSize {
			return fmt.Errorf("output.name must be shorter than %d bytes", uinputMaxNameSize)
		}
		switch uint16(c.SpeedCurve.Type) {
		case speedcurve.EV_REL, speedcurve.EV_KEY, speedcurve.EV_MSC:
		default:
			return fmt.Errorf("speed_curve.type %v cannot be emitted on the virtual device", lookupName(uint16(c.SpeedCurve.Type), eventTypeNames))
		}
	}

	// Speed curve
	sc := c.SpeedCurve
	if len(sc.Codes) == 0 {
		return errors.New("speed_curve.codes must not be empty")
	}
	if err := speedcurve.ValidatePoints(sc.CurvePoints); err != nil {
		return fmt.Errorf("speed_curve.curve_points: %w", err)
	}
	if sc.TriggerPeriodMS <= 0 || sc.TriggerPeriodMS > 1000 {
		return errors.New("speed_curve.trigger_period_ms must be between 1 and 1000")
	}
	if sc.IdleTimeoutMS < 0 || sc.IdleTimeoutMS > 10000 {
		return errors.New("speed_curve.idle_timeout_ms must be between 0 and 10000")
	}
	if _, err := sc.axisMapping(); err != nil {
		return err
	}

	// Monitor
	if c.Monitor.Listen != "" && !strings.HasPrefix(c.Monitor.Path, "/") {
		return errors.New("monitor.path must start with /")
	}

	// Logging
	if _, err := parseLogLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}

	return nil
}

// axisMapping resolves the axes section and checks that every configured code has an axis.
func (sc SpeedCurveConfig) axisMapping() (map[uint16]speedcurve.Axis, error) {
	axes := make(map[uint16]speedcurve.Axis, len(sc.Axes))

	keys := make([]string, 0, len(sc.Axes))
	for k := range sc.Axes {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, name := range keys {
		code, err := parseCode(name, relCodeNames)
		if err != nil {
			return nil, fmt.Errorf("speed_curve.axes: %w", err)
		}
		switch strings.ToLower(sc.Axes[name]) {
		case "x":
			axes[code] = speedcurve.AxisX
		case "y":
			axes[code] = speedcurve.AxisY
		default:
			return nil, fmt.Errorf("speed_curve.axes[%s] must be \"x\" or \"y\", got %q", name, sc.Axes[name])
		}
	}

	for _, code := range sc.Codes {
		if _, ok := axes[uint16(code)]; !ok {
			return nil, fmt.Errorf("speed_curve.codes: code %v has no entry in speed_curve.axes", lookupName(uint16(code), relCodeNames))
		}
	}
	return axes, nil
}

// ToProcessorConfig converts the file config into the core processor config.
func (c *Config) ToProcessorConfig() (speedcurve.Config, error) {
	sc := c.SpeedCurve

	axes, err := sc.axisMapping()
	if err != nil {
		return speedcurve.Config{}, err
	}
	curve, err := speedcurve.NewCurve(sc.CurvePoints)
	if err != nil {
		return speedcurve.Config{}, fmt.Errorf("speed_curve.curve_points: %w", err)
	}

	codes := make([]uint16, 0, len(sc.Codes))
	for _, code := range sc.Codes {
		codes = append(codes, uint16(code))
	}

	return speedcurve.Config{
		Type:            uint16(sc.Type),
		Codes:           codes,
		Axes:            axes,
		Curve:           curve,
		TriggerPeriodMS: int32(sc.TriggerPeriodMS),
		TrackRemainders: sc.TrackRemainders,
	}, nil
}

// IdleTimeout returns the configured idle timeout, or 0 when disabled.
func (sc SpeedCurveConfig) IdleTimeout() time.Duration {
	return time.Duration(sc.IdleTimeoutMS) * time.Millisecond
}

// ExpandPath expands a leading "~" in a path using $HOME.
func ExpandPath(p string) string {
	if p == "" {
		return p
	}
	if p[0] != '~' {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	if p == "~" {
		return home
	}
	if len(p) >= 2 && (p[1] == '/' || p[1] == '\\') {
		return filepath.Join(home, p[2:])
	}
	return p
}
