package lspbridge

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Config is the file form of a bridge deployment, as used by the
// lspbridge command.
type Config struct {
	// Network and Listen select the host listener. An empty Listen serves a
	// single host on stdin and stdout.
	Network string `json:"network" yaml:"network"`
	Listen  string `json:"listen" yaml:"listen"`

	Engine Command `json:"engine" yaml:"engine"`

	// Policy is "failfast" or "resync".
	Policy         string   `json:"policy" yaml:"policy"`
	MaxFrameSize   int      `json:"max_frame_size" yaml:"max_frame_size"`
	MaxMessageSize int      `json:"max_message_size" yaml:"max_message_size"`
	IdleTimeout    Duration `json:"idle_timeout" yaml:"idle_timeout"`

	ShutdownTimeout Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
	LogLevel        string   `json:"log_level" yaml:"log_level"`
}

// Duration is a time.Duration written as text, e.g. "30s".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	return Config{
		Network:        "tcp",
		Policy:         FailFast.String(),
		MaxFrameSize:   defaultMaxFrameSize,
		MaxMessageSize: defaultMaxMessageLength,
		IdleTimeout:    Duration(defaultIdleTimeout),
		LogLevel:       "info",
	}
}

// LoadConfig reads a configuration file over DefaultConfig. Files ending in
// .yaml or .yml are YAML; anything else is JSON with comments and trailing
// commas allowed.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "read config")
	}

	cfg := DefaultConfig()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	default:
		err = json.Unmarshal(jsonc.ToJSON(data), &cfg)
	}
	if err != nil {
		return Config{}, errors.Wrapf(err, "parse config %s", path)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, errors.Wrapf(err, "config %s", path)
	}
	return cfg, nil
}

// Validate checks the fields that cannot be defaulted.
func (c Config) Validate() error {
	if _, err := ParseErrorPolicy(c.Policy); err != nil {
		return err
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	if c.MaxFrameSize < 0 || c.MaxMessageSize < 0 {
		return errors.New("sizes must not be negative")
	}
	if c.Listen != "" && c.Network == "" {
		return errors.New("listen address without network")
	}
	return nil
}

// Level returns the configured log level.
func (c Config) Level() (slog.Level, error) {
	var level slog.Level
	if c.LogLevel == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, errors.Wrapf(err, "log level %q", c.LogLevel)
	}
	return level, nil
}

// Options converts the configuration into component options.
func (c Config) Options(logger Logger) ([]Option, error) {
	policy, err := ParseErrorPolicy(c.Policy)
	if err != nil {
		return nil, err
	}

	return []Option{
		ErrorPolicyOption(policy),
		FrameMaxSize(c.MaxFrameSize),
		MessageMaxSize(c.MaxMessageSize),
		IdleTimeoutOption(time.Duration(c.IdleTimeout)),
		LoggerOption(logger),
	}, nil
}

// ParseErrorPolicy parses "failfast" or "resync". The empty string selects
// FailFast.
func ParseErrorPolicy(s string) (ErrorPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "failfast", "fail-fast":
		return FailFast, nil
	case "resync":
		return Resync, nil
	default:
		return FailFast, errors.Errorf("unknown error policy %q", s)
	}
}
