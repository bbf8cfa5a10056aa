package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"caption-sky/server/internal/flight"
	"caption-sky/server/internal/observability"
	"caption-sky/server/internal/rotation"
	"caption-sky/server/internal/source"
	"caption-sky/server/logging"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the complete server configuration.
type Config struct {
	Server        ServerConfig         `yaml:"server"`
	Sky           SkyConfig            `yaml:"sky"`
	Source        source.Config        `yaml:"source"`
	Logging       LoggingConfig        `yaml:"logging"`
	Observability observability.Config `yaml:"observability"`
	Reload        ReloadConfig         `yaml:"reload"`
}

type ServerConfig struct {
	Addr            string `yaml:"addr"`
	ShutdownTimeout string `yaml:"shutdown_timeout"`
}

// SkyConfig holds the initial flock controls and the rotation period.
type SkyConfig struct {
	BirdCount        int     `yaml:"bird_count"`
	Speed            float64 `yaml:"speed"`
	RotationInterval string  `yaml:"rotation_interval"`
}

// LoggingConfig covers the process logger and the domain event router.
type LoggingConfig struct {
	Level  string       `yaml:"level"`
	Events EventsConfig `yaml:"events"`
}

type EventsConfig struct {
	Sinks           []string       `yaml:"sinks"`
	MinimumSeverity string         `yaml:"minimum_severity"`
	BufferSize      int            `yaml:"buffer_size"`
	JSONPath        string         `yaml:"json_path"`
	Fields          map[string]any `yaml:"fields"`
}

// ReloadConfig throttles manual caption reloads.
type ReloadConfig struct {
	Interval string `yaml:"interval"`
	Burst    int    `yaml:"burst"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{Addr: ":8080", ShutdownTimeout: "5s"},
		Sky: SkyConfig{
			BirdCount:        flight.DefaultBirds,
			Speed:            flight.DefaultSpeed,
			RotationInterval: rotation.DefaultInterval.String(),
		},
		Source: source.DefaultConfig(),
		Logging: LoggingConfig{
			Level: "info",
			Events: EventsConfig{
				Sinks:           []string{"console"},
				MinimumSeverity: "info",
				BufferSize:      256,
			},
		},
		Reload: ReloadConfig{Interval: "10s", Burst: 3},
	}
}

// Load reads the YAML file at path over the defaults and applies
// environment overrides. An empty path or a missing file yields the
// defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if raw, ok := lookup(key); ok && raw != "" {
			*dst = raw
		}
	}

	str("CAPTION_SKY_ADDR", &c.Server.Addr)
	str("CAPTION_SKY_SOURCE", &c.Source.Kind)
	str("SUPABASE_URL", &c.Source.URL)
	str("SUPABASE_ANON_KEY", &c.Source.APIKey)
	str("ROTATION_INTERVAL", &c.Sky.RotationInterval)
	str("LOG_LEVEL", &c.Logging.Level)

	// The path variables also pick the source kind unless it was set
	// explicitly.
	explicit, _ := lookup("CAPTION_SKY_SOURCE")
	kindSet := explicit != ""
	if raw, ok := lookup("CAPTION_SKY_FILE"); ok && raw != "" {
		c.Source.Path = raw
		if !kindSet {
			c.Source.Kind = source.KindFile
		}
	}
	if raw, ok := lookup("CAPTION_SKY_SQLITE"); ok && raw != "" {
		c.Source.Path = raw
		if !kindSet {
			c.Source.Kind = source.KindSQLite
		}
	}
	if !kindSet && c.Source.URL != "" && (c.Source.Kind == "" || c.Source.Kind == source.KindNone) {
		c.Source.Kind = source.KindREST
	}

	if raw, ok := lookup("ENABLE_PPROF_TRACE"); ok && raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("%w: ENABLE_PPROF_TRACE=%q: %v", ErrInvalid, raw, err)
		}
		c.Observability.EnablePprofTrace = value
	}
	return nil
}

// Validate rejects settings the server cannot run with.
func (c Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if strings.TrimSpace(c.Server.Addr) == "" {
		add("server.addr is empty")
	}
	if _, err := positiveDuration(c.Server.ShutdownTimeout, time.Second); err != nil {
		add("server.shutdown_timeout: %v", err)
	}
	if c.Sky.BirdCount < flight.MinBirds || c.Sky.BirdCount > flight.MaxBirds {
		add("sky.bird_count %d outside [%d, %d]", c.Sky.BirdCount, flight.MinBirds, flight.MaxBirds)
	}
	if c.Sky.Speed < flight.MinSpeed || c.Sky.Speed > flight.MaxSpeed {
		add("sky.speed %.2f outside [%.1f, %.1f]", c.Sky.Speed, flight.MinSpeed, flight.MaxSpeed)
	}
	if _, err := positiveDuration(c.Sky.RotationInterval, rotation.DefaultInterval); err != nil {
		add("sky.rotation_interval: %v", err)
	}

	switch c.Source.Kind {
	case "", source.KindNone:
	case source.KindFile, source.KindSQLite:
		if c.Source.Path == "" {
			add("source.path is required for kind %q", c.Source.Kind)
		}
	case source.KindREST:
		if c.Source.URL == "" {
			add("source.url is required for kind %q", c.Source.Kind)
		}
	default:
		add("source.kind %q is not one of none, file, sqlite, rest", c.Source.Kind)
	}
	if c.Source.Limit < 0 {
		add("source.limit must not be negative")
	}
	if c.Source.Watch && c.Source.Kind != source.KindFile {
		add("source.watch only applies to kind %q", source.KindFile)
	}
	for _, field := range []struct{ name, raw string }{
		{"source.cache_ttl", c.Source.CacheTTL},
		{"source.timeout", c.Source.Timeout},
	} {
		if field.raw == "" {
			continue
		}
		if d, err := time.ParseDuration(field.raw); err != nil || d < 0 {
			add("%s: invalid duration %q", field.name, field.raw)
		}
	}

	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		add("logging.level: %v", err)
	}
	if _, err := logging.ParseSeverity(c.Logging.Events.MinimumSeverity); err != nil {
		add("logging.events.minimum_severity: %v", err)
	}
	for _, sink := range c.Logging.Events.Sinks {
		switch sink {
		case "console":
		case "json":
			if c.Logging.Events.JSONPath == "" {
				add("logging.events.json_path is required for the json sink")
			}
		default:
			add("logging.events.sinks: unknown sink %q", sink)
		}
	}

	if _, err := positiveDuration(c.Reload.Interval, 10*time.Second); err != nil {
		add("reload.interval: %v", err)
	}
	if c.Reload.Burst < 1 {
		add("reload.burst must be at least 1")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// Controls returns the initial flock controls.
func (c Config) Controls() flight.Controls {
	return flight.Controls{Count: c.Sky.BirdCount, Speed: c.Sky.Speed}.Normalized()
}

func (c Config) RotationInterval() time.Duration {
	d, _ := positiveDuration(c.Sky.RotationInterval, rotation.DefaultInterval)
	return d
}

func (c Config) ShutdownTimeout() time.Duration {
	d, _ := positiveDuration(c.Server.ShutdownTimeout, 5*time.Second)
	return d
}

func (c Config) ReloadInterval() time.Duration {
	d, _ := positiveDuration(c.Reload.Interval, 10*time.Second)
	return d
}

// EventConfig translates the events section into router settings.
func (c Config) EventConfig() logging.Config {
	cfg := logging.DefaultConfig()
	if len(c.Logging.Events.Sinks) > 0 {
		cfg.EnabledSinks = append([]string(nil), c.Logging.Events.Sinks...)
	}
	if c.Logging.Events.BufferSize > 0 {
		cfg.BufferSize = c.Logging.Events.BufferSize
	}
	if severity, err := logging.ParseSeverity(c.Logging.Events.MinimumSeverity); err == nil {
		cfg.MinimumSeverity = severity
	}
	cfg.Fields = c.Logging.Events.Fields
	cfg.JSON.FilePath = c.Logging.Events.JSONPath
	return cfg
}

func positiveDuration(raw string, fallback time.Duration) (time.Duration, error) {
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback, fmt.Errorf("invalid duration %q", raw)
	}
	if d <= 0 {
		return fallback, fmt.Errorf("duration %q must be positive", raw)
	}
	return d, nil
}
