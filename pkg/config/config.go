// Package config loads the nightorder configuration.
//
// Sources are applied in order: built-in defaults, the config file (YAML or
// TOML, chosen by extension), a .env file, then NIGHTORDER_* environment
// variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "NIGHTORDER_"

// Config holds the full configuration.
type Config struct {
	Workspace     string              `yaml:"workspace" toml:"workspace"`
	Log           LogConfig           `yaml:"log" toml:"log"`
	EventBus      EventBusConfig      `yaml:"event_bus" toml:"event_bus"`
	Policy        PolicyConfig        `yaml:"policy" toml:"policy"`
	Approval      ApprovalConfig      `yaml:"approval" toml:"approval"`
	Probe         ProbeConfig         `yaml:"probe" toml:"probe"`
	Mission       MissionConfig       `yaml:"mission" toml:"mission"`
	Coordinator   CoordinatorConfig   `yaml:"coordinator" toml:"coordinator"`
	Trace         TraceConfig         `yaml:"trace" toml:"trace"`
	Observability ObservabilityConfig `yaml:"observability" toml:"observability"`
	Agents        []AgentConfig       `yaml:"agents" toml:"agents"`
	Gates         []GateConfig        `yaml:"gates" toml:"gates"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level" toml:"level"`   // debug | info | warn | error
	Format string `yaml:"format" toml:"format"` // text | json
}

// EventBusConfig configures the bus and its sinks.
type EventBusConfig struct {
	MaxEvents int    `yaml:"max_events" toml:"max_events"`
	LogPath   string `yaml:"log_path" toml:"log_path"`
	RedisURL  string `yaml:"redis_url" toml:"redis_url"`
	// RedisStream is the stream events are appended to.
	RedisStream string `yaml:"redis_stream" toml:"redis_stream"`
	NATSURL     string `yaml:"nats_url" toml:"nats_url"`
	NATSSubject string `yaml:"nats_subject" toml:"nats_subject"`
}

// PolicyConfig configures the policy engine.
type PolicyConfig struct {
	Packs         []string `yaml:"packs" toml:"packs"`
	PackDir       string   `yaml:"pack_dir" toml:"pack_dir"`
	AutoFix       bool     `yaml:"auto_fix" toml:"auto_fix"`
	Platform      string   `yaml:"platform" toml:"platform"`
	WorkspaceName string   `yaml:"workspace_name" toml:"workspace_name"`
}

// ApprovalConfig configures the approval gate.
type ApprovalConfig struct {
	Timeout       time.Duration `yaml:"timeout" toml:"timeout"`
	TokenTTL      time.Duration `yaml:"token_ttl" toml:"token_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval" toml:"sweep_interval"`
	Bypass        bool          `yaml:"bypass" toml:"bypass"`
}

// ProbeConfig configures the probe matrix.
type ProbeConfig struct {
	Timeout       time.Duration `yaml:"timeout" toml:"timeout"`
	RatePerSecond float64       `yaml:"rate_per_second" toml:"rate_per_second"`
	Burst         int           `yaml:"burst" toml:"burst"`
}

// MissionConfig configures the mission runner.
type MissionConfig struct {
	Narration       bool          `yaml:"narration" toml:"narration"`
	MaxRemediations int           `yaml:"max_remediations" toml:"max_remediations"`
	MutatingTools   []string      `yaml:"mutating_tools" toml:"mutating_tools"`
	CommandTimeout  time.Duration `yaml:"command_timeout" toml:"command_timeout"`
}

// CoordinatorConfig configures multi-agent sessions.
type CoordinatorConfig struct {
	MaxHops     int `yaml:"max_hops" toml:"max_hops"`
	Parallelism int `yaml:"parallelism" toml:"parallelism"`
}

// TraceConfig configures the trace archive.
type TraceConfig struct {
	ArchiveSize int    `yaml:"archive_size" toml:"archive_size"`
	Driver      string `yaml:"driver" toml:"driver"` // "" | sqlite | postgres
	DSN         string `yaml:"dsn" toml:"dsn"`
}

// ObservabilityConfig configures OpenTelemetry export.
type ObservabilityConfig struct {
	Enabled      bool    `yaml:"enabled" toml:"enabled"`
	ServiceName  string  `yaml:"service_name" toml:"service_name"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" toml:"otlp_endpoint"`
	Insecure     bool    `yaml:"insecure" toml:"insecure"`
	SampleRate   float64 `yaml:"sample_rate" toml:"sample_rate"`
}

// AgentConfig registers a coordinator agent.
type AgentConfig struct {
	Name           string   `yaml:"name" toml:"name"`
	Role           string   `yaml:"role" toml:"role"`
	HandoffTargets []string `yaml:"handoff_targets" toml:"handoff_targets"`
	GatesRequired  []string `yaml:"gates_required" toml:"gates_required"`
}

// GateConfig registers an artifact gate.
type GateConfig struct {
	Name        string   `yaml:"name" toml:"name"`
	Required    []string `yaml:"required" toml:"required"`
	Optional    []string `yaml:"optional" toml:"optional"`
	Description string   `yaml:"description" toml:"description"`
}

// Default returns a configuration with every default filled in.
func Default() *Config {
	return &Config{
		Workspace: ".",
		Log:       LogConfig{Level: "info", Format: "text"},
		EventBus: EventBusConfig{
			MaxEvents:   1000,
			RedisStream: "nightorder:events",
			NATSSubject: "nightorder.events",
		},
		Approval: ApprovalConfig{
			Timeout:       60 * time.Second,
			TokenTTL:      600 * time.Second,
			SweepInterval: 30 * time.Second,
		},
		Probe:       ProbeConfig{Timeout: 10 * time.Second},
		Mission:     MissionConfig{MaxRemediations: 2, CommandTimeout: 5 * time.Minute},
		Coordinator: CoordinatorConfig{MaxHops: 10, Parallelism: 4},
		Trace:       TraceConfig{ArchiveSize: 100},
		Observability: ObservabilityConfig{
			ServiceName:  "nightorder",
			OTLPEndpoint: "localhost:4317",
			Insecure:     true,
			SampleRate:   1.0,
		},
	}
}

// Load reads path (if non-empty), the .env file next to the working
// directory (if present) and the environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := decodeFile(path, cfg); err != nil {
			return nil, err
		}
	}
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return fmt.Errorf("parse config %s: %w", path, err)
		}
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse config %s: %w", path, err)
		}
	default:
		return fmt.Errorf("config %s: unsupported extension (want .yaml, .yml or .toml)", path)
	}
	return nil
}

type lookupFunc func(string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			*dst = v
		}
	}
	var errs []string
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s%s: %v", EnvPrefix, key, err))
				return
			}
			*dst = b
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s%s: %v", EnvPrefix, key, err))
				return
			}
			*dst = d
		}
	}

	str("WORKSPACE", &c.Workspace)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	str("EVENT_LOG", &c.EventBus.LogPath)
	str("REDIS_URL", &c.EventBus.RedisURL)
	str("NATS_URL", &c.EventBus.NATSURL)
	boolean("APPROVAL_BYPASS", &c.Approval.Bypass)
	duration("APPROVAL_TIMEOUT", &c.Approval.Timeout)
	boolean("NARRATION", &c.Mission.Narration)
	boolean("AUTO_FIX", &c.Policy.AutoFix)
	str("TRACE_DRIVER", &c.Trace.Driver)
	str("TRACE_DSN", &c.Trace.DSN)
	boolean("OTEL_ENABLED", &c.Observability.Enabled)
	str("OTEL_ENDPOINT", &c.Observability.OTLPEndpoint)

	if len(errs) > 0 {
		return fmt.Errorf("environment: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Validate rejects settings the components cannot run with.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("log.format %q: want text or json", c.Log.Format)
	}
	switch c.Trace.Driver {
	case "", "sqlite", "postgres":
	default:
		return fmt.Errorf("trace.driver %q: want sqlite or postgres", c.Trace.Driver)
	}
	if c.Trace.Driver != "" && c.Trace.DSN == "" {
		return fmt.Errorf("trace.dsn is required with driver %s", c.Trace.Driver)
	}
	seen := make(map[string]bool)
	for _, a := range c.Agents {
		if a.Name == "" {
			return fmt.Errorf("agents: entry without name")
		}
		if seen[a.Name] {
			return fmt.Errorf("agents: duplicate %q", a.Name)
		}
		seen[a.Name] = true
	}
	for _, g := range c.Gates {
		if g.Name == "" {
			return fmt.Errorf("gates: entry without name")
		}
	}
	return nil
}
