// Package daemon manages the switchboard daemon lifecycle and configuration.
package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/tutu-network/switchboard/internal/app/routing"
	"github.com/tutu-network/switchboard/internal/app/sla"
	"github.com/tutu-network/switchboard/internal/domain"
)

// Config holds all daemon configuration.
type Config struct {
	API       APIConfig       `toml:"api"`
	Store     StoreConfig     `toml:"store"`
	Dedup     DedupConfig     `toml:"dedup"`
	SLA       SLAConfig       `toml:"sla"`
	Routing   RoutingConfig   `toml:"routing"`
	Queue     QueueConfig     `toml:"queue"`
	Catalog   CatalogConfig   `toml:"catalog"`
	Events    EventsConfig    `toml:"events"`
	Logging   LoggingConfig   `toml:"logging"`
	Telemetry TelemetryConfig `toml:"telemetry"`
}

// APIConfig controls the HTTP API server.
type APIConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// StoreConfig selects the task store. Driver is "memory" or "sqlite".
type StoreConfig struct {
	Driver string `toml:"driver"`
	Dir    string `toml:"dir"`
}

// DedupConfig selects the external-ID index. Driver is "memory" or "redis".
type DedupConfig struct {
	Driver   string `toml:"driver"`
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
	Prefix   string `toml:"prefix"`
	TTL      string `toml:"ttl"`

	// Circuit breaker around the redis driver
	BreakerThreshold int    `toml:"breaker_threshold"`
	BreakerReset     string `toml:"breaker_reset"`
}

// SLAConfig controls the SLA monitor's sweep and thresholds.
type SLAConfig struct {
	Enabled         bool    `toml:"enabled"`
	Interval        string  `toml:"interval"`
	WarningPercent  float64 `toml:"warning_percent"`
	BreachPercent   float64 `toml:"breach_percent"`
	CriticalPercent float64 `toml:"critical_percent"`
	WarningStep     int     `toml:"warning_step"`
	BreachPriority  int     `toml:"breach_priority"`
	RingSize        int     `toml:"ring_size"`
}

// RoutingConfig is the routing policy for queues without their own.
type RoutingConfig struct {
	Mode             string              `toml:"mode"`
	Algorithm        string              `toml:"algorithm"`
	Fallback         string              `toml:"fallback"`
	MinProficiency   int                 `toml:"min_proficiency"`
	TargetHandleTime string              `toml:"target_handle_time"`
	Weights          domain.ScoreWeights `toml:"weights"`
}

// QueueConfig controls queue defaults.
type QueueConfig struct {
	DefaultMaxRetries int `toml:"default_max_retries"`
	WaitSamples       int `toml:"wait_samples"`
}

// CatalogConfig locates the YAML routing catalog.
type CatalogConfig struct {
	Path  string `toml:"path"`
	Watch bool   `toml:"watch"`
}

// EventsConfig sizes the real-time event hub.
type EventsConfig struct {
	Buffer int `toml:"buffer"`
}

// LoggingConfig controls logging behavior. Format is "json" or "console".
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// TelemetryConfig controls observability endpoints.
type TelemetryConfig struct {
	Prometheus     bool   `toml:"prometheus"`
	HealthInterval string `toml:"health_interval"`
	GaugeInterval  string `toml:"gauge_interval"`
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	homeDir := switchboardHome()
	w := routing.DefaultWeights()
	return Config{
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 7600,
		},
		Store: StoreConfig{
			Driver: "memory",
			Dir:    homeDir,
		},
		Dedup: DedupConfig{
			Driver: "memory",
			Addr:   "127.0.0.1:6379",
			Prefix: "switchboard:dedup:",

			BreakerThreshold: 5,
			BreakerReset:     "30s",
		},
		SLA: SLAConfig{
			Enabled:         true,
			Interval:        "10s",
			WarningPercent:  80,
			BreachPercent:   100,
			CriticalPercent: 150,
			WarningStep:     2,
			BreachPriority:  1,
			RingSize:        200,
		},
		Routing: RoutingConfig{
			Mode:             string(domain.SkillFlexible),
			Algorithm:        string(domain.AlgoSkillWeighted),
			Fallback:         string(domain.FallbackNone),
			MinProficiency:   1,
			TargetHandleTime: "5m",
			Weights:          w,
		},
		Queue: QueueConfig{
			DefaultMaxRetries: domain.DefaultMaxRetries,
			WaitSamples:       100,
		},
		Catalog: CatalogConfig{
			Path:  filepath.Join(homeDir, "catalog.yaml"),
			Watch: true,
		},
		Events: EventsConfig{
			Buffer: 64,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			Prometheus:     true,
			HealthInterval: "30s",
			GaugeInterval:  "5s",
		},
	}
}

// Validate rejects unknown drivers and malformed durations.
func (c Config) Validate() error {
	switch c.Store.Driver {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("store.driver: unknown driver %q", c.Store.Driver)
	}
	switch c.Dedup.Driver {
	case "memory", "redis":
	default:
		return fmt.Errorf("dedup.driver: unknown driver %q", c.Dedup.Driver)
	}
	switch domain.SkillMode(c.Routing.Mode) {
	case "", domain.SkillStrict, domain.SkillFlexible, domain.SkillAny, domain.SkillBestMatch:
	default:
		return fmt.Errorf("routing.mode: unknown mode %q", c.Routing.Mode)
	}
	switch domain.FallbackPolicy(c.Routing.Fallback) {
	case "", domain.FallbackNone, domain.FallbackAnyAvailable:
	default:
		return fmt.Errorf("routing.fallback: unknown policy %q", c.Routing.Fallback)
	}
	for key, v := range map[string]string{
		"dedup.ttl":                  c.Dedup.TTL,
		"dedup.breaker_reset":        c.Dedup.BreakerReset,
		"sla.interval":               c.SLA.Interval,
		"routing.target_handle_time": c.Routing.TargetHandleTime,
		"telemetry.health_interval":  c.Telemetry.HealthInterval,
		"telemetry.gauge_interval":   c.Telemetry.GaugeInterval,
	} {
		if v == "" {
			continue
		}
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	return nil
}

// SLAMonitorConfig converts the [sla] section.
func (c Config) SLAMonitorConfig() sla.Config {
	d := sla.DefaultConfig()
	return sla.Config{
		Interval:        parseDuration(c.SLA.Interval, d.Interval),
		WarningPercent:  c.SLA.WarningPercent,
		BreachPercent:   c.SLA.BreachPercent,
		CriticalPercent: c.SLA.CriticalPercent,
		WarningStep:     c.SLA.WarningStep,
		BreachPriority:  c.SLA.BreachPriority,
		RingSize:        c.SLA.RingSize,
	}
}

// ScorerConfig converts the [routing] section.
func (c Config) ScorerConfig() routing.Config {
	d := routing.DefaultConfig()
	cfg := d
	cfg.TargetHandleTime = parseDuration(c.Routing.TargetHandleTime, d.TargetHandleTime)
	cfg.Defaults = domain.RoutingConfig{
		Mode:           domain.SkillMode(c.Routing.Mode),
		Algorithm:      domain.Algorithm(c.Routing.Algorithm),
		Fallback:       domain.FallbackPolicy(c.Routing.Fallback),
		MinProficiency: c.Routing.MinProficiency,
		Weights:        c.Routing.Weights,
	}
	return cfg
}

// LoadConfig reads config from $SWITCHBOARD_HOME/config.toml, falling back
// to defaults.
func LoadConfig() (Config, error) {
	return LoadConfigFile(filepath.Join(switchboardHome(), "config.toml"))
}

// LoadConfigFile reads config from path, falling back to defaults when the
// file does not exist.
func LoadConfigFile(path string) (Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil // No config file yet, use defaults
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	cfg.Store.Driver = strings.ToLower(cfg.Store.Driver)
	cfg.Dedup.Driver = strings.ToLower(cfg.Dedup.Driver)
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// SaveConfig writes the config to $SWITCHBOARD_HOME/config.toml.
func SaveConfig(cfg Config) error {
	return SaveConfigFile(filepath.Join(switchboardHome(), "config.toml"), cfg)
}

// SaveConfigFile writes the config to path.
func SaveConfigFile(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	encoder := toml.NewEncoder(f)
	return encoder.Encode(cfg)
}

// switchboardHome returns the switchboard data directory.
func switchboardHome() string {
	if env := os.Getenv("SWITCHBOARD_HOME"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".switchboard")
}

// Home is exported for use by other packages.
func Home() string {
	return switchboardHome()
}

// parseDuration parses a duration string, returning a fallback on error.
func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
