package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"loadengine/internal/analysis"
	"loadengine/internal/calcconfig"
)

// Config represents the application configuration
type Config struct {
	Database DatabaseConfig  `yaml:"database"`
	Log      LogConfig       `yaml:"log"`
	Recalc   RecalcConfig    `yaml:"recalc"`
	Lock     LockConfig      `yaml:"lock"`
	Server   ServerConfig    `yaml:"server"`
	Display  DisplayConfig   `yaml:"display"`
	Defaults analysis.Params `yaml:"defaults"` // calculation parameters given to new owners
}

// DatabaseConfig holds storage settings
type DatabaseConfig struct {
	Path string `yaml:"path"` // empty means ~/.loadengine/data.db
}

// LogConfig holds logging settings
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// RecalcConfig holds recalculation engine settings
type RecalcConfig struct {
	BatchesPerSecond float64 `yaml:"batches_per_second"` // 0 disables pacing
	Parallelism      int     `yaml:"parallelism"`
	AutoRollback     *bool   `yaml:"auto_rollback"`
}

// LockConfig selects the per-owner lock backend
type LockConfig struct {
	Backend   string        `yaml:"backend"` // memory, redis
	RedisAddr string        `yaml:"redis_addr"`
	TTL       time.Duration `yaml:"ttl"`
}

// ServerConfig holds the operator HTTP surface settings
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// DisplayConfig holds display preferences
type DisplayConfig struct {
	DistanceUnit string `yaml:"distance_unit"`
}

// ErrNoConfig is returned when the config file doesn't exist
var ErrNoConfig = errors.New("config file not found")

// ShouldAutoRollback reports whether failed jobs are rolled back immediately
func (r RecalcConfig) ShouldAutoRollback() bool {
	return r.AutoRollback == nil || *r.AutoRollback
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	autoRollback := true
	return Config{
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Recalc: RecalcConfig{
			BatchesPerSecond: 0,
			Parallelism:      4,
			AutoRollback:     &autoRollback,
		},
		Lock: LockConfig{
			Backend: "memory",
			TTL:     30 * time.Second,
		},
		Server: ServerConfig{
			Addr: "127.0.0.1:9464",
		},
		Display: DisplayConfig{
			DistanceUnit: "km",
		},
		Defaults: analysis.DefaultParams(),
	}
}

// Load reads the configuration from path, or ~/.loadengine/config.yaml when empty
func Load(path string) (*Config, error) {
	path, err := resolvePath(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, ErrNoConfig
	}
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// applyDefaults fills missing values
func (c *Config) applyDefaults() {
	defaults := DefaultConfig()
	if c.Log.Level == "" {
		c.Log.Level = defaults.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = defaults.Log.Format
	}
	if c.Recalc.Parallelism == 0 {
		c.Recalc.Parallelism = defaults.Recalc.Parallelism
	}
	if c.Recalc.AutoRollback == nil {
		c.Recalc.AutoRollback = defaults.Recalc.AutoRollback
	}
	if c.Lock.Backend == "" {
		c.Lock.Backend = defaults.Lock.Backend
	}
	if c.Lock.TTL == 0 {
		c.Lock.TTL = defaults.Lock.TTL
	}
	if c.Server.Addr == "" {
		c.Server.Addr = defaults.Server.Addr
	}
	if c.Display.DistanceUnit == "" {
		c.Display.DistanceUnit = defaults.Display.DistanceUnit
	}

	d := &c.Defaults
	dd := defaults.Defaults
	if d.AlgorithmVersion == 0 {
		d.AlgorithmVersion = dd.AlgorithmVersion
	}
	if d.Zones.RestingHR == 0 {
		d.Zones.RestingHR = dd.Zones.RestingHR
	}
	if d.Zones.MaxHR == 0 {
		d.Zones.MaxHR = dd.Zones.MaxHR
	}
	if d.Zones.Boundaries == nil {
		d.Zones.Boundaries = dd.Zones.Boundaries
	}
	if d.Impulse.Coefficient == 0 {
		d.Impulse.Coefficient = dd.Impulse.Coefficient
	}
	if d.Impulse.Exponent == 0 {
		d.Impulse.Exponent = dd.Impulse.Exponent
	}
	if d.Equivalency.ElevationFactor == 0 {
		d.Equivalency.ElevationFactor = dd.Equivalency.ElevationFactor
	}
	if d.Equivalency.Ratios == nil {
		d.Equivalency.Ratios = map[string]float64{}
	}
	for k, v := range dd.Equivalency.Ratios {
		if _, ok := d.Equivalency.Ratios[k]; !ok {
			d.Equivalency.Ratios[k] = v
		}
	}
	if d.Decay.AcuteDays == 0 {
		d.Decay.AcuteDays = dd.Decay.AcuteDays
	}
	if d.Decay.ChronicDays == 0 {
		d.Decay.ChronicDays = dd.Decay.ChronicDays
	}
	if d.RatioStrategy == "" {
		d.RatioStrategy = dd.RatioStrategy
	}
}

// Save writes the configuration to path, or ~/.loadengine/config.yaml when empty
func Save(path string, cfg *Config) error {
	path, err := resolvePath(path)
	if err != nil {
		return err
	}

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// CreateExample creates an example config file if none exists
func CreateExample(path string) error {
	path, err := resolvePath(path)
	if err != nil {
		return err
	}

	// Check if config already exists
	if _, err := os.Stat(path); err == nil {
		return nil // Config exists, don't overwrite
	}

	example := DefaultConfig()
	return Save(path, &example)
}

// Validate checks the config for values the application cannot run with
func (c *Config) Validate() error {
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error, got %q", c.Log.Level)
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		return fmt.Errorf("log.format must be \"json\" or \"console\", got %q", c.Log.Format)
	}

	if c.Recalc.BatchesPerSecond < 0 {
		return fmt.Errorf("recalc.batches_per_second must not be negative, got %v", c.Recalc.BatchesPerSecond)
	}
	if c.Recalc.Parallelism < 1 {
		return fmt.Errorf("recalc.parallelism must be at least 1, got %d", c.Recalc.Parallelism)
	}

	switch c.Lock.Backend {
	case "memory":
	case "redis":
		if c.Lock.RedisAddr == "" {
			return errors.New("lock.redis_addr is required when lock.backend is \"redis\"")
		}
	default:
		return fmt.Errorf("lock.backend must be \"memory\" or \"redis\", got %q", c.Lock.Backend)
	}
	if c.Lock.TTL < time.Second {
		return fmt.Errorf("lock.ttl must be at least 1s, got %s", c.Lock.TTL)
	}

	// Validate display units
	if c.Display.DistanceUnit != "km" && c.Display.DistanceUnit != "mi" {
		return fmt.Errorf("display.distance_unit must be \"km\" or \"mi\", got %q", c.Display.DistanceUnit)
	}

	if err := calcconfig.Validate(c.Defaults); err != nil {
		return fmt.Errorf("defaults: %w", err)
	}

	return nil
}

func resolvePath(path string) (string, error) {
	if path != "" {
		return path, nil
	}
	dir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// GetConfigDir returns the path to the config directory
func GetConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(home, ".loadengine"), nil
}
