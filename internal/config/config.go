// Package config loads the Reliability Core's configuration surface
// (spec §6) through a layered koanf stack: typed struct defaults,
// an optional YAML file, then environment variables, mirroring the
// teacher's env-plus-file config loading but replacing its bespoke
// os.Getenv/strconv parsing with github.com/knadh/koanf/v2.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// PoolConfig is the dotted-key surface `pool.{name}.*` (spec §6).
type PoolConfig struct {
	Min            int           `koanf:"min"`
	Max            int           `koanf:"max"`
	Strategy       string        `koanf:"strategy"`
	MaxIdleAge     time.Duration `koanf:"max_idle_age"`
	MaxLifetime    time.Duration `koanf:"max_lifetime"`
	AcquireTimeout time.Duration `koanf:"acquire_timeout"`
}

// CircuitBreakerConfig is the dotted-key surface `cb.{name}.*`.
type CircuitBreakerConfig struct {
	OpenAfterFailures   int           `koanf:"open_after_failures"`
	CloseAfterSuccesses int           `koanf:"close_after_successes"`
	OpenDuration        time.Duration `koanf:"open_duration"`
	MinRequestVolume    int           `koanf:"min_request_volume"`
	WindowDuration      time.Duration `koanf:"window_duration"`
}

// BulkheadConfig is the dotted-key surface `bh.{name}.*`.
type BulkheadConfig struct {
	MaxConcurrent int `koanf:"max_concurrent"`
}

// HealerBackoffConfig is `healer.backoff.*`.
type HealerBackoffConfig struct {
	Base   float64 `koanf:"base"`
	Cap    float64 `koanf:"cap"`
	Jitter bool    `koanf:"jitter"`
}

// HealerConfig is `healer.*`.
type HealerConfig struct {
	MaxRetries  int                 `koanf:"max_retries"`
	Backoff     HealerBackoffConfig `koanf:"backoff"`
	DLQCapacity int                 `koanf:"dlq.capacity"`
}

// HealthConfig is `health.*`.
type HealthConfig struct {
	CheckInterval      time.Duration `koanf:"check_interval"`
	FiveNinesThreshold float64       `koanf:"five_nines_threshold"`
}

// LoggingConfig controls the ambient structured logger.
type LoggingConfig struct {
	Level string `koanf:"level"`
	JSON  bool   `koanf:"json"`
}

// Config is the Reliability Core's full configuration surface. Every
// key is optional with a default (spec §6); per-name pool/breaker/
// bulkhead entries are looked up by name with a fallback to "default".
type Config struct {
	Pool           map[string]PoolConfig           `koanf:"pool"`
	CircuitBreaker map[string]CircuitBreakerConfig `koanf:"cb"`
	Bulkhead       map[string]BulkheadConfig       `koanf:"bh"`
	Healer         HealerConfig                    `koanf:"healer"`
	Health         HealthConfig                    `koanf:"health"`
	Logging        LoggingConfig                   `koanf:"logging"`
}

// Defaults returns the configuration surface's documented defaults
// (spec §6 table) before any file or environment overrides are layered on.
func Defaults() Config {
	return Config{
		Pool: map[string]PoolConfig{
			"default": {
				Min: 5, Max: 100, Strategy: "lifo",
				MaxIdleAge: 300 * time.Second, MaxLifetime: 3600 * time.Second,
				AcquireTimeout: 30 * time.Second,
			},
		},
		CircuitBreaker: map[string]CircuitBreakerConfig{
			"default": {
				OpenAfterFailures: 5, CloseAfterSuccesses: 3,
				OpenDuration: 60 * time.Second, MinRequestVolume: 10,
				WindowDuration: 300 * time.Second,
			},
		},
		Bulkhead: map[string]BulkheadConfig{
			"default": {MaxConcurrent: 10},
		},
		Healer: HealerConfig{
			MaxRetries:  5,
			Backoff:     HealerBackoffConfig{Base: 2, Cap: 60, Jitter: true},
			DLQCapacity: 1000,
		},
		Health: HealthConfig{
			CheckInterval:      30 * time.Second,
			FiveNinesThreshold: 99.999,
		},
		Logging: LoggingConfig{Level: "info", JSON: true},
	}
}

// Load builds a Config by layering, in order: built-in defaults, an
// optional YAML file at filePath (skipped if empty or missing), then
// environment variables prefixed by envPrefix (e.g.
// "RELIABILITY_POOL_DEFAULT_MAX" -> "pool.default.max").
func Load(envPrefix, filePath string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Defaults(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("config: loading defaults: %w", err)
	}

	if filePath != "" {
		if err := k.Load(file.Provider(filePath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: loading file %q: %w", filePath, err)
		}
	}

	if envPrefix != "" {
		// "_" separates key segments but also appears inside segment
		// names (max_retries), so an env name that matches an already
		// loaded key is mapped onto that key; any other env name has
		// every "_" turned into ".".
		known := make(map[string]string)
		for _, key := range k.Keys() {
			known[strings.ReplaceAll(key, ".", "_")] = key
		}
		transform := func(s string) string {
			s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
			if key, ok := known[s]; ok {
				return key
			}
			return strings.ReplaceAll(s, "_", ".")
		}
		if err := k.Load(env.Provider(envPrefix, ".", transform), nil); err != nil {
			return nil, fmt.Errorf("config: loading environment: %w", err)
		}
	}

	var cfg Config
	decodeHook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			DecodeHook:       decodeHook,
			Result:           &cfg,
			WeaklyTypedInput: true,
		},
	}); err != nil {
		return nil, fmt.Errorf("config: unmarshalling: %w", err)
	}
	// The dotted "dlq.capacity" tag is stored as a nested key, which the
	// decoder does not match against the flat tag; read it by path.
	cfg.Healer.DLQCapacity = k.Int("healer.dlq.capacity")
	return &cfg, nil
}

// PoolFor returns the configuration for the named pool, falling back
// to the "default" entry, and finally to Defaults() if neither exists.
func (c *Config) PoolFor(name string) PoolConfig {
	if p, ok := c.Pool[name]; ok {
		return p
	}
	if p, ok := c.Pool["default"]; ok {
		return p
	}
	return Defaults().Pool["default"]
}

// CircuitBreakerFor returns the configuration for the named breaker,
// falling back the same way as PoolFor.
func (c *Config) CircuitBreakerFor(name string) CircuitBreakerConfig {
	if cb, ok := c.CircuitBreaker[name]; ok {
		return cb
	}
	if cb, ok := c.CircuitBreaker["default"]; ok {
		return cb
	}
	return Defaults().CircuitBreaker["default"]
}

// BulkheadFor returns the configuration for the named bulkhead,
// falling back the same way as PoolFor.
func (c *Config) BulkheadFor(name string) BulkheadConfig {
	if bh, ok := c.Bulkhead[name]; ok {
		return bh
	}
	if bh, ok := c.Bulkhead["default"]; ok {
		return bh
	}
	return Defaults().Bulkhead["default"]
}
