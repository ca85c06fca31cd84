// Package config loads casesync settings from YAML and the environment.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/roach88/casesync/internal/retry"
	"github.com/roach88/casesync/internal/syncer"
)

// EnvPrefix prefixes environment overrides. A double underscore separates
// sections: CASESYNC_WORKER__BATCH_SIZE sets worker.batch_size.
const EnvPrefix = "CASESYNC_"

//go:embed schema.cue
var schemaSource string

// Config is the top-level casesync configuration.
type Config struct {
	Database string       `yaml:"database" koanf:"database" json:"database"`
	Remote   RemoteConfig `yaml:"remote" koanf:"remote" json:"remote"`
	Retry    RetryConfig  `yaml:"retry" koanf:"retry" json:"retry"`
	Worker   WorkerConfig `yaml:"worker" koanf:"worker" json:"worker"`
	Status   StatusConfig `yaml:"status" koanf:"status" json:"status"`
}

// RemoteConfig locates the remote case store.
type RemoteConfig struct {
	BaseURL string        `yaml:"base_url" koanf:"base_url" json:"base_url"`
	Token   string        `yaml:"token" koanf:"token" json:"token"`
	Timeout time.Duration `yaml:"timeout" koanf:"timeout" json:"timeout"`
}

// RetryConfig tunes backoff. See retry.Config.
type RetryConfig struct {
	BaseDelay    time.Duration `yaml:"base_delay" koanf:"base_delay" json:"base_delay"`
	MaxDelay     time.Duration `yaml:"max_delay" koanf:"max_delay" json:"max_delay"`
	MaxAttempts  int           `yaml:"max_attempts" koanf:"max_attempts" json:"max_attempts"`
	JitterFactor float64       `yaml:"jitter_factor" koanf:"jitter_factor" json:"jitter_factor"`
}

// WorkerConfig tunes draining. See syncer.Config.
type WorkerConfig struct {
	BatchSize         int           `yaml:"batch_size" koanf:"batch_size" json:"batch_size"`
	Interval          time.Duration `yaml:"interval" koanf:"interval" json:"interval"`
	CallTimeout       time.Duration `yaml:"call_timeout" koanf:"call_timeout" json:"call_timeout"`
	MaxCyclesPerDrain int           `yaml:"max_cycles_per_drain" koanf:"max_cycles_per_drain" json:"max_cycles_per_drain"`
}

// StatusConfig configures the status HTTP API. An empty Addr disables it.
type StatusConfig struct {
	Addr string `yaml:"addr" koanf:"addr" json:"addr"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	r := retry.DefaultConfig()
	w := syncer.DefaultConfig()
	return &Config{
		Database: "casesync.db",
		Remote: RemoteConfig{
			Timeout: w.CallTimeout,
		},
		Retry: RetryConfig{
			BaseDelay:    r.BaseDelay,
			MaxDelay:     r.MaxDelay,
			MaxAttempts:  r.MaxAttempts,
			JitterFactor: r.JitterFactor,
		},
		Worker: WorkerConfig{
			BatchSize:         w.BatchSize,
			Interval:          w.Interval,
			CallTimeout:       w.CallTimeout,
			MaxCyclesPerDrain: w.MaxCyclesPerDrain,
		},
		Status: StatusConfig{
			Addr: "127.0.0.1:8088",
		},
	}
}

// Load reads configuration from the YAML file at path (skipped when path is
// empty or the file does not exist), overlays CASESYNC_* environment
// variables, and validates the result.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	cfg := DefaultConfig()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("accessing config %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading env overrides: %w", err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envKey maps CASESYNC_WORKER__BATCH_SIZE to worker.batch_size.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

// Save writes the configuration to path as YAML.
func (c *Config) Save(path string) error {
	data, err := yamlv3.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshalling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Validate checks the configuration against the embedded CUE schema.
func (c *Config) Validate() error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compiling config schema: %w", err)
	}

	v := schema.LookupPath(cue.ParsePath("#Config")).Unify(ctx.Encode(c.schemaView()))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("invalid config: %s", strings.Join(cueMessages(err), "; "))
	}
	return nil
}

func cueMessages(err error) []string {
	var msgs []string
	for _, e := range cueerrors.Errors(err) {
		msgs = append(msgs, e.Error())
	}
	if len(msgs) == 0 {
		msgs = append(msgs, err.Error())
	}
	return msgs
}

// schemaView renders the config in the shape schema.cue constrains.
func (c *Config) schemaView() map[string]any {
	ms := func(d time.Duration) int64 { return d.Milliseconds() }
	return map[string]any{
		"database": c.Database,
		"remote": map[string]any{
			"base_url":   c.Remote.BaseURL,
			"token":      c.Remote.Token,
			"timeout_ms": ms(c.Remote.Timeout),
		},
		"retry": map[string]any{
			"base_delay_ms": ms(c.Retry.BaseDelay),
			"max_delay_ms":  ms(c.Retry.MaxDelay),
			"max_attempts":  c.Retry.MaxAttempts,
			"jitter_factor": c.Retry.JitterFactor,
		},
		"worker": map[string]any{
			"batch_size":           c.Worker.BatchSize,
			"interval_ms":          ms(c.Worker.Interval),
			"call_timeout_ms":      ms(c.Worker.CallTimeout),
			"max_cycles_per_drain": c.Worker.MaxCyclesPerDrain,
		},
		"status": map[string]any{
			"addr": c.Status.Addr,
		},
	}
}

// SchedulerConfig converts the retry section.
func (c *Config) SchedulerConfig() retry.Config {
	return retry.Config{
		BaseDelay:    c.Retry.BaseDelay,
		MaxDelay:     c.Retry.MaxDelay,
		MaxAttempts:  c.Retry.MaxAttempts,
		JitterFactor: c.Retry.JitterFactor,
	}
}

// SyncerConfig converts the worker section.
func (c *Config) SyncerConfig() syncer.Config {
	return syncer.Config{
		BatchSize:         c.Worker.BatchSize,
		Interval:          c.Worker.Interval,
		CallTimeout:       c.Worker.CallTimeout,
		MaxCyclesPerDrain: c.Worker.MaxCyclesPerDrain,
	}
}
