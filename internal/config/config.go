// Package config defines the worker's environment-first configuration
// struct (§6 of the spec) and the env/yaml loading helpers used to
// populate it, in the teacher's tagging convention.
package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type contextKey string

func (c contextKey) String() string {
	return "worker/config/" + string(c)
}

const ctxKeyConfiguration = contextKey("configurationKey")

// Configuration holds every tunable named in §6. Field tags follow the
// teacher's `env`/`envDefault`/`yaml` convention (config/config.go).
type Configuration struct {
	Port                string `env:"WORKER_PORT"                       envDefault:":8080"                   yaml:"port"`
	LightningServiceURL string `env:"WORKER_LIGHTNING_SERVICE_URL"      yaml:"lightning_service_url"`
	RepoDir             string `env:"WORKER_REPO_DIR"                   envDefault:"./tmp/repo"               yaml:"repo_dir"`
	Secret              string `env:"WORKER_SECRET"                     yaml:"secret"`
	LightningPublicKey  string `env:"WORKER_LIGHTNING_PUBLIC_KEY"       yaml:"lightning_public_key"`
	LogLevel            string `env:"WORKER_LOG_LEVEL"                  envDefault:"info"                    yaml:"log_level"`
	Backoff             string `env:"WORKER_BACKOFF"                    envDefault:"1/10"                    yaml:"backoff"`
	Capacity            int    `env:"WORKER_CAPACITY"                   envDefault:"5"                       yaml:"capacity"`
	MaxRunMemoryMb      int    `env:"WORKER_MAX_RUN_MEMORY_MB"           envDefault:"500"                     yaml:"max_run_memory_mb"`
	MaxRunDurationSecs  int    `env:"WORKER_MAX_RUN_DURATION_SECONDS"    envDefault:"300"                     yaml:"max_run_duration_seconds"`
	StatePropsToRemove  string `env:"WORKER_STATE_PROPS_TO_REMOVE"       envDefault:"configuration,response"   yaml:"state_props_to_remove"`
}

// ToContext attaches a Configuration to ctx, mirroring the teacher's
// config.ToContext so downstream components can read it without
// threading it through every constructor.
func ToContext(ctx context.Context, cfg Configuration) context.Context {
	return context.WithValue(ctx, ctxKeyConfiguration, cfg)
}

// FromContext extracts the Configuration stashed by ToContext.
func FromContext(ctx context.Context) Configuration {
	if cfg, ok := ctx.Value(ctxKeyConfiguration).(Configuration); ok {
		return cfg
	}
	return Configuration{}
}

// FromEnv parses a Configuration from the process environment, applying
// envDefault tags for anything unset.
func FromEnv() (Configuration, error) {
	return env.ParseAs[Configuration]()
}

// MergeFile overlays the `yaml`-tagged fields of a YAML file at path
// onto c, mirroring the teacher's own yaml.v3 usage
// (tools/blueprint/blueprint.go's Unmarshal/Marshal pair) applied here
// to the runtime Configuration rather than a service blueprint
// manifest. Only fields the file actually sets (non-zero in the
// decoded overlay) are applied, so a site config file can name a
// handful of operator defaults — WORKER_LIGHTNING_SERVICE_URL,
// WORKER_CAPACITY, and the like — without having to restate every
// field env/pflag already cover. Called before CLI flag binding, so
// §6's "CLI wins" precedence still holds: env defaults < file < flags.
func (c *Configuration) MergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}

	var file Configuration
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	mergeNonZero(c, file)
	return nil
}

// mergeNonZero copies every non-zero-valued field of file onto c,
// field by field rather than via reflection, matching the teacher's
// preference for explicit structs over generic helpers.
func mergeNonZero(c *Configuration, file Configuration) {
	if file.Port != "" {
		c.Port = file.Port
	}
	if file.LightningServiceURL != "" {
		c.LightningServiceURL = file.LightningServiceURL
	}
	if file.RepoDir != "" {
		c.RepoDir = file.RepoDir
	}
	if file.Secret != "" {
		c.Secret = file.Secret
	}
	if file.LightningPublicKey != "" {
		c.LightningPublicKey = file.LightningPublicKey
	}
	if file.LogLevel != "" {
		c.LogLevel = file.LogLevel
	}
	if file.Backoff != "" {
		c.Backoff = file.Backoff
	}
	if file.Capacity != 0 {
		c.Capacity = file.Capacity
	}
	if file.MaxRunMemoryMb != 0 {
		c.MaxRunMemoryMb = file.MaxRunMemoryMb
	}
	if file.MaxRunDurationSecs != 0 {
		c.MaxRunDurationSecs = file.MaxRunDurationSecs
	}
	if file.StatePropsToRemove != "" {
		c.StatePropsToRemove = file.StatePropsToRemove
	}
}

// BackoffBounds splits the WORKER_BACKOFF field ("min/max", seconds)
// into its two bounds, per §6's wire table.
func (c Configuration) BackoffBounds() (minSeconds, maxSeconds int, err error) {
	parts := strings.SplitN(c.Backoff, "/", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("parse backoff %q: expected min/max", c.Backoff)
	}

	minSeconds, err = strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, fmt.Errorf("parse backoff min %q: %w", parts[0], err)
	}

	maxSeconds, err = strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, 0, fmt.Errorf("parse backoff max %q: %w", parts[1], err)
	}

	return minSeconds, maxSeconds, nil
}

// StateProps splits WORKER_STATE_PROPS_TO_REMOVE into its property list.
func (c Configuration) StateProps() []string {
	if c.StatePropsToRemove == "" {
		return nil
	}

	parts := strings.Split(c.StatePropsToRemove, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
