// Package config provides configuration loading for agosync.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/geobcdata/agosync/aggregate"
	"github.com/geobcdata/agosync/source"
)

// Job modes.
const (
	// ModeFull replaces the whole remote layer (delete, recreate,
	// overwrite-publish).
	ModeFull = "full"

	// ModePatch updates designated fields on an already-published
	// layer, correlated by business key.
	ModePatch = "patch"
)

// Config is the complete agosync configuration.
type Config struct {
	Portal   PortalConfig          `yaml:"portal"`
	Database source.PostgresConfig `yaml:"database"`
	NATS     NATSConfig            `yaml:"nats"`
	Watch    source.WatchConfig    `yaml:"watch"`

	// LogDir is where per-run change logs are written. Empty disables
	// change-log files.
	LogDir string `yaml:"log_dir"`

	Jobs []JobConfig `yaml:"jobs"`
}

// PortalConfig configures the remote feature-service platform.
type PortalConfig struct {
	// Host is the portal base URL.
	Host string `yaml:"host"`

	// Username is the content-owning principal.
	Username string `yaml:"username"`

	// Token is a pre-acquired API token. Normally supplied via the
	// AGO_TOKEN environment variable, not the config file.
	Token string `yaml:"token"`

	// Timeout bounds each portal request.
	Timeout time.Duration `yaml:"timeout"`
}

// NATSConfig configures optional run-event publishing. Events are only
// published when URL is set.
type NATSConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

// ClassifyConfig configures a job's classification step.
type ClassifyConfig struct {
	// Inputs are the sub-indicator fields.
	Inputs []string `yaml:"inputs"`

	// Output is the field the combined rating is written to.
	Output string `yaml:"output"`

	// Strict fails the job on out-of-domain indicator values.
	Strict bool `yaml:"strict"`
}

// AggregateConfig configures a job's per-key aggregation step.
type AggregateConfig struct {
	// Triggers name the status outputs and their conditions.
	Triggers []aggregate.Trigger `yaml:"triggers"`

	// WriteBack writes the broadcast statuses back into the local
	// dataset (two-pass update against the source).
	WriteBack bool `yaml:"write_back"`
}

// JobConfig declares one dataset-to-layer synchronization.
type JobConfig struct {
	// Name identifies the job on the command line and in logs.
	Name string `yaml:"name"`

	// Dataset is the local dataset (table) name.
	Dataset string `yaml:"dataset"`

	// KeyField is the business key used for correlation.
	KeyField string `yaml:"key_field"`

	// Mode is ModeFull or ModePatch.
	Mode string `yaml:"mode"`

	// Title names the remote artifact/layer.
	Title string `yaml:"title"`

	// Folder is the remote folder for full publishes.
	Folder string `yaml:"folder"`

	// Description is attached to the created artifact.
	Description string `yaml:"description"`

	// FileName overrides the upload file name (defaults to Title).
	FileName string `yaml:"file_name"`

	// Tags are attached to the created artifact.
	Tags string `yaml:"tags"`

	// Fields are the published attributes. For ModePatch these are the
	// fields written onto matched remote features.
	Fields []string `yaml:"fields"`

	// LayerURL is the existing layer endpoint patched in ModePatch.
	LayerURL string `yaml:"layer_url"`

	// BatchSize bounds each update submission. Zero uses the default.
	BatchSize int `yaml:"batch_size"`

	// Unmatched is the patch policy for local keys with no remote
	// counterpart: ignore (default), warn, or error.
	Unmatched string `yaml:"unmatched"`

	Classify  *ClassifyConfig  `yaml:"classify"`
	Aggregate *AggregateConfig `yaml:"aggregate"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Portal: PortalConfig{
			Timeout: 60 * time.Second,
		},
		NATS: NATSConfig{
			Subject: "agosync.runs",
		},
		Database: source.PostgresConfig{
			GeometryColumn: "geom",
		},
		Watch: source.WatchConfig{
			Debounce: source.DefaultDebounce,
		},
	}
}

// LoadFromFile parses a YAML config file over the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Load reads the config file and applies environment overrides:
// AGO_HOST, AGO_USERNAME, AGO_TOKEN, DATABASE_URL, NATS_URL.
func Load(path string) (*Config, error) {
	cfg, err := LoadFromFile(path)
	if err != nil {
		return nil, err
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("AGO_HOST"); v != "" {
		c.Portal.Host = v
	}
	if v := os.Getenv("AGO_USERNAME"); v != "" {
		c.Portal.Username = v
	}
	if v := os.Getenv("AGO_TOKEN"); v != "" {
		c.Portal.Token = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		c.NATS.URL = v
	}
}

// Validate checks the configuration for structural problems.
func (c *Config) Validate() error {
	if len(c.Jobs) == 0 {
		return fmt.Errorf("config: no jobs defined")
	}
	seen := make(map[string]bool, len(c.Jobs))
	for i := range c.Jobs {
		job := &c.Jobs[i]
		if job.Name == "" {
			return fmt.Errorf("config: job %d has no name", i)
		}
		if seen[job.Name] {
			return fmt.Errorf("config: duplicate job name %q", job.Name)
		}
		seen[job.Name] = true
		if err := job.validate(); err != nil {
			return fmt.Errorf("config: job %q: %w", job.Name, err)
		}
	}
	return nil
}

func (j *JobConfig) validate() error {
	if j.Dataset == "" {
		return fmt.Errorf("dataset is required")
	}
	switch j.Mode {
	case ModeFull:
		if j.Title == "" {
			return fmt.Errorf("title is required for full publish")
		}
	case ModePatch:
		if j.KeyField == "" {
			return fmt.Errorf("key_field is required for patch")
		}
		if len(j.Fields) == 0 {
			return fmt.Errorf("fields are required for patch")
		}
		if j.LayerURL == "" {
			return fmt.Errorf("layer_url is required for patch")
		}
	case "":
		return fmt.Errorf("mode is required (%s or %s)", ModeFull, ModePatch)
	default:
		return fmt.Errorf("unknown mode %q", j.Mode)
	}
	switch j.Unmatched {
	case "", "ignore", "warn", "error":
	default:
		return fmt.Errorf("unknown unmatched policy %q", j.Unmatched)
	}
	if j.Classify != nil {
		if len(j.Classify.Inputs) == 0 || j.Classify.Output == "" {
			return fmt.Errorf("classify needs inputs and an output field")
		}
	}
	if j.Aggregate != nil {
		if j.KeyField == "" {
			return fmt.Errorf("aggregate needs a key_field")
		}
		if len(j.Aggregate.Triggers) == 0 {
			return fmt.Errorf("aggregate needs at least one trigger")
		}
		for _, trig := range j.Aggregate.Triggers {
			if trig.Name == "" {
				return fmt.Errorf("aggregate trigger needs a name")
			}
			if trig.Equals == "" && trig.Threshold == nil {
				return fmt.Errorf("aggregate trigger %q needs equals or threshold", trig.Name)
			}
		}
	}
	return nil
}

// Job returns the named job.
func (c *Config) Job(name string) (*JobConfig, error) {
	for i := range c.Jobs {
		if c.Jobs[i].Name == name {
			return &c.Jobs[i], nil
		}
	}
	return nil, fmt.Errorf("no job named %q", name)
}
