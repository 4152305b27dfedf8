// Package config loads the bookpub service configuration from a YAML file
// with environment variable expansion and optional .env loading.
package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "2h".
type Duration time.Duration

// UnmarshalYAML parses Go duration syntax.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(dur)
	return nil
}

// Std converts back to time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config represents the application configuration.
type Config struct {
	// BuildRoot is the private root holding per-book lockfiles, logs and
	// working copies.
	BuildRoot string `yaml:"build_root"`
	// PublishRoot is the public root the rendered books are copied under.
	PublishRoot string `yaml:"publish_root"`
	// PublicBaseURL is the externally visible prefix published books are
	// served from, e.g. "https://pub.mathbook.info".
	PublicBaseURL string `yaml:"public_base_url"`

	Server    ServerConfig    `yaml:"server"`
	Container ContainerConfig `yaml:"container"`
	Source    SourceConfig    `yaml:"source"`
	Queue     QueueConfig     `yaml:"queue"`
	Lock      LockConfig      `yaml:"lock"`
	History   HistoryConfig   `yaml:"history"`
	NATS      NATSConfig      `yaml:"nats"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Listen string `yaml:"listen"`
}

// ContainerConfig configures the isolated build process.
type ContainerConfig struct {
	// Runtime is the container runtime binary, usually "docker".
	Runtime string `yaml:"runtime"`
	// Image is the build image run against each working copy.
	Image string `yaml:"image"`
	// MountPoint is where the working copy is mounted inside the container.
	MountPoint string `yaml:"mount_point"`
	// Footer is the attribution string passed to the build.
	Footer string `yaml:"footer,omitempty"`
}

// SourceConfig configures trigger-side repository validation.
type SourceConfig struct {
	// MaxRepoSizeKB rejects repositories larger than this before enqueuing.
	MaxRepoSizeKB int `yaml:"max_repo_size_kb"`
	// GithubAPIURL overrides the GitHub API endpoint (tests).
	GithubAPIURL string `yaml:"github_api_url,omitempty"`
}

// QueueConfig configures the build worker pool.
type QueueConfig struct {
	Workers int `yaml:"workers"`
}

// LockConfig configures stale lock recovery.
type LockConfig struct {
	// StaleAfter bounds how long a crashed worker's lock blocks new builds.
	// Unset defaults to 2h; a negative value disables recovery.
	StaleAfter Duration `yaml:"stale_after"`
}

// HistoryConfig configures the SQLite build-event store.
type HistoryConfig struct {
	// Path is the database file; empty keeps history in memory only.
	Path string `yaml:"path,omitempty"`
}

// NATSConfig configures optional build lifecycle event publishing.
type NATSConfig struct {
	URL     string `yaml:"url,omitempty"`
	Subject string `yaml:"subject,omitempty"`
}

// SchedulerConfig configures periodic republish of known books.
type SchedulerConfig struct {
	// RebuildInterval re-enqueues every previously published book on this
	// interval. Zero disables scheduled rebuilds.
	RebuildInterval Duration `yaml:"rebuild_interval"`
}

// Load loads configuration from the specified file.
func Load(configPath string) (*Config, error) {
	// Load .env if present so ${VAR} expansion below can see it.
	_ = godotenv.Load()

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = ":8080"
	}
	if c.Container.Runtime == "" {
		c.Container.Runtime = "docker"
	}
	if c.Container.Image == "" {
		c.Container.Image = "ischurov/qqmbr:latest"
	}
	if c.Container.MountPoint == "" {
		c.Container.MountPoint = "/home/user/thebook"
	}
	if c.Source.MaxRepoSizeKB == 0 {
		c.Source.MaxRepoSizeKB = 100 * 1024
	}
	if c.Queue.Workers == 0 {
		c.Queue.Workers = 2
	}
	if c.Lock.StaleAfter == 0 {
		c.Lock.StaleAfter = Duration(2 * time.Hour)
	}
	if c.NATS.URL != "" && c.NATS.Subject == "" {
		c.NATS.Subject = "bookpub.builds"
	}
}

// Validate checks the configuration for required fields.
func (c *Config) Validate() error {
	if c.BuildRoot == "" {
		return fmt.Errorf("config: build_root is required")
	}
	if c.PublishRoot == "" {
		return fmt.Errorf("config: publish_root is required")
	}
	if c.PublicBaseURL == "" {
		return fmt.Errorf("config: public_base_url is required")
	}
	if _, err := url.Parse(c.PublicBaseURL); err != nil {
		return fmt.Errorf("config: invalid public_base_url: %w", err)
	}
	if c.Queue.Workers < 1 {
		return fmt.Errorf("config: queue.workers must be positive")
	}
	return nil
}
