// Package config loads and validates the yaml configuration file. The file
// covers what the command line flags don't express well: the list of scanned
// output locations and per-component tuning.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/invopop/jsonschema"
	"gopkg.in/yaml.v3"
)

// validation limits
const (
	minRetentionDays = 1
	maxRetentionDays = 365
	minConcurrency   = 1
	maxConcurrency   = 64
	maxInterval      = time.Hour
)

// YamlConfig is the top-level configuration file structure
type YamlConfig struct {
	Locations     []string      `yaml:"locations" jsonschema:"required,description=output directories scanned for artifacts"`
	StoreDir      string        `yaml:"store_dir" jsonschema:"required,description=directory for job registry bucket files"`
	RetentionDays int           `yaml:"retention_days,omitempty" jsonschema:"description=days of job history to keep,default=7"`
	Scanner       ScannerConfig `yaml:"scanner,omitempty"`
	Channel       ChannelConfig `yaml:"channel,omitempty"`
	Backend       BackendConfig `yaml:"backend,omitempty"`
	Notify        NotifyConfig  `yaml:"notify,omitempty"`
}

// ScannerConfig tunes the completion scanner
type ScannerConfig struct {
	ActiveInterval     time.Duration `yaml:"active_interval,omitempty" jsonschema:"description=scan interval while jobs are pending,default=2s"`
	IdleInterval       time.Duration `yaml:"idle_interval,omitempty" jsonschema:"description=scan interval while the queue is empty,default=15s"`
	StabilityDelay     time.Duration `yaml:"stability_delay,omitempty" jsonschema:"description=delay between file size checks,default=1s"`
	TimeoutPerArtifact time.Duration `yaml:"timeout_per_artifact,omitempty" jsonschema:"description=per-artifact share of the job timeout,default=5m"`
	Concurrency        int           `yaml:"concurrency,omitempty" jsonschema:"description=parallel location scans,default=4"`
}

// ChannelConfig tunes the streaming websocket client
type ChannelConfig struct {
	URL             string        `yaml:"url,omitempty" jsonschema:"description=websocket endpoint"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout,omitempty" jsonschema:"default=10s"`
	ReconnectDelay  time.Duration `yaml:"reconnect_delay,omitempty" jsonschema:"default=5s"`
	PreviewThrottle time.Duration `yaml:"preview_throttle,omitempty" jsonschema:"default=2s"`
}

// BackendConfig tunes the queue-management REST client
type BackendConfig struct {
	URL     string        `yaml:"url,omitempty" jsonschema:"description=backend base url"`
	Timeout time.Duration `yaml:"timeout,omitempty" jsonschema:"default=10s"`
}

// NotifyConfig lists notification destinations
type NotifyConfig struct {
	Destinations []string `yaml:"destinations,omitempty" jsonschema:"description=destination urls (mailto/slack/telegram/webhook)"`
	OnCompletion bool     `yaml:"on_completion,omitempty"`
	OnError      bool     `yaml:"on_error,omitempty"`
}

// Load reads and parses the yaml config file
func Load(fname string) (*YamlConfig, error) {
	data, err := os.ReadFile(fname) // nolint gosec // config path comes from the operator
	if err != nil {
		return nil, fmt.Errorf("can't read config %s: %w", fname, err)
	}

	res := &YamlConfig{}
	if err := yaml.Unmarshal(data, res); err != nil {
		return nil, fmt.Errorf("can't parse config %s: %w", fname, err)
	}
	return res, nil
}

// Verify checks the config for structural problems. Zero durations mean
// "use the default" and pass; negative values and out-of-bounds knobs fail.
func (c *YamlConfig) Verify() error {
	if len(c.Locations) == 0 {
		return fmt.Errorf("at least one output location is required")
	}
	for i, loc := range c.Locations {
		if loc == "" {
			return fmt.Errorf("location %d: path can't be empty", i+1)
		}
	}
	if c.StoreDir == "" {
		return fmt.Errorf("store_dir is required")
	}
	if c.RetentionDays != 0 && (c.RetentionDays < minRetentionDays || c.RetentionDays > maxRetentionDays) {
		return fmt.Errorf("retention_days must be between %d and %d", minRetentionDays, maxRetentionDays)
	}

	if err := verifyDurations(map[string]time.Duration{
		"scanner.active_interval":      c.Scanner.ActiveInterval,
		"scanner.idle_interval":        c.Scanner.IdleInterval,
		"scanner.stability_delay":      c.Scanner.StabilityDelay,
		"scanner.timeout_per_artifact": c.Scanner.TimeoutPerArtifact,
		"channel.connect_timeout":      c.Channel.ConnectTimeout,
		"channel.reconnect_delay":      c.Channel.ReconnectDelay,
		"channel.preview_throttle":     c.Channel.PreviewThrottle,
		"backend.timeout":              c.Backend.Timeout,
	}); err != nil {
		return err
	}

	if c.Scanner.Concurrency != 0 && (c.Scanner.Concurrency < minConcurrency || c.Scanner.Concurrency > maxConcurrency) {
		return fmt.Errorf("scanner.concurrency must be between %d and %d", minConcurrency, maxConcurrency)
	}

	// timeout has to comfortably exceed the scan tick or every batch times out
	if c.Scanner.TimeoutPerArtifact != 0 && c.Scanner.ActiveInterval != 0 &&
		c.Scanner.TimeoutPerArtifact < c.Scanner.ActiveInterval {
		return fmt.Errorf("scanner.timeout_per_artifact must not be below scanner.active_interval")
	}

	for i, dest := range c.Notify.Destinations {
		if dest == "" {
			return fmt.Errorf("notify destination %d: url can't be empty", i+1)
		}
	}
	return nil
}

func verifyDurations(vals map[string]time.Duration) error {
	for name, v := range vals {
		if v < 0 {
			return fmt.Errorf("%s can't be negative", name)
		}
		if v > maxInterval {
			return fmt.Errorf("%s must not exceed %v", name, maxInterval)
		}
	}
	return nil
}

// GenerateSchema generates a JSON schema for the YamlConfig struct
func GenerateSchema() (*jsonschema.Schema, error) {
	r := jsonschema.Reflector{FieldNameTag: "yaml"}
	return r.Reflect(&YamlConfig{}), nil
}
