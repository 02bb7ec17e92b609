package config

import (
	"bytes"
	"encoding/json"
)

// Config is the on-disk configuration.
//
// The top-level shape (webhook_url, sources, postprocessors, schedule) is kept
// compatible with existing config.json files; the remaining sections are optional.
type Config struct {
	WebhookURL string `json:"webhook_url" yaml:"webhook_url"`
	// WebhookSecret enables signed webhook payloads (timestamp + sign). Never logged.
	WebhookSecret string `json:"webhook_secret,omitempty" yaml:"webhook_secret,omitempty"`

	Sources        []SourceConfig    `json:"sources" yaml:"sources"`
	Postprocessors []ProcessorConfig `json:"postprocessors" yaml:"postprocessors"`
	Schedule       ScheduleConfig    `json:"schedule" yaml:"schedule"`

	Digest   DigestConfig   `json:"digest,omitempty" yaml:"digest,omitempty"`
	Delivery DeliveryConfig `json:"delivery,omitempty" yaml:"delivery,omitempty"`
	Logging  LoggingConfig  `json:"logging,omitempty" yaml:"logging,omitempty"`
	Storage  *StorageConfig `json:"storage,omitempty" yaml:"storage,omitempty"`
	Metrics  MetricsConfig  `json:"metrics,omitempty" yaml:"metrics,omitempty"`
}

// PluginConfig names a registered source or processor and its parameters.
//
// Enabled defaults to true when omitted.
type PluginConfig struct {
	Name    string         `json:"name" yaml:"name"`
	Enabled bool           `json:"enabled" yaml:"enabled"`
	Params  map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
}

type (
	SourceConfig    = PluginConfig
	ProcessorConfig = PluginConfig
)

// UnmarshalJSON disallows unknown fields and defaults enabled to true.
func (p *PluginConfig) UnmarshalJSON(b []byte) error {
	type tmp struct {
		Name    string         `json:"name"`
		Enabled *bool          `json:"enabled,omitempty"`
		Params  map[string]any `json:"params,omitempty"`
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var t tmp
	if err := dec.Decode(&t); err != nil {
		return err
	}
	enabled := true
	if t.Enabled != nil {
		enabled = *t.Enabled
	}
	*p = PluginConfig{Name: t.Name, Enabled: enabled, Params: t.Params}
	return nil
}

// ScheduleConfig controls the aligned run cadence.
//
// Cron, when set, replaces interval alignment with a standard 5-field cron
// expression evaluated in Timezone. IntervalMinutes must still be > 0.
type ScheduleConfig struct {
	IntervalMinutes int    `json:"interval_minutes" yaml:"interval_minutes"`
	Timezone        string `json:"timezone" yaml:"timezone"`
	Cron            string `json:"cron,omitempty" yaml:"cron,omitempty"`

	// TickTimeout bounds a single fetch→process→deliver run. "0s"/empty disables.
	TickTimeout string `json:"tick_timeout,omitempty" yaml:"tick_timeout,omitempty"`
	// FetchConcurrency caps concurrent source fetches within one tick (default 4).
	FetchConcurrency int `json:"fetch_concurrency,omitempty" yaml:"fetch_concurrency,omitempty"`
}

type DigestConfig struct {
	Title      string `json:"title,omitempty" yaml:"title,omitempty"`
	TimeFormat string `json:"time_format,omitempty" yaml:"time_format,omitempty"`
}

// DeliveryConfig tunes the webhook client.
//
// Defaults (when fields are omitted/zero):
//   - timeout: "10s"
//   - max_attempts: 3
//   - retry_base: "1s"
//   - retry_max_delay: "30s"
//   - rate_per_sec: 5
type DeliveryConfig struct {
	Timeout       string `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	MaxAttempts   int    `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
	RetryBase     string `json:"retry_base,omitempty" yaml:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty" yaml:"retry_max_delay,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty" yaml:"rate_per_sec,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level,omitempty" yaml:"level,omitempty"`
	Console bool        `json:"console" yaml:"console"`
	JSON    bool        `json:"json,omitempty" yaml:"json,omitempty"`
	File    LoggingFile `json:"file,omitempty" yaml:"file,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path,omitempty" yaml:"path,omitempty"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/oxdaily.db" }
type StorageConfig struct {
	Driver      string `json:"driver" yaml:"driver"`
	Path        string `json:"path" yaml:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty" yaml:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// MetricsConfig controls the optional Prometheus/health HTTP listener.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:9464").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type MetricsConfig struct {
	Enabled       bool   `json:"enabled" yaml:"enabled"`
	Addr          string `json:"addr,omitempty" yaml:"addr,omitempty"`
	Token         string `json:"token,omitempty" yaml:"token,omitempty"` // do not log
	AllowInsecure bool   `json:"allow_insecure,omitempty" yaml:"allow_insecure,omitempty"`
	// Pprof exposes /debug/pprof/ on the same listener.
	Pprof bool `json:"pprof,omitempty" yaml:"pprof,omitempty"`
}

// Clone returns a deep copy (params included) via a JSON round trip.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	b, err := json.Marshal(c)
	if err != nil {
		cp := *c
		return &cp
	}
	var out Config
	if err := json.Unmarshal(b, &out); err != nil {
		cp := *c
		return &cp
	}
	return &out
}

func enabledOnly(in []PluginConfig) []PluginConfig {
	out := make([]PluginConfig, 0, len(in))
	for _, p := range in {
		if p.Enabled {
			out = append(out, p)
		}
	}
	return out
}
