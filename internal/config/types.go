package config

import (
	"fmt"
	"strings"
	"time"
)

type Config struct {
	// Timezone is an IANA zone name (e.g. "Asia/Seoul"). Empty means the
	// process-local zone. All recurrence math and history date keys use it.
	Timezone string `json:"timezone,omitempty"`

	Logging LoggingConfig `json:"logging"`
	Storage StorageConfig `json:"storage"`
	HTTP    HTTPConfig    `json:"http"`
	Waker   WakerConfig   `json:"waker"`

	// Notifier may be omitted; firings are then only logged.
	Notifier *NotifierConfig `json:"notifier,omitempty"`

	Maintenance MaintenanceConfig `json:"maintenance"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig locates the sqlite registry.
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

// HTTPConfig controls the API listener. All timeouts are Go duration strings.
type HTTPConfig struct {
	Addr         string `json:"addr,omitempty"` // default "127.0.0.1:8080"
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// WakerConfig controls wake-up scheduling precision.
//
// Exact is a pointer so "omitted" (default true) is distinguishable from an
// explicit false, which forces the coarse lane.
type WakerConfig struct {
	Exact             *bool  `json:"exact,omitempty"`
	CoarseGranularity string `json:"coarse_granularity,omitempty"` // default "1m"
}

// NotifierConfig controls the firing-notification pipeline.
type NotifierConfig struct {
	Enabled    bool   `json:"enabled"`
	QueueSize  int    `json:"queue_size,omitempty"`   // default 64
	RatePerSec int    `json:"rate_per_sec,omitempty"` // default 3
	RetryMax   int    `json:"retry_max,omitempty"`    // default 3
	RetryBase  string `json:"retry_base,omitempty"`   // default "500ms"

	Telegram *TelegramConfig `json:"telegram,omitempty"`
}

// TelegramConfig is a send-only channel: firings are pushed to one chat.
type TelegramConfig struct {
	Token  string `json:"token"` // do not log
	ChatID int64  `json:"chat_id"`
}

// MaintenanceConfig controls the daily sweeps. Specs are cron expressions
// evaluated in the configured timezone.
type MaintenanceConfig struct {
	SweepSpec            string `json:"sweep_spec,omitempty"` // default "5 0 * * *"
	PruneSpec            string `json:"prune_spec,omitempty"` // default "30 3 * * *"
	HistoryRetentionDays int    `json:"history_retention_days,omitempty"`
}

// Location resolves the configured timezone.
func (c *Config) Location() (*time.Location, error) {
	tz := strings.TrimSpace(c.Timezone)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("timezone: unknown zone %q: %w", tz, err)
	}
	return loc, nil
}

// Validate checks everything that must hold before the config is committed
// or published to subscribers.
func (c *Config) Validate() error {
	if _, err := c.Location(); err != nil {
		return err
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		return fmt.Errorf("storage.path: required")
	}
	if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
		return err
	}
	for _, f := range []struct{ path, raw string }{
		{"http.read_timeout", c.HTTP.ReadTimeout},
		{"http.write_timeout", c.HTTP.WriteTimeout},
		{"http.idle_timeout", c.HTTP.IdleTimeout},
		{"waker.coarse_granularity", c.Waker.CoarseGranularity},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	if n := c.Notifier; n != nil && n.Enabled {
		if _, err := ParseDurationField("notifier.retry_base", n.RetryBase); err != nil {
			return err
		}
		if n.Telegram != nil {
			if strings.TrimSpace(n.Telegram.Token) == "" {
				return fmt.Errorf("notifier.telegram.token: required when telegram is configured")
			}
			if n.Telegram.ChatID == 0 {
				return fmt.Errorf("notifier.telegram.chat_id: required when telegram is configured")
			}
		}
	}
	if c.Maintenance.HistoryRetentionDays < 0 {
		return fmt.Errorf("maintenance.history_retention_days: must be >= 0")
	}
	return nil
}

// WakerExact resolves the exact-lane setting with its default.
func (c *Config) WakerExact() bool {
	if c.Waker.Exact == nil {
		return true
	}
	return *c.Waker.Exact
}

// HTTPAddr resolves the listen address with its default.
func (c *Config) HTTPAddr() string {
	if a := strings.TrimSpace(c.HTTP.Addr); a != "" {
		return a
	}
	return "127.0.0.1:8080"
}

// SweepSpec resolves the re-arm sweep schedule with its default: shortly
// after local midnight so the new day's occurrences are armed.
func (c *Config) SweepSpec() string {
	if s := strings.TrimSpace(c.Maintenance.SweepSpec); s != "" {
		return s
	}
	return "5 0 * * *"
}

// PruneSpec resolves the history-prune schedule with its default.
func (c *Config) PruneSpec() string {
	if s := strings.TrimSpace(c.Maintenance.PruneSpec); s != "" {
		return s
	}
	return "30 3 * * *"
}
