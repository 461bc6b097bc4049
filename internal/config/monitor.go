package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// MonitorConfig is the JSON configuration file driving the change monitor.
type MonitorConfig struct {
	PollIntervalSeconds    int      `json:"poll_interval_seconds"`
	MaxConcurrentSyncs     int      `json:"max_concurrent_syncs"`
	SnapshotDirectory      string   `json:"snapshot_directory"`
	LogLevel               string   `json:"log_level"`
	EpicIDs                []string `json:"epic_ids"`
	AutoSync               bool     `json:"auto_sync"`
	AutoExtractNewEpics    bool     `json:"auto_extract_new_epics"`
	RetryAttempts          int      `json:"retry_attempts"`
	RetryDelaySeconds      int      `json:"retry_delay_seconds"`
	MaxConsecutiveErrors   int      `json:"max_consecutive_errors"`
	TitleMatchThreshold    float64  `json:"title_match_threshold"`
	ContentChangeThreshold float64  `json:"content_change_threshold"`
	NotificationWebhook    string   `json:"notification_webhook,omitempty"`
}

// DefaultMonitorConfig returns the documented defaults.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		PollIntervalSeconds:    300,
		MaxConcurrentSyncs:     3,
		SnapshotDirectory:      "snapshots",
		LogLevel:               "info",
		EpicIDs:                []string{},
		AutoSync:               true,
		AutoExtractNewEpics:    true,
		RetryAttempts:          3,
		RetryDelaySeconds:      60,
		MaxConsecutiveErrors:   3,
		TitleMatchThreshold:    0.8,
		ContentChangeThreshold: 0.9,
	}
}

// LoadMonitorConfig reads a monitor configuration file. Fields absent from
// the file keep their defaults.
func LoadMonitorConfig(path string) (MonitorConfig, error) {
	cfg := DefaultMonitorConfig()

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading monitor config %s: %w", path, err)
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing monitor config %s: %w", path, err)
	}
	return cfg.normalized(), nil
}

// SaveMonitorConfig writes the configuration file with indentation so it
// stays hand-editable.
func SaveMonitorConfig(path string, cfg MonitorConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling monitor config: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("writing monitor config %s: %w", path, err)
	}
	return nil
}

// normalized replaces zero or negative values with defaults so a sparse
// config file cannot produce a busy-looping or unbounded monitor.
func (c MonitorConfig) normalized() MonitorConfig {
	def := DefaultMonitorConfig()
	if c.PollIntervalSeconds <= 0 {
		c.PollIntervalSeconds = def.PollIntervalSeconds
	}
	if c.MaxConcurrentSyncs <= 0 {
		c.MaxConcurrentSyncs = def.MaxConcurrentSyncs
	}
	if c.SnapshotDirectory == "" {
		c.SnapshotDirectory = def.SnapshotDirectory
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = def.RetryAttempts
	}
	if c.RetryDelaySeconds <= 0 {
		c.RetryDelaySeconds = def.RetryDelaySeconds
	}
	if c.MaxConsecutiveErrors <= 0 {
		c.MaxConsecutiveErrors = def.MaxConsecutiveErrors
	}
	if c.TitleMatchThreshold <= 0 || c.TitleMatchThreshold > 1 {
		c.TitleMatchThreshold = def.TitleMatchThreshold
	}
	if c.ContentChangeThreshold <= 0 || c.ContentChangeThreshold > 1 {
		c.ContentChangeThreshold = def.ContentChangeThreshold
	}
	return c
}

// ApplyPatch merges a partial JSON document into the config, returning the
// updated copy. Unknown fields are rejected so a typo in a PATCH request is
// an error rather than a silent no-op.
func (c MonitorConfig) ApplyPatch(patch []byte) (MonitorConfig, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(patch, &probe); err != nil {
		return c, fmt.Errorf("parsing config patch: %w", err)
	}
	for k := range probe {
		if !knownConfigFields[k] {
			return c, fmt.Errorf("unknown config field %q", k)
		}
	}

	updated := c
	if err := json.Unmarshal(patch, &updated); err != nil {
		return c, fmt.Errorf("applying config patch: %w", err)
	}
	return updated.normalized(), nil
}

var knownConfigFields = map[string]bool{
	"poll_interval_seconds":    true,
	"max_concurrent_syncs":     true,
	"snapshot_directory":       true,
	"log_level":                true,
	"epic_ids":                 true,
	"auto_sync":                true,
	"auto_extract_new_epics":   true,
	"retry_attempts":           true,
	"retry_delay_seconds":      true,
	"max_consecutive_errors":   true,
	"title_match_threshold":    true,
	"content_change_threshold": true,
	"notification_webhook":     true,
}
