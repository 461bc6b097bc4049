package config

import "sync"

// Store holds the live monitor configuration behind a lock so the
// management API can read and patch it while the monitor runs. Patches are
// persisted back to the config file when a path is set.
type Store struct {
	mu   sync.RWMutex
	path string
	cfg  MonitorConfig
}

// NewStore wraps a loaded configuration. path may be empty for in-memory
// use (one-shot CLI runs).
func NewStore(cfg MonitorConfig, path string) *Store {
	return &Store{cfg: cfg, path: path}
}

// Get returns a copy of the current configuration.
func (s *Store) Get() MonitorConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Patch applies a partial JSON document, persists the result, and returns
// the updated configuration. Interval and pool-size changes take effect on
// the monitor's next start.
func (s *Store) Patch(patch []byte) (MonitorConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	updated, err := s.cfg.ApplyPatch(patch)
	if err != nil {
		return s.cfg, err
	}
	if s.path != "" {
		if err := SaveMonitorConfig(s.path, updated); err != nil {
			return s.cfg, err
		}
	}
	s.cfg = updated
	return updated, nil
}
