// Package snapshot persists content fingerprints and the processed-parents
// set as JSON blobs, one file per parent id.
package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/storyforge/epicsync/internal/models"
)

// Store reads and writes per-parent snapshot blobs under a directory.
// Callers must serialize writes for the same parent id; the monitor's
// control goroutine is the single writer in practice.
type Store struct {
	dir    string
	logger zerolog.Logger
}

// NewStore creates the snapshot directory if needed.
func NewStore(dir string, logger zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating snapshot directory %s: %w", dir, err)
	}
	return &Store{
		dir:    dir,
		logger: logger.With().Str("component", "snapshot_store").Logger(),
	}, nil
}

// Dir returns the backing directory.
func (s *Store) Dir() string { return s.dir }

func (s *Store) path(parentID string) string {
	return filepath.Join(s.dir, "epic_"+sanitize(parentID)+".json")
}

// sanitize maps a free-text parent id onto a safe file name component.
func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			return r
		default:
			return '_'
		}
	}, id)
}

// Get returns the stored snapshot for a parent, or nil if none exists.
// Missing and corrupt blobs are both treated as "no snapshot": the next
// sync then behaves as a first sync, which is always safe.
func (s *Store) Get(parentID string) *models.ContentSnapshot {
	raw, err := os.ReadFile(s.path(parentID))
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Error().Err(err).Str("parent_id", parentID).Msg("failed to read snapshot")
		}
		return nil
	}

	var snap models.ContentSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		s.logger.Error().Err(err).Str("parent_id", parentID).Msg("corrupt snapshot blob, treating as missing")
		return nil
	}
	return &snap
}

// Put persists a snapshot for a parent.
func (s *Store) Put(parentID string, snap models.ContentSnapshot) error {
	raw, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling snapshot for %s: %w", parentID, err)
	}
	if err := os.WriteFile(s.path(parentID), raw, 0o644); err != nil {
		return fmt.Errorf("writing snapshot for %s: %w", parentID, err)
	}
	return nil
}

// Delete removes a parent's snapshot blob, ignoring absence.
func (s *Store) Delete(parentID string) {
	if err := os.Remove(s.path(parentID)); err != nil && !os.IsNotExist(err) {
		s.logger.Error().Err(err).Str("parent_id", parentID).Msg("failed to delete snapshot")
	}
}
