package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const processedFile = "processed_epics.json"

// processedBlob is the durable wire format of the processed-parents set.
type processedBlob struct {
	ProcessedEpics []string  `json:"processed_epics"`
	LastUpdated    time.Time `json:"last_updated"`
}

// ProcessedSet tracks which parents have ever been auto-extracted, so that
// discovery does not re-extract a parent after a restart.
type ProcessedSet struct {
	store *Store
	seen  map[string]bool
}

// LoadProcessedSet reads the processed-parents blob from the store's
// directory. A missing or corrupt blob yields an empty set.
func LoadProcessedSet(store *Store) *ProcessedSet {
	set := &ProcessedSet{store: store, seen: make(map[string]bool)}

	raw, err := os.ReadFile(filepath.Join(store.dir, processedFile))
	if err != nil {
		if !os.IsNotExist(err) {
			store.logger.Error().Err(err).Msg("failed to read processed set")
		}
		return set
	}

	var blob processedBlob
	if err := json.Unmarshal(raw, &blob); err != nil {
		store.logger.Error().Err(err).Msg("corrupt processed set, starting empty")
		return set
	}
	for _, id := range blob.ProcessedEpics {
		set.seen[id] = true
	}
	return set
}

// Contains reports whether a parent has been processed before.
func (p *ProcessedSet) Contains(parentID string) bool {
	return p.seen[parentID]
}

// Add marks a parent as processed and persists the set.
func (p *ProcessedSet) Add(parentID string) error {
	if p.seen[parentID] {
		return nil
	}
	p.seen[parentID] = true
	return p.save()
}

// Len returns the number of processed parents.
func (p *ProcessedSet) Len() int { return len(p.seen) }

func (p *ProcessedSet) save() error {
	blob := processedBlob{
		ProcessedEpics: make([]string, 0, len(p.seen)),
		LastUpdated:    time.Now().UTC(),
	}
	for id := range p.seen {
		blob.ProcessedEpics = append(blob.ProcessedEpics, id)
	}

	raw, err := json.MarshalIndent(blob, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling processed set: %w", err)
	}
	if err := os.WriteFile(filepath.Join(p.store.dir, processedFile), raw, 0o644); err != nil {
		return fmt.Errorf("writing processed set: %w", err)
	}
	return nil
}
