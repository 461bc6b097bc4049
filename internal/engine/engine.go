// Package engine implements the synchronize operation: change detection on
// a parent item, candidate generation, and reconciliation of the candidate
// set against existing child items.
package engine

import (
	"context"

	"github.com/rs/zerolog"

	serrors "github.com/storyforge/epicsync/internal/errors"
	"github.com/storyforge/epicsync/internal/extractor"
	"github.com/storyforge/epicsync/internal/match"
	"github.com/storyforge/epicsync/internal/models"
)

// Tracker is the slice of the tracker client the engine needs.
type Tracker interface {
	GetParent(ctx context.Context, parentID string) (*models.ParentItem, error)
	GetSnapshot(ctx context.Context, parentID string) (*models.ContentSnapshot, error)
	GetExistingStories(ctx context.Context, parentID string) ([]models.ExistingStory, error)
	CreateChildStory(ctx context.Context, parentID string, story models.CandidateStory) (int, error)
	UpdateChildStory(ctx context.Context, storyID int, story models.CandidateStory) error
}

// Engine is stateless: all persistence (snapshots, processed set) belongs
// to the caller. Safe for concurrent use across distinct parent ids.
type Engine struct {
	tracker    Tracker
	generator  extractor.Generator
	thresholds match.Thresholds
	logger     zerolog.Logger
}

// New constructs an engine with the given similarity thresholds.
func New(tracker Tracker, generator extractor.Generator, thresholds match.Thresholds, logger zerolog.Logger) *Engine {
	return &Engine{
		tracker:    tracker,
		generator:  generator,
		thresholds: thresholds,
		logger:     logger.With().Str("component", "engine").Logger(),
	}
}

// Synchronize runs one full sync pass for a parent. stored is the baseline
// snapshot from the last completed sync, or nil on first sync (which always
// counts as changed). Partial mutations applied before a failure are not
// rolled back.
func (e *Engine) Synchronize(ctx context.Context, parentID string, stored *models.ContentSnapshot) models.SyncResult {
	log := e.logger.With().Str("parent_id", parentID).Logger()

	parent, err := e.tracker.GetParent(ctx, parentID)
	if err != nil {
		if serrors.IsNotFound(err) {
			log.Warn().Msg("parent not found")
		} else {
			log.Error().Err(err).Msg("fetching parent failed")
		}
		return models.FailedSync(parentID, "", err)
	}

	current, err := e.tracker.GetSnapshot(ctx, parentID)
	if err != nil {
		log.Error().Err(err).Msg("fetching snapshot failed")
		return models.FailedSync(parentID, parent.Title, err)
	}

	existing, err := e.tracker.GetExistingStories(ctx, parentID)
	if err != nil {
		log.Error().Err(err).Msg("fetching existing stories failed")
		return models.FailedSync(parentID, parent.Title, err)
	}

	if stored != nil && stored.ContentHash == current.ContentHash {
		log.Debug().Msg("content unchanged, skipping generation")
		unchanged := make([]int, 0, len(existing))
		for _, s := range existing {
			unchanged = append(unchanged, s.ID)
		}
		return models.SyncResult{
			ParentID:     parentID,
			ParentTitle:  parent.Title,
			Succeeded:    true,
			UnchangedIDs: unchanged,
		}
	}

	candidates, err := e.generator.GenerateStories(ctx, *parent)
	if err != nil {
		log.Error().Err(err).Msg("story generation failed")
		return models.FailedSync(parentID, parent.Title, err)
	}
	if issues := extractor.ValidateStories(candidates); len(issues) > 0 {
		log.Warn().Strs("issues", issues).Msg("generated stories have validation issues")
	}

	result := models.SyncResult{
		ParentID:    parentID,
		ParentTitle: parent.Title,
		Succeeded:   true,
	}

	partition := match.Partition(existing, candidates, e.thresholds)

	for _, candidate := range partition.ToCreate {
		id, err := e.tracker.CreateChildStory(ctx, parentID, candidate)
		if err != nil {
			log.Error().Err(err).Str("heading", candidate.Heading).Msg("creating story failed")
			continue
		}
		result.CreatedIDs = append(result.CreatedIDs, id)
	}

	for _, pair := range partition.ToUpdate {
		if err := e.tracker.UpdateChildStory(ctx, pair.ID, pair.Candidate); err != nil {
			log.Error().Err(err).Int("story_id", pair.ID).Msg("updating story failed")
			continue
		}
		result.UpdatedIDs = append(result.UpdatedIDs, pair.ID)
	}

	for _, s := range partition.Unchanged {
		result.UnchangedIDs = append(result.UnchangedIDs, s.ID)
	}

	log.Info().
		Int("created", len(result.CreatedIDs)).
		Int("updated", len(result.UpdatedIDs)).
		Int("unchanged", len(result.UnchangedIDs)).
		Msg("sync completed")
	return result
}

// GetSnapshot fetches the current snapshot for a parent, returning nil on
// any failure. Callers use it for change probes where an error is treated
// the same as unknown.
func (e *Engine) GetSnapshot(ctx context.Context, parentID string) *models.ContentSnapshot {
	snap, err := e.tracker.GetSnapshot(ctx, parentID)
	if err != nil {
		e.logger.Warn().Err(err).Str("parent_id", parentID).Msg("snapshot fetch failed")
		return nil
	}
	return snap
}

// Preview runs generation and matching without mutating the tracker, using
// the loose preview thresholds.
func (e *Engine) Preview(ctx context.Context, parentID string) (*models.ParentItem, match.Result, error) {
	parent, err := e.tracker.GetParent(ctx, parentID)
	if err != nil {
		return nil, match.Result{}, err
	}
	existing, err := e.tracker.GetExistingStories(ctx, parentID)
	if err != nil {
		return nil, match.Result{}, err
	}
	candidates, err := e.generator.GenerateStories(ctx, *parent)
	if err != nil {
		return nil, match.Result{}, err
	}
	return parent, match.Partition(existing, candidates, match.PreviewThresholds()), nil
}

// Extract generates candidate stories for a parent without touching
// existing children. Used by the summary CLI path.
func (e *Engine) Extract(ctx context.Context, parentID string) models.ExtractionResult {
	parent, err := e.tracker.GetParent(ctx, parentID)
	if err != nil {
		return models.ExtractionResult{ParentID: parentID, Succeeded: false, ErrorMessage: err.Error()}
	}
	stories, err := e.generator.GenerateStories(ctx, *parent)
	if err != nil {
		return models.ExtractionResult{ParentID: parentID, ParentTitle: parent.Title, Succeeded: false, ErrorMessage: err.Error()}
	}
	return models.ExtractionResult{
		ParentID:    parentID,
		ParentTitle: parent.Title,
		Stories:     stories,
		Succeeded:   true,
	}
}
