package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	serrors "github.com/storyforge/epicsync/internal/errors"
	"github.com/storyforge/epicsync/internal/match"
	"github.com/storyforge/epicsync/internal/models"
)

type fakeTracker struct {
	parent   *models.ParentItem
	snapshot *models.ContentSnapshot
	existing []models.ExistingStory

	parentErr   error
	snapshotErr error
	existingErr error

	createErrFor map[string]error
	updateErrFor map[int]error

	nextID  int
	created []models.CandidateStory
	updated map[int]models.CandidateStory
}

func (f *fakeTracker) GetParent(ctx context.Context, parentID string) (*models.ParentItem, error) {
	if f.parentErr != nil {
		return nil, f.parentErr
	}
	return f.parent, nil
}

func (f *fakeTracker) GetSnapshot(ctx context.Context, parentID string) (*models.ContentSnapshot, error) {
	if f.snapshotErr != nil {
		return nil, f.snapshotErr
	}
	return f.snapshot, nil
}

func (f *fakeTracker) GetExistingStories(ctx context.Context, parentID string) ([]models.ExistingStory, error) {
	if f.existingErr != nil {
		return nil, f.existingErr
	}
	return f.existing, nil
}

func (f *fakeTracker) CreateChildStory(ctx context.Context, parentID string, story models.CandidateStory) (int, error) {
	if err := f.createErrFor[story.Heading]; err != nil {
		return 0, err
	}
	f.nextID++
	f.created = append(f.created, story)
	return 1000 + f.nextID, nil
}

func (f *fakeTracker) UpdateChildStory(ctx context.Context, storyID int, story models.CandidateStory) error {
	if err := f.updateErrFor[storyID]; err != nil {
		return err
	}
	if f.updated == nil {
		f.updated = map[int]models.CandidateStory{}
	}
	f.updated[storyID] = story
	return nil
}

type fakeGenerator struct {
	stories []models.CandidateStory
	err     error
	calls   int
}

func (f *fakeGenerator) GenerateStories(ctx context.Context, parent models.ParentItem) ([]models.CandidateStory, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.stories, nil
}

func newFakeTracker() *fakeTracker {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	return &fakeTracker{
		parent: &models.ParentItem{ID: 7, Title: "Checkout Epic", Description: "Customers pay for their carts.", State: "Active"},
		snapshot: &models.ContentSnapshot{
			ParentID:     7,
			ContentHash:  models.ContentHash("Checkout Epic", "Customers pay for their carts."),
			LastModified: &now,
			Title:        "Checkout Epic",
			State:        "Active",
		},
	}
}

func newEngine(tr *fakeTracker, gen *fakeGenerator) *Engine {
	return New(tr, gen, match.DefaultThresholds(), zerolog.Nop())
}

func TestSynchronizeFirstSyncCreates(t *testing.T) {
	tr := newFakeTracker()
	gen := &fakeGenerator{stories: []models.CandidateStory{
		{Heading: "As a customer, I want to pay by card", Description: "Card payments at checkout.", AcceptanceCriteria: []string{"Visa and Mastercard accepted"}},
		{Heading: "As a customer, I want an order receipt", Description: "Receipts are emailed after payment.", AcceptanceCriteria: []string{"Email sent within a minute"}},
	}}

	result := newEngine(tr, gen).Synchronize(context.Background(), "EPIC-7", nil)

	require.True(t, result.Succeeded, result.ErrorMessage)
	assert.Equal(t, "Checkout Epic", result.ParentTitle)
	assert.Len(t, result.CreatedIDs, 2)
	assert.Empty(t, result.UpdatedIDs)
	assert.Equal(t, 1, gen.calls)
}

func TestSynchronizeNoChangeShortCircuit(t *testing.T) {
	tr := newFakeTracker()
	tr.existing = []models.ExistingStory{
		{ID: 101, Title: "As a customer, I want to pay by card"},
		{ID: 102, Title: "As a customer, I want an order receipt"},
	}
	gen := &fakeGenerator{}

	stored := *tr.snapshot
	result := newEngine(tr, gen).Synchronize(context.Background(), "EPIC-7", &stored)

	require.True(t, result.Succeeded)
	assert.Empty(t, result.CreatedIDs)
	assert.Empty(t, result.UpdatedIDs)
	assert.ElementsMatch(t, []int{101, 102}, result.UnchangedIDs)
	assert.Zero(t, gen.calls, "generator must not be called when content is unchanged")
}

func TestSynchronizeChangedHashTriggersGeneration(t *testing.T) {
	tr := newFakeTracker()
	gen := &fakeGenerator{stories: []models.CandidateStory{
		{Heading: "As a customer, I want saved cards", Description: "Returning customers reuse a saved card.", AcceptanceCriteria: []string{"Cards are tokenized"}},
	}}

	stored := models.ContentSnapshot{ContentHash: models.ContentHash("Checkout Epic", "an older description")}
	result := newEngine(tr, gen).Synchronize(context.Background(), "EPIC-7", &stored)

	require.True(t, result.Succeeded)
	assert.Len(t, result.CreatedIDs, 1)
	assert.Equal(t, 1, gen.calls)
}

func TestSynchronizeParentNotFound(t *testing.T) {
	tr := newFakeTracker()
	tr.parentErr = fmt.Errorf("fetching parent: %w", serrors.ErrNotFound)

	result := newEngine(tr, &fakeGenerator{}).Synchronize(context.Background(), "EPIC-404", nil)

	assert.False(t, result.Succeeded)
	assert.Contains(t, result.ErrorMessage, "not found")
}

func TestSynchronizeGenerationFailureAborts(t *testing.T) {
	tr := newFakeTracker()
	gen := &fakeGenerator{err: serrors.GenerationError(fmt.Errorf("model overloaded"))}

	result := newEngine(tr, gen).Synchronize(context.Background(), "EPIC-7", nil)

	assert.False(t, result.Succeeded)
	assert.Contains(t, result.ErrorMessage, "story generation failed")
	assert.Empty(t, tr.created)
}

func TestSynchronizePartialCreateFailure(t *testing.T) {
	tr := newFakeTracker()
	tr.createErrFor = map[string]error{
		"Second story that fails": serrors.NewAPIError("tracker", 500, "server error"),
	}
	gen := &fakeGenerator{stories: []models.CandidateStory{
		{Heading: "First story that succeeds", Description: "Creates fine.", AcceptanceCriteria: []string{"ok"}},
		{Heading: "Second story that fails", Description: "Create rejected by tracker.", AcceptanceCriteria: []string{"ok"}},
		{Heading: "Third story that succeeds", Description: "Also creates fine.", AcceptanceCriteria: []string{"ok"}},
	}}

	result := newEngine(tr, gen).Synchronize(context.Background(), "EPIC-7", nil)

	require.True(t, result.Succeeded)
	assert.Len(t, result.CreatedIDs, 2)
	assert.Len(t, tr.created, 2)
}

func TestSynchronizeUpdatesMatchedStories(t *testing.T) {
	tr := newFakeTracker()
	tr.existing = []models.ExistingStory{
		{ID: 201, Title: "As a customer, I want to pay by card", Description: "Old description of card payments."},
	}
	gen := &fakeGenerator{stories: []models.CandidateStory{
		{Heading: "As a customer, I want to pay by card", Description: "Completely rewritten behavior with new processors and refunds.", AcceptanceCriteria: []string{"Refunds within 5 days"}},
	}}

	result := newEngine(tr, gen).Synchronize(context.Background(), "EPIC-7", nil)

	require.True(t, result.Succeeded)
	assert.Empty(t, result.CreatedIDs)
	assert.Equal(t, []int{201}, result.UpdatedIDs)
	assert.Contains(t, tr.updated[201].Description, "rewritten")
}

func TestGetSnapshotReturnsNilOnFailure(t *testing.T) {
	tr := newFakeTracker()
	tr.snapshotErr = serrors.FetchError(fmt.Errorf("connection refused"))

	snap := newEngine(tr, &fakeGenerator{}).GetSnapshot(context.Background(), "EPIC-7")
	assert.Nil(t, snap)

	tr.snapshotErr = nil
	snap = newEngine(tr, &fakeGenerator{}).GetSnapshot(context.Background(), "EPIC-7")
	require.NotNil(t, snap)
	assert.Equal(t, "Checkout Epic", snap.Title)
}

func TestExtract(t *testing.T) {
	tr := newFakeTracker()
	gen := &fakeGenerator{stories: []models.CandidateStory{
		{Heading: "As a customer, I want to pay by card", Description: "Card payments.", AcceptanceCriteria: []string{"ok"}},
	}}

	out := newEngine(tr, gen).Extract(context.Background(), "EPIC-7")
	require.True(t, out.Succeeded)
	assert.Len(t, out.Stories, 1)

	gen.err = fmt.Errorf("boom")
	out = newEngine(tr, gen).Extract(context.Background(), "EPIC-7")
	assert.False(t, out.Succeeded)
	assert.Equal(t, "boom", out.ErrorMessage)
}
