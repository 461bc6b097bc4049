package models

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContentHash_Deterministic(t *testing.T) {
	h1 := ContentHash("Checkout flow", "Implement the checkout flow")
	h2 := ContentHash("Checkout flow", "Implement the checkout flow")
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestContentHash_ChangesWithEitherField(t *testing.T) {
	base := ContentHash("Title", "Description")
	assert.NotEqual(t, base, ContentHash("Title!", "Description"))
	assert.NotEqual(t, base, ContentHash("Title", "Description changed"))
	assert.NotEqual(t, base, ContentHash("", ""))
}

func TestCandidateStory_TrackerFields(t *testing.T) {
	story := CandidateStory{
		Heading:     "User Login",
		Description: "As a user, I want to log in so that I can access my account",
		AcceptanceCriteria: []string{
			"Login form validates email format",
			"Failed login shows an error",
		},
	}

	fields := story.TrackerFields()
	assert.Equal(t, "User Login", fields["System.Title"])
	assert.Contains(t, fields["System.Description"], "As a user, I want to log in")
	assert.Contains(t, fields["System.Description"], "Acceptance Criteria")
	assert.Contains(t, fields["System.Description"], "• Login form validates email format")
	assert.Contains(t, fields["System.Description"], "• Failed login shows an error")
}

func TestContentText(t *testing.T) {
	cand := CandidateStory{Heading: "A", Description: "B", AcceptanceCriteria: []string{"C", "D"}}
	assert.Equal(t, "A B C D", cand.ContentText())

	existing := ExistingStory{Title: "A", Description: "B"}
	assert.Equal(t, "A B", existing.ContentText())
}

func TestFailedSync(t *testing.T) {
	res := FailedSync("EPIC 7", "", errors.New("tracker unavailable"))
	assert.False(t, res.Succeeded)
	assert.Equal(t, "EPIC 7", res.ParentID)
	assert.Equal(t, "tracker unavailable", res.ErrorMessage)
	assert.Empty(t, res.CreatedIDs)
}

func TestContentSnapshot_WireFormat(t *testing.T) {
	snap := ContentSnapshot{
		ContentHash: ContentHash("t", "d"),
		Title:       "t",
		State:       "Active",
	}

	raw, err := json.Marshal(snap)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Contains(t, decoded, "content_hash")
	assert.Contains(t, decoded, "last_modified")
	assert.Contains(t, decoded, "title")
	assert.Contains(t, decoded, "state")
	assert.NotContains(t, decoded, "ParentID")
}
