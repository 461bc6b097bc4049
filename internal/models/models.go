// Package models defines the domain types shared by the tracker client,
// the matcher, the sync engine and the monitor.
package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// ParentItem is an immutable view of a tracked top-level work item (an
// epic), fetched once per sync cycle.
type ParentItem struct {
	ID          int    `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	State       string `json:"state"`
	URL         string `json:"url,omitempty"`
}

// CandidateStory is a generated child item that has no tracker id yet.
type CandidateStory struct {
	Heading            string   `json:"heading"`
	Description        string   `json:"description"`
	AcceptanceCriteria []string `json:"acceptance_criteria"`
}

// TrackerFields renders the candidate into tracker work item fields. The
// tracker's description field expects HTML, so acceptance criteria are
// appended as a bulleted list.
func (c CandidateStory) TrackerFields() map[string]string {
	criteria := make([]string, 0, len(c.AcceptanceCriteria))
	for _, ac := range c.AcceptanceCriteria {
		criteria = append(criteria, "• "+ac)
	}
	description := fmt.Sprintf("%s<br><br><strong>Acceptance Criteria:</strong><br>%s",
		c.Description, strings.Join(criteria, "<br>"))

	return map[string]string{
		"System.Title":       c.Heading,
		"System.Description": description,
	}
}

// ContentText is the flattened text used for content similarity comparison.
func (c CandidateStory) ContentText() string {
	return c.Heading + " " + c.Description + " " + strings.Join(c.AcceptanceCriteria, " ")
}

// ExistingStory is a child item already persisted in the tracker.
type ExistingStory struct {
	ID          int    `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	State       string `json:"state"`
	ParentID    int    `json:"parent_id"`
}

// ContentText is the flattened text used for content similarity comparison.
func (e ExistingStory) ContentText() string {
	return e.Title + " " + e.Description
}

// ContentSnapshot is the persisted fingerprint of a parent item, used as
// the change-detection baseline.
type ContentSnapshot struct {
	ParentID     int        `json:"-"`
	ContentHash  string     `json:"content_hash"`
	LastModified *time.Time `json:"last_modified"`
	Title        string     `json:"title"`
	State        string     `json:"state"`
}

// ContentHash returns the hex SHA-256 digest of title+description. Identical
// inputs always hash identically; any difference in either field changes the
// digest.
func ContentHash(title, description string) string {
	sum := sha256.Sum256([]byte(title + description))
	return hex.EncodeToString(sum[:])
}

// SyncResult reports the outcome of one synchronize call for a parent.
// Exactly one of Succeeded=true or ErrorMessage set holds.
type SyncResult struct {
	ParentID     string `json:"parent_id"`
	ParentTitle  string `json:"parent_title"`
	Succeeded    bool   `json:"succeeded"`
	CreatedIDs   []int  `json:"created_ids"`
	UpdatedIDs   []int  `json:"updated_ids"`
	UnchangedIDs []int  `json:"unchanged_ids"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// FailedSync builds a failed result carrying the error detail verbatim.
func FailedSync(parentID, title string, err error) SyncResult {
	return SyncResult{
		ParentID:     parentID,
		ParentTitle:  title,
		Succeeded:    false,
		ErrorMessage: err.Error(),
	}
}

// CheckResult is the per-parent outcome of a forced or scheduled check.
type CheckResult struct {
	HasChanges bool        `json:"has_changes"`
	CheckTime  time.Time   `json:"check_time"`
	SyncResult *SyncResult `json:"sync_result,omitempty"`
	Error      string      `json:"error,omitempty"`
}

// ExtractionResult is the outcome of generating candidate stories for a
// parent, used by the one-shot CLI paths.
type ExtractionResult struct {
	ParentID     string           `json:"parent_id"`
	ParentTitle  string           `json:"parent_title"`
	Stories      []CandidateStory `json:"stories"`
	Succeeded    bool             `json:"succeeded"`
	ErrorMessage string           `json:"error_message,omitempty"`
}
