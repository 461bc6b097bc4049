// Package match implements the similarity-based reconciliation of generated
// candidate stories against the stories already present in the tracker.
// It is pure: no I/O, deterministic for a given input order.
package match

import (
	"github.com/storyforge/epicsync/internal/models"
)

// Thresholds are the two decision cutoffs for the matcher. TitleMatch is the
// minimum title similarity for a candidate to be paired with an existing
// story; below ContentChange the paired story's content is considered
// modified and scheduled for update.
type Thresholds struct {
	TitleMatch    float64 `json:"title_match_threshold"`
	ContentChange float64 `json:"content_change_threshold"`
}

// DefaultThresholds is the production profile.
func DefaultThresholds() Thresholds {
	return Thresholds{TitleMatch: 0.8, ContentChange: 0.9}
}

// PreviewThresholds is the looser profile used by the preview path, where
// recall matters more than precision.
func PreviewThresholds() Thresholds {
	return Thresholds{TitleMatch: 0.6, ContentChange: 0.5}
}

// UpdatePair couples an existing story id with the candidate that should
// replace its content.
type UpdatePair struct {
	ID        int
	Existing  models.ExistingStory
	Candidate models.CandidateStory
}

// Result accounts for every input exactly once: each existing story ends up
// in ToUpdate (consumed) or Unchanged, each candidate in ToCreate, ToUpdate,
// or matched-unchanged (represented by its existing story in Unchanged).
type Result struct {
	ToCreate  []models.CandidateStory
	ToUpdate  []UpdatePair
	Unchanged []models.ExistingStory
}

// Partition reconciles candidates against existing stories.
//
// Each candidate is scored by title similarity against every not-yet-consumed
// existing story; the first-seen maximum wins ties, with iteration in
// insertion order for reproducibility. A match above th.TitleMatch is either
// updated (content similarity below th.ContentChange) or kept unchanged, and
// in both cases consumed so it cannot match a later candidate. Candidates
// without a good match are created. Existing stories never matched are
// reported unchanged.
//
// Known limitation: existing titles are assumed unique per parent; on
// duplicates the later story overwrites the earlier in the working mapping.
func Partition(existing []models.ExistingStory, candidates []models.CandidateStory, th Thresholds) Result {
	byTitle := make(map[string]models.ExistingStory, len(existing))
	order := make([]string, 0, len(existing))
	for _, story := range existing {
		if _, seen := byTitle[story.Title]; !seen {
			order = append(order, story.Title)
		}
		byTitle[story.Title] = story
	}

	var res Result
	for _, cand := range candidates {
		bestTitle := ""
		bestSimilarity := 0.0
		found := false
		for _, title := range order {
			if _, alive := byTitle[title]; !alive {
				continue
			}
			if sim := Ratio(cand.Heading, title); sim > bestSimilarity {
				bestSimilarity = sim
				bestTitle = title
				found = true
			}
		}

		if !found || bestSimilarity <= th.TitleMatch {
			res.ToCreate = append(res.ToCreate, cand)
			continue
		}

		best := byTitle[bestTitle]
		delete(byTitle, bestTitle)

		if Ratio(best.ContentText(), cand.ContentText()) < th.ContentChange {
			res.ToUpdate = append(res.ToUpdate, UpdatePair{ID: best.ID, Existing: best, Candidate: cand})
		} else {
			res.Unchanged = append(res.Unchanged, best)
		}
	}

	for _, title := range order {
		if story, alive := byTitle[title]; alive {
			res.Unchanged = append(res.Unchanged, story)
		}
	}

	return res
}
