package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	neturl "net/url"
	"strconv"
	"strings"
	"time"

	"github.com/storyforge/epicsync/internal/models"
)

const hierarchyForward = "System.LinkTypes.Hierarchy-Forward"
const hierarchyReverse = "System.LinkTypes.Hierarchy-Reverse"

// changedDateFormat is the timestamp layout the tracker uses for
// System.ChangedDate.
const changedDateFormat = "2006-01-02T15:04:05.999999999Z"

// WorkItem is the tracker's wire representation of a work item.
type WorkItem struct {
	ID        int            `json:"id"`
	Rev       int            `json:"rev"`
	Fields    map[string]any `json:"fields"`
	Relations []Relation     `json:"relations,omitempty"`
	URL       string         `json:"url"`
}

// Relation is a typed link between two work items.
type Relation struct {
	Rel string `json:"rel"`
	URL string `json:"url"`
}

// field reads a string field, tolerating absence.
func (w *WorkItem) field(name string) string {
	if v, ok := w.Fields[name].(string); ok {
		return v
	}
	return ""
}

// patchOp is one JSON-patch operation for work item mutations.
type patchOp struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value"`
}

// wiqlResult is the response of a WIQL query: ids only, fields fetched
// separately.
type wiqlResult struct {
	WorkItems []struct {
		ID int `json:"id"`
	} `json:"workItems"`
}

// batchResult is the response of a batch work item fetch.
type batchResult struct {
	Count int        `json:"count"`
	Value []WorkItem `json:"value"`
}

// GetWorkItem fetches one work item, optionally expanding relations.
func (c *Client) GetWorkItem(ctx context.Context, id int, expandRelations bool) (*WorkItem, error) {
	url := fmt.Sprintf("%s/wit/workitems/%d?api-version=%s", c.projectURL(), id, apiVersion)
	if expandRelations {
		url += "&$expand=relations"
	}

	resp, err := c.do(ctx, "GET", url, "", nil)
	if err != nil {
		return nil, fmt.Errorf("getting work item %d: %w", id, err)
	}

	var item WorkItem
	if err := decodeResponse(resp, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

// GetParent fetches the parent item behind a free-text reference.
func (c *Client) GetParent(ctx context.Context, parentID string) (*models.ParentItem, error) {
	ref, err := ParseRef(parentID)
	if err != nil {
		return nil, err
	}

	item, err := c.GetWorkItem(ctx, ref.ID, false)
	if err != nil {
		return nil, err
	}

	return &models.ParentItem{
		ID:          item.ID,
		Title:       item.field("System.Title"),
		Description: item.field("System.Description"),
		State:       item.field("System.State"),
		URL:         item.URL,
	}, nil
}

// GetSnapshot fetches the parent's current content fingerprint.
func (c *Client) GetSnapshot(ctx context.Context, parentID string) (*models.ContentSnapshot, error) {
	ref, err := ParseRef(parentID)
	if err != nil {
		return nil, err
	}

	item, err := c.GetWorkItem(ctx, ref.ID, false)
	if err != nil {
		return nil, err
	}

	title := item.field("System.Title")
	description := item.field("System.Description")

	snap := &models.ContentSnapshot{
		ParentID:    item.ID,
		Title:       title,
		State:       item.field("System.State"),
		ContentHash: models.ContentHash(title, description),
	}
	if raw := item.field("System.ChangedDate"); raw != "" {
		if ts, err := time.Parse(changedDateFormat, raw); err == nil {
			snap.LastModified = &ts
		}
	}
	return snap, nil
}

// ListParents queries all parent items in the project, optionally filtered
// by state.
func (c *Client) ListParents(ctx context.Context, stateFilter string) ([]models.ParentItem, error) {
	query := fmt.Sprintf(
		"SELECT [System.Id] FROM WorkItems WHERE [System.TeamProject] = '%s' AND [System.WorkItemType] = '%s'",
		c.cfg.Project, c.cfg.ParentItemType)
	if stateFilter != "" {
		query += fmt.Sprintf(" AND [System.State] = '%s'", stateFilter)
	}
	query += " ORDER BY [System.Id]"

	body, err := json.Marshal(map[string]string{"query": query})
	if err != nil {
		return nil, fmt.Errorf("marshaling wiql query: %w", err)
	}

	url := fmt.Sprintf("%s/wit/wiql?api-version=%s", c.projectURL(), apiVersion)
	resp, err := c.do(ctx, "POST", url, "", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("querying parents: %w", err)
	}

	var result wiqlResult
	if err := decodeResponse(resp, &result); err != nil {
		return nil, err
	}

	ids := make([]int, 0, len(result.WorkItems))
	for _, wi := range result.WorkItems {
		ids = append(ids, wi.ID)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	items, err := c.getWorkItemsBatch(ctx, ids)
	if err != nil {
		return nil, err
	}

	parents := make([]models.ParentItem, 0, len(items))
	for _, item := range items {
		parents = append(parents, models.ParentItem{
			ID:          item.ID,
			Title:       item.field("System.Title"),
			Description: item.field("System.Description"),
			State:       item.field("System.State"),
			URL:         item.URL,
		})
	}
	return parents, nil
}

// getWorkItemsBatch fetches several work items in one call.
func (c *Client) getWorkItemsBatch(ctx context.Context, ids []int) ([]WorkItem, error) {
	strs := make([]string, 0, len(ids))
	for _, id := range ids {
		strs = append(strs, strconv.Itoa(id))
	}

	url := fmt.Sprintf("%s/wit/workitems?ids=%s&api-version=%s",
		c.projectURL(), strings.Join(strs, ","), apiVersion)
	resp, err := c.do(ctx, "GET", url, "", nil)
	if err != nil {
		return nil, fmt.Errorf("getting work items batch: %w", err)
	}

	var result batchResult
	if err := decodeResponse(resp, &result); err != nil {
		return nil, err
	}
	return result.Value, nil
}

// workItemTypesResult is the response of a work item type listing.
type workItemTypesResult struct {
	Count int `json:"count"`
	Value []struct {
		Name string `json:"name"`
	} `json:"value"`
}

// ListWorkItemTypes returns the names of the work item types the project
// accepts.
func (c *Client) ListWorkItemTypes(ctx context.Context) ([]string, error) {
	url := fmt.Sprintf("%s/wit/workitemtypes?api-version=%s", c.projectURL(), apiVersion)
	resp, err := c.do(ctx, "GET", url, "", nil)
	if err != nil {
		return nil, fmt.Errorf("listing work item types: %w", err)
	}

	var result workItemTypesResult
	if err := decodeResponse(resp, &result); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(result.Value))
	for _, wt := range result.Value {
		names = append(names, wt.Name)
	}
	return names, nil
}

// GetChildIDs returns the ids of all child items linked under a parent.
func (c *Client) GetChildIDs(ctx context.Context, parentID string) ([]int, error) {
	ref, err := ParseRef(parentID)
	if err != nil {
		return nil, err
	}

	item, err := c.GetWorkItem(ctx, ref.ID, true)
	if err != nil {
		return nil, err
	}

	var childIDs []int
	for _, rel := range item.Relations {
		if rel.Rel != hierarchyForward {
			continue
		}
		parts := strings.Split(rel.URL, "/")
		id, err := strconv.Atoi(parts[len(parts)-1])
		if err != nil {
			c.logger.Warn().Str("url", rel.URL).Msg("unparseable child link, skipping")
			continue
		}
		childIDs = append(childIDs, id)
	}
	return childIDs, nil
}

// GetExistingStories returns the parent's child items with their content.
func (c *Client) GetExistingStories(ctx context.Context, parentID string) ([]models.ExistingStory, error) {
	ref, err := ParseRef(parentID)
	if err != nil {
		return nil, err
	}

	childIDs, err := c.GetChildIDs(ctx, parentID)
	if err != nil {
		return nil, err
	}
	if len(childIDs) == 0 {
		return nil, nil
	}

	items, err := c.getWorkItemsBatch(ctx, childIDs)
	if err != nil {
		return nil, err
	}

	stories := make([]models.ExistingStory, 0, len(items))
	for _, item := range items {
		stories = append(stories, models.ExistingStory{
			ID:          item.ID,
			Title:       item.field("System.Title"),
			Description: item.field("System.Description"),
			State:       item.field("System.State"),
			ParentID:    ref.ID,
		})
	}
	return stories, nil
}

// CreateChildStory creates a new child item under the parent and links it in
// the same patch document.
func (c *Client) CreateChildStory(ctx context.Context, parentID string, story models.CandidateStory) (int, error) {
	ref, err := ParseRef(parentID)
	if err != nil {
		return 0, err
	}

	doc := make([]patchOp, 0, 3)
	for field, value := range story.TrackerFields() {
		doc = append(doc, patchOp{Op: "add", Path: "/fields/" + field, Value: value})
	}
	doc = append(doc, patchOp{
		Op:   "add",
		Path: "/relations/-",
		Value: Relation{
			Rel: hierarchyReverse,
			URL: fmt.Sprintf("%s/wit/workItems/%d", c.projectURL(), ref.ID),
		},
	})

	body, err := json.Marshal(doc)
	if err != nil {
		return 0, fmt.Errorf("marshaling create document: %w", err)
	}

	url := fmt.Sprintf("%s/wit/workitems/$%s?api-version=%s",
		c.projectURL(), neturl.PathEscape(c.cfg.ChildItemType), apiVersion)
	resp, err := c.do(ctx, "POST", url, "application/json-patch+json", bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("creating child story: %w", err)
	}

	var item WorkItem
	if err := decodeResponse(resp, &item); err != nil {
		return 0, err
	}

	c.logger.Info().Int("id", item.ID).Str("title", story.Heading).Msg("child story created")
	return item.ID, nil
}

// UpdateChildStory replaces the title and description of an existing child
// item with the candidate's content.
func (c *Client) UpdateChildStory(ctx context.Context, storyID int, story models.CandidateStory) error {
	doc := make([]patchOp, 0, 2)
	for field, value := range story.TrackerFields() {
		doc = append(doc, patchOp{Op: "replace", Path: "/fields/" + field, Value: value})
	}

	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshaling update document: %w", err)
	}

	url := fmt.Sprintf("%s/wit/workitems/%d?api-version=%s", c.projectURL(), storyID, apiVersion)
	resp, err := c.do(ctx, "PATCH", url, "application/json-patch+json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("updating child story %d: %w", storyID, err)
	}
	resp.Body.Close()

	c.logger.Info().Int("id", storyID).Str("title", story.Heading).Msg("child story updated")
	return nil
}
