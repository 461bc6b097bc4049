package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	serrors "github.com/storyforge/epicsync/internal/errors"
	"github.com/storyforge/epicsync/internal/models"
)

func setupTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	client := NewClient(Config{
		BaseURL:      server.URL,
		Organization: "acme",
		Project:      "platform",
	}, &PATAuth{Token: "test-pat"}, zerolog.Nop())
	client.SetHTTPClient(server.Client())
	return client, server
}

func writeWorkItem(w http.ResponseWriter, id int, fields map[string]any, relations []Relation) {
	json.NewEncoder(w).Encode(WorkItem{
		ID:        id,
		Rev:       1,
		Fields:    fields,
		Relations: relations,
		URL:       fmt.Sprintf("https://tracker/wit/workItems/%d", id),
	})
}

func TestParseRef(t *testing.T) {
	cases := []struct {
		raw  string
		id   int
		fail bool
	}{
		{raw: "12345", id: 12345},
		{raw: "EPIC 7", id: 7},
		{raw: "REQ-456", id: 456},
		{raw: "epic-12-extra-34", id: 12},
		{raw: "no digits here", fail: true},
		{raw: "", fail: true},
	}
	for _, tc := range cases {
		ref, err := ParseRef(tc.raw)
		if tc.fail {
			assert.Error(t, err, tc.raw)
			continue
		}
		require.NoError(t, err, tc.raw)
		assert.Equal(t, tc.id, ref.ID, tc.raw)
		assert.Equal(t, tc.raw, ref.Raw)
	}
}

func TestPATAuth_Apply(t *testing.T) {
	req, _ := http.NewRequest("GET", "http://example", nil)
	auth := &PATAuth{Token: "secret"}
	require.NoError(t, auth.Apply(req))
	assert.Contains(t, req.Header.Get("Authorization"), "Basic ")
}

func TestClient_GetParent(t *testing.T) {
	client, server := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/acme/platform/_apis/wit/workitems/42")
		assert.NotEmpty(t, r.Header.Get("Authorization"))
		writeWorkItem(w, 42, map[string]any{
			"System.Title":       "Checkout revamp",
			"System.Description": "Rebuild the checkout flow",
			"System.State":       "Active",
		}, nil)
	})
	defer server.Close()

	parent, err := client.GetParent(context.Background(), "EPIC 42")
	require.NoError(t, err)
	assert.Equal(t, 42, parent.ID)
	assert.Equal(t, "Checkout revamp", parent.Title)
	assert.Equal(t, "Active", parent.State)
}

func TestClient_GetParent_NotFound(t *testing.T) {
	client, server := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"message":"work item does not exist"}`))
	})
	defer server.Close()

	_, err := client.GetParent(context.Background(), "999")
	assert.True(t, serrors.IsNotFound(err))
}

func TestClient_GetSnapshot(t *testing.T) {
	client, server := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeWorkItem(w, 42, map[string]any{
			"System.Title":       "Checkout revamp",
			"System.Description": "Rebuild the checkout flow",
			"System.State":       "Active",
			"System.ChangedDate": "2024-03-10T09:30:00.123Z",
		}, nil)
	})
	defer server.Close()

	snap, err := client.GetSnapshot(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, models.ContentHash("Checkout revamp", "Rebuild the checkout flow"), snap.ContentHash)
	assert.Equal(t, "Checkout revamp", snap.Title)
	require.NotNil(t, snap.LastModified)
	assert.Equal(t, 2024, snap.LastModified.Year())
}

func TestClient_GetChildIDs(t *testing.T) {
	client, server := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.RawQuery, "$expand=relations")
		writeWorkItem(w, 42, map[string]any{"System.Title": "Parent"}, []Relation{
			{Rel: "System.LinkTypes.Hierarchy-Forward", URL: "https://tracker/wit/workItems/101"},
			{Rel: "System.LinkTypes.Hierarchy-Forward", URL: "https://tracker/wit/workItems/102"},
			{Rel: "System.LinkTypes.Related", URL: "https://tracker/wit/workItems/999"},
		})
	})
	defer server.Close()

	ids, err := client.GetChildIDs(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, []int{101, 102}, ids)
}

func TestClient_GetExistingStories(t *testing.T) {
	client, server := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("ids") != "" {
			json.NewEncoder(w).Encode(batchResult{
				Count: 2,
				Value: []WorkItem{
					{ID: 101, Fields: map[string]any{"System.Title": "Login", "System.State": "Active"}},
					{ID: 102, Fields: map[string]any{"System.Title": "Signup", "System.State": "New"}},
				},
			})
			return
		}
		writeWorkItem(w, 42, map[string]any{"System.Title": "Parent"}, []Relation{
			{Rel: "System.LinkTypes.Hierarchy-Forward", URL: "https://tracker/wit/workItems/101"},
			{Rel: "System.LinkTypes.Hierarchy-Forward", URL: "https://tracker/wit/workItems/102"},
		})
	})
	defer server.Close()

	stories, err := client.GetExistingStories(context.Background(), "42")
	require.NoError(t, err)
	require.Len(t, stories, 2)
	assert.Equal(t, "Login", stories[0].Title)
	assert.Equal(t, 42, stories[0].ParentID)
}

func TestClient_ListParents(t *testing.T) {
	client, server := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			var q map[string]string
			json.NewDecoder(r.Body).Decode(&q)
			assert.Contains(t, q["query"], "'Epic'")
			assert.Contains(t, q["query"], "'Resolved'")
			json.NewEncoder(w).Encode(wiqlResult{WorkItems: []struct {
				ID int `json:"id"`
			}{{ID: 1}, {ID: 2}}})
			return
		}
		json.NewEncoder(w).Encode(batchResult{
			Count: 2,
			Value: []WorkItem{
				{ID: 1, Fields: map[string]any{"System.Title": "First"}},
				{ID: 2, Fields: map[string]any{"System.Title": "Second"}},
			},
		})
	})
	defer server.Close()

	parents, err := client.ListParents(context.Background(), "Resolved")
	require.NoError(t, err)
	require.Len(t, parents, 2)
	assert.Equal(t, "First", parents[0].Title)
}

func TestClient_ListWorkItemTypes(t *testing.T) {
	client, server := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/wit/workitemtypes")
		json.NewEncoder(w).Encode(map[string]any{
			"count": 2,
			"value": []map[string]string{{"name": "Epic"}, {"name": "User Story"}},
		})
	})
	defer server.Close()

	types, err := client.ListWorkItemTypes(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"Epic", "User Story"}, types)
}

func TestClient_CreateChildStory(t *testing.T) {
	client, server := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json-patch+json", r.Header.Get("Content-Type"))

		var doc []patchOp
		require.NoError(t, json.NewDecoder(r.Body).Decode(&doc))

		var hasTitle, hasLink bool
		for _, op := range doc {
			if op.Path == "/fields/System.Title" {
				hasTitle = true
			}
			if op.Path == "/relations/-" {
				hasLink = true
			}
		}
		assert.True(t, hasTitle)
		assert.True(t, hasLink)

		w.WriteHeader(http.StatusOK)
		writeWorkItem(w, 201, map[string]any{"System.Title": "New story"}, nil)
	})
	defer server.Close()

	id, err := client.CreateChildStory(context.Background(), "42", models.CandidateStory{
		Heading:            "New story",
		Description:        "desc",
		AcceptanceCriteria: []string{"it works"},
	})
	require.NoError(t, err)
	assert.Equal(t, 201, id)
}

func TestClient_CreateChildStoryEscapesItemType(t *testing.T) {
	var gotURI string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotURI = r.URL.RequestURI()
		writeWorkItem(w, 301, nil, nil)
	}))
	defer server.Close()

	client := NewClient(Config{
		BaseURL:       server.URL,
		Organization:  "acme",
		Project:       "platform",
		ChildItemType: "Change Request#2",
	}, &PATAuth{Token: "test-pat"}, zerolog.Nop())
	client.SetHTTPClient(server.Client())

	_, err := client.CreateChildStory(context.Background(), "42", models.CandidateStory{
		Heading:     "New story",
		Description: "desc",
	})
	require.NoError(t, err)
	assert.Contains(t, gotURI, "/wit/workitems/$Change%20Request%232")
}

func TestClient_UpdateChildStory(t *testing.T) {
	client, server := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Contains(t, r.URL.Path, "/wit/workitems/101")

		var doc []patchOp
		require.NoError(t, json.NewDecoder(r.Body).Decode(&doc))
		for _, op := range doc {
			assert.Equal(t, "replace", op.Op)
		}

		writeWorkItem(w, 101, nil, nil)
	})
	defer server.Close()

	err := client.UpdateChildStory(context.Background(), 101, models.CandidateStory{
		Heading: "Updated", Description: "new content",
	})
	require.NoError(t, err)
}

func TestClient_ServerError(t *testing.T) {
	client, server := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	defer server.Close()

	_, err := client.GetParent(context.Background(), "42")
	require.Error(t, err)
	assert.True(t, serrors.IsRetryable(err))
}
