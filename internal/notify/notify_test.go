package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storyforge/epicsync/internal/models"
)

func captureWebhook(t *testing.T) (*httptest.Server, *[]string) {
	t.Helper()
	var texts []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Text string `json:"text"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		texts = append(texts, payload.Text)
		w.Write([]byte("ok"))
	}))
	return srv, &texts
}

func TestSyncCompletedSuccess(t *testing.T) {
	srv, texts := captureWebhook(t)
	defer srv.Close()

	n := NewSlackNotifier(srv.URL, zerolog.Nop())
	n.SyncCompleted(context.Background(), models.SyncResult{
		ParentID:    "EPIC-7",
		ParentTitle: "Checkout Epic",
		Succeeded:   true,
		CreatedIDs:  []int{1001, 1002},
		UpdatedIDs:  []int{200},
	})

	require.Len(t, *texts, 1)
	assert.Contains(t, (*texts)[0], "Checkout Epic")
	assert.Contains(t, (*texts)[0], "2 created, 1 updated, 0 unchanged")
}

func TestSyncCompletedFailureFallsBackToID(t *testing.T) {
	srv, texts := captureWebhook(t)
	defer srv.Close()

	n := NewSlackNotifier(srv.URL, zerolog.Nop())
	n.SyncCompleted(context.Background(), models.SyncResult{
		ParentID:     "EPIC-404",
		Succeeded:    false,
		ErrorMessage: "work item not found",
	})

	require.Len(t, *texts, 1)
	assert.Contains(t, (*texts)[0], "EPIC-404")
	assert.Contains(t, (*texts)[0], "work item not found")
}

func TestParentSuspended(t *testing.T) {
	srv, texts := captureWebhook(t)
	defer srv.Close()

	n := NewSlackNotifier(srv.URL, zerolog.Nop())
	n.ParentSuspended(context.Background(), "EPIC-9", 3)

	require.Len(t, *texts, 1)
	assert.Contains(t, (*texts)[0], "3 consecutive errors")
}

func TestNopNotifierDoesNothing(t *testing.T) {
	var n Notifier = NopNotifier{}
	n.SyncCompleted(context.Background(), models.SyncResult{})
	n.ParentSuspended(context.Background(), "x", 1)
}
