// Package notify delivers sync outcome notifications to an external
// webhook.
package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"

	"github.com/storyforge/epicsync/internal/models"
)

// Notifier receives sync outcomes. Implementations must tolerate being
// called from multiple goroutines.
type Notifier interface {
	SyncCompleted(ctx context.Context, result models.SyncResult)
	ParentSuspended(ctx context.Context, parentID string, errorCount int)
}

// NopNotifier discards all notifications. Used when no webhook is
// configured.
type NopNotifier struct{}

func (NopNotifier) SyncCompleted(ctx context.Context, result models.SyncResult) {}

func (NopNotifier) ParentSuspended(ctx context.Context, parentID string, errorCount int) {}

// SlackNotifier posts outcomes to a Slack incoming webhook. Delivery
// failures are logged and never propagate to the sync path.
type SlackNotifier struct {
	webhookURL string
	logger     zerolog.Logger
}

// NewSlackNotifier builds a notifier for the given incoming webhook URL.
func NewSlackNotifier(webhookURL string, logger zerolog.Logger) *SlackNotifier {
	return &SlackNotifier{
		webhookURL: webhookURL,
		logger:     logger.With().Str("component", "notify").Logger(),
	}
}

// SyncCompleted posts a summary of one finished sync.
func (n *SlackNotifier) SyncCompleted(ctx context.Context, result models.SyncResult) {
	var text string
	if result.Succeeded {
		text = fmt.Sprintf(":white_check_mark: Synced *%s* (%s): %d created, %d updated, %d unchanged",
			result.ParentTitle, result.ParentID,
			len(result.CreatedIDs), len(result.UpdatedIDs), len(result.UnchangedIDs))
	} else {
		text = fmt.Sprintf(":x: Sync failed for *%s*: %s",
			displayName(result), result.ErrorMessage)
	}
	n.post(ctx, text)
}

// ParentSuspended posts a warning when a parent is dropped from monitoring.
func (n *SlackNotifier) ParentSuspended(ctx context.Context, parentID string, errorCount int) {
	n.post(ctx, fmt.Sprintf(":warning: Suspended monitoring of *%s* after %d consecutive errors; re-add it to resume",
		parentID, errorCount))
}

func (n *SlackNotifier) post(ctx context.Context, text string) {
	msg := &slack.WebhookMessage{Text: text}
	if err := slack.PostWebhookContext(ctx, n.webhookURL, msg); err != nil {
		n.logger.Error().Err(err).Msg("webhook delivery failed")
	}
}

func displayName(result models.SyncResult) string {
	if strings.TrimSpace(result.ParentTitle) != "" {
		return result.ParentTitle
	}
	return result.ParentID
}
