// Package config holds process configuration (environment variables) and
// the monitor configuration file.
package config

import (
	"fmt"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

// Env holds all process-level configuration loaded from environment
// variables: credentials and endpoints for the external services plus the
// management API settings.
type Env struct {
	// General
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// Tracker (Azure DevOps-style work item API)
	TrackerOrganization string `envconfig:"TRACKER_ORGANIZATION"`
	TrackerProject      string `envconfig:"TRACKER_PROJECT"`
	TrackerPAT          string `envconfig:"TRACKER_PAT"`
	TrackerBaseURL      string `envconfig:"TRACKER_BASE_URL" default:"https://dev.azure.com"`
	ParentItemType      string `envconfig:"TRACKER_PARENT_TYPE" default:"Epic"`
	ChildItemType       string `envconfig:"TRACKER_CHILD_TYPE" default:"User Story"`

	// Generation service
	OpenAIAPIKey     string `envconfig:"OPENAI_API_KEY"`
	OpenAIModel      string `envconfig:"OPENAI_MODEL" default:"gpt-3.5-turbo"`
	OpenAIBaseURL    string `envconfig:"OPENAI_BASE_URL" default:"https://api.openai.com/v1"`
	OpenAIMaxRetries int    `envconfig:"OPENAI_MAX_RETRIES" default:"3"`
	OpenAIRetryDelay int    `envconfig:"OPENAI_RETRY_DELAY" default:"5"`

	// Notifications (optional)
	SlackWebhookURL string `envconfig:"SLACK_WEBHOOK_URL"`

	// Management API
	MgmtListenAddr  string `envconfig:"MGMT_LISTEN_ADDR" default:":8090"`
	MgmtAuthMode    string `envconfig:"MGMT_AUTH_MODE" default:"api-key"`
	MgmtAPIKey      string `envconfig:"MGMT_API_KEY"`
	MgmtJWTSecret   string `envconfig:"MGMT_JWT_SECRET"`
	MgmtCORSOrigins string `envconfig:"MGMT_CORS_ORIGINS"`
}

// LoadEnv reads configuration from environment variables.
func LoadEnv() (*Env, error) {
	var cfg Env
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return &cfg, nil
}

// NotificationsEnabled returns true if a Slack webhook is configured.
func (e *Env) NotificationsEnabled() bool {
	return e.SlackWebhookURL != ""
}

// ValidationErrors is the typed list of missing or invalid settings.
type ValidationErrors []string

func (v ValidationErrors) Error() string {
	return fmt.Sprintf("missing required environment variables: %s", strings.Join(v, ", "))
}

// Validate checks that the settings required for tracker and generator
// access are present. It is pure: no logging, no side effects.
func (e *Env) Validate() ValidationErrors {
	var missing ValidationErrors
	if e.TrackerOrganization == "" {
		missing = append(missing, "TRACKER_ORGANIZATION")
	}
	if e.TrackerProject == "" {
		missing = append(missing, "TRACKER_PROJECT")
	}
	if e.TrackerPAT == "" {
		missing = append(missing, "TRACKER_PAT")
	}
	if e.OpenAIAPIKey == "" {
		missing = append(missing, "OPENAI_API_KEY")
	}
	return missing
}
