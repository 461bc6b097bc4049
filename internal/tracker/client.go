// Package tracker wraps the work item tracker's REST API (Azure DevOps
// flavor). All id parsing happens at this boundary: the rest of the system
// passes parent ids around as free text.
package tracker

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	serrors "github.com/storyforge/epicsync/internal/errors"
)

const apiVersion = "7.0"

// HTTPClient abstracts HTTP calls for testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Authenticator applies authentication to requests.
type Authenticator interface {
	Apply(req *http.Request) error
}

// PATAuth authenticates with a personal access token (basic auth, empty
// username).
type PATAuth struct {
	Token string
}

// Apply sets the Authorization header.
func (a *PATAuth) Apply(req *http.Request) error {
	cred := base64.StdEncoding.EncodeToString([]byte(":" + a.Token))
	req.Header.Set("Authorization", "Basic "+cred)
	return nil
}

// Config identifies the tracker instance and the work item types in play.
type Config struct {
	BaseURL        string
	Organization   string
	Project        string
	ParentItemType string
	ChildItemType  string
}

// Client wraps the tracker REST API.
type Client struct {
	cfg        Config
	httpClient HTTPClient
	auth       Authenticator
	logger     zerolog.Logger
}

// NewClient creates a new tracker API client.
func NewClient(cfg Config, auth Authenticator, logger zerolog.Logger) *Client {
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	if cfg.ParentItemType == "" {
		cfg.ParentItemType = "Epic"
	}
	if cfg.ChildItemType == "" {
		cfg.ChildItemType = "User Story"
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		auth:       auth,
		logger:     logger.With().Str("component", "tracker").Logger(),
	}
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(hc HTTPClient) {
	c.httpClient = hc
}

// projectURL returns the API root for the configured project.
func (c *Client) projectURL() string {
	return fmt.Sprintf("%s/%s/%s/_apis", c.cfg.BaseURL, c.cfg.Organization, c.cfg.Project)
}

// do executes an authenticated API request. contentType overrides the
// default application/json (work item mutations use json-patch).
func (c *Client) do(ctx context.Context, method, url, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	if contentType == "" {
		contentType = "application/json"
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	if err := c.auth.Apply(req); err != nil {
		return nil, fmt.Errorf("applying auth: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode == 404 {
			return nil, fmt.Errorf("%w (status 404): %s", serrors.ErrNotFound, respBody)
		}
		return nil, serrors.NewAPIError("tracker", resp.StatusCode, string(respBody))
	}

	return resp, nil
}

// Ping probes the project API root. Any HTTP-level answer, including an
// auth failure, means the tracker is reachable; only transport errors are
// reported.
func (c *Client) Ping(ctx context.Context) error {
	url := fmt.Sprintf("%s/%s/_apis/projects?api-version=%s", c.cfg.BaseURL, c.cfg.Organization, apiVersion)
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return err
	}
	if err := c.auth.Apply(req); err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// decodeResponse reads and decodes a JSON response.
func decodeResponse(resp *http.Response, v interface{}) error {
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
