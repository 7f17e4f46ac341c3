// Package jira provides a Jira Cloud REST adapter implementing the tracker
// port.
package jira

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/JohanCodinha/epicsync/internal/domain"
	"github.com/JohanCodinha/epicsync/internal/tracker"
)

// defaultStoryPointsField is Jira Cloud's usual story points custom field.
const defaultStoryPointsField = "customfield_10016"

// Client is a Jira REST API client implementing tracker.Port.
type Client struct {
	baseURL     string
	email       string
	token       string
	pointsField string
	httpClient  *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithStoryPointsField overrides the custom field id used for story points.
func WithStoryPointsField(field string) Option {
	return func(c *Client) { c.pointsField = field }
}

// WithHTTPClient overrides the HTTP client (for testing).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New creates a Jira client. baseURL is the site root, e.g.
// https://example.atlassian.net.
func New(baseURL, email, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:     baseURL,
		email:       email,
		token:       token,
		pointsField: defaultStoryPointsField,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetToken resolves Jira credentials from the environment:
// JIRA_BASE_URL, JIRA_EMAIL, JIRA_API_TOKEN.
func GetToken() (baseURL, email, token string, err error) {
	baseURL = os.Getenv("JIRA_BASE_URL")
	email = os.Getenv("JIRA_EMAIL")
	token = os.Getenv("JIRA_API_TOKEN")
	if baseURL == "" || email == "" || token == "" {
		return "", "", "", fmt.Errorf("missing Jira credentials: set JIRA_BASE_URL, JIRA_EMAIL, and JIRA_API_TOKEN")
	}
	return baseURL, email, token, nil
}

// issueJSON is the wire shape of a Jira issue.
type issueJSON struct {
	Key    string `json:"key"`
	Fields struct {
		Summary     string `json:"summary"`
		Description string `json:"description"`
		Status      struct {
			Name string `json:"name"`
		} `json:"status"`
		Priority struct {
			Name string `json:"name"`
		} `json:"priority"`
		IssueType struct {
			Name    string `json:"name"`
			Subtask bool   `json:"subtask"`
		} `json:"issuetype"`
		Parent struct {
			Key string `json:"key"`
		} `json:"parent"`
		Subtasks []issueJSON `json:"subtasks"`
		Created  string      `json:"created"`
		Updated  string      `json:"updated"`

		// Extra captures custom fields like story points, which live at a
		// site-specific field id.
		Extra map[string]json.RawMessage `json:"-"`
	} `json:"fields"`
}

// jiraTime is the timestamp layout Jira emits.
const jiraTime = "2006-01-02T15:04:05.000-0700"

func (c *Client) toRemote(raw json.RawMessage) (*tracker.RemoteIssue, error) {
	var ij issueJSON
	if err := json.Unmarshal(raw, &ij); err != nil {
		return nil, fmt.Errorf("failed to decode issue: %w", err)
	}

	// Second pass for custom fields.
	var envelope struct {
		Fields map[string]json.RawMessage `json:"fields"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil {
		ij.Fields.Extra = envelope.Fields
	}

	issue := &tracker.RemoteIssue{
		Key:         domain.IssueKey(ij.Key),
		Summary:     ij.Fields.Summary,
		Description: ij.Fields.Description,
		Status:      ij.Fields.Status.Name,
		Priority:    ij.Fields.Priority.Name,
		IssueType:   ij.Fields.IssueType.Name,
		ParentKey:   domain.IssueKey(ij.Fields.Parent.Key),
	}
	if t, err := time.Parse(jiraTime, ij.Fields.Created); err == nil {
		issue.CreatedAt = t
	}
	if t, err := time.Parse(jiraTime, ij.Fields.Updated); err == nil {
		issue.UpdatedAt = t
	}
	if raw, ok := ij.Fields.Extra[c.pointsField]; ok {
		var points float64
		if err := json.Unmarshal(raw, &points); err == nil {
			issue.StoryPoints = points
		}
	}
	for i := range ij.Fields.Subtasks {
		sub, err := json.Marshal(ij.Fields.Subtasks[i])
		if err != nil {
			continue
		}
		remote, err := c.toRemote(sub)
		if err != nil {
			continue
		}
		remote.ParentKey = issue.Key
		issue.Subtasks = append(issue.Subtasks, *remote)
	}
	return issue, nil
}

// doRequest performs an authenticated request and classifies non-2xx
// responses into the tracker error taxonomy.
func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, key domain.IssueKey) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payload: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.SetBasicAuth(c.email, c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, tracker.NewError(tracker.KindTransient, key, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, tracker.NewError(tracker.KindTransient, key, err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return data, nil
	}
	return nil, classifyStatus(resp, data, key)
}

// classifyStatus maps an HTTP failure onto the closed error taxonomy the
// sync engine switches over.
func classifyStatus(resp *http.Response, body []byte, key domain.IssueKey) error {
	cause := fmt.Errorf("%s: %s", resp.Status, truncate(string(body), 200))

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return tracker.NewError(tracker.KindAuth, key, cause)
	case resp.StatusCode == http.StatusNotFound:
		return tracker.NewError(tracker.KindNotFound, key, cause)
	case resp.StatusCode == http.StatusTooManyRequests:
		e := tracker.NewError(tracker.KindRateLimited, key, cause)
		if after := resp.Header.Get("Retry-After"); after != "" {
			if secs, err := strconv.Atoi(after); err == nil {
				e.RetryAfter = time.Duration(secs) * time.Second
			}
		}
		return e
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		return tracker.NewError(tracker.KindValidation, key, cause)
	case resp.StatusCode >= 500:
		return tracker.NewError(tracker.KindTransient, key, cause)
	default:
		return tracker.NewError(tracker.KindUnknown, key, cause)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// FetchEpicChildren returns every issue under an epic, subtasks nested,
// paginating through the search endpoint.
func (c *Client) FetchEpicChildren(ctx context.Context, epicKey domain.IssueKey) ([]tracker.RemoteIssue, error) {
	jql := fmt.Sprintf(`parent = %q ORDER BY created ASC`, string(epicKey))

	var issues []tracker.RemoteIssue
	startAt := 0
	for {
		path := fmt.Sprintf("/rest/api/2/search?jql=%s&startAt=%d&maxResults=50&fields=*all",
			url.QueryEscape(jql), startAt)
		data, err := c.doRequest(ctx, "GET", path, nil, epicKey)
		if err != nil {
			return nil, err
		}

		var page struct {
			StartAt    int               `json:"startAt"`
			MaxResults int               `json:"maxResults"`
			Total      int               `json:"total"`
			Issues     []json.RawMessage `json:"issues"`
		}
		if err := json.Unmarshal(data, &page); err != nil {
			return nil, fmt.Errorf("failed to decode search response: %w", err)
		}

		for _, raw := range page.Issues {
			issue, err := c.toRemote(raw)
			if err != nil {
				return nil, err
			}
			issues = append(issues, *issue)
		}

		startAt += len(page.Issues)
		if startAt >= page.Total || len(page.Issues) == 0 {
			break
		}
	}
	return issues, nil
}

// GetIssue fetches a single issue with its subtasks.
func (c *Client) GetIssue(ctx context.Context, key domain.IssueKey) (*tracker.RemoteIssue, error) {
	data, err := c.doRequest(ctx, "GET", fmt.Sprintf("/rest/api/2/issue/%s?fields=*all", key), nil, key)
	if err != nil {
		return nil, err
	}
	return c.toRemote(data)
}

// fieldsPayload builds the Jira fields object from tracker fields.
func (c *Client) fieldsPayload(fields tracker.IssueFields, projectKey string) map[string]interface{} {
	f := map[string]interface{}{}
	if fields.Summary != nil {
		f["summary"] = *fields.Summary
	}
	if fields.Description != nil {
		f["description"] = *fields.Description
	}
	if fields.Priority != nil && *fields.Priority != "" {
		f["priority"] = map[string]string{"name": *fields.Priority}
	}
	if fields.StoryPoints != nil {
		f[c.pointsField] = *fields.StoryPoints
	}
	if fields.IssueType != "" {
		f["issuetype"] = map[string]string{"name": fields.IssueType}
	}
	if projectKey != "" {
		f["project"] = map[string]string{"key": projectKey}
	}
	return f
}

// CreateIssue creates an issue under an epic, or a subtask under its parent
// when fields.ParentKey is set.
func (c *Client) CreateIssue(ctx context.Context, epicKey domain.IssueKey, fields tracker.IssueFields) (*tracker.RemoteIssue, error) {
	f := c.fieldsPayload(fields, epicKey.Project())
	if fields.ParentKey != "" {
		f["parent"] = map[string]string{"key": string(fields.ParentKey)}
	} else {
		f["parent"] = map[string]string{"key": string(epicKey)}
	}

	data, err := c.doRequest(ctx, "POST", "/rest/api/2/issue", map[string]interface{}{"fields": f}, epicKey)
	if err != nil {
		return nil, err
	}

	var created struct {
		Key string `json:"key"`
	}
	if err := json.Unmarshal(data, &created); err != nil {
		return nil, fmt.Errorf("failed to decode create response: %w", err)
	}
	return c.GetIssue(ctx, domain.IssueKey(created.Key))
}

// UpdateIssue updates the provided fields on an issue. Nil fields are left
// unchanged.
func (c *Client) UpdateIssue(ctx context.Context, key domain.IssueKey, fields tracker.IssueFields) error {
	f := c.fieldsPayload(fields, "")
	if len(f) == 0 {
		return nil
	}
	_, err := c.doRequest(ctx, "PUT", fmt.Sprintf("/rest/api/2/issue/%s", key), map[string]interface{}{"fields": f}, key)
	return err
}

// GetTransitions returns the allowed transitions for an issue.
func (c *Client) GetTransitions(ctx context.Context, key domain.IssueKey) ([]tracker.Transition, error) {
	data, err := c.doRequest(ctx, "GET", fmt.Sprintf("/rest/api/2/issue/%s/transitions", key), nil, key)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Transitions []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
			To   struct {
				Name string `json:"name"`
			} `json:"to"`
		} `json:"transitions"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode transitions: %w", err)
	}

	transitions := make([]tracker.Transition, 0, len(resp.Transitions))
	for _, t := range resp.Transitions {
		transitions = append(transitions, tracker.Transition{ID: t.ID, Name: t.Name, To: t.To.Name})
	}
	return transitions, nil
}

// Transition applies a workflow transition.
func (c *Client) Transition(ctx context.Context, key domain.IssueKey, transitionID string) error {
	payload := map[string]interface{}{
		"transition": map[string]string{"id": transitionID},
	}
	_, err := c.doRequest(ctx, "POST", fmt.Sprintf("/rest/api/2/issue/%s/transitions", key), payload, key)
	return err
}

// AddComment posts a comment on an issue.
func (c *Client) AddComment(ctx context.Context, key domain.IssueKey, text string) error {
	_, err := c.doRequest(ctx, "POST", fmt.Sprintf("/rest/api/2/issue/%s/comment", key), map[string]string{"body": text}, key)
	return err
}
