package github

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

// Issue is one row from the REST issues listing.
type Issue struct {
	Number        int
	Title         string
	State         string // OPEN or CLOSED
	NodeID        string
	UpdatedAt     string
	Labels        []string
	IsPullRequest bool
}

type restIssue struct {
	Number      int    `json:"number"`
	Title       string `json:"title"`
	State       string `json:"state"`
	NodeID      string `json:"node_id"`
	UpdatedAt   string `json:"updated_at"`
	Labels      []struct {
		Name string `json:"name"`
	} `json:"labels"`
	PullRequest *struct{} `json:"pull_request,omitempty"`
}

func (r restIssue) toIssue() Issue {
	issue := Issue{
		Number:        r.Number,
		Title:         r.Title,
		NodeID:        r.NodeID,
		UpdatedAt:     r.UpdatedAt,
		IsPullRequest: r.PullRequest != nil,
	}
	switch r.State {
	case "open":
		issue.State = "OPEN"
	default:
		issue.State = "CLOSED"
	}
	for _, l := range r.Labels {
		issue.Labels = append(issue.Labels, l.Name)
	}
	return issue
}

// IssuesBootstrapURL is the first page of a repo's full issue backfill.
func IssuesBootstrapURL(repo string) string {
	return fmt.Sprintf("/repos/%s/issues?state=all&sort=updated&direction=desc&per_page=100", repo)
}

// IssuesSinceURL is the incremental listing starting at since (RFC3339).
func IssuesSinceURL(repo, since string) string {
	return IssuesBootstrapURL(repo) + "&since=" + url.QueryEscape(since)
}

// ListIssuesPage fetches one page of the issues listing from pageURL (either
// a path or an absolute pagination URL) and returns the rows plus the next
// page URL, "" when this was the last page.
func (c *Client) ListIssuesPage(ctx context.Context, pageURL, source string) ([]Issue, string, error) {
	res, err := c.Do(ctx, RequestOptions{Method: http.MethodGet, Path: pageURL, Source: source})
	if err != nil {
		return nil, "", err
	}
	var rows []restIssue
	if err := json.Unmarshal(res.Data, &rows); err != nil {
		return nil, "", fmt.Errorf("failed to parse issues page: %w", err)
	}
	issues := make([]Issue, 0, len(rows))
	for _, r := range rows {
		issues = append(issues, r.toIssue())
	}
	return issues, res.NextURL, nil
}

// ListIssueLabels returns the issue's current label names.
func (c *Client) ListIssueLabels(ctx context.Context, repo string, number int) ([]string, error) {
	res, err := c.Do(ctx, RequestOptions{
		Method: http.MethodGet,
		Path:   fmt.Sprintf("/repos/%s/issues/%d/labels?per_page=100", repo, number),
		Source: "labels",
	})
	if err != nil {
		return nil, err
	}
	var rows []struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(res.Data, &rows); err != nil {
		return nil, fmt.Errorf("failed to parse labels: %w", err)
	}
	labels := make([]string, 0, len(rows))
	for _, r := range rows {
		labels = append(labels, r.Name)
	}
	return labels, nil
}

// AddIssueLabels adds labels to an issue in a single call.
func (c *Client) AddIssueLabels(ctx context.Context, repo string, number int, labels []string) error {
	_, err := c.Do(ctx, RequestOptions{
		Method: http.MethodPost,
		Path:   fmt.Sprintf("/repos/%s/issues/%d/labels", repo, number),
		Body:   map[string][]string{"labels": labels},
		Source: "labels",
	})
	return err
}

// RemoveIssueLabel removes one label from an issue. Removing a label the
// issue does not carry is success.
func (c *Client) RemoveIssueLabel(ctx context.Context, repo string, number int, label string) error {
	_, err := c.Do(ctx, RequestOptions{
		Method:        http.MethodDelete,
		Path:          fmt.Sprintf("/repos/%s/issues/%d/labels/%s", repo, number, url.PathEscape(label)),
		AllowNotFound: true,
		Source:        "labels",
	})
	return err
}

// CreateRepoLabel creates a label definition on the repo. An already-existing
// label is success.
func (c *Client) CreateRepoLabel(ctx context.Context, repo, name, color, description string) error {
	_, err := c.Do(ctx, RequestOptions{
		Method: http.MethodPost,
		Path:   fmt.Sprintf("/repos/%s/labels", repo),
		Body: map[string]string{
			"name": name, "color": color, "description": description,
		},
		Source: "labels",
	})
	if IsStatus(err, http.StatusUnprocessableEntity) {
		// already_exists
		return nil
	}
	return err
}

// CreateIssueComment posts a comment and returns its database id.
func (c *Client) CreateIssueComment(ctx context.Context, repo string, number int, body string) (int64, error) {
	res, err := c.Do(ctx, RequestOptions{
		Method: http.MethodPost,
		Path:   fmt.Sprintf("/repos/%s/issues/%d/comments", repo, number),
		Body:   map[string]string{"body": body},
		Source: "writeback",
	})
	if err != nil {
		return 0, err
	}
	var out struct {
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal(res.Data, &out); err != nil {
		return 0, fmt.Errorf("failed to parse comment response: %w", err)
	}
	return out.ID, nil
}

// UpdateIssueComment replaces the body of an existing comment.
func (c *Client) UpdateIssueComment(ctx context.Context, repo string, commentID int64, body string) error {
	_, err := c.Do(ctx, RequestOptions{
		Method: http.MethodPatch,
		Path:   fmt.Sprintf("/repos/%s/issues/comments/%d", repo, commentID),
		Body:   map[string]string{"body": body},
		Source: "writeback",
	})
	return err
}

// CloseIssue sets an issue's state to closed.
func (c *Client) CloseIssue(ctx context.Context, repo string, number int) error {
	_, err := c.Do(ctx, RequestOptions{
		Method: http.MethodPatch,
		Path:   fmt.Sprintf("/repos/%s/issues/%d", repo, number),
		Body:   map[string]string{"state": "closed"},
		Source: "writeback",
	})
	return err
}

// GetRepoDefaultBranch resolves the repo's default branch name.
func (c *Client) GetRepoDefaultBranch(ctx context.Context, repo string) (string, error) {
	res, err := c.Do(ctx, RequestOptions{
		Method: http.MethodGet,
		Path:   "/repos/" + repo,
		Source: "reconcile",
	})
	if err != nil {
		return "", err
	}
	var out struct {
		DefaultBranch string `json:"default_branch"`
	}
	if err := json.Unmarshal(res.Data, &out); err != nil {
		return "", fmt.Errorf("failed to parse repo response: %w", err)
	}
	return out.DefaultBranch, nil
}
