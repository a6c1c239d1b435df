package github

import (
	"context"
	"fmt"
	"strings"
)

// IssueComment is one comment from the GraphQL recent-comments scan.
type IssueComment struct {
	DatabaseID int64
	Body       string
	CreatedAt  string
}

const recentCommentsQuery = `
query($owner: String!, $name: String!, $number: Int!, $last: Int!) {
  repository(owner: $owner, name: $name) {
    issue(number: $number) {
      comments(last: $last) {
        totalCount
        pageInfo { hasPreviousPage }
        nodes { databaseId body createdAt }
      }
    }
  }
}`

// ListRecentIssueComments fetches the last `last` comments on an issue via
// GraphQL. scanComplete is false when the issue has more comments than were
// fetched, meaning a marker scan over the result is inconclusive.
func (c *Client) ListRecentIssueComments(ctx context.Context, repo string, number, last int) ([]IssueComment, bool, error) {
	owner, name, err := SplitRepo(repo)
	if err != nil {
		return nil, false, err
	}
	var out struct {
		Repository struct {
			Issue struct {
				Comments struct {
					TotalCount int `json:"totalCount"`
					PageInfo   struct {
						HasPreviousPage bool `json:"hasPreviousPage"`
					} `json:"pageInfo"`
					Nodes []struct {
						DatabaseID int64  `json:"databaseId"`
						Body       string `json:"body"`
						CreatedAt  string `json:"createdAt"`
					} `json:"nodes"`
				} `json:"comments"`
			} `json:"issue"`
		} `json:"repository"`
	}
	err = c.GraphQL(ctx, recentCommentsQuery, map[string]any{
		"owner": owner, "name": name, "number": number, "last": last,
	}, &out, "writeback")
	if err != nil {
		return nil, false, err
	}

	comments := make([]IssueComment, 0, len(out.Repository.Issue.Comments.Nodes))
	for _, n := range out.Repository.Issue.Comments.Nodes {
		comments = append(comments, IssueComment{
			DatabaseID: n.DatabaseID,
			Body:       n.Body,
			CreatedAt:  n.CreatedAt,
		})
	}
	scanComplete := !out.Repository.Issue.Comments.PageInfo.HasPreviousPage
	return comments, scanComplete, nil
}

// SplitRepo splits "owner/name" into its parts.
func SplitRepo(repo string) (owner, name string, err error) {
	parts := strings.SplitN(repo, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repo %q, want owner/name", repo)
	}
	return parts[0], parts[1], nil
}
