package github

import (
	"context"
	"fmt"
)

// ClosingIssue is an issue a merged PR closes.
type ClosingIssue struct {
	Repo   string
	Number int
	State  string // OPEN or CLOSED
	Labels []string
}

// MergedPR is one result of the merged-PR search.
type MergedPR struct {
	Number        int
	MergedAt      string
	ClosingIssues []ClosingIssue
}

const mergedPRSearchQuery = `
query($q: String!, $first: Int!, $after: String) {
  search(query: $q, type: ISSUE, first: $first, after: $after) {
    pageInfo { hasNextPage endCursor }
    nodes {
      ... on PullRequest {
        number
        mergedAt
        closingIssuesReferences(first: 20) {
          nodes {
            number
            state
            repository { nameWithOwner }
            labels(first: 50) { nodes { name } }
          }
        }
      }
    }
  }
}`

// SearchMergedPRs returns PRs merged into base on repo since the given
// timestamp (inclusive), paginating the search to completion.
func (c *Client) SearchMergedPRs(ctx context.Context, repo, base, since string) ([]MergedPR, error) {
	q := fmt.Sprintf("repo:%s is:pr is:merged base:%s merged:>=%s", repo, base, since)

	var prs []MergedPR
	var after *string
	for {
		var out struct {
			Search struct {
				PageInfo struct {
					HasNextPage bool   `json:"hasNextPage"`
					EndCursor   string `json:"endCursor"`
				} `json:"pageInfo"`
				Nodes []struct {
					Number                  int    `json:"number"`
					MergedAt                string `json:"mergedAt"`
					ClosingIssuesReferences struct {
						Nodes []struct {
							Number     int    `json:"number"`
							State      string `json:"state"`
							Repository struct {
								NameWithOwner string `json:"nameWithOwner"`
							} `json:"repository"`
							Labels struct {
								Nodes []struct {
									Name string `json:"name"`
								} `json:"nodes"`
							} `json:"labels"`
						} `json:"nodes"`
					} `json:"closingIssuesReferences"`
				} `json:"nodes"`
			} `json:"search"`
		}

		vars := map[string]any{"q": q, "first": 50}
		if after != nil {
			vars["after"] = *after
		}
		if err := c.GraphQL(ctx, mergedPRSearchQuery, vars, &out, "reconcile"); err != nil {
			return nil, err
		}

		for _, n := range out.Search.Nodes {
			if n.Number == 0 && n.MergedAt == "" {
				// Non-PR node from the union; skip.
				continue
			}
			pr := MergedPR{Number: n.Number, MergedAt: n.MergedAt}
			for _, ci := range n.ClosingIssuesReferences.Nodes {
				issue := ClosingIssue{
					Repo:   ci.Repository.NameWithOwner,
					Number: ci.Number,
					State:  ci.State,
				}
				for _, l := range ci.Labels.Nodes {
					issue.Labels = append(issue.Labels, l.Name)
				}
				pr.ClosingIssues = append(pr.ClosingIssues, issue)
			}
			prs = append(prs, pr)
		}

		if !out.Search.PageInfo.HasNextPage {
			return prs, nil
		}
		cursor := out.Search.PageInfo.EndCursor
		after = &cursor
	}
}
