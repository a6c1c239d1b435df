package github

import (
	"net/url"
	"strings"
)

// issuesCursorParams is the only query parameter set a persisted issues
// pagination URL may carry. Anything else means the cursor is stale or
// tampered with and bootstrap restarts from scratch.
var issuesCursorParams = map[string]bool{
	"state":     true,
	"sort":      true,
	"direction": true,
	"per_page":  true,
	"page":      true,
	"since":     true,
}

// ParseNextLink extracts the rel="next" URL from a Link header, "" when the
// header has no next relation.
func ParseNextLink(header string) string {
	for _, part := range strings.Split(header, ",") {
		segments := strings.Split(strings.TrimSpace(part), ";")
		if len(segments) < 2 {
			continue
		}
		u := strings.TrimSpace(segments[0])
		if !strings.HasPrefix(u, "<") || !strings.HasSuffix(u, ">") {
			continue
		}
		for _, attr := range segments[1:] {
			attr = strings.TrimSpace(attr)
			if attr == `rel="next"` || attr == "rel=next" {
				return u[1 : len(u)-1]
			}
		}
	}
	return ""
}

// ValidIssuesCursorURL reports whether raw is a safe pagination URL for the
// repo's issues listing: https, api.github.com, the exact issues path, and
// only allowlisted query parameters.
func ValidIssuesCursorURL(raw, repo string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	if u.Scheme != "https" || u.Host != "api.github.com" {
		return false
	}
	if u.Path != "/repos/"+repo+"/issues" {
		return false
	}
	q, err := url.ParseQuery(u.RawQuery)
	if err != nil {
		return false
	}
	for key := range q {
		if !issuesCursorParams[key] {
			return false
		}
	}
	return true
}
