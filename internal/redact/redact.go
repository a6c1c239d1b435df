// Package redact scrubs secrets and user-identifying paths from strings
// before they cross a wire boundary (control plane, GitHub comments,
// persisted event logs).
package redact

import (
	"regexp"
	"strings"
)

var (
	// GitHub personal access tokens, classic and fine-grained.
	githubPATRe = regexp.MustCompile(`ghp_[A-Za-z0-9]{4,}`)
	githubFineRe = regexp.MustCompile(`github_pat_[A-Za-z0-9_]{4,}`)
	// OpenAI-style secret keys.
	openAIKeyRe = regexp.MustCompile(`sk-[A-Za-z0-9_-]{8,}`)
	// Slack tokens (bot, app, personal, refresh, workspace).
	slackTokenRe = regexp.MustCompile(`xox[baprs]-[A-Za-z0-9-]{4,}`)
	// Authorization header values.
	bearerRe = regexp.MustCompile(`(?i)(authorization:\s*bearer\s+)\S+`)
	// ANSI escape sequences (CSI and OSC).
	ansiRe = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]|\x1b\][^\x07\x1b]*(\x07|\x1b\\)`)
	// Home directory prefixes on Linux and macOS.
	homePathRe = regexp.MustCompile(`(/home/[^/\s]+|/Users/[^/\s]+)(/|\b)`)
)

// Options adjusts redaction behavior.
type Options struct {
	// HomeDir, when set, is replaced by "~" wherever it appears, in
	// addition to the generic /home/<user> and /Users/<user> patterns.
	HomeDir string
}

// SensitiveText scrubs tokens, ANSI escapes, and home-directory paths from s.
// The transformation is deterministic and never widens: characters outside
// matched spans are preserved verbatim.
func SensitiveText(s string, opts Options) string {
	if s == "" {
		return s
	}

	out := ansiRe.ReplaceAllString(s, "")
	out = githubPATRe.ReplaceAllString(out, "ghp_[REDACTED]")
	out = githubFineRe.ReplaceAllString(out, "github_pat_[REDACTED]")
	out = openAIKeyRe.ReplaceAllString(out, "sk-[REDACTED]")
	out = slackTokenRe.ReplaceAllString(out, "xox-[REDACTED]")
	out = bearerRe.ReplaceAllString(out, "${1}[REDACTED]")

	if opts.HomeDir != "" && opts.HomeDir != "/" {
		out = strings.ReplaceAll(out, strings.TrimRight(opts.HomeDir, "/"), "~")
	}
	out = homePathRe.ReplaceAllString(out, "~$2")

	return out
}

// HomePathForDisplay rewrites an absolute path under a home directory to the
// ~/ form. Paths outside a home directory are returned unchanged.
func HomePathForDisplay(path string) string {
	if path == "" {
		return path
	}
	return homePathRe.ReplaceAllString(path, "~$2")
}
