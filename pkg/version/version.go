// Package version holds build-time version info injected via ldflags.
//
// Set at compile time:
//
//	go build -ldflags "-X github.com/NicolasHaas/pirelay/pkg/version.tag=v1.0.0
//	  -X github.com/NicolasHaas/pirelay/pkg/version.commit=abc1234
//	  -X github.com/NicolasHaas/pirelay/pkg/version.date=2026-01-01" ./cmd/pirelay
package version

import "log/slog"

// Populated by -ldflags "-X ...". Defaults are used for local dev builds.
var (
	tag    = ""
	commit = "unknown"
	date   = "unknown"
)

// String returns the tag, else the commit, else "dev".
func String() string {
	if tag != "" {
		return tag
	}
	if commit != "unknown" {
		return commit
	}
	return "dev"
}

// Full returns "tag (commit) built date" or a sensible fallback.
func Full() string {
	if tag != "" {
		return tag + " (" + commit + ") built " + date
	}
	if commit != "unknown" {
		return commit + " built " + date
	}
	return "dev"
}

// UserAgent is sent to backends that accept HTTP headers.
func UserAgent() string {
	return "pirelay/" + String()
}

// Attr groups the build info for structured logs.
func Attr() slog.Attr {
	return slog.Group("build",
		slog.String("version", String()),
		slog.String("commit", commit),
		slog.String("date", date),
	)
}
