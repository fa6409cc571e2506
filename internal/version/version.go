// Package version exposes the pgbolt release string.
package version

import (
	_ "embed"
	"strings"
)

//go:embed VERSION
var versionContent string

// Get returns the current version, with whitespace trimmed
func Get() string {
	return strings.TrimSpace(versionContent)
}

// UserAgent identifies pgbolt to remote services.
func UserAgent() string {
	return "pgbolt/" + Get()
}
