// Package proto defines the fog wire formats: the binary ticket exchanged
// between nodes and the JSON messages of the admin API.
package proto

import "time"

// ErrorResponse represents an API error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// NodeSummary describes a registered peer in admin listings.
type NodeSummary struct {
	Token       string    `json:"token"`
	Name        string    `json:"name"`
	Host        string    `json:"host,omitempty"` // empty until the peer checks in
	Stores      []string  `json:"stores"`
	LastCheckIn time.Time `json:"last_checkin,omitempty"`
}

// StoreSummary describes a registered store in admin listings.
type StoreSummary struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Owner   string `json:"owner"`
	Entries int    `json:"entries"`
}

// EntrySummary is the JSON form of an entry.
type EntrySummary struct {
	Path    string    `json:"path"`
	Digest  string    `json:"digest"` // hex
	Updated time.Time `json:"updated"`
}

// GrantRequest asks the coordinator to permit or revoke global entries for a store.
// Path names a single file for permit/revoke and a directory for permit-dir.
type GrantRequest struct {
	Store string `json:"store"`
	Path  string `json:"path"`
}

// GrantResponse reports how many entries a grant changed.
type GrantResponse struct {
	Changed int `json:"changed"`
}

// ImportRequest asks the coordinator to import a physical directory into the
// global inventory under a virtual directory.
type ImportRequest struct {
	Virtual string `json:"virtual"`
	Path    string `json:"path"`
}

// ImportResponse reports the result of an import.
type ImportResponse struct {
	Added     int `json:"added"`
	Skipped   int `json:"skipped"`
	Conflicts int `json:"conflicts"`
}

// HealthResponse is returned by /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// OverviewResponse summarises the coordinator for the admin API.
type OverviewResponse struct {
	Version string `json:"version,omitempty"`
	Nodes   int    `json:"nodes"`
	Stores  int    `json:"stores"`
	Entries int    `json:"entries"`
}
