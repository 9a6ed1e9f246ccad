// Package search indexes workspace broadcast messages and answers
// full-text queries scoped to one workspace.
package search

import (
	"context"
	"time"
)

// Result is a single search hit returned to the caller.
type Result struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspaceId"`
	SenderEmail string    `json:"senderEmail"`
	Snippet     string    `json:"snippet"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Query describes a search request. WorkspaceID is mandatory.
type Query struct {
	Text        string
	WorkspaceID string
	Limit       int
	Offset      int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
	Backend string   `json:"backend"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// Index is a searcher that also accepts writes.
type Index interface {
	Searcher
	IndexMessages(records []MessageRecord) error
	DeleteMessage(id string) error
	ClearMessages() error
}

// MessageRecord is the data we index for a broadcast message.
type MessageRecord struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspaceId"`
	SenderEmail string `json:"senderEmail"`
	Body        string `json:"body"`
	CreatedAt   int64  `json:"createdAt"`
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 20
	}
	if limit > 100 {
		return 100
	}
	return limit
}
