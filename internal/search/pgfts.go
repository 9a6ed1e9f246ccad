package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search over the
// generated fts column of broadcast_messages.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; if Postgres is down the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" || q.WorkspaceID == "" {
		return nil, 0, nil
	}

	var total int
	if err := p.db.QueryRowContext(ctx, `
		SELECT count(*)
		FROM broadcast_messages
		WHERE workspace_id = $1 AND fts @@ plainto_tsquery('english', $2)
	`, q.WorkspaceID, q.Text).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT id, workspace_id, sender_email,
			ts_headline('english', coalesce(body, ''), plainto_tsquery('english', $2),
				'StartSel=<mark>,StopSel=</mark>,MaxFragments=1,MaxWords=30') AS snippet,
			created_at
		FROM broadcast_messages
		WHERE workspace_id = $1 AND fts @@ plainto_tsquery('english', $2)
		ORDER BY ts_rank(fts, plainto_tsquery('english', $2)) DESC, created_at DESC
		LIMIT $3 OFFSET $4
	`, q.WorkspaceID, q.Text, normalizeLimit(q.Limit), q.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.WorkspaceID, &r.SenderEmail, &r.Snippet, &r.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns every text-bearing broadcast message for full
// reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]MessageRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, workspace_id, sender_email, body, created_at
		FROM broadcast_messages
		WHERE body IS NOT NULL
	`)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()

	records := make([]MessageRecord, 0)
	for rows.Next() {
		var (
			r       MessageRecord
			created sql.NullTime
		)
		if err := rows.Scan(&r.ID, &r.WorkspaceID, &r.SenderEmail, &r.Body, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if created.Valid {
			r.CreatedAt = created.Time.Unix()
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return records, nil
}
