package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true — if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search executes a UNION ALL query across relationship_items and item_events
// using plainto_tsquery and ts_rank, with ts_headline for snippets.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text}
	argN := 2

	var subQueries []string

	if q.FilterType == "" || q.FilterType == ResultItem {
		itemWhere := "i.fts @@ " + tsQuery
		if q.FilterCapsuleID != "" {
			itemWhere += fmt.Sprintf(" AND i.capsule_id = $%d", argN)
			args = append(args, q.FilterCapsuleID)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'item'::text AS type, i.id, i.title,
				ts_headline('english', coalesce(i.description, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				i.id AS item_id, i.capsule_id, i.stage,
				ts_rank(i.fts, %s) AS rank
			FROM relationship_items i
			WHERE %s`, tsQuery, tsQuery, itemWhere))
	}

	if q.FilterType == "" || q.FilterType == ResultEvent {
		eventWhere := "e.fts @@ " + tsQuery
		if q.FilterCapsuleID != "" {
			eventWhere += fmt.Sprintf(" AND e.capsule_id = $%d", argN)
			args = append(args, q.FilterCapsuleID)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'event'::text AS type, e.id::text, i.title,
				ts_headline('english', coalesce(e.note, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				e.item_id, e.capsule_id, ''::text AS stage,
				ts_rank(e.fts, %s) AS rank
			FROM item_events e
			JOIN relationship_items i ON i.id = e.item_id
			WHERE %s`, tsQuery, tsQuery, eventWhere))
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub",
		strings.Join(subQueries, " UNION ALL "))

	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet, item_id, capsule_id, stage
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`,
		strings.Join(subQueries, " UNION ALL "),
		limit, offset)

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.ItemID, &r.CapsuleID, &r.Stage); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all searchable records for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]ItemRecord, []EventRecord, error) {
	itemRows, err := p.db.QueryContext(ctx, `
		SELECT id, capsule_id, title, description, category, stage, resolution_notes
		FROM relationship_items
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load items: %w", err)
	}
	defer itemRows.Close()

	items := make([]ItemRecord, 0)
	for itemRows.Next() {
		var item ItemRecord
		if err := itemRows.Scan(&item.ID, &item.CapsuleID, &item.Title, &item.Description, &item.Category, &item.Stage, &item.ResolutionNotes); err != nil {
			return nil, nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, item)
	}
	if err := itemRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate items: %w", err)
	}

	eventRows, err := p.db.QueryContext(ctx, `
		SELECT e.id::text, e.item_id, e.capsule_id, i.title, e.action, e.note
		FROM item_events e
		JOIN relationship_items i ON i.id = e.item_id
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load events: %w", err)
	}
	defer eventRows.Close()

	events := make([]EventRecord, 0)
	for eventRows.Next() {
		var event EventRecord
		if err := eventRows.Scan(&event.ID, &event.ItemID, &event.CapsuleID, &event.ItemTitle, &event.Action, &event.Note); err != nil {
			return nil, nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, event)
	}
	if err := eventRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate events: %w", err)
	}

	return items, events, nil
}
