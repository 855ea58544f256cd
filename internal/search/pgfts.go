package search

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
// Documents have a generated tsvector column; meetings live as JSONB on the
// projects row and are searched by expanding the array in place.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true: if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search executes a UNION ALL query across documents and meetings using
// plainto_tsquery and ts_rank, with ts_headline for snippets.
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

	if q.FilterType == "" || q.FilterType == ResultDocument {
		docWhere := "d.fts @@ " + tsQuery
		if q.FilterProjectID != "" {
			docWhere += fmt.Sprintf(" AND d.project_id = $%d", argN)
			args = append(args, q.FilterProjectID)
			argN++
		}
		if q.FilterStatus != "" {
			docWhere += fmt.Sprintf(" AND d.status = $%d", argN)
			args = append(args, q.FilterStatus)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'document'::text AS type, d.id, d.title,
				ts_headline('english', coalesce(d.notes, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				d.project_id, d.status,
				ts_rank(d.fts, %s) AS rank
			FROM documents d
			WHERE %s`, tsQuery, tsQuery, docWhere))
	}

	if q.FilterType == "" || q.FilterType == ResultMeeting {
		meetingFTS := "to_tsvector('english', coalesce(m->>'location', '') || ' ' || coalesce(m->>'notes', ''))"
		meetingWhere := meetingFTS + " @@ " + tsQuery
		if q.FilterProjectID != "" {
			meetingWhere += fmt.Sprintf(" AND p.id = $%d", argN)
			args = append(args, q.FilterProjectID)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'meeting'::text AS type, m->>'id' AS id, coalesce(m->>'location', '') AS title,
				ts_headline('english', coalesce(m->>'notes', ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				p.id AS project_id, ''::text AS status,
				ts_rank(%s, %s) AS rank
			FROM projects p, jsonb_array_elements(p.meetings) m
			WHERE %s`, tsQuery, meetingFTS, tsQuery, meetingWhere))
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub",
		strings.Join(subQueries, " UNION ALL "))

	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet, project_id, status
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
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.ProjectID, &r.Status); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all searchable records for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]DocumentRecord, []MeetingRecord, error) {
	docRows, err := p.db.QueryContext(ctx, `
		SELECT id, title, notes, project_id, status, participants
		FROM documents
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load documents: %w", err)
	}
	defer docRows.Close()

	documents := make([]DocumentRecord, 0)
	for docRows.Next() {
		var d DocumentRecord
		var participants []byte
		if err := docRows.Scan(&d.ID, &d.Title, &d.Notes, &d.ProjectID, &d.Status, &participants); err != nil {
			return nil, nil, fmt.Errorf("scan document: %w", err)
		}
		if len(participants) > 0 {
			if err := json.Unmarshal(participants, &d.Participants); err != nil {
				return nil, nil, fmt.Errorf("decode participants for %s: %w", d.ID, err)
			}
		}
		documents = append(documents, d)
	}
	if err := docRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate documents: %w", err)
	}

	meetingRows, err := p.db.QueryContext(ctx, `
		SELECT p.id, m->>'id', coalesce((m->>'number')::int, 0),
			coalesce(m->>'date', ''), coalesce(m->>'location', ''), coalesce(m->>'notes', '')
		FROM projects p, jsonb_array_elements(p.meetings) m
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load meetings: %w", err)
	}
	defer meetingRows.Close()

	meetings := make([]MeetingRecord, 0)
	for meetingRows.Next() {
		var m MeetingRecord
		if err := meetingRows.Scan(&m.ProjectID, &m.ID, &m.Number, &m.Date, &m.Location, &m.Notes); err != nil {
			return nil, nil, fmt.Errorf("scan meeting: %w", err)
		}
		meetings = append(meetings, m)
	}
	if err := meetingRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate meetings: %w", err)
	}

	return documents, meetings, nil
}
