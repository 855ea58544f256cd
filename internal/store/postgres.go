package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"quorum/api/internal/util"
)

// ErrNotFound is returned when the requested row does not exist. Callers in
// the revision workspace treat it as a recoverable condition, not a failure.
var ErrNotFound = errors.New("not found")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) CreateProject(ctx context.Context, name, code, description string) (Project, error) {
	project := Project{ID: util.NewID("prj"), Name: name, Code: code, Description: description}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO projects (id, name, code, description)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at
	`, project.ID, project.Name, project.Code, project.Description).Scan(&project.CreatedAt, &project.UpdatedAt)
	if err != nil {
		return Project{}, fmt.Errorf("insert project: %w", err)
	}
	return project, nil
}

func (s *PostgresStore) GetProject(ctx context.Context, projectID string) (Project, error) {
	var project Project
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, code, description, created_at, updated_at
		FROM projects
		WHERE id=$1
	`, projectID).Scan(&project.ID, &project.Name, &project.Code, &project.Description, &project.CreatedAt, &project.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Project{}, fmt.Errorf("project %s: %w", projectID, ErrNotFound)
	}
	if err != nil {
		return Project{}, fmt.Errorf("get project: %w", err)
	}
	return project, nil
}

func (s *PostgresStore) ListProjects(ctx context.Context) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, code, description, created_at, updated_at
		FROM projects
		ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	items := make([]Project, 0)
	for rows.Next() {
		var item Project
		if err := rows.Scan(&item.ID, &item.Name, &item.Code, &item.Description, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate projects: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UpdateProject(ctx context.Context, projectID, name, code, description string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE projects
		SET name=$2, code=$3, description=$4, updated_at=NOW()
		WHERE id=$1
	`, projectID, name, code, description)
	if err != nil {
		return fmt.Errorf("update project: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return fmt.Errorf("project %s: %w", projectID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) DeleteProject(ctx context.Context, projectID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id=$1`, projectID)
	if err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return fmt.Errorf("project %s: %w", projectID, ErrNotFound)
	}
	return nil
}

const documentColumns = `id, project_id, number, title, notes, status, start_date, due_date, participants, attachments, history, created_at, updated_at`

// CreateDocument assigns identity, timestamps and the next display number.
// Numbers are sequential among the project's live documents, not global.
func (s *PostgresStore) CreateDocument(ctx context.Context, projectID string, fields DocumentFields) (Document, error) {
	participants, attachments, history, err := marshalDocumentJSON(fields)
	if err != nil {
		return Document{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Document{}, fmt.Errorf("begin create document: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var number int
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(number), 0) + 1 FROM documents WHERE project_id=$1
	`, projectID).Scan(&number); err != nil {
		return Document{}, fmt.Errorf("next document number: %w", err)
	}

	doc := Document{
		ID:           util.NewID("doc"),
		ProjectID:    projectID,
		Number:       number,
		Title:        fields.Title,
		Notes:        fields.Notes,
		Status:       fields.Status,
		StartDate:    fields.StartDate,
		DueDate:      fields.DueDate,
		Participants: fields.Participants,
		Attachments:  fields.Attachments,
		History:      fields.History,
	}
	if doc.Status == "" {
		doc.Status = StatusToStart
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO documents (id, project_id, number, title, notes, status, start_date, due_date, participants, attachments, history)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at, updated_at
	`, doc.ID, doc.ProjectID, doc.Number, doc.Title, doc.Notes, doc.Status, doc.StartDate, doc.DueDate,
		participants, attachments, history).Scan(&doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		return Document{}, fmt.Errorf("insert document: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Document{}, fmt.Errorf("commit create document: %w", err)
	}
	return doc, nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, documentID string) (Document, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+documentColumns+`
		FROM documents
		WHERE id=$1
	`, documentID)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, fmt.Errorf("document %s: %w", documentID, ErrNotFound)
	}
	if err != nil {
		return Document{}, fmt.Errorf("get document: %w", err)
	}
	return doc, nil
}

func (s *PostgresStore) ListDocuments(ctx context.Context, projectID string) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+documentColumns+`
		FROM documents
		WHERE project_id=$1
		ORDER BY number
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	items := make([]Document, 0)
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		items = append(items, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return items, nil
}

// UpdateDocument applies a partial update and returns the stored result.
func (s *PostgresStore) UpdateDocument(ctx context.Context, documentID string, patch DocumentPatch) (Document, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Document{}, fmt.Errorf("begin update document: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		SELECT `+documentColumns+`
		FROM documents
		WHERE id=$1
		FOR UPDATE
	`, documentID)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, fmt.Errorf("document %s: %w", documentID, ErrNotFound)
	}
	if err != nil {
		return Document{}, fmt.Errorf("read document for update: %w", err)
	}

	if patch.Title != nil {
		doc.Title = *patch.Title
	}
	if patch.Notes != nil {
		doc.Notes = *patch.Notes
	}
	if patch.Status != nil {
		doc.Status = *patch.Status
	}
	if patch.StartDate != nil {
		doc.StartDate = patch.StartDate
	}
	if patch.DueDate != nil {
		doc.DueDate = patch.DueDate
	}
	if patch.Participants != nil {
		doc.Participants = *patch.Participants
	}
	if patch.Attachments != nil {
		doc.Attachments = *patch.Attachments
	}
	if patch.History != nil {
		doc.History = *patch.History
	}

	participants, attachments, history, err := marshalDocumentJSON(doc.Fields())
	if err != nil {
		return Document{}, err
	}

	err = tx.QueryRowContext(ctx, `
		UPDATE documents
		SET title=$2, notes=$3, status=$4, start_date=$5, due_date=$6, participants=$7, attachments=$8, history=$9, updated_at=NOW()
		WHERE id=$1
		RETURNING updated_at
	`, doc.ID, doc.Title, doc.Notes, doc.Status, doc.StartDate, doc.DueDate, participants, attachments, history).Scan(&doc.UpdatedAt)
	if err != nil {
		return Document{}, fmt.Errorf("update document: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Document{}, fmt.Errorf("commit update document: %w", err)
	}
	return doc, nil
}

func (s *PostgresStore) DeleteDocument(ctx context.Context, documentID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id=$1`, documentID)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return fmt.Errorf("document %s: %w", documentID, ErrNotFound)
	}
	return nil
}

// GetMeetingsForProject returns the project's meeting list. The list is
// owned by the project row as one unit, matching SaveMeetingList.
func (s *PostgresStore) GetMeetingsForProject(ctx context.Context, projectID string) ([]Meeting, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `SELECT meetings FROM projects WHERE id=$1`, projectID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("project %s: %w", projectID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get meetings: %w", err)
	}

	meetings := make([]Meeting, 0)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &meetings); err != nil {
			return nil, fmt.Errorf("decode meetings: %w", err)
		}
	}
	return meetings, nil
}

func (s *PostgresStore) SaveMeetingList(ctx context.Context, projectID string, meetings []Meeting) error {
	if meetings == nil {
		meetings = []Meeting{}
	}
	raw, err := json.Marshal(meetings)
	if err != nil {
		return fmt.Errorf("encode meetings: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE projects SET meetings=$2, updated_at=NOW() WHERE id=$1
	`, projectID, raw)
	if err != nil {
		return fmt.Errorf("save meeting list: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return fmt.Errorf("project %s: %w", projectID, ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (Document, error) {
	var doc Document
	var participants, attachments, history []byte
	err := row.Scan(&doc.ID, &doc.ProjectID, &doc.Number, &doc.Title, &doc.Notes, &doc.Status,
		&doc.StartDate, &doc.DueDate, &participants, &attachments, &history, &doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		return Document{}, err
	}
	if len(participants) > 0 {
		if err := json.Unmarshal(participants, &doc.Participants); err != nil {
			return Document{}, fmt.Errorf("decode participants: %w", err)
		}
	}
	if len(attachments) > 0 {
		if err := json.Unmarshal(attachments, &doc.Attachments); err != nil {
			return Document{}, fmt.Errorf("decode attachments: %w", err)
		}
	}
	if len(history) > 0 {
		if err := json.Unmarshal(history, &doc.History); err != nil {
			return Document{}, fmt.Errorf("decode history: %w", err)
		}
	}
	return doc, nil
}

func marshalDocumentJSON(fields DocumentFields) (participants, attachments, history []byte, err error) {
	if fields.Participants == nil {
		fields.Participants = []string{}
	}
	if fields.Attachments == nil {
		fields.Attachments = []Attachment{}
	}
	if fields.History == nil {
		fields.History = []ChangeEntry{}
	}
	if participants, err = json.Marshal(fields.Participants); err != nil {
		return nil, nil, nil, fmt.Errorf("encode participants: %w", err)
	}
	if attachments, err = json.Marshal(fields.Attachments); err != nil {
		return nil, nil, nil, fmt.Errorf("encode attachments: %w", err)
	}
	if history, err = json.Marshal(fields.History); err != nil {
		return nil, nil, nil, fmt.Errorf("encode history: %w", err)
	}
	return participants, attachments, history, nil
}
