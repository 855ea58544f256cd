package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"go.uber.org/zap"

	"quorum/api/internal/changelog"
	"quorum/api/internal/config"
	"quorum/api/internal/export"
	"quorum/api/internal/revision"
	"quorum/api/internal/search"
	"quorum/api/internal/store"
	"quorum/api/internal/util"
)

// dataStore is the persistence surface the service consumes. *store.PostgresStore
// implements it; tests substitute an in-memory fake.
type dataStore interface {
	Ping(ctx context.Context) error

	CreateProject(ctx context.Context, name, code, description string) (store.Project, error)
	GetProject(ctx context.Context, projectID string) (store.Project, error)
	ListProjects(ctx context.Context) ([]store.Project, error)
	UpdateProject(ctx context.Context, projectID, name, code, description string) error
	DeleteProject(ctx context.Context, projectID string) error

	CreateDocument(ctx context.Context, projectID string, fields store.DocumentFields) (store.Document, error)
	GetDocument(ctx context.Context, documentID string) (store.Document, error)
	ListDocuments(ctx context.Context, projectID string) ([]store.Document, error)
	UpdateDocument(ctx context.Context, documentID string, patch store.DocumentPatch) (store.Document, error)
	DeleteDocument(ctx context.Context, documentID string) error

	GetMeetingsForProject(ctx context.Context, projectID string) ([]store.Meeting, error)
	SaveMeetingList(ctx context.Context, projectID string, meetings []store.Meeting) error
}

// blobStore is the attachment file surface the service consumes.
type blobStore interface {
	Upload(ctx context.Context, projectID, documentID, filename, contentType string, size int64, reader io.Reader) (string, error)
	Delete(ctx context.Context, projectID, documentID, filename string) error
	DeleteAll(ctx context.Context, projectID, documentID string) error
	PresignedGetURL(ctx context.Context, path, filename string, ttl time.Duration) (string, error)
}

// Service is the application facade the HTTP layer talks to.
type Service struct {
	cfg       config.Config
	store     dataStore
	blobs     blobStore
	workspace *revision.Workspace
	search    *search.Service
	export    *export.Service
	log       *zap.Logger
	now       func() time.Time
}

func NewService(cfg config.Config, dataStore dataStore, blobs blobStore, workspace *revision.Workspace, searchSvc *search.Service, exportSvc *export.Service, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		cfg:       cfg,
		store:     dataStore,
		blobs:     blobs,
		workspace: workspace,
		search:    searchSvc,
		export:    exportSvc,
		log:       logger,
		now:       time.Now,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

var validStatuses = []any{store.StatusToStart, store.StatusInProgress, store.StatusDone, store.StatusInfo}

// ProjectInput is the payload for creating or updating a project.
type ProjectInput struct {
	Name        string `json:"name"`
	Code        string `json:"code"`
	Description string `json:"description"`
}

func (in ProjectInput) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.Name, validation.Required, validation.Length(1, 200)),
		validation.Field(&in.Code, validation.Length(0, 20)),
		validation.Field(&in.Description, validation.Length(0, 2000)),
	)
}

// DocumentInput is the payload for creating a document.
type DocumentInput struct {
	Title        string     `json:"title"`
	Notes        string     `json:"notes"`
	Status       string     `json:"status"`
	StartDate    *time.Time `json:"startDate"`
	DueDate      *time.Time `json:"dueDate"`
	Participants []string   `json:"participants"`
}

func (in DocumentInput) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.Title, validation.Required, validation.Length(1, 300)),
		validation.Field(&in.Status, validation.In(validStatuses...)),
	)
}

func (in DocumentInput) fields() store.DocumentFields {
	status := in.Status
	if status == "" {
		status = store.StatusToStart
	}
	return store.DocumentFields{
		Title:        in.Title,
		Notes:        in.Notes,
		Status:       status,
		StartDate:    in.StartDate,
		DueDate:      in.DueDate,
		Participants: in.Participants,
	}
}

// DocumentPatchInput is a partial document update; nil fields stay unchanged.
type DocumentPatchInput struct {
	Title        *string    `json:"title"`
	Notes        *string    `json:"notes"`
	Status       *string    `json:"status"`
	StartDate    *time.Time `json:"startDate"`
	DueDate      *time.Time `json:"dueDate"`
	Participants *[]string  `json:"participants"`
	ChangedBy    string     `json:"changedBy"`
}

func (in DocumentPatchInput) Validate() error {
	if in.Status != nil {
		if err := validation.Validate(*in.Status, validation.Required, validation.In(validStatuses...)); err != nil {
			return validation.Errors{"status": err}
		}
	}
	if in.Title != nil {
		if err := validation.Validate(*in.Title, validation.Required, validation.Length(1, 300)); err != nil {
			return validation.Errors{"title": err}
		}
	}
	return nil
}

func (in DocumentPatchInput) patch() store.DocumentPatch {
	return store.DocumentPatch{
		Title:        in.Title,
		Notes:        in.Notes,
		Status:       in.Status,
		StartDate:    in.StartDate,
		DueDate:      in.DueDate,
		Participants: in.Participants,
	}
}

// DraftInput is the meeting metadata payload for session routes.
type DraftInput struct {
	Date         time.Time `json:"date"`
	Location     string    `json:"location"`
	Notes        string    `json:"notes"`
	Participants []string  `json:"participants"`
}

func (in DraftInput) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.Date, validation.Required),
		validation.Field(&in.Location, validation.Length(0, 300)),
	)
}

func (in DraftInput) draft() revision.Draft {
	return revision.Draft{
		Date:         in.Date,
		Location:     in.Location,
		Notes:        in.Notes,
		Participants: in.Participants,
	}
}

func validationError(err error) error {
	var details validation.Errors
	if errors.As(err, &details) {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Validation failed", details)
	}
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
}

// Projects

func (s *Service) CreateProject(ctx context.Context, in ProjectInput) (store.Project, error) {
	if err := in.Validate(); err != nil {
		return store.Project{}, validationError(err)
	}
	return s.store.CreateProject(ctx, in.Name, in.Code, in.Description)
}

func (s *Service) GetProject(ctx context.Context, projectID string) (store.Project, error) {
	return s.store.GetProject(ctx, projectID)
}

func (s *Service) ListProjects(ctx context.Context) ([]store.Project, error) {
	return s.store.ListProjects(ctx)
}

func (s *Service) UpdateProject(ctx context.Context, projectID string, in ProjectInput) (store.Project, error) {
	if err := in.Validate(); err != nil {
		return store.Project{}, validationError(err)
	}
	if err := s.store.UpdateProject(ctx, projectID, in.Name, in.Code, in.Description); err != nil {
		return store.Project{}, err
	}
	return s.store.GetProject(ctx, projectID)
}

func (s *Service) DeleteProject(ctx context.Context, projectID string) error {
	if activeProject, ok := s.activeSessionProject(); ok && activeProject == projectID {
		return domainError(http.StatusConflict, "SESSION_ACTIVE", "A revision session is open on this project", nil)
	}
	documents, err := s.store.ListDocuments(ctx, projectID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteProject(ctx, projectID); err != nil {
		return err
	}
	for _, doc := range documents {
		if err := s.blobs.DeleteAll(ctx, projectID, doc.ID); err != nil {
			s.log.Warn("delete project files failed", zap.String("document", doc.ID), zap.Error(err))
		}
		if s.search != nil {
			s.search.DeleteDocument(doc.ID)
		}
	}
	return nil
}

func (s *Service) activeSessionProject() (string, bool) {
	view, ok := s.SessionStatus()
	if !ok {
		return "", false
	}
	return view.ProjectID, true
}

// Documents

func (s *Service) CreateDocument(ctx context.Context, projectID string, in DocumentInput) (store.Document, error) {
	if err := in.Validate(); err != nil {
		return store.Document{}, validationError(err)
	}
	if _, err := s.store.GetProject(ctx, projectID); err != nil {
		return store.Document{}, err
	}
	doc, err := s.store.CreateDocument(ctx, projectID, in.fields())
	if err != nil {
		return store.Document{}, err
	}
	s.indexDocument(doc)
	return doc, nil
}

func (s *Service) GetDocument(ctx context.Context, documentID string) (store.Document, error) {
	return s.store.GetDocument(ctx, documentID)
}

func (s *Service) ListProjectDocuments(ctx context.Context, projectID string) ([]store.Document, error) {
	return s.store.ListDocuments(ctx, projectID)
}

// QuickEditDocument applies a direct edit to a live document outside any
// revision session. The resulting history entries are marked as quick edits
// and carry no meeting context.
func (s *Service) QuickEditDocument(ctx context.Context, documentID string, in DocumentPatchInput) (store.Document, error) {
	if err := in.Validate(); err != nil {
		return store.Document{}, validationError(err)
	}
	if s.workspace.OwnsDocument(documentID) {
		return store.Document{}, domainError(http.StatusConflict, "SESSION_DOCUMENT",
			"Document belongs to the open revision session; edit it through the session", nil)
	}

	prev, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return store.Document{}, err
	}

	patch := in.patch()
	tag := changelog.Tag{ChangedBy: in.ChangedBy, QuickEdit: true}
	entries := changelog.Diff(prev.Fields(), applyFieldsPatch(prev.Fields(), patch), tag, s.now())
	if len(entries) > 0 {
		history := changelog.Append(prev.History, entries)
		patch.History = &history
	}

	doc, err := s.store.UpdateDocument(ctx, documentID, patch)
	if err != nil {
		return store.Document{}, err
	}
	s.indexDocument(doc)
	return doc, nil
}

func (s *Service) DeleteDocument(ctx context.Context, documentID string) error {
	if s.workspace.OwnsDocument(documentID) {
		return domainError(http.StatusConflict, "SESSION_DOCUMENT",
			"Document belongs to the open revision session", nil)
	}
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteDocument(ctx, documentID); err != nil {
		return err
	}
	if err := s.blobs.DeleteAll(ctx, doc.ProjectID, doc.ID); err != nil {
		s.log.Warn("delete document files failed", zap.String("document", doc.ID), zap.Error(err))
	}
	if s.search != nil {
		s.search.DeleteDocument(doc.ID)
	}
	return nil
}

// Attachments

func (s *Service) UploadAttachment(ctx context.Context, documentID, filename, contentType string, size int64, reader io.Reader) (store.Document, error) {
	if filename == "" {
		return store.Document{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "filename is required", nil)
	}
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return store.Document{}, err
	}

	path, err := s.blobs.Upload(ctx, doc.ProjectID, doc.ID, filename, contentType, size, reader)
	if err != nil {
		return store.Document{}, fmt.Errorf("upload attachment: %w", err)
	}

	attachment := store.Attachment{
		ID:          util.NewID("att"),
		FileName:    filename,
		Size:        size,
		ContentType: contentType,
		UploadedAt:  s.now(),
		Path:        path,
	}

	// Re-uploading the same filename replaces the existing entry.
	attachments := make([]store.Attachment, 0, len(doc.Attachments)+1)
	for _, existing := range doc.Attachments {
		if existing.FileName != filename {
			attachments = append(attachments, existing)
		}
	}
	attachments = append(attachments, attachment)

	return s.store.UpdateDocument(ctx, documentID, store.DocumentPatch{Attachments: &attachments})
}

func (s *Service) DeleteAttachment(ctx context.Context, documentID, attachmentID string) (store.Document, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return store.Document{}, err
	}

	var target *store.Attachment
	attachments := make([]store.Attachment, 0, len(doc.Attachments))
	for i, attachment := range doc.Attachments {
		if attachment.ID == attachmentID {
			target = &doc.Attachments[i]
			continue
		}
		attachments = append(attachments, attachment)
	}
	if target == nil {
		return store.Document{}, domainError(http.StatusNotFound, "NOT_FOUND", "Attachment not found", nil)
	}

	if err := s.blobs.Delete(ctx, doc.ProjectID, doc.ID, target.FileName); err != nil {
		s.log.Warn("delete attachment file failed",
			zap.String("document", doc.ID), zap.String("file", target.FileName), zap.Error(err))
	}
	return s.store.UpdateDocument(ctx, documentID, store.DocumentPatch{Attachments: &attachments})
}

// AttachmentDownloadURL returns a short-lived presigned URL for the file.
func (s *Service) AttachmentDownloadURL(ctx context.Context, documentID, attachmentID string) (string, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return "", err
	}
	for _, attachment := range doc.Attachments {
		if attachment.ID == attachmentID {
			return s.blobs.PresignedGetURL(ctx, attachment.Path, attachment.FileName, s.cfg.PresignedURLTTL)
		}
	}
	return "", domainError(http.StatusNotFound, "NOT_FOUND", "Attachment not found", nil)
}

// Meetings and revision sessions

// SessionView is the serializable state of the active revision session.
type SessionView struct {
	SessionID      string     `json:"sessionId"`
	ProjectID      string     `json:"projectId"`
	MeetingID      string     `json:"meetingId,omitempty"`
	Draft          DraftInput `json:"draft"`
	DuplicateIDs   []string   `json:"duplicateIds"`
	NewDocumentIDs []string   `json:"newDocumentIds"`
}

func sessionView(session *revision.Session) SessionView {
	draft := session.Draft()
	view := SessionView{
		SessionID: session.ID,
		ProjectID: session.ProjectID,
		Draft: DraftInput{
			Date:         draft.Date,
			Location:     draft.Location,
			Notes:        draft.Notes,
			Participants: draft.Participants,
		},
		DuplicateIDs:   session.DuplicateIDs(),
		NewDocumentIDs: session.NewlyAddedIDs(),
	}
	if session.Original != nil {
		view.MeetingID = session.Original.ID
	}
	return view
}

// EditOutcome is the result of asking to revise a meeting: either a session
// (fresh or already open for that meeting) or a conflict with the session
// that is currently active.
type EditOutcome struct {
	Session  *SessionView       `json:"session,omitempty"`
	Conflict *revision.Conflict `json:"conflict,omitempty"`
}

func (s *Service) ListMeetings(ctx context.Context, projectID string) ([]store.Meeting, error) {
	if _, err := s.store.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	return s.store.GetMeetingsForProject(ctx, projectID)
}

func (s *Service) findMeeting(ctx context.Context, projectID, meetingID string) (store.Meeting, error) {
	meetings, err := s.store.GetMeetingsForProject(ctx, projectID)
	if err != nil {
		return store.Meeting{}, err
	}
	for _, meeting := range meetings {
		if meeting.ID == meetingID {
			return meeting, nil
		}
	}
	return store.Meeting{}, domainError(http.StatusNotFound, "NOT_FOUND", "Meeting not found", nil)
}

// EditMeeting opens (or resumes) a revision session for the meeting, or
// reports a conflict when a different meeting is being edited.
func (s *Service) EditMeeting(ctx context.Context, projectID, meetingID string) (EditOutcome, error) {
	meeting, err := s.findMeeting(ctx, projectID, meetingID)
	if err != nil {
		return EditOutcome{}, err
	}

	session, conflict, err := s.workspace.RequestEdit(ctx, meeting)
	if err != nil {
		return EditOutcome{}, err
	}
	if conflict != nil {
		return EditOutcome{Conflict: conflict}, nil
	}
	view := sessionView(session)
	return EditOutcome{Session: &view}, nil
}

// StartNewMeeting opens a session for a meeting that was never saved before.
func (s *Service) StartNewMeeting(ctx context.Context, projectID string, in DraftInput) (SessionView, error) {
	if err := in.Validate(); err != nil {
		return SessionView{}, validationError(err)
	}
	if _, err := s.store.GetProject(ctx, projectID); err != nil {
		return SessionView{}, err
	}
	session, err := s.workspace.StartNew(ctx, projectID, in.draft())
	if err != nil {
		return SessionView{}, err
	}
	return sessionView(session), nil
}

// SessionStatus reports the active session, if any.
func (s *Service) SessionStatus() (SessionView, bool) {
	session := s.workspace.Current()
	if session == nil {
		return SessionView{}, false
	}
	return sessionView(session), true
}

func (s *Service) UpdateSessionDraft(in DraftInput) error {
	if err := in.Validate(); err != nil {
		return validationError(err)
	}
	return s.workspace.UpdateDraft(in.draft())
}

func (s *Service) SessionDocuments(ctx context.Context) ([]store.Document, error) {
	return s.workspace.VisibleDocuments(ctx)
}

func (s *Service) AddSessionDocument(ctx context.Context, in DocumentInput) (store.Document, error) {
	if err := in.Validate(); err != nil {
		return store.Document{}, validationError(err)
	}
	return s.workspace.AddDocument(ctx, in.fields())
}

func (s *Service) UpdateSessionDocument(ctx context.Context, documentID string, in DocumentPatchInput) (store.Document, error) {
	if err := in.Validate(); err != nil {
		return store.Document{}, validationError(err)
	}
	return s.workspace.UpdateDocument(ctx, documentID, in.patch(), in.ChangedBy)
}

// SaveSession materializes the active session into a new meeting and indexes
// the result for search.
func (s *Service) SaveSession(ctx context.Context) (revision.MaterializeResult, error) {
	result, err := s.workspace.Materialize(ctx)
	if err != nil {
		return revision.MaterializeResult{}, err
	}
	s.indexMeeting(result.Meeting)
	for _, documentID := range result.Meeting.RelatedDocumentIDs {
		if doc, err := s.store.GetDocument(ctx, documentID); err == nil {
			s.indexDocument(doc)
		}
	}
	return result, nil
}

func (s *Service) DiscardSession(ctx context.Context) error {
	return s.workspace.Discard(ctx)
}

// SaveAndSwitch materializes the current session and opens one for another
// meeting in a single step.
func (s *Service) SaveAndSwitch(ctx context.Context, projectID, meetingID string) (SessionView, revision.MaterializeResult, error) {
	activeMeetingID, ok := s.workspace.Active()
	if !ok {
		return SessionView{}, revision.MaterializeResult{}, revision.ErrNoActiveSession
	}
	pending, err := s.findMeeting(ctx, projectID, meetingID)
	if err != nil {
		return SessionView{}, revision.MaterializeResult{}, err
	}

	session, result, err := s.workspace.SaveAndSwitch(ctx, revision.Conflict{
		ActiveMeetingID: activeMeetingID,
		Pending:         pending,
	})
	if err != nil {
		return SessionView{}, result, err
	}
	s.indexMeeting(result.Meeting)
	return sessionView(session), result, nil
}

func (s *Service) HeartbeatSession(ctx context.Context) error {
	return s.workspace.Heartbeat(ctx)
}

// Search and export

func (s *Service) Search(q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(q)
}

func (s *Service) Export(ctx context.Context, req export.Request) (*export.Result, error) {
	return s.export.Export(ctx, req)
}

func (s *Service) indexDocument(doc store.Document) {
	if s.search == nil {
		return
	}
	s.search.IndexDocument(search.DocumentRecord{
		ID:           doc.ID,
		Title:        doc.Title,
		Notes:        doc.Notes,
		ProjectID:    doc.ProjectID,
		Status:       doc.Status,
		Participants: doc.Participants,
	})
}

func (s *Service) indexMeeting(meeting store.Meeting) {
	if s.search == nil {
		return
	}
	s.search.IndexMeeting(search.MeetingRecord{
		ID:        meeting.ID,
		ProjectID: meeting.ProjectID,
		Number:    meeting.Number,
		Date:      meeting.Date.Format("2006-01-02"),
		Location:  meeting.Location,
		Notes:     meeting.Notes,
	})
}

func applyFieldsPatch(fields store.DocumentFields, patch store.DocumentPatch) store.DocumentFields {
	if patch.Title != nil {
		fields.Title = *patch.Title
	}
	if patch.Notes != nil {
		fields.Notes = *patch.Notes
	}
	if patch.Status != nil {
		fields.Status = *patch.Status
	}
	if patch.StartDate != nil {
		fields.StartDate = patch.StartDate
	}
	if patch.DueDate != nil {
		fields.DueDate = patch.DueDate
	}
	if patch.Participants != nil {
		fields.Participants = *patch.Participants
	}
	return fields
}
