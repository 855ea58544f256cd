package revision

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"quorum/api/internal/changelog"
	"quorum/api/internal/store"
	"quorum/api/internal/util"
)

// ErrSessionActive is returned by StartNew while another session is open.
var ErrSessionActive = errors.New("a revision session is already active")

// Draft is the meeting metadata accumulated while a session is open. It
// becomes the new meeting's metadata on materialize.
type Draft struct {
	Date         time.Time
	Location     string
	Notes        string
	Participants []string
}

// Session is the in-memory state of one revision. It is plain data: the
// duplicate mapping has no hidden references so it can be inspected and
// tested without a live store.
type Session struct {
	ID        string
	ProjectID string
	// Original is the meeting being revised; nil when composing a meeting
	// that was never saved before.
	Original *store.Meeting

	// originals preserves the original meeting's document order; duplicates
	// maps each original id to its temporary copy.
	originals  []string
	duplicates map[string]string
	newlyAdded []string

	draft  Draft
	closed bool
}

func (s *Session) originalMeetingID() string {
	if s.Original == nil {
		return ""
	}
	return s.Original.ID
}

// DuplicateIDs returns the temporary duplicate ids in original-meeting order.
func (s *Session) DuplicateIDs() []string {
	ids := make([]string, 0, len(s.originals))
	for _, originalID := range s.originals {
		ids = append(ids, s.duplicates[originalID])
	}
	return ids
}

// NewlyAddedIDs returns documents created during the session, in creation order.
func (s *Session) NewlyAddedIDs() []string {
	return append([]string(nil), s.newlyAdded...)
}

// Draft returns the pending meeting metadata.
func (s *Session) Draft() Draft {
	return s.draft
}

// Owns reports whether the document belongs to this session, either as a
// temporary duplicate or as a newly added document.
func (s *Session) Owns(documentID string) bool {
	return s.isDuplicate(documentID) || s.isNewlyAdded(documentID)
}

func (s *Session) isDuplicate(documentID string) bool {
	for _, duplicateID := range s.duplicates {
		if duplicateID == documentID {
			return true
		}
	}
	return false
}

func (s *Session) isNewlyAdded(documentID string) bool {
	for _, id := range s.newlyAdded {
		if id == documentID {
			return true
		}
	}
	return false
}

func (s *Session) record(now time.Time) SessionRecord {
	return SessionRecord{
		SessionID:      s.ID,
		ProjectID:      s.ProjectID,
		DuplicateIDs:   s.DuplicateIDs(),
		NewDocumentIDs: s.NewlyAddedIDs(),
		HeartbeatAt:    now,
	}
}

// RequestEdit asks to open a revision session for the meeting. Outcomes:
// no session active, a new session is started; the same meeting is already
// being edited, the existing session is returned; a different meeting is
// active, a Conflict is returned and nothing changes.
func (w *Workspace) RequestEdit(ctx context.Context, meeting store.Meeting) (*Session, *Conflict, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.current != nil {
		if w.current.originalMeetingID() == meeting.ID {
			return w.current, nil, nil
		}
		return nil, &Conflict{ActiveMeetingID: w.current.originalMeetingID(), Pending: meeting}, nil
	}

	session, err := w.startEdit(ctx, meeting)
	if err != nil {
		return nil, nil, err
	}
	w.current = session
	w.registerSession(ctx, session)
	return session, nil, nil
}

// startEdit duplicates every live document of the meeting. Originals that
// vanished since the meeting was saved are skipped, not errors. Caller holds
// the lock.
func (w *Workspace) startEdit(ctx context.Context, meeting store.Meeting) (*Session, error) {
	session := &Session{
		ID:         util.NewID("rev"),
		ProjectID:  meeting.ProjectID,
		Original:   &meeting,
		duplicates: make(map[string]string),
		draft: Draft{
			Date:         meeting.Date,
			Location:     meeting.Location,
			Notes:        meeting.Notes,
			Participants: meeting.Participants,
		},
	}

	for _, originalID := range meeting.RelatedDocumentIDs {
		original, err := w.store.GetDocument(ctx, originalID)
		if errors.Is(err, store.ErrNotFound) {
			w.log.Info("skipping vanished document in revision",
				zap.String("meeting", meeting.ID), zap.String("document", originalID))
			continue
		}
		if err != nil {
			w.abortStart(ctx, session)
			return nil, fmt.Errorf("fetch original %s: %w", originalID, err)
		}

		// Field-for-field copy, history and attachment metadata included.
		// The duplicate's attachments still point at the original's stored
		// files; no object is copied until materialize.
		duplicate, err := w.store.CreateDocument(ctx, meeting.ProjectID, original.Fields())
		if err != nil {
			w.abortStart(ctx, session)
			return nil, fmt.Errorf("duplicate document %s: %w", originalID, err)
		}

		session.originals = append(session.originals, originalID)
		session.duplicates[originalID] = duplicate.ID
	}

	return session, nil
}

// abortStart deletes duplicates created before a failed StartEdit gave up.
// Best effort: anything left behind is picked up by the janitor.
func (w *Workspace) abortStart(ctx context.Context, session *Session) {
	for _, duplicateID := range session.DuplicateIDs() {
		if err := w.store.DeleteDocument(ctx, duplicateID); err != nil && !errors.Is(err, store.ErrNotFound) {
			w.log.Warn("cleanup of aborted session duplicate failed",
				zap.String("document", duplicateID), zap.Error(err))
		}
	}
}

// StartNew opens an empty session for composing a never-before-saved
// meeting. Documents added in this mode have no original counterpart.
func (w *Workspace) StartNew(ctx context.Context, projectID string, draft Draft) (*Session, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.current != nil {
		return nil, ErrSessionActive
	}

	session := &Session{
		ID:         util.NewID("rev"),
		ProjectID:  projectID,
		duplicates: make(map[string]string),
		draft:      draft,
	}
	w.current = session
	w.registerSession(ctx, session)
	return session, nil
}

// UpdateDraft replaces the pending meeting metadata of the active session.
func (w *Workspace) UpdateDraft(draft Draft) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.current == nil {
		return ErrNoActiveSession
	}
	w.current.draft = draft
	return nil
}

// UpdateDocument applies an edit to a session-owned document and appends the
// resulting change-log entries to its history. Edits on duplicates are
// tagged with the original meeting's date and number; edits in new-meeting
// mode carry no meeting context.
func (w *Workspace) UpdateDocument(ctx context.Context, documentID string, patch store.DocumentPatch, changedBy string) (store.Document, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.current == nil {
		return store.Document{}, ErrNoActiveSession
	}
	if !w.current.Owns(documentID) {
		return store.Document{}, fmt.Errorf("document %s: %w", documentID, ErrNotSessionDocument)
	}

	prev, err := w.store.GetDocument(ctx, documentID)
	if err != nil {
		return store.Document{}, fmt.Errorf("read session document: %w", err)
	}

	tag := changelog.Tag{ChangedBy: changedBy}
	if w.current.Original != nil && w.current.isDuplicate(documentID) {
		meetingDate := w.current.Original.Date
		tag.MeetingDate = &meetingDate
		tag.MeetingNumber = w.current.Original.Number
	}

	entries := changelog.Diff(prev.Fields(), applyPatch(prev.Fields(), patch), tag, w.now())
	if len(entries) > 0 {
		history := changelog.Append(prev.History, entries)
		patch.History = &history
	}

	updated, err := w.store.UpdateDocument(ctx, documentID, patch)
	if err != nil {
		return store.Document{}, fmt.Errorf("update session document: %w", err)
	}
	return updated, nil
}

// AddDocument creates a document inside the session. It has no original
// counterpart and is carried into the new meeting as-is on materialize.
func (w *Workspace) AddDocument(ctx context.Context, fields store.DocumentFields) (store.Document, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.current == nil {
		return store.Document{}, ErrNoActiveSession
	}

	doc, err := w.store.CreateDocument(ctx, w.current.ProjectID, fields)
	if err != nil {
		return store.Document{}, fmt.Errorf("add session document: %w", err)
	}
	w.current.newlyAdded = append(w.current.newlyAdded, doc.ID)
	w.registerSession(ctx, w.current)
	return doc, nil
}

// VisibleDocuments returns what the editor may touch while the session is
// open: project documents not claimed by any saved meeting, plus the
// session's own duplicates and newly added documents. The originals of the
// meeting under revision stay hidden; their duplicates stand in for them.
func (w *Workspace) VisibleDocuments(ctx context.Context) ([]store.Document, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.current == nil {
		return nil, ErrNoActiveSession
	}

	docs, err := w.store.ListDocuments(ctx, w.current.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("list project documents: %w", err)
	}
	meetings, err := w.store.GetMeetingsForProject(ctx, w.current.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("list project meetings: %w", err)
	}

	claimed := make(map[string]struct{})
	for _, meeting := range meetings {
		for _, id := range meeting.RelatedDocumentIDs {
			claimed[id] = struct{}{}
		}
	}

	visible := make([]store.Document, 0, len(docs))
	for _, doc := range docs {
		if w.current.Owns(doc.ID) {
			visible = append(visible, doc)
			continue
		}
		if _, taken := claimed[doc.ID]; !taken {
			visible = append(visible, doc)
		}
	}
	return visible, nil
}

func applyPatch(fields store.DocumentFields, patch store.DocumentPatch) store.DocumentFields {
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
