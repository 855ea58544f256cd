// Package revision implements the meeting revision workspace: copy-on-write
// editing of a saved meeting's documents over a store with no native
// versioning. A session duplicates the meeting's documents, all edits land
// on the duplicates, and saving promotes them into a brand-new meeting while
// the original meeting's snapshot stays untouched.
package revision

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"quorum/api/internal/store"
)

// DocumentStore is the slice of the persistence layer the workspace needs.
type DocumentStore interface {
	GetDocument(ctx context.Context, documentID string) (store.Document, error)
	ListDocuments(ctx context.Context, projectID string) ([]store.Document, error)
	CreateDocument(ctx context.Context, projectID string, fields store.DocumentFields) (store.Document, error)
	UpdateDocument(ctx context.Context, documentID string, patch store.DocumentPatch) (store.Document, error)
	DeleteDocument(ctx context.Context, documentID string) error
	GetMeetingsForProject(ctx context.Context, projectID string) ([]store.Meeting, error)
	SaveMeetingList(ctx context.Context, projectID string, meetings []store.Meeting) error
}

// AttachmentTransfer copies and deletes stored attachment files.
type AttachmentTransfer interface {
	Copy(ctx context.Context, srcProjectID, srcDocumentID, dstProjectID, dstDocumentID, filename string) (string, error)
	Delete(ctx context.Context, projectID, documentID, filename string) error
	DeleteAll(ctx context.Context, projectID, documentID string) error
}

// Registry records which temporary documents belong to which session so the
// janitor can clean up after abandoned sessions. It is advisory: registry
// failures never block the workspace.
type Registry interface {
	Register(ctx context.Context, record SessionRecord) error
	Heartbeat(ctx context.Context, sessionID string) error
	Unregister(ctx context.Context, sessionID string) error
}

var (
	// ErrNoActiveSession is returned by operations that require an open session.
	ErrNoActiveSession = errors.New("no active revision session")
	// ErrSessionClosed is returned when a session was already materialized or discarded.
	ErrSessionClosed = errors.New("revision session closed")
	// ErrNotSessionDocument is returned when an edit targets a document the
	// session does not own.
	ErrNotSessionDocument = errors.New("document does not belong to the revision session")
)

// Conflict is the first-class outcome of requesting an edit while another
// meeting's session is active. It is not an error: the caller must resolve
// it by abandoning the pending request or saving the current session first.
type Conflict struct {
	ActiveMeetingID string
	Pending         store.Meeting
}

// Workspace owns the single active revision session for this process and
// coordinates the document store, the attachment transfer service and the
// session registry. Only one session may be active at a time.
type Workspace struct {
	store    DocumentStore
	blobs    AttachmentTransfer
	registry Registry
	log      *zap.Logger
	now      func() time.Time

	// mu serializes every session transition; holding it across store calls
	// is deliberate, it is what makes the single-writer invariant hold.
	mu      sync.Mutex
	current *Session
}

func New(documents DocumentStore, blobs AttachmentTransfer, registry Registry, logger *zap.Logger) *Workspace {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Workspace{
		store:    documents,
		blobs:    blobs,
		registry: registry,
		log:      logger,
		now:      time.Now,
	}
}

// Active reports whether a session is open and for which meeting. The empty
// meeting id with ok=true means a "new meeting" session.
func (w *Workspace) Active() (meetingID string, ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.current == nil {
		return "", false
	}
	return w.current.originalMeetingID(), true
}

// Current returns the active session, or nil when none is open.
func (w *Workspace) Current() *Session {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// OwnsDocument reports whether the active session owns the document. False
// when no session is open.
func (w *Workspace) OwnsDocument(documentID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current != nil && w.current.Owns(documentID)
}

func (w *Workspace) registerSession(ctx context.Context, session *Session) {
	if w.registry == nil {
		return
	}
	if err := w.registry.Register(ctx, session.record(w.now())); err != nil {
		w.log.Warn("session registry update failed", zap.String("session", session.ID), zap.Error(err))
	}
}

func (w *Workspace) unregisterSession(ctx context.Context, session *Session) {
	if w.registry == nil {
		return
	}
	if err := w.registry.Unregister(ctx, session.ID); err != nil {
		w.log.Warn("session registry unregister failed", zap.String("session", session.ID), zap.Error(err))
	}
}

// Heartbeat refreshes the active session's registry record so the janitor
// knows the session is still alive.
func (w *Workspace) Heartbeat(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.current == nil {
		return ErrNoActiveSession
	}
	if w.registry == nil {
		return nil
	}
	return w.registry.Heartbeat(ctx, w.current.ID)
}
