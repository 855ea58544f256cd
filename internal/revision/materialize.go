package revision

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"quorum/api/internal/store"
	"quorum/api/internal/util"
)

// TransferWarning reports attachment files that could not be copied while
// promoting one document. The final document keeps its original attachment
// metadata in that case, so old and new meeting may share those files.
type TransferWarning struct {
	DocumentID         string   `json:"documentId"`
	OriginalDocumentID string   `json:"originalDocumentId,omitempty"`
	Files              []string `json:"files"`
}

// MaterializeResult is the outcome of saving a session: the newly persisted
// meeting plus any non-fatal attachment transfer warnings.
type MaterializeResult struct {
	Meeting  store.Meeting     `json:"meeting"`
	Warnings []TransferWarning `json:"warnings,omitempty"`
}

// Materialize consumes the active session and persists a new meeting:
// duplicates are promoted to final documents (attachment files copied to
// their locations), newly added documents are carried over unchanged, the
// meeting is appended to the project's list, and the temporary duplicates
// are deleted. A failure while promoting or saving the meeting aborts and
// leaves the session active so the caller can retry; cleanup failures are
// logged only and left to the janitor.
func (w *Workspace) Materialize(ctx context.Context) (MaterializeResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.materializeLocked(ctx)
}

func (w *Workspace) materializeLocked(ctx context.Context) (MaterializeResult, error) {
	session := w.current
	if session == nil {
		return MaterializeResult{}, ErrNoActiveSession
	}

	var (
		finalIDs      []string
		createdFinals []string
		warnings      []TransferWarning
	)

	for _, originalID := range session.originals {
		duplicateID := session.duplicates[originalID]
		duplicate, err := w.store.GetDocument(ctx, duplicateID)
		if errors.Is(err, store.ErrNotFound) {
			w.log.Warn("duplicate vanished before materialize, skipping",
				zap.String("document", duplicateID))
			continue
		}
		if err != nil {
			w.abortMaterialize(ctx, session.ProjectID, createdFinals)
			return MaterializeResult{}, fmt.Errorf("read duplicate %s: %w", duplicateID, err)
		}

		final, err := w.store.CreateDocument(ctx, session.ProjectID, duplicate.Fields())
		if err != nil {
			w.abortMaterialize(ctx, session.ProjectID, createdFinals)
			return MaterializeResult{}, fmt.Errorf("promote document %s: %w", duplicateID, err)
		}
		createdFinals = append(createdFinals, final.ID)

		if warning := w.transferAttachments(ctx, session, originalID, final); warning != nil {
			warnings = append(warnings, *warning)
		}

		finalIDs = append(finalIDs, final.ID)
	}

	finalIDs = append(finalIDs, session.newlyAdded...)

	meetings, err := w.store.GetMeetingsForProject(ctx, session.ProjectID)
	if err != nil {
		w.abortMaterialize(ctx, session.ProjectID, createdFinals)
		return MaterializeResult{}, fmt.Errorf("load meeting list: %w", err)
	}

	number := 0
	for _, m := range meetings {
		if m.Number > number {
			number = m.Number
		}
	}
	meeting := store.Meeting{
		ID:                 util.NewID("mtg"),
		ProjectID:          session.ProjectID,
		Number:             number + 1,
		Date:               session.draft.Date,
		Location:           session.draft.Location,
		Notes:              session.draft.Notes,
		Participants:       session.draft.Participants,
		RelatedDocumentIDs: finalIDs,
		CreatedAt:          w.now(),
	}

	if err := w.store.SaveMeetingList(ctx, session.ProjectID, append(meetings, meeting)); err != nil {
		w.abortMaterialize(ctx, session.ProjectID, createdFinals)
		return MaterializeResult{}, fmt.Errorf("save meeting list: %w", err)
	}

	// Cleanup of temporary duplicates. The meeting is already persisted, so
	// failures here do not roll anything back; leftovers are swept later.
	for _, duplicateID := range session.DuplicateIDs() {
		if err := w.store.DeleteDocument(ctx, duplicateID); err != nil && !errors.Is(err, store.ErrNotFound) {
			w.log.Warn("cleanup of temporary duplicate failed",
				zap.String("document", duplicateID), zap.Error(err))
		}
		if err := w.blobs.DeleteAll(ctx, session.ProjectID, duplicateID); err != nil {
			w.log.Warn("cleanup of temporary duplicate files failed",
				zap.String("document", duplicateID), zap.Error(err))
		}
	}

	w.unregisterSession(ctx, session)
	session.closed = true
	w.current = nil

	w.log.Info("revision session materialized",
		zap.String("session", session.ID),
		zap.String("meeting", meeting.ID),
		zap.Int("documents", len(finalIDs)),
		zap.Int("transferWarnings", len(warnings)))

	return MaterializeResult{Meeting: meeting, Warnings: warnings}, nil
}

// transferAttachments copies every attachment file of a promoted document to
// its final location. Successful copies become new attachment records at the
// final document's path; a failed copy keeps that file's original metadata,
// still pointing at the original's stored file, and is reported as a
// warning. The file may then be shared between old and new meeting, which is
// an accepted consistency gap rather than a crash.
func (w *Workspace) transferAttachments(ctx context.Context, session *Session, originalID string, final store.Document) *TransferWarning {
	if len(final.Attachments) == 0 {
		return nil
	}

	var (
		merged []store.Attachment
		failed []string
	)
	for _, attachment := range final.Attachments {
		srcProjectID, srcDocumentID, ok := parseObjectPath(attachment.Path)
		if !ok {
			// Reference copies made by startEdit point at the original's
			// location; fall back to it for hand-written paths.
			srcProjectID, srcDocumentID = session.ProjectID, originalID
		}
		newPath, err := w.blobs.Copy(ctx, srcProjectID, srcDocumentID, session.ProjectID, final.ID, attachment.FileName)
		if err != nil {
			w.log.Warn("attachment copy failed",
				zap.String("document", final.ID),
				zap.String("file", attachment.FileName),
				zap.Error(err))
			failed = append(failed, attachment.FileName)
			merged = append(merged, attachment)
			continue
		}
		promoted := attachment
		promoted.ID = util.NewID("att")
		promoted.Path = newPath
		merged = append(merged, promoted)
	}

	var warning *TransferWarning
	if len(failed) > 0 {
		warning = &TransferWarning{DocumentID: final.ID, OriginalDocumentID: originalID, Files: failed}
	}

	if _, err := w.store.UpdateDocument(ctx, final.ID, store.DocumentPatch{Attachments: &merged}); err != nil {
		// Files are copied but the metadata still points at the originals;
		// surfaced as a warning rather than failing the whole save.
		w.log.Warn("attachment metadata swap failed",
			zap.String("document", final.ID), zap.Error(err))
		files := make([]string, 0, len(final.Attachments))
		for _, attachment := range final.Attachments {
			files = append(files, attachment.FileName)
		}
		return &TransferWarning{DocumentID: final.ID, OriginalDocumentID: originalID, Files: files}
	}
	return warning
}

// abortMaterialize undoes final documents created before the materialize
// gave up, so a retry starts clean. Best effort, logged only.
func (w *Workspace) abortMaterialize(ctx context.Context, projectID string, createdFinals []string) {
	for _, finalID := range createdFinals {
		if err := w.store.DeleteDocument(ctx, finalID); err != nil && !errors.Is(err, store.ErrNotFound) {
			w.log.Warn("rollback of promoted document failed",
				zap.String("document", finalID), zap.Error(err))
		}
		if err := w.blobs.DeleteAll(ctx, projectID, finalID); err != nil {
			w.log.Warn("rollback of promoted document files failed",
				zap.String("document", finalID), zap.Error(err))
		}
	}
}

// Discard deletes every temporary duplicate and newly added document of the
// active session without creating a meeting. Calling it with no session
// open is a no-op, so a double discard never double-deletes.
func (w *Workspace) Discard(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.discardLocked(ctx)
}

func (w *Workspace) discardLocked(ctx context.Context) error {
	session := w.current
	if session == nil {
		return nil
	}

	discard := append(session.DuplicateIDs(), session.newlyAdded...)
	for _, documentID := range discard {
		if err := w.store.DeleteDocument(ctx, documentID); err != nil && !errors.Is(err, store.ErrNotFound) {
			w.log.Warn("discard of session document failed",
				zap.String("document", documentID), zap.Error(err))
		}
		// Only files uploaded during the session live under these ids; the
		// originals' files are at the originals' paths and stay untouched.
		if err := w.blobs.DeleteAll(ctx, session.ProjectID, documentID); err != nil {
			w.log.Warn("discard of session files failed",
				zap.String("document", documentID), zap.Error(err))
		}
	}

	w.unregisterSession(ctx, session)
	session.closed = true
	w.current = nil

	w.log.Info("revision session discarded",
		zap.String("session", session.ID), zap.Int("documents", len(discard)))
	return nil
}

// SaveAndSwitch resolves a conflict by materializing the current session and
// then opening a session for the pending meeting. If the materialize fails,
// the switch is aborted: the current session stays active and the pending
// request is dropped.
func (w *Workspace) SaveAndSwitch(ctx context.Context, conflict Conflict) (*Session, MaterializeResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	result, err := w.materializeLocked(ctx)
	if err != nil {
		return nil, MaterializeResult{}, fmt.Errorf("save current session: %w", err)
	}

	session, err := w.startEdit(ctx, conflict.Pending)
	if err != nil {
		return nil, result, fmt.Errorf("open pending meeting: %w", err)
	}
	w.current = session
	w.registerSession(ctx, session)
	return session, result, nil
}

// parseObjectPath reverses the blob key encoding
// projects/<project>/documents/<document>/<filename>.
func parseObjectPath(path string) (projectID, documentID string, ok bool) {
	parts := strings.SplitN(path, "/", 5)
	if len(parts) != 5 || parts[0] != "projects" || parts[2] != "documents" {
		return "", "", false
	}
	return parts[1], parts[3], true
}
