package revision

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"quorum/api/internal/blob"
	"quorum/api/internal/store"
)

const testProject = "prj_test"

func newTestWorkspace() (*Workspace, *memStore, *memBlobs) {
	st := newMemStore()
	bl := newMemBlobs()
	return New(st, bl, nil, nil), st, bl
}

// seedMeeting stores documents d1 (two attachments with real objects) and
// d2, plus meeting m1 referencing both.
func seedMeeting(st *memStore, bl *memBlobs) store.Meeting {
	uploaded := time.Date(2025, 1, 5, 9, 0, 0, 0, time.UTC)
	d1 := store.Document{
		ID:        "d1",
		ProjectID: testProject,
		Number:    1,
		Title:     "Foundation drawings",
		Status:    store.StatusInProgress,
		Attachments: []store.Attachment{
			{ID: "att_1", FileName: "plan.pdf", Size: 2048, ContentType: "application/pdf", UploadedAt: uploaded, Path: bl.put(testProject, "d1", "plan.pdf")},
			{ID: "att_2", FileName: "site.jpg", Size: 4096, ContentType: "image/jpeg", UploadedAt: uploaded, Path: bl.put(testProject, "d1", "site.jpg")},
		},
	}
	d2 := store.Document{
		ID:        "d2",
		ProjectID: testProject,
		Number:    2,
		Title:     "Permit application",
		Status:    store.StatusToStart,
	}
	st.seed(d1)
	st.seed(d2)

	meeting := store.Meeting{
		ID:                 "m1",
		ProjectID:          testProject,
		Number:             1,
		Date:               time.Date(2025, 2, 1, 10, 0, 0, 0, time.UTC),
		Location:           "Site office",
		Participants:       []string{"Lena", "Omar"},
		RelatedDocumentIDs: []string{"d1", "d2"},
	}
	st.seedMeeting(testProject, meeting)
	return meeting
}

func TestStartEditDuplicatesDocuments(t *testing.T) {
	w, st, bl := newTestWorkspace()
	meeting := seedMeeting(st, bl)

	session, conflict, err := w.RequestEdit(context.Background(), meeting)
	if err != nil {
		t.Fatalf("RequestEdit() error = %v", err)
	}
	if conflict != nil {
		t.Fatalf("unexpected conflict: %+v", conflict)
	}

	duplicates := session.DuplicateIDs()
	if len(duplicates) != 2 {
		t.Fatalf("expected 2 duplicates, got %d", len(duplicates))
	}

	original := st.get("d1")
	duplicate := st.get(duplicates[0])
	if duplicate.Title != original.Title || duplicate.Status != original.Status {
		t.Fatalf("duplicate fields differ from original: %+v vs %+v", duplicate, original)
	}
	if duplicate.ID == original.ID {
		t.Fatalf("duplicate must have a fresh identity")
	}
	// Attachments are copied by reference: same paths, no new objects.
	if len(duplicate.Attachments) != 2 {
		t.Fatalf("expected attachment metadata copied, got %d", len(duplicate.Attachments))
	}
	for i, attachment := range duplicate.Attachments {
		if attachment.Path != original.Attachments[i].Path {
			t.Fatalf("duplicate attachment should reference the original path, got %s", attachment.Path)
		}
	}
}

func TestStartEditSkipsVanishedOriginals(t *testing.T) {
	w, st, bl := newTestWorkspace()
	meeting := seedMeeting(st, bl)
	if err := st.DeleteDocument(context.Background(), "d2"); err != nil {
		t.Fatalf("seed delete: %v", err)
	}

	session, _, err := w.RequestEdit(context.Background(), meeting)
	if err != nil {
		t.Fatalf("RequestEdit() error = %v", err)
	}
	if got := len(session.DuplicateIDs()); got != 1 {
		t.Fatalf("expected vanished original to be skipped, got %d duplicates", got)
	}
}

func TestRequestEditSameMeetingIsNoop(t *testing.T) {
	w, st, bl := newTestWorkspace()
	meeting := seedMeeting(st, bl)

	first, _, err := w.RequestEdit(context.Background(), meeting)
	if err != nil {
		t.Fatalf("first RequestEdit() error = %v", err)
	}
	second, conflict, err := w.RequestEdit(context.Background(), meeting)
	if err != nil {
		t.Fatalf("second RequestEdit() error = %v", err)
	}
	if conflict != nil {
		t.Fatalf("re-opening the same meeting must not conflict")
	}
	if second != first {
		t.Fatalf("expected the existing session back, got a new one")
	}
}

// A second meeting while one is being edited yields a conflict
// outcome, not a second session.
func TestRequestEditConflict(t *testing.T) {
	w, st, bl := newTestWorkspace()
	m1 := seedMeeting(st, bl)
	m2 := store.Meeting{ID: "m2", ProjectID: testProject, Number: 2}

	if _, _, err := w.RequestEdit(context.Background(), m1); err != nil {
		t.Fatalf("RequestEdit(m1) error = %v", err)
	}
	session, conflict, err := w.RequestEdit(context.Background(), m2)
	if err != nil {
		t.Fatalf("RequestEdit(m2) error = %v", err)
	}
	if session != nil {
		t.Fatalf("conflict must not open a second session")
	}
	if conflict == nil || conflict.Pending.ID != "m2" || conflict.ActiveMeetingID != "m1" {
		t.Fatalf("unexpected conflict outcome: %+v", conflict)
	}
	if activeID, ok := w.Active(); !ok || activeID != "m1" {
		t.Fatalf("m1 session should remain active, got %q ok=%v", activeID, ok)
	}
}

// Editing a duplicate and saving produces a new meeting with
// fresh document ids; the original meeting and documents stay untouched and
// the duplicates are gone.
func TestMaterializePromotesAndCleansUp(t *testing.T) {
	w, st, bl := newTestWorkspace()
	meeting := seedMeeting(st, bl)
	before := st.get("d1")

	session, _, err := w.RequestEdit(context.Background(), meeting)
	if err != nil {
		t.Fatalf("RequestEdit() error = %v", err)
	}
	duplicates := session.DuplicateIDs()

	done := store.StatusDone
	if _, err := w.UpdateDocument(context.Background(), duplicates[0], store.DocumentPatch{Status: &done}, "Lena"); err != nil {
		t.Fatalf("UpdateDocument() error = %v", err)
	}

	result, err := w.Materialize(context.Background())
	if err != nil {
		t.Fatalf("Materialize() error = %v", err)
	}
	if len(result.Warnings) != 0 {
		t.Fatalf("unexpected warnings: %+v", result.Warnings)
	}

	// New meeting with fresh ids, in original order.
	if len(result.Meeting.RelatedDocumentIDs) != 2 {
		t.Fatalf("expected 2 related documents, got %d", len(result.Meeting.RelatedDocumentIDs))
	}
	for _, id := range result.Meeting.RelatedDocumentIDs {
		if id == "d1" || id == "d2" {
			t.Fatalf("new meeting must not reference original documents")
		}
		if !st.has(id) {
			t.Fatalf("final document %s missing from store", id)
		}
	}

	promoted := st.get(result.Meeting.RelatedDocumentIDs[0])
	if promoted.Status != store.StatusDone {
		t.Fatalf("edit did not carry into the promoted document, status=%s", promoted.Status)
	}

	// Every final attachment lives at the final document's own location.
	for _, attachment := range promoted.Attachments {
		wantPrefix := blob.ObjectPath(testProject, promoted.ID, attachment.FileName)
		if attachment.Path != wantPrefix {
			t.Fatalf("attachment path %s does not belong to final document %s", attachment.Path, promoted.ID)
		}
		if !bl.exists(attachment.Path) {
			t.Fatalf("copied object %s missing", attachment.Path)
		}
	}

	// Originals byte-for-byte unchanged.
	if !reflect.DeepEqual(before, st.get("d1")) {
		t.Fatalf("original document mutated during revision")
	}
	meetings, _ := st.GetMeetingsForProject(context.Background(), testProject)
	if !reflect.DeepEqual(meetings[0].RelatedDocumentIDs, []string{"d1", "d2"}) {
		t.Fatalf("original meeting snapshot mutated: %v", meetings[0].RelatedDocumentIDs)
	}
	if len(meetings) != 2 {
		t.Fatalf("expected the new meeting appended, got %d meetings", len(meetings))
	}

	// Temporary duplicates deleted.
	for _, duplicateID := range duplicates {
		if st.has(duplicateID) {
			t.Fatalf("temporary duplicate %s survived materialize", duplicateID)
		}
	}
	if _, ok := w.Active(); ok {
		t.Fatalf("session should be closed after materialize")
	}
}

func TestMaterializeTagsHistoryWithMeetingContext(t *testing.T) {
	w, st, bl := newTestWorkspace()
	meeting := seedMeeting(st, bl)

	session, _, err := w.RequestEdit(context.Background(), meeting)
	if err != nil {
		t.Fatalf("RequestEdit() error = %v", err)
	}
	done := store.StatusDone
	updated, err := w.UpdateDocument(context.Background(), session.DuplicateIDs()[0], store.DocumentPatch{Status: &done}, "Omar")
	if err != nil {
		t.Fatalf("UpdateDocument() error = %v", err)
	}

	if len(updated.History) != 1 {
		t.Fatalf("expected one history entry, got %d", len(updated.History))
	}
	entry := updated.History[0]
	if entry.QuickEdit {
		t.Fatalf("revision edits are not quick edits")
	}
	if entry.MeetingNumber != meeting.Number || entry.MeetingDate == nil || !entry.MeetingDate.Equal(meeting.Date) {
		t.Fatalf("history entry missing meeting context: %+v", entry)
	}
	if entry.ChangedBy != "Omar" {
		t.Fatalf("expected ChangedBy Omar, got %q", entry.ChangedBy)
	}
}

// Discard deletes the duplicates, creates no meeting and leaves
// the originals untouched.
func TestDiscardDeletesSessionDocuments(t *testing.T) {
	w, st, bl := newTestWorkspace()
	meeting := seedMeeting(st, bl)
	before := st.get("d1")

	session, _, err := w.RequestEdit(context.Background(), meeting)
	if err != nil {
		t.Fatalf("RequestEdit() error = %v", err)
	}
	duplicates := session.DuplicateIDs()

	title := "Edited during session"
	if _, err := w.UpdateDocument(context.Background(), duplicates[0], store.DocumentPatch{Title: &title}, "Lena"); err != nil {
		t.Fatalf("UpdateDocument() error = %v", err)
	}

	if err := w.Discard(context.Background()); err != nil {
		t.Fatalf("Discard() error = %v", err)
	}

	for _, duplicateID := range duplicates {
		if st.has(duplicateID) {
			t.Fatalf("duplicate %s survived discard", duplicateID)
		}
	}
	meetings, _ := st.GetMeetingsForProject(context.Background(), testProject)
	if len(meetings) != 1 {
		t.Fatalf("discard must not create a meeting, got %d", len(meetings))
	}
	if !reflect.DeepEqual(before, st.get("d1")) {
		t.Fatalf("original document mutated by a discarded session")
	}
	// Original files survive: duplicates never owned them.
	for _, attachment := range before.Attachments {
		if !bl.exists(attachment.Path) {
			t.Fatalf("original object %s deleted by discard", attachment.Path)
		}
	}
}

// Discarding twice neither errors nor double-deletes.
func TestDiscardIsIdempotent(t *testing.T) {
	w, st, bl := newTestWorkspace()
	meeting := seedMeeting(st, bl)

	session, _, err := w.RequestEdit(context.Background(), meeting)
	if err != nil {
		t.Fatalf("RequestEdit() error = %v", err)
	}
	duplicates := session.DuplicateIDs()

	if err := w.Discard(context.Background()); err != nil {
		t.Fatalf("first Discard() error = %v", err)
	}
	if err := w.Discard(context.Background()); err != nil {
		t.Fatalf("second Discard() error = %v", err)
	}
	for _, duplicateID := range duplicates {
		if st.deleteCalls[duplicateID] != 1 {
			t.Fatalf("duplicate %s deleted %d times", duplicateID, st.deleteCalls[duplicateID])
		}
	}
}

// One of two attachment copies fails; the save still succeeds,
// the failed file keeps its original metadata, the copied one gets the new
// path, and a warning names the failed file.
func TestMaterializePartialTransferFailure(t *testing.T) {
	w, st, bl := newTestWorkspace()
	meeting := seedMeeting(st, bl)
	bl.failCopy["site.jpg"] = true

	if _, _, err := w.RequestEdit(context.Background(), meeting); err != nil {
		t.Fatalf("RequestEdit() error = %v", err)
	}
	result, err := w.Materialize(context.Background())
	if err != nil {
		t.Fatalf("Materialize() error = %v", err)
	}

	if len(result.Warnings) != 1 {
		t.Fatalf("expected one transfer warning, got %d", len(result.Warnings))
	}
	warning := result.Warnings[0]
	if !reflect.DeepEqual(warning.Files, []string{"site.jpg"}) {
		t.Fatalf("warning should name the failed file, got %v", warning.Files)
	}
	if warning.OriginalDocumentID != "d1" {
		t.Fatalf("warning should reference the original document, got %s", warning.OriginalDocumentID)
	}

	final := st.get(result.Meeting.RelatedDocumentIDs[0])
	byName := map[string]store.Attachment{}
	for _, attachment := range final.Attachments {
		byName[attachment.FileName] = attachment
	}
	if byName["plan.pdf"].Path != blob.ObjectPath(testProject, final.ID, "plan.pdf") {
		t.Fatalf("successful copy should point at the final document, got %s", byName["plan.pdf"].Path)
	}
	if byName["site.jpg"].Path != blob.ObjectPath(testProject, "d1", "site.jpg") {
		t.Fatalf("failed copy should keep the original path, got %s", byName["site.jpg"].Path)
	}
}

func TestMaterializePromoteFailureLeavesSessionActive(t *testing.T) {
	w, st, bl := newTestWorkspace()
	meeting := seedMeeting(st, bl)

	if _, _, err := w.RequestEdit(context.Background(), meeting); err != nil {
		t.Fatalf("RequestEdit() error = %v", err)
	}
	// First two creates were the duplicates; the next (first promotion) fails.
	st.failCreateAfter = st.creates

	if _, err := w.Materialize(context.Background()); err == nil {
		t.Fatalf("expected materialize to fail")
	}
	if _, ok := w.Active(); !ok {
		t.Fatalf("session must stay active after a failed materialize")
	}
	meetings, _ := st.GetMeetingsForProject(context.Background(), testProject)
	if len(meetings) != 1 {
		t.Fatalf("no meeting may be persisted by a failed materialize")
	}

	// Retry succeeds once the store recovers.
	st.failCreateAfter = -1
	if _, err := w.Materialize(context.Background()); err != nil {
		t.Fatalf("retry Materialize() error = %v", err)
	}
}

func TestMaterializeMeetingSaveFailureRollsBackFinals(t *testing.T) {
	w, st, bl := newTestWorkspace()
	meeting := seedMeeting(st, bl)

	if _, _, err := w.RequestEdit(context.Background(), meeting); err != nil {
		t.Fatalf("RequestEdit() error = %v", err)
	}
	st.failSaveMeetings = true

	if _, err := w.Materialize(context.Background()); err == nil {
		t.Fatalf("expected materialize to fail")
	}
	if _, ok := w.Active(); !ok {
		t.Fatalf("session must stay active after a failed meeting save")
	}
	// The promoted finals from the aborted attempt are rolled back: only the
	// originals and the two duplicates remain.
	docs, _ := st.ListDocuments(context.Background(), testProject)
	if len(docs) != 4 {
		t.Fatalf("expected 4 documents after rollback, got %d", len(docs))
	}
}

func TestMaterializeCleanupFailureDoesNotRollBack(t *testing.T) {
	w, st, bl := newTestWorkspace()
	meeting := seedMeeting(st, bl)

	session, _, err := w.RequestEdit(context.Background(), meeting)
	if err != nil {
		t.Fatalf("RequestEdit() error = %v", err)
	}
	stuck := session.DuplicateIDs()[0]
	st.failDelete[stuck] = true

	if _, err := w.Materialize(context.Background()); err != nil {
		t.Fatalf("cleanup failure must not fail materialize: %v", err)
	}
	meetings, _ := st.GetMeetingsForProject(context.Background(), testProject)
	if len(meetings) != 2 {
		t.Fatalf("meeting must be persisted despite cleanup failure")
	}
	if !st.has(stuck) {
		t.Fatalf("expected the stuck duplicate to leak (janitor territory)")
	}
	if _, ok := w.Active(); ok {
		t.Fatalf("session must close despite cleanup failure")
	}
}

func TestStartNewSessionCollectsAddedDocuments(t *testing.T) {
	w, st, _ := newTestWorkspace()
	draft := Draft{Date: time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC), Location: "HQ"}

	if _, err := w.StartNew(context.Background(), testProject, draft); err != nil {
		t.Fatalf("StartNew() error = %v", err)
	}
	first, err := w.AddDocument(context.Background(), store.DocumentFields{Title: "Kickoff agenda"})
	if err != nil {
		t.Fatalf("AddDocument() error = %v", err)
	}
	second, err := w.AddDocument(context.Background(), store.DocumentFields{Title: "Budget sheet"})
	if err != nil {
		t.Fatalf("AddDocument() error = %v", err)
	}

	result, err := w.Materialize(context.Background())
	if err != nil {
		t.Fatalf("Materialize() error = %v", err)
	}
	want := []string{first.ID, second.ID}
	if !reflect.DeepEqual(result.Meeting.RelatedDocumentIDs, want) {
		t.Fatalf("expected related ids %v, got %v", want, result.Meeting.RelatedDocumentIDs)
	}
	// Newly added documents are carried over, not copied or deleted.
	for _, id := range want {
		if !st.has(id) {
			t.Fatalf("newly added document %s missing after materialize", id)
		}
	}
	if result.Meeting.Location != "HQ" {
		t.Fatalf("draft metadata not carried into the meeting")
	}
}

func TestStartNewWhileActiveFails(t *testing.T) {
	w, st, bl := newTestWorkspace()
	meeting := seedMeeting(st, bl)

	if _, _, err := w.RequestEdit(context.Background(), meeting); err != nil {
		t.Fatalf("RequestEdit() error = %v", err)
	}
	if _, err := w.StartNew(context.Background(), testProject, Draft{}); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("expected ErrSessionActive, got %v", err)
	}
}

func TestUpdateDocumentRejectsForeignDocument(t *testing.T) {
	w, st, bl := newTestWorkspace()
	meeting := seedMeeting(st, bl)

	if _, _, err := w.RequestEdit(context.Background(), meeting); err != nil {
		t.Fatalf("RequestEdit() error = %v", err)
	}
	title := "must not land"
	if _, err := w.UpdateDocument(context.Background(), "d1", store.DocumentPatch{Title: &title}, "Lena"); !errors.Is(err, ErrNotSessionDocument) {
		t.Fatalf("editing an original through the session must be rejected, got %v", err)
	}
}

func TestSaveAndSwitchOpensPendingMeeting(t *testing.T) {
	w, st, bl := newTestWorkspace()
	m1 := seedMeeting(st, bl)
	st.seed(store.Document{ID: "d5", ProjectID: testProject, Number: 5, Title: "Survey notes"})
	m2 := store.Meeting{ID: "m2", ProjectID: testProject, Number: 2, RelatedDocumentIDs: []string{"d5"}}
	st.seedMeeting(testProject, m2)

	if _, _, err := w.RequestEdit(context.Background(), m1); err != nil {
		t.Fatalf("RequestEdit(m1) error = %v", err)
	}
	_, conflict, err := w.RequestEdit(context.Background(), m2)
	if err != nil || conflict == nil {
		t.Fatalf("expected conflict, got session err=%v", err)
	}

	session, result, err := w.SaveAndSwitch(context.Background(), *conflict)
	if err != nil {
		t.Fatalf("SaveAndSwitch() error = %v", err)
	}
	if result.Meeting.ID == "" {
		t.Fatalf("expected the current session to be materialized")
	}
	if session.Original == nil || session.Original.ID != "m2" {
		t.Fatalf("expected a session for the pending meeting, got %+v", session.Original)
	}
	if activeID, ok := w.Active(); !ok || activeID != "m2" {
		t.Fatalf("pending meeting should now be active, got %q", activeID)
	}
}

func TestSaveAndSwitchAbortsWhenSaveFails(t *testing.T) {
	w, st, bl := newTestWorkspace()
	m1 := seedMeeting(st, bl)
	m2 := store.Meeting{ID: "m2", ProjectID: testProject, Number: 2}

	if _, _, err := w.RequestEdit(context.Background(), m1); err != nil {
		t.Fatalf("RequestEdit(m1) error = %v", err)
	}
	_, conflict, _ := w.RequestEdit(context.Background(), m2)
	st.failSaveMeetings = true

	if _, _, err := w.SaveAndSwitch(context.Background(), *conflict); err == nil {
		t.Fatalf("expected SaveAndSwitch to fail")
	}
	// The switch is aborted: the current session stays on m1.
	if activeID, ok := w.Active(); !ok || activeID != "m1" {
		t.Fatalf("current session must survive a failed switch, got %q ok=%v", activeID, ok)
	}
}

func TestVisibleDocumentsHidesClaimedOriginals(t *testing.T) {
	w, st, bl := newTestWorkspace()
	meeting := seedMeeting(st, bl)
	st.seed(store.Document{ID: "d9", ProjectID: testProject, Number: 9, Title: "Unclaimed memo"})

	session, _, err := w.RequestEdit(context.Background(), meeting)
	if err != nil {
		t.Fatalf("RequestEdit() error = %v", err)
	}
	added, err := w.AddDocument(context.Background(), store.DocumentFields{Title: "Added in session"})
	if err != nil {
		t.Fatalf("AddDocument() error = %v", err)
	}

	visible, err := w.VisibleDocuments(context.Background())
	if err != nil {
		t.Fatalf("VisibleDocuments() error = %v", err)
	}

	ids := make(map[string]bool, len(visible))
	for _, doc := range visible {
		ids[doc.ID] = true
	}
	for _, want := range append(session.DuplicateIDs(), added.ID, "d9") {
		if !ids[want] {
			t.Fatalf("expected %s visible, got %v", want, ids)
		}
	}
	if ids["d1"] || ids["d2"] {
		t.Fatalf("claimed originals must stay hidden, got %v", ids)
	}
	if len(visible) != 4 {
		t.Fatalf("expected 4 visible documents, got %d", len(visible))
	}
}

func TestParseObjectPath(t *testing.T) {
	projectID, documentID, ok := parseObjectPath("projects/prj_a/documents/doc_b/report final.pdf")
	if !ok || projectID != "prj_a" || documentID != "doc_b" {
		t.Fatalf("unexpected parse result: %s %s %v", projectID, documentID, ok)
	}
	if _, _, ok := parseObjectPath("somewhere/else.pdf"); ok {
		t.Fatalf("malformed path must not parse")
	}
}

func TestNewlyAddedNeverOverlapsDuplicates(t *testing.T) {
	w, st, bl := newTestWorkspace()
	meeting := seedMeeting(st, bl)

	session, _, err := w.RequestEdit(context.Background(), meeting)
	if err != nil {
		t.Fatalf("RequestEdit() error = %v", err)
	}
	if _, err := w.AddDocument(context.Background(), store.DocumentFields{Title: "extra"}); err != nil {
		t.Fatalf("AddDocument() error = %v", err)
	}

	duplicates := map[string]bool{}
	for _, id := range session.DuplicateIDs() {
		duplicates[id] = true
	}
	for _, id := range session.NewlyAddedIDs() {
		if duplicates[id] {
			t.Fatalf("id %s is both duplicate and newly added", id)
		}
		if !st.has(id) {
			t.Fatalf("newly added id %s is not a live document", id)
		}
	}
	for id := range duplicates {
		if !st.has(id) {
			t.Fatalf("duplicate id %s is not a live document", id)
		}
	}
}
