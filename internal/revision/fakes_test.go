package revision

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"quorum/api/internal/blob"
	"quorum/api/internal/store"
)

// memStore is an in-memory DocumentStore with failure knobs for exercising
// the materializer's error paths.
type memStore struct {
	mu       sync.Mutex
	docs     map[string]store.Document
	meetings map[string][]store.Meeting
	seq      int

	deleteCalls      map[string]int
	failCreateAfter  int // fail the Nth create (0-based); -1 = never
	creates          int
	failSaveMeetings bool
	failDelete       map[string]bool
}

func newMemStore() *memStore {
	return &memStore{
		docs:            make(map[string]store.Document),
		meetings:        make(map[string][]store.Meeting),
		deleteCalls:     make(map[string]int),
		failCreateAfter: -1,
		failDelete:      make(map[string]bool),
	}
}

func cloneDoc(doc store.Document) store.Document {
	doc.Participants = append([]string(nil), doc.Participants...)
	doc.Attachments = append([]store.Attachment(nil), doc.Attachments...)
	doc.History = append([]store.ChangeEntry(nil), doc.History...)
	return doc
}

func (m *memStore) seed(doc store.Document) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[doc.ID] = cloneDoc(doc)
}

func (m *memStore) seedMeeting(projectID string, meeting store.Meeting) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.meetings[projectID] = append(m.meetings[projectID], meeting)
}

func (m *memStore) GetDocument(_ context.Context, documentID string) (store.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[documentID]
	if !ok {
		return store.Document{}, fmt.Errorf("document %s: %w", documentID, store.ErrNotFound)
	}
	return cloneDoc(doc), nil
}

func (m *memStore) ListDocuments(_ context.Context, projectID string) ([]store.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var docs []store.Document
	for _, doc := range m.docs {
		if doc.ProjectID == projectID {
			docs = append(docs, cloneDoc(doc))
		}
	}
	return docs, nil
}

func (m *memStore) CreateDocument(_ context.Context, projectID string, fields store.DocumentFields) (store.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failCreateAfter >= 0 && m.creates >= m.failCreateAfter {
		return store.Document{}, fmt.Errorf("create document: store unavailable")
	}
	m.creates++
	m.seq++
	doc := store.Document{
		ID:           fmt.Sprintf("doc_%03d", m.seq),
		ProjectID:    projectID,
		Number:       m.seq,
		Title:        fields.Title,
		Notes:        fields.Notes,
		Status:       fields.Status,
		StartDate:    fields.StartDate,
		DueDate:      fields.DueDate,
		Participants: append([]string(nil), fields.Participants...),
		Attachments:  append([]store.Attachment(nil), fields.Attachments...),
		History:      append([]store.ChangeEntry(nil), fields.History...),
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
	m.docs[doc.ID] = cloneDoc(doc)
	return doc, nil
}

func (m *memStore) UpdateDocument(_ context.Context, documentID string, patch store.DocumentPatch) (store.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[documentID]
	if !ok {
		return store.Document{}, fmt.Errorf("document %s: %w", documentID, store.ErrNotFound)
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
		doc.Participants = append([]string(nil), *patch.Participants...)
	}
	if patch.Attachments != nil {
		doc.Attachments = append([]store.Attachment(nil), *patch.Attachments...)
	}
	if patch.History != nil {
		doc.History = append([]store.ChangeEntry(nil), *patch.History...)
	}
	doc.UpdatedAt = time.Now()
	m.docs[documentID] = cloneDoc(doc)
	return cloneDoc(doc), nil
}

func (m *memStore) DeleteDocument(_ context.Context, documentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteCalls[documentID]++
	if m.failDelete[documentID] {
		return fmt.Errorf("delete document %s: store unavailable", documentID)
	}
	if _, ok := m.docs[documentID]; !ok {
		return fmt.Errorf("document %s: %w", documentID, store.ErrNotFound)
	}
	delete(m.docs, documentID)
	return nil
}

func (m *memStore) GetMeetingsForProject(_ context.Context, projectID string) ([]store.Meeting, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]store.Meeting(nil), m.meetings[projectID]...), nil
}

func (m *memStore) SaveMeetingList(_ context.Context, projectID string, meetings []store.Meeting) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSaveMeetings {
		return fmt.Errorf("save meeting list: store unavailable")
	}
	m.meetings[projectID] = append([]store.Meeting(nil), meetings...)
	return nil
}

func (m *memStore) has(documentID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.docs[documentID]
	return ok
}

func (m *memStore) get(documentID string) store.Document {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneDoc(m.docs[documentID])
}

// memBlobs is an in-memory AttachmentTransfer tracking stored object paths.
type memBlobs struct {
	mu       sync.Mutex
	objects  map[string]bool
	failCopy map[string]bool // by filename
}

func newMemBlobs() *memBlobs {
	return &memBlobs{objects: make(map[string]bool), failCopy: make(map[string]bool)}
}

func (b *memBlobs) put(projectID, documentID, filename string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	path := blob.ObjectPath(projectID, documentID, filename)
	b.objects[path] = true
	return path
}

func (b *memBlobs) Copy(_ context.Context, srcProjectID, srcDocumentID, dstProjectID, dstDocumentID, filename string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failCopy[filename] {
		return "", fmt.Errorf("copy %s: transfer failed", filename)
	}
	srcPath := blob.ObjectPath(srcProjectID, srcDocumentID, filename)
	if !b.objects[srcPath] {
		return "", fmt.Errorf("copy %s: source missing", srcPath)
	}
	dstPath := blob.ObjectPath(dstProjectID, dstDocumentID, filename)
	b.objects[dstPath] = true
	return dstPath, nil
}

func (b *memBlobs) Delete(_ context.Context, projectID, documentID, filename string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.objects, blob.ObjectPath(projectID, documentID, filename))
	return nil
}

func (b *memBlobs) DeleteAll(_ context.Context, projectID, documentID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	prefix := fmt.Sprintf("projects/%s/documents/%s/", projectID, documentID)
	for path := range b.objects {
		if strings.HasPrefix(path, prefix) {
			delete(b.objects, path)
		}
	}
	return nil
}

func (b *memBlobs) exists(path string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.objects[path]
}
