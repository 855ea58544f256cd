package app

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"quorum/api/internal/blob"
	"quorum/api/internal/config"
	"quorum/api/internal/export"
	"quorum/api/internal/revision"
	"quorum/api/internal/store"
)

// fakeStore is an in-memory dataStore shared by the service, the revision
// workspace and the exporter in tests.
type fakeStore struct {
	mu       sync.Mutex
	projects map[string]store.Project
	docs     map[string]store.Document
	meetings map[string][]store.Meeting
	seq      int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		projects: make(map[string]store.Project),
		docs:     make(map[string]store.Document),
		meetings: make(map[string][]store.Meeting),
	}
}

func (f *fakeStore) Ping(context.Context) error { return nil }

func (f *fakeStore) CreateProject(_ context.Context, name, code, description string) (store.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	project := store.Project{
		ID:          fmt.Sprintf("prj_%03d", f.seq),
		Name:        name,
		Code:        code,
		Description: description,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	f.projects[project.ID] = project
	return project, nil
}

func (f *fakeStore) GetProject(_ context.Context, projectID string) (store.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	project, ok := f.projects[projectID]
	if !ok {
		return store.Project{}, fmt.Errorf("project %s: %w", projectID, store.ErrNotFound)
	}
	return project, nil
}

func (f *fakeStore) ListProjects(context.Context) ([]store.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	projects := make([]store.Project, 0, len(f.projects))
	for _, project := range f.projects {
		projects = append(projects, project)
	}
	return projects, nil
}

func (f *fakeStore) UpdateProject(_ context.Context, projectID, name, code, description string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	project, ok := f.projects[projectID]
	if !ok {
		return fmt.Errorf("project %s: %w", projectID, store.ErrNotFound)
	}
	project.Name, project.Code, project.Description = name, code, description
	project.UpdatedAt = time.Now()
	f.projects[projectID] = project
	return nil
}

func (f *fakeStore) DeleteProject(_ context.Context, projectID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.projects[projectID]; !ok {
		return fmt.Errorf("project %s: %w", projectID, store.ErrNotFound)
	}
	delete(f.projects, projectID)
	delete(f.meetings, projectID)
	for id, doc := range f.docs {
		if doc.ProjectID == projectID {
			delete(f.docs, id)
		}
	}
	return nil
}

func copyDoc(doc store.Document) store.Document {
	doc.Participants = append([]string(nil), doc.Participants...)
	doc.Attachments = append([]store.Attachment(nil), doc.Attachments...)
	doc.History = append([]store.ChangeEntry(nil), doc.History...)
	return doc
}

func (f *fakeStore) CreateDocument(_ context.Context, projectID string, fields store.DocumentFields) (store.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	doc := store.Document{
		ID:           fmt.Sprintf("doc_%03d", f.seq),
		ProjectID:    projectID,
		Number:       f.seq,
		Title:        fields.Title,
		Notes:        fields.Notes,
		Status:       fields.Status,
		StartDate:    fields.StartDate,
		DueDate:      fields.DueDate,
		Participants: fields.Participants,
		Attachments:  fields.Attachments,
		History:      fields.History,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
	f.docs[doc.ID] = copyDoc(doc)
	return doc, nil
}

func (f *fakeStore) GetDocument(_ context.Context, documentID string) (store.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[documentID]
	if !ok {
		return store.Document{}, fmt.Errorf("document %s: %w", documentID, store.ErrNotFound)
	}
	return copyDoc(doc), nil
}

func (f *fakeStore) ListDocuments(_ context.Context, projectID string) ([]store.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var docs []store.Document
	for _, doc := range f.docs {
		if doc.ProjectID == projectID {
			docs = append(docs, copyDoc(doc))
		}
	}
	return docs, nil
}

func (f *fakeStore) UpdateDocument(_ context.Context, documentID string, patch store.DocumentPatch) (store.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[documentID]
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
		doc.Participants = *patch.Participants
	}
	if patch.Attachments != nil {
		doc.Attachments = *patch.Attachments
	}
	if patch.History != nil {
		doc.History = *patch.History
	}
	doc.UpdatedAt = time.Now()
	f.docs[documentID] = copyDoc(doc)
	return copyDoc(doc), nil
}

func (f *fakeStore) DeleteDocument(_ context.Context, documentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.docs[documentID]; !ok {
		return fmt.Errorf("document %s: %w", documentID, store.ErrNotFound)
	}
	delete(f.docs, documentID)
	return nil
}

func (f *fakeStore) GetMeetingsForProject(_ context.Context, projectID string) ([]store.Meeting, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.Meeting(nil), f.meetings[projectID]...), nil
}

func (f *fakeStore) SaveMeetingList(_ context.Context, projectID string, meetings []store.Meeting) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.meetings[projectID] = append([]store.Meeting(nil), meetings...)
	return nil
}

// fakeBlobs is an in-memory blob store covering uploads, transfers and reads.
type fakeBlobs struct {
	mu      sync.Mutex
	objects map[string]string
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{objects: make(map[string]string)}
}

func (b *fakeBlobs) Upload(_ context.Context, projectID, documentID, filename, _ string, _ int64, reader io.Reader) (string, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	path := blob.ObjectPath(projectID, documentID, filename)
	b.objects[path] = string(data)
	return path, nil
}

func (b *fakeBlobs) Copy(_ context.Context, srcProjectID, srcDocumentID, dstProjectID, dstDocumentID, filename string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	srcPath := blob.ObjectPath(srcProjectID, srcDocumentID, filename)
	content, ok := b.objects[srcPath]
	if !ok {
		return "", fmt.Errorf("object %s not found", srcPath)
	}
	dstPath := blob.ObjectPath(dstProjectID, dstDocumentID, filename)
	b.objects[dstPath] = content
	return dstPath, nil
}

func (b *fakeBlobs) Delete(_ context.Context, projectID, documentID, filename string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.objects, blob.ObjectPath(projectID, documentID, filename))
	return nil
}

func (b *fakeBlobs) DeleteAll(_ context.Context, projectID, documentID string) error {
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

func (b *fakeBlobs) Get(_ context.Context, path string) (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	content, ok := b.objects[path]
	if !ok {
		return nil, fmt.Errorf("object %s not found", path)
	}
	return io.NopCloser(strings.NewReader(content)), nil
}

func (b *fakeBlobs) PresignedGetURL(_ context.Context, path, _ string, _ time.Duration) (string, error) {
	return "https://blobs.test/" + path, nil
}

func newTestServer() (http.Handler, *fakeStore, *fakeBlobs) {
	st := newFakeStore()
	bl := newFakeBlobs()
	workspace := revision.New(st, bl, nil, nil)
	exporter := export.NewService(st, bl)
	cfg := config.Config{PresignedURLTTL: 15 * time.Minute}
	service := NewService(cfg, st, bl, workspace, nil, exporter, nil)
	server := NewHTTPServer(service, "*", nil)
	return server.Handler(), st, bl
}
