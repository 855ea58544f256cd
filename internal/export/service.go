package export

import (
	"context"
	"errors"
	"fmt"
	"io"

	"quorum/api/internal/store"
)

// DataStore is the slice of the persistence layer the exporter reads from.
type DataStore interface {
	GetProject(ctx context.Context, projectID string) (store.Project, error)
	GetDocument(ctx context.Context, documentID string) (store.Document, error)
	GetMeetingsForProject(ctx context.Context, projectID string) ([]store.Meeting, error)
}

// BlobReader streams stored attachment files.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
}

// ErrMeetingNotFound is returned when the requested meeting does not exist.
var ErrMeetingNotFound = errors.New("export meeting not found")

// Service renders meeting exports.
type Service struct {
	store DataStore
	blobs BlobReader
}

func NewService(dataStore DataStore, blobs BlobReader) *Service {
	return &Service{store: dataStore, blobs: blobs}
}

// Export generates a meeting export in the requested format: a PDF report
// of the meeting and its documents, or a ZIP bundle of every attachment of
// the meeting's documents.
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	project, err := s.store.GetProject(ctx, req.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	meeting, err := s.findMeeting(ctx, req.ProjectID, req.MeetingID)
	if err != nil {
		return nil, err
	}

	// Documents that vanished since the meeting was saved are skipped; the
	// report covers what still exists.
	var documents []store.Document
	for _, documentID := range meeting.RelatedDocumentIDs {
		doc, err := s.store.GetDocument(ctx, documentID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get document %s: %w", documentID, err)
		}
		documents = append(documents, doc)
	}

	filename := fmt.Sprintf("%s-meeting-%d", sanitizeFilename(project.Name), meeting.Number)

	switch req.Format {
	case FormatPDF:
		html, err := RenderMeetingHTML(buildTemplateData(project, meeting, documents, req.IncludeHistory))
		if err != nil {
			return nil, fmt.Errorf("render report: %w", err)
		}
		return renderPDF(html, filename)
	case FormatZIP:
		return bundleAttachments(ctx, s.blobs, documents, filename)
	default:
		return nil, fmt.Errorf("unsupported format: %s", req.Format)
	}
}

func (s *Service) findMeeting(ctx context.Context, projectID, meetingID string) (store.Meeting, error) {
	meetings, err := s.store.GetMeetingsForProject(ctx, projectID)
	if err != nil {
		return store.Meeting{}, fmt.Errorf("list meetings: %w", err)
	}
	for _, meeting := range meetings {
		if meeting.ID == meetingID {
			return meeting, nil
		}
	}
	return store.Meeting{}, fmt.Errorf("meeting %s: %w", meetingID, ErrMeetingNotFound)
}

func buildTemplateData(project store.Project, meeting store.Meeting, documents []store.Document, includeHistory bool) TemplateData {
	data := TemplateData{
		ProjectName:  project.Name,
		Number:       meeting.Number,
		Date:         meeting.Date,
		Location:     meeting.Location,
		Notes:        meeting.Notes,
		Participants: meeting.Participants,
	}

	for _, doc := range documents {
		row := TemplateDocument{
			Number:       doc.Number,
			Title:        doc.Title,
			Notes:        doc.Notes,
			Status:       doc.Status,
			Participants: doc.Participants,
		}
		if doc.DueDate != nil {
			row.DueDate = doc.DueDate.Format("2006-01-02")
		}
		data.Documents = append(data.Documents, row)

		if !includeHistory || len(doc.History) == 0 {
			continue
		}
		history := TemplateHistory{DocumentTitle: doc.Title}
		for _, entry := range doc.History {
			history.Entries = append(history.Entries, TemplateChange{
				Field:     entry.Field,
				From:      entry.From,
				To:        entry.To,
				ChangedBy: entry.ChangedBy,
				ChangedAt: entry.ChangedAt,
			})
		}
		data.History = append(data.History, history)
	}
	return data
}
