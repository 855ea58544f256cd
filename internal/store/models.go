package store

import "time"

type Project struct {
	ID          string
	Name        string
	Code        string
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Attachment metadata lives on the owning document. The file itself is an
// object in the blob store at Path; attachments are never shared between
// documents so each one stays independently deletable.
type Attachment struct {
	ID          string    `json:"id"`
	FileName    string    `json:"fileName"`
	Size        int64     `json:"size"`
	ContentType string    `json:"contentType"`
	UploadedAt  time.Time `json:"uploadedAt"`
	Path        string    `json:"path"`
}

// ChangeEntry is one append-only history record on a document. Entries made
// inside a meeting revision carry the meeting's date and number.
type ChangeEntry struct {
	Field         string     `json:"field"`
	From          string     `json:"from"`
	To            string     `json:"to"`
	ChangedBy     string     `json:"changedBy"`
	ChangedAt     time.Time  `json:"changedAt"`
	QuickEdit     bool       `json:"quickEdit"`
	MeetingDate   *time.Time `json:"meetingDate,omitempty"`
	MeetingNumber int        `json:"meetingNumber,omitempty"`
}

const (
	StatusToStart    = "to_start"
	StatusInProgress = "in_progress"
	StatusDone       = "done"
	StatusInfo       = "info"
)

type Document struct {
	ID           string
	ProjectID    string
	Number       int
	Title        string
	Notes        string
	Status       string
	StartDate    *time.Time
	DueDate      *time.Time
	Participants []string
	Attachments  []Attachment
	History      []ChangeEntry
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Fields returns the caller-writable subset of the document, the unit the
// revision workspace copies when it duplicates a document.
func (d Document) Fields() DocumentFields {
	return DocumentFields{
		Title:        d.Title,
		Notes:        d.Notes,
		Status:       d.Status,
		StartDate:    d.StartDate,
		DueDate:      d.DueDate,
		Participants: d.Participants,
		Attachments:  d.Attachments,
		History:      d.History,
	}
}

type DocumentFields struct {
	Title        string
	Notes        string
	Status       string
	StartDate    *time.Time
	DueDate      *time.Time
	Participants []string
	Attachments  []Attachment
	History      []ChangeEntry
}

// DocumentPatch is a partial update; nil fields are left unchanged.
type DocumentPatch struct {
	Title        *string
	Notes        *string
	Status       *string
	StartDate    *time.Time
	DueDate      *time.Time
	Participants *[]string
	Attachments  *[]Attachment
	History      *[]ChangeEntry
}

// Meeting is a frozen snapshot: once saved, RelatedDocumentIDs never changes.
// Revising a meeting produces a new Meeting referencing fresh document ids.
type Meeting struct {
	ID                 string    `json:"id"`
	ProjectID          string    `json:"projectId"`
	Number             int       `json:"number"`
	Date               time.Time `json:"date"`
	Location           string    `json:"location"`
	Notes              string    `json:"notes"`
	Participants       []string  `json:"participants"`
	RelatedDocumentIDs []string  `json:"relatedDocumentIds"`
	CreatedAt          time.Time `json:"createdAt"`
}
