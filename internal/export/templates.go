package export

import (
	"bytes"
	"embed"
	"html/template"
	"strings"
	"time"
)

//go:embed templates/*.html
var templateFS embed.FS

var meetingTemplate = template.Must(template.New("meeting.html").Funcs(template.FuncMap{
	"lower": strings.ToLower,
	"formatDate": func(t time.Time, layout string) string {
		return t.Format(layout)
	},
}).ParseFS(templateFS, "templates/meeting.html"))

// TemplateData holds data for meeting report rendering.
type TemplateData struct {
	ProjectName  string
	Number       int
	Date         time.Time
	Location     string
	Notes        string
	Participants []string
	Documents    []TemplateDocument
	History      []TemplateHistory
}

// TemplateDocument is one document row in the report.
type TemplateDocument struct {
	Number       int
	Title        string
	Notes        string
	Status       string
	DueDate      string
	Participants []string
}

// TemplateHistory groups a document's change entries for the report.
type TemplateHistory struct {
	DocumentTitle string
	Entries       []TemplateChange
}

// TemplateChange is one change-log line in the report.
type TemplateChange struct {
	Field     string
	From      string
	To        string
	ChangedBy string
	ChangedAt time.Time
}

// RenderMeetingHTML renders the meeting report template.
func RenderMeetingHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := meetingTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
