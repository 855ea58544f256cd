package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultDocument ResultType = "document"
	ResultMeeting  ResultType = "meeting"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type      ResultType `json:"type"`
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Snippet   string     `json:"snippet"`
	ProjectID string     `json:"projectId"`
	Status    string     `json:"status,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text            string
	FilterType      ResultType // empty = all types
	FilterProjectID string
	FilterStatus    string
	Limit           int
	Offset          int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// DocumentRecord is the data we index for a project document.
type DocumentRecord struct {
	ID           string   `json:"id"`
	Title        string   `json:"title"`
	Notes        string   `json:"notes"`
	ProjectID    string   `json:"projectId"`
	Status       string   `json:"status"`
	Participants []string `json:"participants"`
}

// MeetingRecord is the data we index for a saved meeting.
type MeetingRecord struct {
	ID        string `json:"id"`
	ProjectID string `json:"projectId"`
	Number    int    `json:"number"`
	Date      string `json:"date"`
	Location  string `json:"location"`
	Notes     string `json:"notes"`
}
