// Package export renders meeting reports as PDF and bundles document
// attachments into ZIP archives.
package export

import "errors"

// Format is the export output format.
type Format string

const (
	FormatPDF Format = "pdf"
	FormatZIP Format = "zip"
)

// Request selects a meeting to export and how.
type Request struct {
	ProjectID      string
	MeetingID      string
	Format         Format
	IncludeHistory bool
}

// Result contains the export output.
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

// ErrPDFDependencyMissing indicates the headless browser needed for PDF
// rendering is not installed.
var ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
