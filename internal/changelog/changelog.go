// Package changelog diffs two document field-sets into append-only history
// entries. It is pure: no store access, no clock of its own.
package changelog

import (
	"strings"
	"time"

	"quorum/api/internal/store"
)

// Tag carries the context a revision session stamps on every entry it
// produces. Zero value means an untagged edit.
type Tag struct {
	ChangedBy     string
	QuickEdit     bool
	MeetingDate   *time.Time
	MeetingNumber int
}

const dateLayout = "2006-01-02"

// Diff compares the writable fields of two documents and returns one entry
// per changed field. Attachment and history changes are not diffed; they
// have their own lifecycle.
func Diff(prev, next store.DocumentFields, tag Tag, at time.Time) []store.ChangeEntry {
	var entries []store.ChangeEntry

	record := func(field, from, to string) {
		if from == to {
			return
		}
		entries = append(entries, store.ChangeEntry{
			Field:         field,
			From:          from,
			To:            to,
			ChangedBy:     tag.ChangedBy,
			ChangedAt:     at,
			QuickEdit:     tag.QuickEdit,
			MeetingDate:   tag.MeetingDate,
			MeetingNumber: tag.MeetingNumber,
		})
	}

	record("title", prev.Title, next.Title)
	record("notes", prev.Notes, next.Notes)
	record("status", prev.Status, next.Status)
	record("startDate", formatDate(prev.StartDate), formatDate(next.StartDate))
	record("dueDate", formatDate(prev.DueDate), formatDate(next.DueDate))
	record("participants", strings.Join(prev.Participants, ", "), strings.Join(next.Participants, ", "))

	return entries
}

// Append returns history extended with entries, never mutating the input.
func Append(history []store.ChangeEntry, entries []store.ChangeEntry) []store.ChangeEntry {
	if len(entries) == 0 {
		return history
	}
	combined := make([]store.ChangeEntry, 0, len(history)+len(entries))
	combined = append(combined, history...)
	combined = append(combined, entries...)
	return combined
}

func formatDate(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(dateLayout)
}
