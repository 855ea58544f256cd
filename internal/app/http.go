package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/cors"
	"go.uber.org/zap"

	"quorum/api/internal/export"
	"quorum/api/internal/revision"
	"quorum/api/internal/search"
	"quorum/api/internal/store"
)

const maxUploadBytes = 64 << 20

type HTTPServer struct {
	service    *Service
	corsOrigin string
	log        *zap.Logger
}

func NewHTTPServer(service *Service, corsOrigin string, logger *zap.Logger) *HTTPServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPServer{service: service, corsOrigin: corsOrigin, log: logger}
}

func (s *HTTPServer) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: []string{s.corsOrigin},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization", "X-Request-ID"},
	})
	return c.Handler(s.withMiddleware(http.HandlerFunc(s.handle)))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		s.handleReady(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		s.handleSearch(w, r)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch parts[1] {
	case "projects":
		s.handleProjects(w, r, parts[2:])
	case "documents":
		s.handleDocuments(w, r, parts[2:])
	case "session":
		s.handleSession(w, r, parts[2:])
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}

	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

// handleProjects routes /api/projects and everything nested under a project.
func (s *HTTPServer) handleProjects(w http.ResponseWriter, r *http.Request, parts []string) {
	switch {
	case len(parts) == 0 && r.Method == http.MethodGet:
		projects, err := s.service.ListProjects(r.Context())
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"projects": projects})

	case len(parts) == 0 && r.Method == http.MethodPost:
		var body ProjectInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		project, err := s.service.CreateProject(r.Context(), body)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, project)

	case len(parts) == 1 && r.Method == http.MethodGet:
		project, err := s.service.GetProject(r.Context(), parts[0])
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, project)

	case len(parts) == 1 && r.Method == http.MethodPut:
		var body ProjectInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		project, err := s.service.UpdateProject(r.Context(), parts[0], body)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, project)

	case len(parts) == 1 && r.Method == http.MethodDelete:
		if err := s.service.DeleteProject(r.Context(), parts[0]); err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case len(parts) == 2 && parts[1] == "documents" && r.Method == http.MethodGet:
		documents, err := s.service.ListProjectDocuments(r.Context(), parts[0])
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"documents": documents})

	case len(parts) == 2 && parts[1] == "documents" && r.Method == http.MethodPost:
		var body DocumentInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		doc, err := s.service.CreateDocument(r.Context(), parts[0], body)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, documentView(doc))

	case len(parts) == 2 && parts[1] == "meetings" && r.Method == http.MethodGet:
		meetings, err := s.service.ListMeetings(r.Context(), parts[0])
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"meetings": meetings})

	case len(parts) == 2 && parts[1] == "meetings" && r.Method == http.MethodPost:
		var body DraftInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		session, err := s.service.StartNewMeeting(r.Context(), parts[0], body)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"session": session})

	case len(parts) == 4 && parts[1] == "meetings" && parts[3] == "edit" && r.Method == http.MethodPost:
		outcome, err := s.service.EditMeeting(r.Context(), parts[0], parts[2])
		if err != nil {
			s.fail(w, err)
			return
		}
		if outcome.Conflict != nil {
			writeJSON(w, http.StatusConflict, map[string]any{
				"code":     "SESSION_CONFLICT",
				"conflict": conflictView(outcome.Conflict),
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"session": outcome.Session})

	case len(parts) == 4 && parts[1] == "meetings" && parts[3] == "export" && r.Method == http.MethodGet:
		s.handleExport(w, r, parts[0], parts[2])

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

// handleDocuments routes /api/documents/{id} and its attachments.
func (s *HTTPServer) handleDocuments(w http.ResponseWriter, r *http.Request, parts []string) {
	if len(parts) == 0 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	documentID := parts[0]

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		doc, err := s.service.GetDocument(r.Context(), documentID)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, documentView(doc))

	case len(parts) == 1 && r.Method == http.MethodPatch:
		var body DocumentPatchInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		doc, err := s.service.QuickEditDocument(r.Context(), documentID, body)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, documentView(doc))

	case len(parts) == 1 && r.Method == http.MethodDelete:
		if err := s.service.DeleteDocument(r.Context(), documentID); err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case len(parts) == 2 && parts[1] == "attachments" && r.Method == http.MethodPost:
		s.handleAttachmentUpload(w, r, documentID)

	case len(parts) == 3 && parts[1] == "attachments" && r.Method == http.MethodDelete:
		doc, err := s.service.DeleteAttachment(r.Context(), documentID, parts[2])
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, documentView(doc))

	case len(parts) == 4 && parts[1] == "attachments" && parts[3] == "url" && r.Method == http.MethodGet:
		url, err := s.service.AttachmentDownloadURL(r.Context(), documentID, parts[2])
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"url": url})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleAttachmentUpload(w http.ResponseWriter, r *http.Request, documentID string) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "invalid multipart body", nil)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "file field is required", nil)
		return
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	doc, err := s.service.UploadAttachment(r.Context(), documentID, header.Filename, contentType, header.Size, file)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, documentView(doc))
}

// handleSession routes the active revision session.
func (s *HTTPServer) handleSession(w http.ResponseWriter, r *http.Request, parts []string) {
	switch {
	case len(parts) == 0 && r.Method == http.MethodGet:
		view, ok := s.service.SessionStatus()
		if !ok {
			writeJSON(w, http.StatusOK, map[string]any{"active": false})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"active": true, "session": view})

	case len(parts) == 1 && parts[0] == "draft" && r.Method == http.MethodPut:
		var body DraftInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.UpdateSessionDraft(body); err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case len(parts) == 1 && parts[0] == "documents" && r.Method == http.MethodGet:
		documents, err := s.service.SessionDocuments(r.Context())
		if err != nil {
			s.fail(w, err)
			return
		}
		views := make([]any, 0, len(documents))
		for _, doc := range documents {
			views = append(views, documentView(doc))
		}
		writeJSON(w, http.StatusOK, map[string]any{"documents": views})

	case len(parts) == 1 && parts[0] == "documents" && r.Method == http.MethodPost:
		var body DocumentInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		doc, err := s.service.AddSessionDocument(r.Context(), body)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, documentView(doc))

	case len(parts) == 2 && parts[0] == "documents" && r.Method == http.MethodPatch:
		var body DocumentPatchInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		doc, err := s.service.UpdateSessionDocument(r.Context(), parts[1], body)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, documentView(doc))

	case len(parts) == 1 && parts[0] == "save" && r.Method == http.MethodPost:
		result, err := s.service.SaveSession(r.Context())
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)

	case len(parts) == 1 && parts[0] == "discard" && r.Method == http.MethodPost:
		if err := s.service.DiscardSession(r.Context()); err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case len(parts) == 1 && parts[0] == "save-and-switch" && r.Method == http.MethodPost:
		var body struct {
			ProjectID string `json:"projectId"`
			MeetingID string `json:"meetingId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		session, result, err := s.service.SaveAndSwitch(r.Context(), body.ProjectID, body.MeetingID)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"session": session, "saved": result})

	case len(parts) == 1 && parts[0] == "heartbeat" && r.Method == http.MethodPost:
		if err := s.service.HeartbeatSession(r.Context()); err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	q := search.Query{
		Text:            query.Get("q"),
		FilterType:      search.ResultType(query.Get("type")),
		FilterProjectID: query.Get("projectId"),
		FilterStatus:    query.Get("status"),
	}
	if limit, err := strconv.Atoi(query.Get("limit")); err == nil {
		q.Limit = limit
	}
	if offset, err := strconv.Atoi(query.Get("offset")); err == nil {
		q.Offset = offset
	}
	writeJSON(w, http.StatusOK, s.service.Search(q))
}

func (s *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request, projectID, meetingID string) {
	format := export.Format(r.URL.Query().Get("format"))
	if format == "" {
		format = export.FormatPDF
	}
	includeHistory := r.URL.Query().Get("history") == "true"

	result, err := s.service.Export(r.Context(), export.Request{
		ProjectID:      projectID,
		MeetingID:      meetingID,
		Format:         format,
		IncludeHistory: includeHistory,
	})
	if err != nil {
		s.fail(w, err)
		return
	}

	w.Header().Set("Content-Type", result.MimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(result.Data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Data)
}

// documentView shapes a store document for JSON responses.
func documentView(doc store.Document) map[string]any {
	view := map[string]any{
		"id":           doc.ID,
		"projectId":    doc.ProjectID,
		"number":       doc.Number,
		"title":        doc.Title,
		"notes":        doc.Notes,
		"status":       doc.Status,
		"participants": doc.Participants,
		"attachments":  doc.Attachments,
		"history":      doc.History,
		"createdAt":    doc.CreatedAt,
		"updatedAt":    doc.UpdatedAt,
	}
	if doc.StartDate != nil {
		view["startDate"] = doc.StartDate
	}
	if doc.DueDate != nil {
		view["dueDate"] = doc.DueDate
	}
	return view
}

func conflictView(conflict *revision.Conflict) map[string]any {
	return map[string]any{
		"activeMeetingId":  conflict.ActiveMeetingID,
		"pendingMeetingId": conflict.Pending.ID,
	}
}

func (s *HTTPServer) fail(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", zap.Error(err))
	}
	writeError(w, status, code, message, details)
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		writer.Header().Set("X-Request-ID", requestID)
		writer.Header().Set("Cache-Control", "no-store")

		next.ServeHTTP(writer, r)

		s.log.Info("request",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", writer.status),
			zap.Int64("duration_ms", time.Since(started).Milliseconds()),
		)
	})
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, export.ErrMeetingNotFound) {
		return http.StatusNotFound, "NOT_FOUND", "Meeting not found", nil
	}
	if errors.Is(err, revision.ErrNoActiveSession) {
		return http.StatusConflict, "NO_ACTIVE_SESSION", "No revision session is open", nil
	}
	if errors.Is(err, revision.ErrSessionActive) {
		return http.StatusConflict, "SESSION_ACTIVE", "A revision session is already open", nil
	}
	if errors.Is(err, revision.ErrNotSessionDocument) {
		return http.StatusConflict, "NOT_SESSION_DOCUMENT", "Document does not belong to the revision session", nil
	}
	if errors.Is(err, export.ErrPDFDependencyMissing) {
		return http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "PDF renderer not available", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
