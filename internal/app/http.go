package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"refflow/api/internal/auth"
	"refflow/api/internal/metrics"
	"refflow/api/internal/rbac"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	jwtSecret  []byte
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewHTTPServer builds the API surface. With an empty jwtSecret the caller
// identity is read from the X-User-* headers set by the hosting platform.
func NewHTTPServer(service *Service, corsOrigin, jwtSecret string, logger *slog.Logger, m *metrics.Metrics) *HTTPServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPServer{
		service:    service,
		corsOrigin: corsOrigin,
		jwtSecret:  []byte(jwtSecret),
		logger:     logger,
		metrics:    m,
	}
}

func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.withMiddleware)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})

	r.Get("/api/health", s.handleHealth)
	r.Head("/api/health", s.handleHealth)
	r.Get("/api/ready", s.handleReady)
	r.Head("/api/ready", s.handleReady)

	r.Post("/api/reference/invites/accept", s.handleAcceptInvite)

	r.Route("/api/academic-profile/{studentEmail}", func(r chi.Router) {
		r.Get("/reference/status", s.handleStatus)
		r.Post("/reference/invite", s.handleCreateInvite)
		r.Post("/reference/invite/revoke", s.handleRevokeInvite)
		r.Get("/reference/full", s.handleFull)
		r.Delete("/reference", s.handleArchive)
		r.Post("/reference/contribution", s.handleSaveContribution)
		r.Get("/reference/contribution/history", s.handleContributionHistory)
		r.Put("/reference/tutor-compiled", s.handleSaveCompiled)
		r.Post("/reference/tutor-compiled/mark-complete", s.handleMarkCompiledComplete)
		r.Post("/reference/tutor-compiled/unmark-complete", s.handleUnmarkCompiledComplete)
		r.Get("/reference/tutor-compiled/export", s.handleExportCompiled)

		r.Get("/ucas-application", s.handleGetStatement)
		r.Put("/ucas-application", s.handleSaveStatement)
		r.Post("/ucas-application/comment", s.handleAddComment)
		r.Post("/ucas-application/mark-complete", s.handleMarkStatementComplete)
		r.Post("/ucas-application/request-edits", s.handleRequestEdits)
	})
	return r
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleReady reports the relational store as the only hard dependency. The
// mirror, retry queue and archive are listed but never fail readiness.
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
	for _, check := range s.service.checks {
		if err := check.Check(ctx); err != nil {
			checks[check.Name] = map[string]any{"status": "degraded", "error": err.Error()}
			continue
		}
		checks[check.Name] = map[string]any{"status": "ok"}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleAcceptInvite(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.requireCaller(w, r)
	if !ok {
		return
	}
	var body struct {
		Token string `json:"token"`
	}
	if !decodeOrFail(w, r, &body) {
		return
	}
	result, err := s.service.AcceptInvite(r.Context(), caller, body.Token)
	s.respond(w, http.StatusOK, result, err)
}

func (s *HTTPServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.requireCaller(w, r)
	if !ok {
		return
	}
	view, err := s.service.GetStatus(r.Context(), caller, studentEmail(r), academicYear(r, ""))
	s.respond(w, http.StatusOK, view, err)
}

func (s *HTTPServer) handleCreateInvite(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.requireCaller(w, r)
	if !ok {
		return
	}
	var body struct {
		AcademicYear string `json:"academicYear"`
		InvitedEmail string `json:"invitedEmail"`
	}
	if !decodeOrFail(w, r, &body) {
		return
	}
	result, err := s.service.CreateInvite(r.Context(), caller, studentEmail(r), academicYear(r, body.AcademicYear), body.InvitedEmail)
	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	s.respond(w, status, result, err)
}

func (s *HTTPServer) handleRevokeInvite(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.requireCaller(w, r)
	if !ok {
		return
	}
	var body struct {
		AcademicYear string `json:"academicYear"`
		InvitedEmail string `json:"invitedEmail"`
	}
	if !decodeOrFail(w, r, &body) {
		return
	}
	view, err := s.service.RevokeInvite(r.Context(), caller, studentEmail(r), academicYear(r, body.AcademicYear), body.InvitedEmail)
	s.respond(w, http.StatusOK, view, err)
}

func (s *HTTPServer) handleFull(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.requireCaller(w, r)
	if !ok {
		return
	}
	view, err := s.service.FetchFull(r.Context(), caller, studentEmail(r), academicYear(r, ""))
	s.respond(w, http.StatusOK, view, err)
}

func (s *HTTPServer) handleArchive(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.requireCaller(w, r)
	if !ok {
		return
	}
	result, err := s.service.ArchiveRecord(r.Context(), caller, studentEmail(r), academicYear(r, ""))
	s.respond(w, http.StatusOK, result, err)
}

func (s *HTTPServer) handleSaveContribution(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.requireCaller(w, r)
	if !ok {
		return
	}
	var body struct {
		ContributionInput
		AcademicYear string `json:"academicYear"`
	}
	if !decodeOrFail(w, r, &body) {
		return
	}
	view, err := s.service.SaveContribution(r.Context(), caller, studentEmail(r), academicYear(r, body.AcademicYear), body.ContributionInput)
	s.respond(w, http.StatusOK, view, err)
}

func (s *HTTPServer) handleContributionHistory(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.requireCaller(w, r)
	if !ok {
		return
	}
	query := r.URL.Query()
	section, err := strconv.Atoi(query.Get("section"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_QUERY", "section must be a number", nil)
		return
	}
	view, err := s.service.ContributionHistory(r.Context(), caller, studentEmail(r), academicYear(r, ""),
		section, query.Get("subjectKey"), query.Get("author"))
	s.respond(w, http.StatusOK, view, err)
}

func (s *HTTPServer) handleSaveCompiled(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.requireCaller(w, r)
	if !ok {
		return
	}
	var body struct {
		AcademicYear string `json:"academicYear"`
		Text         string `json:"text"`
	}
	if !decodeOrFail(w, r, &body) {
		return
	}
	view, err := s.service.SaveCompiled(r.Context(), caller, studentEmail(r), academicYear(r, body.AcademicYear), body.Text)
	s.respond(w, http.StatusOK, view, err)
}

func (s *HTTPServer) handleMarkCompiledComplete(w http.ResponseWriter, r *http.Request) {
	s.narrativeFlag(w, r, s.service.MarkCompiledComplete)
}

func (s *HTTPServer) handleUnmarkCompiledComplete(w http.ResponseWriter, r *http.Request) {
	s.narrativeFlag(w, r, s.service.UnmarkCompiledComplete)
}

func (s *HTTPServer) narrativeFlag(
	w http.ResponseWriter,
	r *http.Request,
	apply func(context.Context, rbac.Caller, string, string) (NarrativeView, error),
) {
	caller, ok := s.requireCaller(w, r)
	if !ok {
		return
	}
	body, ok := yearBody(w, r)
	if !ok {
		return
	}
	view, err := apply(r.Context(), caller, studentEmail(r), academicYear(r, body.AcademicYear))
	s.respond(w, http.StatusOK, view, err)
}

func (s *HTTPServer) handleExportCompiled(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.requireCaller(w, r)
	if !ok {
		return
	}
	result, err := s.service.ExportCompiled(r.Context(), caller, studentEmail(r), academicYear(r, ""), r.URL.Query().Get("format"))
	if err != nil {
		status, code, message, details := mapError(err)
		if status >= http.StatusInternalServerError {
			s.logger.Error("app: export compiled reference", "error", err)
		}
		writeError(w, status, code, message, details)
		return
	}
	w.Header().Set("Content-Type", result.MimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(result.Data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Data)
}

func (s *HTTPServer) handleGetStatement(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.requireCaller(w, r)
	if !ok {
		return
	}
	view, err := s.service.GetStatement(r.Context(), caller, studentEmail(r), academicYear(r, ""))
	s.respond(w, http.StatusOK, view, err)
}

func (s *HTTPServer) handleSaveStatement(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.requireCaller(w, r)
	if !ok {
		return
	}
	var body struct {
		AcademicYear string `json:"academicYear"`
		Statement    string `json:"statement"`
		Submit       bool   `json:"submit"`
	}
	if !decodeOrFail(w, r, &body) {
		return
	}
	view, err := s.service.SaveStatement(r.Context(), caller, studentEmail(r), academicYear(r, body.AcademicYear), body.Statement, body.Submit)
	s.respond(w, http.StatusOK, view, err)
}

func (s *HTTPServer) handleAddComment(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.requireCaller(w, r)
	if !ok {
		return
	}
	var body struct {
		AcademicYear string `json:"academicYear"`
		Body         string `json:"body"`
	}
	if !decodeOrFail(w, r, &body) {
		return
	}
	view, err := s.service.AddComment(r.Context(), caller, studentEmail(r), academicYear(r, body.AcademicYear), body.Body)
	s.respond(w, http.StatusCreated, view, err)
}

func (s *HTTPServer) handleMarkStatementComplete(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.requireCaller(w, r)
	if !ok {
		return
	}
	body, ok := yearBody(w, r)
	if !ok {
		return
	}
	view, err := s.service.MarkStatementComplete(r.Context(), caller, studentEmail(r), academicYear(r, body.AcademicYear))
	s.respond(w, http.StatusOK, view, err)
}

func (s *HTTPServer) handleRequestEdits(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.requireCaller(w, r)
	if !ok {
		return
	}
	var body struct {
		AcademicYear string `json:"academicYear"`
		Reason       string `json:"reason"`
	}
	if !decodeOrFail(w, r, &body) {
		return
	}
	view, err := s.service.RequestEdits(r.Context(), caller, studentEmail(r), academicYear(r, body.AcademicYear), body.Reason)
	s.respond(w, http.StatusOK, view, err)
}

// requireCaller resolves the caller identity. Role checks happen in the
// service, so an unrecognised role still reaches it as rbac.RoleNone.
func (s *HTTPServer) requireCaller(w http.ResponseWriter, r *http.Request) (rbac.Caller, bool) {
	caller, err := s.identify(r)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return rbac.Caller{}, false
	}
	return caller, true
}

func (s *HTTPServer) identify(r *http.Request) (rbac.Caller, error) {
	if len(s.jwtSecret) > 0 {
		token := bearerToken(r)
		if token == "" {
			return rbac.Caller{}, errUnauthenticated
		}
		claims, err := auth.ParseToken(s.jwtSecret, token)
		if err != nil {
			return rbac.Caller{}, err
		}
		return rbac.Caller{Email: claims.Email, Name: claims.Name, Role: rbac.Normalize(claims.Role)}, nil
	}

	email := strings.ToLower(strings.TrimSpace(r.Header.Get("X-User-Email")))
	role := rbac.Normalize(r.Header.Get("X-User-Role"))
	if email == "" && role == rbac.RoleNone {
		return rbac.Caller{}, errUnauthenticated
	}
	return rbac.Caller{
		Email: email,
		Name:  strings.TrimSpace(r.Header.Get("X-User-Name")),
		Role:  role,
	}, nil
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
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		if r.Method == http.MethodOptions {
			writer.WriteHeader(http.StatusNoContent)
		} else {
			next.ServeHTTP(writer, r)
		}

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		s.metrics.ObserveHTTP(r.Method, route, writer.status, started)
		s.logger.Info("http request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"duration_ms", time.Since(started).Milliseconds(),
		)
	})
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

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, X-User-Role, X-User-Email, X-User-Name")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func studentEmail(r *http.Request) string {
	raw := chi.URLParam(r, "studentEmail")
	if decoded, err := url.PathUnescape(raw); err == nil {
		return decoded
	}
	return raw
}

// academicYear prefers the query parameter over the body field.
func academicYear(r *http.Request, fromBody string) string {
	if year := strings.TrimSpace(r.URL.Query().Get("academic_year")); year != "" {
		return year
	}
	return strings.TrimSpace(fromBody)
}

type yearOnly struct {
	AcademicYear string `json:"academicYear"`
}

func yearBody(w http.ResponseWriter, r *http.Request) (yearOnly, bool) {
	var body yearOnly
	return body, decodeOrFail(w, r, &body)
}

func (s *HTTPServer) respond(w http.ResponseWriter, status int, data any, err error) {
	if err != nil {
		status, code, message, details := mapError(err)
		if status >= http.StatusInternalServerError {
			s.logger.Error("app: request failed", "code", code, "error", err)
		}
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, status, map[string]any{"success": true, "data": data})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"success": false,
		"code":    code,
		"error":   message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeOrFail(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := decodeBody(r, target); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return false
	}
	return true
}

// decodeBody treats an empty body as an empty object.
func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) || errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}
