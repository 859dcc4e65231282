package app

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"refflow/api/internal/auth"
	"refflow/api/internal/metrics"
	"refflow/api/internal/rbac"
	"refflow/api/internal/store"
	"refflow/api/internal/workflow"
)

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Code    string          `json:"code"`
	Error   string          `json:"error"`
}

func profilePath(suffix string) string {
	return "/api/academic-profile/" + ownerEmail + suffix
}

func call(t *testing.T, handler http.Handler, caller *rbac.Caller, method, path string, body any) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if caller != nil {
		req.Header.Set("X-User-Email", caller.Email)
		req.Header.Set("X-User-Name", caller.Name)
		req.Header.Set("X-User-Role", string(caller.Role))
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	var env envelope
	if strings.HasPrefix(rr.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
			t.Fatalf("decode %s %s: %v (%s)", method, path, err, rr.Body.String())
		}
	}
	return rr, env
}

func newHTTPHarness(t *testing.T) (*harness, http.Handler) {
	t.Helper()
	h := newHarness(t)
	return h, NewHTTPServer(h.svc, "*", "", nil, nil).Handler()
}

func TestHTTPInviteFlow(t *testing.T) {
	_, handler := newHTTPHarness(t)

	rr, env := call(t, handler, &student, http.MethodPost, profilePath("/reference/invite"),
		map[string]any{"academicYear": thisYear, "invitedEmail": "t1@school.org"})
	if rr.Code != http.StatusCreated || !env.Success {
		t.Fatalf("expected 201 success, got %d %s", rr.Code, rr.Body.String())
	}
	var created CreateInviteResult
	if err := json.Unmarshal(env.Data, &created); err != nil {
		t.Fatalf("decode invite: %v", err)
	}
	if created.Token == "" {
		t.Fatal("expected the token on the creating call")
	}

	rr, env = call(t, handler, &student, http.MethodPost, profilePath("/reference/invite"),
		map[string]any{"academicYear": thisYear, "invitedEmail": "t1@school.org"})
	if rr.Code != http.StatusOK || !env.Success || strings.Contains(string(env.Data), `"token"`) {
		t.Fatalf("expected the existing invite without a token, got %d %s", rr.Code, rr.Body.String())
	}

	rr, env = call(t, handler, &staffOne, http.MethodPost, "/api/reference/invites/accept",
		map[string]any{"token": created.Token})
	if rr.Code != http.StatusOK || !env.Success {
		t.Fatalf("expected accept to succeed, got %d %s", rr.Code, rr.Body.String())
	}

	rr, env = call(t, handler, &student, http.MethodGet, profilePath("/reference/status?academic_year=2025-26"), nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d %s", rr.Code, rr.Body.String())
	}
	var status StatusView
	if err := json.Unmarshal(env.Data, &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if len(status.Invites) != 1 || status.Invites[0].Status != string(workflow.InviteAccepted) {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestHTTPRoleMatrix(t *testing.T) {
	h, handler := newHTTPHarness(t)
	openRecord(t, h)

	cases := []struct {
		name   string
		caller rbac.Caller
		method string
		path   string
		body   any
		want   int
	}{
		{"student cannot read full", student, http.MethodGet, "/reference/full", nil, http.StatusForbidden},
		{"staff reads full", staffOne, http.MethodGet, "/reference/full", nil, http.StatusOK},
		{"other student cannot read status", intruder, http.MethodGet, "/reference/status", nil, http.StatusForbidden},
		{"staff reads status", staffOne, http.MethodGet, "/reference/status", nil, http.StatusOK},
		{"staff cannot invite", staffOne, http.MethodPost, "/reference/invite", map[string]any{"invitedEmail": "x@school.org"}, http.StatusForbidden},
		{"student cannot contribute", student, http.MethodPost, "/reference/contribution", map[string]any{"section": 3, "text": "x"}, http.StatusForbidden},
		{"staff cannot compile", staffOne, http.MethodPut, "/reference/tutor-compiled", map[string]any{"text": "x"}, http.StatusForbidden},
		{"tutor compiles", tutor, http.MethodPut, "/reference/tutor-compiled", map[string]any{"text": "x"}, http.StatusOK},
		{"staff cannot mark compiled", staffOne, http.MethodPost, "/reference/tutor-compiled/mark-complete", nil, http.StatusForbidden},
		{"staff cannot unmark compiled", staffOne, http.MethodPost, "/reference/tutor-compiled/unmark-complete", nil, http.StatusForbidden},
		{"staff cannot save statement", staffOne, http.MethodPut, "/ucas-application", map[string]any{"statement": "x"}, http.StatusForbidden},
		{"staff reads statement", staffOne, http.MethodGet, "/ucas-application", nil, http.StatusOK},
		{"student cannot comment", student, http.MethodPost, "/ucas-application/comment", map[string]any{"body": "x"}, http.StatusForbidden},
		{"staff comments", staffOne, http.MethodPost, "/ucas-application/comment", map[string]any{"body": "x"}, http.StatusCreated},
		{"staff cannot complete statement", staffOne, http.MethodPost, "/ucas-application/mark-complete", nil, http.StatusForbidden},
		{"student cannot request edits", student, http.MethodPost, "/ucas-application/request-edits", map[string]any{"reason": "x"}, http.StatusForbidden},
		{"staff cannot archive", staffOne, http.MethodDelete, "/reference?academic_year=2025/2026", nil, http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			caller := tc.caller
			rr, env := call(t, handler, &caller, tc.method, profilePath(tc.path), tc.body)
			if rr.Code != tc.want {
				t.Fatalf("expected %d, got %d %s", tc.want, rr.Code, rr.Body.String())
			}
			if env.Success != (tc.want < 400) {
				t.Fatalf("unexpected success flag in %s", rr.Body.String())
			}
			if tc.want == http.StatusForbidden && env.Code != string(workflow.KindRoleDenied) {
				t.Fatalf("expected ROLE_DENIED, got %q", env.Code)
			}
		})
	}
}

func TestHTTPStatementLifecycle(t *testing.T) {
	_, handler := newHTTPHarness(t)

	rr, _ := call(t, handler, &student, http.MethodPut, profilePath("/ucas-application"),
		map[string]any{"statement": "Draft one"})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected save to succeed, got %d %s", rr.Code, rr.Body.String())
	}

	rr, env := call(t, handler, &staffOne, http.MethodPost, profilePath("/ucas-application/request-edits"),
		map[string]any{"reason": "more"})
	if rr.Code != http.StatusConflict || env.Code != string(workflow.KindInvalidState) {
		t.Fatalf("expected 409 INVALID_STATE, got %d %s", rr.Code, rr.Body.String())
	}

	rr, _ = call(t, handler, &student, http.MethodPost, profilePath("/ucas-application/mark-complete"), nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected mark-complete to succeed, got %d %s", rr.Code, rr.Body.String())
	}

	rr, env = call(t, handler, &staffOne, http.MethodPost, profilePath("/ucas-application/request-edits"),
		map[string]any{"reason": ""})
	if rr.Code != http.StatusUnprocessableEntity || env.Code != string(workflow.KindValidation) {
		t.Fatalf("expected 422, got %d %s", rr.Code, rr.Body.String())
	}

	rr, env = call(t, handler, &staffOne, http.MethodPost, profilePath("/ucas-application/request-edits"),
		map[string]any{"reason": "needs more detail"})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected request-edits to succeed, got %d %s", rr.Code, rr.Body.String())
	}
	var view StatementView
	if err := json.Unmarshal(env.Data, &view); err != nil {
		t.Fatalf("decode statement: %v", err)
	}
	if view.Status != string(workflow.StatusEditsRequested) {
		t.Fatalf("expected EDITS_REQUESTED, got %s", view.Status)
	}
}

func TestHTTPCompiledPreconditionIs412(t *testing.T) {
	h, handler := newHTTPHarness(t)
	openRecord(t, h)

	rr, env := call(t, handler, &tutor, http.MethodPost, profilePath("/reference/tutor-compiled/mark-complete"), nil)
	if rr.Code != http.StatusPreconditionFailed || env.Code != string(workflow.KindPreconditionFailed) {
		t.Fatalf("expected 412, got %d %s", rr.Code, rr.Body.String())
	}
}

func TestHTTPMissingRecordIs404(t *testing.T) {
	_, handler := newHTTPHarness(t)

	rr, env := call(t, handler, &staffOne, http.MethodGet, profilePath("/reference/full"), nil)
	if rr.Code != http.StatusNotFound || env.Success || env.Code != string(workflow.KindNotFound) {
		t.Fatalf("expected 404 NOT_FOUND, got %d %s", rr.Code, rr.Body.String())
	}
}

func TestHTTPRejectsBadInput(t *testing.T) {
	h, handler := newHTTPHarness(t)
	openRecord(t, h)

	rr, _ := call(t, handler, nil, http.MethodGet, profilePath("/reference/status"), nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without identity, got %d", rr.Code)
	}

	req := httptest.NewRequest(http.MethodPost, profilePath("/reference/invite"), strings.NewReader("{not json"))
	req.Header.Set("X-User-Email", student.Email)
	req.Header.Set("X-User-Role", "Student")
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed JSON, got %d", rr.Code)
	}

	rr, env := call(t, handler, &student, http.MethodPost, profilePath("/reference/invite"),
		map[string]any{"invitedEmail": "nobody"})
	if rr.Code != http.StatusUnprocessableEntity || env.Code != string(workflow.KindInvalidAddress) {
		t.Fatalf("expected 422 INVALID_ADDRESS, got %d %s", rr.Code, rr.Body.String())
	}

	rr, _ = call(t, handler, &staffOne, http.MethodGet, profilePath("/reference/contribution/history?section=two"), nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a non-numeric section, got %d", rr.Code)
	}

	rr, _ = call(t, handler, &staffOne, http.MethodGet, "/api/unknown", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for an unknown route, got %d", rr.Code)
	}
}

func TestHTTPQueryYearWinsOverBody(t *testing.T) {
	h, handler := newHTTPHarness(t)

	rr, env := call(t, handler, &student, http.MethodPut, profilePath("/ucas-application?academic_year=2024/2025"),
		map[string]any{"academicYear": thisYear, "statement": "older"})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected save to succeed, got %d %s", rr.Code, rr.Body.String())
	}
	var view StatementView
	if err := json.Unmarshal(env.Data, &view); err != nil {
		t.Fatalf("decode statement: %v", err)
	}
	if view.AcademicYear != "2024/2025" {
		t.Fatalf("expected the query year, got %s", view.AcademicYear)
	}
	if _, err := h.store.FindRecord(t.Context(), ownerEmail, thisYear); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected no record for the body year, got %v", err)
	}
}

func TestHTTPExportReturnsDocument(t *testing.T) {
	h, handler := newHTTPHarness(t)
	h.svc.export = &fakeExporter{}
	openRecord(t, h)
	if _, err := h.svc.SaveCompiled(t.Context(), tutor, ownerEmail, thisYear, "Compiled"); err != nil {
		t.Fatalf("SaveCompiled() error = %v", err)
	}

	rr, _ := call(t, handler, &staffOne, http.MethodGet, profilePath("/reference/tutor-compiled/export?format=pdf"), nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", rr.Code, rr.Body.String())
	}
	if got := rr.Header().Get("Content-Type"); got != "application/pdf" {
		t.Fatalf("expected application/pdf, got %q", got)
	}
	if got := rr.Header().Get("Content-Disposition"); !strings.Contains(got, "reference.pdf") {
		t.Fatalf("unexpected Content-Disposition %q", got)
	}
	if rr.Body.String() != "%PDF" {
		t.Fatalf("unexpected body %q", rr.Body.String())
	}
}

func TestHTTPArchiveRecord(t *testing.T) {
	h, handler := newHTTPHarness(t)
	openRecord(t, h)

	rr, env := call(t, handler, &tutor, http.MethodDelete, profilePath("/reference?academic_year=2025/2026"), nil)
	if rr.Code != http.StatusOK || !env.Success {
		t.Fatalf("expected archive to succeed, got %d %s", rr.Code, rr.Body.String())
	}
	rr, _ = call(t, handler, &tutor, http.MethodGet, profilePath("/reference/status?academic_year=2025/2026"), nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected the archived record to be gone, got %d", rr.Code)
	}
}

func TestHTTPJWTIdentity(t *testing.T) {
	h := newHarness(t)
	openRecord(t, h)
	secret := "test-secret"
	handler := NewHTTPServer(h.svc, "*", secret, nil, nil).Handler()

	do := func(token string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, profilePath("/reference/status"), nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		// Headers are ignored once tokens are required.
		req.Header.Set("X-User-Email", ownerEmail)
		req.Header.Set("X-User-Role", "student")
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr
	}

	if rr := do(""); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a token, got %d", rr.Code)
	}
	if rr := do("garbage"); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a bad token, got %d", rr.Code)
	}

	expired, err := auth.IssueToken([]byte(secret), auth.NewClaims(ownerEmail, "Sam", "student", -time.Minute))
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	if rr := do(expired); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for an expired token, got %d", rr.Code)
	}

	valid, err := auth.IssueToken([]byte(secret), auth.NewClaims(ownerEmail, "Sam", "Student", time.Hour))
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	if rr := do(valid); rr.Code != http.StatusOK {
		t.Fatalf("expected 200 with a valid token, got %d %s", rr.Code, rr.Body.String())
	}

	other, err := auth.IssueToken([]byte(secret), auth.NewClaims("alex@school.org", "Alex", "student", time.Hour))
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	if rr := do(other); rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for another student, got %d", rr.Code)
	}
}

func TestHTTPMetricsUseRoutePattern(t *testing.T) {
	h := newHarness(t)
	openRecord(t, h)
	m := metrics.New(prometheus.NewRegistry())
	handler := NewHTTPServer(h.svc, "*", "", nil, m).Handler()

	for i := 0; i < 2; i++ {
		rr, _ := call(t, handler, &staffOne, http.MethodGet, profilePath("/reference/status"), nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}
	}
	got := testutil.ToFloat64(m.HTTPRequests.WithLabelValues(http.MethodGet, "/api/academic-profile/{studentEmail}/reference/status", "2xx"))
	if got != 2 {
		t.Fatalf("expected two requests under the route pattern, got %v", got)
	}
}

func TestMapError(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{workflow.RoleDenied("no"), http.StatusForbidden, "ROLE_DENIED"},
		{workflow.InvalidState("no"), http.StatusConflict, "INVALID_STATE"},
		{workflow.InvalidAddress("no"), http.StatusUnprocessableEntity, "INVALID_ADDRESS"},
		{workflow.InvalidSection("no"), http.StatusUnprocessableEntity, "INVALID_SECTION"},
		{workflow.Validation("no"), http.StatusUnprocessableEntity, "VALIDATION_ERROR"},
		{workflow.NotFound("no"), http.StatusNotFound, "NOT_FOUND"},
		{workflow.PreconditionFailed("no"), http.StatusPreconditionFailed, "PRECONDITION_FAILED"},
		{fmt.Errorf("load: %w", store.ErrNotFound), http.StatusNotFound, "NOT_FOUND"},
		{store.ErrConflict, http.StatusConflict, "CONFLICT"},
		{auth.ErrExpiredToken, http.StatusUnauthorized, "UNAUTHORIZED"},
		{domainError(http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "down", nil), http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE"},
		{errors.New("boom"), http.StatusInternalServerError, "SERVER_ERROR"},
	}
	for _, tc := range cases {
		status, code, _, _ := mapError(tc.err)
		if status != tc.status || code != tc.code {
			t.Errorf("mapError(%v) = %d %s, want %d %s", tc.err, status, code, tc.status, tc.code)
		}
	}
}
