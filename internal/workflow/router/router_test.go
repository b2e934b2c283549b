package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OpenNSW/caseflow/internal/auth"
	"github.com/OpenNSW/caseflow/internal/config"
	"github.com/OpenNSW/caseflow/internal/evidence"
	"github.com/OpenNSW/caseflow/internal/evidence/drivers"
	"github.com/OpenNSW/caseflow/internal/workflow/model"
	"github.com/OpenNSW/caseflow/internal/workflow/service"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeTransitions struct {
	lastReq service.TransitionRequest
	result  *model.Alert
	err     error
	allowed []model.AllowedTransitionDTO
}

func (f *fakeTransitions) TransitionTo(_ context.Context, req service.TransitionRequest) (*model.Alert, error) {
	f.lastReq = req
	return f.result, f.err
}

func (f *fakeTransitions) AllowedTransitions(context.Context, uuid.UUID, string) ([]model.AllowedTransitionDTO, error) {
	return f.allowed, f.err
}

type fakeAlerts map[uuid.UUID]*model.Alert

func (f fakeAlerts) GetAlert(_ context.Context, id uuid.UUID) (*model.Alert, error) {
	if a, ok := f[id]; ok {
		return a, nil
	}
	return nil, service.NewEntityNotFound(id)
}

type fixedSLA model.SLAStatus

func (s fixedSLA) StatusOf(a *model.Alert) model.SLAStatusDTO {
	return model.SLAStatusDTO{AlertID: a.ID, DueDate: a.DueDate, Status: model.SLAStatus(s), StepName: a.CurrentStepName}
}

type fakeNotifications struct {
	offset, limit *int
}

func (f *fakeNotifications) ListByAlert(_ context.Context, alertID uuid.UUID, offset, limit *int) (*model.NotificationListResponseDTO, error) {
	f.offset, f.limit = offset, limit
	return &model.NotificationListResponseDTO{
		Items: []model.Notification{{ID: uuid.New(), AlertID: alertID, Type: model.NotificationTypeStepChange}},
		Total: 1,
	}, nil
}

type fakeEvidence struct {
	files map[string]string
}

func (f *fakeEvidence) Upload(_ context.Context, alertID uuid.UUID, filename string, body io.Reader, size int64, mime string) (*evidence.Attachment, error) {
	b, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	f.files[filename] = string(b)
	return &evidence.Attachment{ID: filename, AlertID: alertID, Name: filename, Size: size, MimeType: mime}, nil
}

func (f *fakeEvidence) Download(_ context.Context, _ uuid.UUID, name string) (io.ReadCloser, string, error) {
	if strings.Contains(name, "..") {
		return nil, "", evidence.ErrInvalidKey
	}
	body, ok := f.files[name]
	if !ok {
		return nil, "", drivers.ErrObjectNotFound
	}
	return io.NopCloser(strings.NewReader(body)), "text/plain", nil
}

type fakeSteps []model.WorkflowStep

func (f fakeSteps) ListSteps(context.Context, uuid.UUID) ([]model.WorkflowStep, error) {
	return f, nil
}

type testServer struct {
	engine      *gin.Engine
	transitions *fakeTransitions
	notes       *fakeNotifications
	evidence    *fakeEvidence
	alertID     uuid.UUID
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	alertID := uuid.New()
	stepID := uuid.New()
	due := time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC)

	ts := &testServer{
		transitions: &fakeTransitions{},
		notes:       &fakeNotifications{},
		evidence:    &fakeEvidence{files: map[string]string{}},
		alertID:     alertID,
	}
	alerts := fakeAlerts{alertID: {
		BaseModel:       model.BaseModel{ID: alertID},
		CurrentStepID:   &stepID,
		CurrentStepName: "Review",
		DueDate:         &due,
	}}
	steps := fakeSteps{{
		BaseModel: model.BaseModel{ID: stepID},
		IsDefault: true,
		Step:      model.Step{Name: "Review"},
	}}

	ts.engine = NewEngine(Options{
		CORS: config.CORSConfig{
			AllowedOrigins: []string{"http://localhost:3000"},
			AllowedMethods: []string{"GET", "POST"},
			AllowedHeaders: []string{"Content-Type", "Authorization"},
			MaxAge:         600,
		},
		Auth:      auth.HeaderMiddleware(),
		Alerts:    NewAlertRouter(ts.transitions, alerts, fixedSLA(model.SLAStatusApproaching), ts.notes, ts.evidence),
		Workflows: NewWorkflowRouter(steps),
	})
	return ts
}

func (ts *testServer) do(method, path string, body io.Reader, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, body)
	if _, ok := headers[auth.UserHeader]; !ok {
		req.Header.Set(auth.UserHeader, "analyst-1")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	ts.engine.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) alertPath(suffix string) string {
	return "/api/v1/alerts/" + ts.alertID.String() + suffix
}

func decodeProblem(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	assert.Equal(t, problemContentType, rec.Header().Get("Content-Type"))
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestHandleTransition_Success(t *testing.T) {
	ts := newTestServer(t)
	target := uuid.New()
	ts.transitions.result = &model.Alert{
		BaseModel:       model.BaseModel{ID: ts.alertID},
		CurrentStepID:   &target,
		CurrentStepName: "Closed",
		OwnerID:         "lead-1",
		Version:         2,
	}

	body := `{"targetStepId":"` + target.String() + `","reason":"Resolved","reasonDetails":"no hit"}`
	rec := ts.do(http.MethodPost, ts.alertPath("/transitions"), strings.NewReader(body), map[string]string{"Content-Type": "application/json"})

	require.Equal(t, http.StatusOK, rec.Code)
	var resp model.AlertStepResponseDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Closed", resp.CurrentStepName)
	assert.Equal(t, int64(2), resp.Version)
	assert.Equal(t, "lead-1", resp.OwnerID)

	req := ts.transitions.lastReq
	assert.Equal(t, ts.alertID, req.AlertID)
	assert.Equal(t, target, req.TargetStepID)
	assert.Equal(t, "Resolved", req.Reason)
	assert.Equal(t, "no hit", req.ReasonDetails)
	assert.Equal(t, "analyst-1", req.UserID)
}

func TestHandleTransition_Errors(t *testing.T) {
	target := uuid.New()
	validBody := `{"targetStepId":"` + target.String() + `","reason":"x"}`

	tests := []struct {
		name       string
		path       func(ts *testServer) string
		body       string
		err        error
		wantStatus int
		wantCode   string
		wantErrors int
	}{
		{
			name:       "malformed alert id",
			path:       func(*testServer) string { return "/api/v1/alerts/not-a-uuid/transitions" },
			body:       validBody,
			wantStatus: http.StatusBadRequest,
			wantCode:   "VALIDATION_ERROR",
		},
		{
			name:       "missing target step",
			body:       `{"reason":"x"}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "VALIDATION_ERROR",
		},
		{
			name:       "invalid transition",
			body:       validBody,
			err:        &service.InvalidTransitionError{TargetStepID: target},
			wantStatus: http.StatusConflict,
			wantCode:   "INVALID_TRANSITION",
		},
		{
			name:       "permission denied",
			body:       validBody,
			err:        &service.PermissionDeniedError{UserID: "analyst-1"},
			wantStatus: http.StatusForbidden,
			wantCode:   "PERMISSION_DENIED",
		},
		{
			name:       "rule failures listed",
			body:       validBody,
			err:        &service.RuleValidationError{Errors: []string{"Notes are required", "Attachments are required"}},
			wantStatus: http.StatusUnprocessableEntity,
			wantCode:   "RULE_VALIDATION_FAILED",
			wantErrors: 2,
		},
		{
			name:       "stale version",
			body:       validBody,
			err:        &service.ConcurrencyConflictError{ExpectedVersion: 3},
			wantStatus: http.StatusConflict,
			wantCode:   "CONCURRENCY_CONFLICT",
		},
		{
			name:       "unknown alert",
			body:       validBody,
			err:        service.NewEntityNotFound(uuid.New()),
			wantStatus: http.StatusNotFound,
			wantCode:   "ENTITY_NOT_FOUND",
		},
		{
			name:       "unexpected failure hides detail",
			body:       validBody,
			err:        errors.New("connection reset by peer"),
			wantStatus: http.StatusInternalServerError,
			wantCode:   "INTERNAL_ERROR",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			ts.transitions.err = tt.err
			path := ts.alertPath("/transitions")
			if tt.path != nil {
				path = tt.path(ts)
			}

			rec := ts.do(http.MethodPost, path, strings.NewReader(tt.body), map[string]string{"Content-Type": "application/json"})

			assert.Equal(t, tt.wantStatus, rec.Code)
			body := decodeProblem(t, rec)
			assert.Equal(t, tt.wantCode, body["code"])
			assert.EqualValues(t, tt.wantStatus, body["status"])
			if tt.wantErrors > 0 {
				assert.Len(t, body["errors"], tt.wantErrors)
			}
			assert.NotContains(t, rec.Body.String(), "connection reset")
		})
	}
}

func TestRoutes_RequireCaller(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodGet, ts.alertPath("/transitions"), nil, map[string]string{auth.UserHeader: ""})

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, problemContentType, rec.Header().Get("Content-Type"))
}

// stalledTransitions never completes on its own, like a store that stopped answering.
type stalledTransitions struct{}

func (stalledTransitions) TransitionTo(ctx context.Context, _ service.TransitionRequest) (*model.Alert, error) {
	<-ctx.Done()
	return nil, fmt.Errorf("failed to load alert: %w", ctx.Err())
}

func (stalledTransitions) AllowedTransitions(ctx context.Context, _ uuid.UUID, _ string) ([]model.AllowedTransitionDTO, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestRequestTimeout(t *testing.T) {
	alertID := uuid.New()
	engine := NewEngine(Options{
		Auth:    auth.HeaderMiddleware(),
		Timeout: 50 * time.Millisecond,
		Alerts:  NewAlertRouter(stalledTransitions{}, fakeAlerts{}, fixedSLA(model.SLAStatusOnTrack), &fakeNotifications{}, nil),
	})

	body := `{"targetStepId":"` + uuid.NewString() + `","reason":"x"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/alerts/"+alertID.String()+"/transitions", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(auth.UserHeader, "analyst-1")
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		defer close(done)
		engine.ServeHTTP(rec, req)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("transition request did not honour the request timeout")
	}

	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	problem := decodeProblem(t, rec)
	assert.Equal(t, "REQUEST_TIMEOUT", problem["code"])
}

func TestHandleGetAllowedTransitions(t *testing.T) {
	ts := newTestServer(t)
	ts.transitions.allowed = []model.AllowedTransitionDTO{{TargetStepName: "Closed", Reasons: []string{"Resolved"}}}

	rec := ts.do(http.MethodGet, ts.alertPath("/transitions"), nil, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp []model.AllowedTransitionDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp, 1)
	assert.Equal(t, "Closed", resp[0].TargetStepName)
}

func TestHandleGetSLAStatus(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodGet, ts.alertPath("/sla"), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp model.SLAStatusDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, model.SLAStatusApproaching, resp.Status)
	assert.Equal(t, "Review", resp.StepName)

	rec = ts.do(http.MethodGet, "/api/v1/alerts/"+uuid.NewString()+"/sla", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleGetNotifications(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodGet, ts.alertPath("/notifications?offset=5&limit=10"), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, ts.notes.offset)
	require.NotNil(t, ts.notes.limit)
	assert.Equal(t, 5, *ts.notes.offset)
	assert.Equal(t, 10, *ts.notes.limit)

	rec = ts.do(http.MethodGet, ts.alertPath("/notifications?limit=ten"), nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEvidenceRoundTrip(t *testing.T) {
	ts := newTestServer(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "statement.txt")
	require.NoError(t, err)
	_, err = part.Write([]byte("ledger"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	rec := ts.do(http.MethodPost, ts.alertPath("/evidence"), &buf, map[string]string{"Content-Type": mw.FormDataContentType()})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "ledger", ts.evidence.files["statement.txt"])

	rec = ts.do(http.MethodGet, ts.alertPath("/evidence/statement.txt"), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ledger", rec.Body.String())

	rec = ts.do(http.MethodGet, ts.alertPath("/evidence/missing.txt"), nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(http.MethodPost, ts.alertPath("/evidence"), strings.NewReader(""), map[string]string{"Content-Type": "text/plain"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleGetWorkflowSteps(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodGet, "/api/v1/workflows/"+uuid.NewString()+"/steps", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp []model.WorkflowStepResponseDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp, 1)
	assert.Equal(t, "Review", resp[0].Name)
	assert.True(t, resp[0].IsDefault)
}

func TestCORS(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodOptions, ts.alertPath("/transitions"), nil, map[string]string{"Origin": "http://localhost:3000"})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "GET, POST", rec.Header().Get("Access-Control-Allow-Methods"))
	assert.Equal(t, "600", rec.Header().Get("Access-Control-Max-Age"))

	rec = ts.do(http.MethodGet, "/health", nil, map[string]string{"Origin": "http://evil.example"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
