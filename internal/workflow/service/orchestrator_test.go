package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OpenNSW/caseflow/internal/notification"
	"github.com/OpenNSW/caseflow/internal/workflow/model"
	"github.com/OpenNSW/caseflow/internal/workflow/rules"
)

// memAlerts is an in-memory AlertRepository with the same compare-and-swap contract as AlertStore.
type memAlerts struct {
	mu      sync.Mutex
	alerts  map[uuid.UUID]model.Alert
	notes   map[uuid.UUID]int
	writes  int
	barrier *sync.WaitGroup // when set, GetAlert waits until every reader has arrived
}

func newMemAlerts(alerts ...model.Alert) *memAlerts {
	m := &memAlerts{alerts: make(map[uuid.UUID]model.Alert), notes: make(map[uuid.UUID]int)}
	for _, a := range alerts {
		m.alerts[a.ID] = a
	}
	return m
}

func (m *memAlerts) GetAlert(_ context.Context, alertID uuid.UUID) (*model.Alert, error) {
	m.mu.Lock()
	a, ok := m.alerts[alertID]
	m.mu.Unlock()
	if m.barrier != nil {
		m.barrier.Done()
		m.barrier.Wait()
	}
	if !ok {
		return nil, NewEntityNotFound(alertID)
	}
	return &a, nil
}

func (m *memAlerts) ApplyStepChange(_ context.Context, c StepChange) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[c.AlertID]
	if !ok || a.Version != c.ExpectedVersion {
		return &ConcurrencyConflictError{AlertID: c.AlertID, ExpectedVersion: c.ExpectedVersion}
	}
	a.CurrentStepID = &c.StepID
	a.CurrentStepName = c.StepName
	a.DueDate = &c.DueDate
	a.StepEnteredAt = &c.EnteredAt
	if c.OwnerID != nil {
		a.OwnerID = *c.OwnerID
	}
	a.Version++
	m.alerts[c.AlertID] = a
	m.writes++
	return nil
}

func (m *memAlerts) CountNotes(_ context.Context, alertID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.notes[alertID], nil
}

func (m *memAlerts) ListOpenWithDeadline(context.Context, time.Time, time.Time, int) ([]model.Alert, error) {
	return nil, nil
}

func (m *memAlerts) MarkSLA(context.Context, uuid.UUID, int64, SLAMark, time.Time) error {
	return nil
}

func (m *memAlerts) get(id uuid.UUID) model.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.alerts[id]
}

// memGraph serves a fixed workflow graph.
type memGraph struct {
	steps       []model.WorkflowStep
	transitions []model.WorkflowTransition
}

func (g *memGraph) FindTransition(_ context.Context, workflowID, source, target uuid.UUID) (*model.WorkflowTransition, error) {
	for _, t := range g.transitions {
		if t.WorkflowID == workflowID && t.SourceStepID == source && t.TargetStepID == target {
			t.TargetStep = g.step(target)
			return &t, nil
		}
	}
	return nil, newNotFound("transition", source.String()+"->"+target.String())
}

func (g *memGraph) ListTransitionsFrom(_ context.Context, workflowID, source uuid.UUID) ([]model.WorkflowTransition, error) {
	var out []model.WorkflowTransition
	for _, t := range g.transitions {
		if t.WorkflowID == workflowID && t.SourceStepID == source {
			t.TargetStep = g.step(t.TargetStepID)
			out = append(out, t)
		}
	}
	return out, nil
}

func (g *memGraph) ListSteps(context.Context, uuid.UUID) ([]model.WorkflowStep, error) {
	return g.steps, nil
}

func (g *memGraph) GetWorkflowStep(_ context.Context, id uuid.UUID) (*model.WorkflowStep, error) {
	ws := g.step(id)
	return &ws, nil
}

func (g *memGraph) DefaultStep(_ context.Context, workflowID uuid.UUID) (*model.WorkflowStep, error) {
	for _, ws := range g.steps {
		if ws.WorkflowID == workflowID && ws.IsDefault {
			return &ws, nil
		}
	}
	return nil, newNotFound("default step of workflow", workflowID)
}

func (g *memGraph) step(id uuid.UUID) model.WorkflowStep {
	for _, ws := range g.steps {
		if ws.ID == id {
			return ws
		}
	}
	return model.WorkflowStep{}
}

type permissionFunc func(userID string, from, to uuid.UUID) bool

func (f permissionFunc) HasTransitionPermission(_ context.Context, userID string, _ uuid.UUID, from, to uuid.UUID) (bool, error) {
	return f(userID, from, to), nil
}

var allowAll = permissionFunc(func(string, uuid.UUID, uuid.UUID) bool { return true })

type fixedAssigner struct{ user string }

func (a fixedAssigner) GetAssignedUser(context.Context, uuid.UUID, *uuid.UUID, uuid.UUID) (string, bool) {
	return a.user, a.user != ""
}

type fixedDeadline struct{ at time.Time }

func (d fixedDeadline) CalculateStepDeadline(context.Context, uuid.UUID, string) time.Time {
	return d.at
}

type recordingNotifier struct {
	mu          sync.Mutex
	stepChanges []notification.StepChange
	failures    []notification.ValidationFailure
}

func (n *recordingNotifier) SendStepChangeNotifications(_ context.Context, c notification.StepChange) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.stepChanges = append(n.stepChanges, c)
}

func (n *recordingNotifier) SendValidationFailure(_ context.Context, f notification.ValidationFailure) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failures = append(n.failures, f)
}

type countingEvidence struct {
	calls int
	count int
}

func (e *countingEvidence) CountAttachments(context.Context, uuid.UUID) (int, error) {
	e.calls++
	return e.count, nil
}

type fixture struct {
	workflowID uuid.UUID
	intake     model.WorkflowStep
	review     model.WorkflowStep
	closed     model.WorkflowStep
	graph      *memGraph
	alert      model.Alert
}

func newFixture() fixture {
	f := fixture{workflowID: uuid.New()}
	mk := func(name string, isDefault bool) model.WorkflowStep {
		return model.WorkflowStep{
			BaseModel:  model.BaseModel{ID: uuid.New()},
			WorkflowID: f.workflowID,
			StepID:     uuid.New(),
			IsDefault:  isDefault,
			Step:       model.Step{Name: name},
		}
	}
	f.intake = mk("Intake", true)
	f.review = mk("Review", false)
	f.closed = mk("Closed", false)
	f.graph = &memGraph{
		steps: []model.WorkflowStep{f.intake, f.review, f.closed},
		transitions: []model.WorkflowTransition{
			{
				BaseModel:    model.BaseModel{ID: uuid.New()},
				WorkflowID:   f.workflowID,
				SourceStepID: f.intake.ID,
				TargetStepID: f.review.ID,
				Reasons:      []string{"Suspicious pattern", "Customer complaint"},
				Rules:        rules.MustSet(`{"requiredFields":["owner"]}`),
			},
			{
				BaseModel:    model.BaseModel{ID: uuid.New()},
				WorkflowID:   f.workflowID,
				SourceStepID: f.review.ID,
				TargetStepID: f.closed.ID,
				Rules:        rules.MustSet(`{"rule":"NOTES_PRESENT"}`, `{"rule":"REASON_DETAILS_PRESENT"}`, `{"rule":"ATTACHMENTS_PRESENT"}`),
			},
		},
	}
	entered := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	f.alert = model.Alert{
		BaseModel:     model.BaseModel{ID: uuid.New(), CreatedAt: entered},
		WorkflowID:    &f.workflowID,
		OwnerID:       "analyst-1",
		Status:        "OPEN",
		StepEnteredAt: &entered,
		Version:       1,
	}
	return f
}

func (f fixture) onReview() model.Alert {
	a := f.alert
	a.CurrentStepID = &f.review.ID
	a.CurrentStepName = "Review"
	return a
}

var testNow = time.Date(2024, 3, 1, 16, 0, 0, 0, time.UTC)
var testDue = time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC)

func newOrchestrator(alerts AlertRepository, graph GraphReader, gate Permission, assignee string, notifier Notifier) *TransitionOrchestrator {
	o := NewTransitionOrchestrator(alerts, graph, gate, fixedAssigner{user: assignee}, fixedDeadline{at: testDue}, notifier)
	o.SetClock(func() time.Time { return testNow })
	return o
}

func TestTransitionOrchestrator_TransitionTo_Success(t *testing.T) {
	f := newFixture()
	alerts := newMemAlerts(f.alert)
	notifier := &recordingNotifier{}
	o := newOrchestrator(alerts, f.graph, allowAll, "investigator-7", notifier)

	updated, err := o.TransitionTo(context.Background(), TransitionRequest{
		AlertID:      f.alert.ID,
		TargetStepID: f.review.ID,
		Reason:       "Suspicious pattern",
		UserID:       "analyst-1",
	})
	require.NoError(t, err)

	assert.Equal(t, f.review.ID, *updated.CurrentStepID)
	assert.Equal(t, "Review", updated.CurrentStepName)
	assert.Equal(t, testDue, *updated.DueDate)
	assert.Equal(t, "investigator-7", updated.OwnerID)
	assert.Equal(t, int64(2), updated.Version)

	stored := alerts.get(f.alert.ID)
	assert.Equal(t, int64(2), stored.Version)
	assert.Equal(t, "investigator-7", stored.OwnerID)

	require.Len(t, notifier.stepChanges, 1)
	change := notifier.stepChanges[0]
	assert.Equal(t, "Intake", change.FromStepName)
	assert.Equal(t, "Review", change.ToStepName)
	assert.Equal(t, "investigator-7", change.Assignee)
	assert.Equal(t, (6 * time.Hour).Milliseconds(), change.DurationMs)
	assert.Empty(t, notifier.failures)
}

func TestTransitionOrchestrator_TransitionTo_Rejections(t *testing.T) {
	f := newFixture()
	denyAll := permissionFunc(func(string, uuid.UUID, uuid.UUID) bool { return false })
	noWorkflow := f.alert
	noWorkflow.ID = uuid.New()
	noWorkflow.WorkflowID = nil

	tests := []struct {
		name    string
		alert   model.Alert
		gate    Permission
		req     func(a model.Alert) TransitionRequest
		wantErr error
		check   func(t *testing.T, err error, n *recordingNotifier)
	}{
		{
			name:  "missing edge is an invalid transition even when permission would be denied",
			alert: f.alert,
			gate:  denyAll,
			req: func(a model.Alert) TransitionRequest {
				return TransitionRequest{AlertID: a.ID, TargetStepID: f.closed.ID, UserID: "analyst-1"}
			},
			wantErr: ErrInvalidTransition,
		},
		{
			name:  "permission denied",
			alert: f.alert,
			gate:  denyAll,
			req: func(a model.Alert) TransitionRequest {
				return TransitionRequest{AlertID: a.ID, TargetStepID: f.review.ID, Reason: "Suspicious pattern", UserID: "analyst-1"}
			},
			wantErr: ErrPermissionDenied,
			check: func(t *testing.T, err error, n *recordingNotifier) {
				assert.NotErrorIs(t, err, ErrRuleValidationFailed)
				assert.Empty(t, n.failures)
			},
		},
		{
			name:  "every failing rule is reported",
			alert: f.onReview(),
			gate:  allowAll,
			req: func(a model.Alert) TransitionRequest {
				return TransitionRequest{AlertID: a.ID, TargetStepID: f.closed.ID, UserID: "analyst-1"}
			},
			wantErr: ErrRuleValidationFailed,
			check: func(t *testing.T, err error, n *recordingNotifier) {
				assert.Equal(t, []string{
					"At least one note is required",
					"Reason details are required",
					"At least one attachment is required",
				}, RuleErrors(err))
				require.Len(t, n.failures, 1)
				assert.Len(t, n.failures[0].Errors, 3)
			},
		},
		{
			name:  "reason outside the allowed list",
			alert: f.alert,
			gate:  allowAll,
			req: func(a model.Alert) TransitionRequest {
				return TransitionRequest{AlertID: a.ID, TargetStepID: f.review.ID, Reason: "Bored", UserID: "analyst-1"}
			},
			wantErr: ErrRuleValidationFailed,
			check: func(t *testing.T, err error, _ *recordingNotifier) {
				require.Len(t, RuleErrors(err), 1)
				assert.Contains(t, RuleErrors(err)[0], `Reason "Bored" is not allowed`)
			},
		},
		{
			name:  "unknown alert",
			alert: f.alert,
			gate:  allowAll,
			req: func(model.Alert) TransitionRequest {
				return TransitionRequest{AlertID: uuid.New(), TargetStepID: f.review.ID, UserID: "analyst-1"}
			},
			wantErr: ErrEntityNotFound,
		},
		{
			name:  "alert without workflow",
			alert: noWorkflow,
			gate:  allowAll,
			req: func(a model.Alert) TransitionRequest {
				return TransitionRequest{AlertID: a.ID, TargetStepID: f.review.ID, UserID: "analyst-1"}
			},
			wantErr: ErrNoWorkflowAssigned,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			alerts := newMemAlerts(tt.alert)
			notifier := &recordingNotifier{}
			o := newOrchestrator(alerts, f.graph, tt.gate, "", notifier)

			updated, err := o.TransitionTo(context.Background(), tt.req(tt.alert))
			require.Error(t, err)
			assert.Nil(t, updated)
			assert.ErrorIs(t, err, tt.wantErr)
			if tt.check != nil {
				tt.check(t, err, notifier)
			}

			assert.Zero(t, alerts.writes)
			assert.Equal(t, tt.alert.CurrentStepID, alerts.get(tt.alert.ID).CurrentStepID)
			assert.Empty(t, notifier.stepChanges)
		})
	}
}

func TestTransitionOrchestrator_TransitionTo_ConcurrentStaleReads(t *testing.T) {
	f := newFixture()
	alerts := newMemAlerts(f.alert)
	alerts.barrier = &sync.WaitGroup{}
	alerts.barrier.Add(2)
	o := newOrchestrator(alerts, f.graph, allowAll, "", &recordingNotifier{})

	req := TransitionRequest{AlertID: f.alert.ID, TargetStepID: f.review.ID, Reason: "Customer complaint", UserID: "analyst-1"}

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = o.TransitionTo(context.Background(), req)
		}(i)
	}
	wg.Wait()

	var succeeded, conflicted int
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrConcurrencyConflict):
			conflicted++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, conflicted)
	assert.Equal(t, int64(2), alerts.get(f.alert.ID).Version)
}

func TestTransitionOrchestrator_EvidenceOnlyWhenRequired(t *testing.T) {
	f := newFixture()

	t.Run("not counted for rules that do not need it", func(t *testing.T) {
		evidence := &countingEvidence{}
		o := newOrchestrator(newMemAlerts(f.alert), f.graph, allowAll, "", &recordingNotifier{})
		o.SetEvidenceCounter(evidence)

		_, err := o.TransitionTo(context.Background(), TransitionRequest{AlertID: f.alert.ID, TargetStepID: f.review.ID, Reason: "Suspicious pattern", UserID: "analyst-1"})
		require.NoError(t, err)
		assert.Zero(t, evidence.calls)
	})

	t.Run("counted for ATTACHMENTS_PRESENT", func(t *testing.T) {
		evidence := &countingEvidence{count: 2}
		alert := f.onReview()
		alerts := newMemAlerts(alert)
		alerts.notes[alert.ID] = 1
		o := newOrchestrator(alerts, f.graph, allowAll, "", &recordingNotifier{})
		o.SetEvidenceCounter(evidence)

		updated, err := o.TransitionTo(context.Background(), TransitionRequest{
			AlertID:       alert.ID,
			TargetStepID:  f.closed.ID,
			ReasonDetails: "Confirmed false positive after KYC refresh",
			UserID:        "analyst-1",
		})
		require.NoError(t, err)
		assert.Equal(t, 1, evidence.calls)
		assert.Equal(t, "Closed", updated.CurrentStepName)
		assert.Equal(t, "analyst-1", updated.OwnerID)
	})
}

func TestTransitionOrchestrator_AllowedTransitions(t *testing.T) {
	f := newFixture()
	alerts := newMemAlerts(f.alert)
	onlyReview := permissionFunc(func(_ string, _, to uuid.UUID) bool { return to == f.review.ID })

	o := newOrchestrator(alerts, f.graph, onlyReview, "", &recordingNotifier{})
	allowed, err := o.AllowedTransitions(context.Background(), f.alert.ID, "analyst-1")
	require.NoError(t, err)
	require.Len(t, allowed, 1)
	assert.Equal(t, f.review.ID, allowed[0].TargetStepID)
	assert.Equal(t, "Review", allowed[0].TargetStepName)
	assert.Equal(t, []string{"Suspicious pattern", "Customer complaint"}, allowed[0].Reasons)

	denyAll := permissionFunc(func(string, uuid.UUID, uuid.UUID) bool { return false })
	o = newOrchestrator(alerts, f.graph, denyAll, "", &recordingNotifier{})
	allowed, err = o.AllowedTransitions(context.Background(), f.alert.ID, "analyst-1")
	require.NoError(t, err)
	assert.Empty(t, allowed)
}

func TestRuleEngine_ValidateTransitionRules(t *testing.T) {
	f := newFixture()
	engine := NewRuleEngine(f.graph)
	ctx := context.Background()

	t.Run("no such transition", func(t *testing.T) {
		res, err := engine.ValidateTransitionRules(ctx, f.workflowID, f.intake.ID, f.closed.ID, rules.Snapshot{})
		require.NoError(t, err)
		assert.False(t, res.Valid)
		require.Len(t, res.Errors, 1)
		assert.Contains(t, res.Errors[0], "No such transition")
	})

	t.Run("two failing conditions give two errors", func(t *testing.T) {
		tr := &model.WorkflowTransition{Rules: rules.MustSet(`{"requiredFields":["owner"]}`, `{"minScore":70}`)}
		score := 40.0
		res := engine.Validate(tr, rules.Snapshot{Score: &score})
		assert.False(t, res.Valid)
		assert.Len(t, res.Errors, 2)
	})

	t.Run("valid", func(t *testing.T) {
		res, err := engine.ValidateTransitionRules(ctx, f.workflowID, f.intake.ID, f.review.ID, rules.Snapshot{OwnerID: "analyst-1", Reason: "Customer complaint"})
		require.NoError(t, err)
		assert.True(t, res.Valid)
		assert.Empty(t, res.Errors)
	})
}
