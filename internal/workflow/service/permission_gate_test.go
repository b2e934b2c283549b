package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/OpenNSW/caseflow/internal/policy"
	"github.com/OpenNSW/caseflow/internal/workflow/model"
)

// MockPolicyRepository is a mock implementation of policy.Repository
type MockPolicyRepository struct {
	mock.Mock
}

func (m *MockPolicyRepository) ListActive(ctx context.Context, policyType model.PolicyType) ([]model.Policy, error) {
	args := m.Called(ctx, policyType)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Policy), args.Error(1)
}

func (m *MockPolicyRepository) ListEntityMappings(ctx context.Context, entityType, entityID string) ([]model.EntityPolicyMapping, error) {
	args := m.Called(ctx, entityType, entityID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.EntityPolicyMapping), args.Error(1)
}

func (m *MockPolicyRepository) IsOrgUnitActive(ctx context.Context, orgUnitID uuid.UUID) (bool, error) {
	args := m.Called(ctx, orgUnitID)
	return args.Bool(0), args.Error(1)
}

func (m *MockPolicyRepository) GetUser(ctx context.Context, userID string) (*model.User, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.User), args.Error(1)
}

// policies builds active policies of one type from condition documents.
func policies(t model.PolicyType, conditions ...string) []model.Policy {
	out := make([]model.Policy, 0, len(conditions))
	for _, c := range conditions {
		out = append(out, model.Policy{
			BaseModel: model.BaseModel{ID: uuid.New()},
			Type:      t,
			IsActive:  true,
			Condition: json.RawMessage(c),
		})
	}
	return out
}

// newPolicyRepo returns a repository mock where every lookup is empty unless overridden by set.
func newPolicyRepo(set func(r *MockPolicyRepository)) *MockPolicyRepository {
	r := new(MockPolicyRepository)
	if set != nil {
		set(r)
	}
	r.On("ListActive", mock.Anything, mock.Anything).Return([]model.Policy{}, nil).Maybe()
	r.On("ListEntityMappings", mock.Anything, mock.Anything, mock.Anything).Return([]model.EntityPolicyMapping{}, nil).Maybe()
	r.On("IsOrgUnitActive", mock.Anything, mock.Anything).Return(true, nil).Maybe()
	r.On("GetUser", mock.Anything, mock.Anything).Return(nil, policy.ErrUserNotFound).Maybe()
	return r
}

func edge(allowed, restricted string) string {
	return fmt.Sprintf(`{"allowedTransitions":[%s],"restrictedTransitions":[%s]}`, allowed, restricted)
}

func TestPermissionGate_HasTransitionPermission(t *testing.T) {
	ctx := context.Background()
	from, to := uuid.New(), uuid.New()
	alertID := uuid.New()
	org := uuid.New()

	entry := func(scope string) string {
		return fmt.Sprintf(`{"fromStepId":"%s","toStepId":"%s"%s}`, from, to, scope)
	}

	analyst := func(r *MockPolicyRepository) {
		r.On("GetUser", mock.Anything, "analyst-1").Return(&model.User{ID: "analyst-1", RoleIDs: []string{"aml-analyst"}, OrgUnitID: &org}, nil)
	}

	tests := []struct {
		name         string
		defaultAllow bool
		user         string
		setup        func(r *MockPolicyRepository)
		want         bool
	}{
		{
			name:         "no policies falls back to allow",
			defaultAllow: true,
			user:         "analyst-1",
			want:         true,
		},
		{
			name:         "no policies falls back to deny when configured",
			defaultAllow: false,
			user:         "analyst-1",
			want:         false,
		},
		{
			name:         "restricted overrides allowed for the same user",
			defaultAllow: true,
			user:         "analyst-1",
			setup: func(r *MockPolicyRepository) {
				analyst(r)
				r.On("ListActive", mock.Anything, model.PolicyTypeStepPermission).Return(policies(model.PolicyTypeStepPermission,
					edge(entry(`,"roleId":"aml-analyst"`), entry(`,"userId":"analyst-1"`)),
				), nil)
			},
			want: false,
		},
		{
			name:         "restriction in a separate policy still wins",
			defaultAllow: true,
			user:         "analyst-1",
			setup: func(r *MockPolicyRepository) {
				analyst(r)
				r.On("ListActive", mock.Anything, model.PolicyTypeStepPermission).Return(policies(model.PolicyTypeStepPermission,
					edge(entry(`,"userId":"analyst-1"`), ""),
					edge("", entry(`,"roleId":"aml-analyst"`)),
				), nil)
			},
			want: false,
		},
		{
			name:         "allowed by role",
			defaultAllow: false,
			user:         "analyst-1",
			setup: func(r *MockPolicyRepository) {
				analyst(r)
				r.On("ListActive", mock.Anything, model.PolicyTypeStepPermission).Return(policies(model.PolicyTypeStepPermission,
					edge(entry(`,"roleId":"aml-analyst"`), ""),
				), nil)
			},
			want: true,
		},
		{
			name:         "allow list for the edge excludes other users",
			defaultAllow: true,
			user:         "analyst-2",
			setup: func(r *MockPolicyRepository) {
				r.On("ListActive", mock.Anything, model.PolicyTypeStepPermission).Return(policies(model.PolicyTypeStepPermission,
					edge(entry(`,"userId":"analyst-1"`), ""),
				), nil)
			},
			want: false,
		},
		{
			name:         "unscoped allowed entry applies to everyone",
			defaultAllow: false,
			user:         "anyone",
			setup: func(r *MockPolicyRepository) {
				r.On("ListActive", mock.Anything, model.PolicyTypeStepPermission).Return(policies(model.PolicyTypeStepPermission,
					edge(entry(""), ""),
				), nil)
			},
			want: true,
		},
		{
			name:         "org scoped entry requires an active org unit",
			defaultAllow: false,
			user:         "analyst-1",
			setup: func(r *MockPolicyRepository) {
				analyst(r)
				r.On("IsOrgUnitActive", mock.Anything, org).Return(false, nil)
				r.On("ListActive", mock.Anything, model.PolicyTypeStepPermission).Return(policies(model.PolicyTypeStepPermission,
					edge(entry(`,"orgUnitId":"`+org.String()+`"`), ""),
				), nil)
			},
			want: false,
		},
		{
			name:         "coarse gate denies without a CHANGE_STEP grant",
			defaultAllow: true,
			user:         "analyst-2",
			setup: func(r *MockPolicyRepository) {
				r.On("ListActive", mock.Anything, model.PolicyTypeAlertPermission).Return(policies(model.PolicyTypeAlertPermission,
					`{"permissions":[{"action":"CHANGE_STEP","roleId":"aml-analyst"}]}`,
				), nil)
			},
			want: false,
		},
		{
			name:         "coarse gate passes through an action permission",
			defaultAllow: true,
			user:         "analyst-1",
			setup: func(r *MockPolicyRepository) {
				analyst(r)
				r.On("ListActive", mock.Anything, model.PolicyTypeActionPermission).Return(policies(model.PolicyTypeActionPermission,
					`{"permissions":[{"action":"CHANGE_STEP","roleId":"aml-analyst"}]}`,
				), nil)
			},
			want: true,
		},
		{
			name:         "unscoped CHANGE_STEP grant applies to all users",
			defaultAllow: true,
			user:         "anyone",
			setup: func(r *MockPolicyRepository) {
				r.On("ListActive", mock.Anything, model.PolicyTypeAlertPermission).Return(policies(model.PolicyTypeAlertPermission,
					`{"permissions":[{"action":"VIEW"},{"action":"CHANGE_STEP"}]}`,
				), nil)
			},
			want: true,
		},
		{
			name:         "valid restriction survives a malformed sibling entry",
			defaultAllow: true,
			user:         "analyst-1",
			setup: func(r *MockPolicyRepository) {
				analyst(r)
				r.On("ListActive", mock.Anything, model.PolicyTypeStepPermission).Return(policies(model.PolicyTypeStepPermission,
					edge("", entry(`,"userId":"analyst-1"`)+","+
						fmt.Sprintf(`{"fromStepId":"%s","toStepId":"%s","orgUnitId":"EMEA"}`, to, from)),
				), nil)
			},
			want: false,
		},
		{
			name:         "malformed restriction for the edge denies everyone",
			defaultAllow: true,
			user:         "analyst-1",
			setup: func(r *MockPolicyRepository) {
				analyst(r)
				r.On("ListActive", mock.Anything, model.PolicyTypeStepPermission).Return(policies(model.PolicyTypeStepPermission,
					edge(entry(`,"userId":"analyst-1"`), entry(`,"orgUnitId":"EMEA"`)),
				), nil)
			},
			want: false,
		},
		{
			name:         "malformed allowed entry for the edge grants no one",
			defaultAllow: true,
			user:         "anyone",
			setup: func(r *MockPolicyRepository) {
				r.On("ListActive", mock.Anything, model.PolicyTypeStepPermission).Return(policies(model.PolicyTypeStepPermission,
					edge(entry(`,"roleId":""`), ""),
				), nil)
			},
			want: false,
		},
		{
			name:         "unreadable step permission policy denies",
			defaultAllow: true,
			user:         "analyst-1",
			setup: func(r *MockPolicyRepository) {
				analyst(r)
				r.On("ListActive", mock.Anything, model.PolicyTypeStepPermission).Return(policies(model.PolicyTypeStepPermission,
					`{"restrictedTransitions":"all"}`,
				), nil)
			},
			want: false,
		},
		{
			name:         "malformed CHANGE_STEP grant keeps the coarse gate closed",
			defaultAllow: true,
			user:         "anyone",
			setup: func(r *MockPolicyRepository) {
				r.On("ListActive", mock.Anything, model.PolicyTypeAlertPermission).Return(policies(model.PolicyTypeAlertPermission,
					`{"permissions":[{"action":"CHANGE_STEP","orgUnitId":"EMEA"}]}`,
				), nil)
			},
			want: false,
		},
		{
			name:         "entries for other edges express no opinion",
			defaultAllow: true,
			user:         "analyst-1",
			setup: func(r *MockPolicyRepository) {
				analyst(r)
				r.On("ListActive", mock.Anything, model.PolicyTypeStepPermission).Return(policies(model.PolicyTypeStepPermission,
					edge(fmt.Sprintf(`{"fromStepId":"%s","toStepId":"%s","userId":"someone-else"}`, to, from), ""),
				), nil)
			},
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newPolicyRepo(tt.setup)
			gate := NewPermissionGate(policy.NewProvider(repo, policy.Caches{}), tt.defaultAllow)

			got, err := gate.HasTransitionPermission(ctx, tt.user, alertID, from, to)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPermissionGate_StoreFailure(t *testing.T) {
	repo := newPolicyRepo(func(r *MockPolicyRepository) {
		r.On("ListActive", mock.Anything, model.PolicyTypeStepPermission).Return(nil, errors.New("connection refused"))
	})
	gate := NewPermissionGate(policy.NewProvider(repo, policy.Caches{}), true)

	_, err := gate.HasTransitionPermission(context.Background(), "analyst-1", uuid.New(), uuid.New(), uuid.New())
	assert.ErrorContains(t, err, "connection refused")
}
