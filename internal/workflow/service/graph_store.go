package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/OpenNSW/caseflow/internal/policy"
	"github.com/OpenNSW/caseflow/internal/workflow/model"
)

// GraphReader is the read side of the workflow graph used during transitions.
type GraphReader interface {
	FindTransition(ctx context.Context, workflowID, sourceStepID, targetStepID uuid.UUID) (*model.WorkflowTransition, error)
	ListTransitionsFrom(ctx context.Context, workflowID, sourceStepID uuid.UUID) ([]model.WorkflowTransition, error)
	ListSteps(ctx context.Context, workflowID uuid.UUID) ([]model.WorkflowStep, error)
	GetWorkflowStep(ctx context.Context, workflowStepID uuid.UUID) (*model.WorkflowStep, error)
	DefaultStep(ctx context.Context, workflowID uuid.UUID) (*model.WorkflowStep, error)
}

// GraphStore persists workflows, steps, workflow steps and transitions.
type GraphStore struct {
	db *gorm.DB
}

// NewGraphStore creates a new GraphStore.
func NewGraphStore(db *gorm.DB) *GraphStore {
	return &GraphStore{db: db}
}

// FindTransition returns the edge source -> target of a workflow, with the target step loaded.
func (s *GraphStore) FindTransition(ctx context.Context, workflowID, sourceStepID, targetStepID uuid.UUID) (*model.WorkflowTransition, error) {
	var t model.WorkflowTransition
	err := s.db.WithContext(ctx).
		Preload("TargetStep.Step").
		Where("workflow_id = ? AND source_step_id = ? AND target_step_id = ?", workflowID, sourceStepID, targetStepID).
		First(&t).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, newNotFound("transition", fmt.Sprintf("%s->%s", sourceStepID, targetStepID))
		}
		return nil, fmt.Errorf("failed to find transition: %w", err)
	}
	return &t, nil
}

// ListTransitionsFrom returns the outgoing edges of a step in creation order.
func (s *GraphStore) ListTransitionsFrom(ctx context.Context, workflowID, sourceStepID uuid.UUID) ([]model.WorkflowTransition, error) {
	var transitions []model.WorkflowTransition
	err := s.db.WithContext(ctx).
		Preload("TargetStep.Step").
		Where("workflow_id = ? AND source_step_id = ?", workflowID, sourceStepID).
		Order("created_at ASC, id ASC").
		Find(&transitions).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list transitions from step %s: %w", sourceStepID, err)
	}
	return transitions, nil
}

// ListSteps returns the steps of a workflow ordered by position.
func (s *GraphStore) ListSteps(ctx context.Context, workflowID uuid.UUID) ([]model.WorkflowStep, error) {
	db := s.db.WithContext(ctx)
	if err := s.ensureWorkflow(db, workflowID); err != nil {
		return nil, err
	}

	var steps []model.WorkflowStep
	err := db.Preload("Step").
		Where("workflow_id = ?", workflowID).
		Order("position ASC, created_at ASC").
		Find(&steps).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list steps of workflow %s: %w", workflowID, err)
	}
	return steps, nil
}

// GetWorkflowStep returns a single workflow step with its step definition.
func (s *GraphStore) GetWorkflowStep(ctx context.Context, workflowStepID uuid.UUID) (*model.WorkflowStep, error) {
	var ws model.WorkflowStep
	err := s.db.WithContext(ctx).Preload("Step").First(&ws, "id = ?", workflowStepID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, newNotFound("workflow step", workflowStepID)
		}
		return nil, fmt.Errorf("failed to get workflow step: %w", err)
	}
	return &ws, nil
}

// DefaultStep returns the entry step of a workflow.
func (s *GraphStore) DefaultStep(ctx context.Context, workflowID uuid.UUID) (*model.WorkflowStep, error) {
	var ws model.WorkflowStep
	err := s.db.WithContext(ctx).
		Preload("Step").
		Where("workflow_id = ? AND is_default = ?", workflowID, true).
		First(&ws).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, newNotFound("default step of workflow", workflowID)
		}
		return nil, fmt.Errorf("failed to get default step: %w", err)
	}
	return &ws, nil
}

// CreateWorkflow inserts a workflow without its steps or transitions.
func (s *GraphStore) CreateWorkflow(ctx context.Context, w *model.Workflow) error {
	if w.Name == "" {
		return &GraphError{Reason: "workflow name is required"}
	}
	if err := s.db.WithContext(ctx).Omit(clause.Associations).Create(w).Error; err != nil {
		return fmt.Errorf("failed to create workflow: %w", err)
	}
	return nil
}

// CreateStep inserts a reusable step definition.
func (s *GraphStore) CreateStep(ctx context.Context, step *model.Step) error {
	if step.Name == "" {
		return &GraphError{Reason: "step name is required"}
	}
	if err := s.db.WithContext(ctx).Create(step).Error; err != nil {
		return fmt.Errorf("failed to create step: %w", err)
	}
	return nil
}

// AddWorkflowStep places a step in a workflow. A workflow has at most one default step.
func (s *GraphStore) AddWorkflowStep(ctx context.Context, ws *model.WorkflowStep) error {
	if ws.Deadline != nil {
		if err := ws.Deadline.Validate(); err != nil {
			return &GraphError{Reason: err.Error()}
		}
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.ensureWorkflow(tx, ws.WorkflowID); err != nil {
			return err
		}

		var stepCount int64
		if err := tx.Model(&model.Step{}).Where("id = ?", ws.StepID).Count(&stepCount).Error; err != nil {
			return fmt.Errorf("failed to look up step: %w", err)
		}
		if stepCount == 0 {
			return newNotFound("step", ws.StepID)
		}

		if ws.IsDefault {
			if err := ensureNoDefault(tx, ws.WorkflowID); err != nil {
				return err
			}
		}

		if err := tx.Omit(clause.Associations).Create(ws).Error; err != nil {
			return fmt.Errorf("failed to add workflow step: %w", err)
		}
		return nil
	})
}

// AddTransition inserts an edge. Both endpoints must belong to the transition's workflow and the
// (workflow, source, target) triple must be new.
func (s *GraphStore) AddTransition(ctx context.Context, t *model.WorkflowTransition) error {
	for i, doc := range t.Rules.Documents() {
		if err := policy.ValidateRuleDocument(doc); err != nil {
			return &GraphError{Reason: fmt.Sprintf("rule %d: %v", i, err)}
		}
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var endpoints []model.WorkflowStep
		if err := tx.Where("id IN ?", []uuid.UUID{t.SourceStepID, t.TargetStepID}).Find(&endpoints).Error; err != nil {
			return fmt.Errorf("failed to load transition endpoints: %w", err)
		}
		if len(endpoints) != 2 {
			return newNotFound("workflow step", fmt.Sprintf("%s or %s", t.SourceStepID, t.TargetStepID))
		}
		for _, ep := range endpoints {
			if ep.WorkflowID != t.WorkflowID {
				return &GraphError{Reason: fmt.Sprintf("step %s belongs to another workflow", ep.ID)}
			}
		}

		var existing int64
		if err := tx.Model(&model.WorkflowTransition{}).
			Where("workflow_id = ? AND source_step_id = ? AND target_step_id = ?", t.WorkflowID, t.SourceStepID, t.TargetStepID).
			Count(&existing).Error; err != nil {
			return fmt.Errorf("failed to check for duplicate transition: %w", err)
		}
		if existing > 0 {
			return &GraphError{Reason: "transition already exists"}
		}

		if err := tx.Omit(clause.Associations).Create(t).Error; err != nil {
			return fmt.Errorf("failed to add transition: %w", err)
		}
		return nil
	})
}

func (s *GraphStore) ensureWorkflow(db *gorm.DB, workflowID uuid.UUID) error {
	var count int64
	if err := db.Model(&model.Workflow{}).Where("id = ?", workflowID).Count(&count).Error; err != nil {
		return fmt.Errorf("failed to look up workflow: %w", err)
	}
	if count == 0 {
		return newNotFound("workflow", workflowID)
	}
	return nil
}

func ensureNoDefault(tx *gorm.DB, workflowID uuid.UUID) error {
	var count int64
	err := tx.Model(&model.WorkflowStep{}).
		Where("workflow_id = ? AND is_default = ?", workflowID, true).
		Count(&count).Error
	if err != nil {
		return fmt.Errorf("failed to check default step: %w", err)
	}
	if count > 0 {
		return &GraphError{Reason: "workflow already has a default step"}
	}
	return nil
}
