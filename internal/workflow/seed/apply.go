package seed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/OpenNSW/caseflow/internal/logging"
	"github.com/OpenNSW/caseflow/internal/policy"
	"github.com/OpenNSW/caseflow/internal/workflow/model"
	"github.com/OpenNSW/caseflow/internal/workflow/rules"
	"github.com/OpenNSW/caseflow/internal/workflow/service"
)

// Summary counts the records written by Apply.
type Summary struct {
	OrgUnits    int
	Users       int
	Steps       int
	Workflows   int
	Transitions int
	Policies    int
	Alerts      int
}

// Loader writes seed documents through the graph store so graph invariants are enforced.
type Loader struct {
	db     *gorm.DB
	logger *slog.Logger
}

func NewLoader(db *gorm.DB) *Loader {
	return &Loader{db: db, logger: logging.WithModule("seed")}
}

// Apply writes f in a single transaction. Nothing is written when any record is rejected.
func (l *Loader) Apply(ctx context.Context, f *File) (Summary, error) {
	var sum Summary
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		a := &applier{
			tx:        tx,
			graph:     service.NewGraphStore(tx),
			steps:     make(map[string]*model.Step),
			workflows: make(map[string]uuid.UUID),
			summary:   &sum,
		}
		return a.apply(ctx, f)
	})
	if err != nil {
		return Summary{}, err
	}
	l.logger.InfoContext(ctx, "seed applied",
		"workflows", sum.Workflows,
		"steps", sum.Steps,
		"transitions", sum.Transitions,
		"policies", sum.Policies,
		"users", sum.Users,
		"alerts", sum.Alerts)
	return sum, nil
}

type applier struct {
	tx        *gorm.DB
	graph     *service.GraphStore
	steps     map[string]*model.Step
	workflows map[string]uuid.UUID
	summary   *Summary
}

func (a *applier) apply(ctx context.Context, f *File) error {
	for _, ou := range f.OrgUnits {
		active := ou.Active == nil || *ou.Active
		unit := model.OrgUnit{BaseModel: model.BaseModel{ID: ou.ID}, Name: ou.Name, Active: active}
		if err := a.create(&unit, "active", active); err != nil {
			return fmt.Errorf("org unit %q: %w", ou.Name, err)
		}
		a.summary.OrgUnits++
	}

	for _, u := range f.Users {
		if u.ID == "" {
			return fmt.Errorf("user id is required")
		}
		user := model.User{ID: u.ID, Name: u.Name, Email: u.Email, OrgUnitID: u.OrgUnitID, RoleIDs: u.Roles}
		if err := a.tx.Create(&user).Error; err != nil {
			return fmt.Errorf("user %q: %w", u.ID, err)
		}
		a.summary.Users++
	}

	for _, s := range f.Steps {
		if s.Key == "" {
			return fmt.Errorf("step %q: key is required", s.Name)
		}
		if _, dup := a.steps[s.Key]; dup {
			return fmt.Errorf("step key %q is used twice", s.Key)
		}
		step := &model.Step{BaseModel: model.BaseModel{ID: s.ID}, Name: s.Name, Description: s.Description, ChecklistRefs: s.ChecklistRefs}
		if err := a.graph.CreateStep(ctx, step); err != nil {
			return fmt.Errorf("step %q: %w", s.Key, err)
		}
		a.steps[s.Key] = step
		a.summary.Steps++
	}

	for _, w := range f.Workflows {
		if err := a.applyWorkflow(ctx, w); err != nil {
			return fmt.Errorf("workflow %q: %w", w.Name, err)
		}
	}

	for _, p := range f.Policies {
		if err := a.applyPolicy(p); err != nil {
			return fmt.Errorf("policy %q: %w", p.Name, err)
		}
	}

	for _, m := range f.EntityPolicies {
		condition, err := toJSON(m.Condition)
		if err != nil {
			return fmt.Errorf("entity policy %s/%s: %w", m.EntityType, m.EntityID, err)
		}
		if m.EntityType == model.EntityTypeStep {
			if err := policy.ValidateEntityAssignment(condition); err != nil {
				return fmt.Errorf("entity policy %s/%s: %w", m.EntityType, m.EntityID, err)
			}
		}
		mapping := model.EntityPolicyMapping{EntityType: m.EntityType, EntityID: m.EntityID, Condition: condition}
		if err := a.tx.Create(&mapping).Error; err != nil {
			return fmt.Errorf("entity policy %s/%s: %w", m.EntityType, m.EntityID, err)
		}
		a.summary.Policies++
	}

	for _, al := range f.Alerts {
		workflowID, ok := a.workflows[al.Workflow]
		if !ok {
			return fmt.Errorf("alert %s: unknown workflow %q", al.ID, al.Workflow)
		}
		alert := model.Alert{
			BaseModel:    model.BaseModel{ID: al.ID},
			WorkflowID:   &workflowID,
			OwnerID:      al.OwnerID,
			OrgUnitID:    al.OrgUnitID,
			AlertTypeID:  al.AlertTypeID,
			Score:        al.Score,
			Status:       "OPEN",
			Priority:     al.Priority,
			CustomerName: al.CustomerName,
			Attributes:   al.Attributes,
			Version:      1,
		}
		if err := a.tx.Create(&alert).Error; err != nil {
			return fmt.Errorf("alert %s: %w", al.ID, err)
		}
		a.summary.Alerts++
	}
	return nil
}

func (a *applier) applyWorkflow(ctx context.Context, w Workflow) error {
	wf := &model.Workflow{BaseModel: model.BaseModel{ID: w.ID}, Name: w.Name, Description: w.Description}
	if err := a.graph.CreateWorkflow(ctx, wf); err != nil {
		return err
	}

	placed := make(map[string]*model.WorkflowStep, len(w.Steps))
	for i, s := range w.Steps {
		step, ok := a.steps[s.Key]
		if !ok {
			return fmt.Errorf("unknown step key %q", s.Key)
		}
		if _, dup := placed[s.Key]; dup {
			return fmt.Errorf("step %q is placed twice", s.Key)
		}
		id := s.ID
		if id == uuid.Nil {
			id = uuid.New()
		}
		placed[s.Key] = &model.WorkflowStep{
			BaseModel:  model.BaseModel{ID: id},
			WorkflowID: wf.ID,
			StepID:     step.ID,
			IsDefault:  s.Default,
			Position:   i,
		}
	}

	// Deadlines are resolved once every step has an ID, since actions may point forward.
	for _, s := range w.Steps {
		ws := placed[s.Key]
		if s.Deadline != nil {
			deadline, err := resolveDeadline(*s.Deadline, placed)
			if err != nil {
				return fmt.Errorf("step %q: %w", s.Key, err)
			}
			ws.Deadline = deadline
		}
		if err := a.graph.AddWorkflowStep(ctx, ws); err != nil {
			return fmt.Errorf("step %q: %w", s.Key, err)
		}
	}

	for _, t := range w.Transitions {
		from, ok := placed[t.From]
		if !ok {
			return fmt.Errorf("transition %s -> %s: unknown source", t.From, t.To)
		}
		to, ok := placed[t.To]
		if !ok {
			return fmt.Errorf("transition %s -> %s: unknown target", t.From, t.To)
		}
		set, err := ruleSet(t.Rules)
		if err != nil {
			return fmt.Errorf("transition %s -> %s: %w", t.From, t.To, err)
		}
		tr := &model.WorkflowTransition{
			WorkflowID:   wf.ID,
			SourceStepID: from.ID,
			TargetStepID: to.ID,
			Name:         t.Name,
			Reasons:      t.Reasons,
			Rules:        set,
		}
		if err := a.graph.AddTransition(ctx, tr); err != nil {
			return fmt.Errorf("transition %s -> %s: %w", t.From, t.To, err)
		}
		a.summary.Transitions++
	}

	a.workflows[w.Name] = wf.ID
	a.summary.Workflows++
	return nil
}

func (a *applier) applyPolicy(p Policy) error {
	condition, err := toJSON(p.Condition)
	if err != nil {
		return err
	}
	policyType := model.PolicyType(p.Type)
	if err := policy.ValidateCondition(policyType, condition); err != nil {
		return err
	}
	active := p.Active == nil || *p.Active
	record := model.Policy{Name: p.Name, Type: policyType, IsActive: active, Condition: condition}
	if err := a.create(&record, "is_active", active); err != nil {
		return err
	}
	a.summary.Policies++
	return nil
}

// create inserts record and forces a false flag, which gorm would otherwise replace with the
// column default.
func (a *applier) create(record any, flag string, value bool) error {
	if err := a.tx.Create(record).Error; err != nil {
		return err
	}
	if value {
		return nil
	}
	return a.tx.Model(record).Update(flag, false).Error
}

func resolveDeadline(d Deadline, placed map[string]*model.WorkflowStep) (*model.DeadlineConfig, error) {
	cfg := &model.DeadlineConfig{Active: d.Active, Count: d.Count, Measure: model.DeadlineMeasure(d.Measure)}
	var err error
	if cfg.OnApproach, err = resolveAction(d.OnApproach, placed); err != nil {
		return nil, err
	}
	if cfg.OnViolation, err = resolveAction(d.OnViolation, placed); err != nil {
		return nil, err
	}
	return cfg, nil
}

func resolveAction(a *Action, placed map[string]*model.WorkflowStep) (*model.DeadlineAction, error) {
	if a == nil {
		return nil, nil
	}
	action := &model.DeadlineAction{Type: model.DeadlineActionType(a.Type), Recipients: a.Recipients}
	if a.Target != "" {
		target, ok := placed[a.Target]
		if !ok {
			return nil, fmt.Errorf("deadline action targets unknown step %q", a.Target)
		}
		action.TargetStepID = &target.ID
	}
	return action, nil
}

func ruleSet(docs []map[string]any) (rules.Set, error) {
	raws := make([]json.RawMessage, 0, len(docs))
	for _, d := range docs {
		raw, err := toJSON(d)
		if err != nil {
			return rules.Set{}, err
		}
		raws = append(raws, raw)
	}
	return rules.NewSet(raws...)
}
