package service

import (
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/OpenNSW/caseflow/internal/workflow/model"
	"github.com/OpenNSW/caseflow/internal/workflow/rules"
)

// setupTestDB returns a gorm handle on the postgres dialect backed by sqlmock.
func setupTestDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, sqlMock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	return db, sqlMock
}

// setupSQLiteDB returns a migrated, isolated in-memory database.
func setupSQLiteDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(
		&model.Workflow{},
		&model.Step{},
		&model.WorkflowStep{},
		&model.WorkflowTransition{},
		&model.Alert{},
		&model.AlertNote{},
	))
	return db
}

// amlReview is the Intake -> Review -> Closed workflow used across tests.
type amlReview struct {
	workflow *model.Workflow
	intake   *model.WorkflowStep
	review   *model.WorkflowStep
	closed   *model.WorkflowStep
	toReview *model.WorkflowTransition
	toClosed *model.WorkflowTransition
}

func seedAMLReview(t *testing.T, store *GraphStore) amlReview {
	t.Helper()
	ctx := t.Context()

	wf := &model.Workflow{Name: "AML-Review"}
	require.NoError(t, store.CreateWorkflow(ctx, wf))

	place := func(name string, position int, isDefault bool) *model.WorkflowStep {
		step := &model.Step{Name: name}
		require.NoError(t, store.CreateStep(ctx, step))
		ws := &model.WorkflowStep{WorkflowID: wf.ID, StepID: step.ID, Position: position, IsDefault: isDefault}
		require.NoError(t, store.AddWorkflowStep(ctx, ws))
		ws.Step = *step
		return ws
	}

	g := amlReview{workflow: wf}
	g.intake = place("Intake", 0, true)
	g.review = place("Review", 1, false)
	g.closed = place("Closed", 2, false)

	g.toReview = &model.WorkflowTransition{
		WorkflowID:   wf.ID,
		SourceStepID: g.intake.ID,
		TargetStepID: g.review.ID,
		Name:         "Start review",
		Reasons:      []string{"Suspicious pattern", "Customer complaint"},
		Rules:        rules.MustSet(`{"requiredFields":["owner"]}`),
	}
	require.NoError(t, store.AddTransition(ctx, g.toReview))

	g.toClosed = &model.WorkflowTransition{
		WorkflowID:   wf.ID,
		SourceStepID: g.review.ID,
		TargetStepID: g.closed.ID,
		Name:         "Close",
		Rules:        rules.MustSet(`{"rule":"NOTES_PRESENT"}`, `{"rule":"REASON_DETAILS_PRESENT"}`),
	}
	require.NoError(t, store.AddTransition(ctx, g.toClosed))
	return g
}
