package database

import (
	"fmt"
	"log/slog"

	"gorm.io/gorm"

	"github.com/OpenNSW/caseflow/internal/workflow/model"
)

// Models lists every persisted model in dependency order.
func Models() []any {
	return []any{
		&model.Workflow{},
		&model.Step{},
		&model.WorkflowStep{},
		&model.WorkflowTransition{},
		&model.OrgUnit{},
		&model.User{},
		&model.Policy{},
		&model.EntityPolicyMapping{},
		&model.Alert{},
		&model.AlertNote{},
		&model.Notification{},
	}
}

// Migrate creates or updates the schema.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	slog.Info("database schema migrated", "models", len(Models()))
	return nil
}
