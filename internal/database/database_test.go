package database

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OpenNSW/caseflow/internal/config"
	"github.com/OpenNSW/caseflow/internal/workflow/model"
)

func TestNew_SQLiteAndMigrate(t *testing.T) {
	db, err := New(&config.DatabaseConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "caseflow.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = Close(db) })

	require.NoError(t, HealthCheck(db))
	require.NoError(t, Migrate(db))
	require.NoError(t, Migrate(db), "migrations are idempotent")

	for _, m := range []any{&model.Alert{}, &model.WorkflowTransition{}, &model.Notification{}, &model.EntityPolicyMapping{}} {
		assert.True(t, db.Migrator().HasTable(m))
	}
}

func TestNew_Errors(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)

	_, err = New(&config.DatabaseConfig{Driver: "oracle"})
	assert.ErrorContains(t, err, "unsupported database driver")

	assert.Error(t, HealthCheck(nil))
	assert.NoError(t, Close(nil))
}
