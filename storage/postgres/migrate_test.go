package postgres

import (
	"database/sql"
	"errors"
	"testing"

	"github.com/golang-migrate/migrate/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockMigrator struct {
	upErr      error
	downErr    error
	versionVal uint
	dirty      bool
	versionErr error
}

func (m *mockMigrator) Up() error   { return m.upErr }
func (m *mockMigrator) Down() error { return m.downErr }
func (m *mockMigrator) Version() (uint, bool, error) {
	return m.versionVal, m.dirty, m.versionErr
}

func withMigrator(t *testing.T, m migrator, err error) {
	t.Helper()
	orig := newMigrator
	newMigrator = func(*sql.DB) (migrator, error) { return m, err }
	t.Cleanup(func() { newMigrator = orig })
}

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := migrations.ReadDir("migrations")
	require.NoError(t, err)

	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{
		"000001_audit_entries.up.sql",
		"000001_audit_entries.down.sql",
		"000002_append_only.up.sql",
		"000002_append_only.down.sql",
	}, names)
}

func TestMigrate(t *testing.T) {
	t.Run("Applied", func(t *testing.T) {
		withMigrator(t, &mockMigrator{versionVal: 2}, nil)
		assert.NoError(t, Migrate(nil))
	})

	t.Run("NoChange", func(t *testing.T) {
		withMigrator(t, &mockMigrator{upErr: migrate.ErrNoChange, versionVal: 2}, nil)
		assert.NoError(t, Migrate(nil))
	})

	t.Run("UpFails", func(t *testing.T) {
		withMigrator(t, &mockMigrator{upErr: errors.New("syntax error")}, nil)
		err := Migrate(nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "running migrations")
	})

	t.Run("FactoryFails", func(t *testing.T) {
		withMigrator(t, nil, errors.New("factory error"))
		assert.Error(t, Migrate(nil))
	})

	t.Run("NilVersionIsFine", func(t *testing.T) {
		withMigrator(t, &mockMigrator{versionErr: migrate.ErrNilVersion}, nil)
		assert.NoError(t, Migrate(nil))
	})
}

func TestMigrationVersion(t *testing.T) {
	withMigrator(t, &mockMigrator{versionVal: 2, dirty: true}, nil)
	v, dirty, err := MigrationVersion(nil)
	require.NoError(t, err)
	assert.Equal(t, uint(2), v)
	assert.True(t, dirty)
}

func TestMigrateDown(t *testing.T) {
	withMigrator(t, &mockMigrator{downErr: migrate.ErrNoChange}, nil)
	assert.NoError(t, MigrateDown(nil))
}
