// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 MemoryNote Contributors

package main

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockMigrator struct {
	mock.Mock
}

func (m *mockMigrator) Up() error { return m.Called().Error(0) }

func (m *mockMigrator) Down() error { return m.Called().Error(0) }

func (m *mockMigrator) Version() (uint, bool, error) {
	args := m.Called()
	return args.Get(0).(uint), args.Bool(1), args.Error(2)
}

func (m *mockMigrator) Force(version int) error { return m.Called(version).Error(0) }

func (m *mockMigrator) PendingMigrations() ([]uint, error) {
	args := m.Called()
	pending, _ := args.Get(0).([]uint)
	return pending, args.Error(1)
}

func (m *mockMigrator) Close() error { return m.Called().Error(0) }

// useMigrator routes migratorFactory to m and records the URL it was given.
func useMigrator(t *testing.T, m *mockMigrator) *string {
	t.Helper()
	var gotURL string
	orig := migratorFactory
	migratorFactory = func(url string) (Migrator, error) {
		gotURL = url
		return m, nil
	}
	t.Cleanup(func() { migratorFactory = orig })
	return &gotURL
}

func TestMigrate_RequiresDatabaseURL(t *testing.T) {
	e := newEnv(t)
	m := &mockMigrator{}
	useMigrator(t, m)

	_, err := execute(t, e.args("migrate", "up")...)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database URL is required")
	m.AssertNotCalled(t, "Up")
}

func TestMigrate_Up(t *testing.T) {
	e := newEnv(t)
	m := &mockMigrator{}
	m.On("Up").Return(nil).Once()
	m.On("Close").Return(nil).Once()
	url := useMigrator(t, m)

	out, err := execute(t, e.args("migrate", "up", "--database-url", "postgres://localhost/notes")...)
	require.NoError(t, err)
	assert.Contains(t, out, "Migrations completed successfully")
	assert.Equal(t, "postgres://localhost/notes", *url)
	m.AssertExpectations(t)
}

func TestMigrate_UpUsesEnvironment(t *testing.T) {
	e := newEnv(t)
	t.Setenv("DATABASE_URL", "postgres://env/notes")
	m := &mockMigrator{}
	m.On("Up").Return(nil)
	m.On("Close").Return(nil)
	url := useMigrator(t, m)

	_, err := execute(t, e.args("migrate", "up")...)
	require.NoError(t, err)
	assert.Equal(t, "postgres://env/notes", *url)
}

func TestMigrate_UpFailureStillCloses(t *testing.T) {
	e := newEnv(t)
	m := &mockMigrator{}
	m.On("Up").Return(errors.New("syntax error"))
	m.On("Close").Return(nil).Once()
	useMigrator(t, m)

	_, err := execute(t, e.args("migrate", "up", "--database-url", "postgres://x/y")...)
	require.Error(t, err)
	m.AssertExpectations(t)
}

func TestMigrate_Status(t *testing.T) {
	tests := []struct {
		name    string
		version uint
		dirty   bool
		pending []uint
		want    []string
	}{
		{name: "fresh database", version: 0, pending: []uint{1}, want: []string{"Current version: 0", "clean", "000001_plugin_state"}},
		{name: "dirty and current", version: 1, dirty: true, want: []string{"Current version: 1", "dirty", "No pending migrations"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			m := &mockMigrator{}
			m.On("Version").Return(tt.version, tt.dirty, nil)
			m.On("PendingMigrations").Return(tt.pending, nil)
			m.On("Close").Return(nil)
			useMigrator(t, m)

			out, err := execute(t, e.args("migrate", "status", "--database-url", "postgres://x/y")...)
			require.NoError(t, err)
			for _, want := range tt.want {
				assert.Contains(t, out, want)
			}
		})
	}
}

func TestMigrate_DownAndForce(t *testing.T) {
	e := newEnv(t)
	m := &mockMigrator{}
	m.On("Down").Return(nil).Once()
	m.On("Force", 1).Return(nil).Once()
	m.On("Close").Return(nil)
	useMigrator(t, m)

	_, err := execute(t, e.args("migrate", "down", "--database-url", "postgres://x/y")...)
	require.NoError(t, err)

	_, err = execute(t, e.args("migrate", "force", "1", "--database-url", "postgres://x/y")...)
	require.NoError(t, err)

	_, err = execute(t, e.args("migrate", "force", "one", "--database-url", "postgres://x/y")...)
	assert.Error(t, err)
	m.AssertExpectations(t)
}
