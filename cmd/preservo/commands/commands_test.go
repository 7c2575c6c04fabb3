package commands

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/preservo/preservo/pkg/engine"
	"github.com/preservo/preservo/pkg/stores"
)

const testCatalog = `
formats:
  - puid: fmt/353
    name: TIFF
  - puid: x-fmt/392
    name: JPEG 2000
services:
  - id: tiff2jp2
    type: copy
    input: fmt/353
    output: x-fmt/392
`

const testPlan = `
name: tiff to jp2
owner: alice
kind: conversion
source_format: fmt/353
target_format: x-fmt/392
condition:
  type: by_owner
  owner: alice
`

func run(t *testing.T, dataDir string, args ...string) error {
	t.Helper()
	cmd := newRootCommand("test", "none", "today")
	cmd.SetArgs(append([]string{"--data-dir", dataDir, "--user", "alice"}, args...))
	return cmd.ExecuteContext(context.Background())
}

func setupDataDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "catalog.yaml"), []byte(testCatalog), 0o644))
	return dir
}

func openStore(t *testing.T, dataDir string) *stores.SQLiteStore {
	t.Helper()
	store, err := stores.NewSQLiteStore(stores.Config{Path: filepath.Join(dataDir, "preservo.db")})
	require.NoError(t, err)
	require.NoError(t, store.Init(context.Background()))
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestCommandTree(t *testing.T) {
	root := newRootCommand("test", "none", "today")
	for _, path := range [][]string{
		{"serve"},
		{"ingest"},
		{"plan", "create"},
		{"plan", "set-path"},
		{"plan", "start"},
		{"plan", "pause"},
		{"plan", "finish"},
		{"plan", "events"},
		{"deliver", "start"},
		{"origin"},
		{"derivatives"},
		{"migration", "modify-from"},
		{"migration", "delete-to"},
		{"notify"},
	} {
		cmd, _, err := root.Find(path)
		require.NoError(t, err, strings.Join(path, " "))
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}
}

func TestIngestAndCreatePlan(t *testing.T) {
	dataDir := setupDataDir(t)
	scans := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(scans, "page-1.tif"), []byte("tiff"), 0o644))

	require.NoError(t, run(t, dataDir, "ingest", scans,
		"--name", "Letters", "--format", "fmt/353", "--identifier", "urn:test:letters"))
	assert.FileExists(t, filepath.Join(dataDir, "archive", "packages", "urn:test:letters.zip"))

	specFile := filepath.Join(t.TempDir(), "plan.yaml")
	require.NoError(t, os.WriteFile(specFile, []byte(testPlan), 0o644))
	require.NoError(t, run(t, dataDir, "plan", "create", "-f", specFile))

	store := openStore(t, dataDir)
	plans, err := store.ListMigrationPlans(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, plans, 1)
	assert.Equal(t, engine.PlanStatusReady, plans[0].Status)

	plan, err := store.GetMigrationPlan(context.Background(), plans[0].ID)
	require.NoError(t, err)
	require.Len(t, plan.Items, 1)
	assert.Equal(t, "urn:test:letters", plan.Items[0].Identifier)
	require.NoError(t, store.Close())

	require.NoError(t, run(t, dataDir, "plan", "delete", plan.ID))
	store = openStore(t, dataDir)
	_, err = store.GetMigrationPlan(context.Background(), plan.ID)
	assert.ErrorIs(t, err, engine.ErrPlanNotFound)
}

func TestPlanCreateRejectsInvalidSpec(t *testing.T) {
	dataDir := setupDataDir(t)
	specFile := filepath.Join(t.TempDir(), "plan.yaml")
	bad := strings.Replace(testPlan, "x-fmt/392", "jpeg2000", 1)
	require.NoError(t, os.WriteFile(specFile, []byte(bad), 0o644))

	err := run(t, dataDir, "plan", "create", "-f", specFile)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "target_format")
}

func TestLifecycleNeedsServer(t *testing.T) {
	dataDir := setupDataDir(t)
	err := run(t, dataDir, "--server", "http://127.0.0.1:1", "plan", "start", "some-plan")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "preservo serve")
}

func TestMigrationFlagsDate(t *testing.T) {
	tests := []struct {
		name    string
		date    string
		want    time.Time
		wantErr bool
	}{
		{"empty", "", time.Time{}, false},
		{"date only", "2024-03-01", time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), false},
		{"rfc3339", "2024-03-01T10:30:00+02:00", time.Date(2024, 3, 1, 8, 30, 0, 0, time.UTC), false},
		{"garbage", "yesterday", time.Time{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := migrationFlags{kind: "conversion", identifier: "urn:a", date: tt.date}
			req, err := f.request()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(req.Date), "got %s", req.Date)
			assert.Equal(t, "urn:a", req.Identifier)
		})
	}
}
