package db

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/headpos.report/internal/chpi"
)

func newTestDB(t *testing.T) (*DB, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "headpos.db")
	db, err := NewDB(path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, path
}

func TestPragmasApplied(t *testing.T) {
	t.Parallel()
	db, _ := newTestDB(t)

	var journalMode string
	require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&journalMode))
	assert.Equal(t, "wal", journalMode)

	var busyTimeout, synchronous, tempStore, foreignKeys int
	require.NoError(t, db.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout))
	require.NoError(t, db.QueryRow("PRAGMA synchronous").Scan(&synchronous))
	require.NoError(t, db.QueryRow("PRAGMA temp_store").Scan(&tempStore))
	require.NoError(t, db.QueryRow("PRAGMA foreign_keys").Scan(&foreignKeys))
	assert.Equal(t, 5000, busyTimeout)
	assert.Equal(t, 1, synchronous)
	assert.Equal(t, 2, tempStore)
	assert.Equal(t, 1, foreignKeys)
}

func TestMigrations(t *testing.T) {
	t.Parallel()
	db, _ := newTestDB(t)
	fsys := MigrationsFS()

	latest, err := LatestMigrationVersion(fsys)
	require.NoError(t, err)
	assert.Equal(t, uint(2), latest)

	version, dirty, err := db.MigrateVersion(fsys)
	require.NoError(t, err)
	assert.Equal(t, latest, version)
	assert.False(t, dirty)

	require.NoError(t, db.MigrateDown(fsys))
	version, _, err = db.MigrateVersion(fsys)
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='head_positions'`).Scan(&n))
	assert.Equal(t, 0, n)

	require.NoError(t, db.MigrateUp(fsys))
	require.NoError(t, db.MigrateUp(fsys))
	version, _, err = db.MigrateVersion(fsys)
	require.NoError(t, err)
	assert.Equal(t, latest, version)
}

func TestMigrateVersion_Fresh(t *testing.T) {
	t.Parallel()
	db, err := OpenDB(filepath.Join(t.TempDir(), "fresh.db"))
	require.NoError(t, err)
	defer db.Close()
	version, dirty, err := db.MigrateVersion(MigrationsFS())
	require.NoError(t, err)
	assert.Equal(t, uint(0), version)
	assert.False(t, dirty)
}

func TestRuns_RoundTrip(t *testing.T) {
	t.Parallel()
	db, _ := newTestDB(t)

	samples := []chpi.HeadPositionSample{
		{Time: 2, Quat: [3]float64{0.011, -0.02, 0.03}, Trans: chpi.Vec3{0.0015, 0.002, -0.04}, GOF: 0.996, Err: 0.0011, Vel: 0.0005},
		{Time: 1, Quat: [3]float64{0.01, -0.02, 0.03}, Trans: chpi.Vec3{0.001, 0.002, -0.04}, GOF: 0.995, Err: 0.0012, Vel: 0.003},
	}
	params := map[string]any{"t_window": "auto", "gof_limit": 0.98}
	id, err := db.InsertRun("fit_from_amplitude", "subject 1", 5, params, samples)
	require.NoError(t, err)
	assert.Len(t, id, 36)

	run, err := db.GetRun(id)
	require.NoError(t, err)
	assert.Equal(t, "fit_from_amplitude", run.Source)
	assert.Equal(t, "subject 1", run.Label)
	assert.Equal(t, 5, run.NCoils)
	assert.Equal(t, 2, run.NSamples)
	var gotParams map[string]any
	require.NoError(t, json.Unmarshal(run.Params, &gotParams))
	assert.Empty(t, cmp.Diff(params, gotParams))

	got, err := db.HeadPositions(id)
	require.NoError(t, err)
	want := []chpi.HeadPositionSample{samples[1], samples[0]}
	assert.Empty(t, cmp.Diff(want, got))

	other, err := db.InsertRun("device_reported", "", 3, nil, nil)
	require.NoError(t, err)
	runs, err := db.Runs()
	require.NoError(t, err)
	require.Len(t, runs, 2)
	ids := []string{runs[0].ID, runs[1].ID}
	assert.ElementsMatch(t, []string{id, other}, ids)
	assert.Contains(t, runs[0].String(), "samples=")

	require.NoError(t, db.DeleteRun(id))
	_, err = db.HeadPositions(id)
	assert.ErrorIs(t, err, ErrRunNotFound)
	assert.ErrorIs(t, db.DeleteRun(id), ErrRunNotFound)
	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM head_positions`).Scan(&n))
	assert.Equal(t, 0, n)
}

func TestInsertRun_BadParams(t *testing.T) {
	t.Parallel()
	db, _ := newTestDB(t)
	_, err := db.InsertRun("x", "", 0, map[string]any{"f": func() {}}, nil)
	assert.Error(t, err)
}

func TestRunMigrateCommand(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "cli.db")

	var out bytes.Buffer
	require.NoError(t, RunMigrateCommand([]string{"status"}, path, &out))
	assert.Contains(t, out.String(), "Current version: 0")
	assert.Contains(t, out.String(), "2 version(s) behind")

	out.Reset()
	require.NoError(t, RunMigrateCommand([]string{"up"}, path, &out))
	assert.Contains(t, out.String(), "Database is up to date.")

	out.Reset()
	require.NoError(t, RunMigrateCommand([]string{"down"}, path, &out))
	assert.Contains(t, out.String(), "Current version: 1")

	assert.Error(t, RunMigrateCommand(nil, path, &out))
	assert.Error(t, RunMigrateCommand([]string{"sideways"}, path, &out))
	assert.Error(t, RunMigrateCommand([]string{"force"}, path, &out))
	assert.Error(t, RunMigrateCommand([]string{"force", "x"}, path, &out))

	out.Reset()
	require.NoError(t, RunMigrateCommand([]string{"help"}, path, &out))
	assert.Contains(t, out.String(), "Database Migration Commands")
}
