package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/headpos.report/internal/chpi"
)

// ErrRunNotFound is returned when a run ID is not in the database.
var ErrRunNotFound = errors.New("run not found")

// Run describes one stored head-position estimation.
type Run struct {
	ID        string
	Source    string
	Label     string
	Params    json.RawMessage
	NCoils    int
	CreatedAt time.Time
	NSamples  int
}

func (r *Run) String() string {
	return fmt.Sprintf("%s source=%s label=%q coils=%d samples=%d created=%s",
		r.ID, r.Source, r.Label, r.NCoils, r.NSamples, r.CreatedAt.Format(time.RFC3339))
}

// InsertRun stores a run and its samples in one transaction and returns the
// new run ID. params is marshalled to JSON as the run's settings.
func (db *DB) InsertRun(source, label string, nCoils int, params any, samples []chpi.HeadPositionSample) (string, error) {
	paramsJSON := []byte("{}")
	if params != nil {
		var err error
		if paramsJSON, err = json.Marshal(params); err != nil {
			return "", fmt.Errorf("failed to encode run parameters: %w", err)
		}
	}
	id := uuid.NewString()

	tx, err := db.Begin()
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`INSERT INTO chpi_runs (run_id, source, label, params_json, n_coils, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id, source, label, string(paramsJSON), nCoils, time.Now().UnixNano()); err != nil {
		return "", fmt.Errorf("failed to insert run: %w", err)
	}

	stmt, err := tx.Prepare(`INSERT INTO head_positions
		(run_id, time_s, q1, q2, q3, x, y, z, gof, err, vel)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return "", err
	}
	defer stmt.Close()
	for _, s := range samples {
		if _, err := stmt.Exec(id, s.Time, s.Quat[0], s.Quat[1], s.Quat[2],
			s.Trans[0], s.Trans[1], s.Trans[2], s.GOF, s.Err, s.Vel); err != nil {
			return "", fmt.Errorf("failed to insert head position at %0.3f s: %w", s.Time, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return id, nil
}

// Runs lists every stored run, newest first.
func (db *DB) Runs() ([]Run, error) {
	rows, err := db.Query(`
		SELECT r.run_id, r.source, r.label, r.params_json, r.n_coils, r.created_at,
		       (SELECT COUNT(*) FROM head_positions h WHERE h.run_id = r.run_id)
		FROM chpi_runs r
		ORDER BY r.created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// GetRun returns a single run.
func (db *DB) GetRun(id string) (Run, error) {
	row := db.QueryRow(`
		SELECT r.run_id, r.source, r.label, r.params_json, r.n_coils, r.created_at,
		       (SELECT COUNT(*) FROM head_positions h WHERE h.run_id = r.run_id)
		FROM chpi_runs r
		WHERE r.run_id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return r, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (Run, error) {
	var (
		r       Run
		params  string
		created int64
	)
	if err := s.Scan(&r.ID, &r.Source, &r.Label, &params, &r.NCoils, &created, &r.NSamples); err != nil {
		return Run{}, err
	}
	r.Params = json.RawMessage(params)
	r.CreatedAt = time.Unix(0, created)
	return r, nil
}

// HeadPositions returns the samples of a run in time order.
func (db *DB) HeadPositions(runID string) ([]chpi.HeadPositionSample, error) {
	if _, err := db.GetRun(runID); err != nil {
		return nil, err
	}
	rows, err := db.Query(`
		SELECT time_s, q1, q2, q3, x, y, z, gof, err, vel
		FROM head_positions
		WHERE run_id = ?
		ORDER BY time_s`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []chpi.HeadPositionSample
	for rows.Next() {
		var s chpi.HeadPositionSample
		if err := rows.Scan(&s.Time, &s.Quat[0], &s.Quat[1], &s.Quat[2],
			&s.Trans[0], &s.Trans[1], &s.Trans[2], &s.GOF, &s.Err, &s.Vel); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// DeleteRun removes a run and its samples.
func (db *DB) DeleteRun(runID string) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM head_positions WHERE run_id = ?`, runID); err != nil {
		return err
	}
	res, err := tx.Exec(`DELETE FROM chpi_runs WHERE run_id = ?`, runID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return tx.Commit()
}
