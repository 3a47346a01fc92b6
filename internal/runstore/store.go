// Package runstore keeps a SQLite history of runs, fed by registry events.
package runstore

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/internal/domain"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when no stored run matches
var ErrNotFound = errors.New("run not found in history")

// Store provides SQLite-backed run history
type Store struct {
	db *sql.DB
}

// New creates a new Store with the given database path
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// one connection keeps :memory: databases shared and serializes writers
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveRun inserts or updates a run's row. Logs are stored separately.
func (s *Store) SaveRun(run *domain.Run) error {
	_, err := s.db.Exec(`
		INSERT INTO runs (id, platform_id, company, name, status, start_date, end_date, is_connected, is_updated, url, export_path, export_size)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			end_date = excluded.end_date,
			is_connected = excluded.is_connected,
			url = excluded.url,
			export_path = excluded.export_path,
			export_size = excluded.export_size
	`,
		run.ID,
		run.PlatformID,
		run.Company,
		run.ProductName,
		string(run.Status),
		run.StartDate,
		run.EndDate,
		run.IsConnected,
		run.IsUpdated,
		run.URL,
		run.ExportPath,
		run.ExportSize,
	)
	return err
}

// AppendLogs adds log lines to a stored run
func (s *Store) AppendLogs(runID string, lines ...string) error {
	if len(lines) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO run_logs (run_id, message) VALUES (?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, line := range lines {
		if _, err := stmt.Exec(runID, line); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// DeleteRun removes a run and its logs
func (s *Store) DeleteRun(id string) error {
	_, err := s.db.Exec(`DELETE FROM runs WHERE id = ?`, id)
	return err
}

// GetRun retrieves a run with its logs
func (s *Store) GetRun(id string) (*domain.Run, error) {
	row := s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	if run.Logs, err = s.logs(id); err != nil {
		return nil, err
	}
	return run, nil
}

// ListOptions specifies filters for listing runs
type ListOptions struct {
	PlatformID string
	Status     domain.RunStatus
	// Limit caps the result (0 = no limit)
	Limit int
}

// ListRuns returns runs matching opts, newest first. Logs are not loaded.
func (s *Store) ListRuns(opts ListOptions) ([]*domain.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE 1=1`
	var args []interface{}

	if opts.PlatformID != "" {
		query += " AND platform_id = ?"
		args = append(args, opts.PlatformID)
	}
	if opts.Status != "" {
		query += " AND status = ?"
		args = append(args, string(opts.Status))
	}
	query += " ORDER BY start_date DESC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// LatestSuccess returns the most recent successful run of a platform
func (s *Store) LatestSuccess(platformID string) (*domain.Run, error) {
	runs, err := s.ListRuns(ListOptions{PlatformID: platformID, Status: domain.RunSuccess, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, fmt.Errorf("%w: no successful run for %s", ErrNotFound, platformID)
	}
	return runs[0], nil
}

// MarkInterrupted turns runs left active by a previous process into stopped
// runs. Returns how many rows changed.
func (s *Store) MarkInterrupted() (int64, error) {
	res, err := s.db.Exec(`UPDATE runs SET status = ? WHERE status IN (?, ?)`,
		string(domain.RunStopped), string(domain.RunPending), string(domain.RunRunning))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) logs(runID string) ([]string, error) {
	rows, err := s.db.Query(`SELECT message FROM run_logs WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	lines := []string{}
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

const runColumns = `id, platform_id, company, name, status, start_date, end_date, is_connected, is_updated, url, export_path, export_size`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row scanner) (*domain.Run, error) {
	var run domain.Run
	var status string
	var endDate sql.NullTime
	var url, exportPath sql.NullString
	var exportSize sql.NullInt64

	err := row.Scan(&run.ID, &run.PlatformID, &run.Company, &run.ProductName, &status,
		&run.StartDate, &endDate, &run.IsConnected, &run.IsUpdated, &url, &exportPath, &exportSize)
	if err != nil {
		return nil, err
	}

	run.Status = domain.RunStatus(status)
	if endDate.Valid {
		end := endDate.Time
		run.EndDate = &end
	}
	run.URL = url.String
	run.ExportPath = exportPath.String
	run.ExportSize = exportSize.Int64
	return &run, nil
}
