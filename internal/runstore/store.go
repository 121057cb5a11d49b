// Package runstore keeps a sqlite history of finished runs.
package runstore

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	// queries and transactions share one connection; the detector flags
	// lock-order mistakes between them
	sync "github.com/sasha-s/go-deadlock"
)

// ErrNotFound is returned by Get for an unknown run ID.
var ErrNotFound = errors.New("run not found")

// timeLayout has a fixed width so stored timestamps sort chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Run statuses.
const (
	StatusDone   = "DONE"
	StatusFailed = "FAILED"
)

// ClassStat is one populated row of a run's evaluation report.
type ClassStat struct {
	Class     int     `json:"class"`
	Name      string  `json:"name"`
	Support   int     `json:"support"`
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`
}

// Run is the stored summary of one orchestrated run. State is the last state
// the run reached before it finished.
type Run struct {
	ID           string      `json:"id"`
	Architecture string      `json:"architecture"`
	Status       string      `json:"status"`
	State        string      `json:"state"`
	Error        string      `json:"error,omitempty"`
	StartedAt    time.Time   `json:"started_at"`
	FinishedAt   time.Time   `json:"finished_at"`
	TrainMinutes float64     `json:"train_minutes"`
	EvalMinutes  float64     `json:"eval_minutes"`
	Examples     int         `json:"examples"`
	Accuracy     float64     `json:"accuracy"`
	Config       string      `json:"config"`
	Classes      []ClassStat `json:"classes,omitempty"`
}

type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open creates or opens the history database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("runstore: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	for _, q := range []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			architecture TEXT,
			-- DONE or FAILED
			status TEXT,
			state TEXT,
			error TEXT,
			started_at TEXT,
			finished_at TEXT,
			train_minutes REAL,
			eval_minutes REAL,
			examples INTEGER,
			accuracy REAL,
			config TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS class_stats (
			run_id TEXT REFERENCES runs(id),
			class INTEGER,
			name TEXT,
			support INTEGER,
			precision REAL,
			recall REAL,
			f1 REAL,
			PRIMARY KEY (run_id, class)
		)`,
	} {
		if _, err := db.Exec(q); err != nil {
			db.Close()
			return nil, fmt.Errorf("runstore: init schema: %w", err)
		}
	}
	return s, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// Record inserts r and its class rows in one transaction.
func (s *Store) Record(r Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("runstore: begin: %w", err)
	}
	_, err = tx.Exec(
		`INSERT INTO runs (id, architecture, status, state, error, started_at, finished_at,
			train_minutes, eval_minutes, examples, accuracy, config)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Architecture, r.Status, r.State, r.Error,
		r.StartedAt.UTC().Format(timeLayout), r.FinishedAt.UTC().Format(timeLayout),
		r.TrainMinutes, r.EvalMinutes, r.Examples, r.Accuracy, r.Config,
	)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("runstore: insert run %s: %w", r.ID, err)
	}
	for _, c := range r.Classes {
		_, err := tx.Exec(
			`INSERT INTO class_stats (run_id, class, name, support, precision, recall, f1)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			r.ID, c.Class, c.Name, c.Support, c.Precision, c.Recall, c.F1,
		)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("runstore: insert class %d of %s: %w", c.Class, r.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("runstore: commit %s: %w", r.ID, err)
	}
	return nil
}

const runColumns = `id, architecture, status, state, error, started_at, finished_at,
	train_minutes, eval_minutes, examples, accuracy, config`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (Run, error) {
	var r Run
	var started, finished string
	err := row.Scan(&r.ID, &r.Architecture, &r.Status, &r.State, &r.Error, &started, &finished,
		&r.TrainMinutes, &r.EvalMinutes, &r.Examples, &r.Accuracy, &r.Config)
	if err != nil {
		return Run{}, err
	}
	if r.StartedAt, err = time.Parse(timeLayout, started); err != nil {
		return Run{}, fmt.Errorf("started_at: %w", err)
	}
	if r.FinishedAt, err = time.Parse(timeLayout, finished); err != nil {
		return Run{}, fmt.Errorf("finished_at: %w", err)
	}
	return r, nil
}

// List returns every run, newest first, without class rows.
func (s *Store) List() ([]Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("runstore: list: %w", err)
	}
	defer rows.Close()
	runs := []Run{}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("runstore: list: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Get returns the run with its class rows.
func (s *Store) Get(id string) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := scanRun(s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("runstore: get %s: %w", id, err)
	}

	rows, err := s.db.Query(
		`SELECT class, name, support, precision, recall, f1 FROM class_stats WHERE run_id = ? ORDER BY class`, id)
	if err != nil {
		return nil, fmt.Errorf("runstore: classes of %s: %w", id, err)
	}
	defer rows.Close()
	for rows.Next() {
		var c ClassStat
		if err := rows.Scan(&c.Class, &c.Name, &c.Support, &c.Precision, &c.Recall, &c.F1); err != nil {
			return nil, fmt.Errorf("runstore: classes of %s: %w", id, err)
		}
		r.Classes = append(r.Classes, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &r, nil
}
