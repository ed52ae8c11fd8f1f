package output

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

const checkpointSchema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	runID         TEXT,
	iteration     INTEGER,
	pieceID       INTEGER,
	particleCount INTEGER,
	maxRelError   REAL,
	meanRelError  REAL,
	wallTimeMS    REAL
);
`

const checkpointIndex = `CREATE INDEX IF NOT EXISTS idx_checkpoint_iter ON checkpoints (iteration, pieceID);`

const insertCheckpoint = `INSERT INTO checkpoints VALUES (?, ?, ?, ?, ?, ?, ?);`

// Checkpoint is one piece's regression summary for a single iteration:
// a spot-checked error against a direct-sum reference, and the wall
// time the iteration took. This is a debugging/regression aid, not
// part of the gravity computation itself.
type Checkpoint struct {
	Iteration     int
	PieceID       int
	ParticleCount int
	MaxRelError   float64
	MeanRelError  float64
	WallTimeMS    float64
}

// CheckpointStore persists Checkpoint rows to a SQLite database,
// grounded in the teacher's frameToSqlite writer: a prepared insert run
// inside its own transaction per row, favoring simplicity over batching
// since checkpoints are written once per piece per iteration, not once
// per particle.
type CheckpointStore struct {
	db    *sql.DB
	runID string
}

// OpenCheckpointStore opens (creating if necessary) a SQLite database at
// path and ensures its schema exists. Every row recorded through the
// returned store is tagged with a freshly generated run id, so a single
// append-only database file can accumulate history across many runs
// without the rows from different invocations being conflated.
func OpenCheckpointStore(path string) (*CheckpointStore, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?_journal_mode=WAL&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("output: open checkpoint store %s: %w", path, err)
	}
	if _, err := db.Exec(checkpointSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("output: create checkpoint schema: %w", err)
	}
	if _, err := db.Exec(checkpointIndex); err != nil {
		db.Close()
		return nil, fmt.Errorf("output: create checkpoint index: %w", err)
	}
	return &CheckpointStore{db: db, runID: uuid.NewString()}, nil
}

// RunID returns the identifier stamped on every row this store writes.
func (s *CheckpointStore) RunID() string { return s.runID }

// Record writes one checkpoint row.
func (s *CheckpointStore) Record(c Checkpoint) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("output: begin checkpoint tx: %w", err)
	}
	if _, err := tx.Exec(insertCheckpoint,
		s.runID, c.Iteration, c.PieceID, c.ParticleCount, c.MaxRelError, c.MeanRelError, c.WallTimeMS); err != nil {
		tx.Rollback()
		return fmt.Errorf("output: insert checkpoint row: %w", err)
	}
	return tx.Commit()
}

// Close closes the underlying database handle.
func (s *CheckpointStore) Close() error { return s.db.Close() }
