package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/worldkernel/worldkernel/internal/checkpoint"
)

// ErrNoCheckpoint is returned when nothing has been saved yet.
var ErrNoCheckpoint = errors.New("no checkpoint saved")

// CheckpointInfo describes a saved checkpoint without loading it.
type CheckpointInfo struct {
	ID          int64     `json:"id"`
	TakenAt     time.Time `json:"taken_at"`
	EventNumber int64     `json:"event_number"`
	LastHash    string    `json:"last_hash"`
	Size        int64     `json:"size"`
}

// CheckpointStore keeps kernel snapshots.
type CheckpointStore struct {
	db *DB
}

// NewCheckpointStore creates a checkpoint store
func NewCheckpointStore(db *DB) *CheckpointStore {
	return &CheckpointStore{db: db}
}

// Save stores a snapshot and returns its id.
func (s *CheckpointStore) Save(snap *checkpoint.Snapshot) (int64, error) {
	data, err := checkpoint.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	res, err := s.db.conn.Exec(`
		INSERT INTO checkpoints (taken_at, event_number, last_hash, data)
		VALUES (?, ?, ?, ?)
	`, snap.TakenAt.UTC().Format(time.RFC3339Nano), snap.EventNumber, snap.LastHash, data)
	if err != nil {
		return 0, fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return res.LastInsertId()
}

// Latest loads the newest snapshot.
func (s *CheckpointStore) Latest() (*checkpoint.Snapshot, error) {
	var data []byte
	err := s.db.conn.QueryRow("SELECT data FROM checkpoints ORDER BY id DESC LIMIT 1").Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrNoCheckpoint
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	return checkpoint.Unmarshal(data)
}

// Get loads one snapshot by id.
func (s *CheckpointStore) Get(id int64) (*checkpoint.Snapshot, error) {
	var data []byte
	err := s.db.conn.QueryRow("SELECT data FROM checkpoints WHERE id = ?", id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("checkpoint %d: %w", id, ErrNoCheckpoint)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint %d: %w", id, err)
	}
	return checkpoint.Unmarshal(data)
}

// List describes every saved checkpoint, newest first.
func (s *CheckpointStore) List() ([]CheckpointInfo, error) {
	rows, err := s.db.conn.Query(`
		SELECT id, taken_at, event_number, last_hash, length(data)
		FROM checkpoints ORDER BY id DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []CheckpointInfo
	for rows.Next() {
		var (
			info CheckpointInfo
			ts   string
		)
		if err := rows.Scan(&info.ID, &ts, &info.EventNumber, &info.LastHash, &info.Size); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		if info.TakenAt, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("checkpoint %d: bad timestamp %q: %w", info.ID, ts, err)
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

// Prune keeps the newest keep checkpoints and deletes the rest.
func (s *CheckpointStore) Prune(keep int) (int64, error) {
	if keep < 1 {
		return 0, fmt.Errorf("must keep at least one checkpoint")
	}
	res, err := s.db.conn.Exec(`
		DELETE FROM checkpoints WHERE id NOT IN (
			SELECT id FROM checkpoints ORDER BY id DESC LIMIT ?
		)`, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune checkpoints: %w", err)
	}
	return res.RowsAffected()
}
