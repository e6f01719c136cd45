package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/worldkernel/worldkernel/internal/core"
)

// EventStore persists events as the kernel appends them. It is an
// eventlog.Sink.
type EventStore struct {
	db *DB
}

// NewEventStore creates an event store
func NewEventStore(db *DB) *EventStore {
	return &EventStore{db: db}
}

// WriteEvent stores one event. Numbers are unique: writing the same
// number twice fails.
func (s *EventStore) WriteEvent(e *core.Event) error {
	var detail sql.NullString
	if len(e.Detail) > 0 {
		data, err := json.Marshal(e.Detail)
		if err != nil {
			return fmt.Errorf("failed to marshal detail: %w", err)
		}
		detail = sql.NullString{String: string(data), Valid: true}
	}

	_, err := s.db.conn.Exec(`
		INSERT INTO events (number, timestamp, action_type, actor, target, outcome, detail, prev_hash, hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.Number, e.Timestamp.UTC().Format(time.RFC3339Nano), string(e.ActionType), e.Actor, e.Target,
		string(e.Outcome), detail, e.PrevHash, e.Hash)
	if err != nil {
		return fmt.Errorf("failed to store event %d: %w", e.Number, err)
	}
	return nil
}

// Load returns stored events numbered above after, in order. A limit of 0
// means all of them.
func (s *EventStore) Load(after int64, limit int) ([]*core.Event, error) {
	query := `
		SELECT number, timestamp, action_type, actor, target, outcome, detail, prev_hash, hash
		FROM events WHERE number > ? ORDER BY number`
	args := []any{after}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []*core.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Last returns the newest stored event, or nil when there are none.
func (s *EventStore) Last() (*core.Event, error) {
	row := s.db.conn.QueryRow(`
		SELECT number, timestamp, action_type, actor, target, outcome, detail, prev_hash, hash
		FROM events ORDER BY number DESC LIMIT 1`)
	e, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

// Count returns the number of stored events.
func (s *EventStore) Count() (int64, error) {
	var n int64
	if err := s.db.conn.QueryRow("SELECT COUNT(*) FROM events").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return n, nil
}

// DiscardAfter deletes events numbered above n. The kernel calls it when
// it resumes from a checkpoint older than the stored log, because those
// events describe state that no longer exists.
func (s *EventStore) DiscardAfter(n int64) (int64, error) {
	res, err := s.db.conn.Exec("DELETE FROM events WHERE number > ?", n)
	if err != nil {
		return 0, fmt.Errorf("failed to discard events after %d: %w", n, err)
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(row scanner) (*core.Event, error) {
	var (
		e                   core.Event
		ts, action, outcome string
		detail              sql.NullString
	)
	if err := row.Scan(&e.Number, &ts, &action, &e.Actor, &e.Target, &outcome, &detail, &e.PrevHash, &e.Hash); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan event: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil, fmt.Errorf("event %d: bad timestamp %q: %w", e.Number, ts, err)
	}
	e.Timestamp = t.UTC()
	e.ActionType = core.ActionType(action)
	e.Outcome = core.Code(outcome)
	if detail.Valid {
		if err := json.Unmarshal([]byte(detail.String), &e.Detail); err != nil {
			return nil, fmt.Errorf("event %d: bad detail: %w", e.Number, err)
		}
	}
	return &e, nil
}
