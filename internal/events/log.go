package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cybersharkvin/llmitm-v2-sub002/internal/database"
	"github.com/cybersharkvin/llmitm-v2-sub002/internal/types"
)

// Log reads and appends the durable run_events table. The Emitter appends
// through it; replay and cross-process observers read through it.
type Log struct {
	db *database.DB
}

// NewLog creates a Log over the given database.
func NewLog(db *database.DB) *Log {
	return &Log{db: db}
}

// Append writes one event row. The (run_id, sequence) primary key rejects
// duplicate sequences, so a misbehaving writer fails loudly instead of
// silently reordering the stream.
func (l *Log) Append(ctx context.Context, event Event) error {
	payload := event.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}

	_, err := l.db.ExecContext(ctx,
		`INSERT INTO run_events (run_id, sequence, type, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		event.RunID, event.Sequence, string(event.Type), string(payload), event.Timestamp.UTC(),
	)
	if err != nil {
		return types.WrapError(types.DB_QUERY_FAILED,
			fmt.Sprintf("failed to append event %d for run %s", event.Sequence, event.RunID), err)
	}
	return nil
}

// LastSequence returns the highest sequence recorded for a run, zero when
// the run has no events yet.
func (l *Log) LastSequence(ctx context.Context, runID string) (int64, error) {
	var last int64
	err := l.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM run_events WHERE run_id = ?`, runID,
	).Scan(&last)
	if err != nil {
		return 0, types.WrapError(types.DB_QUERY_FAILED, "failed to read last event sequence for run "+runID, err)
	}
	return last, nil
}

// Range returns events with fromSeq <= sequence <= toSeq in order.
func (l *Log) Range(ctx context.Context, runID string, fromSeq, toSeq int64) ([]Event, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT run_id, sequence, type, payload, created_at
		 FROM run_events
		 WHERE run_id = ? AND sequence >= ? AND sequence <= ?
		 ORDER BY sequence`,
		runID, fromSeq, toSeq,
	)
	if err != nil {
		return nil, types.WrapError(types.DB_QUERY_FAILED, "failed to read events for run "+runID, err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// After returns events with sequence > afterSeq in order. Cross-process
// observers poll with the last sequence they saw.
func (l *Log) After(ctx context.Context, runID string, afterSeq int64) ([]Event, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT run_id, sequence, type, payload, created_at
		 FROM run_events
		 WHERE run_id = ? AND sequence > ?
		 ORDER BY sequence`,
		runID, afterSeq,
	)
	if err != nil {
		return nil, types.WrapError(types.DB_QUERY_FAILED, "failed to read events for run "+runID, err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	var events []Event
	for rows.Next() {
		var (
			event     Event
			eventType string
			payload   []byte
			createdAt time.Time
		)
		if err := rows.Scan(&event.RunID, &event.Sequence, &eventType, &payload, &createdAt); err != nil {
			return nil, types.WrapError(types.DB_QUERY_FAILED, "failed to scan event row", err)
		}
		event.Type = EventType(eventType)
		event.Payload = json.RawMessage(payload)
		event.Timestamp = createdAt.UTC()
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, types.WrapError(types.DB_QUERY_FAILED, "failed to iterate event rows", err)
	}
	return events, nil
}
