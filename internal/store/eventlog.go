package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rendis/opflow/pkg/schema"
)

// AppendEvent appends an event with a monotonically increasing per-execution sequence.
// The sequence read and insert share one transaction; the single-connection pool
// serializes concurrent writers.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin event tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE execution_id = ?`, event.ExecutionID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (execution_id, step_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.ExecutionID, nullStr(event.StepID), event.Type, nullRaw(event.Payload), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// GetEvents returns events for an execution with sequence > since, ordered by sequence ASC.
func (s *LibSQLStore) GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, step_id, event_type, payload, timestamp, sequence
		 FROM events WHERE execution_id = ? AND sequence > ? ORDER BY sequence`, executionID, since)
	if err != nil {
		return nil, storeErr("get events", err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		e := &Event{}
		var stepID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.ExecutionID, &stepID, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.StepID = stepID.String
		if payload.Valid {
			e.Payload = json.RawMessage(payload.String)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ReplaySteps folds an execution's event stream into the last known status of
// every step. Returns STORE_ERROR when the sequence has gaps.
func ReplaySteps(events []*Event) (map[string]schema.StepStatus, error) {
	states := make(map[string]schema.StepStatus)
	for i, e := range events {
		if want := int64(i + 1); e.Sequence != want {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in execution %s: expected %d, got %d", e.ExecutionID, want, e.Sequence)
		}
		if e.StepID == "" {
			continue
		}
		switch e.Type {
		case schema.EventStepStarted, schema.EventStepRetrying, schema.EventApprovalResolved:
			states[e.StepID] = schema.StepRunning
		case schema.EventStepCompleted:
			states[e.StepID] = schema.StepCompleted
		case schema.EventStepFailed, schema.EventApprovalExpired:
			states[e.StepID] = schema.StepFailed
		case schema.EventStepSkipped:
			states[e.StepID] = schema.StepSkipped
		case schema.EventStepDependencyFailed:
			states[e.StepID] = schema.StepDependencyFailed
		case schema.EventStepCancelled:
			states[e.StepID] = schema.StepCancelled
		case schema.EventApprovalRequested:
			states[e.StepID] = schema.StepAwaitingApproval
		}
	}
	return states, nil
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}
