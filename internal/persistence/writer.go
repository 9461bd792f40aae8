package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"PeerLend/internal/core"
)

// OperationLogWriter writes operation records to Postgres using
// multi-row INSERT batches. ON CONFLICT (sequence) DO NOTHING makes
// retried batches idempotent.
type OperationLogWriter struct {
	db *sql.DB
}

// EventRow is a row in operation_log.events.
type EventRow struct {
	Sequence  int64
	EventType string
	Market    *string
	UserID    *uuid.UUID
	Payload   []byte // JSON payload
	StateHash []byte
	PrevHash  []byte
	Operation string // request identity for dedup; empty for governance
	RequestID string
	Timestamp time.Time
}

// RowFromOutput converts one committed orchestrator output.
func RowFromOutput(out core.Output) EventRow {
	env := out.Envelope
	return EventRow{
		Sequence:  env.Sequence,
		EventType: env.EventType.String(),
		Market:    env.Market,
		UserID:    env.User,
		Payload:   env.Payload,
		StateHash: env.StateHash[:],
		PrevHash:  env.PrevHash[:],
		Operation: out.Operation,
		RequestID: out.RequestID,
		Timestamp: env.Timestamp,
	}
}

func NewOperationLogWriter(db *sql.DB) *OperationLogWriter {
	return &OperationLogWriter{db: db}
}

// WriteEventBatch writes a batch of rows inside tx.
func (w *OperationLogWriter) WriteEventBatch(ctx context.Context, tx *sql.Tx, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	query := `INSERT INTO operation_log.events
		(sequence, event_type, market, user_id, payload, state_hash, prev_hash, operation, request_id, timestamp)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*10)

	for i, e := range events {
		base := i * 10
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10,
		))
		args = append(args,
			e.Sequence, e.EventType, e.Market, e.UserID,
			e.Payload, e.StateHash, e.PrevHash, e.Operation, e.RequestID, e.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}
