package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"PeerLend/internal/market"
)

// SnapshotManager stores and loads ledger snapshots. A snapshot is the
// full store dump plus the log position it covers; on restart the
// latest verified snapshot seeds the in-memory state and the operation
// log provides the sequence to resume from.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData is the serialized snapshot payload.
type SnapshotData struct {
	Sequence    int64        `json:"sequence"`
	StateHash   []byte       `json:"stateHash"`
	State       *market.Dump `json:"state"`
	RequestKeys []string     `json:"requestKeys"` // recent op:requestID keys for LRU warming
	CreatedAt   time.Time    `json:"createdAt"`
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists one snapshot, replacing any previous snapshot
// at the same sequence.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO operation_log.snapshots
			(snapshot_id, sequence, data, state_hash, size_bytes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $5
	`, uuid.New(), snap.Sequence, data, snap.StateHash, len(data), snap.CreatedAt)
	return err
}

// LoadLatestSnapshot loads the most recent snapshot, or nil on a cold
// start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM operation_log.snapshots
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// LoadEventsFrom loads operation records from a given sequence, for
// audit and replay tooling.
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, event_type, market, user_id, payload,
		       state_hash, prev_hash, operation, request_id, timestamp
		FROM operation_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(
			&e.Sequence, &e.EventType, &e.Market, &e.UserID,
			&e.Payload, &e.StateHash, &e.PrevHash, &e.Operation, &e.RequestID, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetLatestSequence returns the highest sequence in the operation log,
// or -1 when the log is empty.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM operation_log.events
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return -1, nil
	}
	return seq.Int64, nil
}

// StateHashAt returns the state hash of the event at sequence, or nil
// when no such event is persisted yet.
func (sm *SnapshotManager) StateHashAt(ctx context.Context, sequence int64) ([]byte, error) {
	var hash []byte
	err := sm.db.QueryRowContext(ctx, `
		SELECT state_hash FROM operation_log.events WHERE sequence = $1
	`, sequence).Scan(&hash)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return hash, err
}

// RecentRequestKeys returns the newest op:requestID pairs for warming
// the in-memory dedup LRU.
func (sm *SnapshotManager) RecentRequestKeys(ctx context.Context, limit int) (operations, requestIDs []string, err error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT operation, request_id
		FROM operation_log.events
		WHERE request_id <> ''
		ORDER BY sequence DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var op, id string
		if err := rows.Scan(&op, &id); err != nil {
			return nil, nil, err
		}
		operations = append(operations, op)
		requestIDs = append(requestIDs, id)
	}
	return operations, requestIDs, rows.Err()
}
