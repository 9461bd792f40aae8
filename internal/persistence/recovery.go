package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"log"

	"PeerLend/internal/core"
	"PeerLend/internal/market"
)

// RecoveryInfo reports what a warm restart found.
type RecoveryInfo struct {
	// StartSequence is where the orchestrator's operation log resumes.
	StartSequence int64
	// SnapshotSequence is the log position the restored snapshot
	// covers, or -1 on a cold start.
	SnapshotSequence int64
}

// Recover restores ledger state on startup: load the latest snapshot
// into the store, warm the dedup LRU from the newest request keys, and
// resume the log sequence past the highest persisted record.
//
// Operations committed after the last snapshot are in the operation
// log but not in the restored store; operators replay or reconcile
// them out of band before reopening traffic.
func Recover(ctx context.Context, db *sql.DB, store *market.Store, idem *core.IdempotencyChecker) (*RecoveryInfo, error) {
	sm := NewSnapshotManager(db)

	info := &RecoveryInfo{SnapshotSequence: -1}

	snap, err := sm.LoadLatestSnapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	if snap != nil {
		if err := store.Restore(snap.State); err != nil {
			return nil, fmt.Errorf("restore snapshot seq %d: %w", snap.Sequence, err)
		}
		info.SnapshotSequence = snap.Sequence
		log.Printf("INFO: restored snapshot at sequence %d (%d markets, %d positions)",
			snap.Sequence, len(snap.State.Markets), len(snap.State.Positions))
	} else {
		log.Println("INFO: no snapshot found, cold start")
	}

	lastSeq, err := sm.GetLatestSequence(ctx)
	if err != nil {
		return nil, fmt.Errorf("latest sequence: %w", err)
	}
	info.StartSequence = lastSeq + 1

	if gap := lastSeq - info.SnapshotSequence; snap != nil && gap > 0 {
		log.Printf("WARN: %d operations in the log past the restored snapshot; reconcile before serving", gap)
	}

	if idem != nil {
		ops, ids, err := sm.RecentRequestKeys(ctx, 10_000)
		if err != nil {
			return nil, fmt.Errorf("recent request keys: %w", err)
		}
		idem.Warm(ops, ids)
		log.Printf("INFO: warmed dedup LRU with %d request keys", len(ids))
	}

	return info, nil
}
