package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"PeerLend/internal/core"
	"PeerLend/internal/observability"
)

// SnapshotFunc captures a ledger snapshot covering everything up to
// and including sequence. Wired by main to the store dump.
type SnapshotFunc func(ctx context.Context, sequence int64) error

// Worker drains the persist channel and batch-writes the operation log
// to Postgres. The orchestrator sends on this channel BLOCKING, so a
// stalled worker stalls operations rather than losing log records.
type Worker struct {
	writer       *OperationLogWriter
	db           *sql.DB
	inputChan    <-chan core.Output
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics

	// Snapshot every N persisted events; zero disables.
	snapshotEvery int64
	snapshotFn    SnapshotFunc
	lastSnapSeq   int64
}

type WorkerConfig struct {
	DB            *sql.DB
	InputChan     <-chan core.Output
	BatchSize     int
	FlushTimeout  time.Duration
	Metrics       *observability.Metrics
	SnapshotEvery int64
	SnapshotFn    SnapshotFunc
}

func NewWorker(cfg WorkerConfig) *Worker {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	flushTimeout := cfg.FlushTimeout
	if flushTimeout <= 0 {
		flushTimeout = 50 * time.Millisecond
	}
	return &Worker{
		writer:        NewOperationLogWriter(cfg.DB),
		db:            cfg.DB,
		inputChan:     cfg.InputChan,
		batchSize:     batchSize,
		flushTimeout:  flushTimeout,
		metrics:       cfg.Metrics,
		snapshotEvery: cfg.SnapshotEvery,
		snapshotFn:    cfg.SnapshotFn,
		lastSnapSeq:   -1,
	}
}

// Run batches incoming outputs and flushes either when the batch is
// full or the flush timeout expires. Blocks until ctx is cancelled or
// the channel closes.
func (w *Worker) Run(ctx context.Context) error {
	batch := make([]EventRow, 0, w.batchSize)

	timer := time.NewTimer(w.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if len(batch) > 0 {
				if err := w.flush(context.Background(), batch); err != nil {
					log.Printf("ERROR: final flush failed: %v", err)
				}
			}
			return ctx.Err()

		case out, ok := <-w.inputChan:
			if !ok {
				if len(batch) > 0 {
					if err := w.flush(context.Background(), batch); err != nil {
						log.Printf("ERROR: final flush failed: %v", err)
					}
				}
				return nil
			}

			batch = append(batch, RowFromOutput(out))
			if len(batch) >= w.batchSize {
				w.flushWithRetry(ctx, batch)
				batch = batch[:0]
				timer.Reset(w.flushTimeout)
			}

		case <-timer.C:
			if len(batch) > 0 {
				w.flushWithRetry(ctx, batch)
				batch = batch[:0]
			}
			timer.Reset(w.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write
// succeeds or the context is cancelled; the log never drops records.
func (w *Worker) flushWithRetry(ctx context.Context, batch []EventRow) {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			if w.metrics != nil {
				w.metrics.PersistRetry.Inc()
			}
			log.Printf("WARN: persistence retry attempt %d (backoff=%v, events=%d)",
				attempt, backoff, len(batch))
			select {
			case <-ctx.Done():
				// One final attempt so shutdown does not lose the batch.
				if err := w.flush(context.Background(), batch); err != nil {
					log.Printf("ERROR: final flush on shutdown failed: %v", err)
				}
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		if err := w.flush(ctx, batch); err == nil {
			if attempt > 0 {
				log.Printf("INFO: persistence flush succeeded after %d retries", attempt)
			}
			return
		}
	}
}

func (w *Worker) flush(ctx context.Context, batch []EventRow) error {
	start := time.Now()

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		w.countError("tx_begin")
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := w.writer.WriteEventBatch(ctx, tx, batch); err != nil {
		w.countError("write_events")
		return fmt.Errorf("write events: %w", err)
	}
	if err := tx.Commit(); err != nil {
		w.countError("tx_commit")
		return fmt.Errorf("commit: %w", err)
	}

	lastSeq := batch[len(batch)-1].Sequence
	if w.metrics != nil {
		w.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		w.metrics.PersistBatchSize.Observe(float64(len(batch)))
		w.metrics.PersistEventsWritten.Add(float64(len(batch)))
		w.metrics.PersistLastSequence.Set(float64(lastSeq))
	}

	w.maybeSnapshot(ctx, lastSeq)
	return nil
}

// maybeSnapshot captures a ledger snapshot once enough events have
// accumulated since the last one. Snapshot failure is non-fatal: the
// operation log is the durable record, snapshots only shorten restarts.
func (w *Worker) maybeSnapshot(ctx context.Context, lastSeq int64) {
	if w.snapshotEvery <= 0 || w.snapshotFn == nil {
		return
	}
	if w.lastSnapSeq >= 0 && lastSeq-w.lastSnapSeq < w.snapshotEvery {
		return
	}
	if err := w.snapshotFn(ctx, lastSeq); err != nil {
		w.countError("snapshot")
		log.Printf("WARN: snapshot at seq %d failed: %v", lastSeq, err)
		return
	}
	w.lastSnapSeq = lastSeq
}

func (w *Worker) countError(kind string) {
	if w.metrics != nil {
		w.metrics.PersistErrors.WithLabelValues(kind).Inc()
	}
}
