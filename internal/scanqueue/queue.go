// Package scanqueue is the device-local durable record of every scan taken at
// a gate, plus the last-known ticket cache used for provisional verdicts.
package scanqueue

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"ms-gatescan/internal/logger"
	"ms-gatescan/internal/models"
	"ms-gatescan/internal/validation"
)

// Queue holds QueueEntries keyed by enqueue order. State transitions are
// serialized by mu; reads run in badger read transactions.
type Queue struct {
	db         *badger.DB
	queueSeq   *badger.Sequence
	historySeq *badger.Sequence
	cfg        Config
	log        *logger.Logger

	mu  sync.Mutex
	now func() time.Time
}

// Open opens (or creates) the queue. Entries a previous process left in
// syncing are moved to failed so they become retry-eligible again.
func Open(cfg Config) (*Queue, error) {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 10
	}
	if cfg.HistoryCap <= 0 {
		cfg.HistoryCap = 100
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewDiscardLogger()
	}

	db, err := openBadger(cfg)
	if err != nil {
		return nil, err
	}
	queueSeq, err := db.GetSequence([]byte(queueSeqKey), 100)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("queue sequence: %w", err)
	}
	historySeq, err := db.GetSequence([]byte(historySeqKey), 100)
	if err != nil {
		queueSeq.Release()
		db.Close()
		return nil, fmt.Errorf("history sequence: %w", err)
	}

	q := &Queue{
		db:         db,
		queueSeq:   queueSeq,
		historySeq: historySeq,
		cfg:        cfg,
		log:        cfg.Logger,
		now:        time.Now,
	}

	recovered, err := q.recoverInterrupted()
	if err != nil {
		q.Close()
		return nil, err
	}
	if recovered > 0 {
		q.log.Warn("QUEUE", fmt.Sprintf("Reset %d entries interrupted mid-sync", recovered))
	}
	return q, nil
}

func (q *Queue) Close() error {
	var errs []error
	if q.queueSeq != nil {
		errs = append(errs, q.queueSeq.Release())
	}
	if q.historySeq != nil {
		errs = append(errs, q.historySeq.Release())
	}
	errs = append(errs, q.db.Close())
	return errors.Join(errs...)
}

func (q *Queue) DeviceID() string { return q.cfg.DeviceID }

func (q *Queue) MaxRetries() int { return q.cfg.MaxRetries }

func (q *Queue) recoverInterrupted() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries, err := q.scan(func(e *models.QueueEntry) bool { return e.SyncStatus == models.SyncSyncing })
	if err != nil {
		return 0, err
	}
	for i := range entries {
		entries[i].SyncStatus = models.SyncFailed
		entries[i].ErrorMessage = "interrupted before sync completed"
		if err := q.put(&entries[i]); err != nil {
			return 0, err
		}
	}
	return len(entries), nil
}

// Enqueue appends a scan as pending. Enqueuing a scan ID that is already
// present returns the existing entry unchanged.
func (q *Queue) Enqueue(attempt models.ScanAttempt) (models.QueueEntry, error) {
	if attempt.ScanID == "" {
		return models.QueueEntry{}, errors.New("scan id is required")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	existing, err := q.get(attempt.ScanID)
	if err == nil {
		return *existing, nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return models.QueueEntry{}, err
	}

	seq, err := q.queueSeq.Next()
	if err != nil {
		return models.QueueEntry{}, fmt.Errorf("next queue sequence: %w", err)
	}
	if attempt.DeviceID == "" {
		attempt.DeviceID = q.cfg.DeviceID
	}
	entry := models.QueueEntry{
		Seq:                seq,
		Attempt:            attempt,
		SyncStatus:         models.SyncPending,
		EnqueuedAt:         q.now().UTC(),
		ProvisionalOutcome: attempt.ProvisionalOutcome,
	}

	err = q.db.Update(func(txn *badger.Txn) error {
		value, err := encode(&entry)
		if err != nil {
			return err
		}
		if err := txn.Set(entryKey(seq), value); err != nil {
			return err
		}
		return txn.Set(indexKey(attempt.ScanID), putUint64(seq))
	})
	if err != nil {
		return models.QueueEntry{}, fmt.Errorf("enqueue %s: %w", attempt.ScanID, err)
	}
	return entry, nil
}

// SetProvisional records the verdict shown to the operator for a pending
// entry.
func (q *Queue) SetProvisional(scanID string, outcome models.Outcome) error {
	return q.update(scanID, func(e *models.QueueEntry) error {
		if e.SyncStatus == models.SyncSynced {
			return nil
		}
		e.ProvisionalOutcome = outcome
		e.Attempt.ProvisionalOutcome = outcome
		return nil
	})
}

// DequeueForSync returns every entry the sync engine may attempt now:
// pending entries and failed entries still under the retry bound, oldest
// first. Nothing is removed; the caller drives each entry through
// MarkSyncing.
func (q *Queue) DequeueForSync() ([]models.QueueEntry, error) {
	return q.scan(q.eligible)
}

func (q *Queue) eligible(e *models.QueueEntry) bool {
	switch e.SyncStatus {
	case models.SyncPending:
		return true
	case models.SyncFailed:
		return !e.Terminal && e.RetryCount < q.cfg.MaxRetries
	default:
		return false
	}
}

func (q *Queue) MarkSyncing(scanID string) (models.QueueEntry, error) {
	var out models.QueueEntry
	err := q.update(scanID, func(e *models.QueueEntry) error {
		if !q.eligible(e) {
			return fmt.Errorf("%w: %s -> syncing", models.ErrInvalidTransition, e.SyncStatus)
		}
		e.SyncStatus = models.SyncSyncing
		out = *e
		return nil
	})
	return out, err
}

// MarkSynced stores the authoritative verdict. Synced is absorbing.
func (q *Queue) MarkSynced(scanID string, verdict validation.Authoritative) (models.QueueEntry, error) {
	var out models.QueueEntry
	err := q.update(scanID, func(e *models.QueueEntry) error {
		if e.SyncStatus != models.SyncSyncing {
			return fmt.Errorf("%w: %s -> synced", models.ErrInvalidTransition, e.SyncStatus)
		}
		now := q.now().UTC()
		e.SyncStatus = models.SyncSynced
		e.SyncedAt = &now
		e.ErrorMessage = ""
		e.Terminal = false
		e.AuthoritativeOutcome = verdict.Outcome
		e.AuthoritativeMessage = verdict.Message
		e.Attempt.Outcome = verdict.Outcome
		e.Attempt.Message = verdict.Message
		if verdict.TicketID != "" {
			e.Attempt.TicketID = verdict.TicketID
		}
		if verdict.OrderID != "" {
			e.Attempt.OrderID = verdict.OrderID
		}
		committed := verdict.CommittedAt
		if !committed.IsZero() {
			e.Attempt.CommittedAt = &committed
		}
		out = *e
		return nil
	})
	return out, err
}

// MarkFailed records a failed sync. Permanent failures, and the failure that
// reaches the retry bound, make the entry terminal.
func (q *Queue) MarkFailed(scanID string, cause error, permanent bool) (models.QueueEntry, error) {
	var out models.QueueEntry
	err := q.update(scanID, func(e *models.QueueEntry) error {
		if e.SyncStatus != models.SyncSyncing {
			return fmt.Errorf("%w: %s -> failed", models.ErrInvalidTransition, e.SyncStatus)
		}
		now := q.now().UTC()
		e.SyncStatus = models.SyncFailed
		e.RetryCount++
		e.LastRetryAt = &now
		if cause != nil {
			e.ErrorMessage = cause.Error()
		}
		e.Terminal = permanent || e.RetryCount >= q.cfg.MaxRetries
		out = *e
		return nil
	})
	if err == nil && out.Terminal {
		q.log.Error("QUEUE", fmt.Sprintf("Scan %s permanently failed after %d attempts: %s", scanID, out.RetryCount, out.ErrorMessage))
	}
	return out, err
}

// Retry re-arms a permanently failed entry. This is the only way a terminal
// entry becomes eligible again.
func (q *Queue) Retry(scanID string) (models.QueueEntry, error) {
	var out models.QueueEntry
	err := q.update(scanID, func(e *models.QueueEntry) error {
		if e.SyncStatus != models.SyncFailed || !e.Terminal {
			return fmt.Errorf("%w: only permanently failed entries can be retried", models.ErrInvalidTransition)
		}
		e.SyncStatus = models.SyncPending
		e.RetryCount = 0
		e.Terminal = false
		e.LastRetryAt = nil
		out = *e
		return nil
	})
	return out, err
}

func (q *Queue) PermanentlyFailed() ([]models.QueueEntry, error) {
	return q.scan(func(e *models.QueueEntry) bool {
		return e.SyncStatus == models.SyncFailed && e.Terminal
	})
}

func (q *Queue) Get(scanID string) (models.QueueEntry, error) {
	e, err := q.get(scanID)
	if err != nil {
		return models.QueueEntry{}, err
	}
	return *e, nil
}

// List returns entries in enqueue order, optionally restricted to statuses.
func (q *Queue) List(statuses ...models.SyncStatus) ([]models.QueueEntry, error) {
	if len(statuses) == 0 {
		return q.scan(nil)
	}
	want := make(map[models.SyncStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	return q.scan(func(e *models.QueueEntry) bool { return want[e.SyncStatus] })
}

func (q *Queue) Stats() (models.QueueStats, error) {
	stats := models.QueueStats{DeviceID: q.cfg.DeviceID}
	entries, err := q.scan(nil)
	if err != nil {
		return stats, err
	}
	for _, e := range entries {
		stats.Total++
		switch e.SyncStatus {
		case models.SyncPending:
			stats.Pending++
		case models.SyncSyncing:
			stats.Syncing++
		case models.SyncSynced:
			stats.Synced++
		case models.SyncFailed:
			stats.Failed++
			if e.Terminal {
				stats.PermanentlyFailed++
			}
		}
	}
	return stats, nil
}

// PruneSynced deletes synced entries whose sync completed before cutoff.
func (q *Queue) PruneSynced(cutoff time.Time) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries, err := q.scan(func(e *models.QueueEntry) bool {
		return e.SyncStatus == models.SyncSynced && e.SyncedAt != nil && e.SyncedAt.Before(cutoff)
	})
	if err != nil {
		return 0, err
	}
	wb := q.db.NewWriteBatch()
	defer wb.Cancel()
	for _, e := range entries {
		if err := wb.Delete(entryKey(e.Seq)); err != nil {
			return 0, err
		}
		if err := wb.Delete(indexKey(e.Attempt.ScanID)); err != nil {
			return 0, err
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, fmt.Errorf("prune synced entries: %w", err)
	}
	return len(entries), nil
}

func (q *Queue) update(scanID string, fn func(e *models.QueueEntry) error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, err := q.get(scanID)
	if err != nil {
		return err
	}
	if err := fn(e); err != nil {
		return err
	}
	return q.put(e)
}

func (q *Queue) put(e *models.QueueEntry) error {
	value, err := encode(e)
	if err != nil {
		return err
	}
	return q.db.Update(func(txn *badger.Txn) error {
		return txn.Set(entryKey(e.Seq), value)
	})
}

func (q *Queue) get(scanID string) (*models.QueueEntry, error) {
	var entry models.QueueEntry
	err := q.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(indexKey(scanID))
		if err != nil {
			return err
		}
		var seq uint64
		if err := item.Value(func(val []byte) error {
			seq = binary.BigEndian.Uint64(val)
			return nil
		}); err != nil {
			return err
		}
		item, err = txn.Get(entryKey(seq))
		if err != nil {
			return err
		}
		return decode(item, &entry)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("queue entry %s: %w", scanID, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (q *Queue) scan(match func(e *models.QueueEntry) bool) ([]models.QueueEntry, error) {
	var out []models.QueueEntry
	err := q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(entryPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var e models.QueueEntry
			if err := decode(it.Item(), &e); err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			if match == nil || match(&e) {
				out = append(out, e)
			}
		}
		return nil
	})
	return out, err
}
