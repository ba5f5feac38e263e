package scanqueue

import (
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"ms-gatescan/internal/models"
)

// AppendHistory records a completed sync pass, evicting the oldest entries
// beyond HistoryCap.
func (q *Queue) AppendHistory(entry models.SyncHistoryEntry) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	seq, err := q.historySeq.Next()
	if err != nil {
		return fmt.Errorf("next history sequence: %w", err)
	}
	value, err := encode(&entry)
	if err != nil {
		return err
	}
	if err := q.db.Update(func(txn *badger.Txn) error {
		return txn.Set(historyKey(seq), value)
	}); err != nil {
		return fmt.Errorf("append sync history: %w", err)
	}

	var stale [][]byte
	err = q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(historyPrefix)
		opts.PrefetchValues = false
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		n := 0
		for it.Seek(append([]byte(historyPrefix), 0xFF)); it.Valid(); it.Next() {
			n++
			if n > q.cfg.HistoryCap {
				stale = append(stale, it.Item().KeyCopy(nil))
			}
		}
		return nil
	})
	if err != nil || len(stale) == 0 {
		return err
	}
	return q.db.Update(func(txn *badger.Txn) error {
		for _, k := range stale {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// History returns up to n most recent sync passes, newest first. n <= 0
// returns everything retained.
func (q *Queue) History(n int) ([]models.SyncHistoryEntry, error) {
	var out []models.SyncHistoryEntry
	err := q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(historyPrefix)
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(append([]byte(historyPrefix), 0xFF)); it.Valid(); it.Next() {
			if n > 0 && len(out) >= n {
				break
			}
			var e models.SyncHistoryEntry
			if err := decode(it.Item(), &e); err != nil {
				return err
			}
			out = append(out, e)
		}
		return nil
	})
	return out, err
}
