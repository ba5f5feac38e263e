package scanqueue

import (
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"ms-gatescan/internal/models"
	"ms-gatescan/internal/validation"
)

// PutTickets stores last-known ticket snapshots, replacing older copies but
// keeping any local provisional admit this device already recorded.
func (q *Queue) PutTickets(snapshots []models.TicketSnapshot) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.db.Update(func(txn *badger.Txn) error {
		for i := range snapshots {
			s := snapshots[i]
			if prev, err := cachedIn(txn, s.Ticket.TicketID); err == nil && prev.LocalScanID != "" {
				s.LocalScanID = prev.LocalScanID
				s.LocalUsedAt = prev.LocalUsedAt
			}
			if s.FetchedAt.IsZero() {
				s.FetchedAt = q.now().UTC()
			}
			value, err := encode(&s)
			if err != nil {
				return err
			}
			if err := txn.Set(ticketKey(s.Ticket.TicketID), value); err != nil {
				return err
			}
		}
		return nil
	})
}

// CachedTicket returns the last-known snapshot of a ticket, or ErrNotFound.
func (q *Queue) CachedTicket(ticketID string) (*models.TicketSnapshot, error) {
	var snapshot *models.TicketSnapshot
	err := q.db.View(func(txn *badger.Txn) error {
		var err error
		snapshot, err = cachedIn(txn, ticketID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}

func cachedIn(txn *badger.Txn, ticketID string) (*models.TicketSnapshot, error) {
	item, err := txn.Get(ticketKey(ticketID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("cached ticket %s: %w", ticketID, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var s models.TicketSnapshot
	if err := decode(item, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// MarkProvisionallyUsed remembers that this device admitted the ticket while
// offline, so a second local presentation is answered used.
func (q *Queue) MarkProvisionallyUsed(ticketID, scanID string, at time.Time) error {
	return q.updateTicket(ticketID, func(s *models.TicketSnapshot) {
		if s.LocalScanID != "" {
			return
		}
		at = at.UTC()
		s.LocalScanID = scanID
		s.LocalUsedAt = &at
	})
}

// ApplyVerdict folds an authoritative result back into the cache.
func (q *Queue) ApplyVerdict(verdict validation.Authoritative) error {
	if verdict.TicketID == "" {
		return nil
	}
	err := q.updateTicket(verdict.TicketID, func(s *models.TicketSnapshot) {
		switch verdict.Outcome {
		case models.OutcomeValid, models.OutcomeUsed:
			s.Ticket.Status = models.TicketUsed
			if verdict.UsedAt != nil {
				s.Ticket.UsedAt = verdict.UsedAt
			}
		case models.OutcomeCancelled:
			s.Ticket.Status = models.TicketCancelled
		}
		s.FetchedAt = q.now().UTC()
	})
	if errors.Is(err, models.ErrNotFound) {
		return nil
	}
	return err
}

func (q *Queue) updateTicket(ticketID string, fn func(s *models.TicketSnapshot)) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.db.Update(func(txn *badger.Txn) error {
		s, err := cachedIn(txn, ticketID)
		if err != nil {
			return err
		}
		fn(s)
		value, err := encode(s)
		if err != nil {
			return err
		}
		return txn.Set(ticketKey(ticketID), value)
	})
}
