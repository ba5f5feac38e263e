package gate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"ms-gatescan/internal/logger"
	"ms-gatescan/internal/models"
	"ms-gatescan/internal/payload"
	"ms-gatescan/internal/scanqueue"
	"ms-gatescan/internal/syncengine"
	"ms-gatescan/internal/validation"
)

// TicketSource feeds the local ticket cache.
type TicketSource interface {
	FetchTickets(ctx context.Context, eventID string) ([]models.TicketSnapshot, error)
}

// ScanResult is what the operator sees for one presentation. Exactly one of
// Authoritative and Provisional is set.
type ScanResult struct {
	ScanID        string                    `json:"scan_id"`
	Outcome       models.Outcome            `json:"outcome"`
	Message       string                    `json:"message"`
	TicketID      string                    `json:"ticket_id,omitempty"`
	Authoritative *validation.Authoritative `json:"authoritative,omitempty"`
	Provisional   *validation.Provisional   `json:"provisional,omitempty"`
	SyncStatus    models.SyncStatus         `json:"sync_status"`
}

type Device struct {
	ID          string
	queue       *scanqueue.Queue
	engine      *syncengine.Engine
	source      TicketSource
	codec       *payload.Codec
	grace       time.Duration
	scanTimeout time.Duration
	log         *logger.Logger
	now         func() time.Time
}

func NewDevice(id string, queue *scanqueue.Queue, engine *syncengine.Engine, source TicketSource, codec *payload.Codec, grace, scanTimeout time.Duration, log *logger.Logger) *Device {
	if codec == nil {
		codec = payload.NewCodec("")
	}
	return &Device{
		ID:          id,
		queue:       queue,
		engine:      engine,
		source:      source,
		codec:       codec,
		grace:       grace,
		scanTimeout: scanTimeout,
		log:         log,
		now:         time.Now,
	}
}

// Scan records a presentation and returns a verdict. The scan is durably
// queued before anything else happens. When the server answers within the
// scan timeout the verdict is authoritative; otherwise it is computed from
// the local cache and the entry stays queued for the sync engine.
func (d *Device) Scan(ctx context.Context, raw, operatorID string, meta models.ScanMetadata) (ScanResult, error) {
	attempt := models.ScanAttempt{
		ScanID:     uuid.NewString(),
		RawPayload: raw,
		DeviceID:   d.ID,
		OperatorID: operatorID,
		ScannedAt:  d.now().UTC(),
		Metadata:   meta,
	}
	if ref, err := d.codec.Open(raw); err == nil {
		attempt.TicketID = ref.TicketID
		attempt.OrderID = ref.OrderID
		attempt.EventID = ref.EventID
	}
	if attempt.TicketID != "" {
		if snap, err := d.queue.CachedTicket(attempt.TicketID); err == nil {
			if attempt.OrderID == "" {
				attempt.OrderID = snap.Ticket.OrderID
			}
			if attempt.EventID == "" {
				attempt.EventID = snap.Ticket.EventID
			}
		}
	}

	if _, err := d.queue.Enqueue(attempt); err != nil {
		return ScanResult{}, fmt.Errorf("enqueue scan: %w", err)
	}

	if d.engine.Online() {
		syncCtx, cancel := context.WithTimeout(ctx, d.scanTimeout)
		verdict, err := d.engine.SyncOne(syncCtx, attempt.ScanID)
		cancel()
		switch {
		case err == nil:
			return ScanResult{
				ScanID:        attempt.ScanID,
				Outcome:       verdict.Outcome,
				Message:       verdict.Message,
				TicketID:      verdict.TicketID,
				Authoritative: &verdict,
				SyncStatus:    models.SyncSynced,
			}, nil
		case errors.Is(err, validation.ErrPermanent):
			d.log.LogScan(attempt.ScanID, attempt.TicketID, fmt.Sprintf("Rejected by gate server: %v", err))
			return ScanResult{
				ScanID:     attempt.ScanID,
				Outcome:    models.OutcomeError,
				Message:    "scan rejected by gate server; see queue for details",
				TicketID:   attempt.TicketID,
				SyncStatus: models.SyncFailed,
			}, nil
		default:
			d.log.LogScan(attempt.ScanID, attempt.TicketID, fmt.Sprintf("Server unreachable, answering from local cache: %v", err))
		}
	}

	return d.provisional(attempt)
}

func (d *Device) provisional(attempt models.ScanAttempt) (ScanResult, error) {
	p := validation.Provisional{Decision: validation.Decision{
		Outcome: models.OutcomeInvalid,
		Message: "unreadable ticket code",
	}}
	if attempt.TicketID != "" {
		snapshot, err := d.queue.CachedTicket(attempt.TicketID)
		if err != nil && !errors.Is(err, models.ErrNotFound) {
			return ScanResult{}, err
		}
		p = validation.DecideProvisional(snapshot, attempt.ScannedAt, d.grace)
	}

	if err := d.queue.SetProvisional(attempt.ScanID, p.Outcome); err != nil {
		return ScanResult{}, err
	}
	if p.Valid() {
		if err := d.queue.MarkProvisionallyUsed(attempt.TicketID, attempt.ScanID, attempt.ScannedAt); err != nil {
			return ScanResult{}, err
		}
	}

	entry, err := d.queue.Get(attempt.ScanID)
	if err != nil {
		return ScanResult{}, err
	}
	d.log.LogScan(attempt.ScanID, attempt.TicketID, fmt.Sprintf("Provisional %s: %s", p.Outcome, p.Message))
	return ScanResult{
		ScanID:      attempt.ScanID,
		Outcome:     p.Outcome,
		Message:     p.Message,
		TicketID:    attempt.TicketID,
		Provisional: &p,
		SyncStatus:  entry.SyncStatus,
	}, nil
}

// RefreshCache reloads the ticket snapshots of eventIDs. Events that fail to
// load keep their previous snapshots.
func (d *Device) RefreshCache(ctx context.Context, eventIDs []string) error {
	var errs []error
	for _, eventID := range eventIDs {
		snapshots, err := d.source.FetchTickets(ctx, eventID)
		if err != nil {
			errs = append(errs, fmt.Errorf("fetch tickets for %s: %w", eventID, err))
			continue
		}
		if err := d.queue.PutTickets(snapshots); err != nil {
			errs = append(errs, err)
			continue
		}
		d.log.Info("CACHE", fmt.Sprintf("Cached %d tickets for event %s", len(snapshots), eventID))
	}
	return errors.Join(errs...)
}

// RunCacheRefresh refreshes the cache every interval until ctx is done.
func (d *Device) RunCacheRefresh(ctx context.Context, eventIDs []string, interval time.Duration) error {
	if len(eventIDs) == 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := d.RefreshCache(ctx, eventIDs); err != nil && ctx.Err() == nil {
			d.log.Warn("CACHE", fmt.Sprintf("Ticket cache refresh incomplete: %v", err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
