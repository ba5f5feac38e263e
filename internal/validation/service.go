package validation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ms-gatescan/internal/logger"
	"ms-gatescan/internal/models"
	"ms-gatescan/internal/payload"
)

var (
	// ErrTransient marks failures worth retrying: store or network trouble.
	ErrTransient = errors.New("transient failure")
	// ErrPermanent marks requests that will never succeed as sent.
	ErrPermanent = errors.New("permanent failure")
)

func transient(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrTransient, op, err)
}

// Store is the slice of the authoritative store the validator needs.
type Store interface {
	GetTicket(ctx context.Context, id string) (*models.Ticket, error)
	GetEvent(ctx context.Context, id string) (*models.Event, error)
	GetScanLog(ctx context.Context, scanID string) (*models.ScanAttempt, error)
	CompareAndSwapTicketUsed(ctx context.Context, id string, expected models.TicketStatus, scanID string, at time.Time) (bool, error)
	AppendScanLog(ctx context.Context, attempt *models.ScanAttempt) (bool, error)
}

// CommitObserver is told about every newly committed scan. Observers run after
// the verdict is fixed and cannot change it.
type CommitObserver interface {
	ScanCommitted(ctx context.Context, attempt models.ScanAttempt, verdict Authoritative)
}

type Service struct {
	Store        Store
	Codec        *payload.Codec
	Logger       *logger.Logger
	Grace        time.Duration
	StoreTimeout time.Duration
	Observers    []CommitObserver

	now func() time.Time
}

func NewService(store Store, codec *payload.Codec, log *logger.Logger, grace, storeTimeout time.Duration) *Service {
	if codec == nil {
		codec = payload.NewCodec("")
	}
	return &Service{
		Store:        store,
		Codec:        codec,
		Logger:       log,
		Grace:        grace,
		StoreTimeout: storeTimeout,
		now:          time.Now,
	}
}

func (s *Service) Observe(o CommitObserver) {
	s.Observers = append(s.Observers, o)
}

// Validate is the authoritative check for one scan attempt. It is idempotent
// on attempt.ScanID: re-submitting a committed scan returns the stored
// verdict. Only one scan ever receives valid for a given ticket.
func (s *Service) Validate(ctx context.Context, attempt models.ScanAttempt) (Authoritative, error) {
	if attempt.ScanID == "" {
		return Authoritative{}, fmt.Errorf("%w: scan id is required", ErrPermanent)
	}
	if attempt.ScannedAt.IsZero() {
		attempt.ScannedAt = s.now()
	}
	if s.StoreTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.StoreTimeout)
		defer cancel()
	}

	logged, err := s.Store.GetScanLog(ctx, attempt.ScanID)
	switch {
	case err == nil:
		return replayed(logged), nil
	case !errors.Is(err, models.ErrNotFound):
		return Authoritative{}, transient("load scan log", err)
	}

	decision, err := s.decide(ctx, attempt)
	if err != nil {
		return Authoritative{}, err
	}

	attempt.TicketID = decision.TicketID
	attempt.OrderID = decision.OrderID
	if decision.EventID != "" {
		attempt.EventID = decision.EventID
	}
	attempt.Outcome = decision.Outcome
	attempt.Message = decision.Message
	committedAt := s.now().UTC()
	attempt.CommittedAt = &committedAt

	inserted, err := s.Store.AppendScanLog(ctx, &attempt)
	if err != nil {
		return Authoritative{}, transient("append scan log", err)
	}
	if !inserted {
		// Another request committed the same scan ID in between.
		logged, err := s.Store.GetScanLog(ctx, attempt.ScanID)
		if err != nil {
			return Authoritative{}, transient("load scan log", err)
		}
		return replayed(logged), nil
	}

	verdict := Authoritative{Decision: decision, ScanID: attempt.ScanID, CommittedAt: committedAt}
	s.Logger.LogScan(attempt.ScanID, attempt.TicketID, fmt.Sprintf("%s: %s (device %s)", decision.Outcome, decision.Message, attempt.DeviceID))
	for _, o := range s.Observers {
		o.ScanCommitted(ctx, attempt, verdict)
	}
	return verdict, nil
}

// decide resolves the ticket, applies Decide and, for admits, commits the
// valid -> used transition.
func (s *Service) decide(ctx context.Context, attempt models.ScanAttempt) (Decision, error) {
	ref, err := s.resolve(attempt)
	if err != nil {
		return Decision{Outcome: models.OutcomeInvalid, Message: "malformed ticket payload"}, nil
	}

	ticket, err := s.Store.GetTicket(ctx, ref.TicketID)
	if errors.Is(err, models.ErrNotFound) {
		return Decide(nil, nil, attempt.ScannedAt, s.Grace), nil
	}
	if err != nil {
		return Decision{}, transient("load ticket", err)
	}
	if ref.EventID != "" && ref.EventID != ticket.EventID {
		return Decision{
			Outcome:  models.OutcomeInvalid,
			Message:  "ticket was issued for a different event",
			TicketID: ticket.TicketID,
			OrderID:  ticket.OrderID,
			EventID:  ticket.EventID,
		}, nil
	}

	event, err := s.Store.GetEvent(ctx, ticket.EventID)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return Decision{}, transient("load event", err)
	}
	if errors.Is(err, models.ErrNotFound) {
		event = nil
	}

	// Crash between the swap and the scan log: the ticket already records
	// this scan as its admitting scan.
	if ticket.UsedByScanID != nil && *ticket.UsedByScanID == attempt.ScanID {
		return admitted(ticket), nil
	}

	decision := Decide(ticket, event, attempt.ScannedAt, s.Grace)
	if !decision.Admit {
		return decision, nil
	}

	swapped, err := s.Store.CompareAndSwapTicketUsed(ctx, ticket.TicketID, models.TicketValid, attempt.ScanID, attempt.ScannedAt)
	if err != nil {
		return Decision{}, transient("commit admission", err)
	}
	if swapped {
		usedAt := attempt.ScannedAt.UTC()
		decision.UsedAt = &usedAt
		return decision, nil
	}

	// Lost the race. Re-read and decide on the current row.
	current, err := s.Store.GetTicket(ctx, ticket.TicketID)
	if err != nil {
		return Decision{}, transient("reload ticket", err)
	}
	if current.UsedByScanID != nil && *current.UsedByScanID == attempt.ScanID {
		return admitted(current), nil
	}
	decision = Decide(current, event, attempt.ScannedAt, s.Grace)
	if decision.Admit {
		// The row left valid and came back; never admit without a swap.
		return Decision{}, transient("commit admission", errors.New("ticket changed concurrently"))
	}
	return decision, nil
}

func (s *Service) resolve(attempt models.ScanAttempt) (payload.TicketRef, error) {
	if attempt.RawPayload == "" && attempt.TicketID != "" {
		return payload.TicketRef{TicketID: attempt.TicketID, OrderID: attempt.OrderID, EventID: attempt.EventID}, nil
	}
	return s.Codec.Open(attempt.RawPayload)
}

func admitted(ticket *models.Ticket) Decision {
	return Decision{
		Outcome:  models.OutcomeValid,
		Message:  "admit",
		TicketID: ticket.TicketID,
		OrderID:  ticket.OrderID,
		EventID:  ticket.EventID,
		UsedAt:   ticket.UsedAt,
	}
}

func replayed(logged *models.ScanAttempt) Authoritative {
	a := Authoritative{
		Decision: Decision{
			Outcome:  logged.Outcome,
			Message:  logged.Message,
			TicketID: logged.TicketID,
			OrderID:  logged.OrderID,
			EventID:  logged.EventID,
		},
		ScanID:   logged.ScanID,
		Replayed: true,
	}
	if logged.CommittedAt != nil {
		a.CommittedAt = *logged.CommittedAt
	}
	return a
}
