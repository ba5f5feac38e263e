package validation

import (
	"fmt"
	"time"

	"ms-gatescan/internal/models"
)

const DefaultExpiryGrace = 2 * time.Hour

// Decision is the outcome of checking one ticket at one instant. Rejections
// are ordinary outcomes, not errors.
type Decision struct {
	Outcome  models.Outcome `json:"outcome"`
	Message  string         `json:"message"`
	TicketID string         `json:"ticket_id,omitempty"`
	OrderID  string         `json:"order_id,omitempty"`
	EventID  string         `json:"event_id,omitempty"`
	// Admit is set when the ticket is currently valid and the caller should
	// attempt the valid -> used transition.
	Admit  bool       `json:"admit"`
	UsedAt *time.Time `json:"used_at,omitempty"`
}

func (d Decision) Valid() bool {
	return d.Outcome == models.OutcomeValid
}

// Provisional is a verdict computed on a device from possibly stale local
// data. It is shown to the operator but never committed.
type Provisional struct {
	Decision
}

// Authoritative is a verdict produced against the central store, after the
// valid -> used transition (if any) was committed.
type Authoritative struct {
	Decision
	ScanID      string    `json:"scan_id"`
	CommittedAt time.Time `json:"committed_at"`
	// Replayed is true when the scan ID had already been committed and the
	// stored verdict was returned again.
	Replayed bool `json:"replayed,omitempty"`
}

// Decide applies the admission rules in order: unknown, cancelled, event
// over, already used, otherwise-unusable, valid. A nil event skips the expiry
// check. It performs no I/O and never mutates ticket.
func Decide(ticket *models.Ticket, event *models.Event, at time.Time, grace time.Duration) Decision {
	if ticket == nil {
		return Decision{Outcome: models.OutcomeInvalid, Message: "ticket not found"}
	}

	d := Decision{
		TicketID: ticket.TicketID,
		OrderID:  ticket.OrderID,
		EventID:  ticket.EventID,
		UsedAt:   ticket.UsedAt,
	}

	switch {
	case ticket.Status == models.TicketCancelled:
		d.Outcome = models.OutcomeCancelled
		d.Message = "ticket has been cancelled"
	case event != nil && !event.EndsAt.IsZero() && event.EndsAt.Add(grace).Before(at):
		d.Outcome = models.OutcomeExpired
		d.Message = fmt.Sprintf("event ended at %s", event.EndsAt.UTC().Format(time.RFC3339))
	case ticket.Status == models.TicketUsed:
		d.Outcome = models.OutcomeUsed
		d.Message = "ticket already used"
		if ticket.UsedAt != nil {
			d.Message = fmt.Sprintf("ticket already used at %s", ticket.UsedAt.UTC().Format(time.RFC3339))
		}
	case ticket.Status == models.TicketExpired:
		d.Outcome = models.OutcomeExpired
		d.Message = "ticket has expired"
	case ticket.Status == models.TicketValid:
		d.Outcome = models.OutcomeValid
		d.Message = "admit"
		d.Admit = true
	default:
		d.Outcome = models.OutcomeInvalid
		d.Message = fmt.Sprintf("ticket status %q does not admit", ticket.Status)
	}
	return d
}

// DecideProvisional runs Decide against a device's cached snapshot. A ticket
// this device already admitted locally answers used. A nil snapshot yields an
// error outcome: the device cannot know, and the scan stays queued.
func DecideProvisional(snapshot *models.TicketSnapshot, at time.Time, grace time.Duration) Provisional {
	if snapshot == nil {
		return Provisional{Decision{
			Outcome: models.OutcomeError,
			Message: "ticket not in local cache; verdict pending sync",
		}}
	}

	ticket := snapshot.Ticket
	if snapshot.LocalScanID != "" && ticket.Status == models.TicketValid {
		ticket.Status = models.TicketUsed
		ticket.UsedAt = snapshot.LocalUsedAt
	}
	event := &models.Event{EventID: ticket.EventID, EndsAt: snapshot.EventEndsAt}
	return Provisional{Decide(&ticket, event, at, grace)}
}
