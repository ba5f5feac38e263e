package models

import (
	"time"

	"github.com/uptrace/bun"
)

type TicketStatus string

const (
	TicketValid     TicketStatus = "valid"
	TicketUsed      TicketStatus = "used"
	TicketExpired   TicketStatus = "expired"
	TicketCancelled TicketStatus = "cancelled"
	TicketInvalid   TicketStatus = "invalid"
)

// Ticket is the authoritative admission right for one attendee/order line.
// Once Status is TicketUsed it never goes back to TicketValid.
type Ticket struct {
	bun.BaseModel `bun:"table:tickets"`

	TicketID     string       `bun:"ticket_id,pk" json:"ticket_id"`
	OrderID      string       `bun:"order_id,notnull" json:"order_id"`
	EventID      string       `bun:"event_id,notnull" json:"event_id"`
	TicketType   string       `bun:"ticket_type" json:"ticket_type"`
	AttendeeName string       `bun:"attendee_name" json:"attendee_name"`
	Status       TicketStatus `bun:"status,notnull" json:"status"`
	UsedAt       *time.Time   `bun:"used_at,nullzero" json:"used_at,omitempty"`
	UsedByScanID *string      `bun:"used_by_scan_id,nullzero" json:"used_by_scan_id,omitempty"`
	IssuedAt     time.Time    `bun:"issued_at,nullzero" json:"issued_at"`
}

// TicketSnapshot is the device-local "last known" copy of a ticket. It is only
// ever used for provisional verdicts.
type TicketSnapshot struct {
	Ticket      Ticket     `json:"ticket"`
	EventEndsAt time.Time  `json:"event_ends_at"`
	FetchedAt   time.Time  `json:"fetched_at"`
	LocalScanID string     `json:"local_scan_id,omitempty"`
	LocalUsedAt *time.Time `json:"local_used_at,omitempty"`
}
