package models

import (
	"time"

	"github.com/uptrace/bun"
)

type Outcome string

const (
	OutcomeValid     Outcome = "valid"
	OutcomeUsed      Outcome = "used"
	OutcomeExpired   Outcome = "expired"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeInvalid   Outcome = "invalid"
	OutcomeError     Outcome = "error"
)

// ScanMetadata carries what the device knows about where and how a scan happened.
type ScanMetadata struct {
	Latitude          *float64 `json:"latitude,omitempty"`
	Longitude         *float64 `json:"longitude,omitempty"`
	IPAddress         string   `json:"ip_address,omitempty"`
	DeviceFingerprint string   `json:"device_fingerprint,omitempty"`
	UserAgent         string   `json:"user_agent,omitempty"`
}

// ScanAttempt is one presentation of a ticket at a gate. ScanID is generated
// on the device and is globally unique. Once committed to scan_logs it is
// immutable.
type ScanAttempt struct {
	bun.BaseModel `bun:"table:scan_logs" json:"-"`

	ScanID      string       `bun:"scan_id,pk" json:"scan_id"`
	RawPayload  string       `bun:"raw_payload" json:"raw_payload"`
	TicketID    string       `bun:"ticket_id" json:"ticket_id,omitempty"`
	OrderID     string       `bun:"order_id" json:"order_id,omitempty"`
	EventID     string       `bun:"event_id" json:"event_id,omitempty"`
	DeviceID    string       `bun:"device_id,notnull" json:"device_id"`
	OperatorID  string       `bun:"operator_id" json:"operator_id"`
	ScannedAt   time.Time    `bun:"scanned_at,notnull" json:"scanned_at"`
	Metadata    ScanMetadata `bun:"metadata,type:jsonb" json:"metadata"`
	Outcome     Outcome      `bun:"outcome" json:"outcome,omitempty"`
	Message     string       `bun:"message" json:"message,omitempty"`
	CommittedAt *time.Time   `bun:"committed_at,nullzero" json:"committed_at,omitempty"`

	// ProvisionalOutcome is what the device told the operator before the
	// authoritative result was known. Empty for online scans.
	ProvisionalOutcome Outcome `bun:"provisional_outcome" json:"provisional_outcome,omitempty"`
}
