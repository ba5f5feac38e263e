package models

import (
	"time"

	"github.com/uptrace/bun"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

const MaxRiskScore = 100

// SeverityForScore bands a risk score for display.
func SeverityForScore(score int) Severity {
	switch {
	case score >= 90:
		return SeverityCritical
	case score >= 80:
		return SeverityHigh
	case score >= 50:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

type FraudIndicator struct {
	Type        string   `json:"type"`
	Severity    Severity `json:"severity"`
	Description string   `json:"description"`
	Score       int      `json:"score"`
}

// FraudLog is the risk assessment attached to one flagged scan. RiskScore is
// fixed at creation; only triage fields change afterwards.
type FraudLog struct {
	bun.BaseModel `bun:"table:fraud_logs"`

	ID                 string           `bun:"id,pk" json:"id"`
	ScanID             string           `bun:"scan_id,notnull,unique" json:"scan_id"`
	TicketID           string           `bun:"ticket_id" json:"ticket_id"`
	EventID            string           `bun:"event_id" json:"event_id"`
	DeviceID           string           `bun:"device_id" json:"device_id"`
	RiskScore          int              `bun:"risk_score,notnull" json:"risk_score"`
	Severity           Severity         `bun:"severity" json:"severity"`
	Indicators         []FraudIndicator `bun:"indicators,type:jsonb" json:"indicators"`
	IsConfirmedFraud   bool             `bun:"is_confirmed_fraud,notnull,default:false" json:"is_confirmed_fraud"`
	IsWhitelisted      bool             `bun:"is_whitelisted,notnull,default:false" json:"is_whitelisted"`
	InvestigationNotes string           `bun:"investigation_notes" json:"investigation_notes,omitempty"`
	TriagedBy          string           `bun:"triaged_by" json:"triaged_by,omitempty"`
	TriagedAt          *time.Time       `bun:"triaged_at,nullzero" json:"triaged_at,omitempty"`
	CreatedAt          time.Time        `bun:"created_at,notnull" json:"created_at"`
}

// Open reports whether the log still awaits triage.
func (f FraudLog) Open() bool {
	return !f.IsConfirmedFraud && !f.IsWhitelisted
}
