package models

import (
	"time"

	"github.com/uptrace/bun"
)

// DoorCounterReading is one report from a hardware door counter. Entries and
// Exits are deltas since the device's previous reading.
type DoorCounterReading struct {
	bun.BaseModel `bun:"table:door_counter_readings"`

	ID         int64     `bun:"id,pk,autoincrement" json:"id"`
	EventID    string    `bun:"event_id,notnull" json:"event_id"`
	DeviceID   string    `bun:"device_id,notnull" json:"device_id"`
	RecordedAt time.Time `bun:"recorded_at,notnull" json:"recorded_at"`
	Entries    int       `bun:"entries,notnull" json:"entries"`
	Exits      int       `bun:"exits,notnull" json:"exits"`
}

type DiscrepancyStatus string

const (
	DiscrepancyPending       DiscrepancyStatus = "pending"
	DiscrepancyInvestigating DiscrepancyStatus = "investigating"
	DiscrepancyResolved      DiscrepancyStatus = "resolved"
	DiscrepancyIgnored       DiscrepancyStatus = "ignored"
)

// CountDiscrepancy is an immutable snapshot of one check where the physical
// and digital counts disagreed by at least the threshold.
//
// Discrepancy = PhysicalCount - DigitalCount. Positive means more people
// walked through the doors than tickets were scanned (walk-ins, scanner
// under-capture); negative means more scans than bodies (duplicate or
// spoofed digital scans).
type CountDiscrepancy struct {
	bun.BaseModel `bun:"table:count_discrepancies"`

	ID            string            `bun:"id,pk" json:"id"`
	EventID       string            `bun:"event_id,notnull" json:"event_id"`
	CheckTime     time.Time         `bun:"check_time,notnull" json:"check_time"`
	PhysicalCount int               `bun:"physical_count,notnull" json:"physical_count"`
	DigitalCount  int               `bun:"digital_count,notnull" json:"digital_count"`
	Discrepancy   int               `bun:"discrepancy,notnull" json:"discrepancy"`
	Threshold     int               `bun:"threshold,notnull" json:"threshold"`
	Status        DiscrepancyStatus `bun:"status,notnull" json:"status"`
	ResolvedBy    string            `bun:"resolved_by" json:"resolved_by,omitempty"`
	ResolvedAt    *time.Time        `bun:"resolved_at,nullzero" json:"resolved_at,omitempty"`
	Notes         string            `bun:"notes" json:"notes,omitempty"`
}

// Final reports whether the discrepancy has left the workflow.
func (c CountDiscrepancy) Final() bool {
	return c.Status == DiscrepancyResolved || c.Status == DiscrepancyIgnored
}

// TimeWindow bounds occupancy queries. A zero From or To is open-ended.
type TimeWindow struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}
