package models

import (
	"time"

	"github.com/uptrace/bun"
)

type Event struct {
	bun.BaseModel `bun:"table:events"`

	EventID   string    `bun:"event_id,pk" json:"event_id"`
	Name      string    `bun:"name,notnull" json:"name"`
	StartsAt  time.Time `bun:"starts_at,notnull" json:"starts_at"`
	EndsAt    time.Time `bun:"ends_at,notnull" json:"ends_at"`
	VenueLat  float64   `bun:"venue_lat" json:"venue_lat"`
	VenueLng  float64   `bun:"venue_lng" json:"venue_lng"`
	Capacity  int       `bun:"capacity" json:"capacity"`
	CreatedAt time.Time `bun:"created_at,nullzero,default:current_timestamp" json:"created_at"`
}
