package models

import (
	"time"

	"github.com/uptrace/bun"
)

type Order struct {
	bun.BaseModel `bun:"table:orders"`

	OrderID   string    `bun:"order_id,pk" json:"order_id"`
	EventID   string    `bun:"event_id,notnull" json:"event_id"`
	UserID    string    `bun:"user_id" json:"user_id"`
	Status    string    `bun:"status" json:"status"`
	PartySize *int      `bun:"party_size,nullzero" json:"party_size,omitempty"`
	CreatedAt time.Time `bun:"created_at,nullzero,default:current_timestamp" json:"created_at"`
}
