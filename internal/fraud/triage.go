package fraud

import (
	"context"
	"fmt"
	"strings"
	"time"

	"ms-gatescan/internal/logger"
	"ms-gatescan/internal/models"
)

// Triage records the human verdict on a fraud log. A log is triaged once:
// confirming or whitelisting an already triaged log is a conflict.
type Triage struct {
	store Store
	log   *logger.Logger
	now   func() time.Time
}

func NewTriage(store Store, log *logger.Logger) *Triage {
	return &Triage{store: store, log: log, now: time.Now}
}

func (t *Triage) ConfirmFraud(ctx context.Context, id, actor, notes string) (*models.FraudLog, error) {
	return t.triage(ctx, id, true, actor, notes)
}

// Whitelist marks the log a false positive.
func (t *Triage) Whitelist(ctx context.Context, id, actor, notes string) (*models.FraudLog, error) {
	return t.triage(ctx, id, false, actor, notes)
}

func (t *Triage) ListOpen(ctx context.Context, eventID string) ([]models.FraudLog, error) {
	return t.store.ListOpenFraudLogs(ctx, eventID)
}

func (t *Triage) Get(ctx context.Context, id string) (*models.FraudLog, error) {
	return t.store.GetFraudLog(ctx, id)
}

func (t *Triage) triage(ctx context.Context, id string, confirmed bool, actor, notes string) (*models.FraudLog, error) {
	notes = strings.TrimSpace(notes)
	if notes == "" {
		return nil, models.ErrNotesRequired
	}

	changed, err := t.store.TriageFraudLog(ctx, id, confirmed, actor, notes, t.now())
	if err != nil {
		return nil, err
	}
	row, err := t.store.GetFraudLog(ctx, id)
	if err != nil {
		return nil, err
	}
	if !changed {
		return row, fmt.Errorf("fraud log %s already triaged: %w", id, models.ErrConflict)
	}

	action := "whitelisted"
	if confirmed {
		action = "confirmed as fraud"
	}
	t.log.LogFraud(row.ScanID, fmt.Sprintf("Log %s %s by %s", id, action, actor))
	return row, nil
}
