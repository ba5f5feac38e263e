// Package occupancy compares door-counter totals with scan-derived counts
// and runs the discrepancy workflow.
package occupancy

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"ms-gatescan/internal/logger"
	"ms-gatescan/internal/metrics"
	"ms-gatescan/internal/models"
	"ms-gatescan/internal/notify"
)

const DefaultThreshold = 5

type Store interface {
	AppendDoorCounterReading(ctx context.Context, reading *models.DoorCounterReading) error
	GetPhysicalCount(ctx context.Context, eventID string, window models.TimeWindow) (int, error)
	GetDigitalCount(ctx context.Context, eventID string, window models.TimeWindow) (int, error)
	UpsertDiscrepancy(ctx context.Context, row *models.CountDiscrepancy) error
	GetDiscrepancy(ctx context.Context, id string) (*models.CountDiscrepancy, error)
	ListDiscrepancies(ctx context.Context, eventID string, statuses ...models.DiscrepancyStatus) ([]models.CountDiscrepancy, error)
	TransitionDiscrepancy(ctx context.Context, id string, from []models.DiscrepancyStatus, set map[string]interface{}) (bool, error)
}

// View is the occupancy of an event as both counters see it. Unified is
// the digital count; Physical and Delta are always reported alongside.
type View struct {
	EventID   string            `json:"event_id"`
	Window    models.TimeWindow `json:"window"`
	Physical  int               `json:"physical"`
	Digital   int               `json:"digital"`
	Delta     int               `json:"delta"`
	Unified   int               `json:"unified"`
	CheckedAt time.Time         `json:"checked_at"`
}

// Check is the result of one discrepancy check. DiscrepancyID is empty when
// the delta stayed under the threshold.
type Check struct {
	View
	Threshold     int    `json:"threshold"`
	DiscrepancyID string `json:"discrepancy_id,omitempty"`
}

type Reconciler struct {
	store     Store
	publisher notify.Publisher
	metrics   *metrics.Metrics
	log       *logger.Logger
	threshold int
	now       func() time.Time
}

func NewReconciler(store Store, publisher notify.Publisher, m *metrics.Metrics, log *logger.Logger, threshold int) *Reconciler {
	if publisher == nil {
		publisher = notify.Discard{}
	}
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Reconciler{
		store:     store,
		publisher: publisher,
		metrics:   m,
		log:       log,
		threshold: threshold,
		now:       time.Now,
	}
}

func (r *Reconciler) Threshold() int { return r.threshold }

// RecordReading stores one door-counter report. Entries and exits are
// deltas and must not be negative.
func (r *Reconciler) RecordReading(ctx context.Context, reading *models.DoorCounterReading) error {
	switch {
	case reading.EventID == "":
		return fmt.Errorf("%w: event_id is required", models.ErrInvalidInput)
	case reading.DeviceID == "":
		return fmt.Errorf("%w: device_id is required", models.ErrInvalidInput)
	case reading.Entries < 0 || reading.Exits < 0:
		return fmt.Errorf("%w: entries and exits must not be negative", models.ErrInvalidInput)
	}
	if reading.RecordedAt.IsZero() {
		reading.RecordedAt = r.now()
	}
	return r.store.AppendDoorCounterReading(ctx, reading)
}

func (r *Reconciler) View(ctx context.Context, eventID string, window models.TimeWindow) (View, error) {
	physical, err := r.store.GetPhysicalCount(ctx, eventID, window)
	if err != nil {
		return View{}, err
	}
	digital, err := r.store.GetDigitalCount(ctx, eventID, window)
	if err != nil {
		return View{}, err
	}
	return View{
		EventID:   eventID,
		Window:    window,
		Physical:  physical,
		Digital:   digital,
		Delta:     physical - digital,
		Unified:   digital,
		CheckedAt: r.now().UTC(),
	}, nil
}

// DetectDiscrepancy compares the counters over the whole event and persists
// a new pending discrepancy when |physical - digital| reaches threshold. Every
// such check adds a row; earlier rows are never rewritten. A threshold <= 0
// uses the reconciler's default.
func (r *Reconciler) DetectDiscrepancy(ctx context.Context, eventID string, threshold int) (Check, error) {
	if threshold <= 0 {
		threshold = r.threshold
	}
	view, err := r.View(ctx, eventID, models.TimeWindow{})
	if err != nil {
		return Check{}, err
	}
	check := Check{View: view, Threshold: threshold}
	if r.metrics != nil {
		r.metrics.OccupancyDelta.WithLabelValues(eventID).Set(float64(view.Delta))
	}
	if abs(view.Delta) < threshold {
		return check, nil
	}

	row := &models.CountDiscrepancy{
		ID:            uuid.NewString(),
		EventID:       eventID,
		CheckTime:     view.CheckedAt,
		PhysicalCount: view.Physical,
		DigitalCount:  view.Digital,
		Discrepancy:   view.Delta,
		Threshold:     threshold,
		Status:        models.DiscrepancyPending,
	}
	if err := r.store.UpsertDiscrepancy(ctx, row); err != nil {
		return Check{}, err
	}
	check.DiscrepancyID = row.ID

	r.log.LogDiscrepancy(eventID, fmt.Sprintf("physical %d, digital %d, delta %s (threshold %d)", view.Physical, view.Digital, signed(view.Delta), threshold))
	if r.metrics != nil {
		r.metrics.DiscrepanciesRaised.WithLabelValues(eventID).Inc()
	}
	if err := r.publisher.Publish(ctx, notify.TopicDiscrepancyCreated, row.ID, row); err != nil {
		r.log.Warn("OCCUPANCY", fmt.Sprintf("Failed to publish discrepancy %s: %v", row.ID, err))
	}
	return check, nil
}

func (r *Reconciler) Get(ctx context.Context, id string) (*models.CountDiscrepancy, error) {
	return r.store.GetDiscrepancy(ctx, id)
}

// List returns the discrepancies of an event; no statuses means pending and
// investigating.
func (r *Reconciler) List(ctx context.Context, eventID string, statuses ...models.DiscrepancyStatus) ([]models.CountDiscrepancy, error) {
	if len(statuses) == 0 {
		statuses = []models.DiscrepancyStatus{models.DiscrepancyPending, models.DiscrepancyInvestigating}
	}
	return r.store.ListDiscrepancies(ctx, eventID, statuses...)
}

// Investigate moves a pending discrepancy to investigating.
func (r *Reconciler) Investigate(ctx context.Context, id, actor string) (*models.CountDiscrepancy, error) {
	changed, err := r.store.TransitionDiscrepancy(ctx, id,
		[]models.DiscrepancyStatus{models.DiscrepancyPending},
		map[string]interface{}{"status": models.DiscrepancyInvestigating},
	)
	if err != nil {
		return nil, err
	}
	row, err := r.unchanged(ctx, id, changed)
	if err != nil {
		return row, err
	}
	r.log.LogDiscrepancy(row.EventID, fmt.Sprintf("Discrepancy %s under investigation by %s", id, actor))
	return row, nil
}

// ResolveDiscrepancy closes an open discrepancy as resolved or ignored.
// Closing one that is already closed is a conflict and changes nothing.
func (r *Reconciler) ResolveDiscrepancy(ctx context.Context, id string, status models.DiscrepancyStatus, notes, actor string) (*models.CountDiscrepancy, error) {
	if status != models.DiscrepancyResolved && status != models.DiscrepancyIgnored {
		return nil, fmt.Errorf("%w: %q", models.ErrInvalidStatus, status)
	}
	notes = strings.TrimSpace(notes)
	if notes == "" {
		return nil, models.ErrNotesRequired
	}

	changed, err := r.store.TransitionDiscrepancy(ctx, id,
		[]models.DiscrepancyStatus{models.DiscrepancyPending, models.DiscrepancyInvestigating},
		map[string]interface{}{
			"status":      status,
			"notes":       notes,
			"resolved_by": actor,
			"resolved_at": r.now().UTC(),
		},
	)
	if err != nil {
		return nil, err
	}
	row, err := r.unchanged(ctx, id, changed)
	if err != nil {
		return row, err
	}
	r.log.LogDiscrepancy(row.EventID, fmt.Sprintf("Discrepancy %s %s by %s", id, status, actor))
	return row, nil
}

// unchanged reloads the row and turns a no-op transition into ErrConflict
// or ErrNotFound.
func (r *Reconciler) unchanged(ctx context.Context, id string, changed bool) (*models.CountDiscrepancy, error) {
	row, err := r.store.GetDiscrepancy(ctx, id)
	if err != nil {
		return nil, err
	}
	if !changed {
		return row, fmt.Errorf("discrepancy %s is %s: %w", id, row.Status, models.ErrConflict)
	}
	return row, nil
}

// Monitor checks every event on each tick until ctx is done.
func (r *Reconciler) Monitor(ctx context.Context, eventIDs []string, interval time.Duration) error {
	if len(eventIDs) == 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.log.Info("OCCUPANCY", fmt.Sprintf("Monitoring %d events every %s", len(eventIDs), interval))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, eventID := range eventIDs {
				if _, err := r.DetectDiscrepancy(ctx, eventID, 0); err != nil && ctx.Err() == nil {
					r.log.Error("OCCUPANCY", fmt.Sprintf("Discrepancy check for %s failed: %v", eventID, err))
				}
			}
		}
	}
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

func signed(n int) string {
	if n > 0 {
		return "+" + strconv.Itoa(n)
	}
	return strconv.Itoa(n)
}
