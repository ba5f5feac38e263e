package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"ms-gatescan/internal/models"
)

// DB is the authoritative gate store. Every method is safe for concurrent use
// by many devices; the only cross-device coordination point is
// CompareAndSwapTicketUsed.
type DB struct {
	Bun *bun.DB
}

func New(bunDB *bun.DB) *DB {
	return &DB{Bun: bunDB}
}

// CreateSchema creates all tables if they are missing. Production schemas are
// owned by the SQL migrations; this is used for tests and local development.
func (d *DB) CreateSchema(ctx context.Context) error {
	tables := []interface{}{
		(*models.Event)(nil),
		(*models.Order)(nil),
		(*models.Ticket)(nil),
		(*models.ScanAttempt)(nil),
		(*models.DoorCounterReading)(nil),
		(*models.CountDiscrepancy)(nil),
		(*models.FraudLog)(nil),
	}
	for _, model := range tables {
		if _, err := d.Bun.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("create table %T: %w", model, err)
		}
	}
	return nil
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return models.ErrNotFound
	}
	return err
}

func (d *DB) GetTicket(ctx context.Context, id string) (*models.Ticket, error) {
	var ticket models.Ticket
	err := d.Bun.NewSelect().
		Model(&ticket).
		Where("ticket_id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, notFound(err)
	}
	return &ticket, nil
}

func (d *DB) CreateTicket(ctx context.Context, ticket *models.Ticket) error {
	_, err := d.Bun.NewInsert().Model(ticket).Exec(ctx)
	return err
}

// ListTicketsByEvent feeds the device-side ticket cache preload.
func (d *DB) ListTicketsByEvent(ctx context.Context, eventID string) ([]models.Ticket, error) {
	var tickets []models.Ticket
	err := d.Bun.NewSelect().
		Model(&tickets).
		Where("event_id = ?", eventID).
		OrderExpr("ticket_id ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return tickets, nil
}

func (d *DB) GetEvent(ctx context.Context, id string) (*models.Event, error) {
	var event models.Event
	err := d.Bun.NewSelect().
		Model(&event).
		Where("event_id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, notFound(err)
	}
	return &event, nil
}

func (d *DB) CreateEvent(ctx context.Context, event *models.Event) error {
	_, err := d.Bun.NewInsert().Model(event).Exec(ctx)
	return err
}

func (d *DB) CreateOrder(ctx context.Context, order *models.Order) error {
	_, err := d.Bun.NewInsert().Model(order).Exec(ctx)
	return err
}

// CompareAndSwapTicketUsed moves a ticket from expected to used in a single
// conditional UPDATE. It reports whether this call performed the transition;
// false means the row was not in the expected status (or does not exist).
func (d *DB) CompareAndSwapTicketUsed(ctx context.Context, id string, expected models.TicketStatus, scanID string, at time.Time) (bool, error) {
	res, err := d.Bun.NewUpdate().
		Model((*models.Ticket)(nil)).
		Set("status = ?", models.TicketUsed).
		Set("used_at = ?", at.UTC()).
		Set("used_by_scan_id = ?", scanID).
		Where("ticket_id = ?", id).
		Where("status = ?", expected).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("compare and swap ticket %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// AppendScanLog records a committed scan. A scan ID that was already logged
// is left untouched; the returned bool reports whether a row was written.
func (d *DB) AppendScanLog(ctx context.Context, attempt *models.ScanAttempt) (bool, error) {
	res, err := d.Bun.NewInsert().
		Model(attempt).
		On("CONFLICT (scan_id) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("append scan log %s: %w", attempt.ScanID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (d *DB) GetScanLog(ctx context.Context, scanID string) (*models.ScanAttempt, error) {
	var attempt models.ScanAttempt
	err := d.Bun.NewSelect().
		Model(&attempt).
		Where("scan_id = ?", scanID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, notFound(err)
	}
	return &attempt, nil
}

// ListScanLogsByTicket returns committed scans for a ticket, newest first.
func (d *DB) ListScanLogsByTicket(ctx context.Context, ticketID string, limit int) ([]models.ScanAttempt, error) {
	var attempts []models.ScanAttempt
	q := d.Bun.NewSelect().
		Model(&attempts).
		Where("ticket_id = ?", ticketID).
		OrderExpr("scanned_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	return attempts, nil
}

// GetOrderPartySize returns the declared party size of an order. A nil size
// with a nil error means the order exists but carries no party metadata.
func (d *DB) GetOrderPartySize(ctx context.Context, orderID string) (*int, error) {
	var order models.Order
	err := d.Bun.NewSelect().
		Model(&order).
		Column("order_id", "party_size").
		Where("order_id = ?", orderID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, notFound(err)
	}
	return order.PartySize, nil
}

func (d *DB) AppendDoorCounterReading(ctx context.Context, reading *models.DoorCounterReading) error {
	reading.RecordedAt = reading.RecordedAt.UTC()
	_, err := d.Bun.NewInsert().Model(reading).Exec(ctx)
	if err != nil {
		return fmt.Errorf("append door counter reading: %w", err)
	}
	return nil
}

func applyWindow(q *bun.SelectQuery, column string, window models.TimeWindow) *bun.SelectQuery {
	if !window.From.IsZero() {
		q = q.Where("? >= ?", bun.Ident(column), window.From.UTC())
	}
	if !window.To.IsZero() {
		q = q.Where("? <= ?", bun.Ident(column), window.To.UTC())
	}
	return q
}

// GetPhysicalCount sums entries minus exits from all door counters of an
// event within window.
func (d *DB) GetPhysicalCount(ctx context.Context, eventID string, window models.TimeWindow) (int, error) {
	var count int
	q := d.Bun.NewSelect().
		Model((*models.DoorCounterReading)(nil)).
		ColumnExpr("COALESCE(SUM(entries - exits), 0)").
		Where("event_id = ?", eventID)
	q = applyWindow(q, "recorded_at", window)
	if err := q.Scan(ctx, &count); err != nil {
		return 0, fmt.Errorf("physical count for %s: %w", eventID, err)
	}
	return count, nil
}

// GetDigitalCount counts tickets of an event that were admitted within window.
func (d *DB) GetDigitalCount(ctx context.Context, eventID string, window models.TimeWindow) (int, error) {
	q := d.Bun.NewSelect().
		Model((*models.Ticket)(nil)).
		Where("event_id = ?", eventID).
		Where("status = ?", models.TicketUsed)
	q = applyWindow(q, "used_at", window)
	count, err := q.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("digital count for %s: %w", eventID, err)
	}
	return count, nil
}

// UpsertDiscrepancy inserts a discrepancy snapshot. Re-submitting the same ID
// leaves the existing row as is.
func (d *DB) UpsertDiscrepancy(ctx context.Context, row *models.CountDiscrepancy) error {
	row.CheckTime = row.CheckTime.UTC()
	_, err := d.Bun.NewInsert().
		Model(row).
		On("CONFLICT (id) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("upsert discrepancy %s: %w", row.ID, err)
	}
	return nil
}

func (d *DB) GetDiscrepancy(ctx context.Context, id string) (*models.CountDiscrepancy, error) {
	var row models.CountDiscrepancy
	err := d.Bun.NewSelect().
		Model(&row).
		Where("id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, notFound(err)
	}
	return &row, nil
}

// ListDiscrepancies returns discrepancies of an event, newest first. An
// empty statuses slice matches every status.
func (d *DB) ListDiscrepancies(ctx context.Context, eventID string, statuses ...models.DiscrepancyStatus) ([]models.CountDiscrepancy, error) {
	var rows []models.CountDiscrepancy
	q := d.Bun.NewSelect().Model(&rows).OrderExpr("check_time DESC")
	if eventID != "" {
		q = q.Where("event_id = ?", eventID)
	}
	if len(statuses) > 0 {
		q = q.Where("status IN (?)", bun.In(statuses))
	}
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	return rows, nil
}

// TransitionDiscrepancy applies set only while the row's status is one of
// from. It reports whether a row changed.
func (d *DB) TransitionDiscrepancy(ctx context.Context, id string, from []models.DiscrepancyStatus, set map[string]interface{}) (bool, error) {
	q := d.Bun.NewUpdate().Model((*models.CountDiscrepancy)(nil))
	for column, value := range set {
		q = q.Set("? = ?", bun.Ident(column), value)
	}
	res, err := q.
		Where("id = ?", id).
		Where("status IN (?)", bun.In(from)).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("transition discrepancy %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// UpsertFraudLog stores a fraud assessment. There is at most one log per
// scan; a second assessment for the same scan is ignored.
func (d *DB) UpsertFraudLog(ctx context.Context, row *models.FraudLog) (bool, error) {
	res, err := d.Bun.NewInsert().
		Model(row).
		On("CONFLICT (scan_id) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("upsert fraud log %s: %w", row.ScanID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (d *DB) GetFraudLog(ctx context.Context, id string) (*models.FraudLog, error) {
	var row models.FraudLog
	err := d.Bun.NewSelect().
		Model(&row).
		Where("id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, notFound(err)
	}
	return &row, nil
}

// ListOpenFraudLogs returns untriaged logs, highest risk first.
func (d *DB) ListOpenFraudLogs(ctx context.Context, eventID string) ([]models.FraudLog, error) {
	var rows []models.FraudLog
	q := d.Bun.NewSelect().
		Model(&rows).
		Where("is_confirmed_fraud = ?", false).
		Where("is_whitelisted = ?", false).
		OrderExpr("risk_score DESC, created_at ASC")
	if eventID != "" {
		q = q.Where("event_id = ?", eventID)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	return rows, nil
}

// TriageFraudLog records a triage decision on a still-open log. It reports
// whether a row changed; false means the log was already triaged or missing.
func (d *DB) TriageFraudLog(ctx context.Context, id string, confirmed bool, actor, notes string, at time.Time) (bool, error) {
	res, err := d.Bun.NewUpdate().
		Model((*models.FraudLog)(nil)).
		Set("is_confirmed_fraud = ?", confirmed).
		Set("is_whitelisted = ?", !confirmed).
		Set("investigation_notes = ?", notes).
		Set("triaged_by = ?", actor).
		Set("triaged_at = ?", at.UTC()).
		Where("id = ?", id).
		Where("is_confirmed_fraud = ?", false).
		Where("is_whitelisted = ?", false).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("triage fraud log %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
