// Package analytics reports how entry went for an event: verdict mix,
// arrival curve and per-gate load. Everything is derived from scan_logs.
package analytics

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/uptrace/bun"
	"golang.org/x/sync/errgroup"

	"ms-gatescan/internal/models"
)

// maxBatchConcurrency bounds parallel per-event queries in batch requests.
const maxBatchConcurrency = 4

type Service struct {
	db *bun.DB
}

func NewService(db *bun.DB) *Service {
	return &Service{db: db}
}

// EventAnalytics is the entry report for one event.
type EventAnalytics struct {
	EventID        string                 `json:"event_id"`
	TotalScans     int                    `json:"total_scans"`
	Admitted       int                    `json:"admitted"`
	Rejected       int                    `json:"rejected"`
	Outcomes       map[models.Outcome]int `json:"outcomes"`
	OfflineScans   int                    `json:"offline_scans"`
	Divergences    int                    `json:"divergences"`
	HourlyArrivals []HourlyArrivals       `json:"hourly_arrivals"`
	Devices        []DeviceLoad           `json:"devices"`
	FirstScanAt    *time.Time             `json:"first_scan_at,omitempty"`
	LastScanAt     *time.Time             `json:"last_scan_at,omitempty"`
}

// HourlyArrivals counts scans and admissions in one UTC hour.
type HourlyArrivals struct {
	Hour     time.Time `json:"hour"`
	Scans    int       `json:"scans"`
	Admitted int       `json:"admitted"`
}

// DeviceLoad is how many scans one gate device committed.
type DeviceLoad struct {
	DeviceID string `json:"device_id"`
	Scans    int    `json:"scans"`
	Admitted int    `json:"admitted"`
}

type scanRow struct {
	ScannedAt          time.Time      `bun:"scanned_at"`
	Outcome            models.Outcome `bun:"outcome"`
	DeviceID           string         `bun:"device_id"`
	ProvisionalOutcome models.Outcome `bun:"provisional_outcome"`
}

// GetEventAnalytics builds the entry report of eventID within window. A zero
// window covers the whole event.
func (s *Service) GetEventAnalytics(ctx context.Context, eventID string, window models.TimeWindow) (*EventAnalytics, error) {
	var rows []scanRow
	q := s.db.NewSelect().
		TableExpr("scan_logs").
		Column("scanned_at", "outcome", "device_id", "provisional_outcome").
		Where("event_id = ?", eventID).
		OrderExpr("scanned_at ASC")
	if !window.From.IsZero() {
		q = q.Where("scanned_at >= ?", window.From.UTC())
	}
	if !window.To.IsZero() {
		q = q.Where("scanned_at <= ?", window.To.UTC())
	}
	if err := q.Scan(ctx, &rows); err != nil {
		return nil, fmt.Errorf("load scans for %s: %w", eventID, err)
	}
	return summarize(eventID, rows), nil
}

func summarize(eventID string, rows []scanRow) *EventAnalytics {
	out := &EventAnalytics{
		EventID:        eventID,
		Outcomes:       make(map[models.Outcome]int),
		HourlyArrivals: []HourlyArrivals{},
		Devices:        []DeviceLoad{},
	}
	hours := make(map[time.Time]*HourlyArrivals)
	devices := make(map[string]*DeviceLoad)

	for _, row := range rows {
		out.TotalScans++
		out.Outcomes[row.Outcome]++
		admitted := row.Outcome == models.OutcomeValid
		if admitted {
			out.Admitted++
		} else {
			out.Rejected++
		}
		if row.ProvisionalOutcome != "" {
			out.OfflineScans++
			if row.ProvisionalOutcome != models.OutcomeError && row.ProvisionalOutcome != row.Outcome {
				out.Divergences++
			}
		}

		at := row.ScannedAt.UTC()
		if out.FirstScanAt == nil || at.Before(*out.FirstScanAt) {
			first := at
			out.FirstScanAt = &first
		}
		if out.LastScanAt == nil || at.After(*out.LastScanAt) {
			last := at
			out.LastScanAt = &last
		}

		hour := at.Truncate(time.Hour)
		h, ok := hours[hour]
		if !ok {
			h = &HourlyArrivals{Hour: hour}
			hours[hour] = h
		}
		h.Scans++

		d, ok := devices[row.DeviceID]
		if !ok {
			d = &DeviceLoad{DeviceID: row.DeviceID}
			devices[row.DeviceID] = d
		}
		d.Scans++

		if admitted {
			h.Admitted++
			d.Admitted++
		}
	}

	for _, h := range hours {
		out.HourlyArrivals = append(out.HourlyArrivals, *h)
	}
	sort.Slice(out.HourlyArrivals, func(i, j int) bool {
		return out.HourlyArrivals[i].Hour.Before(out.HourlyArrivals[j].Hour)
	})
	for _, d := range devices {
		out.Devices = append(out.Devices, *d)
	}
	sort.Slice(out.Devices, func(i, j int) bool {
		if out.Devices[i].Scans != out.Devices[j].Scans {
			return out.Devices[i].Scans > out.Devices[j].Scans
		}
		return out.Devices[i].DeviceID < out.Devices[j].DeviceID
	})
	return out
}

// GetBatchEventAnalytics builds reports for several events concurrently. The
// first failure cancels the rest.
func (s *Service) GetBatchEventAnalytics(ctx context.Context, eventIDs []string, window models.TimeWindow) (map[string]*EventAnalytics, error) {
	results := make([]*EventAnalytics, len(eventIDs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxBatchConcurrency)
	for i, eventID := range eventIDs {
		i, eventID := i, eventID
		g.Go(func() error {
			report, err := s.GetEventAnalytics(gctx, eventID, window)
			if err != nil {
				return err
			}
			results[i] = report
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[string]*EventAnalytics, len(eventIDs))
	for i, eventID := range eventIDs {
		out[eventID] = results[i]
	}
	return out, nil
}
