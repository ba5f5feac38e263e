// Package fraud attaches risk assessments to committed scans and carries
// them through human triage. Nothing here changes an admission verdict.
package fraud

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"ms-gatescan/internal/config"
	"ms-gatescan/internal/logger"
	"ms-gatescan/internal/metrics"
	"ms-gatescan/internal/models"
	"ms-gatescan/internal/notify"
	"ms-gatescan/internal/validation"
)

const (
	IndicatorGeoFarFromVenue       = "geo_far_from_venue"
	IndicatorFingerprintReuse      = "fingerprint_reuse"
	IndicatorIPVelocity            = "ip_velocity"
	IndicatorImpossibleTravel      = "impossible_travel"
	IndicatorRepeatPresentation    = "repeat_presentation"
	IndicatorProvisionalDivergence = "provisional_divergence"
)

const (
	scoreGeoFar       = 30
	scoreFingerprint  = 35
	scoreIPVelocity   = 25
	scoreTravel       = 40
	scoreRepeat       = 20
	scoreDivergence   = 30
	locationMemory    = 24 * time.Hour
	earthRadiusKm     = 6371.0
	minTravelDistance = 1.0
)

// Store is the slice of the authoritative store fraud handling needs.
type Store interface {
	GetEvent(ctx context.Context, id string) (*models.Event, error)
	UpsertFraudLog(ctx context.Context, row *models.FraudLog) (bool, error)
	GetFraudLog(ctx context.Context, id string) (*models.FraudLog, error)
	ListOpenFraudLogs(ctx context.Context, eventID string) ([]models.FraudLog, error)
	TriageFraudLog(ctx context.Context, id string, confirmed bool, actor, notes string, at time.Time) (bool, error)
}

// ScanContext is what the scorer knows beyond the scan itself.
type ScanContext struct {
	Event *models.Event
}

type Scorer struct {
	store     Store
	signals   Signals
	publisher notify.Publisher
	metrics   *metrics.Metrics
	log       *logger.Logger
	cfg       config.FraudConfig
	now       func() time.Time
}

func NewScorer(store Store, signals Signals, publisher notify.Publisher, m *metrics.Metrics, log *logger.Logger, cfg config.FraudConfig) *Scorer {
	if publisher == nil {
		publisher = notify.Discard{}
	}
	return &Scorer{
		store:     store,
		signals:   signals,
		publisher: publisher,
		metrics:   m,
		log:       log,
		cfg:       cfg,
		now:       time.Now,
	}
}

// ScanCommitted scores every committed scan. Failures are logged only.
func (s *Scorer) ScanCommitted(ctx context.Context, attempt models.ScanAttempt, verdict validation.Authoritative) {
	var sc ScanContext
	if attempt.EventID != "" {
		if event, err := s.store.GetEvent(ctx, attempt.EventID); err == nil {
			sc.Event = event
		}
	}
	if _, err := s.Score(ctx, attempt, verdict.Decision, sc); err != nil {
		s.log.Warn("FRAUD", fmt.Sprintf("Scoring scan %s failed: %v", attempt.ScanID, err))
	}
}

// Score evaluates the rules for one scan and stores a FraudLog when any
// indicator fires. It returns nil when the scan looks clean.
func (s *Scorer) Score(ctx context.Context, attempt models.ScanAttempt, decision validation.Decision, sc ScanContext) (*models.FraudLog, error) {
	indicators := s.evaluate(ctx, attempt, decision, sc)
	if len(indicators) == 0 {
		return nil, nil
	}

	score, severity := Assess(indicators)
	eventID := attempt.EventID
	if eventID == "" {
		eventID = decision.EventID
	}
	row := &models.FraudLog{
		ID:         uuid.NewString(),
		ScanID:     attempt.ScanID,
		TicketID:   decision.TicketID,
		EventID:    eventID,
		DeviceID:   attempt.DeviceID,
		RiskScore:  score,
		Severity:   severity,
		Indicators: indicators,
		CreatedAt:  s.now().UTC(),
	}

	inserted, err := s.store.UpsertFraudLog(ctx, row)
	if err != nil {
		return nil, err
	}
	if !inserted {
		return nil, nil
	}

	s.log.LogFraud(row.ScanID, fmt.Sprintf("risk %d (%s), %d indicators", row.RiskScore, row.Severity, len(indicators)))
	if s.metrics != nil {
		s.metrics.FraudFlags.WithLabelValues(string(row.Severity)).Inc()
	}
	if err := s.publisher.Publish(ctx, notify.TopicFraudFlagged, row.ID, row); err != nil {
		s.log.Warn("FRAUD", fmt.Sprintf("Failed to publish fraud log %s: %v", row.ID, err))
	}
	return row, nil
}

// Assess sums indicator contributions, capped at models.MaxRiskScore.
func Assess(indicators []models.FraudIndicator) (int, models.Severity) {
	total := 0
	for _, in := range indicators {
		total += in.Score
	}
	if total > models.MaxRiskScore {
		total = models.MaxRiskScore
	}
	return total, models.SeverityForScore(total)
}

func (s *Scorer) evaluate(ctx context.Context, attempt models.ScanAttempt, decision validation.Decision, sc ScanContext) []models.FraudIndicator {
	var out []models.FraudIndicator
	meta := attempt.Metadata
	hasLocation := meta.Latitude != nil && meta.Longitude != nil

	if hasLocation && sc.Event != nil && (sc.Event.VenueLat != 0 || sc.Event.VenueLng != 0) && s.cfg.VenueRadiusKm > 0 {
		d := haversineKm(*meta.Latitude, *meta.Longitude, sc.Event.VenueLat, sc.Event.VenueLng)
		if d > s.cfg.VenueRadiusKm {
			out = append(out, models.FraudIndicator{
				Type:        IndicatorGeoFarFromVenue,
				Severity:    models.SeverityMedium,
				Description: fmt.Sprintf("scanned %.1f km from the venue (limit %.1f km)", d, s.cfg.VenueRadiusKm),
				Score:       scoreGeoFar,
			})
		}
	}

	if meta.DeviceFingerprint != "" && decision.TicketID != "" && s.cfg.FingerprintMaxTicket > 0 {
		n, err := s.signals.TicketsForFingerprint(ctx, meta.DeviceFingerprint, decision.TicketID, s.cfg.FingerprintWindow)
		if err != nil {
			s.log.Warn("FRAUD", err.Error())
		} else if n > int64(s.cfg.FingerprintMaxTicket) {
			out = append(out, models.FraudIndicator{
				Type:        IndicatorFingerprintReuse,
				Severity:    models.SeverityHigh,
				Description: fmt.Sprintf("device fingerprint presented %d distinct tickets within %s", n, s.cfg.FingerprintWindow),
				Score:       scoreFingerprint,
			})
		}
	}

	if meta.IPAddress != "" && s.cfg.IPMaxScans > 0 {
		n, err := s.signals.ScansFromIP(ctx, meta.IPAddress, s.cfg.IPWindow)
		if err != nil {
			s.log.Warn("FRAUD", err.Error())
		} else if n > int64(s.cfg.IPMaxScans) {
			out = append(out, models.FraudIndicator{
				Type:        IndicatorIPVelocity,
				Severity:    models.SeverityMedium,
				Description: fmt.Sprintf("%d scans from %s within %s", n, meta.IPAddress, s.cfg.IPWindow),
				Score:       scoreIPVelocity,
			})
		}
	}

	orderID := attempt.OrderID
	if orderID == "" {
		orderID = decision.OrderID
	}
	if hasLocation && orderID != "" && s.cfg.MaxTravelSpeedKmh > 0 {
		loc := Location{Lat: *meta.Latitude, Lng: *meta.Longitude, At: attempt.ScannedAt}
		prev, err := s.signals.SwapLastLocation(ctx, orderID, loc, locationMemory)
		if err != nil {
			s.log.Warn("FRAUD", err.Error())
		} else if prev != nil {
			if speed, ok := travelSpeed(*prev, loc); ok && speed > s.cfg.MaxTravelSpeedKmh {
				out = append(out, models.FraudIndicator{
					Type:        IndicatorImpossibleTravel,
					Severity:    models.SeverityHigh,
					Description: fmt.Sprintf("tickets of order %s presented %.1f km apart at %.0f km/h", orderID, haversineKm(prev.Lat, prev.Lng, loc.Lat, loc.Lng), speed),
					Score:       scoreTravel,
				})
			}
		}
	}

	if decision.Outcome == models.OutcomeUsed {
		out = append(out, models.FraudIndicator{
			Type:        IndicatorRepeatPresentation,
			Severity:    models.SeverityLow,
			Description: "ticket presented after it was already used",
			Score:       scoreRepeat,
		})
	}

	if attempt.ProvisionalOutcome == models.OutcomeValid && decision.Outcome != models.OutcomeValid {
		out = append(out, models.FraudIndicator{
			Type:        IndicatorProvisionalDivergence,
			Severity:    models.SeverityMedium,
			Description: fmt.Sprintf("admitted offline but server verdict is %s", decision.Outcome),
			Score:       scoreDivergence,
		})
	}
	return out
}

// travelSpeed returns km/h between two presentations. Presentations at the
// same instant are infinitely fast unless they are at the same place.
func travelSpeed(from, to Location) (float64, bool) {
	d := haversineKm(from.Lat, from.Lng, to.Lat, to.Lng)
	if d < minTravelDistance {
		return 0, false
	}
	hours := math.Abs(to.At.Sub(from.At).Hours())
	if hours == 0 {
		return math.Inf(1), true
	}
	return d / hours, true
}

func haversineKm(lat1, lng1, lat2, lng2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLng := (lng2 - lng1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(a))
}
