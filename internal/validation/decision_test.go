package validation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"ms-gatescan/internal/models"
)

func TestDecide(t *testing.T) {
	at := time.Date(2026, 6, 1, 20, 0, 0, 0, time.UTC)
	running := &models.Event{EventID: "evt-1", EndsAt: at.Add(time.Hour)}
	endedInGrace := &models.Event{EventID: "evt-1", EndsAt: at.Add(-time.Hour)}
	endedLongAgo := &models.Event{EventID: "evt-1", EndsAt: at.Add(-3 * time.Hour)}
	usedAt := at.Add(-10 * time.Minute)

	tests := []struct {
		name    string
		ticket  *models.Ticket
		event   *models.Event
		outcome models.Outcome
		admit   bool
	}{
		{"unknown ticket", nil, running, models.OutcomeInvalid, false},
		{"valid", &models.Ticket{TicketID: "t", Status: models.TicketValid}, running, models.OutcomeValid, true},
		{"valid within grace", &models.Ticket{TicketID: "t", Status: models.TicketValid}, endedInGrace, models.OutcomeValid, true},
		{"valid after grace", &models.Ticket{TicketID: "t", Status: models.TicketValid}, endedLongAgo, models.OutcomeExpired, false},
		{"used", &models.Ticket{TicketID: "t", Status: models.TicketUsed, UsedAt: &usedAt}, running, models.OutcomeUsed, false},
		{"cancelled wins over expiry", &models.Ticket{TicketID: "t", Status: models.TicketCancelled}, endedLongAgo, models.OutcomeCancelled, false},
		{"expired before used", &models.Ticket{TicketID: "t", Status: models.TicketUsed}, endedLongAgo, models.OutcomeExpired, false},
		{"stored expired", &models.Ticket{TicketID: "t", Status: models.TicketExpired}, running, models.OutcomeExpired, false},
		{"stored invalid", &models.Ticket{TicketID: "t", Status: models.TicketInvalid}, running, models.OutcomeInvalid, false},
		{"no event", &models.Ticket{TicketID: "t", Status: models.TicketValid}, nil, models.OutcomeValid, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Decide(tt.ticket, tt.event, at, DefaultExpiryGrace)
			assert.Equal(t, tt.outcome, d.Outcome)
			assert.Equal(t, tt.admit, d.Admit)
			assert.NotEmpty(t, d.Message)
		})
	}
}

func TestDecideDoesNotMutateTicket(t *testing.T) {
	ticket := &models.Ticket{TicketID: "t", Status: models.TicketValid}

	Decide(ticket, nil, time.Now(), DefaultExpiryGrace)

	assert.Equal(t, models.TicketValid, ticket.Status)
	assert.Nil(t, ticket.UsedAt)
}

func TestDecideProvisional(t *testing.T) {
	at := time.Date(2026, 6, 1, 20, 0, 0, 0, time.UTC)
	snapshot := &models.TicketSnapshot{
		Ticket:      models.Ticket{TicketID: "t", EventID: "evt-1", Status: models.TicketValid},
		EventEndsAt: at.Add(time.Hour),
	}

	p := DecideProvisional(snapshot, at, DefaultExpiryGrace)
	assert.Equal(t, models.OutcomeValid, p.Outcome)

	snapshot.LocalScanID = "scan-1"
	snapshot.LocalUsedAt = &at
	p = DecideProvisional(snapshot, at.Add(time.Minute), DefaultExpiryGrace)
	assert.Equal(t, models.OutcomeUsed, p.Outcome)
	assert.Equal(t, models.TicketValid, snapshot.Ticket.Status)

	p = DecideProvisional(nil, at, DefaultExpiryGrace)
	assert.Equal(t, models.OutcomeError, p.Outcome)
	assert.Contains(t, p.Message, "pending sync")
}
