// Package batch groups queued scans of one order into a party the operator
// can act on together. Groups are derived from the scan queue on demand and
// never stored.
package batch

import (
	"context"
	"fmt"
	"sort"

	"ms-gatescan/internal/logger"
	"ms-gatescan/internal/models"
	"ms-gatescan/internal/validation"
)

// PartySizeLookup resolves the declared party size of an order. A nil size
// means the order carries none.
type PartySizeLookup interface {
	PartySize(ctx context.Context, orderID string) (*int, error)
}

// Group is the queued scans sharing one order ID.
type Group struct {
	OrderID string `json:"order_id"`
	EventID string `json:"event_id,omitempty"`
	// PartySize comes from the order when FromOrder is set, otherwise it is
	// the number of distinct tickets presented.
	PartySize int                 `json:"party_size"`
	FromOrder bool                `json:"party_size_from_order"`
	Entries   []models.QueueEntry `json:"entries"`
	Valid     int                 `json:"valid"`
	Invalid   int                 `json:"invalid"`
	Undecided int                 `json:"undecided"`
}

// DetectGroups returns one group per order ID with at least one entry, in
// the queue order of each group's first scan. Entries without an order ID
// are skipped. A failed lookup falls back to the presented ticket count.
func DetectGroups(ctx context.Context, entries []models.QueueEntry, lookup PartySizeLookup, log *logger.Logger) []Group {
	byOrder := make(map[string]*Group)
	var order []string
	for _, e := range entries {
		orderID := e.Attempt.OrderID
		if orderID == "" {
			continue
		}
		g, ok := byOrder[orderID]
		if !ok {
			g = &Group{OrderID: orderID, EventID: e.Attempt.EventID}
			byOrder[orderID] = g
			order = append(order, orderID)
		}
		g.Entries = append(g.Entries, e)
	}

	groups := make([]Group, 0, len(order))
	for _, orderID := range order {
		g := byOrder[orderID]
		sort.SliceStable(g.Entries, func(i, j int) bool { return g.Entries[i].Seq < g.Entries[j].Seq })
		g.tally()

		g.PartySize = distinctTickets(g.Entries)
		if lookup != nil {
			size, err := lookup.PartySize(ctx, orderID)
			switch {
			case err != nil:
				log.Warn("BATCH", fmt.Sprintf("Party size lookup for order %s failed, using ticket count: %v", orderID, err))
			case size != nil && *size > 0:
				g.PartySize = *size
				g.FromOrder = true
			}
		}
		groups = append(groups, *g)
	}
	return groups
}

func (g *Group) tally() {
	g.Valid, g.Invalid, g.Undecided = 0, 0, 0
	for _, e := range g.Entries {
		switch classify(e) {
		case models.OutcomeValid:
			g.Valid++
		case "":
			g.Undecided++
		default:
			g.Invalid++
		}
	}
}

// classify returns valid, "" for undecided, or the rejecting outcome.
func classify(e models.QueueEntry) models.Outcome {
	switch v := e.Verdict(); v {
	case "", models.OutcomeError:
		return ""
	default:
		return v
	}
}

// distinctTickets counts presented tickets; unreadable scans count once each.
func distinctTickets(entries []models.QueueEntry) int {
	seen := make(map[string]struct{}, len(entries))
	n := 0
	for _, e := range entries {
		id := e.Attempt.TicketID
		if id == "" {
			n++
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		n++
	}
	return n
}

// RemoveInvalid returns g without members whose verdict rejects entry.
// Undecided members stay. The queue is not touched.
func RemoveInvalid(g Group) Group {
	out := g
	out.Entries = make([]models.QueueEntry, 0, len(g.Entries))
	for _, e := range g.Entries {
		if c := classify(e); c == "" || c == models.OutcomeValid {
			out.Entries = append(out.Entries, e)
		}
	}
	out.tally()
	return out
}

// Syncer validates one queued scan against the gate server.
type Syncer interface {
	SyncOne(ctx context.Context, scanID string) (validation.Authoritative, error)
}

// MemberResult is the outcome of approving one member of a group.
type MemberResult struct {
	ScanID   string                    `json:"scan_id"`
	TicketID string                    `json:"ticket_id,omitempty"`
	Verdict  *validation.Authoritative `json:"verdict,omitempty"`
	Error    string                    `json:"error,omitempty"`
}

// Approver pushes every member of a group through validation, one at a time.
type Approver struct {
	syncer Syncer
	log    *logger.Logger
}

func NewApprover(syncer Syncer, log *logger.Logger) *Approver {
	return &Approver{syncer: syncer, log: log}
}

// ApproveBatch syncs each member individually. A member that fails does not
// stop the rest; its error is reported in its result.
func (a *Approver) ApproveBatch(ctx context.Context, g Group) []MemberResult {
	results := make([]MemberResult, 0, len(g.Entries))
	for _, e := range g.Entries {
		res := MemberResult{ScanID: e.Attempt.ScanID, TicketID: e.Attempt.TicketID}
		if err := ctx.Err(); err != nil {
			res.Error = err.Error()
			results = append(results, res)
			continue
		}
		verdict, err := a.syncer.SyncOne(ctx, e.Attempt.ScanID)
		if err != nil {
			res.Error = err.Error()
		} else {
			res.Verdict = &verdict
		}
		results = append(results, res)
	}
	a.log.Info("BATCH", fmt.Sprintf("Approved batch for order %s: %d members", g.OrderID, len(results)))
	return results
}
