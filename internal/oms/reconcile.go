package oms

import (
	"context"
	"time"

	"github.com/banky420star/sb1-dapxyzdb-sub000/pkg/types"
)

// reconcileGrace shields orders whose submission may still be in flight. A
// local order younger than this is never declared dead on the venue's
// say-so; the next pass will see it settled one way or the other.
const reconcileGrace = 10 * time.Second

// Reconcile makes the local order map agree with the venue. Open orders are
// fetched and compared field by field; a local order the venue's open set
// lacks is queried directly, because a fill can race a lost ack. Every
// divergence is journaled as a ReconciliationDiff and the venue's value is
// adopted. Returns the venue's positions so the caller can refresh
// portfolio state the same way.
func (m *Manager) Reconcile(ctx context.Context) ([]types.Position, error) {
	remote, err := m.trader.GetOpenOrders(ctx, m.category, "")
	if err != nil {
		return nil, err
	}
	remoteByID := make(map[string]types.Order, len(remote))
	for _, o := range remote {
		if o.ClientOrderID != "" {
			remoteByID[o.ClientOrderID] = o
		}
	}

	// Snapshot the local map; the venue queries below must not run under
	// the lock.
	m.mu.Lock()
	locals := make(map[string]types.Order, len(m.open))
	for id, o := range m.open {
		locals[id] = *o
	}
	m.mu.Unlock()

	now := m.clock.Now()

	// Resolve local orders missing from the venue's open set.
	resolved := make(map[string]types.Order)
	gone := make(map[string]bool)
	for id, local := range locals {
		if _, ok := remoteByID[id]; ok {
			continue
		}
		if now.Sub(local.UpdatedAt) < reconcileGrace {
			continue
		}
		r, err := m.trader.GetOrder(ctx, m.category, local.Symbol, id)
		switch {
		case err == nil:
			resolved[id] = *r
		case orderGone(err):
			gone[id] = true
		default:
			m.logger.Warn("reconcile lookup failed", "client_order_id", id, "error", err)
		}
	}

	var events []types.JournalEvent

	m.mu.Lock()
	for id, local := range locals {
		switch {
		case gone[id]:
			// The venue never had it (or it is long closed with no trace):
			// the order is dead, record it as cancelled.
			events = append(events, types.NewDiffEvent(local.Symbol, types.ReconciliationDiff{
				ClientOrderID: id,
				Field:         "state",
				Local:         string(local.State),
				Exchange:      "not_found",
			}))
			if o, ok := m.open[id]; ok {
				o.State = types.OrderCancelled
				o.UpdatedAt = now
				events = append(events, types.NewOrderEvent(types.EventOrderTerminal, *o))
				delete(m.open, id)
			}

		default:
			r, ok := resolved[id]
			if !ok {
				r, ok = remoteByID[id]
			}
			if !ok {
				continue // in grace or lookup failed; next pass
			}
			diffs := diffOrder(local, r)
			if len(diffs) == 0 {
				continue
			}
			for _, d := range diffs {
				events = append(events, types.NewDiffEvent(local.Symbol, d))
			}
			if o, held := m.open[id]; held {
				if r.CreatedAt.IsZero() {
					r.CreatedAt = o.CreatedAt
				}
				*o = r
				t := types.EventOrderUpdated
				if r.State.Terminal() {
					t = types.EventOrderTerminal
					delete(m.open, id)
				}
				events = append(events, types.NewOrderEvent(t, r))
			}
		}
	}

	// Venue orders this process has never seen: adopt them so they are
	// covered by flatten and cancel-all.
	for id, r := range remoteByID {
		if _, ok := locals[id]; ok {
			continue
		}
		cp := r
		m.open[id] = &cp
		events = append(events, types.NewDiffEvent(r.Symbol, types.ReconciliationDiff{
			ClientOrderID: id,
			Field:         "presence",
			Local:         "absent",
			Exchange:      string(r.State),
		}))
		events = append(events, types.NewOrderEvent(types.EventOrderUpdated, r))
	}
	m.mu.Unlock()

	for _, e := range events {
		m.journal.Append(e)
	}
	if n := len(events); n > 0 {
		m.logger.Info("reconciliation applied", "events", n)
	}

	positions, err := m.trader.GetPositions(ctx, m.category, "")
	if err != nil {
		return nil, err
	}
	return positions, nil
}

// diffOrder lists the fields where the venue disagrees with the local view.
func diffOrder(local, remote types.Order) []types.ReconciliationDiff {
	var out []types.ReconciliationDiff
	add := func(field, l, r string) {
		if l != r {
			out = append(out, types.ReconciliationDiff{
				ClientOrderID: local.ClientOrderID,
				Field:         field,
				Local:         l,
				Exchange:      r,
			})
		}
	}
	add("state", string(local.State), string(remote.State))
	add("filled_qty", formatFloat(local.FilledQty), formatFloat(remote.FilledQty))
	add("avg_fill_price", formatFloat(local.AvgFillPrice), formatFloat(remote.AvgFillPrice))
	add("quantity", formatFloat(local.Quantity), formatFloat(remote.Quantity))
	add("price", formatFloat(local.Price), formatFloat(remote.Price))
	return out
}
