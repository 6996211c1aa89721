package risk

import (
	"time"

	"github.com/banky420star/sb1-dapxyzdb-sub000/pkg/types"
)

// Trip tells the orchestrator a breaker fired. Flatten means every open
// position must be closed, not just new entries blocked.
type Trip struct {
	Reason  string
	Flatten bool
}

// Trips returns the channel the orchestrator reads breaker events from.
// Each trip is emitted once; the flags stay set until an operator reset.
func (e *Engine) Trips() <-chan Trip {
	return e.tripCh
}

// Circuit returns the current breaker state.
func (e *Engine) Circuit() types.CircuitState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.circuit
}

// Mode returns the current trading mode.
func (e *Engine) Mode() types.Mode {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.circuit.Mode
}

// SetMode switches the trading mode and returns the previous one. Mode is
// independent of the trip flags: leaving halt does not clear a tripped
// breaker, so intents stay blocked until ResetCircuit.
func (e *Engine) SetMode(m types.Mode) types.Mode {
	e.mu.Lock()
	defer e.mu.Unlock()

	prev := e.circuit.Mode
	e.circuit.Mode = m
	if prev != m {
		e.logger.Info("mode changed", "from", prev, "to", m)
	}
	return prev
}

// HaltAll is the kill switch: mode goes to halt, the killed flag latches,
// and the trip asks for a flatten.
func (e *Engine) HaltAll(reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.circuit.Mode = types.ModeHalt
	if e.circuit.Killed && e.flattenRequested {
		return
	}
	e.circuit.Killed = true
	e.circuit.LastTripReason = reason
	e.circuit.LastTripAt = e.clock.Now()
	e.flattenRequested = true

	e.logger.Error("KILL SWITCH", "reason", reason)
	e.emitTripLocked(Trip{Reason: TripOperatorHalt, Flatten: true})
}

// TripRateLimit latches the breaker after a submission ran out of retry
// budget against the venue's quota. No flatten: a quota refusal means the
// order never reached the venue, so there is nothing new to unwind.
func (e *Engine) TripRateLimit() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tripLocked(TripRateLimited, false)
}

// Restore re-latches recovered breaker flags at boot, before any intents
// flow. Mode is not restored: the operator picks it via config, but a kill
// or trip latched before the restart keeps blocking entries until an
// explicit reset.
func (e *Engine) Restore(c types.CircuitState) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.circuit.Killed = c.Killed
	e.circuit.DailyDrawdownTripped = c.DailyDrawdownTripped
	e.circuit.VarTripped = c.VarTripped
	e.circuit.LastTripReason = c.LastTripReason
	e.circuit.LastTripAt = c.LastTripAt

	if e.circuit.Tripped() {
		e.logger.Warn("recovered with circuit tripped",
			"reason", c.LastTripReason, "at", c.LastTripAt)
	}
}

// ResetCircuit clears every latched breaker flag. Operator-only; the
// caller journals CircuitReset(reason, operator). Mode is left as is, so
// a halted service resumes only via an explicit start.
func (e *Engine) ResetCircuit(reason, operator string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.circuit.Killed = false
	e.circuit.DailyDrawdownTripped = false
	e.circuit.VarTripped = false
	e.circuit.LastTripReason = ""
	e.circuit.LastTripAt = time.Time{}
	e.flattenRequested = false

	e.logger.Info("circuit reset", "reason", reason, "operator", operator)
}

// tripLocked latches one breaker flag and emits the trip exactly once.
func (e *Engine) tripLocked(reason string, flatten bool) {
	switch reason {
	case TripDailyDrawdown:
		if e.circuit.DailyDrawdownTripped {
			return
		}
		e.circuit.DailyDrawdownTripped = true
	case TripVarLimit:
		if e.circuit.VarTripped {
			return
		}
		e.circuit.VarTripped = true
	case TripRateLimited:
		if e.circuit.Killed {
			return
		}
		e.circuit.Killed = true
	}
	e.circuit.LastTripReason = reason
	e.circuit.LastTripAt = e.clock.Now()

	e.logger.Error("circuit tripped", "reason", reason, "flatten", flatten)
	e.emitTripLocked(Trip{Reason: reason, Flatten: flatten})
}

// emitTripLocked never blocks: if the channel is full the stale trip is
// drained first so the latest reason always gets through.
func (e *Engine) emitTripLocked(t Trip) {
	select {
	case e.tripCh <- t:
	default:
		select {
		case <-e.tripCh:
		default:
		}
		e.tripCh <- t
	}
}
