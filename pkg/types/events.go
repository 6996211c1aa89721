package types

import (
	"errors"
	"time"
)

// EventType tags a JournalEvent payload.
type EventType string

const (
	EventTickObserved       EventType = "TickObserved"
	EventFeaturesComputed   EventType = "FeaturesComputed"
	EventModelScored        EventType = "ModelScored"
	EventIntentFormed       EventType = "IntentFormed"
	EventIntentSuppressed   EventType = "IntentSuppressed"
	EventRiskDecided        EventType = "RiskDecided"
	EventOrderSubmitted     EventType = "OrderSubmitted"
	EventOrderUpdated       EventType = "OrderUpdated"
	EventOrderTerminal      EventType = "OrderTerminal"
	EventPositionUpdated    EventType = "PositionUpdated"
	EventWalletUpdated      EventType = "WalletUpdated"
	EventReconciliationDiff EventType = "ReconciliationDiff"
	EventCircuitTripped     EventType = "CircuitTripped"
	EventCircuitReset       EventType = "CircuitReset"
	EventModeChanged        EventType = "ModeChanged"
	EventErrorObserved      EventType = "ErrorObserved"
)

// JournalEvent is one entry in the append-only journal. Exactly one payload
// field is non-nil, selected by Type. Seq is assigned by the store: dense and
// strictly increasing for the lifetime of the journal. Events round-trip
// through JSON without loss.
type JournalEvent struct {
	Seq    uint64    `json:"seq"`
	Time   time.Time `json:"time"`
	Type   EventType `json:"type"`
	Symbol string    `json:"symbol,omitempty"`

	Tick       *Candle             `json:"tick,omitempty"`
	Features   *FeatureVector      `json:"features,omitempty"`
	Score      *ModelScore         `json:"score,omitempty"`
	Intent     *Intent             `json:"intent,omitempty"`
	Suppressed *SuppressedIntent   `json:"suppressed,omitempty"`
	Risk       *RiskDecision       `json:"risk,omitempty"`
	Order      *Order              `json:"order,omitempty"`
	Position   *Position           `json:"position,omitempty"`
	Wallet     *Balance            `json:"wallet,omitempty"`
	Diff       *ReconciliationDiff `json:"diff,omitempty"`
	Circuit    *CircuitChange      `json:"circuit,omitempty"`
	ModeChange *ModeChange         `json:"mode_change,omitempty"`
	Error      *ObservedError      `json:"error,omitempty"`
}

// SuppressedIntent records why the consensus emitted nothing for a tick.
type SuppressedIntent struct {
	Reason string       `json:"reason"`
	Scores []ModelScore `json:"scores,omitempty"`
	AsOf   time.Time    `json:"as_of"`
}

// RiskDecision records the risk engine's verdict on one intent.
type RiskDecision struct {
	Intent   Intent         `json:"intent"`
	Approved bool           `json:"approved"`
	Order    *ApprovedOrder `json:"order,omitempty"`
	Reason   string         `json:"reason,omitempty"`
}

// ReconciliationDiff records a divergence between the local order map and
// the exchange's view. The exchange's view wins; the diff is kept for audit.
type ReconciliationDiff struct {
	ClientOrderID string `json:"client_order_id"`
	Field         string `json:"field"`
	Local         string `json:"local"`
	Exchange      string `json:"exchange"`
}

// CircuitChange records a circuit trip or reset.
type CircuitChange struct {
	Reason   string `json:"reason"`
	Operator string `json:"operator,omitempty"`
}

// ModeChange records a trading mode transition.
type ModeChange struct {
	From Mode `json:"from"`
	To   Mode `json:"to"`
}

// ObservedError is the journaled form of a runtime error.
type ObservedError struct {
	Kind    ErrorKind `json:"kind"`
	Code    int       `json:"code,omitempty"`
	Message string    `json:"message"`
}

// NewTickEvent records a closed candle arriving for a symbol.
func NewTickEvent(c Candle) JournalEvent {
	return JournalEvent{Type: EventTickObserved, Symbol: c.Symbol, Tick: &c}
}

// NewFeaturesEvent records a freshly computed feature vector.
func NewFeaturesEvent(f FeatureVector) JournalEvent {
	return JournalEvent{Type: EventFeaturesComputed, Symbol: f.Symbol, Features: &f}
}

// NewScoreEvent records one model's score for a tick.
func NewScoreEvent(symbol string, s ModelScore) JournalEvent {
	return JournalEvent{Type: EventModelScored, Symbol: symbol, Score: &s}
}

// NewIntentEvent records a consensus intent.
func NewIntentEvent(i Intent) JournalEvent {
	return JournalEvent{Type: EventIntentFormed, Symbol: i.Symbol, Intent: &i}
}

// NewSuppressedEvent records a tick where consensus emitted nothing.
func NewSuppressedEvent(symbol, reason string, scores []ModelScore, asOf time.Time) JournalEvent {
	return JournalEvent{
		Type:       EventIntentSuppressed,
		Symbol:     symbol,
		Suppressed: &SuppressedIntent{Reason: reason, Scores: scores, AsOf: asOf},
	}
}

// NewRiskEvent records an approval or rejection.
func NewRiskEvent(d RiskDecision) JournalEvent {
	return JournalEvent{Type: EventRiskDecided, Symbol: d.Intent.Symbol, Risk: &d}
}

// NewOrderEvent records an order lifecycle step. t must be one of
// EventOrderSubmitted, EventOrderUpdated, EventOrderTerminal.
func NewOrderEvent(t EventType, o Order) JournalEvent {
	return JournalEvent{Type: t, Symbol: o.Symbol, Order: &o}
}

// NewPositionEvent records a position change observed from the exchange.
func NewPositionEvent(p Position) JournalEvent {
	return JournalEvent{Type: EventPositionUpdated, Symbol: p.Symbol, Position: &p}
}

// NewWalletEvent records a wallet balance update.
func NewWalletEvent(b Balance) JournalEvent {
	return JournalEvent{Type: EventWalletUpdated, Wallet: &b}
}

// NewDiffEvent records a reconciliation divergence.
func NewDiffEvent(symbol string, d ReconciliationDiff) JournalEvent {
	return JournalEvent{Type: EventReconciliationDiff, Symbol: symbol, Diff: &d}
}

// NewCircuitTrippedEvent records a circuit trip.
func NewCircuitTrippedEvent(reason string) JournalEvent {
	return JournalEvent{Type: EventCircuitTripped, Circuit: &CircuitChange{Reason: reason}}
}

// NewCircuitResetEvent records an operator clearing the circuit.
func NewCircuitResetEvent(reason, operator string) JournalEvent {
	return JournalEvent{Type: EventCircuitReset, Circuit: &CircuitChange{Reason: reason, Operator: operator}}
}

// NewModeEvent records a mode transition.
func NewModeEvent(from, to Mode) JournalEvent {
	return JournalEvent{Type: EventModeChanged, ModeChange: &ModeChange{From: from, To: to}}
}

// NewErrorEvent records a runtime error for the audit trail.
func NewErrorEvent(symbol string, err error) JournalEvent {
	oe := ObservedError{Kind: KindOf(err), Message: err.Error()}
	var e *Error
	if errors.As(err, &e) {
		oe.Code = e.Code
	}
	return JournalEvent{Type: EventErrorObserved, Symbol: symbol, Error: &oe}
}
