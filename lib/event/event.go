// Package event defines the common types that flow through the monitoring pipeline: classified ledger events and the
// anomaly alerts raised over them.
package event

import "time"

// Event kinds. KindAll is a subscription wildcard, never a kind carried by an event itself.
const (
	KindBlock         = "block"
	KindTransaction   = "transaction"
	KindAccountChange = "account_change"
	KindAll           = "all"
)

// Alert types.
const (
	AlertHighFailureRate = "high_failure_rate"
	AlertFeeSpike        = "suspicious_fee_spike"
	AlertPatternMatch    = "pattern_match"
)

// Alert severities.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Payload contains the kind-specific fields of an event. For the time being all kinds share one struct and unused
// fields stay at their zero value, the same way lib/block kept a single Trans type for every chain.
type Payload struct {
	Signature       string   `json:"signature,omitempty" bson:"signature,omitempty"`
	Slot            uint64   `json:"slot,omitempty" bson:"slot,omitempty"`
	Logs            []string `json:"logs,omitempty" bson:"logs,omitempty"`
	Err             string   `json:"err,omitempty" bson:"err,omitempty"` // empty means the transaction succeeded
	Fee             uint64   `json:"fee,omitempty" bson:"fee,omitempty"`
	AccountKeys     []string `json:"accountKeys,omitempty" bson:"accountKeys,omitempty"`
	KnownProgram    string   `json:"knownProgram,omitempty" bson:"knownProgram,omitempty"`
	TransactionType string   `json:"transactionType,omitempty" bson:"transactionType,omitempty"`
}

// Event is the unit of data broadcast to subscribers and fed to the anomaly engine. Events are immutable once
// classified; code that received one must not mutate it.
type Event struct {
	Kind string  `json:"kind" bson:"kind"`
	TS   int64   `json:"timestamp" bson:"timestamp"` // unix milliseconds
	Data Payload `json:"data" bson:"data"`
}

// Failed reports whether the event carries a transaction error.
func (e Event) Failed() bool {
	return e.Data.Err != ""
}

// Alert is emitted by the anomaly engine. Immutable after emission.
type Alert struct {
	ID               string `json:"id" bson:"_id"`
	Type             string `json:"type" bson:"type"`
	Severity         string `json:"severity" bson:"severity"`
	Description      string `json:"description" bson:"description"`
	TS               int64  `json:"timestamp" bson:"timestamp"` // unix milliseconds
	RelatedSignature string `json:"relatedSignature,omitempty" bson:"relatedSignature,omitempty"`
}

// Millis returns t as unix milliseconds, the timestamp representation used on the wire.
func Millis(t time.Time) int64 {
	return t.UnixNano() / int64(time.Millisecond)
}
