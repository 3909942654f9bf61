// Package anomaly maintains rolling statistics over the classified event stream and raises typed alerts when
// configured thresholds are crossed. Detection runs inline with delivery: ProcessEvent returns alerts synchronously
// so an alert is never older than the event that triggered it.
package anomaly

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tarancss/chainwatch/lib/event"
)

const maxRecentAlerts = 200

// Config holds the detection tunables. Thresholds are deployment calibration, not correctness properties, so all of
// them come from configuration.
type Config struct {
	WindowSize         int      `json:"windowSize"`         // sliding window of transaction outcomes
	FailureThreshold   float64  `json:"failureThreshold"`   // failure ratio that trips the alert, e.g. 0.7
	FeeSpikeMultiplier float64  `json:"feeSpikeMultiplier"` // fee >= mean * multiplier trips the alert
	MinFeeBaseline     int      `json:"minFeeBaseline"`     // samples required before fee spikes are judged
	FeeBaselineSize    int      `json:"feeBaselineSize"`    // how many recent fees form the rolling mean
	PatternKeywords    []string `json:"patternKeywords"`    // advisory heuristics matched against logs and accounts
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		WindowSize:         10,
		FailureThreshold:   0.7,
		FeeSpikeMultiplier: 8,
		MinFeeBaseline:     5,
		FeeBaselineSize:    20,
		PatternKeywords:    []string{"pump", "rug", "honeypot", "faucet-drain"},
	}
}

// statEvent is the retained record for period statistics. Entries older than the largest period are evicted lazily.
type statEvent struct {
	ts     time.Time
	kind   string
	fee    uint64
	failed bool
}

// PeriodStats is the aggregate for one retention period.
type PeriodStats struct {
	Period   string  `json:"period"`
	Count    int     `json:"count"`
	Failures int     `json:"failures"`
	FeeSum   uint64  `json:"feeSum"`
	FeeMean  float64 `json:"feeMean"`
	FeeMax   uint64  `json:"feeMax"`
}

// Stats is the read-only snapshot served by the status action.
type Stats struct {
	Periods          []PeriodStats  `json:"perPeriodStats"`
	DetectedPatterns map[string]int `json:"detectedPatterns"`
	SystemHealth     string         `json:"systemHealth"`
	RecentAlerts     []event.Alert  `json:"recentAlerts"`
}

// Engine holds the rolling state. All exported methods are safe for concurrent use.
type Engine struct {
	mu   sync.Mutex
	conf Config

	outcomes []bool   // sliding window of transaction outcomes, true = failed
	fees     []uint64 // rolling fee baseline
	history  []statEvent
	alerts   []event.Alert

	now func() time.Time
}

// New returns an Engine for the given configuration. Zero-valued fields fall back to defaults so a partially
// populated config section still yields a working engine.
func New(conf Config) *Engine {
	def := DefaultConfig()

	if conf.WindowSize <= 0 {
		conf.WindowSize = def.WindowSize
	}

	if conf.FailureThreshold <= 0 {
		conf.FailureThreshold = def.FailureThreshold
	}

	if conf.FeeSpikeMultiplier <= 0 {
		conf.FeeSpikeMultiplier = def.FeeSpikeMultiplier
	}

	if conf.MinFeeBaseline <= 0 {
		conf.MinFeeBaseline = def.MinFeeBaseline
	}

	if conf.FeeBaselineSize <= 0 {
		conf.FeeBaselineSize = def.FeeBaselineSize
	}

	if conf.PatternKeywords == nil {
		conf.PatternKeywords = def.PatternKeywords
	}

	return &Engine{conf: conf, now: time.Now}
}

// ProcessEvent folds the event into the rolling statistics and returns zero or more alerts. Malformed events are
// recorded best-effort with defaults; they contribute zero signal but never crash the pipeline.
func (e *Engine) ProcessEvent(ev event.Event) []event.Alert {
	now := e.now()

	ts := ev.TS
	if ts <= 0 {
		ts = event.Millis(now)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.prune(now)
	e.history = append(e.history, statEvent{ts: now, kind: ev.Kind, fee: ev.Data.Fee, failed: ev.Failed()})

	if ev.Kind != event.KindTransaction {
		return nil
	}

	var alerts []event.Alert

	// fee spike, judged against the baseline before this event is folded into it
	if a, spike := e.checkFeeSpike(ev, ts); spike {
		alerts = append(alerts, a)
	} else if ev.Data.Fee > 0 {
		e.fees = append(e.fees, ev.Data.Fee)
		if len(e.fees) > e.conf.FeeBaselineSize {
			e.fees = e.fees[1:]
		}
	}

	// failure-rate window
	e.outcomes = append(e.outcomes, ev.Failed())
	if len(e.outcomes) > e.conf.WindowSize {
		e.outcomes = e.outcomes[1:]
	}

	if a, trip := e.checkFailureRate(ev, ts); trip {
		alerts = append(alerts, a)
	}

	// advisory pattern heuristics
	alerts = append(alerts, e.matchPatterns(ev, ts)...)

	e.remember(alerts)

	return alerts
}

// Analyze evaluates a single event against the current baselines without folding it into any window. It serves the
// on-demand analysis entry point, independent of the live feed.
func (e *Engine) Analyze(ev event.Event) []event.Alert {
	ts := ev.TS
	if ts <= 0 {
		ts = event.Millis(e.now())
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var alerts []event.Alert

	if ev.Kind == event.KindTransaction {
		if a, spike := e.checkFeeSpike(ev, ts); spike {
			alerts = append(alerts, a)
		}
	}

	return append(alerts, e.matchPatterns(ev, ts)...)
}

// AnalyzeBatch runs a scratch engine with the same configuration over the batch, so batch analysis can trip window
// detections without touching the live state.
func (e *Engine) AnalyzeBatch(evs []event.Event) []event.Alert {
	scratch := New(e.conf)

	var alerts []event.Alert
	for _, ev := range evs {
		alerts = append(alerts, scratch.ProcessEvent(ev)...)
	}

	return alerts
}

// checkFeeSpike returns a fee-spike alert when the fee exceeds the rolling mean by the configured multiplier and the
// baseline holds enough samples. Called with the lock held.
func (e *Engine) checkFeeSpike(ev event.Event, ts int64) (event.Alert, bool) {
	if ev.Data.Fee == 0 || len(e.fees) < e.conf.MinFeeBaseline {
		return event.Alert{}, false
	}

	var sum uint64
	for _, f := range e.fees {
		sum += f
	}

	mean := float64(sum) / float64(len(e.fees))
	if mean <= 0 || float64(ev.Data.Fee) < mean*e.conf.FeeSpikeMultiplier {
		return event.Alert{}, false
	}

	return event.Alert{
		ID:       uuid.NewString(),
		Type:     event.AlertFeeSpike,
		Severity: event.SeverityHigh,
		Description: fmt.Sprintf("transaction fee %d exceeds rolling mean %.0f by %.1fx", ev.Data.Fee, mean,
			float64(ev.Data.Fee)/mean),
		TS:               ts,
		RelatedSignature: ev.Data.Signature,
	}, true
}

// checkFailureRate returns a failure-rate alert when the outcome window is full and the failure ratio crosses the
// threshold. Called with the lock held, after the new outcome has been folded in.
func (e *Engine) checkFailureRate(ev event.Event, ts int64) (event.Alert, bool) {
	if len(e.outcomes) < e.conf.WindowSize {
		return event.Alert{}, false
	}

	var failed int
	for _, f := range e.outcomes {
		if f {
			failed++
		}
	}

	ratio := float64(failed) / float64(len(e.outcomes))
	if ratio < e.conf.FailureThreshold {
		return event.Alert{}, false
	}

	return event.Alert{
		ID:       uuid.NewString(),
		Type:     event.AlertHighFailureRate,
		Severity: event.SeverityCritical,
		Description: fmt.Sprintf("%d of last %d transactions failed (%.0f%%)", failed, len(e.outcomes),
			ratio*100),
		TS:               ts,
		RelatedSignature: ev.Data.Signature,
	}, true
}

// matchPatterns scans logs and account keys against the keyword registry. Absence of a match is not an error, just no
// alert. Called with the lock held.
func (e *Engine) matchPatterns(ev event.Event, ts int64) []event.Alert {
	var alerts []event.Alert

	for _, kw := range e.conf.PatternKeywords {
		if kw == "" {
			continue
		}

		if !containsKeyword(ev, kw) {
			continue
		}

		alerts = append(alerts, event.Alert{
			ID:               uuid.NewString(),
			Type:             event.AlertPatternMatch,
			Severity:         event.SeverityMedium,
			Description:      fmt.Sprintf("event matches high-risk pattern %q", kw),
			TS:               ts,
			RelatedSignature: ev.Data.Signature,
		})
	}

	return alerts
}

func containsKeyword(ev event.Event, kw string) bool {
	for _, l := range ev.Data.Logs {
		if strings.Contains(strings.ToLower(l), kw) {
			return true
		}
	}

	for _, a := range ev.Data.AccountKeys {
		if strings.Contains(strings.ToLower(a), kw) {
			return true
		}
	}

	return false
}

// remember appends alerts to the bounded recent-alert ring. Called with the lock held.
func (e *Engine) remember(alerts []event.Alert) {
	if len(alerts) == 0 {
		return
	}

	e.alerts = append(e.alerts, alerts...)
	if n := len(e.alerts) - maxRecentAlerts; n > 0 {
		e.alerts = e.alerts[n:]
	}

	for _, a := range alerts {
		log.Printf("[anomaly] %s alert (%s): %s", a.Type, a.Severity, a.Description)
	}
}

// prune evicts history older than the largest retention period. Called with the lock held.
func (e *Engine) prune(now time.Time) {
	horizon := now.Add(-24 * time.Hour)

	i := 0
	for i < len(e.history) && e.history[i].ts.Before(horizon) {
		i++
	}

	if i > 0 {
		e.history = e.history[i:]
	}
}

// Stats aggregates the retained history into the requested periods and reports recent detections and overall health.
// It is a read-only snapshot apart from lazy eviction of expired history.
func (e *Engine) Stats(periods ...time.Duration) Stats {
	if len(periods) == 0 {
		periods = []time.Duration{time.Hour, 6 * time.Hour, 24 * time.Hour}
	}

	now := e.now()

	e.mu.Lock()
	defer e.mu.Unlock()

	e.prune(now)

	s := Stats{DetectedPatterns: make(map[string]int)}

	for _, p := range periods {
		ps := PeriodStats{Period: p.String()}
		cutoff := now.Add(-p)

		for _, h := range e.history {
			if h.ts.Before(cutoff) {
				continue
			}

			ps.Count++
			ps.FeeSum += h.fee

			if h.fee > ps.FeeMax {
				ps.FeeMax = h.fee
			}

			if h.failed {
				ps.Failures++
			}
		}

		if ps.Count > 0 {
			ps.FeeMean = float64(ps.FeeSum) / float64(ps.Count)
		}

		s.Periods = append(s.Periods, ps)
	}

	hourAgo := now.Add(-time.Hour)

	for _, a := range e.alerts {
		s.DetectedPatterns[a.Type]++

		if a.TS >= event.Millis(hourAgo) {
			switch a.Severity {
			case event.SeverityCritical:
				s.SystemHealth = "critical"
			case event.SeverityHigh:
				if s.SystemHealth != "critical" {
					s.SystemHealth = "degraded"
				}
			}
		}
	}

	if s.SystemHealth == "" {
		s.SystemHealth = "healthy"
	}

	s.RecentAlerts = append(s.RecentAlerts, e.alerts...)

	return s
}
