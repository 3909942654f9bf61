// anomaly_test.go unit tests the detection rules over synthetic event streams.
package anomaly

import (
	"testing"
	"time"

	"github.com/tarancss/chainwatch/lib/event"
)

// tx builds a transaction event for the tests.
func tx(sig string, fee uint64, errStr string, logs ...string) event.Event {
	return event.Event{
		Kind: event.KindTransaction,
		TS:   event.Millis(time.Now()),
		Data: event.Payload{Signature: sig, Fee: fee, Err: errStr, Logs: logs},
	}
}

// TestFeeSpike checks the spike fires against the rolling baseline and that spike fees are kept out of it.
func TestFeeSpike(t *testing.T) {
	e := New(DefaultConfig())

	// build the baseline: 5 ordinary fees, no alerts yet
	for i := 0; i < 5; i++ {
		if alerts := e.ProcessEvent(tx("base", 5000, "")); len(alerts) != 0 {
			t.Errorf("no alert expected while building baseline, got:%+v", alerts)
		}
	}

	// 50000 is 10x the 5000 mean, above the 8x multiplier
	alerts := e.ProcessEvent(tx("spike1", 50000, ""))
	if len(alerts) != 1 || alerts[0].Type != event.AlertFeeSpike || alerts[0].Severity != event.SeverityHigh {
		t.Errorf("expected a high fee-spike alert, got:%+v", alerts)
	}
	if alerts[0].RelatedSignature != "spike1" || alerts[0].ID == "" {
		t.Errorf("alert not related to the triggering event:%+v", alerts[0])
	}

	// the spike fee was not folded into the baseline, so a second spike still fires
	alerts = e.ProcessEvent(tx("spike2", 50000, ""))
	if len(alerts) != 1 || alerts[0].Type != event.AlertFeeSpike {
		t.Errorf("second spike should fire against the unpolluted baseline, got:%+v", alerts)
	}

	// an ordinary fee after the spikes raises nothing
	if alerts = e.ProcessEvent(tx("base", 6000, "")); len(alerts) != 0 {
		t.Errorf("ordinary fee should not alert:%+v", alerts)
	}
}

// TestFailureRate checks the sliding window alert and that a healthy stream stays silent.
func TestFailureRate(t *testing.T) {
	e := New(DefaultConfig())

	// 7 failures and 2 successes: window not full, no alert yet
	for i := 0; i < 7; i++ {
		if alerts := e.ProcessEvent(tx("f", 0, "InstructionError")); len(alerts) != 0 {
			t.Errorf("no alert expected before the window fills, got:%+v", alerts)
		}
	}
	for i := 0; i < 2; i++ {
		e.ProcessEvent(tx("s", 0, ""))
	}

	// the 10th outcome fills the window at 7/10 failed, on the 0.7 threshold
	alerts := e.ProcessEvent(tx("s", 0, ""))
	if len(alerts) != 1 || alerts[0].Type != event.AlertHighFailureRate ||
		alerts[0].Severity != event.SeverityCritical {
		t.Errorf("expected a critical failure-rate alert, got:%+v", alerts)
	}

	// a healthy stream never alerts
	e = New(DefaultConfig())
	for i := 0; i < 20; i++ {
		if alerts := e.ProcessEvent(tx("ok", 0, "")); len(alerts) != 0 {
			t.Errorf("healthy stream should stay silent, got:%+v", alerts)
		}
	}
}

// TestPatternsAndMalformed checks the keyword heuristics and that empty events flow through without crashing.
func TestPatternsAndMalformed(t *testing.T) {
	e := New(DefaultConfig())

	alerts := e.ProcessEvent(tx("p1", 0, "", "Program log: honeypot deployment detected"))
	if len(alerts) != 1 || alerts[0].Type != event.AlertPatternMatch || alerts[0].Severity != event.SeverityMedium {
		t.Errorf("expected a medium pattern-match alert, got:%+v", alerts)
	}

	// keyword in an account key matches too
	ev := tx("p2", 0, "")
	ev.Data.AccountKeys = []string{"RUGxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxx"}
	if alerts = e.ProcessEvent(ev); len(alerts) != 1 || alerts[0].Type != event.AlertPatternMatch {
		t.Errorf("expected a pattern match on account key, got:%+v", alerts)
	}

	// a zero-valued event must not panic and contributes no signal
	if alerts = e.ProcessEvent(event.Event{}); len(alerts) != 0 {
		t.Errorf("zero event should not alert:%+v", alerts)
	}

	// non-transaction kinds only feed the statistics
	if alerts = e.ProcessEvent(event.Event{Kind: event.KindBlock}); len(alerts) != 0 {
		t.Errorf("block event should not alert:%+v", alerts)
	}
}

// TestAnalyze checks the on-demand entry points leave the live windows untouched.
func TestAnalyze(t *testing.T) {
	e := New(DefaultConfig())
	for i := 0; i < 5; i++ {
		e.ProcessEvent(tx("base", 5000, ""))
	}

	// Analyze sees the live baseline but does not mutate it
	for i := 0; i < 2; i++ {
		alerts := e.Analyze(tx("spike", 50000, ""))
		if len(alerts) != 1 || alerts[0].Type != event.AlertFeeSpike {
			t.Errorf("analyze run %d expected a fee-spike alert, got:%+v", i, alerts)
		}
	}

	// AnalyzeBatch runs on scratch state: the batch builds its own baseline
	batch := []event.Event{}
	for i := 0; i < 5; i++ {
		batch = append(batch, tx("b", 1000, ""))
	}
	batch = append(batch, tx("bspike", 20000, ""))
	alerts := e.AnalyzeBatch(batch)
	if len(alerts) != 1 || alerts[0].Type != event.AlertFeeSpike || alerts[0].RelatedSignature != "bspike" {
		t.Errorf("batch analysis expected one fee-spike alert, got:%+v", alerts)
	}

	// the live engine still holds only the 5 original samples: a 6th ordinary fee raises nothing
	if alerts = e.ProcessEvent(tx("base", 5000, "")); len(alerts) != 0 {
		t.Errorf("live engine was polluted by analysis:%+v", alerts)
	}
}

// TestStats checks period aggregation, pattern counts and the health verdict.
func TestStats(t *testing.T) {
	e := New(DefaultConfig())

	s := e.Stats()
	if len(s.Periods) != 3 || s.SystemHealth != "healthy" || len(s.RecentAlerts) != 0 {
		t.Errorf("empty engine stats unexpected:%+v", s)
	}

	for i := 0; i < 5; i++ {
		e.ProcessEvent(tx("base", 5000, ""))
	}
	e.ProcessEvent(tx("spike", 50000, "")) // high severity within the last hour

	s = e.Stats()
	if s.Periods[0].Count != 6 || s.Periods[0].Failures != 0 || s.Periods[0].FeeMax != 50000 {
		t.Errorf("hourly stats unexpected:%+v", s.Periods[0])
	}
	if s.DetectedPatterns[event.AlertFeeSpike] != 1 {
		t.Errorf("detected patterns unexpected:%+v", s.DetectedPatterns)
	}
	if s.SystemHealth != "degraded" {
		t.Errorf("health should be degraded after a recent high alert, got:%s", s.SystemHealth)
	}

	// a critical alert escalates the verdict
	for i := 0; i < 10; i++ {
		e.ProcessEvent(tx("f", 0, "InstructionError"))
	}
	if s = e.Stats(); s.SystemHealth != "critical" {
		t.Errorf("health should be critical after a failure-rate alert, got:%s", s.SystemHealth)
	}
}
