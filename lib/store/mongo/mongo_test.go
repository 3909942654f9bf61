// +build integration

package mongo

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/tarancss/chainwatch/lib/event"
	"github.com/tarancss/chainwatch/lib/store"
)

// uri requires an available MongoDB server.
var uri string = "mongodb://localhost:27017"

func TestNewMongo(t *testing.T) {
	m, err := New(uri)
	if err != nil {
		t.Errorf("err:%e", err)
		return
	}
	if err = m.CloseMongo(); err != nil {
		t.Errorf("err:%e", err)
	}
}

func TestAlerts(t *testing.T) {
	m, err := New(uri)
	if err != nil {
		t.Errorf("err:%e", err)
		return
	}
	defer m.CloseMongo()

	a := event.Alert{
		ID:               uuid.NewString(),
		Type:             event.AlertFeeSpike,
		Severity:         event.SeverityHigh,
		Description:      "transaction fee 50000 exceeds rolling mean 5000 by 10.0x",
		TS:               event.Millis(time.Now()),
		RelatedSignature: "sigtest",
	}
	if err = m.SaveAlert(a); err != nil {
		t.Errorf("SaveAlert - err:%e", err)
	}

	alerts, err := m.GetAlerts(time.Now().Add(-time.Minute), 10)
	if err != nil {
		t.Errorf("GetAlerts - err:%e", err)
	}
	var found bool
	for _, got := range alerts {
		if got.ID == a.ID {
			found = true
			if got.Type != a.Type || got.Severity != a.Severity || got.RelatedSignature != a.RelatedSignature {
				t.Errorf("alert does not match the saved one:%+v", got)
			}
		}
	}
	if !found {
		t.Errorf("saved alert not returned, got:%+v", alerts)
	}
}

func TestSnapshot(t *testing.T) {
	m, err := New(uri)
	if err != nil {
		t.Errorf("err:%e", err)
		return
	}
	defer m.CloseMongo()

	s := store.Snapshot{
		TS:              time.Now(),
		Clients:         3,
		Monitoring:      true,
		EventsProcessed: 208,
		AlertCounts:     map[string]int{event.AlertFeeSpike: 2},
	}
	if err = m.SaveSnapshot(s); err != nil {
		t.Errorf("SaveSnapshot - err:%e", err)
	}

	if s2, err2 := m.LoadSnapshot(); err2 != nil || s2.Clients != 3 || s2.EventsProcessed != 208 ||
		s2.AlertCounts[event.AlertFeeSpike] != 2 {
		t.Errorf("LoadSnapshot - err:%e, s2:%+v", err2, s2)
	}
}
