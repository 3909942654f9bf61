// Package msg defines the interface for different message brokers. The monitor publishes emitted alerts and security
// escalation events so external monitoring tools can consume them in real time.
package msg

import (
	"sync"

	"github.com/tarancss/chainwatch/lib/event"
)

// Security event types.
const (
	SecClientBlocked = "client_blocked"
)

// SecurityEvent is published when the auth registry escalates, e.g. a client crosses the failure threshold.
type SecurityEvent struct {
	Type     string `json:"type"`
	ClientID string `json:"clientId"`
	Attempts int    `json:"attempts"`
	TS       int64  `json:"timestamp"`
}

type Broker interface {
	Setup(interface{}) error
	Close() error

	// publishing methods for the monitor service
	SendAlert(a event.Alert) error
	SendSecurityEvent(e SecurityEvent) error

	// consuming methods for external monitoring tools
	GetAlerts(mut *sync.Mutex) (<-chan event.Alert, <-chan error, error)
}
