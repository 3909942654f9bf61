// Package store defines the interface for database implementations used by the monitor service. Retention is
// best-effort: the live pipeline never depends on the store, it exists so emitted alerts can be reviewed offline.
package store

import (
	"errors"
	"time"

	"github.com/tarancss/chainwatch/lib/event"
)

// DB defines required methods for alert retention and stream-state snapshots.
type DB interface {
	SaveAlert(a event.Alert) error
	GetAlerts(since time.Time, limit int) ([]event.Alert, error)
	SaveSnapshot(s Snapshot) error
	LoadSnapshot() (Snapshot, error)
}

// Errors returned
var (
	ErrDataNotFound = errors.New("data was not found in store")
)
