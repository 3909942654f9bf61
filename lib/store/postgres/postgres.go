// Package postgres implements the store interface for PostgreSQL.
package postgres

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq" // load the postgres driver that is used by the system

	"github.com/tarancss/chainwatch/lib/event"
	"github.com/tarancss/chainwatch/lib/store"
)

type Postgres struct {
	db *sql.DB
}

// New returns a postgres client connection to the specified database in 'connection' and ensures the schema exists.
func New(connection string) (*Postgres, error) {
	db, err := sql.Open("postgres", connection)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to DB in %s: %w", connection, err)
	}

	p := &Postgres{db: db}
	if err = p.ensureSchema(); err != nil {
		return nil, err
	}

	return p, nil
}

func (p *Postgres) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS alerts (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			severity TEXT NOT NULL,
			description TEXT NOT NULL,
			ts BIGINT NOT NULL,
			related_signature TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			one INT PRIMARY KEY DEFAULT 1 CHECK (one = 1),
			doc JSONB NOT NULL
		)`,
	}

	for _, s := range stmts {
		if _, err := p.db.Exec(s); err != nil {
			return fmt.Errorf("cannot ensure schema: %w", err)
		}
	}

	return nil
}

// ClosePostgres will close any database connection. Must be called at termination time.
func (p *Postgres) ClosePostgres() error {
	return p.db.Close()
}

// SaveAlert inserts an emitted alert.
func (p *Postgres) SaveAlert(a event.Alert) error {
	_, err := p.db.Exec(
		`INSERT INTO alerts (id, type, severity, description, ts, related_signature)
		 VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (id) DO NOTHING`,
		a.ID, a.Type, a.Severity, a.Description, a.TS, a.RelatedSignature)
	if err != nil {
		return fmt.Errorf("could not insert alert in db: %w", err)
	}

	return nil
}

// GetAlerts returns up to limit alerts emitted at or after since, newest first.
func (p *Postgres) GetAlerts(since time.Time, limit int) ([]event.Alert, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := p.db.Query(
		`SELECT id, type, severity, description, ts, related_signature FROM alerts
		 WHERE ts >= $1 ORDER BY ts DESC LIMIT $2`, event.Millis(since), limit)
	if err != nil {
		return nil, fmt.Errorf("error getting alerts from db: %w", err)
	}
	defer rows.Close()

	alerts := []event.Alert{}

	for rows.Next() {
		var a event.Alert
		if err = rows.Scan(&a.ID, &a.Type, &a.Severity, &a.Description, &a.TS, &a.RelatedSignature); err != nil {
			return nil, fmt.Errorf("error scanning alert row: %w", err)
		}

		alerts = append(alerts, a)
	}

	return alerts, rows.Err()
}

// SaveSnapshot upserts the single stream-state snapshot row.
func (p *Postgres) SaveSnapshot(s store.Snapshot) error {
	doc, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("could not marshal snapshot: %w", err)
	}

	if _, err = p.db.Exec(
		`INSERT INTO snapshots (one, doc) VALUES (1, $1) ON CONFLICT (one) DO UPDATE SET doc = $1`, doc); err != nil {
		return fmt.Errorf("could not save snapshot in db: %w", err)
	}

	return nil
}

// LoadSnapshot loads the stream-state snapshot saved by the last shutdown.
func (p *Postgres) LoadSnapshot() (s store.Snapshot, err error) {
	var doc []byte

	err = p.db.QueryRow(`SELECT doc FROM snapshots WHERE one = 1`).Scan(&doc)
	if err == sql.ErrNoRows {
		return s, store.ErrDataNotFound
	} else if err != nil {
		return s, fmt.Errorf("error loading snapshot from db: %w", err)
	}

	err = json.Unmarshal(doc, &s)

	return
}
