// Package monitor implements the ledger monitoring microservice.
//
// The service exposes an action-based HTTP API for clients to authenticate, subscribe to ledger event kinds and read
// diagnostics, plus a polling endpoint and a websocket endpoint that form the two delivery sinks. Internally it owns
// a stream.Manager wired to an upstream source, a message broker and an optional alert store.
package monitor

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/tarancss/chainwatch/anomaly"
	"github.com/tarancss/chainwatch/lib/auth"
	"github.com/tarancss/chainwatch/lib/config"
	"github.com/tarancss/chainwatch/lib/limits"
	"github.com/tarancss/chainwatch/lib/msg"
	"github.com/tarancss/chainwatch/lib/source"
	"github.com/tarancss/chainwatch/lib/store"
	"github.com/tarancss/chainwatch/lib/store/db"
	"github.com/tarancss/chainwatch/stream"
)

const sweepInterval = 10 * time.Minute

// Monitor contains the data necessary to deliver the service
type Monitor struct {
	dbtype string
	db     store.DB   // db connection, may be nil
	mb     msg.Broker // message broker, may be nil
	mgr    *stream.Manager
	poll   *PollSink
	push   *PushSink
	s      *http.Server  // http server
	ss     *http.Server  // https server
	sc     chan struct{} // http server channel used for graceful shutdowns
	sweep  chan struct{} // stops the auth sweep ticker
}

// New returns a pointer to a new Monitor service wired to the given upstream source, broker and store.
func New(conf config.ServiceConfig, dbtype string, dbConn store.DB, mb msg.Broker, src source.Source) *Monitor {
	m := &Monitor{
		dbtype: dbtype,
		db:     dbConn,
		mb:     mb,
		poll:   NewPollSink(conf.PollQueue),
		push:   NewPushSink(),
	}

	m.mgr = stream.New(managerConfig(conf), src, []stream.Sink{m.poll, m.push}, dbConn, mb,
		func(clientID string) {
			m.poll.Forget(clientID)
			m.push.Forget(clientID)
		})

	return m
}

// managerConfig converts the service configuration into the stream manager tunables.
func managerConfig(conf config.ServiceConfig) stream.Config {
	return stream.Config{
		Auth: auth.Config{
			TokenValidity: time.Duration(conf.Auth.TokenValidity) * time.Second,
			MaxFailures:   conf.Auth.MaxFailures,
			BlockDuration: time.Duration(conf.Auth.BlockDuration) * time.Second,
			FailureTTL:    time.Duration(conf.Auth.FailureTTL) * time.Second,
		},
		Rate: limits.Config{
			General:    limits.CategoryConfig(conf.Rate.General),
			Auth:       limits.CategoryConfig(conf.Rate.Auth),
			Connection: limits.CategoryConfig(conf.Rate.Connection),
			MaxClients: conf.Rate.MaxClients,
		},
		Anomaly: anomaly.Config(conf.Anomaly),
	}
}

// Manager exposes the stream manager, mainly for programmatic analysis entry points and tests.
func (m *Monitor) Manager() *stream.Manager {
	return m.mgr
}

// StopMonitor shuts down the http servers implementing the API and closes gracefully the stream manager and the
// connections to message broker and database.
func (m *Monitor) StopMonitor() {
	var err error
	// shutdown http server
	if m.s != nil {
		if err = m.s.Shutdown(context.Background()); err != nil {
			log.Printf("Error in http server shutdown:%e", err)
		}
	}

	if m.ss != nil {
		if err = m.ss.Shutdown(context.Background()); err != nil {
			log.Printf("Error in https server shutdown:%e", err)
		}
	}

	if m.sc != nil {
		close(m.sc) // close server channels to indicate shutdowns have finished
	}

	if m.sweep != nil {
		close(m.sweep)
	}

	// stop the pipeline: tears down upstream subscriptions and the processing loop
	m.mgr.Stop()

	// close message broker
	if m.mb != nil {
		if err = m.mb.Close(); err != nil {
			log.Printf("Error closing message broker:%e", err)
		}
	}

	// close database
	if m.db != nil {
		err = db.Close(m.dbtype, m.db)
		log.Printf("Disconnecting %v database, err:%e\n", m.dbtype, err)
	}
}

// startSweeper launches the periodic auth sweep. Expiry is enforced lazily on validation anyway; the sweep only
// bounds memory for clients that never come back.
func (m *Monitor) startSweeper() {
	m.sweep = make(chan struct{})

	go func() {
		t := time.NewTicker(sweepInterval)
		defer t.Stop()

		for {
			select {
			case <-t.C:
				m.mgr.Sweep()
			case <-m.sweep:
				return
			}
		}
	}()
}
