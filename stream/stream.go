// Package stream implements the orchestrator of the monitoring pipeline. The manager owns the client registry,
// starts and stops the upstream subscriptions based on client count, classifies and broadcasts each event and drives
// the anomaly engine. All registry mutations go through the manager's single lock so two concurrent first-client
// arrivals cannot both run the starting transition.
package stream

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/tarancss/chainwatch/anomaly"
	"github.com/tarancss/chainwatch/lib/auth"
	"github.com/tarancss/chainwatch/lib/classify"
	"github.com/tarancss/chainwatch/lib/event"
	"github.com/tarancss/chainwatch/lib/limits"
	"github.com/tarancss/chainwatch/lib/msg"
	"github.com/tarancss/chainwatch/lib/source"
	"github.com/tarancss/chainwatch/lib/store"
	"github.com/tarancss/chainwatch/stream/subadapter"
)

const subscribeTimeout = 10 * time.Second

// Errors returned by Subscribe.
var (
	ErrUnknownClient    = errors.New("stream: unknown client")
	ErrNotAuthenticated = errors.New("stream: client not authenticated")
)

// Sink delivers events to one consumer pool. Implementations must treat a delivery error as scoped to that one
// recipient; the manager removes the recipient's session and carries on.
type Sink interface {
	Deliver(clientID string, ev event.Event) error
}

// Session is one connected observer.
type Session struct {
	ID             string          `json:"id"`
	Authenticated  bool            `json:"authenticated"`
	Subscriptions  map[string]bool `json:"subscriptions"`
	ConnectedAt    time.Time       `json:"connectedAt"`
	LastActivityAt time.Time       `json:"lastActivityAt"`
}

// Status is the diagnostic snapshot served by the status action. Reading it has no side effects.
type Status struct {
	Monitoring      bool                         `json:"monitoring"`
	Clients         int                          `json:"clients"`
	Subscriptions   map[string]subadapter.Handle `json:"subscriptions"`
	EventsProcessed uint64                       `json:"eventsProcessed"`
	Anomaly         anomaly.Stats                `json:"anomaly"`
}

// Config carries the stream manager tunables.
type Config struct {
	Auth    auth.Config
	Rate    limits.Config
	Anomaly anomaly.Config
}

// Manager orchestrates the pipeline.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session

	authReg *auth.Registry
	limiter *limits.Limiter
	adapter *subadapter.Adapter
	engine  *anomaly.Engine
	src     source.Source
	sinks   []Sink
	db      store.DB
	mb      msg.Broker

	onRemoved func(clientID string) // lets the transport layer drop per-client sink state

	looping     bool
	stopCh      chan struct{}
	loopDone    chan struct{}
	processed   uint64
	alertCounts map[string]int
}

// New constructs the manager and its owned components. db, mb and onRemoved may be nil; sinks must not be.
func New(conf Config, src source.Source, sinks []Sink, db store.DB, mb msg.Broker,
	onRemoved func(string)) *Manager {
	m := &Manager{
		sessions:    make(map[string]*Session),
		limiter:     limits.New(conf.Rate),
		adapter:     subadapter.New(src),
		engine:      anomaly.New(conf.Anomaly),
		src:         src,
		sinks:       sinks,
		db:          db,
		mb:          mb,
		onRemoved:   onRemoved,
		alertCounts: make(map[string]int),
	}
	m.authReg = auth.New(conf.Auth, m.surfaceBlock)

	return m
}

// surfaceBlock publishes auth escalation events to the monitoring sink.
func (m *Manager) surfaceBlock(be auth.BlockEvent) {
	if m.mb == nil {
		return
	}

	e := msg.SecurityEvent{
		Type:     msg.SecClientBlocked,
		ClientID: be.ClientID,
		Attempts: be.Attempts,
		TS:       event.Millis(time.Now()),
	}
	if err := m.mb.SendSecurityEvent(e); err != nil {
		log.Printf("Error publishing security event for client %s:%e", be.ClientID, err)
	}
}

// AddClient registers a session for the client id, idempotent per id. The first registered client triggers the
// starting transition: upstream subscriptions are ensured and the processing loop starts.
func (m *Manager) AddClient(clientID string) {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[clientID]; ok {
		s.LastActivityAt = now

		return
	}

	m.sessions[clientID] = &Session{
		ID:             clientID,
		Subscriptions:  make(map[string]bool),
		ConnectedAt:    now,
		LastActivityAt: now,
	}
	metClients.Set(float64(len(m.sessions)))

	m.startLocked()
}

// startLocked runs the starting transition under the manager lock. EnsureSubscribed is idempotent, so calling it on
// every client arrival doubles as the retry path for subscriptions that failed on a previous attempt.
func (m *Manager) startLocked() {
	ctx, cancel := context.WithTimeout(context.Background(), subscribeTimeout)
	defer cancel()

	for _, kind := range []string{subadapter.KindBlocks, subadapter.KindTxLogs} {
		if err := m.adapter.EnsureSubscribed(ctx, kind); err != nil {
			log.Printf("[%s] Subscription attempt failed:%e", kind, err)
		}
	}

	if m.looping {
		return
	}

	m.looping = true
	m.stopCh = make(chan struct{})
	prev := m.loopDone
	m.loopDone = make(chan struct{})

	go m.processLoop(m.stopCh, m.loopDone, prev)

	log.Printf("Monitoring started")
}

// Authenticate registers the session if needed, marks it authenticated and issues a fresh token. The caller is
// expected to have passed the auth-category rate check already.
func (m *Manager) Authenticate(clientID string) (string, time.Duration) {
	m.AddClient(clientID)

	token, validity := m.authReg.Authenticate(clientID)

	m.mu.Lock()
	if s, ok := m.sessions[clientID]; ok {
		s.Authenticated = true
		s.LastActivityAt = time.Now()
	}
	m.mu.Unlock()

	return token, validity
}

// Subscribe sets the client's event-type filters. It requires an authenticated session and, when a token is
// supplied, a passing validation. Failures return typed errors so the transport can map them to structured
// rejections instead of crashing.
func (m *Manager) Subscribe(clientID string, eventTypes []string, token string) error {
	m.mu.Lock()
	s, ok := m.sessions[clientID]

	if !ok {
		m.mu.Unlock()

		return ErrUnknownClient
	}

	if !s.Authenticated {
		m.mu.Unlock()

		return ErrNotAuthenticated
	}
	m.mu.Unlock()

	if token != "" {
		if err := m.authReg.Validate(clientID, token); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// session may have been removed while validating
	s, ok = m.sessions[clientID]
	if !ok {
		return ErrUnknownClient
	}

	subs := make(map[string]bool, len(eventTypes))
	for _, t := range eventTypes {
		subs[t] = true
	}

	s.Subscriptions = subs
	s.LastActivityAt = time.Now()

	return nil
}

// RemoveClient clears the session, its auth token, failure record and rate buckets. Removing the last client
// triggers the idle transition: upstream subscriptions are torn down and the processing loop stops.
func (m *Manager) RemoveClient(clientID string) {
	m.mu.Lock()

	if _, ok := m.sessions[clientID]; !ok {
		m.mu.Unlock()

		return
	}

	delete(m.sessions, clientID)
	metClients.Set(float64(len(m.sessions)))

	last := len(m.sessions) == 0
	if last {
		m.stopLocked()
	}
	m.mu.Unlock()

	m.authReg.Forget(clientID)
	m.limiter.Forget(clientID)

	if m.onRemoved != nil {
		m.onRemoved(clientID)
	}

	if last {
		log.Printf("Last client %s removed, monitoring idle", clientID)
	}
}

// stopLocked runs the idle transition under the manager lock.
func (m *Manager) stopLocked() {
	ctx, cancel := context.WithTimeout(context.Background(), subscribeTimeout)
	defer cancel()

	m.adapter.TeardownAll(ctx)

	if m.looping {
		close(m.stopCh)
		m.looping = false
	}

	m.saveSnapshotLocked()
}

// saveSnapshotLocked persists the stream state best-effort for offline review. Called with the lock held.
func (m *Manager) saveSnapshotLocked() {
	if m.db == nil {
		return
	}

	counts := make(map[string]int, len(m.alertCounts))
	for k, v := range m.alertCounts {
		counts[k] = v
	}

	snap := store.Snapshot{
		TS:              time.Now(),
		Clients:         len(m.sessions),
		Monitoring:      m.looping,
		EventsProcessed: m.processed,
		AlertCounts:     counts,
	}
	if err := m.db.SaveSnapshot(snap); err != nil {
		log.Printf("Error saving stream snapshot:%e", err)
	}
}

// Stop tears everything down regardless of client count. Used at service shutdown.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.stopLocked()
	done := m.loopDone
	m.mu.Unlock()

	if done != nil {
		<-done
	}
}

// processLoop consumes upstream notifications until stopped. A single goroutine owns the pipeline so events reach
// the sinks and the anomaly engine in classification order; a loop started during a restart waits for its
// predecessor to finish before consuming. The wait happens off the manager lock, the predecessor still needs it
// to drain.
func (m *Manager) processLoop(stop <-chan struct{}, done chan<- struct{}, prev <-chan struct{}) {
	defer close(done)

	if prev != nil {
		<-prev
	}

	notif := m.src.Notifications()

	for {
		select {
		case raw, ok := <-notif:
			if !ok {
				log.Printf("Upstream notification channel closed")
				m.markStopped(stop)

				return
			}

			m.process(raw)

			// the select above may pick a ready notification over an already closed stop channel
			select {
			case <-stop:
				return
			default:
			}
		case <-stop:
			return
		}
	}
}

// markStopped clears the monitoring flag when a loop's upstream feed dies. The stop channel identifies the loop,
// so a replacement started in the meantime is left alone.
func (m *Manager) markStopped(stop <-chan struct{}) {
	m.mu.Lock()
	if m.looping && m.stopCh == stop {
		m.looping = false
	}
	m.mu.Unlock()
}

// process runs one event through the pipeline: classify once, broadcast to every sink, then feed the anomaly engine.
// No error in here may abort the loop; single-event failures stay with that event.
func (m *Manager) process(raw source.RawEvent) {
	ev, keep := classify.Classify(raw)
	if !keep {
		metEventsDropped.Inc()

		return
	}

	if ev.TS <= 0 {
		ev.TS = event.Millis(time.Now())
	}

	m.broadcast(ev)

	alerts := m.engine.ProcessEvent(ev)
	for _, a := range alerts {
		metAlerts.WithLabelValues(a.Type).Inc()

		if m.mb != nil {
			if err := m.mb.SendAlert(a); err != nil {
				log.Printf("Error publishing alert %s:%e", a.ID, err)
			}
		}

		if m.db != nil {
			if err := m.db.SaveAlert(a); err != nil {
				log.Printf("Error saving alert %s:%e", a.ID, err)
			}
		}
	}

	m.mu.Lock()
	m.processed++
	for _, a := range alerts {
		m.alertCounts[a.Type]++
	}
	m.mu.Unlock()

	metEventsProcessed.Inc()
}

// broadcast delivers the event to every authenticated session subscribed to its kind (or the wildcard). Delivery
// errors are isolated per recipient: the failing session is assumed dead and removed, everyone else still gets the
// event on every sink.
func (m *Manager) broadcast(ev event.Event) {
	m.mu.Lock()
	recipients := make([]string, 0, len(m.sessions))

	for id, s := range m.sessions {
		if !s.Authenticated {
			continue // never deliver to unauthenticated sessions
		}

		if s.Subscriptions[ev.Kind] || s.Subscriptions[event.KindAll] {
			recipients = append(recipients, id)
		}
	}
	m.mu.Unlock()

	var dead []string

	for _, sink := range m.sinks {
		for _, id := range recipients {
			if err := sink.Deliver(id, ev); err != nil {
				log.Printf("Delivery to client %s failed, dropping session:%e", id, err)
				metBroadcastErrors.Inc()
				dead = append(dead, id)
			}
		}
	}

	for _, id := range dead {
		m.RemoveClient(id)
	}
}

// Status returns the diagnostic snapshot: monitoring state, client count, per-kind subscription counters and the
// anomaly engine's health.
func (m *Manager) Status() Status {
	m.mu.Lock()
	st := Status{
		Monitoring:      m.looping,
		Clients:         len(m.sessions),
		EventsProcessed: m.processed,
	}
	m.mu.Unlock()

	st.Subscriptions = m.adapter.Status()
	st.Anomaly = m.engine.Stats()

	return st
}

// Session returns a copy of the client's session, if registered.
func (m *Manager) Session(clientID string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[clientID]
	if !ok {
		return Session{}, false
	}

	cp := *s
	cp.Subscriptions = make(map[string]bool, len(s.Subscriptions))

	for k, v := range s.Subscriptions {
		cp.Subscriptions[k] = v
	}

	return cp, true
}

// IsBlocked reports whether the client is blocked; an elapsed block is cleared by the check (see lib/auth).
func (m *Manager) IsBlocked(clientID string) bool {
	return m.authReg.IsBlocked(clientID)
}

// ValidateToken checks the supplied auth token for the client; failures count against the failure record.
func (m *Manager) ValidateToken(clientID, token string) error {
	return m.authReg.Validate(clientID, token)
}

// CheckRate runs a rate check for the client in the given category.
func (m *Manager) CheckRate(clientID, category string) limits.Result {
	return m.limiter.Check(clientID, category, 1)
}

// RateMeta describes the configured rate limits, replied on authentication.
func (m *Manager) RateMeta() map[string]limits.CategoryConfig {
	return m.limiter.Meta()
}

// Analyze evaluates one event against the current baselines without touching the live windows.
func (m *Manager) Analyze(ev event.Event) []event.Alert {
	return m.engine.Analyze(ev)
}

// AnalyzeBatch analyzes a batch on a scratch copy of the engine configuration.
func (m *Manager) AnalyzeBatch(evs []event.Event) []event.Alert {
	return m.engine.AnalyzeBatch(evs)
}

// Sweep expires stale auth state. Intended to be driven by a ticker in the service owner.
func (m *Manager) Sweep() {
	tokens, records := m.authReg.Sweep()
	if tokens > 0 || records > 0 {
		log.Printf("Swept %d expired tokens, %d stale failure records", tokens, records)
	}
}
