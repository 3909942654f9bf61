// stream_test.go tests the manager's lifecycle transitions, filtering and delivery isolation against fakes.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/tarancss/chainwatch/lib/event"
	"github.com/tarancss/chainwatch/lib/source"
)

// fakeSource is a controllable upstream feed.
type fakeSource struct {
	mu                 sync.Mutex
	blockSubs, logSubs int
	unsubs             int
	notif              chan source.RawEvent
}

func newFakeSource() *fakeSource {
	return &fakeSource{notif: make(chan source.RawEvent, 64)}
}

func (f *fakeSource) SubscribeBlocks(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blockSubs++
	return "bh", nil
}

func (f *fakeSource) SubscribeLogs(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logSubs++
	return "lh", nil
}

func (f *fakeSource) Unsubscribe(ctx context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubs++
	return nil
}

func (f *fakeSource) Notifications() <-chan source.RawEvent { return f.notif }
func (f *fakeSource) Close() error                          { return nil }

func (f *fakeSource) counts() (int, int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blockSubs, f.logSubs, f.unsubs
}

// recSink records deliveries per client and can be told to fail for one client.
type recSink struct {
	mu    sync.Mutex
	got   map[string][]event.Event
	fails string // client id whose deliveries fail
}

func newRecSink() *recSink {
	return &recSink{got: make(map[string][]event.Event)}
}

func (r *recSink) Deliver(clientID string, ev event.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if clientID == r.fails {
		return errors.New("connection lost")
	}
	r.got[clientID] = append(r.got[clientID], ev)
	return nil
}

func (r *recSink) count(clientID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got[clientID])
}

func (r *recSink) sigs(clientID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.got[clientID]))
	for _, ev := range r.got[clientID] {
		out = append(out, ev.Data.Signature)
	}
	return out
}

// feed pushes a raw transaction and waits for the processing loop to pick it up.
func feed(f *fakeSource, raw source.RawEvent) {
	f.notif <- raw
	time.Sleep(50 * time.Millisecond)
}

// TestLifecycle checks the start on first client, the subscription filters and the teardown on last removal.
func TestLifecycle(t *testing.T) {
	src := newFakeSource()
	sink := newRecSink()

	var removedMu sync.Mutex
	var removed []string
	m := New(Config{}, src, []Sink{sink}, nil, nil, func(id string) {
		removedMu.Lock()
		removed = append(removed, id)
		removedMu.Unlock()
	})

	// the first client triggers the starting transition
	m.AddClient("cli1")
	if b, l, _ := src.counts(); b != 1 || l != 1 {
		t.Errorf("first client should subscribe upstream once per kind, got blocks:%d logs:%d", b, l)
	}
	if st := m.Status(); !st.Monitoring || st.Clients != 1 {
		t.Errorf("status after first client:%+v", st)
	}

	// more clients do not re-subscribe, the handles are already active
	m.AddClient("cli2")
	m.AddClient("cli1") // idempotent
	if b, l, _ := src.counts(); b != 1 || l != 1 {
		t.Errorf("extra clients re-subscribed upstream, blocks:%d logs:%d", b, l)
	}

	// an unauthenticated session cannot subscribe
	if err := m.Subscribe("cli1", []string{event.KindTransaction}, ""); !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("expected ErrNotAuthenticated, got:%e", err)
	}
	if err := m.Subscribe("ghost", []string{event.KindTransaction}, ""); !errors.Is(err, ErrUnknownClient) {
		t.Errorf("expected ErrUnknownClient, got:%e", err)
	}

	// authenticate and subscribe with a valid token
	tok, validity := m.Authenticate("cli1")
	if tok == "" || validity <= 0 {
		t.Errorf("authenticate returned token:%q validity:%v", tok, validity)
	}
	if err := m.Subscribe("cli1", []string{event.KindTransaction}, tok); err != nil {
		t.Errorf("subscribe failed:%e", err)
	}

	// a bad token is a typed rejection
	if err := m.Subscribe("cli1", []string{event.KindTransaction}, "bogus"); err == nil {
		t.Errorf("expected subscribe with bad token to fail")
	}

	// cli2 authenticates and takes the wildcard
	tok2, _ := m.Authenticate("cli2")
	if err := m.Subscribe("cli2", []string{event.KindAll}, tok2); err != nil {
		t.Errorf("wildcard subscribe failed:%e", err)
	}

	// a transaction reaches both, a block only the wildcard subscriber
	feed(src, source.RawEvent{Kind: event.KindTransaction, Signature: "tx1", AccountKeys: []string{"w1", "w2"}})
	feed(src, source.RawEvent{Kind: event.KindBlock, Slot: 10})
	if sink.count("cli1") != 1 {
		t.Errorf("cli1 deliveries:%d expected 1", sink.count("cli1"))
	}
	if sink.count("cli2") != 2 {
		t.Errorf("cli2 deliveries:%d expected 2", sink.count("cli2"))
	}

	// noise is dropped before broadcast
	feed(src, source.RawEvent{Kind: event.KindTransaction, Signature: "vote",
		AccountKeys: []string{"Vote111111111111111111111111111111111111111"}})
	if sink.count("cli2") != 2 {
		t.Errorf("vote noise was broadcast, cli2 deliveries:%d", sink.count("cli2"))
	}

	// session snapshot reflects the filters
	s, ok := m.Session("cli1")
	if !ok || !s.Authenticated || !s.Subscriptions[event.KindTransaction] {
		t.Errorf("session snapshot unexpected:%+v", s)
	}

	// removing the last client tears down both upstream subscriptions
	m.RemoveClient("cli1")
	if _, _, u := src.counts(); u != 0 {
		t.Errorf("teardown before last removal, unsubs:%d", u)
	}
	m.RemoveClient("cli2")
	if _, _, u := src.counts(); u != 2 {
		t.Errorf("last removal should tear down both kinds, unsubs:%d", u)
	}
	if st := m.Status(); st.Monitoring || st.Clients != 0 {
		t.Errorf("status after last removal:%+v", st)
	}

	removedMu.Lock()
	if len(removed) != 2 {
		t.Errorf("removal hook calls:%v expected 2", removed)
	}
	removedMu.Unlock()

	m.Stop()
}

// TestDeliveryIsolation checks a failing recipient loses its session while the other clients and the other sinks
// keep receiving within the same broadcast.
func TestDeliveryIsolation(t *testing.T) {
	src := newFakeSource()
	flaky := newRecSink()
	steady := newRecSink()
	m := New(Config{}, src, []Sink{flaky, steady}, nil, nil, nil)

	for _, id := range []string{"good", "bad"} {
		tok, _ := m.Authenticate(id)
		if err := m.Subscribe(id, []string{event.KindAll}, tok); err != nil {
			t.Errorf("[%s] subscribe failed:%e", id, err)
		}
	}

	flaky.fails = "bad"
	feed(src, source.RawEvent{Kind: event.KindTransaction, Signature: "tx1", AccountKeys: []string{"w1"}})

	if flaky.count("good") != 1 {
		t.Errorf("good client deliveries:%d expected 1", flaky.count("good"))
	}
	// the failure on one sink does not stop the other sink's deliveries in the same broadcast
	if steady.count("good") != 1 || steady.count("bad") != 1 {
		t.Errorf("second sink deliveries good:%d bad:%d expected 1/1", steady.count("good"), steady.count("bad"))
	}
	if _, ok := m.Session("bad"); ok {
		t.Errorf("failing recipient should have been removed")
	}
	if _, ok := m.Session("good"); !ok {
		t.Errorf("healthy recipient was removed")
	}

	// the stream keeps flowing for the survivor, the removed session gets nothing more
	feed(src, source.RawEvent{Kind: event.KindTransaction, Signature: "tx2", AccountKeys: []string{"w1"}})
	if flaky.count("good") != 2 {
		t.Errorf("good client deliveries:%d expected 2", flaky.count("good"))
	}
	if steady.count("bad") != 1 {
		t.Errorf("removed session still receiving, deliveries:%d", steady.count("bad"))
	}

	m.Stop()
}

// TestRestart checks monitoring can go idle and start again with a later client.
func TestRestart(t *testing.T) {
	src := newFakeSource()
	m := New(Config{}, src, []Sink{newRecSink()}, nil, nil, nil)

	m.AddClient("a")
	m.RemoveClient("a")
	m.AddClient("b")

	b, l, u := src.counts()
	if b != 2 || l != 2 || u != 2 {
		t.Errorf("restart counters blocks:%d logs:%d unsubs:%d expected 2/2/2", b, l, u)
	}
	if st := m.Status(); !st.Monitoring || st.Clients != 1 {
		t.Errorf("status after restart:%+v", st)
	}

	m.Stop()
}

// TestRestartHandoff checks a restart while notifications are queued keeps processing single-threaded: every event
// is counted exactly once and the new client's deliveries preserve feed order.
func TestRestartHandoff(t *testing.T) {
	src := newFakeSource()
	sink := newRecSink()
	m := New(Config{}, src, []Sink{sink}, nil, nil, nil)

	tok, _ := m.Authenticate("a")
	if err := m.Subscribe("a", []string{event.KindAll}, tok); err != nil {
		t.Errorf("subscribe failed:%e", err)
	}

	// queue work so the outgoing loop still has ready notifications during the transition
	order := make(map[string]int)
	for i := 0; i < 8; i++ {
		sig := fmt.Sprintf("tx%d", i)
		order[sig] = i
		src.notif <- source.RawEvent{Kind: event.KindTransaction, Signature: sig, AccountKeys: []string{"w1"}}
	}

	m.RemoveClient("a")
	tok, _ = m.Authenticate("b")
	if err := m.Subscribe("b", []string{event.KindAll}, tok); err != nil {
		t.Errorf("subscribe after restart failed:%e", err)
	}

	order["after"] = 8
	feed(src, source.RawEvent{Kind: event.KindTransaction, Signature: "after", AccountKeys: []string{"w1"}})
	time.Sleep(50 * time.Millisecond)

	if st := m.Status(); !st.Monitoring || st.EventsProcessed != 9 {
		t.Errorf("status after handoff:%+v expected 9 events processed", st)
	}

	got := sink.sigs("b")
	if len(got) == 0 || got[len(got)-1] != "after" {
		t.Errorf("deliveries after restart:%v expected to end with the post-restart event", got)
	}
	for i := 1; i < len(got); i++ {
		if order[got[i-1]] >= order[got[i]] {
			t.Errorf("deliveries out of feed order:%v", got)
		}
	}

	m.Stop()
}

// TestSourceClosed checks the manager reports idle once the upstream feed dies.
func TestSourceClosed(t *testing.T) {
	src := newFakeSource()
	m := New(Config{}, src, []Sink{newRecSink()}, nil, nil, nil)

	m.AddClient("a")
	close(src.notif)
	time.Sleep(50 * time.Millisecond)

	if st := m.Status(); st.Monitoring {
		t.Errorf("monitoring still reported after upstream channel closed:%+v", st)
	}

	m.Stop()
}
