// Package subadapter wraps the upstream source with subscribe-once semantics per subscription kind. The adapter is a
// secondary defense against duplicate upstream subscriptions: the stream manager serializes the starting transition,
// and the idempotency check here catches anything that slips through.
package subadapter

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/tarancss/chainwatch/lib/source"
)

// Subscription kinds.
const (
	KindBlocks = "blocks"
	KindTxLogs = "transaction-logs"
)

// ErrUnknownKind is returned for a kind the adapter does not manage.
var ErrUnknownKind = fmt.Errorf("subadapter: unknown subscription kind")

// Handle holds the state of one subscription kind, including attempt and error counters for diagnosis.
type Handle struct {
	Kind           string `json:"kind"`
	ExternalHandle string `json:"externalHandle,omitempty"`
	Active         bool   `json:"active"`
	Attempts       int    `json:"attempts"`
	Errors         int    `json:"errors"`
	LastError      string `json:"lastError,omitempty"`
}

// Adapter manages at most one live upstream subscription per kind.
type Adapter struct {
	mu      sync.Mutex
	src     source.Source
	handles map[string]*Handle
}

// New returns an Adapter over the given source.
func New(src source.Source) *Adapter {
	return &Adapter{
		src: src,
		handles: map[string]*Handle{
			KindBlocks: {Kind: KindBlocks},
			KindTxLogs: {Kind: KindTxLogs},
		},
	}
}

// EnsureSubscribed subscribes the kind upstream unless a live handle already exists, in which case it is a no-op.
// Failures are counted and recorded but not retried here; the caller decides whether to retry on the next client
// arrival.
func (a *Adapter) EnsureSubscribed(ctx context.Context, kind string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	h, ok := a.handles[kind]
	if !ok {
		return ErrUnknownKind
	}

	if h.Active {
		return nil
	}

	h.Attempts++

	var (
		ext string
		err error
	)

	switch kind {
	case KindBlocks:
		ext, err = a.src.SubscribeBlocks(ctx)
	case KindTxLogs:
		ext, err = a.src.SubscribeLogs(ctx)
	}

	if err != nil {
		h.Errors++
		h.LastError = err.Error()

		return fmt.Errorf("subadapter: cannot subscribe %s: %w", kind, err)
	}

	h.ExternalHandle = ext
	h.Active = true

	log.Printf("[%s] Subscribed upstream, handle %s", kind, ext)

	return nil
}

// TeardownAll unsubscribes every live handle. Teardown is best-effort and independent per kind: a failure on one
// handle never prevents teardown attempts on the others.
func (a *Adapter) TeardownAll(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for kind, h := range a.handles {
		if !h.Active {
			continue
		}

		if err := a.src.Unsubscribe(ctx, h.ExternalHandle); err != nil {
			h.Errors++
			h.LastError = err.Error()
			log.Printf("[%s] Error unsubscribing handle %s:%e", kind, h.ExternalHandle, err)
		}

		h.Active = false
		h.ExternalHandle = ""
	}
}

// Status returns a copy of the per-kind handles for the diagnostic status action.
func (a *Adapter) Status() map[string]Handle {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := make(map[string]Handle, len(a.handles))
	for kind, h := range a.handles {
		s[kind] = *h
	}

	return s
}
