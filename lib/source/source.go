// Package source defines the interface required for upstream ledger event feeds. A source pushes raw block and
// transaction-log notifications; chainwatch never polls it. New feed products (different node vendors, replay files,
// test fakes) implement this interface the same way lib/block let new chains be added.
package source

import (
	"context"
	"errors"
)

// RawEvent is an upstream notification before classification.
type RawEvent struct {
	Kind        string   `json:"kind"` // block | transaction
	Slot        uint64   `json:"slot,omitempty"`
	Signature   string   `json:"signature,omitempty"`
	Logs        []string `json:"logs,omitempty"`
	Err         string   `json:"err,omitempty"`
	Fee         uint64   `json:"fee,omitempty"`
	AccountKeys []string `json:"accountKeys,omitempty"`
	TS          int64    `json:"timestamp,omitempty"` // unix milliseconds, zero if the feed does not stamp
}

// Source is an upstream subscription feed.
type Source interface {
	// SubscribeBlocks asks the feed for new-block notifications and returns an opaque subscription handle.
	SubscribeBlocks(ctx context.Context) (string, error)
	// SubscribeLogs asks the feed for transaction-log notifications and returns an opaque subscription handle.
	SubscribeLogs(ctx context.Context) (string, error)
	// Unsubscribe cancels the subscription identified by the handle.
	Unsubscribe(ctx context.Context, handle string) error
	// Notifications returns the channel raw events are pushed on. The channel is closed when the source closes.
	Notifications() <-chan RawEvent
	// Close terminates the upstream connection.
	Close() error
}

// Errors returned by source implementations.
var (
	ErrClosed      = errors.New("source: connection closed")
	ErrBadHandle   = errors.New("source: unknown subscription handle")
	ErrSubscribe   = errors.New("source: subscription request rejected")
	ErrUnsubscribe = errors.New("source: unsubscribe request rejected")
)
