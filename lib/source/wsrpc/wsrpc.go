// Package wsrpc implements the source interface over a websocket JSON-RPC node endpoint. The node confirms each
// subscribe call with a numeric subscription id and then pushes notifications tagged with that id.
package wsrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tarancss/chainwatch/lib/event"
	"github.com/tarancss/chainwatch/lib/source"
)

const notifBuffer = 256

// Client implements source.Source against a websocket JSON-RPC node.
type Client struct {
	conn *websocket.Conn

	wl sync.Mutex // serializes writes to the websocket

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan rpcResponse
	subs    map[uint64]string // numeric subscription id -> kind
	closed  bool

	notif chan source.RawEvent
}

type rpcRequest struct {
	Version string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params,omitempty"`
}

type rpcResponse struct {
	ID     uint64           `json:"id"`
	Result *json.RawMessage `json:"result,omitempty"`
	Error  *rpcError        `json:"error,omitempty"`
	Method string           `json:"method,omitempty"`
	Params *json.RawMessage `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type notification struct {
	Subscription uint64          `json:"subscription"`
	Result       json.RawMessage `json:"result"`
}

type blockResult struct {
	Slot      uint64 `json:"slot"`
	Blockhash string `json:"blockhash"`
	TS        int64  `json:"timestamp"`
}

type logsResult struct {
	Signature   string   `json:"signature"`
	Logs        []string `json:"logs"`
	Err         string   `json:"err"`
	Fee         uint64   `json:"fee"`
	AccountKeys []string `json:"accountKeys"`
	TS          int64    `json:"timestamp"`
}

// Dial connects to the node websocket endpoint and starts the notification read loop.
func Dial(node string, timeout time.Duration) (*Client, error) {
	d := websocket.Dialer{HandshakeTimeout: timeout}

	conn, _, err := d.Dial(node, nil)
	if err != nil {
		return nil, fmt.Errorf("wsrpc: cannot connect to node in %s: %w", node, err)
	}

	c := &Client{
		conn:    conn,
		pending: make(map[uint64]chan rpcResponse),
		subs:    make(map[uint64]string),
		notif:   make(chan source.RawEvent, notifBuffer),
	}
	go c.readLoop()

	log.Printf("Connected to %s", node)

	return c, nil
}

// readLoop dispatches responses to pending calls and notifications to the event channel until the connection dies.
func (c *Client) readLoop() {
	defer func() {
		c.mu.Lock()
		c.closed = true
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
		c.mu.Unlock()
		close(c.notif)
	}()

	for {
		var res rpcResponse
		if err := c.conn.ReadJSON(&res); err != nil {
			log.Printf("wsrpc: read loop terminated:%e", err)

			return
		}

		if res.Method == "" { // response to a pending call
			c.mu.Lock()
			ch, ok := c.pending[res.ID]
			delete(c.pending, res.ID)
			c.mu.Unlock()

			if ok {
				ch <- res
			}

			continue
		}

		var n notification
		if res.Params == nil || json.Unmarshal(*res.Params, &n) != nil {
			log.Printf("wsrpc: dropping malformed notification %s", res.Method)

			continue
		}

		c.mu.Lock()
		kind := c.subs[n.Subscription]
		c.mu.Unlock()

		raw, err := decodeResult(kind, n.Result)
		if err != nil {
			log.Printf("wsrpc: dropping notification for sub %d:%e", n.Subscription, err)

			continue
		}

		select {
		case c.notif <- raw:
		default:
			log.Printf("wsrpc: notification buffer full, dropping %s event", raw.Kind)
		}
	}
}

func decodeResult(kind string, result json.RawMessage) (source.RawEvent, error) {
	switch kind {
	case event.KindBlock:
		var b blockResult
		if err := json.Unmarshal(result, &b); err != nil {
			return source.RawEvent{}, fmt.Errorf("wsrpc: bad block notification: %w", err)
		}

		return source.RawEvent{Kind: event.KindBlock, Slot: b.Slot, Signature: b.Blockhash, TS: b.TS}, nil
	case event.KindTransaction:
		var l logsResult
		if err := json.Unmarshal(result, &l); err != nil {
			return source.RawEvent{}, fmt.Errorf("wsrpc: bad logs notification: %w", err)
		}

		return source.RawEvent{
			Kind: event.KindTransaction, Signature: l.Signature, Logs: l.Logs, Err: l.Err,
			Fee: l.Fee, AccountKeys: l.AccountKeys, TS: l.TS,
		}, nil
	}

	return source.RawEvent{}, source.ErrBadHandle
}

// call performs one JSON-RPC request and waits for its response or context expiry.
func (c *Client) call(ctx context.Context, method string, params []interface{}) (*json.RawMessage, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()

		return nil, source.ErrClosed
	}

	c.nextID++
	id := c.nextID
	ch := make(chan rpcResponse, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	c.wl.Lock()
	err := c.conn.WriteJSON(rpcRequest{Version: "2.0", ID: id, Method: method, Params: params})
	c.wl.Unlock()

	if err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()

		return nil, fmt.Errorf("wsrpc: %s request failed: %w", method, err)
	}

	select {
	case res, ok := <-ch:
		if !ok {
			return nil, source.ErrClosed
		}

		if res.Error != nil {
			return nil, fmt.Errorf("wsrpc: %s rejected (%d %s): %w", method, res.Error.Code, res.Error.Message,
				source.ErrSubscribe)
		}

		return res.Result, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()

		return nil, ctx.Err()
	}
}

func (c *Client) subscribe(ctx context.Context, method, kind string) (string, error) {
	result, err := c.call(ctx, method, nil)
	if err != nil {
		return "", err
	}

	var subID uint64
	if result == nil || json.Unmarshal(*result, &subID) != nil {
		return "", source.ErrSubscribe
	}

	c.mu.Lock()
	c.subs[subID] = kind
	c.mu.Unlock()

	return kind + ":" + strconv.FormatUint(subID, 10), nil
}

// SubscribeBlocks subscribes to new-block notifications.
func (c *Client) SubscribeBlocks(ctx context.Context) (string, error) {
	return c.subscribe(ctx, "blockSubscribe", event.KindBlock)
}

// SubscribeLogs subscribes to transaction-log notifications.
func (c *Client) SubscribeLogs(ctx context.Context) (string, error) {
	return c.subscribe(ctx, "logsSubscribe", event.KindTransaction)
}

// Unsubscribe cancels a subscription previously returned by SubscribeBlocks or SubscribeLogs.
func (c *Client) Unsubscribe(ctx context.Context, handle string) error {
	kind, idStr, found := cutHandle(handle)
	if !found {
		return source.ErrBadHandle
	}

	subID, err := strconv.ParseUint(idStr, 10, 64)
	if err != nil {
		return source.ErrBadHandle
	}

	method := "logsUnsubscribe"
	if kind == event.KindBlock {
		method = "blockUnsubscribe"
	}

	if _, err = c.call(ctx, method, []interface{}{subID}); err != nil {
		return fmt.Errorf("wsrpc: cannot unsubscribe %s: %w", handle, err)
	}

	c.mu.Lock()
	delete(c.subs, subID)
	c.mu.Unlock()

	return nil
}

func cutHandle(handle string) (kind, id string, ok bool) {
	i := strings.IndexByte(handle, ':')
	if i < 0 {
		return "", "", false
	}

	return handle[:i], handle[i+1:], true
}

// Notifications returns the raw event channel.
func (c *Client) Notifications() <-chan source.RawEvent {
	return c.notif
}

// Close terminates the websocket connection. The read loop will drain and close the notification channel.
func (c *Client) Close() error {
	return c.conn.Close()
}
