package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roach88/jigsync/internal/mailbox"
	"github.com/roach88/jigsync/internal/store"
)

// Remote is a store.Store backed by a gateway Server.
//
// The socket is dialed on first use and re-dialed by the first call after
// a drop. A drop fails every in-flight call and ends every subscription
// with store.ErrConnectivityLost; the owner of a subscription resubscribes
// and re-reads, as with any backend.
type Remote struct {
	url      string
	dialer   *websocket.Dialer
	logger   *slog.Logger
	pongWait time.Duration

	nextSub atomic.Uint64

	mu     sync.Mutex
	c      *client
	closed bool
}

// RemoteOption configures a Remote.
type RemoteOption func(*Remote)

// WithRemoteLogger sets the logger. Default: slog.Default().
func WithRemoteLogger(l *slog.Logger) RemoteOption {
	return func(r *Remote) { r.logger = l }
}

// WithKeepalive sets how long the client waits for any frame from the
// server before it treats the socket as dead. The client pings at 9/10 of
// wait. Default: 60s.
func WithKeepalive(wait time.Duration) RemoteOption {
	return func(r *Remote) {
		if wait > 0 {
			r.pongWait = wait
		}
	}
}

// WithDialer replaces websocket.DefaultDialer.
func WithDialer(d *websocket.Dialer) RemoteOption {
	return func(r *Remote) { r.dialer = d }
}

// NewRemote returns a client for the websocket endpoint at url. Nothing is
// dialed until the first call.
func NewRemote(url string, opts ...RemoteOption) *Remote {
	r := &Remote{
		url:      url,
		dialer:   websocket.DefaultDialer,
		logger:   slog.Default(),
		pongWait: pongWait,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// DialRemote is NewRemote followed by an immediate dial, so a bad address
// fails here instead of on first use.
func DialRemote(ctx context.Context, url string, opts ...RemoteOption) (*Remote, error) {
	r := NewRemote(url, opts...)
	if _, err := r.conn(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// WebsocketURL turns a server base URL (http, https, ws or wss) into its
// websocket endpoint.
func WebsocketURL(base string) string {
	base = strings.TrimSuffix(base, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	if strings.HasSuffix(base, "/ws") {
		return base
	}
	return base + "/ws"
}

func (r *Remote) conn(ctx context.Context) (*client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, store.ErrClosed
	}
	if r.c != nil {
		return r.c, nil
	}

	ws, _, err := r.dialer.DialContext(ctx, r.url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", store.ErrConnectivityLost, r.url, err)
	}
	c := &client{
		r:       r,
		ws:      ws,
		send:    mailbox.New[Request](),
		pending: make(map[uint64]chan Response),
		subs:    make(map[uint64]*store.Subscription),
		done:    make(chan struct{}),
	}
	r.c = c
	go c.writeLoop()
	go c.readLoop()
	r.logger.Debug("gateway connected", "url", r.url)
	return c, nil
}

// call sends req and waits for its response.
func (r *Remote) call(ctx context.Context, req Request) (Response, error) {
	c, err := r.conn(ctx)
	if err != nil {
		return Response{}, &store.Error{Op: req.Op, SessionID: req.Session, Path: req.Path, Err: err}
	}
	return c.call(ctx, req)
}

// DropConnection closes the socket as a network failure would. The next
// call re-dials.
func (r *Remote) DropConnection() {
	r.mu.Lock()
	c := r.c
	r.mu.Unlock()
	if c != nil {
		c.ws.Close()
	}
}

func (r *Remote) Create(ctx context.Context, sessionID string, meta store.Fields) error {
	_, err := r.call(ctx, Request{Op: OpCreate, Session: sessionID, Fields: meta})
	return err
}

func (r *Remote) Patch(ctx context.Context, sessionID string, path store.Path, fields store.Fields) error {
	_, err := r.call(ctx, Request{Op: OpPatch, Session: sessionID, Path: path, Fields: fields})
	return err
}

func (r *Remote) PatchIfNewer(ctx context.Context, sessionID string, path store.Path, fields store.Fields, stamp string) (bool, error) {
	resp, err := r.call(ctx, Request{Op: OpPatchIfNewer, Session: sessionID, Path: path, Fields: fields, Stamp: stamp})
	return resp.Applied, err
}

func (r *Remote) CompareAndSet(ctx context.Context, sessionID string, path store.Path, field string, expect, next any) (bool, error) {
	resp, err := r.call(ctx, Request{Op: OpCompareAndSet, Session: sessionID, Path: path, Field: field, Expect: expect, Next: next})
	return resp.Applied, err
}

func (r *Remote) Remove(ctx context.Context, sessionID string, path store.Path) error {
	_, err := r.call(ctx, Request{Op: OpRemove, Session: sessionID, Path: path})
	return err
}

func (r *Remote) Delete(ctx context.Context, sessionID string) error {
	_, err := r.call(ctx, Request{Op: OpDelete, Session: sessionID})
	return err
}

func (r *Remote) Read(ctx context.Context, sessionID string) (store.Snapshot, error) {
	resp, err := r.call(ctx, Request{Op: OpRead, Session: sessionID})
	if err != nil {
		return store.Snapshot{}, err
	}
	if resp.Snapshot == nil {
		return store.Snapshot{}, &store.Error{Op: OpRead, SessionID: sessionID, Err: errors.New("empty snapshot")}
	}
	snap := *resp.Snapshot
	if snap.Root == nil {
		snap.Root = store.Fields{}
	}
	if snap.Players == nil {
		snap.Players = map[string]store.Fields{}
	}
	if snap.Pieces == nil {
		snap.Pieces = map[string]store.Fields{}
	}
	return snap, nil
}

// Subscribe registers the stream locally before asking the server, so no
// push can arrive for an unknown subscription.
func (r *Remote) Subscribe(ctx context.Context, sessionID string) (*store.Subscription, error) {
	c, err := r.conn(ctx)
	if err != nil {
		return nil, &store.Error{Op: OpSubscribe, SessionID: sessionID, Err: err}
	}

	id := r.nextSub.Add(1)
	sub := store.NewSubscription(sessionID, func() { c.unsubscribe(id) })
	if !c.track(id, sub) {
		sub.End(nil)
		return nil, &store.Error{Op: OpSubscribe, SessionID: sessionID, Err: store.ErrConnectivityLost}
	}

	if _, err := c.call(ctx, Request{Op: OpSubscribe, Session: sessionID, Sub: id}); err != nil {
		c.untrack(id)
		sub.End(nil)
		return nil, err
	}
	return sub, nil
}

func (r *Remote) OnDisconnect(ctx context.Context, sessionID, ownerID string, intents ...store.Intent) error {
	_, err := r.call(ctx, Request{Op: OpOnDisconnect, Session: sessionID, Owner: ownerID, Intents: intents})
	return err
}

func (r *Remote) CancelDisconnect(ctx context.Context, sessionID, ownerID string) error {
	_, err := r.call(ctx, Request{Op: OpCancelDisconnect, Session: sessionID, Owner: ownerID})
	return err
}

func (r *Remote) Disconnect(ctx context.Context, ownerID string) error {
	_, err := r.call(ctx, Request{Op: OpDisconnect, Owner: ownerID})
	return err
}

// Close ends every subscription with store.ErrClosed and closes the
// socket. The server then runs the disconnect intents of every owner
// registered over it.
func (r *Remote) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	c := r.c
	r.c = nil
	r.mu.Unlock()

	if c != nil {
		c.fail(store.ErrClosed)
	}
	return nil
}

func (r *Remote) forget(c *client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.c == c {
		r.c = nil
	}
}

// client is one dialed socket.
type client struct {
	r    *Remote
	ws   *websocket.Conn
	send *mailbox.Queue[Request]

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan Response
	subs    map[uint64]*store.Subscription
	done    chan struct{}
	err     error
}

func (c *client) call(ctx context.Context, req Request) (Response, error) {
	reply := make(chan Response, 1)

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return Response{}, &store.Error{Op: req.Op, SessionID: req.Session, Path: req.Path, Err: err}
	}
	c.nextID++
	req.ID = c.nextID
	c.pending[req.ID] = reply
	c.mu.Unlock()

	c.send.Enqueue(req)

	select {
	case resp := <-reply:
		if resp.Error != nil {
			return resp, decodeError(req, resp.Error)
		}
		return resp, nil
	case <-c.done:
		c.mu.Lock()
		err := c.err
		c.mu.Unlock()
		return Response{}, &store.Error{Op: req.Op, SessionID: req.Session, Path: req.Path, Err: err}
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
		return Response{}, &store.Error{Op: req.Op, SessionID: req.Session, Path: req.Path, Err: ctx.Err()}
	}
}

func (c *client) track(id uint64, sub *store.Subscription) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return false
	}
	c.subs[id] = sub
	return true
}

func (c *client) untrack(id uint64) *store.Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub := c.subs[id]
	delete(c.subs, id)
	return sub
}

// unsubscribe is fire and forget; the answer is dropped by readLoop.
func (c *client) unsubscribe(id uint64) {
	if c.untrack(id) == nil {
		return
	}
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return
	}
	c.nextID++
	req := Request{ID: c.nextID, Op: OpUnsubscribe, Sub: id}
	c.mu.Unlock()
	c.send.Enqueue(req)
}

func (c *client) readLoop() {
	wait := c.r.pongWait
	c.ws.SetReadDeadline(time.Now().Add(wait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(wait))
		return nil
	})
	for {
		var resp Response
		if err := c.ws.ReadJSON(&resp); err != nil {
			c.r.logger.Debug("gateway read failed", "url", c.r.url, "error", err)
			c.fail(store.ErrConnectivityLost)
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(wait))
		switch {
		case resp.ID != 0:
			c.mu.Lock()
			reply, ok := c.pending[resp.ID]
			delete(c.pending, resp.ID)
			c.mu.Unlock()
			if ok {
				reply <- resp
			}
		case resp.Sub != 0 && resp.End:
			if sub := c.untrack(resp.Sub); sub != nil {
				sub.End(decodeEnd(resp.Error))
			}
		case resp.Sub != 0 && resp.Change != nil:
			c.mu.Lock()
			sub := c.subs[resp.Sub]
			c.mu.Unlock()
			if sub != nil {
				sub.Deliver(*resp.Change)
			}
		}
	}
}

// decodeEnd maps the reason a server-side stream ended onto the sentinel
// the subscriber expects.
func decodeEnd(we *WireError) error {
	if we == nil {
		return nil
	}
	for _, c := range errorCodes {
		if c.code == we.Code {
			return c.err
		}
	}
	return store.ErrConnectivityLost
}

func (c *client) writeLoop() {
	ticker := time.NewTicker(c.r.pongWait * 9 / 10)
	defer ticker.Stop()

	for {
		if req, ok := c.send.TryDequeue(); ok {
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(req); err != nil {
				c.fail(store.ErrConnectivityLost)
				return
			}
			continue
		}
		if c.send.Closed() {
			return
		}
		select {
		case <-c.send.Wait():
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.fail(store.ErrConnectivityLost)
				return
			}
		}
	}
}

// fail tears the socket down once. Subscriptions end with err before the
// socket closes.
func (c *client) fail(err error) {
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return
	}
	c.err = err
	subs := c.subs
	c.subs = make(map[uint64]*store.Subscription)
	c.pending = make(map[uint64]chan Response)
	close(c.done)
	c.mu.Unlock()

	for _, sub := range subs {
		sub.End(err)
	}
	c.r.forget(c)
	c.send.Close()
	if errors.Is(err, store.ErrClosed) {
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
	}
	c.ws.Close()
}
