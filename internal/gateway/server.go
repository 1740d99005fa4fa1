package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"

	"github.com/roach88/jigsync/internal/mailbox"
	"github.com/roach88/jigsync/internal/store"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	qrSize     = 320
)

// Server exposes a store to remote clients.
type Server struct {
	store     store.Store
	logger    *slog.Logger
	publicURL string
	router    *httprouter.Router
	upgrader  websocket.Upgrader

	mu     sync.Mutex
	conns  map[*conn]struct{}
	closed bool
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the logger. Default: slog.Default().
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// WithPublicURL sets the base URL encoded in join QR codes. Default: the
// scheme and host of the request.
func WithPublicURL(u string) ServerOption {
	return func(s *Server) { s.publicURL = strings.TrimSuffix(u, "/") }
}

// NewServer serves st. The server does not own st.
func NewServer(st store.Store, opts ...ServerOption) *Server {
	s := &Server{
		store:  st,
		logger: slog.Default(),
		conns:  make(map[*conn]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}

	r := httprouter.New()
	r.GET("/healthz", s.serveHealth)
	r.GET("/ws", s.serveWS)
	r.GET("/sessions/:id", s.serveSnapshot)
	r.GET("/sessions/:id/qr", s.serveQR)
	r.PanicHandler = func(w http.ResponseWriter, req *http.Request, v any) {
		s.logger.Error("handler panic", "path", req.URL.Path, "panic", v)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) serveHealth(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok\n"))
}

func (s *Server) serveSnapshot(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	snap, err := s.store.Read(r.Context(), ps.ByName("id"))
	if store.IsNotFound(err) {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Warn("snapshot failed", "session", ps.ByName("id"), "error", err)
		http.Error(w, "snapshot failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		s.logger.Debug("write snapshot", "error", err)
	}
}

// JoinURL returns the link a QR code points at.
func (s *Server) JoinURL(r *http.Request, sessionID string) string {
	base := s.publicURL
	if base == "" {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		}
		base = scheme + "://" + r.Host
	}
	return base + "/sessions/" + sessionID
}

func (s *Server) serveQR(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id := ps.ByName("id")
	if _, err := s.store.Read(r.Context(), id); store.IsNotFound(err) {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	png, err := qrcode.Encode(s.JoinURL(r, id), qrcode.Medium, qrSize)
	if err != nil {
		http.Error(w, "qr generation failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(png)
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	c := &conn{
		srv:    s,
		ws:     ws,
		send:   mailbox.New[Response](),
		subs:   make(map[uint64]*store.Subscription),
		owners: make(map[string]struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ws.Close()
		return
	}
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	s.logger.Debug("client connected", "remote", r.RemoteAddr)
	go c.writeLoop()
	go c.readLoop()
}

// DropConnections closes every client socket as a network failure would.
// Owners registered over those sockets are disconnected.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.ws.Close()
	}
}

// Close drops every connection and refuses new ones.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.DropConnections()
	return nil
}

func (s *Server) forget(c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c)
}

// conn is one websocket client.
type conn struct {
	srv  *Server
	ws   *websocket.Conn
	send *mailbox.Queue[Response]

	mu     sync.Mutex
	subs   map[uint64]*store.Subscription
	owners map[string]struct{}
}

// readLoop handles requests in arrival order, so a client's writes reach
// the store in the order it sent them.
func (c *conn) readLoop() {
	defer c.teardown()

	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var req Request
		if err := c.ws.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.srv.logger.Debug("client read failed", "error", err)
			}
			return
		}
		c.send.Enqueue(c.handle(req))
	}
}

func (c *conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		if resp, ok := c.send.TryDequeue(); ok {
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(resp); err != nil {
				return
			}
			continue
		}
		if c.send.Closed() {
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
		select {
		case <-c.send.Wait():
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// teardown runs when the socket is gone: subscriptions stop and every
// owner that registered intents here is disconnected.
func (c *conn) teardown() {
	c.srv.forget(c)

	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[uint64]*store.Subscription)
	owners := make([]string, 0, len(c.owners))
	for o := range c.owners {
		owners = append(owners, o)
	}
	c.mu.Unlock()

	for _, sub := range subs {
		sub.Cancel()
	}
	c.send.Close()
	c.ws.Close()

	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	for _, owner := range owners {
		if err := c.srv.store.Disconnect(ctx, owner); err != nil {
			c.srv.logger.Warn("disconnect failed", "owner", owner, "error", err)
			continue
		}
		c.srv.logger.Info("client dropped, intents executed", "owner", owner)
	}
}

func (c *conn) handle(req Request) Response {
	ctx := context.Background()
	resp := Response{ID: req.ID}
	var err error

	switch req.Op {
	case OpCreate:
		err = c.srv.store.Create(ctx, req.Session, req.Fields)
	case OpPatch:
		err = c.srv.store.Patch(ctx, req.Session, req.Path, req.Fields)
	case OpPatchIfNewer:
		resp.Applied, err = c.srv.store.PatchIfNewer(ctx, req.Session, req.Path, req.Fields, req.Stamp)
	case OpCompareAndSet:
		resp.Applied, err = c.srv.store.CompareAndSet(ctx, req.Session, req.Path, req.Field, req.Expect, req.Next)
	case OpRemove:
		err = c.srv.store.Remove(ctx, req.Session, req.Path)
	case OpDelete:
		err = c.srv.store.Delete(ctx, req.Session)
	case OpRead:
		var snap store.Snapshot
		snap, err = c.srv.store.Read(ctx, req.Session)
		if err == nil {
			resp.Snapshot = &snap
		}
	case OpSubscribe:
		err = c.subscribe(ctx, req)
	case OpUnsubscribe:
		c.unsubscribe(req.Sub)
	case OpOnDisconnect:
		err = c.srv.store.OnDisconnect(ctx, req.Session, req.Owner, req.Intents...)
		if err == nil {
			c.mu.Lock()
			c.owners[req.Owner] = struct{}{}
			c.mu.Unlock()
		}
	case OpCancelDisconnect:
		err = c.srv.store.CancelDisconnect(ctx, req.Session, req.Owner)
	case OpDisconnect:
		err = c.srv.store.Disconnect(ctx, req.Owner)
	default:
		err = &store.Error{Op: req.Op, Err: wrapInvalid(errors.New("unknown operation"))}
	}

	if err != nil {
		resp.Error = encodeError(err)
		return resp
	}
	resp.OK = true
	return resp
}

func wrapInvalid(err error) error {
	return &remoteError{msg: err.Error(), sentinel: store.ErrInvalid}
}

func (c *conn) subscribe(ctx context.Context, req Request) error {
	if req.Sub == 0 {
		return &store.Error{Op: "subscribe", SessionID: req.Session, Err: wrapInvalid(errors.New("missing subscription id"))}
	}
	sub, err := c.srv.store.Subscribe(ctx, req.Session)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if old, ok := c.subs[req.Sub]; ok {
		old.Cancel()
	}
	c.subs[req.Sub] = sub
	c.mu.Unlock()

	go c.pump(req.Sub, sub)
	return nil
}

// pump forwards one subscription to the client, then an end frame.
func (c *conn) pump(id uint64, sub *store.Subscription) {
	for ch := range sub.C() {
		c.send.Enqueue(Response{Sub: id, Change: &ch})
	}

	c.mu.Lock()
	current := c.subs[id] == sub
	if current {
		delete(c.subs, id)
	}
	c.mu.Unlock()
	if !current {
		// Cancelled by the client or by teardown; nobody is listening.
		return
	}
	c.send.Enqueue(Response{Sub: id, End: true, Error: encodeError(sub.Err())})
}

func (c *conn) unsubscribe(id uint64) {
	c.mu.Lock()
	sub, ok := c.subs[id]
	delete(c.subs, id)
	c.mu.Unlock()
	if ok {
		sub.Cancel()
	}
}
