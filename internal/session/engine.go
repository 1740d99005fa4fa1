package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/roach88/jigsync/internal/ledger"
	"github.com/roach88/jigsync/internal/model"
	"github.com/roach88/jigsync/internal/pieces"
	"github.com/roach88/jigsync/internal/registry"
	"github.com/roach88/jigsync/internal/store"
	"github.com/roach88/jigsync/internal/tiers"
)

var (
	// ErrNotHost is returned when a host-only operation is attempted by
	// another player.
	ErrNotHost = errors.New("not the host")
	// ErrNotPlaying is returned for moves and pauses outside playing.
	ErrNotPlaying = errors.New("session not playing")
	// ErrBadTransition is returned when a status change does not apply to
	// the current status.
	ErrBadTransition = errors.New("invalid status transition")
	// ErrNoImage is returned when starting a session without an image.
	ErrNoImage = errors.New("session has no image")
	// ErrNotJoined is returned for operations on a session this engine has
	// not joined, or has left.
	ErrNotJoined = errors.New("session not joined")
	// ErrEngineClosed is returned after Close.
	ErrEngineClosed = errors.New("engine closed")
)

// Engine is one client. It acts as a single player in every session it
// joins.
//
// Thread-safety: all methods are safe for concurrent use.
type Engine struct {
	store    store.Store
	cfg      Config
	clock    model.Clock
	ids      model.IDGenerator
	tiers    *tiers.Set
	recorder ledger.Recorder
	logger   *slog.Logger
	registry *registry.Registry
	self     string

	rngMu sync.Mutex
	rng   pieces.Rand

	mu      sync.Mutex
	handles map[string]*Handle
	closed  bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig replaces DefaultConfig.
func WithConfig(cfg Config) Option {
	return func(e *Engine) { e.cfg = cfg }
}

// WithClock sets the wall clock used for every timestamp.
func WithClock(c model.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithIDs sets the session ID generator.
func WithIDs(g model.IDGenerator) Option {
	return func(e *Engine) { e.ids = g }
}

// WithPlayerID fixes this client's player ID. Default: a fresh ID from
// the generator.
func WithPlayerID(id string) Option {
	return func(e *Engine) { e.self = id }
}

// WithRand sets the scramble source. Tests pass a seeded one.
func WithRand(r pieces.Rand) Option {
	return func(e *Engine) { e.rng = r }
}

// WithTiers sets the difficulty tiers. Default: the built-in set.
func WithTiers(s *tiers.Set) Option {
	return func(e *Engine) { e.tiers = s }
}

// WithRecorder sets where completion records go.
func WithRecorder(r ledger.Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New creates a client engine over st. The engine does not own st.
func New(st store.Store, opts ...Option) (*Engine, error) {
	e := &Engine{
		store:    st,
		cfg:      DefaultConfig(),
		clock:    model.SystemClock{},
		ids:      model.UUIDv7Generator{},
		recorder: ledger.Discard{},
		logger:   slog.Default(),
		handles:  make(map[string]*Handle),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.tiers == nil {
		set, err := tiers.Default()
		if err != nil {
			return nil, fmt.Errorf("load tiers: %w", err)
		}
		e.tiers = set
	}
	if e.rng == nil {
		e.rng = rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0))
	}
	if e.self == "" {
		e.self = e.ids.Generate()
	}
	e.registry = registry.New(st, e.clock, registry.WithLogger(e.logger))
	return e, nil
}

// PlayerID returns the player this engine acts as.
func (e *Engine) PlayerID() string { return e.self }

// Config returns the engine configuration.
func (e *Engine) Config() Config { return e.cfg }

// generate scrambles a new piece set. The shared rng is serialized.
func (e *Engine) generate(d model.Difficulty) ([]model.Piece, error) {
	tier, err := e.tiers.Resolve(d)
	if err != nil {
		return nil, err
	}
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	return pieces.Generate(d, tier, e.cfg.Geometry, e.rng)
}

// CreateSession writes a new waiting session with freshly scrambled
// pieces and joins it as host. The returned ID can be passed to
// JoinSession by other clients; Handle returns this client's handle.
func (e *Engine) CreateSession(ctx context.Context, d model.Difficulty, imageRef, displayName string) (string, error) {
	if err := e.checkOpen(); err != nil {
		return "", err
	}
	if err := d.Validate(); err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	if _, err := registry.NormalizeName(displayName); err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	ps, err := e.generate(d)
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}

	id := e.ids.Generate()
	meta, err := model.ToFields(model.Session{
		Difficulty:   d,
		ImageRef:     imageRef,
		Status:       model.StatusWaiting,
		HostPlayerID: e.self,
	})
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	if err := e.store.Create(ctx, id, meta); err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	if err := pieces.Write(ctx, e.store, id, ps); err != nil {
		e.discard(id)
		return "", fmt.Errorf("create session: %w", err)
	}
	if _, err := e.JoinSession(ctx, id, displayName); err != nil {
		e.discard(id)
		return "", fmt.Errorf("create session: %w", err)
	}

	e.logger.Info("session created",
		"session", id,
		"cols", d.Cols,
		"rows", d.Rows,
		"host", e.self,
	)
	return id, nil
}

// discard deletes a half-created session.
func (e *Engine) discard(id string) {
	if err := e.store.Delete(context.Background(), id); err != nil {
		e.logger.Warn("discard session failed", "session", id, "error", err)
	}
}

// JoinSession joins a session and seeds the local replica from a full
// snapshot. Joining an already joined session returns the existing handle.
func (e *Engine) JoinSession(ctx context.Context, sessionID, displayName string) (*Handle, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrEngineClosed
	}
	if h, ok := e.handles[sessionID]; ok {
		e.mu.Unlock()
		return h, nil
	}
	e.mu.Unlock()

	if _, err := e.registry.Join(ctx, sessionID, e.self, displayName); err != nil {
		return nil, fmt.Errorf("join session: %w", err)
	}

	// Subscribe before reading so no change between the two is lost;
	// changes already folded into the snapshot are discarded by seq.
	sub, err := e.store.Subscribe(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("join session: %w", err)
	}
	snap, err := e.store.Read(ctx, sessionID)
	if err != nil {
		sub.Cancel()
		return nil, fmt.Errorf("join session: %w", err)
	}

	h, err := newHandle(e, sessionID, displayName, snap)
	if err != nil {
		sub.Cancel()
		return nil, fmt.Errorf("join session: %w", err)
	}

	e.mu.Lock()
	if existing, ok := e.handles[sessionID]; ok {
		e.mu.Unlock()
		sub.Cancel()
		return existing, nil
	}
	e.handles[sessionID] = h
	e.mu.Unlock()

	h.start(sub)
	e.logger.Info("session joined", "session", sessionID, "player", e.self)
	return h, nil
}

// Handle returns the handle of a joined session.
func (e *Engine) Handle(sessionID string) (*Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.handles[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotJoined, sessionID)
	}
	return h, nil
}

// PublishMove applies a move to the local replica and queues it for the
// store. It never waits for the network.
func (e *Engine) PublishMove(sessionID, pieceID string, position model.Point, rotation float64) error {
	h, err := e.Handle(sessionID)
	if err != nil {
		return err
	}
	return h.Move(pieceID, position, rotation)
}

// SubscribeSession streams replica events until cancel is called or the
// handle is torn down.
func (e *Engine) SubscribeSession(sessionID string) (<-chan Event, func(), error) {
	h, err := e.Handle(sessionID)
	if err != nil {
		return nil, nil, err
	}
	ch, cancel := h.Subscribe()
	return ch, cancel, nil
}

// LeaveSession removes this player. The last player to leave deletes the
// session.
func (e *Engine) LeaveSession(ctx context.Context, sessionID string) error {
	h, err := e.Handle(sessionID)
	if err != nil {
		return err
	}
	return h.Leave(ctx)
}

// StartSession moves a waiting session to playing. Host only.
func (e *Engine) StartSession(ctx context.Context, sessionID string) error {
	h, err := e.Handle(sessionID)
	if err != nil {
		return err
	}
	return h.Start(ctx)
}

// PauseSession moves a playing session to paused. Host only.
func (e *Engine) PauseSession(ctx context.Context, sessionID string) error {
	h, err := e.Handle(sessionID)
	if err != nil {
		return err
	}
	return h.Pause(ctx)
}

// ResumeSession moves a paused session back to playing. Host only.
func (e *Engine) ResumeSession(ctx context.Context, sessionID string) error {
	h, err := e.Handle(sessionID)
	if err != nil {
		return err
	}
	return h.Resume(ctx)
}

// ResetSession starts a new round with freshly scrambled pieces. Host
// only.
func (e *Engine) ResetSession(ctx context.Context, sessionID string) error {
	h, err := e.Handle(sessionID)
	if err != nil {
		return err
	}
	return h.Reset(ctx)
}

// Close stops every handle without leaving, then runs this player's
// disconnect intents, exactly as if the client process had dropped off
// the network.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	handles := make([]*Handle, 0, len(e.handles))
	for _, h := range e.handles {
		handles = append(handles, h)
	}
	e.handles = make(map[string]*Handle)
	e.mu.Unlock()

	for _, h := range handles {
		h.stop()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.store.Disconnect(ctx, e.self); err != nil && !errors.Is(err, store.ErrClosed) {
		return fmt.Errorf("close: %w", err)
	}
	return nil
}

func (e *Engine) checkOpen() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}
	return nil
}

func (e *Engine) forget(h *Handle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.handles[h.sessionID] == h {
		delete(e.handles, h.sessionID)
	}
}
