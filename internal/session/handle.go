package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/jigsync/internal/completion"
	"github.com/roach88/jigsync/internal/mailbox"
	"github.com/roach88/jigsync/internal/model"
	"github.com/roach88/jigsync/internal/pieces"
	"github.com/roach88/jigsync/internal/registry"
	"github.com/roach88/jigsync/internal/store"
)

// Stats counts what a handle has done. Conflicts includes both remote
// updates discarded by the replica and local moves the store rejected as
// older.
type Stats struct {
	LocalMoves    int `json:"localMoves"`
	RemoteMoves   int `json:"remoteMoves"`
	Conflicts     int `json:"conflicts"`
	Rejected      int `json:"rejected"`
	Published     int `json:"published"`
	PublishErrors int `json:"publishErrors"`
	Resyncs       int `json:"resyncs"`
}

// task is one outbox entry. A task without run is a flush marker.
type task struct {
	name string
	run  func(ctx context.Context) error
	done chan struct{}
}

// Handle is this client's view of one joined session.
//
// Thread-safety: all methods are safe for concurrent use. Replica state is
// guarded by mu; store writes happen on the publisher goroutine in the
// order they were queued.
type Handle struct {
	e         *Engine
	sessionID string
	self      string
	name      string
	logger    *slog.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	outbox   *mailbox.Queue[task]
	wg       sync.WaitGroup
	stopOnce sync.Once

	mu       sync.Mutex
	sub      *store.Subscription
	snap     store.Snapshot
	session  model.Session
	roster   []model.Player
	board    *pieces.Board
	detector completion.Detector
	score    int
	stats    Stats
	watchers map[*watcher]struct{}
	stopped  bool
	gone     bool
}

func newHandle(e *Engine, sessionID, name string, snap store.Snapshot) (*Handle, error) {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		e:         e,
		sessionID: sessionID,
		self:      e.self,
		name:      name,
		logger:    e.logger.With("session", sessionID, "player", e.self),
		ctx:       ctx,
		cancel:    cancel,
		outbox:    mailbox.New[task](),
		watchers:  make(map[*watcher]struct{}),
	}
	if err := h.seedLocked(snap); err != nil {
		cancel()
		return nil, err
	}
	return h, nil
}

// seedLocked replaces the replica with a full snapshot. Caller holds mu,
// or owns h exclusively.
func (h *Handle) seedLocked(snap store.Snapshot) error {
	sess, err := model.DecodeSession(h.sessionID, snap.Root)
	if err != nil {
		return err
	}
	roster, err := registry.Roster(snap)
	if err != nil {
		return err
	}
	ps, err := pieces.Decode(snap)
	if err != nil {
		return err
	}
	if len(ps) != sess.Difficulty.PieceCount() {
		return fmt.Errorf("session %s has %d pieces, want %d", h.sessionID, len(ps), sess.Difficulty.PieceCount())
	}

	first := h.board == nil
	if first {
		tier, err := h.e.tiers.Resolve(sess.Difficulty)
		if err != nil {
			return err
		}
		h.board = pieces.NewBoard(h.self, pieces.Rules{Tier: tier, Geometry: h.e.cfg.Geometry}, ps)
	} else {
		h.board.Reset(ps)
	}
	newRound := sess.Round != h.session.Round
	if newRound {
		h.detector.Rearm()
	}

	h.snap = snap
	h.session = sess
	h.roster = roster
	if me, ok := h.me(); ok && (first || newRound) {
		h.score = me.Score
	}
	return nil
}

func (h *Handle) start(sub *store.Subscription) {
	h.mu.Lock()
	h.sub = sub
	h.syncHostLocked()
	h.checkCompletionLocked()
	h.mu.Unlock()

	h.wg.Add(2)
	go h.inbound(sub)
	go h.publisher()
	if h.e.cfg.HeartbeatInterval > 0 || h.e.cfg.TimerInterval > 0 {
		h.wg.Add(1)
		go h.ticker()
	}
}

// SessionID returns the session this handle tracks.
func (h *Handle) SessionID() string { return h.sessionID }

// PlayerID returns the local player.
func (h *Handle) PlayerID() string { return h.self }

// Session returns the replica's root record.
func (h *Handle) Session() model.Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.session
}

// Roster returns the players ordered by join time, with isHost recomputed.
func (h *Handle) Roster() []model.Player {
	h.mu.Lock()
	defer h.mu.Unlock()
	return registry.WithHostFlags(h.roster)
}

// Host returns the derived host.
func (h *Handle) Host() (model.Player, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return registry.Host(h.roster)
}

// IsHost reports whether the local player is the derived host.
func (h *Handle) IsHost() bool {
	host, ok := h.Host()
	return ok && host.ID == h.self
}

// StalePlayers lists players whose heartbeat is older than StaleAfter.
// Display hint only.
func (h *Handle) StalePlayers() []string {
	now := h.e.clock.Now()
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for _, p := range h.roster {
		if registry.Stale(p, now, h.e.cfg.StaleAfter) {
			out = append(out, p.ID)
		}
	}
	return out
}

// Piece returns one piece of the replica.
func (h *Handle) Piece(id string) (model.Piece, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.board.Piece(id)
}

// Pieces returns the replica's pieces ordered by ID.
func (h *Handle) Pieces() []model.Piece {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.board.Pieces()
}

// Progress returns placed and total piece counts.
func (h *Handle) Progress() (placed, total int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.board.PlacedCount(), h.board.Total()
}

// Score returns the local player's score this round.
func (h *Handle) Score() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.score
}

// Stats returns a copy of the counters.
func (h *Handle) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.stats
	s.Conflicts += h.board.Conflicts()
	return s
}

// Digest hashes the replica's pieces; converged replicas have equal
// digests.
func (h *Handle) Digest() (string, error) {
	return model.BoardDigest(h.Pieces())
}

// Seq returns the store sequence the replica has caught up to. live is
// false once the handle has stopped.
func (h *Handle) Seq() (seq int64, live bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snap.Seq, !h.stopped
}

// Subscribe streams events until cancel is called or the handle stops.
func (h *Handle) Subscribe() (<-chan Event, func()) {
	w := newWatcher()
	h.mu.Lock()
	if h.stopped {
		w.queue.Close()
	} else {
		h.watchers[w] = struct{}{}
	}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.watchers, w)
			h.mu.Unlock()
			close(w.stop)
			w.queue.Close()
		})
	}
	return w.out, cancel
}

func (h *Handle) emitLocked(ev Event) {
	ev.SessionID = h.sessionID
	ev.Session = h.session
	ev.Roster = registry.WithHostFlags(h.roster)
	for w := range h.watchers {
		w.queue.Enqueue(ev)
	}
}

func (h *Handle) me() (model.Player, bool) {
	for _, p := range h.roster {
		if p.ID == h.self {
			return p, true
		}
	}
	return model.Player{}, false
}

// Move applies a local move optimistically and queues the store writes.
// Invalid moves are rejected here and never published.
func (h *Handle) Move(pieceID string, position model.Point, rotation float64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.stopped {
		return fmt.Errorf("move %s: %w", pieceID, ErrNotJoined)
	}
	if h.session.Status != model.StatusPlaying {
		return fmt.Errorf("move %s: %w", pieceID, ErrNotPlaying)
	}
	out, err := h.board.ApplyLocal(model.Move{
		PieceID:         pieceID,
		PlayerID:        h.self,
		Position:        position,
		Rotation:        rotation,
		ClientTimestamp: model.Millis(h.e.clock.Now()),
	})
	if err != nil {
		h.stats.Rejected++
		return fmt.Errorf("move: %w", err)
	}
	h.stats.LocalMoves++

	if out.Scored {
		h.score++
		score := h.score
		h.enqueue("score", func(ctx context.Context) error {
			return h.e.registry.SetScore(ctx, h.sessionID, h.self, score)
		})
	}
	piece := out.Piece
	h.enqueue("move", func(ctx context.Context) error {
		applied, err := h.e.store.PatchIfNewer(ctx, h.sessionID, store.PiecePath(piece.ID), pieces.MoveFields(piece), pieces.StampField)
		if err != nil {
			return err
		}
		if !applied {
			h.mu.Lock()
			h.stats.Conflicts++
			h.mu.Unlock()
			h.logger.Debug("move superseded", "piece", piece.ID, "stamp", piece.LastMoveTimestamp)
		}
		return nil
	})

	h.emitLocked(Event{Kind: EventPiece, Piece: &piece})
	h.checkCompletionLocked()
	return nil
}

// checkCompletionLocked fires the completion transition the first time
// this round the replica is solved while playing.
func (h *Handle) checkCompletionLocked() {
	if h.session.Status != model.StatusPlaying {
		return
	}
	if !h.detector.Check(h.board.PlacedCount(), h.board.Total()) {
		return
	}
	now := h.e.clock.Now()
	h.enqueue("complete", func(ctx context.Context) error {
		rec, applied, err := completion.Transition(ctx, h.e.store, h.e.recorder, h.sessionID, now, completion.WithLogger(h.e.logger.With("player", h.self)))
		h.mu.Lock()
		defer h.mu.Unlock()
		if !applied {
			// Someone else completed, the session was paused under us, or a
			// later move unplaced a piece before ours reached the store.
			if h.session.Status != model.StatusCompleted {
				h.detector.Rearm()
			}
			return err
		}
		h.emitLocked(Event{Kind: EventRecorded, Record: &rec})
		return err
	})
}

// Tick runs one heartbeat and one timer write. The ticker goroutine calls
// it on the configured intervals; deterministic runs call it directly.
func (h *Handle) Tick() {
	h.heartbeat()
	h.writeTimer()
}

func (h *Handle) heartbeat() {
	h.enqueue("heartbeat", func(ctx context.Context) error {
		return h.e.registry.Heartbeat(ctx, h.sessionID, h.self)
	})
}

// writeTimer writes floor(now - startTime) while playing. Every client
// does this; the writes converge.
func (h *Handle) writeTimer() {
	now := h.e.clock.Now()
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.session.Status != model.StatusPlaying || h.session.StartTime <= 0 {
		return
	}
	secs := completion.Elapsed(h.session.StartTime, now)
	if secs == h.session.TimerSeconds {
		return
	}
	h.enqueue("timer", func(ctx context.Context) error {
		return h.e.store.Patch(ctx, h.sessionID, store.Root, store.Fields{"timerSeconds": secs})
	})
}

func (h *Handle) ticker() {
	defer h.wg.Done()

	var heartbeat, timer <-chan time.Time
	if d := h.e.cfg.HeartbeatInterval; d > 0 {
		t := time.NewTicker(d)
		defer t.Stop()
		heartbeat = t.C
	}
	if d := h.e.cfg.TimerInterval; d > 0 {
		t := time.NewTicker(d)
		defer t.Stop()
		timer = t.C
	}
	for {
		select {
		case <-h.ctx.Done():
			return
		case <-heartbeat:
			h.heartbeat()
		case <-timer:
			h.writeTimer()
		}
	}
}

func (h *Handle) enqueue(name string, run func(ctx context.Context) error) {
	if !h.outbox.Enqueue(task{name: name, run: run}) {
		h.logger.Debug("outbox closed, dropping write", "task", name)
	}
}

// Flush waits until every write queued so far has been attempted.
func (h *Handle) Flush(ctx context.Context) error {
	done := make(chan struct{})
	if !h.outbox.Enqueue(task{done: done}) {
		return ErrNotJoined
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// publisher drains the outbox in FIFO order. A failed write is logged and
// the loop moves on; the replica stays authoritative for the local view
// until the next remote update.
func (h *Handle) publisher() {
	defer h.wg.Done()
	for {
		if t, ok := h.outbox.TryDequeue(); ok {
			h.run(t)
			continue
		}
		if h.outbox.Closed() {
			return
		}
		<-h.outbox.Wait()
	}
}

func (h *Handle) run(t task) {
	if t.done != nil {
		defer close(t.done)
	}
	if t.run == nil || h.ctx.Err() != nil {
		return
	}
	err := t.run(h.ctx)

	h.mu.Lock()
	if err != nil {
		h.stats.PublishErrors++
	} else {
		h.stats.Published++
	}
	h.mu.Unlock()

	if err != nil {
		h.logger.Warn("publish failed", "task", t.name, "error", err)
	}
}

// inbound folds store changes into the replica until the subscription
// ends for good.
func (h *Handle) inbound(sub *store.Subscription) {
	defer h.wg.Done()
	for {
		for ch := range sub.C() {
			h.apply(ch)
		}
		if h.ctx.Err() != nil {
			return
		}
		err := sub.Err()
		switch {
		case err == nil:
			// The session was deleted.
			h.ended()
			return
		case errors.Is(err, store.ErrConnectivityLost):
			h.logger.Warn("subscription lost, resubscribing")
			next, ok := h.resubscribe()
			if !ok {
				return
			}
			sub = next
		default:
			h.logger.Warn("subscription ended", "error", err)
			return
		}
	}
}

// resubscribe retries with exponential backoff, then re-seeds the replica
// from a full snapshot. Buffered deltas from before the drop are never
// trusted.
func (h *Handle) resubscribe() (*store.Subscription, bool) {
	delay := h.e.cfg.ResubscribeInitial
	if delay <= 0 {
		delay = time.Millisecond
	}
	for attempt := 1; ; attempt++ {
		select {
		case <-h.ctx.Done():
			return nil, false
		case <-time.After(delay):
		}

		sub, err := h.e.store.Subscribe(h.ctx, h.sessionID)
		if err == nil {
			var snap store.Snapshot
			snap, err = h.e.store.Read(h.ctx, h.sessionID)
			if err == nil {
				if h.resync(sub, snap) {
					return sub, true
				}
				sub.Cancel()
				return nil, false
			}
			sub.Cancel()
		}
		switch {
		case store.IsNotFound(err):
			h.ended()
			return nil, false
		case errors.Is(err, store.ErrClosed), h.ctx.Err() != nil:
			return nil, false
		}
		h.logger.Warn("resubscribe failed", "attempt", attempt, "error", err)
		delay = backoff(delay, h.e.cfg.ResubscribeMax)
	}
}

func (h *Handle) resync(sub *store.Subscription, snap store.Snapshot) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return false
	}
	if err := h.seedLocked(snap); err != nil {
		h.logger.Warn("resync failed", "error", err)
		return false
	}
	h.sub = sub
	h.stats.Resyncs++

	// The store may have run our disconnect intents while we were away.
	if _, ok := h.me(); !ok {
		score := h.score
		h.enqueue("rejoin", func(ctx context.Context) error {
			if _, err := h.e.registry.Join(ctx, h.sessionID, h.self, h.name); err != nil {
				return err
			}
			if score > 0 {
				return h.e.registry.SetScore(ctx, h.sessionID, h.self, score)
			}
			return nil
		})
	}

	h.emitLocked(Event{Kind: EventResynced})
	h.syncHostLocked()
	h.checkCompletionLocked()
	h.logger.Info("resynced", "seq", snap.Seq)
	return true
}

func (h *Handle) apply(ch store.Change) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.stopped || !h.snap.Apply(ch) {
		return
	}
	if ch.Deleted {
		h.markGoneLocked()
		return
	}
	switch ch.Path.Kind {
	case store.KindPiece:
		h.applyPieceLocked(ch.Path.ID)
	case store.KindPlayer:
		h.refreshRosterLocked()
	default:
		h.refreshSessionLocked()
	}
}

func (h *Handle) applyPieceLocked(id string) {
	fields, ok := h.snap.Pieces[id]
	if !ok {
		return
	}
	p, err := model.DecodePiece(id, fields)
	if err != nil {
		h.logger.Warn("bad piece update", "piece", id, "error", err)
		return
	}
	out := h.board.ApplyRemote(p)
	if !out.Changed {
		return
	}
	h.stats.RemoteMoves++
	h.emitLocked(Event{Kind: EventPiece, Piece: &out.Piece})
	h.checkCompletionLocked()
}

func (h *Handle) refreshRosterLocked() {
	roster, err := registry.Roster(h.snap)
	if err != nil {
		h.logger.Warn("bad roster update", "error", err)
		return
	}
	h.roster = roster
	h.emitLocked(Event{Kind: EventRoster})
	h.syncHostLocked()
}

func (h *Handle) refreshSessionLocked() {
	sess, err := model.DecodeSession(h.sessionID, h.snap.Root)
	if err != nil {
		h.logger.Warn("bad session update", "error", err)
		return
	}
	prev := h.session
	h.session = sess

	if sess.Round != prev.Round {
		h.detector.Rearm()
		if me, ok := h.me(); ok {
			h.score = me.Score
		}
	}
	h.emitLocked(Event{Kind: EventSession})
	if sess.Status == model.StatusCompleted && prev.Status != model.StatusCompleted {
		h.emitLocked(Event{Kind: EventCompleted})
	}
	if sess.Status == model.StatusPlaying && prev.Status != model.StatusPlaying {
		h.checkCompletionLocked()
	}
	if sess.HostPlayerID != prev.HostPlayerID {
		h.syncHostLocked()
	}
}

// syncHostLocked queues a write of our own host flag when it disagrees
// with the roster. No other client's node is ever touched.
func (h *Handle) syncHostLocked() {
	me, ok := h.me()
	if !ok {
		return
	}
	host, ok := registry.Host(h.roster)
	if !ok {
		return
	}
	isHost := host.ID == h.self
	if me.IsHost == isHost && (!isHost || h.session.HostPlayerID == h.self) {
		return
	}
	roster := append([]model.Player(nil), h.roster...)
	hostID := h.session.HostPlayerID
	h.enqueue("host", func(ctx context.Context) error {
		_, err := h.e.registry.SyncHostFlag(ctx, h.sessionID, me, roster, hostID)
		return err
	})
}

func (h *Handle) markGoneLocked() {
	if h.gone {
		return
	}
	h.gone = true
	h.emitLocked(Event{Kind: EventDeleted})
}

// ended handles a session that no longer exists: the handle shuts itself
// down and the engine forgets it.
func (h *Handle) ended() {
	h.mu.Lock()
	h.markGoneLocked()
	h.mu.Unlock()
	h.e.forget(h)
	h.shutdown()
}

func (h *Handle) requireHostLocked() error {
	host, ok := registry.Host(h.roster)
	if !ok || host.ID != h.self {
		return ErrNotHost
	}
	return nil
}

// Start moves the session from waiting to playing. Host only; the session
// needs an image.
func (h *Handle) Start(ctx context.Context) error {
	h.mu.Lock()
	err := h.requireHostLocked()
	sess := h.session
	h.mu.Unlock()
	if err != nil {
		return fmt.Errorf("start: %w", err)
	}
	if sess.ImageRef == "" {
		return fmt.Errorf("start: %w", ErrNoImage)
	}

	applied, err := h.e.store.CompareAndSet(ctx, h.sessionID, store.Root, "status", model.StatusWaiting, model.StatusPlaying)
	if err != nil {
		return fmt.Errorf("start: %w", err)
	}
	if !applied {
		return fmt.Errorf("start: %w: session is not waiting", ErrBadTransition)
	}
	now := model.Millis(h.e.clock.Now())
	if err := h.e.store.Patch(ctx, h.sessionID, store.Root, store.Fields{"startTime": now, "timerSeconds": 0}); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	h.logger.Info("session started")
	return nil
}

// Pause moves the session from playing to paused. Host only.
func (h *Handle) Pause(ctx context.Context) error {
	h.mu.Lock()
	err := h.requireHostLocked()
	startTime := h.session.StartTime
	h.mu.Unlock()
	if err != nil {
		return fmt.Errorf("pause: %w", err)
	}
	applied, err := h.e.store.CompareAndSet(ctx, h.sessionID, store.Root, "status", model.StatusPlaying, model.StatusPaused)
	if err != nil {
		return fmt.Errorf("pause: %w", err)
	}
	if !applied {
		return fmt.Errorf("pause: %w", ErrNotPlaying)
	}
	secs := completion.Elapsed(startTime, h.e.clock.Now())
	if err := h.e.store.Patch(ctx, h.sessionID, store.Root, store.Fields{"timerSeconds": secs}); err != nil {
		return fmt.Errorf("pause: %w", err)
	}
	h.logger.Info("session paused", "elapsed", secs)
	return nil
}

// Resume moves the session from paused back to playing. startTime is
// shifted so the timer does not count the pause. The elapsed time comes
// from the store, where Pause left it.
func (h *Handle) Resume(ctx context.Context) error {
	h.mu.Lock()
	err := h.requireHostLocked()
	h.mu.Unlock()
	if err != nil {
		return fmt.Errorf("resume: %w", err)
	}
	applied, err := h.e.store.CompareAndSet(ctx, h.sessionID, store.Root, "status", model.StatusPaused, model.StatusPlaying)
	if err != nil {
		return fmt.Errorf("resume: %w", err)
	}
	if !applied {
		return fmt.Errorf("resume: %w: session is not paused", ErrBadTransition)
	}
	snap, err := h.e.store.Read(ctx, h.sessionID)
	if err != nil {
		return fmt.Errorf("resume: %w", err)
	}
	sess, err := model.DecodeSession(h.sessionID, snap.Root)
	if err != nil {
		return fmt.Errorf("resume: %w", err)
	}
	start := model.Millis(h.e.clock.Now()) - sess.TimerSeconds*1000
	if err := h.e.store.Patch(ctx, h.sessionID, store.Root, store.Fields{"startTime": start}); err != nil {
		return fmt.Errorf("resume: %w", err)
	}
	h.logger.Info("session resumed")
	return nil
}

// Reset starts a new round: freshly scrambled pieces, status playing,
// timer zero. Scores are zeroed when Config.ResetScores is set. Host only.
//
// Reset pieces are stamped newer than anything the replica has seen, so a
// straggling move from the previous round loses under last-writer-wins.
func (h *Handle) Reset(ctx context.Context) error {
	h.mu.Lock()
	err := h.requireHostLocked()
	sess := h.session
	roster := append([]model.Player(nil), h.roster...)
	var maxStamp int64
	for _, p := range h.board.Pieces() {
		maxStamp = max(maxStamp, p.LastMoveTimestamp)
	}
	h.mu.Unlock()
	if err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	if sess.Status == model.StatusWaiting {
		return fmt.Errorf("reset: %w: session has not started", ErrBadTransition)
	}

	if err := h.Flush(ctx); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	ps, err := h.e.generate(sess.Difficulty)
	if err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	now := model.Millis(h.e.clock.Now())
	stamp := max(now, maxStamp+1)
	for i := range ps {
		ps[i].LastMovedBy = h.self
		ps[i].LastMoveTimestamp = stamp
	}

	if h.e.cfg.ResetScores {
		if err := h.e.registry.ResetScores(ctx, h.sessionID, roster); err != nil {
			return fmt.Errorf("reset: %w", err)
		}
	}
	if err := pieces.Write(ctx, h.e.store, h.sessionID, ps); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	err = h.e.store.Patch(ctx, h.sessionID, store.Root, store.Fields{
		"status":       model.StatusPlaying,
		"timerSeconds": 0,
		"startTime":    max(now, sess.StartTime+1),
		"round":        sess.Round + 1,
	})
	if err != nil {
		return fmt.Errorf("reset: %w", err)
	}

	h.mu.Lock()
	for _, p := range ps {
		h.board.ApplyRemote(p)
	}
	h.mu.Unlock()

	h.logger.Info("session reset", "round", sess.Round+1)
	return nil
}

// Leave removes the local player after flushing queued writes. The last
// player out is necessarily the host and deletes the session.
func (h *Handle) Leave(ctx context.Context) error {
	if err := h.Flush(ctx); err != nil {
		return fmt.Errorf("leave: %w", err)
	}
	remaining, err := h.e.registry.Leave(ctx, h.sessionID, h.self)
	if err != nil {
		return fmt.Errorf("leave: %w", err)
	}
	if remaining == 0 {
		if err := h.e.store.Delete(ctx, h.sessionID); err != nil {
			return fmt.Errorf("leave: teardown: %w", err)
		}
		h.logger.Info("session torn down")
	}
	h.e.forget(h)
	h.stop()
	return nil
}

// shutdown stops the goroutines without waiting for them.
func (h *Handle) shutdown() {
	h.stopOnce.Do(func() {
		h.mu.Lock()
		h.stopped = true
		sub := h.sub
		watchers := h.watchers
		h.watchers = make(map[*watcher]struct{})
		h.mu.Unlock()

		h.cancel()
		if sub != nil {
			sub.Cancel()
		}
		h.outbox.Close()
		for w := range watchers {
			w.queue.Close()
		}
	})
}

func (h *Handle) stop() {
	h.shutdown()
	h.wg.Wait()
}
