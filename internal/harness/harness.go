package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/roach88/jigsync/internal/ledger"
	"github.com/roach88/jigsync/internal/model"
	"github.com/roach88/jigsync/internal/pieces"
	"github.com/roach88/jigsync/internal/registry"
	"github.com/roach88/jigsync/internal/session"
	"github.com/roach88/jigsync/internal/store"
	"github.com/roach88/jigsync/internal/testutil"
	"github.com/roach88/jigsync/internal/tiers"
)

// SettleTimeout bounds the wait for replicas to catch up after a step.
const SettleTimeout = 5 * time.Second

// Option configures Run.
type Option func(*runner)

// WithLogger sets the logger handed to every engine. Default: discard.
func WithLogger(l *slog.Logger) Option {
	return func(r *runner) { r.logger = l }
}

// WithTiers replaces the built-in tiers.
func WithTiers(set *tiers.Set) Option {
	return func(r *runner) { r.tiers = set }
}

// cyclicRand makes Generate swap every slot with slot 0, which composes
// into a single cycle over all cells: no piece starts on its target.
type cyclicRand struct{}

func (cyclicRand) IntN(int) int { return 0 }

type runner struct {
	sc     *Scenario
	st     *store.Memory
	clock  *testutil.StepClock
	ids    *testutil.SequentialIDs
	rec    *ledger.Memory
	cfg    session.Config
	logger *slog.Logger
	tiers  *tiers.Set

	sessionID string
	engines   map[string]*session.Engine
	handles   map[string]*session.Handle
	result    *Result
}

// Run executes a scenario on a fresh in-memory store.
//
// The returned error is reserved for harness failures (a replica that
// never settles, an unreadable store). Step, invariant and assertion
// failures are reported in Result.Errors.
func Run(ctx context.Context, sc *Scenario, opts ...Option) (*Result, error) {
	r := newRunner(sc, opts...)
	defer r.close()

	var prev *snapshotView
	for i, step := range sc.Steps {
		err := r.execute(ctx, step)
		if serr := r.settle(ctx); serr != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i+1, step.Do, serr)
		}
		code := ErrorCode(err)
		switch {
		case step.ExpectError == "" && err != nil:
			r.result.AddError(fmt.Sprintf("step %d: %s by %s failed: %v", i+1, step.Do, step.Player, err))
		case step.ExpectError != "" && code != step.ExpectError:
			got := code
			if got == "" {
				got = "success"
			}
			r.result.AddError(fmt.Sprintf("step %d: %s by %s: expected error %s, got %s", i+1, step.Do, step.Player, step.ExpectError, got))
		}

		view, verr := r.view(ctx)
		if verr != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i+1, step.Do, verr)
		}
		for _, msg := range checkInvariants(prev, view) {
			r.result.AddError(fmt.Sprintf("step %d: %s", i+1, msg))
		}
		prev = view

		r.result.Trace = append(r.result.Trace, TraceEvent{
			Step:   i + 1,
			Player: step.Player,
			Do:     step.Do,
			Piece:  step.Piece,
			Error:  code,
			Status: view.status(),
			Placed: view.placed(),
		})
	}

	state, err := r.state(ctx)
	if err != nil {
		return nil, err
	}
	r.result.State = state
	for _, msg := range EvaluateAssertions(state, r.rec.Records(), sc.Assertions) {
		r.result.AddError(msg)
	}
	return r.result, nil
}

func newRunner(sc *Scenario, opts ...Option) *runner {
	cfg := session.DefaultConfig()
	cfg.HeartbeatInterval = 0
	cfg.TimerInterval = 0
	cfg.ResubscribeInitial = time.Millisecond
	cfg.ResubscribeMax = 10 * time.Millisecond
	if sc.ResetScores != nil {
		cfg.ResetScores = *sc.ResetScores
	}

	r := &runner{
		sc:      sc,
		st:      store.NewMemory(),
		clock:   testutil.NewStepClock(testutil.Epoch, 0),
		ids:     testutil.NewSequentialIDs("s"),
		rec:     ledger.NewMemory(),
		cfg:     cfg,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		engines: make(map[string]*session.Engine),
		handles: make(map[string]*session.Handle),
		result:  NewResult(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *runner) engine(player string) (*session.Engine, error) {
	if e, ok := r.engines[player]; ok {
		return e, nil
	}
	var rng pieces.Rand = cyclicRand{}
	if r.sc.Seed != 0 {
		rng = testutil.NewRand(r.sc.Seed)
	}
	opts := []session.Option{
		session.WithConfig(r.cfg),
		session.WithClock(r.clock),
		session.WithIDs(r.ids),
		session.WithPlayerID(player),
		session.WithRand(rng),
		session.WithRecorder(r.rec),
		session.WithLogger(r.logger.With("player", player)),
	}
	if r.tiers != nil {
		opts = append(opts, session.WithTiers(r.tiers))
	}
	e, err := session.New(r.st, opts...)
	if err != nil {
		return nil, err
	}
	r.engines[player] = e
	return e, nil
}

func (r *runner) handle(player string) (*session.Handle, error) {
	h, ok := r.handles[player]
	if !ok {
		return nil, session.ErrNotJoined
	}
	return h, nil
}

func (r *runner) execute(ctx context.Context, step Step) error {
	switch step.Do {
	case DoAdvance:
		r.clock.Advance(time.Duration(step.Seconds * float64(time.Second)))
		return nil
	case DoDrop:
		r.st.DropSubscriptions(r.sessionID)
		return nil
	case DoCreate:
		e, err := r.engine(step.Player)
		if err != nil {
			return err
		}
		id, err := e.CreateSession(ctx, r.sc.Grid.Difficulty(), step.Image, displayName(step))
		if err != nil {
			return err
		}
		h, err := e.Handle(id)
		if err != nil {
			return err
		}
		r.sessionID = id
		r.handles[step.Player] = h
		return nil
	case DoJoin:
		e, err := r.engine(step.Player)
		if err != nil {
			return err
		}
		h, err := e.JoinSession(ctx, r.sessionID, displayName(step))
		if err != nil {
			return err
		}
		r.handles[step.Player] = h
		return nil
	case DoClose:
		e, ok := r.engines[step.Player]
		if !ok {
			return session.ErrNotJoined
		}
		delete(r.engines, step.Player)
		delete(r.handles, step.Player)
		return e.Close()
	}

	h, err := r.handle(step.Player)
	if err != nil {
		return err
	}
	switch step.Do {
	case DoStart:
		return h.Start(ctx)
	case DoPause:
		return h.Pause(ctx)
	case DoResume:
		return h.Resume(ctx)
	case DoReset:
		return h.Reset(ctx)
	case DoMove:
		return h.Move(step.Piece, model.Point{X: step.X, Y: step.Y}, step.Rotation)
	case DoPlace:
		return r.place(h, step.Piece)
	case DoSolve:
		return r.solve(h, step.Count)
	case DoTick:
		h.Tick()
		return nil
	case DoLeave:
		delete(r.handles, step.Player)
		return h.Leave(ctx)
	}
	return fmt.Errorf("unknown action %q", step.Do)
}

func displayName(step Step) string {
	if step.Name != "" {
		return step.Name
	}
	return step.Player
}

func (r *runner) place(h *session.Handle, pieceID string) error {
	p, ok := h.Piece(pieceID)
	if !ok {
		return fmt.Errorf("%w: %s", pieces.ErrUnknownPiece, pieceID)
	}
	return h.Move(pieceID, r.cfg.Geometry.Canonical(p.Target), 0)
}

// solve places unplaced pieces in ID order; count 0 means all of them.
func (r *runner) solve(h *session.Handle, count int) error {
	done := 0
	for _, p := range h.Pieces() {
		if count > 0 && done == count {
			break
		}
		if p.Placed {
			continue
		}
		if err := r.place(h, p.ID); err != nil {
			return err
		}
		done++
	}
	return nil
}

// settle waits until every queued write has reached the store and every
// live replica has applied the store's latest change. Applying a change
// can queue further writes, so the check repeats until a full pass leaves
// the store untouched.
func (r *runner) settle(ctx context.Context) error {
	deadline := time.Now().Add(SettleTimeout)
	for {
		if err := r.flushAll(ctx); err != nil {
			return err
		}
		seq := r.st.Seq()
		if r.caughtUp(seq) {
			if err := r.flushAll(ctx); err != nil {
				return err
			}
			if r.st.Seq() == seq && r.caughtUp(seq) {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("replicas did not settle at seq %d", seq)
		}
		time.Sleep(time.Millisecond)
	}
}

func (r *runner) flushAll(ctx context.Context) error {
	for _, h := range r.handles {
		if err := h.Flush(ctx); err != nil && !errors.Is(err, session.ErrNotJoined) {
			return err
		}
	}
	return nil
}

func (r *runner) caughtUp(seq int64) bool {
	for _, h := range r.handles {
		got, live := h.Seq()
		if live && got < seq {
			return false
		}
	}
	return true
}

func (r *runner) close() {
	for _, e := range r.engines {
		e.Close()
	}
	r.st.Close()
}

// snapshotView is the decoded store state used for traces and invariants.
type snapshotView struct {
	deleted bool
	session model.Session
	roster  []model.Player
	pieces  []model.Piece
}

func (v *snapshotView) status() string {
	if v.deleted {
		return StatusDeleted
	}
	return string(v.session.Status)
}

func (v *snapshotView) placed() int {
	n := 0
	for _, p := range v.pieces {
		if p.Placed {
			n++
		}
	}
	return n
}

func (r *runner) view(ctx context.Context) (*snapshotView, error) {
	if r.sessionID == "" {
		return &snapshotView{deleted: true}, nil
	}
	snap, err := r.st.Read(ctx, r.sessionID)
	if store.IsNotFound(err) {
		return &snapshotView{deleted: true}, nil
	}
	if err != nil {
		return nil, err
	}
	sess, err := model.DecodeSession(r.sessionID, snap.Root)
	if err != nil {
		return nil, err
	}
	roster, err := registry.Roster(snap)
	if err != nil {
		return nil, err
	}
	ps, err := pieces.Decode(snap)
	if err != nil {
		return nil, err
	}
	sort.Slice(ps, func(i, j int) bool { return ps[i].ID < ps[j].ID })
	return &snapshotView{session: sess, roster: roster, pieces: ps}, nil
}

func (r *runner) state(ctx context.Context) (State, error) {
	v, err := r.view(ctx)
	if err != nil {
		return State{}, err
	}
	s := State{
		SessionID: r.sessionID,
		Status:    v.status(),
		Players:   []PlayerState{},
		Records:   r.rec.Records(),
		Converged: true,
	}
	if s.Records == nil {
		s.Records = []ledger.Record{}
	}
	if v.deleted {
		return s, nil
	}

	s.TimerSeconds = v.session.TimerSeconds
	s.Round = v.session.Round
	s.Placed = v.placed()
	s.Total = len(v.pieces)
	if host, ok := registry.Host(v.roster); ok {
		s.Host = host.ID
	}
	for _, p := range v.roster {
		s.Players = append(s.Players, PlayerState{ID: p.ID, Name: p.DisplayName, Score: p.Score})
	}

	want, err := model.BoardDigest(v.pieces)
	if err != nil {
		return State{}, err
	}
	for _, h := range r.handles {
		if _, live := h.Seq(); !live {
			continue
		}
		got, err := h.Digest()
		if err != nil {
			return State{}, err
		}
		if got != want {
			s.Converged = false
		}
	}
	return s, nil
}

// ErrorCode maps an operation error onto the short code scenarios use.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, session.ErrNotHost):
		return "not_host"
	case errors.Is(err, session.ErrNotPlaying):
		return "not_playing"
	case errors.Is(err, session.ErrBadTransition):
		return "bad_transition"
	case errors.Is(err, session.ErrNoImage):
		return "no_image"
	case errors.Is(err, session.ErrNotJoined):
		return "not_joined"
	case errors.Is(err, session.ErrEngineClosed):
		return "engine_closed"
	case errors.Is(err, pieces.ErrUnknownPiece):
		return "unknown_piece"
	case errors.Is(err, pieces.ErrValidation):
		return "invalid_move"
	case errors.Is(err, registry.ErrInvalidName):
		return "invalid_name"
	case store.IsNotFound(err):
		return "not_found"
	}
	return "error"
}
