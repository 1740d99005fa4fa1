package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/jigsync/internal/gateway"
	"github.com/roach88/jigsync/internal/ledger"
	"github.com/roach88/jigsync/internal/model"
	"github.com/roach88/jigsync/internal/registry"
	"github.com/roach88/jigsync/internal/session"
	"github.com/roach88/jigsync/internal/store"
)

// SimulateOptions holds flags for the simulate command.
type SimulateOptions struct {
	*RootOptions
	Players     int
	Cols        int
	Rows        int
	Tier        string
	TiersFile   string
	Seed        uint64
	Server      string
	LedgerDB    string
	NATSURL     string
	NATSSubject string
	Timeout     time.Duration
}

// SimulateResult describes one simulated round.
type SimulateResult struct {
	SessionID string         `json:"sessionId"`
	Players   []string       `json:"players"`
	Pieces    int            `json:"pieces"`
	Moves     int            `json:"moves"`
	Converged bool           `json:"converged"`
	Record    *ledger.Record `json:"record,omitempty"`
}

// NewSimulateCommand creates the simulate command.
func NewSimulateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SimulateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Play a session to completion with bot clients",
		Long: `Play one session to completion with bot clients.

The first bot creates the session, the others join, the host starts it
and every bot places its share of the pieces concurrently. The command
prints the completion record and whether every replica converged.

Bots share an in-process store unless --server points at a running
"jigsync serve"; each bot then opens its own websocket.

Exit codes:
  0 - Session completed
  1 - Session did not complete before --timeout
  2 - Command error (bad flags, unreachable server or ledger)

Examples:
  jigsync simulate --players 4 --cols 6 --rows 4
  jigsync simulate --server http://localhost:8080 --seed 42
  jigsync simulate --ledger-db ./ledger.db --nats-url nats://localhost:4222`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate(opts, cmd)
		},
	}

	fs := cmd.Flags()
	fs.IntVar(&opts.Players, "players", 3, "number of bot clients (env: JIGSYNC_PLAYERS)")
	fs.IntVar(&opts.Cols, "cols", 4, "puzzle columns (env: JIGSYNC_COLS)")
	fs.IntVar(&opts.Rows, "rows", 3, "puzzle rows (env: JIGSYNC_ROWS)")
	fs.StringVar(&opts.Tier, "tier", "", "difficulty tier name; default: closest by piece count (env: JIGSYNC_TIER)")
	fs.StringVar(&opts.TiersFile, "tiers", "", "CUE tier file replacing the built-in tiers (env: JIGSYNC_TIERS)")
	fs.Uint64Var(&opts.Seed, "seed", 0, "scramble seed; 0 picks one from the clock (env: JIGSYNC_SEED)")
	fs.StringVar(&opts.Server, "server", "", "base URL of a jigsync server (env: JIGSYNC_SERVER)")
	fs.StringVar(&opts.LedgerDB, "ledger-db", "", "append the completion record to this SQLite ledger (env: JIGSYNC_LEDGER_DB)")
	fs.StringVar(&opts.NATSURL, "nats-url", "", "publish the completion record to NATS (env: JIGSYNC_NATS_URL)")
	fs.StringVar(&opts.NATSSubject, "nats-subject", ledger.DefaultSubject, "NATS subject for completion records (env: JIGSYNC_NATS_SUBJECT)")
	fs.DurationVar(&opts.Timeout, "timeout", 30*time.Second, "give up after this long (env: JIGSYNC_TIMEOUT)")

	return cmd
}

func runSimulate(opts *SimulateOptions, cmd *cobra.Command) error {
	if opts.Players < 1 {
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid players: %d", opts.Players))
	}
	d := model.Difficulty{Cols: opts.Cols, Rows: opts.Rows, Tier: opts.Tier}
	if err := d.Validate(); err != nil {
		return WrapExitError(ExitCommandError, "invalid difficulty", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	sim := &simulation{opts: opts, difficulty: d}
	defer sim.close()

	if err := sim.setup(); err != nil {
		return WrapExitError(ExitCommandError, "simulation setup failed", err)
	}
	result, err := sim.run(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "simulation did not complete", err)
	}

	out := newFormatter(cmd, opts.RootOptions)
	return out.Result("ok", result, func(w io.Writer) error {
		return printSimulation(w, result)
	})
}

func printSimulation(w io.Writer, r *SimulateResult) error {
	rec := r.Record
	_, err := fmt.Fprintf(w, `Session %s completed
  winner:    %s (%d pieces)
  elapsed:   %ds
  players:   %s
  pieces:    %d (%d moves)
  converged: %t
`, r.SessionID, rec.WinnerName, rec.WinnerScore, rec.ElapsedSeconds,
		strings.Join(r.Players, ", "), r.Pieces, r.Moves, r.Converged)
	return err
}

// bot is one simulated client.
type bot struct {
	name   string
	engine *session.Engine
	handle *session.Handle
	rng    *rand.Rand
	moves  int
}

type simulation struct {
	opts       *SimulateOptions
	difficulty model.Difficulty
	records    *ledger.Memory
	bots       []*bot
	closers    []func() error
}

// setup opens the recorders and one engine per bot.
func (s *simulation) setup() error {
	set, err := loadTiers(s.opts.TiersFile)
	if err != nil {
		return err
	}
	if _, err := set.Resolve(s.difficulty); err != nil {
		return err
	}

	s.records = ledger.NewMemory()
	recorders := ledger.Multi{s.records}
	if s.opts.LedgerDB != "" {
		l, err := ledger.OpenSQLite(s.opts.LedgerDB)
		if err != nil {
			return err
		}
		s.closers = append(s.closers, l.Close)
		recorders = append(recorders, l)
	}
	if s.opts.NATSURL != "" {
		n, nc, err := ledger.ConnectNATS(s.opts.NATSURL, s.opts.NATSSubject)
		if err != nil {
			return err
		}
		s.closers = append(s.closers, nc.Drain)
		recorders = append(recorders, n)
	}

	var shared store.Store
	if s.opts.Server == "" {
		mem := store.NewMemory()
		s.closers = append(s.closers, mem.Close)
		shared = mem
	}

	seed := s.opts.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	for i := range s.opts.Players {
		st := shared
		if st == nil {
			remote := gateway.NewRemote(gateway.WebsocketURL(s.opts.Server),
				gateway.WithRemoteLogger(slog.Default()))
			s.closers = append(s.closers, remote.Close)
			st = remote
		}
		eng, err := session.New(st,
			session.WithRecorder(recorders),
			session.WithTiers(set),
			session.WithRand(rand.New(rand.NewPCG(seed, uint64(i)))),
			session.WithLogger(slog.Default()),
		)
		if err != nil {
			return err
		}
		s.closers = append(s.closers, eng.Close)
		s.bots = append(s.bots, &bot{
			name:   fmt.Sprintf("Bot %d", i+1),
			engine: eng,
			rng:    rand.New(rand.NewPCG(seed, uint64(i)+1<<32)),
		})
	}
	return nil
}

// close releases everything in reverse order of opening: engines first,
// then their stores, then the recorders.
func (s *simulation) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			slog.Warn("simulation cleanup failed", "error", err)
		}
	}
}

func (s *simulation) run(ctx context.Context) (*SimulateResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	first := s.bots[0]
	id, err := first.engine.CreateSession(ctx, s.difficulty, "sim://puzzle", first.name)
	if err != nil {
		return nil, err
	}
	if first.handle, err = first.engine.Handle(id); err != nil {
		return nil, err
	}
	for _, b := range s.bots[1:] {
		if b.handle, err = b.engine.JoinSession(ctx, id, b.name); err != nil {
			return nil, err
		}
	}
	slog.Info("session ready", "session", id, "players", len(s.bots))

	if err := s.wait(ctx, "roster", func(h *session.Handle) bool {
		return len(h.Roster()) == len(s.bots)
	}); err != nil {
		return nil, err
	}
	host, ok := registry.Host(first.handle.Roster())
	if !ok {
		return nil, errors.New("no host")
	}
	for _, b := range s.bots {
		if b.engine.PlayerID() == host.ID {
			if err := b.handle.Start(ctx); err != nil {
				return nil, err
			}
		}
	}
	if err := s.wait(ctx, "start", func(h *session.Handle) bool {
		return h.Session().Status == model.StatusPlaying
	}); err != nil {
		return nil, err
	}

	if err := s.play(ctx); err != nil {
		return nil, err
	}
	if err := s.wait(ctx, "completion", func(h *session.Handle) bool {
		return h.Session().Status == model.StatusCompleted
	}); err != nil {
		return nil, err
	}
	if err := poll(ctx, func() bool { return len(s.records.Records()) > 0 }); err != nil {
		return nil, fmt.Errorf("wait for record: %w", err)
	}

	result := &SimulateResult{SessionID: id}
	for _, b := range s.bots {
		result.Players = append(result.Players, b.name)
		result.Moves += b.moves
	}
	_, result.Pieces = first.handle.Progress()
	rec := s.records.Records()[0]
	result.Record = &rec
	result.Converged = s.converged(ctx)
	return result, nil
}

// play has every bot place its share of the pieces: drag each to a random
// spot first, then onto its target.
func (s *simulation) play(ctx context.Context) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for i, b := range s.bots {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := b.place(ctx, i, len(s.bots)); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", b.name, err))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (b *bot) place(ctx context.Context, index, of int) error {
	geo := b.engine.Config().Geometry
	d := b.handle.Session().Difficulty
	for n, p := range b.handle.Pieces() {
		if n%of != index || p.Placed {
			continue
		}
		scatter := model.Point{
			X: b.rng.Float64() * float64(d.Cols) * geo.CellWidth,
			Y: b.rng.Float64() * float64(d.Rows) * geo.CellHeight,
		}
		if err := b.handle.Move(p.ID, scatter, p.Rotation); err != nil {
			return err
		}
		if err := b.handle.Move(p.ID, geo.Canonical(p.Target), 0); err != nil {
			return err
		}
		b.moves += 2
	}
	return b.handle.Flush(ctx)
}

// wait polls until cond holds for every bot's replica.
func (s *simulation) wait(ctx context.Context, what string, cond func(*session.Handle) bool) error {
	err := poll(ctx, func() bool {
		for _, b := range s.bots {
			if !cond(b.handle) {
				return false
			}
		}
		return true
	})
	if err != nil {
		return fmt.Errorf("wait for %s: %w", what, err)
	}
	return nil
}

// converged reports whether every replica ends with the same board.
func (s *simulation) converged(ctx context.Context) bool {
	err := poll(ctx, func() bool {
		var want string
		for i, b := range s.bots {
			got, err := b.handle.Digest()
			if err != nil {
				return false
			}
			if i == 0 {
				want = got
			} else if got != want {
				return false
			}
		}
		return true
	})
	return err == nil
}

func poll(ctx context.Context, cond func() bool) error {
	t := time.NewTicker(10 * time.Millisecond)
	defer t.Stop()
	for !cond() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}
