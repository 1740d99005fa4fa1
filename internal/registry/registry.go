// Package registry manages the player roster of a session: join, leave,
// presence and host derivation.
//
// Host authority is never elected. Every client recomputes it from the
// roster (earliest joinedAt, ties by player ID), so clients that see the
// same roster agree on the host without exchanging messages. The isHost
// flag written at join time is a hint; Host is the ground truth.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/roach88/jigsync/internal/model"
	"github.com/roach88/jigsync/internal/store"
)

// MaxDisplayName is the display name limit in runes.
const MaxDisplayName = 32

// DefaultStaleAfter is the presence threshold used when none is configured.
const DefaultStaleAfter = 10 * time.Second

// Palette is the fixed color set assigned in join order.
var Palette = []string{
	"#e6194b", "#3cb44b", "#4363d8", "#f58231",
	"#911eb4", "#42d4f4", "#f032e6", "#bfef45",
}

// ErrInvalidName is returned for empty display names.
var ErrInvalidName = errors.New("invalid display name")

// Registry reads and writes player nodes.
type Registry struct {
	store  store.Store
	clock  model.Clock
	logger *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// New creates a registry over st.
func New(st store.Store, clock model.Clock, opts ...Option) *Registry {
	r := &Registry{store: st, clock: clock, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NormalizeName trims, NFC-normalizes and truncates a display name.
func NormalizeName(name string) (string, error) {
	name = norm.NFC.String(strings.TrimSpace(name))
	if name == "" {
		return "", ErrInvalidName
	}
	if utf8.RuneCountInString(name) > MaxDisplayName {
		runes := []rune(name)
		name = strings.TrimSpace(string(runes[:MaxDisplayName]))
	}
	return name, nil
}

// Join adds playerID to the session. The player is host if the roster was
// empty when read. Rejoining with a known ID keeps score and joinedAt.
//
// Join registers disconnect intents with ownerID playerID: the player node
// is removed and, if nobody is left, the session is deleted.
func (r *Registry) Join(ctx context.Context, sessionID, playerID, displayName string) (model.Player, error) {
	name, err := NormalizeName(displayName)
	if err != nil {
		return model.Player{}, err
	}

	snap, err := r.store.Read(ctx, sessionID)
	if err != nil {
		return model.Player{}, fmt.Errorf("join: %w", err)
	}
	roster, err := Roster(snap)
	if err != nil {
		return model.Player{}, fmt.Errorf("join: %w", err)
	}

	now := model.Millis(r.clock.Now())
	p := model.Player{
		ID:                  playerID,
		DisplayName:         name,
		Color:               pickColor(roster),
		IsHost:              len(roster) == 0,
		JoinedAt:            now,
		LastActiveTimestamp: now,
	}
	for _, existing := range roster {
		if existing.ID == playerID {
			p.Color = existing.Color
			p.Score = existing.Score
			p.JoinedAt = existing.JoinedAt
			p.IsHost = existing.IsHost
		}
	}

	fields, err := model.ToFields(p)
	if err != nil {
		return model.Player{}, fmt.Errorf("join: %w", err)
	}
	if err := r.store.Patch(ctx, sessionID, store.PlayerPath(playerID), fields); err != nil {
		return model.Player{}, fmt.Errorf("join: %w", err)
	}
	if p.IsHost {
		if err := r.store.Patch(ctx, sessionID, store.Root, store.Fields{"hostPlayerId": playerID}); err != nil {
			return model.Player{}, fmt.Errorf("join: %w", err)
		}
	}
	err = r.store.OnDisconnect(ctx, sessionID, playerID,
		store.RemoveOnDisconnect(store.PlayerPath(playerID)),
		store.DeleteIfEmptyOnDisconnect(),
	)
	if err != nil {
		return model.Player{}, fmt.Errorf("join: %w", err)
	}

	r.logger.Debug("player joined",
		"session", sessionID,
		"player", playerID,
		"host", p.IsHost,
	)
	return p, nil
}

// Leave removes the player and its disconnect intents, returning how many
// players remain. Leaving a deleted session returns 0 and no error.
func (r *Registry) Leave(ctx context.Context, sessionID, playerID string) (int, error) {
	if err := r.store.CancelDisconnect(ctx, sessionID, playerID); err != nil {
		return 0, fmt.Errorf("leave: %w", err)
	}
	if err := r.store.Remove(ctx, sessionID, store.PlayerPath(playerID)); err != nil {
		return 0, fmt.Errorf("leave: %w", err)
	}
	snap, err := r.store.Read(ctx, sessionID)
	if store.IsNotFound(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("leave: %w", err)
	}
	roster, err := Roster(snap)
	if err != nil {
		return 0, fmt.Errorf("leave: %w", err)
	}
	r.logger.Debug("player left", "session", sessionID, "player", playerID, "remaining", len(roster))
	return len(roster), nil
}

// Heartbeat refreshes the player's lastActiveTimestamp.
func (r *Registry) Heartbeat(ctx context.Context, sessionID, playerID string) error {
	now := model.Millis(r.clock.Now())
	err := r.store.Patch(ctx, sessionID, store.PlayerPath(playerID), store.Fields{"lastActiveTimestamp": now})
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	return nil
}

// SetScore writes the player's score. Only the scoring client writes its
// own score, so the field has a single writer.
func (r *Registry) SetScore(ctx context.Context, sessionID, playerID string, score int) error {
	if err := r.store.Patch(ctx, sessionID, store.PlayerPath(playerID), store.Fields{"score": score}); err != nil {
		return fmt.Errorf("set score: %w", err)
	}
	return nil
}

// ResetScores zeroes every listed player's score.
func (r *Registry) ResetScores(ctx context.Context, sessionID string, roster []model.Player) error {
	for _, p := range roster {
		if err := r.SetScore(ctx, sessionID, p.ID, 0); err != nil {
			return err
		}
	}
	return nil
}

// SyncHostFlag rewrites self's isHost flag when it disagrees with the
// derived host, and claims hostPlayerId on the root when self is host.
// Each client only writes its own flag. Returns true when a write happened.
func (r *Registry) SyncHostFlag(ctx context.Context, sessionID string, self model.Player, roster []model.Player, hostPlayerID string) (bool, error) {
	host, ok := Host(roster)
	if !ok {
		return false, nil
	}
	isHost := host.ID == self.ID
	wrote := false
	if self.IsHost != isHost {
		if err := r.store.Patch(ctx, sessionID, store.PlayerPath(self.ID), store.Fields{"isHost": isHost}); err != nil {
			return false, fmt.Errorf("sync host: %w", err)
		}
		wrote = true
	}
	if isHost && hostPlayerID != self.ID {
		if err := r.store.Patch(ctx, sessionID, store.Root, store.Fields{"hostPlayerId": self.ID}); err != nil {
			return wrote, fmt.Errorf("sync host: %w", err)
		}
		wrote = true
	}
	if wrote {
		r.logger.Info("host flag updated", "session", sessionID, "player", self.ID, "host", isHost)
	}
	return wrote, nil
}

// Roster decodes the players of a snapshot, ordered by joinedAt then ID.
// Nodes without joinedAt are partial writes racing a removal and are
// skipped.
func Roster(snap store.Snapshot) ([]model.Player, error) {
	out := make([]model.Player, 0, len(snap.Players))
	for id, fields := range snap.Players {
		if _, ok := fields[store.MemberField]; !ok {
			continue
		}
		p, err := model.DecodePlayer(id, fields)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	SortByJoin(out)
	return out, nil
}

// SortByJoin orders players by joinedAt, ties by ID.
func SortByJoin(players []model.Player) {
	sort.Slice(players, func(i, j int) bool {
		if players[i].JoinedAt != players[j].JoinedAt {
			return players[i].JoinedAt < players[j].JoinedAt
		}
		return players[i].ID < players[j].ID
	})
}

// Host derives the host: earliest joinedAt, ties by player ID.
func Host(roster []model.Player) (model.Player, bool) {
	if len(roster) == 0 {
		return model.Player{}, false
	}
	best := roster[0]
	for _, p := range roster[1:] {
		if p.JoinedAt < best.JoinedAt || (p.JoinedAt == best.JoinedAt && p.ID < best.ID) {
			best = p
		}
	}
	return best, true
}

// WithHostFlags returns a copy of roster with isHost rewritten from Host.
func WithHostFlags(roster []model.Player) []model.Player {
	out := make([]model.Player, len(roster))
	copy(out, roster)
	host, ok := Host(out)
	for i := range out {
		out[i].IsHost = ok && out[i].ID == host.ID
	}
	return out
}

// Stale reports whether p has not been seen within threshold. It is a
// display hint only; nothing removes stale players.
func Stale(p model.Player, now time.Time, threshold time.Duration) bool {
	return model.Millis(now)-p.LastActiveTimestamp > threshold.Milliseconds()
}

func pickColor(roster []model.Player) string {
	used := make(map[string]bool, len(roster))
	for _, p := range roster {
		used[p.Color] = true
	}
	for _, c := range Palette {
		if !used[c] {
			return c
		}
	}
	return Palette[len(roster)%len(Palette)]
}
