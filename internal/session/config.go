package session

import (
	"time"

	"github.com/roach88/jigsync/internal/model"
	"github.com/roach88/jigsync/internal/registry"
)

// Config tunes a client engine.
type Config struct {
	// HeartbeatInterval is how often lastActiveTimestamp is refreshed.
	// Zero disables the heartbeat ticker.
	HeartbeatInterval time.Duration

	// TimerInterval is how often timerSeconds is written while playing.
	// Zero disables the timer ticker.
	TimerInterval time.Duration

	// StaleAfter marks players without a heartbeat as stale (display only).
	StaleAfter time.Duration

	// ResetScores zeroes every score on reset. When false scores carry over
	// into the next round.
	ResetScores bool

	// Resubscribe backoff after a dropped subscription.
	ResubscribeInitial time.Duration
	ResubscribeMax     time.Duration

	// Geometry maps target cells to board coordinates.
	Geometry model.Geometry
}

// DefaultConfig returns production settings.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:  2 * time.Second,
		TimerInterval:      time.Second,
		StaleAfter:         registry.DefaultStaleAfter,
		ResetScores:        true,
		ResubscribeInitial: 100 * time.Millisecond,
		ResubscribeMax:     5 * time.Second,
		Geometry:           model.UnitGeometry,
	}
}

// backoff doubles d up to max.
func backoff(d, max time.Duration) time.Duration {
	d *= 2
	if d > max {
		return max
	}
	return d
}
