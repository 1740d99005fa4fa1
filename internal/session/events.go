package session

import (
	"github.com/roach88/jigsync/internal/ledger"
	"github.com/roach88/jigsync/internal/mailbox"
	"github.com/roach88/jigsync/internal/model"
)

// EventKind identifies what changed in the replica.
type EventKind string

const (
	// EventPiece: a piece changed, locally or remotely.
	EventPiece EventKind = "piece"
	// EventRoster: a player joined, left or changed.
	EventRoster EventKind = "roster"
	// EventSession: a root field changed (status, timer, host, round).
	EventSession EventKind = "session"
	// EventCompleted: the session reached completed.
	EventCompleted EventKind = "completed"
	// EventRecorded: this client won the completion transition and
	// emitted the record.
	EventRecorded EventKind = "recorded"
	// EventResynced: the replica was re-seeded from a full snapshot after
	// a dropped subscription.
	EventResynced EventKind = "resynced"
	// EventDeleted: the session no longer exists.
	EventDeleted EventKind = "deleted"
)

// Event is delivered to session watchers. Session and Roster are the
// replica state after the change.
type Event struct {
	Kind      EventKind
	SessionID string
	Piece     *model.Piece
	Session   model.Session
	Roster    []model.Player
	Record    *ledger.Record
}

// watcher is one SubscribeSession consumer.
type watcher struct {
	queue *mailbox.Queue[Event]
	out   chan Event
	stop  chan struct{}
}

func newWatcher() *watcher {
	w := &watcher{
		queue: mailbox.New[Event](),
		out:   make(chan Event, 16),
		stop:  make(chan struct{}),
	}
	go mailbox.Forward(w.queue, w.out, w.stop)
	return w
}
