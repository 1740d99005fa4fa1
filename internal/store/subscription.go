package store

import (
	"sync"

	"github.com/roach88/jigsync/internal/mailbox"
)

// Subscription streams the changes of one session.
//
// Changes are buffered in an unbounded mailbox and forwarded to C() by a
// dedicated goroutine, so the backend never blocks on a slow reader.
//
// C() is closed when the subscription ends. Err() then reports why:
// nil after Cancel or after the session was deleted, ErrConnectivityLost
// when the backend dropped the stream. A client seeing ErrConnectivityLost
// must resubscribe and re-read a full snapshot.
type Subscription struct {
	sessionID string
	queue     *mailbox.Queue[Change]
	out       chan Change
	stop      chan struct{}

	once     sync.Once
	onCancel func()

	mu  sync.Mutex
	err error
}

// NewSubscription creates a subscription and starts its forwarder.
// onCancel runs once when the consumer calls Cancel. Backends outside this
// package (the websocket client) use it to build their own streams.
func NewSubscription(sessionID string, onCancel func()) *Subscription {
	s := &Subscription{
		sessionID: sessionID,
		queue:     mailbox.New[Change](),
		out:       make(chan Change, 16),
		stop:      make(chan struct{}),
		onCancel:  onCancel,
	}
	go mailbox.Forward(s.queue, s.out, s.stop)
	return s
}

// SessionID returns the subscribed session.
func (s *Subscription) SessionID() string { return s.sessionID }

// C returns the change stream.
func (s *Subscription) C() <-chan Change { return s.out }

// Err reports why the stream ended. Only meaningful after C() is closed.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Cancel stops the stream immediately, dropping undelivered changes.
// Safe to call more than once.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		close(s.stop)
		s.queue.Close()
		if s.onCancel != nil {
			s.onCancel()
		}
	})
}

// Deliver queues a change. Returns false once the subscription has ended.
func (s *Subscription) Deliver(ch Change) bool {
	return s.queue.Enqueue(ch)
}

// End finishes the stream after the queued changes are delivered. err is
// reported by Err; the first non-nil error wins.
func (s *Subscription) End(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	s.queue.Close()
}

// broker fans changes out to in-process subscriptions.
type broker struct {
	mu   sync.Mutex
	subs map[string]map[*Subscription]struct{}
}

func newBroker() *broker {
	return &broker{subs: make(map[string]map[*Subscription]struct{})}
}

func (b *broker) subscribe(sessionID string) *Subscription {
	var sub *Subscription
	sub = NewSubscription(sessionID, func() { b.remove(sub) })

	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.subs[sessionID]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.subs[sessionID] = set
	}
	set[sub] = struct{}{}
	return sub
}

func (b *broker) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.subs[sub.sessionID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(b.subs, sub.sessionID)
		}
	}
}

// publish never blocks: Deliver only appends to a mailbox.
func (b *broker) publish(ch Change) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs[ch.SessionID] {
		sub.Deliver(ch)
	}
}

// endSession ends every subscription of a session.
func (b *broker) endSession(sessionID string, err error) {
	b.mu.Lock()
	set := b.subs[sessionID]
	delete(b.subs, sessionID)
	b.mu.Unlock()

	for sub := range set {
		sub.End(err)
	}
}

func (b *broker) endAll(err error) {
	b.mu.Lock()
	all := b.subs
	b.subs = make(map[string]map[*Subscription]struct{})
	b.mu.Unlock()

	for _, set := range all {
		for sub := range set {
			sub.End(err)
		}
	}
}
