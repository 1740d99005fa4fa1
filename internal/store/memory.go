package store

import (
	"context"
	"fmt"
	"sync"
)

// Memory is the in-process store. All clients of one process share a single
// instance; each client still keeps its own replica and subscription, so
// the replication protocol is exercised exactly as with a remote backend.
//
// Thread-safety: all methods are safe for concurrent use. Writes and their
// Change publication happen under one mutex, so subscribers observe changes
// in seq order.
type Memory struct {
	mu       sync.Mutex
	clock    *Clock
	sessions map[string]*memSession
	intents  map[string][]ownedIntent
	broker   *broker
	closed   bool
}

type memSession struct {
	root    Fields
	players map[string]Fields
	pieces  map[string]Fields
}

type ownedIntent struct {
	sessionID string
	intent    Intent
}

// NewMemory creates an empty in-process store.
func NewMemory() *Memory {
	return &Memory{
		clock:    NewClock(),
		sessions: make(map[string]*memSession),
		intents:  make(map[string][]ownedIntent),
		broker:   newBroker(),
	}
}

func (s *memSession) node(p Path) (Fields, bool) {
	switch p.Kind {
	case KindPlayer:
		f, ok := s.players[p.ID]
		return f, ok
	case KindPiece:
		f, ok := s.pieces[p.ID]
		return f, ok
	default:
		return s.root, true
	}
}

func (s *memSession) ensure(p Path) Fields {
	if f, ok := s.node(p); ok {
		return f
	}
	f := Fields{}
	switch p.Kind {
	case KindPlayer:
		s.players[p.ID] = f
	case KindPiece:
		s.pieces[p.ID] = f
	}
	return f
}

func (s *memSession) members() int {
	n := 0
	for _, f := range s.players {
		if _, ok := f[MemberField]; ok {
			n++
		}
	}
	return n
}

// session returns the live session; caller holds mu.
func (m *Memory) session(op, sessionID string, path Path) (*memSession, error) {
	if m.closed {
		return nil, opError(op, sessionID, path, ErrClosed)
	}
	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil, opError(op, sessionID, path, ErrNotFound)
	}
	return sess, nil
}

// emit stamps and publishes a change; caller holds mu.
func (m *Memory) emit(ch Change) {
	ch.Seq = m.clock.Next()
	m.broker.publish(ch)
}

// Create implements Store.
func (m *Memory) Create(ctx context.Context, sessionID string, meta Fields) error {
	norm, err := Normalize(meta)
	if err != nil {
		return opError("create", sessionID, Root, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return opError("create", sessionID, Root, ErrClosed)
	}
	if _, ok := m.sessions[sessionID]; ok {
		return opError("create", sessionID, Root, ErrExists)
	}
	m.sessions[sessionID] = &memSession{
		root:    norm.Clone(),
		players: make(map[string]Fields),
		pieces:  make(map[string]Fields),
	}
	m.emit(Change{SessionID: sessionID, Path: Root, Fields: norm})
	return nil
}

// Patch implements Store.
func (m *Memory) Patch(ctx context.Context, sessionID string, path Path, fields Fields) error {
	norm, err := Normalize(fields)
	if err != nil {
		return opError("patch", sessionID, path, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	sess, err := m.session("patch", sessionID, path)
	if err != nil {
		return err
	}
	if len(norm) == 0 {
		return nil
	}
	sess.ensure(path).Merge(norm)
	m.emit(Change{SessionID: sessionID, Path: path, Fields: norm})
	return nil
}

// PatchIfNewer implements Store.
func (m *Memory) PatchIfNewer(ctx context.Context, sessionID string, path Path, fields Fields, stamp string) (bool, error) {
	norm, err := Normalize(fields)
	if err != nil {
		return false, opError("patch", sessionID, path, err)
	}
	incoming, ok := stampOf(norm, stamp)
	if !ok {
		return false, opError("patch", sessionID, path, fmt.Errorf("%w: missing stamp field %q", ErrInvalid, stamp))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	sess, err := m.session("patch", sessionID, path)
	if err != nil {
		return false, err
	}
	if cur, exists := sess.node(path); exists {
		if current, ok := stampOf(cur, stamp); ok && incoming < current {
			return false, nil
		}
	}
	sess.ensure(path).Merge(norm)
	m.emit(Change{SessionID: sessionID, Path: path, Fields: norm})
	return true, nil
}

// CompareAndSet implements Store.
func (m *Memory) CompareAndSet(ctx context.Context, sessionID string, path Path, field string, expect, next any) (bool, error) {
	norm, err := Normalize(map[string]any{field: next})
	if err != nil {
		return false, opError("cas", sessionID, path, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	sess, err := m.session("cas", sessionID, path)
	if err != nil {
		return false, err
	}
	var current any
	if cur, exists := sess.node(path); exists {
		current = cur[field]
	}
	if !sameValue(current, expect) {
		return false, nil
	}
	sess.ensure(path).Merge(norm)
	m.emit(Change{SessionID: sessionID, Path: path, Fields: norm})
	return true, nil
}

// Remove implements Store.
func (m *Memory) Remove(ctx context.Context, sessionID string, path Path) error {
	if path.Kind == KindRoot {
		return opError("remove", sessionID, path, fmt.Errorf("%w: use Delete for the root", ErrInvalid))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeLocked(sessionID, path)
}

func (m *Memory) removeLocked(sessionID string, path Path) error {
	sess, err := m.session("remove", sessionID, path)
	if err != nil {
		if IsNotFound(err) {
			return nil
		}
		return err
	}
	if _, ok := sess.node(path); !ok {
		return nil
	}
	switch path.Kind {
	case KindPlayer:
		delete(sess.players, path.ID)
	case KindPiece:
		delete(sess.pieces, path.ID)
	}
	m.emit(Change{SessionID: sessionID, Path: path, Removed: true})
	return nil
}

// Delete implements Store.
func (m *Memory) Delete(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteLocked(sessionID)
}

func (m *Memory) deleteLocked(sessionID string) error {
	if m.closed {
		return opError("delete", sessionID, Root, ErrClosed)
	}
	if _, ok := m.sessions[sessionID]; !ok {
		return nil
	}
	delete(m.sessions, sessionID)
	for owner, list := range m.intents {
		kept := list[:0]
		for _, oi := range list {
			if oi.sessionID != sessionID {
				kept = append(kept, oi)
			}
		}
		if len(kept) == 0 {
			delete(m.intents, owner)
		} else {
			m.intents[owner] = kept
		}
	}
	m.emit(Change{SessionID: sessionID, Path: Root, Deleted: true})
	m.broker.endSession(sessionID, nil)
	return nil
}

// Read implements Store.
func (m *Memory) Read(ctx context.Context, sessionID string) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, err := m.session("read", sessionID, Root)
	if err != nil {
		return Snapshot{}, err
	}
	snap := newSnapshot(sessionID)
	snap.Seq = m.clock.Current()
	snap.Root = sess.root.Clone()
	for id, f := range sess.players {
		snap.Players[id] = f.Clone()
	}
	for id, f := range sess.pieces {
		snap.Pieces[id] = f.Clone()
	}
	return snap, nil
}

// Subscribe implements Store.
func (m *Memory) Subscribe(ctx context.Context, sessionID string) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.session("subscribe", sessionID, Root); err != nil {
		return nil, err
	}
	return m.broker.subscribe(sessionID), nil
}

// OnDisconnect implements Store.
func (m *Memory) OnDisconnect(ctx context.Context, sessionID, ownerID string, intents ...Intent) error {
	for _, in := range intents {
		if err := validIntent(in); err != nil {
			return opError("on-disconnect", sessionID, in.Path, err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.session("on-disconnect", sessionID, Root); err != nil {
		return err
	}
	for _, in := range intents {
		m.intents[ownerID] = append(m.intents[ownerID], ownedIntent{sessionID: sessionID, intent: in})
	}
	return nil
}

// CancelDisconnect implements Store.
func (m *Memory) CancelDisconnect(ctx context.Context, sessionID, ownerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.intents[ownerID]
	kept := list[:0]
	for _, oi := range list {
		if oi.sessionID != sessionID {
			kept = append(kept, oi)
		}
	}
	if len(kept) == 0 {
		delete(m.intents, ownerID)
	} else {
		m.intents[ownerID] = kept
	}
	return nil
}

// Disconnect implements Store.
func (m *Memory) Disconnect(ctx context.Context, ownerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.intents[ownerID]
	delete(m.intents, ownerID)

	for _, oi := range list {
		switch oi.intent.Kind {
		case IntentRemove:
			if err := m.removeLocked(oi.sessionID, oi.intent.Path); err != nil {
				return err
			}
		case IntentDeleteIfEmpty:
			sess, ok := m.sessions[oi.sessionID]
			if ok && sess.members() == 0 {
				if err := m.deleteLocked(oi.sessionID); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// DropSubscriptions ends every subscription of a session with
// ErrConnectivityLost, simulating a network partition between the store
// and its clients.
func (m *Memory) DropSubscriptions(sessionID string) {
	m.broker.endSession(sessionID, ErrConnectivityLost)
}

// Seq returns the last issued change seq.
func (m *Memory) Seq() int64 {
	return m.clock.Current()
}

// Close ends all subscriptions. Further calls fail with ErrClosed.
func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.broker.endAll(ErrClosed)
	return nil
}
