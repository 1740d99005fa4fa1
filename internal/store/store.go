package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Store is the replicated session state service. It is injected into every
// component; nothing reaches it through a global.
type Store interface {
	// Create writes a new session root. Returns ErrExists if the session
	// already exists.
	Create(ctx context.Context, sessionID string, meta Fields) error

	// Patch merges fields into the node at path, creating the node if
	// needed. Returns ErrNotFound if the session does not exist.
	Patch(ctx context.Context, sessionID string, path Path, fields Fields) error

	// PatchIfNewer is Patch guarded by a timestamp field: the write applies
	// only if the node is absent or fields[stamp] >= the stored stamp.
	PatchIfNewer(ctx context.Context, sessionID string, path Path, fields Fields, stamp string) (bool, error)

	// CompareAndSet sets field to next only if its current value equals
	// expect (nil matches an absent field).
	CompareAndSet(ctx context.Context, sessionID string, path Path, field string, expect, next any) (bool, error)

	// Remove deletes a child node. Removing an absent node is a no-op.
	Remove(ctx context.Context, sessionID string, path Path) error

	// Delete removes the whole session. Deleting an absent session is a
	// no-op and returns nil.
	Delete(ctx context.Context, sessionID string) error

	// Read returns a consistent snapshot of the session.
	Read(ctx context.Context, sessionID string) (Snapshot, error)

	// Subscribe streams every change to the session.
	Subscribe(ctx context.Context, sessionID string) (*Subscription, error)

	// OnDisconnect registers intents executed when ownerID disconnects.
	OnDisconnect(ctx context.Context, sessionID, ownerID string, intents ...Intent) error

	// CancelDisconnect drops ownerID's intents for the session.
	CancelDisconnect(ctx context.Context, sessionID, ownerID string) error

	// Disconnect executes and clears every intent registered by ownerID.
	Disconnect(ctx context.Context, ownerID string) error

	Close() error
}

// Sentinel errors. Backends wrap them in *Error; match with errors.Is.
var (
	ErrNotFound         = errors.New("session not found")
	ErrExists           = errors.New("session already exists")
	ErrConnectivityLost = errors.New("connectivity lost")
	ErrClosed           = errors.New("store closed")
	ErrInvalid          = errors.New("invalid request")
)

// Error carries the failing operation and its target.
type Error struct {
	Op        string
	SessionID string
	Path      Path
	Err       error
}

func (e *Error) Error() string {
	if e.Path.Kind != KindRoot {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Path.Key(e.SessionID), e.Err)
	}
	if e.SessionID != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, Root.Key(e.SessionID), e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func opError(op, sessionID string, path Path, err error) error {
	return &Error{Op: op, SessionID: sessionID, Path: path, Err: err}
}

// IsNotFound reports whether err means the session does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// NodeKind distinguishes the three node types of a session tree.
type NodeKind int

const (
	KindRoot NodeKind = iota
	KindPlayer
	KindPiece
)

// Path addresses one node inside a session.
type Path struct {
	Kind NodeKind
	ID   string
}

// Root addresses the session record itself.
var Root = Path{Kind: KindRoot}

// PlayerPath addresses a player node.
func PlayerPath(id string) Path { return Path{Kind: KindPlayer, ID: id} }

// PiecePath addresses a piece node.
func PiecePath(id string) Path { return Path{Kind: KindPiece, ID: id} }

// Node returns the path relative to the session: "", "players/{id}" or
// "pieces/{id}".
func (p Path) Node() string {
	switch p.Kind {
	case KindPlayer:
		return "players/" + p.ID
	case KindPiece:
		return "pieces/" + p.ID
	default:
		return ""
	}
}

// Key returns the absolute key, e.g. "sessions/abc/pieces/p_0_1".
func (p Path) Key(sessionID string) string {
	if p.Kind == KindRoot {
		return "sessions/" + sessionID
	}
	return "sessions/" + sessionID + "/" + p.Node()
}

func (p Path) String() string {
	if p.Kind == KindRoot {
		return "/"
	}
	return p.Node()
}

// ParseNode is the inverse of Node.
func ParseNode(node string) (Path, error) {
	if node == "" {
		return Root, nil
	}
	kind, id, ok := strings.Cut(node, "/")
	if !ok || id == "" || strings.Contains(id, "/") {
		return Path{}, fmt.Errorf("%w: malformed node %q", ErrInvalid, node)
	}
	switch kind {
	case "players":
		return PlayerPath(id), nil
	case "pieces":
		return PiecePath(id), nil
	}
	return Path{}, fmt.Errorf("%w: unknown node kind %q", ErrInvalid, kind)
}

// MarshalText encodes the path as its node string.
func (p Path) MarshalText() ([]byte, error) {
	return []byte(p.Node()), nil
}

// UnmarshalText decodes a node string.
func (p *Path) UnmarshalText(b []byte) error {
	parsed, err := ParseNode(string(b))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Fields is a flat node: field name to JSON-compatible value.
type Fields map[string]any

// Normalize reduces arbitrary values to plain JSON values (float64, string,
// bool, nil, map[string]any, []any), so every backend stores and compares
// identical representations.
func Normalize(f map[string]any) (Fields, error) {
	if f == nil {
		return Fields{}, nil
	}
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("%w: fields: %v", ErrInvalid, err)
	}
	var out Fields
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("%w: fields: %v", ErrInvalid, err)
	}
	return out, nil
}

// Clone deep-copies a normalized node.
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = cloneValue(v)
	}
	return out
}

// Merge overwrites f's fields with delta's. Only named fields change.
func (f Fields) Merge(delta Fields) {
	for k, v := range delta {
		f[k] = cloneValue(v)
	}
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[k] = cloneValue(e)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// encodeValue returns the stored JSON text of one field value.
func encodeValue(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("%w: value: %v", ErrInvalid, err)
	}
	return string(data), nil
}

func decodeValue(s string) (any, error) {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, fmt.Errorf("decode value: %w", err)
	}
	return v, nil
}

// sameValue compares two values by their JSON encoding. Missing fields are
// passed as nil and match a nil expectation.
func sameValue(a, b any) bool {
	ea, errA := encodeValue(a)
	eb, errB := encodeValue(b)
	return errA == nil && errB == nil && ea == eb
}

// stampOf reads a numeric stamp field.
func stampOf(f Fields, field string) (float64, bool) {
	if f == nil {
		return 0, false
	}
	switch v := f[field].(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	case int:
		return float64(v), true
	}
	return 0, false
}

// Snapshot is a full copy of one session at Seq.
type Snapshot struct {
	SessionID string            `json:"sessionId"`
	Seq       int64             `json:"seq"`
	Root      Fields            `json:"root"`
	Players   map[string]Fields `json:"players"`
	Pieces    map[string]Fields `json:"pieces"`
}

func newSnapshot(sessionID string) Snapshot {
	return Snapshot{
		SessionID: sessionID,
		Root:      Fields{},
		Players:   map[string]Fields{},
		Pieces:    map[string]Fields{},
	}
}

// Node returns the fields at path.
func (s Snapshot) Node(p Path) (Fields, bool) {
	switch p.Kind {
	case KindPlayer:
		f, ok := s.Players[p.ID]
		return f, ok
	case KindPiece:
		f, ok := s.Pieces[p.ID]
		return f, ok
	default:
		return s.Root, s.Root != nil
	}
}

func (s *Snapshot) set(p Path, f Fields) {
	switch p.Kind {
	case KindPlayer:
		s.Players[p.ID] = f
	case KindPiece:
		s.Pieces[p.ID] = f
	default:
		s.Root = f
	}
}

// Apply folds a change into the snapshot, keeping it a live replica.
// Changes for other sessions or at or below Seq are ignored; Apply reports
// whether the change was used.
func (s *Snapshot) Apply(ch Change) bool {
	if ch.SessionID != s.SessionID || ch.Seq <= s.Seq {
		return false
	}
	s.Seq = ch.Seq
	switch {
	case ch.Deleted:
		s.Root = Fields{}
		s.Players = map[string]Fields{}
		s.Pieces = map[string]Fields{}
	case ch.Removed:
		switch ch.Path.Kind {
		case KindPlayer:
			delete(s.Players, ch.Path.ID)
		case KindPiece:
			delete(s.Pieces, ch.Path.ID)
		}
	default:
		node, ok := s.Node(ch.Path)
		if !ok || node == nil {
			node = Fields{}
			s.set(ch.Path, node)
		}
		node.Merge(ch.Fields)
	}
	return true
}

// Change describes one accepted write.
type Change struct {
	SessionID string `json:"sessionId"`
	Seq       int64  `json:"seq"`
	Path      Path   `json:"path"`
	Fields    Fields `json:"fields,omitempty"`
	Removed   bool   `json:"removed,omitempty"`
	Deleted   bool   `json:"deleted,omitempty"`
}

// IntentKind is the action taken for an owner on disconnect.
type IntentKind string

const (
	// IntentRemove removes the node at Path.
	IntentRemove IntentKind = "remove"
	// IntentDeleteIfEmpty deletes the session when no players remain.
	IntentDeleteIfEmpty IntentKind = "delete-if-empty"
)

// MemberField marks a player node as a member. A late field write can
// recreate a removed player node without it; delete-if-empty does not count
// such partial nodes.
const MemberField = "joinedAt"

// Intent is a remove-on-disconnect registration.
type Intent struct {
	Kind IntentKind `json:"kind"`
	Path Path       `json:"path"`
}

// RemoveOnDisconnect removes path when the owner disconnects.
func RemoveOnDisconnect(p Path) Intent {
	return Intent{Kind: IntentRemove, Path: p}
}

// DeleteIfEmptyOnDisconnect deletes the session if the owner's disconnect
// leaves it without players.
func DeleteIfEmptyOnDisconnect() Intent {
	return Intent{Kind: IntentDeleteIfEmpty}
}

func validIntent(in Intent) error {
	switch in.Kind {
	case IntentRemove:
		if in.Path.Kind == KindRoot {
			return fmt.Errorf("%w: remove intent needs a child path", ErrInvalid)
		}
		return nil
	case IntentDeleteIfEmpty:
		return nil
	}
	return fmt.Errorf("%w: unknown intent %q", ErrInvalid, in.Kind)
}
