// Package gateway serves a store over HTTP and websockets, and provides
// Remote, a store.Store client for it.
//
// Every store operation is one JSON request answered by one response with
// the same id. Subscriptions are pushed as {sub, change} frames and closed
// by a {sub, end} frame. The subscription id is chosen by the client so
// pushes can never race the subscribe response.
package gateway

import (
	"errors"

	"github.com/roach88/jigsync/internal/store"
)

// Operation names.
const (
	OpCreate           = "create"
	OpPatch            = "patch"
	OpPatchIfNewer     = "patchIfNewer"
	OpCompareAndSet    = "cas"
	OpRemove           = "remove"
	OpDelete           = "delete"
	OpRead             = "read"
	OpSubscribe        = "subscribe"
	OpUnsubscribe      = "unsubscribe"
	OpOnDisconnect     = "onDisconnect"
	OpCancelDisconnect = "cancelDisconnect"
	OpDisconnect       = "disconnect"
)

// Request is one client->server frame.
type Request struct {
	ID      uint64         `json:"id"`
	Op      string         `json:"op"`
	Session string         `json:"session,omitempty"`
	Path    store.Path     `json:"path"`
	Fields  store.Fields   `json:"fields,omitempty"`
	Stamp   string         `json:"stamp,omitempty"`
	Field   string         `json:"field,omitempty"`
	Expect  any            `json:"expect,omitempty"`
	Next    any            `json:"next,omitempty"`
	Owner   string         `json:"owner,omitempty"`
	Intents []store.Intent `json:"intents,omitempty"`
	Sub     uint64         `json:"sub,omitempty"`
}

// Response is one server->client frame: either the answer to request ID,
// or a push for subscription Sub when ID is zero.
type Response struct {
	ID       uint64          `json:"id,omitempty"`
	OK       bool            `json:"ok,omitempty"`
	Applied  bool            `json:"applied,omitempty"`
	Snapshot *store.Snapshot `json:"snapshot,omitempty"`
	Sub      uint64          `json:"sub,omitempty"`
	Change   *store.Change   `json:"change,omitempty"`
	End      bool            `json:"end,omitempty"`
	Error    *WireError      `json:"error,omitempty"`
}

// WireError carries a store error across the socket.
type WireError struct {
	Code    string `json:"code"`
	Op      string `json:"op,omitempty"`
	Message string `json:"message"`
}

var errorCodes = []struct {
	code string
	err  error
}{
	{"not_found", store.ErrNotFound},
	{"exists", store.ErrExists},
	{"invalid", store.ErrInvalid},
	{"closed", store.ErrClosed},
	{"connectivity_lost", store.ErrConnectivityLost},
}

func encodeError(err error) *WireError {
	if err == nil {
		return nil
	}
	we := &WireError{Code: "internal", Message: err.Error()}
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			we.Code = c.code
			break
		}
	}
	var se *store.Error
	if errors.As(err, &se) {
		we.Op = se.Op
		we.Message = se.Err.Error()
	}
	return we
}

// remoteError keeps the server's message while matching the sentinel.
type remoteError struct {
	msg      string
	sentinel error
}

func (e *remoteError) Error() string { return e.msg }
func (e *remoteError) Unwrap() error { return e.sentinel }

// decodeError rebuilds a *store.Error for the request that failed.
func decodeError(req Request, we *WireError) error {
	if we == nil {
		return nil
	}
	var sentinel error
	for _, c := range errorCodes {
		if c.code == we.Code {
			sentinel = c.err
			break
		}
	}
	op := we.Op
	if op == "" {
		op = req.Op
	}
	return &store.Error{
		Op:        op,
		SessionID: req.Session,
		Path:      req.Path,
		Err:       &remoteError{msg: we.Message, sentinel: sentinel},
	}
}
