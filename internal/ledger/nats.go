package ledger

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
)

// DefaultSubject is where completion records are published.
const DefaultSubject = "jigsync.completions"

// Publisher is the part of *nats.Conn the recorder uses.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATS publishes each record as JSON, for leaderboards and other
// subscribers outside this process.
type NATS struct {
	pub     Publisher
	subject string
}

// NewNATS publishes on subject via pub. An empty subject uses
// DefaultSubject.
func NewNATS(pub Publisher, subject string) *NATS {
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATS{pub: pub, subject: subject}
}

// ConnectNATS dials url and returns a recorder plus the connection, which
// the caller drains on shutdown.
func ConnectNATS(url, subject string) (*NATS, *nats.Conn, error) {
	nc, err := nats.Connect(url, nats.Name("jigsync"))
	if err != nil {
		return nil, nil, fmt.Errorf("connect nats: %w", err)
	}
	return NewNATS(nc, subject), nc, nil
}

// Record implements Recorder.
func (n *NATS) Record(_ context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	if err := n.pub.Publish(n.subject, data); err != nil {
		return fmt.Errorf("publish record: %w", err)
	}
	return nil
}
