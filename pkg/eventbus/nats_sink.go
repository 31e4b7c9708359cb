package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSSink publishes each event to "<subject>.<type>".
type NATSSink struct {
	conn    *nats.Conn
	subject string
}

// NewNATSSink connects to a NATS server.
func NewNATSSink(url, subject string) (*NATSSink, error) {
	if subject == "" {
		subject = "nightorder.events"
	}
	conn, err := nats.Connect(url,
		nats.Name("nightorder-eventbus"),
		nats.Timeout(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", url, err)
	}
	return &NATSSink{conn: conn, subject: subject}, nil
}

// Subject returns the subject an event of the given type is published on.
func (s *NATSSink) Subject(t Type) string {
	return s.subject + "." + strings.ToLower(string(t))
}

func (s *NATSSink) Write(_ context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return s.conn.Publish(s.Subject(e.Type), data)
}

func (s *NATSSink) Close() error {
	if err := s.conn.Drain(); err != nil {
		s.conn.Close()
		return err
	}
	return nil
}
