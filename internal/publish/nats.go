// Package publish forwards transcripts to a NATS subject.
package publish

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/rbright/hark/internal/listen"
	"github.com/rbright/hark/internal/logging"
)

const clientName = "hark"

// Message is the JSON payload published per transcript.
type Message struct {
	SessionID string    `json:"session_id"`
	Text      string    `json:"text"`
	Final     bool      `json:"final"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher is the subset of *nats.Conn the sink needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Connect dials url and retries reconnection forever.
func Connect(url string, logger *slog.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("nats url is empty")
	}

	conn, err := nats.Connect(url,
		nats.Name(clientName),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			logger.Debug("nats connection closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats %q: %w", url, err)
	}
	logger.Info("connected to nats", "url", conn.ConnectedUrl())
	return conn, nil
}

// Sink publishes every delivered transcript. It satisfies listen.Sink.
type Sink struct {
	pub       Publisher
	subject   string
	sessionID func() string
	logger    *slog.Logger
	now       func() time.Time
}

// NewSink publishes to subject. sessionID is consulted per message and may be nil.
func NewSink(pub Publisher, subject string, sessionID func() string, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = logging.Discard()
	}
	if sessionID == nil {
		sessionID = func() string { return "" }
	}
	return &Sink{
		pub:       pub,
		subject:   subject,
		sessionID: sessionID,
		logger:    logger,
		now:       time.Now,
	}
}

// Deliver publishes t. Failures are logged; the listen session is not
// interrupted by an unavailable broker.
func (s *Sink) Deliver(t listen.Transcript) {
	data, err := s.encode(t)
	if err != nil {
		s.logger.Error("encode transcript message", "error", err)
		return
	}
	if err := s.pub.Publish(s.subject, data); err != nil {
		s.logger.Warn("publish transcript", "subject", s.subject, "error", err)
	}
}

func (s *Sink) encode(t listen.Transcript) ([]byte, error) {
	return json.Marshal(Message{
		SessionID: s.sessionID(),
		Text:      t.Text,
		Final:     t.Final,
		Timestamp: s.now().UTC(),
	})
}
