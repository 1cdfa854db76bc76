// Package events fans reconciled DomainEvents out to subscribers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/punchamoorthee/stakeops/internal/domain"
)

const subjectPrefix = "staking.events."

// Subject returns the NATS subject for kind.
func Subject(kind domain.EventKind) string {
	return subjectPrefix + string(kind)
}

type Publisher interface {
	Publish(ctx context.Context, ev domain.DomainEvent) error
}

// Noop discards events.
type Noop struct{}

func (Noop) Publish(context.Context, domain.DomainEvent) error { return nil }

type Config struct {
	URL            string
	Name           string
	ReconnectWait  time.Duration
	MaxReconnects  int
	ConnectTimeout time.Duration
}

// NATS publishes events as JSON on core NATS subjects.
type NATS struct {
	conn *nats.Conn
}

func NewNATS(cfg Config) (*NATS, error) {
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = -1
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	conn, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &NATS{conn: conn}, nil
}

// NewNATSConn wraps an existing connection.
func NewNATSConn(conn *nats.Conn) *NATS {
	return &NATS{conn: conn}
}

func (n *NATS) Publish(_ context.Context, ev domain.DomainEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return n.conn.Publish(Subject(ev.Kind), payload)
}

func (n *NATS) Close() {
	if n.conn != nil {
		n.conn.Drain()
	}
}

// Recorder keeps published events in memory.
type Recorder struct {
	ch chan domain.DomainEvent
}

func NewRecorder(size int) *Recorder {
	return &Recorder{ch: make(chan domain.DomainEvent, size)}
}

func (r *Recorder) Publish(_ context.Context, ev domain.DomainEvent) error {
	select {
	case r.ch <- ev:
	default:
	}
	return nil
}

// Drain returns every event recorded so far.
func (r *Recorder) Drain() []domain.DomainEvent {
	var out []domain.DomainEvent
	for {
		select {
		case ev := <-r.ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}
