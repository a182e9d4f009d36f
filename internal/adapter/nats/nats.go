// Package nats publishes delegation traffic over NATS JetStream: monitoring
// events and delegated tasks handed to remote agents.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/ArnBdev/oneagent-delegation/internal/monitoring"
)

// StreamName is the JetStream stream holding delegation subjects.
const StreamName = "DELEGATION"

// Publisher sends a payload to a subject.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// Client is a JetStream publisher.
type Client struct {
	nc *nats.Conn
	js jetstream.JetStream
}

// Connect establishes a connection to NATS and ensures the stream captures
// every prefix in subjectPrefixes.
func Connect(ctx context.Context, url string, subjectPrefixes ...string) (*Client, error) {
	nc, err := nats.Connect(url, nats.Name("oneagent-delegator"))
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	subjects := make([]string, 0, len(subjectPrefixes))
	for _, p := range subjectPrefixes {
		if p = strings.TrimSuffix(p, "."); p != "" {
			subjects = append(subjects, p+".>")
		}
	}
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     StreamName,
		Subjects: subjects,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream stream create: %w", err)
	}

	slog.Info("nats connected", "url", url, "stream", StreamName, "subjects", subjects)
	return &Client{nc: nc, js: js}, nil
}

// Publish sends data to subject and waits for the stream acknowledgement.
func (c *Client) Publish(ctx context.Context, subject string, data []byte) error {
	if _, err := c.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

// Close shuts down the NATS connection.
func (c *Client) Close() {
	c.nc.Close()
}

// EventWriter publishes monitoring events to <prefix>.<component>.<operation>.
type EventWriter struct {
	pub    Publisher
	prefix string
}

// NewEventWriter creates an EventWriter. Wrap it in monitoring.NewAsyncSink to
// use it as a Sink.
func NewEventWriter(pub Publisher, prefix string) *EventWriter {
	return &EventWriter{pub: pub, prefix: strings.TrimSuffix(prefix, ".")}
}

type eventMessage struct {
	Component string         `json:"component"`
	Operation string         `json:"operation"`
	Outcome   string         `json:"outcome"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp int64          `json:"timestamp"`
}

// WriteEvent implements monitoring.EventWriter.
func (w *EventWriter) WriteEvent(ctx context.Context, ev monitoring.Event) error {
	data, err := json.Marshal(eventMessage{
		Component: ev.Component,
		Operation: ev.Operation,
		Outcome:   ev.Outcome,
		Metadata:  ev.Metadata,
		Timestamp: ev.At.UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return w.pub.Publish(ctx, Subject(w.prefix, ev.Component, ev.Operation), data)
}

// Subject joins tokens into a NATS subject, replacing characters that are not
// valid inside a token.
func Subject(prefix string, tokens ...string) string {
	parts := make([]string, 0, len(tokens)+1)
	if prefix != "" {
		parts = append(parts, prefix)
	}
	for _, t := range tokens {
		t = strings.Map(func(r rune) rune {
			switch r {
			case '.', '*', '>', ' ', '\t':
				return '_'
			}
			return r
		}, t)
		if t == "" {
			t = "_"
		}
		parts = append(parts, t)
	}
	return strings.Join(parts, ".")
}
