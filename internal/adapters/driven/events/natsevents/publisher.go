// Package natsevents publishes index change events to NATS JetStream.
package natsevents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/custodia-labs/sercha-rag/internal/core/ports/driven"
	"github.com/custodia-labs/sercha-rag/internal/logger"
)

// Ensure Publisher implements the interface.
var _ driven.EventPublisher = (*Publisher)(nil)

// Default configuration values.
const (
	DefaultSubjectPrefix = "sercha.index"
	DefaultStream        = "SERCHA_INDEX"
)

// Config holds connection settings.
type Config struct {
	URL           string
	SubjectPrefix string
	Stream        string
}

// Publisher sends IndexEvents to subjects under SubjectPrefix.
type Publisher struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	prefix string
}

// New connects to NATS and ensures the stream exists.
func New(ctx context.Context, cfg Config) (*Publisher, error) {
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = DefaultSubjectPrefix
	}
	if cfg.Stream == "" {
		cfg.Stream = DefaultStream
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Name("sercha-rag"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	streamCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err = js.CreateOrUpdateStream(streamCtx, jetstream.StreamConfig{
		Name:      cfg.Stream,
		Subjects:  []string{cfg.SubjectPrefix + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    7 * 24 * time.Hour,
	})
	if err != nil {
		// Publishing still works against a stream managed elsewhere.
		logger.Warn("nats: ensure stream %s: %v", cfg.Stream, err)
	}

	return &Publisher{nc: nc, js: js, prefix: cfg.SubjectPrefix}, nil
}

// Subject returns the subject an event is published on.
func Subject(prefix string, event driven.IndexEvent) string {
	return prefix + "." + strings.TrimPrefix(event.Type, "document.")
}

// Publish sends one event. The document ID doubles as the message ID
// suffix so JetStream can drop duplicates from retried publishes.
func (p *Publisher) Publish(ctx context.Context, event driven.IndexEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	subject := Subject(p.prefix, event)
	msgID := fmt.Sprintf("%s:%s:%d", event.Type, event.DocumentID, event.At.UnixNano())
	if _, err := p.js.Publish(ctx, subject, data, jetstream.WithMsgID(msgID)); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Close drains the connection.
func (p *Publisher) Close() error {
	if p.nc == nil {
		return nil
	}
	return p.nc.Drain()
}

// Nop discards events. It is used when no broker is configured.
type Nop struct{}

// Publish does nothing.
func (Nop) Publish(context.Context, driven.IndexEvent) error { return nil }

// Close does nothing.
func (Nop) Close() error { return nil }
