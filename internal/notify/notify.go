// Package notify forwards engine lifecycle events to the bus, the event
// timeline and the log.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-dictation/internal/bus"
	"github.com/loqalabs/loqa-dictation/internal/eventstore"
	"github.com/loqalabs/loqa-dictation/internal/protocol"
)

const storeTimeout = 2 * time.Second

// Publisher sends a JSON payload on a subject. *bus.Client satisfies it.
type Publisher interface {
	PublishJSON(subject string, v any) error
}

var _ Publisher = (*bus.Client)(nil)

// Bus publishes every event on protocol.SubjectModelState.
type Bus struct {
	pub Publisher
	log *slog.Logger
}

func NewBus(pub Publisher, log *slog.Logger) *Bus {
	return &Bus{pub: pub, log: log}
}

func (b *Bus) Notify(evt protocol.ModelStateEvent) {
	if err := b.pub.PublishJSON(protocol.SubjectModelState, evt); err != nil {
		b.log.Warn("failed to publish model state",
			slog.String("event", evt.EventType),
			slog.String("error", err.Error()))
	}
}

// Store appends every event to the timeline.
type Store struct {
	store *eventstore.Store
	log   *slog.Logger
}

func NewStore(store *eventstore.Store, log *slog.Logger) *Store {
	return &Store{store: store, log: log}
}

func (s *Store) Notify(evt protocol.ModelStateEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := s.store.RecordModelState(ctx, evt); err != nil {
		s.log.Warn("failed to record model state",
			slog.String("event", evt.EventType),
			slog.String("error", err.Error()))
	}
}

// Log writes events at info level, failures at warn.
type Log struct {
	log *slog.Logger
}

func NewLog(log *slog.Logger) *Log {
	return &Log{log: log.With(slog.String("component", "model-state"))}
}

func (l *Log) Notify(evt protocol.ModelStateEvent) {
	attrs := []any{
		slog.String("event", evt.EventType),
		slog.String("model_id", evt.ModelID),
	}
	if evt.ModelName != "" {
		attrs = append(attrs, slog.String("model_name", evt.ModelName))
	}
	if evt.Error != "" {
		attrs = append(attrs, slog.String("error", evt.Error))
		l.log.Warn("model state changed", attrs...)
		return
	}
	l.log.Info("model state changed", attrs...)
}
