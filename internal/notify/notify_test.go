package notify

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-dictation/internal/config"
	"github.com/loqalabs/loqa-dictation/internal/eventstore"
	"github.com/loqalabs/loqa-dictation/internal/protocol"
	"github.com/loqalabs/loqa-dictation/internal/stt"
)

type fakePublisher struct {
	subjects []string
	payloads []any
	err      error
}

func (f *fakePublisher) PublishJSON(subject string, v any) error {
	f.subjects = append(f.subjects, subject)
	f.payloads = append(f.payloads, v)
	return f.err
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestBusNotifierPublishesOnModelStateSubject(t *testing.T) {
	pub := &fakePublisher{}
	n := NewBus(pub, discard())
	evt := protocol.ModelStateEvent{EventType: protocol.ModelLoadingStarted, ModelID: "small", Timestamp: time.Now()}
	n.Notify(evt)
	if len(pub.subjects) != 1 || pub.subjects[0] != protocol.SubjectModelState {
		t.Fatalf("unexpected subjects %v", pub.subjects)
	}
	if got := pub.payloads[0].(protocol.ModelStateEvent); got.EventType != evt.EventType {
		t.Fatalf("unexpected payload %+v", got)
	}

	// Publish failures are logged, never propagated.
	pub.err = errors.New("disconnected")
	n.Notify(evt)
}

func TestStoreNotifierRecordsTimeline(t *testing.T) {
	store, err := eventstore.Open(context.Background(), config.EventStoreConfig{
		Path:          filepath.Join(t.TempDir(), "events.db"),
		RetentionMode: "persistent",
	}, discard())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	var n stt.Notifier = stt.MultiNotifier{NewStore(store, discard()), NewLog(discard())}
	n.Notify(protocol.ModelStateEvent{EventType: protocol.ModelLoadingFailed, ModelID: "small", Error: "boom", Timestamp: time.Now()})

	events, err := store.Recent(context.Background(), eventstore.TypeModelState, 5)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(events) != 1 || !strings.Contains(string(events[0].Payload), protocol.ModelLoadingFailed) {
		t.Fatalf("unexpected events %+v", events)
	}
}

func TestLogNotifierLevels(t *testing.T) {
	var buf bytes.Buffer
	n := NewLog(slog.New(slog.NewTextHandler(&buf, nil)))
	n.Notify(protocol.ModelStateEvent{EventType: protocol.ModelLoadingCompleted, ModelID: "small", ModelName: "Whisper Small"})
	n.Notify(protocol.ModelStateEvent{EventType: protocol.ModelUnloaded, ModelID: "small", Error: "backend crashed"})
	out := buf.String()
	if !strings.Contains(out, "level=INFO") || !strings.Contains(out, "level=WARN") {
		t.Fatalf("expected info and warn lines, got %q", out)
	}
	if !strings.Contains(out, "model_name=\"Whisper Small\"") {
		t.Fatalf("model name missing: %q", out)
	}
}
