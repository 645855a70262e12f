package outbox

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakePublisher struct {
	mu        sync.Mutex
	published []string // topics in publish order
	failTopic string
}

func (f *fakePublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if topic == f.failTopic {
		return errors.New("broker unavailable")
	}
	f.published = append(f.published, topic)
	return nil
}

func (f *fakePublisher) Close() error { return nil }

func TestNewEvent_MarshalsPayload(t *testing.T) {
	e, err := NewEvent(TopicTeacherPaid, map[string]string{"teacherId": "t1"})
	if err != nil {
		t.Fatalf("NewEvent failed: %v", err)
	}
	if e.ID == "" {
		t.Error("expected non-empty event id")
	}
	if e.Topic != TopicTeacherPaid {
		t.Errorf("expected topic %s, got %s", TopicTeacherPaid, e.Topic)
	}
	if string(e.Payload) != `{"teacherId":"t1"}` {
		t.Errorf("unexpected payload: %s", e.Payload)
	}
}

func TestDrain_PublishesAndMarks(t *testing.T) {
	store := NewMemoryStore()
	for _, topic := range []string{TopicPurchaseSettled, TopicTeacherPaid} {
		e, err := NewEvent(topic, map[string]string{})
		if err != nil {
			t.Fatalf("NewEvent failed: %v", err)
		}
		store.Append(e)
	}

	pub := &fakePublisher{}
	relay := NewRelay(store, pub, discardLogger())

	relay.Drain(context.Background())

	if len(pub.published) != 2 {
		t.Fatalf("expected 2 published events, got %d", len(pub.published))
	}

	remaining, err := store.ListUnpublished(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListUnpublished failed: %v", err)
	}
	if len(remaining) != 0 {
		t.Errorf("expected no unpublished events, got %d", len(remaining))
	}
}

func TestDrain_KeepsFailedEventsForRetry(t *testing.T) {
	store := NewMemoryStore()
	e, err := NewEvent(TopicGradingFeePaid, map[string]string{})
	if err != nil {
		t.Fatalf("NewEvent failed: %v", err)
	}
	store.Append(e)

	pub := &fakePublisher{failTopic: TopicGradingFeePaid}
	relay := NewRelay(store, pub, discardLogger())

	relay.Drain(context.Background())

	remaining, err := store.ListUnpublished(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListUnpublished failed: %v", err)
	}
	if len(remaining) != 1 {
		t.Fatalf("failed event should stay unpublished, got %d remaining", len(remaining))
	}

	// Broker recovers; next drain delivers it.
	pub.failTopic = ""
	relay.Drain(context.Background())

	remaining, _ = store.ListUnpublished(context.Background(), 10)
	if len(remaining) != 0 {
		t.Errorf("expected event published after retry, got %d remaining", len(remaining))
	}
}

func TestRelay_StartStop(t *testing.T) {
	store := NewMemoryStore()
	relay := NewRelay(store, &fakePublisher{}, discardLogger())
	relay.interval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		relay.Start(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	if !relay.Running() {
		t.Error("expected relay to be running")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("relay did not stop after context cancellation")
	}
}
