package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
)

type captureWriter struct {
	msgs []kafka.Message
}

func (c *captureWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	c.msgs = append(c.msgs, msgs...)
	return nil
}

func (c *captureWriter) Close() error { return nil }

func TestKafkaPublisherKeysByRide(t *testing.T) {
	w := &captureWriter{}
	p := &KafkaPublisher{writer: w}
	at := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

	err := p.Publish(context.Background(), Event{Type: RideCancelled, RideID: "r1", At: at, Data: map[string]any{"late": true}})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(w.msgs))
	}
	m := w.msgs[0]
	if string(m.Key) != "r1" {
		t.Fatalf("expected key r1, got %s", m.Key)
	}
	if len(m.Headers) != 1 || string(m.Headers[0].Value) != RideCancelled {
		t.Fatalf("unexpected headers %+v", m.Headers)
	}
	var e Event
	if err := json.Unmarshal(m.Value, &e); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if e.Type != RideCancelled || e.Data["late"] != true || !e.At.Equal(at) {
		t.Fatalf("unexpected event %+v", e)
	}
}

func TestMemoryKeepsOrder(t *testing.T) {
	var m Memory
	_ = m.Publish(context.Background(), Event{Type: BidPlaced})
	_ = m.Publish(context.Background(), Event{Type: BidAccepted})
	got := m.Types()
	if len(got) != 2 || got[0] != BidPlaced || got[1] != BidAccepted {
		t.Fatalf("unexpected order %v", got)
	}
}
