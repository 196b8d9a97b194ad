package ingest

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-bidding/internal/models"
)

type captureWriter struct{ msgs []kafka.Message }

func (c *captureWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	c.msgs = append(c.msgs, msgs...)
	return nil
}

func (c *captureWriter) Close() error { return nil }

func TestPublishLocation(t *testing.T) {
	w := &captureWriter{}
	p := &KafkaProducer{writer: w}
	d := models.DriverPosition{ID: "d1", Loc: models.Coord{Lat: 1, Lon: 2}, Rating: 4.8, Online: true}
	if err := p.PublishLocation(context.Background(), d); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(w.msgs) != 1 || string(w.msgs[0].Key) != "d1" {
		t.Fatalf("unexpected messages %+v", w.msgs)
	}
	var got models.DriverPosition
	if err := json.Unmarshal(w.msgs[0].Value, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != "d1" || got.Loc.Lon != 2 || !got.Online {
		t.Fatalf("unexpected payload %+v", got)
	}
}
