package memlog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ghalamif/fleetlog/internal/domain"
	"github.com/ghalamif/fleetlog/internal/ports"
)

func TestLogProducePollCommitOrder(t *testing.T) {
	b := NewBroker(0, "reports")
	sub := ports.Subscription{Topic: "reports", Group: "g"}
	l := b.Log(sub)
	ctx := context.Background()

	for _, k := range []string{"p1", "p2", "p3"} {
		if err := l.Produce(ctx, &ports.Record{Topic: "reports", Key: []byte(k)}); err != nil {
			t.Fatalf("produce %s: %v", k, err)
		}
	}

	batch, err := l.Poll(ctx, 2)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(batch) != 2 || string(batch[0].Key) != "p1" || batch[1].Offset != 1 {
		t.Fatalf("unexpected first batch: %+v", batch)
	}
	if err := l.Commit(ctx, batch); err != nil {
		t.Fatalf("commit: %v", err)
	}

	// a fresh client of the same group resumes after the committed offset
	again := b.Log(sub)
	rest, err := again.Poll(ctx, 10)
	if err != nil {
		t.Fatalf("poll again: %v", err)
	}
	if len(rest) != 1 || string(rest[0].Key) != "p3" {
		t.Fatalf("expected to resume at p3, got %+v", rest)
	}
}

func TestLogPollBlocksUntilProduce(t *testing.T) {
	b := NewBroker(0, "reports")
	consumer := b.Log(ports.Subscription{Topic: "reports", Group: "g"})
	producer := b.Log(ports.Subscription{})

	got := make(chan []*ports.Record, 1)
	go func() {
		batch, _ := consumer.Poll(context.Background(), 10)
		got <- batch
	}()

	time.Sleep(10 * time.Millisecond)
	producer.ProduceAsync(&ports.Record{Topic: "reports", Key: []byte("late")}, nil)

	select {
	case batch := <-got:
		if len(batch) != 1 || string(batch[0].Key) != "late" {
			t.Fatalf("unexpected batch: %+v", batch)
		}
	case <-time.After(time.Second):
		t.Fatal("poll did not wake up")
	}
}

func TestLogLatestAndMissing(t *testing.T) {
	b := NewBroker(2, "states")
	l := b.Log(ports.Subscription{})
	ctx := context.Background()

	if _, err := l.Latest(ctx, "states", []byte("state")); !errors.Is(err, domain.ErrMissingDocument) {
		t.Fatalf("expected missing document, got %v", err)
	}
	if _, err := l.Latest(ctx, "nope", []byte("state")); !errors.Is(err, domain.ErrMissingTopic) {
		t.Fatalf("expected missing topic, got %v", err)
	}

	for _, v := range []string{"v1", "v2", "v3"} {
		if err := l.Produce(ctx, &ports.Record{Topic: "states", Key: []byte("state"), Value: []byte(v)}); err != nil {
			t.Fatalf("produce: %v", err)
		}
	}
	rec, err := l.Latest(ctx, "states", []byte("state"))
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if string(rec.Value) != "v3" {
		t.Fatalf("expected v3, got %s", rec.Value)
	}
	if n := len(b.Records("states")); n != 2 {
		t.Fatalf("expected retention to keep 2 records, got %d", n)
	}
}

func TestLogClosedDropsAsync(t *testing.T) {
	b := NewBroker(0, "reports")
	l := b.Log(ports.Subscription{})
	_ = l.Close()

	var got error
	l.ProduceAsync(&ports.Record{Topic: "reports"}, func(err error) { got = err })
	if !errors.Is(got, domain.ErrTransportClosed) {
		t.Fatalf("expected transport closed, got %v", got)
	}
	if len(b.Records("reports")) != 0 {
		t.Fatalf("closed log must not write")
	}
}

func TestLogCloseReleasesBlockedPoll(t *testing.T) {
	b := NewBroker(0, "reports")
	l := b.Log(ports.Subscription{Topic: "reports", Group: "g"})

	done := make(chan error, 1)
	go func() {
		_, err := l.Poll(context.Background(), 10)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, domain.ErrTransportClosed) {
			t.Fatalf("expected transport closed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("poll still blocked after close")
	}
}
