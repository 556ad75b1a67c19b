package filelog

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/ghalamif/fleetlog/internal/domain"
	"github.com/ghalamif/fleetlog/internal/ports"
)

func TestFileLogAppendPollAndReplay(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(dir, "reports")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	sub := ports.Subscription{Topic: "reports", Group: "materializer"}
	l, err := s.Log(sub)
	if err != nil {
		t.Fatalf("log: %v", err)
	}

	r1 := &ports.Record{Topic: "reports", Key: []byte("p1"), Value: []byte(`{"a":1}`)}
	r2 := &ports.Record{Topic: "reports", Key: []byte("p2"), Value: []byte(`{"a":2}`), Headers: map[string]string{"compression": "none"}}
	if err := l.Produce(ctx, r1); err != nil {
		t.Fatalf("produce 1: %v", err)
	}
	if err := l.Produce(ctx, r2); err != nil {
		t.Fatalf("produce 2: %v", err)
	}
	if r1.Offset != 0 || r2.Offset != 1 {
		t.Fatalf("unexpected offsets %d %d", r1.Offset, r2.Offset)
	}

	batch, err := l.Poll(ctx, 10)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(batch) != 2 || string(batch[1].Key) != "p2" || batch[1].Headers["compression"] != "none" {
		t.Fatalf("unexpected batch: %+v", batch)
	}
	if err := l.Commit(ctx, batch[:1]); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Reopen and ensure the committed offset and next offset were recovered.
	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	l2, err := s2.Log(sub)
	if err != nil {
		t.Fatalf("log 2: %v", err)
	}
	rest, err := l2.Poll(ctx, 10)
	if err != nil {
		t.Fatalf("poll after reopen: %v", err)
	}
	if len(rest) != 1 || rest[0].Offset != 1 {
		t.Fatalf("expected to resume at offset 1, got %+v", rest)
	}

	r3 := &ports.Record{Topic: "reports", Key: []byte("p3")}
	if err := l2.Produce(ctx, r3); err != nil {
		t.Fatalf("produce 3: %v", err)
	}
	if r3.Offset != 2 {
		t.Fatalf("expected offset 2 after reopen, got %d", r3.Offset)
	}

	// Ensure truncation handles partial writes by manually corrupting the log.
	if err := s2.Close(); err != nil {
		t.Fatalf("close 2: %v", err)
	}
	if err := appendGarbage(filepath.Join(dir, "reports", "log")); err != nil {
		t.Fatalf("append garbage: %v", err)
	}
	s3, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen after garbage: %v", err)
	}
	defer s3.Close()
	l3, _ := s3.Log(ports.Subscription{})
	r4 := &ports.Record{Topic: "reports", Key: []byte("p4")}
	if err := l3.Produce(ctx, r4); err != nil {
		t.Fatalf("produce after garbage: %v", err)
	}
	if r4.Offset != 3 {
		t.Fatalf("expected offset 3 after torn write, got %d", r4.Offset)
	}
}

func TestFileLogCompactKeepsLatestPerKey(t *testing.T) {
	s, err := Open(t.TempDir(), "states")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	l, _ := s.Log(ports.Subscription{})
	ctx := context.Background()

	for _, v := range []string{"a", "b", "c"} {
		if err := l.Produce(ctx, &ports.Record{Topic: "states", Key: []byte("state"), Value: []byte(v)}); err != nil {
			t.Fatalf("produce: %v", err)
		}
	}
	if err := l.Produce(ctx, &ports.Record{Topic: "states", Key: []byte("metrics"), Value: []byte("m")}); err != nil {
		t.Fatalf("produce: %v", err)
	}

	if err := s.Compact("states"); err != nil {
		t.Fatalf("compact: %v", err)
	}

	var kept []string
	if err := s.iterate("states", 0, func(rec *ports.Record) bool {
		kept = append(kept, string(rec.Value))
		return true
	}); err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if len(kept) != 2 || kept[0] != "c" || kept[1] != "m" {
		t.Fatalf("unexpected records after compaction: %v", kept)
	}

	// writes after compaction keep advancing offsets
	rec := &ports.Record{Topic: "states", Key: []byte("state"), Value: []byte("d")}
	if err := l.Produce(ctx, rec); err != nil {
		t.Fatalf("produce after compact: %v", err)
	}
	if rec.Offset != 4 {
		t.Fatalf("expected offset 4, got %d", rec.Offset)
	}
	latest, err := l.Latest(ctx, "states", []byte("state"))
	if err != nil || string(latest.Value) != "d" {
		t.Fatalf("latest: %v %+v", err, latest)
	}
}

func TestFileLogMissing(t *testing.T) {
	s, err := Open(t.TempDir(), "states")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	l, _ := s.Log(ports.Subscription{})

	if _, err := l.Latest(context.Background(), "states", []byte("state")); !errors.Is(err, domain.ErrMissingDocument) {
		t.Fatalf("expected missing document, got %v", err)
	}
	if err := l.Produce(context.Background(), &ports.Record{Topic: "unknown"}); !errors.Is(err, domain.ErrMissingTopic) {
		t.Fatalf("expected missing topic, got %v", err)
	}
}

func appendGarbage(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write([]byte{0xFF, 0xAA})
	return err
}
