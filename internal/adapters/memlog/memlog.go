package memlog

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/ghalamif/fleetlog/internal/domain"
	"github.com/ghalamif/fleetlog/internal/ports"
)

// Broker is a bounded in-memory log that preserves per-topic ordering. It
// backs single-process deployments and tests.
type Broker struct {
	mu      sync.Mutex
	topics  map[string]*topic
	commits map[string]int64
	retain  int
	wake    chan struct{}
}

type topic struct {
	records []*ports.Record
	next    int64
}

// NewBroker creates the given topics. retain bounds each topic's length; the
// oldest records are dropped first. retain <= 0 keeps everything.
func NewBroker(retain int, topics ...string) *Broker {
	b := &Broker{
		topics:  make(map[string]*topic, len(topics)),
		commits: make(map[string]int64),
		retain:  retain,
		wake:    make(chan struct{}),
	}
	for _, t := range topics {
		b.topics[t] = &topic{}
	}
	return b
}

// CreateTopic is a no-op for existing topics.
func (b *Broker) CreateTopic(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.topics[name]; !ok {
		b.topics[name] = &topic{}
	}
}

// Records returns a copy of everything currently retained in name.
func (b *Broker) Records(name string) []*ports.Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[name]
	if !ok {
		return nil
	}
	out := make([]*ports.Record, len(t.records))
	copy(out, t.records)
	return out
}

// Log returns a client bound to sub. Consumption resumes from the group's
// committed offset.
func (b *Broker) Log(sub ports.Subscription) *Log {
	b.mu.Lock()
	defer b.mu.Unlock()
	return &Log{broker: b, sub: sub, pos: b.commits[commitKey(sub)]}
}

func (b *Broker) append(rec *ports.Record) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[rec.Topic]
	if !ok {
		return 0, domain.ErrMissingTopic
	}
	stored := *rec
	stored.Offset = t.next
	if stored.Timestamp.IsZero() {
		stored.Timestamp = time.Now()
	}
	t.next++
	t.records = append(t.records, &stored)
	if b.retain > 0 && len(t.records) > b.retain {
		t.records = append(t.records[:0], t.records[len(t.records)-b.retain:]...)
	}
	b.signal()
	return stored.Offset, nil
}

// signal wakes every blocked Poll. Callers hold b.mu.
func (b *Broker) signal() {
	close(b.wake)
	b.wake = make(chan struct{})
}

// Log is a client view onto a Broker.
type Log struct {
	broker *Broker
	sub    ports.Subscription

	mu     sync.Mutex
	pos    int64
	closed bool
}

func (l *Log) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *Log) Produce(ctx context.Context, rec *ports.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if l.isClosed() {
		return domain.ErrTransportClosed
	}
	off, err := l.broker.append(rec)
	if err != nil {
		return err
	}
	rec.Offset = off
	return nil
}

func (l *Log) ProduceAsync(rec *ports.Record, onErr func(error)) {
	if err := l.Produce(context.Background(), rec); err != nil && onErr != nil {
		onErr(err)
	}
}

func (l *Log) Poll(ctx context.Context, max int) ([]*ports.Record, error) {
	if l.sub.Topic == "" {
		return nil, nil
	}
	for {
		if l.isClosed() {
			return nil, domain.ErrTransportClosed
		}
		batch, wake, err := l.take(max)
		if err != nil || len(batch) > 0 {
			return batch, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wake:
		}
	}
}

func (l *Log) take(max int) ([]*ports.Record, <-chan struct{}, error) {
	b := l.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[l.sub.Topic]
	if !ok {
		return nil, nil, domain.ErrMissingTopic
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var out []*ports.Record
	for _, rec := range t.records {
		if rec.Offset < l.pos {
			continue
		}
		out = append(out, rec)
		if max > 0 && len(out) == max {
			break
		}
	}
	if len(out) > 0 {
		l.pos = out[len(out)-1].Offset + 1
	}
	return out, b.wake, nil
}

func (l *Log) Commit(ctx context.Context, recs []*ports.Record) error {
	if len(recs) == 0 || l.sub.Group == "" {
		return nil
	}
	b := l.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	key := commitKey(l.sub)
	for _, rec := range recs {
		if rec.Offset+1 > b.commits[key] {
			b.commits[key] = rec.Offset + 1
		}
	}
	return nil
}

func (l *Log) Latest(ctx context.Context, name string, key []byte) (*ports.Record, error) {
	b := l.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[name]
	if !ok {
		return nil, domain.ErrMissingTopic
	}
	for i := len(t.records) - 1; i >= 0; i-- {
		if bytes.Equal(t.records[i].Key, key) {
			rec := *t.records[i]
			return &rec, nil
		}
	}
	return nil, domain.ErrMissingDocument
}

// Close makes a Poll blocked on another goroutine return ErrTransportClosed.
func (l *Log) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()

	l.broker.mu.Lock()
	defer l.broker.mu.Unlock()
	l.broker.signal()
	return nil
}

func commitKey(sub ports.Subscription) string {
	return sub.Group + "/" + sub.Topic
}

var _ ports.Log = (*Log)(nil)
