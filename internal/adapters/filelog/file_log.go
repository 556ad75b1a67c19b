package filelog

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ghalamif/fleetlog/internal/domain"
	"github.com/ghalamif/fleetlog/internal/ports"
)

const recordHeaderLen = 12

// entry is the on-disk body of a record.
type entry struct {
	Key       []byte            `json:"k"`
	Value     []byte            `json:"v"`
	Headers   map[string]string `json:"h,omitempty"`
	Timestamp time.Time         `json:"ts"`
}

// Store is a directory of append-only topic logs. Each topic lives in its own
// sub-directory holding the log file and one offset file per consumer group.
type Store struct {
	mu     sync.Mutex
	dir    string
	topics map[string]*segment
	wake   chan struct{}
}

type segment struct {
	path      string
	file      *os.File
	writer    *bufio.Writer
	next      int64
	sizeBytes int64
}

// Open loads every topic found under dir and creates the listed ones.
func Open(dir string, topics ...string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	s := &Store{dir: dir, topics: make(map[string]*segment), wake: make(chan struct{})}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.IsDir() {
			if _, err := s.openSegment(e.Name()); err != nil {
				return nil, err
			}
		}
	}
	for _, t := range topics {
		if err := s.CreateTopic(t); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// CreateTopic is a no-op for existing topics.
func (s *Store) CreateTopic(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.topics[name]; ok {
		return nil
	}
	_, err := s.openSegment(name)
	return err
}

func (s *Store) openSegment(name string) (*segment, error) {
	if strings.ContainsAny(name, `/\`) || name == "" || name == "." || name == ".." {
		return nil, fmt.Errorf("filelog: invalid topic name %q", name)
	}
	tdir := filepath.Join(s.dir, name)
	if err := os.MkdirAll(tdir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(tdir, "log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	seg := &segment{path: path, file: f, writer: bufio.NewWriterSize(f, 1<<20)}
	if err := seg.scanExisting(); err != nil {
		f.Close()
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, err
	}
	s.topics[name] = seg
	return seg, nil
}

// scanExisting recovers the next offset and cuts off a torn trailing record.
func (g *segment) scanExisting() error {
	rf, err := os.Open(g.path)
	if err != nil {
		return err
	}
	defer rf.Close()

	reader := bufio.NewReader(rf)
	var (
		offset int64
		lastID int64 = -1
	)

	for {
		var hdr [recordHeaderLen]byte
		if _, err := io.ReadFull(reader, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return fmt.Errorf("filelog scan header: %w", err)
		}
		id := int64(binary.BigEndian.Uint64(hdr[0:8]))
		length := binary.BigEndian.Uint32(hdr[8:12])

		if _, err := io.CopyN(io.Discard, reader, int64(length)); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return fmt.Errorf("filelog scan body: %w", err)
		}
		offset += recordHeaderLen + int64(length)
		lastID = id
	}

	if err := g.file.Truncate(offset); err != nil {
		return err
	}
	g.sizeBytes = offset
	g.next = lastID + 1
	return nil
}

func (s *Store) append(rec *ports.Record) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.topics[rec.Topic]
	if !ok {
		return 0, domain.ErrMissingTopic
	}
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	b, err := json.Marshal(entry{Key: rec.Key, Value: rec.Value, Headers: rec.Headers, Timestamp: ts})
	if err != nil {
		return 0, err
	}

	id := g.next
	// entry format: [8 bytes offset][4 bytes len][len bytes json]
	var hdr [recordHeaderLen]byte
	binary.BigEndian.PutUint64(hdr[0:8], uint64(id))
	binary.BigEndian.PutUint32(hdr[8:12], uint32(len(b)))

	if _, err := g.writer.Write(hdr[:]); err != nil {
		return 0, err
	}
	if _, err := g.writer.Write(b); err != nil {
		return 0, err
	}
	if err := g.writer.Flush(); err != nil {
		return 0, err
	}
	g.next = id + 1
	g.sizeBytes += int64(len(b) + len(hdr))

	close(s.wake)
	s.wake = make(chan struct{})
	return id, nil
}

// iterate calls fn for every record of name with offset >= from until fn
// returns false.
func (s *Store) iterate(name string, from int64, fn func(rec *ports.Record) bool) error {
	s.mu.Lock()
	g, ok := s.topics[name]
	if !ok {
		s.mu.Unlock()
		return domain.ErrMissingTopic
	}
	if err := g.writer.Flush(); err != nil {
		s.mu.Unlock()
		return err
	}
	limit := g.sizeBytes
	s.mu.Unlock()

	return readSegment(g.path, name, limit, from, fn)
}

func readSegment(path, name string, limit, from int64, fn func(rec *ports.Record) bool) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	r := bufio.NewReader(io.LimitReader(f, limit))
	for {
		var hdr [recordHeaderLen]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("filelog truncated header: %w", err)
		}
		id := int64(binary.BigEndian.Uint64(hdr[0:8]))
		l := binary.BigEndian.Uint32(hdr[8:12])

		b := make([]byte, l)
		if _, err := io.ReadFull(r, b); err != nil {
			return fmt.Errorf("corrupt log: %w", err)
		}
		if id < from {
			continue
		}

		var e entry
		if err := json.Unmarshal(b, &e); err != nil {
			return fmt.Errorf("corrupt log entry: %w", err)
		}
		rec := &ports.Record{
			Topic:     name,
			Key:       e.Key,
			Value:     e.Value,
			Headers:   e.Headers,
			Offset:    id,
			Timestamp: e.Timestamp,
		}
		if !fn(rec) {
			return nil
		}
	}
}

// Compact rewrites name keeping only the newest record per key, the way a
// compacted Kafka topic converges. Offsets are preserved. Appends to the
// topic wait for the rewrite to finish.
func (s *Store) Compact(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.topics[name]
	if !ok {
		return domain.ErrMissingTopic
	}
	if err := g.writer.Flush(); err != nil {
		return err
	}

	latest := make(map[string]int64)
	if err := readSegment(g.path, name, g.sizeBytes, 0, func(rec *ports.Record) bool {
		latest[string(rec.Key)] = rec.Offset
		return true
	}); err != nil {
		return err
	}

	tmp := g.path + ".compact"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(out)
	var (
		size int64
		werr error
	)
	err = readSegment(g.path, name, g.sizeBytes, 0, func(rec *ports.Record) bool {
		if latest[string(rec.Key)] != rec.Offset {
			return true
		}
		b, merr := json.Marshal(entry{Key: rec.Key, Value: rec.Value, Headers: rec.Headers, Timestamp: rec.Timestamp})
		if merr != nil {
			werr = merr
			return false
		}
		var hdr [recordHeaderLen]byte
		binary.BigEndian.PutUint64(hdr[0:8], uint64(rec.Offset))
		binary.BigEndian.PutUint32(hdr[8:12], uint32(len(b)))
		w.Write(hdr[:])
		w.Write(b)
		size += recordHeaderLen + int64(len(b))
		return true
	})
	if err == nil {
		err = werr
	}
	if err == nil {
		err = w.Flush()
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return err
	}

	if err := g.file.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, g.path); err != nil {
		return err
	}
	f, err := os.OpenFile(g.path, os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	g.file = f
	g.writer = bufio.NewWriterSize(f, 1<<20)
	g.sizeBytes = size
	return nil
}

// Close flushes and closes every topic file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for _, g := range s.topics {
		if err := g.writer.Flush(); err != nil {
			errs = append(errs, err)
		}
		if err := g.file.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Store) wakeCh() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wake
}

func (s *Store) metaPath(sub ports.Subscription) string {
	return filepath.Join(s.dir, sub.Topic, sub.Group+".offset")
}

func (s *Store) loadCommitted(sub ports.Subscription) (int64, error) {
	data, err := os.ReadFile(s.metaPath(sub))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	val := strings.TrimSpace(string(data))
	if val == "" {
		return 0, nil
	}
	u, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("filelog meta parse: %w", err)
	}
	return u, nil
}

// Log returns a client bound to sub, resuming from the group's committed offset.
func (s *Store) Log(sub ports.Subscription) (*Log, error) {
	l := &Log{store: s, sub: sub}
	if sub.Topic != "" && sub.Group != "" {
		pos, err := s.loadCommitted(sub)
		if err != nil {
			return nil, err
		}
		l.pos = pos
		l.committed = pos
	}
	return l, nil
}

// Log is a client view onto a Store.
type Log struct {
	store *Store
	sub   ports.Subscription

	mu        sync.Mutex
	pos       int64
	committed int64
	closed    bool
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
	off, err := l.store.append(rec)
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
		wake := l.store.wakeCh()

		l.mu.Lock()
		from := l.pos
		l.mu.Unlock()

		var out []*ports.Record
		if err := l.store.iterate(l.sub.Topic, from, func(rec *ports.Record) bool {
			out = append(out, rec)
			return max <= 0 || len(out) < max
		}); err != nil {
			return nil, err
		}
		if len(out) > 0 {
			l.mu.Lock()
			l.pos = out[len(out)-1].Offset + 1
			l.mu.Unlock()
			return out, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wake:
		}
	}
}

func (l *Log) Commit(ctx context.Context, recs []*ports.Record) error {
	if len(recs) == 0 || l.sub.Group == "" {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, rec := range recs {
		if rec.Offset+1 > l.committed {
			l.committed = rec.Offset + 1
		}
	}
	data := []byte(fmt.Sprintf("%d\n", l.committed))
	return os.WriteFile(l.store.metaPath(l.sub), data, 0o644)
}

func (l *Log) Latest(ctx context.Context, name string, key []byte) (*ports.Record, error) {
	var found *ports.Record
	if err := l.store.iterate(name, 0, func(rec *ports.Record) bool {
		if bytes.Equal(rec.Key, key) {
			found = rec
		}
		return true
	}); err != nil {
		return nil, err
	}
	if found == nil {
		return nil, domain.ErrMissingDocument
	}
	return found, nil
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

var _ ports.Log = (*Log)(nil)
