package fleetlog

import (
	"errors"
	"fmt"
	"sync"
)

// ErrWatcherClosed is returned when a channel watcher receives an update after being closed.
var ErrWatcherClosed = errors.New("fleetlog: watcher closed")

// ErrWatcherBehind is returned when a channel watcher's buffer is full. The
// update is dropped; the next one carries the complete documents again.
var ErrWatcherBehind = errors.New("fleetlog: watcher behind")

// Update is one publish of the canonical documents. Either field may be nil
// when only one document was written. Receivers must treat both as read-only.
type Update struct {
	State   *State
	Metrics *Metrics
}

// UpdateHandler is invoked with every published Update.
type UpdateHandler func(Update) error

// Watcher receives the documents a Materializer publishes, in-process and in
// publish order. Deliver runs on the materializer's goroutine and must not block.
type Watcher interface {
	Deliver(Update) error
	Name() string
}

// NewCallbackWatcher adapts an UpdateHandler into a Watcher so callers can
// plug arbitrary functions without defining structs.
func NewCallbackWatcher(name string, fn UpdateHandler) Watcher {
	if name == "" {
		name = "callback"
	}
	return &callbackWatcher{name: name, fn: fn}
}

// NewChannelWatcher exposes updates via a channel; it returns the watcher, the
// read-only channel, and a close function that the caller should invoke
// during shutdown.
func NewChannelWatcher(name string, buffer int) (Watcher, <-chan Update, func()) {
	if name == "" {
		name = "channel"
	}
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Update, buffer)
	w := &channelWatcher{
		name: name,
		ch:   ch,
	}
	return w, ch, func() { w.close() }
}

type callbackWatcher struct {
	name string
	fn   UpdateHandler
}

func (w *callbackWatcher) Deliver(u Update) error {
	if w.fn == nil {
		return fmt.Errorf("callback watcher %q: nil handler", w.name)
	}
	return w.fn(u)
}

func (w *callbackWatcher) Name() string { return w.name }

type channelWatcher struct {
	name   string
	ch     chan Update
	mu     sync.Mutex
	closed bool
}

func (w *channelWatcher) Deliver(u Update) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWatcherClosed
	}

	select {
	case w.ch <- u:
		return nil
	default:
		return ErrWatcherBehind
	}
}

func (w *channelWatcher) Name() string { return w.name }

func (w *channelWatcher) close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.closed {
		w.closed = true
		close(w.ch)
	}
}
