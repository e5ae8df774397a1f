// Package feed holds the upstream collaborators of the cache: bulk row
// sources and per-table change feeds, with implementations selected by DSN.
package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/agentworkforce/relaycache/internal/entity"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")

	// ErrFeedInterrupted ends a subscription whose connection dropped; events
	// may have been missed and the caller must resynchronize.
	ErrFeedInterrupted = errors.New("change feed interrupted")
	ErrFeedClosed      = errors.New("change feed closed")
)

type Operation string

const (
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

func ParseOperation(raw string) (Operation, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "insert", "create", "created":
		return OpInsert, nil
	case "update", "updated", "upsert":
		return OpUpdate, nil
	case "delete", "deleted", "remove":
		return OpDelete, nil
	}
	return "", fmt.Errorf("%w: unknown operation %q", ErrInvalidInput, raw)
}

// Notification is one change event. Old need only carry the primary key.
type Notification struct {
	Table string     `json:"table"`
	Type  Operation  `json:"type"`
	New   entity.Row `json:"record,omitempty"`
	Old   entity.Row `json:"old_record,omitempty"`
}

// Source returns every current row of one entity kind.
type Source interface {
	Fetch(ctx context.Context, kind entity.Kind) ([]entity.Row, error)
}

// Feed opens change subscriptions. Subscribe returns once the handshake with
// the upstream completed, so anything committed afterwards is delivered.
type Feed interface {
	Subscribe(ctx context.Context, kinds []entity.Kind) (Subscription, error)
}

// Subscription delivers notifications in order. The channel is closed when the
// subscription ends and Err then tells why.
type Subscription interface {
	Notifications() <-chan Notification
	Err() error
	Close() error
}

// Tables maps entity kinds to remote table names.
type Tables map[entity.Kind]string

func DefaultTables() Tables {
	t := make(Tables, len(entity.Kinds()))
	for _, kind := range entity.Kinds() {
		t[kind] = string(kind)
	}
	return t
}

// WithOverrides returns a copy with the given kinds renamed.
func (t Tables) WithOverrides(overrides map[string]string) (Tables, error) {
	out := make(Tables, len(t))
	for k, v := range t {
		out[k] = v
	}
	for rawKind, table := range overrides {
		kind, ok := entity.ParseKind(rawKind)
		if !ok {
			return nil, fmt.Errorf("%w: unknown kind %q in table overrides", ErrInvalidInput, rawKind)
		}
		table = strings.TrimSpace(table)
		if table == "" {
			return nil, fmt.Errorf("%w: empty table name for %s", ErrInvalidInput, kind)
		}
		out[kind] = table
	}
	return out, nil
}

func (t Tables) Name(kind entity.Kind) string {
	if name, ok := t[kind]; ok && name != "" {
		return name
	}
	return string(kind)
}

// Kind resolves a remote table name, falling back to the known aliases.
func (t Tables) Kind(table string) (entity.Kind, bool) {
	name := strings.TrimSpace(table)
	if idx := strings.LastIndex(name, "."); idx >= 0 {
		name = name[idx+1:]
	}
	for kind, remote := range t {
		if strings.EqualFold(remote, name) {
			return kind, true
		}
	}
	return entity.ParseKind(name)
}

const streamBuffer = 1024

// stream is the Subscription shared by every feed. deliver, finish and Close
// may be called from different goroutines; ch is only closed under sendMu
// once ended is closed, so a blocked deliver always wakes up first.
type stream struct {
	ch        chan Notification
	done      chan struct{}
	ended     chan struct{}
	closeOnce sync.Once
	finOnce   sync.Once
	stop      func()

	sendMu sync.Mutex

	mu  sync.Mutex
	err error
}

func newStream(stop func()) *stream {
	return &stream{
		ch:    make(chan Notification, streamBuffer),
		done:  make(chan struct{}),
		ended: make(chan struct{}),
		stop:  stop,
	}
}

func (s *stream) Notifications() <-chan Notification {
	return s.ch
}

func (s *stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.stop != nil {
			s.stop()
		}
	})
	return nil
}

func (s *stream) closed() <-chan struct{} {
	return s.done
}

// deliver blocks while the buffer is full; it reports false once the
// subscription was closed or finished.
func (s *stream) deliver(n Notification) bool {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	select {
	case <-s.done:
		return false
	case <-s.ended:
		return false
	default:
	}
	select {
	case s.ch <- n:
		return true
	case <-s.done:
		return false
	case <-s.ended:
		return false
	}
}

func (s *stream) finish(err error) {
	s.finOnce.Do(func() {
		if err == nil {
			err = ErrFeedClosed
		}
		close(s.ended)
		s.sendMu.Lock()
		defer s.sendMu.Unlock()
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.ch)
	})
}

// kindSet filters notifications to the subscribed kinds; empty means all.
type kindSet map[entity.Kind]struct{}

func newKindSet(kinds []entity.Kind) kindSet {
	set := make(kindSet, len(kinds))
	for _, k := range kinds {
		set[k] = struct{}{}
	}
	return set
}

func (s kindSet) allows(tables Tables, table string) bool {
	if len(s) == 0 {
		return true
	}
	kind, ok := tables.Kind(table)
	if !ok {
		// Unknown tables pass through so the consumer can report them.
		return true
	}
	_, ok = s[kind]
	return ok
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
