package feed

import (
	"context"
	"sync"

	"github.com/agentworkforce/relaycache/internal/entity"
	"github.com/agentworkforce/relaycache/internal/mapper"
)

// Memory emulates a remote store in process. It is both a Source and a Feed:
// Emit applies a change to its rows and notifies every live subscription.
type Memory struct {
	tables Tables

	// emitMu keeps concurrent Emit calls in order without holding mu while
	// a full subscriber blocks delivery.
	emitMu sync.Mutex

	mu           sync.Mutex
	rows         map[entity.Kind][]entity.Row
	subs         map[*stream]kindSet
	fetchErr     error
	subscribeErr error
	fetches      int
	subscribes   int
}

func NewMemory(tables Tables) *Memory {
	if tables == nil {
		tables = DefaultTables()
	}
	return &Memory{
		tables: tables,
		rows:   map[entity.Kind][]entity.Row{},
		subs:   map[*stream]kindSet{},
	}
}

// Set replaces the rows of one kind without notifying subscribers.
func (m *Memory) Set(kind entity.Kind, rows []entity.Row) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[kind] = append([]entity.Row(nil), rows...)
}

func (m *Memory) Fetch(ctx context.Context, kind entity.Kind) ([]entity.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetches++
	if m.fetchErr != nil {
		return nil, m.fetchErr
	}
	return append([]entity.Row(nil), m.rows[kind]...), nil
}

func (m *Memory) Subscribe(ctx context.Context, kinds []entity.Kind) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribes++
	if m.subscribeErr != nil {
		return nil, m.subscribeErr
	}
	var s *stream
	s = newStream(func() { m.remove(s) })
	m.subs[s] = newKindSet(kinds)
	return s, nil
}

// Emit records the change in the emulated tables and fans it out. Unknown
// tables are only fanned out.
func (m *Memory) Emit(n Notification) {
	m.emitMu.Lock()
	defer m.emitMu.Unlock()

	m.mu.Lock()
	if kind, ok := m.tables.Kind(n.Table); ok {
		m.applyLocked(kind, n)
	}
	var targets []*stream
	for s, kinds := range m.subs {
		if kinds.allows(m.tables, n.Table) {
			targets = append(targets, s)
		}
	}
	m.mu.Unlock()

	for _, s := range targets {
		s.deliver(n)
	}
}

// Drop ends every live subscription as a lost connection would.
func (m *Memory) Drop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for s := range m.subs {
		delete(m.subs, s)
		s.finish(ErrFeedInterrupted)
	}
}

// FailFetch makes later fetches fail with err; nil restores them.
func (m *Memory) FailFetch(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetchErr = err
}

// FailSubscribe makes later subscribes fail with err; nil restores them.
func (m *Memory) FailSubscribe(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribeErr = err
}

func (m *Memory) Subscribers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

func (m *Memory) Fetches() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fetches
}

func (m *Memory) Subscribes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subscribes
}

func (m *Memory) remove(s *stream) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[s]; !ok {
		return
	}
	delete(m.subs, s)
	s.finish(ErrFeedClosed)
}

func (m *Memory) applyLocked(kind entity.Kind, n Notification) {
	rows := m.rows[kind]
	switch n.Type {
	case OpDelete:
		id := mapper.ExtractID(kind, n.Old)
		if id == "" {
			id = mapper.ExtractID(kind, n.New)
		}
		for i, row := range rows {
			if mapper.ExtractID(kind, row) == id {
				m.rows[kind] = append(rows[:i:i], rows[i+1:]...)
				return
			}
		}
	default:
		id := mapper.ExtractID(kind, n.New)
		if id == "" {
			return
		}
		for i, row := range rows {
			if mapper.ExtractID(kind, row) == id {
				rows[i] = n.New
				return
			}
		}
		m.rows[kind] = append(rows, n.New)
	}
}
