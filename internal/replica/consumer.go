// Package replica keeps a store.Store in step with the remote tables: it
// subscribes to the change feed, resynchronizes from the bulk source on every
// (re)connect and then applies notifications one at a time.
package replica

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentworkforce/relaycache/internal/entity"
	"github.com/agentworkforce/relaycache/internal/feed"
	"github.com/agentworkforce/relaycache/internal/logging"
	"github.com/agentworkforce/relaycache/internal/mapper"
	"github.com/agentworkforce/relaycache/internal/store"
	"github.com/agentworkforce/relaycache/internal/telemetry"
)

type State string

const (
	StateConnecting State = "connecting"
	StateSubscribed State = "subscribed"
	StateClosed     State = "closed"
)

// States lists every State, for one-hot gauges.
func States() []string {
	return []string{string(StateConnecting), string(StateSubscribed), string(StateClosed)}
}

type Options struct {
	// Kinds limits the mirrored tables; empty means all of them.
	Kinds  []entity.Kind
	Tables feed.Tables

	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	RetryJitter    float64

	// SkipDependents turns off re-resolving stored tasks after a user changes.
	// Task display names then stay stale until the next task event.
	SkipDependents bool

	Logger  *slog.Logger
	Metrics *telemetry.Metrics
	Tracer  trace.Tracer
}

type Status struct {
	State          State      `json:"state"`
	Generation     uint64     `json:"generation"`
	EventsApplied  uint64     `json:"eventsApplied"`
	RecordsDropped uint64     `json:"recordsDropped"`
	Resyncs        uint64     `json:"resyncs"`
	Reconnects     uint64     `json:"reconnects"`
	LastResync     *time.Time `json:"lastResync,omitempty"`
	LastError      string     `json:"lastError,omitempty"`
}

type Consumer struct {
	store  *store.Store
	source feed.Source
	feed   feed.Feed
	mapper *mapper.Mapper
	tables feed.Tables
	kinds  []entity.Kind

	baseDelay      time.Duration
	maxDelay       time.Duration
	jitter         float64
	skipDependents bool

	logger  *slog.Logger
	metrics *telemetry.Metrics
	tracer  trace.Tracer
	rng     *rand.Rand

	resyncRequests chan struct{}

	mu     sync.Mutex
	status Status
}

func NewConsumer(st *store.Store, source feed.Source, changes feed.Feed, m *mapper.Mapper, opts Options) (*Consumer, error) {
	if st == nil {
		return nil, fmt.Errorf("store is required")
	}
	if source == nil {
		return nil, fmt.Errorf("source is required")
	}
	if changes == nil {
		return nil, fmt.Errorf("feed is required")
	}
	if m == nil {
		var err error
		if m, err = mapper.New(); err != nil {
			return nil, err
		}
	}
	kinds := opts.Kinds
	if len(kinds) == 0 {
		kinds = entity.Kinds()
	}
	for _, kind := range kinds {
		if !kind.Valid() {
			return nil, fmt.Errorf("unknown kind %q", kind)
		}
	}
	tables := opts.Tables
	if tables == nil {
		tables = feed.DefaultTables()
	}
	baseDelay := opts.RetryBaseDelay
	if baseDelay <= 0 {
		baseDelay = 500 * time.Millisecond
	}
	maxDelay := opts.RetryMaxDelay
	if maxDelay < baseDelay {
		maxDelay = 30 * time.Second
		if maxDelay < baseDelay {
			maxDelay = baseDelay
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = telemetry.Tracer()
	}
	c := &Consumer{
		store:          st,
		source:         source,
		feed:           changes,
		mapper:         m,
		tables:         tables,
		kinds:          kinds,
		baseDelay:      baseDelay,
		maxDelay:       maxDelay,
		jitter:         clampJitter(opts.RetryJitter),
		skipDependents: opts.SkipDependents,
		logger:         logger,
		metrics:        opts.Metrics,
		tracer:         tracer,
		rng:            rand.New(rand.NewSource(time.Now().UnixNano())),
		resyncRequests: make(chan struct{}, 1),
		status:         Status{State: StateConnecting},
	}
	c.metrics.SetFeedState(string(StateConnecting))
	return c, nil
}

// Run mirrors the remote tables until ctx is cancelled. Connection failures
// are retried forever with capped exponential backoff.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.setState(StateClosed)
	attempt := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		c.setState(StateConnecting)
		synced, err := c.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if synced {
			attempt = 0
		}
		attempt++
		// The subscription is gone by now, even when the resync failed after
		// a successful handshake.
		c.setState(StateConnecting)
		c.recordError(err)
		delay := c.backoff(attempt)
		if errors.Is(err, feed.ErrFeedInterrupted) {
			c.bump(func(s *Status) { s.Reconnects++ })
			c.logger.Warn("change feed interrupted, resynchronizing after reconnect", "error", err, "retry_in", delay)
		} else {
			c.logger.Warn("change feed session failed", "error", err, "attempt", attempt, "retry_in", delay)
		}
		if err := sleep(ctx, delay); err != nil {
			return nil
		}
	}
}

// session subscribes, resynchronizes and drains notifications until the
// subscription ends. synced reports whether the resync succeeded.
func (c *Consumer) session(ctx context.Context) (synced bool, err error) {
	sub, err := c.feed.Subscribe(ctx, c.kinds)
	if err != nil {
		return false, fmt.Errorf("subscribe: %w", err)
	}
	defer sub.Close()
	c.setState(StateSubscribed)

	if err := c.Resync(ctx); err != nil {
		return false, err
	}
	// A resync already covers anything asked for before it started.
	select {
	case <-c.resyncRequests:
	default:
	}

	notifications := sub.Notifications()
	for {
		select {
		case <-ctx.Done():
			return true, nil
		case <-c.resyncRequests:
			if err := c.Resync(ctx); err != nil {
				c.recordError(err)
				c.logger.Warn("requested resync failed, keeping current contents", "error", err)
			}
		case n, ok := <-notifications:
			if !ok {
				err := sub.Err()
				if err == nil {
					err = feed.ErrFeedClosed
				}
				return true, err
			}
			c.Apply(n)
		}
	}
}

// RequestResync asks the running loop for a full resynchronization. Requests
// made while one is pending are merged.
func (c *Consumer) RequestResync() {
	select {
	case c.resyncRequests <- struct{}{}:
	default:
	}
}

// Resync fetches every mirrored kind in dependency order, maps it against the
// freshly fetched data and swaps all tables in one transaction. On failure the
// store keeps its previous contents.
func (c *Consumer) Resync(ctx context.Context) (err error) {
	ctx, span := c.tracer.Start(ctx, "replica.resync")
	defer span.End()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			c.metrics.Resync("error")
		}
	}()

	staged := store.NewSnapshot(nil, nil, nil, nil, nil, nil)
	tables := make(map[entity.Kind][]entity.Entity, len(c.kinds))
	total := 0
	for _, kind := range entity.Kinds() {
		if !slices.Contains(c.kinds, kind) {
			continue
		}
		rows, err := c.source.Fetch(ctx, kind)
		if err != nil {
			return fmt.Errorf("fetch %s: %w", kind, err)
		}
		if kind == entity.KindClient {
			// Partner links point inside the same table; stage a first pass so
			// they resolve against the fetched clients.
			staged = stage(staged, kind, c.mapBatch(kind, rows, staged, false))
		}
		mapped := c.mapBatch(kind, rows, staged, true)
		staged = stage(staged, kind, mapped)
		tables[kind] = mapped
		total += len(mapped)
		span.SetAttributes(attribute.Int("rows."+string(kind), len(mapped)))
	}
	if err := c.store.ReplaceAll(tables); err != nil {
		return fmt.Errorf("replace tables: %w", err)
	}

	now := time.Now().UTC()
	c.bump(func(s *Status) {
		s.Resyncs++
		s.LastResync = &now
	})
	c.metrics.Resync("ok")
	for kind, values := range tables {
		c.metrics.SetStoreRows(string(kind), len(values))
	}
	c.logger.Info("resync complete", "rows", total, "generation", c.store.Generation())
	return nil
}

func (c *Consumer) mapBatch(kind entity.Kind, rows []entity.Row, lookup mapper.Lookup, report bool) []entity.Entity {
	out := make([]entity.Entity, 0, len(rows))
	for _, raw := range rows {
		value, notes, err := c.mapper.MapWithNotes(kind, raw, lookup)
		if err != nil {
			if report {
				c.dropRecord(kind, "malformed", err)
			}
			continue
		}
		if report {
			c.logNotes(kind, value.EntityID(), notes)
		}
		out = append(out, value)
	}
	return out
}

// Apply applies one notification to the store. It must only be called from
// the goroutine running Run, or while Run is not running.
func (c *Consumer) Apply(n feed.Notification) {
	kind, ok := c.tables.Kind(n.Table)
	if !ok {
		c.dropRecord(entity.Kind(n.Table), "unknown_table", fmt.Errorf("no kind for table %q", n.Table))
		return
	}

	switch n.Type {
	case feed.OpDelete:
		id := mapper.ExtractID(kind, n.Old)
		if id == "" {
			id = mapper.ExtractID(kind, n.New)
		}
		if id == "" {
			c.dropRecord(kind, "missing_id", errors.New("delete without a primary key"))
			return
		}
		removed, err := c.store.ApplyDelete(kind, id)
		if err != nil {
			c.dropRecord(kind, "store", err)
			return
		}
		if removed && kind == entity.KindUser {
			c.resolveUserTasks(id)
		}
	case feed.OpInsert, feed.OpUpdate:
		value, notes, err := c.mapper.MapWithNotes(kind, n.New, c.store)
		if err != nil {
			c.dropRecord(kind, "malformed", err)
			return
		}
		c.logNotes(kind, value.EntityID(), notes)
		if err := c.store.ApplyUpsert(kind, value); err != nil {
			c.dropRecord(kind, "store", err)
			return
		}
		c.resolveDependents(kind, value.EntityID())
	default:
		c.dropRecord(kind, "unknown_operation", fmt.Errorf("operation %q", n.Type))
		return
	}

	c.bump(func(s *Status) { s.EventsApplied++ })
	c.metrics.EventApplied(string(kind), string(n.Type))
	c.metrics.SetStoreRows(string(kind), c.store.Count(kind))
}

// resolveDependents re-resolves stored rows that denormalize the upserted
// row. Task client ids and partner links always follow their project and
// partner; task display names follow users unless SkipDependents is set.
func (c *Consumer) resolveDependents(kind entity.Kind, id string) {
	switch kind {
	case entity.KindUser:
		c.resolveUserTasks(id)
	case entity.KindProject:
		c.refreshTasks(c.store.TasksInProject(id), "project_id", id)
	case entity.KindClient:
		c.recheckPartnerLinks(id)
	}
}

func (c *Consumer) resolveUserTasks(userID string) {
	if c.skipDependents {
		return
	}
	c.refreshTasks(c.store.TasksReferencing(userID), "user_id", userID)
}

func (c *Consumer) refreshTasks(tasks []entity.Task, key, id string) {
	for _, task := range tasks {
		resolved := mapper.ResolveTask(task, c.store)
		if resolved.ClientID == task.ClientID &&
			resolved.DeveloperName == task.DeveloperName &&
			slices.Equal(resolved.CollaboratorNames, task.CollaboratorNames) {
			continue
		}
		if err := c.store.ApplyUpsert(entity.KindTask, resolved); err != nil {
			c.logger.Error("re-resolve task failed", "task_id", task.ID, key, id, "error", err)
			continue
		}
		c.logger.Debug("task re-resolved", "task_id", task.ID, key, id)
	}
}

// recheckPartnerLinks clears partner links to partnerID that the current
// partner row no longer satisfies.
func (c *Consumer) recheckPartnerLinks(partnerID string) {
	for _, client := range c.store.ClientsWithPartner(partnerID) {
		resolved, notes := mapper.ResolveClient(client, c.store)
		if resolved.PartnerID == client.PartnerID {
			continue
		}
		if err := c.store.ApplyUpsert(entity.KindClient, resolved); err != nil {
			c.logger.Error("re-check partner link failed", "client_id", client.ID, "partner_id", partnerID, "error", err)
			continue
		}
		c.logNotes(entity.KindClient, client.ID, notes)
	}
}

func (c *Consumer) Status() Status {
	c.mu.Lock()
	out := c.status
	c.mu.Unlock()
	out.Generation = c.store.Generation()
	return out
}

func (c *Consumer) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status.State
}

func (c *Consumer) setState(state State) {
	c.mu.Lock()
	changed := c.status.State != state
	c.status.State = state
	c.mu.Unlock()
	if changed {
		c.metrics.SetFeedState(string(state))
		c.logger.Debug("feed state changed", "state", state)
	}
}

func (c *Consumer) bump(fn func(*Status)) {
	c.mu.Lock()
	fn(&c.status)
	c.mu.Unlock()
}

func (c *Consumer) recordError(err error) {
	if err == nil {
		return
	}
	c.bump(func(s *Status) { s.LastError = err.Error() })
}

func (c *Consumer) dropRecord(kind entity.Kind, reason string, err error) {
	c.bump(func(s *Status) { s.RecordsDropped++ })
	c.metrics.RecordDropped(string(kind), reason)
	attrs := []any{"kind", kind, "reason", reason, "error", err}
	var recErr *mapper.RecordError
	if errors.As(err, &recErr) {
		attrs = append(attrs, "id", recErr.ID)
	}
	c.logger.Warn("record dropped", attrs...)
}

func (c *Consumer) logNotes(kind entity.Kind, id string, notes []string) {
	for _, note := range notes {
		c.logger.Debug("record adjusted", "kind", kind, "id", id, "note", note)
	}
}

func (c *Consumer) backoff(attempt int) time.Duration {
	delay := c.baseDelay
	for i := 1; i < attempt && delay < c.maxDelay; i++ {
		delay *= 2
	}
	if delay > c.maxDelay {
		delay = c.maxDelay
	}
	return jittered(delay, c.jitter, c.rng.Float64())
}

func clampJitter(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jittered(base time.Duration, ratio, sample float64) time.Duration {
	if base <= 0 || ratio == 0 {
		return base
	}
	factor := 1 + ((sample*2)-1)*ratio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}

func sleep(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// stage returns a copy of snap with the table of kind replaced by values.
func stage(snap *store.Snapshot, kind entity.Kind, values []entity.Entity) *store.Snapshot {
	clients, projects, tasks := snap.Clients, snap.Projects, snap.Tasks
	users, entries, memberships := snap.Users, snap.TimesheetEntries, snap.Memberships
	switch kind {
	case entity.KindClient:
		clients = typed[entity.Client](values)
	case entity.KindProject:
		projects = typed[entity.Project](values)
	case entity.KindTask:
		tasks = typed[entity.Task](values)
	case entity.KindUser:
		users = typed[entity.User](values)
	case entity.KindTimesheetEntry:
		entries = typed[entity.TimesheetEntry](values)
	case entity.KindProjectMembership:
		memberships = typed[entity.ProjectMembership](values)
	}
	return store.NewSnapshot(clients, projects, tasks, users, entries, memberships)
}

func typed[T entity.Entity](values []entity.Entity) []T {
	out := make([]T, 0, len(values))
	for _, v := range values {
		if t, ok := v.(T); ok {
			out = append(out, t)
		}
	}
	return out
}
