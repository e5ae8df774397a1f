package feed

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/agentworkforce/relaycache/internal/entity"
)

const (
	defaultNotifyChannel     = "relaycache_changes"
	postgresOperationTimeout = 30 * time.Second
	postgresPingInterval     = 90 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// SQLSource bulk-loads tables with SELECT * through database/sql. The
// connection is opened lazily on first fetch.
type SQLSource struct {
	driver  string
	dsn     string
	tables  Tables
	orderBy map[entity.Kind]string
	openDB  sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

// NewPostgresSource reads through lib/pq.
func NewPostgresSource(dsn string, tables Tables) (*SQLSource, error) {
	return newSQLSource("postgres", dsn, tables)
}

// NewSQLiteSource reads a SQLite database file through modernc.org/sqlite.
func NewSQLiteSource(path string, tables Tables) (*SQLSource, error) {
	return newSQLSource("sqlite", path, tables)
}

func newSQLSource(driver, dsn string, tables Tables) (*SQLSource, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	if tables == nil {
		tables = DefaultTables()
	}
	return &SQLSource{
		driver:  driver,
		dsn:     dsn,
		tables:  tables,
		orderBy: map[entity.Kind]string{},
		openDB:  sql.Open,
	}, nil
}

// OrderBy sets the ORDER BY clause for one kind; empty removes it. Column
// names are quoted, an optional trailing ASC or DESC is kept.
func (s *SQLSource) OrderBy(kind entity.Kind, clause string) {
	if strings.TrimSpace(clause) == "" {
		delete(s.orderBy, kind)
		return
	}
	s.orderBy[kind] = clause
}

func (s *SQLSource) Fetch(ctx context.Context, kind entity.Kind) ([]entity.Row, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := "SELECT * FROM " + postgresQuoteIdentifier(s.tables.Name(kind))
	if clause, ok := s.orderBy[kind]; ok {
		query += " ORDER BY " + orderClause(clause)
	}
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", kind, err)
	}
	defer rows.Close()
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []entity.Row
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan %s: %w", kind, err)
		}
		row := make(entity.Row, len(cols))
		for i, col := range cols {
			v := values[i]
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			row[col] = v
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("fetch %s: %w", kind, err)
	}
	return out, nil
}

func (s *SQLSource) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLSource) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB(s.driver, s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func orderClause(clause string) string {
	var parts []string
	for _, term := range strings.Split(clause, ",") {
		fields := strings.Fields(term)
		if len(fields) == 0 {
			continue
		}
		quoted := postgresQuoteIdentifier(fields[0])
		if len(fields) > 1 {
			switch dir := strings.ToUpper(fields[1]); dir {
			case "ASC", "DESC":
				quoted += " " + dir
			}
		}
		parts = append(parts, quoted)
	}
	return strings.Join(parts, ", ")
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

// PostgresFeedOptions configures a LISTEN/NOTIFY subscription.
type PostgresFeedOptions struct {
	Channel              string
	Tables               Tables
	MinReconnectInterval time.Duration
	MaxReconnectInterval time.Duration
	PingInterval         time.Duration
	Logger               *slog.Logger
}

// PostgresFeed receives changes through pg_notify payloads written by the
// triggers InstallTriggers creates.
type PostgresFeed struct {
	dsn  string
	opts PostgresFeedOptions
}

func NewPostgresFeed(dsn string, opts PostgresFeedOptions) (*PostgresFeed, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	if strings.TrimSpace(opts.Channel) == "" {
		opts.Channel = defaultNotifyChannel
	}
	if opts.Tables == nil {
		opts.Tables = DefaultTables()
	}
	if opts.MinReconnectInterval <= 0 {
		opts.MinReconnectInterval = time.Second
	}
	if opts.MaxReconnectInterval < opts.MinReconnectInterval {
		opts.MaxReconnectInterval = time.Minute
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = postgresPingInterval
	}
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	return &PostgresFeed{dsn: dsn, opts: opts}, nil
}

func (f *PostgresFeed) Subscribe(ctx context.Context, kinds []entity.Kind) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	logger := f.opts.Logger
	listener := pq.NewListener(f.dsn, f.opts.MinReconnectInterval, f.opts.MaxReconnectInterval, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			logger.Warn("postgres listener event", "event", int(ev), "error", err)
		}
	})
	// Listen returns after the server acknowledged LISTEN; Ping then proves the
	// connection is really up rather than queued for reconnect.
	if err := listener.Listen(f.opts.Channel); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("listen %s: %w", f.opts.Channel, err)
	}
	if err := listener.Ping(); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("listen %s: %w", f.opts.Channel, err)
	}

	var closeOnce sync.Once
	closeListener := func() { closeOnce.Do(func() { _ = listener.Close() }) }
	s := newStream(closeListener)
	go f.pump(ctx, listener, s, newKindSet(kinds), closeListener)
	return s, nil
}

func (f *PostgresFeed) pump(ctx context.Context, listener *pq.Listener, s *stream, kinds kindSet, closeListener func()) {
	ticker := time.NewTicker(f.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			closeListener()
			s.finish(ErrFeedClosed)
			return
		case <-s.closed():
			s.finish(ErrFeedClosed)
			return
		case msg, ok := <-listener.Notify:
			if !ok {
				s.finish(ErrFeedClosed)
				return
			}
			if msg == nil {
				// pq re-established the connection; notifications sent while it
				// was down are lost.
				closeListener()
				s.finish(ErrFeedInterrupted)
				return
			}
			n, err := ParsePostgresPayload(msg.Extra)
			if err != nil {
				f.opts.Logger.Warn("postgres feed dropped payload", "channel", msg.Channel, "error", err)
				continue
			}
			if !kinds.allows(f.opts.Tables, n.Table) {
				continue
			}
			if !s.deliver(n) {
				s.finish(ErrFeedClosed)
				return
			}
		case <-ticker.C:
			if err := listener.Ping(); err != nil {
				f.opts.Logger.Warn("postgres listener ping failed", "error", err)
			}
		}
	}
}

// ParsePostgresPayload decodes a trigger payload of the form
// {"table":..., "type":..., "record":{...}, "old_record":{...}}.
func ParsePostgresPayload(extra string) (Notification, error) {
	var payload struct {
		Table     string     `json:"table"`
		Type      string     `json:"type"`
		Record    entity.Row `json:"record"`
		OldRecord entity.Row `json:"old_record"`
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(extra)))
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		return Notification{}, fmt.Errorf("%w: decode payload: %v", ErrInvalidInput, err)
	}
	op, err := ParseOperation(payload.Type)
	if err != nil {
		return Notification{}, err
	}
	if strings.TrimSpace(payload.Table) == "" {
		return Notification{}, fmt.Errorf("%w: payload without table", ErrInvalidInput)
	}
	return Notification{Table: payload.Table, Type: op, New: payload.Record, Old: payload.OldRecord}, nil
}

const notifyFunctionName = "relaycache_notify"

// InstallTriggers creates the notify function and one row trigger per table.
// Deletes send only the primary key so payloads stay under the 8000 byte
// NOTIFY limit.
func InstallTriggers(ctx context.Context, db *sql.DB, channel string, tables []string) error {
	if db == nil {
		return ErrInvalidInput
	}
	if strings.TrimSpace(channel) == "" {
		channel = defaultNotifyChannel
	}
	fn := fmt.Sprintf(`
		CREATE OR REPLACE FUNCTION %s() RETURNS trigger AS $$
		DECLARE
			payload json;
		BEGIN
			IF TG_OP = 'DELETE' THEN
				payload := json_build_object('table', TG_TABLE_NAME, 'type', lower(TG_OP), 'old_record', json_build_object('id', OLD.id));
			ELSE
				payload := json_build_object('table', TG_TABLE_NAME, 'type', lower(TG_OP), 'record', row_to_json(NEW));
			END IF;
			PERFORM pg_notify(TG_ARGV[0], payload::text);
			RETURN NULL;
		END;
		$$ LANGUAGE plpgsql`, notifyFunctionName)
	if _, err := db.ExecContext(ctx, fn); err != nil {
		return fmt.Errorf("create notify function: %w", err)
	}
	for _, table := range tables {
		quoted := postgresQuoteIdentifier(table)
		drop := fmt.Sprintf("DROP TRIGGER IF EXISTS %s ON %s", notifyFunctionName, quoted)
		if _, err := db.ExecContext(ctx, drop); err != nil {
			return fmt.Errorf("drop trigger on %s: %w", table, err)
		}
		create := fmt.Sprintf(
			"CREATE TRIGGER %s AFTER INSERT OR UPDATE OR DELETE ON %s FOR EACH ROW EXECUTE FUNCTION %s(%s)",
			notifyFunctionName, quoted, notifyFunctionName, pq.QuoteLiteral(channel),
		)
		if _, err := db.ExecContext(ctx, create); err != nil {
			return fmt.Errorf("create trigger on %s: %w", table, err)
		}
	}
	return nil
}
