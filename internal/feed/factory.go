package feed

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/agentworkforce/relaycache/internal/entity"
)

// Options carries the settings shared by every DSN-built source and feed.
type Options struct {
	Tables        Tables
	APIKey        string
	NotifyChannel string
	OrderBy       map[entity.Kind]string
	HTTPClient    *http.Client
	Logger        *slog.Logger
}

func (o Options) tables() Tables {
	if o.Tables == nil {
		return DefaultTables()
	}
	return o.Tables
}

type SourceFactory func(dsn string, opts Options) (Source, error)
type FeedFactory func(dsn string, opts Options) (Feed, error)

var factoryRegistry = struct {
	mu       sync.RWMutex
	sources  map[string]SourceFactory
	feeds    map[string]FeedFactory
	memories map[string]*Memory
}{
	sources:  map[string]SourceFactory{},
	feeds:    map[string]FeedFactory{},
	memories: map[string]*Memory{},
}

func RegisterSourceFactory(scheme string, factory SourceFactory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	factoryRegistry.mu.Lock()
	defer factoryRegistry.mu.Unlock()
	factoryRegistry.sources[scheme] = factory
}

func RegisterFeedFactory(scheme string, factory FeedFactory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	factoryRegistry.mu.Lock()
	defer factoryRegistry.mu.Unlock()
	factoryRegistry.feeds[scheme] = factory
}

func lookupSourceFactory(scheme string) (SourceFactory, bool) {
	factoryRegistry.mu.RLock()
	defer factoryRegistry.mu.RUnlock()
	factory, ok := factoryRegistry.sources[normalizeScheme(scheme)]
	return factory, ok
}

func lookupFeedFactory(scheme string) (FeedFactory, bool) {
	factoryRegistry.mu.RLock()
	defer factoryRegistry.mu.RUnlock()
	factory, ok := factoryRegistry.feeds[normalizeScheme(scheme)]
	return factory, ok
}

// SharedMemory returns the process-wide emulator for a memory:// name, so a
// source and a feed built from the same DSN see the same rows.
func SharedMemory(name string, tables Tables) *Memory {
	name = strings.TrimSpace(name)
	factoryRegistry.mu.Lock()
	defer factoryRegistry.mu.Unlock()
	if m, ok := factoryRegistry.memories[name]; ok {
		return m
	}
	m := NewMemory(tables)
	factoryRegistry.memories[name] = m
	return m
}

func BuildSourceFromDSN(dsn string, opts Options) (Source, error) {
	parsed, scheme, err := parseDSN(dsn)
	if err != nil {
		return nil, err
	}
	if factory, ok := lookupSourceFactory(scheme); ok {
		return factory(dsn, opts)
	}
	switch scheme {
	case "memory", "mem", "inmem":
		return SharedMemory(parsed.Host+parsed.Path, opts.tables()), nil
	case "", "file":
		path, err := dsnPath(parsed, dsn)
		if err != nil {
			return nil, err
		}
		return NewFileStore(path, opts.tables()).WithLogger(opts.Logger), nil
	case "postgres", "postgresql":
		src, err := NewPostgresSource(dsn, opts.tables())
		if err != nil {
			return nil, err
		}
		applyOrder(src, opts.OrderBy)
		return src, nil
	case "sqlite", "sqlite3":
		path, err := dsnPath(parsed, dsn)
		if err != nil {
			return nil, err
		}
		src, err := NewSQLiteSource(path, opts.tables())
		if err != nil {
			return nil, err
		}
		applyOrder(src, opts.OrderBy)
		return src, nil
	case "http", "https":
		return NewRESTSource(dsn, opts.APIKey, opts.tables(), opts.HTTPClient), nil
	case "ws", "wss", "mysql":
		return nil, fmt.Errorf("%w: source scheme %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported source scheme: %s", scheme)
	}
}

func BuildFeedFromDSN(dsn string, opts Options) (Feed, error) {
	parsed, scheme, err := parseDSN(dsn)
	if err != nil {
		return nil, err
	}
	if factory, ok := lookupFeedFactory(scheme); ok {
		return factory(dsn, opts)
	}
	switch scheme {
	case "memory", "mem", "inmem":
		return SharedMemory(parsed.Host+parsed.Path, opts.tables()), nil
	case "", "file":
		path, err := dsnPath(parsed, dsn)
		if err != nil {
			return nil, err
		}
		return NewFileStore(path, opts.tables()).WithLogger(opts.Logger), nil
	case "postgres", "postgresql":
		return NewPostgresFeed(dsn, PostgresFeedOptions{
			Channel: opts.NotifyChannel,
			Tables:  opts.tables(),
			Logger:  opts.Logger,
		})
	case "ws", "wss":
		return NewRealtimeFeed(dsn, RealtimeOptions{
			APIKey:     opts.APIKey,
			Tables:     opts.tables(),
			HTTPClient: opts.HTTPClient,
			Logger:     opts.Logger,
		})
	case "sqlite", "sqlite3", "http", "https", "mysql":
		return nil, fmt.Errorf("%w: feed scheme %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported feed scheme: %s", scheme)
	}
}

func applyOrder(src *SQLSource, orderBy map[entity.Kind]string) {
	for kind, clause := range orderBy {
		src.OrderBy(kind, clause)
	}
}

func parseDSN(dsn string) (*url.URL, string, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, "", fmt.Errorf("%w: empty dsn", ErrInvalidInput)
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, "", err
	}
	return parsed, normalizeScheme(parsed.Scheme), nil
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if parsed.Host != "" && path != "" {
		path = parsed.Host + path
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
