package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/agentworkforce/relaycache/internal/entity"
	"github.com/agentworkforce/relaycache/internal/mapper"
)

// FileStore reads tables from <dir>/<table>.json, each a JSON array of row
// objects. As a Feed it watches the directory and turns rewrites of a table
// file into insert, update and delete notifications.
type FileStore struct {
	dir    string
	tables Tables
	logger *slog.Logger
}

func NewFileStore(dir string, tables Tables) *FileStore {
	if tables == nil {
		tables = DefaultTables()
	}
	return &FileStore{dir: dir, tables: tables, logger: discardLogger()}
}

// WithLogger sets the logger used for skipped file reads.
func (f *FileStore) WithLogger(logger *slog.Logger) *FileStore {
	if logger != nil {
		f.logger = logger
	}
	return f
}

func (f *FileStore) path(kind entity.Kind) string {
	return filepath.Join(f.dir, f.tables.Name(kind)+".json")
}

func (f *FileStore) Fetch(ctx context.Context, kind entity.Kind) ([]entity.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return readTableFile(f.path(kind))
}

// WriteTable atomically replaces one table file.
func (f *FileStore) WriteTable(kind entity.Kind, rows []entity.Row) error {
	if err := os.MkdirAll(f.dir, 0o755); err != nil {
		return err
	}
	if rows == nil {
		rows = []entity.Row{}
	}
	data, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(f.path(kind), data, 0o644)
}

func (f *FileStore) Subscribe(ctx context.Context, kinds []entity.Kind) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(kinds) == 0 {
		kinds = entity.Kinds()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(f.dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", f.dir, err)
	}

	// Baseline after the watch is active: later writes are diffed against it.
	byFile := make(map[string]entity.Kind, len(kinds))
	baseline := make(map[entity.Kind]tableState, len(kinds))
	for _, kind := range kinds {
		byFile[filepath.Base(f.path(kind))] = kind
		rows, err := readTableFile(f.path(kind))
		if err != nil {
			rows = nil
		}
		baseline[kind] = newTableState(kind, rows)
	}

	s := newStream(func() { _ = watcher.Close() })
	go f.watch(watcher, s, byFile, baseline)
	return s, nil
}

func (f *FileStore) watch(watcher *fsnotify.Watcher, s *stream, byFile map[string]entity.Kind, baseline map[entity.Kind]tableState) {
	for {
		select {
		case <-s.closed():
			s.finish(ErrFeedClosed)
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				s.finish(ErrFeedClosed)
				return
			}
			kind, tracked := byFile[filepath.Base(ev.Name)]
			if !tracked || !(ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename)) {
				continue
			}
			rows, err := readTableFile(f.path(kind))
			if err != nil {
				// Half-written file; the next write event retries.
				f.logger.Debug("file feed skipped unreadable table", "path", ev.Name, "error", err)
				continue
			}
			next := newTableState(kind, rows)
			for _, n := range baseline[kind].diff(next, f.tables.Name(kind)) {
				if !s.deliver(n) {
					s.finish(ErrFeedClosed)
					return
				}
			}
			baseline[kind] = next
		case err, ok := <-watcher.Errors:
			if !ok {
				s.finish(ErrFeedClosed)
				return
			}
			s.finish(fmt.Errorf("%w: %v", ErrFeedInterrupted, err))
			_ = watcher.Close()
			return
		}
	}
}

func readTableFile(path string) ([]entity.Row, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var rows []entity.Row
	if err := dec.Decode(&rows); err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return rows, nil
}

type tableState struct {
	order []string
	rows  map[string]entity.Row
}

func newTableState(kind entity.Kind, rows []entity.Row) tableState {
	st := tableState{rows: make(map[string]entity.Row, len(rows))}
	for _, row := range rows {
		id := mapper.ExtractID(kind, row)
		if id == "" {
			continue
		}
		if _, seen := st.rows[id]; !seen {
			st.order = append(st.order, id)
		}
		st.rows[id] = row
	}
	return st
}

// diff lists the changes from st to next: inserts and updates in next's order,
// then deletes in st's order.
func (st tableState) diff(next tableState, table string) []Notification {
	var out []Notification
	for _, id := range next.order {
		row := next.rows[id]
		prev, existed := st.rows[id]
		switch {
		case !existed:
			out = append(out, Notification{Table: table, Type: OpInsert, New: row})
		case !reflect.DeepEqual(prev, row):
			out = append(out, Notification{Table: table, Type: OpUpdate, New: row, Old: prev})
		}
	}
	for _, id := range st.order {
		if _, kept := next.rows[id]; !kept {
			out = append(out, Notification{Table: table, Type: OpDelete, Old: st.rows[id]})
		}
	}
	return out
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+strings.TrimSuffix(filepath.Base(path), ".json")+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
