// Package store keeps the six mirrored tables in a go-memdb database. Every
// write commits in one transaction and bumps a generation number that readers
// can watch.
package store

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	memdb "github.com/hashicorp/go-memdb"

	"github.com/agentworkforce/relaycache/internal/entity"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrKindMismatch = errors.New("entity kind mismatch")
)

const (
	metaTable     = "meta"
	generationKey = "generation"
	idIndex       = "id"
	seqIndex      = "seq"
)

// record is one stored row. Seq orders rows for display and never changes
// while the id stays in the table.
type record struct {
	ID    string
	Seq   int64
	Value entity.Entity
}

type metaRecord struct {
	ID         string
	Generation uint64
}

// seqIndexer encodes Seq big-endian with the sign bit flipped so the radix
// tree iterates rows in ascending Seq, negatives included.
type seqIndexer struct{}

func (seqIndexer) FromObject(obj interface{}) (bool, []byte, error) {
	r, ok := obj.(*record)
	if !ok {
		return false, nil, fmt.Errorf("seq index: unexpected object %T", obj)
	}
	return true, encodeSeq(r.Seq), nil
}

func (seqIndexer) FromArgs(args ...interface{}) ([]byte, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("seq index: expected one argument, got %d", len(args))
	}
	seq, ok := args[0].(int64)
	if !ok {
		return nil, fmt.Errorf("seq index: expected int64, got %T", args[0])
	}
	return encodeSeq(seq), nil
}

func encodeSeq(seq int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(seq)^(1<<63))
	return buf
}

func schema() *memdb.DBSchema {
	tables := map[string]*memdb.TableSchema{
		metaTable: {
			Name: metaTable,
			Indexes: map[string]*memdb.IndexSchema{
				idIndex: {Name: idIndex, Unique: true, Indexer: &memdb.StringFieldIndex{Field: "ID"}},
			},
		},
	}
	for _, kind := range entity.Kinds() {
		name := string(kind)
		tables[name] = &memdb.TableSchema{
			Name: name,
			Indexes: map[string]*memdb.IndexSchema{
				idIndex:  {Name: idIndex, Unique: true, Indexer: &memdb.StringFieldIndex{Field: "ID"}},
				seqIndex: {Name: seqIndex, Indexer: seqIndexer{}},
			},
		}
	}
	return &memdb.DBSchema{Tables: tables}
}

// Store is safe for concurrent readers. Writes are serialized; the sync
// consumer is expected to be the only writer.
type Store struct {
	mu sync.Mutex
	db *memdb.MemDB
}

func New() (*Store, error) {
	db, err := memdb.NewMemDB(schema())
	if err != nil {
		return nil, fmt.Errorf("create memdb: %w", err)
	}
	txn := db.Txn(true)
	if err := txn.Insert(metaTable, &metaRecord{ID: generationKey}); err != nil {
		txn.Abort()
		return nil, fmt.Errorf("init generation: %w", err)
	}
	txn.Commit()
	return &Store{db: db}, nil
}

// BulkReplace replaces one table wholesale. Array order becomes display order;
// for duplicate ids the last value wins at the first occurrence's position.
func (s *Store) BulkReplace(kind entity.Kind, records []entity.Entity) error {
	return s.ReplaceAll(map[entity.Kind][]entity.Entity{kind: records})
}

// ReplaceAll replaces every table in tables within a single transaction.
// Tables not present in the map are left untouched.
func (s *Store) ReplaceAll(tables map[entity.Kind][]entity.Entity) error {
	for kind, records := range tables {
		if !kind.Valid() {
			return fmt.Errorf("%w: unknown kind %q", ErrInvalidInput, kind)
		}
		for i, rec := range records {
			if err := checkEntity(kind, rec); err != nil {
				return fmt.Errorf("%s[%d]: %w", kind, i, err)
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	txn := s.db.Txn(true)
	defer txn.Abort()
	for kind, records := range tables {
		table := string(kind)
		if _, err := txn.DeleteAll(table, idIndex); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
		positions := make(map[string]int64, len(records))
		var next int64
		for _, rec := range records {
			id := rec.EntityID()
			seq, seen := positions[id]
			if !seen {
				seq = next
				positions[id] = seq
				next++
			}
			if err := txn.Insert(table, &record{ID: id, Seq: seq, Value: rec}); err != nil {
				return fmt.Errorf("insert %s %s: %w", table, id, err)
			}
		}
	}
	if err := bumpGeneration(txn); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// ApplyUpsert replaces an existing row in place or inserts a new one. New tasks
// go to the front of the display order, other kinds to the back.
func (s *Store) ApplyUpsert(kind entity.Kind, value entity.Entity) error {
	if err := checkEntity(kind, value); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	txn := s.db.Txn(true)
	defer txn.Abort()

	table := string(kind)
	id := value.EntityID()
	existing, err := txn.First(table, idIndex, id)
	if err != nil {
		return fmt.Errorf("lookup %s %s: %w", table, id, err)
	}
	var seq int64
	if existing != nil {
		seq = existing.(*record).Seq
	} else if seq, err = nextSeq(txn, kind); err != nil {
		return err
	}
	if err := txn.Insert(table, &record{ID: id, Seq: seq, Value: value}); err != nil {
		return fmt.Errorf("upsert %s %s: %w", table, id, err)
	}
	if err := bumpGeneration(txn); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// ApplyDelete removes a row by id. Deleting an unknown id is a no-op that
// reports false.
func (s *Store) ApplyDelete(kind entity.Kind, id string) (bool, error) {
	if !kind.Valid() {
		return false, fmt.Errorf("%w: unknown kind %q", ErrInvalidInput, kind)
	}
	if id == "" {
		return false, fmt.Errorf("%w: empty id", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	txn := s.db.Txn(true)
	defer txn.Abort()

	table := string(kind)
	existing, err := txn.First(table, idIndex, id)
	if err != nil {
		return false, fmt.Errorf("lookup %s %s: %w", table, id, err)
	}
	if existing == nil {
		return false, nil
	}
	if err := txn.Delete(table, existing); err != nil {
		return false, fmt.Errorf("delete %s %s: %w", table, id, err)
	}
	if err := bumpGeneration(txn); err != nil {
		return false, err
	}
	txn.Commit()
	return true, nil
}

// Generation returns the number of committed writes.
func (s *Store) Generation() uint64 {
	txn := s.db.Txn(false)
	defer txn.Abort()
	gen, _, _ := generation(txn)
	return gen
}

// Watch blocks until the generation is greater than after and returns it.
// It returns ctx.Err() if the context ends first.
func (s *Store) Watch(ctx context.Context, after uint64) (uint64, error) {
	for {
		txn := s.db.Txn(false)
		gen, ch, err := generation(txn)
		txn.Abort()
		if err != nil {
			return 0, err
		}
		if gen > after {
			return gen, nil
		}
		ws := memdb.NewWatchSet()
		ws.Add(ch)
		if err := ws.WatchCtx(ctx); err != nil {
			return gen, err
		}
	}
}

// Count returns the number of rows in one table.
func (s *Store) Count(kind entity.Kind) int {
	txn := s.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get(string(kind), idIndex)
	if err != nil {
		return 0
	}
	n := 0
	for obj := it.Next(); obj != nil; obj = it.Next() {
		n++
	}
	return n
}

func (s *Store) LookupUser(id string) (entity.User, bool) {
	v, ok := s.get(entity.KindUser, id)
	if !ok {
		return entity.User{}, false
	}
	return v.(entity.User), true
}

func (s *Store) LookupProject(id string) (entity.Project, bool) {
	v, ok := s.get(entity.KindProject, id)
	if !ok {
		return entity.Project{}, false
	}
	return v.(entity.Project), true
}

func (s *Store) LookupClient(id string) (entity.Client, bool) {
	v, ok := s.get(entity.KindClient, id)
	if !ok {
		return entity.Client{}, false
	}
	return v.(entity.Client), true
}

// TasksReferencing returns, in display order, the tasks whose developer or
// collaborators include userID.
func (s *Store) TasksReferencing(userID string) []entity.Task {
	return scan(s, entity.KindTask, func(t entity.Task) bool { return t.References(userID) })
}

// TasksInProject returns, in display order, the tasks of projectID.
func (s *Store) TasksInProject(projectID string) []entity.Task {
	if projectID == "" {
		return nil
	}
	return scan(s, entity.KindTask, func(t entity.Task) bool { return t.ProjectID == projectID })
}

// ClientsWithPartner returns, in display order, the clients linked to
// partnerID as their partner.
func (s *Store) ClientsWithPartner(partnerID string) []entity.Client {
	if partnerID == "" {
		return nil
	}
	return scan(s, entity.KindClient, func(c entity.Client) bool { return c.PartnerID == partnerID })
}

func scan[T entity.Entity](s *Store, kind entity.Kind, keep func(T) bool) []T {
	txn := s.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get(string(kind), seqIndex)
	if err != nil {
		return nil
	}
	var out []T
	for obj := it.Next(); obj != nil; obj = it.Next() {
		value, ok := obj.(*record).Value.(T)
		if ok && keep(value) {
			out = append(out, value)
		}
	}
	return out
}

func (s *Store) get(kind entity.Kind, id string) (entity.Entity, bool) {
	if id == "" {
		return nil, false
	}
	txn := s.db.Txn(false)
	defer txn.Abort()
	obj, err := txn.First(string(kind), idIndex, id)
	if err != nil || obj == nil {
		return nil, false
	}
	return obj.(*record).Value, true
}

func checkEntity(kind entity.Kind, value entity.Entity) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidInput, kind)
	}
	if value == nil {
		return fmt.Errorf("%w: nil entity", ErrInvalidInput)
	}
	if value.EntityKind() != kind {
		return fmt.Errorf("%w: %s entity for %s table", ErrKindMismatch, value.EntityKind(), kind)
	}
	if value.EntityID() == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidInput)
	}
	return nil
}

func nextSeq(txn *memdb.Txn, kind entity.Kind) (int64, error) {
	table := string(kind)
	if kind == entity.KindTask {
		first, err := txn.First(table, seqIndex)
		if err != nil {
			return 0, fmt.Errorf("first %s: %w", table, err)
		}
		if first == nil {
			return 0, nil
		}
		return first.(*record).Seq - 1, nil
	}
	last, err := txn.Last(table, seqIndex)
	if err != nil {
		return 0, fmt.Errorf("last %s: %w", table, err)
	}
	if last == nil {
		return 0, nil
	}
	return last.(*record).Seq + 1, nil
}

func generation(txn *memdb.Txn) (uint64, <-chan struct{}, error) {
	ch, obj, err := txn.FirstWatch(metaTable, idIndex, generationKey)
	if err != nil {
		return 0, nil, fmt.Errorf("read generation: %w", err)
	}
	if obj == nil {
		return 0, ch, nil
	}
	return obj.(*metaRecord).Generation, ch, nil
}

func bumpGeneration(txn *memdb.Txn) error {
	gen, _, err := generation(txn)
	if err != nil {
		return err
	}
	if err := txn.Insert(metaTable, &metaRecord{ID: generationKey, Generation: gen + 1}); err != nil {
		return fmt.Errorf("bump generation: %w", err)
	}
	return nil
}
