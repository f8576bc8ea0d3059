package replica

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/golang/snappy"
)

// BadgerStore is an embedded replica for development and tests. Rows are
// snappy-compressed JSON values under t/<table>/<id>; each table keeps its
// id counter under seq/<table>. Column types are checked, but foreign keys
// and NOT NULL are not enforced.
type BadgerStore struct {
	name string
	db   *badger.DB

	// serializes id allocation with the writes that depend on it
	mu     sync.Mutex
	closed bool
}

// NewBadgerStore opens an on-disk store at dir, or an in-memory one when dir is empty
func NewBadgerStore(name, dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).
		WithLogger(nil).
		WithLoggingLevel(badger.ERROR)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db for %s: %w", name, err)
	}
	return &BadgerStore{name: name, db: db}, nil
}

func rowPrefix(table string) []byte {
	return []byte("t/" + table + "/")
}

func rowKey(table string, id int64) []byte {
	return []byte(fmt.Sprintf("t/%s/%020d", table, id))
}

func seqKey(table string) []byte {
	return []byte("seq/" + table)
}

// Name returns the replica name
func (s *BadgerStore) Name() string {
	return s.name
}

// Ping reports whether the store is open
func (s *BadgerStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.db.IsClosed() {
		return fmt.Errorf("%w: %s: closed", ErrReplicaDown, s.name)
	}
	return nil
}

// Close closes the underlying database
func (s *BadgerStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func encodeRow(r Row) ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return snappy.Encode(nil, data), nil
}

func decodeRow(val []byte) (Row, error) {
	data, err := snappy.Decode(nil, val)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress row: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var r Row
	if err := dec.Decode(&r); err != nil {
		return nil, err
	}
	return Normalize(r), nil
}

// canonical checks row against t and returns it with canonical values
func canonical(t *Table, row Row) (Row, error) {
	if err := t.Check(row); err != nil {
		return nil, err
	}
	out := make(Row, len(t.Columns))
	for _, col := range t.Columns {
		v := row[col.Name]
		if v != nil {
			// validate the type, keep the canonical form
			if _, err := col.Coerce(v); err != nil {
				return nil, err
			}
			v = normalizeValue(v)
		}
		out[col.Name] = v
	}
	return out, nil
}

func (s *BadgerStore) scan(txn *badger.Txn, table string, cond Condition, fn func(key []byte, r Row) error) error {
	opts := badger.DefaultIteratorOptions
	prefix := rowPrefix(table)
	opts.Prefix = prefix

	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		var r Row
		err := item.Value(func(val []byte) error {
			var err error
			r, err = decodeRow(val)
			return err
		})
		if err != nil {
			return fmt.Errorf("decode %s: %w", item.Key(), err)
		}
		if cond.Matches(r) {
			if err := fn(item.KeyCopy(nil), r); err != nil {
				return err
			}
		}
	}
	return nil
}

// Select returns the rows of table matching cond, ordered by id
func (s *BadgerStore) Select(ctx context.Context, table string, cond Condition) ([]Row, error) {
	t, err := LookupTable(table)
	if err != nil {
		return nil, err
	}
	if err := t.Check(cond); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := []Row{}
	err = s.db.View(func(txn *badger.Txn) error {
		return s.scan(txn, t.Name, cond, func(_ []byte, r Row) error {
			out = append(out, r)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Insert adds row to table, allocating an id when the row has none
func (s *BadgerStore) Insert(ctx context.Context, table string, row Row) (Row, error) {
	t, err := LookupTable(table)
	if err != nil {
		return nil, err
	}
	r, err := canonical(t, row)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for _, col := range t.Columns {
		if col.DefaultNow && r[col.Name] == nil {
			// microseconds, the precision of a postgres timestamptz
			r[col.Name] = normalizeValue(time.Now().Truncate(time.Microsecond))
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err = s.db.Update(func(txn *badger.Txn) error {
		seq, err := readSeq(txn, t.Name)
		if err != nil {
			return err
		}
		id := r.ID()
		if id == 0 {
			id = seq + 1
			r["id"] = id
		} else if _, err := txn.Get(rowKey(t.Name, id)); err == nil {
			return fmt.Errorf("duplicate id %d in %s", id, t.Name)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if id > seq {
			if err := writeSeq(txn, t.Name, id); err != nil {
				return err
			}
		}

		data, err := encodeRow(r)
		if err != nil {
			return err
		}
		return txn.Set(rowKey(t.Name, id), data)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to insert into %s: %w", t.Name, err)
	}
	return r, nil
}

// Delete removes the rows of table matching cond and returns them
func (s *BadgerStore) Delete(ctx context.Context, table string, cond Condition) ([]Row, error) {
	t, err := LookupTable(table)
	if err != nil {
		return nil, err
	}
	if len(cond) == 0 {
		return nil, ErrEmptyCondition
	}
	if err := t.Check(cond); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := []Row{}
	err = s.db.Update(func(txn *badger.Txn) error {
		var keys [][]byte
		err := s.scan(txn, t.Name, cond, func(key []byte, r Row) error {
			keys = append(keys, key)
			deleted = append(deleted, r)
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to delete from %s: %w", t.Name, err)
	}
	return deleted, nil
}

// Replace drops every tracked table and loads the snapshot with a write batch
func (s *BadgerStore) Replace(ctx context.Context, snap Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prefixes := make([][]byte, 0, 2*len(Tables))
	for i := len(Tables) - 1; i >= 0; i-- {
		prefixes = append(prefixes, rowPrefix(Tables[i].Name), seqKey(Tables[i].Name))
	}
	if err := s.db.DropPrefix(prefixes...); err != nil {
		return fmt.Errorf("clear %s: %w", s.name, err)
	}

	wb := s.db.NewWriteBatch()
	if err := fillBatch(wb, snap); err != nil {
		wb.Cancel()
		return err
	}
	return wb.Flush()
}

func fillBatch(wb *badger.WriteBatch, snap Snapshot) error {
	for i := range Tables {
		t := &Tables[i]
		var maxID int64
		for _, row := range snap[t.Name] {
			r, err := canonical(t, row)
			if err != nil {
				return err
			}
			id := r.ID()
			if id == 0 {
				return fmt.Errorf("row without id in %s snapshot", t.Name)
			}
			data, err := encodeRow(r)
			if err != nil {
				return err
			}
			if err := wb.Set(rowKey(t.Name, id), data); err != nil {
				return err
			}
			maxID = max(maxID, id)
		}
		if err := wb.Set(seqKey(t.Name), encodeSeq(maxID)); err != nil {
			return err
		}
	}
	return nil
}

func readSeq(txn *badger.Txn, table string) (int64, error) {
	item, err := txn.Get(seqKey(table))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var seq int64
	err = item.Value(func(val []byte) error {
		if len(val) != 8 {
			return fmt.Errorf("corrupt sequence for %s", table)
		}
		seq = int64(binary.BigEndian.Uint64(val))
		return nil
	})
	return seq, err
}

func writeSeq(txn *badger.Txn, table string, seq int64) error {
	return txn.Set(seqKey(table), encodeSeq(seq))
}

func encodeSeq(seq int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(seq))
	return buf
}
