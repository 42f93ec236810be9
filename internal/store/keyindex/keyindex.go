// Package keyindex maintains a local goleveldb index from key-id prefix
// (8 or 16 uppercase hex characters) to full key id, so HKP short-id
// lookups don't require a full store scan. Resolve returns every hit; the
// HKP op=get handler serves the first and logs the ambiguity. It is a pure
// acceleration structure: the store documents remain the source of truth,
// and a miss here just falls back to Store.List.
package keyindex

import (
	"sort"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
)

// Index wraps a goleveldb database keyed by full 16-char key id, with the
// value being empty (existence-only) so prefix iteration over the key
// space does the matching; a parallel in-memory map tracks insertion order
// per prefix so "first hit" is well defined within a single process
// lifetime; the order map is not persisted across restarts.
type Index struct {
	mu    sync.Mutex
	db    *leveldb.DB
	order map[string][]string // prefix (8 or 16 char) -> keyIds, insertion order
}

// Open opens (or creates) the index at path. An empty path uses an
// in-memory goleveldb instance, convenient for tests and single-node
// deployments that don't need the index to survive a restart.
func Open(path string) (*Index, error) {
	var db *leveldb.DB
	var err error
	if path == "" {
		db, err = leveldb.Open(storage.NewMemStorage(), nil)
	} else {
		db, err = leveldb.OpenFile(path, nil)
	}
	if err != nil {
		return nil, err
	}
	return &Index{db: db, order: make(map[string][]string)}, nil
}

func (idx *Index) Add(keyID string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if err := idx.db.Put([]byte(keyID), nil, nil); err != nil {
		return err
	}
	for _, n := range []int{8, 16} {
		if len(keyID) < n {
			continue
		}
		p := keyID[len(keyID)-n:]
		idx.order[p] = append(idx.order[p], keyID)
	}
	return nil
}

func (idx *Index) Remove(keyID string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if err := idx.db.Delete([]byte(keyID), nil); err != nil {
		return err
	}
	for _, n := range []int{8, 16} {
		if len(keyID) < n {
			continue
		}
		p := keyID[len(keyID)-n:]
		idx.order[p] = removeString(idx.order[p], keyID)
	}
	return nil
}

// Resolve returns every full key id whose low-order hex digits match
// shortID (8 or 16 chars), oldest-inserted first, so callers can apply a
// first-hit-and-log ambiguity rule. It scans the underlying database, not
// just the in-memory order map, so it is correct even for ids added before
// this process started (the order map only affects relative ordering among
// ids seen this run).
func (idx *Index) Resolve(shortID string) ([]string, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	var hits []string
	iter := idx.db.NewIterator(nil, nil)
	defer iter.Release()
	for iter.Next() {
		full := string(iter.Key())
		if len(full) >= len(shortID) && full[len(full)-len(shortID):] == shortID {
			hits = append(hits, full)
		}
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	if ordered, ok := idx.order[shortID]; ok && len(ordered) == len(hits) {
		return ordered, nil
	}
	sort.Strings(hits)
	return hits, nil
}

func (idx *Index) Close() error { return idx.db.Close() }

func removeString(ss []string, s string) []string {
	out := ss[:0]
	for _, v := range ss {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
