package store

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/hockeypuck/keyserver/internal/model"
)

// MemStore is an in-process Store used by unit tests across useridsvc and
// keysvc. It round-trips documents through JSON so it exercises the same
// "document, not struct pointer" contract the real backends have, instead
// of aliasing caller structs.
type MemStore struct {
	mu   sync.Mutex
	docs map[Kind][]map[string]interface{}
}

func NewMemStore() *MemStore {
	return &MemStore{docs: make(map[Kind][]map[string]interface{})}
}

func toDoc(v interface{}) map[string]interface{} {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		panic(err)
	}
	return m
}

func matches(doc map[string]interface{}, q Query) bool {
	for k, v := range q {
		dv, ok := doc[k]
		if !ok {
			return false
		}
		// JSON round-tripping turns both sides into comparable primitives
		// (string/float64/bool) as long as callers pass the same type for
		// query values as the struct field holds.
		if !jsonEqual(dv, v) {
			return false
		}
	}
	return true
}

func jsonEqual(a, b interface{}) bool {
	ab, _ := json.Marshal(a)
	bb, _ := json.Marshal(b)
	return string(ab) == string(bb)
}

func decodeInto(doc map[string]interface{}, out interface{}) error {
	b, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

func decodeSliceInto(docs []map[string]interface{}, out interface{}) error {
	b, err := json.Marshal(docs)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

func naturalKeyConflict(kind Kind, existing, candidate map[string]interface{}) bool {
	switch kind {
	case KindKey:
		return existing["keyId"] == candidate["keyId"]
	case KindUserID:
		return existing["keyId"] == candidate["keyId"] && existing["email"] == candidate["email"]
	default:
		return false
	}
}

func (s *MemStore) Insert(ctx context.Context, kind Kind, doc interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := toDoc(doc)
	for _, existing := range s.docs[kind] {
		if naturalKeyConflict(kind, existing, d) {
			return model.AlreadyExistsError("duplicate %s document", kind)
		}
	}
	s.docs[kind] = append(s.docs[kind], d)
	return nil
}

func (s *MemStore) BatchInsert(ctx context.Context, kind Kind, docs []interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	converted := make([]map[string]interface{}, 0, len(docs))
	for _, doc := range docs {
		converted = append(converted, toDoc(doc))
	}
	for _, d := range converted {
		for _, existing := range s.docs[kind] {
			if naturalKeyConflict(kind, existing, d) {
				return model.StoreFailureError(nil, "batch insert conflicts with existing %s document", kind)
			}
		}
	}
	s.docs[kind] = append(s.docs[kind], converted...)
	if len(converted) != len(docs) {
		return model.StoreFailureError(nil, "batch insert persisted %d of %d documents", len(converted), len(docs))
	}
	return nil
}

func (s *MemStore) Get(ctx context.Context, kind Kind, query Query, out interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, doc := range s.docs[kind] {
		if matches(doc, query) {
			return decodeInto(doc, out)
		}
	}
	return model.NotFoundError("no %s document matches query", kind)
}

func (s *MemStore) List(ctx context.Context, kind Kind, query Query, out interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched []map[string]interface{}
	for _, doc := range s.docs[kind] {
		if matches(doc, query) {
			matched = append(matched, doc)
		}
	}
	return decodeSliceInto(matched, out)
}

func (s *MemStore) Update(ctx context.Context, kind Kind, selector Query, patch Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	found := false
	for _, doc := range s.docs[kind] {
		if matches(doc, selector) {
			found = true
			for k, v := range patch {
				if v == nil {
					delete(doc, k)
				} else {
					doc[k] = v
				}
			}
		}
	}
	if !found {
		return model.NotFoundError("no %s document matches selector", kind)
	}
	return nil
}

func (s *MemStore) Remove(ctx context.Context, kind Kind, query Query) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.docs[kind][:0]
	for _, doc := range s.docs[kind] {
		if !matches(doc, query) {
			kept = append(kept, doc)
		}
	}
	s.docs[kind] = kept
	return nil
}

func (s *MemStore) Close() error { return nil }
