// Package store defines the typed document-store interface the rest of the
// key-lifecycle engine is built on, plus three implementations: mongostore
// (production, configured via the `mongo.*` settings), pgstore (alternate
// backend over lib/pq) and memstore (in-process, for tests).
package store

import "context"

// Kind names one of the two logical collections.
type Kind string

const (
	KindKey    Kind = "key"
	KindUserID Kind = "userid"
)

// Query is an equality-predicate map: every key must match exactly for a
// document to be selected. Implementations translate it to their native
// filter representation (bson.M for Mongo, a WHERE clause over JSONB
// columns for Postgres).
type Query map[string]interface{}

// Patch is the set of fields an Update call assigns; fields absent from the
// map are left untouched.
type Patch map[string]interface{}

// Store is implemented by every backend. All methods take a context so a
// request's ambient deadline governs how long a store call may block.
type Store interface {
	// Insert fails with a model.AlreadyExists-kind error if a natural-key
	// conflict exists (keyId for KindKey, (keyId,email) for KindUserID).
	Insert(ctx context.Context, kind Kind, doc interface{}) error

	// BatchInsert is all-or-nothing by count: if the number of documents
	// persisted does not equal len(docs), it returns a model.StoreFailure
	// error and the caller must compensate.
	BatchInsert(ctx context.Context, kind Kind, docs []interface{}) error

	// Get returns at most one document matching query, decoded into out
	// (a pointer). Returns model.NotFound if nothing matches.
	Get(ctx context.Context, kind Kind, query Query, out interface{}) error

	// List returns every document matching query, decoded into out (a
	// pointer to a slice).
	List(ctx context.Context, kind Kind, query Query, out interface{}) error

	// Update applies patch to every document selected by selector in a
	// single atomic operation. Returns model.NotFound if selector matches
	// nothing.
	Update(ctx context.Context, kind Kind, selector Query, patch Patch) error

	// Remove deletes every document matching query. Idempotent: removing
	// zero documents is not an error.
	Remove(ctx context.Context, kind Kind, query Query) error

	Close() error
}
