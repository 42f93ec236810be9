package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	_ "github.com/lib/pq"

	"github.com/hockeypuck/keyserver/internal/model"
)

// PgStore is the alternate Store backend, grounded on the teacher's direct
// lib/pq dependency (queilawithaQ-hockeypuck/pq/worker_test.go). Each
// collection is a single table with a JSONB `doc` column, so the same
// equality-predicate Query/Patch contract the Mongo backend exposes can be
// satisfied with a `doc @> $1::jsonb` containment match instead of one
// column per field.
type PgStore struct {
	db *sql.DB
}

// OpenPostgres mirrors the teacher's worker constructor shape
// (NewWorker(connInfo string)); the returned *PgStore implements Store.
func OpenPostgres(connInfo string) (*PgStore, error) {
	db, err := sql.Open("postgres", connInfo)
	if err != nil {
		return nil, model.StoreFailureError(err, "opening postgres connection")
	}
	if err := db.Ping(); err != nil {
		return nil, model.StoreFailureError(err, "pinging postgres")
	}
	s := &PgStore{db: db}
	if err := s.createTables(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PgStore) createTables() error {
	for _, kind := range []Kind{KindKey, KindUserID} {
		stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (id SERIAL PRIMARY KEY, doc JSONB NOT NULL)`, table(kind))
		if _, err := s.db.Exec(stmt); err != nil {
			return model.StoreFailureError(err, "creating table %s", table(kind))
		}
	}
	return nil
}

func table(kind Kind) string {
	switch kind {
	case KindKey:
		return "keys"
	case KindUserID:
		return "user_ids"
	default:
		return string(kind)
	}
}

func (s *PgStore) Insert(ctx context.Context, kind Kind, doc interface{}) error {
	if err := s.checkConflict(ctx, kind, doc); err != nil {
		return err
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return model.InternalError(err, "marshalling %s document", kind)
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s (doc) VALUES ($1)`, table(kind)), b)
	if err != nil {
		return model.StoreFailureError(err, "inserting %s document", kind)
	}
	return nil
}

// checkConflict emulates the natural-key uniqueness a document store gives
// for free, since a JSONB doc column has no native per-collection natural
// key.
func (s *PgStore) checkConflict(ctx context.Context, kind Kind, doc interface{}) error {
	d := toDoc(doc)
	var q Query
	switch kind {
	case KindKey:
		q = Query{"keyId": d["keyId"]}
	case KindUserID:
		q = Query{"keyId": d["keyId"], "email": d["email"]}
	default:
		return nil
	}
	var dummy map[string]interface{}
	err := s.Get(ctx, kind, q, &dummy)
	if err == nil {
		return model.AlreadyExistsError("duplicate %s document", kind)
	}
	if !model.Is(err, model.NotFound) {
		return err
	}
	return nil
}

func (s *PgStore) BatchInsert(ctx context.Context, kind Kind, docs []interface{}) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.StoreFailureError(err, "beginning batch insert transaction")
	}
	inserted := 0
	for _, doc := range docs {
		b, merr := json.Marshal(doc)
		if merr != nil {
			tx.Rollback()
			return model.InternalError(merr, "marshalling %s document", kind)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s (doc) VALUES ($1)`, table(kind)), b); err != nil {
			tx.Rollback()
			return model.StoreFailureError(err, "batch insert persisted %d of %d %s documents", inserted, len(docs), kind)
		}
		inserted++
	}
	if err := tx.Commit(); err != nil {
		return model.StoreFailureError(err, "committing batch insert")
	}
	if inserted != len(docs) {
		return model.StoreFailureError(nil, "batch insert persisted %d of %d %s documents", inserted, len(docs), kind)
	}
	return nil
}

func (s *PgStore) queryRows(ctx context.Context, kind Kind, query Query) (*sql.Rows, error) {
	b, err := json.Marshal(toBsonLikeQuery(query))
	if err != nil {
		return nil, model.InternalError(err, "marshalling query")
	}
	return s.db.QueryContext(ctx, fmt.Sprintf(`SELECT doc FROM %s WHERE doc @> $1::jsonb`, table(kind)), b)
}

// toBsonLikeQuery is a plain passthrough today; it exists as the single
// seam where a future equality operator beyond strict containment (e.g.
// case-insensitive email match) would be translated.
func toBsonLikeQuery(q Query) map[string]interface{} {
	return map[string]interface{}(q)
}

func (s *PgStore) Get(ctx context.Context, kind Kind, query Query, out interface{}) error {
	rows, err := s.queryRows(ctx, kind, query)
	if err != nil {
		return model.StoreFailureError(err, "getting %s document", kind)
	}
	defer rows.Close()
	if !rows.Next() {
		return model.NotFoundError("no %s document matches query", kind)
	}
	var raw []byte
	if err := rows.Scan(&raw); err != nil {
		return model.StoreFailureError(err, "scanning %s document", kind)
	}
	return json.Unmarshal(raw, out)
}

func (s *PgStore) List(ctx context.Context, kind Kind, query Query, out interface{}) error {
	rows, err := s.queryRows(ctx, kind, query)
	if err != nil {
		return model.StoreFailureError(err, "listing %s documents", kind)
	}
	defer rows.Close()
	var all []json.RawMessage
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return model.StoreFailureError(err, "scanning %s document", kind)
		}
		all = append(all, json.RawMessage(raw))
	}
	joined := "[" + joinRaw(all) + "]"
	return json.Unmarshal([]byte(joined), out)
}

func joinRaw(msgs []json.RawMessage) string {
	parts := make([]string, len(msgs))
	for i, m := range msgs {
		parts[i] = string(m)
	}
	return strings.Join(parts, ",")
}

func (s *PgStore) Update(ctx context.Context, kind Kind, selector Query, patch Patch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.StoreFailureError(err, "beginning update transaction")
	}
	b, err := json.Marshal(toBsonLikeQuery(selector))
	if err != nil {
		tx.Rollback()
		return model.InternalError(err, "marshalling selector")
	}
	rows, err := tx.QueryContext(ctx, fmt.Sprintf(`SELECT id, doc FROM %s WHERE doc @> $1::jsonb FOR UPDATE`, table(kind)), b)
	if err != nil {
		tx.Rollback()
		return model.StoreFailureError(err, "selecting %s documents for update", kind)
	}
	type row struct {
		id  int64
		doc map[string]interface{}
	}
	var matched []row
	for rows.Next() {
		var id int64
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			rows.Close()
			tx.Rollback()
			return model.StoreFailureError(err, "scanning %s document", kind)
		}
		var doc map[string]interface{}
		if err := json.Unmarshal(raw, &doc); err != nil {
			rows.Close()
			tx.Rollback()
			return model.InternalError(err, "decoding %s document", kind)
		}
		matched = append(matched, row{id: id, doc: doc})
	}
	rows.Close()
	if len(matched) == 0 {
		tx.Rollback()
		return model.NotFoundError("no %s document matches selector", kind)
	}
	for _, r := range matched {
		for k, v := range patch {
			if v == nil {
				delete(r.doc, k)
			} else {
				r.doc[k] = v
			}
		}
		nb, err := json.Marshal(r.doc)
		if err != nil {
			tx.Rollback()
			return model.InternalError(err, "marshalling updated %s document", kind)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET doc = $1 WHERE id = $2`, table(kind)), nb, r.id); err != nil {
			tx.Rollback()
			return model.StoreFailureError(err, "applying update to %s document", kind)
		}
	}
	if err := tx.Commit(); err != nil {
		return model.StoreFailureError(err, "committing update")
	}
	return nil
}

func (s *PgStore) Remove(ctx context.Context, kind Kind, query Query) error {
	b, err := json.Marshal(toBsonLikeQuery(query))
	if err != nil {
		return model.InternalError(err, "marshalling query")
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE doc @> $1::jsonb`, table(kind)), b)
	if err != nil {
		return model.StoreFailureError(err, "removing %s documents", kind)
	}
	return nil
}

func (s *PgStore) Close() error {
	return s.db.Close()
}
