package store

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	lru "github.com/hashicorp/golang-lru"

	"github.com/hockeypuck/keyserver/internal/model"
)

// MongoStore is the production Store backend, configured via
// `mongo.uri`/`mongo.user`/`mongo.pass`. Documents map 1:1 onto
// model.KeyRecord / model.UserIdBinding via their bson tags.
//
// Reads for KindKey go through a small LRU cache keyed by a canonical
// query string; every write to KindKey invalidates the whole cache. This
// cache lives here, not in KeyService, which holds no caches of its own —
// it is purely a store-level read optimization and must never be allowed
// to return a document that has since been mutated or deleted.
type MongoStore struct {
	db    *mongo.Database
	cache *lru.Cache
}

const mongoCacheSize = 4096

// Dial connects to the configured Mongo deployment. ctx governs only the
// initial connection handshake.
func Dial(ctx context.Context, uri, dbName string) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, model.StoreFailureError(err, "connecting to mongo")
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, model.StoreFailureError(err, "pinging mongo")
	}
	cache, err := lru.New(mongoCacheSize)
	if err != nil {
		return nil, model.InternalError(err, "allocating store cache")
	}
	return &MongoStore{db: client.Database(dbName), cache: cache}, nil
}

func (s *MongoStore) collection(kind Kind) *mongo.Collection {
	return s.db.Collection(string(kind))
}

func (s *MongoStore) Insert(ctx context.Context, kind Kind, doc interface{}) error {
	_, err := s.collection(kind).InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		return model.AlreadyExistsError("duplicate %s document", kind)
	}
	if err != nil {
		return model.StoreFailureError(err, "inserting %s document", kind)
	}
	s.invalidate(kind)
	return nil
}

func (s *MongoStore) BatchInsert(ctx context.Context, kind Kind, docs []interface{}) error {
	if len(docs) == 0 {
		return nil
	}
	res, err := s.collection(kind).InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	inserted := 0
	if res != nil {
		inserted = len(res.InsertedIDs)
	}
	s.invalidate(kind)
	if err != nil || inserted != len(docs) {
		return model.StoreFailureError(err, "batch insert persisted %d of %d %s documents", inserted, len(docs), kind)
	}
	return nil
}

func (s *MongoStore) Get(ctx context.Context, kind Kind, query Query, out interface{}) error {
	key := cacheKey(kind, query)
	if kind == KindKey {
		if cached, ok := s.cache.Get(key); ok {
			return bson.Unmarshal(cached.(bson.Raw), out)
		}
	}
	raw, err := s.collection(kind).FindOne(ctx, bson.M(query)).Raw()
	if err == mongo.ErrNoDocuments {
		return model.NotFoundError("no %s document matches query", kind)
	}
	if err != nil {
		return model.StoreFailureError(err, "getting %s document", kind)
	}
	if kind == KindKey {
		s.cache.Add(key, raw)
	}
	return bson.Unmarshal(raw, out)
}

func (s *MongoStore) List(ctx context.Context, kind Kind, query Query, out interface{}) error {
	cur, err := s.collection(kind).Find(ctx, bson.M(query))
	if err != nil {
		return model.StoreFailureError(err, "listing %s documents", kind)
	}
	defer cur.Close(ctx)
	if err := cur.All(ctx, out); err != nil {
		return model.StoreFailureError(err, "decoding %s documents", kind)
	}
	return nil
}

func (s *MongoStore) Update(ctx context.Context, kind Kind, selector Query, patch Patch) error {
	res, err := s.collection(kind).UpdateMany(ctx, bson.M(selector), bson.M{"$set": bson.M(patch)})
	if err != nil {
		return model.StoreFailureError(err, "updating %s documents", kind)
	}
	s.invalidate(kind)
	if res.MatchedCount == 0 {
		return model.NotFoundError("no %s document matches selector", kind)
	}
	return nil
}

func (s *MongoStore) Remove(ctx context.Context, kind Kind, query Query) error {
	_, err := s.collection(kind).DeleteMany(ctx, bson.M(query))
	s.invalidate(kind)
	if err != nil {
		return model.StoreFailureError(err, "removing %s documents", kind)
	}
	return nil
}

func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.db.Client().Disconnect(ctx)
}

func (s *MongoStore) invalidate(kind Kind) {
	if kind == KindKey {
		s.cache.Purge()
	}
}

func cacheKey(kind Kind, query Query) string {
	b, _ := bson.Marshal(bson.M(query))
	return string(kind) + ":" + string(b)
}
