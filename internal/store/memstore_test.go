package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hockeypuck/keyserver/internal/model"
)

func TestMemStoreInsertAndGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	rec := model.KeyRecord{KeyID: "ABCD1234ABCD1234", Fingerprint: "FFFFABCD1234ABCD1234"}
	require.NoError(t, s.Insert(ctx, KindKey, rec))

	var out model.KeyRecord
	require.NoError(t, s.Get(ctx, KindKey, Query{"keyId": "ABCD1234ABCD1234"}, &out))
	require.Equal(t, rec.Fingerprint, out.Fingerprint)

	err := s.Insert(ctx, KindKey, rec)
	require.Error(t, err)
	require.True(t, model.Is(err, model.AlreadyExists))
}

func TestMemStoreGetNotFound(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	var out model.KeyRecord
	err := s.Get(ctx, KindKey, Query{"keyId": "NOPE"}, &out)
	require.True(t, model.Is(err, model.NotFound))
}

func TestMemStoreBatchInsertAllOrNothing(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	b1 := model.UserIdBinding{KeyID: "K1", Email: "a@x.test"}
	b2 := model.UserIdBinding{KeyID: "K1", Email: "a@x.test"} // duplicate natural key
	err := s.BatchInsert(ctx, KindUserID, []interface{}{b1, b2})
	require.Error(t, err)
	require.True(t, model.Is(err, model.StoreFailure))

	var all []model.UserIdBinding
	require.NoError(t, s.List(ctx, KindUserID, Query{"keyId": "K1"}, &all))
	require.Empty(t, all)
}

func TestMemStoreUpdateAndRemove(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	b := model.UserIdBinding{KeyID: "K1", Email: "a@x.test", Nonce: "n1", Verified: false}
	require.NoError(t, s.Insert(ctx, KindUserID, b))

	err := s.Update(ctx, KindUserID, Query{"keyId": "K1", "nonce": "nope"}, Patch{"verified": true})
	require.True(t, model.Is(err, model.NotFound))

	require.NoError(t, s.Update(ctx, KindUserID, Query{"keyId": "K1", "nonce": "n1"}, Patch{"verified": true, "nonce": nil}))

	var out model.UserIdBinding
	require.NoError(t, s.Get(ctx, KindUserID, Query{"keyId": "K1"}, &out))
	require.True(t, out.Verified)
	require.Empty(t, out.Nonce)

	require.NoError(t, s.Remove(ctx, KindUserID, Query{"keyId": "K1"}))
	err = s.Get(ctx, KindUserID, Query{"keyId": "K1"}, &out)
	require.True(t, model.Is(err, model.NotFound))
}
