package keysvc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hockeypuck/keyserver/internal/model"
	"github.com/hockeypuck/keyserver/internal/store"
)

// TestPurgeUnverifiedAgesOffSubmittedNotCreated guards against aging a key
// off its own cryptographic Created timestamp: a key whose certificate
// claims a decade-old creation time but was submitted moments ago must
// survive a purge sweep, while a key submitted long ago with a recent
// Created time must not.
func TestPurgeUnverifiedAgesOffSubmittedNotCreated(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestKeyService()

	seedKey(t, svc, "CRYPTOOLD", "old-cert@x.test")
	require.NoError(t, svc.Store.Update(ctx, store.KindKey, store.Query{"keyId": "CRYPTOOLD"},
		store.Patch{"created": time.Now().Add(-10 * 365 * 24 * time.Hour)}))

	seedKey(t, svc, "STALESUB", "stale-sub@x.test")
	require.NoError(t, svc.Store.Update(ctx, store.KindKey, store.Query{"keyId": "STALESUB"},
		store.Patch{"submitted": time.Now().Add(-100 * 24 * time.Hour)}))

	purged, err := svc.PurgeUnverified(ctx, time.Now().Add(-30*24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, purged)

	var survivor model.KeyRecord
	require.NoError(t, svc.Store.Get(ctx, store.KindKey, store.Query{"keyId": "CRYPTOOLD"}, &survivor))

	var gone model.KeyRecord
	err = svc.Store.Get(ctx, store.KindKey, store.Query{"keyId": "STALESUB"}, &gone)
	require.True(t, model.Is(err, model.NotFound))
}

func TestPurgeUnverifiedOnlyRemovesOldUnverifiedKeys(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestKeyService()

	seedKey(t, svc, "OLD1", "old@x.test")
	seedKey(t, svc, "NEW1", "new@x.test")
	verifiedOld := seedKey(t, svc, "OLD2", "v@x.test")

	require.NoError(t, svc.Store.Update(ctx, store.KindKey, store.Query{"keyId": "OLD1"}, store.Patch{"submitted": time.Now().Add(-100 * 24 * time.Hour)}))
	require.NoError(t, svc.Store.Update(ctx, store.KindKey, store.Query{"keyId": "OLD2"}, store.Patch{"submitted": time.Now().Add(-100 * 24 * time.Hour)}))
	_, err := svc.Verify(ctx, VerifyInput{KeyID: "OLD2", Nonce: verifiedOld[0].Nonce})
	require.NoError(t, err)

	purged, err := svc.PurgeUnverified(ctx, time.Now().Add(-30*24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, purged)

	var gone model.KeyRecord
	err = svc.Store.Get(ctx, store.KindKey, store.Query{"keyId": "OLD1"}, &gone)
	require.True(t, model.Is(err, model.NotFound))

	var stillThere model.KeyRecord
	require.NoError(t, svc.Store.Get(ctx, store.KindKey, store.Query{"keyId": "NEW1"}, &stillThere))
	require.NoError(t, svc.Store.Get(ctx, store.KindKey, store.Query{"keyId": "OLD2"}, &stillThere))
}
