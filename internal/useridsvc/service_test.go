package useridsvc

import (
	"context"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/hockeypuck/keyserver/internal/model"
	"github.com/hockeypuck/keyserver/internal/store"
)

func newTestService() *Service {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return New(store.NewMemStore(), log)
}

func TestBatchIssuesDistinctNonces(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()

	out, err := svc.Batch(ctx, BatchInput{
		KeyID: "KEY1",
		Bindings: []model.UserIdBinding{
			{Email: "a@x.test", Name: "Alice"},
			{Email: "a.alt@x.test", Name: "Alice Alt"},
		},
	})
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.NotEmpty(t, out[0].Nonce)
	require.NotEmpty(t, out[1].Nonce)
	require.NotEqual(t, out[0].Nonce, out[1].Nonce)
	require.False(t, out[0].Verified)
}

func TestVerifyThenReverifySameNonceFails(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()

	out, err := svc.Batch(ctx, BatchInput{
		KeyID:    "KEY1",
		Bindings: []model.UserIdBinding{{Email: "a@x.test"}},
	})
	require.NoError(t, err)
	nonce := out[0].Nonce

	b, err := svc.Verify(ctx, VerifyInput{KeyID: "KEY1", Nonce: nonce})
	require.NoError(t, err)
	require.True(t, b.Verified)
	require.Empty(t, b.Nonce)

	_, err = svc.Verify(ctx, VerifyInput{KeyID: "KEY1", Nonce: nonce})
	require.True(t, model.Is(err, model.NotFound))
}

func TestI3NewestVerificationWins(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()

	b1, err := svc.Batch(ctx, BatchInput{KeyID: "KEY1", Bindings: []model.UserIdBinding{{Email: "a@x.test"}}})
	require.NoError(t, err)
	b2, err := svc.Batch(ctx, BatchInput{KeyID: "KEY2", Bindings: []model.UserIdBinding{{Email: "a@x.test"}}})
	require.NoError(t, err)

	_, err = svc.Verify(ctx, VerifyInput{KeyID: "KEY1", Nonce: b1[0].Nonce})
	require.NoError(t, err)

	var key1Binding model.UserIdBinding
	require.NoError(t, svc.Store.Get(ctx, store.KindUserID, store.Query{"keyId": "KEY1"}, &key1Binding))
	require.True(t, key1Binding.Verified)

	// KEY2's verification should clear KEY1's: newest verification wins.
	_, err = svc.Verify(ctx, VerifyInput{KeyID: "KEY2", Nonce: b2[0].Nonce})
	require.NoError(t, err)

	require.NoError(t, svc.Store.Get(ctx, store.KindUserID, store.Query{"keyId": "KEY1"}, &key1Binding))
	require.False(t, key1Binding.Verified)

	var key2Binding model.UserIdBinding
	require.NoError(t, svc.Store.Get(ctx, store.KindUserID, store.Query{"keyId": "KEY2"}, &key2Binding))
	require.True(t, key2Binding.Verified)

	v, err := svc.GetVerified(ctx, GetVerifiedInput{Emails: []string{"a@x.test"}})
	require.NoError(t, err)
	require.Equal(t, "KEY2", v.KeyID)
}

func TestReissueClearsVerifiedAndRotatesNonce(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()

	out, err := svc.Batch(ctx, BatchInput{KeyID: "KEY1", Bindings: []model.UserIdBinding{{Email: "a@x.test"}}})
	require.NoError(t, err)
	_, err = svc.Verify(ctx, VerifyInput{KeyID: "KEY1", Nonce: out[0].Nonce})
	require.NoError(t, err)

	reissued, err := svc.Reissue(ctx, "KEY1")
	require.NoError(t, err)
	require.Len(t, reissued, 1)
	require.False(t, reissued[0].Verified)
	require.NotEqual(t, out[0].Nonce, reissued[0].Nonce)

	_, err = svc.GetVerified(ctx, GetVerifiedInput{KeyID: "KEY1"})
	require.True(t, model.Is(err, model.NotFound))
}
