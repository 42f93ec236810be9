package mailer

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hockeypuck/keyserver/internal/model"
)

type fakeTransport struct {
	to, subject, body string
	err               error
}

func (f *fakeTransport) Send(to, subject, body string) error {
	f.to, f.subject, f.body = to, subject, body
	return f.err
}

func TestSendRendersVerifyURL(t *testing.T) {
	ft := &fakeTransport{}
	m, err := New(ft)
	require.NoError(t, err)

	err = m.Send(Message{
		Template:  TemplateVerifyKey,
		Locale:    "en",
		Email:     "a@x.test",
		KeyID:     "ABCD1234ABCD1234",
		Nonce:     "the-nonce",
		OriginURL: "https://keys.example.test",
	})
	require.NoError(t, err)
	require.Equal(t, "a@x.test", ft.to)
	require.Contains(t, ft.body, "https://keys.example.test/api/v1/key?op=verify&keyId=ABCD1234ABCD1234&nonce=the-nonce")
}

func TestSendVerifyRemoveURL(t *testing.T) {
	ft := &fakeTransport{}
	m, err := New(ft)
	require.NoError(t, err)

	err = m.Send(Message{
		Template:  TemplateVerifyRemove,
		Locale:    "de",
		Email:     "a@x.test",
		KeyID:     "ABCD1234ABCD1234",
		Nonce:     "the-nonce",
		OriginURL: "https://keys.example.test",
	})
	require.NoError(t, err)
	require.Contains(t, ft.body, "op=verifyRemove")
}

func TestSendFallsBackToDefaultLocale(t *testing.T) {
	ft := &fakeTransport{}
	m, err := New(ft)
	require.NoError(t, err)

	err = m.Send(Message{Template: TemplateVerifyKey, Locale: "fr", Email: "a@x.test", KeyID: "K", Nonce: "n", OriginURL: "https://x.test"})
	require.NoError(t, err)
	require.Contains(t, ft.body, "confirm it") // english fallback text
}

func TestSendTransportErrorIsMailerFailure(t *testing.T) {
	ft := &fakeTransport{err: assertErr{}}
	m, err := New(ft)
	require.NoError(t, err)

	err = m.Send(Message{Template: TemplateVerifyKey, Locale: "en", Email: "a@x.test", KeyID: "K", Nonce: "n", OriginURL: "https://x.test"})
	require.True(t, model.Is(err, model.MailerFailure))
}

type assertErr struct{}

func (assertErr) Error() string { return "smtp down" }
