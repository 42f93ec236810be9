package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/hockeypuck/keyserver/internal/keysvc"
	"github.com/hockeypuck/keyserver/internal/mailer"
	"github.com/hockeypuck/keyserver/internal/model"
	"github.com/hockeypuck/keyserver/internal/store"
	"github.com/hockeypuck/keyserver/internal/useridsvc"
)

type noopMailer struct{}

func (noopMailer) Send(mailer.Message) error { return nil }

func newTestAPI(t *testing.T) (*API, *keysvc.Service) {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	s := store.NewMemStore()
	u := useridsvc.New(s, log)
	svc := keysvc.New(s, u, noopMailer{}, log)
	return New(svc, nil, log, nil), svc
}

func seedVerified(t *testing.T, svc *keysvc.Service, keyID, email string) {
	t.Helper()
	ctx := context.Background()
	rec := model.KeyRecord{KeyID: keyID, Fingerprint: "FP" + keyID, Algorithm: model.AlgorithmRSA, KeySize: 4096, Armored: "ARMORED:" + keyID}
	require.NoError(t, svc.Store.Insert(ctx, store.KindKey, rec))
	bindings, err := svc.UserIDs.Batch(ctx, useridsvc.BatchInput{KeyID: keyID, Bindings: []model.UserIdBinding{{Email: email}}})
	require.NoError(t, err)
	_, err = svc.Verify(ctx, keysvc.VerifyInput{KeyID: keyID, Nonce: bindings[0].Nonce})
	require.NoError(t, err)
}

func TestRestSubmitRejectsGarbage(t *testing.T) {
	api, _ := newTestAPI(t)
	router := api.Router()

	body := strings.NewReader(`{"publicKeyArmored":"not a key"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/key", body)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRestGetByKeyIDReturnsOnlyVerified(t *testing.T) {
	api, svc := newTestAPI(t)
	seedVerified(t, svc, "ABCDEF0123456789", "alice@example.test")
	router := api.Router()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/key?keyId=ABCDEF0123456789", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var view model.KeyView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	require.Equal(t, "ABCDEF0123456789", view.KeyID)
	require.Len(t, view.UserIds, 1)
	require.True(t, view.UserIds[0].Verified)
}

func TestRestGetUnknownKeyIsNotFound(t *testing.T) {
	api, _ := newTestAPI(t)
	router := api.Router()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/key?keyId=NOSUCHKEY", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHKPLookupGetReturnsArmoredBody(t *testing.T) {
	api, svc := newTestAPI(t)
	seedVerified(t, svc, "FEDCBA9876543210", "bob@example.test")
	router := api.Router()

	req := httptest.NewRequest(http.MethodGet, "/pks/lookup?op=get&search=0xFEDCBA9876543210", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ARMORED:FEDCBA9876543210", rec.Body.String())
}

func TestHKPLookupIndexListsUserIds(t *testing.T) {
	api, svc := newTestAPI(t)
	seedVerified(t, svc, "1111222233334444", "carol@example.test")
	router := api.Router()

	req := httptest.NewRequest(http.MethodGet, "/pks/lookup?op=index&search=0x1111222233334444", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "pub:FP1111222233334444")
	require.Contains(t, rec.Body.String(), "carol%40example.test")
}

func TestHKPAddFormSubmission(t *testing.T) {
	api, _ := newTestAPI(t)
	router := api.Router()

	form := url.Values{}
	// garbage armor is enough to exercise the 400 path without a real fixture.
	form.Set("keytext", "not a key")
	req := httptest.NewRequest(http.MethodPost, "/pks/add", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitFormRendersCSRFToken(t *testing.T) {
	api, _ := newTestAPI(t)
	router := api.Router()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "csrf_token")
}

func TestLocaleFromAcceptLanguage(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Accept-Language", "de-DE,de;q=0.9,en;q=0.8")
	require.Equal(t, "de", localeFrom(req))
}
