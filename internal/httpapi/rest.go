package httpapi

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/julienschmidt/httprouter"

	"github.com/hockeypuck/keyserver/internal/keysvc"
)

const maxBodyBytes = 1 << 20 // 1MiB; comfortably above any real public key

type submitBody struct {
	PublicKeyArmored string `json:"publicKeyArmored"`
}

// restSubmit implements POST /api/v1/key.
func (a *API) restSubmit(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var body submitBody
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&body); err != nil {
		http.Error(w, "malformed JSON body", http.StatusBadRequest)
		return
	}
	if body.PublicKeyArmored == "" {
		http.Error(w, "publicKeyArmored is required", http.StatusBadRequest)
		return
	}

	ctx, cancel := withTimeout(r)
	defer cancel()

	_, err := a.Keys.Submit(ctx, keysvc.SubmitInput{
		Armored: body.PublicKeyArmored,
		Origin:  originFrom(r),
		Locale:  localeFrom(r),
	})
	if a.Metrics != nil {
		a.observe(a.Metrics.SubmitTotal, err)
	}
	if err != nil {
		writeError(w, a.Log, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// restKeyGet implements every GET /api/v1/key variant: the two verification
// callbacks (op=verify, op=verifyRemove) and the plain key lookup by
// keyId/fingerprint/email.
func (a *API) restKeyGet(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	q := r.URL.Query()

	ctx, cancel := withTimeout(r)
	defer cancel()

	switch q.Get("op") {
	case "verify":
		binding, err := a.Keys.Verify(ctx, keysvc.VerifyInput{KeyID: q.Get("keyId"), Nonce: q.Get("nonce")})
		if a.Metrics != nil {
			a.observe(a.Metrics.VerifyTotal, err)
		}
		if err != nil {
			writeError(w, a.Log, err)
			return
		}
		renderConfirmation(w, localeFrom(r), "verify", binding.Email)
		return
	case "verifyRemove":
		if err := a.Keys.VerifyRemove(ctx, keysvc.VerifyRemoveInput{KeyID: q.Get("keyId"), Nonce: q.Get("nonce")}); err != nil {
			writeError(w, a.Log, err)
			return
		}
		renderConfirmation(w, localeFrom(r), "verifyRemove", "")
		return
	}

	view, err := a.Keys.Get(ctx, keysvc.GetInput{
		KeyID:       q.Get("keyId"),
		Fingerprint: q.Get("fingerprint"),
		Email:       q.Get("email"),
	})
	if err != nil {
		writeError(w, a.Log, err)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(view)
}

// restKeyDelete implements DELETE /api/v1/key.
func (a *API) restKeyDelete(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	q := r.URL.Query()

	ctx, cancel := withTimeout(r)
	defer cancel()

	err := a.Keys.RequestRemove(ctx, keysvc.RequestRemoveInput{
		KeyID:  q.Get("keyId"),
		Email:  q.Get("email"),
		Origin: originFrom(r),
		Locale: localeFrom(r),
	})
	if err != nil {
		writeError(w, a.Log, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
