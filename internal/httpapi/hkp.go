package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/julienschmidt/httprouter"

	"github.com/hockeypuck/keyserver/internal/keysvc"
	"github.com/hockeypuck/keyserver/internal/model"
	"github.com/hockeypuck/keyserver/internal/store"
)

// hkpLookup implements GET /pks/lookup: op=get returns the armored
// certificate verbatim, op=index renders the HKP index format.
func (a *API) hkpLookup(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	op := r.URL.Query().Get("op")
	search := r.URL.Query().Get("search")
	if search == "" {
		http.Error(w, "search is required", http.StatusBadRequest)
		return
	}

	ctx, cancel := withTimeout(r)
	defer cancel()

	views, err := a.resolveSearch(ctx, search)
	if err != nil {
		writeError(w, a.Log, err)
		return
	}
	if len(views) == 0 {
		http.Error(w, "No results found", http.StatusNotFound)
		return
	}

	switch op {
	case "index":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		writeHKPIndex(w, views)
	case "get", "":
		if len(views) > 1 && a.Log != nil {
			a.Log.WithField("search", search).WithField("matches", len(views)).Warn("ambiguous key id search, serving the first match")
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprint(w, views[0].Armored)
	default:
		http.Error(w, "unsupported op", http.StatusBadRequest)
	}
}

// resolveSearch implements the `0x<fingerprint>`, `0x<keyId>` and email
// forms of HKP's `search` parameter. A key id search may be ambiguous (8 or
// 16 hex chars resolved through the key index); every match is returned so
// op=index can list them all, while op=get uses the first.
func (a *API) resolveSearch(ctx context.Context, search string) ([]*model.KeyView, error) {
	if strings.HasPrefix(search, "0x") {
		hex := strings.ToUpper(strings.TrimPrefix(search, "0x"))
		switch len(hex) {
		case 40:
			view, err := a.Keys.Get(ctx, keysvc.GetInput{Fingerprint: hex})
			return firstOrNotFound(view, err)
		case 16, 8:
			return a.resolveByShortID(ctx, hex)
		default:
			view, err := a.Keys.Get(ctx, keysvc.GetInput{KeyID: hex})
			return firstOrNotFound(view, err)
		}
	}
	view, err := a.Keys.Get(ctx, keysvc.GetInput{Email: search})
	return firstOrNotFound(view, err)
}

func firstOrNotFound(view *model.KeyView, err error) ([]*model.KeyView, error) {
	if model.Is(err, model.NotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return []*model.KeyView{view}, nil
}

func (a *API) resolveByShortID(ctx context.Context, shortID string) ([]*model.KeyView, error) {
	var candidates []string
	if a.Index != nil {
		ids, err := a.Index.Resolve(shortID)
		if err == nil {
			candidates = ids
		} else if a.Log != nil {
			a.Log.WithError(err).Warn("key index lookup failed, falling back to direct match")
		}
	}
	if len(candidates) == 0 {
		var recs []model.KeyRecord
		if err := a.Keys.Store.List(ctx, store.KindKey, store.Query{}, &recs); err != nil {
			return nil, err
		}
		for _, rec := range recs {
			if strings.HasSuffix(rec.KeyID, shortID) {
				candidates = append(candidates, rec.KeyID)
			}
		}
	}

	var views []*model.KeyView
	for _, id := range candidates {
		view, err := a.Keys.Get(ctx, keysvc.GetInput{KeyID: id})
		if model.Is(err, model.NotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		views = append(views, view)
	}
	return views, nil
}

// writeHKPIndex renders the machine-readable index format: one info/pub/uid
// block set per key, colon-delimited fields per the HKP index draft.
func writeHKPIndex(w http.ResponseWriter, views []*model.KeyView) {
	fmt.Fprintf(w, "info:1:%d\n", len(views))
	for _, v := range views {
		fmt.Fprintf(w, "pub:%s:%d:%d:%d::\n",
			v.Fingerprint, algorithmNumber(v.Algorithm), v.KeySize, v.Created.Unix())
		for _, uid := range v.UserIds {
			label := uid.Name
			if uid.Email != "" {
				label = strings.TrimSpace(label + " <" + uid.Email + ">")
			}
			fmt.Fprintf(w, "uid:%s:%d::\n", url.QueryEscape(label), v.Created.Unix())
		}
	}
}

// algorithmNumber maps model.Algorithm to the RFC 4880 public-key algorithm
// id the HKP index format expects. Unknown algorithms report 0, which HKP
// clients treat as "unspecified" rather than rejecting the line.
func algorithmNumber(alg model.Algorithm) int {
	switch alg {
	case model.AlgorithmRSA:
		return 1
	case model.AlgorithmECDSA:
		return 19
	case model.AlgorithmEdDSA:
		return 22
	default:
		return 0
	}
}

// hkpAdd implements POST /pks/add: a urlencoded `keytext` form field
// carrying the armored certificate.
func (a *API) hkpAdd(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "malformed form body", http.StatusBadRequest)
		return
	}
	keytext := r.FormValue("keytext")
	if keytext == "" {
		http.Error(w, "keytext is required", http.StatusBadRequest)
		return
	}

	ctx, cancel := withTimeout(r)
	defer cancel()

	_, err := a.Keys.Submit(ctx, keysvc.SubmitInput{
		Armored: keytext,
		Origin:  originFrom(r),
		Locale:  localeFrom(r),
	})
	if a.Metrics != nil {
		a.observe(a.Metrics.SubmitTotal, err)
	}
	switch {
	case err == nil:
		w.WriteHeader(http.StatusCreated)
	case model.Is(err, model.AlreadyExists):
		w.WriteHeader(http.StatusNotModified)
	default:
		writeError(w, a.Log, err)
	}
}
