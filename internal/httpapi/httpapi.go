// Package httpapi adapts KeyService onto two wire dialects: the HKP surface
// (GET /pks/lookup, POST /pks/add) and a JSON REST surface under /api/v1.
// Neither adapter holds any state beyond its collaborators; every fact is
// read from or written through keysvc.Service.
package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/justinas/nosurf"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/hockeypuck/keyserver/internal/keysvc"
	"github.com/hockeypuck/keyserver/internal/metrics"
	"github.com/hockeypuck/keyserver/internal/model"
	"github.com/hockeypuck/keyserver/internal/store/keyindex"
)

// requestTimeout bounds how long any single handler may block on KeyService
// when the inbound request carries no deadline of its own.
const requestTimeout = 30 * time.Second

// KeyIndex resolves an HKP short key id (8 or 16 hex chars) to the full key
// ids it might refer to. Optional: with a nil Index, or when it has no entry
// for the id, short-id lookups scan the stored key records for a key id
// ending in the short id.
type KeyIndex interface {
	Resolve(shortID string) ([]string, error)
}

// API bundles the adapters' shared dependencies.
type API struct {
	Keys    *keysvc.Service
	Index   KeyIndex
	Log     *logrus.Logger
	Metrics *metrics.Metrics
}

// New builds an API. idx and m may both be nil: a nil Index just falls back
// to scanning the key records, and a nil Metrics skips recording outcomes
// instead of panicking. m is a constructor argument rather than built here
// because promauto registers against the global registry on construction —
// callers that build more than one API (as the test suite does) must share
// a single *metrics.Metrics or skip metrics entirely.
func New(keys *keysvc.Service, idx *keyindex.Index, log *logrus.Logger, m *metrics.Metrics) *API {
	var ki KeyIndex
	if idx != nil {
		ki = idx
	}
	return &API{Keys: keys, Index: ki, Log: log, Metrics: m}
}

// Router builds the full httprouter.Router: HKP routes, REST routes and the
// browser submission form. Wrap the result in the middleware chain
// (NewServer) before serving it.
func (a *API) Router() *httprouter.Router {
	r := httprouter.New()

	r.GET("/pks/lookup", a.hkpLookup)
	r.POST("/pks/add", a.hkpAdd)

	r.POST("/api/v1/key", a.restSubmit)
	r.GET("/api/v1/key", a.restKeyGet)
	r.DELETE("/api/v1/key", a.restKeyDelete)

	// The browser form is the only surface that carries cookie-based CSRF
	// protection: REST and HKP clients are not browsers and never send the
	// token nosurf expects.
	r.Handler(http.MethodGet, "/", nosurf.New(http.HandlerFunc(a.submitForm)))
	r.Handler(http.MethodPost, "/", nosurf.New(http.HandlerFunc(a.submitFormPost)))

	r.Handler(http.MethodGet, "/metrics", promhttp.Handler())

	r.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	})
	return r
}

// observe records an operation's outcome (the ServiceError taxonomy
// collapsed to "ok" or the error's type name) against the named counter
// vector. A nil Metrics (as in tests that don't care about observability)
// makes this a no-op.
func (a *API) observe(counter *prometheus.CounterVec, err error) {
	if a.Metrics == nil || counter == nil {
		return
	}
	outcome := "ok"
	if se, ok := err.(*model.ServiceError); ok {
		outcome = errorTypeName(se.Type)
	} else if err != nil {
		outcome = "internal"
	}
	counter.WithLabelValues(outcome).Inc()
}

func errorTypeName(t model.ErrorType) string {
	switch t {
	case model.InvalidArmor:
		return "invalid_armor"
	case model.InvalidCertificate:
		return "invalid_certificate"
	case model.KeyTooShort:
		return "key_too_short"
	case model.NoUserIds:
		return "no_user_ids"
	case model.MalformedQuery:
		return "malformed_query"
	case model.NotFound:
		return "not_found"
	case model.AlreadyExists:
		return "already_exists"
	case model.StoreFailure:
		return "store_failure"
	case model.MailerFailure:
		return "mailer_failure"
	default:
		return "internal"
	}
}

func withTimeout(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), requestTimeout)
}

// localeFrom picks the first Accept-Language tag, stripped of quality and
// region, so "de-DE,de;q=0.9,en;q=0.8" resolves to "de". Emails are
// selected by this locale, falling back to en.
func localeFrom(r *http.Request) string {
	h := r.Header.Get("Accept-Language")
	if h == "" {
		return ""
	}
	first := strings.Split(h, ",")[0]
	first = strings.Split(first, ";")[0]
	first = strings.Split(first, "-")[0]
	return strings.TrimSpace(first)
}

// originFrom builds the base URL challenge emails link back to.
func originFrom(r *http.Request) string {
	scheme := "https"
	if r.TLS == nil && r.Header.Get("X-Forwarded-Proto") != "https" {
		scheme = "http"
	}
	return scheme + "://" + r.Host
}

// writeError maps a model.ServiceError onto an HTTP status code and plain
// text body: typed failures come out of domain logic, adapters own the
// HTTP mapping.
func writeError(w http.ResponseWriter, log *logrus.Logger, err error) {
	status := http.StatusInternalServerError
	msg := "internal error"

	se, ok := err.(*model.ServiceError)
	if !ok {
		if log != nil {
			log.WithError(err).Error("unmapped error reached httpapi")
		}
		http.Error(w, msg, status)
		return
	}

	switch se.Type {
	case model.InvalidArmor, model.InvalidCertificate, model.KeyTooShort, model.NoUserIds, model.MalformedQuery:
		status, msg = http.StatusBadRequest, se.Detail
	case model.NotFound:
		status, msg = http.StatusNotFound, "not found"
	case model.AlreadyExists:
		status, msg = http.StatusNotModified, ""
	case model.StoreFailure, model.MailerFailure, model.Internal:
		status = http.StatusInternalServerError
		if log != nil {
			log.WithError(err).Error("request failed")
		}
	}
	if status == http.StatusNotModified {
		w.WriteHeader(status)
		return
	}
	http.Error(w, msg, status)
}
