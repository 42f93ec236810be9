package httpapi

import (
	"compress/gzip"
	"net/http"

	"github.com/bugsnag/bugsnag-go"
	"github.com/jmcvetta/randutil"
	nrlogrus "github.com/meatballhat/negroni-logrus"
	negronigzip "github.com/phyber/negroni-gzip/gzip"
	"github.com/sirupsen/logrus"
	"github.com/urfave/negroni"
)

// requestIDHeader carries a per-request correlation id through logging and
// error reports, generated with jmcvetta/randutil rather than crypto/rand
// since it never needs to be unguessable, only unique enough for grepping
// logs.
const requestIDHeader = "X-Request-Id"

// requestID assigns a correlation id to every request that doesn't already
// carry one from an upstream proxy.
func requestID(w http.ResponseWriter, r *http.Request, next http.HandlerFunc) {
	id := r.Header.Get(requestIDHeader)
	if id == "" {
		if s, err := randutil.AlphaString(12); err == nil {
			id = s
		}
	}
	if id != "" {
		r.Header.Set(requestIDHeader, id)
		w.Header().Set(requestIDHeader, id)
	}
	next(w, r)
}

// cspMiddleware sets a strict Content-Security-Policy header when
// server.csp is enabled.
func cspMiddleware(enabled bool) negroni.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, next http.HandlerFunc) {
		if enabled {
			w.Header().Set("Content-Security-Policy", "default-src 'self'; form-action 'self'")
		}
		next(w, r)
	}
}

// NewServer wraps an API's router in the middleware chain: panic recovery
// (reported to Bugsnag, since this is the HTTP request path — the purge
// worker's background errors go to Sentry instead, see internal/worker),
// gzip compression, structured request logging and the CSP header.
//
// bugsnagAPIKey may be empty, in which case Bugsnag reporting is a no-op
// (bugsnag-go requires a non-empty key to actually dispatch).
func NewServer(a *API, log *logrus.Logger, cspEnabled bool, bugsnagAPIKey string) http.Handler {
	if bugsnagAPIKey != "" {
		bugsnag.Configure(bugsnag.Configuration{
			APIKey:          bugsnagAPIKey,
			ReleaseStage:    "production",
			ProjectPackages: []string{"github.com/hockeypuck/keyserver/..."},
		})
	}

	n := negroni.New()
	n.Use(negroni.HandlerFunc(requestID))
	n.Use(negronigzip.Gzip(gzip.DefaultCompression))
	n.Use(nrlogrus.NewMiddlewareFromLogger(log, "httpapi"))
	n.Use(cspMiddleware(cspEnabled))
	n.UseHandler(a.Router())

	if bugsnagAPIKey == "" {
		return n
	}
	return bugsnag.Handler(n)
}
