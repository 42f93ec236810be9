// Command keyserverd wires the server as an explicit dependency graph
// rather than through package-level globals: Store and Mailer are
// constructed first, then UserIdService, then KeyService, then the
// optional purge worker, and the HKP/REST/browser adapters on top last.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"net/smtp"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hockeypuck/keyserver/internal/config"
	"github.com/hockeypuck/keyserver/internal/httpapi"
	"github.com/hockeypuck/keyserver/internal/keysvc"
	"github.com/hockeypuck/keyserver/internal/mailer"
	"github.com/hockeypuck/keyserver/internal/metrics"
	"github.com/hockeypuck/keyserver/internal/store"
	"github.com/hockeypuck/keyserver/internal/store/keyindex"
	"github.com/hockeypuck/keyserver/internal/useridsvc"
	"github.com/hockeypuck/keyserver/internal/worker"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "keyserver.toml", "path to the server configuration file")
	flag.Parse()

	log := logrus.New()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Error("failed to load configuration")
		return 1
	}

	s, err := dialStore(cfg)
	if err != nil {
		log.WithError(err).Error("failed to connect to store")
		return 1
	}
	defer s.Close()

	idx, err := keyindex.Open(cfg.Store.KeyIndexPath)
	if err != nil {
		log.WithError(err).Error("failed to open key index")
		return 1
	}
	defer idx.Close()

	mtr := metrics.New()

	transport := &metrics.ObservingTransport{Next: buildTransport(cfg), M: mtr}
	m, err := mailer.New(transport)
	if err != nil {
		log.WithError(err).Error("failed to load mail templates")
		return 1
	}

	userIDs := useridsvc.New(s, log)
	keys := keysvc.New(s, userIDs, m, log)
	keysvc.ConfigureAirbrake(os.Getenv("AIRBRAKE_API_KEY"), os.Getenv("AIRBRAKE_ENVIRONMENT"))

	pw := &worker.PurgeWorker{
		Remover: keys,
		MaxAge:  time.Duration(cfg.PublicKey.PurgeTimeInDays) * 24 * time.Hour,
		Log:     log,
	}
	pw.Start()
	defer pw.Stop()

	api := httpapi.New(keys, idx, log, mtr)
	handler := httpapi.NewServer(api, log, cfg.Server.CSP, os.Getenv("BUGSNAG_API_KEY"))

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{Addr: addr, Handler: handler}

	errc := make(chan error, 1)
	go func() {
		log.WithField("addr", addr).Info("listening")
		errc <- srv.ListenAndServe()
	}()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errc:
		if err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("listener failed")
			return 1
		}
	case <-sigc:
		log.Info("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.WithError(err).Error("graceful shutdown failed")
			return 1
		}
	}
	return 0
}

func dialStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Driver {
	case "postgres":
		return store.OpenPostgres(cfg.Store.PostgresDSN)
	default:
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return store.Dial(ctx, cfg.Mongo.URI, cfg.Mongo.DB)
	}
}

func buildTransport(cfg *config.Config) mailer.Transport {
	var auth smtp.Auth
	if cfg.Email.Auth {
		auth = smtp.PlainAuth("", cfg.Email.User, cfg.Email.Pass, cfg.Email.Host)
	}
	return &mailer.SMTPTransport{
		Addr:   fmt.Sprintf("%s:%d", cfg.Email.Host, cfg.Email.Port),
		Auth:   auth,
		Sender: cfg.Email.Sender,
	}
}
