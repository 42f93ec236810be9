// Package worker implements the operational purge loop backing the
// `publicKey.purgeTimeInDays` config option. It is a pure operational
// convenience: every lifecycle invariant holds with the worker disabled.
package worker

import (
	"context"
	"time"

	"github.com/getsentry/raven-go"
	"github.com/sirupsen/logrus"
	"gopkg.in/tomb.v2"
)

// Remover is the subset of keysvc.Service the purge worker needs: it never
// touches the store directly, instead going through the same
// VerifyRemove-shaped compensation path submit uses, so a purge can never
// leave a key record without its bindings or vice versa.
type Remover interface {
	PurgeUnverified(ctx context.Context, olderThan time.Time) (int, error)
}

// PurgeWorker periodically deletes KeyRecords with zero verified bindings
// older than MaxAge. A MaxAge of zero disables the loop entirely (never
// ticks) — purging is operational and optional, never load-bearing.
type PurgeWorker struct {
	Remover  Remover
	MaxAge   time.Duration
	Interval time.Duration
	Log      *logrus.Logger

	t tomb.Tomb
}

const defaultInterval = time.Hour

// Start launches the purge loop in a supervised goroutine. Call Stop (or
// cancel the tomb's context via Kill) to shut it down cleanly.
func (w *PurgeWorker) Start() {
	if w.Interval == 0 {
		w.Interval = defaultInterval
	}
	w.t.Go(w.loop)
}

func (w *PurgeWorker) Stop() error {
	w.t.Kill(nil)
	return w.t.Wait()
}

func (w *PurgeWorker) loop() error {
	if w.MaxAge <= 0 {
		<-w.t.Dying()
		return nil
	}
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.t.Dying():
			return nil
		case <-ticker.C:
			w.runOnce()
		}
	}
}

func (w *PurgeWorker) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	n, err := w.Remover.PurgeUnverified(ctx, time.Now().Add(-w.MaxAge))
	if err != nil {
		if w.Log != nil {
			w.Log.WithError(err).Error("purge pass failed")
		}
		// Reported through raven-go (Sentry), not bugsnag: this failure
		// happens on the worker's own goroutine, outside any HTTP request,
		// so it never passes through the httpapi recovery middleware that
		// reports to bugsnag.
		raven.CaptureError(err, map[string]string{"component": "purge-worker"})
		return
	}
	if n > 0 && w.Log != nil {
		w.Log.WithField("purged", n).Info("purge pass removed unverified keys")
	}
}
