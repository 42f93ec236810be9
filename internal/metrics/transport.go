package metrics

import "time"

// Transport is the subset of mailer.Transport ObservingTransport wraps.
// Defined locally (rather than importing internal/mailer) to avoid a
// dependency cycle — internal/mailer need not know metrics exists.
type Transport interface {
	Send(to, subject, body string) error
}

// ObservingTransport wraps a mailer.Transport, recording send latency and
// per-recipient failures against Metrics. KeyService's own compensation
// logic is unaffected: this only observes, it never changes behavior.
type ObservingTransport struct {
	Next Transport
	M    *Metrics
}

func (t *ObservingTransport) Send(to, subject, body string) error {
	start := time.Now()
	err := t.Next.Send(to, subject, body)
	t.M.MailerSendSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		t.M.MailerFailureTotal.Inc()
	}
	return err
}
