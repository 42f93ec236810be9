// Package mailer renders and sends the two verification emails. It is
// side-effecting and non-idempotent: every call to Send dispatches one
// message. Callers (KeyService) are responsible for not calling it
// redundantly.
package mailer

import (
	"bytes"
	"embed"
	"fmt"
	"net/smtp"
	"text/template"

	"github.com/hockeypuck/keyserver/internal/model"
)

//go:embed templates/*.txt
var templateFS embed.FS

// Template names the embedded templates are keyed by.
const (
	TemplateVerifyKey    = "verifyKey"
	TemplateVerifyRemove = "verifyRemove"
)

// DefaultLocale is used when the requested locale has no template.
const DefaultLocale = "en"

// Message is the input to Send: everything needed to render one of the two
// templates and address the SMTP envelope.
type Message struct {
	Template  string
	Locale    string
	Email     string
	KeyID     string
	Nonce     string
	OriginURL string
}

// Transport abstracts SMTP delivery so tests don't open a socket.
// SMTPTransport below is the production implementation (net/smtp).
type Transport interface {
	Send(to, subject, body string) error
}

// Mailer renders templates and delivers through a Transport.
type Mailer struct {
	Transport Transport
	templates map[string]*template.Template // "locale/template" -> parsed
}

func New(transport Transport) (*Mailer, error) {
	m := &Mailer{Transport: transport, templates: make(map[string]*template.Template)}
	entries, err := templateFS.ReadDir("templates")
	if err != nil {
		return nil, model.InternalError(err, "reading embedded mail templates")
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		t, err := template.ParseFS(templateFS, "templates/"+e.Name())
		if err != nil {
			return nil, model.InternalError(err, "parsing mail template %s", e.Name())
		}
		m.templates[e.Name()] = t
	}
	return m, nil
}

type templateData struct {
	Email string
	KeyID string
	Nonce string
	URL   string
}

func verifyPath(template string) string {
	if template == TemplateVerifyRemove {
		return "verifyRemove"
	}
	return "verify"
}

// Send renders msg.Template for msg.Locale (falling back to "en" if the
// locale has no translation) and delivers it to msg.Email.
func (m *Mailer) Send(msg Message) error {
	name := templateFileName(msg.Template, msg.Locale)
	t, ok := m.templates[name]
	if !ok {
		name = templateFileName(msg.Template, DefaultLocale)
		t, ok = m.templates[name]
		if !ok {
			return model.InternalError(nil, "no template for %s", msg.Template)
		}
	}

	url := fmt.Sprintf("%s/api/v1/key?op=%s&keyId=%s&nonce=%s", msg.OriginURL, verifyPath(msg.Template), msg.KeyID, msg.Nonce)
	data := templateData{Email: msg.Email, KeyID: msg.KeyID, Nonce: msg.Nonce, URL: url}

	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return model.InternalError(err, "rendering mail template %s", name)
	}

	subject := subjectFor(msg.Template, msg.Locale)
	if err := m.Transport.Send(msg.Email, subject, buf.String()); err != nil {
		return model.MailerFailureError(err, "sending mail to %s", msg.Email)
	}
	return nil
}

func templateFileName(tmpl, locale string) string {
	return fmt.Sprintf("%s.%s.txt", tmpl, locale)
}

func subjectFor(tmpl, locale string) string {
	subjects := map[string]map[string]string{
		TemplateVerifyKey: {
			"en": "Confirm your OpenPGP key submission",
			"de": "Bestätigen Sie Ihren OpenPGP-Schlüssel",
		},
		TemplateVerifyRemove: {
			"en": "Confirm removal of your OpenPGP key",
			"de": "Bestätigen Sie die Entfernung Ihres OpenPGP-Schlüssels",
		},
	}
	if byLocale, ok := subjects[tmpl]; ok {
		if s, ok := byLocale[locale]; ok {
			return s
		}
		return byLocale[DefaultLocale]
	}
	return "OpenPGP key server notification"
}

// SMTPTransport sends mail through net/smtp — no third-party mail-sending
// library appears anywhere in the retrieval pack (see DESIGN.md).
type SMTPTransport struct {
	Addr   string
	Auth   smtp.Auth
	Sender string
}

func (t *SMTPTransport) Send(to, subject, body string) error {
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s", t.Sender, to, subject, body)
	return smtp.SendMail(t.Addr, t.Auth, t.Sender, []string{to}, []byte(msg))
}
