package httpapi

import (
	"embed"
	"html/template"
	"net/http"

	"github.com/justinas/nosurf"

	"github.com/hockeypuck/keyserver/internal/keysvc"
)

// Package-level templates: a CSRF-protected submission form and two
// localized confirmation pages, the browser-facing surface alongside the
// HKP and REST adapters.
//
//go:embed templates/*.html
var htmlTemplates embed.FS

var (
	formTmpl    = template.Must(template.ParseFS(htmlTemplates, "templates/form.html"))
	confirmTmpl = map[string]*template.Template{
		"en": template.Must(template.ParseFS(htmlTemplates, "templates/confirm.en.html")),
		"de": template.Must(template.ParseFS(htmlTemplates, "templates/confirm.de.html")),
	}
)

type formView struct {
	CSRFToken string
	Message   string
}

// submitForm renders the bare submission form. Registered behind nosurf, so
// every render carries a fresh CSRF token (see Router).
func (a *API) submitForm(w http.ResponseWriter, r *http.Request) {
	renderForm(w, r, "")
}

// submitFormPost handles the form's own POST, a convenience wrapper around
// the same KeyService.Submit the REST and HKP surfaces use.
func (a *API) submitFormPost(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		renderForm(w, r, "malformed form submission")
		return
	}
	keytext := r.FormValue("keytext")
	if keytext == "" {
		renderForm(w, r, "paste an armored public key first")
		return
	}

	ctx, cancel := withTimeout(r)
	defer cancel()

	_, err := a.Keys.Submit(ctx, keysvc.SubmitInput{
		Armored: keytext,
		Origin:  originFrom(r),
		Locale:  localeFrom(r),
	})
	if err != nil {
		renderForm(w, r, err.Error())
		return
	}
	renderForm(w, r, "key accepted — check your inbox for a verification email")
}

func renderForm(w http.ResponseWriter, r *http.Request, message string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = formTmpl.Execute(w, formView{CSRFToken: nosurf.Token(r), Message: message})
}

func renderConfirmation(w http.ResponseWriter, locale, kind, email string) {
	tmpl, ok := confirmTmpl[locale]
	if !ok {
		tmpl = confirmTmpl["en"]
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = tmpl.Execute(w, struct {
		Kind  string
		Email string
	}{Kind: kind, Email: email})
}
