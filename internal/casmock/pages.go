package casmock

import (
	"embed"
	"fmt"
	"html/template"
	"net/http"

	"github.com/ubuntu/casprobe/internal/log"
)

//go:embed templates/*.html
var embeddedTemplates embed.FS

type provider struct {
	Name string
	Href string
}

type loginData struct {
	Action    string
	Execution string
	Error     string
	Providers []provider
}

type idpLoginData struct {
	Action   string
	Username string
	Error    string
}

type messageData struct {
	ID      string
	Title   string
	Message string
}

type pages struct {
	login    *template.Template
	idpLogin *template.Template
	message  *template.Template
}

func newPages() (*pages, error) {
	var p pages
	for name, dst := range map[string]**template.Template{
		"login.html":    &p.login,
		"idplogin.html": &p.idpLogin,
		"message.html":  &p.message,
	} {
		t, err := template.ParseFS(embeddedTemplates, "templates/"+name)
		if err != nil {
			return nil, fmt.Errorf("parse embedded %s: %w", name, err)
		}
		*dst = t
	}
	return &p, nil
}

func render(w http.ResponseWriter, r *http.Request, status int, t *template.Template, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := t.Execute(w, data); err != nil {
		log.Warningf(r.Context(), "mock: could not render %s: %v", t.Name(), err)
	}
}

func (s *Server) renderMessage(w http.ResponseWriter, r *http.Request, status int, id, title, message string) {
	render(w, r, status, s.pages.message, messageData{ID: id, Title: title, Message: message})
}
