package casmock

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/google/uuid"
	"github.com/ubuntu/casprobe/internal/consts"
	"github.com/ubuntu/casprobe/internal/log"
	"github.com/ubuntu/casprobe/internal/logouttoken"
	"golang.org/x/oauth2"
)

const (
	serviceTicketLifetime = time.Minute
	flowLifetime          = 5 * time.Minute
)

// flow is a delegated authentication waiting for the identity provider to call back.
type flow struct {
	service string
	nonce   string
	expires time.Time
}

// session is a single sign-on session, identified by its ticket-granting cookie.
type session struct {
	id         string
	principal  string
	attributes map[string][]string
	// idpSessionID and idpSubject link the session to the identity provider one, for back-channel logout.
	idpSessionID string
	idpSubject   string
}

type serviceTicket struct {
	service    string
	principal  string
	attributes map[string][]string
	expires    time.Time
}

func (s *Server) delegationConfig() oauth2.Config {
	return oauth2.Config{
		ClientID:     s.cfg.IdPClientID,
		ClientSecret: s.cfg.IdPClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:  s.idpEndpoint("auth"),
			TokenURL: s.idpEndpoint("token"),
		},
		RedirectURL: s.CASURL() + consts.LoginPath + "?" + url.Values{"client_name": {s.cfg.ClientName}}.Encode(),
		Scopes:      []string{oidc.ScopeOpenID, "profile", "email"},
	}
}

func (s *Server) casLogin(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("client_name") != "" && (q.Has("code") || q.Has("error")) {
		s.casDelegationCallback(w, r)
		return
	}

	service := q.Get("service")
	if sess := s.currentSession(w, r); sess != nil {
		if service != "" {
			s.redirectWithTicket(w, r, sess, service)
			return
		}
		s.renderMessage(w, r, http.StatusOK, "loginSuccess", "Log In Successful",
			fmt.Sprintf("You, %s, have successfully logged into the Central Authentication Service.", sess.principal))
		return
	}

	s.renderLogin(w, r, http.StatusOK, service, "")
}

func (s *Server) renderLogin(w http.ResponseWriter, r *http.Request, status int, service, loginErr string) {
	action := strings.TrimPrefix(consts.LoginPath, "/")
	redirect := url.Values{"client_name": {s.cfg.ClientName}}
	if service != "" {
		action += "?" + url.Values{"service": {service}}.Encode()
		redirect.Set("service", service)
	}

	render(w, r, status, s.pages.login, loginData{
		Action:    action,
		Execution: uuid.NewString(),
		Error:     loginErr,
		Providers: []provider{{
			Name: s.cfg.ClientName,
			Href: strings.TrimPrefix(consts.ClientRedirectPath, "/") + "?" + redirect.Encode(),
		}},
	})
}

func (s *Server) casLoginPost(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if r.Form.Get("logout_token") != "" {
		s.casBackChannelLogout(w, r)
		return
	}

	service := r.Form.Get("service")
	username := r.PostForm.Get("username")
	if !s.casUsers.Verify(username, r.PostForm.Get("password")) {
		s.renderLogin(w, r, http.StatusUnauthorized, service, "Authentication attempt has failed, likely due to invalid credentials.")
		return
	}

	sess := s.newSession(w, r, &session{principal: username, attributes: map[string][]string{}})
	if service != "" {
		s.redirectWithTicket(w, r, sess, service)
		return
	}
	s.renderMessage(w, r, http.StatusOK, "loginSuccess", "Log In Successful",
		fmt.Sprintf("You, %s, have successfully logged into the Central Authentication Service.", username))
}

func (s *Server) casClientRedirect(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("client_name") != s.cfg.ClientName {
		s.renderMessage(w, r, http.StatusBadRequest, "clientError", "Unknown identity provider",
			fmt.Sprintf("No identity provider is registered as %q.", q.Get("client_name")))
		return
	}

	state, nonce := uuid.NewString(), uuid.NewString()
	s.mu.Lock()
	s.flows[state] = flow{service: q.Get("service"), nonce: nonce, expires: time.Now().Add(flowLifetime)}
	s.mu.Unlock()

	cfg := s.delegationConfig()
	http.Redirect(w, r, cfg.AuthCodeURL(state, oidc.Nonce(nonce)), http.StatusFound)
}

type delegatedClaims struct {
	SessionID         string `json:"sid"`
	Name              string `json:"name"`
	PreferredUsername string `json:"preferred_username"`
	Email             string `json:"email"`
	Department        string `json:"department"`
	Role              string `json:"cas_role"`
}

// casDelegationCallback completes a delegated authentication. It calls the identity provider
// endpoints of this very server, so no lock may be held while doing so.
func (s *Server) casDelegationCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	s.mu.Lock()
	f, ok := s.flows[q.Get("state")]
	delete(s.flows, q.Get("state"))
	s.mu.Unlock()
	if !ok || time.Now().After(f.expires) {
		s.renderMessage(w, r, http.StatusBadRequest, "delegationError", "Authentication failed", "Unknown or expired delegated authentication.")
		return
	}
	if e := q.Get("error"); e != "" {
		s.renderMessage(w, r, http.StatusUnauthorized, "delegationError", "Authentication failed", "Identity provider answered "+e+".")
		return
	}

	sess, err := s.exchangeDelegatedCode(ctx, q.Get("code"), f.nonce)
	if err != nil {
		log.Warningf(ctx, "mock: delegated authentication failed: %v", err)
		s.renderMessage(w, r, http.StatusUnauthorized, "delegationError", "Authentication failed", err.Error())
		return
	}

	sess = s.newSession(w, r, sess)
	if f.service != "" {
		s.redirectWithTicket(w, r, sess, f.service)
		return
	}
	s.renderMessage(w, r, http.StatusOK, "loginSuccess", "Log In Successful",
		fmt.Sprintf("You, %s, have successfully logged into the Central Authentication Service.", sess.principal))
}

func (s *Server) exchangeDelegatedCode(ctx context.Context, code, nonce string) (*session, error) {
	cfg := s.delegationConfig()
	tok, err := cfg.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("could not exchange authorization code: %w", err)
	}
	rawIDToken, ok := tok.Extra("id_token").(string)
	if !ok {
		return nil, errors.New("token response has no id_token")
	}

	provider, err := oidc.NewProvider(ctx, s.IssuerURL())
	if err != nil {
		return nil, fmt.Errorf("could not discover identity provider: %w", err)
	}
	idToken, err := provider.Verifier(&oidc.Config{ClientID: s.cfg.IdPClientID}).Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("invalid id token: %w", err)
	}
	if idToken.Nonce != nonce {
		return nil, errors.New("id token nonce does not match the authentication request")
	}

	var c delegatedClaims
	if err := idToken.Claims(&c); err != nil {
		return nil, fmt.Errorf("could not read id token claims: %w", err)
	}

	principal := c.Email
	if principal == "" {
		principal = c.PreferredUsername
	}
	if principal == "" {
		principal = idToken.Subject
	}

	attributes := map[string][]string{
		"name":          {c.Name},
		"email":         {c.Email},
		"department":    {c.Department},
		"cas_role":      {c.Role},
		"sid":           {c.SessionID},
		"access_token":  {tok.AccessToken},
		"refresh_token": {tok.RefreshToken},
	}
	for k, v := range attributes {
		if v[0] == "" {
			delete(attributes, k)
		}
	}

	return &session{
		principal:    principal,
		attributes:   attributes,
		idpSessionID: c.SessionID,
		idpSubject:   idToken.Subject,
	}, nil
}

// newSession registers sess and sets its ticket-granting cookie.
func (s *Server) newSession(w http.ResponseWriter, r *http.Request, sess *session) *session {
	sess.id = newID("TGT")
	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()

	http.SetCookie(w, &http.Cookie{
		Name:     consts.TicketGrantingCookie,
		Value:    sess.id,
		Path:     CASPrefix + "/",
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
	return sess
}

// currentSession returns the session of the request ticket-granting cookie. A cookie for
// a session that no longer exists is removed.
func (s *Server) currentSession(w http.ResponseWriter, r *http.Request) *session {
	c, err := r.Cookie(consts.TicketGrantingCookie)
	if err != nil {
		return nil
	}

	s.mu.Lock()
	sess, ok := s.sessions[c.Value]
	s.mu.Unlock()
	if ok {
		return sess
	}

	clearSessionCookie(w, r)
	return nil
}

func clearSessionCookie(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     consts.TicketGrantingCookie,
		Value:    "",
		Path:     CASPrefix + "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   r.TLS != nil,
	})
}

func (s *Server) redirectWithTicket(w http.ResponseWriter, r *http.Request, sess *session, service string) {
	target, err := url.Parse(service)
	if err != nil || !target.IsAbs() {
		s.renderMessage(w, r, http.StatusBadRequest, "serviceError", "Application Not Authorized",
			"The service is not a valid absolute URL.")
		return
	}

	st := newID("ST")
	s.mu.Lock()
	s.tickets[st] = serviceTicket{
		service:    service,
		principal:  sess.principal,
		attributes: maps.Clone(sess.attributes),
		expires:    time.Now().Add(serviceTicketLifetime),
	}
	s.mu.Unlock()

	q := target.Query()
	q.Set("ticket", st)
	target.RawQuery = q.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

func (s *Server) casBackChannelLogout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if name := r.Form.Get("client_name"); name != s.cfg.ClientName {
		http.Error(w, fmt.Sprintf("unknown client %q", name), http.StatusBadRequest)
		return
	}
	claims, err := logouttoken.Parse(r.Form.Get("logout_token"), []byte(s.cfg.LogoutSecret))
	if err != nil {
		log.Debugf(ctx, "mock: rejected back-channel logout: %v", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if s.cfg.Faults.IgnoreBackChannelLogout {
		log.Debugf(ctx, "mock: ignoring back-channel logout for sid %q", claims.SessionID)
		w.WriteHeader(http.StatusOK)
		return
	}

	s.mu.Lock()
	var destroyed int
	for id, sess := range s.sessions {
		if (claims.SessionID != "" && sess.idpSessionID == claims.SessionID) ||
			(claims.SessionID == "" && sess.idpSubject == claims.Subject) {
			delete(s.sessions, id)
			destroyed++
		}
	}
	s.mu.Unlock()

	log.Debugf(ctx, "mock: back-channel logout for sid %q destroyed %d session(s)", claims.SessionID, destroyed)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) casLogout(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(consts.TicketGrantingCookie); err == nil {
		s.mu.Lock()
		delete(s.sessions, c.Value)
		s.mu.Unlock()
		clearSessionCookie(w, r)
	}

	if service := r.URL.Query().Get("service"); service != "" {
		http.Redirect(w, r, service, http.StatusFound)
		return
	}
	s.renderMessage(w, r, http.StatusOK, "logoutSuccess", "Logout successful",
		"You have successfully logged out of the Central Authentication Service.")
}

// Validation failure codes of the CAS protocol.
const (
	invalidRequest = "INVALID_REQUEST"
	invalidTicket  = "INVALID_TICKET"
	invalidService = "INVALID_SERVICE"
)

func (s *Server) casServiceValidate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	service, ticket := q.Get("service"), q.Get("ticket")
	asJSON := strings.EqualFold(q.Get("format"), "JSON")

	if service == "" || ticket == "" {
		writeValidation(w, r, asJSON, validationFailure(invalidRequest, "'service' and 'ticket' parameters are both required"))
		return
	}

	s.mu.Lock()
	st, ok := s.tickets[ticket]
	delete(s.tickets, ticket)
	s.mu.Unlock()

	switch {
	case !ok || time.Now().After(st.expires):
		writeValidation(w, r, asJSON, validationFailure(invalidTicket, fmt.Sprintf("Ticket '%s' not recognized", ticket)))
	case st.service != service:
		writeValidation(w, r, asJSON, validationFailure(invalidService, fmt.Sprintf(
			"Ticket '%s' does not match supplied service. The original service was '%s' and the supplied service was '%s'.",
			ticket, st.service, service)))
	default:
		writeValidation(w, r, asJSON, validation{success: &validationSuccess{User: st.principal, Attributes: st.attributes}})
	}
}

type validationSuccess struct {
	User       string              `json:"user"`
	Attributes map[string][]string `json:"attributes"`
}

type validationError struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

type validation struct {
	success *validationSuccess
	failure *validationError
}

func validationFailure(code, description string) validation {
	return validation{failure: &validationError{Code: code, Description: description}}
}

func writeValidation(w http.ResponseWriter, r *http.Request, asJSON bool, v validation) {
	if asJSON {
		body := map[string]any{}
		if v.success != nil {
			body["authenticationSuccess"] = v.success
		} else {
			body["authenticationFailure"] = v.failure
		}
		writeJSON(r.Context(), w, http.StatusOK, map[string]any{"serviceResponse": body})
		return
	}

	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if err := xml.NewEncoder(w).Encode(newXMLServiceResponse(v)); err != nil {
		log.Warningf(r.Context(), "mock: could not write validation response: %v", err)
	}
}

// The CAS v3 XML response uses the cas namespace prefix on every element.
type xmlServiceResponse struct {
	XMLName xml.Name    `xml:"cas:serviceResponse"`
	Xmlns   string      `xml:"xmlns:cas,attr"`
	Success *xmlSuccess `xml:"cas:authenticationSuccess,omitempty"`
	Failure *xmlFailure `xml:"cas:authenticationFailure,omitempty"`
}

type xmlSuccess struct {
	User       string        `xml:"cas:user"`
	Attributes xmlAttributes `xml:"cas:attributes"`
}

type xmlAttributes struct {
	Values []xmlAttribute
}

type xmlAttribute struct {
	XMLName xml.Name
	Value   string `xml:",chardata"`
}

type xmlFailure struct {
	Code        string `xml:"code,attr"`
	Description string `xml:",chardata"`
}

func newXMLServiceResponse(v validation) xmlServiceResponse {
	resp := xmlServiceResponse{Xmlns: "http://www.yale.edu/tp/cas"}
	if v.failure != nil {
		resp.Failure = &xmlFailure{Code: v.failure.Code, Description: v.failure.Description}
		return resp
	}

	resp.Success = &xmlSuccess{User: v.success.User}
	for _, name := range slices.Sorted(maps.Keys(v.success.Attributes)) {
		for _, value := range v.success.Attributes[name] {
			resp.Success.Attributes.Values = append(resp.Success.Attributes.Values,
				xmlAttribute{XMLName: xml.Name{Local: "cas:" + name}, Value: value})
		}
	}
	return resp
}
