package casmock

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/ubuntu/casprobe/internal/log"
)

const authCodeLifetime = time.Minute

type authCode struct {
	clientID    string
	redirectURI string
	nonce       string
	username    string
	sessionID   string
	expires     time.Time
}

func (s *Server) idpEndpoint(name string) string {
	return s.IssuerURL() + "/protocol/openid-connect/" + name
}

func (s *Server) idpDiscovery(w http.ResponseWriter, r *http.Request) {
	writeJSON(r.Context(), w, http.StatusOK, map[string]any{
		"issuer":                                s.IssuerURL(),
		"authorization_endpoint":                s.idpEndpoint("auth"),
		"token_endpoint":                        s.idpEndpoint("token"),
		"jwks_uri":                              s.idpEndpoint("certs"),
		"response_types_supported":              []string{"code"},
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
		"scopes_supported":                      []string{"openid", "profile", "email"},
	})
}

func (s *Server) idpKeys(w http.ResponseWriter, r *http.Request) {
	writeJSON(r.Context(), w, http.StatusOK, jose.JSONWebKeySet{
		Keys: []jose.JSONWebKey{{
			Key:       &s.key.PublicKey,
			KeyID:     s.keyID,
			Algorithm: string(jose.RS256),
			Use:       "sig",
		}},
	})
}

// checkAuthRequest validates the authorization request parameters. Errors are rendered, not redirected,
// as the redirect URI cannot be trusted yet.
func (s *Server) checkAuthRequest(w http.ResponseWriter, r *http.Request) (q url.Values, ok bool) {
	q = r.URL.Query()
	if q.Get("client_id") != s.cfg.IdPClientID {
		s.renderMessage(w, r, http.StatusBadRequest, "idpError", "Client not found", "Invalid parameter: client_id")
		return nil, false
	}
	if !strings.HasPrefix(q.Get("redirect_uri"), s.CASURL()+"/") {
		s.renderMessage(w, r, http.StatusBadRequest, "idpError", "Invalid parameter", "Invalid parameter: redirect_uri")
		return nil, false
	}
	if q.Get("response_type") != "code" {
		s.renderMessage(w, r, http.StatusBadRequest, "idpError", "Invalid parameter", "Unsupported response_type")
		return nil, false
	}
	return q, true
}

func (s *Server) idpAuthForm(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.checkAuthRequest(w, r); !ok {
		return
	}
	render(w, r, http.StatusOK, s.pages.idpLogin, idpLoginData{Action: r.URL.RequestURI()})
}

func (s *Server) idpAuthenticate(w http.ResponseWriter, r *http.Request) {
	q, ok := s.checkAuthRequest(w, r)
	if !ok {
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	username := r.PostForm.Get("username")
	if !s.idpUsers.Verify(username, r.PostForm.Get("password")) {
		log.Debugf(r.Context(), "mock: identity provider rejected credentials of %q", username)
		render(w, r, http.StatusOK, s.pages.idpLogin, idpLoginData{
			Action:   r.URL.RequestURI(),
			Username: username,
			Error:    "Invalid username or password.",
		})
		return
	}

	code := newID("code")
	s.mu.Lock()
	s.authCodes[code] = authCode{
		clientID:    q.Get("client_id"),
		redirectURI: q.Get("redirect_uri"),
		nonce:       q.Get("nonce"),
		username:    username,
		sessionID:   newID("sid"),
		expires:     time.Now().Add(authCodeLifetime),
	}
	s.mu.Unlock()

	redirect, err := url.Parse(q.Get("redirect_uri"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	rq := redirect.Query()
	rq.Set("code", code)
	if state := q.Get("state"); state != "" {
		rq.Set("state", state)
	}
	redirect.RawQuery = rq.Encode()
	http.Redirect(w, r, redirect.String(), http.StatusFound)
}

type idpClaims struct {
	jwt.RegisteredClaims
	Nonce             string `json:"nonce,omitempty"`
	SessionID         string `json:"sid"`
	Name              string `json:"name"`
	PreferredUsername string `json:"preferred_username"`
	Email             string `json:"email"`
	EmailVerified     bool   `json:"email_verified"`
	Department        string `json:"department,omitempty"`
	Role              string `json:"cas_role,omitempty"`
}

func (s *Server) idpToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(r.Context(), w, http.StatusBadRequest, oauthError{Error: "invalid_request", Description: err.Error()})
		return
	}

	clientID, secret := clientCredentials(r)
	if clientID != s.cfg.IdPClientID || secret != s.cfg.IdPClientSecret {
		writeJSON(r.Context(), w, http.StatusUnauthorized, oauthError{Error: "unauthorized_client", Description: "Invalid client credentials"})
		return
	}
	if gt := r.PostForm.Get("grant_type"); gt != "authorization_code" {
		writeJSON(r.Context(), w, http.StatusBadRequest, oauthError{Error: "unsupported_grant_type", Description: gt})
		return
	}

	s.mu.Lock()
	c, ok := s.authCodes[r.PostForm.Get("code")]
	delete(s.authCodes, r.PostForm.Get("code"))
	s.mu.Unlock()
	if !ok || time.Now().After(c.expires) || c.clientID != clientID || c.redirectURI != r.PostForm.Get("redirect_uri") {
		writeJSON(r.Context(), w, http.StatusBadRequest, oauthError{Error: "invalid_grant", Description: "Code not valid"})
		return
	}

	user := s.cfg.IdPUsers[c.username]
	now := time.Now()
	idToken := jwt.NewWithClaims(jwt.SigningMethodRS256, idpClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.IssuerURL(),
			Subject:   c.username,
			Audience:  jwt.ClaimStrings{clientID},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(5 * time.Minute)),
			ID:        newID("idt"),
		},
		Nonce:             c.nonce,
		SessionID:         c.sessionID,
		Name:              user.Name,
		PreferredUsername: c.username,
		Email:             user.Email,
		EmailVerified:     true,
		Department:        user.Department,
		Role:              user.Role,
	})
	idToken.Header["kid"] = s.keyID

	rawIDToken, err := idToken.SignedString(s.key)
	if err != nil {
		writeJSON(r.Context(), w, http.StatusInternalServerError, oauthError{Error: "server_error", Description: err.Error()})
		return
	}

	writeJSON(r.Context(), w, http.StatusOK, map[string]any{
		"access_token":  newID("kc-at"),
		"refresh_token": newID("kc-rt"),
		"token_type":    "Bearer",
		"expires_in":    300,
		"id_token":      rawIDToken,
		"session_state": c.sessionID,
		"scope":         "openid profile email",
	})
}

type oauthError struct {
	Error       string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

// clientCredentials returns the client authentication of a token request, from the basic
// authorization header or from the request parameters.
func clientCredentials(r *http.Request) (id, secret string) {
	if id, secret, ok := r.BasicAuth(); ok {
		// Credentials are form encoded before being put in the header.
		if v, err := url.QueryUnescape(id); err == nil {
			id = v
		}
		if v, err := url.QueryUnescape(secret); err == nil {
			secret = v
		}
		return id, secret
	}
	return r.Form.Get("client_id"), r.Form.Get("client_secret")
}
