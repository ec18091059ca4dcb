// Package casmock is an in-memory CAS server with an OpenID Connect identity provider it
// delegates authentication to. It implements what the scenarios exercise: delegated login,
// single sign-on, back-channel logout, CAS v3 ticket validation, the OAuth 2.0 password
// grant and the UMA resource set and policy API.
//
// The CAS server is rooted at /cas and the identity provider at /realms/cas.
package casmock

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ubuntu/casprobe/internal/log"
	"github.com/ubuntu/casprobe/internal/password"
	"github.com/ubuntu/casprobe/internal/uma"
	"github.com/ubuntu/decorate"
)

// Paths of the two halves of the mock.
const (
	CASPrefix = "/cas"
	IdPPrefix = "/realms/cas"
)

// Server is a running mock. It implements the daemon Service interface.
type Server struct {
	cfg     Config
	baseURL string

	listener net.Listener
	srv      *http.Server

	key   *rsa.PrivateKey
	keyID string

	idpUsers *password.Store
	casUsers *password.Store
	pages    *pages

	mu           sync.Mutex
	authCodes    map[string]authCode
	flows        map[string]flow
	sessions     map[string]*session
	tickets      map[string]serviceTicket
	accessTokens map[string]accessToken
	resources    map[int64]*uma.ResourceSet
	lastResource int64
}

// New listens on cfg.Listen. The server does not handle requests until Serve is called.
func New(cfg Config) (s *Server, err error) {
	defer decorate.OnError(&err, "could not create mock CAS server")

	if cfg.ClientName == "" {
		return nil, errors.New("no identity provider client name")
	}
	if cfg.LogoutSecret == "" {
		return nil, errors.New("no back-channel logout secret")
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}

	idpUsers := password.NewStore()
	for name, u := range cfg.IdPUsers {
		if err := idpUsers.Set(name, u.Password); err != nil {
			return nil, err
		}
	}
	casUsers := password.NewStore()
	for name, pw := range cfg.CASUsers {
		if err := casUsers.Set(name, pw); err != nil {
			return nil, err
		}
	}

	pages, err := newPages()
	if err != nil {
		return nil, err
	}

	listen := cfg.Listen
	if listen == "" {
		listen = "127.0.0.1:0"
	}
	l, err := net.Listen("tcp", listen)
	if err != nil {
		return nil, err
	}

	s = &Server{
		cfg:     cfg,
		baseURL: "http://" + l.Addr().String(),

		listener: l,

		key:   key,
		keyID: uuid.NewString() + "_sig_rs256",

		idpUsers: idpUsers,
		casUsers: casUsers,
		pages:    pages,

		authCodes:    make(map[string]authCode),
		flows:        make(map[string]flow),
		sessions:     make(map[string]*session),
		tickets:      make(map[string]serviceTicket),
		accessTokens: make(map[string]accessToken),
		resources:    make(map[int64]*uma.ResourceSet),
	}

	s.srv = &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s, nil
}

// URL is the base URL of the server, without trailing slash.
func (s *Server) URL() string {
	return s.baseURL
}

// CASURL is the base URL of the CAS server.
func (s *Server) CASURL() string {
	return s.baseURL + CASPrefix
}

// IssuerURL is the issuer of the identity provider.
func (s *Server) IssuerURL() string {
	return s.baseURL + IdPPrefix
}

// ServiceURL is a service URL the mock answers on, suitable for service tickets.
func (s *Server) ServiceURL() string {
	return s.baseURL + "/anything/cas"
}

// Addr returns the address the server is listening on.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Serve handles requests until Stop is called.
func (s *Server) Serve() error {
	log.Infof(context.Background(), "Mock CAS server available at %s", s.CASURL())
	if err := s.srv.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.srv.Shutdown(ctx)
	// Shutdown only closes the listener once Serve was called.
	_ = s.listener.Close()
	return err
}

// Close shuts down the server immediately.
func (s *Server) Close() error {
	err := s.srv.Close()
	_ = s.listener.Close()
	return err
}

func newID(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, strings.ReplaceAll(uuid.NewString(), "-", ""))
}
