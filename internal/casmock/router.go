package casmock

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gorilla/mux"
	"github.com/justinas/alice"
	"github.com/ubuntu/casprobe/internal/consts"
	"github.com/ubuntu/casprobe/internal/log"
	"github.com/urfave/negroni"
)

type router struct {
	*mux.Router
	alice.Chain
}

func newRouter() *router {
	return &router{
		Router: mux.NewRouter().StrictSlash(false),
		Chain:  alice.New(loggingHandler, recoverHandler),
	}
}

// chained chains the middleware and returns the final handler.
func (r *router) chained() http.Handler {
	return r.Then(r)
}

func (r *router) get(path string, f http.HandlerFunc) {
	r.Methods(http.MethodGet, http.MethodHead).Path(path).HandlerFunc(f)
}

func (r *router) post(path string, f http.HandlerFunc) {
	r.Methods(http.MethodPost).Path(path).HandlerFunc(f)
}

func (r *router) put(path string, f http.HandlerFunc) {
	r.Methods(http.MethodPut).Path(path).HandlerFunc(f)
}

func (r *router) delete(path string, f http.HandlerFunc) {
	r.Methods(http.MethodDelete).Path(path).HandlerFunc(f)
}

func (s *Server) routes() http.Handler {
	r := newRouter()

	// Identity provider.
	r.get(IdPPrefix+"/.well-known/openid-configuration", s.idpDiscovery)
	r.get(IdPPrefix+"/protocol/openid-connect/certs", s.idpKeys)
	r.get(IdPPrefix+"/protocol/openid-connect/auth", s.idpAuthForm)
	r.post(IdPPrefix+"/protocol/openid-connect/auth", s.idpAuthenticate)
	r.post(IdPPrefix+"/protocol/openid-connect/token", s.idpToken)

	// CAS protocol.
	r.get(CASPrefix+consts.LoginPath, s.casLogin)
	r.post(CASPrefix+consts.LoginPath, s.casLoginPost)
	r.get(CASPrefix+consts.ClientRedirectPath, s.casClientRedirect)
	r.get(CASPrefix+consts.LogoutPath, s.casLogout)
	r.get(CASPrefix+consts.ServiceValidatePath, s.casServiceValidate)

	// OAuth 2.0 and UMA.
	r.post(CASPrefix+consts.TokenPath, s.oauthToken)
	r.post(CASPrefix+consts.ResourceSetPath, s.withProtectionToken(s.umaCreateResource))
	r.get(CASPrefix+consts.ResourceSetPath, s.withProtectionToken(s.umaListResources))
	r.get(CASPrefix+"/oauth2.0/resourceSet/{resourceId:[0-9]+}", s.withProtectionToken(s.umaGetResource))
	r.put(CASPrefix+"/oauth2.0/resourceSet/{resourceId:[0-9]+}", s.withProtectionToken(s.umaUpdateResource))
	r.delete(CASPrefix+"/oauth2.0/resourceSet/{resourceId:[0-9]+}", s.withProtectionToken(s.umaDeleteResource))
	r.post(CASPrefix+"/oauth2.0/{resourceId:[0-9]+}/policy", s.withProtectionToken(s.umaCreatePolicy))
	r.get(CASPrefix+"/oauth2.0/{resourceId:[0-9]+}/policy", s.withProtectionToken(s.umaListPolicies))
	r.get(CASPrefix+"/oauth2.0/{resourceId:[0-9]+}/policy/{policyId:[0-9]+}", s.withProtectionToken(s.umaGetPolicy))
	r.put(CASPrefix+"/oauth2.0/{resourceId:[0-9]+}/policy/{policyId:[0-9]+}", s.withProtectionToken(s.umaUpdatePolicy))
	r.delete(CASPrefix+"/oauth2.0/{resourceId:[0-9]+}/policy/{policyId:[0-9]+}", s.withProtectionToken(s.umaDeletePolicy))

	// Default service protected by CAS.
	r.get("/anything/{path:.*}", s.anything)

	return r.chained()
}

func loggingHandler(next http.Handler) http.Handler {
	fn := func(w http.ResponseWriter, r *http.Request) {
		t1 := time.Now()
		nw := negroni.NewResponseWriter(w)
		next.ServeHTTP(nw, r)
		log.Debugf(r.Context(), "mock: \"%s %s %s\" %d %d %v", r.Method, r.URL.Path, r.Proto, nw.Status(), nw.Size(), time.Since(t1))
	}
	return http.HandlerFunc(fn)
}

func recoverHandler(next http.Handler) http.Handler {
	fn := func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				log.Errorf(r.Context(), "mock: PANIC: %v\n%s", err, debug.Stack())
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	}
	return http.HandlerFunc(fn)
}

// writeJSON answers v with status.
func writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warningf(ctx, "mock: could not write response: %v", err)
	}
}

// anything echoes the request, the way httpbin does.
func (s *Server) anything(w http.ResponseWriter, r *http.Request) {
	args := map[string]string{}
	for k, v := range r.URL.Query() {
		args[k] = v[0]
	}
	writeJSON(r.Context(), w, http.StatusOK, map[string]any{
		"method": r.Method,
		"url":    s.baseURL + r.URL.RequestURI(),
		"args":   args,
	})
}
