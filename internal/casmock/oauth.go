package casmock

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/ubuntu/casprobe/internal/consts"
	"github.com/ubuntu/casprobe/internal/log"
	"github.com/ubuntu/casprobe/internal/uma"
)

const accessTokenLifetime = 8 * time.Hour

type accessToken struct {
	username string
	clientID string
	scopes   []string
	expires  time.Time
}

func (s *Server) oauthToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := r.ParseForm(); err != nil {
		writeJSON(ctx, w, http.StatusBadRequest, oauthError{Error: "invalid_request", Description: err.Error()})
		return
	}

	clientID, secret := clientCredentials(r)
	if want, ok := s.cfg.OAuthClients[clientID]; !ok || want != secret {
		writeJSON(ctx, w, http.StatusUnauthorized, oauthError{Error: "invalid_client"})
		return
	}
	if gt := r.Form.Get("grant_type"); gt != "password" {
		writeJSON(ctx, w, http.StatusBadRequest, oauthError{Error: "unsupported_grant_type", Description: gt})
		return
	}

	username := r.Form.Get("username")
	if !s.casUsers.Verify(username, r.Form.Get("password")) {
		writeJSON(ctx, w, http.StatusBadRequest, oauthError{Error: "invalid_grant"})
		return
	}

	scopes := strings.Fields(r.Form.Get("scope"))
	at := newID("AT")
	s.mu.Lock()
	s.accessTokens[at] = accessToken{
		username: username,
		clientID: clientID,
		scopes:   scopes,
		expires:  time.Now().Add(accessTokenLifetime),
	}
	s.mu.Unlock()

	writeJSON(ctx, w, http.StatusOK, map[string]any{
		"access_token": at,
		"token_type":   "bearer",
		"expires_in":   int(accessTokenLifetime.Seconds()),
		"scope":        strings.Join(scopes, " "),
	})
}

type protectedHandler func(w http.ResponseWriter, r *http.Request, tok accessToken)

// withProtectionToken only lets requests carrying a live access token with the UMA protection scope through.
func (s *Server) withProtectionToken(next protectedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		bearer, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || bearer == "" {
			w.Header().Set("WWW-Authenticate", `Bearer realm="cas"`)
			writeUMAError(r.Context(), w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		s.mu.Lock()
		tok, ok := s.accessTokens[bearer]
		s.mu.Unlock()
		if !ok || time.Now().After(tok.expires) {
			w.Header().Set("WWW-Authenticate", `Bearer realm="cas", error="invalid_token"`)
			writeUMAError(r.Context(), w, http.StatusUnauthorized, "invalid or expired access token")
			return
		}
		if !slices.Contains(tok.scopes, consts.UMAProtectionScope) {
			writeUMAError(r.Context(), w, http.StatusForbidden, "access token does not carry the uma_protection scope")
			return
		}

		next(w, r, tok)
	}
}

// umaEnvelope is how CAS wraps every UMA answer.
type umaEnvelope struct {
	Code       int    `json:"code"`
	Entity     any    `json:"entity,omitempty"`
	Location   string `json:"location,omitempty"`
	ResourceID int64  `json:"resourceId,omitempty"`
	Error      string `json:"error,omitempty"`
}

func writeUMA(ctx context.Context, w http.ResponseWriter, env umaEnvelope) {
	if env.Code == 0 {
		env.Code = http.StatusOK
	}
	writeJSON(ctx, w, env.Code, env)
}

func writeUMAError(ctx context.Context, w http.ResponseWriter, status int, msg string) {
	writeUMA(ctx, w, umaEnvelope{Code: status, Error: msg})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %v", err)
	}
	return nil
}

// resource returns the resource set of the request path owned by tok. The lock must be held.
func (s *Server) resource(ctx context.Context, w http.ResponseWriter, r *http.Request, tok accessToken) (*uma.ResourceSet, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["resourceId"], 10, 64)
	if err != nil {
		writeUMAError(ctx, w, http.StatusBadRequest, "invalid resource set id")
		return nil, false
	}
	rs, ok := s.resources[id]
	if !ok {
		writeUMAError(ctx, w, http.StatusNotFound, fmt.Sprintf("resource set %d not found", id))
		return nil, false
	}
	if rs.Owner != tok.username {
		writeUMAError(ctx, w, http.StatusForbidden, fmt.Sprintf("resource set %d is not owned by %s", id, tok.username))
		return nil, false
	}
	return rs, true
}

func policyID(r *http.Request) (int64, error) {
	return strconv.ParseInt(mux.Vars(r)["policyId"], 10, 64)
}

func (s *Server) umaCreateResource(w http.ResponseWriter, r *http.Request, tok accessToken) {
	ctx := r.Context()

	var rs uma.ResourceSet
	if err := decodeBody(r, &rs); err != nil {
		writeUMAError(ctx, w, http.StatusBadRequest, err.Error())
		return
	}
	if rs.Name == "" || len(rs.Scopes) == 0 {
		writeUMAError(ctx, w, http.StatusBadRequest, "resource set needs a name and at least one scope")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastResource++
	rs.ID = s.lastResource
	rs.Owner = tok.username
	rs.ClientID = tok.clientID
	rs.Policies = nil
	s.resources[rs.ID] = &rs

	writeUMA(ctx, w, umaEnvelope{
		Entity:     rs,
		Location:   fmt.Sprintf("%s%s/%d", CASPrefix, consts.ResourceSetPath, rs.ID),
		ResourceID: rs.ID,
	})
}

func (s *Server) umaListResources(w http.ResponseWriter, r *http.Request, tok accessToken) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := []int64{}
	for id, rs := range s.resources {
		if rs.Owner == tok.username {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	writeUMA(r.Context(), w, umaEnvelope{Entity: ids})
}

func (s *Server) umaGetResource(w http.ResponseWriter, r *http.Request, tok accessToken) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rs, ok := s.resource(r.Context(), w, r, tok)
	if !ok {
		return
	}
	writeUMA(r.Context(), w, umaEnvelope{Entity: rs, ResourceID: rs.ID})
}

func (s *Server) umaUpdateResource(w http.ResponseWriter, r *http.Request, tok accessToken) {
	ctx := r.Context()

	var update uma.ResourceSet
	if err := decodeBody(r, &update); err != nil {
		writeUMAError(ctx, w, http.StatusBadRequest, err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rs, ok := s.resource(ctx, w, r, tok)
	if !ok {
		return
	}
	rs.URI, rs.Type, rs.Name = update.URI, update.Type, update.Name
	if len(update.Scopes) > 0 {
		rs.Scopes = update.Scopes
	}
	writeUMA(ctx, w, umaEnvelope{Entity: rs, ResourceID: rs.ID})
}

func (s *Server) umaDeleteResource(w http.ResponseWriter, r *http.Request, tok accessToken) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rs, ok := s.resource(r.Context(), w, r, tok)
	if !ok {
		return
	}
	delete(s.resources, rs.ID)
	writeUMA(r.Context(), w, umaEnvelope{ResourceID: rs.ID})
}

func (s *Server) umaCreatePolicy(w http.ResponseWriter, r *http.Request, tok accessToken) {
	ctx := r.Context()

	var p uma.Policy
	if err := decodeBody(r, &p); err != nil {
		writeUMAError(ctx, w, http.StatusBadRequest, err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rs, ok := s.resource(ctx, w, r, tok)
	if !ok {
		return
	}
	if p.ID == 0 {
		for _, existing := range rs.Policies {
			p.ID = max(p.ID, existing.ID)
		}
		p.ID++
	}
	if uma.ContainsPolicy(rs.Policies, p.ID) {
		writeUMAError(ctx, w, http.StatusConflict, fmt.Sprintf("policy %d already exists", p.ID))
		return
	}
	rs.Policies = append(rs.Policies, p)

	writeUMA(ctx, w, umaEnvelope{Entity: rs, ResourceID: rs.ID})
}

func (s *Server) umaListPolicies(w http.ResponseWriter, r *http.Request, tok accessToken) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rs, ok := s.resource(r.Context(), w, r, tok)
	if !ok {
		return
	}
	policies := rs.Policies
	if policies == nil {
		policies = []uma.Policy{}
	}
	writeUMA(r.Context(), w, umaEnvelope{Entity: policies, ResourceID: rs.ID})
}

// policyIndex returns the position of the policy of the request path in rs. The lock must be held.
func policyIndex(ctx context.Context, w http.ResponseWriter, r *http.Request, rs *uma.ResourceSet) (int, bool) {
	id, err := policyID(r)
	if err != nil {
		writeUMAError(ctx, w, http.StatusBadRequest, "invalid policy id")
		return 0, false
	}
	i := slices.IndexFunc(rs.Policies, func(p uma.Policy) bool { return p.ID == id })
	if i < 0 {
		writeUMAError(ctx, w, http.StatusNotFound, fmt.Sprintf("policy %d not found on resource set %d", id, rs.ID))
		return 0, false
	}
	return i, true
}

func (s *Server) umaGetPolicy(w http.ResponseWriter, r *http.Request, tok accessToken) {
	ctx := r.Context()

	s.mu.Lock()
	defer s.mu.Unlock()

	rs, ok := s.resource(ctx, w, r, tok)
	if !ok {
		return
	}
	i, ok := policyIndex(ctx, w, r, rs)
	if !ok {
		return
	}
	writeUMA(ctx, w, umaEnvelope{Entity: rs.Policies[i], ResourceID: rs.ID})
}

func (s *Server) umaUpdatePolicy(w http.ResponseWriter, r *http.Request, tok accessToken) {
	ctx := r.Context()

	var p uma.Policy
	if err := decodeBody(r, &p); err != nil {
		writeUMAError(ctx, w, http.StatusBadRequest, err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rs, ok := s.resource(ctx, w, r, tok)
	if !ok {
		return
	}
	i, ok := policyIndex(ctx, w, r, rs)
	if !ok {
		return
	}
	if p.ID != 0 && p.ID != rs.Policies[i].ID {
		writeUMAError(ctx, w, http.StatusBadRequest, fmt.Sprintf("policy id %d does not match the path", p.ID))
		return
	}
	p.ID = rs.Policies[i].ID
	if s.cfg.Faults.MergePolicyUpdates {
		p.Permissions = mergePermissions(rs.Policies[i].Permissions, p.Permissions)
	}
	// Permissions are replaced as a whole.
	rs.Policies[i] = p

	writeUMA(ctx, w, umaEnvelope{Entity: rs, ResourceID: rs.ID})
}

func (s *Server) umaDeletePolicy(w http.ResponseWriter, r *http.Request, tok accessToken) {
	ctx := r.Context()

	s.mu.Lock()
	defer s.mu.Unlock()

	rs, ok := s.resource(ctx, w, r, tok)
	if !ok {
		return
	}
	i, ok := policyIndex(ctx, w, r, rs)
	if !ok {
		return
	}
	if s.cfg.Faults.KeepDeletedPolicies {
		log.Debugf(ctx, "mock: keeping deleted policy %d", rs.Policies[i].ID)
	} else {
		rs.Policies = slices.Delete(rs.Policies, i, i+1)
	}

	writeUMA(ctx, w, umaEnvelope{Entity: rs, ResourceID: rs.ID})
}

// mergePermissions returns update with the permissions of current it does not mention appended.
func mergePermissions(current, update []uma.Permission) []uma.Permission {
	merged := slices.Clone(update)
	for _, perm := range current {
		if !slices.ContainsFunc(update, func(u uma.Permission) bool { return u.ID == perm.ID }) {
			merged = append(merged, perm)
		}
	}
	return merged
}
