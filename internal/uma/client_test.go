package uma_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/ubuntu/casprobe/internal/casclient"
	"github.com/ubuntu/casprobe/internal/uma"
)

type seenRequest struct {
	method, path, auth, body string
}

func TestClient(t *testing.T) {
	t.Parallel()

	policy := uma.Policy{ID: 1234, Permissions: []uma.Permission{{ID: 1, Subject: "casuser", Scopes: []string{"read"}}}}
	rs := uma.ResourceSet{URI: "http://api.example.org/photos/**", Type: "website", Name: "Photos API", Scopes: []string{"read"}}

	tests := map[string]struct {
		call   func(context.Context, *uma.Client) (uma.Response, error)
		status int

		wantMethod string
		wantPath   string
		wantBody   any
		wantErr    bool
	}{
		"Create_resource": {
			call:       func(ctx context.Context, c *uma.Client) (uma.Response, error) { return c.CreateResource(ctx, rs) },
			wantMethod: http.MethodPost, wantPath: "/cas/oauth2.0/resourceSet", wantBody: rs,
		},
		"Get_resource": {
			call:       func(ctx context.Context, c *uma.Client) (uma.Response, error) { return c.GetResource(ctx, "7") },
			wantMethod: http.MethodGet, wantPath: "/cas/oauth2.0/resourceSet/7",
		},
		"Delete_resource": {
			call:       func(ctx context.Context, c *uma.Client) (uma.Response, error) { return c.DeleteResource(ctx, "7") },
			wantMethod: http.MethodDelete, wantPath: "/cas/oauth2.0/resourceSet/7",
		},
		"Create_policy": {
			call: func(ctx context.Context, c *uma.Client) (uma.Response, error) {
				return c.CreatePolicy(ctx, "7", policy)
			},
			wantMethod: http.MethodPost, wantPath: "/cas/oauth2.0/7/policy", wantBody: policy,
		},
		"Get_policy": {
			call:       func(ctx context.Context, c *uma.Client) (uma.Response, error) { return c.GetPolicy(ctx, "7", 1234) },
			wantMethod: http.MethodGet, wantPath: "/cas/oauth2.0/7/policy/1234",
		},
		"List_policies": {
			call:       func(ctx context.Context, c *uma.Client) (uma.Response, error) { return c.ListPolicies(ctx, "7") },
			wantMethod: http.MethodGet, wantPath: "/cas/oauth2.0/7/policy",
		},
		"Update_policy": {
			call: func(ctx context.Context, c *uma.Client) (uma.Response, error) {
				return c.UpdatePolicy(ctx, "7", policy)
			},
			wantMethod: http.MethodPut, wantPath: "/cas/oauth2.0/7/policy/1234", wantBody: policy,
		},
		"Delete_policy": {
			call:       func(ctx context.Context, c *uma.Client) (uma.Response, error) { return c.DeletePolicy(ctx, "7", 1234) },
			wantMethod: http.MethodDelete, wantPath: "/cas/oauth2.0/7/policy/1234",
		},

		"Error_if_server_answers_with_error_status": {
			call:       func(ctx context.Context, c *uma.Client) (uma.Response, error) { return c.GetPolicy(ctx, "7", 1) },
			status:     http.StatusNotFound,
			wantMethod: http.MethodGet, wantPath: "/cas/oauth2.0/7/policy/1",
			wantErr: true,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			status := tc.status
			if status == 0 {
				status = http.StatusOK
			}

			seen := make(chan seenRequest, 1)
			s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				body, _ := io.ReadAll(r.Body)
				seen <- seenRequest{method: r.Method, path: r.URL.Path, auth: r.Header.Get("Authorization"), body: string(body)}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(status)
				fmt.Fprintf(w, `{"code":%d,"resourceId":7}`, status)
			}))
			t.Cleanup(s.Close)

			cas, err := casclient.New(s.URL + "/cas")
			require.NoError(t, err, "Setup: could not create CAS client")
			c := uma.New(cas, "AT-1")

			got, err := tc.call(context.Background(), c)
			r := <-seen
			require.Equal(t, tc.wantMethod, r.method, "Unexpected method")
			require.Equal(t, tc.wantPath, r.path, "Unexpected path")
			require.Equal(t, "Bearer AT-1", r.auth, "Access token should be sent as bearer")

			if tc.wantBody == nil {
				require.Empty(t, strings.TrimSpace(r.body), "No body should be sent")
			} else {
				want, err := json.Marshal(tc.wantBody)
				require.NoError(t, err, "Setup: could not marshal expected body")
				require.JSONEq(t, string(want), r.body, "Unexpected body")
			}

			if tc.wantErr {
				require.Error(t, err, "Call should return an error")
				require.True(t, casclient.IsStatus(err, status), "Error should carry the status code")
				return
			}
			require.NoError(t, err, "Call should not return an error")
			require.JSONEq(t, fmt.Sprint(status), string(got.Code), "Envelope code should be kept")
			id, err := got.ResourceSetID()
			require.NoError(t, err, "Resource set id should be decoded")
			require.Equal(t, "7", id, "Unexpected resource set id")
		})
	}
}

func TestClientResponseShapes(t *testing.T) {
	t.Parallel()

	policy := uma.Policy{ID: 1234, Permissions: []uma.Permission{{ID: 1, Subject: "casuser", Scopes: []string{"read"}}}}
	rs := uma.ResourceSet{URI: "http://api.example.org/photos/**", Type: "website", Name: "Photos API", Scopes: []string{"read"}}

	tests := map[string]struct {
		call   func(context.Context, *uma.Client) (uma.Response, error)
		answer string

		wantResourceID string
		wantPolicy     *uma.Policy
		wantPolicies   []uma.Policy
	}{
		"Create_resource_with_status_name": {
			call:           func(ctx context.Context, c *uma.Client) (uma.Response, error) { return c.CreateResource(ctx, rs) },
			answer:         `{"code":"CREATED","resourceId":7,"location":"/cas/oauth2.0/resourceSet/7"}`,
			wantResourceID: "7",
		},
		"Get_policy_without_envelope": {
			call:       func(ctx context.Context, c *uma.Client) (uma.Response, error) { return c.GetPolicy(ctx, "7", 1234) },
			answer:     `{"id":1234,"permissions":[{"id":1,"subject":"casuser","scopes":["read"]}]}`,
			wantPolicy: &policy,
		},
		"List_policies_without_envelope": {
			call:         func(ctx context.Context, c *uma.Client) (uma.Response, error) { return c.ListPolicies(ctx, "7") },
			answer:       `[{"id":1234,"permissions":[{"id":1,"subject":"casuser","scopes":["read"]}]}]`,
			wantPolicies: []uma.Policy{policy},
		},
		"List_policies_with_status_name": {
			call:           func(ctx context.Context, c *uma.Client) (uma.Response, error) { return c.ListPolicies(ctx, "7") },
			answer:         `{"code":"FOUND","resourceId":7,"entity":[{"id":1234,"permissions":[{"id":1,"subject":"casuser","scopes":["read"]}]}]}`,
			wantResourceID: "7",
			wantPolicies:   []uma.Policy{policy},
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				fmt.Fprint(w, tc.answer)
			}))
			t.Cleanup(s.Close)

			cas, err := casclient.New(s.URL + "/cas")
			require.NoError(t, err, "Setup: could not create CAS client")

			got, err := tc.call(context.Background(), uma.New(cas, "AT-1"))
			require.NoError(t, err, "Call should not return an error")

			if tc.wantResourceID != "" {
				id, err := got.ResourceSetID()
				require.NoError(t, err, "Resource set id should be decoded")
				require.Equal(t, tc.wantResourceID, id, "Unexpected resource set id")
			}
			if tc.wantPolicy != nil {
				p, err := got.Policy()
				require.NoError(t, err, "Policy should be decoded")
				require.True(t, tc.wantPolicy.Equal(p), "Unexpected policy %+v", p)
			}
			if tc.wantPolicies != nil {
				policies, err := got.Policies()
				require.NoError(t, err, "Policies should be decoded")
				require.Equal(t, tc.wantPolicies, policies, "Unexpected policies")
			}
		})
	}
}

func TestPaths(t *testing.T) {
	t.Parallel()

	require.Equal(t, "/oauth2.0/resourceSet/42", uma.ResourceSetPath("42"), "Unexpected resource set path")
	require.Equal(t, "/oauth2.0/42/policy", uma.PolicyPath("42"), "Unexpected policy path")
}
