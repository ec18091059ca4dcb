package casmock_test

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/stretchr/testify/require"
	"github.com/ubuntu/casprobe/internal/browser"
	"github.com/ubuntu/casprobe/internal/casclient"
	"github.com/ubuntu/casprobe/internal/casmock"
	"github.com/ubuntu/casprobe/internal/consts"
	"github.com/ubuntu/casprobe/internal/logouttoken"
	"github.com/ubuntu/casprobe/internal/profile"
	"github.com/ubuntu/casprobe/internal/testutils"
	"github.com/ubuntu/casprobe/internal/uma"
)

const testTimeout = 20 * time.Second

func newCASClient(t *testing.T, p profile.Profile) *casclient.Client {
	t.Helper()

	c, err := casclient.New(p.CAS.URL, casclient.WithTimeout(p.CAS.RequestTimeout))
	require.NoError(t, err, "Setup: could not create CAS client")
	return c
}

func newBrowser(t *testing.T, p profile.Profile) *browser.HTTPBrowser {
	t.Helper()

	b, err := browser.NewHTTP(browser.WithWait(p.CAS.PollInterval, p.CAS.WaitTimeout))
	require.NoError(t, err, "Setup: could not create browser")
	t.Cleanup(b.Close)
	return b
}

// delegatedLogin logs in through the identity provider and returns the browser holding the session and the ticket.
func delegatedLogin(ctx context.Context, t *testing.T, p profile.Profile) (*browser.HTTPBrowser, string) {
	t.Helper()

	b := newBrowser(t, p)
	err := b.Goto(ctx, p.CAS.URL+consts.LoginPath+"?"+url.Values{"service": {p.CAS.Service}}.Encode())
	require.NoError(t, err, "Setup: could not open login page")
	require.NoError(t, b.Click(ctx, "li #"+p.Delegation.ClientName), "Setup: could not select identity provider")
	require.NoError(t, b.LoginWith(ctx, p.Delegation.Username, p.Delegation.Password), "Setup: could not log in")

	ticket := b.URL().Query().Get("ticket")
	require.NotEmpty(t, ticket, "Setup: no ticket after login, landed on %s", b.URL())
	return b, ticket
}

// localLogin logs in with CAS credentials and returns the service ticket, without following the redirect.
func localLogin(ctx context.Context, t *testing.T, p profile.Profile) string {
	t.Helper()

	form := url.Values{"username": {p.UMA.Username}, "password": {p.UMA.Password}}
	target := p.CAS.URL + consts.LoginPath + "?" + url.Values{"service": {p.CAS.Service}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(form.Encode()))
	require.NoError(t, err, "Setup: could not build login request")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	c := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}
	resp, err := c.Do(req)
	require.NoError(t, err, "Setup: login request failed")
	defer resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode, "Setup: login should redirect to the service")

	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err, "Setup: invalid redirect location")
	return loc.Query().Get("ticket")
}

func TestIdentityProviderDiscovery(t *testing.T) {
	t.Parallel()

	s, _ := testutils.StartMockCAS(t)
	ctx := testutils.ContextWithTimeout(t, testTimeout)

	provider, err := oidc.NewProvider(ctx, s.IssuerURL())
	require.NoError(t, err, "Discovery should succeed")
	require.Equal(t, s.IssuerURL()+"/protocol/openid-connect/token", provider.Endpoint().TokenURL, "Unexpected token endpoint")

	_, err = provider.Verifier(&oidc.Config{ClientID: "cas"}).Verify(ctx, "not-a-token")
	require.Error(t, err, "Garbage should not verify")
}

func TestDelegatedLogin(t *testing.T) {
	t.Parallel()

	_, p := testutils.StartMockCAS(t)
	ctx := testutils.ContextWithTimeout(t, testTimeout)
	cas := newCASClient(t, p)

	_, ticket := delegatedLogin(ctx, t, p)

	a, err := cas.ValidateServiceTicket(ctx, p.CAS.Service, ticket)
	require.NoError(t, err, "Ticket validation should succeed")
	require.Equal(t, p.Delegation.ExpectedUser, a.User, "Unexpected principal")
	require.Empty(t, a.MissingAttributes(p.Delegation.RequiredAttributes), "All attributes should be released")
	sid, ok := a.FirstAttribute("sid")
	require.True(t, ok, "sid should be released")
	require.NotEmpty(t, sid, "sid should not be empty")

	_, err = cas.ValidateServiceTicket(ctx, p.CAS.Service, ticket)
	var tve *casclient.TicketValidationError
	require.ErrorAs(t, err, &tve, "A ticket should only validate once")
	require.Equal(t, "INVALID_TICKET", tve.Code, "Unexpected failure code")
}

func TestIdentityProviderRejectsWrongPassword(t *testing.T) {
	t.Parallel()

	_, p := testutils.StartMockCAS(t)
	ctx := testutils.ContextWithTimeout(t, testTimeout)
	b := newBrowser(t, p)

	require.NoError(t, b.Goto(ctx, p.CAS.URL+consts.LoginPath), "Setup: could not open login page")
	require.NoError(t, b.Click(ctx, "li #"+p.Delegation.ClientName), "Setup: could not select identity provider")
	require.NoError(t, b.LoginWith(ctx, p.Delegation.Username, "wrong"), "Submitting the form should succeed")

	require.NoError(t, b.AssertVisible("#input-error"), "An error should be displayed")
	require.NoError(t, b.AssertVisible("#kc-form-login"), "The login form should be displayed again")
	require.Empty(t, b.URL().Query().Get("ticket"), "No ticket should be issued")
}

func TestServiceValidate(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		noTicket     bool
		wrongTicket  bool
		otherService bool

		wantCode string
	}{
		"Successfully_validates_ticket": {},

		"Error_if_ticket_is_missing":      {noTicket: true, wantCode: "INVALID_REQUEST"},
		"Error_if_ticket_is_unknown":      {wrongTicket: true, wantCode: "INVALID_TICKET"},
		"Error_if_service_does_not_match": {otherService: true, wantCode: "INVALID_SERVICE"},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			_, p := testutils.StartMockCAS(t)
			ctx := testutils.ContextWithTimeout(t, testTimeout)
			cas := newCASClient(t, p)

			ticket := localLogin(ctx, t, p)
			service := p.CAS.Service
			switch {
			case tc.noTicket:
				ticket = ""
			case tc.wrongTicket:
				ticket = "ST-unknown"
			case tc.otherService:
				service = "http://other.example.org/app"
			}

			resp, err := cas.Do(ctx, casclient.Request{
				Path:  consts.ServiceValidatePath,
				Query: url.Values{"service": {service}, "ticket": {ticket}, "format": {"JSON"}},
			})
			require.NoError(t, err, "Validation endpoint should answer 200")

			var got struct {
				ServiceResponse struct {
					AuthenticationSuccess *struct {
						User string `json:"user"`
					} `json:"authenticationSuccess"`
					AuthenticationFailure *struct {
						Code string `json:"code"`
					} `json:"authenticationFailure"`
				} `json:"serviceResponse"`
			}
			require.NoError(t, resp.Decode(&got), "Response should be JSON")

			if tc.wantCode != "" {
				require.NotNil(t, got.ServiceResponse.AuthenticationFailure, "Validation should fail")
				require.Equal(t, tc.wantCode, got.ServiceResponse.AuthenticationFailure.Code, "Unexpected failure code")
				return
			}
			require.NotNil(t, got.ServiceResponse.AuthenticationSuccess, "Validation should succeed")
			require.Equal(t, p.UMA.Username, got.ServiceResponse.AuthenticationSuccess.User, "Unexpected principal")
		})
	}
}

func TestServiceValidateDefaultsToXML(t *testing.T) {
	t.Parallel()

	_, p := testutils.StartMockCAS(t)
	ctx := testutils.ContextWithTimeout(t, testTimeout)
	cas := newCASClient(t, p)

	ticket := localLogin(ctx, t, p)
	resp, err := cas.Do(ctx, casclient.Request{
		Path:  consts.ServiceValidatePath,
		Query: url.Values{"service": {p.CAS.Service}, "ticket": {ticket}},
	})
	require.NoError(t, err, "Validation endpoint should answer 200")

	body := string(resp.Body)
	require.Contains(t, body, `<cas:serviceResponse xmlns:cas="http://www.yale.edu/tp/cas">`, "Response should be CAS XML")
	require.Contains(t, body, "<cas:user>"+p.UMA.Username+"</cas:user>", "Response should carry the principal")
}

func TestBackChannelLogout(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		secret     string
		clientName string
		otherSID   bool

		wantStatus    int
		wantLoggedOut bool
	}{
		"Successfully_terminates_the_session":     {wantStatus: http.StatusOK, wantLoggedOut: true},
		"Unknown_session_id_keeps_other_sessions": {otherSID: true, wantStatus: http.StatusOK},

		"Error_if_token_is_signed_with_another_key": {secret: "another-secret", wantStatus: http.StatusBadRequest},
		"Error_if_client_is_unknown":                {clientName: "Okta", wantStatus: http.StatusBadRequest},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			_, p := testutils.StartMockCAS(t)
			ctx := testutils.ContextWithTimeout(t, testTimeout)
			cas := newCASClient(t, p)

			b, ticket := delegatedLogin(ctx, t, p)
			a, err := cas.ValidateServiceTicket(ctx, p.CAS.Service, ticket)
			require.NoError(t, err, "Setup: ticket validation should succeed")
			sid, _ := a.FirstAttribute("sid")
			if tc.otherSID {
				sid = "sid-unknown"
			}

			secret := p.Delegation.LogoutSecret
			if tc.secret != "" {
				secret = tc.secret
			}
			clientName := p.Delegation.ClientName
			if tc.clientName != "" {
				clientName = tc.clientName
			}

			token, err := logouttoken.New(logouttoken.Claims{SessionID: sid, Subject: "casuser"}, []byte(secret))
			require.NoError(t, err, "Setup: could not create logout token")

			err = cas.BackChannelLogout(ctx, token, clientName)
			if tc.wantStatus != http.StatusOK {
				require.True(t, casclient.IsStatus(err, tc.wantStatus), "Logout should be answered with %d, got %v", tc.wantStatus, err)
			} else {
				require.NoError(t, err, "Logout should succeed")
			}

			require.NoError(t, b.Goto(ctx, p.CAS.URL+consts.LoginPath), "Could not reopen login page")
			_, hasCookie := b.Cookie(consts.TicketGrantingCookie)
			require.Equal(t, !tc.wantLoggedOut, hasCookie, "Unexpected ticket-granting cookie presence")
			if !tc.wantLoggedOut {
				require.NoError(t, b.AssertVisible("#loginSuccess"), "Session should still be active")
			}
		})
	}
}

func TestLogout(t *testing.T) {
	t.Parallel()

	_, p := testutils.StartMockCAS(t)
	ctx := testutils.ContextWithTimeout(t, testTimeout)

	b, _ := delegatedLogin(ctx, t, p)
	require.NoError(t, b.Goto(ctx, p.CAS.URL+consts.LogoutPath), "Logout should succeed")
	require.NoError(t, b.AssertVisible("#logoutSuccess"), "Logout page should be displayed")

	require.NoError(t, b.Goto(ctx, p.CAS.URL+consts.LoginPath), "Could not reopen login page")
	_, hasCookie := b.Cookie(consts.TicketGrantingCookie)
	require.False(t, hasCookie, "No ticket-granting cookie should remain")
	require.NoError(t, b.AssertVisible("#loginProviders"), "Login page should be displayed")
}

func TestPasswordToken(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		clientSecret string
		password     string

		wantStatus int
	}{
		"Successfully_issues_token": {},

		"Error_if_client_secret_is_wrong": {clientSecret: "wrong", wantStatus: http.StatusUnauthorized},
		"Error_if_password_is_wrong":      {password: "wrong", wantStatus: http.StatusBadRequest},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			_, p := testutils.StartMockCAS(t)
			ctx := testutils.ContextWithTimeout(t, testTimeout)
			cas := newCASClient(t, p)

			g := casclient.PasswordGrant{
				ClientID:     p.UMA.ClientID,
				ClientSecret: p.UMA.ClientSecret,
				Username:     p.UMA.Username,
				Password:     p.UMA.Password,
				Scopes:       []string{consts.UMAProtectionScope},
			}
			if tc.clientSecret != "" {
				g.ClientSecret = tc.clientSecret
			}
			if tc.password != "" {
				g.Password = tc.password
			}

			tok, err := cas.PasswordToken(ctx, g)
			if tc.wantStatus != 0 {
				require.True(t, casclient.IsStatus(err, tc.wantStatus), "Token request should fail with %d, got %v", tc.wantStatus, err)
				return
			}
			require.NoError(t, err, "Token request should succeed")
			require.NotEmpty(t, tok.AccessToken, "An access token should be issued")
			require.Equal(t, consts.UMAProtectionScope, tok.Extra("scope"), "Granted scope should be returned")
		})
	}
}

func TestUMAProtection(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		token  string
		scopes []string

		wantStatus int
	}{
		"Error_without_token":                {wantStatus: http.StatusUnauthorized},
		"Error_with_unknown_token":           {token: "AT-unknown", wantStatus: http.StatusUnauthorized},
		"Error_without_uma_protection_scope": {scopes: []string{"openid"}, wantStatus: http.StatusForbidden},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			_, p := testutils.StartMockCAS(t)
			ctx := testutils.ContextWithTimeout(t, testTimeout)
			cas := newCASClient(t, p)

			token := tc.token
			if tc.scopes != nil {
				tok, err := cas.PasswordToken(ctx, casclient.PasswordGrant{
					ClientID:     p.UMA.ClientID,
					ClientSecret: p.UMA.ClientSecret,
					Username:     p.UMA.Username,
					Password:     p.UMA.Password,
					Scopes:       tc.scopes,
				})
				require.NoError(t, err, "Setup: token request should succeed")
				token = tok.AccessToken
			}

			_, err := uma.New(cas, token).CreateResource(ctx, uma.ResourceSet{Name: "Photos API", Scopes: []string{"read"}})
			require.True(t, casclient.IsStatus(err, tc.wantStatus), "Request should fail with %d, got %v", tc.wantStatus, err)
		})
	}
}

func TestUMAPolicyErrors(t *testing.T) {
	t.Parallel()

	_, p := testutils.StartMockCAS(t)
	ctx := testutils.ContextWithTimeout(t, testTimeout)
	cas := newCASClient(t, p)

	tok, err := cas.PasswordToken(ctx, casclient.PasswordGrant{
		ClientID:     p.UMA.ClientID,
		ClientSecret: p.UMA.ClientSecret,
		Username:     p.UMA.Username,
		Password:     p.UMA.Password,
		Scopes:       []string{consts.UMAProtectionScope},
	})
	require.NoError(t, err, "Setup: token request should succeed")
	client := uma.New(cas, tok.AccessToken)

	_, err = client.CreateResource(ctx, uma.ResourceSet{Name: "No scopes"})
	require.True(t, casclient.IsStatus(err, http.StatusBadRequest), "Resource set without scopes should be rejected, got %v", err)

	resp, err := client.CreateResource(ctx, uma.ResourceSet{Name: "Photos API", Scopes: []string{"read"}})
	require.NoError(t, err, "Setup: resource set creation should succeed")
	id, err := resp.ResourceSetID()
	require.NoError(t, err, "Setup: resource set id should be returned")

	_, err = client.GetPolicy(ctx, id, 42)
	require.True(t, casclient.IsStatus(err, http.StatusNotFound), "Missing policy should not be found, got %v", err)

	_, err = client.ListPolicies(ctx, "999")
	require.True(t, casclient.IsStatus(err, http.StatusNotFound), "Missing resource set should not be found, got %v", err)

	policy := uma.Policy{ID: 42, Permissions: []uma.Permission{{ID: 1, Subject: p.UMA.Username, Scopes: []string{"read"}}}}
	_, err = client.CreatePolicy(ctx, id, policy)
	require.NoError(t, err, "Setup: policy creation should succeed")
	_, err = client.CreatePolicy(ctx, id, policy)
	require.True(t, casclient.IsStatus(err, http.StatusConflict), "Duplicate policy should conflict, got %v", err)

	_, err = client.UpdatePolicy(ctx, id, uma.Policy{ID: 43})
	require.True(t, casclient.IsStatus(err, http.StatusNotFound), "Updating a missing policy should fail, got %v", err)

	resp, err = client.GetResource(ctx, id)
	require.NoError(t, err, "Resource set should be fetched")
	rs, err := resp.ResourceSet()
	require.NoError(t, err, "Resource set should be decoded")
	require.Equal(t, p.UMA.Username, rs.Owner, "Resource set should be owned by the token owner")
	require.True(t, uma.ContainsPolicy(rs.Policies, 42), "Resource set should list its policies")

	_, err = client.DeleteResource(ctx, id)
	require.NoError(t, err, "Resource set deletion should succeed")
	_, err = client.GetResource(ctx, id)
	require.True(t, casclient.IsStatus(err, http.StatusNotFound), "Deleted resource set should not be found, got %v", err)
}

func TestNew(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		mutate func(*casmock.Config)

		wantErr bool
	}{
		"Successfully_creates_server": {},

		"Error_without_client_name":   {mutate: func(c *casmock.Config) { c.ClientName = "" }, wantErr: true},
		"Error_without_logout_secret": {mutate: func(c *casmock.Config) { c.LogoutSecret = "" }, wantErr: true},
		"Error_with_invalid_address":  {mutate: func(c *casmock.Config) { c.Listen = "not-an-address" }, wantErr: true},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			cfg := casmock.DefaultConfig()
			if tc.mutate != nil {
				tc.mutate(&cfg)
			}

			s, err := casmock.New(cfg)
			if tc.wantErr {
				require.Error(t, err, "New should return an error")
				return
			}
			require.NoError(t, err, "New should not return an error")
			require.NoError(t, s.Close(), "Close should not return an error")
		})
	}
}
