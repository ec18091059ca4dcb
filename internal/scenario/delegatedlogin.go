package scenario

import (
	"context"
	"net/url"
	"strings"

	"github.com/ubuntu/casprobe/internal/casclient"
	"github.com/ubuntu/casprobe/internal/consts"
	"github.com/ubuntu/casprobe/internal/log"
	"github.com/ubuntu/casprobe/internal/logouttoken"
)

// passwordField matches the credential field of any login form.
const passwordField = `input[type="password"]`

// DelegatedLogin logs in through an external OpenID Connect identity provider, validates the
// resulting service ticket, then terminates the single sign-on session with a back-channel
// logout token.
type DelegatedLogin struct{}

// Name is the name of the scenario.
func (DelegatedLogin) Name() string {
	return "delegated-login-cas-rp-oidc-idp"
}

// Description is a one line summary of what the scenario checks.
func (DelegatedLogin) Description() string {
	return "Delegated login through an OIDC identity provider, ticket validation, SSO and back-channel logout"
}

// Run runs the scenario.
func (DelegatedLogin) Run(ctx context.Context, env *Env) error {
	p := env.Profile

	b, err := env.NewBrowser()
	if err != nil {
		return err
	}
	defer b.Close()

	loginURL := env.CAS.URL(consts.LoginPath)
	idpEntry := "li #" + p.Delegation.ClientName

	if err := env.Step(ctx, "Select identity provider", func(ctx context.Context) error {
		if err := b.Goto(ctx, loginURL+"?"+url.Values{"service": {p.CAS.Service}}.Encode()); err != nil {
			return err
		}
		if err := b.WaitFor(ctx, idpEntry); err != nil {
			return err
		}
		if err := b.AssertVisible(idpEntry); err != nil {
			return &AssertionError{Message: err.Error()}
		}
		if err := b.Click(ctx, idpEntry); err != nil {
			return err
		}
		return b.WaitFor(ctx, passwordField)
	}); err != nil {
		return err
	}

	var ticket string
	if err := env.Step(ctx, "Log in at identity provider", func(ctx context.Context) error {
		if err := b.LoginWith(ctx, p.Delegation.Username, p.Delegation.Password); err != nil {
			return err
		}
		landed := b.URL()
		log.Debugf(ctx, "Landed on %s", landed)

		ticket = landed.Query().Get("ticket")
		if err := assertf(ticket != "", "no ticket in %s (status %d)", landed.Redacted(), b.Status()); err != nil {
			return err
		}
		return assertf(strings.HasPrefix(landed.String(), strings.TrimSuffix(p.CAS.Service, "/")),
			"redirected to %s instead of service %s", landed.Redacted(), p.CAS.Service)
	}); err != nil {
		return err
	}

	var assertion casclient.Assertion
	if err := env.Step(ctx, "Validate service ticket", func(ctx context.Context) (err error) {
		assertion, err = env.CAS.ValidateServiceTicket(ctx, p.CAS.Service, ticket)
		if err != nil {
			return err
		}
		if err := assertf(assertion.User == p.Delegation.ExpectedUser,
			"authenticated user is %q, want %q", assertion.User, p.Delegation.ExpectedUser); err != nil {
			return err
		}
		missing := assertion.MissingAttributes(p.Delegation.RequiredAttributes)
		if err := assertf(len(missing) == 0, "attributes %v were not released", missing); err != nil {
			return err
		}
		sid, _ := assertion.FirstAttribute("sid")
		return assertf(sid != "", "attribute sid carries no session id")
	}); err != nil {
		return err
	}

	if err := env.Step(ctx, "Single sign-on session is active", func(ctx context.Context) error {
		if err := b.Goto(ctx, loginURL); err != nil {
			return err
		}
		_, ok := b.Cookie(consts.TicketGrantingCookie)
		return assertf(ok, "no %s cookie after login", consts.TicketGrantingCookie)
	}); err != nil {
		return err
	}

	log.Separator(ctx)

	if err := env.Step(ctx, "Back-channel logout", func(ctx context.Context) error {
		sid, _ := assertion.FirstAttribute("sid")
		token, err := logouttoken.New(logouttoken.Claims{
			Issuer:    p.Delegation.LogoutIssuer,
			SessionID: sid,
			Audience:  p.Delegation.LogoutAudience,
			Subject:   p.Delegation.LogoutSubject,
			ClientID:  p.Delegation.LogoutClientID,
		}, []byte(p.Delegation.LogoutSecret))
		if err != nil {
			return err
		}
		return env.CAS.BackChannelLogout(ctx, token, p.Delegation.ClientName)
	}); err != nil {
		return err
	}

	return env.Step(ctx, "Single sign-on session is terminated", func(ctx context.Context) error {
		if err := b.Goto(ctx, loginURL); err != nil {
			return err
		}
		_, ok := b.Cookie(consts.TicketGrantingCookie)
		return assertf(!ok, "%s cookie is still valid after back-channel logout", consts.TicketGrantingCookie)
	})
}
