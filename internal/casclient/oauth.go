package casclient

import (
	"context"
	"errors"
	"net/http"

	"github.com/ubuntu/casprobe/internal/consts"
	"github.com/ubuntu/decorate"
	"golang.org/x/oauth2"
)

// PasswordGrant holds the client and resource owner credentials of an OAuth 2.0 password grant.
type PasswordGrant struct {
	ClientID     string
	ClientSecret string
	Username     string
	Password     string
	Scopes       []string
}

// PasswordToken obtains an access token from the CAS OAuth 2.0 token endpoint with the password grant.
func (c *Client) PasswordToken(ctx context.Context, g PasswordGrant) (tok *oauth2.Token, err error) {
	defer decorate.OnError(&err, "could not obtain an access token for %q", g.Username)

	cfg := oauth2.Config{
		ClientID:     g.ClientID,
		ClientSecret: g.ClientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  c.URL(consts.TokenPath),
			AuthStyle: oauth2.AuthStyleInParams,
		},
		Scopes: g.Scopes,
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.HTTPClient())
	tok, err = cfg.PasswordCredentialsToken(ctx, g.Username, g.Password)
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil {
			return nil, &RequestError{
				Method: http.MethodPost,
				URL:    cfg.Endpoint.TokenURL,
				Status: re.Response.StatusCode,
				Body:   string(re.Body),
			}
		}
		return nil, &RequestError{Method: http.MethodPost, URL: cfg.Endpoint.TokenURL, Err: err}
	}

	return tok, nil
}
