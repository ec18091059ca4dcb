// Package logouttoken builds and verifies OpenID Connect back-channel logout tokens signed with HS512.
package logouttoken

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// BackChannelLogoutEvent is the member of the events claim identifying a logout token.
const BackChannelLogoutEvent = "http://schemas.openid.net/event/backchannel-logout"

// Claims identify the session an identity provider terminated.
type Claims struct {
	// JTI is generated when empty.
	JTI       string
	Issuer    string
	SessionID string
	Audience  string
	Subject   string
	ClientID  string
	// IssuedAt defaults to now.
	IssuedAt time.Time

	// HasLogoutEvent is set by Parse when the token carries the back-channel logout event.
	HasLogoutEvent bool
}

type tokenClaims struct {
	jwt.RegisteredClaims
	SessionID string         `json:"sid,omitempty"`
	ClientID  string         `json:"client_id,omitempty"`
	Events    map[string]any `json:"events,omitempty"`
}

// New returns the compact serialization of a logout token for c, signed with secret.
func New(c Claims, secret []byte) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("empty signing secret")
	}
	if c.SessionID == "" && c.Subject == "" {
		return "", errors.New("logout token needs a session id or a subject")
	}

	if c.JTI == "" {
		c.JTI = uuid.NewString()
	}
	if c.IssuedAt.IsZero() {
		c.IssuedAt = time.Now()
	}

	tc := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:       c.JTI,
			Issuer:   c.Issuer,
			Subject:  c.Subject,
			IssuedAt: jwt.NewNumericDate(c.IssuedAt),
		},
		SessionID: c.SessionID,
		ClientID:  c.ClientID,
		Events:    map[string]any{BackChannelLogoutEvent: map[string]any{}},
	}
	if c.Audience != "" {
		tc.Audience = jwt.ClaimStrings{c.Audience}
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS512, tc).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("could not sign logout token: %w", err)
	}
	return signed, nil
}

// Parse verifies token against secret and returns its claims. Only HS512 signatures are accepted.
func Parse(token string, secret []byte) (Claims, error) {
	var tc tokenClaims
	_, err := jwt.ParseWithClaims(token, &tc, func(*jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS512.Alg()}), jwt.WithIssuedAt())
	if err != nil {
		return Claims{}, fmt.Errorf("invalid logout token: %w", err)
	}

	if tc.SessionID == "" && tc.Subject == "" {
		return Claims{}, errors.New("invalid logout token: neither sid nor sub is set")
	}

	c := Claims{
		JTI:       tc.ID,
		Issuer:    tc.Issuer,
		SessionID: tc.SessionID,
		Subject:   tc.Subject,
		ClientID:  tc.ClientID,
	}
	if len(tc.Audience) > 0 {
		c.Audience = tc.Audience[0]
	}
	if tc.IssuedAt != nil {
		c.IssuedAt = tc.IssuedAt.Time
	}
	_, c.HasLogoutEvent = tc.Events[BackChannelLogoutEvent]

	return c, nil
}
