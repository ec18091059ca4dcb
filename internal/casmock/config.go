package casmock

import (
	"github.com/ubuntu/casprobe/internal/profile"
)

// IdPUser is an account of the mock identity provider.
type IdPUser struct {
	Password   string
	Name       string
	Email      string
	Department string
	Role       string
}

// Config describes the accounts and clients the mock knows about.
type Config struct {
	// Listen is the TCP address to listen on. Port 0 picks a free one.
	Listen string

	// ClientName is the name the identity provider is registered as in CAS.
	ClientName string
	// IdPClientID and IdPClientSecret are the credentials of CAS at the identity provider.
	IdPClientID     string
	IdPClientSecret string
	IdPUsers        map[string]IdPUser
	// LogoutSecret is the HS512 key back-channel logout tokens must be signed with.
	LogoutSecret string

	// CASUsers are the local CAS accounts, used for the OAuth 2.0 password grant.
	CASUsers map[string]string
	// OAuthClients maps OAuth 2.0 client ids to their secret.
	OAuthClients map[string]string

	Faults Faults
}

// Faults make the mock behave like a broken CAS deployment. They are all off by default.
type Faults struct {
	// MergePolicyUpdates keeps the permissions a policy update does not mention instead of replacing them.
	MergePolicyUpdates bool
	// KeepDeletedPolicies acknowledges policy deletions without removing anything.
	KeepDeletedPolicies bool
	// IgnoreBackChannelLogout acknowledges valid logout tokens without ending any session.
	IgnoreBackChannelLogout bool
}

// ConfigFromProfile returns a configuration accepting every credential p uses.
func ConfigFromProfile(p profile.Profile) Config {
	return Config{
		Listen:          "127.0.0.1:0",
		ClientName:      p.Delegation.ClientName,
		IdPClientID:     "cas",
		IdPClientSecret: "cas-secret",
		IdPUsers: map[string]IdPUser{
			p.Delegation.Username: {
				Password:   p.Delegation.Password,
				Name:       "CAS Keycloak",
				Email:      p.Delegation.ExpectedUser,
				Department: "Engineering",
				Role:       "admin",
			},
		},
		LogoutSecret: p.Delegation.LogoutSecret,
		CASUsers: map[string]string{
			p.UMA.Username: p.UMA.Password,
		},
		OAuthClients: map[string]string{
			p.UMA.ClientID: p.UMA.ClientSecret,
		},
	}
}

// DefaultConfig matches the default profile.
func DefaultConfig() Config {
	return ConfigFromProfile(profile.Default())
}
