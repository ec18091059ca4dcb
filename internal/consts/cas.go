package consts

// CAS endpoints, relative to the CAS base URL (usually ending with /cas).
const (
	// LoginPath is the login endpoint. It also accepts back-channel logout requests.
	LoginPath = "/login"
	// LogoutPath ends the single sign-on session attached to the browser.
	LogoutPath = "/logout"
	// ClientRedirectPath starts a delegated authentication with an external identity provider.
	ClientRedirectPath = "/clientredirect"
	// ServiceValidatePath is the CAS protocol v3 ticket validation endpoint.
	ServiceValidatePath = "/p3/serviceValidate"

	// TokenPath is the OAuth 2.0 token endpoint.
	TokenPath = "/oauth2.0/token"
	// ResourceSetPath is the UMA resource set registration endpoint.
	ResourceSetPath = "/oauth2.0/resourceSet"
)
