// Package profile describes the CAS deployment the scenarios run against.
//
// A profile is an ini file with a [cas], a [delegation] and an [uma] section. Files found
// in the "<profile>.d" directory next to it are merged on top, in lexical order.
package profile

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ubuntu/decorate"
	"gopkg.in/ini.v1"
)

// Configuration sections and keys.
const (
	casSection            = "cas"
	urlKey                = "url"
	serviceKey            = "service"
	insecureKey           = "insecure_skip_verify"
	requestTimeoutKey     = "request_timeout"
	pollIntervalKey       = "poll_interval"
	waitTimeoutKey        = "wait_timeout"
	delegationSection     = "delegation"
	clientNameKey         = "client_name"
	usernameKey           = "username"
	passwordKey           = "password"
	expectedUserKey       = "expected_user"
	requiredAttributesKey = "required_attributes"
	logoutSecretKey       = "logout_secret"
	logoutIssuerKey       = "logout_issuer"
	logoutAudienceKey     = "logout_audience"
	logoutSubjectKey      = "logout_subject"
	logoutClientIDKey     = "logout_client_id"
	umaSection            = "uma"
	clientIDKey           = "client_id"
	clientSecretKey       = "client_secret"
	resourceURIKey        = "resource_uri"
	resourceTypeKey       = "resource_type"
	resourceNameKey       = "resource_name"
	resourceScopesKey     = "resource_scopes"
	policyIDKey           = "policy_id"
)

// Profile is the full description of the system under test.
type Profile struct {
	CAS        CAS
	Delegation Delegation
	UMA        UMA
}

// CAS locates the server and tunes how patiently we talk to it.
type CAS struct {
	// URL is the CAS base URL, for instance https://localhost:8443/cas.
	URL string
	// Service is the application URL tickets are issued for.
	Service            string
	InsecureSkipVerify bool
	RequestTimeout     time.Duration
	PollInterval       time.Duration
	WaitTimeout        time.Duration
}

// Delegation configures the delegated login scenario.
type Delegation struct {
	// ClientName is the name of the external identity provider as registered in CAS.
	ClientName         string
	Username           string
	Password           string
	ExpectedUser       string
	RequiredAttributes []string

	// LogoutSecret is the identity provider key the back-channel logout token is signed with.
	LogoutSecret   string
	LogoutIssuer   string
	LogoutAudience string
	LogoutSubject  string
	LogoutClientID string
}

// UMA configures the resource and policy management scenario.
type UMA struct {
	ClientID       string
	ClientSecret   string
	Username       string
	Password       string
	ResourceURI    string
	ResourceType   string
	ResourceName   string
	ResourceScopes []string
	PolicyID       int64
}

// Default returns the profile matching the reference CAS test deployment.
func Default() Profile {
	return Profile{
		CAS: CAS{
			URL:                "https://localhost:8443/cas",
			Service:            "https://localhost:9859/anything/cas",
			InsecureSkipVerify: true,
			RequestTimeout:     30 * time.Second,
			PollInterval:       250 * time.Millisecond,
			WaitTimeout:        10 * time.Second,
		},
		Delegation: Delegation{
			ClientName:         "Keycloak",
			Username:           "caskeycloak",
			Password:           "r2RlZXz6f2h5",
			ExpectedUser:       "caskeycloak@example.org",
			RequiredAttributes: []string{"name", "email", "department", "cas_role", "sid", "access_token", "refresh_token"},
			LogoutSecret:       "enTHR15K28p0N6f404HaC9Vp1cfIBgQiHhmbgBiO7UHEnSiNJudxtDhPQNFjFQtOVSjEYu0pr5yxEeBAiO6IlA",
			LogoutIssuer:       "https://localhost:8989/realms/cas",
			LogoutAudience:     "kc-client",
			LogoutSubject:      "casuser",
			LogoutClientID:     "caskeycloak",
		},
		UMA: UMA{
			ClientID:       "client",
			ClientSecret:   "secret",
			Username:       "casuser",
			Password:       "Mellon",
			ResourceURI:    "http://api.example.org/photos/**",
			ResourceType:   "website",
			ResourceName:   "Photos API",
			ResourceScopes: []string{"create", "read"},
			PolicyID:       1234,
		},
	}
}

// Load reads the profile at path, with its drop-in files, on top of the defaults.
func Load(path string) (p Profile, err error) {
	defer decorate.OnError(&err, "could not load profile %q", path)

	dropInFiles, err := getDropInFiles(path)
	if err != nil {
		return Profile{}, err
	}

	iniCfg, err := ini.Load(path, dropInFiles...)
	if err != nil {
		return Profile{}, err
	}

	// Check if any of the keys still contain the placeholders.
	for _, section := range iniCfg.Sections() {
		for _, key := range section.Keys() {
			if strings.Contains(key.Value(), "<") && strings.Contains(key.Value(), ">") {
				err = errors.Join(err, fmt.Errorf("found invalid character in section %q, key %q", section.Name(), key.Name()))
			}
		}
	}
	if err != nil {
		return Profile{}, fmt.Errorf("profile has invalid values, did you edit the file %q?\n%w", path, err)
	}

	p = Default()
	r := reader{}

	if sec, e := iniCfg.GetSection(casSection); e == nil {
		r.str(sec, urlKey, &p.CAS.URL)
		r.str(sec, serviceKey, &p.CAS.Service)
		r.boolean(sec, insecureKey, &p.CAS.InsecureSkipVerify)
		r.duration(sec, requestTimeoutKey, &p.CAS.RequestTimeout)
		r.duration(sec, pollIntervalKey, &p.CAS.PollInterval)
		r.duration(sec, waitTimeoutKey, &p.CAS.WaitTimeout)
	}

	if sec, e := iniCfg.GetSection(delegationSection); e == nil {
		r.str(sec, clientNameKey, &p.Delegation.ClientName)
		r.str(sec, usernameKey, &p.Delegation.Username)
		r.str(sec, passwordKey, &p.Delegation.Password)
		r.str(sec, expectedUserKey, &p.Delegation.ExpectedUser)
		r.list(sec, requiredAttributesKey, &p.Delegation.RequiredAttributes)
		r.str(sec, logoutSecretKey, &p.Delegation.LogoutSecret)
		r.str(sec, logoutIssuerKey, &p.Delegation.LogoutIssuer)
		r.str(sec, logoutAudienceKey, &p.Delegation.LogoutAudience)
		r.str(sec, logoutSubjectKey, &p.Delegation.LogoutSubject)
		r.str(sec, logoutClientIDKey, &p.Delegation.LogoutClientID)
	}

	if sec, e := iniCfg.GetSection(umaSection); e == nil {
		r.str(sec, clientIDKey, &p.UMA.ClientID)
		r.str(sec, clientSecretKey, &p.UMA.ClientSecret)
		r.str(sec, usernameKey, &p.UMA.Username)
		r.str(sec, passwordKey, &p.UMA.Password)
		r.str(sec, resourceURIKey, &p.UMA.ResourceURI)
		r.str(sec, resourceTypeKey, &p.UMA.ResourceType)
		r.str(sec, resourceNameKey, &p.UMA.ResourceName)
		r.list(sec, resourceScopesKey, &p.UMA.ResourceScopes)
		r.int64(sec, policyIDKey, &p.UMA.PolicyID)
	}

	if r.err != nil {
		return Profile{}, r.err
	}

	return p, p.Validate()
}

// Validate checks that the profile can be used to drive a CAS server.
func (p Profile) Validate() (err error) {
	for name, v := range map[string]string{"cas url": p.CAS.URL, "cas service": p.CAS.Service} {
		u, e := url.Parse(v)
		if e != nil || u.Scheme == "" || u.Host == "" {
			err = errors.Join(err, fmt.Errorf("%s %q is not an absolute URL", name, v))
		}
	}
	if p.CAS.RequestTimeout <= 0 {
		err = errors.Join(err, errors.New("request timeout must be positive"))
	}
	if p.CAS.PollInterval <= 0 {
		err = errors.Join(err, errors.New("poll interval must be positive"))
	}
	if p.CAS.WaitTimeout < p.CAS.PollInterval {
		err = errors.Join(err, errors.New("wait timeout must not be shorter than the poll interval"))
	}
	if p.Delegation.ClientName == "" {
		err = errors.Join(err, errors.New("delegation client name is required and was not provided"))
	}
	if p.Delegation.LogoutSecret == "" {
		err = errors.Join(err, errors.New("delegation logout secret is required and was not provided"))
	}
	if p.UMA.ClientID == "" {
		err = errors.Join(err, errors.New("uma client id is required and was not provided"))
	}
	if len(p.UMA.ResourceScopes) == 0 {
		err = errors.Join(err, errors.New("uma resource scopes are required and were not provided"))
	}
	if p.UMA.PolicyID <= 0 {
		err = errors.Join(err, fmt.Errorf("uma policy id must be positive, got %d", p.UMA.PolicyID))
	}
	return err
}

func getDropInFiles(cfgPath string) ([]any, error) {
	// Check if a .d directory exists and return the paths to the files in it.
	dropInDir := cfgPath + ".d"
	files, err := os.ReadDir(dropInDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var dropInFiles []any
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		dropInFiles = append(dropInFiles, filepath.Join(dropInDir, file.Name()))
	}

	return dropInFiles, nil
}

// reader copies present keys into their destination and accumulates conversion errors.
type reader struct {
	err error
}

func (r *reader) str(sec *ini.Section, key string, dst *string) {
	if !sec.HasKey(key) {
		return
	}
	*dst = sec.Key(key).String()
}

func (r *reader) list(sec *ini.Section, key string, dst *[]string) {
	if !sec.HasKey(key) {
		return
	}
	var values []string
	for _, v := range sec.Key(key).Strings(",") {
		if v != "" {
			values = append(values, v)
		}
	}
	*dst = values
}

func (r *reader) boolean(sec *ini.Section, key string, dst *bool) {
	if !sec.HasKey(key) {
		return
	}
	v, err := sec.Key(key).Bool()
	if err != nil {
		r.err = errors.Join(r.err, fmt.Errorf("section %q, key %q: %w", sec.Name(), key, err))
		return
	}
	*dst = v
}

func (r *reader) duration(sec *ini.Section, key string, dst *time.Duration) {
	if !sec.HasKey(key) {
		return
	}
	v, err := sec.Key(key).Duration()
	if err != nil {
		r.err = errors.Join(r.err, fmt.Errorf("section %q, key %q: %w", sec.Name(), key, err))
		return
	}
	*dst = v
}

func (r *reader) int64(sec *ini.Section, key string, dst *int64) {
	if !sec.HasKey(key) {
		return
	}
	v, err := sec.Key(key).Int64()
	if err != nil {
		r.err = errors.Join(r.err, fmt.Errorf("section %q, key %q: %w", sec.Name(), key, err))
		return
	}
	*dst = v
}
