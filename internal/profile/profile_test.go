package profile_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/ubuntu/casprobe/internal/profile"
)

var profileTypes = map[string]string{
	"valid": `
[cas]
url = http://127.0.0.1:8080/cas
service = http://127.0.0.1:8080/anything/cas
insecure_skip_verify = false
request_timeout = 5s
poll_interval = 100ms
wait_timeout = 2s

[delegation]
client_name = OktaIdP
username = jdoe
password = secret
expected_user = jdoe@example.org
required_attributes = name, email ,sid
logout_secret = shared-secret

[uma]
client_id = uma-client
client_secret = uma-secret
resource_scopes = read,write,delete
policy_id = 42
`,

	"partial": `
[cas]
url = http://cas.example.org/cas
`,

	"template": `
[cas]
url = https://<CAS_HOST>/cas
`,

	"bad-duration": `
[cas]
poll_interval = often
`,

	"bad-bool": `
[cas]
insecure_skip_verify = maybe
`,

	"bad-url": `
[cas]
url = /cas
`,

	"bad-policy-id": `
[uma]
policy_id = 0
`,

	"empty-scopes": `
[uma]
resource_scopes = ,
`,
}

func TestLoad(t *testing.T) {
	t.Parallel()

	valid := profile.Default()
	valid.CAS = profile.CAS{
		URL:            "http://127.0.0.1:8080/cas",
		Service:        "http://127.0.0.1:8080/anything/cas",
		RequestTimeout: 5 * time.Second,
		PollInterval:   100 * time.Millisecond,
		WaitTimeout:    2 * time.Second,
	}
	valid.Delegation.ClientName = "OktaIdP"
	valid.Delegation.Username = "jdoe"
	valid.Delegation.Password = "secret"
	valid.Delegation.ExpectedUser = "jdoe@example.org"
	valid.Delegation.RequiredAttributes = []string{"name", "email", "sid"}
	valid.Delegation.LogoutSecret = "shared-secret"
	valid.UMA.ClientID = "uma-client"
	valid.UMA.ClientSecret = "uma-secret"
	valid.UMA.ResourceScopes = []string{"read", "write", "delete"}
	valid.UMA.PolicyID = 42

	partial := profile.Default()
	partial.CAS.URL = "http://cas.example.org/cas"

	dropIn := profile.Default()
	dropIn.CAS.URL = "http://cas.example.org/cas"
	dropIn.UMA.PolicyID = 7

	tests := map[string]struct {
		profileType string
		dropIns     []string

		want    profile.Profile
		wantErr bool
	}{
		"Successfully_load_a_complete_profile":           {profileType: "valid", want: valid},
		"Successfully_load_a_partial_profile":            {profileType: "partial", want: partial},
		"Drop_in_files_override_the_main_profile_values": {profileType: "partial", dropIns: []string{"[uma]\npolicy_id = 7\n"}, want: dropIn},

		"Error_if_file_does_not_exist":          {profileType: "inexistent", wantErr: true},
		"Error_if_file_is_not_updated":          {profileType: "template", wantErr: true},
		"Error_if_duration_is_invalid":          {profileType: "bad-duration", wantErr: true},
		"Error_if_boolean_is_invalid":           {profileType: "bad-bool", wantErr: true},
		"Error_if_url_is_not_absolute":          {profileType: "bad-url", wantErr: true},
		"Error_if_policy_id_is_not_positive":    {profileType: "bad-policy-id", wantErr: true},
		"Error_if_resource_scopes_are_empty":    {profileType: "empty-scopes", wantErr: true},
		"Error_if_drop_in_file_is_not_updated":  {profileType: "partial", dropIns: []string{"[cas]\nservice = <SERVICE>\n"}, wantErr: true},
		"Error_if_drop_in_file_has_invalid_int": {profileType: "partial", dropIns: []string{"[uma]\npolicy_id = abc\n"}, wantErr: true},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			path := filepath.Join(t.TempDir(), "casprobe.conf")
			if content, ok := profileTypes[tc.profileType]; ok {
				err := os.WriteFile(path, []byte(content), 0600)
				require.NoError(t, err, "Setup: could not write profile")
			}
			if len(tc.dropIns) > 0 {
				err := os.Mkdir(path+".d", 0700)
				require.NoError(t, err, "Setup: could not create drop-in directory")
				for i, content := range tc.dropIns {
					err := os.WriteFile(filepath.Join(path+".d", string(rune('a'+i))+".conf"), []byte(content), 0600)
					require.NoError(t, err, "Setup: could not write drop-in file")
				}
			}

			got, err := profile.Load(path)
			if tc.wantErr {
				require.Error(t, err, "Load should have returned an error")
				return
			}
			require.NoError(t, err, "Load should not have returned an error")
			require.Equal(t, tc.want, got, "Load returned an unexpected profile")
		})
	}
}

func TestDefaultIsValid(t *testing.T) {
	t.Parallel()

	require.NoError(t, profile.Default().Validate(), "Default profile should be valid")
}
