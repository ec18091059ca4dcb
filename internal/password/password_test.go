package password_test

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/ubuntu/casprobe/internal/password"
)

func TestHash(t *testing.T) {
	t.Parallel()

	first, err := password.Hash("test123")
	require.NoError(t, err, "Hash should not fail")
	second, err := password.Hash("test123")
	require.NoError(t, err, "Hash should not fail")

	require.NotEqual(t, first, second, "Hashes of the same password should be salted differently")
}

func TestCheck(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		password string
		encoded  string

		wantMatch     bool
		expectedError error
	}{
		"Success_when_password_matches":        {password: "test123", wantMatch: true},
		"No_match_when_password_doesn't_match": {password: "not-test123", wantMatch: false},

		"Error_when_hash_contains_garbage": {password: "test123", encoded: "\x00", expectedError: base64.CorruptInputError(0)},
		"Error_when_hash_is_too_short":     {password: "test123", encoded: base64.StdEncoding.EncodeToString([]byte("short")), expectedError: password.ErrMalformedHash},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			if tc.encoded == "" {
				h, err := password.Hash("test123")
				require.NoError(t, err, "Setup: Hash should not fail")
				tc.encoded = h
			}

			match, err := password.Check(tc.password, tc.encoded)
			if tc.expectedError != nil {
				require.ErrorIs(t, err, tc.expectedError, "Check should have failed")
			} else {
				require.NoError(t, err, "Check should not fail")
			}

			require.Equal(t, tc.wantMatch, match, "Check returned unexpected result")
		})
	}
}

func TestStoreVerify(t *testing.T) {
	t.Parallel()

	s := password.NewStore()
	require.NoError(t, s.Set("casuser", "Mellon"), "Setup: Set should not fail")

	tests := map[string]struct {
		username string
		password string

		want bool
	}{
		"Known_user_with_right_password": {username: "casuser", password: "Mellon", want: true},
		"Known_user_with_wrong_password": {username: "casuser", password: "mellon"},
		"Unknown_user":                   {username: "nobody", password: "Mellon"},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			require.Equal(t, tc.want, s.Verify(tc.username, tc.password))
		})
	}
}
