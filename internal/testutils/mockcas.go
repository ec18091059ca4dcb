package testutils

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/ubuntu/casprobe/internal/casmock"
	"github.com/ubuntu/casprobe/internal/profile"
)

type mockOptions struct {
	mutate func(*casmock.Config)
}

// MockOption allows to tweak the mock CAS server configuration.
type MockOption func(*mockOptions)

// WithMockConfig lets f change the mock configuration derived from the profile.
func WithMockConfig(f func(*casmock.Config)) MockOption {
	return func(o *mockOptions) {
		o.mutate = f
	}
}

// StartMockCAS starts a mock CAS server accepting the default profile credentials. It returns
// the server and a profile pointing at it, with short waits. The server is stopped on cleanup.
func StartMockCAS(t *testing.T, args ...MockOption) (*casmock.Server, profile.Profile) {
	t.Helper()

	opts := mockOptions{}
	for _, arg := range args {
		arg(&opts)
	}

	p := profile.Default()
	cfg := casmock.ConfigFromProfile(p)
	if opts.mutate != nil {
		opts.mutate(&cfg)
	}

	s, err := casmock.New(cfg)
	require.NoError(t, err, "Setup: could not create mock CAS server")

	done := make(chan error, 1)
	go func() { done <- s.Serve() }()
	t.Cleanup(func() {
		require.NoError(t, s.Stop(), "Teardown: could not stop mock CAS server")
		select {
		case err := <-done:
			require.NoError(t, err, "Teardown: mock CAS server did not serve cleanly")
		case <-time.After(5 * time.Second):
			t.Error("Teardown: mock CAS server did not stop in time")
		}
	})

	p.CAS.URL = s.CASURL()
	p.CAS.Service = s.ServiceURL()
	p.CAS.InsecureSkipVerify = false
	p.CAS.RequestTimeout = 5 * time.Second
	p.CAS.PollInterval = 20 * time.Millisecond
	p.CAS.WaitTimeout = 2 * time.Second

	return s, p
}

// ContextWithTimeout returns a context cancelled on cleanup or after d.
func ContextWithTimeout(t *testing.T, d time.Duration) context.Context {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), d)
	t.Cleanup(cancel)
	return ctx
}
