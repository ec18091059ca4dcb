package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/ubuntu/casprobe/internal/casmock"
	"github.com/ubuntu/casprobe/internal/daemon"
	"github.com/ubuntu/casprobe/internal/log"
)

const defaultMockListen = "127.0.0.1:8080"

func (a *App) installMock() {
	cmd := &cobra.Command{
		Use:   "mock",
		Short: "Serve a mock CAS server and identity provider accepting the credentials of the profile",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serveMock(cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringP("listen", "l", defaultMockListen, "address the mock server listens on")
	if err := a.viper.BindPFlag("mock.listen", cmd.Flags().Lookup("listen")); err != nil {
		log.Warning(context.Background(), err.Error())
	}

	a.rootCmd.AddCommand(cmd)
}

// serveMock serves the mock server. This call is blocking until we quit it.
func (a *App) serveMock(w io.Writer) error {
	ctx := context.Background()
	// Quit() waits on readiness before stopping anything.
	defer a.setReady()

	p, err := a.loadProfile(ctx)
	if err != nil {
		return err
	}

	cfg := casmock.ConfigFromProfile(p)
	cfg.Listen = a.config.Mock.Listen

	s, err := casmock.New(cfg)
	if err != nil {
		return err
	}

	d, err := daemon.New(ctx, s)
	if err != nil {
		_ = s.Close()
		return err
	}

	a.mu.Lock()
	a.daemon = d
	a.mu.Unlock()
	a.setReady()

	fmt.Fprintf(w, "CAS server:        %s\n", s.CASURL())
	fmt.Fprintf(w, "Identity provider: %s\n", s.IssuerURL())
	fmt.Fprintf(w, "Service:           %s\n", s.ServiceURL())

	return d.Serve(ctx)
}
