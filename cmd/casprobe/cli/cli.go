// Package cli is the casprobe command line.
package cli

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/ubuntu/casprobe/internal/consts"
	"github.com/ubuntu/casprobe/internal/daemon"
	"github.com/ubuntu/casprobe/internal/log"
)

// App encapsulate commands and options of casprobe, which can be controlled by env variables and config files.
type App struct {
	rootCmd cobra.Command
	viper   *viper.Viper
	config  appConfig

	name string

	mu     sync.Mutex
	daemon *daemon.Daemon
	cancel context.CancelFunc

	ready     chan struct{}
	readyOnce sync.Once
}

// appConfig defines configuration parameters of the application.
type appConfig struct {
	Verbosity int
	// Profile is the scenario profile. The default profile is used when it is empty and
	// no casprobe.conf file is found in the current directory.
	Profile string
	// Report is where the YAML run report is written, if set.
	Report string
	Mock   mockConfig
}

type mockConfig struct {
	Listen string
}

// New registers commands and return a new App.
func New(name string) *App {
	a := App{ready: make(chan struct{}), name: name}
	a.rootCmd = cobra.Command{
		Use:   fmt.Sprintf("%s COMMAND", name),
		Short: "CAS conformance probe",
		Long:  fmt.Sprintf("%s drives a CAS server through its delegated login, back-channel logout and UMA contracts.", name),
		Args:  cobra.NoArgs,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Command parsing has been successful, so don't print the usage message on errors anymore.
			a.rootCmd.SilenceUsage = true

			// Install and unmarshall configuration
			if err := initViperConfig(name, cmd, a.viper); err != nil {
				return err
			}
			if err := a.viper.Unmarshal(&a.config); err != nil {
				return fmt.Errorf("unable to decode configuration into struct: %w", err)
			}

			setVerboseMode(a.config.Verbosity)

			log.Infof(context.Background(), "Version: %s", consts.Version)
			log.Debug(context.Background(), "Debug mode is enabled")

			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Usage()
		},
		// We display usage error ourselves
		SilenceErrors: true,
	}
	a.viper = viper.New()
	a.viper.SetDefault("mock.listen", defaultMockListen)

	installVerbosityFlag(&a.rootCmd, a.viper)
	installConfigFlag(&a.rootCmd, a.viper)
	a.rootCmd.PersistentFlags().StringP("paths-config", "", "", "use a specific application configuration file")

	// subcommands
	a.installRun()
	a.installList()
	a.installMock()
	a.installVersion()

	return &a
}

// installVerbosityFlag adds the -v and -vv options and returns the reference to it.
func installVerbosityFlag(cmd *cobra.Command, viper *viper.Viper) *int {
	r := cmd.PersistentFlags().CountP("verbosity", "v", "issue INFO (-v) or DEBUG (-vv) output")

	if err := viper.BindPFlag("verbosity", cmd.PersistentFlags().Lookup("verbosity")); err != nil {
		log.Warning(context.Background(), err.Error())
	}

	return r
}

// Run executes the command and associated process. It returns an error on syntax/usage error.
func (a *App) Run() error {
	// Quit must never wait on a command which is already over.
	defer a.setReady()
	return a.rootCmd.Execute()
}

// UsageError returns if the error is a command parsing or runtime one.
func (a *App) UsageError() bool {
	return !a.rootCmd.SilenceUsage
}

// Hup prints all goroutine stack traces and return false to signal you shouldn't quit.
func (a *App) Hup() (shouldQuit bool) {
	buf := make([]byte, 1<<16)
	runtime.Stack(buf, true)
	fmt.Printf("%s", buf)
	return false
}

// Quit interrupts the running scenarios, or gracefully shuts down the mock server.
func (a *App) Quit() {
	a.WaitReady()

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cancel != nil {
		a.cancel()
	}
	if a.daemon != nil {
		a.daemon.Quit(context.Background())
	}
}

// WaitReady signals when the command can be interrupted.
// Note: we need to use a pointer to not copy the App object before it is ready, and thus, creates a data race.
func (a *App) WaitReady() {
	<-a.ready
}

func (a *App) setReady() {
	a.readyOnce.Do(func() { close(a.ready) })
}

// RootCmd returns a copy of the root command for the app. Shouldn't be in general necessary apart when running generators.
func (a *App) RootCmd() *cobra.Command {
	return &a.rootCmd
}
