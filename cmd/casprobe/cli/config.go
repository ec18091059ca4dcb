package cli

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/ubuntu/casprobe/internal/consts"
	"github.com/ubuntu/casprobe/internal/log"
	"github.com/ubuntu/casprobe/internal/profile"
	"github.com/ubuntu/decorate"
)

// initViperConfig sets verbosity level and add config env variables and file support based on name prefix.
func initViperConfig(name string, cmd *cobra.Command, vip *viper.Viper) (err error) {
	defer decorate.OnError(&err, "can't load configuration")

	// Get cmdline flag for verbosity to configure logger until we have everything parsed.
	v, err := cmd.Flags().GetCount("verbosity")
	if err != nil {
		return fmt.Errorf("internal error: no persistent verbosity flag installed on cmd: %w", err)
	}
	setVerboseMode(v)

	// Handle configuration.
	if v, err := cmd.Flags().GetString("paths-config"); err == nil && v != "" {
		vip.SetConfigFile(v)
	} else {
		vip.SetConfigName(name)
		vip.AddConfigPath("./")
		vip.AddConfigPath("$HOME/")
		vip.AddConfigPath(filepath.Join("/etc", name))
		// Add the executable path to the config search path.
		if binPath, err := os.Executable(); err != nil {
			slog.Warn(fmt.Sprintf("Failed to get current executable path, not adding it as a config dir: %v", err))
		} else {
			vip.AddConfigPath(filepath.Dir(binPath))
		}
	}

	if err := vip.ReadInConfig(); err != nil {
		var e viper.ConfigFileNotFoundError
		if errors.As(err, &e) {
			slog.Info(fmt.Sprintf("No configuration file: %v.\nWe will only use the defaults, env variables or flags.", e))
		} else {
			return fmt.Errorf("invalid configuration file: %w", err)
		}
	} else {
		slog.Info(fmt.Sprintf("Using configuration file: %v", vip.ConfigFileUsed()))
	}

	// Handle environment.
	vip.SetEnvPrefix(name)
	vip.AutomaticEnv()

	// Visit manually env to bind every possibly related environment variable to be able to unmarshall
	// those into a struct.
	// More context on https://github.com/spf13/viper/pull/1429.
	prefix := strings.ToUpper(name) + "_"
	for _, e := range os.Environ() {
		if !strings.HasPrefix(e, prefix) {
			continue
		}

		s := strings.Split(e, "=")
		k := strings.ToLower(strings.ReplaceAll(strings.TrimPrefix(s[0], prefix), "_", "."))
		if err := vip.BindEnv(k, s[0]); err != nil {
			return fmt.Errorf("could not bind environment variable: %w", err)
		}
	}

	return nil
}

// installConfigFlag installs a --config option selecting the scenario profile.
func installConfigFlag(cmd *cobra.Command, vip *viper.Viper) *string {
	r := cmd.PersistentFlags().StringP("config", "c", "", "use a specific scenario profile")

	if err := vip.BindPFlag("profile", cmd.PersistentFlags().Lookup("config")); err != nil {
		log.Warning(context.Background(), err.Error())
	}

	return r
}

// setVerboseMode change the log level between very, middly and non verbose.
func setVerboseMode(level int) {
	switch level {
	case 0:
		log.SetLevel(consts.DefaultLevelLog)
	case 1:
		log.SetLevel(slog.LevelInfo)
	default:
		log.SetLevel(slog.LevelDebug)
	}
}

// loadProfile returns the configured profile. Without any, it looks for the default profile
// file in the current directory before falling back to the built-in defaults.
func (a *App) loadProfile(ctx context.Context) (profile.Profile, error) {
	path := a.config.Profile
	if path == "" {
		if _, err := os.Stat(consts.DefaultProfileName); errors.Is(err, fs.ErrNotExist) {
			log.Infof(ctx, "No %s profile found, using the built-in defaults", consts.DefaultProfileName)
			return profile.Default(), nil
		}
		path = consts.DefaultProfileName
	}

	log.Infof(ctx, "Using profile %s", path)
	return profile.Load(path)
}
