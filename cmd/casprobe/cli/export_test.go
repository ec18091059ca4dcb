package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

type (
	AppConfig  = appConfig
	MockConfig = mockConfig
)

// NewForTests returns an App reading its configuration from a file generated from conf.
func NewForTests(t *testing.T, conf *AppConfig, args ...string) *App {
	t.Helper()

	p := GenerateTestConfig(t, conf)
	argsWithConf := []string{"--paths-config", p}
	argsWithConf = append(argsWithConf, args...)

	a := New(t.Name())
	a.rootCmd.SetArgs(argsWithConf)
	return a
}

// GenerateTestConfig writes conf as a YAML configuration file and returns its path.
func GenerateTestConfig(t *testing.T, origConf *appConfig) string {
	t.Helper()

	var conf appConfig
	if origConf != nil {
		conf = *origConf
	}

	if conf.Verbosity == 0 {
		conf.Verbosity = 2
	}
	if conf.Mock.Listen == "" {
		conf.Mock.Listen = "127.0.0.1:0"
	}

	d, err := yaml.Marshal(conf)
	require.NoError(t, err, "Setup: could not marshal configuration for tests")

	confPath := filepath.Join(t.TempDir(), "testconfig.yaml")
	err = os.WriteFile(confPath, d, 0600)
	require.NoError(t, err, "Setup: could not create configuration for tests")

	return confPath
}

// Config returns an AppConfig for tests.
//
//nolint:revive // AppConfig is a type alias for tests
func (a *App) Config() AppConfig {
	return a.config
}

// SetArgs set some arguments on root command for tests.
func (a *App) SetArgs(args ...string) {
	a.rootCmd.SetArgs(args)
}
