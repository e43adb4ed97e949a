// Command oidcbridge serves the OpenID Connect login bridge and carries its
// admin tasks: activation, provider settings, migrations and user listing.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"oidcbridge/internal/config"
	"oidcbridge/internal/observability"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// globals are the flags shared by every subcommand.
type globals struct {
	configPath string
	envFiles   []string
}

func (g *globals) load() (config.Config, observability.Logger, error) {
	if err := config.LoadDotEnv(g.envFiles...); err != nil {
		return config.Config{}, nil, err
	}
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return cfg, nil, err
	}
	// Logs go to stderr so command output on stdout stays machine-readable.
	lc := cfg.Logger()
	lc.Output = os.Stderr
	return cfg, observability.NewLogger(lc), nil
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:           "oidcbridge",
		Short:         "OpenID Connect login bridge",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", os.Getenv(config.EnvPrefix+"CONFIG"), "YAML config file (env OIDCBRIDGE_CONFIG)")
	root.PersistentFlags().StringSliceVar(&g.envFiles, "env-file", []string{".env"}, ".env files to load before reading the environment")

	root.AddCommand(
		newServeCmd(g),
		newActivateCmd(g),
		newSettingsCmd(g),
		newMigrateCmd(g),
		newUsersCmd(g),
	)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
