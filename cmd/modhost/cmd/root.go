package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/GoCodeAlone/modhost"
)

// Version information
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// PrintVersion prints version information
func PrintVersion() string {
	return fmt.Sprintf("modhost v%s (commit: %s, built on: %s)", Version, Commit, Date)
}

type globalOptions struct {
	configPath string
	modulesDir string
}

// loadConfig reads the host configuration and applies flag overrides.
func (o *globalOptions) loadConfig() (modhost.Config, error) {
	cfg, err := modhost.LoadConfig(o.configPath)
	if err != nil {
		return cfg, err
	}
	if o.modulesDir != "" {
		cfg.ModulesDir = o.modulesDir
	}
	return cfg, nil
}

// NewRootCommand creates the root command for the modhost binary
func NewRootCommand() *cobra.Command {
	opts := &globalOptions{}
	cmd := &cobra.Command{
		Use:   "modhost",
		Short: "modhost - plugin host for directory-discovered modules",
		Long: `modhost discovers module directories, activates the modules linked into
this binary and wires them together through a shared event bus, cache,
configuration store and database.`,
		Version:      PrintVersion(),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "host config file (.yaml, .yml or .toml)")
	cmd.PersistentFlags().StringVarP(&opts.modulesDir, "modules-dir", "m", "", "modules directory, overrides the config file")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewDiscoverCommand(opts))
	cmd.AddCommand(NewStatusCommand())

	return cmd
}
