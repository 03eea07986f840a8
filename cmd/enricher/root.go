package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/shpitdev/reviewer-profile-enricher/internal/config"
	"github.com/shpitdev/reviewer-profile-enricher/internal/version"
	"github.com/shpitdev/reviewer-profile-enricher/pkg/pipeline/redact"
)

type rootFlags struct {
	configPath string
	logLevel   string
	logJSON    bool
}

func newRootCmd() *cobra.Command {
	rf := &rootFlags{}
	cmd := &cobra.Command{
		Use:   "enricher",
		Short: "Find LinkedIn profile links for reviewer CSV files",
		Long: `enricher adds a "LinkedIn Profile" column to CSV files that carry
"Reviewer Name" and "Reviewer Company" columns, by searching the web through a
headless browser.

Settings come from built-in defaults, then --config (YAML), then ENRICHER_*
environment variables, then flags.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&rf.configPath, "config", "", "YAML config file")
	cmd.PersistentFlags().StringVar(&rf.logLevel, "log-level", "", "Log level: debug, info, warn, error (env: ENRICHER_LOG_LEVEL)")
	cmd.PersistentFlags().BoolVar(&rf.logJSON, "log-json", false, "Emit JSON logs (env: ENRICHER_LOG_JSON)")

	cmd.AddCommand(newLocalCmd(rf), newVersionCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), version.Current)
			return err
		},
	}
}

// loadConfig resolves defaults < file < env < changed flags, then validates.
func loadConfig(flags *pflag.FlagSet, rf *rootFlags, lf *localFlags) (config.Config, error) {
	cfg, err := config.Load(rf.configPath, nil)
	if err != nil {
		return config.Config{}, configError(err)
	}
	set := func(name string, apply func()) {
		if flags.Changed(name) {
			apply()
		}
	}
	set("log-level", func() { cfg.LogLevel = rf.logLevel })
	set("log-json", func() { cfg.LogJSON = rf.logJSON })
	if lf != nil {
		lf.apply(set, &cfg)
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, configError(err)
	}
	return cfg, nil
}

func redactErr(err error) string {
	return redact.Secrets(err.Error())
}
