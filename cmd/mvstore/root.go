package main

import (
	"github.com/hupe1980/mvstore"
	"github.com/spf13/cobra"
)

type rootFlags struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	cmd := &cobra.Command{
		Use:           "mvstore",
		Short:         "Inspect and maintain mvstore files",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&flags.configPath, "config", "", "TOML configuration file")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "log level (debug, info, warn, error)")

	cmd.AddCommand(
		newDumpCmd(),
		newInfoCmd(flags),
		newVerifyCmd(flags),
		newCompactCmd(flags),
		newBackupCmd(flags),
	)
	return cmd
}

// load reads the configuration named by the flags.
func (f *rootFlags) load() (*config, error) {
	c, err := loadConfig(f.configPath)
	if err != nil {
		return nil, err
	}
	if f.logLevel != "" {
		c.LogLevel = f.logLevel
	}
	return c, nil
}

// open opens fileName with the configured options.
func (f *rootFlags) open(fileName string, extra ...mvstore.Option) (*mvstore.Store, *config, error) {
	c, err := f.load()
	if err != nil {
		return nil, nil, err
	}
	opts, err := c.options()
	if err != nil {
		return nil, nil, err
	}
	st, err := mvstore.Open(fileName, append(opts, extra...)...)
	if err != nil {
		return nil, nil, err
	}
	return st, c, nil
}
