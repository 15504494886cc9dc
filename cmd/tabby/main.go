package main

import (
	"fmt"
	"os"

	"github.com/drpcorg/tabby/utils"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	config   string
	logLevel string
}

// load reads the config file and applies the root flags.
func (o *rootOptions) load(cmd *cobra.Command) (*Config, utils.Logger, error) {
	cfg, err := LoadConfig(o.config)
	if err != nil {
		return nil, nil, err
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = o.logLevel
	}
	level, err := cfg.Level()
	if err != nil {
		return nil, nil, err
	}
	return cfg, utils.NewDefaultLogger(level), nil
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "tabby",
		Short:         "tabby - tables and values that sync",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.config, "config", "c", "", "YAML config file")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "debug|info|warn|error")
	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newReplCommand(opts))
	return cmd
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(-1)
	}
}
