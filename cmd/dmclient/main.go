package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/omochice/dmsync/internal/api"
	"github.com/omochice/dmsync/internal/config"
	"github.com/omochice/dmsync/internal/logging"
)

type rootFlags struct {
	configPath string
	server     string
	token      string
	logLevel   string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var flags rootFlags
	root := &cobra.Command{
		Use:          "dmclient",
		Short:        "Direct-message client",
		SilenceUsage: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "", "YAML or TOML config file")
	pf.StringVar(&flags.server, "server", "", "server base URL (http or https)")
	pf.StringVar(&flags.token, "token", "", "bearer credential")
	pf.StringVar(&flags.logLevel, "log-level", "", "log level")

	root.AddCommand(
		newChatCommand(&flags),
		newRecentCommand(&flags),
		newSearchCommand(&flags),
		newWhoamiCommand(&flags),
		newUnreadCommand(&flags),
	)
	return root
}

// load reads the config file and environment, then applies flags set on
// the command line.
func (f *rootFlags) load(cmd *cobra.Command) (config.ClientConfig, error) {
	cfg, err := config.LoadClient(f.configPath)
	if err != nil {
		return config.ClientConfig{}, err
	}
	flags := cmd.Flags()
	if flags.Changed("server") {
		cfg.Server = f.server
	}
	if flags.Changed("token") {
		cfg.Token = f.token
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = f.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return config.ClientConfig{}, err
	}
	logging.Configure(cfg.Log)
	return cfg, nil
}

func (f *rootFlags) apiClient(cmd *cobra.Command) (*api.Client, error) {
	cfg, err := f.load(cmd)
	if err != nil {
		return nil, err
	}
	return api.New(cfg.Server, cfg.Token, api.WithTimeout(requestTimeout(cfg))), nil
}

func requestTimeout(cfg config.ClientConfig) time.Duration {
	if cfg.RequestTimeout > 0 {
		return cfg.RequestTimeout
	}
	return api.DefaultTimeout
}
