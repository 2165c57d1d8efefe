// Package command holds the rdkb-lab cobra commands.
package command

import (
	"fmt"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/appkins-org/rdkb-lab/internal/config"
	"github.com/appkins-org/rdkb-lab/internal/manager"
)

const (
	configFlag    = "config"
	logLevelFlag  = "log-level"
	logFormatFlag = "log-format"
	verbosityFlag = "verbosity"
	legacyFlag    = "legacy"
	interfaceFlag = "interface"
	versionLong   = "long"
	versionShort  = "short"
)

// app carries state shared by the subcommands of one invocation.
type app struct {
	cfg    *config.Config
	logger logr.Logger
	sync   func()

	// newManager is replaced in tests.
	newManager func(logr.Logger, *config.Config) (*manager.Manager, error)
}

func (a *app) manager() (*manager.Manager, error) {
	m, err := a.newManager(a.logger, a.cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create lab manager: %w", err)
	}
	return m, nil
}

// NewRootCommand builds the rdkb-lab command tree.
func NewRootCommand() (*cobra.Command, error) {
	return newRootCommand(&app{
		logger: logr.Discard(),
		sync:   func() {},
		newManager: func(logger logr.Logger, cfg *config.Config) (*manager.Manager, error) {
			return manager.New(logger, cfg)
		},
	})
}

func newRootCommand(a *app) (*cobra.Command, error) {
	cmd := &cobra.Command{
		Use:           "rdkb-lab",
		Short:         "RDK-B broadband gateway lab on LXD",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(c *cobra.Command, _ []string) error {
			v := config.NewViper()
			if path, _ := c.Flags().GetString(configFlag); path != "" {
				v.SetConfigFile(path)
			}
			bindings := map[string]string{
				"logging.level":     logLevelFlag,
				"logging.format":    logFormatFlag,
				"logging.verbosity": verbosityFlag,
			}
			for key, flag := range bindings {
				if err := v.BindPFlag(key, c.Flags().Lookup(flag)); err != nil {
					return fmt.Errorf("binding flag %s: %w", flag, err)
				}
			}

			cfg, err := config.LoadFrom(v)
			if err != nil {
				return err
			}
			a.cfg = cfg

			logger, sync, err := newLogger(cfg.Logging)
			if err != nil {
				return fmt.Errorf("configuring logging: %w", err)
			}
			a.logger, a.sync = logger, sync
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			a.sync()
		},
		RunE: func(c *cobra.Command, _ []string) error {
			return c.Help()
		},
	}

	flags := cmd.PersistentFlags()
	flags.String(configFlag, "", "Path to the lab configuration file")
	flags.String(logLevelFlag, "info", "Log level (debug, info, warn, error)")
	flags.String(logFormatFlag, "text", "Log format (text, json)")
	flags.IntP(verbosityFlag, "v", 0, "Log verbosity; overrides --log-level and shows V(n) messages for n <= verbosity")

	addRootSubCommands(cmd, a)
	return cmd, nil
}

func addRootSubCommands(cmd *cobra.Command, a *app) {
	cmd.AddCommand(
		upCommand(a),
		destroyCommand(a),
		bridgesCommand(a),
		containerCommand(a),
		clientCommand(a),
		waitNetworkCommand(a),
		addressesCommand(a),
		encodeCommand(),
		decodeCommand(),
		idsCommand(),
		macCommand(),
		versionCommand(),
	)
}
