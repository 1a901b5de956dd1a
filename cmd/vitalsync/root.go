package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/nicktill/vitalsync/pkg/config"
	"github.com/nicktill/vitalsync/pkg/logging"
)

// Linker flags, set at release build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// quietAnnotation marks commands whose stdout is their result; they log
// nothing unless --log-level is given explicitly.
const quietAnnotation = "quiet"

// flagAnnotation prefixes command annotations that bind a flag only that
// command defines, e.g. "flag:addr" -> "agent.addr".
const flagAnnotation = "flag:"

// flagKeys maps command line flags onto config keys.
var flagKeys = map[string]string{
	"log-level":      "log.level",
	"log-format":     "log.format",
	"user-id":        "identity.user_id",
	"device-id":      "identity.device_id",
	"relay-url":      "relay.url",
	"checkpoints":    "checkpoint.backend",
	"checkpoint-dir": "checkpoint.path",
	"redis-addr":     "checkpoint.redis_addr",
	"interval":       "scheduler.interval",
	"data-dir":       "relay.data_dir",
	"max-storage-mb": "relay.max_storage_mb",
	"dev-sql":        "relay.dev_sql",
}

// app carries state resolved once in PersistentPreRunE.
type app struct {
	configFile string
	cfg        config.Config
	logger     *zap.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{logger: zap.NewNop()}

	root := &cobra.Command{
		Use:   "vitalsync",
		Short: "Sync heart rate, HRV and SpO2 from a health store to a remote sink.",
		Long: `vitalsync polls a health data source, maps new samples to rows and ships
them to a relay sink, while serving daily insights on a local status API.`,
		Version:            version,
		SilenceErrors:      true,
		SilenceUsage:       true,
		DisableSuggestions: true,
		PersistentPreRunE:  a.setup,
		PersistentPostRun: func(*cobra.Command, []string) {
			_ = a.logger.Sync()
		},
		Run: func(cmd *cobra.Command, _ []string) {
			_ = cmd.Help()
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.configFile, "config", "", "config file (default ./vitalsync.yaml or $HOME/vitalsync.yaml)")
	pf.String("log-level", "info", "log level: debug, info, warn or error")
	pf.String("log-format", "json", "log format: json or console")

	root.AddCommand(
		newAgentCmd(a),
		newRelayCmd(a),
		newInsightsCmd(a),
		newVersionCmd(),
	)
	return root
}

// setup merges defaults, config file, env and flags, then builds the logger.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	v, err := config.NewViper(a.configFile)
	if err != nil {
		return err
	}
	if err := bindFlags(v, cmd); err != nil {
		return err
	}

	cfg, err := config.Load(v)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	a.cfg = cfg

	if cmd.Annotations[quietAnnotation] != "" && !cmd.Flags().Changed("log-level") {
		return nil
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, "vitalsync-"+cmd.Name())
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	a.logger = logger
	zap.ReplaceGlobals(logger)
	return nil
}

func bindFlags(v *viper.Viper, cmd *cobra.Command) error {
	keys := make(map[string]string, len(flagKeys))
	for name, key := range flagKeys {
		keys[name] = key
	}
	for k, key := range cmd.Annotations {
		if name, ok := strings.CutPrefix(k, flagAnnotation); ok {
			keys[name] = key
		}
	}

	for name, key := range keys {
		if err := bindFlag(v, cmd.Flags(), name, key); err != nil {
			return err
		}
	}
	return nil
}

func bindFlag(v *viper.Viper, flags *pflag.FlagSet, name, key string) error {
	f := flags.Lookup(name)
	if f == nil {
		return nil
	}
	if err := v.BindPFlag(key, f); err != nil {
		return fmt.Errorf("bind --%s: %w", name, err)
	}
	return nil
}
