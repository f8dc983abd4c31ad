package cmd

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/404wolf/drivefs/common"
)

var (
	configFile string
	logFile    string
	logLevel   string
	silent     bool

	// Every command reads its settings from here; flags are bound to it.
	v = viper.New()
)

// setupLogging validates the log level and replaces the global logger.
func setupLogging(file, level string, silent bool) error {
	if !slices.Contains(common.ValidLogLevels, level) {
		return fmt.Errorf("invalid log level: %s. Valid levels are: debug, info, warn, error", level)
	}
	logger, err := common.SetupLogger(file, level, silent)
	if err != nil {
		return err
	}
	common.Logger = logger
	return nil
}

var rootCmd = &cobra.Command{
	Use:   "drivefs",
	Short: "Mount your cloud drive as a read-only file system",
	Long:  "Mount an Aliyun Drive account as a read-only FUSE file system that media servers can browse and stream from",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogging(logFile, logLevel, silent)
	},
	SilenceUsage: true,
}

func InitRoot() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "config file (default ./config.yaml or $HOME/.config/drivefs/config.yaml)")
	flags.StringVar(&logFile, "log-file", "", "log file path")
	flags.StringVar(&logLevel, "log-level", "info", "logging level (debug, info, warn, error)")
	flags.BoolVar(&silent, "silent", false, "disable stdout logging")

	v.BindPFlag("log.file", flags.Lookup("log-file"))
	v.BindPFlag("log.level", flags.Lookup("log-level"))
	v.BindPFlag("log.silent", flags.Lookup("silent"))

	MountInit()
	ConfigInit()
}

func Execute() error {
	InitRoot()
	return rootCmd.Execute()
}
