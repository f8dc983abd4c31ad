package cmd

import (
	"fmt"

	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"
	yamlcomment "github.com/zijiren233/yaml-comment"

	"github.com/404wolf/drivefs/common"
)

var showEffective bool

// DefaultConfigYAML renders the default configuration with a comment on
// every key.
func DefaultConfigYAML() ([]byte, error) {
	return yamlcomment.Marshal(common.DefaultConfig())
}

// EffectiveConfigYAML renders the configuration after merging the config
// file, environment and flags, without credentials.
func EffectiveConfigYAML() ([]byte, error) {
	config, err := common.DecodeConfig(v)
	if err != nil {
		return nil, err
	}
	return yaml.Marshal(redacted(*config))
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print a configuration file",
	Long:  "Print the default configuration as commented YAML, or the effective one with --effective",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var out []byte
		var err error
		if showEffective {
			if _, loadErr := common.LoadConfig(v, configFile); loadErr != nil {
				common.Logger.Warnw("configuration is not usable for mounting", "error", loadErr)
			}
			out, err = EffectiveConfigYAML()
		} else {
			out, err = DefaultConfigYAML()
		}
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), string(out))
		return nil
	},
}

func ConfigInit() {
	configCmd.Flags().BoolVar(&showEffective, "effective", false, "print the merged configuration instead of the defaults")
	rootCmd.AddCommand(configCmd)
}
