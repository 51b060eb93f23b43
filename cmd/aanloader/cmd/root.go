package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/aanproject/aanloader/internal/aanloader/configuration"
	"github.com/aanproject/aanloader/internal/common"
	commonconfig "github.com/aanproject/aanloader/internal/common/config"
)

const (
	CustomConfigLocation string = "config"
)

func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "aanloader",
		SilenceUsage: true,
		Short:        "Loads job reports into the AaN warehouse",
	}

	cmd.PersistentFlags().StringSlice(
		CustomConfigLocation,
		[]string{},
		"Fully qualified path to application configuration file (for multiple config files repeat this arg or separate paths with commas)")
	if err := viper.BindPFlag(CustomConfigLocation, cmd.PersistentFlags().Lookup(CustomConfigLocation)); err != nil {
		panic(err)
	}

	cmd.AddCommand(
		loadCmd(),
		initSchemaCmd(),
	)

	return cmd
}

func loadConfig() (configuration.LoaderConfiguration, error) {
	var config configuration.LoaderConfiguration
	userSpecifiedConfigs := viper.GetStringSlice(CustomConfigLocation)

	common.LoadConfig(&config, "./config/aanloader", userSpecifiedConfigs)

	err := config.Validate()
	if err != nil {
		commonconfig.LogValidationErrors(err)
		return config, err
	}
	err = common.ConfigureFileLogging(config.Logging)
	return config, err
}
