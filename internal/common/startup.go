package common

import (
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/weaveworks/promrus"
	"gopkg.in/natefinch/lumberjack.v2"

	commonconfig "github.com/aanproject/aanloader/internal/common/config"
)

const envPrefix = "AANLOADER"

// BindCommandlineArguments makes every registered pflag available through viper.
func BindCommandlineArguments() {
	err := viper.BindPFlags(pflag.CommandLine)
	if err != nil {
		log.Error(err)
		os.Exit(-1)
	}
}

// LoadConfig reads config.yaml from defaultPath, merges any user supplied files on top of it and
// finally applies AANLOADER_* environment overrides (dots in keys become underscores).
func LoadConfig(config any, defaultPath string, overrideConfigs []string) *viper.Viper {
	v := viper.GetViper()
	v.SetConfigName("config")
	v.AddConfigPath(defaultPath)
	if err := v.ReadInConfig(); err != nil {
		log.Errorf("Error reading base config path=%s: %v", defaultPath, err)
		os.Exit(-1)
	}
	log.Infof("Read base config from %s", v.ConfigFileUsed())

	for _, overrideConfig := range overrideConfigs {
		v.SetConfigFile(overrideConfig)
		if err := v.MergeInConfig(); err != nil {
			log.Errorf("Error reading config from %s: %v", overrideConfig, err)
			os.Exit(-1)
		}
		log.Infof("Read config from %s", v.ConfigFileUsed())
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	if err := v.Unmarshal(config, commonconfig.CustomHooks...); err != nil {
		log.Error(err)
		os.Exit(-1)
	}
	return v
}

// ConfigureLogging sets up the standard logrus logger: text output on stdout and a counter per
// log level exported to prometheus.
func ConfigureLogging() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetOutput(os.Stdout)
	hook, err := promrus.NewPrometheusHook()
	if err != nil {
		log.WithError(err).Warn("Could not register prometheus log hook")
		return
	}
	log.AddHook(hook)
}

// LogFileConfig controls the optional rotating log file written next to stdout.
type LogFileConfig struct {
	// Path of the log file. File logging is disabled when empty.
	Path       string
	MaxSizeMb  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
	// One of logrus' level names, e.g. info or debug.
	Level string
}

// ConfigureFileLogging tees the standard logger into a lumberjack-rotated file.
func ConfigureFileLogging(config LogFileConfig) error {
	if config.Level != "" {
		level, err := log.ParseLevel(config.Level)
		if err != nil {
			return errors.WithStack(err)
		}
		log.SetLevel(level)
	}
	if config.Path == "" {
		return nil
	}
	fileWriter := &lumberjack.Logger{
		Filename:   config.Path,
		MaxSize:    config.MaxSizeMb,
		MaxBackups: config.MaxBackups,
		MaxAge:     config.MaxAgeDays,
		Compress:   config.Compress,
	}
	log.SetOutput(io.MultiWriter(os.Stdout, fileWriter))
	return nil
}
