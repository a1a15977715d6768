package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// configName is the config file name without extension.
const configName = ".elspeth"

// configType is the config file format.
const configType = "yaml"

// envPrefix is the environment variable prefix for elspeth settings.
const envPrefix = "ELSPETH"

// envKeySeparator is the nested key separator in environment variable names.
const envKeySeparator = "_"

// Default settings values.
const (
	DefaultAuditDSN          = "sqlite://elspeth.db"
	DefaultPayloadDir        = ".elspeth/payloads"
	DefaultCheckpointTrigger = "every_row"
	DefaultPurgeRetention    = 30 * 24 * time.Hour
	DefaultMaxPending        = 64
	DefaultFlushTimeout      = 60 * time.Second
	DefaultDiagnosticsAddr   = "localhost:9464"
)

// Load loads settings from file, env vars, and defaults.
// If configPath is non-empty, it is used as the explicit config file path.
// Otherwise, the config file is searched in CWD and $HOME.
// Missing config file is not an error; defaults are used.
func Load(configPath string) (*Settings, error) {
	viperCfg := viper.New()

	applyDefaults(viperCfg)

	viperCfg.SetConfigType(configType)
	viperCfg.SetEnvPrefix(envPrefix)
	viperCfg.SetEnvKeyReplacer(strings.NewReplacer(".", envKeySeparator))
	viperCfg.AutomaticEnv()

	if configPath != "" {
		viperCfg.SetConfigFile(configPath)
	} else {
		viperCfg.SetConfigName(configName)
		viperCfg.AddConfigPath(".")

		home, err := os.UserHomeDir()
		if err == nil {
			viperCfg.AddConfigPath(home)
		}
	}

	readErr := viperCfg.ReadInConfig()
	if readErr != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(readErr, &notFound) {
			return nil, fmt.Errorf("read config: %w", readErr)
		}
	}

	var settings Settings

	unmarshalErr := viperCfg.Unmarshal(&settings)
	if unmarshalErr != nil {
		return nil, fmt.Errorf("unmarshal config: %w", unmarshalErr)
	}

	validateErr := settings.Validate()
	if validateErr != nil {
		return nil, fmt.Errorf("validate config: %w", validateErr)
	}

	return &settings, nil
}

func applyDefaults(viperCfg *viper.Viper) {
	viperCfg.SetDefault("audit.dsn", DefaultAuditDSN)
	viperCfg.SetDefault("audit.payload_dir", DefaultPayloadDir)
	viperCfg.SetDefault("audit.compress", false)

	viperCfg.SetDefault("checkpoint.enabled", true)
	viperCfg.SetDefault("checkpoint.trigger", DefaultCheckpointTrigger)
	viperCfg.SetDefault("checkpoint.interval", time.Duration(0))

	viperCfg.SetDefault("purge.retention", DefaultPurgeRetention)

	viperCfg.SetDefault("engine.error_sink", "")
	viperCfg.SetDefault("engine.max_pending", DefaultMaxPending)
	viperCfg.SetDefault("engine.flush_timeout", DefaultFlushTimeout)

	viperCfg.SetDefault("observability.otlp_endpoint", "")
	viperCfg.SetDefault("observability.diagnostics_addr", DefaultDiagnosticsAddr)
}
