package config

import (
	"log/slog"
	"strings"

	"github.com/spf13/viper"
)

// Load reads configuration from a file and environment variables.
func Load(logger *slog.Logger, fileName string) (*Config, error) {
	v := viper.New()

	// 1. Set default values
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.originAllowlist", "")
	v.SetDefault("auth.jwtSecret", "")
	v.SetDefault("limits.maxMessageSizeBytes", 1<<20)
	v.SetDefault("limits.maxSocketsPerRoom", 30)
	v.SetDefault("limits.maxSocketsPerIP", 50)
	v.SetDefault("rooms.idleTimeoutMs", 300_000)
	v.SetDefault("rooms.gracePeriodMs", 30_000)
	v.SetDefault("rooms.sizeWarnBytes", 10<<20)
	v.SetDefault("storage.path", "./data")
	v.SetDefault("transport.readTimeout", "0s")
	v.SetDefault("testMode.allowTestAccess", false)
	v.SetDefault("logLevel", "info")

	// 2. Set config file details
	v.SetConfigName(fileName)
	v.SetConfigType("yaml")
	v.AddConfigPath(".") // look for config in the working directory

	// 3. Set up environment variable handling
	v.SetEnvPrefix("OUTLINER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Operational variables keep their conventional unprefixed names.
	v.BindEnv("server.port", "PORT")
	v.BindEnv("server.originAllowlist", "ORIGIN_ALLOWLIST")
	v.BindEnv("auth.jwtSecret", "AUTH_JWT_SECRET")
	v.BindEnv("limits.maxMessageSizeBytes", "MAX_MESSAGE_SIZE_BYTES")
	v.BindEnv("limits.maxSocketsPerRoom", "MAX_SOCKETS_PER_ROOM")
	v.BindEnv("limits.maxSocketsPerIP", "MAX_SOCKETS_PER_IP")
	v.BindEnv("rooms.idleTimeoutMs", "IDLE_TIMEOUT_MS")
	v.BindEnv("rooms.gracePeriodMs", "ROOM_GRACE_PERIOD_MS")
	v.BindEnv("rooms.sizeWarnBytes", "ROOM_SIZE_WARN_BYTES")
	v.BindEnv("storage.path", "DATABASE_PATH")
	v.BindEnv("testMode.allowTestAccess", "ALLOW_TEST_ACCESS")
	v.BindEnv("logLevel", "LOG_LEVEL")

	// 4. Read the configuration file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			// Config file was found but another error was produced
			return nil, err
		}
		logger.Warn("Config file not found. ignoring error and relying on defaults/env vars")
	}

	// 5. Unmarshal the configuration into our struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
