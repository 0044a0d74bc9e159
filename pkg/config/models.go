package config

import (
	"strings"
	"time"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Limits    LimitsConfig    `mapstructure:"limits"`
	Rooms     RoomsConfig     `mapstructure:"rooms"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Transport TransportConfig `mapstructure:"transport"`
	TestMode  TestModeConfig  `mapstructure:"testMode"`
	LogLevel  string          `mapstructure:"logLevel"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
	// Comma-separated allowlist. Empty means every origin is allowed.
	OriginAllowlist string `mapstructure:"originAllowlist"`
}

// Origins splits the allowlist into its entries, dropping blanks.
func (s ServerConfig) Origins() []string {
	if s.OriginAllowlist == "" {
		return nil
	}
	parts := strings.Split(s.OriginAllowlist, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwtSecret"`
}

// LimitsConfig carries the admission quotas. A zero or negative value
// disables that quota.
type LimitsConfig struct {
	MaxMessageSizeBytes int64 `mapstructure:"maxMessageSizeBytes"`
	MaxSocketsPerRoom   int   `mapstructure:"maxSocketsPerRoom"`
	MaxSocketsPerIP     int   `mapstructure:"maxSocketsPerIP"`
}

type RoomsConfig struct {
	IdleTimeoutMS int64 `mapstructure:"idleTimeoutMs"`
	GracePeriodMS int64 `mapstructure:"gracePeriodMs"`
	SizeWarnBytes int64 `mapstructure:"sizeWarnBytes"`
}

func (r RoomsConfig) IdleTimeout() time.Duration {
	return time.Duration(r.IdleTimeoutMS) * time.Millisecond
}

func (r RoomsConfig) GracePeriod() time.Duration {
	return time.Duration(r.GracePeriodMS) * time.Millisecond
}

type StorageConfig struct {
	Path string `mapstructure:"path"`
}

// TestModeConfig is the only place a bypass may be declared. It is read
// exactly once at startup; nothing inspects ambient process state after
// construction.
type TestModeConfig struct {
	AllowTestAccess bool `mapstructure:"allowTestAccess"`
}

type TransportConfig struct {
	ReadTimeout time.Duration `mapstructure:"readTimeout"`
}
