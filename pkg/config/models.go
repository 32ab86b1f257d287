package config

import "time"

type Config struct {
	Server    ServerConfig
	Transport TransportConfig
	Limits    LimitsConfig
	Logging   LoggingConfig
}

type ServerConfig struct {
	Address string
	Auth    AuthConfig
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwtSecret"`
}

type TransportConfig struct {
	ReadTimeout  time.Duration `mapstructure:"readTimeout"`
	WriteTimeout time.Duration `mapstructure:"writeTimeout"`
	SendBuffer   int           `mapstructure:"sendBuffer"`
}

// LimitsConfig bounds how fast a single connection may submit events.
type LimitsConfig struct {
	EventRate  float64 `mapstructure:"eventRate"`
	EventBurst int     `mapstructure:"eventBurst"`
}

type LoggingConfig struct {
	Level string
}
