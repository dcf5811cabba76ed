package server

import (
	"fmt"

	"github.com/spf13/viper"
)

// Config holds the server configuration.
type Config struct {
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
	DataDir string `mapstructure:"data_dir"`
}

// Addr returns the listen address as host:port.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LoadConfig reads configuration from file and environment variables.
func LoadConfig(configPath string) (*viper.Viper, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.data_dir", "./data")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("database.dsn", "./data/eidolon.db")

	// Auth defaults
	v.SetDefault("auth.mode", "header")
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.jwt_issuer", "")
	v.SetDefault("auth.jwt_audience", "")
	v.SetDefault("auth.user_id_header", "x-user-id")
	v.SetDefault("auth.roles_header", "x-roles")

	// Collector defaults
	v.SetDefault("scanner.bin", "nmap")
	v.SetDefault("task.retention_seconds", 5)
	v.SetDefault("bus.queue_cap", 1024)

	// Graph store defaults
	v.SetDefault("graph.url", "bolt://localhost:7687")
	v.SetDefault("graph.user", "neo4j")
	v.SetDefault("graph.password", "")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("eidolon")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/eidolon")
	}

	// Environment variable support: EIDOLON_SERVER_PORT=9090
	v.SetEnvPrefix("EIDOLON")
	v.AutomaticEnv()

	// Well-known unprefixed variables take precedence over the file.
	for key, env := range map[string]string{
		"scanner.bin":            "SCANNER_BIN",
		"graph.url":              "GRAPH_URL",
		"graph.user":             "GRAPH_USER",
		"graph.password":         "GRAPH_PASSWORD",
		"task.retention_seconds": "TASK_RETENTION_SECONDS",
		"bus.queue_cap":          "SUBSCRIPTION_QUEUE_CAP",
	} {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("binding %s: %w", env, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		// Config file not found is fine -- use defaults
	}

	return v, nil
}
