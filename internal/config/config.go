package config

import (
	"fmt"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Security SecurityConfig `mapstructure:"security"`
	Tools    []ToolConfig   `mapstructure:"tools"`
}

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type EngineConfig struct {
	MaxConcurrentSteps int `mapstructure:"max_concurrent_steps"`
}

type QueueConfig struct {
	Capacity int  `mapstructure:"capacity"`
	FailFast bool `mapstructure:"fail_fast"`
}

type LoggingConfig struct {
	Dir     string `mapstructure:"dir"`
	Console bool   `mapstructure:"console"`
}

type SecurityConfig struct {
	APIToken string `mapstructure:"api_token"`
}

// ToolConfig declares a remote tool made available to workflow steps.
type ToolConfig struct {
	Name     string `mapstructure:"name"`
	Endpoint string `mapstructure:"endpoint"`
}

func LoadConfig() (*Config, error) {
	config := &Config{}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.flowforge")
	viper.AddConfigPath("/etc/flowforge")

	viper.SetDefault("server.host", "localhost")
	viper.SetDefault("server.port", 8081)
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("engine.max_concurrent_steps", 4)
	viper.SetDefault("queue.capacity", 100)
	viper.SetDefault("queue.fail_fast", false)
	viper.SetDefault("logging.dir", "")
	viper.SetDefault("logging.console", true)
	viper.SetDefault("security.api_token", "flowforge-default-token")

	viper.SetEnvPrefix("FLOWFORGE")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return config, nil
}

// RedisAddr returns the host:port address of the configured Redis instance.
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}
