package config

import (
	"os"

	"github.com/joho/godotenv"
)

// Environment holds the environment variables
type Environment struct {
	ConfigPath string `env:"CONFIG_PATH"`
}

// LoadEnv loads a .env file if one is present and returns the environment
// variables the process cares about. Everything security-relevant lives in the
// SecurityPolicy section of the config file, not in the environment.
func LoadEnv() *Environment {
	_ = godotenv.Load()

	return &Environment{
		ConfigPath: getEnv("CONFIG_PATH", "config.yaml"),
	}
}

// getEnv gets the environment variable with a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value != "" {
		return value
	}
	return defaultValue
}
