package tracker

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds the settings handed to a tracker factory.
// Values come from the configuration file; a missing or empty value falls
// back to the environment variable PREFIX_KEY.
type Config struct {
	// Prefix is the config key prefix for this tracker (e.g., "github", "debbugs")
	Prefix string

	// Values maps keys without the prefix to their configured value.
	Values map[string]string
}

// NewConfig creates a new tracker config with the given prefix and values.
func NewConfig(prefix string, values map[string]string) *Config {
	if values == nil {
		values = make(map[string]string)
	}
	return &Config{Prefix: prefix, Values: values}
}

// Get retrieves a config value by key, checking the configured values
// first and the environment second.
// Example: cfg.Get("token") for "github" prefix falls back to "GITHUB_TOKEN".
func (c *Config) Get(key string) string {
	if v := c.Values[key]; v != "" {
		return v
	}
	return os.Getenv(c.envVarName(key))
}

// GetRequired is like Get but returns an error if the value is empty.
func (c *Config) GetRequired(key string) (string, error) {
	value := c.Get(key)
	if value == "" {
		return "", fmt.Errorf("%s.%s not configured\nOr: export %s=VALUE", c.Prefix, key, c.envVarName(key))
	}
	return value, nil
}

// GetBool parses a boolean value, returning def when unset or malformed.
func (c *Config) GetBool(key string, def bool) bool {
	v := c.Get(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// envVarName converts a config key to its environment variable name.
// Example: for prefix "github" and key "api_url", returns "GITHUB_API_URL"
func (c *Config) envVarName(key string) string {
	envKey := strings.ToUpper(c.Prefix + "_" + key)
	return strings.ReplaceAll(envKey, ".", "_")
}
