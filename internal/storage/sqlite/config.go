package sqlite

import (
	"fmt"
	"strings"
)

type Config struct {
	DatabasePath string
}

func (c *Config) Validate() error {
	if c.DatabasePath == "" {
		return fmt.Errorf("database path is required")
	}
	return nil
}

func (c *Config) GetType() string {
	return "sqlite"
}

// GetConnectionString appends the pragmas the store depends on: a busy
// timeout, immediate write transactions and foreign keys.
func (c *Config) GetConnectionString() string {
	sep := "?"
	if strings.Contains(c.DatabasePath, "?") {
		sep = "&"
	}
	return c.DatabasePath + sep + "_busy_timeout=5000&_txlock=immediate&_foreign_keys=on"
}

func DefaultConfig() *Config {
	return &Config{
		DatabasePath: "./lead_router.db",
	}
}
