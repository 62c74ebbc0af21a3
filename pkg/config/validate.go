package config

import (
	"fmt"
	"strings"
)

// ValidateCore ensures critical configuration is present.
func (c *Config) ValidateCore() error {
	var missing []string

	if strings.TrimSpace(c.Database.URL) == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if strings.TrimSpace(c.Redis.URL) == "" {
		missing = append(missing, "REDIS_URL")
	}
	if strings.TrimSpace(c.Server.Port) == "" {
		missing = append(missing, "SERVER_PORT")
	}
	if strings.TrimSpace(c.JWT.Secret) == "" || c.JWT.Secret == "change-this-secret" {
		missing = append(missing, "JWT_SECRET")
	}
	if len(strings.TrimSpace(c.Address.MasterSeed)) < 32 {
		missing = append(missing, "ADDRESS_MASTER_SEED (min 32 chars)")
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	if c.Engine.ConflictRetries < 1 {
		return fmt.Errorf("ENGINE_CONFLICT_RETRIES must be at least 1")
	}
	if c.Engine.StaleHorizon <= 0 {
		return fmt.Errorf("ENGINE_STALE_HORIZON must be positive")
	}

	return nil
}
