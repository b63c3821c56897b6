package config

import (
	"errors"
	"fmt"
	"os"
)

// LoadFromEnv applies environment overrides
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("GEOFAILOVER_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("GEOFAILOVER_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("GEOFAILOVER_JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}
	if v := os.Getenv("GEOFAILOVER_JOURNAL_DSN"); v != "" {
		cfg.Journal.DSN = v
	}
}

// ResolveSecrets fills DSNs, S3 keys and webhook secrets from the environment
// variables the file names. A named variable that is unset is an error.
func (c *Config) ResolveSecrets() error {
	var errs []error
	resolve := func(dst *string, name, what string) {
		if name == "" {
			return
		}
		v := os.Getenv(name)
		if v == "" {
			errs = append(errs, fmt.Errorf("%s: environment variable %s is not set", what, name))
			return
		}
		*dst = v
	}

	if c.Journal.DSN == "" {
		resolve(&c.Journal.DSN, c.Journal.DSNEnv, "journal dsn")
	}
	for i := range c.Sites {
		s := &c.Sites[i]
		if s.Database != nil {
			resolve(&s.Database.DSN, s.Database.DSNEnv, "site "+s.ID+" dsn")
		}
		if s.Bucket != nil {
			resolve(&s.Bucket.AccessKey, s.Bucket.AccessKeyEnv, "site "+s.ID+" access key")
			resolve(&s.Bucket.SecretKey, s.Bucket.SecretKeyEnv, "site "+s.ID+" secret key")
		}
	}
	for i := range c.Webhooks.Endpoints {
		ep := &c.Webhooks.Endpoints[i]
		resolve(&ep.Secret, ep.SecretEnv, "webhook "+ep.ID+" secret")
	}
	return errors.Join(errs...)
}

// GetEnvOrDefault returns an environment variable or a default value
func GetEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
