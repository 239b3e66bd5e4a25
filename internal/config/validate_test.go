package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func validConfig() Config {
	cfg := Defaults()
	cfg.Auth.Secret = "secret"
	cfg.Client.URL = "ws://localhost:18790/ws"
	return cfg
}

func TestValidateOK(t *testing.T) {
	cfg := validConfig()
	assert.Empty(t, Validate(&cfg))
}

func TestValidateIssues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		path   string
	}{
		{"bad port", func(c *Config) { c.Gateway.Port = 70000 }, "gateway.port"},
		{"bad bind", func(c *Config) { c.Gateway.Bind = "everywhere" }, "gateway.bind"},
		{"tls without certs", func(c *Config) { c.Gateway.TLS.Enabled = true }, "gateway.tls"},
		{"missing secret", func(c *Config) { c.Auth.Secret = "" }, "auth.secret"},
		{"negative token ttl", func(c *Config) { c.Auth.TokenTTLMinutes = -5 }, "auth.tokenTtlMinutes"},
		{"bad driver", func(c *Config) { c.Store.Driver = "postgres" }, "store.driver"},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
		{"bad client url", func(c *Config) { c.Client.URL = "http://x/ws" }, "client.url"},
		{"negative dedup", func(c *Config) { c.Client.DedupWindow = -1 }, "client.dedupWindow"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			issues := Validate(&cfg)
			if assert.NotEmpty(t, issues) {
				assert.Equal(t, tt.path, issues[0].Path)
			}
		})
	}
}

func TestValidationIssueString(t *testing.T) {
	issue := ValidationIssue{Path: "gateway.port", Message: "out of range"}
	assert.Equal(t, "gateway.port: out of range", issue.String())
}
