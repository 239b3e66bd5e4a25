package config

import (
	"fmt"
	"slices"
	"strings"
)

// ValidationIssue describes a problem with a config value.
type ValidationIssue struct {
	Path    string
	Message string
}

func (v ValidationIssue) String() string {
	return fmt.Sprintf("%s: %s", v.Path, v.Message)
}

// Validate checks a Config for issues. Returns nil if valid.
func Validate(cfg *Config) []ValidationIssue {
	var issues []ValidationIssue

	if cfg.Gateway.Port < 0 || cfg.Gateway.Port > 65535 {
		issues = append(issues, ValidationIssue{
			Path:    "gateway.port",
			Message: fmt.Sprintf("port must be 0-65535, got %d", cfg.Gateway.Port),
		})
	}

	validBinds := []string{"loopback", "lan", "custom"}
	if cfg.Gateway.Bind != "" && !slices.Contains(validBinds, cfg.Gateway.Bind) {
		issues = append(issues, ValidationIssue{
			Path:    "gateway.bind",
			Message: fmt.Sprintf("must be one of %v, got %q", validBinds, cfg.Gateway.Bind),
		})
	}

	if cfg.Gateway.TLS.Enabled {
		if cfg.Gateway.TLS.CertPath == "" || cfg.Gateway.TLS.KeyPath == "" {
			issues = append(issues, ValidationIssue{
				Path:    "gateway.tls",
				Message: "certPath and keyPath are required when TLS is enabled",
			})
		}
	}

	if cfg.Auth.Secret == "" {
		issues = append(issues, ValidationIssue{
			Path:    "auth.secret",
			Message: "a signing secret is required (supports ${ENV_VAR})",
		})
	}

	if cfg.Auth.TokenTTLMinutes < 0 {
		issues = append(issues, ValidationIssue{
			Path:    "auth.tokenTtlMinutes",
			Message: fmt.Sprintf("must be >= 0, got %d", cfg.Auth.TokenTTLMinutes),
		})
	}

	validDrivers := []string{"sqlite", "memory"}
	if cfg.Store.Driver != "" && !slices.Contains(validDrivers, cfg.Store.Driver) {
		issues = append(issues, ValidationIssue{
			Path:    "store.driver",
			Message: fmt.Sprintf("must be one of %v, got %q", validDrivers, cfg.Store.Driver),
		})
	}

	validLogLevels := []string{"silent", "fatal", "error", "warn", "info", "debug", "trace"}
	if cfg.Logging.Level != "" && !slices.Contains(validLogLevels, cfg.Logging.Level) {
		issues = append(issues, ValidationIssue{
			Path:    "logging.level",
			Message: fmt.Sprintf("must be one of %v, got %q", validLogLevels, cfg.Logging.Level),
		})
	}

	if cfg.Client.URL != "" &&
		!strings.HasPrefix(cfg.Client.URL, "ws://") &&
		!strings.HasPrefix(cfg.Client.URL, "wss://") {
		issues = append(issues, ValidationIssue{
			Path:    "client.url",
			Message: fmt.Sprintf("must use ws:// or wss://, got %q", cfg.Client.URL),
		})
	}

	if cfg.Client.DedupWindow < 0 {
		issues = append(issues, ValidationIssue{
			Path:    "client.dedupWindow",
			Message: fmt.Sprintf("must be >= 0, got %d", cfg.Client.DedupWindow),
		})
	}

	return issues
}
