package config

import "fmt"

// ConfigError represents a configuration error.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s", e.Message)
}

// Defaults returns a Config with sensible defaults applied.
func Defaults() Config {
	return Config{
		Gateway: GatewayConfig{
			Port: 18790,
			Bind: "loopback",
		},
		Auth: AuthConfig{
			TokenTTLMinutes: 24 * 60,
		},
		Store: StoreConfig{
			Driver: "sqlite",
		},
		Client: ClientConfig{
			DialTimeoutSeconds: 5,
			ReconnectSeconds:   3,
			DedupWindow:        500,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}
