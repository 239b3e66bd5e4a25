package config

// Config is the root configuration for the livechat gateway and client.
type Config struct {
	Gateway GatewayConfig `yaml:"gateway,omitempty"`
	Auth    AuthConfig    `yaml:"auth,omitempty"`
	Store   StoreConfig   `yaml:"store,omitempty"`
	Client  ClientConfig  `yaml:"client,omitempty"`
	Logging LoggingConfig `yaml:"logging,omitempty"`
	Hooks   HooksConfig   `yaml:"hooks,omitempty"`
	Notify  NotifyConfig  `yaml:"notify,omitempty"`
}

// GatewayConfig controls the gateway HTTP/WebSocket server.
type GatewayConfig struct {
	Port           int        `yaml:"port,omitempty"`
	Bind           string     `yaml:"bind,omitempty"` // "loopback" | "lan" | "custom"
	CustomBindHost string     `yaml:"customBindHost,omitempty"`
	AllowedOrigins []string   `yaml:"allowedOrigins,omitempty"`
	TLS            GatewayTLS `yaml:"tls,omitempty"`
}

// GatewayTLS configures TLS for the gateway.
type GatewayTLS struct {
	Enabled  bool   `yaml:"enabled,omitempty"`
	CertPath string `yaml:"certPath,omitempty"`
	KeyPath  string `yaml:"keyPath,omitempty"`
}

// AuthConfig configures the token credential source.
type AuthConfig struct {
	Secret          string `yaml:"secret,omitempty"` // supports ${ENV_VAR}
	TokenTTLMinutes int    `yaml:"tokenTtlMinutes,omitempty"`
}

// StoreConfig selects the session store backend.
type StoreConfig struct {
	Driver string `yaml:"driver,omitempty"` // "sqlite" | "memory"
	Path   string `yaml:"path,omitempty"`   // sqlite file; defaults under the data dir
}

// ClientConfig controls the client-side connection supervisor.
type ClientConfig struct {
	URL                string `yaml:"url,omitempty"` // ws:// or wss:// gateway endpoint
	Token              string `yaml:"token,omitempty"`
	DialTimeoutSeconds int    `yaml:"dialTimeoutSeconds,omitempty"`
	ReconnectSeconds   int    `yaml:"reconnectSeconds,omitempty"`
	DedupWindow        int    `yaml:"dedupWindow,omitempty"` // applied-id set bound per session
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level string `yaml:"level,omitempty"` // "silent" | "fatal" | "error" | "warn" | "info" | "debug" | "trace"
}

// HooksConfig defines shell-command lifecycle hooks.
type HooksConfig struct {
	GatewayStart   []HookEntry `yaml:"gatewayStart,omitempty"`
	GatewayStop    []HookEntry `yaml:"gatewayStop,omitempty"`
	SessionCreated []HookEntry `yaml:"sessionCreated,omitempty"`
	MessageStored  []HookEntry `yaml:"messageStored,omitempty"`
}

// HookEntry defines a single hook action.
type HookEntry struct {
	Command string `yaml:"command"`
	Timeout int    `yaml:"timeout,omitempty"` // milliseconds
}

// NotifyConfig controls the local notification capability.
type NotifyConfig struct {
	Enabled bool   `yaml:"enabled,omitempty"`
	Command string `yaml:"command,omitempty"` // e.g. notify-send; empty uses the in-app fallback
}
