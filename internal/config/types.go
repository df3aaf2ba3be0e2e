package config

import "time"

// Config holds all configuration for the proxy engine.
type Config struct {
	Logging   LoggingConfig   `yaml:"logging" mapstructure:"logging"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Proxy     ProxyConfig     `yaml:"proxy" mapstructure:"proxy"`
	Headers   HeaderConfig    `yaml:"headers" mapstructure:"headers"`
	Rewrite   RewriteConfig   `yaml:"rewrite" mapstructure:"rewrite"`
	Origins   []OriginConfig  `yaml:"origins" mapstructure:"origins"`
	Security  SecurityConfig  `yaml:"security" mapstructure:"security"`
	Telemetry TelemetryConfig `yaml:"telemetry" mapstructure:"telemetry"`
}

// ServerConfig holds the front-end HTTP listener configuration. Host and Port
// only take effect on process restart - they are not part of the hot-reload
// subset.
type ServerConfig struct {
	Host            string              `yaml:"host" mapstructure:"host"`
	Port            int                 `yaml:"port" mapstructure:"port"`
	ReadTimeout     time.Duration       `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout    time.Duration       `yaml:"write_timeout" mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration       `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	RequestLimits   ServerRequestLimits `yaml:"request_limits" mapstructure:"request_limits"`
}

// ServerRequestLimits defines request size validation limits.
type ServerRequestLimits struct {
	MaxBodySize   int64 `yaml:"max_body_size" mapstructure:"max_body_size"`
	MaxHeaderSize int64 `yaml:"max_header_size" mapstructure:"max_header_size"`
}

// ProxyConfig holds the timing and pooling defaults applied to every origin
// unless overridden in OriginConfig.
type ProxyConfig struct {
	ConnectTimeout     time.Duration `yaml:"connect_timeout" mapstructure:"connect_timeout"`
	IdleHeaderTimeout  time.Duration `yaml:"idle_header_timeout" mapstructure:"idle_header_timeout"`
	LongReadTimeout    time.Duration `yaml:"long_read_timeout" mapstructure:"long_read_timeout"`
	PoolCapacity       int           `yaml:"pool_capacity" mapstructure:"pool_capacity"`
	BridgeIdleLifetime time.Duration `yaml:"bridge_idle_lifetime" mapstructure:"bridge_idle_lifetime"`
	MaxBodyRewriteSize int64         `yaml:"max_body_rewrite_size" mapstructure:"max_body_rewrite_size"`

	// AllowGatewayTimeoutResponse maps a failed upstream connect to a 504
	// written back to the client. When false the connect failure instead
	// propagates as a fatal error with no response written, leaving it to an
	// outer layer (or the default net/http panic recovery) to decide.
	AllowGatewayTimeoutResponse bool `yaml:"allow_gateway_timeout_response" mapstructure:"allow_gateway_timeout_response"`
	// AllowConnectionKeepalive lets a bridged connection be pooled for reuse.
	// Even when true, reuse is further denied while the server reports
	// itself under high load.
	AllowConnectionKeepalive bool `yaml:"allow_connection_keepalive" mapstructure:"allow_connection_keepalive"`
	// IncludeServerTimingHeader adds a Server-Timing header to every
	// response recording the upstream round-trip duration.
	IncludeServerTimingHeader bool `yaml:"include_server_timing_header" mapstructure:"include_server_timing_header"`
	// HighLoadGoroutineThreshold is the goroutine count above which the
	// server considers itself under high load for the purposes of
	// AllowConnectionKeepalive; zero disables the check.
	HighLoadGoroutineThreshold int `yaml:"high_load_goroutine_threshold" mapstructure:"high_load_goroutine_threshold"`
}

// HeaderConfig selects the behaviour applied to each of the well-known proxy
// headers. Values are the string names of the behaviours documented for the
// header processor (e.g. "drop", "create", "combine_unsafe",
// "combine_if_trusted_else_create", "passthrough_unsafe",
// "passthrough_if_trusted_else_drop", "passthrough_if_trusted_else_create").
type HeaderConfig struct {
	ForwardedFor   string `yaml:"x_forwarded_for" mapstructure:"x_forwarded_for"`
	ForwardedHost  string `yaml:"x_forwarded_host" mapstructure:"x_forwarded_host"`
	ForwardedProto string `yaml:"x_forwarded_proto" mapstructure:"x_forwarded_proto"`
	RealIP         string `yaml:"x_real_ip" mapstructure:"x_real_ip"`
}

// RewriteConfig configures the body rewriter pipeline. Substitutions apply
// boundary-aware literal hostname replacement in list order; Patterns apply
// the listed regular expressions in order after substitution.
type RewriteConfig struct {
	Enabled        bool                  `yaml:"enabled" mapstructure:"enabled"`
	Substitutions  []RewriteSubstitution `yaml:"substitutions" mapstructure:"substitutions"`
	Patterns       []RewritePattern      `yaml:"patterns" mapstructure:"patterns"`
	TargetEncoding string                `yaml:"target_encoding" mapstructure:"target_encoding"`
}

// RewriteSubstitution is a single ordered literal hostname replacement.
// A slice rather than a map so overlapping matches resolve the same way on
// every request instead of depending on randomized map iteration order.
type RewriteSubstitution struct {
	From string `yaml:"from" mapstructure:"from"`
	To   string `yaml:"to" mapstructure:"to"`
}

// RewritePattern is a single ordered regex-replace rule.
type RewritePattern struct {
	Match       string `yaml:"match" mapstructure:"match"`
	Replacement string `yaml:"replacement" mapstructure:"replacement"`
}

// OriginConfig describes one upstream origin the proxy may bridge requests
// to, keyed by the canonical Origin Key derived from URL at load time.
type OriginConfig struct {
	Name           string        `yaml:"name" mapstructure:"name"`
	URL            string        `yaml:"url" mapstructure:"url"`
	AcceptAnyCert  bool          `yaml:"accept_any_cert" mapstructure:"accept_any_cert"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" mapstructure:"connect_timeout"`
	PoolCapacity   int           `yaml:"pool_capacity" mapstructure:"pool_capacity"`
	// Host overrides the TLS SNI server name presented to this origin,
	// distinct from the host embedded in URL - e.g. connecting by IP while
	// still presenting the origin's real hostname during the handshake.
	Host string `yaml:"host" mapstructure:"host"`
	// MinTLSVersion floors the TLS version accepted from this origin:
	// "1.0" (default), "1.1", "1.2" or "1.3".
	MinTLSVersion string `yaml:"min_tls_version" mapstructure:"min_tls_version"`
}

// SecurityConfig holds the trust boundary for proxy-header processing and
// client IP extraction.
type SecurityConfig struct {
	TrustedCIDRs      []string        `yaml:"trusted_cidrs" mapstructure:"trusted_cidrs"`
	TrustProxyHeaders bool            `yaml:"trust_proxy_headers" mapstructure:"trust_proxy_headers"`
	RateLimit         RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`
}

// RateLimitConfig configures the per-client-IP token bucket ahead of the
// entry point.
type RateLimitConfig struct {
	Enabled           bool          `yaml:"enabled" mapstructure:"enabled"`
	RequestsPerSecond float64       `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	Burst             int           `yaml:"burst" mapstructure:"burst"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval" mapstructure:"cleanup_interval"`
}

// TelemetryConfig controls the Prometheus metrics endpoint.
type TelemetryConfig struct {
	MetricsEnabled bool   `yaml:"metrics_enabled" mapstructure:"metrics_enabled"`
	MetricsPath    string `yaml:"metrics_path" mapstructure:"metrics_path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `yaml:"level" mapstructure:"level"`
	Theme      string `yaml:"theme" mapstructure:"theme"`
	PrettyLogs bool   `yaml:"pretty_logs" mapstructure:"pretty_logs"`
	FileOutput bool   `yaml:"file_output" mapstructure:"file_output"`
	LogDir     string `yaml:"log_dir" mapstructure:"log_dir"`
	MaxSize    int    `yaml:"max_size" mapstructure:"max_size"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"`
	MaxAge     int    `yaml:"max_age" mapstructure:"max_age"`
}

// hotReloadable is the subset of Config fields snapshotHotReloadable copies:
// trusted CIDRs, header behaviours, rewrite rules and proxy timeouts.
// Server.Host, Server.Port and per-origin pool capacity are excluded. Nothing
// applies a snapshot to a running Application, and the change callback main
// passes to Load does nothing, so a changed value takes effect on restart.
type hotReloadable struct {
	Headers  HeaderConfig
	Rewrite  RewriteConfig
	Security SecurityConfig
	Proxy    ProxyConfig
}

func (c *Config) snapshotHotReloadable() hotReloadable {
	return hotReloadable{
		Headers:  c.Headers,
		Rewrite:  c.Rewrite,
		Security: c.Security,
		Proxy:    c.Proxy,
	}
}
