package config

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

const (
	DefaultPort = 8080
	DefaultHost = "0.0.0.0"

	DefaultFileWriteDelay = 150 * time.Millisecond // lets the editor finish writing before we reload
)

var (
	lastReload  time.Time
	reloadMutex sync.Mutex
)

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            DefaultHost,
			Port:            DefaultPort,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    0, // unbounded; the proxy core sets no write deadline on streamed responses
			ShutdownTimeout: 10 * time.Second,
			RequestLimits: ServerRequestLimits{
				MaxBodySize:   50 * 1024 * 1024,
				MaxHeaderSize: 1 * 1024 * 1024,
			},
		},
		Proxy: ProxyConfig{
			ConnectTimeout:              15 * time.Second,
			IdleHeaderTimeout:           60 * time.Second,
			LongReadTimeout:             15 * time.Minute,
			PoolCapacity:                128,
			BridgeIdleLifetime:          60 * time.Minute,
			MaxBodyRewriteSize:          50 * 1024 * 1024,
			AllowGatewayTimeoutResponse: true,
			AllowConnectionKeepalive:    true,
			IncludeServerTimingHeader:   false,
			HighLoadGoroutineThreshold:  20000,
		},
		Headers: HeaderConfig{
			ForwardedFor:   "drop",
			ForwardedHost:  "drop",
			ForwardedProto: "drop",
			RealIP:         "drop",
		},
		Rewrite: RewriteConfig{
			Enabled: false,
		},
		Security: SecurityConfig{
			TrustedCIDRs:      []string{"127.0.0.1/32", "::1/128"},
			TrustProxyHeaders: false,
			RateLimit: RateLimitConfig{
				Enabled:           true,
				RequestsPerSecond: 50,
				Burst:             100,
				CleanupInterval:   10 * time.Minute,
			},
		},
		Telemetry: TelemetryConfig{
			MetricsEnabled: true,
			MetricsPath:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Theme:      "default",
			PrettyLogs: true,
			FileOutput: true,
			LogDir:     "./logs",
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     30,
		},
	}
}

// Load loads configuration from file and environment variables, falling back
// to DefaultConfig for anything not set.
func Load(onConfigChange func()) (*Config, error) {
	cfg := DefaultConfig()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	viper.SetEnvPrefix("RELAY")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		if configFile := os.Getenv("RELAY_CONFIG_FILE"); configFile != "" {
			viper.SetConfigFile(configFile)
			if err := viper.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
			}
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	viper.WatchConfig()

	if onConfigChange != nil {
		viper.OnConfigChange(func(e fsnotify.Event) {
			reloadMutex.Lock()
			defer reloadMutex.Unlock()

			now := time.Now()
			if now.Sub(lastReload) < 500*time.Millisecond {
				return // ignore rapid-fire duplicate events
			}
			lastReload = now

			// on some platforms this fires before the write is flushed
			time.Sleep(DefaultFileWriteDelay)
			onConfigChange()
		})
	}
	return cfg, nil
}
