package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	toml "github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/policy-gate/policy-gate/pkg/policy"
)

// EnvPrefix is the prefix for environment variables overriding gate
// configuration, e.g. PGATE_GATE_LOGGING_LEVEL=debug.
const EnvPrefix = "PGATE_"

// Config is the complete gate configuration.
type Config struct {
	Gate    GateConfig    `koanf:"gate"`
	Tracing TracingConfig `koanf:"tracing"`
	Audit   AuditConfig   `koanf:"audit"`

	// Raw holds the complete merged configuration map, custom sections
	// included. Policy definitions reference it through $config(...)
	// placeholders in their parameters.
	// Note: no struct tag; populated manually from k.Raw().
	Raw map[string]interface{}
}

// GateConfig holds the core engine and host settings.
type GateConfig struct {
	// DefaultApplyPoint is the stage used by policies and inline directives
	// that declare none. Must be one of the six lifecycle stages.
	DefaultApplyPoint string `koanf:"default_apply_point"`

	// PolicyDir is scanned at startup for policy definition files, one per
	// policy, in lexical order. Empty disables directory loading.
	PolicyDir string `koanf:"policy_dir"`

	Routes  RoutesConfig  `koanf:"routes"`
	HTTP    HTTPConfig    `koanf:"http"`
	ExtProc ExtProcConfig `koanf:"extproc"`
	Admin   AdminConfig   `koanf:"admin"`
	Metrics MetricsConfig `koanf:"metrics"`
	Logging LoggingConfig `koanf:"logging"`
}

// RoutesConfig locates the route declarations.
type RoutesConfig struct {
	// Path is the routes YAML file.
	Path string `koanf:"path"`

	// Watch reloads the route table when the file changes.
	Watch bool `koanf:"watch"`

	// ReloadDebounce coalesces bursts of file events into one reload.
	ReloadDebounce time.Duration `koanf:"reload_debounce"`
}

// HTTPConfig holds the HTTP host settings.
type HTTPConfig struct {
	Enabled bool `koanf:"enabled"`
	Port    int  `koanf:"port"`

	// UpstreamTimeout bounds one proxied upstream exchange.
	UpstreamTimeout time.Duration `koanf:"upstream_timeout"`

	// ResponseCaptureBytes caps the decoded upstream body made visible to
	// response-side policies. 0 disables body capture.
	ResponseCaptureBytes int `koanf:"response_capture_bytes"`

	// TrustForwardedFor resolves the client IP from X-Forwarded-For and
	// X-Real-IP. Enable only behind a trusted proxy.
	TrustForwardedFor bool `koanf:"trust_forwarded_for"`
}

// ExtProcConfig holds the Envoy external processor host settings.
type ExtProcConfig struct {
	Enabled bool `koanf:"enabled"`

	// Mode is the listener type: "uds" (default) or "tcp".
	Mode string `koanf:"mode"`

	// Port is the gRPC port in TCP mode.
	Port int `koanf:"port"`

	// SocketPath is the Unix socket path in UDS mode.
	SocketPath string `koanf:"socket_path"`

	// RouteKeyHeader names the request header carrying the route key. When
	// absent from a request, the :path pseudo header is matched instead.
	RouteKeyHeader string `koanf:"route_key_header"`
}

// AdminConfig holds the admin HTTP server settings.
type AdminConfig struct {
	Enabled bool `koanf:"enabled"`
	Port    int  `koanf:"port"`

	// AllowedIPs restricts admin API access. Defaults to loopback only.
	AllowedIPs []string `koanf:"allowed_ips"`
}

// MetricsConfig holds the prometheus metrics server settings.
type MetricsConfig struct {
	Enabled bool `koanf:"enabled"`
	Port    int  `koanf:"port"`
}

// LoggingConfig holds the slog settings.
type LoggingConfig struct {
	// Level can be "debug", "info", "warn", "error".
	Level string `koanf:"level"`

	// Format can be "json" or "text".
	Format string `koanf:"format"`
}

// TracingConfig holds the OpenTelemetry exporter settings.
type TracingConfig struct {
	Enabled bool `koanf:"enabled"`

	// Endpoint is the OTLP gRPC endpoint (host:port).
	Endpoint string `koanf:"endpoint"`

	// Insecure disables TLS towards the collector.
	Insecure bool `koanf:"insecure"`

	ServiceName    string `koanf:"service_name"`
	ServiceVersion string `koanf:"service_version"`

	// BatchTimeout is the export batch timeout.
	BatchTimeout time.Duration `koanf:"batch_timeout"`

	// MaxExportBatchSize is the maximum batch size for exports.
	MaxExportBatchSize int `koanf:"max_export_batch_size"`

	// SamplingRate is the ratio of requests to sample (0.0 to 1.0].
	SamplingRate float64 `koanf:"sampling_rate"`
}

// AuditConfig holds the decision audit pipeline settings.
type AuditConfig struct {
	Enabled bool `koanf:"enabled"`

	// QueueSize bounds the in-flight decision events; events beyond it are
	// dropped and counted, never blocking a request.
	QueueSize int `koanf:"queue_size"`

	Publishers []PublisherConfig `koanf:"publishers"`
}

// PublisherConfig configures one audit publisher.
type PublisherConfig struct {
	Enabled  bool                   `koanf:"enabled"`
	Type     string                 `koanf:"type"`
	Settings map[string]interface{} `koanf:"settings"`
}

// Load reads configuration from the file, overlays environment variables, and
// validates the result. Priority: environment > file > defaults.
//
// Duration fields accept Go duration strings ("10s", "5m"); the decode hook
// converts them before assignment. Double underscores in environment names
// preserve literal underscores in field names.
func Load(configPath string) (*Config, error) {
	cfg := defaultConfig()

	k := koanf.New(".")

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(s, EnvPrefix)
		s = strings.ToLower(s)

		// Preserve literal underscores, then map single underscores to
		// nesting dots.
		s = strings.ReplaceAll(s, "__", "%UNDERSCORE%")
		s = strings.ReplaceAll(s, "_", ".")
		s = strings.ReplaceAll(s, "%UNDERSCORE%", "_")
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{
		DecoderConfig: &mapstructure.DecoderConfig{
			TagName:          "koanf",
			WeaklyTypedInput: true,
			Result:           cfg,
			DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		},
	}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Raw = k.Raw()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns the built-in defaults, overlaid by file and
// environment values during Load.
func defaultConfig() *Config {
	return &Config{
		Gate: GateConfig{
			DefaultApplyPoint: string(policy.OnPreHandler),
			PolicyDir:         "",
			Routes: RoutesConfig{
				Path:           "",
				Watch:          false,
				ReloadDebounce: 500 * time.Millisecond,
			},
			HTTP: HTTPConfig{
				Enabled:              true,
				Port:                 8080,
				UpstreamTimeout:      30 * time.Second,
				ResponseCaptureBytes: 64 * 1024,
				TrustForwardedFor:    false,
			},
			ExtProc: ExtProcConfig{
				Enabled:        false,
				Mode:           "",
				Port:           9001,
				SocketPath:     "/var/run/policy-gate/extproc.sock",
				RouteKeyHeader: "x-route-key",
			},
			Admin: AdminConfig{
				Enabled:    true,
				Port:       9002,
				AllowedIPs: []string{"127.0.0.1", "::1"},
			},
			Metrics: MetricsConfig{
				Enabled: false,
				Port:    9003,
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "text",
			},
		},
		Tracing: TracingConfig{
			Enabled:            false,
			Endpoint:           "otel-collector:4317",
			Insecure:           true,
			ServiceName:        "policy-gate",
			ServiceVersion:     "1.0.0",
			BatchTimeout:       1 * time.Second,
			MaxExportBatchSize: 512,
			SamplingRate:       1.0,
		},
		Audit: AuditConfig{
			Enabled:    false,
			QueueSize:  1024,
			Publishers: []PublisherConfig{},
		},
	}
}

// DefaultStage returns the parsed default stage. Valid only after Validate
// has passed.
func (g *GateConfig) DefaultStage() policy.ApplyPoint {
	return policy.ApplyPoint(g.DefaultApplyPoint)
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	ap, err := policy.ParseApplyPoint(c.Gate.DefaultApplyPoint)
	if err != nil || !ap.Valid() {
		return fmt.Errorf("gate.default_apply_point must be one of the six lifecycle stages, got: %q", c.Gate.DefaultApplyPoint)
	}

	if !c.Gate.HTTP.Enabled && !c.Gate.ExtProc.Enabled {
		return fmt.Errorf("at least one host must be enabled (gate.http or gate.extproc)")
	}

	if (c.Gate.HTTP.Enabled || c.Gate.ExtProc.Enabled) && c.Gate.Routes.Path == "" {
		return fmt.Errorf("gate.routes.path is required when a host is enabled")
	}
	if c.Gate.Routes.ReloadDebounce <= 0 {
		return fmt.Errorf("gate.routes.reload_debounce must be positive")
	}

	if c.Gate.HTTP.Enabled {
		if c.Gate.HTTP.Port <= 0 || c.Gate.HTTP.Port > 65535 {
			return fmt.Errorf("invalid http.port: %d (must be 1-65535)", c.Gate.HTTP.Port)
		}
		if c.Gate.HTTP.UpstreamTimeout <= 0 {
			return fmt.Errorf("http.upstream_timeout must be positive")
		}
		if c.Gate.HTTP.ResponseCaptureBytes < 0 {
			return fmt.Errorf("http.response_capture_bytes must not be negative")
		}
	}

	switch c.Gate.ExtProc.Mode {
	case "uds", "":
		if c.Gate.ExtProc.Enabled && c.Gate.ExtProc.SocketPath == "" {
			return fmt.Errorf("extproc.socket_path is required in uds mode")
		}
	case "tcp":
		if c.Gate.ExtProc.Port <= 0 || c.Gate.ExtProc.Port > 65535 {
			return fmt.Errorf("invalid extproc.port: %d (must be 1-65535)", c.Gate.ExtProc.Port)
		}
	default:
		return fmt.Errorf("extproc.mode must be 'uds' or 'tcp', got: %s", c.Gate.ExtProc.Mode)
	}

	if c.Gate.Admin.Enabled {
		if c.Gate.Admin.Port <= 0 || c.Gate.Admin.Port > 65535 {
			return fmt.Errorf("invalid admin.port: %d (must be 1-65535)", c.Gate.Admin.Port)
		}
		if c.Gate.HTTP.Enabled && c.Gate.Admin.Port == c.Gate.HTTP.Port {
			return fmt.Errorf("admin.port cannot be same as http.port")
		}
		if len(c.Gate.Admin.AllowedIPs) == 0 {
			return fmt.Errorf("admin.allowed_ips cannot be empty when admin is enabled")
		}
	}

	if c.Gate.Metrics.Enabled {
		if c.Gate.Metrics.Port <= 0 || c.Gate.Metrics.Port > 65535 {
			return fmt.Errorf("invalid metrics.port: %d (must be 1-65535)", c.Gate.Metrics.Port)
		}
		if c.Gate.HTTP.Enabled && c.Gate.Metrics.Port == c.Gate.HTTP.Port {
			return fmt.Errorf("metrics.port cannot be same as http.port")
		}
		if c.Gate.Admin.Enabled && c.Gate.Metrics.Port == c.Gate.Admin.Port {
			return fmt.Errorf("metrics.port cannot be same as admin.port")
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Gate.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Gate.Logging.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Gate.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Gate.Logging.Format)
	}

	if c.Tracing.Enabled {
		if c.Tracing.Endpoint == "" {
			return fmt.Errorf("tracing.endpoint is required when tracing is enabled")
		}
		if c.Tracing.ServiceName == "" {
			return fmt.Errorf("tracing.service_name is required when tracing is enabled")
		}
		if c.Tracing.BatchTimeout <= 0 {
			return fmt.Errorf("tracing.batch_timeout must be positive")
		}
		if c.Tracing.MaxExportBatchSize <= 0 {
			return fmt.Errorf("tracing.max_export_batch_size must be positive")
		}
		if c.Tracing.SamplingRate <= 0.0 || c.Tracing.SamplingRate > 1.0 {
			return fmt.Errorf("tracing.sampling_rate must be > 0.0 and <= 1.0, got %f", c.Tracing.SamplingRate)
		}
	}

	if c.Audit.Enabled {
		if err := c.validateAuditConfig(); err != nil {
			return fmt.Errorf("audit configuration validation failed: %w", err)
		}
	}

	return nil
}

// validateAuditConfig checks the audit pipeline and its publishers.
func (c *Config) validateAuditConfig() error {
	if c.Audit.QueueSize <= 0 {
		return fmt.Errorf("audit.queue_size must be positive, got %d", c.Audit.QueueSize)
	}

	for i, pub := range c.Audit.Publishers {
		if !pub.Enabled {
			continue
		}
		if pub.Type == "" {
			return fmt.Errorf("audit.publishers[%d].type is required when enabled", i)
		}

		switch pub.Type {
		case "sqlite":
			if pub.Settings == nil {
				return fmt.Errorf("audit.publishers[%d].settings is required for type 'sqlite'", i)
			}
			rawPath, ok := pub.Settings["path"]
			path, okStr := rawPath.(string)
			if !ok || !okStr || path == "" {
				return fmt.Errorf("audit.publishers[%d].settings.path is required and must be a non-empty string for type 'sqlite'", i)
			}

		case "moesif":
			if pub.Settings == nil {
				return fmt.Errorf("audit.publishers[%d].settings is required for type 'moesif'", i)
			}
			rawAppID, ok := pub.Settings["application_id"]
			appID, okStr := rawAppID.(string)
			if !ok || !okStr || appID == "" {
				return fmt.Errorf("audit.publishers[%d].settings.application_id is required and must be a non-empty string for type 'moesif'", i)
			}

			if rawBaseURL, ok := pub.Settings["base_url"]; ok && rawBaseURL != nil {
				baseURL, okStr := rawBaseURL.(string)
				if !okStr {
					return fmt.Errorf("audit.publishers[%d].settings.base_url must be a string", i)
				}
				if baseURL != "" {
					if u, err := url.Parse(baseURL); err != nil || u.Scheme == "" || u.Host == "" {
						return fmt.Errorf("audit.publishers[%d].settings.base_url must be a valid URL (e.g. https://api.moesif.net), got %q", i, baseURL)
					}
				}
			}

		default:
			return fmt.Errorf("unknown publisher type: %s", pub.Type)
		}
	}
	return nil
}
