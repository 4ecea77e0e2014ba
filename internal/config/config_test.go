package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// validConfig returns a valid configuration for testing
func validConfig() *Config {
	return &Config{
		Gate: GateConfig{
			DefaultApplyPoint: "pre-handler",
			Routes: RoutesConfig{
				Path:           "configs/routes.yaml",
				Watch:          false,
				ReloadDebounce: 500 * time.Millisecond,
			},
			HTTP: HTTPConfig{
				Enabled:              true,
				Port:                 8080,
				UpstreamTimeout:      30 * time.Second,
				ResponseCaptureBytes: 64 * 1024,
			},
			ExtProc: ExtProcConfig{
				Enabled:    false,
				Port:       9001,
				SocketPath: "/tmp/extproc.sock",
			},
			Admin: AdminConfig{
				Enabled:    true,
				Port:       9002,
				AllowedIPs: []string{"127.0.0.1"},
			},
			Metrics: MetricsConfig{
				Enabled: false,
				Port:    9003,
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "json",
			},
		},
		Tracing: TracingConfig{
			Enabled: false,
		},
		Audit: AuditConfig{
			Enabled: false,
		},
	}
}

// TestValidate_ValidConfig tests that a valid configuration passes validation
func TestValidate_ValidConfig(t *testing.T) {
	cfg := validConfig()
	err := cfg.Validate()
	assert.NoError(t, err)
}

// TestValidate_DefaultApplyPoint tests default stage validation
func TestValidate_DefaultApplyPoint(t *testing.T) {
	tests := []struct {
		name      string
		stage     string
		expectErr bool
	}{
		{
			name:      "request stage",
			stage:     "request",
			expectErr: false,
		},
		{
			name:      "pre-auth stage",
			stage:     "pre-auth",
			expectErr: false,
		},
		{
			name:      "post-auth stage",
			stage:     "post-auth",
			expectErr: false,
		},
		{
			name:      "pre-handler stage",
			stage:     "pre-handler",
			expectErr: false,
		},
		{
			name:      "post-handler stage",
			stage:     "post-handler",
			expectErr: false,
		},
		{
			name:      "pre-response stage",
			stage:     "pre-response",
			expectErr: false,
		},
		{
			name:      "disabled is not a runnable stage",
			stage:     "disabled",
			expectErr: true,
		},
		{
			name:      "empty stage",
			stage:     "",
			expectErr: true,
		},
		{
			name:      "unknown stage",
			stage:     "during-lunch",
			expectErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.Gate.DefaultApplyPoint = tt.stage

			err := cfg.Validate()
			if tt.expectErr {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), "default_apply_point")
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

// TestValidate_HostRequired tests that at least one host must be enabled
func TestValidate_HostRequired(t *testing.T) {
	cfg := validConfig()
	cfg.Gate.HTTP.Enabled = false
	cfg.Gate.ExtProc.Enabled = false

	err := cfg.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "at least one host must be enabled")
}

// TestValidate_RoutesConfig tests route table validation
func TestValidate_RoutesConfig(t *testing.T) {
	t.Run("path required when host enabled", func(t *testing.T) {
		cfg := validConfig()
		cfg.Gate.Routes.Path = ""

		err := cfg.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "gate.routes.path is required")
	})

	t.Run("zero debounce rejected", func(t *testing.T) {
		cfg := validConfig()
		cfg.Gate.Routes.ReloadDebounce = 0

		err := cfg.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "reload_debounce")
	})
}

// TestValidate_HTTPConfig tests HTTP host validation
func TestValidate_HTTPConfig(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Config)
		expectErr bool
		errMsg    string
	}{
		{
			name:      "valid port",
			mutate:    func(c *Config) { c.Gate.HTTP.Port = 8080 },
			expectErr: false,
		},
		{
			name:      "minimum valid port",
			mutate:    func(c *Config) { c.Gate.HTTP.Port = 1 },
			expectErr: false,
		},
		{
			name:      "maximum valid port",
			mutate:    func(c *Config) { c.Gate.HTTP.Port = 65535 },
			expectErr: false,
		},
		{
			name:      "zero port",
			mutate:    func(c *Config) { c.Gate.HTTP.Port = 0 },
			expectErr: true,
			errMsg:    "invalid http.port",
		},
		{
			name:      "port exceeds maximum",
			mutate:    func(c *Config) { c.Gate.HTTP.Port = 65536 },
			expectErr: true,
			errMsg:    "invalid http.port",
		},
		{
			name:      "zero upstream timeout",
			mutate:    func(c *Config) { c.Gate.HTTP.UpstreamTimeout = 0 },
			expectErr: true,
			errMsg:    "upstream_timeout",
		},
		{
			name:      "negative capture limit",
			mutate:    func(c *Config) { c.Gate.HTTP.ResponseCaptureBytes = -1 },
			expectErr: true,
			errMsg:    "response_capture_bytes",
		},
		{
			name:      "zero capture limit disables capture",
			mutate:    func(c *Config) { c.Gate.HTTP.ResponseCaptureBytes = 0 },
			expectErr: false,
		},
		{
			name: "disabled host skips validation",
			mutate: func(c *Config) {
				c.Gate.HTTP.Enabled = false
				c.Gate.HTTP.Port = 0
				c.Gate.ExtProc.Enabled = true
				c.Gate.ExtProc.Mode = "uds"
			},
			expectErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.expectErr {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

// TestValidate_ExtProcMode tests external processor listener validation
func TestValidate_ExtProcMode(t *testing.T) {
	tests := []struct {
		name      string
		mode      string
		port      int
		socket    string
		expectErr bool
		errMsg    string
	}{
		{
			name:      "UDS mode explicit",
			mode:      "uds",
			socket:    "/tmp/extproc.sock",
			expectErr: false,
		},
		{
			name:      "UDS mode default (empty string)",
			mode:      "",
			socket:    "/tmp/extproc.sock",
			expectErr: false,
		},
		{
			name:      "UDS mode without socket path",
			mode:      "uds",
			socket:    "",
			expectErr: true,
			errMsg:    "socket_path",
		},
		{
			name:      "TCP mode with valid port",
			mode:      "tcp",
			port:      9001,
			expectErr: false,
		},
		{
			name:      "TCP mode with zero port",
			mode:      "tcp",
			port:      0,
			expectErr: true,
			errMsg:    "invalid extproc.port",
		},
		{
			name:      "TCP mode with port exceeding maximum",
			mode:      "tcp",
			port:      65536,
			expectErr: true,
			errMsg:    "invalid extproc.port",
		},
		{
			name:      "invalid mode",
			mode:      "pipe",
			expectErr: true,
			errMsg:    "extproc.mode must be 'uds' or 'tcp'",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.Gate.ExtProc.Enabled = true
			cfg.Gate.ExtProc.Mode = tt.mode
			cfg.Gate.ExtProc.Port = tt.port
			cfg.Gate.ExtProc.SocketPath = tt.socket

			err := cfg.Validate()
			if tt.expectErr {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

// TestValidate_PortConflicts tests that co-hosted servers cannot share ports
func TestValidate_PortConflicts(t *testing.T) {
	t.Run("admin conflicts with http", func(t *testing.T) {
		cfg := validConfig()
		cfg.Gate.Admin.Port = cfg.Gate.HTTP.Port

		err := cfg.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "admin.port cannot be same as http.port")
	})

	t.Run("metrics conflicts with http", func(t *testing.T) {
		cfg := validConfig()
		cfg.Gate.Metrics.Enabled = true
		cfg.Gate.Metrics.Port = cfg.Gate.HTTP.Port

		err := cfg.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "metrics.port cannot be same as http.port")
	})

	t.Run("metrics conflicts with admin", func(t *testing.T) {
		cfg := validConfig()
		cfg.Gate.Metrics.Enabled = true
		cfg.Gate.Metrics.Port = cfg.Gate.Admin.Port

		err := cfg.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "metrics.port cannot be same as admin.port")
	})

	t.Run("disabled servers do not conflict", func(t *testing.T) {
		cfg := validConfig()
		cfg.Gate.Admin.Enabled = false
		cfg.Gate.Admin.Port = cfg.Gate.HTTP.Port
		cfg.Gate.Metrics.Enabled = false
		cfg.Gate.Metrics.Port = cfg.Gate.HTTP.Port

		err := cfg.Validate()
		assert.NoError(t, err)
	})
}

// TestValidate_AdminConfig tests admin server validation
func TestValidate_AdminConfig(t *testing.T) {
	tests := []struct {
		name      string
		enabled   bool
		port      int
		allowed   []string
		expectErr bool
		errMsg    string
	}{
		{
			name:      "valid admin config",
			enabled:   true,
			port:      9002,
			allowed:   []string{"127.0.0.1"},
			expectErr: false,
		},
		{
			name:      "zero port",
			enabled:   true,
			port:      0,
			allowed:   []string{"127.0.0.1"},
			expectErr: true,
			errMsg:    "invalid admin.port",
		},
		{
			name:      "port exceeds maximum",
			enabled:   true,
			port:      70000,
			allowed:   []string{"127.0.0.1"},
			expectErr: true,
			errMsg:    "invalid admin.port",
		},
		{
			name:      "empty allowed IPs",
			enabled:   true,
			port:      9002,
			allowed:   []string{},
			expectErr: true,
			errMsg:    "allowed_ips cannot be empty",
		},
		{
			name:      "disabled skips validation",
			enabled:   false,
			port:      0,
			allowed:   nil,
			expectErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.Gate.Admin.Enabled = tt.enabled
			cfg.Gate.Admin.Port = tt.port
			cfg.Gate.Admin.AllowedIPs = tt.allowed

			err := cfg.Validate()
			if tt.expectErr {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

// TestValidate_MetricsConfig tests metrics server validation
func TestValidate_MetricsConfig(t *testing.T) {
	tests := []struct {
		name      string
		enabled   bool
		port      int
		expectErr bool
		errMsg    string
	}{
		{
			name:      "valid metrics config",
			enabled:   true,
			port:      9003,
			expectErr: false,
		},
		{
			name:      "zero port",
			enabled:   true,
			port:      0,
			expectErr: true,
			errMsg:    "invalid metrics.port",
		},
		{
			name:      "negative port",
			enabled:   true,
			port:      -1,
			expectErr: true,
			errMsg:    "invalid metrics.port",
		},
		{
			name:      "disabled skips validation",
			enabled:   false,
			port:      0,
			expectErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.Gate.Metrics.Enabled = tt.enabled
			cfg.Gate.Metrics.Port = tt.port

			err := cfg.Validate()
			if tt.expectErr {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

// TestValidate_LoggingConfig tests logging validation
func TestValidate_LoggingConfig(t *testing.T) {
	tests := []struct {
		name      string
		level     string
		format    string
		expectErr bool
		errMsg    string
	}{
		{
			name:      "valid debug level",
			level:     "debug",
			format:    "json",
			expectErr: false,
		},
		{
			name:      "valid info level",
			level:     "info",
			format:    "text",
			expectErr: false,
		},
		{
			name:      "valid warn level",
			level:     "warn",
			format:    "json",
			expectErr: false,
		},
		{
			name:      "valid error level",
			level:     "error",
			format:    "json",
			expectErr: false,
		},
		{
			name:      "invalid level",
			level:     "verbose",
			format:    "json",
			expectErr: true,
			errMsg:    "invalid logging.level",
		},
		{
			name:      "invalid format",
			level:     "info",
			format:    "xml",
			expectErr: true,
			errMsg:    "invalid logging.format",
		},
		{
			name:      "empty level",
			level:     "",
			format:    "json",
			expectErr: true,
			errMsg:    "invalid logging.level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.Gate.Logging.Level = tt.level
			cfg.Gate.Logging.Format = tt.format

			err := cfg.Validate()
			if tt.expectErr {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

// TestValidate_TracingConfig tests tracing validation
func TestValidate_TracingConfig(t *testing.T) {
	validTracing := func() TracingConfig {
		return TracingConfig{
			Enabled:            true,
			Endpoint:           "localhost:4317",
			ServiceName:        "policy-gate",
			BatchTimeout:       time.Second,
			MaxExportBatchSize: 512,
			SamplingRate:       1.0,
		}
	}

	tests := []struct {
		name      string
		mutate    func(*TracingConfig)
		expectErr bool
		errMsg    string
	}{
		{
			name:      "valid tracing config",
			mutate:    func(tc *TracingConfig) {},
			expectErr: false,
		},
		{
			name:      "disabled skips validation",
			mutate:    func(tc *TracingConfig) { *tc = TracingConfig{Enabled: false} },
			expectErr: false,
		},
		{
			name:      "missing endpoint",
			mutate:    func(tc *TracingConfig) { tc.Endpoint = "" },
			expectErr: true,
			errMsg:    "tracing.endpoint is required",
		},
		{
			name:      "missing service name",
			mutate:    func(tc *TracingConfig) { tc.ServiceName = "" },
			expectErr: true,
			errMsg:    "tracing.service_name is required",
		},
		{
			name:      "zero batch timeout",
			mutate:    func(tc *TracingConfig) { tc.BatchTimeout = 0 },
			expectErr: true,
			errMsg:    "batch_timeout",
		},
		{
			name:      "zero batch size",
			mutate:    func(tc *TracingConfig) { tc.MaxExportBatchSize = 0 },
			expectErr: true,
			errMsg:    "max_export_batch_size",
		},
		{
			name:      "zero sampling rate",
			mutate:    func(tc *TracingConfig) { tc.SamplingRate = 0 },
			expectErr: true,
			errMsg:    "sampling_rate",
		},
		{
			name:      "sampling rate above one",
			mutate:    func(tc *TracingConfig) { tc.SamplingRate = 1.5 },
			expectErr: true,
			errMsg:    "sampling_rate",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tc := validTracing()
			tt.mutate(&tc)
			cfg.Tracing = tc

			err := cfg.Validate()
			if tt.expectErr {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

// TestValidate_AuditConfig tests audit pipeline validation
func TestValidate_AuditConfig(t *testing.T) {
	t.Run("zero queue size rejected", func(t *testing.T) {
		cfg := validConfig()
		cfg.Audit.Enabled = true
		cfg.Audit.QueueSize = 0

		err := cfg.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "queue_size")
	})

	t.Run("disabled skips validation", func(t *testing.T) {
		cfg := validConfig()
		cfg.Audit.Enabled = false
		cfg.Audit.QueueSize = 0

		err := cfg.Validate()
		assert.NoError(t, err)
	})
}

// TestValidate_AuditPublishers tests publisher-specific validation
func TestValidate_AuditPublishers(t *testing.T) {
	tests := []struct {
		name      string
		publisher PublisherConfig
		expectErr bool
		errMsg    string
	}{
		{
			name: "valid sqlite publisher",
			publisher: PublisherConfig{
				Enabled: true,
				Type:    "sqlite",
				Settings: map[string]interface{}{
					"path": "/var/lib/policy-gate/audit.db",
				},
			},
			expectErr: false,
		},
		{
			name: "sqlite publisher missing path",
			publisher: PublisherConfig{
				Enabled:  true,
				Type:     "sqlite",
				Settings: map[string]interface{}{},
			},
			expectErr: true,
			errMsg:    "settings.path is required",
		},
		{
			name: "sqlite publisher with non-string path",
			publisher: PublisherConfig{
				Enabled: true,
				Type:    "sqlite",
				Settings: map[string]interface{}{
					"path": 42,
				},
			},
			expectErr: true,
			errMsg:    "settings.path is required",
		},
		{
			name: "valid moesif publisher",
			publisher: PublisherConfig{
				Enabled: true,
				Type:    "moesif",
				Settings: map[string]interface{}{
					"application_id": "test-app-id",
				},
			},
			expectErr: false,
		},
		{
			name: "moesif publisher missing application_id",
			publisher: PublisherConfig{
				Enabled:  true,
				Type:     "moesif",
				Settings: map[string]interface{}{},
			},
			expectErr: true,
			errMsg:    "application_id is required",
		},
		{
			name: "moesif publisher with valid base_url",
			publisher: PublisherConfig{
				Enabled: true,
				Type:    "moesif",
				Settings: map[string]interface{}{
					"application_id": "test-app-id",
					"base_url":       "https://api.moesif.net",
				},
			},
			expectErr: false,
		},
		{
			name: "moesif publisher with malformed base_url",
			publisher: PublisherConfig{
				Enabled: true,
				Type:    "moesif",
				Settings: map[string]interface{}{
					"application_id": "test-app-id",
					"base_url":       "not a url",
				},
			},
			expectErr: true,
			errMsg:    "base_url must be a valid URL",
		},
		{
			name: "unknown publisher type",
			publisher: PublisherConfig{
				Enabled:  true,
				Type:     "kafka",
				Settings: map[string]interface{}{},
			},
			expectErr: true,
			errMsg:    "unknown publisher type",
		},
		{
			name: "missing type",
			publisher: PublisherConfig{
				Enabled: true,
			},
			expectErr: true,
			errMsg:    "type is required",
		},
		{
			name: "disabled publisher skips validation",
			publisher: PublisherConfig{
				Enabled: false,
				Type:    "kafka",
			},
			expectErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.Audit.Enabled = true
			cfg.Audit.QueueSize = 1024
			cfg.Audit.Publishers = []PublisherConfig{tt.publisher}

			err := cfg.Validate()
			if tt.expectErr {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

// TestLoad_ValidConfigFile tests loading a well-formed TOML file
func TestLoad_ValidConfigFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.toml")

	configContent := `
[gate]
default_apply_point = "pre-auth"

[gate.routes]
path = "configs/routes.yaml"
watch = true
reload_debounce = "750ms"

[gate.http]
enabled = true
port = 8088
upstream_timeout = "10s"

[gate.admin]
enabled = true
port = 9002
allowed_ips = ["127.0.0.1"]

[gate.logging]
level = "debug"
format = "json"
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	require.NoError(t, err)

	cfg, err := Load(configPath)
	require.NoError(t, err)
	assert.NotNil(t, cfg)
	assert.Equal(t, "pre-auth", cfg.Gate.DefaultApplyPoint)
	assert.Equal(t, 8088, cfg.Gate.HTTP.Port)
	assert.True(t, cfg.Gate.Routes.Watch)
	assert.Equal(t, 750*time.Millisecond, cfg.Gate.Routes.ReloadDebounce)
	assert.Equal(t, 10*time.Second, cfg.Gate.HTTP.UpstreamTimeout)
	assert.Equal(t, "debug", cfg.Gate.Logging.Level)
}

// TestLoad_EmptyPath tests loading with empty path (defaults only)
func TestLoad_EmptyPath(t *testing.T) {
	cfg, err := Load("")
	require.Error(t, err)
	assert.Nil(t, cfg)
	// Defaults alone fail validation: a host is enabled but no route table
	// is configured.
	assert.Contains(t, err.Error(), "gate.routes.path is required")
}

// TestLoad_NonExistentFile tests loading a non-existent file
func TestLoad_NonExistentFile(t *testing.T) {
	cfg, err := Load("/nonexistent/path/config.toml")
	assert.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "failed to load config file")
}

// TestLoad_MalformedFile tests loading a file that is not valid TOML
func TestLoad_MalformedFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.toml")

	malformed := `
[gate
default_apply_point = = "request"
`
	err := os.WriteFile(configPath, []byte(malformed), 0644)
	require.NoError(t, err)

	cfg, err := Load(configPath)
	assert.Error(t, err)
	assert.Nil(t, cfg)
}

// TestLoad_InvalidConfig tests loading a file that fails validation
func TestLoad_InvalidConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.toml")

	invalidConfig := `
[gate]
default_apply_point = "never"

[gate.routes]
path = "configs/routes.yaml"

[gate.admin]
enabled = true
port = 9002
allowed_ips = ["127.0.0.1"]
`
	err := os.WriteFile(configPath, []byte(invalidConfig), 0644)
	require.NoError(t, err)

	cfg, err := Load(configPath)
	assert.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "invalid configuration")
}

// TestLoad_EnvOverride tests that environment variables override file values
func TestLoad_EnvOverride(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.toml")

	configContent := `
[gate.routes]
path = "configs/routes.yaml"

[gate.logging]
level = "info"
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	require.NoError(t, err)

	t.Setenv("PGATE_GATE_LOGGING_LEVEL", "debug")
	// Double underscores preserve the literal underscore in the field name.
	t.Setenv("PGATE_GATE_DEFAULT__APPLY__POINT", "post-auth")

	cfg, err := Load(configPath)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Gate.Logging.Level)
	assert.Equal(t, "post-auth", cfg.Gate.DefaultApplyPoint)
}

// TestLoad_RawPopulated tests that the raw map is populated after loading
func TestLoad_RawPopulated(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.toml")

	configContent := `
[gate.routes]
path = "configs/routes.yaml"

[policy_settings]
custom_key = "custom_value"
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	require.NoError(t, err)

	cfg, err := Load(configPath)
	require.NoError(t, err)
	assert.NotNil(t, cfg.Raw)
	assert.NotEmpty(t, cfg.Raw)
	assert.Contains(t, cfg.Raw, "policy_settings")
}

// TestDefaultStage tests the parsed default stage accessor
func TestDefaultStage(t *testing.T) {
	cfg := validConfig()
	assert.Equal(t, "pre-handler", string(cfg.Gate.DefaultStage()))
}

// TestDefaultConfig tests that defaults are sane apart from the route table,
// which deployments must point at a real file
func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()
	cfg.Gate.Routes.Path = "configs/routes.yaml"
	err := cfg.Validate()
	assert.NoError(t, err)
}
