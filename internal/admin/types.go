package admin

import "time"

// PoliciesResponse is the response structure for the policies endpoint.
type PoliciesResponse struct {
	Timestamp         time.Time    `json:"timestamp"`
	DefaultApplyPoint string       `json:"default_apply_point"`
	TotalPolicies     int          `json:"total_policies"`
	Policies          []PolicyInfo `json:"policies"`
}

// PolicyInfo describes one registered policy.
type PolicyInfo struct {
	Name       string `json:"name"`
	ApplyPoint string `json:"apply_point"`

	// Installed reports whether the policy's stage hook is live in the
	// attached hosts. False for disabled policies, whose stage is never
	// installed.
	Installed bool `json:"installed"`
}

// RoutesResponse is the response structure for the routes endpoint.
type RoutesResponse struct {
	Timestamp   time.Time   `json:"timestamp"`
	TotalRoutes int         `json:"total_routes"`
	Routes      []RouteInfo `json:"routes"`
}

// RouteInfo describes one route table entry.
type RouteInfo struct {
	Key             string          `json:"key"`
	Methods         []string        `json:"methods,omitempty"`
	Pattern         string          `json:"pattern"`
	Upstream        string          `json:"upstream,omitempty"`
	Respond         *RespondInfo    `json:"respond,omitempty"`
	TotalDirectives int             `json:"total_directives"`
	Directives      []DirectiveInfo `json:"directives"`
}

// RespondInfo summarizes a static response route. The body is elided; only
// its size is reported.
type RespondInfo struct {
	Status    int `json:"status"`
	BodyBytes int `json:"body_bytes"`
}

// DirectiveInfo describes one entry of a route's policy list.
type DirectiveInfo struct {
	// Kind is "name" for stored-policy references and "inline" for policy
	// bodies declared on the route.
	Kind string `json:"kind"`

	Name string `json:"name,omitempty"`

	// ApplyPoint is the inline directive's explicit stage attribute. Empty
	// when the directive defers to the configured default stage.
	ApplyPoint string `json:"apply_point,omitempty"`
}

// ConfigDumpResponse is the response structure for the config_dump endpoint.
// Secrets in publisher settings are redacted before serialization.
type ConfigDumpResponse struct {
	Timestamp time.Time   `json:"timestamp"`
	Gate      GateDump    `json:"gate"`
	Tracing   TracingDump `json:"tracing"`
	Audit     AuditDump   `json:"audit"`
}

// GateDump mirrors the effective engine and host settings.
type GateDump struct {
	DefaultApplyPoint string      `json:"default_apply_point"`
	PolicyDir         string      `json:"policy_dir,omitempty"`
	Routes            RoutesCfg   `json:"routes"`
	HTTP              HTTPCfg     `json:"http"`
	ExtProc           ExtProcCfg  `json:"extproc"`
	Admin             AdminCfg    `json:"admin"`
	Metrics           EnabledPort `json:"metrics"`
	Logging           LoggingCfg  `json:"logging"`
}

// RoutesCfg mirrors the route table source settings.
type RoutesCfg struct {
	Path           string `json:"path"`
	Watch          bool   `json:"watch"`
	ReloadDebounce string `json:"reload_debounce"`
}

// HTTPCfg mirrors the HTTP host settings.
type HTTPCfg struct {
	Enabled              bool   `json:"enabled"`
	Port                 int    `json:"port"`
	UpstreamTimeout      string `json:"upstream_timeout"`
	ResponseCaptureBytes int    `json:"response_capture_bytes"`
	TrustForwardedFor    bool   `json:"trust_forwarded_for"`
}

// ExtProcCfg mirrors the ext_proc host settings.
type ExtProcCfg struct {
	Enabled        bool   `json:"enabled"`
	Mode           string `json:"mode,omitempty"`
	Port           int    `json:"port,omitempty"`
	SocketPath     string `json:"socket_path,omitempty"`
	RouteKeyHeader string `json:"route_key_header"`
}

// AdminCfg mirrors the admin server settings.
type AdminCfg struct {
	Enabled    bool     `json:"enabled"`
	Port       int      `json:"port"`
	AllowedIPs []string `json:"allowed_ips"`
}

// EnabledPort is the minimal enabled-plus-port settings shape.
type EnabledPort struct {
	Enabled bool `json:"enabled"`
	Port    int  `json:"port"`
}

// LoggingCfg mirrors the logging settings.
type LoggingCfg struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// TracingDump mirrors the tracing settings.
type TracingDump struct {
	Enabled      bool    `json:"enabled"`
	Endpoint     string  `json:"endpoint,omitempty"`
	Insecure     bool    `json:"insecure,omitempty"`
	ServiceName  string  `json:"service_name,omitempty"`
	SamplingRate float64 `json:"sampling_rate,omitempty"`
}

// AuditDump mirrors the audit pipeline settings with secrets redacted.
type AuditDump struct {
	Enabled    bool            `json:"enabled"`
	QueueSize  int             `json:"queue_size"`
	Publishers []PublisherDump `json:"publishers"`
}

// PublisherDump describes one audit publisher with redacted settings.
type PublisherDump struct {
	Enabled  bool                   `json:"enabled"`
	Type     string                 `json:"type"`
	Settings map[string]interface{} `json:"settings,omitempty"`
}
