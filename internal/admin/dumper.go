package admin

import (
	"sort"
	"strings"
	"time"

	"github.com/policy-gate/policy-gate/internal/config"
	"github.com/policy-gate/policy-gate/internal/registry"
	"github.com/policy-gate/policy-gate/internal/routes"
	"github.com/policy-gate/policy-gate/pkg/policy"
)

// redactedValue replaces secret setting values in dumps.
const redactedValue = "[redacted]"

// sensitiveSettingKeys marks publisher setting names whose values never leave
// the process through the admin surface.
var sensitiveSettingKeys = []string{
	"application_id",
	"password",
	"secret",
	"token",
	"api_key",
}

// DumpPolicies creates a dump of the policy registry, sorted by name so the
// output is stable across calls.
func DumpPolicies(reg *registry.Registry) *PoliciesResponse {
	table := reg.Dump()

	names := make([]string, 0, len(table))
	for name := range table {
		names = append(names, name)
	}
	sort.Strings(names)

	infos := make([]PolicyInfo, 0, len(names))
	for _, name := range names {
		ap := table[name]
		infos = append(infos, PolicyInfo{
			Name:       name,
			ApplyPoint: string(ap),
			Installed:  reg.Installed(ap),
		})
	}

	return &PoliciesResponse{
		Timestamp:         time.Now(),
		DefaultApplyPoint: string(reg.DefaultApplyPoint()),
		TotalPolicies:     len(infos),
		Policies:          infos,
	}
}

// DumpRoutes creates a dump of the current route table generation. A nil
// table dumps as empty; the table may not have loaded yet.
func DumpRoutes(table *routes.Table) *RoutesResponse {
	resp := &RoutesResponse{Timestamp: time.Now()}
	if table == nil {
		resp.Routes = []RouteInfo{}
		return resp
	}

	all := table.All()
	infos := make([]RouteInfo, 0, len(all))
	for _, rt := range all {
		info := RouteInfo{
			Key:             rt.Key,
			Methods:         rt.Methods,
			Pattern:         rt.Pattern,
			Upstream:        rt.Upstream,
			TotalDirectives: len(rt.Directives),
			Directives:      dumpDirectives(rt.Directives),
		}
		if rt.Respond != nil {
			info.Respond = &RespondInfo{
				Status:    rt.Respond.Status,
				BodyBytes: len(rt.Respond.Body),
			}
		}
		infos = append(infos, info)
	}

	resp.TotalRoutes = len(infos)
	resp.Routes = infos
	return resp
}

func dumpDirectives(directives []policy.Directive) []DirectiveInfo {
	result := make([]DirectiveInfo, 0, len(directives))
	for _, d := range directives {
		if name := d.Name(); name != "" {
			result = append(result, DirectiveInfo{Kind: "name", Name: name})
			continue
		}
		result = append(result, DirectiveInfo{
			Kind:       "inline",
			ApplyPoint: string(d.Stage()),
		})
	}
	return result
}

// DumpConfig dumps the effective configuration with secrets redacted.
func DumpConfig(cfg *config.Config) *ConfigDumpResponse {
	return &ConfigDumpResponse{
		Timestamp: time.Now(),
		Gate: GateDump{
			DefaultApplyPoint: cfg.Gate.DefaultApplyPoint,
			PolicyDir:         cfg.Gate.PolicyDir,
			Routes: RoutesCfg{
				Path:           cfg.Gate.Routes.Path,
				Watch:          cfg.Gate.Routes.Watch,
				ReloadDebounce: cfg.Gate.Routes.ReloadDebounce.String(),
			},
			HTTP: HTTPCfg{
				Enabled:              cfg.Gate.HTTP.Enabled,
				Port:                 cfg.Gate.HTTP.Port,
				UpstreamTimeout:      cfg.Gate.HTTP.UpstreamTimeout.String(),
				ResponseCaptureBytes: cfg.Gate.HTTP.ResponseCaptureBytes,
				TrustForwardedFor:    cfg.Gate.HTTP.TrustForwardedFor,
			},
			ExtProc: ExtProcCfg{
				Enabled:        cfg.Gate.ExtProc.Enabled,
				Mode:           cfg.Gate.ExtProc.Mode,
				Port:           cfg.Gate.ExtProc.Port,
				SocketPath:     cfg.Gate.ExtProc.SocketPath,
				RouteKeyHeader: cfg.Gate.ExtProc.RouteKeyHeader,
			},
			Admin: AdminCfg{
				Enabled:    cfg.Gate.Admin.Enabled,
				Port:       cfg.Gate.Admin.Port,
				AllowedIPs: cfg.Gate.Admin.AllowedIPs,
			},
			Metrics: EnabledPort{
				Enabled: cfg.Gate.Metrics.Enabled,
				Port:    cfg.Gate.Metrics.Port,
			},
			Logging: LoggingCfg{
				Level:  cfg.Gate.Logging.Level,
				Format: cfg.Gate.Logging.Format,
			},
		},
		Tracing: TracingDump{
			Enabled:      cfg.Tracing.Enabled,
			Endpoint:     cfg.Tracing.Endpoint,
			Insecure:     cfg.Tracing.Insecure,
			ServiceName:  cfg.Tracing.ServiceName,
			SamplingRate: cfg.Tracing.SamplingRate,
		},
		Audit: dumpAudit(cfg.Audit),
	}
}

func dumpAudit(a config.AuditConfig) AuditDump {
	pubs := make([]PublisherDump, 0, len(a.Publishers))
	for _, p := range a.Publishers {
		pubs = append(pubs, PublisherDump{
			Enabled:  p.Enabled,
			Type:     p.Type,
			Settings: redactSettings(p.Settings),
		})
	}
	return AuditDump{
		Enabled:    a.Enabled,
		QueueSize:  a.QueueSize,
		Publishers: pubs,
	}
}

// redactSettings copies a settings map, masking values of sensitive keys.
// The original map is never mutated.
func redactSettings(settings map[string]interface{}) map[string]interface{} {
	if settings == nil {
		return nil
	}
	out := make(map[string]interface{}, len(settings))
	for key, value := range settings {
		if isSensitiveKey(key) {
			out[key] = redactedValue
			continue
		}
		out[key] = value
	}
	return out
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, marker := range sensitiveSettingKeys {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
