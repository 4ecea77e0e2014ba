package routes

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/policy-gate/policy-gate/internal/builtin"
	"github.com/policy-gate/policy-gate/internal/config"
	"github.com/policy-gate/policy-gate/internal/metrics"
	"github.com/policy-gate/policy-gate/pkg/policy"
)

// document is the routes file shape.
type document struct {
	Routes []routeSpec `yaml:"routes"`
}

// knownMethods is the verb set the HTTP router accepts.
var knownMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodPost:    true,
	http.MethodPut:     true,
	http.MethodPatch:   true,
	http.MethodDelete:  true,
	http.MethodConnect: true,
	http.MethodOptions: true,
	http.MethodTrace:   true,
}

type routeSpec struct {
	Key      string          `yaml:"key"`
	Methods  []string        `yaml:"methods"`
	Pattern  string          `yaml:"pattern"`
	Upstream string          `yaml:"upstream"`
	Respond  *StaticResponse `yaml:"respond"`
	Policies []directiveSpec `yaml:"policies"`
}

// directiveSpec is one entry of a route's policies list: a stored policy
// reference (name) or an inline CEL condition (expr), never both. An
// apply_point attribute is only meaningful on inline entries; stored policies
// carry their stage in the registry.
type directiveSpec struct {
	Name       string `yaml:"name"`
	Expr       string `yaml:"expr"`
	ApplyPoint string `yaml:"apply_point"`
}

// Provider owns the current route table and its reloads. Table hands out the
// current generation; Load builds and swaps a new one.
type Provider struct {
	cfg     config.RoutesConfig
	table   atomic.Pointer[Table]
	watcher *fsnotify.Watcher
}

// NewProvider creates a provider for the configured routes file. Call Load
// before serving.
func NewProvider(cfg config.RoutesConfig) *Provider {
	return &Provider{cfg: cfg}
}

// Table returns the current route table generation.
func (p *Provider) Table() *Table {
	return p.table.Load()
}

// Load parses, validates, and swaps in the routes file. On error the previous
// table stays in place untouched.
func (p *Provider) Load(ctx context.Context) error {
	table, err := loadFile(p.cfg.Path)
	if err != nil {
		metrics.RouteReloadsTotal.WithLabelValues("failure").Inc()
		return err
	}

	p.table.Store(table)
	metrics.RouteReloadsTotal.WithLabelValues("success").Inc()
	metrics.RoutesLoaded.Set(float64(table.Len()))
	slog.InfoContext(ctx, "Route table loaded",
		"path", p.cfg.Path,
		"routes", table.Len(),
	)
	return nil
}

// Watch reloads the table when the routes file changes, until ctx is done.
// Events are debounced so editors that write in bursts trigger one rebuild; a
// reload that fails validation is logged and the serving table is kept.
func (p *Provider) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create routes watcher: %w", err)
	}
	if err := watcher.Add(p.cfg.Path); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch routes file %s: %w", p.cfg.Path, err)
	}
	p.watcher = watcher

	go p.processEvents(ctx)

	slog.InfoContext(ctx, "Watching routes file", "path", p.cfg.Path)
	return nil
}

func (p *Provider) processEvents(ctx context.Context) {
	var reloadTimer *time.Timer

	for {
		select {
		case <-ctx.Done():
			p.watcher.Close()
			return

		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(p.cfg.ReloadDebounce, func() {
				if err := p.Load(ctx); err != nil {
					slog.ErrorContext(ctx, "Route reload failed, keeping previous table",
						"path", p.cfg.Path,
						"error", err,
					)
				}
			})

		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			slog.ErrorContext(ctx, "Routes watcher error", "error", err)
		}
	}
}

// Close stops the watcher if one is running.
func (p *Provider) Close() error {
	if p.watcher != nil {
		return p.watcher.Close()
	}
	return nil
}

// loadFile reads and fully validates one routes file, compiling inline
// expressions, before any of it becomes visible.
func loadFile(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read routes file %s: %w", path, err)
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse routes file %s: %w", path, err)
	}

	table := &Table{
		routes:    make([]Route, 0, len(doc.Routes)),
		byKey:     make(map[string]*Route, len(doc.Routes)),
		byPattern: make(map[string]*Route, len(doc.Routes)),
	}

	for i, spec := range doc.Routes {
		route, err := buildRoute(&spec)
		if err != nil {
			return nil, fmt.Errorf("routes[%d] (%s): %w", i, spec.Key, err)
		}
		if _, dup := table.byKey[route.Key]; dup {
			return nil, fmt.Errorf("routes[%d]: duplicate route key %q", i, route.Key)
		}

		table.routes = append(table.routes, *route)
		stored := &table.routes[len(table.routes)-1]
		table.byKey[route.Key] = stored
		table.byPattern[route.Pattern] = stored
	}

	return table, nil
}

func buildRoute(spec *routeSpec) (*Route, error) {
	if spec.Key == "" {
		return nil, fmt.Errorf("key is required")
	}
	if spec.Pattern == "" || !strings.HasPrefix(spec.Pattern, "/") {
		return nil, fmt.Errorf("pattern must be an absolute path, got %q", spec.Pattern)
	}

	switch {
	case spec.Upstream != "" && spec.Respond != nil:
		return nil, fmt.Errorf("upstream and respond are mutually exclusive")
	case spec.Upstream == "" && spec.Respond == nil:
		return nil, fmt.Errorf("one of upstream or respond is required")
	case spec.Upstream != "":
		u, err := url.Parse(spec.Upstream)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("upstream must be a valid URL, got %q", spec.Upstream)
		}
	case spec.Respond != nil:
		if spec.Respond.Status < 100 || spec.Respond.Status > 599 {
			return nil, fmt.Errorf("respond.status must be a valid HTTP status, got %d", spec.Respond.Status)
		}
	}

	methods := make([]string, 0, len(spec.Methods))
	for _, m := range spec.Methods {
		upper := strings.ToUpper(m)
		if !knownMethods[upper] {
			return nil, fmt.Errorf("unknown HTTP method %q", m)
		}
		methods = append(methods, upper)
	}

	directives, err := buildDirectives(spec.Policies)
	if err != nil {
		return nil, err
	}

	return &Route{
		Key:        spec.Key,
		Methods:    methods,
		Pattern:    spec.Pattern,
		Upstream:   spec.Upstream,
		Respond:    spec.Respond,
		Directives: directives,
	}, nil
}

// buildDirectives compiles the declared policies list in order. Name entries
// stay symbolic; whether the name exists is the resolver's call at request
// time, not a load-time check, so routes and policies can load in either
// order. Inline expressions compile here, once per load.
func buildDirectives(specs []directiveSpec) ([]policy.Directive, error) {
	if len(specs) == 0 {
		return nil, nil
	}

	directives := make([]policy.Directive, 0, len(specs))
	for i, spec := range specs {
		switch {
		case spec.Name != "" && spec.Expr != "":
			return nil, fmt.Errorf("policies[%d]: name and expr are mutually exclusive", i)

		case spec.Name != "":
			if spec.ApplyPoint != "" {
				return nil, fmt.Errorf("policies[%d]: apply_point is only valid on expr entries; %q carries its stage in the registry", i, spec.Name)
			}
			directives = append(directives, policy.ByName(spec.Name))

		case spec.Expr != "":
			fn, err := builtin.CompileExpr(spec.Expr)
			if err != nil {
				return nil, fmt.Errorf("policies[%d]: invalid expr: %w", i, err)
			}
			if spec.ApplyPoint == "" {
				directives = append(directives, policy.Inline(fn))
				continue
			}
			ap, err := policy.ParseApplyPoint(spec.ApplyPoint)
			if err != nil {
				return nil, fmt.Errorf("policies[%d]: %w", i, err)
			}
			// A recognized but non-runnable stage ("disabled") passes the
			// load; the resolver rejects it per request.
			directives = append(directives, policy.InlineAt(ap, fn))

		default:
			return nil, fmt.Errorf("policies[%d]: one of name or expr is required", i)
		}
	}
	return directives, nil
}
