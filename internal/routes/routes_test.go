package routes

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/policy-gate/policy-gate/internal/config"
	"github.com/policy-gate/policy-gate/internal/metrics"
)

func TestMain(m *testing.M) {
	metrics.SetEnabled(false)
	metrics.Init()
	m.Run()
}

func writeRoutes(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "routes.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func newTestProvider(path string) *Provider {
	return NewProvider(config.RoutesConfig{
		Path:           path,
		ReloadDebounce: 20 * time.Millisecond,
	})
}

const validRoutes = `
routes:
  - key: orders
    methods: [get, POST]
    pattern: /orders/{id}
    upstream: http://orders.svc:8000
    policies:
      - name: authn
      - expr: '!("x-debug" in request.header)'
      - name: quota
  - key: health
    pattern: /healthz
    respond:
      status: 200
      body: ok
      headers:
        content-type: text/plain
`

// ============================================================================
// Loading
// ============================================================================

func TestLoad_ValidFile(t *testing.T) {
	path := writeRoutes(t, t.TempDir(), validRoutes)
	p := newTestProvider(path)

	require.NoError(t, p.Load(context.Background()))
	table := p.Table()
	require.NotNil(t, table)
	assert.Equal(t, 2, table.Len())

	orders, ok := table.Lookup("orders")
	require.True(t, ok)
	assert.Equal(t, []string{"GET", "POST"}, orders.Methods)
	assert.Equal(t, "/orders/{id}", orders.Pattern)
	assert.Equal(t, "http://orders.svc:8000", orders.Upstream)

	// The directive list keeps declaration order: name, inline, name.
	require.Len(t, orders.Directives, 3)
	assert.Equal(t, "authn", orders.Directives[0].Name())
	assert.Empty(t, orders.Directives[1].Name())
	assert.NotNil(t, orders.Directives[1].Body())
	assert.Equal(t, "quota", orders.Directives[2].Name())

	health, ok := table.Lookup("health")
	require.True(t, ok)
	require.NotNil(t, health.Respond)
	assert.Equal(t, 200, health.Respond.Status)
	assert.Equal(t, "ok", health.Respond.Body)
	assert.Empty(t, health.Directives)
}

func TestLoad_MissingFile(t *testing.T) {
	p := newTestProvider(filepath.Join(t.TempDir(), "absent.yaml"))
	err := p.Load(context.Background())
	require.Error(t, err)
	assert.Nil(t, p.Table())
}

func TestLoad_FailureKeepsPreviousTable(t *testing.T) {
	dir := t.TempDir()
	path := writeRoutes(t, dir, validRoutes)
	p := newTestProvider(path)
	require.NoError(t, p.Load(context.Background()))
	before := p.Table()

	writeRoutes(t, dir, `
routes:
  - key: dup
    pattern: /a
    upstream: http://a
  - key: dup
    pattern: /b
    upstream: http://b
`)
	err := p.Load(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate route key")
	assert.Same(t, before, p.Table(), "failed reload must not swap the table")
}

// ============================================================================
// Validation
// ============================================================================

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name   string
		yaml   string
		errMsg string
	}{
		{
			name: "missing key",
			yaml: `
routes:
  - pattern: /a
    upstream: http://a
`,
			errMsg: "key is required",
		},
		{
			name: "relative pattern",
			yaml: `
routes:
  - key: a
    pattern: orders
    upstream: http://a
`,
			errMsg: "pattern must be an absolute path",
		},
		{
			name: "upstream and respond together",
			yaml: `
routes:
  - key: a
    pattern: /a
    upstream: http://a
    respond:
      status: 200
`,
			errMsg: "mutually exclusive",
		},
		{
			name: "neither upstream nor respond",
			yaml: `
routes:
  - key: a
    pattern: /a
`,
			errMsg: "one of upstream or respond is required",
		},
		{
			name: "malformed upstream",
			yaml: `
routes:
  - key: a
    pattern: /a
    upstream: "not a url"
`,
			errMsg: "upstream must be a valid URL",
		},
		{
			name: "out of range respond status",
			yaml: `
routes:
  - key: a
    pattern: /a
    respond:
      status: 42
`,
			errMsg: "respond.status",
		},
		{
			name: "directive with name and expr",
			yaml: `
routes:
  - key: a
    pattern: /a
    upstream: http://a
    policies:
      - name: quota
        expr: 'true'
`,
			errMsg: "name and expr are mutually exclusive",
		},
		{
			name: "directive with neither name nor expr",
			yaml: `
routes:
  - key: a
    pattern: /a
    upstream: http://a
    policies:
      - apply_point: pre-auth
`,
			errMsg: "one of name or expr is required",
		},
		{
			name: "apply_point on a name entry",
			yaml: `
routes:
  - key: a
    pattern: /a
    upstream: http://a
    policies:
      - name: quota
        apply_point: pre-auth
`,
			errMsg: "apply_point is only valid on expr entries",
		},
		{
			name: "unparseable expr",
			yaml: `
routes:
  - key: a
    pattern: /a
    upstream: http://a
    policies:
      - expr: 'request.method =='
`,
			errMsg: "invalid expr",
		},
		{
			name: "unknown apply_point on expr entry",
			yaml: `
routes:
  - key: a
    pattern: /a
    upstream: http://a
    policies:
      - expr: 'true'
        apply_point: during-lunch
`,
			errMsg: "invalid apply point",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeRoutes(t, t.TempDir(), tt.yaml)
			p := newTestProvider(path)

			err := p.Load(context.Background())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

// TestLoad_DisabledApplyPointPassesLoad verifies a recognized but
// non-runnable stage survives loading; the resolver rejects it per request.
func TestLoad_DisabledApplyPointPassesLoad(t *testing.T) {
	path := writeRoutes(t, t.TempDir(), `
routes:
  - key: a
    pattern: /a
    upstream: http://a
    policies:
      - expr: 'true'
        apply_point: disabled
`)
	p := newTestProvider(path)
	require.NoError(t, p.Load(context.Background()))

	route, ok := p.Table().Lookup("a")
	require.True(t, ok)
	require.Len(t, route.Directives, 1)
}

// ============================================================================
// Lookup
// ============================================================================

func TestTable_MatchByPattern(t *testing.T) {
	path := writeRoutes(t, t.TempDir(), validRoutes)
	p := newTestProvider(path)
	require.NoError(t, p.Load(context.Background()))

	route, ok := p.Table().Match("/healthz")
	require.True(t, ok)
	assert.Equal(t, "health", route.Key)

	// Parameterized patterns only match their literal spelling.
	_, ok = p.Table().Match("/orders/42")
	assert.False(t, ok)
}

func TestTable_AllReturnsCopy(t *testing.T) {
	path := writeRoutes(t, t.TempDir(), validRoutes)
	p := newTestProvider(path)
	require.NoError(t, p.Load(context.Background()))

	all := p.Table().All()
	require.Len(t, all, 2)
	all[0].Key = "mutated"

	reloaded := p.Table().All()
	assert.Equal(t, "orders", reloaded[0].Key)
}

// ============================================================================
// Watching
// ============================================================================

func TestWatch_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := writeRoutes(t, dir, validRoutes)
	p := newTestProvider(path)
	require.NoError(t, p.Load(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, p.Watch(ctx))
	defer p.Close()

	writeRoutes(t, dir, `
routes:
  - key: only
    pattern: /only
    upstream: http://only
`)

	require.Eventually(t, func() bool {
		table := p.Table()
		_, ok := table.Lookup("only")
		return ok && table.Len() == 1
	}, 2*time.Second, 10*time.Millisecond, "watcher never applied the rewrite")
}

func TestWatch_BadRewriteKeepsServingOldTable(t *testing.T) {
	dir := t.TempDir()
	path := writeRoutes(t, dir, validRoutes)
	p := newTestProvider(path)
	require.NoError(t, p.Load(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, p.Watch(ctx))
	defer p.Close()

	writeRoutes(t, dir, `routes: [`)

	// Give the debounce a chance to fire, then confirm the old table still
	// serves.
	time.Sleep(200 * time.Millisecond)
	table := p.Table()
	require.NotNil(t, table)
	_, ok := table.Lookup("orders")
	assert.True(t, ok)
}
