package loader

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/policy-gate/policy-gate/internal/metrics"
	"github.com/policy-gate/policy-gate/internal/registry"
	"github.com/policy-gate/policy-gate/pkg/policy"
)

func TestMain(m *testing.M) {
	metrics.SetEnabled(false)
	metrics.Init()
	m.Run()
}

func writePolicy(t *testing.T, dir, file, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, file), []byte(content), 0644))
}

func runPolicy(t *testing.T, fn policy.Func, req *policy.Request) policy.Verdict {
	t.Helper()
	reply := policy.NewReply()
	fn(context.Background(), req, reply)
	select {
	case v := <-reply.Done():
		return v
	case <-time.After(time.Second):
		t.Fatal("policy did not finalize its reply")
		return nil
	}
}

// ============================================================================
// Scanning
// ============================================================================

func TestScan_LexicalOrder(t *testing.T) {
	dir := t.TempDir()
	writePolicy(t, dir, "20-quota.yaml", `
type: rate-limit
params:
  limit: 10
`)
	writePolicy(t, dir, "10-authn.yaml", `
type: header-check
apply_point: pre-auth
params:
  header: Authorization
`)
	writePolicy(t, dir, "30-readonly.yml", `
type: cel
params:
  expr: request.method == "GET"
`)

	regs, err := Scan(dir, nil)
	require.NoError(t, err)
	require.Len(t, regs, 3)

	// Names come from the file base names, in lexical file order.
	assert.Equal(t, "10-authn", regs[0].Name)
	assert.Equal(t, "20-quota", regs[1].Name)
	assert.Equal(t, "30-readonly", regs[2].Name)
	for _, reg := range regs {
		assert.NotNil(t, reg.Func)
	}
}

func TestScan_ApplyPointPassesThroughUnchecked(t *testing.T) {
	tests := []struct {
		name       string
		applyPoint string
		want       policy.ApplyPoint
	}{
		{name: "explicit stage", applyPoint: "post-auth", want: policy.OnPostAuth},
		{name: "absent defaults later", applyPoint: "", want: ""},
		{name: "disabled reserved name", applyPoint: "disabled", want: policy.ApplyPointNone},
		// Stage validity is the registry's call, so even garbage scans fine.
		{name: "unknown stage kept verbatim", applyPoint: "halfway", want: policy.ApplyPoint("halfway")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			def := "type: header-check\nparams:\n  header: X-Token\n"
			if tt.applyPoint != "" {
				def += "apply_point: " + tt.applyPoint + "\n"
			}
			writePolicy(t, dir, "check.yaml", def)

			regs, err := Scan(dir, nil)
			require.NoError(t, err)
			require.Len(t, regs, 1)
			assert.Equal(t, tt.want, regs[0].ApplyPoint)
		})
	}
}

func TestScan_SkipsNonDefinitionFiles(t *testing.T) {
	dir := t.TempDir()
	writePolicy(t, dir, "authn.yaml", "type: header-check\nparams:\n  header: Authorization\n")
	writePolicy(t, dir, "README.md", "# policies live here\n")
	writePolicy(t, dir, ".authn.yaml.swp", "garbage")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "archive"), 0755))

	regs, err := Scan(dir, nil)
	require.NoError(t, err)
	require.Len(t, regs, 1)
	assert.Equal(t, "authn", regs[0].Name)
}

func TestScan_EmptyDir(t *testing.T) {
	regs, err := Scan(t.TempDir(), nil)
	require.NoError(t, err)
	assert.Empty(t, regs)
}

func TestScan_MissingDir(t *testing.T) {
	_, err := Scan(filepath.Join(t.TempDir(), "absent"), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read policy directory")
}

// ============================================================================
// Definition errors
// ============================================================================

func TestScan_DefinitionErrors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		errMsg  string
	}{
		{
			name:    "malformed yaml",
			file:    "broken.yaml",
			content: "type: [unclosed",
			errMsg:  "failed to parse definition",
		},
		{
			name:    "missing type",
			file:    "untyped.yaml",
			content: "params:\n  header: X-Token\n",
			errMsg:  "type is required",
		},
		{
			name:    "unknown type",
			file:    "exotic.yaml",
			content: "type: quantum-auth\n",
			errMsg:  "unknown policy type",
		},
		{
			name:    "factory rejects params",
			file:    "overchecked.yaml",
			content: "type: header-check\nparams:\n  header: X-Token\n  equals: a\n  pattern: b\n",
			errMsg:  "mutually exclusive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writePolicy(t, dir, tt.file, tt.content)

			_, err := Scan(dir, nil)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
			// Errors must name the offending policy and file.
			assert.Contains(t, err.Error(), tt.file)
		})
	}
}

// ============================================================================
// Config references
// ============================================================================

func TestScan_ConfigReferenceFlowsIntoPolicy(t *testing.T) {
	dir := t.TempDir()
	writePolicy(t, dir, "authn.yaml", `
type: jwt-auth
apply_point: pre-auth
params:
  secret: $config(policy_settings.jwt.secret)
`)

	raw := map[string]interface{}{
		"policy_settings": map[string]interface{}{
			"jwt": map[string]interface{}{"secret": "loader-secret"},
		},
	}

	regs, err := Scan(dir, raw)
	require.NoError(t, err)
	require.Len(t, regs, 1)

	// The resolved secret must actually verify tokens.
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "alice",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte("loader-secret"))
	require.NoError(t, err)

	req := &policy.Request{
		ID:     "req-1",
		Method: http.MethodGet,
		Path:   "/orders",
		Header: http.Header{"Authorization": []string{"Bearer " + signed}},
	}
	verdict := runPolicy(t, regs[0].Func, req)
	assert.IsType(t, policy.Granted{}, verdict)
}

func TestScan_DanglingConfigReference(t *testing.T) {
	dir := t.TempDir()
	writePolicy(t, dir, "authn.yaml", `
type: jwt-auth
params:
  secret: $config(policy_settings.jwt.secret)
`)

	_, err := Scan(dir, map[string]interface{}{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot resolve")
	assert.Contains(t, err.Error(), `"authn"`)
}

// ============================================================================
// Registry hand-off
// ============================================================================

func TestScan_RegistryOwnsDuplicates(t *testing.T) {
	dir := t.TempDir()
	// Same base name under both extensions collides after stripping.
	writePolicy(t, dir, "authn.yaml", "type: header-check\nparams:\n  header: A\n")
	writePolicy(t, dir, "authn.yml", "type: header-check\nparams:\n  header: B\n")

	regs, err := Scan(dir, nil)
	require.NoError(t, err, "the scan itself does not police duplicates")
	require.Len(t, regs, 2)

	reg := registry.New(policy.OnPreHandler, nil)
	err = reg.LoadFromSource(regs)
	require.ErrorIs(t, err, policy.ErrDuplicateName)
	assert.Contains(t, err.Error(), "loading policy 2 of 2")
}

func TestScan_RegistryRejectsBadApplyPoint(t *testing.T) {
	dir := t.TempDir()
	writePolicy(t, dir, "late.yaml", "type: header-check\napply_point: afterwards\nparams:\n  header: A\n")

	regs, err := Scan(dir, nil)
	require.NoError(t, err)

	reg := registry.New(policy.OnPreHandler, nil)
	err = reg.LoadFromSource(regs)
	require.ErrorIs(t, err, policy.ErrInvalidApplyPoint)
}
