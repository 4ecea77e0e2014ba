package builtin

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/policy-gate/policy-gate/pkg/policy"
)

const readOnlyModule = `
package gate.readonly

default allow := false

allow if {
	input.request.method == "GET"
}

deny_reason := "writes are not allowed" if {
	not allow
}
`

func TestRego_AllowGrants(t *testing.T) {
	fn, err := New("rego", map[string]interface{}{"module": readOnlyModule})
	require.NoError(t, err)

	assert.IsType(t, policy.Granted{}, runPolicy(t, fn, testRequest()))
}

func TestRego_DenyCarriesReason(t *testing.T) {
	fn, err := New("rego", map[string]interface{}{"module": readOnlyModule})
	require.NoError(t, err)

	req := testRequest()
	req.Method = "DELETE"

	d := requireDenial(t, runPolicy(t, fn, req))
	assert.Equal(t, "writes are not allowed", d.Reason)
}

func TestRego_DefaultDenyWithoutAllowRule(t *testing.T) {
	fn, err := New("rego", map[string]interface{}{
		"module": "package gate.empty\n",
	})
	require.NoError(t, err)

	d := requireDenial(t, runPolicy(t, fn, testRequest()))
	assert.Equal(t, "request rejected by policy", d.Reason)
}

func TestRego_InputSeesRequestValues(t *testing.T) {
	module := `
package gate.tenants

default allow := false

allow if {
	input.request.values["tenant"] == "acme"
}
`
	fn, err := New("rego", map[string]interface{}{"module": module})
	require.NoError(t, err)

	req := testRequest()
	req.SetValue("tenant", "acme")
	assert.IsType(t, policy.Granted{}, runPolicy(t, fn, req))

	req = testRequest()
	req.SetValue("tenant", "globex")
	requireDenial(t, runPolicy(t, fn, req))
}

func TestRego_ExplicitPackageOverride(t *testing.T) {
	fn, err := New("rego", map[string]interface{}{
		"module":  readOnlyModule,
		"package": "gate.readonly",
	})
	require.NoError(t, err)
	assert.IsType(t, policy.Granted{}, runPolicy(t, fn, testRequest()))
}

func TestRego_FactoryValidation(t *testing.T) {
	_, err := New("rego", map[string]interface{}{})
	assert.Error(t, err)

	_, err = New("rego", map[string]interface{}{"module": "this is not rego"})
	assert.Error(t, err)
}
