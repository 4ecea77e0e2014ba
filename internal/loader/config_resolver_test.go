package loader

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfigTree() map[string]interface{} {
	return map[string]interface{}{
		"policy_settings": map[string]interface{}{
			"jwt": map[string]interface{}{
				"secret":     "s3cret",
				"algorithms": []interface{}{"HS256", "HS384"},
			},
			"quota": map[string]interface{}{
				"limit":   100,
				"enabled": true,
			},
		},
		"gate": map[string]interface{}{
			"logging": map[string]interface{}{"level": "info"},
		},
	}
}

func TestResolver_ResolveValue(t *testing.T) {
	r := NewResolver(testConfigTree())

	tests := []struct {
		name      string
		input     interface{}
		want      interface{}
		expectErr bool
	}{
		{
			name:  "string reference",
			input: "$config(policy_settings.jwt.secret)",
			want:  "s3cret",
		},
		{
			name:  "integer keeps its type",
			input: "$config(policy_settings.quota.limit)",
			want:  100,
		},
		{
			name:  "boolean keeps its type",
			input: "$config(policy_settings.quota.enabled)",
			want:  true,
		},
		{
			name:  "slice keeps its type",
			input: "$config(policy_settings.jwt.algorithms)",
			want:  []interface{}{"HS256", "HS384"},
		},
		{
			name:  "plain string passes through",
			input: "Bearer",
			want:  "Bearer",
		},
		{
			name:  "non-string passes through",
			input: 401,
			want:  401,
		},
		{
			name:  "unclosed reference is not a reference",
			input: "$config(policy_settings.jwt.secret",
			want:  "$config(policy_settings.jwt.secret",
		},
		{
			name:      "missing path",
			input:     "$config(policy_settings.jwt.missing)",
			expectErr: true,
		},
		{
			name:      "path through a leaf",
			input:     "$config(policy_settings.jwt.secret.deeper)",
			expectErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.ResolveValue(tt.input)
			if tt.expectErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "cannot resolve")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolver_LowercaseFallback(t *testing.T) {
	// Environment overrides land in the raw tree with lowercased keys.
	r := NewResolver(map[string]interface{}{
		"policy_settings": map[string]interface{}{"headername": "Authorization"},
	})

	got, err := r.ResolveValue("$config(policy_settings.headerName)")
	require.NoError(t, err)
	assert.Equal(t, "Authorization", got)
}

func TestResolver_ResolveMap(t *testing.T) {
	r := NewResolver(testConfigTree())

	got, err := r.ResolveMap(map[string]interface{}{
		"secret": "$config(policy_settings.jwt.secret)",
		"header": "Authorization",
		"limit":  42,
		"nested": map[string]interface{}{
			"algorithms": "$config(policy_settings.jwt.algorithms)",
		},
		"mixed": []interface{}{
			"$config(policy_settings.quota.limit)",
			"plain",
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "s3cret", got["secret"])
	assert.Equal(t, "Authorization", got["header"])
	assert.Equal(t, 42, got["limit"])
	assert.Equal(t,
		map[string]interface{}{"algorithms": []interface{}{"HS256", "HS384"}},
		got["nested"])
	assert.Equal(t, []interface{}{100, "plain"}, got["mixed"])
}

func TestResolver_ResolveMapNamesBadParam(t *testing.T) {
	r := NewResolver(testConfigTree())

	_, err := r.ResolveMap(map[string]interface{}{
		"secret": "$config(policy_settings.missing)",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `param "secret"`)
}

func TestResolver_NilConfig(t *testing.T) {
	r := NewResolver(nil)

	got, err := r.ResolveValue("no reference here")
	require.NoError(t, err)
	assert.Equal(t, "no reference here", got)

	_, err = r.ResolveValue("$config(anything)")
	require.Error(t, err)
}
