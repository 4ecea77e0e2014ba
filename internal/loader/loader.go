// Package loader discovers policy definitions on disk.
//
// A policy directory holds one YAML definition per file. The file base name,
// extension stripped, becomes the policy name; the definition names a builtin
// type, an optional apply point, and the type's parameters. Scan returns the
// definitions in lexical file order, ready for Registry.LoadFromSource.
package loader

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/policy-gate/policy-gate/internal/builtin"
	"github.com/policy-gate/policy-gate/pkg/policy"
)

// definition is the on-disk shape of one policy file.
type definition struct {
	Type       string                 `yaml:"type"`
	ApplyPoint string                 `yaml:"apply_point"`
	Params     map[string]interface{} `yaml:"params"`
}

// Scan reads every .yaml/.yml file under dir in lexical order and builds one
// registration per file. $config(...) references in params are resolved
// against rawConfig before the builtin factory runs. The first bad definition
// fails the whole scan; stage validity and duplicate names are the registry's
// concern, not Scan's, so the apply point passes through as written.
func Scan(dir string, rawConfig map[string]interface{}) ([]policy.Registration, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy directory: %w", err)
	}

	res := NewResolver(rawConfig)

	var regs []policy.Registration
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			slog.Debug("Skipping non-definition file in policy directory",
				"file", entry.Name())
			continue
		}

		name := strings.TrimSuffix(entry.Name(), ext)
		reg, err := loadDefinition(filepath.Join(dir, entry.Name()), name, res)
		if err != nil {
			return nil, fmt.Errorf("policy %q (%s): %w", name, entry.Name(), err)
		}
		regs = append(regs, reg)
	}
	return regs, nil
}

func loadDefinition(path, name string, res *Resolver) (policy.Registration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return policy.Registration{}, err
	}

	var def definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return policy.Registration{}, fmt.Errorf("failed to parse definition: %w", err)
	}
	if def.Type == "" {
		return policy.Registration{}, fmt.Errorf("type is required")
	}

	params, err := res.ResolveMap(def.Params)
	if err != nil {
		return policy.Registration{}, err
	}

	fn, err := builtin.New(def.Type, params)
	if err != nil {
		return policy.Registration{}, err
	}

	return policy.Registration{
		Name:       name,
		ApplyPoint: policy.ApplyPoint(def.ApplyPoint),
		Func:       fn,
	}, nil
}
