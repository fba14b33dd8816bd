package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

// Env source kinds. Each is a pure lookup from (deployment settings, user
// resources) to an optional value; the executor assembles them via a table
// keyed by kind.
const (
	EnvKindConfig        = "config"
	EnvKindResourceFirst = "resource_first"
	EnvKindResourceList  = "resource_list"
	EnvKindResourceField = "resource_field"
)

// EnvSource declares how one environment variable of a skill is resolved.
type EnvSource struct {
	// Name is the environment variable to set.
	Name string `yaml:"name" json:"name"`
	// Kind selects the resolution strategy.
	Kind string `yaml:"kind" json:"kind"`
	// ConfigField names the deployment setting read for kind=config.
	ConfigField string `yaml:"config_field,omitempty" json:"config_field,omitempty"`
	// Guard optionally names a boolean setting that must be true for
	// kind=config to produce a value.
	Guard string `yaml:"guard,omitempty" json:"guard,omitempty"`
	// ResourceType filters user resources for the resource kinds.
	ResourceType string `yaml:"resource_type,omitempty" json:"resource_type,omitempty"`
	// Entry names the resource label for kind=resource_field.
	Entry string `yaml:"entry,omitempty" json:"entry,omitempty"`
	// Field names the config field within that entry for kind=resource_field.
	Field string `yaml:"field,omitempty" json:"field,omitempty"`
}

// Skill is one declarative per-skill environment overlay, loaded from
// <home>/skills/<name>.yaml.
type Skill struct {
	Name string      `yaml:"name" json:"name"`
	Env  []EnvSource `yaml:"env" json:"env"`
}

// skillSchema validates skill manifests before they can feed the executor's
// environment resolver. Keeping validation at load time means a malformed
// manifest fails startup instead of silently resolving to nothing.
const skillSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["name", "env"],
	"properties": {
		"name": {"type": "string", "minLength": 1},
		"env": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["name", "kind"],
				"properties": {
					"name": {"type": "string", "pattern": "^[A-Z][A-Z0-9_]*$"},
					"kind": {"enum": ["config", "resource_first", "resource_list", "resource_field"]},
					"config_field": {"type": "string"},
					"guard": {"type": "string"},
					"resource_type": {"type": "string"},
					"entry": {"type": "string"},
					"field": {"type": "string"}
				},
				"additionalProperties": false
			}
		}
	},
	"additionalProperties": false
}`

func compileSkillSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(skillSchema))
	if err != nil {
		return nil, fmt.Errorf("parse skill schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("skill.schema.json", doc); err != nil {
		return nil, fmt.Errorf("add skill schema: %w", err)
	}
	return compiler.Compile("skill.schema.json")
}

// LoadSkills reads every *.yaml manifest in dir, validates each against the
// skill schema, and returns them sorted by file name so overlay merge order
// is deterministic.
func LoadSkills(dir string) ([]Skill, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read skills dir: %w", err)
	}

	schema, err := compileSkillSchema()
	if err != nil {
		return nil, err
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	var skills []Skill
	for _, name := range names {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read skill manifest %s: %w", name, err)
		}

		var raw any
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse skill manifest %s: %w", name, err)
		}
		// Round-trip through JSON so the validator sees canonical value types.
		jsonBytes, err := json.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("normalize skill manifest %s: %w", name, err)
		}
		var generic any
		if err := json.Unmarshal(jsonBytes, &generic); err != nil {
			return nil, fmt.Errorf("normalize skill manifest %s: %w", name, err)
		}
		if err := schema.Validate(generic); err != nil {
			return nil, fmt.Errorf("invalid skill manifest %s: %w", name, err)
		}

		var skill Skill
		if err := yaml.Unmarshal(data, &skill); err != nil {
			return nil, fmt.Errorf("parse skill manifest %s: %w", name, err)
		}
		skills = append(skills, skill)
	}
	return skills, nil
}
