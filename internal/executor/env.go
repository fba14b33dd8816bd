// Package executor runs the reasoning agent as a sandboxed subprocess and
// turns its streamed output into events the rest of the host can act on.
package executor

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"valet/internal/config"
	"valet/internal/shared"
	"valet/internal/store"
)

// restrictedPath is the fixed PATH handed to agents in restricted mode.
const restrictedPath = "/usr/local/bin:/usr/bin:/bin"

// BaseEnv returns the ambient environment for an agent process. Permissive
// mode forwards the host environment; restricted mode starts from nothing
// and admits only the configured passthrough names plus a fixed PATH.
func BaseEnv(policy config.SecurityPolicy, passthrough []string) []string {
	if policy.Permissive() {
		return os.Environ()
	}
	env := []string{"PATH=" + restrictedPath}
	for _, name := range passthrough {
		if name == "PATH" {
			continue
		}
		if value, ok := os.LookupEnv(name); ok {
			env = append(env, name+"="+value)
		}
	}
	return env
}

// envResolver resolves one env source kind to a value. Empty string means
// the variable stays unset.
type envResolver func(cfg config.Config, src config.EnvSource, resources []store.UserResource) string

var envResolvers = map[string]envResolver{
	config.EnvKindConfig:        resolveConfig,
	config.EnvKindResourceFirst: resolveResourceFirst,
	config.EnvKindResourceList:  resolveResourceList,
	config.EnvKindResourceField: resolveResourceField,
}

func resolveConfig(cfg config.Config, src config.EnvSource, _ []store.UserResource) string {
	if src.Guard != "" && !cfg.SettingBool(src.Guard) {
		return ""
	}
	return cfg.SettingString(src.ConfigField)
}

func resolveResourceFirst(_ config.Config, src config.EnvSource, resources []store.UserResource) string {
	for _, r := range resources {
		if r.Type == src.ResourceType {
			return r.Path
		}
	}
	return ""
}

func resolveResourceList(_ config.Config, src config.EnvSource, resources []store.UserResource) string {
	var paths []string
	for _, r := range resources {
		if r.Type == src.ResourceType {
			paths = append(paths, r.Path)
		}
	}
	return strings.Join(paths, ":")
}

func resolveResourceField(_ config.Config, src config.EnvSource, resources []store.UserResource) string {
	for _, r := range resources {
		if r.Type == src.ResourceType && r.Label == src.Entry {
			return r.ConfigField(src.Field)
		}
	}
	return ""
}

// SkillEnv resolves the declarative env overlays of all loaded skills
// against the deployment settings and the task owner's resources. Skills
// merge in manifest order; when two skills claim the same variable the
// first wins and the conflict is logged rather than silently resolved.
func SkillEnv(cfg config.Config, resources []store.UserResource, log *slog.Logger) []string {
	assigned := make(map[string]string)
	var order []string
	for _, skill := range cfg.Skills {
		for _, src := range skill.Env {
			resolve, ok := envResolvers[src.Kind]
			if !ok {
				continue
			}
			value := resolve(cfg, src, resources)
			if value == "" {
				continue
			}
			if prev, dup := assigned[src.Name]; dup {
				if prev != value {
					log.Warn("skill env conflict, keeping first assignment",
						"var", src.Name, "skill", skill.Name)
				}
				continue
			}
			assigned[src.Name] = value
			order = append(order, src.Name)
		}
	}
	env := make([]string, 0, len(order))
	for _, name := range order {
		env = append(env, name+"="+assigned[name])
	}
	return env
}

// MergeEnv overlays entries onto base; an overlay variable replaces any base
// entry with the same name.
func MergeEnv(base, overlay []string) []string {
	index := make(map[string]int, len(base))
	merged := make([]string, len(base))
	copy(merged, base)
	for i, entry := range merged {
		index[envName(entry)] = i
	}
	for _, entry := range overlay {
		if i, ok := index[envName(entry)]; ok {
			merged[i] = entry
		} else {
			index[envName(entry)] = len(merged)
			merged = append(merged, entry)
		}
	}
	return merged
}

// StripSecrets removes credential-bearing variables from an environment.
// Helper processes like triage get this variant.
func StripSecrets(env []string) []string {
	out := make([]string, 0, len(env))
	for _, entry := range env {
		if shared.IsSecretName(envName(entry)) {
			continue
		}
		out = append(out, entry)
	}
	return out
}

func envName(entry string) string {
	name, _, ok := strings.Cut(entry, "=")
	if !ok {
		return entry
	}
	return name
}

// TaskEnv composes the full agent environment for one task: ambient base,
// skill overlays, and the task identity variables.
func TaskEnv(cfg config.Config, task store.Task, resources []store.UserResource, log *slog.Logger) []string {
	env := BaseEnv(cfg.Security, cfg.Agent.PassthroughEnv)
	env = MergeEnv(env, SkillEnv(cfg, resources, log))
	return MergeEnv(env, []string{
		fmt.Sprintf("VALET_TASK_ID=%d", task.ID),
		"VALET_USER_ID=" + task.UserID,
	})
}
