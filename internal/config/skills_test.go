package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeSkill(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write skill manifest: %v", err)
	}
}

func TestLoadSkills_MissingDir(t *testing.T) {
	skills, err := LoadSkills(filepath.Join(t.TempDir(), "skills"))
	if err != nil {
		t.Fatalf("load skills: %v", err)
	}
	if skills != nil {
		t.Fatalf("expected nil skills for missing dir, got %v", skills)
	}
}

func TestLoadSkills_ValidManifest(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, "search.yaml", `
name: search
env:
  - name: SEARCH_ENDPOINT
    kind: config
    config_field: search_endpoint
    guard: search_enabled
  - name: SEARCH_INDEX_PATH
    kind: resource_first
    resource_type: search_index
  - name: VAULT_PATHS
    kind: resource_list
    resource_type: vault
  - name: CAL_API_KEY
    kind: resource_field
    resource_type: calendar
    entry: personal
    field: api_key
`)

	skills, err := LoadSkills(dir)
	if err != nil {
		t.Fatalf("load skills: %v", err)
	}
	if len(skills) != 1 {
		t.Fatalf("got %d skills, want 1", len(skills))
	}
	s := skills[0]
	if s.Name != "search" {
		t.Errorf("name = %q", s.Name)
	}
	if len(s.Env) != 4 {
		t.Fatalf("got %d env sources, want 4", len(s.Env))
	}
	if s.Env[0].Kind != EnvKindConfig || s.Env[0].Guard != "search_enabled" {
		t.Errorf("env[0] = %+v", s.Env[0])
	}
	if s.Env[3].Kind != EnvKindResourceField || s.Env[3].Field != "api_key" {
		t.Errorf("env[3] = %+v", s.Env[3])
	}
}

func TestLoadSkills_SortedByFileName(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, "b.yaml", "name: beta\nenv: []\n")
	writeSkill(t, dir, "a.yaml", "name: alpha\nenv: []\n")

	skills, err := LoadSkills(dir)
	if err != nil {
		t.Fatalf("load skills: %v", err)
	}
	if len(skills) != 2 || skills[0].Name != "alpha" || skills[1].Name != "beta" {
		t.Fatalf("unexpected order: %+v", skills)
	}
}

func TestLoadSkills_RejectsBadKind(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, "bad.yaml", `
name: bad
env:
  - name: SOME_VAR
    kind: teleport
`)

	if _, err := LoadSkills(dir); err == nil {
		t.Fatal("expected error for unknown env source kind")
	}
}

func TestLoadSkills_RejectsLowercaseVarName(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, "bad.yaml", `
name: bad
env:
  - name: lower_case
    kind: config
    config_field: x
`)

	if _, err := LoadSkills(dir); err == nil {
		t.Fatal("expected error for non-uppercase env var name")
	}
}

func TestLoadSkills_IgnoresNonYAML(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, "notes.txt", "not a manifest")
	writeSkill(t, dir, "ok.yaml", "name: ok\nenv: []\n")

	skills, err := LoadSkills(dir)
	if err != nil {
		t.Fatalf("load skills: %v", err)
	}
	if len(skills) != 1 || skills[0].Name != "ok" {
		t.Fatalf("unexpected skills: %+v", skills)
	}
}
