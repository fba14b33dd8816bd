package executor

import (
	"io"
	"log/slog"
	"strings"
	"testing"

	"valet/internal/config"
	"valet/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func envValue(env []string, name string) (string, bool) {
	for _, entry := range env {
		if v, ok := strings.CutPrefix(entry, name+"="); ok {
			return v, true
		}
	}
	return "", false
}

func TestBaseEnv_RestrictedAllowList(t *testing.T) {
	t.Setenv("HOME", "/home/valet")
	t.Setenv("SOME_API_KEY", "hunter2")

	env := BaseEnv(config.SecurityPolicy{Mode: "restricted"}, []string{"HOME", "NOT_SET_ANYWHERE"})

	if v, ok := envValue(env, "PATH"); !ok || v != restrictedPath {
		t.Errorf("PATH = %q, %v", v, ok)
	}
	if v, ok := envValue(env, "HOME"); !ok || v != "/home/valet" {
		t.Errorf("HOME = %q, %v", v, ok)
	}
	if _, ok := envValue(env, "SOME_API_KEY"); ok {
		t.Error("ambient variable leaked into restricted env")
	}
	if _, ok := envValue(env, "NOT_SET_ANYWHERE"); ok {
		t.Error("unset passthrough name must stay unset")
	}
}

func TestBaseEnv_PermissiveForwardsAmbient(t *testing.T) {
	t.Setenv("SOME_AMBIENT_VAR", "yes")
	env := BaseEnv(config.SecurityPolicy{Mode: "permissive"}, nil)
	if v, ok := envValue(env, "SOME_AMBIENT_VAR"); !ok || v != "yes" {
		t.Errorf("SOME_AMBIENT_VAR = %q, %v", v, ok)
	}
}

func skillCfg(skills ...config.Skill) config.Config {
	return config.Config{
		Settings: map[string]any{
			"weather_api_key": "k-123",
			"weather_enabled": true,
			"news_api_key":    "k-456",
			"news_enabled":    false,
		},
		Skills: skills,
	}
}

func TestSkillEnv_AllKinds(t *testing.T) {
	resources := []store.UserResource{
		{Type: "vault", Path: "/srv/vault-a", Label: "primary", Config: map[string]string{"token_file": "/srv/vault-a/.token"}},
		{Type: "vault", Path: "/srv/vault-b", Label: "backup"},
		{Type: "calendar", Path: "/srv/cal"},
	}
	cfg := skillCfg(config.Skill{
		Name: "mixed",
		Env: []config.EnvSource{
			{Name: "WEATHER_API_KEY", Kind: config.EnvKindConfig, ConfigField: "weather_api_key", Guard: "weather_enabled"},
			{Name: "CALENDAR_DIR", Kind: config.EnvKindResourceFirst, ResourceType: "calendar"},
			{Name: "VAULT_DIRS", Kind: config.EnvKindResourceList, ResourceType: "vault"},
			{Name: "VAULT_TOKEN_FILE", Kind: config.EnvKindResourceField, ResourceType: "vault", Entry: "primary", Field: "token_file"},
		},
	})

	env := SkillEnv(cfg, resources, testLogger())

	want := map[string]string{
		"WEATHER_API_KEY":  "k-123",
		"CALENDAR_DIR":     "/srv/cal",
		"VAULT_DIRS":       "/srv/vault-a:/srv/vault-b",
		"VAULT_TOKEN_FILE": "/srv/vault-a/.token",
	}
	for name, wantV := range want {
		if v, ok := envValue(env, name); !ok || v != wantV {
			t.Errorf("%s = %q, %v; want %q", name, v, ok, wantV)
		}
	}
}

func TestSkillEnv_GuardAndMissingStayUnset(t *testing.T) {
	cfg := skillCfg(config.Skill{
		Name: "news",
		Env: []config.EnvSource{
			{Name: "NEWS_API_KEY", Kind: config.EnvKindConfig, ConfigField: "news_api_key", Guard: "news_enabled"},
			{Name: "MISSING", Kind: config.EnvKindConfig, ConfigField: "no_such_field"},
			{Name: "NO_RESOURCE", Kind: config.EnvKindResourceFirst, ResourceType: "absent"},
		},
	})
	env := SkillEnv(cfg, nil, testLogger())
	if len(env) != 0 {
		t.Fatalf("env = %v, want empty", env)
	}
}

func TestSkillEnv_FirstSkillWinsConflict(t *testing.T) {
	cfg := skillCfg(
		config.Skill{Name: "a", Env: []config.EnvSource{
			{Name: "WEATHER_API_KEY", Kind: config.EnvKindConfig, ConfigField: "weather_api_key"},
		}},
		config.Skill{Name: "b", Env: []config.EnvSource{
			{Name: "WEATHER_API_KEY", Kind: config.EnvKindConfig, ConfigField: "news_api_key"},
		}},
	)
	env := SkillEnv(cfg, nil, testLogger())
	if v, _ := envValue(env, "WEATHER_API_KEY"); v != "k-123" {
		t.Fatalf("WEATHER_API_KEY = %q, want first skill's value", v)
	}
	if len(env) != 1 {
		t.Fatalf("env = %v", env)
	}
}

func TestMergeEnv_OverlayReplaces(t *testing.T) {
	merged := MergeEnv([]string{"A=1", "B=2"}, []string{"B=3", "C=4"})
	if v, _ := envValue(merged, "B"); v != "3" {
		t.Errorf("B = %q", v)
	}
	if v, _ := envValue(merged, "A"); v != "1" {
		t.Errorf("A = %q", v)
	}
	if v, _ := envValue(merged, "C"); v != "4" {
		t.Errorf("C = %q", v)
	}
	if len(merged) != 3 {
		t.Errorf("merged = %v", merged)
	}
}

func TestStripSecrets(t *testing.T) {
	env := []string{"HOME=/home/v", "WEATHER_API_KEY=k", "DB_PASSWORD=p", "SSH_KEY=s", "LANG=C"}
	got := StripSecrets(env)
	if len(got) != 2 {
		t.Fatalf("stripped = %v", got)
	}
	if _, ok := envValue(got, "WEATHER_API_KEY"); ok {
		t.Error("api key survived stripping")
	}
	if _, ok := envValue(got, "HOME"); !ok {
		t.Error("benign variable removed")
	}
}

func TestTaskEnv_IdentityVariables(t *testing.T) {
	cfg := skillCfg()
	cfg.Security = config.SecurityPolicy{Mode: "restricted"}
	env := TaskEnv(cfg, store.Task{ID: 42, UserID: "alice"}, nil, testLogger())
	if v, _ := envValue(env, "VALET_TASK_ID"); v != "42" {
		t.Errorf("VALET_TASK_ID = %q", v)
	}
	if v, _ := envValue(env, "VALET_USER_ID"); v != "alice" {
		t.Errorf("VALET_USER_ID = %q", v)
	}
}
