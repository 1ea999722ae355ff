package agent

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseConfigOverlaysDefaults(t *testing.T) {
	yaml := `
bot_name: Wrench
context:
  max_turns_per_channel: 12
responder:
  cooldown: 3s
  models:
    - only-model
`
	cfg, err := ParseConfig([]byte(yaml))
	if err != nil {
		t.Fatalf("ParseConfig() error = %v", err)
	}

	if cfg.BotName != "Wrench" {
		t.Errorf("BotName = %q", cfg.BotName)
	}
	if cfg.Context.MaxTurnsPerChannel != 12 {
		t.Errorf("MaxTurnsPerChannel = %d", cfg.Context.MaxTurnsPerChannel)
	}
	// Untouched fields keep defaults.
	if cfg.Context.MaxContentChars != 500 {
		t.Errorf("MaxContentChars = %d, want default 500", cfg.Context.MaxContentChars)
	}
	if cfg.Responder.Cooldown != 3*time.Second {
		t.Errorf("Cooldown = %v", cfg.Responder.Cooldown)
	}
	if len(cfg.Responder.Models) != 1 || cfg.Responder.Models[0] != "only-model" {
		t.Errorf("Models = %v", cfg.Responder.Models)
	}
	if cfg.Providers.Primary.BaseURL == "" {
		t.Error("primary provider defaults not filled")
	}
	if cfg.Responder.AgentSystemPrompt == "" {
		t.Error("agent system prompt default not filled")
	}
}

func TestParseConfigInvalidYAML(t *testing.T) {
	if _, err := ParseConfig([]byte("bot_name: [broken")); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("MECHANIC_TEST_SET", "resolved")

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"braced", "key: ${MECHANIC_TEST_SET}", "key: resolved"},
		{"bare", "key: $MECHANIC_TEST_SET", "key: resolved"},
		{"default used", "key: ${MECHANIC_TEST_UNSET:-fallback}", "key: fallback"},
		{"default ignored when set", "key: ${MECHANIC_TEST_SET:-fallback}", "key: resolved"},
		{"unset braced left alone", "key: ${MECHANIC_TEST_UNSET}", "key: ${MECHANIC_TEST_UNSET}"},
		{"unset bare left alone", "key: $MECHANIC_TEST_UNSET", "key: $MECHANIC_TEST_UNSET"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := expandEnvVars(tt.in); got != tt.want {
				t.Errorf("expandEnvVars(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestExpandEnvVarsRequiredError(t *testing.T) {
	_, err := expandEnvVarsWithValidation("token: ${MECHANIC_TEST_UNSET:?token is required}")
	if err == nil {
		t.Fatal("expected error for unset required variable")
	}
	if !strings.Contains(err.Error(), "MECHANIC_TEST_UNSET") || !strings.Contains(err.Error(), "token is required") {
		t.Errorf("error = %v", err)
	}

	t.Setenv("MECHANIC_TEST_SET", "ok")
	out, err := expandEnvVarsWithValidation("token: ${MECHANIC_TEST_SET:?token is required}")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "token: ok" {
		t.Errorf("out = %q", out)
	}
}

func TestIsEnvReference(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"${VAR}", true},
		{"$VAR", true},
		{"literal-key", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsEnvReference(tt.in); got != tt.want {
			t.Errorf("IsEnvReference(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestResolvePathFromConfig(t *testing.T) {
	configDir := filepath.Join("/etc", "mechanic")

	tests := []struct {
		name string
		path string
		want string
	}{
		{"relative resolved against config dir", "data/bot.db", filepath.Join(configDir, "data", "bot.db")},
		{"absolute kept", "/var/lib/mechanic.db", "/var/lib/mechanic.db"},
		{"empty kept", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := resolvePathFromConfig(tt.path, configDir); got != tt.want {
				t.Errorf("resolvePathFromConfig(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}
