package router

import (
	"testing"

	"github.com/xling/gateway/internal/config"
)

func providersWith(models ...string) []config.Provider {
	return []config.Provider{{Name: "p1", Models: models}}
}

func TestMapModel_EmptyUsesDefault(t *testing.T) {
	got := MapModel("", nil, "gpt-4o", providersWith("gpt-4o"))
	if got != "gpt-4o" {
		t.Fatalf("got %q, want gpt-4o", got)
	}
}

func TestMapModel_SupportedModelWinsOverDefault(t *testing.T) {
	got := MapModel("claude-sonnet", map[string]string{}, "gpt-3.5", providersWith("claude-sonnet"))
	if got != "claude-sonnet" {
		t.Fatalf("got %q, want claude-sonnet (provider supports it)", got)
	}
}

func TestMapModel_WildcardScenario(t *testing.T) {
	mapping := map[string]string{"claude-*": "gpt-4o", "*": "gpt-3.5"}
	providers := providersWith("gpt-4o", "gpt-3.5")

	got := MapModel("claude-sonnet", mapping, "", providers)
	if got != "gpt-4o" {
		t.Fatalf("claude-sonnet: got %q, want gpt-4o", got)
	}

	got = MapModel("mystery", mapping, "", providers)
	if got != "gpt-3.5" {
		t.Fatalf("mystery: got %q, want gpt-3.5", got)
	}
}

func TestMapModel_ExactMappingWinsOverWildcard(t *testing.T) {
	mapping := map[string]string{"foo*": "bar", "foobar": "exact"}
	got := MapModel("foobar", mapping, "", nil)
	if got != "exact" {
		t.Fatalf("got %q, want exact", got)
	}
}

func TestMapModel_LongestPrefixWins(t *testing.T) {
	mapping := map[string]string{"claude-*": "a", "claude-son*": "b"}
	got := MapModel("claude-sonnet", mapping, "", nil)
	if got != "b" {
		t.Fatalf("got %q, want b (longer prefix)", got)
	}
}

func TestSelectCandidates_ExplicitProviderForm(t *testing.T) {
	providers := []config.Provider{{Name: "openrouter", Models: []string{"x"}}, {Name: "direct", Models: []string{"x"}}}
	candidates, model := SelectCandidates("direct,gpt-4o", providers)
	if len(candidates) != 1 || candidates[0] != "direct" {
		t.Fatalf("candidates = %v, want [direct]", candidates)
	}
	if model != "gpt-4o" {
		t.Fatalf("model = %q, want gpt-4o", model)
	}
}

func TestSelectCandidates_NoneSupportFallsBackToAll(t *testing.T) {
	providers := []config.Provider{{Name: "a", Models: []string{"x"}}}
	candidates, model := SelectCandidates("unsupported-model", providers)
	if candidates != nil {
		t.Fatalf("candidates = %v, want nil (meaning: whole provider set)", candidates)
	}
	if model != "unsupported-model" {
		t.Fatalf("model = %q", model)
	}
}
