package brain

import (
	"context"
	"strings"
	"testing"

	"github.com/basket/orchestrator/internal/skills"
)

func TestGenkitBrain_RespondFailsWithoutAPIKey(t *testing.T) {
	b := NewGenkitBrain(context.Background(), BrainConfig{Provider: "anthropic", APIKey: ""})
	if _, _, err := b.Respond(context.Background(), "session-1", "hello"); err == nil {
		t.Fatal("expected error when no api key is configured")
	}
}

func TestGenkitBrain_LoadSkillInjectsIntoSystemPrompt(t *testing.T) {
	b := NewGenkitBrain(context.Background(), BrainConfig{Provider: "anthropic"})
	b.LoadSkill(&skills.Skill{Name: "demo", Instructions: "FULL INSTRUCTIONS"})

	prompt := b.systemPrompt()
	if !contains(prompt, "demo") || !contains(prompt, "FULL INSTRUCTIONS") {
		t.Fatalf("expected loaded skill content in system prompt, got: %s", prompt)
	}
}

func TestGenkitBrain_ReplaceLoadedSkillsSwapsSet(t *testing.T) {
	b := NewGenkitBrain(context.Background(), BrainConfig{Provider: "anthropic"})
	b.LoadSkill(&skills.Skill{Name: "old", Instructions: "OLD"})
	b.ReplaceLoadedSkills([]*skills.Skill{{Name: "new", Instructions: "NEW"}})

	prompt := b.systemPrompt()
	if contains(prompt, "OLD") {
		t.Fatalf("expected old skill to be replaced, got: %s", prompt)
	}
	if !contains(prompt, "NEW") {
		t.Fatalf("expected new skill present, got: %s", prompt)
	}
}

func TestDefaultModelForProvider(t *testing.T) {
	cases := map[string]string{
		"anthropic":  "claude-sonnet-4-5",
		"openai":     "gpt-4o",
		"google":     "gemini-2.0-flash",
		"openrouter": "anthropic/claude-sonnet-4-5",
	}
	for provider, want := range cases {
		if got := defaultModelForProvider(provider); got != want {
			t.Errorf("defaultModelForProvider(%q) = %q, want %q", provider, got, want)
		}
	}
}

func contains(haystack, needle string) bool {
	return strings.Contains(haystack, needle)
}
