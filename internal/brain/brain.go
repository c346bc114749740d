package brain

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/basket/orchestrator/internal/pricing"
	"github.com/basket/orchestrator/internal/skills"
	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
)

// Brain is the reasoning-service abstraction used by the decomposition
// driver, the agent pool, and the notification formatter. sessionID scopes
// a single bounded reasoning call to one task attempt; unlike the chat
// system this was ported from, a Brain call here is not tied to persisted,
// multi-turn conversation history — the caller assembles the full prompt
// (task description, parent context, skill instructions) up front.
type Brain interface {
	// Respond returns the full response text and its estimated USD cost
	// (internal/pricing), so callers can feed the scheduler's budget gate.
	Respond(ctx context.Context, sessionID, content string) (string, float64, error)
	Stream(ctx context.Context, sessionID, content string, onChunk func(content string) error) error
}

// CostEstimator is implemented by Brain implementations that can translate a
// completion token count into an estimated USD cost. LoopRunner uses it to
// report LoopResult.CostUSD: Stream doesn't carry provider usage data the
// way a single Generate call does, so the loop falls back to its own
// length-based token estimate and asks the brain to price it.
type CostEstimator interface {
	EstimateCost(completionTokens int) float64
}

// BrainConfig holds configuration for the GenkitBrain.
type BrainConfig struct {
	// Provider is the LLM provider: "google", "anthropic", "openai", "openai_compatible", "openrouter".
	// Empty defaults to "anthropic".
	Provider string

	// Model is the model name for the configured provider.
	Model string

	// APIKey is the API key for the LLM provider.
	APIKey string

	SystemPrompt string

	// OpenAICompatible config.
	OpenAICompatibleProvider string
	OpenAICompatibleBaseURL  string
}

// GenkitBrain wraps a Genkit instance backing the configured LLM provider.
// It injects the skill instructions loaded for the active task's capability
// into the system prompt rather than exposing a tool-calling skill registry:
// skills in this domain are markdown instruction packets, never executable
// code (internal/skills.Skill), so there is nothing for the Brain to invoke
// directly.
type GenkitBrain struct {
	g     *genkit.Genkit
	cfg   BrainConfig
	llmOn bool

	skillMu      sync.RWMutex
	loadedSkills map[string]*skills.Skill
}

// NewGenkitBrain initializes Genkit with the configured LLM provider.
// Supports: anthropic (Claude), google (Gemini), openai (GPT), openai_compatible, openrouter.
func NewGenkitBrain(ctx context.Context, cfg BrainConfig) *GenkitBrain {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "anthropic"
	}

	modelID := strings.TrimSpace(cfg.Model)
	if modelID == "" {
		modelID = defaultModelForProvider(provider)
	}

	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		apiKey = envAPIKeyForProvider(provider)
	}

	var g *genkit.Genkit
	llmOn := false

	switch provider {
	case "anthropic", "":
		if apiKey != "" {
			anthropicPlugin := &anthropic.Anthropic{
				APIKey:  apiKey,
				BaseURL: os.Getenv("ANTHROPIC_BASE_URL"),
			}
			g = genkit.Init(ctx, genkit.WithPlugins(anthropicPlugin))
			llmOn = true
			slog.Info("reasoning service initialized", "provider", "anthropic", "model", modelID)
		} else {
			g = genkit.Init(ctx)
			slog.Warn("anthropic api key missing; reasoning calls will fail")
		}

	case "openai":
		if apiKey != "" {
			openaiPlugin := &compat_oai.OpenAICompatible{
				Provider: "openai",
				APIKey:   apiKey,
				BaseURL:  os.Getenv("OPENAI_BASE_URL"),
			}
			g = genkit.Init(ctx, genkit.WithPlugins(openaiPlugin))
			llmOn = true
			slog.Info("reasoning service initialized", "provider", "openai", "model", modelID)
		} else {
			g = genkit.Init(ctx)
			slog.Warn("openai api key missing; reasoning calls will fail")
		}

	case "openai_compatible":
		if apiKey != "" {
			openaiCompatPlugin := &compat_oai.OpenAICompatible{
				Provider: cfg.OpenAICompatibleProvider,
				APIKey:   apiKey,
				BaseURL:  cfg.OpenAICompatibleBaseURL,
			}
			g = genkit.Init(ctx, genkit.WithPlugins(openaiCompatPlugin))
			llmOn = true
			slog.Info("reasoning service initialized", "provider", "openai_compatible", "model", modelID)
		} else {
			g = genkit.Init(ctx)
			slog.Warn("openai compatible api key missing; reasoning calls will fail")
		}

	case "openrouter":
		if apiKey != "" {
			openrouterPlugin := &compat_oai.OpenAICompatible{
				Provider: "openrouter",
				APIKey:   apiKey,
				BaseURL:  "https://openrouter.ai/api/v1",
			}
			g = genkit.Init(ctx, genkit.WithPlugins(openrouterPlugin))
			llmOn = true
			slog.Info("reasoning service initialized", "provider", "openrouter", "model", modelID)
		} else {
			g = genkit.Init(ctx)
			slog.Warn("openrouter api key missing; reasoning calls will fail")
		}

	case "google":
		if apiKey != "" {
			_ = os.Setenv("GEMINI_API_KEY", apiKey)
			g = genkit.Init(ctx,
				genkit.WithPlugins(&googlegenai.GoogleAI{}),
				genkit.WithDefaultModel("googleai/"+modelID),
			)
			llmOn = true
			slog.Info("reasoning service initialized", "provider", "google", "model", "googleai/"+modelID)
		} else {
			g = genkit.Init(ctx)
			slog.Warn("google api key missing; reasoning calls will fail")
		}

	default:
		g = genkit.Init(ctx)
		slog.Warn("unknown reasoning provider, calls will fail", "provider", provider)
	}

	return &GenkitBrain{
		g:            g,
		cfg:          cfg,
		llmOn:        llmOn,
		loadedSkills: map[string]*skills.Skill{},
	}
}

func defaultModelForProvider(provider string) string {
	switch provider {
	case "anthropic", "":
		return "claude-sonnet-4-5"
	case "openai":
		return "gpt-4o"
	case "google":
		return "gemini-2.0-flash"
	case "openrouter":
		return "anthropic/claude-sonnet-4-5"
	default:
		return ""
	}
}

func envAPIKeyForProvider(provider string) string {
	switch provider {
	case "anthropic", "":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "openai", "openai_compatible":
		return os.Getenv("OPENAI_API_KEY")
	case "google":
		return os.Getenv("GEMINI_API_KEY")
	case "openrouter":
		return os.Getenv("OPENROUTER_API_KEY")
	default:
		return ""
	}
}

func (b *GenkitBrain) Genkit() *genkit.Genkit {
	return b.g
}

// LoadSkill registers a skill's parsed content so it is injected into the
// system prompt for any call whose content references it by name (matched by
// RegisterSkillsForCapability against a task's capability_id).
func (b *GenkitBrain) LoadSkill(sk *skills.Skill) {
	if sk == nil {
		return
	}
	b.skillMu.Lock()
	defer b.skillMu.Unlock()
	b.loadedSkills[strings.ToLower(sk.Name)] = sk
}

// ReplaceLoadedSkills swaps the full loaded-skill set, used after a skill
// directory fsnotify reload or a quarantine transition.
func (b *GenkitBrain) ReplaceLoadedSkills(list []*skills.Skill) {
	b.skillMu.Lock()
	defer b.skillMu.Unlock()
	b.loadedSkills = make(map[string]*skills.Skill, len(list))
	for _, sk := range list {
		if sk == nil {
			continue
		}
		b.loadedSkills[strings.ToLower(sk.Name)] = sk
	}
}

func (b *GenkitBrain) systemPrompt() string {
	b.skillMu.RLock()
	defer b.skillMu.RUnlock()

	var sb strings.Builder
	if b.cfg.SystemPrompt != "" {
		sb.WriteString(b.cfg.SystemPrompt)
	} else {
		sb.WriteString("You are an autonomous task-execution agent. Decompose work you cannot finish directly into focused subtasks; otherwise produce a final result.")
	}
	if len(b.loadedSkills) > 0 {
		sb.WriteString("\n\nAvailable skill instructions:\n")
		for _, sk := range b.loadedSkills {
			sb.WriteString(fmt.Sprintf("\n--- %s ---\n%s\n", sk.Name, sk.Instructions))
		}
	}
	return sb.String()
}

func modelNameForProvider(provider, model string) string {
	m := strings.TrimSpace(model)
	if m == "" {
		m = defaultModelForProvider(provider)
	}
	switch provider {
	case "anthropic", "":
		return "anthropic/" + m
	case "openai", "openai_compatible", "openrouter":
		return "openai/" + m
	case "google":
		return "googleai/" + m
	default:
		return m
	}
}

// Respond issues a single bounded reasoning call and returns the full text
// response along with its estimated USD cost. sessionID is propagated only
// for logging correlation.
func (b *GenkitBrain) Respond(ctx context.Context, sessionID, content string) (string, float64, error) {
	if !b.llmOn {
		return "", 0, fmt.Errorf("reasoning service not configured: missing api key")
	}
	modelName := modelNameForProvider(strings.ToLower(b.cfg.Provider), b.cfg.Model)
	resp, err := genkit.Generate(ctx, b.g,
		ai.WithModelName(modelName),
		ai.WithSystem(b.systemPrompt()),
		ai.WithPrompt(content),
	)
	if err != nil {
		return "", 0, fmt.Errorf("reasoning call failed (session %s): %w", sessionID, err)
	}
	return resp.Text(), b.estimateCost(resp), nil
}

// estimateCost reads the provider-reported token usage off resp, if any, and
// converts it to a USD estimate via internal/pricing. Returns 0 when the
// provider didn't report usage or the model isn't in the pricing table.
func (b *GenkitBrain) estimateCost(resp *ai.ModelResponse) float64 {
	if resp == nil || resp.Usage == nil {
		return 0
	}
	return pricing.EstimateCost(b.cfg.Model, resp.Usage.InputTokens, resp.Usage.OutputTokens)
}

// EstimateCost implements CostEstimator for the loop runner's rough
// character-count token estimate. completionTokens is priced entirely at
// the model's completion rate since the loop doesn't track prompt length
// separately from the streamed reply.
func (b *GenkitBrain) EstimateCost(completionTokens int) float64 {
	return pricing.EstimateCost(b.cfg.Model, 0, completionTokens)
}

// Stream issues a reasoning call, delivering text chunks to onChunk as they
// arrive. Used by the TUI dashboard to tail an in-flight agent session;
// never by the scheduler itself, which only needs the final Respond result.
func (b *GenkitBrain) Stream(ctx context.Context, sessionID, content string, onChunk func(content string) error) error {
	if !b.llmOn {
		return fmt.Errorf("reasoning service not configured: missing api key")
	}
	modelName := modelNameForProvider(strings.ToLower(b.cfg.Provider), b.cfg.Model)
	stream := genkit.GenerateStream(ctx, b.g,
		ai.WithModelName(modelName),
		ai.WithSystem(b.systemPrompt()),
		ai.WithPrompt(content),
	)
	for streamVal, err := range stream {
		if err != nil {
			return fmt.Errorf("reasoning stream failed (session %s): %w", sessionID, err)
		}
		if streamVal.Chunk != nil {
			for _, part := range streamVal.Chunk.Content {
				if part.Kind == ai.PartText && part.Text != "" {
					if err := onChunk(part.Text); err != nil {
						return err
					}
				}
			}
		}
	}
	return nil
}
