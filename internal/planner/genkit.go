package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"

	"github.com/basket/taskpilot/internal/store"
	"github.com/basket/taskpilot/internal/tools"
)

// Config holds provider settings for the Genkit-backed planner.
type Config struct {
	// Provider is "google", "anthropic", "openai" or "openai_compatible".
	// Empty defaults to "google".
	Provider string
	Model    string
	APIKey   string

	OpenAICompatibleProvider string
	OpenAICompatibleBaseURL  string

	// PlanTimeout bounds each model call. Zero means 30s.
	PlanTimeout time.Duration
}

// GenkitPlanner adapts a Genkit model to the Planner interface.
type GenkitPlanner struct {
	g        *genkit.Genkit
	toolRefs []ai.ToolRef
	cfg      Config
	logger   *slog.Logger
	llmOn    bool
}

// New initializes Genkit with the configured provider and declares the
// task tools. With no API key the planner still constructs, but every
// call reports ErrUnavailable.
func New(ctx context.Context, cfg Config, logger *slog.Logger) *GenkitPlanner {
	if logger == nil {
		logger = slog.Default()
	}
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "google"
	}
	cfg.Provider = provider
	if cfg.Model == "" {
		cfg.Model = defaultModelForProvider(provider)
	}
	if cfg.PlanTimeout <= 0 {
		cfg.PlanTimeout = 30 * time.Second
	}

	apiKey := strings.TrimSpace(cfg.APIKey)
	var g *genkit.Genkit
	llmOn := false

	switch provider {
	case "anthropic":
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{
				APIKey:  apiKey,
				BaseURL: os.Getenv("ANTHROPIC_BASE_URL"),
			}))
			llmOn = true
			logger.Info("planner initialized", "provider", "anthropic", "model", cfg.Model)
		} else {
			g = genkit.Init(ctx)
			logger.Warn("Anthropic API key missing; planner unavailable")
		}

	case "openai":
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
				Provider: "openai",
				APIKey:   apiKey,
				BaseURL:  os.Getenv("OPENAI_BASE_URL"),
			}))
			llmOn = true
			logger.Info("planner initialized", "provider", "openai", "model", cfg.Model)
		} else {
			g = genkit.Init(ctx)
			logger.Warn("OpenAI API key missing; planner unavailable")
		}

	case "openai_compatible":
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
				Provider: cfg.OpenAICompatibleProvider,
				APIKey:   apiKey,
				BaseURL:  cfg.OpenAICompatibleBaseURL,
			}))
			llmOn = true
			logger.Info("planner initialized", "provider", "openai_compatible", "model", cfg.Model)
		} else {
			g = genkit.Init(ctx)
			logger.Warn("OpenAI compatible API key missing; planner unavailable")
		}

	case "google":
		if apiKey != "" {
			_ = os.Setenv("GEMINI_API_KEY", apiKey)
			g = genkit.Init(ctx,
				genkit.WithPlugins(&googlegenai.GoogleAI{}),
				genkit.WithDefaultModel("googleai/"+cfg.Model),
			)
			llmOn = true
			logger.Info("planner initialized", "provider", "google", "model", "googleai/"+cfg.Model)
		} else {
			g = genkit.Init(ctx)
			logger.Warn("Google API key missing; planner unavailable")
		}

	default:
		g = genkit.Init(ctx)
		logger.Warn("unknown LLM provider; planner unavailable", "provider", provider)
	}

	return &GenkitPlanner{
		g:        g,
		toolRefs: tools.Declare(g),
		cfg:      cfg,
		logger:   logger,
		llmOn:    llmOn,
	}
}

func defaultModelForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return "claude-sonnet-4-5"
	case "openai", "openai_compatible":
		return "gpt-4o"
	default:
		return "gemini-2.5-flash"
	}
}

func modelNameForProvider(provider, model string) string {
	switch provider {
	case "anthropic":
		return "anthropic/" + model
	case "openai":
		return "openai/" + model
	case "openai_compatible":
		return model
	default:
		return "googleai/" + model
	}
}

// Plan asks the model for one planning pass with tool requests returned
// unexecuted.
func (p *GenkitPlanner) Plan(ctx context.Context, history []store.Turn, message string) (*Plan, error) {
	if !p.llmOn {
		return nil, fmt.Errorf("no API key configured: %w", ErrUnavailable)
	}
	trimmed := strings.TrimSpace(message)
	if trimmed == "" {
		return nil, fmt.Errorf("empty message")
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.PlanTimeout)
	defer cancel()

	opts := []ai.GenerateOption{
		ai.WithModelName(modelNameForProvider(p.cfg.Provider, p.cfg.Model)),
		ai.WithSystem(escapePercent(systemPrompt)),
	}
	if msgs := historyToMessages(history); len(msgs) > 0 {
		opts = append(opts, ai.WithMessages(msgs...))
	}
	opts = append(opts,
		ai.WithPrompt(trimmed),
		ai.WithTools(p.toolRefs...),
		ai.WithReturnToolRequests(true),
	)

	resp, err := genkit.Generate(ctx, p.g, opts...)
	if err != nil {
		p.logger.Error("plan generate failed", "error", err.Error())
		if ctx.Err() != nil {
			return nil, fmt.Errorf("plan timed out: %w", ErrUnavailable)
		}
		return nil, fmt.Errorf("plan generate: %w: %w", err, ErrUnavailable)
	}

	requests := resp.ToolRequests()
	if len(requests) == 0 {
		return &Plan{Reply: strings.TrimSpace(resp.Text())}, nil
	}

	plan := &Plan{Calls: make([]ToolCall, 0, len(requests))}
	for _, req := range requests {
		args, err := json.Marshal(req.Input)
		if err != nil {
			return nil, fmt.Errorf("encode tool request arguments for %s: %w", req.Name, err)
		}
		plan.Calls = append(plan.Calls, ToolCall{Tool: req.Name, Arguments: args})
	}
	return plan, nil
}

// Summarize asks the model for a user-facing reply given the executed
// results. Callers fall back to a deterministic reply on error.
func (p *GenkitPlanner) Summarize(ctx context.Context, message string, resultsJSON string) (string, error) {
	if !p.llmOn {
		return "", fmt.Errorf("no API key configured: %w", ErrUnavailable)
	}
	ctx, cancel := context.WithTimeout(ctx, p.cfg.PlanTimeout)
	defer cancel()

	prompt := fmt.Sprintf(
		"The user said: %s\n\nThe requested task operations were executed with these results:\n%s\n\nWrite a short, friendly reply confirming what happened. Mention task titles, not internal ids, unless the user will need an id later.",
		message, resultsJSON,
	)
	resp, err := genkit.Generate(ctx, p.g,
		ai.WithModelName(modelNameForProvider(p.cfg.Provider, p.cfg.Model)),
		ai.WithSystem(escapePercent(systemPrompt)),
		ai.WithPrompt(escapePercent(prompt)),
	)
	if err != nil {
		p.logger.Warn("summarize generate failed", "error", err.Error())
		return "", fmt.Errorf("summarize generate: %w: %w", err, ErrUnavailable)
	}
	return strings.TrimSpace(resp.Text()), nil
}

// escapePercent prevents fmt expansion inside Genkit prompt templates.
func escapePercent(s string) string {
	return strings.ReplaceAll(s, "%", "%%")
}

func historyToMessages(turns []store.Turn) []*ai.Message {
	var msgs []*ai.Message
	for _, turn := range turns {
		if m := strings.TrimSpace(turn.CallerMessage); m != "" {
			msgs = append(msgs, &ai.Message{
				Role:    ai.RoleUser,
				Content: []*ai.Part{ai.NewTextPart(m)},
			})
		}
		if r := strings.TrimSpace(turn.AssistantReply); r != "" {
			msgs = append(msgs, &ai.Message{
				Role:    ai.RoleModel,
				Content: []*ai.Part{ai.NewTextPart(r)},
			})
		}
	}
	return msgs
}
