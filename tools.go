package codeassist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Names of the AI code-assistance tools installed by NewDefaultRegistry.
const (
	ToolCodeCompletion  = "code_completion"
	ToolCodeExplanation = "code_explanation"
	ToolDebugAssistance = "debug_assistance"
)

// generationTimeout caps a single provider call regardless of the caller's
// deadline.
const generationTimeout = 30 * time.Second

var errNoProvider = errors.New("no generation provider configured")

var codeCompletionSchema = []byte(`
  {
    "type": "object",
    "properties": {
      "code": {
        "type": "string",
        "description": "Current code context around cursor position"
      },
      "language": {
        "type": "string",
        "description": "Programming language (e.g., python, javascript, java)"
      },
      "cursor_position": {
        "type": "integer",
        "description": "Cursor position in the code (optional)",
        "minimum": 0
      },
      "max_completions": {
        "type": "integer",
        "description": "Maximum number of completion suggestions",
        "minimum": 1,
        "maximum": 10,
        "default": 3
      }
    },
    "required": ["code", "language"]
  }
`)

var codeExplanationSchema = []byte(`
  {
    "type": "object",
    "properties": {
      "code": {
        "type": "string",
        "description": "Code to explain and analyze"
      },
      "language": {
        "type": "string",
        "description": "Programming language of the code"
      },
      "detail_level": {
        "type": "string",
        "enum": ["brief", "detailed", "comprehensive"],
        "description": "Level of detail for the explanation",
        "default": "detailed"
      },
      "focus": {
        "type": "string",
        "enum": ["functionality", "performance", "security", "best_practices"],
        "description": "Specific aspect to focus on (optional)"
      }
    },
    "required": ["code", "language"]
  }
`)

var debugAssistanceSchema = []byte(`
  {
    "type": "object",
    "properties": {
      "code": {
        "type": "string",
        "description": "Code that has issues or needs debugging"
      },
      "error_message": {
        "type": "string",
        "description": "Error message or stack trace (if available)"
      },
      "language": {
        "type": "string",
        "description": "Programming language of the code"
      },
      "expected_behavior": {
        "type": "string",
        "description": "What the code should do (optional)"
      },
      "actual_behavior": {
        "type": "string",
        "description": "What the code actually does (optional)"
      }
    },
    "required": ["code", "language"]
  }
`)

type completionArgs struct {
	Code           string `json:"code"`
	Language       string `json:"language"`
	CursorPosition int    `json:"cursor_position"`
	MaxCompletions int    `json:"max_completions"`
}

type explanationArgs struct {
	Code        string `json:"code"`
	Language    string `json:"language"`
	DetailLevel string `json:"detail_level"`
	Focus       string `json:"focus"`
}

type debugArgs struct {
	Code             string `json:"code"`
	ErrorMessage     string `json:"error_message"`
	Language         string `json:"language"`
	ExpectedBehavior string `json:"expected_behavior"`
	ActualBehavior   string `json:"actual_behavior"`
}

// ToolOption configures the default toolset built by NewDefaultRegistry.
type ToolOption func(*aiToolset)

// WithToolLogger sets the logger used by the default tool executors. Defaults
// to slog.Default.
func WithToolLogger(logger *slog.Logger) ToolOption {
	return func(t *aiToolset) {
		t.logger = logger
	}
}

// WithToolMetrics records a per-call outcome counter for every default tool
// invocation.
func WithToolMetrics(metrics *Metrics) ToolOption {
	return func(t *aiToolset) {
		t.metrics = metrics
	}
}

// aiToolset owns the generation provider shared by the default executors.
type aiToolset struct {
	provider GenerationProvider
	logger   *slog.Logger
	metrics  *Metrics
}

// NewDefaultRegistry returns a Registry preloaded with the code_completion,
// code_explanation and debug_assistance tools backed by provider. A nil
// provider is allowed; every call then serves the tool's deterministic
// fallback text instead of generated output. The executors never return an
// error: provider failures degrade to fallback content and malformed
// arguments are reported as isError content.
func NewDefaultRegistry(provider GenerationProvider, options ...ToolOption) *Registry {
	ts := &aiToolset{
		provider: provider,
		logger:   slog.Default(),
	}
	for _, opt := range options {
		opt(ts)
	}
	reg := NewRegistry(WithRegistryLogger(ts.logger))
	ts.logger = ts.logger.With("component", "ai-tools")

	reg.Register(Tool{
		Name:        ToolCodeCompletion,
		Description: "Provides intelligent code completion suggestions based on context",
		InputSchema: codeCompletionSchema,
	}, ToolExecutorFunc(ts.completeCode))

	reg.Register(Tool{
		Name:        ToolCodeExplanation,
		Description: "Explains code functionality, purpose, and provides technical analysis",
		InputSchema: codeExplanationSchema,
	}, ToolExecutorFunc(ts.explainCode))

	reg.Register(Tool{
		Name:        ToolDebugAssistance,
		Description: "Provides debugging help, error analysis, and troubleshooting suggestions",
		InputSchema: debugAssistanceSchema,
	}, ToolExecutorFunc(ts.debugCode))

	return reg
}

func (t *aiToolset) completeCode(ctx context.Context, args json.RawMessage) (any, error) {
	var a completionArgs
	if err := decodeArgs(args, &a); err != nil {
		return t.badArguments(ToolCodeCompletion, err), nil
	}
	if a.Code == "" || a.Language == "" {
		return t.missingArguments(ToolCodeCompletion), nil
	}
	if a.MaxCompletions <= 0 {
		a.MaxCompletions = 3
	}
	t.logger.Debug("code completion requested",
		slog.String("language", a.Language),
		slog.Int("max_completions", a.MaxCompletions))

	text, err := t.generate(ctx, completionPrompt(a.Code, a.Language), GenerationParams{
		MaxTokens:   150,
		Temperature: 0.3,
	})
	if err != nil {
		t.fellBack(ToolCodeCompletion, err)
		return fallbackCompletion(a.Code, a.Language), nil
	}
	t.metrics.ToolCall(ToolCodeCompletion, ToolOutcomeOK)
	return cleanCompletion(text), nil
}

func (t *aiToolset) explainCode(ctx context.Context, args json.RawMessage) (any, error) {
	var a explanationArgs
	if err := decodeArgs(args, &a); err != nil {
		return t.badArguments(ToolCodeExplanation, err), nil
	}
	if a.Code == "" || a.Language == "" {
		return t.missingArguments(ToolCodeExplanation), nil
	}
	if a.DetailLevel == "" {
		a.DetailLevel = "detailed"
	}
	t.logger.Debug("code explanation requested",
		slog.String("language", a.Language),
		slog.String("detail_level", a.DetailLevel))

	text, err := t.generate(ctx, explanationPrompt(a.Code, a.Language, a.DetailLevel, a.Focus), GenerationParams{
		MaxTokens:   300,
		Temperature: 0.5,
	})
	if err != nil {
		t.fellBack(ToolCodeExplanation, err)
		return fallbackExplanation(a.Code, a.Language, a.DetailLevel, a.Focus), nil
	}
	t.metrics.ToolCall(ToolCodeExplanation, ToolOutcomeOK)
	return text, nil
}

func (t *aiToolset) debugCode(ctx context.Context, args json.RawMessage) (any, error) {
	var a debugArgs
	if err := decodeArgs(args, &a); err != nil {
		return t.badArguments(ToolDebugAssistance, err), nil
	}
	if a.Code == "" || a.Language == "" {
		return t.missingArguments(ToolDebugAssistance), nil
	}
	t.logger.Debug("debug assistance requested", slog.String("language", a.Language))

	text, err := t.generate(ctx, debugPrompt(a), GenerationParams{
		MaxTokens:   400,
		Temperature: 0.4,
	})
	if err != nil {
		t.fellBack(ToolDebugAssistance, err)
		return fallbackDebug(a), nil
	}
	t.metrics.ToolCall(ToolDebugAssistance, ToolOutcomeOK)
	return text, nil
}

// generate runs one provider call under the shared generation timeout.
func (t *aiToolset) generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	if t.provider == nil {
		return "", errNoProvider
	}
	ctx, cancel := context.WithTimeout(ctx, generationTimeout)
	defer cancel()
	return t.provider.Generate(ctx, prompt, params)
}

func (t *aiToolset) badArguments(tool string, err error) CallToolResult {
	t.logger.Warn("tool arguments rejected",
		slog.String("tool", tool),
		slog.String("err", err.Error()))
	t.metrics.ToolCall(tool, ToolOutcomeError)
	return errorResult(fmt.Sprintf("Invalid arguments for %s: %v", tool, err))
}

func (t *aiToolset) missingArguments(tool string) CallToolResult {
	t.logger.Warn("tool arguments rejected",
		slog.String("tool", tool),
		slog.String("err", "code and language are required"))
	t.metrics.ToolCall(tool, ToolOutcomeError)
	return errorResult(fmt.Sprintf("%s requires non-empty 'code' and 'language' arguments", tool))
}

func (t *aiToolset) fellBack(tool string, err error) {
	if errors.Is(err, errNoProvider) {
		t.logger.Debug("serving fallback content", slog.String("tool", tool))
	} else {
		t.logger.Warn("generation failed, serving fallback content",
			slog.String("tool", tool),
			slog.String("err", err.Error()))
	}
	t.metrics.ToolCall(tool, ToolOutcomeFallback)
}

func decodeArgs(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

// errorResult wraps a message as isError textual content.
func errorResult(text string) CallToolResult {
	return CallToolResult{
		Content: []Content{{Type: ContentTypeText, Text: text}},
		IsError: true,
	}
}

func completionPrompt(code, language string) string {
	return "You are an expert " + language + " programmer. Complete the following code with proper syntax and best practices.\n\n" +
		"Code to complete:\n```" + language + "\n" + code + "\n```\n\n" +
		"Complete the code naturally and concisely:"
}

func explanationPrompt(code, language, detailLevel, focus string) string {
	if focus != "" {
		return "You are an expert " + language + " programmer. Explain this code and answer the specific question.\n\n" +
			"Code:\n```" + language + "\n" + code + "\n```\n\n" +
			"Question: Focus on " + focus + "\n\n" +
			"Provide a " + detailLevel + " technical explanation:"
	}
	return "You are an expert " + language + " programmer. Explain what this code does.\n\n" +
		"Code:\n```" + language + "\n" + code + "\n```\n\n" +
		"Provide a " + detailLevel + " technical explanation covering:\n" +
		"- What the code does\n" +
		"- How it works\n" +
		"- Key concepts used\n" +
		"- Any notable patterns or techniques"
}

func debugPrompt(a debugArgs) string {
	var b strings.Builder
	b.WriteString("You are an expert " + a.Language + " programmer and debugger. Analyze this code and provide debugging assistance.\n\n")
	b.WriteString("Code:\n```" + a.Language + "\n" + a.Code + "\n```\n")
	if a.ErrorMessage != "" {
		b.WriteString("\nError message: " + a.ErrorMessage)
	}
	if a.ExpectedBehavior != "" {
		b.WriteString("\nExpected behavior: " + a.ExpectedBehavior)
	}
	if a.ActualBehavior != "" {
		b.WriteString("\nActual behavior: " + a.ActualBehavior)
	}
	b.WriteString("\n\nPlease provide:\n" +
		"1. Analysis of the issue\n" +
		"2. Explanation of what's causing the problem\n" +
		"3. Specific suggestions to fix it\n" +
		"4. Best practices to prevent similar issues")
	return b.String()
}

// cleanCompletion strips the surrounding markdown fence that models tend to
// wrap completions in.
func cleanCompletion(raw string) string {
	cleaned := strings.TrimSpace(raw)
	if strings.HasPrefix(cleaned, "```") {
		lines := strings.Split(cleaned, "\n")
		if len(lines) > 2 {
			cleaned = strings.Join(lines[1:len(lines)-1], "\n")
		}
	}
	return cleaned
}
