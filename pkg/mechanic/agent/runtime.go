// runtime.go drives the tool-calling round loop: ask the model, execute the
// tool calls it requests, feed the results back, repeat until it answers in
// plain text or the round budget runs out. A retryable primary failure can
// escalate the whole turn to the secondary provider without consuming the
// round.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
)

// ErrToolRoundsExhausted means the model kept requesting tools past the
// round budget. Fatal for the turn.
var ErrToolRoundsExhausted = errors.New("agent runtime exhausted tool rounds without final response")

// Runtime orchestrates one reply generation across providers and tools.
type Runtime struct {
	primary   completer
	secondary completer
	tools     *ToolExecutor
	gate      ToolGate
	logger    *slog.Logger
}

// NewRuntime builds a runtime. secondary may be nil when no escalation
// target is configured; gate nil means DefaultToolGate.
func NewRuntime(primary, secondary completer, tools *ToolExecutor, gate ToolGate, logger *slog.Logger) *Runtime {
	if gate == nil {
		gate = DefaultToolGate
	}
	return &Runtime{
		primary:   primary,
		secondary: secondary,
		tools:     tools,
		gate:      gate,
		logger:    logger.With("component", "runtime"),
	}
}

// ReplyRequest is one turn's input to GenerateReply.
type ReplyRequest struct {
	// History is the projected conversation, newest last.
	History []ChatMessage

	// LatestUserText is the triggering message with metadata stripped.
	// When empty it is recovered from History.
	LatestUserText string

	// Responder carries the per-turn knobs (models, budgets, prompts).
	Responder ResponderConfig

	// ToolContext binds tool calls to a guild. A nil Guild disables tools
	// for the turn regardless of the gate.
	ToolContext ToolContext
}

// ProviderMeta records which provider and model produced the final text.
type ProviderMeta struct {
	Provider         string
	Model            string
	FallbackUsed     bool
	FallbackAttempts int
	FallbackCount    int
}

// ToolMeta records the turn's tool usage.
type ToolMeta struct {
	ToolCallCount int
	RoundsUsed    int
	ToolsEnabled  bool
	GateReason    string
}

// AgentReply is the runtime's output: the unstyled draft plus metadata.
type AgentReply struct {
	RawDraft string
	Provider ProviderMeta
	Tools    ToolMeta
}

// GenerateReply runs the round loop. With maxToolRounds N the provider is
// called at most N+1 times; the final round must answer in plain text.
func (r *Runtime) GenerateReply(ctx context.Context, req ReplyRequest) (*AgentReply, error) {
	cfg := req.Responder

	gateDecision := GateDecision{Enabled: false, Reason: "tools_disabled"}
	if cfg.EnableTools && req.ToolContext.Guild != nil {
		if cfg.ForceToolsForAllTurns {
			gateDecision = GateDecision{Enabled: true, Reason: "force_enabled"}
		} else {
			gateDecision = r.gate(
				latestUserText(req.LatestUserText, req.History),
				latestAssistantText(req.History),
			)
		}
	}
	canUseTools := gateDecision.Enabled && r.tools != nil

	maxToolRounds := cfg.MaxToolRounds
	if maxToolRounds < 0 {
		maxToolRounds = 0
	}
	maxToolCallsPerRound := cfg.MaxToolCallsPerRound
	if maxToolCallsPerRound < 1 {
		maxToolCallsPerRound = 1
	}

	var toolDefinitions []ToolDefinition
	messages := make([]ChatMessage, 0, len(req.History)+2)
	if prompt := collapseWhitespace(cfg.AgentSystemPrompt); prompt != "" {
		messages = append(messages, ChatMessage{Role: "system", Content: cfg.AgentSystemPrompt})
	}
	if canUseTools {
		toolDefinitions = r.tools.Definitions()
		messages = append(messages, ChatMessage{Role: "system", Content: r.tools.SystemPrompt()})
	}
	messages = append(messages, req.History...)

	active := r.primary
	fallbackUsed := false
	fallbackAttempts := 0
	totalFallbacks := 0
	totalToolCalls := 0
	roundsUsed := 0
	lastModel := ""

	for round := 0; round <= maxToolRounds; round++ {
		roundsUsed = round + 1

		opts := CompletionOptions{
			Models:      cfg.Models,
			MaxTokens:   cfg.MaxTokens,
			Temperature: cfg.Temperature,
		}
		if active == r.secondary {
			opts.Models = cfg.FallbackModels
		}
		if canUseTools {
			opts.Tools = toolDefinitions
			opts.ToolChoice = "auto"
		}

		completion, err := active.Complete(ctx, messages, opts)
		if err != nil {
			if active == r.primary &&
				cfg.EnableProviderFallback &&
				r.secondary != nil &&
				r.secondary.HasAPIKey() &&
				shouldEscalate(err) {
				fallbackUsed = true
				fallbackAttempts++
				active = r.secondary
				r.logger.Warn("escalating to secondary provider",
					"from", r.primary.Name(),
					"to", r.secondary.Name(),
					"error", err)
				round--
				continue
			}
			return nil, err
		}

		totalFallbacks += completion.FallbackCount
		if completion.Model != "" {
			lastModel = completion.Model
		}

		assistant := completion.Message
		toolCalls := normalizeToolCalls(assistant.ToolCalls, round)

		if !canUseTools || len(toolCalls) == 0 {
			return &AgentReply{
				RawDraft: collapseWhitespace(assistant.Content),
				Provider: ProviderMeta{
					Provider:         active.Name(),
					Model:            lastModel,
					FallbackUsed:     fallbackUsed,
					FallbackAttempts: fallbackAttempts,
					FallbackCount:    totalFallbacks,
				},
				Tools: ToolMeta{
					ToolCallCount: totalToolCalls,
					RoundsUsed:    roundsUsed,
					ToolsEnabled:  canUseTools,
					GateReason:    gateDecision.Reason,
				},
			}, nil
		}

		if round >= maxToolRounds {
			return nil, fmt.Errorf("%w (limit %d)", ErrToolRoundsExhausted, maxToolRounds)
		}

		messages = append(messages, ChatMessage{
			Role:      "assistant",
			Content:   collapseWhitespace(assistant.Content),
			ToolCalls: toolCalls,
		})

		for index, call := range toolCalls {
			var result map[string]any
			if index >= maxToolCallsPerRound {
				result = toolError(fmt.Sprintf("tool_call_limit_exceeded:%d", maxToolCallsPerRound))
			} else {
				result = r.tools.Execute(ctx, call, req.ToolContext)
			}
			totalToolCalls++

			payload, err := json.Marshal(result)
			if err != nil {
				payload = []byte(`{"ok":false,"error":"result_marshal_failed"}`)
			}
			name := call.Function.Name
			if name == "" {
				name = "unknown_tool"
			}
			messages = append(messages, ChatMessage{
				Role:       "tool",
				ToolCallID: call.ID,
				Name:       name,
				Content:    string(payload),
			})
		}
	}

	return nil, ErrToolRoundsExhausted
}

// normalizeToolCalls gives every tool call a stable ID so the matching tool
// message can reference it even when the provider omits one.
func normalizeToolCalls(calls []ToolCall, round int) []ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]ToolCall, len(calls))
	for i, call := range calls {
		if call.ID == "" {
			call.ID = fmt.Sprintf("tool_call_%d_%d", round, i)
		}
		out[i] = call
	}
	return out
}
