// responder.go is the top of the reply pipeline: cooldown gate, per-channel
// single-flight lock, context append, runtime call, personality pass, and
// the mapping of internal failures to pre-authored user-facing replies.
// Raw provider errors never reach the channel, only the logs.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Failure classes for user-facing reply selection.
const (
	failureRateLimit     = "rate_limit"
	failureProvider      = "provider"
	failureConfig        = "config"
	failureModelFallback = "model_fallback_failed"
	failureGeneric       = "generic"
)

// cooldownEvictSize is the map size past which stale cooldown entries are
// lazily evicted.
const cooldownEvictSize = 5000

// Responder owns one guild-facing reply pipeline.
type Responder struct {
	cfg      ResponderConfig
	trigger  TriggerConfig
	runtime  *Runtime
	renderer *Renderer
	contexts *ContextStore
	styles   *StyleStore
	profiles ProfileStore
	analyzer *Analyzer
	logger   *slog.Logger
	now      func() time.Time

	cooldownMu sync.Mutex
	cooldowns  map[string]time.Time
}

// NewResponder wires the pipeline. profiles and analyzer may be nil when
// persistence is disabled.
func NewResponder(cfg ResponderConfig, trigger TriggerConfig, runtime *Runtime, renderer *Renderer, contexts *ContextStore, styles *StyleStore, profiles ProfileStore, analyzer *Analyzer, logger *slog.Logger) *Responder {
	return &Responder{
		cfg:       cfg,
		trigger:   trigger,
		runtime:   runtime,
		renderer:  renderer,
		contexts:  contexts,
		styles:    styles,
		profiles:  profiles,
		analyzer:  analyzer,
		logger:    logger.With("component", "responder"),
		now:       time.Now,
		cooldowns: make(map[string]time.Time),
	}
}

// ShouldRespond applies the trigger policy for an inbound message.
func (r *Responder) ShouldRespond(msg InboundMessage) TriggerDecision {
	return ShouldRespond(msg, r.trigger)
}

// ConsumeCooldown reports whether a per-user reply is allowed right now and,
// if so, starts the next cooldown window. When the map grows past the
// eviction threshold, entries idle for three cooldown windows are dropped.
func (r *Responder) ConsumeCooldown(guildID, userID string) bool {
	key := guildID + ":" + userID
	now := r.now()

	r.cooldownMu.Lock()
	defer r.cooldownMu.Unlock()

	if last, ok := r.cooldowns[key]; ok && now.Sub(last) < r.cfg.Cooldown {
		return false
	}
	r.cooldowns[key] = now

	if len(r.cooldowns) > cooldownEvictSize {
		for entryKey, ts := range r.cooldowns {
			if now.Sub(ts) > r.cfg.Cooldown*3 {
				delete(r.cooldowns, entryKey)
			}
		}
	}
	return true
}

// Respond runs the full pipeline for one triggering message and returns the
// text to send. It always returns something sendable: busy and failure
// replies are pre-authored, never raw errors.
func (r *Responder) Respond(ctx context.Context, msg InboundMessage, guild GuildHandle) string {
	traceID := uuid.NewString()[:8]
	logger := r.logger.With("trace_id", traceID, "guild_id", msg.GuildID, "channel_id", msg.ChannelID, "user_id", msg.AuthorID)

	if !r.contexts.TryAcquire(msg.GuildID, msg.ChannelID) {
		logger.Debug("channel busy, returning busy reply")
		return r.cfg.BusyReply
	}
	defer r.contexts.Release(msg.GuildID, msg.ChannelID)

	content := collapseWhitespace(msg.Content)
	if content != "" {
		r.contexts.AppendUserTurn(msg.GuildID, msg.ChannelID, msg.AuthorID, msg.AuthorDisplayName, content)
	}

	profile := r.recordAndFetchProfile(ctx, msg, logger)

	latest := content
	if latest == "" {
		latest = "(user only mentioned bot without text)"
	}

	turnCfg := r.cfg
	turnCfg.AgentSystemPrompt = r.buildSystemPrompt(profile)

	started := r.now()
	reply, err := r.runtime.GenerateReply(ctx, ReplyRequest{
		History:        r.contexts.ChatMessages(msg.GuildID, msg.ChannelID),
		LatestUserText: latest,
		Responder:      turnCfg,
		ToolContext:    ToolContext{Guild: guild, ChannelID: msg.ChannelID},
	})
	if err != nil {
		class := classifyFailure(err)
		logger.Error("reply generation failed",
			"class", class,
			"duration", r.now().Sub(started),
			"error", err)
		return r.failureReply(class)
	}

	logger.Info("reply generated",
		"provider", reply.Provider.Provider,
		"model", reply.Provider.Model,
		"fallback_used", reply.Provider.FallbackUsed,
		"fallback_count", reply.Provider.FallbackCount,
		"tool_calls", reply.Tools.ToolCallCount,
		"rounds", reply.Tools.RoundsUsed,
		"tools_enabled", reply.Tools.ToolsEnabled,
		"gate_reason", reply.Tools.GateReason,
		"duration", r.now().Sub(started))

	render := r.renderer.Render(ctx, reply.RawDraft, r.styles.History(msg.GuildID, msg.ChannelID))
	final := truncateChars(render.FinalText, r.cfg.MaxReplyChars)
	if final == "" {
		logger.Warn("empty final text after render", "render_reason", render.Reason)
		return r.cfg.FallbackReply
	}
	if render.Reason != "ok" && render.Reason != "disabled" {
		logger.Debug("personality pass fell back to raw draft",
			"render_reason", render.Reason,
			"drift_reject", render.DriftReject,
			"render_latency", render.Latency)
	}

	r.contexts.AppendAssistantTurn(msg.GuildID, msg.ChannelID, final)
	if render.Styled {
		r.styles.Append(msg.GuildID, msg.ChannelID, final)
	}

	if r.analyzer != nil {
		go r.analyzer.MaybeRefresh(context.WithoutCancel(ctx), msg.GuildID, msg.AuthorID)
	}

	return final
}

// recordAndFetchProfile updates activity counters, captures the message as
// a self sample, and returns the stored profile. All best-effort: profile
// failures never block a reply.
func (r *Responder) recordAndFetchProfile(ctx context.Context, msg InboundMessage, logger *slog.Logger) *UserProfile {
	if r.profiles == nil {
		return nil
	}

	deltas := ProfileDeltas{MessagesSeen: 1, MessagesSinceSemantic: 1}
	if msg.BotMentioned {
		deltas.MentionsToBot = 1
	}
	if err := r.profiles.Touch(ctx, msg.GuildID, msg.AuthorID, deltas); err != nil {
		logger.Warn("profile touch failed", "error", err)
	}

	if err := r.profiles.InsertSample(ctx, ProfileSample{
		GuildID:     msg.GuildID,
		OwnerUserID: msg.AuthorID,
		ActorUserID: msg.AuthorID,
		ChannelID:   msg.ChannelID,
		SampleType:  "self",
		Content:     msg.Content,
	}); err != nil {
		logger.Warn("profile sample insert failed", "error", err)
	}

	profile, err := r.profiles.Profile(ctx, msg.GuildID, msg.AuthorID)
	if err != nil {
		logger.Warn("profile fetch failed", "error", err)
		return nil
	}
	return profile
}

// buildSystemPrompt appends the user's profile context to the agent system
// prompt so replies can be tuned to the person being answered.
func (r *Responder) buildSystemPrompt(profile *UserProfile) string {
	base := r.cfg.AgentSystemPrompt
	if profile == nil {
		return base
	}

	var b strings.Builder
	b.WriteString(base)
	b.WriteString("\n\nUser profile context:\n")
	fmt.Fprintf(&b, "tone_summary: %s\n", orNone(profile.ToneSummary))
	fmt.Fprintf(&b, "personality_summary: %s\n", orNone(profile.PersonalitySummary))
	fmt.Fprintf(&b, "interests_summary: %s\n", orNone(profile.InterestsSummary))
	fmt.Fprintf(&b, "social_summary: %s\n", orNone(profile.SocialSummary))
	fmt.Fprintf(&b, "do_list: %s\n", orNoneList(profile.DoList))
	fmt.Fprintf(&b, "dont_list: %s", orNoneList(profile.DontList))
	return b.String()
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "(none)"
	}
	return s
}

func orNoneList(items []string) string {
	if len(items) == 0 {
		return "(none)"
	}
	return strings.Join(items, " | ")
}

// failureReply maps a failure class to its pre-authored reply.
func (r *Responder) failureReply(class string) string {
	switch class {
	case failureRateLimit:
		secs := int(r.cfg.RateLimitBackoff / time.Second)
		if secs < 1 {
			secs = 15
		}
		return fmt.Sprintf("the model's rate limiting me. give it like %d seconds and ping me again.", secs)
	case failureProvider:
		return "the model provider choked on that one. try again in a bit."
	case failureConfig:
		return "my wiring's not hooked up right. someone should check my config."
	case failureModelFallback:
		return "every model i tried is down right now. try me again later."
	default:
		return r.cfg.FallbackReply
	}
}

// classifyFailure buckets a generation error. Order matters: configuration
// problems outrank rate limits, which outrank exhausted fallback chains.
func classifyFailure(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAPIKeyMissing):
		return failureConfig
	case isRateLimited(err):
		return failureRateLimit
	case errors.Is(err, ErrAllModelsFailed):
		return failureModelFallback
	case errors.Is(err, ErrToolRoundsExhausted):
		return failureGeneric
	default:
		var apiErr *apiError
		if errors.As(err, &apiErr) {
			return failureProvider
		}
		return failureGeneric
	}
}
