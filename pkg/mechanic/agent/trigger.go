// trigger.go holds the two gating decisions made before and during a turn:
// whether an inbound message deserves a reply at all, and whether the turn
// should carry tool definitions to the model.
package agent

import (
	"regexp"
	"strings"
)

// TriggerDecision explains whether and why a message gets a reply.
type TriggerDecision struct {
	Respond bool
	Reason  string
	Mode    string
}

// ShouldRespond applies the trigger policy to an inbound message. Mention
// mode replies when the bot is mentioned; channels mode replies to anything
// in the allowlisted channels. DMs (no guild) never get a reply.
func ShouldRespond(msg InboundMessage, cfg TriggerConfig) TriggerDecision {
	mode := cfg.Mode
	if mode != "channels" {
		mode = "mention"
	}

	if msg.GuildID == "" {
		return TriggerDecision{Respond: false, Reason: "no_guild", Mode: mode}
	}

	if mode == "channels" {
		if len(cfg.ChannelIDs) == 0 {
			return TriggerDecision{Respond: false, Reason: "no_channels_configured", Mode: mode}
		}
		for _, id := range cfg.ChannelIDs {
			if strings.TrimSpace(id) == msg.ChannelID {
				return TriggerDecision{Respond: true, Reason: "channel_mode", Mode: mode}
			}
		}
		return TriggerDecision{Respond: false, Reason: "channel_not_allowed", Mode: mode}
	}

	if !msg.BotMentioned {
		return TriggerDecision{Respond: false, Reason: "not_mentioned", Mode: mode}
	}
	return TriggerDecision{Respond: true, Reason: "mention", Mode: mode}
}

// GateDecision explains whether tools are offered on a turn.
type GateDecision struct {
	Enabled bool
	Reason  string
}

// ToolGate decides per turn whether tool definitions are sent to the model.
// latestUserText is the newest user message (metadata stripped);
// lastAssistantText is the newest assistant reply, empty when none.
type ToolGate func(latestUserText, lastAssistantText string) GateDecision

var (
	dataIntentPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\b(summary|summarize|describe|profile|personality|activity|stats?)\b`),
		regexp.MustCompile(`\b(tell me about|about\s+<@!?\d{17,20}>|about\s+\w+)\b`),
		regexp.MustCompile(`\b(messages?|history|recent|search|lookup|look up|find|fetch)\b`),
		regexp.MustCompile(`\b(list channels?|channel id|channel info|what channel|which channel|this channel|where are we)\b`),
		regexp.MustCompile(`\b(member count|server count|how many people|how many members|how many users)\b`),
		regexp.MustCompile(`\b(member|members|users|who is|who's|when did|what did)\b`),
	}

	userMentionPattern    = regexp.MustCompile(`<@!?\d{17,20}>`)
	channelMentionPattern = regexp.MustCompile(`<#\d{17,20}>`)
	bareIDPattern         = regexp.MustCompile(`\b\d{17,20}\b`)
	entityKeywordPattern  = regexp.MustCompile(`\b(info|details|profile|messages?|activity|stats?|history|summary|describe|who)\b`)

	proposalPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\b(want me to|should i|do you want me to|if you want|let me know)\b`),
		regexp.MustCompile(`\bi can (check|look up|fetch|find|get|pull)\b`),
		regexp.MustCompile(`\b(check|look up|fetch|get|search)\b.*\b(user|member|profile|stats?|messages?|history|channel|server|count)\b`),
		regexp.MustCompile(`\bget_[a-z_]+\b`),
	}
)

var shortAffirmations = map[string]bool{
	"yes":       true,
	"yeah":      true,
	"yep":       true,
	"yup":       true,
	"sure":      true,
	"ok":        true,
	"okay":      true,
	"kk":        true,
	"do that":   true,
	"go ahead":  true,
	"please do": true,
	"well yeah": true,
	"do it":     true,
}

// DefaultToolGate is the stock heuristic: enable tools on explicit data
// intent, on an entity reference paired with a data keyword, or on a short
// affirmation following a reply that proposed a data action.
func DefaultToolGate(latestUserText, lastAssistantText string) GateDecision {
	text := strings.ToLower(collapseWhitespace(latestUserText))
	if text == "" {
		return GateDecision{Enabled: false, Reason: "no_user_text"}
	}

	for _, pattern := range dataIntentPatterns {
		if pattern.MatchString(text) {
			return GateDecision{Enabled: true, Reason: "intent_match"}
		}
	}

	hasEntityReference := userMentionPattern.MatchString(text) ||
		channelMentionPattern.MatchString(text) ||
		bareIDPattern.MatchString(text)
	if hasEntityReference && entityKeywordPattern.MatchString(text) {
		return GateDecision{Enabled: true, Reason: "intent_match"}
	}

	if isShortAffirmation(text) && isDataActionProposal(lastAssistantText) {
		return GateDecision{Enabled: true, Reason: "followup_affirmation"}
	}

	return GateDecision{Enabled: false, Reason: "small_talk_or_general_chat"}
}

func isShortAffirmation(text string) bool {
	normalized := strings.TrimSpace(strings.Map(func(r rune) rune {
		switch r {
		case '.', '!', '?':
			return -1
		}
		return r
	}, strings.ToLower(text)))
	return shortAffirmations[normalized]
}

func isDataActionProposal(text string) bool {
	if text == "" {
		return false
	}
	lowered := strings.ToLower(text)
	for _, pattern := range proposalPatterns {
		if pattern.MatchString(lowered) {
			return true
		}
	}
	return false
}

const userMessageMarker = "[user_message]"

// extractUserMessage strips the metadata block from a projected user turn,
// returning just the message body.
func extractUserMessage(content string) string {
	text := collapseWhitespace(content)
	idx := strings.Index(text, userMessageMarker)
	if idx == -1 {
		return text
	}
	return strings.TrimSpace(text[idx+len(userMessageMarker):])
}

// latestUserText returns the newest user message, preferring the direct
// value over scanning history.
func latestUserText(direct string, history []ChatMessage) string {
	if text := collapseWhitespace(direct); text != "" {
		return text
	}
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role != "user" {
			continue
		}
		if extracted := extractUserMessage(history[i].Content); extracted != "" {
			return extracted
		}
	}
	return ""
}

// latestAssistantText returns the newest non-empty assistant reply.
func latestAssistantText(history []ChatMessage) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role != "assistant" {
			continue
		}
		if text := collapseWhitespace(history[i].Content); text != "" {
			return text
		}
	}
	return ""
}
