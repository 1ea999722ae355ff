// analyzer.go periodically distills a user's recent messages into the
// semantic profile the responder feeds back into its system prompt. The
// model must answer in strict JSON; anything else is rejected and the
// stored profile stays untouched.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

const analyzerSystemPrompt = `You analyze Discord user behavior and output STRICT JSON only.
Return exactly one object with this shape:
{
  "tone_summary": string,
  "personality_summary": string,
  "interests_summary": string,
  "social_summary": string,
  "do_list": string[],
  "dont_list": string[]
}

Rules:
- No markdown, no code fences, no extra keys.
- Keep each summary concise and practical.
- do_list and dont_list should each contain 3 to 6 short guidance items.
- Avoid profanity or insults.
- Base output only on supplied data.`

const (
	analyzerSelfSampleLimit   = 20
	analyzerSocialSampleLimit = 12
	analyzerMaxListItems      = 6
	analyzerMaxSummaryChars   = 500
)

// RefreshResult reports the outcome of one refresh attempt.
type RefreshResult struct {
	Updated bool
	Reason  string
}

// Analyzer rebuilds semantic profiles from stored samples.
type Analyzer struct {
	client   completer
	profiles ProfileStore
	model    string
	logger   *slog.Logger

	mu       sync.Mutex
	inFlight map[string]bool
}

// NewAnalyzer builds an analyzer on the given provider client and store.
// model empty falls back to the client's default.
func NewAnalyzer(client completer, profiles ProfileStore, model string, logger *slog.Logger) *Analyzer {
	return &Analyzer{
		client:   client,
		profiles: profiles,
		model:    model,
		logger:   logger.With("component", "analyzer"),
		inFlight: make(map[string]bool),
	}
}

// MaybeRefresh runs Refresh without force and logs the outcome. Intended
// for fire-and-forget use after a reply.
func (a *Analyzer) MaybeRefresh(ctx context.Context, guildID, userID string) {
	result := a.Refresh(ctx, guildID, userID, false)
	if result.Updated {
		a.logger.Info("semantic profile refreshed", "guild_id", guildID, "user_id", userID)
	}
}

// Refresh rebuilds one user's semantic profile. A per-user in-flight guard
// makes concurrent calls cheap no-ops; without force the store's refresh
// threshold is honored.
func (a *Analyzer) Refresh(ctx context.Context, guildID, userID string, force bool) RefreshResult {
	key := guildID + ":" + userID

	a.mu.Lock()
	if a.inFlight[key] {
		a.mu.Unlock()
		return RefreshResult{Reason: "locked"}
	}
	a.inFlight[key] = true
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.inFlight, key)
		a.mu.Unlock()
	}()

	if !force {
		shouldRefresh, err := a.profiles.ShouldRefreshSemantic(ctx, guildID, userID)
		if err != nil {
			a.logger.Warn("refresh threshold check failed", "key", key, "error", err)
			return RefreshResult{Reason: "error"}
		}
		if !shouldRefresh {
			return RefreshResult{Reason: "threshold"}
		}
	}

	profile, err := a.profiles.Profile(ctx, guildID, userID)
	if err != nil {
		a.logger.Warn("profile fetch failed", "key", key, "error", err)
		return RefreshResult{Reason: "error"}
	}

	selfSamples, socialSamples, err := a.profiles.RecentSamples(ctx, guildID, userID, analyzerSelfSampleLimit, analyzerSocialSampleLimit)
	if err != nil {
		a.logger.Warn("sample fetch failed", "key", key, "error", err)
		return RefreshResult{Reason: "error"}
	}
	if len(selfSamples) == 0 && len(socialSamples) == 0 {
		return RefreshResult{Reason: "no_samples"}
	}

	completion, err := a.client.Complete(ctx, []ChatMessage{
		{Role: "system", Content: analyzerSystemPrompt},
		{Role: "user", Content: buildAnalyzerPrompt(guildID, userID, profile, selfSamples, socialSamples)},
	}, CompletionOptions{
		Model:       a.model,
		MaxTokens:   650,
		Temperature: 0.2,
	})
	if err != nil {
		a.logger.Warn("analyzer completion failed", "key", key, "error", err)
		return RefreshResult{Reason: "error"}
	}

	payload, ok := parseSemanticPayload(completion.Message.Content)
	if !ok {
		a.logger.Warn("invalid semantic payload", "key", key)
		return RefreshResult{Reason: "invalid_payload"}
	}

	if err := a.profiles.UpdateSemanticProfile(ctx, guildID, userID, payload); err != nil {
		a.logger.Warn("semantic profile write failed", "key", key, "error", err)
		return RefreshResult{Reason: "error"}
	}
	return RefreshResult{Updated: true, Reason: "updated"}
}

func buildAnalyzerPrompt(guildID, userID string, profile *UserProfile, selfSamples, socialSamples []ProfileSample) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Guild ID: %s\nUser ID: %s\n\n", guildID, userID)

	b.WriteString("Existing profile:\n")
	var tone, personality, interests, social string
	var doList, dontList []string
	if profile != nil {
		tone, personality = profile.ToneSummary, profile.PersonalitySummary
		interests, social = profile.InterestsSummary, profile.SocialSummary
		doList, dontList = profile.DoList, profile.DontList
	}
	fmt.Fprintf(&b, "tone_summary: %s\n", orNone(tone))
	fmt.Fprintf(&b, "personality_summary: %s\n", orNone(personality))
	fmt.Fprintf(&b, "interests_summary: %s\n", orNone(interests))
	fmt.Fprintf(&b, "social_summary: %s\n", orNone(social))
	fmt.Fprintf(&b, "do_list: %s\n", orNoneList(doList))
	fmt.Fprintf(&b, "dont_list: %s\n\n", orNoneList(dontList))

	b.WriteString("Recent self messages:\n")
	if len(selfSamples) == 0 {
		b.WriteString("(none)\n")
	}
	for i, sample := range selfSamples {
		fmt.Fprintf(&b, "%d. %s\n", i+1, sample.Content)
	}

	b.WriteString("\nRecent social interactions directed to user:\n")
	if len(socialSamples) == 0 {
		b.WriteString("(none)\n")
	}
	for i, sample := range socialSamples {
		fmt.Fprintf(&b, "%d. from %s: %s\n", i+1, sample.ActorUserID, sample.Content)
	}

	b.WriteString("\nReturn strict JSON only.")
	return b.String()
}

type semanticPayload struct {
	ToneSummary        string   `json:"tone_summary"`
	PersonalitySummary string   `json:"personality_summary"`
	InterestsSummary   string   `json:"interests_summary"`
	SocialSummary      string   `json:"social_summary"`
	DoList             []string `json:"do_list"`
	DontList           []string `json:"dont_list"`
}

// parseSemanticPayload parses the model output: code fences stripped, then
// a plain parse, then a brace-extraction retry. All four summaries are
// required; lists are trimmed to six items.
func parseSemanticPayload(raw string) (SemanticProfile, bool) {
	var zero SemanticProfile

	cleaned := strings.TrimSpace(raw)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	var parsed semanticPayload
	if err := json.Unmarshal([]byte(cleaned), &parsed); err != nil {
		first := strings.Index(cleaned, "{")
		last := strings.LastIndex(cleaned, "}")
		if first == -1 || last <= first {
			return zero, false
		}
		if err := json.Unmarshal([]byte(cleaned[first:last+1]), &parsed); err != nil {
			return zero, false
		}
	}

	out := SemanticProfile{
		ToneSummary:        truncateChars(strings.TrimSpace(parsed.ToneSummary), analyzerMaxSummaryChars),
		PersonalitySummary: truncateChars(strings.TrimSpace(parsed.PersonalitySummary), analyzerMaxSummaryChars),
		InterestsSummary:   truncateChars(strings.TrimSpace(parsed.InterestsSummary), analyzerMaxSummaryChars),
		SocialSummary:      truncateChars(strings.TrimSpace(parsed.SocialSummary), analyzerMaxSummaryChars),
		DoList:             normalizeGuidanceList(parsed.DoList),
		DontList:           normalizeGuidanceList(parsed.DontList),
	}
	if out.ToneSummary == "" || out.PersonalitySummary == "" || out.InterestsSummary == "" || out.SocialSummary == "" {
		return zero, false
	}
	return out, true
}

func normalizeGuidanceList(items []string) []string {
	var out []string
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out = append(out, item)
		if len(out) >= analyzerMaxListItems {
			break
		}
	}
	return out
}
