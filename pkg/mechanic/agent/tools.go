// tools.go implements the read-only guild tool catalog the runtime exposes
// to the model, plus the shared scan budget that keeps the cross-channel
// tools bounded. Execute never returns an error: every failure becomes a
// structured {ok:false, error:...} payload the model can read.
package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"time"
)

const (
	maxChannelsListLimit = 100
	maxMessagesListLimit = 20
	maxUserScanLimit     = 50
	maxSearchLimit       = 25
	maxSummaryDaysBack   = 90
	perChannelFetchSize  = 50
)

// ToolContext carries the guild handle and the channel the triggering
// message arrived in.
type ToolContext struct {
	Guild     GuildHandle
	ChannelID string
}

// ToolExecutor resolves model tool calls against a guild.
type ToolExecutor struct {
	cfg    ToolExecutionConfig
	logger *slog.Logger
	now    func() time.Time
}

// NewToolExecutor builds an executor with the configured scan budgets.
func NewToolExecutor(cfg ToolExecutionConfig, logger *slog.Logger) *ToolExecutor {
	return &ToolExecutor{
		cfg:    cfg,
		logger: logger.With("component", "tools"),
		now:    time.Now,
	}
}

// scanBudget bounds the cross-channel tools: channel count, message count,
// and wall clock share one budget per tool call.
type scanBudget struct {
	channelsLeft int
	messagesLeft int
	deadline     time.Time
	now          func() time.Time
	exhausted    bool
}

func (e *ToolExecutor) newScanBudget() *scanBudget {
	return &scanBudget{
		channelsLeft: e.cfg.MaxChannelsScanned,
		messagesLeft: e.cfg.MaxMessagesFetched,
		deadline:     e.now().Add(e.cfg.MaxRuntime),
		now:          e.now,
	}
}

// takeChannel consumes one channel from the budget. False means stop
// scanning and report a partial result.
func (b *scanBudget) takeChannel() bool {
	if b.channelsLeft <= 0 || !b.now().Before(b.deadline) {
		b.exhausted = true
		return false
	}
	b.channelsLeft--
	return true
}

// takeMessages consumes up to n messages, returning how many may be fetched.
func (b *scanBudget) takeMessages(n int) int {
	if !b.now().Before(b.deadline) {
		b.exhausted = true
		return 0
	}
	if n > b.messagesLeft {
		n = b.messagesLeft
		b.exhausted = true
	}
	b.messagesLeft -= n
	return n
}

// Definitions returns the tool catalog sent with every tool-enabled request.
func (e *ToolExecutor) Definitions() []ToolDefinition {
	return toolDefinitions
}

// SystemPrompt returns the guidance the responder appends to the system
// prompt when tools are enabled.
func (e *ToolExecutor) SystemPrompt() string {
	return "You can call Discord tools to fetch real guild data. " +
		"Only use tool data returned in this conversation and do not invent IDs or results. " +
		"If a tool fails, explain briefly and continue with best effort."
}

// Execute runs one tool call and returns its structured result. Unknown
// tools, malformed arguments, and guild failures all come back as
// {ok:false, error:...}; nothing panics and nothing raises.
func (e *ToolExecutor) Execute(ctx context.Context, call ToolCall, tc ToolContext) map[string]any {
	name := call.Function.Name
	args, ok := parseToolArguments(call.Function.Arguments)
	if !ok {
		return toolError("invalid_arguments_json")
	}
	if tc.Guild == nil {
		return toolError("guild context unavailable")
	}

	start := e.now()
	var result map[string]any
	switch name {
	case "get_member":
		result = e.runGetMember(ctx, args, tc)
	case "get_channel":
		result = e.runGetChannel(ctx, args, tc)
	case "list_channels":
		result = e.runListChannels(ctx, args, tc)
	case "get_recent_messages":
		result = e.runGetRecentMessages(ctx, args, tc)
	case "get_user_recent_messages":
		result = e.runGetUserRecentMessages(ctx, args, tc)
	case "summarize_user_activity":
		result = e.runSummarizeUserActivity(ctx, args, tc)
	case "search_messages":
		result = e.runSearchMessages(ctx, args, tc)
	case "get_server_stats":
		result = e.runGetServerStats(ctx, tc)
	default:
		if name == "" {
			name = "missing_name"
		}
		return toolError("unknown_tool:" + name)
	}

	e.logger.Debug("tool executed",
		"tool", name,
		"ok", result["ok"],
		"duration", e.now().Sub(start))
	return result
}

func toolError(msg string) map[string]any {
	return map[string]any{"ok": false, "error": msg}
}

// parseToolArguments parses the raw JSON arguments. An empty string is a
// valid empty object; anything unparseable or non-object reports false.
func parseToolArguments(raw string) (map[string]any, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}, true
	}
	var parsed map[string]any
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, false
	}
	if parsed == nil {
		parsed = map[string]any{}
	}
	return parsed, true
}

func asString(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func asBool(args map[string]any, key string) bool {
	v, _ := args[key].(bool)
	return v
}

// asBoundedInt coerces a JSON number (or numeric string) into [min, max],
// falling back when absent or unparseable.
func asBoundedInt(args map[string]any, key string, fallback, min, max int) int {
	n := fallback
	switch v := args[key].(type) {
	case float64:
		n = int(v)
	case json.Number:
		if i, err := v.Int64(); err == nil {
			n = int(i)
		}
	case string:
		var parsed float64
		if err := json.Unmarshal([]byte(strings.TrimSpace(v)), &parsed); err == nil {
			n = int(parsed)
		}
	}
	if n < min {
		n = min
	}
	if n > max {
		n = max
	}
	return n
}

func (e *ToolExecutor) normalizeContent(s string) string {
	return normalizeTurnText(s, e.cfg.MaxMessageChars)
}

func (e *ToolExecutor) formatChannel(ch ChannelInfo) map[string]any {
	return map[string]any{
		"id":        ch.ID,
		"name":      ch.Name,
		"type":      ch.Type,
		"parent_id": ch.ParentID,
		"nsfw":      ch.NSFW,
		"topic":     e.normalizeContent(ch.Topic),
	}
}

func (e *ToolExecutor) formatMessage(m GuildMessage) map[string]any {
	name := m.AuthorName
	if name == "" {
		name = "unknown"
	}
	return map[string]any{
		"id":          m.ID,
		"channel_id":  m.ChannelID,
		"author_id":   m.AuthorID,
		"author_name": name,
		"created_at":  m.CreatedAt.UTC().Format(time.RFC3339),
		"content":     e.normalizeContent(m.Content),
	}
}

func (e *ToolExecutor) runGetMember(ctx context.Context, args map[string]any, tc ToolContext) map[string]any {
	userID := asString(args, "user_id")
	if userID == "" {
		return toolError("user_id is required")
	}

	member, err := tc.Guild.Member(ctx, userID)
	if err != nil || member == nil {
		return toolError("member not found in this guild")
	}

	roles := make([]map[string]any, 0, len(member.Roles))
	for i, role := range member.Roles {
		if i >= 30 {
			break
		}
		roles = append(roles, map[string]any{"id": role.ID, "name": role.Name})
	}
	joinedAt := ""
	if !member.JoinedAt.IsZero() {
		joinedAt = member.JoinedAt.UTC().Format(time.RFC3339)
	}
	return map[string]any{
		"ok": true,
		"member": map[string]any{
			"id":           member.ID,
			"username":     member.Username,
			"global_name":  member.GlobalName,
			"display_name": member.DisplayName,
			"bot":          member.Bot,
			"joined_at":    joinedAt,
			"roles":        roles,
		},
	}
}

func (e *ToolExecutor) runGetChannel(ctx context.Context, args map[string]any, tc ToolContext) map[string]any {
	channelID := asString(args, "channel_id")
	if channelID == "" {
		channelID = tc.ChannelID
	}
	if channelID == "" {
		return toolError("channel_id is required")
	}

	ch, err := tc.Guild.Channel(ctx, channelID)
	if err != nil || ch == nil {
		return toolError("channel not found in this guild")
	}
	return map[string]any{"ok": true, "channel": e.formatChannel(*ch)}
}

func (e *ToolExecutor) runListChannels(ctx context.Context, args map[string]any, tc ToolContext) map[string]any {
	limit := asBoundedInt(args, "limit", 25, 1, maxChannelsListLimit)
	includeThreads := asBool(args, "include_threads")

	channels, err := tc.Guild.Channels(ctx)
	if err != nil {
		return toolError("unable to list channels for this guild")
	}

	out := make([]map[string]any, 0, limit)
	for _, ch := range channels {
		if !includeThreads && ch.IsThread {
			continue
		}
		out = append(out, e.formatChannel(ch))
		if len(out) >= limit {
			break
		}
	}
	return map[string]any{
		"ok":       true,
		"guild_id": tc.Guild.GuildID(),
		"count":    len(out),
		"channels": out,
	}
}

func (e *ToolExecutor) runGetRecentMessages(ctx context.Context, args map[string]any, tc ToolContext) map[string]any {
	channelID := asString(args, "channel_id")
	if channelID == "" {
		channelID = tc.ChannelID
	}
	limit := asBoundedInt(args, "limit", 8, 1, maxMessagesListLimit)

	ch, err := tc.Guild.Channel(ctx, channelID)
	if err != nil || ch == nil {
		return toolError("channel not found in this guild")
	}
	if !ch.IsText {
		return toolError("channel is not text-based")
	}

	messages, err := tc.Guild.RecentMessages(ctx, channelID, limit)
	if err != nil {
		return toolError("unable to fetch messages for this channel")
	}

	// Oldest first for the model.
	sort.Slice(messages, func(i, j int) bool {
		return messages[i].CreatedAt.Before(messages[j].CreatedAt)
	})
	out := make([]map[string]any, 0, len(messages))
	for _, m := range messages {
		out = append(out, e.formatMessage(m))
	}
	return map[string]any{
		"ok":       true,
		"channel":  e.formatChannel(*ch),
		"count":    len(out),
		"messages": out,
	}
}

// scanTextChannels walks the guild's text channels under the shared budget,
// invoking visit with each fetched batch. Returns whether the scan finished
// without exhausting the budget.
func (e *ToolExecutor) scanTextChannels(ctx context.Context, tc ToolContext, budget *scanBudget, visit func(ch ChannelInfo, batch []GuildMessage) bool) bool {
	channels, err := tc.Guild.Channels(ctx)
	if err != nil {
		return false
	}

	for _, ch := range channels {
		if !ch.IsText {
			continue
		}
		if !budget.takeChannel() {
			return false
		}
		fetch := budget.takeMessages(perChannelFetchSize)
		if fetch == 0 {
			return false
		}
		batch, err := tc.Guild.RecentMessages(ctx, ch.ID, fetch)
		if err != nil {
			continue
		}
		if !visit(ch, batch) {
			return true
		}
		if ctx.Err() != nil {
			budget.exhausted = true
			return false
		}
	}
	return !budget.exhausted
}

func (e *ToolExecutor) runGetUserRecentMessages(ctx context.Context, args map[string]any, tc ToolContext) map[string]any {
	userID := asString(args, "user_id")
	if userID == "" {
		return toolError("user_id is required")
	}
	limit := asBoundedInt(args, "limit", 20, 1, maxUserScanLimit)

	budget := e.newScanBudget()
	var found []GuildMessage
	complete := e.scanTextChannels(ctx, tc, budget, func(ch ChannelInfo, batch []GuildMessage) bool {
		for _, m := range batch {
			if m.AuthorID == userID {
				found = append(found, m)
			}
		}
		return true
	})

	sort.Slice(found, func(i, j int) bool {
		return found[i].CreatedAt.After(found[j].CreatedAt)
	})
	if len(found) > limit {
		found = found[:limit]
	}
	out := make([]map[string]any, 0, len(found))
	for _, m := range found {
		out = append(out, e.formatMessage(m))
	}
	return map[string]any{
		"ok":       true,
		"user_id":  userID,
		"count":    len(out),
		"partial":  !complete,
		"messages": out,
	}
}

func (e *ToolExecutor) runSummarizeUserActivity(ctx context.Context, args map[string]any, tc ToolContext) map[string]any {
	userID := asString(args, "user_id")
	if userID == "" {
		return toolError("user_id is required")
	}
	daysBack := asBoundedInt(args, "days_back", e.cfg.UserSummaryDaysBack, 1, maxSummaryDaysBack)
	cutoff := e.now().AddDate(0, 0, -daysBack)

	budget := e.newScanBudget()
	type channelActivity struct {
		channel ChannelInfo
		count   int
	}
	perChannel := make(map[string]*channelActivity)
	var samples []string
	total := 0

	complete := e.scanTextChannels(ctx, tc, budget, func(ch ChannelInfo, batch []GuildMessage) bool {
		for _, m := range batch {
			if m.AuthorID != userID || m.CreatedAt.Before(cutoff) {
				continue
			}
			total++
			act := perChannel[ch.ID]
			if act == nil {
				act = &channelActivity{channel: ch}
				perChannel[ch.ID] = act
			}
			act.count++
			if len(samples) < 5 {
				if content := e.normalizeContent(m.Content); content != "" {
					samples = append(samples, content)
				}
			}
		}
		return total < e.cfg.UserSummaryLimit
	})

	activity := make([]*channelActivity, 0, len(perChannel))
	for _, act := range perChannel {
		activity = append(activity, act)
	}
	sort.Slice(activity, func(i, j int) bool { return activity[i].count > activity[j].count })

	channels := make([]map[string]any, 0, len(activity))
	for _, act := range activity {
		channels = append(channels, map[string]any{
			"channel_id":    act.channel.ID,
			"channel_name":  act.channel.Name,
			"message_count": act.count,
		})
	}
	return map[string]any{
		"ok":             true,
		"user_id":        userID,
		"days_back":      daysBack,
		"total_messages": total,
		"partial":        !complete,
		"channels":       channels,
		"recent_samples": samples,
	}
}

func (e *ToolExecutor) runSearchMessages(ctx context.Context, args map[string]any, tc ToolContext) map[string]any {
	query := asString(args, "query")
	if query == "" {
		return toolError("query is required")
	}
	limit := asBoundedInt(args, "limit", 10, 1, maxSearchLimit)
	needle := strings.ToLower(query)

	budget := e.newScanBudget()
	var matches []GuildMessage
	complete := e.scanTextChannels(ctx, tc, budget, func(ch ChannelInfo, batch []GuildMessage) bool {
		for _, m := range batch {
			if strings.Contains(strings.ToLower(m.Content), needle) {
				matches = append(matches, m)
				if len(matches) >= limit {
					return false
				}
			}
		}
		return true
	})

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].CreatedAt.After(matches[j].CreatedAt)
	})
	out := make([]map[string]any, 0, len(matches))
	for _, m := range matches {
		out = append(out, e.formatMessage(m))
	}
	return map[string]any{
		"ok":       true,
		"query":    query,
		"count":    len(out),
		"partial":  !complete && len(out) < limit,
		"messages": out,
	}
}

func (e *ToolExecutor) runGetServerStats(ctx context.Context, tc ToolContext) map[string]any {
	memberCount, err := tc.Guild.MemberCount(ctx)
	if err != nil {
		return toolError("unable to fetch server stats")
	}

	textChannels, threads, totalChannels := 0, 0, 0
	if channels, err := tc.Guild.Channels(ctx); err == nil {
		totalChannels = len(channels)
		for _, ch := range channels {
			switch {
			case ch.IsThread:
				threads++
			case ch.IsText:
				textChannels++
			}
		}
	}
	return map[string]any{
		"ok":            true,
		"guild_id":      tc.Guild.GuildID(),
		"member_count":  memberCount,
		"channel_count": totalChannels,
		"text_channels": textChannels,
		"threads":       threads,
	}
}

var toolDefinitions = []ToolDefinition{
	{
		Type: "function",
		Function: FunctionDef{
			Name:        "get_member",
			Description: "Fetch basic member details for a Discord user in this guild.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"user_id": {"type": "string", "description": "Discord user ID to look up."}
				},
				"required": ["user_id"],
				"additionalProperties": false
			}`),
		},
	},
	{
		Type: "function",
		Function: FunctionDef{
			Name:        "get_channel",
			Description: "Fetch basic details for a channel in this guild. Defaults to the current channel.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"channel_id": {"type": "string", "description": "Discord channel ID to look up."}
				},
				"additionalProperties": false
			}`),
		},
	},
	{
		Type: "function",
		Function: FunctionDef{
			Name:        "list_channels",
			Description: "List channels in this guild that the bot can access.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"limit": {"type": "integer", "minimum": 1, "maximum": 100, "description": "Maximum channels to return (1-100)."},
					"include_threads": {"type": "boolean", "description": "Include thread channels when true."}
				},
				"additionalProperties": false
			}`),
		},
	},
	{
		Type: "function",
		Function: FunctionDef{
			Name:        "get_recent_messages",
			Description: "Read recent messages from a channel in this guild.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"channel_id": {"type": "string", "description": "Target channel ID. Defaults to the current channel if omitted."},
					"limit": {"type": "integer", "minimum": 1, "maximum": 20, "description": "Maximum messages to return (1-20)."}
				},
				"additionalProperties": false
			}`),
		},
	},
	{
		Type: "function",
		Function: FunctionDef{
			Name:        "get_user_recent_messages",
			Description: "Collect one user's recent messages across the guild's text channels. Bounded scan; may return partial results.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"user_id": {"type": "string", "description": "Discord user ID whose messages to collect."},
					"limit": {"type": "integer", "minimum": 1, "maximum": 50, "description": "Maximum messages to return (1-50)."}
				},
				"required": ["user_id"],
				"additionalProperties": false
			}`),
		},
	},
	{
		Type: "function",
		Function: FunctionDef{
			Name:        "summarize_user_activity",
			Description: "Summarize a user's recent activity: per-channel message counts and a few content samples. Bounded scan; may return partial results.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"user_id": {"type": "string", "description": "Discord user ID to summarize."},
					"days_back": {"type": "integer", "minimum": 1, "maximum": 90, "description": "How many days of activity to consider."}
				},
				"required": ["user_id"],
				"additionalProperties": false
			}`),
		},
	},
	{
		Type: "function",
		Function: FunctionDef{
			Name:        "search_messages",
			Description: "Search recent messages across the guild's text channels for a keyword or phrase. Bounded scan; may return partial results.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"query": {"type": "string", "description": "Text to search for (case-insensitive substring match)."},
					"limit": {"type": "integer", "minimum": 1, "maximum": 25, "description": "Maximum matches to return (1-25)."}
				},
				"required": ["query"],
				"additionalProperties": false
			}`),
		},
	},
	{
		Type: "function",
		Function: FunctionDef{
			Name:        "get_server_stats",
			Description: "Fetch guild-level stats: member count and channel counts.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {},
				"additionalProperties": false
			}`),
		},
	},
}
