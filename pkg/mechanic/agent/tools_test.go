package agent

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

// fakeGuild is an in-memory GuildHandle for executor and runtime tests.
type fakeGuild struct {
	guildID     string
	members     map[string]*Member
	channels    []ChannelInfo
	messages    map[string][]GuildMessage
	memberCount int

	memberErr   error
	channelErr  error
	messagesErr error
}

func (g *fakeGuild) GuildID() string { return g.guildID }

func (g *fakeGuild) Member(_ context.Context, userID string) (*Member, error) {
	if g.memberErr != nil {
		return nil, g.memberErr
	}
	m, ok := g.members[userID]
	if !ok {
		return nil, errors.New("not found")
	}
	return m, nil
}

func (g *fakeGuild) Channel(_ context.Context, channelID string) (*ChannelInfo, error) {
	if g.channelErr != nil {
		return nil, g.channelErr
	}
	for _, ch := range g.channels {
		if ch.ID == channelID {
			return &ch, nil
		}
	}
	return nil, errors.New("not found")
}

func (g *fakeGuild) Channels(_ context.Context) ([]ChannelInfo, error) {
	if g.channelErr != nil {
		return nil, g.channelErr
	}
	return g.channels, nil
}

func (g *fakeGuild) RecentMessages(_ context.Context, channelID string, limit int) ([]GuildMessage, error) {
	if g.messagesErr != nil {
		return nil, g.messagesErr
	}
	msgs := g.messages[channelID]
	if len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return msgs, nil
}

func (g *fakeGuild) MemberCount(_ context.Context) (int, error) {
	return g.memberCount, nil
}

func testToolConfig() ToolExecutionConfig {
	return ToolExecutionConfig{
		MaxChannelsScanned:  60,
		MaxMessagesFetched:  2500,
		MaxRuntime:          4500 * time.Millisecond,
		MaxMessageChars:     240,
		UserSummaryLimit:    200,
		UserSummaryDaysBack: 30,
	}
}

func newTestGuild() *fakeGuild {
	base := time.Date(2026, 2, 20, 10, 0, 0, 0, time.UTC)
	return &fakeGuild{
		guildID: "g1",
		members: map[string]*Member{
			"u1": {
				ID: "u1", Username: "alice", DisplayName: "Alice",
				JoinedAt: base.AddDate(-1, 0, 0),
				Roles:    []Role{{ID: "r1", Name: "admin"}},
			},
		},
		channels: []ChannelInfo{
			{ID: "c1", Name: "general", Type: "text", IsText: true},
			{ID: "c2", Name: "random", Type: "text", IsText: true},
			{ID: "c3", Name: "voice", Type: "voice"},
			{ID: "c4", Name: "help-thread", Type: "thread", IsText: true, IsThread: true},
		},
		messages: map[string][]GuildMessage{
			"c1": {
				{ID: "m1", ChannelID: "c1", AuthorID: "u1", AuthorName: "Alice", Content: "deploy went fine", CreatedAt: base},
				{ID: "m2", ChannelID: "c1", AuthorID: "u2", AuthorName: "Bob", Content: "nice work", CreatedAt: base.Add(time.Minute)},
			},
			"c2": {
				{ID: "m3", ChannelID: "c2", AuthorID: "u1", AuthorName: "Alice", Content: "lunch anyone", CreatedAt: base.Add(2 * time.Minute)},
			},
		},
		memberCount: 42,
	}
}

func executeTool(t *testing.T, e *ToolExecutor, tc ToolContext, name, args string) map[string]any {
	t.Helper()
	return e.Execute(context.Background(), ToolCall{
		ID:       "call_1",
		Type:     "function",
		Function: FunctionCall{Name: name, Arguments: args},
	}, tc)
}

func TestExecuteInvalidArguments(t *testing.T) {
	e := NewToolExecutor(testToolConfig(), testLogger())
	tc := ToolContext{Guild: newTestGuild(), ChannelID: "c1"}

	result := executeTool(t, e, tc, "get_member", `{"user_id": broken`)
	if result["ok"] != false || result["error"] != "invalid_arguments_json" {
		t.Errorf("result = %v", result)
	}
}

func TestExecuteEmptyArgumentsIsValid(t *testing.T) {
	e := NewToolExecutor(testToolConfig(), testLogger())
	tc := ToolContext{Guild: newTestGuild(), ChannelID: "c1"}

	result := executeTool(t, e, tc, "get_server_stats", "")
	if result["ok"] != true {
		t.Fatalf("result = %v", result)
	}
	if result["member_count"] != 42 {
		t.Errorf("member_count = %v, want 42", result["member_count"])
	}
}

func TestExecuteUnknownTool(t *testing.T) {
	e := NewToolExecutor(testToolConfig(), testLogger())
	tc := ToolContext{Guild: newTestGuild(), ChannelID: "c1"}

	result := executeTool(t, e, tc, "self_destruct", "{}")
	if result["error"] != "unknown_tool:self_destruct" {
		t.Errorf("result = %v", result)
	}

	result = executeTool(t, e, tc, "", "{}")
	if result["error"] != "unknown_tool:missing_name" {
		t.Errorf("result = %v", result)
	}
}

func TestExecuteNilGuild(t *testing.T) {
	e := NewToolExecutor(testToolConfig(), testLogger())

	result := executeTool(t, e, ToolContext{}, "get_server_stats", "{}")
	if result["ok"] != false || result["error"] != "guild context unavailable" {
		t.Errorf("result = %v", result)
	}
}

func TestGetMember(t *testing.T) {
	e := NewToolExecutor(testToolConfig(), testLogger())
	tc := ToolContext{Guild: newTestGuild(), ChannelID: "c1"}

	result := executeTool(t, e, tc, "get_member", `{"user_id":"u1"}`)
	if result["ok"] != true {
		t.Fatalf("result = %v", result)
	}
	member := result["member"].(map[string]any)
	if member["username"] != "alice" || member["display_name"] != "Alice" {
		t.Errorf("member = %v", member)
	}

	result = executeTool(t, e, tc, "get_member", `{"user_id":"nobody"}`)
	if result["ok"] != false {
		t.Errorf("missing member: %v", result)
	}

	result = executeTool(t, e, tc, "get_member", `{}`)
	if result["error"] != "user_id is required" {
		t.Errorf("missing user_id: %v", result)
	}
}

func TestGetChannelDefaultsToCurrent(t *testing.T) {
	e := NewToolExecutor(testToolConfig(), testLogger())
	tc := ToolContext{Guild: newTestGuild(), ChannelID: "c2"}

	result := executeTool(t, e, tc, "get_channel", `{}`)
	if result["ok"] != true {
		t.Fatalf("result = %v", result)
	}
	ch := result["channel"].(map[string]any)
	if ch["id"] != "c2" || ch["name"] != "random" {
		t.Errorf("channel = %v", ch)
	}
}

func TestListChannelsExcludesThreadsByDefault(t *testing.T) {
	e := NewToolExecutor(testToolConfig(), testLogger())
	tc := ToolContext{Guild: newTestGuild(), ChannelID: "c1"}

	result := executeTool(t, e, tc, "list_channels", `{}`)
	if result["ok"] != true {
		t.Fatalf("result = %v", result)
	}
	if result["count"] != 3 {
		t.Errorf("count = %v, want 3 (threads excluded)", result["count"])
	}

	result = executeTool(t, e, tc, "list_channels", `{"include_threads": true, "limit": 2}`)
	if result["count"] != 2 {
		t.Errorf("count = %v, want limit 2", result["count"])
	}
}

func TestGetRecentMessagesRejectsNonText(t *testing.T) {
	e := NewToolExecutor(testToolConfig(), testLogger())
	tc := ToolContext{Guild: newTestGuild(), ChannelID: "c1"}

	result := executeTool(t, e, tc, "get_recent_messages", `{"channel_id":"c3"}`)
	if result["error"] != "channel is not text-based" {
		t.Errorf("result = %v", result)
	}
}

func TestGetRecentMessagesOldestFirst(t *testing.T) {
	e := NewToolExecutor(testToolConfig(), testLogger())
	tc := ToolContext{Guild: newTestGuild(), ChannelID: "c1"}

	result := executeTool(t, e, tc, "get_recent_messages", `{"limit": 5}`)
	if result["ok"] != true {
		t.Fatalf("result = %v", result)
	}
	messages := result["messages"].([]map[string]any)
	if len(messages) != 2 {
		t.Fatalf("len = %d, want 2", len(messages))
	}
	if messages[0]["id"] != "m1" || messages[1]["id"] != "m2" {
		t.Errorf("order = %v, %v; want m1 then m2", messages[0]["id"], messages[1]["id"])
	}
}

func TestGetUserRecentMessagesScansChannels(t *testing.T) {
	e := NewToolExecutor(testToolConfig(), testLogger())
	tc := ToolContext{Guild: newTestGuild(), ChannelID: "c1"}

	result := executeTool(t, e, tc, "get_user_recent_messages", `{"user_id":"u1"}`)
	if result["ok"] != true {
		t.Fatalf("result = %v", result)
	}
	if result["count"] != 2 {
		t.Errorf("count = %v, want 2", result["count"])
	}
	if result["partial"] != false {
		t.Errorf("partial = %v, want false", result["partial"])
	}
	messages := result["messages"].([]map[string]any)
	if messages[0]["id"] != "m3" {
		t.Errorf("newest first expected, got %v", messages[0]["id"])
	}
}

func TestScanReportsPartialWhenBudgetExhausted(t *testing.T) {
	cfg := testToolConfig()
	cfg.MaxChannelsScanned = 1
	e := NewToolExecutor(cfg, testLogger())
	tc := ToolContext{Guild: newTestGuild(), ChannelID: "c1"}

	result := executeTool(t, e, tc, "get_user_recent_messages", `{"user_id":"u1"}`)
	if result["ok"] != true {
		t.Fatalf("result = %v", result)
	}
	if result["partial"] != true {
		t.Errorf("partial = %v, want true with exhausted channel budget", result["partial"])
	}
}

func TestScanDeadlineExhaustsBudget(t *testing.T) {
	e := NewToolExecutor(testToolConfig(), testLogger())
	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e.now = func() time.Time {
		// Each call advances well past the runtime cap.
		current = current.Add(10 * time.Second)
		return current
	}
	tc := ToolContext{Guild: newTestGuild(), ChannelID: "c1"}

	result := executeTool(t, e, tc, "search_messages", `{"query":"deploy"}`)
	if result["partial"] != true {
		t.Errorf("partial = %v, want true when deadline passes", result["partial"])
	}
}

func TestSearchMessages(t *testing.T) {
	e := NewToolExecutor(testToolConfig(), testLogger())
	tc := ToolContext{Guild: newTestGuild(), ChannelID: "c1"}

	result := executeTool(t, e, tc, "search_messages", `{"query":"DEPLOY"}`)
	if result["ok"] != true {
		t.Fatalf("result = %v", result)
	}
	if result["count"] != 1 {
		t.Errorf("count = %v, want 1 (case-insensitive)", result["count"])
	}

	result = executeTool(t, e, tc, "search_messages", `{}`)
	if result["error"] != "query is required" {
		t.Errorf("missing query: %v", result)
	}
}

func TestSummarizeUserActivity(t *testing.T) {
	e := NewToolExecutor(testToolConfig(), testLogger())
	e.now = func() time.Time { return time.Date(2026, 2, 21, 0, 0, 0, 0, time.UTC) }
	tc := ToolContext{Guild: newTestGuild(), ChannelID: "c1"}

	result := executeTool(t, e, tc, "summarize_user_activity", `{"user_id":"u1","days_back":7}`)
	if result["ok"] != true {
		t.Fatalf("result = %v", result)
	}
	if result["total_messages"] != 2 {
		t.Errorf("total_messages = %v, want 2", result["total_messages"])
	}
	channels := result["channels"].([]map[string]any)
	if len(channels) != 2 {
		t.Fatalf("channels = %v", channels)
	}
}

func TestGetServerStats(t *testing.T) {
	e := NewToolExecutor(testToolConfig(), testLogger())
	tc := ToolContext{Guild: newTestGuild(), ChannelID: "c1"}

	result := executeTool(t, e, tc, "get_server_stats", "{}")
	if result["ok"] != true {
		t.Fatalf("result = %v", result)
	}
	if result["text_channels"] != 2 || result["threads"] != 1 || result["channel_count"] != 4 {
		t.Errorf("stats = %v", result)
	}
}

func TestToolResultContentTruncated(t *testing.T) {
	cfg := testToolConfig()
	cfg.MaxMessageChars = 10
	e := NewToolExecutor(cfg, testLogger())

	guild := newTestGuild()
	guild.messages["c1"] = []GuildMessage{{
		ID: "m1", ChannelID: "c1", AuthorID: "u1", AuthorName: "Alice",
		Content:   strings.Repeat("long ", 20),
		CreatedAt: time.Date(2026, 2, 20, 10, 0, 0, 0, time.UTC),
	}}
	tc := ToolContext{Guild: guild, ChannelID: "c1"}

	result := executeTool(t, e, tc, "get_recent_messages", `{}`)
	messages := result["messages"].([]map[string]any)
	if content := messages[0]["content"].(string); len([]rune(content)) > 10 {
		t.Errorf("content not truncated: %q", content)
	}
}

func TestAsBoundedInt(t *testing.T) {
	tests := []struct {
		name string
		args map[string]any
		want int
	}{
		{"absent uses fallback", map[string]any{}, 10},
		{"float64", map[string]any{"limit": float64(5)}, 5},
		{"string number", map[string]any{"limit": "7"}, 7},
		{"below min clamped", map[string]any{"limit": float64(-2)}, 1},
		{"above max clamped", map[string]any{"limit": float64(999)}, 25},
		{"garbage string uses fallback", map[string]any{"limit": "lots"}, 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := asBoundedInt(tt.args, "limit", 10, 1, 25); got != tt.want {
				t.Errorf("asBoundedInt() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestParseToolArguments(t *testing.T) {
	tests := []struct {
		name   string
		in     string
		wantOK bool
	}{
		{"empty string", "", true},
		{"whitespace", "  \n", true},
		{"object", `{"a":1}`, true},
		{"null", `null`, true},
		{"array", `[1,2]`, false},
		{"broken", `{"a":`, false},
		{"scalar", `42`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args, ok := parseToolArguments(tt.in)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && args == nil {
				t.Error("ok result returned nil map")
			}
		})
	}
}
