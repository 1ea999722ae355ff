package agent

import "time"

// Config is the root configuration for the agent core. Loaded from YAML,
// overlaid on DefaultConfig, secrets resolved through the keyring chain.
type Config struct {
	// BotName is the display name used for assistant turns in context.
	BotName string `yaml:"bot_name"`

	Trigger     TriggerConfig     `yaml:"trigger"`
	Context     ContextConfig     `yaml:"context"`
	Responder   ResponderConfig   `yaml:"responder"`
	Personality PersonalityConfig `yaml:"personality"`
	Providers   ProvidersConfig   `yaml:"providers"`
	Database    DatabaseConfig    `yaml:"database"`
	Discord     DiscordConfig     `yaml:"discord"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// TriggerConfig decides which guild messages get a reply.
type TriggerConfig struct {
	// Mode is "mention" (reply when the bot is mentioned) or "channels"
	// (reply to everything in the allowlisted channels).
	Mode       string   `yaml:"mode"`
	ChannelIDs []string `yaml:"channel_ids"`
}

// ContextConfig bounds the per-channel conversation buffer.
type ContextConfig struct {
	MaxTurnsPerChannel int           `yaml:"max_turns_per_channel"`
	MaxContentChars    int           `yaml:"max_content_chars_per_turn"`
	MaxAssistantChars  int           `yaml:"max_assistant_chars_per_turn"`
	MaxUsernameChars   int           `yaml:"max_username_chars"`
	ChannelTTL         time.Duration `yaml:"channel_ttl"`
	SweepInterval      time.Duration `yaml:"sweep_interval"`
}

// ResponderConfig drives the mention responder and the agent runtime.
type ResponderConfig struct {
	Cooldown         time.Duration `yaml:"cooldown"`
	RateLimitBackoff time.Duration `yaml:"rate_limit_backoff"`
	FallbackReply    string        `yaml:"fallback_reply"`
	BusyReply        string        `yaml:"busy_reply"`
	MaxReplyChars    int           `yaml:"max_reply_chars"`
	MaxTokens        int           `yaml:"max_tokens"`
	Temperature      float64       `yaml:"temperature"`

	// Models is the ordered fallback chain sent to the primary provider.
	Models []string `yaml:"models"`

	EnableTools           bool `yaml:"enable_tools"`
	ForceToolsForAllTurns bool `yaml:"force_tools_for_all_turns"`
	MaxToolRounds         int  `yaml:"max_tool_rounds"`
	MaxToolCallsPerRound  int  `yaml:"max_tool_calls_per_round"`

	// EnableProviderFallback escalates retryable primary failures to the
	// secondary provider mid-turn.
	EnableProviderFallback bool     `yaml:"enable_provider_fallback"`
	FallbackModels         []string `yaml:"fallback_models"`

	AgentSystemPrompt string `yaml:"agent_system_prompt"`

	Tools ToolExecutionConfig `yaml:"tool_execution"`
}

// ToolExecutionConfig bounds the budgeted tool scans.
type ToolExecutionConfig struct {
	MaxChannelsScanned  int           `yaml:"max_channels_scanned"`
	MaxMessagesFetched  int           `yaml:"max_messages_fetched"`
	MaxRuntime          time.Duration `yaml:"max_runtime"`
	MaxMessageChars     int           `yaml:"max_message_chars"`
	UserSummaryLimit    int           `yaml:"user_summary_limit"`
	UserSummaryDaysBack int           `yaml:"user_summary_days_back"`
}

// PersonalityConfig drives the second-pass style rewrite.
type PersonalityConfig struct {
	Enabled              bool          `yaml:"enabled"`
	Model                string        `yaml:"model"`
	Temperature          float64       `yaml:"temperature"`
	MaxTokens            int           `yaml:"max_tokens"`
	MaxLatency           time.Duration `yaml:"max_latency"`
	MaxStyleHistoryTurns int           `yaml:"max_style_history_turns"`
	MaxOutputChars       int           `yaml:"max_output_chars"`
	StrictPreserve       bool          `yaml:"strict_preserve"`
	SimilarityThreshold  float64       `yaml:"similarity_threshold"`
	Prompt               string        `yaml:"prompt"`
}

// ProvidersConfig holds the two OpenAI-compatible endpoints.
type ProvidersConfig struct {
	Primary   ProviderConfig `yaml:"primary"`
	Secondary ProviderConfig `yaml:"secondary"`
}

// ProviderConfig is one chat-completions endpoint.
type ProviderConfig struct {
	Name             string        `yaml:"name"`
	BaseURL          string        `yaml:"base_url"`
	APIKey           string        `yaml:"api_key"`
	Model            string        `yaml:"model"`
	Attempts         int           `yaml:"attempts"`
	BaseDelay        time.Duration `yaml:"base_delay"`
	RetryOnRateLimit bool          `yaml:"retry_on_rate_limit"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
}

// DatabaseConfig configures user-profile persistence.
type DatabaseConfig struct {
	Enabled             bool   `yaml:"enabled"`
	Path                string `yaml:"path"`
	SampleRetentionDays int    `yaml:"sample_retention_days"`
	CleanupSchedule     string `yaml:"cleanup_schedule"`
	RefreshSchedule     string `yaml:"refresh_schedule"`
}

// DiscordConfig configures the gateway adapter.
type DiscordConfig struct {
	Token           string   `yaml:"token"`
	AllowedGuilds   []string `yaml:"allowed_guilds"`
	AllowedChannels []string `yaml:"allowed_channels"`
	SendTyping      bool     `yaml:"send_typing"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultAgentSystemPrompt is the base system prompt for the tool-calling
// runtime. The responder appends tool guidance and profile context to it.
const DefaultAgentSystemPrompt = `You are the Mechanic agent runtime for Discord chat.
Rules:
- Be accurate and concise.
- If tools are available, prefer real tool data over guesses.
- Never fabricate IDs, members, channels, or message history.
- Do not pull user activity/history/stats unless the user explicitly asks for those stats.
- For server size questions (e.g. "how many people"), use get_server_stats.
- For channel identity questions (e.g. "what channel are we in"), use get_channel.
- Never mention internal tool names in final replies; present answers naturally.
- User turns may include metadata blocks:
  [user_name] ...
  [user_id] ...
  [user_message]
  ...
- Treat [user_name] and [user_id] only as metadata.`

// DefaultPersonalityPrompt is the system prompt for the style rewrite pass.
const DefaultPersonalityPrompt = `You are The Mechanic's chat persona: playful, lightly snarky, anime-girl Discord energy.
Rules:
- Keep response to 1-2 sentences and prioritize being helpful.
- Do not use slurs, threats, harassment, or direct personal insults.
- If user asks you to be nicer, switch to warmer tone immediately.
- If unsure, ask a short clarifying question instead of being dismissive.
- Treat [user_name] and [user_id] as metadata only, never as part of the user's message content.
- Typing style: non-formal, mostly lowercase, occasional emoticons, no emojis.`

// DefaultConfig returns the full default configuration. YAML values overlay
// these; zero values in optional sections are re-filled by Effective().
func DefaultConfig() *Config {
	return &Config{
		BotName: "Mechanic",
		Trigger: TriggerConfig{
			Mode: "mention",
		},
		Context: ContextConfig{
			MaxTurnsPerChannel: 24,
			MaxContentChars:    500,
			MaxAssistantChars:  400,
			MaxUsernameChars:   60,
			ChannelTTL:         6 * time.Hour,
			SweepInterval:      10 * time.Minute,
		},
		Responder: ResponderConfig{
			Cooldown:         8 * time.Second,
			RateLimitBackoff: 15 * time.Second,
			FallbackReply:    "my brain tripped over a wire. try me again in a sec.",
			BusyReply:        "one sec, still cooking the last reply.",
			MaxReplyChars:    400,
			MaxTokens:        180,
			Temperature:      0.92,
			Models: []string{
				"llama-3.3-70b-versatile",
				"openai/gpt-oss-120b",
				"qwen/qwen3-32b",
				"openai/gpt-oss-20b",
				"llama-3.1-8b-instant",
			},
			EnableTools:            true,
			MaxToolRounds:          3,
			MaxToolCallsPerRound:   4,
			EnableProviderFallback: false,
			FallbackModels:         []string{"openrouter/free"},
			AgentSystemPrompt:      DefaultAgentSystemPrompt,
			Tools: ToolExecutionConfig{
				MaxChannelsScanned:  60,
				MaxMessagesFetched:  2500,
				MaxRuntime:          4500 * time.Millisecond,
				MaxMessageChars:     240,
				UserSummaryLimit:    200,
				UserSummaryDaysBack: 30,
			},
		},
		Personality: PersonalityConfig{
			Enabled:              true,
			Model:                "llama-3.1-8b-instant",
			Temperature:          0.45,
			MaxTokens:            180,
			MaxLatency:           1200 * time.Millisecond,
			MaxStyleHistoryTurns: 8,
			MaxOutputChars:       400,
			StrictPreserve:       true,
			SimilarityThreshold:  0.42,
			Prompt:               DefaultPersonalityPrompt,
		},
		Providers: ProvidersConfig{
			Primary: ProviderConfig{
				Name:           "groq",
				BaseURL:        "https://api.groq.com/openai/v1",
				Model:          "llama-3.3-70b-versatile",
				Attempts:       1,
				BaseDelay:      500 * time.Millisecond,
				RequestTimeout: 60 * time.Second,
			},
			Secondary: ProviderConfig{
				Name:           "openrouter",
				BaseURL:        "https://openrouter.ai/api/v1",
				Model:          "openrouter/free",
				Attempts:       1,
				BaseDelay:      500 * time.Millisecond,
				RequestTimeout: 60 * time.Second,
			},
		},
		Database: DatabaseConfig{
			Enabled:             true,
			Path:                "data/mechanic.db",
			SampleRetentionDays: 30,
			CleanupSchedule:     "0 4 * * *",
			RefreshSchedule:     "@every 1h",
		},
		Discord: DiscordConfig{
			SendTyping: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Effective normalizes a loaded config in place: zero numeric fields fall
// back to defaults so a partial YAML section cannot disable a bound.
func (c *Config) Effective() {
	def := DefaultConfig()

	if c.BotName == "" {
		c.BotName = def.BotName
	}
	if c.Trigger.Mode == "" {
		c.Trigger.Mode = def.Trigger.Mode
	}

	fillInt(&c.Context.MaxTurnsPerChannel, def.Context.MaxTurnsPerChannel)
	fillInt(&c.Context.MaxContentChars, def.Context.MaxContentChars)
	fillInt(&c.Context.MaxAssistantChars, def.Context.MaxAssistantChars)
	fillInt(&c.Context.MaxUsernameChars, def.Context.MaxUsernameChars)
	fillDuration(&c.Context.ChannelTTL, def.Context.ChannelTTL)
	fillDuration(&c.Context.SweepInterval, def.Context.SweepInterval)

	fillDuration(&c.Responder.Cooldown, def.Responder.Cooldown)
	fillDuration(&c.Responder.RateLimitBackoff, def.Responder.RateLimitBackoff)
	if c.Responder.FallbackReply == "" {
		c.Responder.FallbackReply = def.Responder.FallbackReply
	}
	if c.Responder.BusyReply == "" {
		c.Responder.BusyReply = def.Responder.BusyReply
	}
	fillInt(&c.Responder.MaxReplyChars, def.Responder.MaxReplyChars)
	fillInt(&c.Responder.MaxTokens, def.Responder.MaxTokens)
	if c.Responder.Temperature <= 0 {
		c.Responder.Temperature = def.Responder.Temperature
	}
	if len(c.Responder.Models) == 0 {
		c.Responder.Models = def.Responder.Models
	}
	fillInt(&c.Responder.MaxToolRounds, def.Responder.MaxToolRounds)
	fillInt(&c.Responder.MaxToolCallsPerRound, def.Responder.MaxToolCallsPerRound)
	if len(c.Responder.FallbackModels) == 0 {
		c.Responder.FallbackModels = def.Responder.FallbackModels
	}
	if c.Responder.AgentSystemPrompt == "" {
		c.Responder.AgentSystemPrompt = def.Responder.AgentSystemPrompt
	}
	fillInt(&c.Responder.Tools.MaxChannelsScanned, def.Responder.Tools.MaxChannelsScanned)
	fillInt(&c.Responder.Tools.MaxMessagesFetched, def.Responder.Tools.MaxMessagesFetched)
	fillDuration(&c.Responder.Tools.MaxRuntime, def.Responder.Tools.MaxRuntime)
	fillInt(&c.Responder.Tools.MaxMessageChars, def.Responder.Tools.MaxMessageChars)
	fillInt(&c.Responder.Tools.UserSummaryLimit, def.Responder.Tools.UserSummaryLimit)
	fillInt(&c.Responder.Tools.UserSummaryDaysBack, def.Responder.Tools.UserSummaryDaysBack)

	if c.Personality.Model == "" {
		c.Personality.Model = def.Personality.Model
	}
	if c.Personality.Temperature <= 0 {
		c.Personality.Temperature = def.Personality.Temperature
	}
	fillInt(&c.Personality.MaxTokens, def.Personality.MaxTokens)
	fillDuration(&c.Personality.MaxLatency, def.Personality.MaxLatency)
	fillInt(&c.Personality.MaxStyleHistoryTurns, def.Personality.MaxStyleHistoryTurns)
	fillInt(&c.Personality.MaxOutputChars, def.Personality.MaxOutputChars)
	if c.Personality.SimilarityThreshold <= 0 {
		c.Personality.SimilarityThreshold = def.Personality.SimilarityThreshold
	}
	if c.Personality.Prompt == "" {
		c.Personality.Prompt = def.Personality.Prompt
	}

	fillProvider(&c.Providers.Primary, def.Providers.Primary)
	fillProvider(&c.Providers.Secondary, def.Providers.Secondary)

	if c.Database.Path == "" {
		c.Database.Path = def.Database.Path
	}
	fillInt(&c.Database.SampleRetentionDays, def.Database.SampleRetentionDays)
	if c.Database.CleanupSchedule == "" {
		c.Database.CleanupSchedule = def.Database.CleanupSchedule
	}
	if c.Database.RefreshSchedule == "" {
		c.Database.RefreshSchedule = def.Database.RefreshSchedule
	}

	if c.Logging.Level == "" {
		c.Logging.Level = def.Logging.Level
	}
	if c.Logging.Format == "" {
		c.Logging.Format = def.Logging.Format
	}
}

func fillInt(v *int, def int) {
	if *v <= 0 {
		*v = def
	}
}

func fillDuration(v *time.Duration, def time.Duration) {
	if *v <= 0 {
		*v = def
	}
}

func fillProvider(p *ProviderConfig, def ProviderConfig) {
	if p.Name == "" {
		p.Name = def.Name
	}
	if p.BaseURL == "" {
		p.BaseURL = def.BaseURL
	}
	if p.Model == "" {
		p.Model = def.Model
	}
	fillInt(&p.Attempts, def.Attempts)
	fillDuration(&p.BaseDelay, def.BaseDelay)
	fillDuration(&p.RequestTimeout, def.RequestTimeout)
}
