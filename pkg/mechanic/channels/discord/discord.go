// Package discord connects the agent core to the Discord gateway using
// discordgo. It maps gateway events down to the core's inbound descriptor,
// implements the read-only guild handle the tool executor works against,
// and sends replies with 2000-character chunking.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/mechanicworks/mechanic/pkg/mechanic/agent"
)

// discordMessageLimit is Discord's hard cap per message.
const discordMessageLimit = 2000

// Config holds Discord adapter configuration.
type Config struct {
	// Token is the Discord bot token.
	Token string `yaml:"token"`

	// AllowedGuilds restricts which guild IDs the bot responds in.
	// Empty means respond in all guilds.
	AllowedGuilds []string `yaml:"allowed_guilds"`

	// AllowedChannels restricts which channel IDs the bot responds in.
	// Empty means respond in all channels.
	AllowedChannels []string `yaml:"allowed_channels"`

	// SendTyping sends "typing..." indicators while generating.
	SendTyping bool `yaml:"send_typing"`
}

// Discord is the gateway adapter.
type Discord struct {
	cfg       Config
	logger    *slog.Logger
	session   *discordgo.Session
	responder *agent.Responder

	connected atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Discord adapter wired to the given responder.
func New(cfg Config, responder *agent.Responder, logger *slog.Logger) *Discord {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discord{
		cfg:       cfg,
		logger:    logger.With("component", "discord"),
		responder: responder,
	}
}

// Name returns "discord".
func (d *Discord) Name() string { return "discord" }

// IsConnected reports gateway connection state.
func (d *Discord) IsConnected() bool { return d.connected.Load() }

// Connect opens the Discord gateway WebSocket connection.
func (d *Discord) Connect(ctx context.Context) error {
	if d.cfg.Token == "" {
		return fmt.Errorf("discord: bot token is required")
	}

	d.ctx, d.cancel = context.WithCancel(ctx)

	session, err := discordgo.New("Bot " + d.cfg.Token)
	if err != nil {
		return fmt.Errorf("discord: creating session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsGuilds |
		discordgo.IntentsMessageContent

	session.AddHandler(d.onMessageCreate)

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord: opening gateway: %w", err)
	}

	d.session = session
	d.connected.Store(true)

	user := session.State.User
	d.logger.Info("discord: connected", "bot", user.Username, "id", user.ID)
	return nil
}

// Disconnect closes the Discord gateway connection.
func (d *Discord) Disconnect() error {
	if d.cancel != nil {
		d.cancel()
	}
	if d.session != nil {
		d.session.Close()
	}
	d.connected.Store(false)
	d.logger.Info("discord: disconnected")
	return nil
}

// Send sends a text message, splitting past Discord's 2000-char limit.
func (d *Discord) Send(channelID, content string) error {
	if d.session == nil {
		return fmt.Errorf("discord: not connected")
	}
	for _, chunk := range splitMessage(content, discordMessageLimit) {
		if _, err := d.session.ChannelMessageSend(channelID, chunk); err != nil {
			return err
		}
	}
	return nil
}

// onMessageCreate handles incoming guild messages: filter, trigger check,
// cooldown, then hand off to the responder on its own goroutine.
func (d *Discord) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == s.State.User.ID || m.Author.Bot {
		return
	}
	if m.GuildID == "" {
		return
	}
	if !idAllowed(d.cfg.AllowedGuilds, m.GuildID) || !idAllowed(d.cfg.AllowedChannels, m.ChannelID) {
		return
	}

	botID := s.State.User.ID
	msg := agent.InboundMessage{
		GuildID:           m.GuildID,
		ChannelID:         m.ChannelID,
		AuthorID:          m.Author.ID,
		AuthorDisplayName: displayName(m.Member, m.Author),
		Content:           stripBotMention(m.Content, botID),
		BotMentioned:      mentionsUser(m.Mentions, botID),
	}

	decision := d.responder.ShouldRespond(msg)
	if !decision.Respond {
		return
	}
	if !d.responder.ConsumeCooldown(msg.GuildID, msg.AuthorID) {
		d.logger.Debug("discord: user on cooldown",
			"guild_id", msg.GuildID, "user_id", msg.AuthorID)
		return
	}

	go d.handleMessage(msg)
}

// handleMessage runs the reply pipeline for one triggering message.
func (d *Discord) handleMessage(msg agent.InboundMessage) {
	ctx, cancel := context.WithTimeout(d.ctx, 2*time.Minute)
	defer cancel()

	if d.cfg.SendTyping {
		stopTyping := d.startTyping(ctx, msg.ChannelID)
		defer stopTyping()
	}

	guild := &guildHandle{session: d.session, guildID: msg.GuildID}
	reply := d.responder.Respond(ctx, msg, guild)
	if reply == "" {
		return
	}
	if err := d.Send(msg.ChannelID, reply); err != nil {
		d.logger.Error("discord: sending reply failed",
			"channel_id", msg.ChannelID, "error", err)
	}
}

// startTyping keeps the typing indicator alive until the returned stop
// function is called. Discord expires the indicator after ~10 seconds.
func (d *Discord) startTyping(ctx context.Context, channelID string) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(8 * time.Second)
		defer ticker.Stop()
		_ = d.session.ChannelTyping(channelID)
		for {
			select {
			case <-ticker.C:
				_ = d.session.ChannelTyping(channelID)
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	var once atomic.Bool
	return func() {
		if once.CompareAndSwap(false, true) {
			close(done)
		}
	}
}

func idAllowed(allowlist []string, id string) bool {
	if len(allowlist) == 0 {
		return true
	}
	for _, allowed := range allowlist {
		if allowed == id {
			return true
		}
	}
	return false
}

func mentionsUser(mentions []*discordgo.User, userID string) bool {
	for _, user := range mentions {
		if user != nil && user.ID == userID {
			return true
		}
	}
	return false
}

// stripBotMention removes the bot's own mention tokens from the content.
func stripBotMention(content, botID string) string {
	if botID == "" {
		return strings.TrimSpace(content)
	}
	content = strings.ReplaceAll(content, "<@"+botID+">", "")
	content = strings.ReplaceAll(content, "<@!"+botID+">", "")
	return strings.TrimSpace(content)
}

func displayName(member *discordgo.Member, user *discordgo.User) string {
	if member != nil && member.Nick != "" {
		return member.Nick
	}
	if user.GlobalName != "" {
		return user.GlobalName
	}
	return user.Username
}

// splitMessage splits text into chunks under maxLen, preferring newline
// boundaries in the back half of each chunk.
func splitMessage(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}
	var chunks []string
	for len(text) > 0 {
		if len(text) <= maxLen {
			chunks = append(chunks, text)
			break
		}
		cutAt := maxLen
		if idx := strings.LastIndex(text[:maxLen], "\n"); idx > maxLen/2 {
			cutAt = idx + 1
		}
		chunks = append(chunks, text[:cutAt])
		text = text[cutAt:]
	}
	return chunks
}

// ---------- Guild handle ----------

// guildHandle implements agent.GuildHandle over the gateway session, state
// cache first with REST fallback.
type guildHandle struct {
	session *discordgo.Session
	guildID string
}

var _ agent.GuildHandle = (*guildHandle)(nil)

func (g *guildHandle) GuildID() string { return g.guildID }

func (g *guildHandle) Member(ctx context.Context, userID string) (*agent.Member, error) {
	member, err := g.session.State.Member(g.guildID, userID)
	if err != nil || member == nil {
		member, err = g.session.GuildMember(g.guildID, userID, discordgo.WithContext(ctx))
		if err != nil {
			return nil, fmt.Errorf("fetching member %s: %w", userID, err)
		}
	}
	if member.User == nil {
		return nil, fmt.Errorf("member %s has no user data", userID)
	}

	out := &agent.Member{
		ID:          member.User.ID,
		Username:    member.User.Username,
		GlobalName:  member.User.GlobalName,
		DisplayName: displayName(member, member.User),
		Bot:         member.User.Bot,
		JoinedAt:    member.JoinedAt,
	}
	if guild, err := g.session.State.Guild(g.guildID); err == nil {
		roleNames := make(map[string]string, len(guild.Roles))
		for _, role := range guild.Roles {
			roleNames[role.ID] = role.Name
		}
		for _, roleID := range member.Roles {
			out.Roles = append(out.Roles, agent.Role{ID: roleID, Name: roleNames[roleID]})
		}
	}
	return out, nil
}

func (g *guildHandle) Channel(ctx context.Context, channelID string) (*agent.ChannelInfo, error) {
	ch, err := g.session.State.Channel(channelID)
	if err != nil || ch == nil {
		ch, err = g.session.Channel(channelID, discordgo.WithContext(ctx))
		if err != nil {
			return nil, fmt.Errorf("fetching channel %s: %w", channelID, err)
		}
	}
	if ch.GuildID != g.guildID {
		return nil, fmt.Errorf("channel %s is not in guild %s", channelID, g.guildID)
	}
	info := mapChannel(ch)
	return &info, nil
}

func (g *guildHandle) Channels(ctx context.Context) ([]agent.ChannelInfo, error) {
	var raw []*discordgo.Channel
	if guild, err := g.session.State.Guild(g.guildID); err == nil && len(guild.Channels) > 0 {
		raw = guild.Channels
	} else {
		raw, err = g.session.GuildChannels(g.guildID, discordgo.WithContext(ctx))
		if err != nil {
			return nil, fmt.Errorf("listing channels: %w", err)
		}
	}

	botID := g.session.State.User.ID
	out := make([]agent.ChannelInfo, 0, len(raw))
	for _, ch := range raw {
		if !g.canRead(botID, ch.ID) {
			continue
		}
		out = append(out, mapChannel(ch))
	}
	return out, nil
}

// canRead checks ViewChannel + ReadMessageHistory from the state cache.
// Unknown permissions err on the side of visibility; the message fetch
// will fail cleanly if the bot truly cannot read.
func (g *guildHandle) canRead(botID, channelID string) bool {
	perms, err := g.session.State.UserChannelPermissions(botID, channelID)
	if err != nil {
		return true
	}
	required := int64(discordgo.PermissionViewChannel | discordgo.PermissionReadMessageHistory)
	return perms&required == required
}

func (g *guildHandle) RecentMessages(ctx context.Context, channelID string, limit int) ([]agent.GuildMessage, error) {
	if limit < 1 {
		limit = 1
	}
	if limit > 100 {
		limit = 100
	}
	messages, err := g.session.ChannelMessages(channelID, limit, "", "", "", discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("fetching messages from %s: %w", channelID, err)
	}

	out := make([]agent.GuildMessage, 0, len(messages))
	for _, m := range messages {
		if m.Author == nil {
			continue
		}
		out = append(out, agent.GuildMessage{
			ID:         m.ID,
			ChannelID:  channelID,
			AuthorID:   m.Author.ID,
			AuthorName: displayName(m.Member, m.Author),
			AuthorBot:  m.Author.Bot,
			Content:    m.Content,
			CreatedAt:  m.Timestamp,
		})
	}
	return out, nil
}

func (g *guildHandle) MemberCount(ctx context.Context) (int, error) {
	if guild, err := g.session.State.Guild(g.guildID); err == nil && guild.MemberCount > 0 {
		return guild.MemberCount, nil
	}
	guild, err := g.session.GuildWithCounts(g.guildID, discordgo.WithContext(ctx))
	if err != nil {
		return 0, fmt.Errorf("fetching guild counts: %w", err)
	}
	if guild.ApproximateMemberCount > 0 {
		return guild.ApproximateMemberCount, nil
	}
	return guild.MemberCount, nil
}

func mapChannel(ch *discordgo.Channel) agent.ChannelInfo {
	info := agent.ChannelInfo{
		ID:       ch.ID,
		Name:     ch.Name,
		ParentID: ch.ParentID,
		Topic:    ch.Topic,
		NSFW:     ch.NSFW,
	}
	switch ch.Type {
	case discordgo.ChannelTypeGuildText, discordgo.ChannelTypeGuildNews:
		info.Type = "text"
		info.IsText = true
	case discordgo.ChannelTypeGuildVoice, discordgo.ChannelTypeGuildStageVoice:
		info.Type = "voice"
	case discordgo.ChannelTypeGuildCategory:
		info.Type = "category"
	case discordgo.ChannelTypeGuildNewsThread,
		discordgo.ChannelTypeGuildPublicThread,
		discordgo.ChannelTypeGuildPrivateThread:
		info.Type = "thread"
		info.IsText = true
		info.IsThread = true
	case discordgo.ChannelTypeGuildForum:
		info.Type = "forum"
	default:
		info.Type = "other"
	}
	return info
}
