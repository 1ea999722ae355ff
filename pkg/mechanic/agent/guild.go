// Package agent implements the conversational core of Mechanic: provider
// clients with retry and model fallback, per-channel conversation context,
// the tool-calling runtime, the personality rendering pass, and the mention
// responder that ties them together.
package agent

import (
	"context"
	"time"
)

// InboundMessage is the narrow descriptor a platform adapter maps its events
// down to before handing them to the responder. The core never sees raw
// platform objects.
type InboundMessage struct {
	GuildID           string
	ChannelID         string
	AuthorID          string
	AuthorDisplayName string
	Content           string
	BotMentioned      bool
}

// Role is a guild role as exposed to tools.
type Role struct {
	ID   string
	Name string
}

// Member is a guild member as exposed to tools.
type Member struct {
	ID          string
	Username    string
	GlobalName  string
	DisplayName string
	Bot         bool
	JoinedAt    time.Time
	Roles       []Role
}

// ChannelInfo describes a guild channel as exposed to tools.
type ChannelInfo struct {
	ID       string
	Name     string
	Type     string
	ParentID string
	Topic    string
	NSFW     bool
	IsText   bool
	IsThread bool
}

// GuildMessage is a single fetched message as exposed to tools.
type GuildMessage struct {
	ID         string
	ChannelID  string
	AuthorID   string
	AuthorName string
	AuthorBot  bool
	Content    string
	CreatedAt  time.Time
}

// GuildHandle is the read-only view of a guild the tool executor works
// against. The Discord adapter implements it over a gateway session;
// tests implement it in memory.
type GuildHandle interface {
	// GuildID returns the guild this handle is bound to.
	GuildID() string

	// Member looks up a single member. Returns an error when the user
	// is not in the guild or the lookup fails.
	Member(ctx context.Context, userID string) (*Member, error)

	// Channel looks up a single channel belonging to the guild.
	Channel(ctx context.Context, channelID string) (*ChannelInfo, error)

	// Channels lists the guild's channels the bot can read.
	Channels(ctx context.Context) ([]ChannelInfo, error)

	// RecentMessages fetches up to limit recent messages from a channel,
	// newest first.
	RecentMessages(ctx context.Context, channelID string, limit int) ([]GuildMessage, error)

	// MemberCount returns the (possibly approximate) member count.
	MemberCount(ctx context.Context) (int, error)
}
