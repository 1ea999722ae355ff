// profiles.go defines the persistence surface for per-user profiles. The
// SQLite implementation lives in the database package; the core only sees
// this interface so tests can run against an in-memory store.
package agent

import (
	"context"
	"time"
)

// UserProfile is the stored view of one guild member: semantic summaries
// written by the analyzer plus activity counters.
type UserProfile struct {
	GuildID               string
	UserID                string
	ToneSummary           string
	PersonalitySummary    string
	InterestsSummary      string
	SocialSummary         string
	DoList                []string
	DontList              []string
	MessagesSeen          int
	MentionsToBot         int
	MessagesSinceSemantic int
	LastSeenAt            time.Time
	LastSemanticAt        time.Time
	ProfileVersion        int
}

// ProfileDeltas are counter increments applied by Touch.
type ProfileDeltas struct {
	MessagesSeen          int
	MentionsToBot         int
	MessagesSinceSemantic int
}

// ProfileSample is one captured message: the user's own words (self) or
// what others said to or about them (social).
type ProfileSample struct {
	GuildID     string
	OwnerUserID string
	ActorUserID string
	ChannelID   string
	MessageID   string
	SampleType  string
	Content     string
}

// SemanticProfile is the analyzer's output written back to the store.
type SemanticProfile struct {
	ToneSummary        string
	PersonalitySummary string
	InterestsSummary   string
	SocialSummary      string
	DoList             []string
	DontList           []string
}

// ProfileStore is the persistence handle the responder and analyzer use.
// Implementations must be safe for concurrent use.
type ProfileStore interface {
	// Profile returns the stored profile, or nil when the user has none yet.
	Profile(ctx context.Context, guildID, userID string) (*UserProfile, error)

	// Touch upserts the profile row and applies counter deltas.
	Touch(ctx context.Context, guildID, userID string, deltas ProfileDeltas) error

	// InsertSample appends one sample. Content under five characters is
	// skipped silently.
	InsertSample(ctx context.Context, sample ProfileSample) error

	// RecentSamples returns the newest self and social samples.
	RecentSamples(ctx context.Context, guildID, userID string, selfLimit, socialLimit int) (self, social []ProfileSample, err error)

	// ShouldRefreshSemantic reports whether enough activity has accrued
	// since the last semantic pass.
	ShouldRefreshSemantic(ctx context.Context, guildID, userID string) (bool, error)

	// UpdateSemanticProfile writes the analyzer output, resets the
	// since-semantic counter, and bumps the profile version.
	UpdateSemanticProfile(ctx context.Context, guildID, userID string, profile SemanticProfile) error
}
