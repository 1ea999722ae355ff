// Package database persists user profiles and behavior samples in SQLite.
// The responder records activity here and the analyzer reads samples back
// to build semantic summaries.
package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/mechanicworks/mechanic/pkg/mechanic/agent"
)

const (
	// SelfSampleCap and SocialSampleCap bound how many samples are kept
	// per user after pruning.
	SelfSampleCap   = 40
	SocialSampleCap = 25

	// minSampleChars is the shortest content worth storing.
	minSampleChars = 5

	// maxSampleChars caps stored sample content.
	maxSampleChars = 2000

	// Semantic refresh thresholds: at least this many messages since the
	// last pass, and at least this much time since the last pass.
	refreshThresholdMessages = 12
	refreshMinimumAge        = 15 * time.Minute
)

// Config holds SQLite-specific settings.
type Config struct {
	Path        string
	JournalMode string
	BusyTimeout int
}

// Store is the SQLite-backed profile store. Implements agent.ProfileStore.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens or creates the profile database and applies the schema.
func Open(config Config) (*Store, error) {
	if config.Path == "" {
		config.Path = "./data/mechanic.db"
	}
	if config.JournalMode == "" {
		config.JournalMode = "WAL"
	}
	if config.BusyTimeout == 0 {
		config.BusyTimeout = 5000
	}

	dir := filepath.Dir(config.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create database directory %q: %w", dir, err)
	}

	dsn := fmt.Sprintf("%s?_journal_mode=%s&_busy_timeout=%d", config.Path, config.JournalMode, config.BusyTimeout)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %q: %w", config.Path, err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &Store{db: db, now: time.Now}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies the idempotent schema.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

const schema = `
-- Per-user profiles: semantic summaries plus activity counters
CREATE TABLE IF NOT EXISTS user_profiles (
    guild_id                TEXT NOT NULL,
    user_id                 TEXT NOT NULL,
    tone_summary            TEXT DEFAULT '',
    personality_summary     TEXT DEFAULT '',
    interests_summary       TEXT DEFAULT '',
    social_summary          TEXT DEFAULT '',
    do_list                 TEXT DEFAULT '[]',
    dont_list               TEXT DEFAULT '[]',
    messages_seen           INTEGER NOT NULL DEFAULT 0,
    mentions_to_bot         INTEGER NOT NULL DEFAULT 0,
    messages_since_semantic INTEGER NOT NULL DEFAULT 0,
    last_seen_at            TEXT NOT NULL,
    last_semantic_at        TEXT DEFAULT '',
    profile_version         INTEGER NOT NULL DEFAULT 0,
    created_at              TEXT NOT NULL,
    updated_at              TEXT NOT NULL,
    PRIMARY KEY (guild_id, user_id)
);
CREATE INDEX IF NOT EXISTS idx_profiles_last_semantic ON user_profiles(guild_id, last_semantic_at);
CREATE INDEX IF NOT EXISTS idx_profiles_updated ON user_profiles(guild_id, updated_at);

-- Behavior samples: the user's own messages (self) and messages directed
-- at them (social), append-only with periodic pruning
CREATE TABLE IF NOT EXISTS user_profile_samples (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    guild_id      TEXT NOT NULL,
    owner_user_id TEXT NOT NULL,
    actor_user_id TEXT NOT NULL,
    channel_id    TEXT NOT NULL,
    message_id    TEXT NOT NULL DEFAULT '',
    sample_type   TEXT NOT NULL CHECK (sample_type IN ('self','social')),
    content       TEXT NOT NULL,
    created_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_samples_owner_recent ON user_profile_samples(guild_id, owner_user_id, created_at);
CREATE INDEX IF NOT EXISTS idx_samples_owner_type ON user_profile_samples(guild_id, owner_user_id, sample_type, created_at);
`

func (s *Store) timestamp() string {
	return s.now().UTC().Format(time.RFC3339)
}

func normalizeSampleContent(content string) string {
	collapsed := strings.Join(strings.Fields(content), " ")
	runes := []rune(collapsed)
	if len(runes) > maxSampleChars {
		collapsed = string(runes[:maxSampleChars])
	}
	return collapsed
}

// Touch upserts the profile row and applies counter deltas.
func (s *Store) Touch(ctx context.Context, guildID, userID string, deltas agent.ProfileDeltas) error {
	clamp := func(n int) int {
		if n < 0 {
			return 0
		}
		return n
	}
	now := s.timestamp()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_profiles (
			guild_id, user_id, messages_seen, mentions_to_bot,
			messages_since_semantic, last_seen_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(guild_id, user_id) DO UPDATE SET
			messages_seen = messages_seen + excluded.messages_seen,
			mentions_to_bot = mentions_to_bot + excluded.mentions_to_bot,
			messages_since_semantic = messages_since_semantic + excluded.messages_since_semantic,
			last_seen_at = excluded.last_seen_at,
			updated_at = excluded.updated_at`,
		guildID, userID,
		clamp(deltas.MessagesSeen), clamp(deltas.MentionsToBot), clamp(deltas.MessagesSinceSemantic),
		now, now, now)
	if err != nil {
		return fmt.Errorf("touching profile: %w", err)
	}
	return nil
}

// InsertSample appends one sample and prunes the owner's samples of that
// type past the cap. Content shorter than five characters is skipped.
func (s *Store) InsertSample(ctx context.Context, sample agent.ProfileSample) error {
	content := normalizeSampleContent(sample.Content)
	if len([]rune(content)) < minSampleChars {
		return nil
	}
	sampleType := sample.SampleType
	if sampleType != "social" {
		sampleType = "self"
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_profile_samples (
			guild_id, owner_user_id, actor_user_id, channel_id,
			message_id, sample_type, content, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sample.GuildID, sample.OwnerUserID, sample.ActorUserID, sample.ChannelID,
		sample.MessageID, sampleType, content, s.timestamp())
	if err != nil {
		return fmt.Errorf("inserting sample: %w", err)
	}

	keep := SelfSampleCap
	if sampleType == "social" {
		keep = SocialSampleCap
	}
	if _, err := s.PruneSamples(ctx, sample.GuildID, sample.OwnerUserID, sampleType, keep); err != nil {
		return fmt.Errorf("pruning samples: %w", err)
	}
	return nil
}

// PruneSamples deletes an owner's samples of one type beyond the newest
// keepCount. Returns how many rows were removed.
func (s *Store) PruneSamples(ctx context.Context, guildID, ownerUserID, sampleType string, keepCount int) (int64, error) {
	if keepCount < 0 {
		keepCount = 0
	}
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM user_profile_samples
		WHERE guild_id = ? AND owner_user_id = ? AND sample_type = ?
		  AND id NOT IN (
			SELECT id FROM user_profile_samples
			WHERE guild_id = ? AND owner_user_id = ? AND sample_type = ?
			ORDER BY created_at DESC, id DESC
			LIMIT ?
		  )`,
		guildID, ownerUserID, sampleType,
		guildID, ownerUserID, sampleType, keepCount)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// Profile returns the stored profile, or nil when none exists.
func (s *Store) Profile(ctx context.Context, guildID, userID string) (*agent.UserProfile, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT tone_summary, personality_summary, interests_summary, social_summary,
		       do_list, dont_list, messages_seen, mentions_to_bot,
		       messages_since_semantic, last_seen_at, last_semantic_at, profile_version
		FROM user_profiles
		WHERE guild_id = ? AND user_id = ?`,
		guildID, userID)

	var p agent.UserProfile
	var doList, dontList, lastSeen, lastSemantic string
	err := row.Scan(
		&p.ToneSummary, &p.PersonalitySummary, &p.InterestsSummary, &p.SocialSummary,
		&doList, &dontList, &p.MessagesSeen, &p.MentionsToBot,
		&p.MessagesSinceSemantic, &lastSeen, &lastSemantic, &p.ProfileVersion)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading profile: %w", err)
	}

	p.GuildID = guildID
	p.UserID = userID
	p.DoList = parseStoredList(doList)
	p.DontList = parseStoredList(dontList)
	p.LastSeenAt = parseTimestamp(lastSeen)
	p.LastSemanticAt = parseTimestamp(lastSemantic)
	return &p, nil
}

// ShouldRefreshSemantic reports whether the user has accrued enough
// messages since the last semantic pass, and that pass is old enough.
func (s *Store) ShouldRefreshSemantic(ctx context.Context, guildID, userID string) (bool, error) {
	profile, err := s.Profile(ctx, guildID, userID)
	if err != nil {
		return false, err
	}
	if profile == nil {
		return false, nil
	}
	if profile.MessagesSinceSemantic < refreshThresholdMessages {
		return false, nil
	}
	if profile.LastSemanticAt.IsZero() {
		return true, nil
	}
	return s.now().Sub(profile.LastSemanticAt) >= refreshMinimumAge, nil
}

// RecentSamples returns the newest self and social samples, oldest-first.
func (s *Store) RecentSamples(ctx context.Context, guildID, userID string, selfLimit, socialLimit int) ([]agent.ProfileSample, []agent.ProfileSample, error) {
	self, err := s.samplesByType(ctx, guildID, userID, "self", selfLimit)
	if err != nil {
		return nil, nil, err
	}
	social, err := s.samplesByType(ctx, guildID, userID, "social", socialLimit)
	if err != nil {
		return nil, nil, err
	}
	return self, social, nil
}

func (s *Store) samplesByType(ctx context.Context, guildID, userID, sampleType string, limit int) ([]agent.ProfileSample, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT actor_user_id, channel_id, message_id, content
		FROM user_profile_samples
		WHERE guild_id = ? AND owner_user_id = ? AND sample_type = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`,
		guildID, userID, sampleType, limit)
	if err != nil {
		return nil, fmt.Errorf("reading samples: %w", err)
	}
	defer rows.Close()

	var samples []agent.ProfileSample
	for rows.Next() {
		sample := agent.ProfileSample{GuildID: guildID, OwnerUserID: userID, SampleType: sampleType}
		if err := rows.Scan(&sample.ActorUserID, &sample.ChannelID, &sample.MessageID, &sample.Content); err != nil {
			return nil, fmt.Errorf("scanning sample: %w", err)
		}
		samples = append(samples, sample)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Newest-first from the query; callers want oldest-first.
	for i, j := 0, len(samples)-1; i < j; i, j = i+1, j-1 {
		samples[i], samples[j] = samples[j], samples[i]
	}
	return samples, nil
}

// UpdateSemanticProfile writes the analyzer output, resets the
// since-semantic counter, and bumps the profile version.
func (s *Store) UpdateSemanticProfile(ctx context.Context, guildID, userID string, profile agent.SemanticProfile) error {
	if err := s.Touch(ctx, guildID, userID, agent.ProfileDeltas{}); err != nil {
		return err
	}

	doList, err := json.Marshal(emptyIfNil(profile.DoList))
	if err != nil {
		return fmt.Errorf("encoding do_list: %w", err)
	}
	dontList, err := json.Marshal(emptyIfNil(profile.DontList))
	if err != nil {
		return fmt.Errorf("encoding dont_list: %w", err)
	}

	now := s.timestamp()
	_, err = s.db.ExecContext(ctx, `
		UPDATE user_profiles
		SET tone_summary = ?,
		    personality_summary = ?,
		    interests_summary = ?,
		    social_summary = ?,
		    do_list = ?,
		    dont_list = ?,
		    messages_since_semantic = 0,
		    last_semantic_at = ?,
		    profile_version = profile_version + 1,
		    updated_at = ?
		WHERE guild_id = ? AND user_id = ?`,
		profile.ToneSummary, profile.PersonalitySummary,
		profile.InterestsSummary, profile.SocialSummary,
		string(doList), string(dontList),
		now, now, guildID, userID)
	if err != nil {
		return fmt.Errorf("updating semantic profile: %w", err)
	}
	return nil
}

// SampleCounts returns how many self and social samples a user has.
func (s *Store) SampleCounts(ctx context.Context, guildID, userID string) (selfCount, socialCount int, err error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sample_type, COUNT(*)
		FROM user_profile_samples
		WHERE guild_id = ? AND owner_user_id = ?
		GROUP BY sample_type`,
		guildID, userID)
	if err != nil {
		return 0, 0, fmt.Errorf("counting samples: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var sampleType string
		var total int
		if err := rows.Scan(&sampleType, &total); err != nil {
			return 0, 0, err
		}
		switch sampleType {
		case "self":
			selfCount = total
		case "social":
			socialCount = total
		}
	}
	return selfCount, socialCount, rows.Err()
}

// ResetProfile deletes a user's profile and all their samples. Returns the
// number of samples and profile rows removed.
func (s *Store) ResetProfile(ctx context.Context, guildID, userID string) (samples, profiles int64, err error) {
	sampleResult, err := s.db.ExecContext(ctx,
		`DELETE FROM user_profile_samples WHERE guild_id = ? AND owner_user_id = ?`,
		guildID, userID)
	if err != nil {
		return 0, 0, fmt.Errorf("deleting samples: %w", err)
	}
	profileResult, err := s.db.ExecContext(ctx,
		`DELETE FROM user_profiles WHERE guild_id = ? AND user_id = ?`,
		guildID, userID)
	if err != nil {
		return 0, 0, fmt.Errorf("deleting profile: %w", err)
	}
	samples, _ = sampleResult.RowsAffected()
	profiles, _ = profileResult.RowsAffected()
	return samples, profiles, nil
}

// ActiveProfileKey identifies one profile row seen recently. The refresh
// sweep uses it to pick analyzer candidates.
type ActiveProfileKey struct {
	GuildID string
	UserID  string
}

// ActiveProfiles returns users seen since the cutoff, most recent first.
func (s *Store) ActiveProfiles(ctx context.Context, since time.Time, limit int) ([]ActiveProfileKey, error) {
	if limit < 1 {
		limit = 50
	}
	cutoff := since.UTC().Format(time.RFC3339)
	rows, err := s.db.QueryContext(ctx,
		`SELECT guild_id, user_id FROM user_profiles
		 WHERE last_seen_at >= ?
		 ORDER BY last_seen_at DESC
		 LIMIT ?`,
		cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("querying active profiles: %w", err)
	}
	defer rows.Close()

	var out []ActiveProfileKey
	for rows.Next() {
		var key ActiveProfileKey
		if err := rows.Scan(&key.GuildID, &key.UserID); err != nil {
			return nil, fmt.Errorf("scanning active profile: %w", err)
		}
		out = append(out, key)
	}
	return out, rows.Err()
}

// CleanupOldSamples deletes samples older than the retention window.
func (s *Store) CleanupOldSamples(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays < 1 {
		retentionDays = 30
	}
	cutoff := s.now().UTC().AddDate(0, 0, -retentionDays).Format(time.RFC3339)
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM user_profile_samples WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleaning up samples: %w", err)
	}
	return result.RowsAffected()
}

func parseStoredList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var items []string
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil
	}
	var out []string
	for _, item := range items {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func parseTimestamp(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}

func emptyIfNil(items []string) []string {
	if items == nil {
		return []string{}
	}
	return items
}
