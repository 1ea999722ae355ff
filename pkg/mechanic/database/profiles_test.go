package database

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mechanicworks/mechanic/pkg/mechanic/agent"
)

func newTestStore(t *testing.T) (*Store, *time.Time) {
	t.Helper()
	store, err := Open(Config{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time {
		// Advance a second per call so ordering by created_at is stable.
		current = current.Add(time.Second)
		return current
	}
	return store, &current
}

func TestProfileMissingReturnsNil(t *testing.T) {
	store, _ := newTestStore(t)

	profile, err := store.Profile(context.Background(), "g1", "nobody")
	if err != nil {
		t.Fatalf("Profile() error = %v", err)
	}
	if profile != nil {
		t.Errorf("profile = %+v, want nil", profile)
	}
}

func TestTouchAccumulatesCounters(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		deltas := agent.ProfileDeltas{MessagesSeen: 1, MessagesSinceSemantic: 1}
		if i == 0 {
			deltas.MentionsToBot = 1
		}
		if err := store.Touch(ctx, "g1", "u1", deltas); err != nil {
			t.Fatalf("Touch() error = %v", err)
		}
	}

	profile, err := store.Profile(ctx, "g1", "u1")
	if err != nil {
		t.Fatalf("Profile() error = %v", err)
	}
	if profile.MessagesSeen != 3 || profile.MentionsToBot != 1 || profile.MessagesSinceSemantic != 3 {
		t.Errorf("counters = seen:%d mentions:%d since:%d", profile.MessagesSeen, profile.MentionsToBot, profile.MessagesSinceSemantic)
	}
	if profile.LastSeenAt.IsZero() {
		t.Error("LastSeenAt not set")
	}
	if profile.ProfileVersion != 0 {
		t.Errorf("ProfileVersion = %d, want 0 before semantic pass", profile.ProfileVersion)
	}
}

func TestTouchClampsNegativeDeltas(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if err := store.Touch(ctx, "g1", "u1", agent.ProfileDeltas{MessagesSeen: -5}); err != nil {
		t.Fatalf("Touch() error = %v", err)
	}
	profile, _ := store.Profile(ctx, "g1", "u1")
	if profile.MessagesSeen != 0 {
		t.Errorf("MessagesSeen = %d, want 0", profile.MessagesSeen)
	}
}

func TestInsertSampleSkipsShortContent(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if err := store.InsertSample(ctx, agent.ProfileSample{
		GuildID: "g1", OwnerUserID: "u1", ActorUserID: "u1",
		ChannelID: "c1", SampleType: "self", Content: "hey",
	}); err != nil {
		t.Fatalf("InsertSample() error = %v", err)
	}

	selfCount, _, err := store.SampleCounts(ctx, "g1", "u1")
	if err != nil {
		t.Fatalf("SampleCounts() error = %v", err)
	}
	if selfCount != 0 {
		t.Errorf("selfCount = %d, want 0 for sub-minimum content", selfCount)
	}
}

func TestInsertSampleNormalizesAndStores(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	err := store.InsertSample(ctx, agent.ProfileSample{
		GuildID: "g1", OwnerUserID: "u1", ActorUserID: "u1",
		ChannelID: "c1", SampleType: "self",
		Content: "  hello\n\n   world  " + strings.Repeat("x", 3000),
	})
	if err != nil {
		t.Fatalf("InsertSample() error = %v", err)
	}

	self, _, err := store.RecentSamples(ctx, "g1", "u1", 10, 10)
	if err != nil {
		t.Fatalf("RecentSamples() error = %v", err)
	}
	if len(self) != 1 {
		t.Fatalf("samples = %d, want 1", len(self))
	}
	if !strings.HasPrefix(self[0].Content, "hello world") {
		t.Errorf("content not collapsed: %q", self[0].Content[:20])
	}
	if got := len([]rune(self[0].Content)); got > maxSampleChars {
		t.Errorf("content length = %d, want <= %d", got, maxSampleChars)
	}
}

func TestInsertSamplePrunesToCap(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < SelfSampleCap+5; i++ {
		err := store.InsertSample(ctx, agent.ProfileSample{
			GuildID: "g1", OwnerUserID: "u1", ActorUserID: "u1",
			ChannelID: "c1", SampleType: "self",
			Content: fmt.Sprintf("sample message number %d", i),
		})
		if err != nil {
			t.Fatalf("InsertSample(%d) error = %v", i, err)
		}
	}

	selfCount, _, err := store.SampleCounts(ctx, "g1", "u1")
	if err != nil {
		t.Fatalf("SampleCounts() error = %v", err)
	}
	if selfCount != SelfSampleCap {
		t.Errorf("selfCount = %d, want cap %d", selfCount, SelfSampleCap)
	}

	// The oldest samples must be the ones pruned.
	self, _, err := store.RecentSamples(ctx, "g1", "u1", SelfSampleCap, 0)
	if err != nil {
		t.Fatalf("RecentSamples() error = %v", err)
	}
	if self[0].Content != "sample message number 5" {
		t.Errorf("oldest surviving sample = %q, want number 5", self[0].Content)
	}
	if self[len(self)-1].Content != fmt.Sprintf("sample message number %d", SelfSampleCap+4) {
		t.Errorf("newest sample = %q", self[len(self)-1].Content)
	}
}

func TestRecentSamplesSeparatesTypes(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	store.InsertSample(ctx, agent.ProfileSample{
		GuildID: "g1", OwnerUserID: "u1", ActorUserID: "u1",
		ChannelID: "c1", SampleType: "self", Content: "my own message",
	})
	store.InsertSample(ctx, agent.ProfileSample{
		GuildID: "g1", OwnerUserID: "u1", ActorUserID: "u2",
		ChannelID: "c1", SampleType: "social", Content: "someone replying to them",
	})

	self, social, err := store.RecentSamples(ctx, "g1", "u1", 10, 10)
	if err != nil {
		t.Fatalf("RecentSamples() error = %v", err)
	}
	if len(self) != 1 || self[0].SampleType != "self" {
		t.Errorf("self = %+v", self)
	}
	if len(social) != 1 || social[0].ActorUserID != "u2" {
		t.Errorf("social = %+v", social)
	}
}

func TestShouldRefreshSemantic(t *testing.T) {
	store, current := newTestStore(t)
	ctx := context.Background()

	// No profile at all.
	should, err := store.ShouldRefreshSemantic(ctx, "g1", "u1")
	if err != nil || should {
		t.Errorf("missing profile: should=%v err=%v", should, err)
	}

	// Below the message threshold.
	store.Touch(ctx, "g1", "u1", agent.ProfileDeltas{MessagesSeen: 1, MessagesSinceSemantic: 1})
	should, _ = store.ShouldRefreshSemantic(ctx, "g1", "u1")
	if should {
		t.Error("refresh allowed below message threshold")
	}

	// Enough messages, never analyzed.
	store.Touch(ctx, "g1", "u1", agent.ProfileDeltas{
		MessagesSeen: refreshThresholdMessages, MessagesSinceSemantic: refreshThresholdMessages,
	})
	should, _ = store.ShouldRefreshSemantic(ctx, "g1", "u1")
	if !should {
		t.Error("refresh blocked despite threshold met and no prior pass")
	}

	// Fresh semantic pass blocks another one.
	if err := store.UpdateSemanticProfile(ctx, "g1", "u1", agent.SemanticProfile{
		ToneSummary: "a", PersonalitySummary: "b", InterestsSummary: "c", SocialSummary: "d",
	}); err != nil {
		t.Fatalf("UpdateSemanticProfile() error = %v", err)
	}
	store.Touch(ctx, "g1", "u1", agent.ProfileDeltas{
		MessagesSeen: refreshThresholdMessages, MessagesSinceSemantic: refreshThresholdMessages,
	})
	should, _ = store.ShouldRefreshSemantic(ctx, "g1", "u1")
	if should {
		t.Error("refresh allowed right after a semantic pass")
	}

	// Old enough pass allows it again.
	*current = current.Add(refreshMinimumAge + time.Minute)
	should, _ = store.ShouldRefreshSemantic(ctx, "g1", "u1")
	if !should {
		t.Error("refresh blocked after minimum age elapsed")
	}
}

func TestUpdateSemanticProfile(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	store.Touch(ctx, "g1", "u1", agent.ProfileDeltas{MessagesSeen: 20, MessagesSinceSemantic: 20})

	err := store.UpdateSemanticProfile(ctx, "g1", "u1", agent.SemanticProfile{
		ToneSummary:        "dry humor",
		PersonalitySummary: "curious builder",
		InterestsSummary:   "embedded systems",
		SocialSummary:      "well liked",
		DoList:             []string{"be direct"},
		DontList:           []string{"no corporate speak"},
	})
	if err != nil {
		t.Fatalf("UpdateSemanticProfile() error = %v", err)
	}

	profile, err := store.Profile(ctx, "g1", "u1")
	if err != nil {
		t.Fatalf("Profile() error = %v", err)
	}
	if profile.ToneSummary != "dry humor" {
		t.Errorf("ToneSummary = %q", profile.ToneSummary)
	}
	if len(profile.DoList) != 1 || profile.DoList[0] != "be direct" {
		t.Errorf("DoList = %v", profile.DoList)
	}
	if profile.MessagesSinceSemantic != 0 {
		t.Errorf("MessagesSinceSemantic = %d, want reset to 0", profile.MessagesSinceSemantic)
	}
	if profile.ProfileVersion != 1 {
		t.Errorf("ProfileVersion = %d, want 1", profile.ProfileVersion)
	}
	if profile.LastSemanticAt.IsZero() {
		t.Error("LastSemanticAt not set")
	}
	// Activity counters survive the semantic update.
	if profile.MessagesSeen != 20 {
		t.Errorf("MessagesSeen = %d, want 20", profile.MessagesSeen)
	}
}

func TestUpdateSemanticProfileCreatesRow(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	err := store.UpdateSemanticProfile(ctx, "g1", "fresh", agent.SemanticProfile{
		ToneSummary: "a", PersonalitySummary: "b", InterestsSummary: "c", SocialSummary: "d",
	})
	if err != nil {
		t.Fatalf("UpdateSemanticProfile() error = %v", err)
	}
	profile, _ := store.Profile(ctx, "g1", "fresh")
	if profile == nil || profile.ProfileVersion != 1 {
		t.Errorf("profile = %+v", profile)
	}
}

func TestResetProfile(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	store.Touch(ctx, "g1", "u1", agent.ProfileDeltas{MessagesSeen: 1})
	store.InsertSample(ctx, agent.ProfileSample{
		GuildID: "g1", OwnerUserID: "u1", ActorUserID: "u1",
		ChannelID: "c1", SampleType: "self", Content: "something worth keeping",
	})

	samples, profiles, err := store.ResetProfile(ctx, "g1", "u1")
	if err != nil {
		t.Fatalf("ResetProfile() error = %v", err)
	}
	if samples != 1 || profiles != 1 {
		t.Errorf("removed samples=%d profiles=%d, want 1/1", samples, profiles)
	}

	profile, _ := store.Profile(ctx, "g1", "u1")
	if profile != nil {
		t.Error("profile survived reset")
	}
}

func TestActiveProfiles(t *testing.T) {
	store, current := newTestStore(t)
	ctx := context.Background()

	store.Touch(ctx, "g1", "old-user", agent.ProfileDeltas{MessagesSeen: 1})
	*current = current.Add(48 * time.Hour)
	store.Touch(ctx, "g1", "recent-user", agent.ProfileDeltas{MessagesSeen: 1})

	keys, err := store.ActiveProfiles(ctx, current.Add(-24*time.Hour), 50)
	if err != nil {
		t.Fatalf("ActiveProfiles() error = %v", err)
	}
	if len(keys) != 1 || keys[0].UserID != "recent-user" {
		t.Errorf("keys = %+v, want only recent-user", keys)
	}
}

func TestCleanupOldSamples(t *testing.T) {
	store, current := newTestStore(t)
	ctx := context.Background()

	store.InsertSample(ctx, agent.ProfileSample{
		GuildID: "g1", OwnerUserID: "u1", ActorUserID: "u1",
		ChannelID: "c1", SampleType: "self", Content: "ancient history message",
	})

	*current = current.Add(40 * 24 * time.Hour)
	store.InsertSample(ctx, agent.ProfileSample{
		GuildID: "g1", OwnerUserID: "u1", ActorUserID: "u1",
		ChannelID: "c1", SampleType: "self", Content: "recent message here",
	})

	removed, err := store.CleanupOldSamples(ctx, 30)
	if err != nil {
		t.Fatalf("CleanupOldSamples() error = %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}

	self, _, _ := store.RecentSamples(ctx, "g1", "u1", 10, 10)
	if len(self) != 1 || self[0].Content != "recent message here" {
		t.Errorf("surviving samples = %+v", self)
	}
}

func TestParseStoredList(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"[]", 0},
		{`["a","b"]`, 2},
		{`["a"," ",""]`, 1},
		{"not json", 0},
	}
	for _, tt := range tests {
		if got := len(parseStoredList(tt.in)); got != tt.want {
			t.Errorf("parseStoredList(%q) len = %d, want %d", tt.in, got, tt.want)
		}
	}
}
