// style_store.go keeps a short per-channel history of the bot's own styled
// replies. The personality renderer feeds these back as tone exemplars so
// consecutive replies stay in voice without drifting.
package agent

import (
	"log/slog"
	"sync"
	"time"
)

type styleContext struct {
	contents     []string
	lastActiveAt time.Time
}

// StyleStore holds styled assistant replies per channel. Smaller and simpler
// than the conversation store: no roles, no locks, just recent exemplars.
type StyleStore struct {
	maxTurns      int
	maxChars      int
	ttl           time.Duration
	sweepInterval time.Duration
	logger        *slog.Logger

	mu       sync.Mutex
	contexts map[string]*styleContext

	now  func() time.Time
	stop chan struct{}
	once sync.Once
}

// NewStyleStore builds a store sized by the personality section and sharing
// the conversation store's TTL discipline.
func NewStyleStore(personality PersonalityConfig, context ContextConfig, logger *slog.Logger) *StyleStore {
	maxTurns := personality.MaxStyleHistoryTurns
	if maxTurns < 1 {
		maxTurns = 8
	}
	maxChars := personality.MaxOutputChars
	if maxChars < 80 {
		maxChars = 400
	}
	ttl := context.ChannelTTL
	if ttl < time.Minute {
		ttl = 6 * time.Hour
	}
	sweepInterval := context.SweepInterval
	if sweepInterval < 30*time.Second {
		sweepInterval = 10 * time.Minute
	}
	return &StyleStore{
		maxTurns:      maxTurns,
		maxChars:      maxChars,
		ttl:           ttl,
		sweepInterval: sweepInterval,
		logger:        logger.With("component", "style_store"),
		contexts:      make(map[string]*styleContext),
		now:           time.Now,
		stop:          make(chan struct{}),
	}
}

// Append stores one styled reply. Returns false when the content normalizes
// to empty.
func (s *StyleStore) Append(guildID, channelID, content string) bool {
	content = normalizeTurnText(content, s.maxChars)
	if content == "" {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := contextKey(guildID, channelID)
	ctx := s.contexts[key]
	if ctx == nil {
		ctx = &styleContext{}
		s.contexts[key] = ctx
	}
	ctx.lastActiveAt = s.now()
	ctx.contents = append(ctx.contents, content)
	if len(ctx.contents) > s.maxTurns {
		excess := len(ctx.contents) - s.maxTurns
		ctx.contents = append(ctx.contents[:0], ctx.contents[excess:]...)
	}
	return true
}

// History returns the stored replies oldest-first. The slice is a copy.
func (s *StyleStore) History(guildID, channelID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx := s.contexts[contextKey(guildID, channelID)]
	if ctx == nil {
		return nil
	}
	ctx.lastActiveAt = s.now()

	out := make([]string, len(ctx.contents))
	copy(out, ctx.contents)
	return out
}

// Clear drops a channel's style history. Returns true if one existed.
func (s *StyleStore) Clear(guildID, channelID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := contextKey(guildID, channelID)
	if _, ok := s.contexts[key]; !ok {
		return false
	}
	delete(s.contexts, key)
	return true
}

// Sweep deletes channels idle past the TTL and returns the count removed.
func (s *StyleStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	deleted := 0
	for key, ctx := range s.contexts {
		if now.Sub(ctx.lastActiveAt) > s.ttl {
			delete(s.contexts, key)
			deleted++
		}
	}
	return deleted
}

// Start launches the background sweeper.
func (s *StyleStore) Start() {
	go func() {
		ticker := time.NewTicker(s.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if deleted := s.Sweep(); deleted > 0 {
					s.logger.Debug("swept expired style contexts", "deleted", deleted)
				}
			case <-s.stop:
				return
			}
		}
	}()
}

// Stop terminates the background sweeper. Safe to call more than once.
func (s *StyleStore) Stop() {
	s.once.Do(func() { close(s.stop) })
}
