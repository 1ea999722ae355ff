// context_store.go keeps the per-channel conversation buffer: a bounded
// sliding window of turns keyed by guild:channel, with TTL eviction and an
// advisory single-flight lock per channel.
package agent

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Turn is one stored conversation entry.
type Turn struct {
	Role      string
	UserID    string
	Username  string
	Content   string
	Timestamp time.Time
}

type channelContext struct {
	turns        []Turn
	lastActiveAt time.Time
	inFlight     bool
}

// ContextStore holds conversation context for every active channel.
// All methods are safe for concurrent use.
type ContextStore struct {
	cfg     ContextConfig
	botName string
	logger  *slog.Logger

	mu       sync.Mutex
	contexts map[string]*channelContext

	now  func() time.Time
	stop chan struct{}
	once sync.Once
}

// NewContextStore builds a store. Start must be called to run the
// background sweeper; Stop shuts it down.
func NewContextStore(cfg ContextConfig, botName string, logger *slog.Logger) *ContextStore {
	if botName == "" {
		botName = "Mechanic"
	}
	return &ContextStore{
		cfg:      cfg,
		botName:  botName,
		logger:   logger.With("component", "context_store"),
		contexts: make(map[string]*channelContext),
		now:      time.Now,
		stop:     make(chan struct{}),
	}
}

func contextKey(guildID, channelID string) string {
	return fmt.Sprintf("%s:%s", guildID, channelID)
}

// getOrCreate returns the context for a channel, creating and touching it.
// Caller must hold s.mu.
func (s *ContextStore) getOrCreate(guildID, channelID string) *channelContext {
	key := contextKey(guildID, channelID)
	ctx := s.contexts[key]
	if ctx == nil {
		ctx = &channelContext{}
		s.contexts[key] = ctx
	}
	ctx.lastActiveAt = s.now()
	return ctx
}

// trimTurns drops the oldest turns past the window bound.
// Caller must hold s.mu.
func (s *ContextStore) trimTurns(ctx *channelContext) {
	if len(ctx.turns) <= s.cfg.MaxTurnsPerChannel {
		return
	}
	excess := len(ctx.turns) - s.cfg.MaxTurnsPerChannel
	ctx.turns = append(ctx.turns[:0], ctx.turns[excess:]...)
}

// AppendUserTurn stores a user message. Content is whitespace-collapsed and
// truncated; empty content after normalization is dropped and returns false.
func (s *ContextStore) AppendUserTurn(guildID, channelID, userID, username, content string) bool {
	content = normalizeTurnText(content, s.cfg.MaxContentChars)
	if content == "" {
		return false
	}
	username = normalizeTurnText(username, s.cfg.MaxUsernameChars)
	if username == "" {
		username = "User"
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ctx := s.getOrCreate(guildID, channelID)
	ctx.turns = append(ctx.turns, Turn{
		Role:      "user",
		UserID:    userID,
		Username:  username,
		Content:   content,
		Timestamp: s.now(),
	})
	s.trimTurns(ctx)
	return true
}

// AppendAssistantTurn stores a bot reply, truncated to the assistant cap.
func (s *ContextStore) AppendAssistantTurn(guildID, channelID, content string) bool {
	content = normalizeTurnText(content, s.cfg.MaxAssistantChars)
	if content == "" {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ctx := s.getOrCreate(guildID, channelID)
	ctx.turns = append(ctx.turns, Turn{
		Role:      "assistant",
		Username:  s.botName,
		Content:   content,
		Timestamp: s.now(),
	})
	s.trimTurns(ctx)
	return true
}

// ChatMessages projects the stored turns into provider messages. User turns
// carry a metadata block so the model can attribute speakers in a shared
// channel; bracket characters are stripped from the fields so a crafted
// username cannot forge the block.
func (s *ContextStore) ChatMessages(guildID, channelID string) []ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx := s.contexts[contextKey(guildID, channelID)]
	if ctx == nil {
		return nil
	}
	ctx.lastActiveAt = s.now()

	messages := make([]ChatMessage, 0, len(ctx.turns))
	for _, turn := range ctx.turns {
		if turn.Role == "assistant" {
			messages = append(messages, ChatMessage{Role: "assistant", Content: turn.Content})
			continue
		}

		speaker := safeMetaField(turn.Username, s.cfg.MaxUsernameChars)
		if speaker == "" {
			speaker = "User"
		}
		userID := safeMetaField(turn.UserID, 40)
		if userID == "" {
			userID = "unknown"
		}
		messages = append(messages, ChatMessage{
			Role: "user",
			Content: fmt.Sprintf("[user_name] %s\n[user_id] %s\n[user_message]\n%s",
				speaker, userID, turn.Content),
		})
	}
	return messages
}

// TryAcquire takes the channel's advisory single-flight lock. Returns false
// immediately when a reply is already in flight; there is no queueing.
func (s *ContextStore) TryAcquire(guildID, channelID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx := s.getOrCreate(guildID, channelID)
	if ctx.inFlight {
		return false
	}
	ctx.inFlight = true
	return true
}

// Release frees the channel's single-flight lock. Releasing a channel with
// no context is a no-op.
func (s *ContextStore) Release(guildID, channelID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx := s.contexts[contextKey(guildID, channelID)]
	if ctx == nil {
		return
	}
	ctx.inFlight = false
	ctx.lastActiveAt = s.now()
}

// Clear drops a channel's context entirely. Returns true if one existed.
func (s *ContextStore) Clear(guildID, channelID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := contextKey(guildID, channelID)
	if _, ok := s.contexts[key]; !ok {
		return false
	}
	delete(s.contexts, key)
	return true
}

// Sweep deletes contexts idle past the TTL and returns how many were
// removed. Runs on a ticker once Start is called; exported for tests and
// manual maintenance.
func (s *ContextStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	deleted := 0
	for key, ctx := range s.contexts {
		if now.Sub(ctx.lastActiveAt) > s.cfg.ChannelTTL {
			delete(s.contexts, key)
			deleted++
		}
	}
	return deleted
}

// Start launches the background sweeper.
func (s *ContextStore) Start() {
	go func() {
		ticker := time.NewTicker(s.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if deleted := s.Sweep(); deleted > 0 {
					s.logger.Debug("swept expired channel contexts", "deleted", deleted)
				}
			case <-s.stop:
				return
			}
		}
	}()
}

// Stop terminates the background sweeper. Safe to call more than once.
func (s *ContextStore) Stop() {
	s.once.Do(func() { close(s.stop) })
}
