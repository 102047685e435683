package talkwire

import (
	"sort"
	"sync"
	"time"
)

type typingKey struct {
	chatID string
	userID string
}

type typingTimer struct {
	timer *time.Timer
	gen   uint64
}

// TypingTracker maintains the set of currently-typing participants per
// conversation. Entries expire on their own when no fresh signal arrives
// within the TTL; a fresh signal restarts the clock. At most one live
// expiry timer exists per (conversation, user) pair.
type TypingTracker struct {
	ttl time.Duration

	mu     sync.Mutex
	typing map[string]map[string]struct{}
	timers map[typingKey]typingTimer
	gen    uint64
}

// NewTypingTracker creates a tracker with the given expiry TTL.
func NewTypingTracker(ttl time.Duration) *TypingTracker {
	if ttl <= 0 {
		ttl = DefaultConfig().TypingTTL
	}
	return &TypingTracker{
		ttl:    ttl,
		typing: make(map[string]map[string]struct{}),
		timers: make(map[typingKey]typingTimer),
	}
}

// OnTyping records a typing signal. A start adds the user and (re)arms the
// expiry timer for the pair; a stop removes the user immediately.
func (t *TypingTracker) OnTyping(chatID, userID string, isTyping bool) {
	key := typingKey{chatID, userID}

	t.mu.Lock()
	defer t.mu.Unlock()

	if entry, ok := t.timers[key]; ok {
		entry.timer.Stop()
		delete(t.timers, key)
	}

	if !isTyping {
		t.removeLocked(chatID, userID)
		return
	}

	users, ok := t.typing[chatID]
	if !ok {
		users = make(map[string]struct{})
		t.typing[chatID] = users
	}
	users[userID] = struct{}{}

	t.gen++
	gen := t.gen
	timer := time.AfterFunc(t.ttl, func() { t.expire(key, gen) })
	t.timers[key] = typingTimer{timer: timer, gen: gen}
}

// expire removes the pair unless its timer was restarted or cancelled while
// this callback was in flight.
func (t *TypingTracker) expire(key typingKey, gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.timers[key]
	if !ok || entry.gen != gen {
		return
	}
	delete(t.timers, key)
	t.removeLocked(key.chatID, key.userID)
}

// Typing returns the user ids currently typing in a conversation, sorted.
// Never nil.
func (t *TypingTracker) Typing(chatID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	users := t.typing[chatID]
	out := make([]string, 0, len(users))
	for u := range users {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// Clear cancels all timers and empties the tracker. Used on session
// teardown.
func (t *TypingTracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, entry := range t.timers {
		entry.timer.Stop()
		delete(t.timers, key)
	}
	t.typing = make(map[string]map[string]struct{})
}

func (t *TypingTracker) removeLocked(chatID, userID string) {
	users, ok := t.typing[chatID]
	if !ok {
		return
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(t.typing, chatID)
	}
}
