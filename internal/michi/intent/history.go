package intent

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/bdobrica/michi/common/clock"
)

// HistoryEntry is one completed action remembered for a user.
type HistoryEntry struct {
	Intent  string
	Project string
	At      time.Time
}

// UserFacts persists per-user action history. It is optional: without it
// history lives only in memory.
type UserFacts interface {
	LoadHistory(ctx context.Context, userID string, limit int) ([]HistoryEntry, error)
	AppendHistory(ctx context.Context, userID string, entry HistoryEntry, keep int) error
}

// HistoryConfig holds configuration for History.
type HistoryConfig struct {
	// Window is how many recent actions historyMatch looks at. Default: 20.
	Window int `koanf:"window"`
	// PerUser caps the entries kept per user. Default: 100.
	PerUser int `koanf:"per_user"`
	// MaxUsers caps the tracked users; the least recently used is evicted.
	// Default: 1000.
	MaxUsers int `koanf:"max_users"`
}

// DefaultHistoryConfig returns a HistoryConfig with the documented defaults.
func DefaultHistoryConfig() HistoryConfig {
	return HistoryConfig{Window: 20, PerUser: 100, MaxUsers: 1000}
}

// History tracks what each user has done recently and scores how well a
// new classification fits that pattern. It is safe for concurrent use.
type History struct {
	mu     sync.Mutex
	cfg    HistoryConfig
	users  *lru.Cache[string, []HistoryEntry]
	facts  UserFacts
	clock  clock.Clock
	logger *slog.Logger
}

// NewHistory creates a History. facts may be nil.
func NewHistory(cfg HistoryConfig, facts UserFacts, clk clock.Clock, logger *slog.Logger) *History {
	def := DefaultHistoryConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.PerUser <= 0 {
		cfg.PerUser = def.PerUser
	}
	if cfg.Window > cfg.PerUser {
		cfg.Window = cfg.PerUser
	}
	if cfg.MaxUsers <= 0 {
		cfg.MaxUsers = def.MaxUsers
	}
	if logger == nil {
		logger = slog.Default()
	}
	users, _ := lru.New[string, []HistoryEntry](cfg.MaxUsers)
	return &History{cfg: cfg, users: users, facts: facts, clock: clock.OrReal(clk), logger: logger}
}

// Track appends a completed action to the user's history.
func (h *History) Track(ctx context.Context, userID, intent, project string) {
	if userID == "" || intent == "" {
		return
	}
	entry := HistoryEntry{Intent: intent, Project: project, At: h.clock.Now()}
	h.entries(ctx, userID) // warm the cache from facts

	h.mu.Lock()
	cur, _ := h.users.Get(userID)
	next := make([]HistoryEntry, 0, len(cur)+1)
	next = append(append(next, cur...), entry)
	if len(next) > h.cfg.PerUser {
		next = next[len(next)-h.cfg.PerUser:]
	}
	h.users.Add(userID, next)
	h.mu.Unlock()

	if h.facts != nil {
		if err := h.facts.AppendHistory(ctx, userID, entry, h.cfg.PerUser); err != nil {
			h.logger.Warn("intent: failed to persist history entry", "user_id", userID, "err", err)
		}
	}
}

// Score returns historyMatch for a candidate: the share of the user's recent
// window with the same project and the same intent, averaged. A user with no
// history scores 0.
func (h *History) Score(ctx context.Context, userID, intent, project string) float64 {
	entries := h.entries(ctx, userID)
	if len(entries) == 0 {
		return 0
	}
	if len(entries) > h.cfg.Window {
		entries = entries[len(entries)-h.cfg.Window:]
	}
	var sameIntent, sameProject int
	for _, e := range entries {
		if intent != "" && e.Intent == intent {
			sameIntent++
		}
		if project != "" && strings.EqualFold(e.Project, project) {
			sameProject++
		}
	}
	n := float64(len(entries))
	return clamp01(0.5*float64(sameIntent)/n + 0.5*float64(sameProject)/n)
}

// Recent returns a copy of the user's history, oldest first.
func (h *History) Recent(ctx context.Context, userID string) []HistoryEntry {
	entries := h.entries(ctx, userID)
	out := make([]HistoryEntry, len(entries))
	copy(out, entries)
	return out
}

// RecentProjects returns distinct projects from the user's window, newest
// first.
func (h *History) RecentProjects(ctx context.Context, userID string) []string {
	entries := h.entries(ctx, userID)
	seen := map[string]bool{}
	var out []string
	for i := len(entries) - 1; i >= 0 && len(entries)-i <= h.cfg.Window; i-- {
		p := entries[i].Project
		if p != "" && !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

// Len returns the number of users held in memory.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.users.Len()
}

// entries returns the cached entries for userID, loading them from facts on
// a cache miss. Load failures degrade to an empty history.
func (h *History) entries(ctx context.Context, userID string) []HistoryEntry {
	if userID == "" {
		return nil
	}
	h.mu.Lock()
	cached, ok := h.users.Get(userID)
	h.mu.Unlock()
	if ok || h.facts == nil {
		return cached
	}

	loaded, err := h.facts.LoadHistory(ctx, userID, h.cfg.PerUser)
	if err != nil {
		h.logger.Warn("intent: failed to load history", "user_id", userID, "err", err)
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if cached, ok := h.users.Get(userID); ok {
		return cached
	}
	if len(loaded) > h.cfg.PerUser {
		loaded = loaded[len(loaded)-h.cfg.PerUser:]
	}
	h.users.Add(userID, loaded)
	return loaded
}
