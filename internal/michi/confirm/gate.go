package confirm

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/bdobrica/michi/common/clock"
)

// DefaultDestructivePattern matches action types that destroy or revoke
// something.
const DefaultDestructivePattern = `(?i)(delete|remove|destroy|drop|wipe|purge|truncate|revoke|terminate|kill|rollback)`

// DefaultConfirmPrefixes are action-type prefixes that always ask first.
var DefaultConfirmPrefixes = []string{
	"deploy", "create", "delete", "remove", "send", "publish", "submit", "file", "pay",
}

// Config configures a Gate.
type Config struct {
	TTL                time.Duration `koanf:"ttl"`
	SweepInterval      time.Duration `koanf:"sweep_interval"`
	NoConfirm          []string      `koanf:"no_confirm"`
	Required           []string      `koanf:"required"`
	DestructivePattern string        `koanf:"destructive_pattern"`
	Prefixes           []string      `koanf:"prefixes"`
}

// DefaultConfig returns the gate defaults.
func DefaultConfig() Config {
	return Config{
		TTL:                DefaultTTL,
		SweepInterval:      time.Minute,
		NoConfirm:          []string{"check_status", "run_tests", "build", "record"},
		Required:           []string{"merge", "restart"},
		DestructivePattern: DefaultDestructivePattern,
		Prefixes:           DefaultConfirmPrefixes,
	}
}

// Gate is the confirmation policy plus the per-user pending table. It is
// safe for concurrent use.
type Gate struct {
	ttl         time.Duration
	noConfirm   map[string]bool
	required    map[string]bool
	destructive *regexp.Regexp
	prefixes    []string
	clock       clock.Clock
	logger      *slog.Logger

	mu       sync.Mutex
	pending  map[string]*Pending // key: user ID
	onExpire func(userID string, p Pending)
}

// NewGate builds a Gate. Zero fields in cfg take their defaults; an invalid
// destructive pattern is an error.
func NewGate(cfg Config, clk clock.Clock, logger *slog.Logger) (*Gate, error) {
	def := DefaultConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.DestructivePattern == "" {
		cfg.DestructivePattern = def.DestructivePattern
	}
	if cfg.Prefixes == nil {
		cfg.Prefixes = def.Prefixes
	}
	if cfg.NoConfirm == nil {
		cfg.NoConfirm = def.NoConfirm
	}
	if cfg.Required == nil {
		cfg.Required = def.Required
	}
	re, err := regexp.Compile(cfg.DestructivePattern)
	if err != nil {
		return nil, fmt.Errorf("compile destructive pattern: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		ttl:         cfg.TTL,
		noConfirm:   toSet(cfg.NoConfirm),
		required:    toSet(cfg.Required),
		destructive: re,
		prefixes:    lowerAll(cfg.Prefixes),
		clock:       clock.OrReal(clk),
		logger:      logger,
		pending:     make(map[string]*Pending),
	}, nil
}

// TTL returns the pending-confirmation lifetime.
func (g *Gate) TTL() time.Duration { return g.ttl }

// RequiresConfirmation reports whether actionType must be confirmed. The
// allowlist wins over everything, then the required list, then the
// destructive pattern, then the prefix list.
func (g *Gate) RequiresConfirmation(actionType string) bool {
	key := strings.ToLower(strings.TrimSpace(actionType))
	if key == "" {
		return false
	}
	if g.noConfirm[key] {
		return false
	}
	if g.required[key] {
		return true
	}
	if g.destructive.MatchString(key) {
		return true
	}
	for _, p := range g.prefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}

// OnExpire registers fn to be called, outside the gate's lock, for every
// confirmation dropped because its TTL ran out, whether noticed on read or
// by Sweep.
func (g *Gate) OnExpire(fn func(userID string, p Pending)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onExpire = fn
}

// SetPending stores p for userID, replacing any earlier confirmation.
// CreatedAt is stamped from the gate's clock when zero.
func (g *Gate) SetPending(userID string, p Pending) {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = g.clock.Now()
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if old, ok := g.pending[userID]; ok {
		g.logger.Debug("replacing pending confirmation",
			"user", userID, "old_action", old.ActionType, "new_action", p.ActionType)
	}
	g.pending[userID] = &p
}

// GetPending returns the live confirmation for userID. An expired entry is
// removed and reported as absent.
func (g *Gate) GetPending(userID string) (*Pending, bool) {
	g.mu.Lock()
	p, ok, gone := g.live(userID)
	fn := g.onExpire
	g.mu.Unlock()
	notify(fn, userID, gone)
	return p, ok
}

// live must be called with mu held. An expired entry is removed and
// returned as gone.
func (g *Gate) live(userID string) (p *Pending, ok bool, gone *Pending) {
	cur, ok := g.pending[userID]
	if !ok {
		return nil, false, nil
	}
	if g.expired(cur, g.clock.Now()) {
		delete(g.pending, userID)
		return nil, false, cur
	}
	cp := *cur
	return &cp, true, nil
}

func notify(fn func(string, Pending), userID string, gone *Pending) {
	if fn != nil && gone != nil {
		fn(userID, *gone)
	}
}

func (g *Gate) expired(p *Pending, now time.Time) bool {
	return now.Sub(p.CreatedAt) > g.ttl
}

// Confirm consumes the pending confirmation and hands it back so the caller
// can run the action.
func (g *Gate) Confirm(userID string) Result {
	g.mu.Lock()
	p, ok, gone := g.live(userID)
	fn := g.onExpire
	if ok {
		delete(g.pending, userID)
	}
	g.mu.Unlock()
	notify(fn, userID, gone)
	if !ok {
		return Result{Message: "There is nothing waiting for confirmation.", Err: ErrNothingPending}
	}
	return Result{Success: true, Message: fmt.Sprintf("Confirmed %s.", p.ActionType), Pending: p}
}

// Cancel discards the pending confirmation.
func (g *Gate) Cancel(userID string) Result {
	g.mu.Lock()
	p, ok, gone := g.live(userID)
	fn := g.onExpire
	if ok {
		delete(g.pending, userID)
	}
	g.mu.Unlock()
	notify(fn, userID, gone)
	if !ok {
		return Result{Message: "There is nothing to cancel.", Err: ErrNothingPending}
	}
	return Result{Success: true, Message: fmt.Sprintf("Cancelled %s.", p.ActionType), Pending: p}
}

// Sweep removes every expired confirmation and returns how many it dropped.
func (g *Gate) Sweep() int {
	now := g.clock.Now()
	g.mu.Lock()
	gone := make(map[string]Pending)
	for user, p := range g.pending {
		if g.expired(p, now) {
			delete(g.pending, user)
			gone[user] = *p
		}
	}
	fn := g.onExpire
	g.mu.Unlock()

	if len(gone) > 0 {
		g.logger.Debug("swept expired confirmations", "count", len(gone))
	}
	for user, p := range gone {
		notify(fn, user, &p)
	}
	return len(gone)
}

// Len returns the number of stored confirmations, expired ones included.
func (g *Gate) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

func toSet(items []string) map[string]bool {
	m := make(map[string]bool, len(items))
	for _, s := range items {
		m[strings.ToLower(strings.TrimSpace(s))] = true
	}
	return m
}

func lowerAll(items []string) []string {
	out := make([]string, 0, len(items))
	for _, s := range items {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}
