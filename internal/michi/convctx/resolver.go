package convctx

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/bdobrica/michi/common/clock"
)

// Config holds configuration for the Resolver.
type Config struct {
	// TTL is the inactivity window after which a conversation's context is
	// forgotten. Default: 30 minutes.
	TTL time.Duration `koanf:"ttl"`

	// Capacity caps the number of tracked conversations. The least recently
	// used conversation is evicted beyond it. Default: 1000.
	Capacity int `koanf:"capacity"`

	// RuleOrder is the pronoun pass priority. Default: DefaultRuleOrder.
	RuleOrder []Rule `koanf:"rule_order"`
}

// DefaultConfig returns a Config with the documented defaults.
func DefaultConfig() Config {
	return Config{
		TTL:       30 * time.Minute,
		Capacity:  1000,
		RuleOrder: DefaultRuleOrder,
	}
}

// Resolver tracks conversation context and rewrites pronouns.
// It is safe for concurrent use.
type Resolver struct {
	mu     sync.Mutex
	cfg    Config
	vocab  *Vocabulary
	states *lru.Cache[string, *State]
	clock  clock.Clock
	logger *slog.Logger
}

// NewResolver creates a Resolver. A nil clock means the wall clock.
func NewResolver(cfg Config, vocab *Vocabulary, clk clock.Clock, logger *slog.Logger) *Resolver {
	def := DefaultConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = def.Capacity
	}
	if len(cfg.RuleOrder) == 0 {
		cfg.RuleOrder = def.RuleOrder
	}
	if logger == nil {
		logger = slog.Default()
	}
	// lru.New only fails for a non-positive size.
	states, _ := lru.New[string, *State](cfg.Capacity)
	return &Resolver{
		cfg:    cfg,
		vocab:  vocab,
		states: states,
		clock:  clock.OrReal(clk),
		logger: logger,
	}
}

// Vocabulary returns the lookup tables the resolver scans with.
func (r *Resolver) Vocabulary() *Vocabulary { return r.vocab }

// RecordMention updates the conversation's "last X" slot for typ and appends
// the mention to its ring buffer. Unknown types and empty values are ignored.
func (r *Resolver) RecordMention(conversationID string, typ MentionType, value string) {
	value = strings.TrimSpace(value)
	if conversationID == "" || value == "" || !typ.Valid() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recordLocked(conversationID, Mention{Type: typ, Value: value, At: r.clock.Now()})
}

func (r *Resolver) recordLocked(conversationID string, m Mention) {
	st, ok := r.states.Get(conversationID)
	if !ok || r.expired(st, m.At) {
		st = &State{}
	}
	st.record(m)
	if evicted := r.states.Add(conversationID, st); evicted {
		r.logger.Debug("convctx: evicted least recently used conversation", "capacity", r.cfg.Capacity)
	}
}

// DetectAndRecord scans text for known repos, companies, entities and
// action verbs, records every match in text order, and returns them. Only
// the first action verb is recorded.
func (r *Resolver) DetectAndRecord(conversationID, text string) []Mention {
	if conversationID == "" {
		return nil
	}
	hits := r.vocab.scan(text)
	if len(hits) == 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	var out []Mention
	sawAction := false
	for _, h := range hits {
		if h.typ == MentionAction {
			if sawAction {
				continue
			}
			sawAction = true
		}
		m := Mention{Type: h.typ, Value: h.value, At: now}
		r.recordLocked(conversationID, m)
		out = append(out, m)
	}
	return out
}

// ResolvePronouns rewrites anaphora in text using the conversation's state.
// It returns text unchanged when there is no state or the state expired.
// It does not record anything, so repeated calls give the same result.
func (r *Resolver) ResolvePronouns(conversationID, text string) string {
	r.mu.Lock()
	st, ok := r.states.Get(conversationID)
	if ok && r.expired(st, r.clock.Now()) {
		r.states.Remove(conversationID)
		ok = false
	}
	var snap State
	if ok {
		snap = st.clone()
	}
	r.mu.Unlock()

	if !ok {
		return text
	}
	return resolve(&snap, r.vocab, r.cfg.RuleOrder, text)
}

// State returns a copy of the conversation's state.
func (r *Resolver) State(conversationID string) (State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.states.Peek(conversationID)
	if !ok || r.expired(st, r.clock.Now()) {
		return State{}, false
	}
	return st.clone(), true
}

// Forget drops the conversation's state.
func (r *Resolver) Forget(conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states.Remove(conversationID)
}

// Len returns the number of tracked conversations, expired ones included
// until the next Sweep.
func (r *Resolver) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.states.Len()
}

// Sweep removes every state idle for longer than the TTL and returns how many
// were removed.
func (r *Resolver) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	removed := 0
	for _, id := range r.states.Keys() {
		st, ok := r.states.Peek(id)
		if ok && r.expired(st, now) {
			r.states.Remove(id)
			removed++
		}
	}
	if removed > 0 {
		r.logger.Debug("convctx: swept expired conversations", "count", removed)
	}
	return removed
}

func (r *Resolver) expired(st *State, now time.Time) bool {
	return now.Sub(st.UpdatedAt) > r.cfg.TTL
}

// Scratch is a conversation-less state for resolving references within a
// single message. It has no TTL and is not safe for concurrent use.
type Scratch struct {
	st    State
	vocab *Vocabulary
	order []Rule
}

// NewScratch creates an empty scratch state, optionally seeded from a
// conversation's state.
func NewScratch(vocab *Vocabulary, order []Rule, seed *State) *Scratch {
	if len(order) == 0 {
		order = DefaultRuleOrder
	}
	s := &Scratch{vocab: vocab, order: order}
	if seed != nil {
		s.st = seed.clone()
	}
	return s
}

// DetectAndRecord records the vocabulary matches of text, first action verb
// only.
func (s *Scratch) DetectAndRecord(text string) []Mention {
	var out []Mention
	sawAction := false
	for _, h := range s.vocab.scan(text) {
		if h.typ == MentionAction {
			if sawAction {
				continue
			}
			sawAction = true
		}
		m := Mention{Type: h.typ, Value: h.value}
		s.st.record(m)
		out = append(out, m)
	}
	return out
}

// Resolve rewrites pronouns in text. With nothing recorded it is a no-op.
func (s *Scratch) Resolve(text string) string {
	if len(s.st.Mentions) == 0 {
		return text
	}
	return resolve(&s.st, s.vocab, s.order, text)
}

// State returns a copy of the scratch state.
func (s *Scratch) State() State { return s.st.clone() }
