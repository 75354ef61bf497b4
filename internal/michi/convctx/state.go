// Package convctx keeps short-lived per-conversation context (the last repo,
// company, action and entity a user talked about) and rewrites pronouns in
// incoming text so later stages see explicit targets.
package convctx

import "time"

// MentionType identifies which "last X" slot a mention updates.
type MentionType string

const (
	MentionRepo    MentionType = "repo"
	MentionCompany MentionType = "company"
	MentionAction  MentionType = "action"
	MentionEntity  MentionType = "entity"
)

// Valid reports whether t is one of the known mention types.
func (t MentionType) Valid() bool {
	switch t {
	case MentionRepo, MentionCompany, MentionAction, MentionEntity:
		return true
	}
	return false
}

// maxMentions bounds the per-conversation mention ring buffer.
const maxMentions = 5

// Mention is one timestamped reference seen in a conversation.
type Mention struct {
	Type  MentionType
	Value string
	At    time.Time
}

// State is the context held for one conversation.
type State struct {
	LastRepo    string
	LastCompany string
	LastAction  string
	LastEntity  string
	Mentions    []Mention
	UpdatedAt   time.Time
}

func (s *State) record(m Mention) {
	switch m.Type {
	case MentionRepo:
		s.LastRepo = m.Value
	case MentionCompany:
		s.LastCompany = m.Value
	case MentionAction:
		s.LastAction = m.Value
	case MentionEntity:
		s.LastEntity = m.Value
	}
	s.Mentions = append(s.Mentions, m)
	if len(s.Mentions) > maxMentions {
		s.Mentions = s.Mentions[len(s.Mentions)-maxMentions:]
	}
	s.UpdatedAt = m.At
}

// target returns the most recent repo or entity mention, falling back to the
// LastRepo and LastEntity fields.
func (s *State) target() string {
	for i := len(s.Mentions) - 1; i >= 0; i-- {
		m := s.Mentions[i]
		if m.Type == MentionRepo || m.Type == MentionEntity {
			return m.Value
		}
	}
	if s.LastRepo != "" {
		return s.LastRepo
	}
	return s.LastEntity
}

// otherRepo returns the second-most-recent distinct repo in the ring buffer.
func (s *State) otherRepo() string {
	var seen []string
	for i := len(s.Mentions) - 1; i >= 0; i-- {
		m := s.Mentions[i]
		if m.Type != MentionRepo {
			continue
		}
		dup := false
		for _, v := range seen {
			if v == m.Value {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		seen = append(seen, m.Value)
		if len(seen) == 2 {
			return seen[1]
		}
	}
	return ""
}

func (s *State) clone() State {
	cp := *s
	cp.Mentions = make([]Mention, len(s.Mentions))
	copy(cp.Mentions, s.Mentions)
	return cp
}
