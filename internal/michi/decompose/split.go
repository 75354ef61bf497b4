package decompose

import (
	"regexp"
	"strings"

	"github.com/bdobrica/michi/internal/michi/convctx"
)

// Segment is one intent-sized piece of a multi-intent message. Connector is
// the label of the connector that preceded it in the original text.
type Segment struct {
	Text       string
	Connector  string
	Sequential bool
	Reverse    bool
}

type splitConnector struct {
	label      string
	sequential bool
	reverse    bool
	// ambiguous connectors only split when both sides carry a command verb.
	ambiguous bool
}

// splitRe matches every connector Split understands. Alternatives are
// ordered so the longer phrase wins at the same offset.
var splitRe = regexp.MustCompile(`(?i)\s*,\s*then\s+|\s+and\s+then\s+|\s*,?\s+(?:and\s+)?after\s+that\s*,?\s+|\s*,?\s+but\s+first\s*,?\s+|\s*,?\s+and\s+also\s+|\s*,?\s+also\s+|\.\s+|\s*,?\s+and\s+`)

func classifyConnector(raw string) splitConnector {
	s := strings.ToLower(strings.Join(strings.Fields(strings.Trim(raw, " ,\t")), " "))
	switch {
	case strings.HasPrefix(s, "then"):
		return splitConnector{label: ", then", sequential: true}
	case s == "and then":
		return splitConnector{label: "and then", sequential: true}
	case strings.HasSuffix(s, "after that"):
		return splitConnector{label: "after that", sequential: true}
	case s == "but first":
		return splitConnector{label: "but first", sequential: true, reverse: true}
	case s == "and also":
		return splitConnector{label: "and also", ambiguous: true}
	case s == "also":
		return splitConnector{label: "also", ambiguous: true}
	case s == ".":
		return splitConnector{label: ".", ambiguous: true}
	default:
		return splitConnector{label: "and", ambiguous: true}
	}
}

// protectedMark stands in for the spaces of a protected phrase while
// splitting.
const protectedMark = "\x00"

// Split cuts a message into segments in execution order. Protected noun
// phrases are never cut; "and"/"also" only split when both sides contain a
// command verb; pronouns are resolved across segments in reading order; a
// "but first" segment moves ahead of its sibling and both become sequential.
func (d *Decomposer) Split(message string) []Segment {
	return d.SplitIn(message, nil)
}

// SplitIn is Split with reference resolution seeded from a conversation
// state.
func (d *Decomposer) SplitIn(message string, seed *convctx.State) []Segment {
	message = strings.TrimSpace(message)
	if message == "" {
		return nil
	}

	masked := d.protect(message)
	locs := splitRe.FindAllStringIndex(masked, -1)

	type piece struct {
		text string
		conn splitConnector
	}
	pieces := []piece{{text: masked[:firstStart(locs, len(masked))]}}
	for i, loc := range locs {
		end := len(masked)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		pieces = append(pieces, piece{
			text: masked[loc[1]:end],
			conn: classifyConnector(masked[loc[0]:loc[1]]),
		})
	}

	// Merge pieces whose ambiguous connector should not split.
	var segs []Segment
	for i, p := range pieces {
		if i == 0 {
			segs = append(segs, Segment{Text: p.text})
			continue
		}
		prev := &segs[len(segs)-1]
		if strings.TrimSpace(p.text) == "" ||
			(p.conn.ambiguous && !(d.ContainsCommandVerb(prev.Text) && d.ContainsCommandVerb(p.text))) {
			prev.Text += rawConnector(p.conn.label) + p.text
			continue
		}
		seg := Segment{Text: p.text, Connector: p.conn.label, Sequential: p.conn.sequential, Reverse: p.conn.reverse}
		if p.conn.sequential {
			prev.Sequential = true
		}
		segs = append(segs, seg)
	}

	scratch := convctx.NewScratch(d.cfg.Vocabulary, d.cfg.RuleOrder, seed)
	for i := range segs {
		text := cleanPart(strings.ReplaceAll(segs[i].Text, protectedMark, " "))
		text = scratch.Resolve(text)
		scratch.DetectAndRecord(text)
		segs[i].Text = text
	}

	return reorder(segs)
}

// reorder moves every "but first" segment ahead of the segment it follows.
func reorder(segs []Segment) []Segment {
	out := make([]Segment, 0, len(segs))
	for _, s := range segs {
		if s.Reverse && len(out) > 0 {
			prev := out[len(out)-1]
			prev.Sequential = true
			s.Sequential = true
			out[len(out)-1] = s
			out = append(out, prev)
			continue
		}
		out = append(out, s)
	}
	var kept []Segment
	for _, s := range out {
		if s.Text != "" {
			kept = append(kept, s)
		}
	}
	return kept
}

func (d *Decomposer) protect(text string) string {
	for _, re := range d.protected {
		text = re.ReplaceAllStringFunc(text, func(m string) string {
			return strings.Join(strings.Fields(m), protectedMark)
		})
	}
	return text
}

func rawConnector(label string) string {
	switch label {
	case ".":
		return ". "
	case ", then":
		return ", then "
	default:
		return " " + label + " "
	}
}

func firstStart(locs [][]int, n int) int {
	if len(locs) == 0 {
		return n
	}
	return locs[0][0]
}
