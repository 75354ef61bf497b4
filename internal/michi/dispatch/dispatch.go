// Package dispatch runs one chat message through the whole router:
// reference resolution, decomposition, classification, action proposal and
// the confirmation gate. It also handles the conversational glue around
// them: yes/no replies, control words, corrections and queued follow-ups.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/bdobrica/michi/common/trace"
	"github.com/bdobrica/michi/internal/michi/actions"
	"github.com/bdobrica/michi/internal/michi/confirm"
	"github.com/bdobrica/michi/internal/michi/convctx"
	"github.com/bdobrica/michi/internal/michi/decompose"
	"github.com/bdobrica/michi/internal/michi/intent"
	"github.com/bdobrica/michi/internal/michi/observability"
	"github.com/bdobrica/michi/internal/michi/store"
)

// Message is one inbound chat message.
type Message struct {
	UserID         string `json:"userId"`
	ConversationID string `json:"conversationId"`
	Text           string `json:"text"`
}

// Reply is what the router says back.
type Reply struct {
	Text     string            `json:"text"`
	TraceID  string            `json:"traceId"`
	Segments []string          `json:"segments,omitempty"`
	Intents  []*intent.Intent  `json:"intents,omitempty"`
	Actions  []*actions.Action `json:"actions,omitempty"`
	Flow     actions.Flow      `json:"flow,omitempty"`
}

// Auditor receives one audit row per notable event.
type Auditor interface {
	WriteAudit(ctx context.Context, traceID, userID, action, target, result string, payload store.AuditPayload, errorMsg string) error
}

// Options wires a Pipeline. Resolver, Decomposer, Classifier, Controller and
// Gate are required.
type Options struct {
	Resolver   *convctx.Resolver
	Decomposer *decompose.Decomposer
	Classifier *intent.Classifier
	Controller *actions.Controller
	Gate       *confirm.Gate
	Audit      Auditor
	Logger     *slog.Logger
}

// segment is a sub-command waiting to run.
type segment struct {
	text        string
	conditional bool
}

// session is what the pipeline remembers per user between messages. Fields
// are guarded by Pipeline.mu.
type session struct {
	lastText   string
	lastIntent *intent.Intent
	queue      []segment
}

// Pipeline is safe for concurrent use. Messages from the same user are
// serialised, except pause, cancel and status, which must reach a running
// action; different users proceed in parallel.
type Pipeline struct {
	resolver   *convctx.Resolver
	decomposer *decompose.Decomposer
	classifier *intent.Classifier
	controller *actions.Controller
	gate       *confirm.Gate
	audit      Auditor
	logger     *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
	userMu   map[string]*sync.Mutex
}

// New creates a Pipeline.
func New(opts Options) *Pipeline {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{
		resolver:   opts.Resolver,
		decomposer: opts.Decomposer,
		classifier: opts.Classifier,
		controller: opts.Controller,
		gate:       opts.Gate,
		audit:      opts.Audit,
		logger:     logger,
		sessions:   make(map[string]*session),
		userMu:     make(map[string]*sync.Mutex),
	}
	p.gate.OnExpire(p.confirmationExpired)
	return p
}

// confirmationExpired drops the action and queued follow-ups behind a
// confirmation that timed out.
func (p *Pipeline) confirmationExpired(userID string, pend confirm.Pending) {
	if pend.ActionID == "" {
		return
	}
	res := p.controller.Expire(pend.ActionID)
	if !res.Success {
		return
	}
	p.setQueue(userID, nil)
	p.logger.Info("confirmation expired", "user", userID, "action_id", pend.ActionID, "type", pend.ActionType)
	p.writeAudit(context.Background(), userID, "confirm", pend.ActionType, "expired",
		store.AuditPayload{"action_id": pend.ActionID}, "")
}

// Handle processes one message and never fails; problems become reply text.
func (p *Pipeline) Handle(ctx context.Context, msg Message) Reply {
	ctx, traceID := trace.Ensure(ctx)
	logger := observability.WithTrace(ctx, p.logger)

	text := strings.TrimSpace(msg.Text)
	if msg.ConversationID == "" {
		msg.ConversationID = msg.UserID
	}
	if text == "" {
		return Reply{Text: "I didn't catch that.", TraceID: traceID}
	}

	logger.Info("message received", "user", msg.UserID, "conversation", msg.ConversationID,
		"text", observability.RedactText(text))
	p.writeAudit(ctx, msg.UserID, "message", "", "received", store.AuditPayload{"text": text}, "")

	var out replyBuilder
	out.reply.TraceID = traceID

	if cmd, ok := parseControl(text); ok && cmd.interrupts() {
		p.control(ctx, msg, cmd, &out)
		return out.done()
	}

	unlock := p.lockUser(msg.UserID)
	defer unlock()

	if det, ok := intent.DetectCorrection(text); ok {
		text = p.applyCorrection(ctx, msg, det, &out)
	} else if pend, ok := p.gate.GetPending(msg.UserID); ok {
		switch confirm.IsConfirmation(text) {
		case confirm.Yes:
			p.confirmed(ctx, msg, &out)
			return out.done()
		case confirm.No:
			p.declined(ctx, msg, pend, &out)
			return out.done()
		}
	}

	if cmd, ok := parseControl(text); ok {
		p.control(ctx, msg, cmd, &out)
		return out.done()
	}

	segs := p.segments(msg.ConversationID, text)
	for _, s := range segs {
		out.reply.Segments = append(out.reply.Segments, s.text)
	}
	p.run(ctx, msg, segs, false, &out)
	return out.done()
}

// lockUser serialises messages per user and returns the unlock function.
func (p *Pipeline) lockUser(userID string) func() {
	p.mu.Lock()
	m, ok := p.userMu[userID]
	if !ok {
		m = &sync.Mutex{}
		p.userMu[userID] = m
	}
	p.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// withSession runs fn on the user's session under the pipeline lock.
func (p *Pipeline) withSession(userID string, fn func(s *session)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[userID]
	if !ok {
		s = &session{}
		p.sessions[userID] = s
	}
	fn(s)
}

func (p *Pipeline) setQueue(userID string, queue []segment) {
	p.withSession(userID, func(s *session) { s.queue = queue })
}

func (p *Pipeline) takeQueue(userID string) []segment {
	var q []segment
	p.withSession(userID, func(s *session) { q, s.queue = s.queue, nil })
	return q
}

func (p *Pipeline) last(userID string) (string, *intent.Intent) {
	var text string
	var in *intent.Intent
	p.withSession(userID, func(s *session) { text, in = s.lastText, s.lastIntent })
	return text, in
}

// segments resolves references and splits text into ordered sub-commands.
func (p *Pipeline) segments(conversationID, text string) []segment {
	var seed *convctx.State
	if st, ok := p.resolver.State(conversationID); ok {
		seed = &st
	}

	if plan := p.decomposer.DecomposeIn(text, seed); plan != nil {
		out := make([]segment, len(plan.Steps))
		for i, st := range plan.Steps {
			out[i] = segment{text: st.Text, conditional: st.Condition == decompose.ConditionSuccess}
		}
		return out
	}
	if split := p.decomposer.SplitIn(text, seed); len(split) > 1 {
		out := make([]segment, len(split))
		for i, s := range split {
			out[i] = segment{text: s.Text}
		}
		return out
	}
	return []segment{{text: p.resolver.ResolvePronouns(conversationID, text)}}
}

// run classifies and acts on segments in order. It stops at the first
// segment that needs the user (confirmation, clarification or rejection);
// after a confirmation prompt the rest is queued. prevFailed says whether
// the step before segs[0] failed.
func (p *Pipeline) run(ctx context.Context, msg Message, segs []segment, prevFailed bool, out *replyBuilder) {
	for i, seg := range segs {
		if seg.conditional && prevFailed {
			out.line(fmt.Sprintf("Skipped %q because the previous step did not succeed.", seg.text))
			p.writeAudit(ctx, msg.UserID, "skip", seg.text, "skipped", nil, "prerequisite failed")
			continue
		}

		in := p.classifier.Classify(ctx, seg.text, p.classifyContext(ctx, msg))
		p.remember(msg.ConversationID, seg.text, in)
		p.withSession(msg.UserID, func(s *session) { s.lastText, s.lastIntent = seg.text, in })
		out.reply.Intents = append(out.reply.Intents, in)
		p.writeAudit(ctx, msg.UserID, "classify", seg.text, string(in.Source), store.AuditPayload{
			"intent":     in.Intent,
			"project":    in.Project,
			"confidence": in.Confidence,
			"risk":       string(in.Risk),
		}, "")

		a, flow := p.controller.Propose(ctx, msg.UserID, in)
		out.reply.Flow = flow
		switch flow {
		case actions.FlowAutoExecute:
			res := p.controller.Execute(ctx, a.ID)
			p.reportExecution(ctx, msg, res, out)
			prevFailed = !res.Success
		case actions.FlowConfirm:
			out.addAction(a)
			p.gate.SetPending(msg.UserID, confirm.Pending{
				ActionType: a.Type,
				ActionID:   a.ID,
				Params:     map[string]string{"project": a.Project, "company": a.Company},
				Context:    map[string]string{"conversation": msg.ConversationID, "text": seg.text},
				Message:    confirmPrompt(a),
			})
			p.setQueue(msg.UserID, append([]segment(nil), segs[i+1:]...))
			out.line(confirmPrompt(a))
			p.writeAudit(ctx, msg.UserID, "propose", a.Summary, "awaiting_confirmation",
				store.AuditPayload{"action_id": a.ID, "risk": string(a.Risk)}, "")
			return
		case actions.FlowClarify:
			p.setQueue(msg.UserID, nil)
			out.line(clarifyText(in))
			return
		default:
			p.setQueue(msg.UserID, nil)
			out.line(rejectText(in))
			return
		}
	}
	p.setQueue(msg.UserID, nil)
}

func (p *Pipeline) classifyContext(ctx context.Context, msg Message) intent.Context {
	cc := intent.Context{UserID: msg.UserID, ConversationID: msg.ConversationID}
	if st, ok := p.resolver.State(msg.ConversationID); ok {
		cc.LastProject = st.LastRepo
		cc.LastCompany = st.LastCompany
		cc.LastAction = st.LastAction
	}
	if h := p.classifier.History(); h != nil {
		cc.RecentProjects = h.RecentProjects(ctx, msg.UserID)
	}
	return cc
}

// remember feeds what was said, and what it was understood as, back into
// the conversation state.
func (p *Pipeline) remember(conversationID, text string, in *intent.Intent) {
	found := p.resolver.DetectAndRecord(conversationID, text)
	hasRepo := false
	for _, m := range found {
		if m.Type == convctx.MentionRepo {
			hasRepo = true
		}
	}
	if in.Project != "" && !hasRepo {
		p.resolver.RecordMention(conversationID, convctx.MentionRepo, in.Project)
	}
	// The vocabulary only knows single verbs; the classified phrase keeps
	// "run tests" whole for "same for X" and "again".
	if phrase := in.ActionPhrase(); phrase != "" {
		p.resolver.RecordMention(conversationID, convctx.MentionAction, phrase)
	}
}

func (p *Pipeline) confirmed(ctx context.Context, msg Message, out *replyBuilder) {
	res := p.gate.Confirm(msg.UserID)
	if !res.Success {
		out.line(res.Message)
		return
	}
	exec := p.controller.Execute(ctx, res.Pending.ActionID)
	p.reportExecution(ctx, msg, exec, out)

	if queue := p.takeQueue(msg.UserID); len(queue) > 0 {
		p.run(ctx, msg, queue, !exec.Success, out)
	}
}

func (p *Pipeline) declined(ctx context.Context, msg Message, pend *confirm.Pending, out *replyBuilder) {
	p.gate.Cancel(msg.UserID)
	if pend.ActionID != "" {
		p.controller.Cancel(pend.ActionID)
	}
	p.setQueue(msg.UserID, nil)
	out.line("OK, cancelled. Nothing was changed.")
	p.writeAudit(ctx, msg.UserID, "confirm", pend.ActionType, "declined", store.AuditPayload{"action_id": pend.ActionID}, "")
}

// applyCorrection records a correction against the user's last
// classification and returns the text to process instead.
func (p *Pipeline) applyCorrection(ctx context.Context, msg Message, det intent.Detection, out *replyBuilder) string {
	lastText, last := p.last(msg.UserID)
	if last == nil {
		return det.Apply("")
	}
	corrected := p.classifier.Corrected(det, lastText, last)
	if l := p.classifier.Learner(); l != nil {
		l.Record(ctx, msg.UserID, lastText, corrected, last.Intent, last.Project)
	}
	if pend, ok := p.gate.GetPending(msg.UserID); ok {
		p.gate.Cancel(msg.UserID)
		p.controller.Cancel(pend.ActionID)
	}
	p.setQueue(msg.UserID, nil)
	out.line(fmt.Sprintf("Got it, you meant %q.", corrected))
	p.writeAudit(ctx, msg.UserID, "correction", lastText, "recorded",
		store.AuditPayload{"corrected": corrected, "intent": last.Intent, "project": last.Project}, "")
	return corrected
}

func (p *Pipeline) reportExecution(ctx context.Context, msg Message, res actions.Result, out *replyBuilder) {
	out.addAction(res.Action)
	out.line(res.Message)
	result := "success"
	if !res.Success {
		result = "failure"
	}
	target := ""
	if res.Action != nil {
		target = res.Action.Summary
	}
	p.writeAudit(ctx, msg.UserID, "execute", target, result,
		store.AuditPayload{"completed_steps": len(res.CompletedSteps)}, res.Error)
}

func (p *Pipeline) writeAudit(ctx context.Context, userID, action, target, result string, payload store.AuditPayload, errMsg string) {
	if p.audit == nil {
		return
	}
	if err := p.audit.WriteAudit(ctx, trace.FromContext(ctx), userID, action, target, result, payload, errMsg); err != nil {
		p.logger.WarnContext(ctx, "failed to write audit entry", "action", action, "err", err)
	}
}

func confirmPrompt(a *actions.Action) string {
	var b strings.Builder
	fmt.Fprintf(&b, "I'm about to %s (risk: %s). Steps:", a.Summary, a.Risk)
	for i, s := range a.Steps {
		fmt.Fprintf(&b, "\n  %d. %s", i+1, s.Description)
	}
	b.WriteString("\nReply yes to proceed or no to cancel.")
	return b.String()
}

func clarifyText(in *intent.Intent) string {
	if len(in.ClarifyingQuestions) == 0 {
		return fmt.Sprintf("I think you want to %s, but I'm not sure. Could you say it more specifically?", in.Summary)
	}
	return strings.Join(in.ClarifyingQuestions, "\n")
}

func rejectText(in *intent.Intent) string {
	msg := "Sorry, I didn't understand that."
	if len(in.ClarifyingQuestions) > 0 {
		msg += " " + in.ClarifyingQuestions[0]
	}
	return msg
}

type replyBuilder struct {
	reply Reply
	lines []string
}

func (r *replyBuilder) line(s string) {
	if s != "" {
		r.lines = append(r.lines, s)
	}
}

func (r *replyBuilder) addAction(a *actions.Action) {
	if a != nil {
		r.reply.Actions = append(r.reply.Actions, a)
	}
}

func (r *replyBuilder) done() Reply {
	r.reply.Text = strings.Join(r.lines, "\n")
	return r.reply
}
