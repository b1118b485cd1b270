package routing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/brightears/bma-messenger-hub-sub001/internal/ai"
	"github.com/brightears/bma-messenger-hub-sub001/internal/classifier"
	"github.com/brightears/bma-messenger-hub-sub001/internal/session"
)

const (
	defaultNotifyTimeout = 10 * time.Second
	methodFallback       = "fallback"
	methodEscalated      = "escalated"
)

// Coordinator ties the session store, the classifier and the outbound
// collaborators together. One inbound message per identity is handled at a
// time; different identities run in parallel.
type Coordinator struct {
	store      session.Manager
	classifier Classifier
	notifier   Notifier
	replies    ReplySender

	settings atomic.Pointer[Settings]
	locks    *keyLock

	notifyTimeout time.Duration
}

var _ Service = (*Coordinator)(nil)

func NewCoordinator(store session.Manager, cls Classifier, notifier Notifier, replies ReplySender, settings Settings) (*Coordinator, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	c := &Coordinator{
		store:         store,
		classifier:    cls,
		notifier:      notifier,
		replies:       replies,
		locks:         newKeyLock(),
		notifyTimeout: defaultNotifyTimeout,
	}
	c.settings.Store(&settings)
	return c, nil
}

// SetSettings swaps the routing knobs; in-flight messages keep the old ones.
func (c *Coordinator) SetSettings(settings Settings) error {
	if err := settings.Validate(); err != nil {
		return err
	}
	c.settings.Store(&settings)
	return nil
}

func (c *Coordinator) Settings() Settings {
	return *c.settings.Load()
}

// HandleInboundMessage never fails: every problem ends up as an Escalated
// outcome so no customer message is dropped.
func (c *Coordinator) HandleInboundMessage(ctx context.Context, id session.Identity, msg InboundMessage) (out Outcome) {
	unlock := c.locks.Lock(id.Key())
	defer unlock()

	var sessionID string
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("identity", id.String()).Str("session_id", sessionID).Msg("[route] recovered")
			out = c.escalate(ctx, id, sessionID, fmt.Errorf("internal error: %v", r))
		}
	}()

	cfg := c.settings.Load()

	log.Info().
		Str("platform", id.Platform).
		Str("sender", id.SenderID).
		Str("text", short(msg.Text)).
		Msg("[route] inbound message")

	sess, err := c.appendInbound(ctx, id, msg)
	if err != nil {
		return c.escalate(ctx, id, "", err)
	}
	sessionID = sess.ID

	// replies on an already routed conversation follow the existing thread
	if sess.State == session.StateRouted && sess.Decision != nil {
		c.notify(ctx, sess, *sess.Decision)
		return Outcome{Kind: KindRouted, SessionID: sess.ID, Decision: sess.Decision}
	}

	history := toHistory(sess.Messages[:len(sess.Messages)-1])
	res := c.classifier.Classify(ctx, textOf(msg), cfg.Categories, history)

	log.Info().
		Str("session_id", sess.ID).
		Str("category", res.Category).
		Float64("confidence", res.Confidence).
		Str("method", string(res.Method)).
		Msg("[route] classified")

	if res.Classified() && res.Confidence >= cfg.Threshold {
		return c.accept(ctx, sess, res)
	}

	if sess.ClarificationAttempts >= cfg.MaxClarifications {
		return c.fallback(ctx, sess, cfg)
	}

	attempts, err := c.store.IncrementClarification(ctx, sess.ID)
	if err != nil {
		return c.escalate(ctx, id, sess.ID, err)
	}
	if attempts >= cfg.MaxClarifications {
		return c.fallback(ctx, sess, cfg)
	}

	if sess.State == session.StateNew {
		if err := c.store.Transition(ctx, sess.ID, session.StateAwaitingClarification); err != nil {
			return c.escalate(ctx, id, sess.ID, err)
		}
	}

	prompt := cfg.Prompts.clarification(sess.Language, res.Category, cfg.Categories)
	c.reply(ctx, sess, prompt)

	log.Info().
		Str("session_id", sess.ID).
		Int("attempt", attempts).
		Int("max", cfg.MaxClarifications).
		Msg("[route] clarification requested")

	return Outcome{Kind: KindClarificationRequested, SessionID: sess.ID, Prompt: prompt}
}

// appendInbound gets the live session and records the message. A session that
// expires between the two steps is recreated once.
func (c *Coordinator) appendInbound(ctx context.Context, id session.Identity, msg InboundMessage) (session.Session, error) {
	m := session.Message{
		Content:        msg.Text,
		Timestamp:      msg.Timestamp,
		Direction:      session.FromCustomer,
		TranslatedText: msg.TranslatedText,
		Language:       msg.Language,
	}

	var err error
	for range 2 {
		var sess session.Session
		sess, err = c.store.GetOrCreate(ctx, id)
		if err != nil {
			return session.Session{}, err
		}
		sess, err = c.store.AppendMessage(ctx, sess.ID, m)
		if err == nil {
			return sess, nil
		}
		if !errors.Is(err, session.ErrNotFound) {
			return session.Session{}, err
		}
	}
	return session.Session{}, err
}

func (c *Coordinator) accept(ctx context.Context, sess session.Session, res classifier.Result) Outcome {
	if sess.State == session.StateAwaitingClarification {
		if err := c.store.Transition(ctx, sess.ID, session.StateClarified); err != nil {
			return c.escalate(ctx, sess.Identity, sess.ID, err)
		}
	}

	decision := session.RoutingDecision{
		Category:      res.Category,
		Confidence:    res.Confidence,
		Justification: justify(res),
		Method:        string(res.Method),
	}
	return c.record(ctx, sess, decision)
}

func (c *Coordinator) fallback(ctx context.Context, sess session.Session, cfg *Settings) Outcome {
	decision := session.RoutingDecision{
		Category:      cfg.FallbackCategory,
		Confidence:    0,
		Justification: JustificationExhausted,
		Method:        methodFallback,
	}
	return c.record(ctx, sess, decision)
}

func (c *Coordinator) record(ctx context.Context, sess session.Session, decision session.RoutingDecision) Outcome {
	routed, err := c.store.RecordRoutingDecision(ctx, sess.ID, decision)
	if err != nil {
		return c.escalate(ctx, sess.Identity, sess.ID, err)
	}

	log.Info().
		Str("session_id", routed.ID).
		Str("category", routed.Decision.Category).
		Float64("confidence", routed.Decision.Confidence).
		Str("justification", routed.Decision.Justification).
		Msg("[route] routed")

	c.notify(ctx, routed, *routed.Decision)

	if ack := c.settings.Load().Acknowledgement; ack != "" {
		c.reply(ctx, routed, strings.ReplaceAll(ack, "{category}", routed.Decision.Category))
	}

	return Outcome{Kind: KindRouted, SessionID: routed.ID, Decision: routed.Decision}
}

// escalate converts a failure into an outcome and still tells the fallback
// team, without touching the session.
func (c *Coordinator) escalate(ctx context.Context, id session.Identity, sessionID string, cause error) Outcome {
	reason := cause.Error()

	log.Error().
		Err(cause).
		Str("session_id", sessionID).
		Str("identity", id.String()).
		Msg("[route] escalated")

	cfg := c.settings.Load()
	decision := session.RoutingDecision{
		Category:      cfg.FallbackCategory,
		Confidence:    0,
		Justification: "escalated: " + reason,
		Method:        methodEscalated,
		DecidedAt:     time.Now(),
	}

	snapshot := session.Session{ID: sessionID, Identity: id}
	if sessionID != "" {
		if live, err := c.store.Get(ctx, id); err == nil && live.ID == sessionID {
			snapshot = live
		}
	}
	c.deliver(ctx, snapshot, decision)

	return Outcome{Kind: KindEscalated, SessionID: sessionID, Reason: reason}
}

// notify delivers the decision and keeps the returned thread handle.
func (c *Coordinator) notify(ctx context.Context, sess session.Session, decision session.RoutingDecision) {
	thread := c.deliver(ctx, sess, decision)
	if thread == "" || thread == sess.ExternalThread {
		return
	}
	if err := c.store.SetExternalThread(ctx, sess.ID, thread); err != nil {
		log.Warn().Err(err).Str("session_id", sess.ID).Msg("[route] could not store thread")
	}
}

func (c *Coordinator) deliver(ctx context.Context, sess session.Session, decision session.RoutingDecision) string {
	if c.notifier == nil {
		return ""
	}
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.notifyTimeout)
	defer cancel()

	thread, err := c.notifier.Notify(nctx, sess.ID, decision, sess)
	if err != nil {
		// not retried; the decision stands either way
		log.Error().Err(err).Str("session_id", sess.ID).Str("category", decision.Category).Msg("[route] notify failed")
		return ""
	}
	return thread
}

// reply records the text on the session and sends it without waiting.
func (c *Coordinator) reply(ctx context.Context, sess session.Session, text string) {
	if _, err := c.store.AppendMessage(ctx, sess.ID, session.Message{
		Content:   text,
		Direction: session.ToCustomer,
	}); err != nil {
		log.Warn().Err(err).Str("session_id", sess.ID).Msg("[route] could not record reply")
	}

	if c.replies == nil {
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.notifyTimeout)
	go func() {
		defer cancel()
		if err := c.replies.SendReply(rctx, sess.Identity, text); err != nil {
			log.Error().Err(err).Str("session_id", sess.ID).Msg("[route] reply delivery failed")
		}
	}()
}

// RecordOutbound appends an agent message to the live session so the
// classifier sees both sides of the conversation.
func (c *Coordinator) RecordOutbound(ctx context.Context, id session.Identity, text string) error {
	unlock := c.locks.Lock(id.Key())
	defer unlock()

	sess, err := c.store.Get(ctx, id)
	if err != nil {
		return err
	}
	_, err = c.store.AppendMessage(ctx, sess.ID, session.Message{
		Content:   text,
		Direction: session.ToCustomer,
	})
	return err
}

func justify(res classifier.Result) string {
	switch res.Method {
	case classifier.MethodKeyword:
		return fmt.Sprintf("keyword match %q", res.Entities["keyword"])
	default:
		return fmt.Sprintf("ai classification %.0f%%", res.Confidence*100)
	}
}

func textOf(msg InboundMessage) string {
	if msg.TranslatedText != "" {
		return msg.TranslatedText
	}
	return msg.Text
}

func toHistory(msgs []session.Message) []ai.Message {
	out := make([]ai.Message, 0, len(msgs))
	for _, m := range msgs {
		role := "user"
		if m.Direction == session.ToCustomer {
			role = "assistant"
		}
		out = append(out, ai.Message{Role: role, Text: m.Text()})
	}
	return out
}

func short(s string) string {
	if r := []rune(s); len(r) > 180 {
		return string(r[:180]) + "..."
	}
	return s
}
