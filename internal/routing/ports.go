package routing

import (
	"context"
	"time"

	"github.com/brightears/bma-messenger-hub-sub001/internal/ai"
	"github.com/brightears/bma-messenger-hub-sub001/internal/classifier"
	"github.com/brightears/bma-messenger-hub-sub001/internal/session"
)

// InboundMessage is what an adapter hands over after parsing a platform webhook.
type InboundMessage struct {
	Text           string    `json:"text"`
	Timestamp      time.Time `json:"timestamp"`
	Language       string    `json:"language,omitempty"`
	TranslatedText string    `json:"translated_text,omitempty"`
}

type Kind string

const (
	KindRouted                 Kind = "routed"
	KindClarificationRequested Kind = "clarification_requested"
	KindEscalated              Kind = "escalated"
)

// Outcome of one inbound message. Exactly one of Decision, Prompt, Reason is
// meaningful, selected by Kind.
type Outcome struct {
	Kind      Kind                     `json:"kind"`
	SessionID string                   `json:"session_id,omitempty"`
	Decision  *session.RoutingDecision `json:"decision,omitempty"`
	Prompt    string                   `json:"prompt,omitempty"`
	Reason    string                   `json:"reason,omitempty"`
}

// Notifier delivers routing decisions downstream (team channel, CRM, ...).
// The returned thread handle, if any, is stored on the session.
type Notifier interface {
	Notify(ctx context.Context, sessionID string, decision session.RoutingDecision, sess session.Session) (thread string, err error)
}

// ReplySender delivers text back to the customer on the originating platform.
type ReplySender interface {
	SendReply(ctx context.Context, id session.Identity, text string) error
}

// Classifier is satisfied by *classifier.Classifier.
type Classifier interface {
	Classify(ctx context.Context, text string, categories []string, history []ai.Message) classifier.Result
}

// Service is the orchestration entry point used by the inbound adapters.
type Service interface {
	HandleInboundMessage(ctx context.Context, id session.Identity, msg InboundMessage) Outcome
	RecordOutbound(ctx context.Context, id session.Identity, text string) error
}
