package hub

import (
	"context"

	"github.com/brightears/bma-messenger-hub-sub001/internal/config"
	"github.com/brightears/bma-messenger-hub-sub001/internal/session"
)

// Sessions is the read side of the session store used by the HTTP surface.
type Sessions interface {
	Get(ctx context.Context, id session.Identity) (session.Session, error)
	Stats() map[string]int
}

// RoutingAdmin exposes the live routing configuration.
type RoutingAdmin interface {
	Current() config.Config
	UpdateRouting(r config.Routing) error
}

// AuditLog serves transition history when a database is configured.
type AuditLog interface {
	History(ctx context.Context, sessionID string) ([]Transition, error)
}

// webhookPayload is the normalised body every platform adapter posts.
type webhookPayload struct {
	SenderID       string `json:"sender_id"`
	Text           string `json:"text"`
	Timestamp      *int64 `json:"timestamp,omitempty"` // unix millis
	Language       string `json:"language,omitempty"`
	TranslatedText string `json:"translated_text,omitempty"`
}

type outboundPayload struct {
	Text string `json:"text"`
}
