package session

import (
	"context"
	"strconv"
	"time"
)

// Identity is the (platform, sender) pair; one live session per identity.
type Identity struct {
	Platform string `json:"platform"`
	SenderID string `json:"sender_id"`
}

// Key is the lookup key in the store. The platform is length-prefixed so a
// ':' inside either part cannot make two identities share a key.
func (i Identity) Key() string {
	return strconv.Itoa(len(i.Platform)) + ":" + i.Platform + ":" + i.SenderID
}

func (i Identity) String() string {
	return i.Platform + ":" + i.SenderID
}

type Direction string

const (
	FromCustomer Direction = "from_customer"
	ToCustomer   Direction = "to_customer"
)

type Message struct {
	Content        string    `json:"content"`
	Timestamp      time.Time `json:"timestamp"`
	Direction      Direction `json:"direction"`
	TranslatedText string    `json:"translated_text,omitempty"`
	Language       string    `json:"language,omitempty"`
}

// Text returns the translated content when present.
func (m Message) Text() string {
	if m.TranslatedText != "" {
		return m.TranslatedText
	}
	return m.Content
}

// RoutingDecision is immutable once recorded on a session.
type RoutingDecision struct {
	Category      string    `json:"category"`
	Confidence    float64   `json:"confidence"`
	Justification string    `json:"justification"`
	Method        string    `json:"method,omitempty"`
	DecidedAt     time.Time `json:"decided_at"`
}

// Session is a point-in-time copy; mutate it only through the Store.
type Session struct {
	ID                    string           `json:"id"`
	Identity              Identity         `json:"identity"`
	State                 State            `json:"state"`
	Messages              []Message        `json:"messages"`
	ClarificationAttempts int              `json:"clarification_attempts"`
	Decision              *RoutingDecision `json:"decision,omitempty"`
	Language              string           `json:"language,omitempty"`
	ExternalThread        string           `json:"external_thread,omitempty"`
	CreatedAt             time.Time        `json:"created_at"`
	UpdatedAt             time.Time        `json:"updated_at"`
	ExpiresAt             time.Time        `json:"expires_at"`
}

// Recent returns up to n of the newest messages, oldest first.
func (s Session) Recent(n int) []Message {
	if n <= 0 || n >= len(s.Messages) {
		return s.Messages
	}
	return s.Messages[len(s.Messages)-n:]
}

func (s *Session) clone() Session {
	out := *s
	out.Messages = append([]Message(nil), s.Messages...)
	if s.Decision != nil {
		d := *s.Decision
		out.Decision = &d
	}
	return out
}

// Observer receives every state change, used for audit.
type Observer interface {
	SessionTransitioned(ctx context.Context, sess Session, from, to State)
}

// Manager is what the routing layer needs from the store.
type Manager interface {
	GetOrCreate(ctx context.Context, id Identity) (Session, error)
	Get(ctx context.Context, id Identity) (Session, error)
	AppendMessage(ctx context.Context, sessionID string, msg Message) (Session, error)
	Transition(ctx context.Context, sessionID string, to State) error
	RecordRoutingDecision(ctx context.Context, sessionID string, decision RoutingDecision) (Session, error)
	IncrementClarification(ctx context.Context, sessionID string) (int, error)
	SetExternalThread(ctx context.Context, sessionID, thread string) error
	SweepExpired(ctx context.Context) int
}
