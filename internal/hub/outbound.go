package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/brightears/bma-messenger-hub-sub001/internal/routing"
	"github.com/brightears/bma-messenger-hub-sub001/internal/session"
)

// webhookClient posts JSON to a URL with an optional bearer token.
type webhookClient struct {
	token  string
	client *http.Client
}

func newWebhookClient(token string) webhookClient {
	return webhookClient{
		token:  strings.TrimSpace(token),
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c webhookClient) post(ctx context.Context, url string, body any) ([]byte, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("webhook error: %s body=%s", resp.Status, respBody)
	}
	return respBody, nil
}

// WebhookNotifier posts routing decisions to a team channel. The body is
// compatible with Google Chat incoming webhooks: text plus thread, and the
// thread name from the response is kept for follow-ups.
type WebhookNotifier struct {
	url string
	webhookClient
}

var _ routing.Notifier = (*WebhookNotifier)(nil)

func NewWebhookNotifier(url, token string) (*WebhookNotifier, error) {
	if url == "" {
		return nil, errors.New("notifier webhook url not set")
	}
	return &WebhookNotifier{url: url, webhookClient: newWebhookClient(token)}, nil
}

type threadRef struct {
	Name string `json:"name,omitempty"`
}

type notification struct {
	Text     string                  `json:"text"`
	Thread   *threadRef              `json:"thread,omitempty"`
	Session  string                  `json:"session_id"`
	Identity session.Identity        `json:"identity"`
	Decision session.RoutingDecision `json:"decision"`
	Message  string                  `json:"message,omitempty"`
}

func (n *WebhookNotifier) Notify(ctx context.Context, sessionID string, decision session.RoutingDecision, sess session.Session) (string, error) {
	body := notification{
		Text:     formatNotification(sess, decision),
		Session:  sessionID,
		Identity: sess.Identity,
		Decision: decision,
		Message:  lastCustomerText(sess),
	}
	if sess.ExternalThread != "" {
		body.Thread = &threadRef{Name: sess.ExternalThread}
	}

	url := n.url
	if body.Thread != nil {
		url = withQuery(url, "messageReplyOption", "REPLY_MESSAGE_FALLBACK_TO_NEW_THREAD")
	}

	resp, err := n.post(ctx, url, body)
	if err != nil {
		return "", err
	}

	var reply struct {
		Thread threadRef `json:"thread"`
	}
	if len(resp) > 0 {
		if err := json.Unmarshal(resp, &reply); err != nil {
			log.Debug().Err(err).Str("session_id", sessionID).Msg("[notify] response has no thread")
		}
	}
	return reply.Thread.Name, nil
}

func formatNotification(sess session.Session, d session.RoutingDecision) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "*%s* | %s via %s\n", strings.ToUpper(d.Category), sess.Identity.SenderID, sess.Identity.Platform)
	fmt.Fprintf(&sb, "confidence %.0f%% (%s): %s\n", d.Confidence*100, d.Method, d.Justification)
	if text := lastCustomerText(sess); text != "" {
		fmt.Fprintf(&sb, "> %s", text)
	}
	return sb.String()
}

func lastCustomerText(sess session.Session) string {
	for i := len(sess.Messages) - 1; i >= 0; i-- {
		m := sess.Messages[i]
		if m.Direction == session.FromCustomer {
			if m.TranslatedText != "" && m.TranslatedText != m.Content {
				return m.Content + " (" + m.TranslatedText + ")"
			}
			return m.Content
		}
	}
	return ""
}

func withQuery(url, key, value string) string {
	sep := "?"
	if strings.Contains(url, "?") {
		sep = "&"
	}
	return url + sep + key + "=" + value
}

// WebhookReplies sends customer-facing text through the platform adapter.
// The URL may contain {platform}.
type WebhookReplies struct {
	url string
	webhookClient
}

var _ routing.ReplySender = (*WebhookReplies)(nil)

func NewWebhookReplies(url, token string) (*WebhookReplies, error) {
	if url == "" {
		return nil, errors.New("replies webhook url not set")
	}
	return &WebhookReplies{url: url, webhookClient: newWebhookClient(token)}, nil
}

func (r *WebhookReplies) SendReply(ctx context.Context, id session.Identity, text string) error {
	url := strings.ReplaceAll(r.url, "{platform}", id.Platform)
	_, err := r.post(ctx, url, map[string]any{
		"platform":  id.Platform,
		"sender_id": id.SenderID,
		"text":      text,
	})
	return err
}
