package hub

import (
	"context"
	"database/sql"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/brightears/bma-messenger-hub-sub001/internal/session"
)

const auditSchema = `
CREATE TABLE IF NOT EXISTS session_transitions (
	id            BIGSERIAL PRIMARY KEY,
	session_id    TEXT NOT NULL,
	platform      TEXT NOT NULL,
	sender_id     TEXT NOT NULL,
	from_state    TEXT NOT NULL,
	to_state      TEXT NOT NULL,
	category      TEXT,
	confidence    DOUBLE PRECISION,
	justification TEXT,
	attempts      INT NOT NULL DEFAULT 0,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// AuditRepo keeps the transition history of every session in postgres.
type AuditRepo struct {
	db      *sql.DB
	timeout time.Duration
}

var _ session.Observer = (*AuditRepo)(nil)

func NewAuditRepo(db *sql.DB) *AuditRepo {
	return &AuditRepo{db: db, timeout: 2 * time.Second}
}

func (r *AuditRepo) EnsureSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, auditSchema)
	return err
}

// SessionTransitioned records the change. Failures are logged only; the
// audit never blocks routing.
func (r *AuditRepo) SessionTransitioned(ctx context.Context, sess session.Session, from, to session.State) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	var (
		category      sql.NullString
		confidence    sql.NullFloat64
		justification sql.NullString
	)
	if d := sess.Decision; d != nil && to == session.StateRouted {
		category = sql.NullString{String: d.Category, Valid: true}
		confidence = sql.NullFloat64{Float64: d.Confidence, Valid: true}
		justification = sql.NullString{String: d.Justification, Valid: true}
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO session_transitions
			(session_id, platform, sender_id, from_state, to_state, category, confidence, justification, attempts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		sess.ID,
		sess.Identity.Platform,
		sess.Identity.SenderID,
		string(from),
		string(to),
		category,
		confidence,
		justification,
		sess.ClarificationAttempts,
	)
	if err != nil {
		log.Error().Err(err).Str("session_id", sess.ID).Str("to", string(to)).Msg("[audit] insert failed")
	}
}

// Transition is one row of the audit trail.
type Transition struct {
	SessionID     string        `json:"session_id"`
	From          session.State `json:"from"`
	To            session.State `json:"to"`
	Category      string        `json:"category,omitempty"`
	Confidence    float64       `json:"confidence"`
	Justification string        `json:"justification,omitempty"`
	Attempts      int           `json:"attempts"`
	CreatedAt     time.Time     `json:"created_at"`
}

func (r *AuditRepo) History(ctx context.Context, sessionID string) ([]Transition, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT session_id, from_state, to_state,
			COALESCE(category, ''), COALESCE(confidence, 0), COALESCE(justification, ''),
			attempts, created_at
		FROM session_transitions
		WHERE session_id = $1
		ORDER BY id ASC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var t Transition
		var from, to string
		if err := rows.Scan(
			&t.SessionID,
			&from,
			&to,
			&t.Category,
			&t.Confidence,
			&t.Justification,
			&t.Attempts,
			&t.CreatedAt,
		); err != nil {
			return nil, err
		}
		t.From = session.State(from)
		t.To = session.State(to)
		out = append(out, t)
	}

	return out, rows.Err()
}
