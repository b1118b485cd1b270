package session

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultTimeout is the sliding inactivity window of a session.
	DefaultTimeout = 15 * time.Minute

	shardCount = 32
)

type shard struct {
	mu       sync.Mutex
	sessions map[string]*Session // identity key -> session
}

// Store owns every live session in memory. Sessions are spread over a fixed
// lock table keyed by identity, so two identities only contend when they hash
// to the same shard and never across I/O.
type Store struct {
	shards   [shardCount]*shard
	index    sync.Map // session ID -> identity key
	timeout  atomic.Int64
	now      func() time.Time
	observer Observer

	sweepEvery time.Duration
	lifeMu     sync.Mutex
	cancel     context.CancelFunc
	done       chan struct{}
}

var _ Manager = (*Store)(nil)

type Option func(*Store)

// WithClock replaces time.Now, used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func WithObserver(o Observer) Option {
	return func(s *Store) { s.observer = o }
}

func WithSweepInterval(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.sweepEvery = d
		}
	}
}

func NewStore(timeout time.Duration, opts ...Option) *Store {
	s := &Store{
		now:        time.Now,
		sweepEvery: DefaultSweepInterval,
	}
	for i := range s.shards {
		s.shards[i] = &shard{sessions: make(map[string]*Session)}
	}
	s.SetTimeout(timeout)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetTimeout changes the window applied from the next mutation on.
func (s *Store) SetTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultTimeout
	}
	s.timeout.Store(int64(d))
}

func (s *Store) Timeout() time.Duration {
	return time.Duration(s.timeout.Load())
}

func (s *Store) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return s.shards[h.Sum32()%shardCount]
}

func (s *Store) touch(sess *Session, now time.Time) {
	sess.UpdatedAt = now
	sess.ExpiresAt = now.Add(s.Timeout())
}

func expired(sess *Session, now time.Time) bool {
	return !now.Before(sess.ExpiresAt)
}

// evictLocked removes an expired session; caller holds the shard lock.
func (s *Store) evictLocked(sh *shard, key string, sess *Session) Session {
	delete(sh.sessions, key)
	s.index.Delete(sess.ID)
	sess.State = StateExpired
	return sess.clone()
}

// GetOrCreate returns the live session for id, creating a NEW one when there
// is none or the previous one has expired.
func (s *Store) GetOrCreate(ctx context.Context, id Identity) (Session, error) {
	if id.Platform == "" || id.SenderID == "" {
		return Session{}, fmt.Errorf("identity %q: platform and sender are required", id.String())
	}

	key := id.Key()
	sh := s.shardFor(key)
	now := s.now()

	sh.mu.Lock()
	var evicted *Session
	var prev State
	if sess, ok := sh.sessions[key]; ok {
		if !expired(sess, now) {
			out := sess.clone()
			sh.mu.Unlock()
			return out, nil
		}
		prev = sess.State
		e := s.evictLocked(sh, key, sess)
		evicted = &e
	}

	sess := &Session{
		ID:        uuid.NewString(),
		Identity:  id,
		State:     StateNew,
		CreatedAt: now,
	}
	s.touch(sess, now)
	sh.sessions[key] = sess
	s.index.Store(sess.ID, key)
	out := sess.clone()
	sh.mu.Unlock()

	if evicted != nil {
		s.observe(ctx, *evicted, prev, StateExpired)
	}

	log.Debug().
		Str("session_id", out.ID).
		Str("platform", id.Platform).
		Str("sender", id.SenderID).
		Msg("session created")

	return out, nil
}

// Get returns the live session for id without creating one.
func (s *Store) Get(ctx context.Context, id Identity) (Session, error) {
	key := id.Key()
	sh := s.shardFor(key)

	sh.mu.Lock()
	sess, ok := sh.sessions[key]
	if !ok {
		sh.mu.Unlock()
		return Session{}, fmt.Errorf("identity %s: %w", id, ErrNotFound)
	}
	if expired(sess, s.now()) {
		prev := sess.State
		e := s.evictLocked(sh, key, sess)
		sh.mu.Unlock()
		s.observe(ctx, e, prev, StateExpired)
		return Session{}, fmt.Errorf("identity %s: %w", id, ErrNotFound)
	}
	out := sess.clone()
	sh.mu.Unlock()
	return out, nil
}

// mutate runs fn under the session's shard lock. fn returning an error leaves
// the session untouched; on success the sliding expiry is refreshed.
func (s *Store) mutate(ctx context.Context, sessionID string, fn func(sess *Session, now time.Time) error) (Session, State, error) {
	v, ok := s.index.Load(sessionID)
	if !ok {
		return Session{}, "", fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	key := v.(string)
	sh := s.shardFor(key)
	now := s.now()

	sh.mu.Lock()
	sess, ok := sh.sessions[key]
	if !ok || sess.ID != sessionID {
		sh.mu.Unlock()
		return Session{}, "", fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if expired(sess, now) {
		prev := sess.State
		e := s.evictLocked(sh, key, sess)
		sh.mu.Unlock()
		s.observe(ctx, e, prev, StateExpired)
		return Session{}, "", fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}

	prev := sess.State
	if err := fn(sess, now); err != nil {
		sh.mu.Unlock()
		return Session{}, prev, err
	}
	s.touch(sess, now)
	out := sess.clone()
	sh.mu.Unlock()

	if out.State != prev {
		s.observe(ctx, out, prev, out.State)
	}
	return out, prev, nil
}

// AppendMessage adds msg to the ordered history. The session language is taken
// from the first customer message that carries one.
func (s *Store) AppendMessage(ctx context.Context, sessionID string, msg Message) (Session, error) {
	out, _, err := s.mutate(ctx, sessionID, func(sess *Session, now time.Time) error {
		if msg.Timestamp.IsZero() {
			msg.Timestamp = now
		}
		if msg.Direction == "" {
			msg.Direction = FromCustomer
		}
		sess.Messages = append(sess.Messages, msg)
		if sess.Language == "" && msg.Direction == FromCustomer && msg.Language != "" {
			sess.Language = msg.Language
		}
		return nil
	})
	return out, err
}

// Transition moves the session along an edge of the state graph.
func (s *Store) Transition(ctx context.Context, sessionID string, to State) error {
	_, _, err := s.mutate(ctx, sessionID, func(sess *Session, _ time.Time) error {
		if !CanTransition(sess.State, to) {
			return &TransitionError{SessionID: sessionID, From: sess.State, To: to}
		}
		sess.State = to
		return nil
	})
	return err
}

// RecordRoutingDecision stores the decision and moves the session to ROUTED.
// A session is routed at most once.
func (s *Store) RecordRoutingDecision(ctx context.Context, sessionID string, decision RoutingDecision) (Session, error) {
	out, _, err := s.mutate(ctx, sessionID, func(sess *Session, now time.Time) error {
		if sess.Decision != nil {
			return fmt.Errorf("session %s routed to %s: %w", sessionID, sess.Decision.Category, ErrAlreadyRouted)
		}
		if !CanTransition(sess.State, StateRouted) {
			return &TransitionError{SessionID: sessionID, From: sess.State, To: StateRouted}
		}
		if decision.DecidedAt.IsZero() {
			decision.DecidedAt = now
		}
		sess.Decision = &decision
		sess.State = StateRouted
		return nil
	})
	return out, err
}

// IncrementClarification bumps the attempt counter and returns the new value.
func (s *Store) IncrementClarification(ctx context.Context, sessionID string) (int, error) {
	out, _, err := s.mutate(ctx, sessionID, func(sess *Session, _ time.Time) error {
		if !acceptsClarification(sess.State) {
			return fmt.Errorf("session %s in %s: %w", sessionID, sess.State, ErrClarificationClosed)
		}
		sess.ClarificationAttempts++
		return nil
	})
	if err != nil {
		return 0, err
	}
	return out.ClarificationAttempts, nil
}

// SetExternalThread stores the downstream thread handle of a routed session.
func (s *Store) SetExternalThread(ctx context.Context, sessionID, thread string) error {
	_, _, err := s.mutate(ctx, sessionID, func(sess *Session, _ time.Time) error {
		sess.ExternalThread = thread
		return nil
	})
	return err
}

// SweepExpired removes every session whose expiry has passed and returns how
// many were removed.
func (s *Store) SweepExpired(ctx context.Context) int {
	type gone struct {
		sess Session
		prev State
	}
	var removed []gone

	for _, sh := range s.shards {
		now := s.now()
		sh.mu.Lock()
		for key, sess := range sh.sessions {
			if expired(sess, now) {
				prev := sess.State
				removed = append(removed, gone{sess: s.evictLocked(sh, key, sess), prev: prev})
			}
		}
		sh.mu.Unlock()
	}

	for _, g := range removed {
		s.observe(ctx, g.sess, g.prev, StateExpired)
	}
	return len(removed)
}

// Stats counts live sessions per state.
func (s *Store) Stats() map[string]int {
	stats := map[string]int{"total": 0}
	for _, sh := range s.shards {
		now := s.now()
		sh.mu.Lock()
		for _, sess := range sh.sessions {
			stats["total"]++
			if expired(sess, now) {
				stats[string(StateExpired)]++
				continue
			}
			stats[string(sess.State)]++
		}
		sh.mu.Unlock()
	}
	return stats
}

// Len is the number of stored sessions, expired or not.
func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.sessions)
		sh.mu.Unlock()
	}
	return n
}

func (s *Store) observe(ctx context.Context, sess Session, from, to State) {
	log.Info().
		Str("session_id", sess.ID).
		Str("platform", sess.Identity.Platform).
		Str("sender", sess.Identity.SenderID).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("session transition")

	if s.observer != nil {
		s.observer.SessionTransitioned(ctx, sess, from, to)
	}
}
