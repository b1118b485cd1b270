package session_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brightears/bma-messenger-hub-sub001/internal/session"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type transition struct {
	id       string
	from, to session.State
}

type recordingObserver struct {
	mu   sync.Mutex
	seen []transition
}

func (o *recordingObserver) SessionTransitioned(_ context.Context, sess session.Session, from, to session.State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.seen = append(o.seen, transition{id: sess.ID, from: from, to: to})
}

var alice = session.Identity{Platform: "whatsapp", SenderID: "+6612345"}

func TestStore_GetOrCreate(t *testing.T) {
	ctx := context.Background()
	store := session.NewStore(15 * time.Minute)

	s1, err := store.GetOrCreate(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, session.StateNew, s1.State)
	assert.NotEmpty(t, s1.ID)

	s2, err := store.GetOrCreate(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, s1.ID, s2.ID)

	bob := session.Identity{Platform: "line", SenderID: "+6612345"}
	s3, err := store.GetOrCreate(ctx, bob)
	require.NoError(t, err)
	assert.NotEqual(t, s1.ID, s3.ID, "same sender on another platform is another identity")

	_, err = store.GetOrCreate(ctx, session.Identity{Platform: "line"})
	assert.Error(t, err)
}

func TestStore_GetOrCreate_SeparatorInIdentity(t *testing.T) {
	ctx := context.Background()
	store := session.NewStore(15 * time.Minute)

	a := session.Identity{Platform: "gchat", SenderID: "users:42"}
	b := session.Identity{Platform: "gchat:users", SenderID: "42"}

	sa, err := store.GetOrCreate(ctx, a)
	require.NoError(t, err)
	sb, err := store.GetOrCreate(ctx, b)
	require.NoError(t, err)

	assert.NotEqual(t, sa.ID, sb.ID)
	assert.Equal(t, b, sb.Identity)

	got, err := store.Get(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, sa.ID, got.ID)
}

func TestStore_GetOrCreate_ConcurrentSingleSession(t *testing.T) {
	ctx := context.Background()
	store := session.NewStore(time.Minute)

	const workers = 64
	ids := make([]string, workers)

	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sess, err := store.GetOrCreate(ctx, alice)
			if err == nil {
				ids[i] = sess.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.Equal(t, 1, store.Len())
}

func TestStore_AppendMessage(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := session.NewStore(15*time.Minute, session.WithClock(clock.Now))

	sess, err := store.GetOrCreate(ctx, alice)
	require.NoError(t, err)

	clock.Advance(time.Minute)
	got, err := store.AppendMessage(ctx, sess.ID, session.Message{Content: "hello"})
	require.NoError(t, err)

	clock.Advance(time.Minute)
	_, err = store.AppendMessage(ctx, sess.ID, session.Message{Content: "sawasdee", Language: "th"})
	require.NoError(t, err)

	clock.Advance(time.Minute)
	got, err = store.AppendMessage(ctx, sess.ID, session.Message{Content: "hi again", Language: "en"})
	require.NoError(t, err)

	assert.Equal(t, "th", got.Language, "language is fixed by the first message that carries one")
	assert.Equal(t, sess.CreatedAt, got.CreatedAt)
	assert.Equal(t, clock.Now(), got.UpdatedAt)
	assert.Equal(t, clock.Now().Add(15*time.Minute), got.ExpiresAt)

	contents := make([]string, 0, len(got.Messages))
	for _, m := range got.Messages {
		contents = append(contents, m.Content)
		assert.Equal(t, session.FromCustomer, m.Direction)
	}
	if diff := cmp.Diff([]string{"hello", "sawasdee", "hi again"}, contents); diff != "" {
		t.Errorf("message order mismatch (-want +got):\n%s", diff)
	}
}

func TestStore_AppendMessage_OutboundDoesNotSetLanguage(t *testing.T) {
	ctx := context.Background()
	store := session.NewStore(time.Minute)

	sess, _ := store.GetOrCreate(ctx, alice)
	got, err := store.AppendMessage(ctx, sess.ID, session.Message{Content: "How can we help?", Direction: session.ToCustomer, Language: "en"})
	require.NoError(t, err)
	assert.Empty(t, got.Language)
}

func TestStore_AppendMessage_NotFound(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := session.NewStore(time.Minute, session.WithClock(clock.Now))

	_, err := store.AppendMessage(ctx, "missing", session.Message{Content: "x"})
	assert.ErrorIs(t, err, session.ErrNotFound)

	sess, _ := store.GetOrCreate(ctx, alice)
	clock.Advance(2 * time.Minute)

	_, err = store.AppendMessage(ctx, sess.ID, session.Message{Content: "late"})
	assert.ErrorIs(t, err, session.ErrNotFound)
	assert.Equal(t, 0, store.Len(), "expired session is evicted on access")
}

func TestStore_Transition(t *testing.T) {
	tests := []struct {
		name    string
		path    []session.State
		wantErr bool
	}{
		{name: "new to awaiting", path: []session.State{session.StateAwaitingClarification}},
		{name: "new to routed", path: []session.State{session.StateRouted}},
		{name: "clarified then routed", path: []session.State{session.StateAwaitingClarification, session.StateClarified, session.StateRouted}},
		{name: "new to clarified", path: []session.State{session.StateClarified}, wantErr: true},
		{name: "new to new", path: []session.State{session.StateNew}, wantErr: true},
		{name: "routed is terminal", path: []session.State{session.StateRouted, session.StateAwaitingClarification}, wantErr: true},
		{name: "awaiting back to new", path: []session.State{session.StateAwaitingClarification, session.StateNew}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			store := session.NewStore(time.Minute)
			sess, _ := store.GetOrCreate(ctx, alice)

			var err error
			for _, st := range tt.path {
				if err = store.Transition(ctx, sess.ID, st); err != nil {
					break
				}
			}

			if !tt.wantErr {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, session.ErrInvalidTransition)
			var te *session.TransitionError
			assert.True(t, errors.As(err, &te))
		})
	}
}

func TestStore_Transition_InvalidLeavesSessionUnchanged(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := session.NewStore(time.Minute, session.WithClock(clock.Now))

	sess, _ := store.GetOrCreate(ctx, alice)
	clock.Advance(10 * time.Second)

	err := store.Transition(ctx, sess.ID, session.StateClarified)
	require.ErrorIs(t, err, session.ErrInvalidTransition)

	got, err := store.Get(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, session.StateNew, got.State)
	assert.Equal(t, sess.UpdatedAt, got.UpdatedAt)
}

func TestStore_RecordRoutingDecision_Once(t *testing.T) {
	ctx := context.Background()
	obs := &recordingObserver{}
	store := session.NewStore(time.Minute, session.WithObserver(obs))
	sess, _ := store.GetOrCreate(ctx, alice)

	first := session.RoutingDecision{Category: "sales", Confidence: 1, Justification: "keyword"}
	got, err := store.RecordRoutingDecision(ctx, sess.ID, first)
	require.NoError(t, err)
	assert.Equal(t, session.StateRouted, got.State)
	require.NotNil(t, got.Decision)
	assert.False(t, got.Decision.DecidedAt.IsZero())

	_, err = store.RecordRoutingDecision(ctx, sess.ID, session.RoutingDecision{Category: "support"})
	assert.ErrorIs(t, err, session.ErrAlreadyRouted)

	after, err := store.Get(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, "sales", after.Decision.Category)

	require.Len(t, obs.seen, 1)
	assert.Equal(t, transition{id: sess.ID, from: session.StateNew, to: session.StateRouted}, obs.seen[0])
}

func TestStore_RecordRoutingDecision_Concurrent(t *testing.T) {
	ctx := context.Background()
	store := session.NewStore(time.Minute)
	sess, _ := store.GetOrCreate(ctx, alice)

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.RecordRoutingDecision(ctx, sess.ID, session.RoutingDecision{Category: "sales"})
			if err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, ok)
}

func TestStore_IncrementClarification(t *testing.T) {
	ctx := context.Background()
	store := session.NewStore(time.Minute)
	sess, _ := store.GetOrCreate(ctx, alice)

	n, err := store.IncrementClarification(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, store.Transition(ctx, sess.ID, session.StateAwaitingClarification))
	n, err = store.IncrementClarification(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, store.Transition(ctx, sess.ID, session.StateClarified))
	_, err = store.IncrementClarification(ctx, sess.ID)
	assert.ErrorIs(t, err, session.ErrClarificationClosed)

	_, err = store.IncrementClarification(ctx, "missing")
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestStore_SweepExpired(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	obs := &recordingObserver{}
	store := session.NewStore(15*time.Minute, session.WithClock(clock.Now), session.WithObserver(obs))

	old, _ := store.GetOrCreate(ctx, alice)
	_, err := store.RecordRoutingDecision(ctx, old.ID, session.RoutingDecision{Category: "sales"})
	require.NoError(t, err)

	clock.Advance(10 * time.Minute)
	bob := session.Identity{Platform: "gchat", SenderID: "spaces/abc"}
	_, _ = store.GetOrCreate(ctx, bob)

	clock.Advance(6 * time.Minute)
	assert.Equal(t, 1, store.SweepExpired(ctx))
	assert.Equal(t, 0, store.SweepExpired(ctx), "second sweep is a no-op")
	assert.Equal(t, 1, store.Len())

	fresh, err := store.GetOrCreate(ctx, alice)
	require.NoError(t, err)
	assert.NotEqual(t, old.ID, fresh.ID)
	assert.Equal(t, session.StateNew, fresh.State)
	assert.Nil(t, fresh.Decision)
	assert.Zero(t, fresh.ClarificationAttempts)

	last := obs.seen[len(obs.seen)-1]
	assert.Equal(t, session.StateExpired, last.to)
	assert.Equal(t, session.StateRouted, last.from)
}

func TestStore_SweepEmptyStore(t *testing.T) {
	store := session.NewStore(time.Minute)
	assert.Equal(t, 0, store.SweepExpired(context.Background()))
	assert.Equal(t, 0, store.SweepExpired(context.Background()))
}

func TestStore_SlidingExpiry(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := session.NewStore(15*time.Minute, session.WithClock(clock.Now))

	sess, _ := store.GetOrCreate(ctx, alice)
	for range 4 {
		clock.Advance(10 * time.Minute)
		_, err := store.AppendMessage(ctx, sess.ID, session.Message{Content: "still here"})
		require.NoError(t, err)
	}

	assert.Equal(t, 0, store.SweepExpired(ctx))
	got, err := store.Get(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)
}

func TestStore_ExpiredTreatedAsAbsentBeforeSweep(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := session.NewStore(time.Minute, session.WithClock(clock.Now))

	old, _ := store.GetOrCreate(ctx, alice)
	clock.Advance(time.Minute)

	_, err := store.Get(ctx, alice)
	assert.ErrorIs(t, err, session.ErrNotFound)

	fresh, err := store.GetOrCreate(ctx, alice)
	require.NoError(t, err)
	assert.NotEqual(t, old.ID, fresh.ID)
}

func TestStore_SetTimeout(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := session.NewStore(time.Minute, session.WithClock(clock.Now))

	store.SetTimeout(time.Hour)
	sess, _ := store.GetOrCreate(ctx, alice)
	assert.Equal(t, clock.Now().Add(time.Hour), sess.ExpiresAt)

	store.SetTimeout(0)
	assert.Equal(t, session.DefaultTimeout, store.Timeout())
}

func TestStore_SnapshotsAreCopies(t *testing.T) {
	ctx := context.Background()
	store := session.NewStore(time.Minute)
	sess, _ := store.GetOrCreate(ctx, alice)

	got, err := store.AppendMessage(ctx, sess.ID, session.Message{Content: "original"})
	require.NoError(t, err)
	got.Messages[0].Content = "tampered"

	again, err := store.Get(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, "original", again.Messages[0].Content)
}

func TestStore_Stats(t *testing.T) {
	ctx := context.Background()
	store := session.NewStore(time.Minute)

	a, _ := store.GetOrCreate(ctx, alice)
	_, _ = store.GetOrCreate(ctx, session.Identity{Platform: "line", SenderID: "U1"})
	require.NoError(t, store.Transition(ctx, a.ID, session.StateAwaitingClarification))

	stats := store.Stats()
	assert.Equal(t, 2, stats["total"])
	assert.Equal(t, 1, stats[string(session.StateNew)])
	assert.Equal(t, 1, stats[string(session.StateAwaitingClarification)])
}
