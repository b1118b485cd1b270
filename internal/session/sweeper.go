package session

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultSweepInterval is how often expired sessions are removed.
const DefaultSweepInterval = 60 * time.Second

// Start launches the periodic sweep. Calling Start on a running store is a no-op.
func (s *Store) Start(ctx context.Context) {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	if s.cancel != nil {
		return
	}

	sweepCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.runSweep(sweepCtx, s.done)
}

// Running reports whether the sweep loop is active.
func (s *Store) Running() bool {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	return s.cancel != nil
}

// Close stops the sweep and drops every session. The store has no persistence,
// so whatever is still live is discarded.
func (s *Store) Close() {
	s.lifeMu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.lifeMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	dropped := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for key, sess := range sh.sessions {
			s.index.Delete(sess.ID)
			delete(sh.sessions, key)
			dropped++
		}
		sh.mu.Unlock()
	}

	log.Info().Int("dropped", dropped).Msg("session store closed")
}

func (s *Store) runSweep(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug().Msg("session sweep stopping")
			return
		case <-ticker.C:
			start := time.Now()
			removed := s.SweepExpired(ctx)
			if removed > 0 {
				log.Info().
					Int("removed", removed).
					Dur("duration", time.Since(start)).
					Msg("expired sessions swept")
			}
		}
	}
}
