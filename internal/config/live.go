package config

import (
	"fmt"
	"sync"
	"time"

	"github.com/knadh/koanf/providers/file"
	"github.com/rs/zerolog/log"

	"github.com/brightears/bma-messenger-hub-sub001/internal/classifier"
	"github.com/brightears/bma-messenger-hub-sub001/internal/routing"
)

// Targets are the running components a reload is pushed into.
type Targets struct {
	Sessions    interface{ SetTimeout(time.Duration) }
	Classifier  interface{ SetRules(classifier.Rules) }
	Coordinator interface{ SetSettings(routing.Settings) error }
}

// Live holds the active configuration and applies updates to the targets.
type Live struct {
	mu      sync.Mutex
	cur     *Config
	targets Targets
}

func NewLive(cfg *Config, targets Targets) *Live {
	return &Live{cur: cfg, targets: targets}
}

// Current returns a copy of the active configuration.
func (l *Live) Current() Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return *l.cur
}

// Update validates cfg and pushes it to every target. An invalid config is
// rejected as a whole and the running one stays.
func (l *Live) Update(cfg *Config) error {
	if err := Validate(cfg); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.targets.Coordinator != nil {
		if err := l.targets.Coordinator.SetSettings(cfg.RoutingSettings()); err != nil {
			return err
		}
	}
	if l.targets.Classifier != nil {
		l.targets.Classifier.SetRules(cfg.ClassifierRules())
	}
	if l.targets.Sessions != nil {
		l.targets.Sessions.SetTimeout(cfg.SessionTimeout())
	}
	l.cur = cfg

	log.Info().
		Float64("threshold", cfg.Routing.Threshold).
		Int("max_clarifications", cfg.Routing.MaxClarifications).
		Dur("session_timeout", cfg.SessionTimeout()).
		Msg("configuration applied")
	return nil
}

// UpdateRouting replaces only the routing section.
func (l *Live) UpdateRouting(r Routing) error {
	next := l.Current()
	next.Routing = r
	return l.Update(&next)
}

// UpdateSession replaces only the session section.
func (l *Live) UpdateSession(s Session) error {
	next := l.Current()
	next.Session = s
	return l.Update(&next)
}

// Watch reloads path whenever it changes on disk.
func (l *Live) Watch(path string) error {
	if path == "" {
		return nil
	}
	f := file.Provider(path)
	return f.Watch(func(event interface{}, err error) {
		if err != nil {
			log.Error().Err(err).Str("path", path).Msg("config watch error")
			return
		}
		cfg, err := LoadConfig(path)
		if err != nil {
			log.Error().Err(err).Str("path", path).Msg("config reload failed")
			return
		}
		if err := l.Update(cfg); err != nil {
			log.Error().Err(fmt.Errorf("rejected reload: %w", err)).Str("path", path).Msg("config reload failed")
		}
	})
}
