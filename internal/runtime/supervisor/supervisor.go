package supervisor

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Component is a unit of background work whose lifetime follows the control
// plane: started after the listener is bound, stopped after it is drained.
type Component interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Supervisor starts components in registration order and stops them in
// reverse. It may be cycled through Start/Stop any number of times.
type Supervisor struct {
	mu         sync.Mutex
	components []Component
	running    []Component
	logger     zerolog.Logger
}

// New creates an empty supervisor.
func New(logger zerolog.Logger) *Supervisor {
	return &Supervisor{logger: logger}
}

// Register adds a component. Registration while components are running panics.
func (s *Supervisor) Register(c Component) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running != nil {
		panic("supervisor: cannot register component while running")
	}
	s.components = append(s.components, c)
}

// Start starts every registered component. If one fails, the ones already
// started are stopped in reverse order and the error is returned.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running != nil {
		return nil
	}
	started := make([]Component, 0, len(s.components))
	for _, c := range s.components {
		if err := c.Start(ctx); err != nil {
			for i := len(started) - 1; i >= 0; i-- {
				if stopErr := started[i].Stop(ctx); stopErr != nil {
					s.logger.Warn().Err(stopErr).Str("component", started[i].Name()).Msg("rollback stop failed")
				}
			}
			return fmt.Errorf("start %s: %w", c.Name(), err)
		}
		s.logger.Debug().Str("component", c.Name()).Msg("component started")
		started = append(started, c)
	}
	s.running = started
	return nil
}

// Stop stops running components in reverse start order and returns the
// first error. Safe to call when nothing is running.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	running := s.running
	s.running = nil

	var firstErr error
	for i := len(running) - 1; i >= 0; i-- {
		c := running[i]
		if err := c.Stop(ctx); err != nil {
			s.logger.Warn().Err(err).Str("component", c.Name()).Msg("component stop failed")
			if firstErr == nil {
				firstErr = fmt.Errorf("stop %s: %w", c.Name(), err)
			}
			continue
		}
		s.logger.Debug().Str("component", c.Name()).Msg("component stopped")
	}
	return firstErr
}
