package agentproc

import (
	"sync"

	"github.com/jmalloc/drover/internal/events"
	"github.com/jmalloc/drover/internal/store"
)

// Supervisor tracks one runner per session. At most one agent process
// exists for a session at a time.
type Supervisor struct {
	bus   *events.Bus
	store *store.Store

	mu      sync.Mutex
	runners map[string]*Runner
}

// NewSupervisor creates an empty supervisor.
func NewSupervisor(bus *events.Bus, st *store.Store) *Supervisor {
	return &Supervisor{
		bus:     bus,
		store:   st,
		runners: make(map[string]*Runner),
	}
}

// StartAgent launches an agent for the session. A live runner is
// returned unchanged; one whose process has exited is torn down and
// replaced, carrying its conversation id forward so the replacement
// resumes instead of starting over.
func (s *Supervisor) StartAgent(cfg RunnerConfig, hooks RunnerHooks) (*Runner, error) {
	s.mu.Lock()
	if old, ok := s.runners[cfg.SessionID]; ok {
		if old.Running() {
			s.mu.Unlock()
			return old, nil
		}
		delete(s.runners, cfg.SessionID)
		s.mu.Unlock()
		if cfg.AgentSessionID == "" {
			cfg.AgentSessionID = old.AgentSessionID()
		}
		old.Stop()
	} else {
		s.mu.Unlock()
	}

	r := NewRunner(cfg, s.bus, s.store, hooks)
	if err := r.Start(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.runners[cfg.SessionID] = r
	s.mu.Unlock()
	return r, nil
}

// Get returns the session's runner, or nil.
func (s *Supervisor) Get(sessionID string) *Runner {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runners[sessionID]
}

// StopAgent stops and forgets the session's runner. A no-op when none
// is running.
func (s *Supervisor) StopAgent(sessionID string) {
	s.mu.Lock()
	r, ok := s.runners[sessionID]
	delete(s.runners, sessionID)
	s.mu.Unlock()

	if ok {
		r.Stop()
	}
}

// StopAll stops every runner. Used at shutdown.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	runners := make([]*Runner, 0, len(s.runners))
	for _, r := range s.runners {
		runners = append(runners, r)
	}
	s.runners = make(map[string]*Runner)
	s.mu.Unlock()

	for _, r := range runners {
		r.Stop()
	}
}
