package runtime

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Checker is anything that can report its own availability.
type Checker interface {
	HealthCheck(ctx context.Context) error
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context) error

func (f CheckerFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

// ComponentStatus is the last check result of one dependency.
type ComponentStatus struct {
	Name      string    `json:"name"`
	Healthy   bool      `json:"healthy"`
	Required  bool      `json:"required"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Report is the outcome of checking every registered dependency.
type Report struct {
	Ready      bool              `json:"ready"`
	Degraded   bool              `json:"degraded"`
	Components []ComponentStatus `json:"components"`
}

type component struct {
	name     string
	checker  Checker
	required bool
}

// Services tracks the external dependencies of the sync engine. Required
// dependencies gate readiness. Optional ones, such as the extractor or the
// embedding service, only mark the engine degraded.
// Thread-safe for concurrent access.
type Services struct {
	mu         sync.RWMutex
	components []component
	last       map[string]ComponentStatus
	timeout    time.Duration
}

// NewServices creates a registry probing each dependency with timeout.
func NewServices(timeout time.Duration) *Services {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Services{
		last:    make(map[string]ComponentStatus),
		timeout: timeout,
	}
}

// Require registers a dependency the engine cannot run without.
func (s *Services) Require(name string, c Checker) {
	s.register(name, c, true)
}

// Optional registers a dependency whose loss degrades the engine.
func (s *Services) Optional(name string, c Checker) {
	s.register(name, c, false)
}

func (s *Services) register(name string, c Checker, required bool) {
	if c == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.components {
		if s.components[i].name == name {
			s.components[i] = component{name: name, checker: c, required: required}
			return
		}
	}
	s.components = append(s.components, component{name: name, checker: c, required: required})
}

// Check checks every dependency concurrently.
func (s *Services) Check(ctx context.Context) Report {
	s.mu.RLock()
	components := append([]component(nil), s.components...)
	s.mu.RUnlock()

	statuses := make([]ComponentStatus, len(components))
	g, gctx := errgroup.WithContext(ctx)
	for i, c := range components {
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(gctx, s.timeout)
			defer cancel()
			st := ComponentStatus{Name: c.name, Required: c.required, Healthy: true, CheckedAt: time.Now()}
			if err := c.checker.HealthCheck(pctx); err != nil {
				st.Healthy = false
				st.Error = err.Error()
			}
			statuses[i] = st
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })

	report := Report{Ready: true, Components: statuses}
	s.mu.Lock()
	for _, st := range statuses {
		s.last[st.Name] = st
		if st.Healthy {
			continue
		}
		if st.Required {
			report.Ready = false
		} else {
			report.Degraded = true
		}
	}
	s.mu.Unlock()
	return report
}

// Last returns the most recent check result for name.
func (s *Services) Last(name string) (ComponentStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.last[name]
	return st, ok
}
