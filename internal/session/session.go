// ABOUTME: Socket session owning one multiplexer, one task set, and the runs it created
// ABOUTME: Cleanup cancels every task and removes every owned run from the registry

package session

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/2389/coven-runs/internal/run"
	"github.com/2389/coven-runs/internal/task"
)

// Session is the lifetime of one accepted socket.
type Session struct {
	ID          string
	PrincipalID string
	Mux         *Multiplexer
	Tasks       *task.Set
	Limiter     *rate.Limiter
	CreatedAt   time.Time

	logger *slog.Logger

	mu    sync.Mutex
	runs  map[string]struct{}
	views map[string]map[string]struct{} // run id -> view names
}

// Options configures a new session.
type Options struct {
	PrincipalID  string
	WriteTimeout time.Duration
	// MessagesPerSecond of zero disables inbound rate limiting.
	MessagesPerSecond float64
	Burst             int
	// OnTaskReaped is called after a finished task leaves the task set.
	OnTaskReaped func(h *task.Handle)
}

// New creates a session with a fresh id and an unbound multiplexer.
func New(opts Options, logger *slog.Logger) *Session {
	id := uuid.New().String()
	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.MessagesPerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.MessagesPerSecond), burst)
	}
	return &Session{
		ID:          id,
		PrincipalID: opts.PrincipalID,
		Mux:         NewMultiplexer(id, opts.WriteTimeout, logger),
		Tasks:       task.NewSet(opts.OnTaskReaped),
		Limiter:     limiter,
		CreatedAt:   time.Now().UTC(),
		logger:      logger.With("component", "session", "session_id", id),
		runs:        make(map[string]struct{}),
		views:       make(map[string]map[string]struct{}),
	}
}

// Logger returns the session-scoped logger.
func (s *Session) Logger() *slog.Logger {
	return s.logger
}

// Allow reports whether one more inbound message fits the rate limit.
func (s *Session) Allow() bool {
	return s.Limiter.Allow()
}

// Own records that this session created or resumed runID.
func (s *Session) Own(runID string) {
	s.mu.Lock()
	s.runs[runID] = struct{}{}
	s.mu.Unlock()
}

// Disown forgets runID and its view subscriptions.
func (s *Session) Disown(runID string) {
	s.mu.Lock()
	delete(s.runs, runID)
	delete(s.views, runID)
	s.mu.Unlock()
}

// Owns reports whether this session owns runID.
func (s *Session) Owns(runID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.runs[runID]
	return ok
}

// Runs returns the owned run ids, sorted.
func (s *Session) Runs() []string {
	s.mu.Lock()
	ids := make([]string, 0, len(s.runs))
	for id := range s.runs {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Subscribe adds a view subscription. It reports whether it was new.
func (s *Session) Subscribe(runID, view string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.views[runID]
	if !ok {
		set = make(map[string]struct{})
		s.views[runID] = set
	}
	if _, exists := set[view]; exists {
		return false
	}
	set[view] = struct{}{}
	return true
}

// Unsubscribe removes a view subscription. It reports whether it existed.
func (s *Session) Unsubscribe(runID, view string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.views[runID]
	if !ok {
		return false
	}
	if _, exists := set[view]; !exists {
		return false
	}
	delete(set, view)
	if len(set) == 0 {
		delete(s.views, runID)
	}
	return true
}

// Subscribed reports whether the session watches view on runID.
func (s *Session) Subscribed(runID, view string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.views[runID][view]
	return ok
}

// CleanupReport summarizes what Cleanup tore down.
type CleanupReport struct {
	Removed  []run.Meta
	TimedOut []string
}

// Cleanup tears the session down: every task is cancelled with a bounded
// wait, every owned run is removed from the registry, and the socket is
// closed. Timeouts are logged; cleanup always completes.
func (s *Session) Cleanup(ctx context.Context, registry *run.Registry, timeout time.Duration) CleanupReport {
	var report CleanupReport
	s.Mux.Close()

	for key, err := range s.Tasks.CancelAll(ctx, timeout) {
		switch {
		case err == nil, errors.Is(err, context.Canceled):
			s.logger.Debug("task cancelled", "task", key)
		case errors.Is(err, task.ErrCancelTimeout):
			s.logger.Warn("task did not stop in time, leaving it detached", "task", key, "timeout", timeout)
			report.TimedOut = append(report.TimedOut, key)
		default:
			s.logger.Warn("task ended with error during cleanup", "task", key, "error", err)
		}
	}

	for _, runID := range s.Runs() {
		if c, ok := registry.Get(runID); ok {
			if h := c.PrincipalTask(); h != nil {
				h.Cancel()
			}
			c.BindEmitter(nil)
			c.BindTasks(nil)
			if registry.Delete(runID) {
				report.Removed = append(report.Removed, c.Meta())
			}
		}
		s.Disown(runID)
	}
	s.logger.Info("session cleaned up", "runs_removed", len(report.Removed), "tasks_detached", len(report.TimedOut))
	return report
}
