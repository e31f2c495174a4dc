// ABOUTME: Run orchestrator: owns the run registry and drives runs from socket messages
// ABOUTME: Declares the collaborator interfaces for flow runners, snapshots, profiles, and toolsets

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/coven-runs/internal/knowledge"
	"github.com/2389/coven-runs/internal/protocol"
	"github.com/2389/coven-runs/internal/run"
	"github.com/2389/coven-runs/internal/session"
	"github.com/2389/coven-runs/internal/store"
	"github.com/2389/coven-runs/internal/telemetry"
)

// DefaultStopTimeout bounds how long stop handlers wait for a cancelled task.
const DefaultStopTimeout = 5 * time.Second

// ErrNotOwner is returned when a session addresses a run another session owns.
var ErrNotOwner = errors.New("run belongs to another connection")

// FlowRunner executes a run until it completes, fails, or its context is
// cancelled. It sets the run's terminal status itself.
type FlowRunner interface {
	Run(ctx context.Context, c *run.Context) error
}

// FlowRunnerFunc adapts a function to FlowRunner.
type FlowRunnerFunc func(ctx context.Context, c *run.Context) error

// Run calls f.
func (f FlowRunnerFunc) Run(ctx context.Context, c *run.Context) error {
	return f(ctx, c)
}

// Toolset is one entry of the available toolsets response.
type Toolset struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Scope       string   `json:"scope,omitempty"`
	Tools       []string `json:"tools"`
}

// ToolsetCatalog lists the toolsets a client may attach to runs.
type ToolsetCatalog interface {
	Toolsets(scope string) []Toolset
}

// StaticCatalog serves a fixed toolset list. Toolsets without a scope match
// every scope; an empty scope matches every toolset.
type StaticCatalog []Toolset

// Toolsets returns the toolsets visible in scope.
func (s StaticCatalog) Toolsets(scope string) []Toolset {
	out := make([]Toolset, 0, len(s))
	for _, ts := range s {
		if scope == "" || ts.Scope == "" || ts.Scope == scope {
			out = append(out, ts)
		}
	}
	return out
}

// Error is a rejected message. The dispatcher turns it into exactly one
// error event scoped to RunID, or to the connection when RunID is empty.
type Error struct {
	RunID   string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func runError(runID string, err error, format string, args ...any) *Error {
	return &Error{RunID: runID, Message: fmt.Sprintf(format, args...), Err: err}
}

// Options wires collaborators into an Orchestrator.
type Options struct {
	Snapshots store.SnapshotStore
	// Profiles seeds new runs; nil leaves their config empty.
	Profiles store.ProfileStore
	Runner   FlowRunner
	Toolsets ToolsetCatalog
	Metrics  *telemetry.Metrics
	// StopTimeout defaults to DefaultStopTimeout.
	StopTimeout time.Duration
	// NewKnowledgeBase builds the knowledge base of each created or resumed
	// run. Defaults to an in-memory base.
	NewKnowledgeBase func() run.KnowledgeBase
}

type handlerFunc func(ctx context.Context, sess *session.Session, env *protocol.Envelope) error

// Orchestrator consumes inbound socket messages and mutates runs.
type Orchestrator struct {
	registry    *run.Registry
	snapshots   store.SnapshotStore
	profiles    store.ProfileStore
	runner      FlowRunner
	toolsets    ToolsetCatalog
	metrics     *telemetry.Metrics
	stopTimeout time.Duration
	newKB       func() run.KnowledgeBase
	validator   *protocol.Validator
	logger      *slog.Logger

	handlers map[string]handlerFunc
}

// New creates an Orchestrator over registry.
func New(registry *run.Registry, opts Options, logger *slog.Logger) (*Orchestrator, error) {
	if registry == nil {
		return nil, errors.New("orchestrator: registry is required")
	}
	if opts.Snapshots == nil {
		return nil, errors.New("orchestrator: snapshot store is required")
	}
	if opts.Runner == nil {
		return nil, errors.New("orchestrator: flow runner is required")
	}

	validator, err := protocol.NewValidator()
	if err != nil {
		return nil, fmt.Errorf("building payload validator: %w", err)
	}

	o := &Orchestrator{
		registry:    registry,
		snapshots:   opts.Snapshots,
		profiles:    opts.Profiles,
		runner:      opts.Runner,
		toolsets:    opts.Toolsets,
		metrics:     opts.Metrics,
		stopTimeout: opts.StopTimeout,
		newKB:       opts.NewKnowledgeBase,
		validator:   validator,
		logger:      logger.With("component", "orchestrator"),
	}
	if o.stopTimeout <= 0 {
		o.stopTimeout = DefaultStopTimeout
	}
	if o.toolsets == nil {
		o.toolsets = StaticCatalog(nil)
	}
	if o.newKB == nil {
		o.newKB = func() run.KnowledgeBase { return knowledge.New() }
	}

	o.handlers = map[string]handlerFunc{
		protocol.TypeStartRun:             o.handleStartRun,
		protocol.TypeSendToRun:            o.handleSendToRun,
		protocol.TypeStopRun:              o.handleStopRun,
		protocol.TypeStopManagedPrincipal: o.handleStopManagedPrincipal,
		protocol.TypeRequestToolsets:      o.handleRequestToolsets,
		protocol.TypeRequestRunProfiles:   o.handleRequestRunProfiles,
		protocol.TypeRequestRunContext:    o.handleRequestRunContext,
		protocol.TypeRequestKnowledgeBase: o.handleRequestKnowledgeBase,
		protocol.TypeSubscribeToView:      o.handleSubscribeToView,
		protocol.TypeUnsubscribeFromView:  o.handleUnsubscribeFromView,
		protocol.TypeManageWorkModules:    o.handleManageWorkModules,
		protocol.TypeCreateRunProfile:     o.handleCreateRunProfile,
		protocol.TypeUpdateRunProfile:     o.handleUpdateRunProfile,
		protocol.TypeDisableRunProfile:    o.handleDisableRunProfile,
		protocol.TypeRenameRunProfile:     o.handleRenameRunProfile,
	}
	return o, nil
}

// Registry returns the run registry.
func (o *Orchestrator) Registry() *run.Registry {
	return o.registry
}

// StopTimeout returns the bounded wait used when cancelling tasks.
func (o *Orchestrator) StopTimeout() time.Duration {
	return o.stopTimeout
}

// CloseSession tears down everything sess owns once its socket is gone.
func (o *Orchestrator) CloseSession(ctx context.Context, sess *session.Session) {
	report := sess.Cleanup(ctx, o.registry, o.stopTimeout)
	for _, meta := range report.Removed {
		o.metrics.RunRemoved(ctx, meta.RunType)
	}
	for range report.TimedOut {
		o.metrics.CancelTimedOut(ctx, "run")
	}
}

// ownedRun returns the registered run runID if sess owns it.
func (o *Orchestrator) ownedRun(sess *session.Session, runID string) (*run.Context, error) {
	c, ok := o.registry.Get(runID)
	if !ok {
		return nil, runError(runID, run.ErrRunNotFound, "run %s not found", runID)
	}
	if !sess.Owns(runID) {
		return nil, runError(runID, ErrNotOwner, "run %s belongs to another connection", runID)
	}
	return c, nil
}
