// ABOUTME: Run Context aggregate: metadata, team state, runtime handles, config, sub-contexts
// ABOUTME: All field access is mutex-guarded since handlers and flow goroutines both mutate it

package run

import (
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-runs/internal/task"
)

// SubContext is a named nested context of a composite run, such as the
// partner loop. It carries its own state map and its own inbox.
type SubContext struct {
	Name  string
	inbox *Inbox

	mu    sync.Mutex
	state map[string]any
}

// NewSubContext creates an empty sub-context.
func NewSubContext(name string) *SubContext {
	return &SubContext{
		Name:  name,
		inbox: NewInbox(),
		state: make(map[string]any),
	}
}

// Inbox returns the sub-context's inbox.
func (s *SubContext) Inbox() *Inbox {
	return s.inbox
}

// Get returns one state value.
func (s *SubContext) Get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.state[key]
	return v, ok
}

// Bool returns a boolean state value, false when absent.
func (s *SubContext) Bool(key string) bool {
	v, _ := s.Get(key)
	b, _ := v.(bool)
	return b
}

// Set stores one state value.
func (s *SubContext) Set(key string, value any) {
	s.mu.Lock()
	s.state[key] = value
	s.mu.Unlock()
}

// State returns a copy of the state map.
func (s *SubContext) State() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.state)
}

// Context is the aggregate root for one run.
type Context struct {
	mu sync.Mutex

	meta        Meta
	question    string
	turns       []Turn
	workModules []WorkModule
	inbox       *Inbox
	config      *ConfigStore
	subs        map[string]*SubContext
	// knowledge restored from a snapshot, held until a base is attached
	knowledge []KnowledgeEntry

	// runtime, never persisted
	emitter            Emitter
	kb                 KnowledgeBase
	principalTask      *task.Handle
	tasks              TaskTracker
	principalSubtaskID string
}

// NewContext builds an empty context for a fresh run of the given type.
// Composite types get their partner sub-context up front.
func NewContext(rt TypeSpec, sourcePath, projectID string) *Context {
	c := newContext(Meta{
		RunID:      uuid.New().String(),
		RunType:    rt.Name,
		Status:     StatusCreated,
		CreatedAt:  time.Now().UTC(),
		SourcePath: sourcePath,
		ProjectID:  projectID,
	})
	if rt.Composite {
		partner := NewSubContext(PartnerContext)
		partner.Set(StateIsPrincipalFlowRunning, false)
		c.subs[PartnerContext] = partner
	}
	return c
}

func newContext(meta Meta) *Context {
	return &Context{
		meta:    meta,
		inbox:   NewInbox(),
		config:  NewConfigStore(),
		subs:    make(map[string]*SubContext),
		emitter: nopEmitter{},
	}
}

// ID returns the run id.
func (c *Context) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.meta.RunID
}

// Meta returns a copy of the run metadata.
func (c *Context) Meta() Meta {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.meta
}

// Status returns the current lifecycle status.
func (c *Context) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.meta.Status
}

// SetStatus moves the run to status unless it is already terminal. It
// reports whether the status changed.
func (c *Context) SetStatus(status Status) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.meta.Status.Terminal() {
		return false
	}
	c.meta.Status = status
	return true
}

// CompareAndSetStatus moves the run from old to status atomically.
func (c *Context) CompareAndSetStatus(old, status Status) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.meta.Status != old {
		return false
	}
	c.meta.Status = status
	return true
}

// Reopen puts a restored run back to AWAITING_INPUT whatever status its
// snapshot recorded. Only resume calls it; live runs go through SetStatus.
func (c *Context) Reopen() {
	c.mu.Lock()
	c.meta.Status = StatusAwaitingInput
	c.mu.Unlock()
}

// Question returns the initial prompt.
func (c *Context) Question() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.question
}

// SetQuestion records the initial prompt.
func (c *Context) SetQuestion(q string) {
	c.mu.Lock()
	c.question = q
	c.mu.Unlock()
}

// AppendTurn adds a turn, filling in its id and timestamp when missing.
func (c *Context) AppendTurn(t Turn) Turn {
	if t.TurnID == "" {
		t.TurnID = uuid.New().String()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	c.mu.Lock()
	c.turns = append(c.turns, t)
	c.mu.Unlock()
	return t
}

// Turns returns a deep copy of the conversation.
func (c *Context) Turns() []Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CloneTurns(c.turns)
}

// WorkModules returns a copy of the work modules.
func (c *Context) WorkModules() []WorkModule {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]WorkModule(nil), c.workModules...)
}

// AddWorkModule appends a new module in pending state unless a status is given.
func (c *Context) AddWorkModule(name, description string, status WorkModuleStatus) WorkModule {
	if status == "" {
		status = WorkModulePending
	}
	now := time.Now().UTC()
	m := WorkModule{
		ModuleID:    uuid.New().String(),
		Name:        name,
		Description: description,
		Status:      status,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	c.mu.Lock()
	c.workModules = append(c.workModules, m)
	c.mu.Unlock()
	return m
}

// UpdateWorkModule applies fn to the module with the given id.
func (c *Context) UpdateWorkModule(moduleID string, fn func(m *WorkModule)) (WorkModule, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.workModules {
		if c.workModules[i].ModuleID == moduleID {
			fn(&c.workModules[i])
			c.workModules[i].UpdatedAt = time.Now().UTC()
			return c.workModules[i], nil
		}
	}
	return WorkModule{}, fmt.Errorf("work module %q: %w", moduleID, ErrWorkModuleNotFound)
}

// RemoveWorkModule deletes a module and returns it.
func (c *Context) RemoveWorkModule(moduleID string) (WorkModule, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, m := range c.workModules {
		if m.ModuleID == moduleID {
			c.workModules = append(c.workModules[:i], c.workModules[i+1:]...)
			return m, nil
		}
	}
	return WorkModule{}, fmt.Errorf("work module %q: %w", moduleID, ErrWorkModuleNotFound)
}

// Inbox returns the team inbox.
func (c *Context) Inbox() *Inbox {
	return c.inbox
}

// PromptInbox returns the inbox user prompts are delivered to: the partner
// sub-context's for composite runs, the team inbox otherwise.
func (c *Context) PromptInbox() *Inbox {
	if sub, ok := c.SubContext(PartnerContext); ok {
		return sub.Inbox()
	}
	return c.inbox
}

// SubContext returns a named sub-context.
func (c *Context) SubContext(name string) (*SubContext, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.subs[name]
	return sub, ok
}

// SubContextNames lists the sub-contexts.
func (c *Context) SubContextNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.subs))
	for name := range c.subs {
		names = append(names, name)
	}
	return names
}

// Config returns the run-scoped configuration store.
func (c *Context) Config() *ConfigStore {
	return c.config
}

// Emitter returns the bound emitter, or a no-op one when none is bound.
func (c *Context) Emitter() Emitter {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.emitter
}

// BindEmitter attaches the emitter of the socket that owns the run.
func (c *Context) BindEmitter(e Emitter) {
	if e == nil {
		e = nopEmitter{}
	}
	c.mu.Lock()
	c.emitter = e
	c.mu.Unlock()
}

// KnowledgeBase returns the run's knowledge base, or nil.
func (c *Context) KnowledgeBase() KnowledgeBase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.kb
}

// SetKnowledgeBase attaches a knowledge base. Entries restored from a
// snapshot are loaded into it when it implements KnowledgeRestorer.
func (c *Context) SetKnowledgeBase(kb KnowledgeBase) {
	c.mu.Lock()
	c.kb = kb
	pending := c.knowledge
	r, ok := kb.(KnowledgeRestorer)
	if ok {
		c.knowledge = nil
	}
	c.mu.Unlock()

	if ok && len(pending) > 0 {
		r.Restore(pending)
	}
}

// PrincipalTask returns the handle of the nested principal flow, if any.
func (c *Context) PrincipalTask() *task.Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.principalTask
}

// PrincipalSubtaskID returns the id of the principal's current subtask.
func (c *Context) PrincipalSubtaskID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.principalSubtaskID
}

// PrincipalTaskName is the sub-key of the nested principal flow.
const PrincipalTaskName = "principal"

// PrincipalTaskKey is the task key of runID's nested principal flow.
func PrincipalTaskKey(runID string) string {
	return task.SubKey(runID, PrincipalTaskName)
}

// TaskTracker records task handles for the socket that owns the run.
type TaskTracker interface {
	Add(h *task.Handle) error
}

// BindTasks attaches the task set of the socket that owns the run. Nil
// detaches it.
func (c *Context) BindTasks(t TaskTracker) {
	c.mu.Lock()
	c.tasks = t
	c.mu.Unlock()
}

// SetPrincipalTask records the nested principal flow, adds it to the bound
// task set, and marks it running on the partner sub-context. It fails
// without changing anything when the task set refuses the handle.
func (c *Context) SetPrincipalTask(h *task.Handle, subtaskID string) error {
	c.mu.Lock()
	tracker := c.tasks
	c.mu.Unlock()
	if h != nil && tracker != nil {
		if err := tracker.Add(h); err != nil {
			return err
		}
	}

	c.mu.Lock()
	c.principalTask = h
	c.principalSubtaskID = subtaskID
	c.mu.Unlock()
	if sub, ok := c.SubContext(PartnerContext); ok {
		sub.Set(StateIsPrincipalFlowRunning, h != nil)
	}
	return nil
}

// ClearPrincipalTask drops the principal handle and clears the running flag,
// even if the handle was already stale.
func (c *Context) ClearPrincipalTask() {
	_ = c.SetPrincipalTask(nil, "")
}
