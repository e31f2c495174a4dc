// ABOUTME: Persistable snapshot form of a Run Context and the round trip to it
// ABOUTME: Runtime handles are never part of a snapshot

package run

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidSnapshot is returned when snapshot bytes cannot rebuild a context.
var ErrInvalidSnapshot = errors.New("invalid run snapshot")

// Snapshot is the serializable state of a run.
type Snapshot struct {
	Meta        Meta                          `json:"meta"`
	TeamState   TeamStateSnapshot             `json:"team_state"`
	Config      ConfigSnapshot                `json:"config"`
	SubContexts map[string]SubContextSnapshot `json:"sub_contexts,omitempty"`
	Knowledge   []KnowledgeEntry              `json:"knowledge,omitempty"`
}

// TeamStateSnapshot is the persisted team state.
type TeamStateSnapshot struct {
	Question    string       `json:"question,omitempty"`
	Turns       []Turn       `json:"turns"`
	WorkModules []WorkModule `json:"work_modules"`
	Inbox       []InboxItem  `json:"inbox"`
}

// ConfigSnapshot is the persisted run configuration.
type ConfigSnapshot struct {
	Profiles []Profile `json:"profiles"`
}

// SubContextSnapshot is the persisted form of one sub-context.
type SubContextSnapshot struct {
	State map[string]any `json:"state"`
	Inbox []InboxItem    `json:"inbox"`
}

// Snapshot captures the context's persistable state.
func (c *Context) Snapshot() Snapshot {
	c.mu.Lock()
	snap := Snapshot{
		Meta: c.meta,
		TeamState: TeamStateSnapshot{
			Question:    c.question,
			Turns:       CloneTurns(c.turns),
			WorkModules: append([]WorkModule{}, c.workModules...),
		},
	}
	subs := make(map[string]*SubContext, len(c.subs))
	for name, sub := range c.subs {
		subs[name] = sub
	}
	kb := c.kb
	pending := append([]KnowledgeEntry(nil), c.knowledge...)
	c.mu.Unlock()

	// compacted turns are unreadable without the entries their refs point at
	if kb != nil {
		snap.Knowledge = kb.Entries()
	}
	snap.Knowledge = append(snap.Knowledge, pending...)
	snap.TeamState.Inbox = c.inbox.Items()
	snap.Config.Profiles = c.config.Revisions()
	if len(subs) > 0 {
		snap.SubContexts = make(map[string]SubContextSnapshot, len(subs))
		for name, sub := range subs {
			state := sub.State()
			// the running flag describes a goroutine, which does not survive a restore
			delete(state, StateIsPrincipalFlowRunning)
			snap.SubContexts[name] = SubContextSnapshot{State: state, Inbox: sub.Inbox().Items()}
		}
	}
	return snap
}

// MarshalSnapshot encodes the context's snapshot as JSON.
func (c *Context) MarshalSnapshot() ([]byte, error) {
	return json.Marshal(c.Snapshot())
}

// FromSnapshot rebuilds a context from a snapshot. Runtime handles start
// empty and the emitter is a no-op until one is bound.
func FromSnapshot(snap Snapshot) (*Context, error) {
	if snap.Meta.RunID == "" {
		return nil, fmt.Errorf("%w: missing run_id", ErrInvalidSnapshot)
	}
	rt, err := LookupType(snap.Meta.RunType)
	if err != nil {
		return nil, fmt.Errorf("%w: run type %q: %w", ErrInvalidSnapshot, snap.Meta.RunType, err)
	}

	c := newContext(snap.Meta)
	c.question = snap.TeamState.Question
	c.turns = CloneTurns(snap.TeamState.Turns)
	c.workModules = append([]WorkModule(nil), snap.TeamState.WorkModules...)
	c.inbox.restore(snap.TeamState.Inbox)
	c.config.restore(snap.Config.Profiles)
	c.knowledge = append([]KnowledgeEntry(nil), snap.Knowledge...)

	for name, s := range snap.SubContexts {
		sub := NewSubContext(name)
		for k, v := range s.State {
			sub.Set(k, v)
		}
		sub.Inbox().restore(s.Inbox)
		c.subs[name] = sub
	}
	if rt.Composite {
		if _, ok := c.subs[PartnerContext]; !ok {
			c.subs[PartnerContext] = NewSubContext(PartnerContext)
		}
		c.subs[PartnerContext].Set(StateIsPrincipalFlowRunning, false)
	}
	return c, nil
}

// UnmarshalSnapshot decodes JSON snapshot bytes and rebuilds a context.
func UnmarshalSnapshot(data []byte) (*Context, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSnapshot, err)
	}
	return FromSnapshot(snap)
}
