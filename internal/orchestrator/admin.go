// ABOUTME: Administrative handlers: read-backs, view subscriptions, work modules, and run profiles
// ABOUTME: None of them spawn or cancel tasks; profile changes reach the flow through the inbox

package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/2389/coven-runs/internal/protocol"
	"github.com/2389/coven-runs/internal/run"
	"github.com/2389/coven-runs/internal/session"
	"github.com/2389/coven-runs/internal/store"
)

// View names accepted by subscribe_to_view.
const (
	ViewTurns       = "turns"
	ViewWorkModules = "work_modules"
	ViewConfig      = "config"
)

func validView(name string) bool {
	switch name {
	case ViewTurns, ViewWorkModules, ViewConfig:
		return true
	}
	return false
}

func (o *Orchestrator) handleRequestToolsets(_ context.Context, sess *session.Session, env *protocol.Envelope) error {
	var p protocol.ToolsetsRequestPayload
	if err := env.Decode(&p); err != nil {
		return err
	}
	sess.Mux.EmitResponse(protocol.EventToolsetsResponse, "", map[string]any{
		"scope":    p.Scope,
		"toolsets": o.toolsets.Toolsets(p.Scope),
	})
	return nil
}

func (o *Orchestrator) handleRequestRunProfiles(_ context.Context, sess *session.Session, env *protocol.Envelope) error {
	c, err := o.decodeRunRef(sess, env)
	if err != nil {
		return err
	}
	sess.Mux.EmitResponse(protocol.EventRunProfilesResponse, c.ID(), map[string]any{
		"run_id":    c.ID(),
		"profiles":  nonNil(c.Config().Active()),
		"revisions": nonNil(c.Config().Revisions()),
	})
	return nil
}

func (o *Orchestrator) handleRequestRunContext(_ context.Context, sess *session.Session, env *protocol.Envelope) error {
	c, err := o.decodeRunRef(sess, env)
	if err != nil {
		return err
	}
	sess.Mux.EmitResponse(protocol.EventRunContextResponse, c.ID(), map[string]any{
		"run_id":                 c.ID(),
		"context":                c.Snapshot(),
		"principal":              principalView(c),
		"task_running":           sess.Tasks.HasLive(c.ID()),
		"principal_task_running": sess.Tasks.HasLive(run.PrincipalTaskKey(c.ID())),
		"sub_contexts":           c.SubContextNames(),
		"inbox_pending":          c.Inbox().Len(),
	})
	return nil
}

func (o *Orchestrator) handleRequestKnowledgeBase(_ context.Context, sess *session.Session, env *protocol.Envelope) error {
	c, err := o.decodeRunRef(sess, env)
	if err != nil {
		return err
	}
	entries := []run.KnowledgeEntry{}
	if kb := c.KnowledgeBase(); kb != nil {
		entries = nonNil(kb.Entries())
	}
	sess.Mux.EmitResponse(protocol.EventKnowledgeBaseResponse, c.ID(), map[string]any{
		"run_id":  c.ID(),
		"entries": entries,
	})
	return nil
}

func (o *Orchestrator) handleSubscribeToView(ctx context.Context, sess *session.Session, env *protocol.Envelope) error {
	var p protocol.ViewPayload
	if err := env.Decode(&p); err != nil {
		return err
	}
	c, err := o.ownedRun(sess, p.RunID)
	if err != nil {
		return err
	}
	if !validView(p.ViewName) {
		return runError(p.RunID, nil, "unknown view %q", p.ViewName)
	}

	added := sess.Subscribe(p.RunID, p.ViewName)
	sess.Mux.EmitResponse(protocol.EventViewSubscribed, p.RunID, map[string]any{
		"run_id":             p.RunID,
		"view_name":          p.ViewName,
		"already_subscribed": !added,
	})

	switch p.ViewName {
	case ViewTurns:
		sess.Mux.EmitTurnsSync(ctx, p.RunID, c.Turns(), c.KnowledgeBase())
	case ViewWorkModules:
		sess.Mux.EmitWorkModulesSync(p.RunID, c.WorkModules())
	case ViewConfig:
		sess.Mux.EmitRunConfigUpdated(p.RunID, c.Config().Active())
	}
	return nil
}

func (o *Orchestrator) handleUnsubscribeFromView(_ context.Context, sess *session.Session, env *protocol.Envelope) error {
	var p protocol.ViewPayload
	if err := env.Decode(&p); err != nil {
		return err
	}
	if !validView(p.ViewName) {
		return runError(p.RunID, nil, "unknown view %q", p.ViewName)
	}
	removed := sess.Unsubscribe(p.RunID, p.ViewName)
	sess.Mux.EmitResponse(protocol.EventViewUnsubscribed, p.RunID, map[string]any{
		"run_id":    p.RunID,
		"view_name": p.ViewName,
		"removed":   removed,
	})
	return nil
}

// workModuleResult is the outcome of one manage_work_modules action.
type workModuleResult struct {
	Index    int    `json:"index"`
	Action   string `json:"action"`
	ModuleID string `json:"module_id,omitempty"`
	OK       bool   `json:"ok"`
	Error    string `json:"error,omitempty"`
}

func (o *Orchestrator) handleManageWorkModules(ctx context.Context, sess *session.Session, env *protocol.Envelope) error {
	var p protocol.ManageWorkModulesPayload
	if err := env.Decode(&p); err != nil {
		return err
	}
	c, err := o.ownedRun(sess, p.RunID)
	if err != nil {
		return err
	}

	results := make([]workModuleResult, 0, len(p.Actions))
	applied := 0
	for i, action := range p.Actions {
		res := workModuleResult{Index: i, Action: action.Action, ModuleID: action.ModuleID}
		module, removed, err := applyWorkModuleAction(c, action)
		if err != nil {
			res.Error = err.Error()
			results = append(results, res)
			continue
		}
		res.OK = true
		res.ModuleID = module.ModuleID
		results = append(results, res)
		applied++

		if removed {
			sess.Mux.EmitResponse(protocol.EventWorkModuleUpdated, p.RunID, map[string]any{
				"work_module": module,
				"removed":     true,
			})
		} else {
			sess.Mux.EmitWorkModuleUpdated(p.RunID, module)
		}
	}

	sess.Mux.EmitResponse(protocol.EventManageWorkModulesResult, p.RunID, map[string]any{
		"run_id":  p.RunID,
		"results": results,
	})
	if applied > 0 {
		if sess.Subscribed(p.RunID, ViewWorkModules) {
			sess.Mux.EmitWorkModulesSync(p.RunID, c.WorkModules())
		}
		o.persist(ctx, sess, c)
	}
	return nil
}

// applyWorkModuleAction applies one action and reports the affected module
// and whether it was removed.
func applyWorkModuleAction(c *run.Context, a protocol.WorkModuleAction) (run.WorkModule, bool, error) {
	switch a.Action {
	case "add":
		if a.Name == "" {
			return run.WorkModule{}, false, fmt.Errorf("add requires a name")
		}
		status := run.WorkModulePending
		if a.Status != "" {
			s, err := run.ParseWorkModuleStatus(a.Status)
			if err != nil {
				return run.WorkModule{}, false, err
			}
			status = s
		}
		return c.AddWorkModule(a.Name, a.Description, status), false, nil

	case "update":
		if a.ModuleID == "" {
			return run.WorkModule{}, false, fmt.Errorf("update requires a module_id")
		}
		var status run.WorkModuleStatus
		if a.Status != "" {
			s, err := run.ParseWorkModuleStatus(a.Status)
			if err != nil {
				return run.WorkModule{}, false, err
			}
			status = s
		}
		m, err := c.UpdateWorkModule(a.ModuleID, func(m *run.WorkModule) {
			if a.Name != "" {
				m.Name = a.Name
			}
			if a.Description != "" {
				m.Description = a.Description
			}
			if status != "" {
				m.Status = status
			}
		})
		return m, false, err

	case "set_status":
		if a.ModuleID == "" || a.Status == "" {
			return run.WorkModule{}, false, fmt.Errorf("set_status requires module_id and status")
		}
		status, err := run.ParseWorkModuleStatus(a.Status)
		if err != nil {
			return run.WorkModule{}, false, err
		}
		m, err := c.UpdateWorkModule(a.ModuleID, func(m *run.WorkModule) { m.Status = status })
		return m, false, err

	case "remove":
		if a.ModuleID == "" {
			return run.WorkModule{}, false, fmt.Errorf("remove requires a module_id")
		}
		m, err := c.RemoveWorkModule(a.ModuleID)
		return m, err == nil, err
	}
	return run.WorkModule{}, false, fmt.Errorf("unknown action %q", a.Action)
}

func (o *Orchestrator) handleCreateRunProfile(ctx context.Context, sess *session.Session, env *protocol.Envelope) error {
	return o.changeProfile(ctx, sess, env, func(cfg *run.ConfigStore, p protocol.ProfilePayload) (run.Profile, error) {
		return cfg.Create(p.Name, p.Type, p.Body)
	})
}

func (o *Orchestrator) handleUpdateRunProfile(ctx context.Context, sess *session.Session, env *protocol.Envelope) error {
	return o.changeProfile(ctx, sess, env, func(cfg *run.ConfigStore, p protocol.ProfilePayload) (run.Profile, error) {
		return cfg.Update(p.Name, p.Body)
	})
}

func (o *Orchestrator) handleDisableRunProfile(ctx context.Context, sess *session.Session, env *protocol.Envelope) error {
	return o.changeProfile(ctx, sess, env, func(cfg *run.ConfigStore, p protocol.ProfilePayload) (run.Profile, error) {
		return cfg.Disable(p.Name)
	})
}

func (o *Orchestrator) handleRenameRunProfile(ctx context.Context, sess *session.Session, env *protocol.Envelope) error {
	return o.changeProfile(ctx, sess, env, func(cfg *run.ConfigStore, p protocol.ProfilePayload) (run.Profile, error) {
		return cfg.Rename(p.Name, p.NewName)
	})
}

// changeProfile applies a profile mutation, which always appends a new
// revision, then tells the client and wakes the flow.
func (o *Orchestrator) changeProfile(ctx context.Context, sess *session.Session, env *protocol.Envelope, mutate func(*run.ConfigStore, protocol.ProfilePayload) (run.Profile, error)) error {
	var p protocol.ProfilePayload
	if err := env.Decode(&p); err != nil {
		return err
	}
	c, err := o.ownedRun(sess, p.RunID)
	if err != nil {
		return err
	}

	rev, err := mutate(c.Config(), p)
	if err != nil {
		return runError(p.RunID, err, "%s failed for profile %q", env.Type, p.Name)
	}

	sess.Mux.EmitRunConfigUpdated(p.RunID, c.Config().Active())
	c.Inbox().Post(run.NewInboxItem(run.SourceProfilesUpdated, map[string]any{
		"change":     env.Type,
		"name":       rev.Name,
		"profile_id": rev.ProfileID,
		"revision":   rev.Revision,
	}, run.ConsumeOnRead))

	sess.Logger().Info("run profile changed", "run_id", p.RunID, "change", env.Type, "profile", rev.Name, "revision", rev.Revision)
	o.persist(ctx, sess, c)
	return nil
}

// persist saves the run's snapshot. Failures are logged; the in-memory run
// stays authoritative.
func (o *Orchestrator) persist(ctx context.Context, sess *session.Session, c *run.Context) {
	rec, err := store.RecordFromRun(c)
	if err == nil {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		err = o.snapshots.SaveSnapshot(ctx, rec)
	}
	if err != nil {
		sess.Logger().Warn("failed to save snapshot", "run_id", c.ID(), "error", err)
	}
}

func (o *Orchestrator) decodeRunRef(sess *session.Session, env *protocol.Envelope) (*run.Context, error) {
	var p protocol.RunRef
	if err := env.Decode(&p); err != nil {
		return nil, err
	}
	return o.ownedRun(sess, p.RunID)
}

func principalView(c *run.Context) map[string]any {
	running := false
	if sub, ok := c.SubContext(run.PartnerContext); ok {
		running = sub.Bool(run.StateIsPrincipalFlowRunning)
	}
	return map[string]any{
		"running":    running,
		"subtask_id": c.PrincipalSubtaskID(),
	}
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
