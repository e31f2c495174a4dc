// ABOUTME: Run lifecycle handlers: create, resume, send input, stop, and stop the nested principal
// ABOUTME: Spawns at most one flow runner task per run and cancels with a bounded wait

package orchestrator

import (
	"context"
	"errors"
	"log/slog"

	"github.com/2389/coven-runs/internal/protocol"
	"github.com/2389/coven-runs/internal/run"
	"github.com/2389/coven-runs/internal/session"
	"github.com/2389/coven-runs/internal/store"
	"github.com/2389/coven-runs/internal/task"
)

func (o *Orchestrator) handleStartRun(ctx context.Context, sess *session.Session, env *protocol.Envelope) error {
	var p protocol.StartRunPayload
	if err := env.Decode(&p); err != nil {
		return err
	}
	if p.ResumeFromRunID != "" {
		return o.resumeRun(ctx, sess, p)
	}
	return o.createRun(ctx, sess, p)
}

// createRun builds a fresh run in CREATED, persists its first snapshot, and
// registers it. Nothing is registered when persisting fails.
func (o *Orchestrator) createRun(ctx context.Context, sess *session.Session, p protocol.StartRunPayload) error {
	rt, err := run.LookupType(p.RunType)
	if err != nil {
		return runError("", err, "unknown run type %q", p.RunType)
	}

	c := run.NewContext(rt, p.InitialFilename, p.ProjectID)
	c.SetKnowledgeBase(o.newKB())
	o.seedProfiles(ctx, c, rt)

	rec, err := store.RecordFromRun(c)
	if err != nil {
		return runError("", err, "failed to encode run")
	}
	if err := o.snapshots.PersistInitialSnapshot(ctx, rec); err != nil {
		return runError("", err, "failed to persist run")
	}

	if err := o.register(ctx, sess, c, p.RequestID); err != nil {
		return err
	}
	sess.Logger().Info("run created", "run_id", c.ID(), "run_type", rt.Name, "request_id", p.RequestID)
	return nil
}

// resumeRun rebuilds a run from its persisted snapshot, found by run id so
// renamed snapshots still resolve. Composite runs get their flow back at once.
func (o *Orchestrator) resumeRun(ctx context.Context, sess *session.Session, p protocol.StartRunPayload) error {
	runID := p.ResumeFromRunID
	if _, ok := o.registry.Get(runID); ok {
		return runError(runID, run.ErrRunExists, "run %s is already active", runID)
	}

	key, err := o.snapshots.FindSnapshotByRunID(ctx, runID)
	if err != nil {
		return runError(runID, err, "no snapshot found for run %s", runID)
	}
	rec, err := o.snapshots.LoadSnapshot(ctx, key)
	if err != nil {
		return runError(runID, err, "failed to load snapshot for run %s", runID)
	}
	c, err := store.RunFromRecord(rec)
	if err != nil {
		return runError(runID, err, "snapshot for run %s could not be restored", runID)
	}
	rt, err := run.LookupType(c.Meta().RunType)
	if err != nil {
		return runError(runID, err, "snapshot for run %s has unknown run type %q", runID, c.Meta().RunType)
	}

	c.Reopen()
	c.SetKnowledgeBase(o.newKB())
	if err := o.register(ctx, sess, c, p.RequestID); err != nil {
		return err
	}
	sess.Mux.EmitTurnsSync(ctx, runID, c.Turns(), c.KnowledgeBase())

	if rt.Composite {
		if err := o.spawnRunner(ctx, sess, c); err != nil {
			sess.Logger().Warn("resumed run has no flow", "run_id", runID, "error", err)
		}
	}
	sess.Logger().Info("run resumed", "run_id", runID, "run_type", rt.Name, "request_id", p.RequestID)
	return nil
}

// register binds c to the session's multiplexer, puts it in the registry,
// and announces it.
func (o *Orchestrator) register(ctx context.Context, sess *session.Session, c *run.Context, requestID string) error {
	c.BindEmitter(sess.Mux)
	c.BindTasks(sess.Tasks)
	if err := o.registry.Put(c); err != nil {
		c.BindEmitter(nil)
		c.BindTasks(nil)
		return runError(c.ID(), err, "run %s could not be registered", c.ID())
	}
	sess.Own(c.ID())
	o.metrics.RunRegistered(ctx, c.Meta().RunType)
	sess.Mux.EmitRunReady(requestID, c.Meta())
	return nil
}

// seedProfiles copies the run type's profiles into the run config, preferring
// saved profiles over configured templates. Missing profiles are skipped.
func (o *Orchestrator) seedProfiles(ctx context.Context, c *run.Context, rt run.TypeSpec) {
	if o.profiles == nil {
		return
	}
	for _, name := range rt.Profiles {
		rec, err := o.profiles.GetActiveByName(ctx, name)
		if errors.Is(err, store.ErrNotFound) {
			rec, err = o.profiles.GetGlobalTemplate(ctx, name)
		}
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				o.logger.Warn("failed to load profile", "run_id", c.ID(), "profile", name, "error", err)
			}
			continue
		}
		c.Config().Seed(run.Profile{Name: rec.Name, Type: rec.Type, Body: rec.Body})
	}
}

func (o *Orchestrator) handleSendToRun(ctx context.Context, sess *session.Session, env *protocol.Envelope) error {
	var p protocol.SendToRunPayload
	if err := env.Decode(&p); err != nil {
		return err
	}
	c, err := o.ownedRun(sess, p.RunID)
	if err != nil {
		return err
	}
	prompt := p.MessagePayload.Prompt
	if prompt == "" {
		return runError(p.RunID, nil, "message_payload.prompt is required")
	}

	payload := map[string]any{"prompt": prompt}
	if len(p.ExtraPayload) > 0 {
		payload["extra"] = p.ExtraPayload
	}
	item := run.NewInboxItem(run.SourceUserPrompt, payload, run.ConsumeOnRead)
	inbox := c.PromptInbox()

	switch status := c.Status(); status {
	case run.StatusCreated:
		c.SetQuestion(prompt)
		inbox.Append(item)
		if err := o.spawnRunner(ctx, sess, c); err != nil {
			inbox.Consume(item.ItemID)
			return runError(p.RunID, err, "failed to start run %s", p.RunID)
		}
		// the runner may already have moved the run to RUNNING
		c.CompareAndSetStatus(run.StatusCreated, run.StatusAwaitingInput)
		inbox.Wake()

	case run.StatusAwaitingInput, run.StatusRunning:
		inbox.Append(item)
		if !sess.Tasks.HasLive(c.ID()) {
			if err := o.spawnRunner(ctx, sess, c); err != nil {
				inbox.Consume(item.ItemID)
				return runError(p.RunID, err, "failed to start run %s", p.RunID)
			}
		}
		inbox.Wake()

	default:
		return runError(p.RunID, nil, "run %s is %s and cannot accept input", p.RunID, status)
	}
	return nil
}

// spawnRunner starts the flow runner for c and records it in the session's
// task set. The task outlives the message that started it; only stop or
// session cleanup cancel it.
func (o *Orchestrator) spawnRunner(ctx context.Context, sess *session.Session, c *run.Context) error {
	runID := c.ID()
	if sess.Tasks.HasLive(runID) {
		return task.ErrTaskExists
	}
	h := task.Spawn(context.WithoutCancel(ctx), runID, func(ctx context.Context) error {
		return o.runner.Run(ctx, c)
	})
	if err := sess.Tasks.Add(h); err != nil {
		h.Cancel()
		return err
	}
	o.metrics.TaskSpawned(ctx, "run")
	sess.Logger().Debug("flow runner spawned", "run_id", runID, "task_id", h.ID)
	return nil
}

// handleStopRun cancels the run's task, waits a bounded time for it, and
// removes the run. A run without a live task, or an unknown run, is not an
// error.
func (o *Orchestrator) handleStopRun(ctx context.Context, sess *session.Session, env *protocol.Envelope) error {
	var p protocol.RunRef
	if err := env.Decode(&p); err != nil {
		return err
	}
	c, registered := o.registry.Get(p.RunID)
	if registered && !sess.Owns(p.RunID) {
		return runError(p.RunID, ErrNotOwner, "run %s belongs to another connection", p.RunID)
	}
	logger := sess.Logger().With("run_id", p.RunID)

	if h, ok := sess.Tasks.Get(p.RunID); ok && !h.Finished() {
		o.logCancel(ctx, logger, "run", h.CancelAndWait(ctx, o.stopTimeout))
	}

	status := ""
	if registered {
		if h := c.PrincipalTask(); h != nil {
			h.Cancel()
		}
		c.BindEmitter(nil)
		c.BindTasks(nil)
		status = string(c.Status())
		if o.registry.Delete(p.RunID) {
			o.metrics.RunRemoved(ctx, c.Meta().RunType)
		}
	}
	sess.Disown(p.RunID)

	logger.Info("run stopped", "status", status)
	sess.Mux.EmitResponse(protocol.EventRunStopped, p.RunID, map[string]any{
		"run_id": p.RunID,
		"status": status,
	})
	return nil
}

// handleStopManagedPrincipal cancels only the nested principal flow of a
// composite run and leaves the partner running.
func (o *Orchestrator) handleStopManagedPrincipal(ctx context.Context, sess *session.Session, env *protocol.Envelope) error {
	var p protocol.StopManagedPrincipalPayload
	if err := env.Decode(&p); err != nil {
		return err
	}
	runID := p.ManagingPartnerRunID
	c, err := o.ownedRun(sess, runID)
	if err != nil {
		return err
	}
	if _, ok := c.SubContext(run.PartnerContext); !ok {
		return runError(runID, nil, "run %s has no managed principal", runID)
	}
	logger := sess.Logger().With("run_id", runID)

	subtaskID := c.PrincipalSubtaskID()
	if h := c.PrincipalTask(); h != nil && !h.Finished() {
		o.logCancel(ctx, logger, "principal", h.CancelAndWait(ctx, o.stopTimeout))
	}
	c.ClearPrincipalTask()

	logger.Info("principal stopped", "subtask_id", subtaskID)
	sess.Mux.EmitResponse(protocol.EventPrincipalStopped, runID, map[string]any{
		"run_id":     runID,
		"subtask_id": subtaskID,
	})
	return nil
}

// logCancel records how a bounded cancellation ended. None of the outcomes
// fail the handler.
func (o *Orchestrator) logCancel(ctx context.Context, logger *slog.Logger, kind string, err error) {
	switch {
	case err == nil:
		logger.Debug("task finished before cancellation", "kind", kind)
	case errors.Is(err, context.Canceled):
		logger.Info("task cancelled", "kind", kind)
	case errors.Is(err, task.ErrCancelTimeout):
		logger.Warn("task did not stop in time, leaving it detached", "kind", kind, "timeout", o.stopTimeout)
		o.metrics.CancelTimedOut(ctx, kind)
	default:
		logger.Warn("task ended with error on cancellation", "kind", kind, "error", err)
	}
}
