// ABOUTME: Development flow runner that answers prompts by streaming them back
// ABOUTME: Drains its inboxes on start and after every wake and stops promptly on cancellation

package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/2389/coven-runs/internal/run"
	"github.com/2389/coven-runs/internal/store"
	"github.com/2389/coven-runs/internal/task"
)

// Prompts with these prefixes steer the echo runner.
const (
	CommandComplete = "/complete"
	CommandFail     = "/fail"
	CommandDelegate = "/delegate "
)

// Saver persists snapshots while a run progresses.
type Saver interface {
	SaveSnapshot(ctx context.Context, rec *store.SnapshotRecord) error
}

// EchoOptions tunes the echo runner.
type EchoOptions struct {
	// ChunkDelay is the pause between streamed words.
	ChunkDelay time.Duration
	// CompactThreshold is the tool result size above which results move
	// into the run's knowledge base. Zero disables compaction.
	CompactThreshold int
}

// Echo is a flow runner with no model behind it. It streams each prompt
// back word by word, which is enough to drive every part of the run
// lifecycle end to end.
type Echo struct {
	saver  Saver
	opts   EchoOptions
	logger *slog.Logger
}

// NewEcho creates an echo runner. saver may be nil.
func NewEcho(saver Saver, opts EchoOptions, logger *slog.Logger) *Echo {
	return &Echo{
		saver:  saver,
		opts:   opts,
		logger: logger.With("component", "echo_flow"),
	}
}

// Run drives c until a completing prompt, a failure, or cancellation. It
// sets the terminal status itself.
func (e *Echo) Run(ctx context.Context, c *run.Context) error {
	runID := c.ID()
	logger := e.logger.With("run_id", runID)
	agentID := agentFor(c)

	logger.Info("flow started", "agent_id", agentID)
	defer func() {
		if h := c.PrincipalTask(); h != nil {
			h.Cancel()
		}
	}()

	prompts := c.PromptInbox()
	team := c.Inbox()

	for {
		c.SetStatus(run.StatusRunning)
		done, err := e.drain(ctx, c, agentID, prompts, team)
		if err != nil {
			return e.finish(c, logger, err)
		}
		if done {
			return e.finish(c, logger, nil)
		}
		c.SetStatus(run.StatusAwaitingInput)
		e.save(c, logger)

		select {
		case <-ctx.Done():
			return e.finish(c, logger, ctx.Err())
		case <-prompts.Wakeup():
		case <-team.Wakeup():
		}
	}
}

// finish records the terminal status for err and persists it.
func (e *Echo) finish(c *run.Context, logger *slog.Logger, err error) error {
	switch {
	case err == nil:
		c.SetStatus(run.StatusCompleted)
		logger.Info("flow completed")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		c.SetStatus(run.StatusCancelled)
		logger.Info("flow cancelled")
	default:
		c.SetStatus(run.StatusError)
		c.Emitter().EmitError(c.ID(), err.Error())
		logger.Error("flow failed", "error", err)
	}
	e.save(c, logger)
	return err
}

// drain handles every pending item of both inboxes. It reports whether a
// completing prompt was seen.
func (e *Echo) drain(ctx context.Context, c *run.Context, agentID string, inboxes ...*run.Inbox) (bool, error) {
	seen := make(map[*run.Inbox]bool, len(inboxes))
	for _, in := range inboxes {
		if seen[in] {
			continue
		}
		seen[in] = true
		for _, item := range in.Drain() {
			if err := ctx.Err(); err != nil {
				return false, err
			}
			done, err := e.handle(ctx, c, agentID, item)
			if err != nil || done {
				return done, err
			}
		}
	}
	return false, nil
}

func (e *Echo) handle(ctx context.Context, c *run.Context, agentID string, item run.InboxItem) (bool, error) {
	switch item.Source {
	case run.SourceProfilesUpdated:
		e.emitParams(c, agentID)
		return false, nil
	case run.SourceUserPrompt:
	default:
		e.logger.Debug("ignoring inbox item", "run_id", c.ID(), "source", item.Source)
		return false, nil
	}

	prompt, _ := item.Payload["prompt"].(string)
	c.AppendTurn(run.Turn{Role: "user", Content: prompt})

	switch {
	case prompt == CommandComplete:
		return true, nil
	case prompt == CommandFail:
		return false, errors.New("flow failed on request")
	case strings.HasPrefix(prompt, CommandDelegate):
		e.delegate(ctx, c, strings.TrimPrefix(prompt, CommandDelegate))
		return false, nil
	}

	e.emitParams(c, agentID)
	turn, err := e.stream(ctx, c, agentID, prompt)
	if err != nil {
		return false, err
	}
	c.Emitter().EmitTurnCompleted(c.ID(), turn)
	return false, nil
}

// stream sends text back one word at a time and records the reply turn.
func (e *Echo) stream(ctx context.Context, c *run.Context, agentID, text string) (run.Turn, error) {
	emitter := c.Emitter()
	runID := c.ID()
	streamID := uuid.New().String()

	emitter.EmitLLMStreamStarted(runID, agentID, streamID)
	var reply strings.Builder
	for i, word := range strings.Fields(text) {
		if i > 0 {
			reply.WriteByte(' ')
		}
		reply.WriteString(word)
		emitter.EmitLLMChunk(runID, agentID, streamID, word)

		if e.opts.ChunkDelay > 0 {
			select {
			case <-ctx.Done():
				emitter.EmitLLMStreamFailed(runID, agentID, streamID, "cancelled")
				return run.Turn{}, ctx.Err()
			case <-time.After(e.opts.ChunkDelay):
			}
		} else if err := ctx.Err(); err != nil {
			emitter.EmitLLMStreamFailed(runID, agentID, streamID, "cancelled")
			return run.Turn{}, err
		}
	}
	emitter.EmitLLMStreamEnded(runID, agentID, streamID)
	emitter.EmitLLMResponse(runID, agentID, reply.String())

	return c.AppendTurn(run.Turn{AgentID: agentID, Role: "assistant", Content: reply.String()}), nil
}

// emitParams reports the request parameters the next call would use,
// built from the agent's active profile.
func (e *Echo) emitParams(c *run.Context, agentID string) {
	params := map[string]any{"agent": agentID}
	if p, ok := c.Config().ActiveByName(agentID); ok {
		params["profile_revision"] = p.Revision
		for k, v := range p.Body {
			params[k] = v
		}
	}
	c.Emitter().EmitLLMRequestParams(c.ID(), agentID, params)
}

// delegate starts the nested principal flow of a composite run. An already
// running principal is left alone.
func (e *Echo) delegate(ctx context.Context, c *run.Context, work string) {
	if _, ok := c.SubContext(run.PartnerContext); !ok {
		c.Emitter().EmitError(c.ID(), "delegation needs a partner run")
		return
	}
	if h := c.PrincipalTask(); h != nil && !h.Finished() {
		c.Emitter().EmitError(c.ID(), "principal flow already running")
		return
	}

	module := c.AddWorkModule(truncate(work, 48), work, run.WorkModuleOngoing)
	c.Emitter().EmitWorkModuleUpdated(c.ID(), module)

	// the body waits until its handle is recorded so it can clear it on exit
	ready := make(chan struct{})
	var h *task.Handle
	h = task.Spawn(ctx, run.PrincipalTaskKey(c.ID()), func(ctx context.Context) error {
		<-ready
		if err := ctx.Err(); err != nil {
			return err
		}
		err := e.principal(ctx, c, module, work)
		// a newer principal may have replaced this one
		if c.PrincipalTask() == h {
			c.ClearPrincipalTask()
		}
		return err
	})
	if err := c.SetPrincipalTask(h, module.ModuleID); err != nil {
		h.Cancel()
		close(ready)
		if m, uerr := c.UpdateWorkModule(module.ModuleID, func(m *run.WorkModule) { m.Status = run.WorkModuleDeprecated }); uerr == nil {
			c.Emitter().EmitWorkModuleUpdated(c.ID(), m)
		}
		c.Emitter().EmitError(c.ID(), "principal flow already running")
		return
	}
	close(ready)
}

func (e *Echo) principal(ctx context.Context, c *run.Context, module run.WorkModule, work string) error {
	const agentID = "Principal"
	turn, err := e.stream(ctx, c, agentID, work)
	status := run.WorkModulePendingReview
	if err != nil {
		status = run.WorkModuleDeprecated
	} else {
		workLog := fmt.Sprintf("principal worked on %q\n%s", work, strings.Repeat(work+"\n", 8))
		results := []run.Turn{{AgentID: agentID, Role: "tool", ToolResults: []run.ToolResult{{
			ToolCallID: uuid.New().String(),
			ToolName:   "work_log",
			Content:    workLog,
		}}}}
		if kb, ok := c.KnowledgeBase().(compactor); ok && e.opts.CompactThreshold > 0 {
			results = kb.Compact(results, e.opts.CompactThreshold)
		}
		c.AppendTurn(results[0])
		c.Emitter().EmitTurnCompleted(c.ID(), turn)
	}

	updated, uerr := c.UpdateWorkModule(module.ModuleID, func(m *run.WorkModule) { m.Status = status })
	if uerr == nil {
		c.Emitter().EmitWorkModuleUpdated(c.ID(), updated)
	}
	return err
}

type compactor interface {
	Compact(turns []run.Turn, threshold int) []run.Turn
}

func (e *Echo) save(c *run.Context, logger *slog.Logger) {
	if e.saver == nil {
		return
	}
	rec, err := store.RecordFromRun(c)
	if err != nil {
		logger.Warn("failed to encode snapshot", "error", err)
		return
	}
	// the run's own context may already be cancelled here
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.saver.SaveSnapshot(ctx, rec); err != nil {
		logger.Warn("failed to save snapshot", "error", err)
	}
}

func agentFor(c *run.Context) string {
	rt, err := run.LookupType(c.Meta().RunType)
	if err == nil && len(rt.Profiles) > 0 {
		return rt.Profiles[0]
	}
	return "Assistant"
}

// truncate cuts s to at most n bytes on a rune boundary.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
