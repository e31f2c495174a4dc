// ABOUTME: Tests for run lifecycle handling and the dispatch error contract
// ABOUTME: Drives the orchestrator through encoded frames against an in-memory socket and store

package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-runs/internal/knowledge"
	"github.com/2389/coven-runs/internal/protocol"
	"github.com/2389/coven-runs/internal/run"
	"github.com/2389/coven-runs/internal/session"
	"github.com/2389/coven-runs/internal/store"
	"github.com/2389/coven-runs/internal/task"
	"github.com/2389/coven-runs/internal/telemetry"
)

type recordingConn struct {
	mu     sync.Mutex
	frames [][]byte
}

func (c *recordingConn) Write(ctx context.Context, typ websocket.MessageType, p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, append([]byte(nil), p...))
	return nil
}

func (c *recordingConn) Close(code websocket.StatusCode, reason string) error {
	return nil
}

func (c *recordingConn) events(t *testing.T) []map[string]any {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]map[string]any, 0, len(c.frames))
	for _, frame := range c.frames {
		var ev map[string]any
		require.NoError(t, json.Unmarshal(frame, &ev))
		out = append(out, ev)
	}
	return out
}

func (c *recordingConn) ofType(t *testing.T, eventType string) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, ev := range c.events(t) {
		if ev["type"] == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func (c *recordingConn) last(t *testing.T) map[string]any {
	t.Helper()
	evs := c.events(t)
	require.NotEmpty(t, evs)
	return evs[len(evs)-1]
}

func dataOf(ev map[string]any) map[string]any {
	d, _ := ev["data"].(map[string]any)
	return d
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// promptRunner records every prompt it drains and runs until cancelled.
type promptRunner struct {
	mu      sync.Mutex
	starts  int
	prompts []string
}

func (r *promptRunner) Run(ctx context.Context, c *run.Context) error {
	r.mu.Lock()
	r.starts++
	r.mu.Unlock()

	inbox := c.PromptInbox()
	for {
		for _, item := range inbox.Drain() {
			if p, ok := item.Payload["prompt"].(string); ok {
				r.mu.Lock()
				r.prompts = append(r.prompts, p)
				r.mu.Unlock()
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-inbox.Wakeup():
		}
	}
}

func (r *promptRunner) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.prompts...)
}

func (r *promptRunner) started() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.starts
}

// stuckRunner ignores cancellation until released.
type stuckRunner struct {
	release chan struct{}
}

func (r *stuckRunner) Run(ctx context.Context, c *run.Context) error {
	<-r.release
	return nil
}

type panicCatalog struct{}

func (panicCatalog) Toolsets(scope string) []Toolset {
	panic("catalog exploded")
}

type harness struct {
	orch    *Orchestrator
	store   *store.MockStore
	metrics *telemetry.Metrics
}

func newHarness(t *testing.T, runner FlowRunner, configure ...func(*Options)) *harness {
	t.Helper()
	st := store.NewMockStore()
	m, err := telemetry.New()
	require.NoError(t, err)

	opts := Options{
		Snapshots:   st,
		Profiles:    st,
		Runner:      runner,
		Metrics:     m,
		StopTimeout: time.Second,
	}
	for _, fn := range configure {
		fn(&opts)
	}
	o, err := New(run.NewRegistry(), opts, testLogger())
	require.NoError(t, err)
	return &harness{orch: o, store: st, metrics: m}
}

func (h *harness) connect(t *testing.T, opts session.Options) (*session.Session, *recordingConn) {
	t.Helper()
	sess := session.New(opts, testLogger())
	conn := &recordingConn{}
	require.True(t, sess.Mux.Bind(conn))
	t.Cleanup(func() { h.orch.CloseSession(context.Background(), sess) })
	return sess, conn
}

func (h *harness) send(t *testing.T, sess *session.Session, msgType string, data map[string]any) {
	t.Helper()
	frame, err := json.Marshal(map[string]any{"type": msgType, "data": data})
	require.NoError(t, err)
	h.orch.Dispatch(t.Context(), sess, frame)
}

func (h *harness) startRun(t *testing.T, sess *session.Session, conn *recordingConn, runType string) string {
	t.Helper()
	before := len(conn.events(t))
	h.send(t, sess, protocol.TypeStartRun, map[string]any{"request_id": "req-1", "run_type": runType})
	evs := conn.events(t)[before:]
	require.Len(t, evs, 1)
	require.Equal(t, protocol.EventRunReady, evs[0]["type"])
	runID, ok := evs[0]["run_id"].(string)
	require.True(t, ok)
	return runID
}

func (h *harness) prompt(t *testing.T, sess *session.Session, runID, text string) {
	t.Helper()
	h.send(t, sess, protocol.TypeSendToRun, map[string]any{
		"run_id":          runID,
		"message_payload": map[string]any{"prompt": text},
	})
}

func (h *harness) total(t *testing.T, name string) int64 {
	t.Helper()
	points, err := h.metrics.Collect(t.Context())
	require.NoError(t, err)
	return telemetry.Total(points, name)
}

func (h *harness) mustRun(t *testing.T, runID string) *run.Context {
	t.Helper()
	c, ok := h.orch.Registry().Get(runID)
	require.True(t, ok, "run %s should be registered", runID)
	return c
}

func TestNew_RequiresCollaborators(t *testing.T) {
	st := store.NewMockStore()
	runner := &promptRunner{}

	_, err := New(nil, Options{Snapshots: st, Runner: runner}, testLogger())
	assert.Error(t, err)
	_, err = New(run.NewRegistry(), Options{Runner: runner}, testLogger())
	assert.Error(t, err)
	_, err = New(run.NewRegistry(), Options{Snapshots: st}, testLogger())
	assert.Error(t, err)

	o, err := New(run.NewRegistry(), Options{Snapshots: st, Runner: runner}, testLogger())
	require.NoError(t, err)
	assert.Equal(t, DefaultStopTimeout, o.StopTimeout())
}

func TestStartRun_RegistersCreatedRun(t *testing.T) {
	h := newHarness(t, &promptRunner{})
	sess, conn := h.connect(t, session.Options{})

	h.send(t, sess, protocol.TypeStartRun, map[string]any{
		"request_id": "r1",
		"run_type":   run.TypePartnerInteraction,
		"project_id": "proj-1",
	})

	evs := conn.events(t)
	require.Len(t, evs, 1)
	ready := evs[0]
	assert.Equal(t, protocol.EventRunReady, ready["type"])
	assert.Equal(t, sess.ID, ready["session_id"])
	data := dataOf(ready)
	assert.Equal(t, "r1", data["request_id"])
	runID, _ := data["run_id"].(string)
	require.NotEmpty(t, runID)
	assert.Equal(t, runID, ready["run_id"])

	c := h.mustRun(t, runID)
	assert.Equal(t, run.StatusCreated, c.Status())
	assert.Equal(t, "proj-1", c.Meta().ProjectID)
	assert.True(t, sess.Owns(runID))
	assert.Equal(t, 0, sess.Tasks.Len())

	_, err := h.store.FindSnapshotByRunID(t.Context(), runID)
	assert.NoError(t, err, "first snapshot should be persisted before run_ready")
	assert.Equal(t, int64(1), h.total(t, "coven_runs.runs.active"))
}

func TestStartRun_UnknownRunType(t *testing.T) {
	h := newHarness(t, &promptRunner{})
	sess, conn := h.connect(t, session.Options{})

	h.send(t, sess, protocol.TypeStartRun, map[string]any{"request_id": "r1", "run_type": "juggling"})

	evs := conn.events(t)
	require.Len(t, evs, 1)
	assert.Equal(t, protocol.EventError, evs[0]["type"])
	assert.Nil(t, evs[0]["run_id"])
	assert.Contains(t, dataOf(evs[0])["message"], "juggling")
	assert.Equal(t, 0, h.orch.Registry().Len())
}

func TestStartRun_PersistFailureRegistersNothing(t *testing.T) {
	h := newHarness(t, &promptRunner{})
	h.store.PersistErr = errors.New("disk full")
	sess, conn := h.connect(t, session.Options{})

	h.send(t, sess, protocol.TypeStartRun, map[string]any{"request_id": "r1", "run_type": run.TypeStandard})

	evs := conn.events(t)
	require.Len(t, evs, 1)
	assert.Equal(t, protocol.EventError, evs[0]["type"])
	assert.Equal(t, 0, h.orch.Registry().Len())
	assert.Empty(t, sess.Runs())
}

func TestStartRun_SeedsProfilesPreferringSaved(t *testing.T) {
	h := newHarness(t, &promptRunner{})
	ctx := t.Context()
	_, err := h.store.SaveProfile(ctx, store.ProfileTemplate, "Partner", "llm", map[string]any{"model": "partner-default"})
	require.NoError(t, err)
	_, err = h.store.SaveProfile(ctx, store.ProfileTemplate, "Principal", "llm", map[string]any{"model": "principal-default"})
	require.NoError(t, err)
	_, err = h.store.SaveProfile(ctx, store.ProfileSaved, "Principal", "llm", map[string]any{"model": "principal-tuned"})
	require.NoError(t, err)

	sess, conn := h.connect(t, session.Options{})
	runID := h.startRun(t, sess, conn, run.TypePartnerInteraction)

	cfg := h.mustRun(t, runID).Config()
	partner, ok := cfg.ActiveByName("Partner")
	require.True(t, ok)
	assert.Equal(t, "partner-default", partner.Body["model"])
	principal, ok := cfg.ActiveByName("Principal")
	require.True(t, ok)
	assert.Equal(t, "principal-tuned", principal.Body["model"])
}

func TestSendToRun_CreatedSpawnsExactlyOneTask(t *testing.T) {
	runner := &promptRunner{}
	h := newHarness(t, runner)
	sess, conn := h.connect(t, session.Options{})
	runID := h.startRun(t, sess, conn, run.TypePartnerInteraction)

	h.prompt(t, sess, runID, "hi")

	assert.Equal(t, 1, sess.Tasks.Len())
	assert.True(t, sess.Tasks.HasLive(runID))
	c := h.mustRun(t, runID)
	assert.Equal(t, run.StatusAwaitingInput, c.Status())
	assert.Equal(t, "hi", c.Question())
	assert.Empty(t, conn.ofType(t, protocol.EventError))

	require.Eventually(t, func() bool { return len(runner.seen()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"hi"}, runner.seen())
	assert.Equal(t, int64(1), h.total(t, "coven_runs.tasks.spawned"))
}

func TestSendToRun_LiveTaskReceivesFollowUps(t *testing.T) {
	runner := &promptRunner{}
	h := newHarness(t, runner)
	sess, conn := h.connect(t, session.Options{})
	runID := h.startRun(t, sess, conn, run.TypeStandard)

	h.prompt(t, sess, runID, "first")
	first, ok := sess.Tasks.Get(runID)
	require.True(t, ok)

	h.mustRun(t, runID).SetStatus(run.StatusRunning)
	h.prompt(t, sess, runID, "second")
	h.prompt(t, sess, runID, "third")

	current, ok := sess.Tasks.Get(runID)
	require.True(t, ok)
	assert.Same(t, first, current)
	assert.Equal(t, 1, sess.Tasks.Len())

	require.Eventually(t, func() bool { return len(runner.seen()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"first", "second", "third"}, runner.seen())
	assert.Equal(t, 1, runner.started())
}

func TestSendToRun_RespawnsAfterRunnerReturns(t *testing.T) {
	var mu sync.Mutex
	starts := 0
	runner := FlowRunnerFunc(func(ctx context.Context, c *run.Context) error {
		mu.Lock()
		starts++
		mu.Unlock()
		c.PromptInbox().Drain()
		return nil
	})
	h := newHarness(t, runner)
	sess, conn := h.connect(t, session.Options{})
	runID := h.startRun(t, sess, conn, run.TypeStandard)

	h.prompt(t, sess, runID, "one")
	require.Eventually(t, func() bool { return !sess.Tasks.HasLive(runID) }, time.Second, 5*time.Millisecond)

	h.prompt(t, sess, runID, "two")
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return starts == 2
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, conn.ofType(t, protocol.EventError))
}

func TestSendToRun_UnknownRunYieldsSingleScopedError(t *testing.T) {
	h := newHarness(t, &promptRunner{})
	sess, conn := h.connect(t, session.Options{})

	h.prompt(t, sess, "Y", "hello?")

	evs := conn.events(t)
	require.Len(t, evs, 1)
	assert.Equal(t, protocol.EventError, evs[0]["type"])
	assert.Equal(t, "Y", evs[0]["run_id"])
	assert.Equal(t, 0, h.orch.Registry().Len())
	assert.Equal(t, 0, sess.Tasks.Len())
}

func TestSendToRun_Rejections(t *testing.T) {
	h := newHarness(t, &promptRunner{})
	sess, conn := h.connect(t, session.Options{})
	runID := h.startRun(t, sess, conn, run.TypeStandard)

	h.send(t, sess, protocol.TypeSendToRun, map[string]any{
		"run_id":          runID,
		"message_payload": map[string]any{"prompt": ""},
	})
	last := conn.last(t)
	assert.Equal(t, protocol.EventError, last["type"])
	assert.Equal(t, runID, last["run_id"])
	assert.Contains(t, dataOf(last)["message"], "prompt is required")

	c := h.mustRun(t, runID)
	c.SetStatus(run.StatusCompleted)
	h.prompt(t, sess, runID, "too late")
	last = conn.last(t)
	assert.Equal(t, protocol.EventError, last["type"])
	assert.Contains(t, dataOf(last)["message"], "COMPLETED")
	assert.Equal(t, 0, sess.Tasks.Len())
	assert.Equal(t, 0, c.PromptInbox().Len())
}

func TestStopRun_CancelsTaskAndRemovesRun(t *testing.T) {
	h := newHarness(t, &promptRunner{})
	sess, conn := h.connect(t, session.Options{})
	runID := h.startRun(t, sess, conn, run.TypePartnerInteraction)
	h.prompt(t, sess, runID, "hi")
	handle, ok := sess.Tasks.Get(runID)
	require.True(t, ok)

	h.send(t, sess, protocol.TypeStopRun, map[string]any{"run_id": runID})

	assert.True(t, handle.Finished())
	assert.ErrorIs(t, handle.Err(), context.Canceled)
	_, registered := h.orch.Registry().Get(runID)
	assert.False(t, registered)
	assert.False(t, sess.Owns(runID))

	stopped := conn.last(t)
	assert.Equal(t, protocol.EventRunStopped, stopped["type"])
	assert.Equal(t, runID, stopped["run_id"])
	assert.Equal(t, string(run.StatusAwaitingInput), dataOf(stopped)["status"])
	assert.Equal(t, int64(0), h.total(t, "coven_runs.runs.active"))
}

func TestStopRun_StuckTaskIsDetached(t *testing.T) {
	runner := &stuckRunner{release: make(chan struct{})}
	h := newHarness(t, runner, func(o *Options) { o.StopTimeout = 50 * time.Millisecond })
	sess, conn := h.connect(t, session.Options{})
	t.Cleanup(func() { close(runner.release) })

	runID := h.startRun(t, sess, conn, run.TypeStandard)
	h.prompt(t, sess, runID, "hang")
	handle, ok := sess.Tasks.Get(runID)
	require.True(t, ok)

	start := time.Now()
	h.send(t, sess, protocol.TypeStopRun, map[string]any{"run_id": runID})

	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, handle.Finished())
	_, registered := h.orch.Registry().Get(runID)
	assert.False(t, registered, "run is removed even when its task ignores cancellation")
	assert.Equal(t, protocol.EventRunStopped, conn.last(t)["type"])
	assert.Equal(t, int64(1), h.total(t, "coven_runs.tasks.cancel_timeouts"))
}

func TestStopRun_IdleAndUnknownRunsAreNotErrors(t *testing.T) {
	h := newHarness(t, &promptRunner{})
	sess, conn := h.connect(t, session.Options{})
	runID := h.startRun(t, sess, conn, run.TypeStandard)

	h.send(t, sess, protocol.TypeStopRun, map[string]any{"run_id": runID})
	h.send(t, sess, protocol.TypeStopRun, map[string]any{"run_id": runID})
	h.send(t, sess, protocol.TypeStopRun, map[string]any{"run_id": "never-existed"})

	assert.Empty(t, conn.ofType(t, protocol.EventError))
	stopped := conn.ofType(t, protocol.EventRunStopped)
	require.Len(t, stopped, 3)
	assert.Equal(t, string(run.StatusCreated), dataOf(stopped[0])["status"])
	assert.Equal(t, "", dataOf(stopped[1])["status"])
	assert.Equal(t, "never-existed", stopped[2]["run_id"])
}

func TestStartRun_ResumeCompositeRestartsFlow(t *testing.T) {
	runner := &promptRunner{}
	h := newHarness(t, runner)

	rt, err := run.LookupType(run.TypePartnerInteraction)
	require.NoError(t, err)
	saved := run.NewContext(rt, "notes.md", "proj-1")
	saved.AppendTurn(run.Turn{Role: "user", Content: "where were we"})
	saved.SetStatus(run.StatusCompleted)
	rec, err := store.RecordFromRun(saved)
	require.NoError(t, err)
	require.NoError(t, h.store.PersistInitialSnapshot(t.Context(), rec))

	sess, conn := h.connect(t, session.Options{})
	h.send(t, sess, protocol.TypeStartRun, map[string]any{"request_id": "r2", "resume_from_run_id": saved.ID()})

	evs := conn.events(t)
	require.Len(t, evs, 2)
	assert.Equal(t, protocol.EventRunReady, evs[0]["type"])
	assert.Equal(t, "r2", dataOf(evs[0])["request_id"])
	assert.Equal(t, string(run.StatusAwaitingInput), dataOf(evs[0])["status"])
	assert.Equal(t, protocol.EventTurnsSync, evs[1]["type"])
	turns, _ := dataOf(evs[1])["turns"].([]any)
	assert.Len(t, turns, 1)

	c := h.mustRun(t, saved.ID())
	assert.Equal(t, run.StatusAwaitingInput, c.Status())
	assert.NotNil(t, c.KnowledgeBase())
	assert.True(t, sess.Tasks.HasLive(saved.ID()))
	require.Eventually(t, func() bool { return runner.started() == 1 }, time.Second, 5*time.Millisecond)
}

func TestStartRun_ResumeRestoresCompactedResults(t *testing.T) {
	h := newHarness(t, &promptRunner{})
	rt, err := run.LookupType(run.TypeStandard)
	require.NoError(t, err)

	workLog := strings.Repeat("line of tool output\n", 30)
	saved := run.NewContext(rt, "", "")
	kb := knowledge.New()
	saved.SetKnowledgeBase(kb)
	compacted := kb.Compact([]run.Turn{{Role: "tool", ToolResults: []run.ToolResult{{
		ToolCallID: "call-1",
		ToolName:   "work_log",
		Content:    workLog,
	}}}}, 100)
	require.True(t, compacted[0].ToolResults[0].Compacted())
	saved.AppendTurn(compacted[0])
	rec, err := store.RecordFromRun(saved)
	require.NoError(t, err)
	require.NoError(t, h.store.PersistInitialSnapshot(t.Context(), rec))

	sess, conn := h.connect(t, session.Options{})
	h.send(t, sess, protocol.TypeStartRun, map[string]any{"request_id": "r4", "resume_from_run_id": saved.ID()})

	syncs := conn.ofType(t, protocol.EventTurnsSync)
	require.Len(t, syncs, 1)
	turns, _ := dataOf(syncs[0])["turns"].([]any)
	require.Len(t, turns, 1)
	results, _ := turns[0].(map[string]any)["tool_results"].([]any)
	require.Len(t, results, 1)
	result, _ := results[0].(map[string]any)
	assert.Equal(t, workLog, result["content"])

	entries := h.mustRun(t, saved.ID()).KnowledgeBase().Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, workLog, entries[0].Content)
}

func TestStartRun_ResumeStandardWaitsForInput(t *testing.T) {
	h := newHarness(t, &promptRunner{})
	rt, err := run.LookupType(run.TypeStandard)
	require.NoError(t, err)
	saved := run.NewContext(rt, "", "")
	rec, err := store.RecordFromRun(saved)
	require.NoError(t, err)
	require.NoError(t, h.store.PersistInitialSnapshot(t.Context(), rec))

	sess, conn := h.connect(t, session.Options{})
	h.send(t, sess, protocol.TypeStartRun, map[string]any{"request_id": "r3", "resume_from_run_id": saved.ID()})

	assert.Len(t, conn.ofType(t, protocol.EventRunReady), 1)
	assert.False(t, sess.Tasks.HasLive(saved.ID()))
	assert.Equal(t, run.StatusAwaitingInput, h.mustRun(t, saved.ID()).Status())
}

func TestStartRun_ResumeFailures(t *testing.T) {
	h := newHarness(t, &promptRunner{})
	sess, conn := h.connect(t, session.Options{})

	h.send(t, sess, protocol.TypeStartRun, map[string]any{"request_id": "r1", "resume_from_run_id": "ghost"})
	last := conn.last(t)
	assert.Equal(t, protocol.EventError, last["type"])
	assert.Equal(t, "ghost", last["run_id"])

	h.store.PutSnapshot(&store.SnapshotRecord{RunID: "broken", RunType: run.TypeStandard, Data: []byte("{not json")})
	h.send(t, sess, protocol.TypeStartRun, map[string]any{"request_id": "r2", "resume_from_run_id": "broken"})
	last = conn.last(t)
	assert.Equal(t, protocol.EventError, last["type"])
	assert.Equal(t, "broken", last["run_id"])

	runID := h.startRun(t, sess, conn, run.TypeStandard)
	h.send(t, sess, protocol.TypeStartRun, map[string]any{"request_id": "r3", "resume_from_run_id": runID})
	last = conn.last(t)
	assert.Equal(t, protocol.EventError, last["type"])
	assert.Contains(t, dataOf(last)["message"], "already active")
	assert.Equal(t, 1, h.orch.Registry().Len())
}

func TestStopManagedPrincipal(t *testing.T) {
	h := newHarness(t, &promptRunner{})
	sess, conn := h.connect(t, session.Options{})
	runID := h.startRun(t, sess, conn, run.TypePartnerInteraction)
	c := h.mustRun(t, runID)

	principal := task.Spawn(context.Background(), run.PrincipalTaskKey(runID), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, c.SetPrincipalTask(principal, "subtask-7"))
	partner, ok := c.SubContext(run.PartnerContext)
	require.True(t, ok)
	require.True(t, partner.Bool(run.StateIsPrincipalFlowRunning))
	require.True(t, sess.Tasks.HasLive(run.PrincipalTaskKey(runID)))

	h.send(t, sess, protocol.TypeRequestRunContext, map[string]any{"run_id": runID})
	ev := conn.last(t)
	require.Equal(t, protocol.EventRunContextResponse, ev["type"])
	assert.Equal(t, true, dataOf(ev)["principal_task_running"])

	h.send(t, sess, protocol.TypeStopManagedPrincipal, map[string]any{"managing_partner_run_id": runID})

	ev = conn.last(t)
	assert.Equal(t, protocol.EventPrincipalStopped, ev["type"])
	assert.Equal(t, "subtask-7", dataOf(ev)["subtask_id"])
	assert.True(t, principal.Finished())
	assert.Nil(t, c.PrincipalTask())
	assert.False(t, partner.Bool(run.StateIsPrincipalFlowRunning))
	_, registered := h.orch.Registry().Get(runID)
	assert.True(t, registered, "the partner run stays alive")

	standardID := h.startRun(t, sess, conn, run.TypeStandard)
	h.send(t, sess, protocol.TypeStopManagedPrincipal, map[string]any{"managing_partner_run_id": standardID})
	last := conn.last(t)
	assert.Equal(t, protocol.EventError, last["type"])
	assert.Equal(t, standardID, last["run_id"])
}

func TestRunsBelongToTheirSession(t *testing.T) {
	h := newHarness(t, &promptRunner{})
	owner, ownerConn := h.connect(t, session.Options{})
	intruder, intruderConn := h.connect(t, session.Options{})
	runID := h.startRun(t, owner, ownerConn, run.TypeStandard)

	h.prompt(t, intruder, runID, "mine now")
	h.send(t, intruder, protocol.TypeStopRun, map[string]any{"run_id": runID})

	errs := intruderConn.ofType(t, protocol.EventError)
	require.Len(t, errs, 2)
	for _, ev := range errs {
		assert.Equal(t, runID, ev["run_id"])
		assert.Contains(t, dataOf(ev)["message"], "another connection")
	}
	assert.Equal(t, 0, intruder.Tasks.Len())
	h.mustRun(t, runID)
	assert.Len(t, ownerConn.events(t), 1, "only run_ready reaches the owner")
}

func TestCloseSession_RemovesOwnedRuns(t *testing.T) {
	h := newHarness(t, &promptRunner{})
	sess, conn := h.connect(t, session.Options{})
	first := h.startRun(t, sess, conn, run.TypeStandard)
	h.startRun(t, sess, conn, run.TypePartnerInteraction)
	h.prompt(t, sess, first, "working")
	handle, ok := sess.Tasks.Get(first)
	require.True(t, ok)

	h.orch.CloseSession(t.Context(), sess)

	assert.Equal(t, 0, h.orch.Registry().Len())
	assert.True(t, handle.Finished())
	assert.Empty(t, sess.Runs())
	assert.Equal(t, int64(0), h.total(t, "coven_runs.runs.active"))
}

func TestDispatch_ConnectionScopedErrors(t *testing.T) {
	h := newHarness(t, &promptRunner{})
	sess, conn := h.connect(t, session.Options{})

	h.orch.Dispatch(t.Context(), sess, []byte("{not json"))
	h.orch.Dispatch(t.Context(), sess, []byte(`{"data":{}}`))
	h.orch.Dispatch(t.Context(), sess, []byte(`{"type":"launch_rockets","data":{"run_id":"X"}}`))

	evs := conn.events(t)
	require.Len(t, evs, 3)
	for _, ev := range evs {
		assert.Equal(t, protocol.EventError, ev["type"])
		assert.Nil(t, ev["run_id"])
	}
	assert.Contains(t, dataOf(evs[2])["message"], "launch_rockets")
	assert.Equal(t, int64(3), h.total(t, "coven_runs.messages.rejected"))
}

func TestDispatch_ValidationErrorsUseRunHint(t *testing.T) {
	h := newHarness(t, &promptRunner{})
	sess, conn := h.connect(t, session.Options{})

	h.send(t, sess, protocol.TypeSendToRun, map[string]any{"run_id": "Z", "message_payload": "not an object"})
	h.send(t, sess, protocol.TypeStopManagedPrincipal, map[string]any{"managing_partner_run_id": ""})
	h.send(t, sess, protocol.TypeStartRun, map[string]any{"run_type": run.TypeStandard})

	evs := conn.events(t)
	require.Len(t, evs, 3)
	assert.Equal(t, "Z", evs[0]["run_id"])
	assert.Nil(t, evs[1]["run_id"])
	assert.Nil(t, evs[2]["run_id"])
	for _, ev := range evs {
		assert.Equal(t, protocol.EventError, ev["type"])
	}
	assert.Equal(t, 0, h.orch.Registry().Len())
}

func TestDispatch_RecoversFromHandlerPanic(t *testing.T) {
	h := newHarness(t, &promptRunner{}, func(o *Options) { o.Toolsets = panicCatalog{} })
	sess, conn := h.connect(t, session.Options{})

	h.send(t, sess, protocol.TypeRequestToolsets, map[string]any{})
	ev := conn.last(t)
	assert.Equal(t, protocol.EventError, ev["type"])
	assert.Equal(t, "internal error handling request_available_toolsets", dataOf(ev)["message"])

	h.startRun(t, sess, conn, run.TypeStandard)
}

func TestDispatch_RateLimited(t *testing.T) {
	h := newHarness(t, &promptRunner{})
	sess, conn := h.connect(t, session.Options{MessagesPerSecond: 0.001, Burst: 1})

	h.send(t, sess, protocol.TypeRequestToolsets, map[string]any{})
	h.send(t, sess, protocol.TypeRequestToolsets, map[string]any{})

	evs := conn.events(t)
	require.Len(t, evs, 2)
	assert.Equal(t, protocol.EventToolsetsResponse, evs[0]["type"])
	assert.Equal(t, protocol.EventError, evs[1]["type"])
	assert.Contains(t, dataOf(evs[1])["message"], "rate limit")
}

func TestSendToRun_AtMostOneTaskProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	properties := gopter.NewProperties(parameters)

	properties.Property("repeated input never starts a second runner", prop.ForAll(
		func(sends int, composite bool) bool {
			runType := run.TypeStandard
			if composite {
				runType = run.TypePartnerInteraction
			}
			h := newHarness(t, &promptRunner{})
			sess, conn := h.connect(t, session.Options{})
			runID := h.startRun(t, sess, conn, runType)

			for range sends {
				h.prompt(t, sess, runID, "again")
			}
			ok := sess.Tasks.Len() == 1 &&
				h.total(t, "coven_runs.tasks.spawned") == 1 &&
				len(conn.ofType(t, protocol.EventError)) == 0
			h.orch.CloseSession(context.Background(), sess)
			return ok
		},
		gen.IntRange(1, 10),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
