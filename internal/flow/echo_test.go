// ABOUTME: Tests for the echo flow runner
// ABOUTME: Drives runs through prompts, delegation, cancellation, and terminal statuses

package flow

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-runs/internal/knowledge"
	"github.com/2389/coven-runs/internal/run"
	"github.com/2389/coven-runs/internal/store"
	"github.com/2389/coven-runs/internal/task"
)

type recordingEmitter struct {
	mu     sync.Mutex
	events []string
	params []map[string]any
}

func (r *recordingEmitter) add(name string) {
	r.mu.Lock()
	r.events = append(r.events, name)
	r.mu.Unlock()
}

func (r *recordingEmitter) has(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e == name {
			return true
		}
	}
	return false
}

func (r *recordingEmitter) EmitLLMStreamStarted(string, string, string) { r.add("stream_started") }
func (r *recordingEmitter) EmitLLMChunk(string, string, string, string) { r.add("chunk") }
func (r *recordingEmitter) EmitLLMStreamEnded(string, string, string) { r.add("stream_ended") }
func (r *recordingEmitter) EmitLLMStreamFailed(string, string, string, string) { r.add("stream_failed") }
func (r *recordingEmitter) EmitLLMResponse(string, string, string) { r.add("response") }
func (r *recordingEmitter) EmitTurnCompleted(string, run.Turn) { r.add("turn_completed") }
func (r *recordingEmitter) EmitWorkModuleUpdated(string, run.WorkModule) { r.add("work_module") }
func (r *recordingEmitter) EmitResource(string, map[string]any) { r.add("resource") }
func (r *recordingEmitter) EmitError(string, string) { r.add("error") }
func (r *recordingEmitter) Connected() bool { return true }

func (r *recordingEmitter) EmitLLMRequestParams(_ string, _ string, params map[string]any) {
	r.mu.Lock()
	r.params = append(r.params, params)
	r.mu.Unlock()
	r.add("request_params")
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newRun(t *testing.T, runType string) (*run.Context, *recordingEmitter) {
	t.Helper()
	rt, err := run.LookupType(runType)
	require.NoError(t, err)
	c := run.NewContext(rt, "", "")
	em := &recordingEmitter{}
	c.BindEmitter(em)
	c.SetKnowledgeBase(knowledge.New())
	return c, em
}

func prompt(c *run.Context, text string) {
	c.PromptInbox().Post(run.NewInboxItem(run.SourceUserPrompt, map[string]any{"prompt": text}, run.ConsumeOnRead))
}

func startEcho(t *testing.T, e *Echo, c *run.Context) *task.Handle {
	t.Helper()
	h := task.Spawn(context.Background(), c.ID(), func(ctx context.Context) error {
		return e.Run(ctx, c)
	})
	t.Cleanup(func() { h.Cancel() })
	return h
}

func waitDone(t *testing.T, h *task.Handle) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("flow did not finish")
	}
}

func TestEcho_StreamsPromptAndCompletes(t *testing.T) {
	c, em := newRun(t, run.TypeStandard)
	saver := store.NewMockStore()
	rec, err := store.RecordFromRun(c)
	require.NoError(t, err)
	require.NoError(t, saver.PersistInitialSnapshot(t.Context(), rec))

	prompt(c, "hello there")
	prompt(c, CommandComplete)
	h := startEcho(t, NewEcho(saver, EchoOptions{}, testLogger()), c)
	waitDone(t, h)

	assert.NoError(t, h.Err())
	assert.Equal(t, run.StatusCompleted, c.Status())
	assert.True(t, em.has("stream_started"))
	assert.True(t, em.has("stream_ended"))
	assert.True(t, em.has("turn_completed"))

	turns := c.Turns()
	require.Len(t, turns, 3)
	assert.Equal(t, "hello there", turns[1].Content)
	assert.Equal(t, "Assistant", turns[1].AgentID)

	key, err := saver.FindSnapshotByRunID(t.Context(), c.ID())
	require.NoError(t, err)
	saved, err := saver.LoadSnapshot(t.Context(), key)
	require.NoError(t, err)
	assert.Equal(t, string(run.StatusCompleted), saved.Status)
}

func TestEcho_WaitsForWakeThenAnswers(t *testing.T) {
	c, em := newRun(t, run.TypePartnerInteraction)
	h := startEcho(t, NewEcho(nil, EchoOptions{}, testLogger()), c)

	require.Eventually(t, func() bool { return c.Status() == run.StatusAwaitingInput }, time.Second, 5*time.Millisecond)

	prompt(c, "ping")
	require.Eventually(t, func() bool { return em.has("response") }, time.Second, 5*time.Millisecond)

	prompt(c, CommandComplete)
	waitDone(t, h)
	assert.Equal(t, run.StatusCompleted, c.Status())
}

func TestEcho_CancellationSetsCancelled(t *testing.T) {
	c, em := newRun(t, run.TypeStandard)
	prompt(c, "one two three four five six seven eight nine ten")
	h := startEcho(t, NewEcho(nil, EchoOptions{ChunkDelay: 50 * time.Millisecond}, testLogger()), c)

	require.Eventually(t, func() bool { return em.has("chunk") }, time.Second, 5*time.Millisecond)
	err := h.CancelAndWait(t.Context(), time.Second)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, run.StatusCancelled, c.Status())
	assert.True(t, em.has("stream_failed"))
}

func TestEcho_FailSetsError(t *testing.T) {
	c, em := newRun(t, run.TypeStandard)
	prompt(c, CommandFail)
	h := startEcho(t, NewEcho(nil, EchoOptions{}, testLogger()), c)
	waitDone(t, h)

	assert.Error(t, h.Err())
	assert.Equal(t, run.StatusError, c.Status())
	assert.True(t, em.has("error"))
}

func TestEcho_ProfilesUpdatedEmitsParams(t *testing.T) {
	c, em := newRun(t, run.TypeStandard)
	_, err := c.Config().Create("Assistant", "", map[string]any{"model": "m2", "api_key": "secret"})
	require.NoError(t, err)
	c.Inbox().Post(run.NewInboxItem(run.SourceProfilesUpdated, nil, run.ConsumeOnRead))

	startEcho(t, NewEcho(nil, EchoOptions{}, testLogger()), c)
	require.Eventually(t, func() bool { return em.has("request_params") }, time.Second, 5*time.Millisecond)

	em.mu.Lock()
	defer em.mu.Unlock()
	assert.Equal(t, "m2", em.params[0]["model"])
	assert.Equal(t, 1, em.params[0]["profile_revision"])
}

func TestEcho_DelegateRunsPrincipal(t *testing.T) {
	c, em := newRun(t, run.TypePartnerInteraction)
	prompt(c, CommandDelegate+"write the report")
	startEcho(t, NewEcho(nil, EchoOptions{CompactThreshold: 32}, testLogger()), c)

	require.Eventually(t, func() bool {
		mods := c.WorkModules()
		return len(mods) == 1 && mods[0].Status == run.WorkModulePendingReview
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return c.PrincipalTask() == nil }, time.Second, 5*time.Millisecond)

	partner, _ := c.SubContext(run.PartnerContext)
	assert.False(t, partner.Bool(run.StateIsPrincipalFlowRunning))
	assert.True(t, em.has("work_module"))

	var compacted bool
	for _, turn := range c.Turns() {
		for _, tr := range turn.ToolResults {
			compacted = compacted || tr.Compacted()
		}
	}
	assert.True(t, compacted)
	assert.NotEmpty(t, c.KnowledgeBase().Entries())
}

func TestEcho_DelegateRecordsPrincipalInTaskSet(t *testing.T) {
	c, _ := newRun(t, run.TypePartnerInteraction)
	tasks := task.NewSet(nil)
	c.BindTasks(tasks)
	prompt(c, CommandDelegate+"write the report")
	startEcho(t, NewEcho(nil, EchoOptions{}, testLogger()), c)

	require.Eventually(t, func() bool { return c.PrincipalTask() != nil }, time.Second, 5*time.Millisecond)
	h, ok := tasks.Get(run.PrincipalTaskKey(c.ID()))
	require.True(t, ok)
	assert.Equal(t, run.PrincipalTaskKey(c.ID()), h.Key)
	require.Eventually(t, func() bool {
		return !tasks.HasLive(run.PrincipalTaskKey(c.ID()))
	}, 2*time.Second, 5*time.Millisecond)
}

func TestEcho_DelegateRefusedByTaskSet(t *testing.T) {
	c, em := newRun(t, run.TypePartnerInteraction)
	tasks := task.NewSet(nil)
	c.BindTasks(tasks)
	holder := task.Spawn(context.Background(), run.PrincipalTaskKey(c.ID()), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	t.Cleanup(func() { holder.Cancel() })
	require.NoError(t, tasks.Add(holder))

	prompt(c, CommandDelegate+"write the report")
	startEcho(t, NewEcho(nil, EchoOptions{}, testLogger()), c)

	require.Eventually(t, func() bool { return em.has("error") }, time.Second, 5*time.Millisecond)
	assert.Nil(t, c.PrincipalTask())
	mods := c.WorkModules()
	require.Len(t, mods, 1)
	assert.Equal(t, run.WorkModuleDeprecated, mods[0].Status)
	got, _ := tasks.Get(run.PrincipalTaskKey(c.ID()))
	assert.Same(t, holder, got)
}

func TestTruncate_KeepsRunesWhole(t *testing.T) {
	assert.Equal(t, "h", truncate("héllo", 2))
	assert.Equal(t, "hé", truncate("héllo", 3))
	assert.Equal(t, "short", truncate("short", 48))
	assert.Equal(t, "", truncate("日本", 2))

	work := strings.Repeat("ü", 40)
	cut := truncate(work, 48)
	assert.True(t, utf8.ValidString(cut))
	assert.Len(t, cut, 48)
}

func TestEcho_DelegateOnStandardRunIsRejected(t *testing.T) {
	c, em := newRun(t, run.TypeStandard)
	prompt(c, CommandDelegate+"nothing")
	startEcho(t, NewEcho(nil, EchoOptions{}, testLogger()), c)

	require.Eventually(t, func() bool { return em.has("error") }, time.Second, 5*time.Millisecond)
	assert.Nil(t, c.PrincipalTask())
}
