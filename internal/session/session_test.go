// ABOUTME: Tests for the event multiplexer and socket session lifecycle
// ABOUTME: Uses an in-memory fake websocket connection to capture frames

package session

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
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-runs/internal/protocol"
	"github.com/2389/coven-runs/internal/redact"
	"github.com/2389/coven-runs/internal/run"
	"github.com/2389/coven-runs/internal/task"
)

type fakeConn struct {
	mu       sync.Mutex
	frames   [][]byte
	writeErr error
	closes   int
	code     websocket.StatusCode
}

func (f *fakeConn) Write(ctx context.Context, typ websocket.MessageType, p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.frames = append(f.frames, append([]byte(nil), p...))
	return nil
}

func (f *fakeConn) Close(code websocket.StatusCode, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	f.code = code
	return nil
}

func (f *fakeConn) events(t *testing.T) []map[string]any {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]map[string]any, 0, len(f.frames))
	for _, frame := range f.frames {
		var ev map[string]any
		require.NoError(t, json.Unmarshal(frame, &ev))
		out = append(out, ev)
	}
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func boundMux(t *testing.T) (*Multiplexer, *fakeConn) {
	t.Helper()
	conn := &fakeConn{}
	m := NewMultiplexer("sess-1", time.Second, testLogger())
	require.True(t, m.Bind(conn))
	return m, conn
}

func TestMultiplexer_SendInjectsIDs(t *testing.T) {
	m, conn := boundMux(t)

	m.SendForRun("run-1", protocol.NewEvent(protocol.EventResource))
	m.Send(protocol.NewEvent(protocol.EventError))

	evs := conn.events(t)
	require.Len(t, evs, 2)
	assert.Equal(t, "run-1", evs[0]["run_id"])
	assert.Equal(t, "sess-1", evs[0]["session_id"])
	assert.Nil(t, evs[1]["run_id"])
	assert.Contains(t, evs[1], "run_id")
}

func TestMultiplexer_SendForRunKeepsExplicitRunID(t *testing.T) {
	m, conn := boundMux(t)

	m.SendForRun("run-1", protocol.RunEvent(protocol.EventResource, "run-2"))
	assert.Equal(t, "run-2", conn.events(t)[0]["run_id"])
}

func TestMultiplexer_BindOnlyOnce(t *testing.T) {
	m, _ := boundMux(t)
	assert.False(t, m.Bind(&fakeConn{}))
}

func TestMultiplexer_SendWhenDisconnectedIsNoop(t *testing.T) {
	m := NewMultiplexer("sess-1", time.Second, testLogger())
	m.EmitError("", "nobody listening")
	assert.False(t, m.Connected())
}

func TestMultiplexer_PeerClosedMarksDisconnected(t *testing.T) {
	m, conn := boundMux(t)
	conn.writeErr = websocket.CloseError{Code: websocket.StatusGoingAway}

	m.EmitLLMChunk("run-1", "agent", "s1", "hi")
	assert.False(t, m.Connected())
}

func TestMultiplexer_OtherWriteErrorIsSwallowed(t *testing.T) {
	m, conn := boundMux(t)
	conn.writeErr = errors.New("transient")

	m.EmitLLMChunk("run-1", "agent", "s1", "hi")
	assert.True(t, m.Connected())
}

func TestMultiplexer_CloseOnce(t *testing.T) {
	m, conn := boundMux(t)

	m.Close()
	m.Close()
	assert.Equal(t, 1, conn.closes)
	assert.False(t, m.Connected())

	m.EmitError("", "after close")
	assert.Empty(t, conn.events(t))
}

func TestMultiplexer_OnSend(t *testing.T) {
	m, _ := boundMux(t)
	var seen []string
	m.OnSend(func(ev protocol.Event) { seen = append(seen, ev.Type) })

	m.EmitLLMResponse("run-1", "agent", "done")
	assert.Equal(t, []string{protocol.EventLLMResponse}, seen)
}

func TestMultiplexer_RequestParamsAreRedacted(t *testing.T) {
	m, conn := boundMux(t)

	m.EmitLLMRequestParams("run-1", "agent", map[string]any{
		"model":   "m",
		"API_Key": "sk-live-123",
		"headers": map[string]any{"Authorization-Token": "bearer abc", "accept": "json"},
	})

	frame := string(conn.frames[0])
	assert.NotContains(t, frame, "sk-live-123")
	assert.NotContains(t, frame, "bearer abc")

	params := conn.events(t)[0]["data"].(map[string]any)["params"].(map[string]any)
	assert.Equal(t, redact.Placeholder, params["API_Key"])
	assert.Equal(t, "json", params["headers"].(map[string]any)["accept"])
}

type fakeKB struct {
	err error
}

func (k fakeKB) Hydrate(ctx context.Context, turns []run.Turn) ([]run.Turn, error) {
	if k.err != nil {
		return nil, k.err
	}
	out := run.CloneTurns(turns)
	for i := range out {
		for j := range out[i].ToolResults {
			out[i].ToolResults[j].Content = "hydrated:" + out[i].ToolResults[j].KBRef
		}
	}
	return out, nil
}

func (fakeKB) Entries() []run.KnowledgeEntry { return nil }

func TestMultiplexer_TurnsSyncHydration(t *testing.T) {
	turns := []run.Turn{{TurnID: "t1", Role: "tool", ToolResults: []run.ToolResult{{ToolCallID: "c", KBRef: "kb://1"}}}}

	tests := []struct {
		name string
		kb   run.KnowledgeBase
		want string
	}{
		{name: "hydrated", kb: fakeKB{}, want: "hydrated:kb://1"},
		{name: "no knowledge base", kb: nil, want: ""},
		{name: "hydration fails", kb: fakeKB{err: errors.New("down")}, want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, conn := boundMux(t)
			m.EmitTurnsSync(t.Context(), "run-1", turns, tt.kb)

			evs := conn.events(t)
			require.Len(t, evs, 1)
			got := evs[0]["data"].(map[string]any)["turns"].([]any)
			require.Len(t, got, 1)
			result := got[0].(map[string]any)["tool_results"].([]any)[0].(map[string]any)
			content, _ := result["content"].(string)
			assert.Equal(t, tt.want, content)
		})
	}
}

func TestMultiplexer_ConcurrentSends(t *testing.T) {
	m, conn := boundMux(t)
	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.EmitLLMChunk("run-1", "agent", "s", strings.Repeat("x", i))
		}()
	}
	wg.Wait()
	assert.Len(t, conn.events(t), 20)
}

func TestSession_Views(t *testing.T) {
	s := New(Options{}, testLogger())

	assert.True(t, s.Subscribe("run-1", "turns"))
	assert.False(t, s.Subscribe("run-1", "turns"))
	assert.True(t, s.Subscribed("run-1", "turns"))

	assert.True(t, s.Unsubscribe("run-1", "turns"))
	assert.False(t, s.Unsubscribe("run-1", "turns"))
	assert.False(t, s.Subscribed("run-1", "turns"))
}

func TestSession_RateLimit(t *testing.T) {
	s := New(Options{MessagesPerSecond: 1, Burst: 2}, testLogger())
	assert.True(t, s.Allow())
	assert.True(t, s.Allow())
	assert.False(t, s.Allow())

	unlimited := New(Options{}, testLogger())
	for range 100 {
		assert.True(t, unlimited.Allow())
	}
}

func TestSession_CleanupCancelsTasksAndRemovesRuns(t *testing.T) {
	registry := run.NewRegistry()
	s := New(Options{}, testLogger())
	conn := &fakeConn{}
	s.Mux.Bind(conn)

	rt, err := run.LookupType(run.TypeStandard)
	require.NoError(t, err)
	rc := run.NewContext(rt, "", "")
	rc.BindEmitter(s.Mux)
	require.NoError(t, registry.Put(rc))
	s.Own(rc.ID())

	cancelled := make(chan struct{})
	h := task.Spawn(context.Background(), rc.ID(), func(ctx context.Context) error {
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	})
	require.NoError(t, s.Tasks.Add(h))

	report := s.Cleanup(t.Context(), registry, time.Second)

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("task was not cancelled")
	}
	assert.Equal(t, 0, registry.Len())
	assert.Empty(t, s.Runs())
	assert.Equal(t, 0, s.Tasks.Len())
	assert.Equal(t, 1, conn.closes)
	assert.False(t, rc.Emitter().Connected())
	require.Len(t, report.Removed, 1)
	assert.Equal(t, rc.ID(), report.Removed[0].RunID)
	assert.Empty(t, report.TimedOut)
}

func TestSession_CleanupDetachesStuckTask(t *testing.T) {
	registry := run.NewRegistry()
	s := New(Options{}, testLogger())

	release := make(chan struct{})
	defer close(release)
	require.NoError(t, s.Tasks.Add(task.Spawn(context.Background(), "stuck", func(ctx context.Context) error {
		<-release
		return nil
	})))

	start := time.Now()
	report := s.Cleanup(t.Context(), registry, 20*time.Millisecond)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, []string{"stuck"}, report.TimedOut)
	assert.Equal(t, 0, s.Tasks.Len())
}
