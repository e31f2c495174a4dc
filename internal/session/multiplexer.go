// ABOUTME: Per-socket event multiplexer that serializes outbound events onto one websocket
// ABOUTME: Send never fails; write errors are logged and peer closure marks it disconnected

package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/2389/coven-runs/internal/protocol"
	"github.com/2389/coven-runs/internal/redact"
	"github.com/2389/coven-runs/internal/run"
)

// DefaultWriteTimeout bounds a single frame write.
const DefaultWriteTimeout = 10 * time.Second

// Conn is the part of *websocket.Conn the multiplexer writes through.
type Conn interface {
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Multiplexer pushes typed events to the socket of one session. All runs
// owned by the session share it, so writes are serialized.
type Multiplexer struct {
	sessionID    string
	logger       *slog.Logger
	writeTimeout time.Duration

	mu        sync.Mutex
	conn      Conn
	connected bool
	bound     bool
	onSend    func(protocol.Event)

	writeMu sync.Mutex
}

// NewMultiplexer creates an unbound multiplexer for sessionID.
func NewMultiplexer(sessionID string, writeTimeout time.Duration, logger *slog.Logger) *Multiplexer {
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	return &Multiplexer{
		sessionID:    sessionID,
		logger:       logger.With("component", "multiplexer", "session_id", sessionID),
		writeTimeout: writeTimeout,
	}
}

// Bind attaches the socket. Only the first call has any effect.
func (m *Multiplexer) Bind(conn Conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bound {
		return false
	}
	m.conn = conn
	m.connected = true
	m.bound = true
	return true
}

// OnSend registers a callback invoked with every event actually written.
func (m *Multiplexer) OnSend(fn func(protocol.Event)) {
	m.mu.Lock()
	m.onSend = fn
	m.mu.Unlock()
}

// Connected reports whether events are still being delivered.
func (m *Multiplexer) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// SessionID returns the id injected into every event.
func (m *Multiplexer) SessionID() string {
	return m.sessionID
}

// Send writes ev to the socket. It never returns an error.
func (m *Multiplexer) Send(ev protocol.Event) {
	m.mu.Lock()
	conn, connected, onSend := m.conn, m.connected, m.onSend
	m.mu.Unlock()

	if !connected {
		m.logger.Debug("dropping event, socket not connected", "type", ev.Type)
		return
	}
	if ev.SessionID == "" {
		ev.SessionID = m.sessionID
	}
	if ev.Data == nil {
		ev.Data = map[string]any{}
	}

	frame, err := json.Marshal(ev)
	if err != nil {
		m.logger.Error("failed to encode event", "type", ev.Type, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.writeTimeout)
	defer cancel()

	m.writeMu.Lock()
	err = conn.Write(ctx, websocket.MessageText, frame)
	m.writeMu.Unlock()

	if err != nil {
		if peerClosed(err) {
			m.markDisconnected()
			m.logger.Debug("peer closed socket during send", "type", ev.Type, "error", err)
			return
		}
		m.logger.Warn("failed to send event", "type", ev.Type, "error", err)
		return
	}
	if onSend != nil {
		onSend(ev)
	}
}

// SendForRun scopes ev to runID unless it already names a run, then sends it.
func (m *Multiplexer) SendForRun(runID string, ev protocol.Event) {
	if ev.RunID == nil && runID != "" {
		ev.RunID = &runID
	}
	m.Send(ev)
}

// Close clears the multiplexer state and closes the socket once.
func (m *Multiplexer) Close() {
	m.CloseWith(websocket.StatusNormalClosure, "session closed")
}

// CloseWith closes the socket with a specific status code.
func (m *Multiplexer) CloseWith(code websocket.StatusCode, reason string) {
	m.mu.Lock()
	conn, connected := m.conn, m.connected
	m.conn = nil
	m.connected = false
	m.mu.Unlock()

	if !connected || conn == nil {
		return
	}
	if err := conn.Close(code, reason); err != nil && !peerClosed(err) {
		m.logger.Debug("error closing socket", "error", err)
	}
}

func (m *Multiplexer) markDisconnected() {
	m.mu.Lock()
	m.connected = false
	m.mu.Unlock()
}

// peerClosed reports whether err means the other side is gone.
func peerClosed(err error) bool {
	if websocket.CloseStatus(err) != -1 {
		return true
	}
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe)
}

// EmitError sends an error event scoped to runID, or to the connection when
// runID is empty.
func (m *Multiplexer) EmitError(runID, message string) {
	m.Send(protocol.RunEvent(protocol.EventError, runID).With("message", message))
}

// EmitRunReady announces a registered run.
func (m *Multiplexer) EmitRunReady(requestID string, meta run.Meta) {
	m.Send(protocol.RunEvent(protocol.EventRunReady, meta.RunID).
		With("request_id", requestID).
		With("run_id", meta.RunID).
		With("run_type", meta.RunType).
		With("status", string(meta.Status)))
}

// EmitTurnsSync sends the full conversation. Compacted tool results are
// hydrated through kb first; without a knowledge base, or when hydration
// fails, the turns go out as they are.
func (m *Multiplexer) EmitTurnsSync(ctx context.Context, runID string, turns []run.Turn, kb run.KnowledgeBase) {
	if kb == nil {
		m.logger.Warn("no knowledge base bound, sending turns unhydrated", "run_id", runID)
	} else if hydrated, err := kb.Hydrate(ctx, turns); err != nil {
		m.logger.Warn("turn hydration failed, sending turns unhydrated", "run_id", runID, "error", err)
	} else {
		turns = hydrated
	}
	if turns == nil {
		turns = []run.Turn{}
	}
	m.Send(protocol.RunEvent(protocol.EventTurnsSync, runID).With("turns", turns))
}

// EmitLLMStreamStarted marks the start of a streamed response.
func (m *Multiplexer) EmitLLMStreamStarted(runID, agentID, streamID string) {
	m.sendAgent(protocol.EventLLMStreamStarted, runID, agentID, map[string]any{"stream_id": streamID})
}

// EmitLLMChunk sends one streamed fragment.
func (m *Multiplexer) EmitLLMChunk(runID, agentID, streamID, chunk string) {
	m.sendAgent(protocol.EventLLMChunk, runID, agentID, map[string]any{"stream_id": streamID, "chunk": chunk})
}

// EmitLLMStreamEnded marks the end of a streamed response.
func (m *Multiplexer) EmitLLMStreamEnded(runID, agentID, streamID string) {
	m.sendAgent(protocol.EventLLMStreamEnded, runID, agentID, map[string]any{"stream_id": streamID})
}

// EmitLLMStreamFailed reports a stream that stopped early.
func (m *Multiplexer) EmitLLMStreamFailed(runID, agentID, streamID, reason string) {
	m.sendAgent(protocol.EventLLMStreamFailed, runID, agentID, map[string]any{"stream_id": streamID, "reason": reason})
}

// EmitLLMResponse sends a complete response.
func (m *Multiplexer) EmitLLMResponse(runID, agentID, content string) {
	m.sendAgent(protocol.EventLLMResponse, runID, agentID, map[string]any{"content": content})
}

// EmitLLMRequestParams sends the parameters of an LLM call with every
// credential-like field redacted at any depth.
func (m *Multiplexer) EmitLLMRequestParams(runID, agentID string, params map[string]any) {
	m.sendAgent(protocol.EventLLMRequestParams, runID, agentID, map[string]any{"params": redact.Map(params)})
}

// EmitTurnCompleted sends a finished turn.
func (m *Multiplexer) EmitTurnCompleted(runID string, turn run.Turn) {
	m.sendAgent(protocol.EventTurnCompleted, runID, turn.AgentID, map[string]any{"turn": turn})
}

// EmitWorkModuleUpdated sends one changed work module.
func (m *Multiplexer) EmitWorkModuleUpdated(runID string, module run.WorkModule) {
	m.Send(protocol.RunEvent(protocol.EventWorkModuleUpdated, runID).With("work_module", module))
}

// EmitWorkModulesSync sends every work module of a run.
func (m *Multiplexer) EmitWorkModulesSync(runID string, modules []run.WorkModule) {
	if modules == nil {
		modules = []run.WorkModule{}
	}
	m.Send(protocol.RunEvent(protocol.EventWorkModulesSync, runID).With("work_modules", modules))
}

// EmitResource sends a resource produced by a flow.
func (m *Multiplexer) EmitResource(runID string, resource map[string]any) {
	m.Send(protocol.RunEvent(protocol.EventResource, runID).With("resource", resource))
}

// EmitRunConfigUpdated sends the active profiles of a run.
func (m *Multiplexer) EmitRunConfigUpdated(runID string, profiles []run.Profile) {
	if profiles == nil {
		profiles = []run.Profile{}
	}
	m.Send(protocol.RunEvent(protocol.EventRunConfigUpdated, runID).With("profiles", profiles))
}

// EmitResponse answers a request message with data.
func (m *Multiplexer) EmitResponse(eventType, runID string, data map[string]any) {
	ev := protocol.RunEvent(eventType, runID)
	for k, v := range data {
		ev = ev.With(k, v)
	}
	m.Send(ev)
}

func (m *Multiplexer) sendAgent(eventType, runID, agentID string, data map[string]any) {
	ev := protocol.RunEvent(eventType, runID)
	ev.AgentID = agentID
	ev.Data = data
	m.Send(ev)
}

var _ run.Emitter = (*Multiplexer)(nil)
