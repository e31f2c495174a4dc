// ABOUTME: Websocket accept path and per-socket read loop for run sessions
// ABOUTME: Redeems the one-time credential before any other socket work

package gateway

import (
	"context"
	"errors"
	"net/http"
	"sort"

	"github.com/coder/websocket"

	"github.com/2389/coven-runs/internal/credential"
	"github.com/2389/coven-runs/internal/protocol"
	"github.com/2389/coven-runs/internal/session"
	"github.com/2389/coven-runs/internal/task"
)

// handleSocket upgrades GET /ws?credential=<id>. The credential is consumed
// whatever happens next; a bad one gets the socket closed with a policy
// violation before any message is exchanged.
func (g *Gateway) handleSocket(w http.ResponseWriter, r *http.Request) {
	cred, ok := g.issuer.Redeem(r.URL.Query().Get("credential"))

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: g.config.Sockets.AllowOrigins,
	})
	if err != nil {
		g.logger.Warn("websocket accept failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	if !ok {
		g.metrics.Credential(r.Context(), "rejected")
		g.logger.Info("socket rejected, invalid credential", "remote_addr", r.RemoteAddr)
		_ = conn.Close(websocket.StatusPolicyViolation, credential.ErrUnknownCredential.Error())
		return
	}
	g.metrics.Credential(r.Context(), "redeemed")

	// the request context ends with the handler, which outlives the socket
	g.serveSocket(r.Context(), conn, cred)
}

// serveSocket runs one session until the peer goes away, then tears down
// everything the session owns.
func (g *Gateway) serveSocket(ctx context.Context, conn *websocket.Conn, cred credential.Credential) {
	if g.config.Sockets.ReadLimit > 0 {
		conn.SetReadLimit(g.config.Sockets.ReadLimit)
	}

	sess := session.New(session.Options{
		PrincipalID:       cred.PrincipalID,
		WriteTimeout:      g.config.Runs.WriteTimeout,
		MessagesPerSecond: g.config.Sockets.MessagesPerSecond,
		Burst:             g.config.Sockets.Burst,
		OnTaskReaped: func(h *task.Handle) {
			g.logger.Debug("task reaped", "key", h.Key, "task_id", h.ID, "error", h.Err())
		},
	}, g.logger)
	sess.Mux.OnSend(func(ev protocol.Event) {
		g.metrics.EventSent(context.Background(), ev.Type)
	})
	sess.Mux.Bind(conn)

	logger := sess.Logger()
	if !g.addSession(sess) {
		logger.Info("socket refused, gateway shutting down")
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	g.metrics.SessionOpened(ctx)
	logger.Info("socket session opened", "principal_id", cred.PrincipalID)

	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		g.orchestrator.CloseSession(context.WithoutCancel(ctx), sess)
		sess.Mux.Close()
		g.metrics.SessionClosed(context.WithoutCancel(ctx))
		logger.Info("socket session closed")
		g.removeSession(sess.ID)
	}()

	// subscribed before the first read, so a client that has had one reply
	// is guaranteed to see later broadcasts
	events, _ := g.hub.Subscribe(ctx)
	go forwardBroadcasts(ctx, events, sess)

	for {
		typ, frame, err := conn.Read(ctx)
		if err != nil {
			logReadEnd(sess, err)
			return
		}
		if typ != websocket.MessageText {
			sess.Mux.EmitError("", "only text frames are supported")
			continue
		}
		g.orchestrator.Dispatch(ctx, sess, frame)
	}
}

func logReadEnd(sess *session.Session, err error) {
	switch status := websocket.CloseStatus(err); {
	case status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway:
		sess.Logger().Debug("peer closed socket", "status", status)
	case errors.Is(err, context.Canceled):
		sess.Logger().Debug("socket read cancelled")
	default:
		sess.Logger().Info("socket read failed", "error", err)
	}
}

// forwardBroadcasts delivers hub events to the session until ctx is done.
func forwardBroadcasts(ctx context.Context, events <-chan protocol.Event, sess *session.Session) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			sess.Mux.Send(ev)
		}
	}
}

// addSession records sess and counts it for Shutdown. It reports false once
// the gateway is shutting down.
func (g *Gateway) addSession(sess *session.Session) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closing {
		return false
	}
	g.sessions[sess.ID] = sess
	g.sockets.Add(1)
	return true
}

// removeSession forgets a session added by addSession.
func (g *Gateway) removeSession(id string) {
	g.mu.Lock()
	delete(g.sessions, id)
	g.mu.Unlock()
	g.sockets.Done()
}

// liveSessions returns the open sessions, oldest first.
func (g *Gateway) liveSessions() []*session.Session {
	g.mu.Lock()
	out := make([]*session.Session, 0, len(g.sessions))
	for _, sess := range g.sessions {
		out = append(out, sess)
	}
	g.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
