// ABOUTME: Dispatch boundary between the socket read loop and message handlers
// ABOUTME: Every rejected message yields exactly one error event; handler panics are recovered

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/2389/coven-runs/internal/protocol"
	"github.com/2389/coven-runs/internal/session"
)

// Dispatch handles one inbound text frame. It never fails: malformed frames,
// unknown types, and handler errors all become a single error event.
func (o *Orchestrator) Dispatch(ctx context.Context, sess *session.Session, frame []byte) {
	if !sess.Allow() {
		o.reject(ctx, sess, "", &Error{Message: "rate limit exceeded, message dropped"})
		return
	}

	env, err := protocol.DecodeEnvelope(frame)
	if err != nil {
		o.reject(ctx, sess, "", &Error{Message: err.Error(), Err: err})
		return
	}
	o.Handle(ctx, sess, env)
}

// Handle routes a decoded envelope to its handler.
func (o *Orchestrator) Handle(ctx context.Context, sess *session.Session, env *protocol.Envelope) {
	logger := sess.Logger().With("type", env.Type)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("handler panicked",
				"panic", r,
				"run_id", env.RunIDHint(),
				"stack", string(debug.Stack()),
			)
			o.reject(ctx, sess, env.Type, &Error{
				RunID:   env.RunIDHint(),
				Message: fmt.Sprintf("internal error handling %s", env.Type),
			})
		}
	}()

	handler, ok := o.handlers[env.Type]
	if !ok {
		o.reject(ctx, sess, env.Type, &Error{Message: fmt.Sprintf("unknown message type %q", env.Type)})
		return
	}

	if err := o.validator.Validate(env); err != nil {
		o.reject(ctx, sess, env.Type, &Error{RunID: env.RunIDHint(), Message: err.Error(), Err: err})
		return
	}

	logger.Debug("handling message", "run_id", env.RunIDHint())
	if err := handler(ctx, sess, env); err != nil {
		var oe *Error
		if !errors.As(err, &oe) {
			oe = &Error{RunID: env.RunIDHint(), Message: err.Error(), Err: err}
		}
		logger.Info("message rejected", "run_id", oe.RunID, "error", err)
		o.reject(ctx, sess, env.Type, oe)
	}
}

func (o *Orchestrator) reject(ctx context.Context, sess *session.Session, msgType string, e *Error) {
	o.metrics.MessageRejected(ctx, msgType)
	sess.Mux.EmitError(e.RunID, e.Message)
}
