package ws

import (
	"context"
	"time"

	"lumatalk-server/internal/app/orchestrator"
	"lumatalk-server/internal/platform/logging"
)

const defaultCloseTimeout = 5 * time.Second

// Session binds one websocket connection to the orchestrator session it
// serves. Resumed connections share the orchestrator session of an earlier one.
type Session struct {
	conn    *Connection
	session *orchestrator.Session
	resumed bool
	logger  *logging.Logger

	ctx    context.Context
	cancel context.CancelCauseFunc
}

// NewSession constructs a managed websocket session.
func NewSession(parent context.Context, conn *Connection, session *orchestrator.Session, resumed bool, logger *logging.Logger) *Session {
	ctx, cancel := context.WithCancelCause(parent)
	return &Session{
		conn:    conn,
		session: session,
		resumed: resumed,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Context returns the session context. It is cancelled when the connection ends.
func (s *Session) Context() context.Context {
	return s.ctx
}

// ID is the connection identifier; several connections may share SessionID.
func (s *Session) ID() string {
	return s.conn.ID()
}

// SessionID names the orchestrator session.
func (s *Session) SessionID() string {
	return s.session.ID()
}

// Resumed reports whether the connection attached to an existing session.
func (s *Session) Resumed() bool {
	return s.resumed
}

// Run blocks until the connection is gone and invokes onDone once.
func (s *Session) Run(onDone func(error)) {
	select {
	case <-s.conn.Done():
	case <-s.session.Done():
		// 会话结束后连接由编排器关闭，这里等待写出完成
		select {
		case <-s.conn.Done():
		case <-time.After(defaultCloseTimeout):
			s.conn.Close(ErrSessionShutdown)
		}
	}
	err := context.Cause(s.ctx)
	s.cancel(ErrConnectionClosed)
	if onDone != nil {
		onDone(err)
	}
}

// Close drops the connection. The orchestrator session stays alive and may
// be resumed on another connection within its grace period.
func (s *Session) Close(reason error) {
	if reason == nil {
		reason = ErrSessionShutdown
	}
	s.cancel(reason)
	s.conn.Close(reason)
}
