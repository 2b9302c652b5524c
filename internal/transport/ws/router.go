package ws

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"lumatalk-server/internal/app/orchestrator"
	"lumatalk-server/internal/domain/auth"
	"lumatalk-server/internal/domain/protocol"
	"lumatalk-server/internal/platform/logging"
	"lumatalk-server/internal/platform/observability"
)

// SessionManager opens new orchestrator sessions and attaches connections to
// existing ones.
type SessionManager interface {
	Open(ch orchestrator.Channel, userID string) (*orchestrator.Session, error)
	Resume(sessionID, resumeToken string, ch orchestrator.Channel) (*orchestrator.Session, error)
}

// Router is responsible for upgrading HTTP connections to websocket sessions.
type Router struct {
	hub    *Hub
	logger *logging.Logger

	upgrader         *websocket.Upgrader
	handshakeTimeout time.Duration
	connCfg          ConnectionConfig
	tokens           *auth.Tokens
	requireAuth      bool
	manager          atomic.Value // SessionManager
}

// RouterOptions configures the websocket router.
type RouterOptions struct {
	HandshakeTimeout time.Duration
	CheckOrigin      func(r *http.Request) bool
	Connection       ConnectionConfig
	// Tokens verifies bearer tokens when RequireAuth is set.
	Tokens      *auth.Tokens
	RequireAuth bool
}

// NewRouter constructs a websocket router.
func NewRouter(hub *Hub, logger *logging.Logger, opts RouterOptions) *Router {
	timeout := opts.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	upgrader := &websocket.Upgrader{
		HandshakeTimeout: timeout,
		CheckOrigin:      opts.CheckOrigin,
	}
	if upgrader.CheckOrigin == nil {
		upgrader.CheckOrigin = func(r *http.Request) bool { return true }
	}

	return &Router{
		hub:              hub,
		logger:           logger,
		upgrader:         upgrader,
		handshakeTimeout: timeout,
		connCfg:          opts.Connection,
		tokens:           opts.Tokens,
		requireAuth:      opts.RequireAuth && opts.Tokens != nil,
	}
}

// SetManager registers the session manager used after a successful upgrade.
func (r *Router) SetManager(manager SessionManager) {
	r.manager.Store(manager)
}

// Handle upgrades the HTTP connection and opens or resumes a session on it.
func (r *Router) Handle(w http.ResponseWriter, req *http.Request) {
	value := r.manager.Load()
	if value == nil {
		http.Error(w, "websocket handler not ready", http.StatusServiceUnavailable)
		return
	}
	manager := value.(SessionManager)

	userID, err := r.authenticate(req)
	if err != nil {
		observability.RecordMetric(req.Context(), "websocket.auth.rejected", 1, map[string]string{
			"component": "transport.websocket",
		})
		if r.logger != nil {
			r.logger.WarnTag("WebSocket", "认证失败 remote=%s: %v", req.RemoteAddr, err)
		}
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ctx := req.Context()
	handshakeCtx, cancel := context.WithTimeoutCause(ctx, r.handshakeTimeout, ErrHandshakeTimeout)
	defer cancel()
	req = req.WithContext(handshakeCtx)

	spanCtx, spanEnd := observability.StartSpan(handshakeCtx, "transport.websocket", "handle")
	var spanErr error
	defer func() {
		spanEnd(spanErr)
	}()

	socket, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		spanErr = err
		observability.RecordMetric(
			spanCtx,
			"websocket.upgrade.error",
			1,
			map[string]string{
				"component": "transport.websocket",
			},
		)
		if r.logger != nil {
			r.logger.ErrorTag("WebSocket", "握手失败: %v", err)
		}
		return
	}
	observability.RecordMetric(
		spanCtx,
		"websocket.upgrade.success",
		1,
		map[string]string{
			"component": "transport.websocket",
		},
	)

	conn := NewConnection(uuid.NewString(), socket, r.connCfg, r.logger)

	query := req.URL.Query()
	sessionID := query.Get("session_id")
	resumed := sessionID != ""

	var session *orchestrator.Session
	if resumed {
		session, err = manager.Resume(sessionID, query.Get("resume_token"), conn)
	} else {
		session, err = manager.Open(conn, userID)
	}
	if err != nil {
		spanErr = err
		reason := rejectReason(err)
		observability.RecordMetric(
			spanCtx,
			"websocket.connection.error",
			1,
			map[string]string{
				"component": "transport.websocket",
				"reason":    reason,
			},
		)
		if r.logger != nil {
			r.logger.WarnTag("WebSocket", "连接 %s 被拒绝 session=%s: %v", conn.ID(), sessionID, err)
		}
		_ = conn.Send(protocol.SessionEnded{Reason: reason})
		conn.Close(nil)
		return
	}

	wsSession := NewSession(context.WithoutCancel(spanCtx), conn, session, resumed, r.logger)
	r.hub.Register(wsSession)

	if r.logger != nil {
		r.logger.InfoTag("WebSocket", "建立连接 conn=%s session=%s user=%s resumed=%t", conn.ID(), session.ID(), userID, resumed)
	}
	observability.RecordMetric(
		spanCtx,
		"websocket.connection.opened",
		1,
		map[string]string{
			"component": "transport.websocket",
			"resumed":   boolLabel(resumed),
		},
	)

	go wsSession.Run(func(runErr error) {
		r.hub.Unregister(wsSession.ID())
		if runErr != nil && !errors.Is(runErr, ErrSessionShutdown) && r.logger != nil {
			r.logger.WarnTag("WebSocket", "连接 %s 异常结束: %v", wsSession.ID(), runErr)
		}
		observability.RecordMetric(
			wsSession.Context(),
			"websocket.connection.closed",
			1,
			map[string]string{
				"component": "transport.websocket",
			},
		)
	})
}

// authenticate returns the user the connection acts for. With auth enabled a
// valid API token is required; otherwise the Client-Id header names the user.
func (r *Router) authenticate(req *http.Request) (string, error) {
	token := bearerToken(req)
	if r.requireAuth {
		if token == "" {
			return "", errors.New("missing token")
		}
		return r.tokens.VerifyAPIToken(token)
	}
	if token != "" && r.tokens != nil {
		if clientID, err := r.tokens.VerifyAPIToken(token); err == nil {
			return clientID, nil
		}
	}
	return resolveClientID(req), nil
}

func bearerToken(req *http.Request) string {
	if header := req.Header.Get("Authorization"); header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return req.URL.Query().Get("token")
}

func resolveClientID(req *http.Request) string {
	clientID := req.Header.Get("Client-Id")
	if clientID == "" {
		clientID = req.URL.Query().Get("client-id")
	}
	if clientID == "" {
		clientID = "anonymous"
	}
	return clientID
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, orchestrator.ErrSessionNotFound):
		return "session_not_found"
	case errors.Is(err, orchestrator.ErrResumeRejected):
		return "resume_rejected"
	case errors.Is(err, orchestrator.ErrSessionClosed):
		return "session_closed"
	case errors.Is(err, orchestrator.ErrManagerClosed):
		return "server_shutdown"
	default:
		return "internal_error"
	}
}

func boolLabel(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
