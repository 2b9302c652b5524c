package httptransport

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"lumatalk-server/internal/domain/transcript"
	"lumatalk-server/internal/platform/logging"
)

// SessionsHandler exposes recorded sessions and their utterances.
type SessionsHandler struct {
	store  transcript.Store
	logger *logging.Logger
}

func NewSessionsHandler(store transcript.Store, logger *logging.Logger) *SessionsHandler {
	return &SessionsHandler{store: store, logger: logger}
}

// RegisterRoutes 注册会话记录路由
func (h *SessionsHandler) RegisterRoutes(router *Router) {
	g := router.Secured.Group("/sessions")
	g.GET("", h.List)
	g.GET("/:id", h.Get)
	g.PATCH("/:id", h.Update)
	g.DELETE("/:id", h.Delete)
}

// owner is the user a request is scoped to; empty means unscoped.
func owner(c *gin.Context) string {
	if _, ok := c.Get(clientIDKey); ok {
		return clientID(c)
	}
	return c.Query("user_id")
}

func queryLimit(c *gin.Context) int {
	limit, err := strconv.Atoi(c.Query("limit"))
	if err != nil {
		return 0
	}
	return limit
}

// List GET /api/sessions
func (h *SessionsHandler) List(c *gin.Context) {
	sessions, err := h.store.ListSessions(c.Request.Context(), transcript.ListFilter{
		UserID: owner(c),
		Limit:  queryLimit(c),
	})
	if err != nil {
		respondStoreError(c, "sessions.list", err)
		return
	}
	if sessions == nil {
		sessions = []transcript.Session{}
	}
	RespondSuccess(c, http.StatusOK, sessions, "")
}

// load fetches a session the caller may see.
func (h *SessionsHandler) load(c *gin.Context) (transcript.Session, bool) {
	sess, err := h.store.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondStoreError(c, "sessions.get", err)
		return transcript.Session{}, false
	}
	if user := owner(c); user != "" && sess.UserID != user {
		respondStoreError(c, "sessions.get", transcript.ErrNotFound)
		return transcript.Session{}, false
	}
	return sess, true
}

// Get GET /api/sessions/:id
func (h *SessionsHandler) Get(c *gin.Context) {
	sess, ok := h.load(c)
	if !ok {
		return
	}
	utterances, err := h.store.ListUtterances(c.Request.Context(), sess.ID)
	if err != nil {
		respondStoreError(c, "sessions.utterances", err)
		return
	}
	if utterances == nil {
		utterances = []transcript.Utterance{}
	}
	RespondSuccess(c, http.StatusOK, gin.H{
		"session":    sess,
		"utterances": utterances,
	}, "")
}

// Update PATCH /api/sessions/:id
func (h *SessionsHandler) Update(c *gin.Context) {
	var upd transcript.SessionUpdate
	if err := c.ShouldBindJSON(&upd); err != nil {
		RespondError(c, http.StatusBadRequest, "Invalid request format", nil)
		return
	}
	if _, ok := h.load(c); !ok {
		return
	}
	sess, err := h.store.UpdateSession(c.Request.Context(), c.Param("id"), upd)
	if err != nil {
		respondStoreError(c, "sessions.update", err)
		return
	}
	RespondSuccess(c, http.StatusOK, sess, "")
}

// Delete DELETE /api/sessions/:id
func (h *SessionsHandler) Delete(c *gin.Context) {
	if _, ok := h.load(c); !ok {
		return
	}
	if err := h.store.DeleteSession(c.Request.Context(), c.Param("id")); err != nil {
		respondStoreError(c, "sessions.delete", err)
		return
	}
	h.logger.InfoTag("HTTP", "会话 %s 已删除", c.Param("id"))
	RespondSuccess(c, http.StatusOK, nil, "deleted")
}
