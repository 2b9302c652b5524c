package httptransport

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"lumatalk-server/internal/domain/transcript"
	"lumatalk-server/internal/platform/logging"
)

// PhrasesHandler manages saved phrases.
type PhrasesHandler struct {
	store  transcript.PhraseStore
	logger *logging.Logger
}

func NewPhrasesHandler(store transcript.PhraseStore, logger *logging.Logger) *PhrasesHandler {
	return &PhrasesHandler{store: store, logger: logger}
}

// RegisterRoutes 注册收藏短语路由
func (h *PhrasesHandler) RegisterRoutes(router *Router) {
	g := router.Secured.Group("/phrases")
	g.GET("", h.List)
	g.POST("", h.Create)
	g.POST("/:id/review", h.Review)
	g.DELETE("/:id", h.Delete)
}

type createPhraseRequest struct {
	SessionID      string   `json:"session_id"`
	UtteranceID    uint64   `json:"utterance_id"`
	SourceText     string   `json:"source_text" binding:"required"`
	TranslatedText string   `json:"translated_text" binding:"required"`
	SourceLang     string   `json:"source_lang" binding:"required"`
	TargetLang     string   `json:"target_lang" binding:"required"`
	Note           string   `json:"note"`
	Tags           []string `json:"tags"`
}

// List GET /api/phrases
func (h *PhrasesHandler) List(c *gin.Context) {
	phrases, err := h.store.List(c.Request.Context(), transcript.PhraseFilter{
		UserID:     owner(c),
		SourceLang: c.Query("source_lang"),
		TargetLang: c.Query("target_lang"),
		Query:      c.Query("q"),
		Limit:      queryLimit(c),
	})
	if err != nil {
		respondStoreError(c, "phrases.list", err)
		return
	}
	if phrases == nil {
		phrases = []transcript.Phrase{}
	}
	RespondSuccess(c, http.StatusOK, phrases, "")
}

// Create POST /api/phrases
func (h *PhrasesHandler) Create(c *gin.Context) {
	var req createPhraseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "Invalid request format", gin.H{"error": err.Error()})
		return
	}

	phrase, err := h.store.Save(c.Request.Context(), transcript.Phrase{
		UserID:         clientID(c),
		SessionID:      req.SessionID,
		UtteranceID:    req.UtteranceID,
		SourceText:     req.SourceText,
		TranslatedText: req.TranslatedText,
		SourceLang:     req.SourceLang,
		TargetLang:     req.TargetLang,
		Note:           req.Note,
		Tags:           req.Tags,
	})
	if err != nil {
		respondStoreError(c, "phrases.create", err)
		return
	}
	RespondSuccess(c, http.StatusCreated, phrase, "")
}

func (h *PhrasesHandler) load(c *gin.Context) (transcript.Phrase, bool) {
	phrase, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondStoreError(c, "phrases.get", err)
		return transcript.Phrase{}, false
	}
	if user := owner(c); user != "" && phrase.UserID != user {
		respondStoreError(c, "phrases.get", transcript.ErrNotFound)
		return transcript.Phrase{}, false
	}
	return phrase, true
}

// Review POST /api/phrases/:id/review
func (h *PhrasesHandler) Review(c *gin.Context) {
	if _, ok := h.load(c); !ok {
		return
	}
	phrase, err := h.store.MarkReviewed(c.Request.Context(), c.Param("id"), time.Now())
	if err != nil {
		respondStoreError(c, "phrases.review", err)
		return
	}
	RespondSuccess(c, http.StatusOK, phrase, "")
}

// Delete DELETE /api/phrases/:id
func (h *PhrasesHandler) Delete(c *gin.Context) {
	if _, ok := h.load(c); !ok {
		return
	}
	if err := h.store.Delete(c.Request.Context(), c.Param("id")); err != nil {
		respondStoreError(c, "phrases.delete", err)
		return
	}
	RespondSuccess(c, http.StatusOK, nil, "deleted")
}
