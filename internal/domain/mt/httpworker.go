package mt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"lumatalk-server/internal/domain/pipeline"
	"lumatalk-server/internal/platform/logging"
)

// WorkerConfig points at a LumaTalk MT worker (http://host:port).
type WorkerConfig struct {
	URL     string
	Timeout time.Duration
}

// WorkerTranslator calls POST /translate on the MT worker.
type WorkerTranslator struct {
	baseURL string
	client  *http.Client
	logger  *logging.Logger
}

func NewWorkerTranslator(cfg WorkerConfig, logger *logging.Logger) *WorkerTranslator {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WorkerTranslator{
		baseURL: strings.TrimRight(strings.TrimSpace(cfg.URL), "/"),
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

type translateRequest struct {
	Text       string `json:"text"`
	SourceLang string `json:"source_lang"`
	TargetLang string `json:"target_lang"`
}

type translateResponse struct {
	TranslatedText string  `json:"translated_text"`
	SourceLang     string  `json:"source_lang"`
	TargetLang     string  `json:"target_lang"`
	Confidence     float64 `json:"confidence"`
}

func (w *WorkerTranslator) Translate(ctx context.Context, req pipeline.TranslationRequest) (pipeline.TranslationResult, error) {
	body, err := sonic.Marshal(translateRequest{
		Text:       req.Text,
		SourceLang: req.SourceLang,
		TargetLang: req.TargetLang,
	})
	if err != nil {
		return pipeline.TranslationResult{}, pipeline.Permanent(pipeline.StageMT, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, w.baseURL+"/translate", bytes.NewReader(body))
	if err != nil {
		return pipeline.TranslationResult{}, pipeline.Permanent(pipeline.StageMT, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return pipeline.TranslationResult{}, pipeline.Permanent(pipeline.StageMT, err)
		}
		return pipeline.TranslationResult{}, pipeline.Retryable(pipeline.StageMT, fmt.Errorf("mt worker request: %w", err))
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return pipeline.TranslationResult{}, pipeline.Retryable(pipeline.StageMT, fmt.Errorf("read mt response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("mt worker status %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return pipeline.TranslationResult{}, pipeline.Retryable(pipeline.StageMT, err)
		}
		return pipeline.TranslationResult{}, pipeline.Permanent(pipeline.StageMT, err)
	}

	var out translateResponse
	if err := sonic.Unmarshal(payload, &out); err != nil {
		return pipeline.TranslationResult{}, pipeline.Retryable(pipeline.StageMT, fmt.Errorf("decode mt response: %w", err))
	}

	w.logger.DebugTag("MT", "utterance %d translated %s->%s", req.UtteranceID, req.SourceLang, req.TargetLang)
	return pipeline.TranslationResult{
		UtteranceID:    req.UtteranceID,
		SourceText:     req.Text,
		TranslatedText: out.TranslatedText,
		SourceLang:     firstNonEmpty(out.SourceLang, req.SourceLang),
		TargetLang:     firstNonEmpty(out.TargetLang, req.TargetLang),
		Confidence:     out.Confidence,
	}, nil
}

// Health issues GET /health.
func (w *WorkerTranslator) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("mt worker health status %d", resp.StatusCode)
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
