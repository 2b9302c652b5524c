package openai

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	"lumatalk-server/internal/domain/pipeline"
)

// Config 托管 API 连接参数
type Config struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

// NewClient builds a go-openai client. BaseURL may point at any
// OpenAI-compatible endpoint.
func NewClient(cfg Config) *goopenai.Client {
	clientCfg := goopenai.DefaultConfig(cfg.APIKey)
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		clientCfg.BaseURL = strings.TrimRight(base, "/")
	}
	if cfg.Timeout > 0 {
		clientCfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	return goopenai.NewClientWithConfig(clientCfg)
}

// Classify turns a go-openai error into a *pipeline.StageError. Rate limits,
// server errors and transport failures are retryable; other 4xx are not.
func Classify(stage pipeline.Stage, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return pipeline.Permanent(stage, err)
	}
	status := 0
	var apiErr *goopenai.APIError
	var reqErr *goopenai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}
	if status == 0 || status == http.StatusTooManyRequests || status >= 500 {
		return pipeline.Retryable(stage, err)
	}
	return pipeline.Permanent(stage, err)
}
