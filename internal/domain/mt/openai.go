package mt

import (
	"context"
	"errors"
	"fmt"
	"strings"

	goopenai "github.com/sashabaranov/go-openai"

	"lumatalk-server/internal/core/providers/openai"
	"lumatalk-server/internal/domain/pipeline"
	"lumatalk-server/internal/platform/logging"
)

const systemPrompt = "You are a translation engine. Translate the user's message from %s to %s. " +
	"Reply with the translation only, without quotes, notes or explanations."

// ChatCompleter is the slice of the go-openai client the translator uses.
type ChatCompleter interface {
	CreateChatCompletion(ctx context.Context, req goopenai.ChatCompletionRequest) (goopenai.ChatCompletionResponse, error)
}

type OpenAIConfig struct {
	Model string
}

// OpenAITranslator translates with a chat completion model.
type OpenAITranslator struct {
	client ChatCompleter
	model  string
	logger *logging.Logger
}

func NewOpenAITranslator(client ChatCompleter, cfg OpenAIConfig, logger *logging.Logger) *OpenAITranslator {
	model := cfg.Model
	if model == "" {
		model = goopenai.GPT4oMini
	}
	return &OpenAITranslator{client: client, model: model, logger: logger}
}

// NewHostedTranslator wires an OpenAITranslator to the hosted API.
func NewHostedTranslator(conn openai.Config, cfg OpenAIConfig, logger *logging.Logger) *OpenAITranslator {
	return NewOpenAITranslator(openai.NewClient(conn), cfg, logger)
}

func (t *OpenAITranslator) Translate(ctx context.Context, req pipeline.TranslationRequest) (pipeline.TranslationResult, error) {
	resp, err := t.client.CreateChatCompletion(ctx, goopenai.ChatCompletionRequest{
		Model:       t.model,
		Temperature: 0,
		Messages: []goopenai.ChatCompletionMessage{
			{Role: goopenai.ChatMessageRoleSystem, Content: fmt.Sprintf(systemPrompt, req.SourceLang, req.TargetLang)},
			{Role: goopenai.ChatMessageRoleUser, Content: req.Text},
		},
	})
	if err != nil {
		return pipeline.TranslationResult{}, openai.Classify(pipeline.StageMT, err)
	}
	if len(resp.Choices) == 0 {
		return pipeline.TranslationResult{}, pipeline.Retryable(pipeline.StageMT, errors.New("empty completion"))
	}

	choice := resp.Choices[0]
	text := strings.TrimSpace(choice.Message.Content)
	confidence := 1.0
	if choice.FinishReason == goopenai.FinishReasonContentFilter || choice.Message.Refusal != "" {
		confidence = 0
	}
	if text == "" && confidence > 0 {
		return pipeline.TranslationResult{}, pipeline.Retryable(pipeline.StageMT, errors.New("empty translation"))
	}

	t.logger.DebugTag("MT", "utterance %d translated via %s", req.UtteranceID, t.model)
	return pipeline.TranslationResult{
		UtteranceID:    req.UtteranceID,
		SourceText:     req.Text,
		TranslatedText: text,
		SourceLang:     req.SourceLang,
		TargetLang:     req.TargetLang,
		Confidence:     confidence,
	}, nil
}
