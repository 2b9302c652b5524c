package pool

import (
	"fmt"

	"lumatalk-server/internal/core/providers/openai"
	"lumatalk-server/internal/domain/asr"
	"lumatalk-server/internal/domain/mt"
	"lumatalk-server/internal/domain/pipeline"
	"lumatalk-server/internal/domain/tts"
	"lumatalk-server/internal/platform/config"
	"lumatalk-server/internal/platform/logging"
)

/*
* 阶段工厂：按配置中的 type 创建 ASR/MT/TTS 适配器。
* worker 类型连接自建推理服务，openai 类型走托管 API，
* edge 类型仅用于 TTS。
 */

const (
	TypeWorker = "worker"
	TypeOpenAI = "openai"
	TypeEdge   = "edge"
)

// Build creates the three stage adapters described by cfg.Stages. The result
// is not pooled; callers wrap it with Pool.Wrap.
func Build(cfg *config.Config, logger *logging.Logger) (pipeline.Stages, error) {
	recognizer, err := NewRecognizer(cfg.Stages.ASR, cfg.Pipeline, logger)
	if err != nil {
		return pipeline.Stages{}, err
	}
	translator, err := NewTranslator(cfg.Stages.MT, logger)
	if err != nil {
		return pipeline.Stages{}, err
	}
	synthesizer, err := NewSynthesizer(cfg.Stages.TTS, cfg.Pipeline, logger)
	if err != nil {
		return pipeline.Stages{}, err
	}
	return pipeline.Stages{
		Recognizer:  recognizer,
		Translator:  translator,
		Synthesizer: synthesizer,
	}, nil
}

func hosted(st config.StageConfig) openai.Config {
	return openai.Config{APIKey: st.APIKey, BaseURL: st.URL, Timeout: st.Timeout}
}

func NewRecognizer(st config.StageConfig, p config.PipelineConfig, logger *logging.Logger) (pipeline.Recognizer, error) {
	switch st.Type {
	case TypeWorker:
		logger.InfoTag("资源池", "ASR 使用 worker %s", st.URL)
		return asr.NewWorkerRecognizer(asr.WorkerConfig{URL: st.URL, DialTimeout: st.Timeout}, logger), nil
	case TypeOpenAI:
		logger.InfoTag("资源池", "ASR 使用 OpenAI 转写")
		return asr.NewOpenAIRecognizer(hosted(st), asr.WhisperConfig{
			Model:      st.Model,
			SampleRate: p.SampleRate,
			Channels:   p.Channels,
		}, logger), nil
	default:
		return nil, fmt.Errorf("unsupported asr type %q", st.Type)
	}
}

func NewTranslator(st config.StageConfig, logger *logging.Logger) (pipeline.Translator, error) {
	switch st.Type {
	case TypeWorker:
		logger.InfoTag("资源池", "MT 使用 worker %s", st.URL)
		return mt.NewWorkerTranslator(mt.WorkerConfig{URL: st.URL, Timeout: st.Timeout}, logger), nil
	case TypeOpenAI:
		logger.InfoTag("资源池", "MT 使用 OpenAI 模型 %s", st.Model)
		return mt.NewHostedTranslator(hosted(st), mt.OpenAIConfig{Model: st.Model}, logger), nil
	default:
		return nil, fmt.Errorf("unsupported mt type %q", st.Type)
	}
}

func NewSynthesizer(st config.StageConfig, p config.PipelineConfig, logger *logging.Logger) (pipeline.Synthesizer, error) {
	chunk := st.ChunkBytes
	if chunk <= 0 || chunk > p.MaxChunkBytes {
		chunk = p.MaxChunkBytes
	}
	switch st.Type {
	case TypeWorker:
		logger.InfoTag("资源池", "TTS 使用 worker %s", st.URL)
		return tts.NewWorkerSynthesizer(tts.WorkerConfig{URL: st.URL, DialTimeout: st.Timeout, ChunkBytes: chunk}, logger), nil
	case TypeOpenAI:
		logger.InfoTag("资源池", "TTS 使用 OpenAI 语音 %s", st.Voice)
		return tts.NewHostedSynthesizer(hosted(st), tts.OpenAIConfig{
			Model:      st.Model,
			Voice:      st.Voice,
			ChunkBytes: chunk,
			Channels:   p.Channels,
		}, logger), nil
	case TypeEdge:
		logger.InfoTag("资源池", "TTS 使用 Edge 语音 %s", st.Voice)
		return tts.NewEdgeSynthesizer(tts.EdgeConfig{
			Voice:      st.Voice,
			ChunkBytes: chunk,
			Channels:   p.Channels,
		}, logger), nil
	default:
		return nil, fmt.Errorf("unsupported tts type %q", st.Type)
	}
}
