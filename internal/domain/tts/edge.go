package tts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/wujunwei928/edge-tts-go/edge_tts"

	"lumatalk-server/internal/domain/pipeline"
	"lumatalk-server/internal/platform/logging"
)

// 目标语言对应的默认 Edge 音色
var edgeVoices = map[string]string{
	"en": "en-US-AriaNeural",
	"zh": "zh-CN-XiaoxiaoNeural",
	"ja": "ja-JP-NanamiNeural",
	"ko": "ko-KR-SunHiNeural",
	"fr": "fr-FR-DeniseNeural",
	"de": "de-DE-KatjaNeural",
	"es": "es-ES-ElviraNeural",
	"it": "it-IT-ElsaNeural",
	"pt": "pt-BR-FranciscaNeural",
	"ru": "ru-RU-SvetlanaNeural",
}

// SpeakFunc returns mp3 speech for text in the given voice.
type SpeakFunc func(voice, text string) ([]byte, error)

func edgeSpeak(voice, text string) ([]byte, error) {
	communicate, err := edge_tts.NewCommunicate(text, edge_tts.SetVoice(voice))
	if err != nil {
		return nil, err
	}
	return communicate.Stream()
}

type EdgeConfig struct {
	Voice      string
	ChunkBytes int
	Channels   int
}

// EdgeSynthesizer uses the Edge read-aloud service. It has no streaming API,
// so the whole mp3 is fetched before the first chunk is emitted.
type EdgeSynthesizer struct {
	cfg    EdgeConfig
	speak  SpeakFunc
	decode decodeFunc
	logger *logging.Logger
}

func NewEdgeSynthesizer(cfg EdgeConfig, logger *logging.Logger) *EdgeSynthesizer {
	if cfg.ChunkBytes <= 0 {
		cfg.ChunkBytes = defaultChunkBytes
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	return &EdgeSynthesizer{cfg: cfg, speak: edgeSpeak, decode: decodeMP3, logger: logger}
}

// voiceFor picks the request voice, then the configured one, then a default
// for the language.
func (s *EdgeSynthesizer) voiceFor(req pipeline.SynthesisRequest) string {
	if req.Voice != "" && req.Voice != "default" {
		return req.Voice
	}
	if s.cfg.Voice != "" {
		return s.cfg.Voice
	}
	lang := strings.ToLower(req.Language)
	if i := strings.IndexAny(lang, "-_"); i > 0 {
		lang = lang[:i]
	}
	if v, ok := edgeVoices[lang]; ok {
		return v
	}
	return edgeVoices["en"]
}

func (s *EdgeSynthesizer) Synthesize(ctx context.Context, req pipeline.SynthesisRequest) (pipeline.SynthesisStream, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, pipeline.Permanent(pipeline.StageTTS, errors.New("empty text"))
	}
	sctx, cancel := context.WithCancel(ctx)
	st := &speechStream{
		cancel: cancel,
		chunks: make(chan []byte, 8),
		errc:   make(chan error, 1),
	}
	go s.run(sctx, st, s.voiceFor(req), req)
	return st, nil
}

func (s *EdgeSynthesizer) run(ctx context.Context, st *speechStream, voice string, req pipeline.SynthesisRequest) {
	defer close(st.chunks)

	type result struct {
		audio []byte
		err   error
	}
	done := make(chan result, 1)
	go func() {
		audio, err := s.speak(voice, req.Text)
		done <- result{audio, err}
	}()

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		return
	}
	if res.err != nil {
		st.errc <- pipeline.Retryable(pipeline.StageTTS, fmt.Errorf("edge speech: %w", res.err))
		return
	}
	if len(res.audio) == 0 {
		st.errc <- pipeline.Permanent(pipeline.StageTTS, errors.New("edge speech: empty audio"))
		return
	}

	pcm, err := s.decode(bytes.NewReader(res.audio))
	if err != nil {
		st.errc <- pipeline.Permanent(pipeline.StageTTS, fmt.Errorf("decode speech: %w", err))
		return
	}
	total, err := streamPCM(ctx, st, pcm, s.cfg.ChunkBytes, s.cfg.Channels)
	if err != nil {
		st.errc <- pipeline.Retryable(pipeline.StageTTS, fmt.Errorf("read speech: %w", err))
		return
	}
	s.logger.DebugTag("TTS", "edge synthesis done utterance=%d voice=%s bytes=%d", req.UtteranceID, voice, total)
}
