package asr

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	"lumatalk-server/internal/core/providers/openai"
	"lumatalk-server/internal/domain/pipeline"
	"lumatalk-server/internal/platform/logging"
)

// Transcriber is the slice of the go-openai client the Whisper recognizer uses.
type Transcriber interface {
	CreateTranscription(ctx context.Context, req goopenai.AudioRequest) (goopenai.AudioResponse, error)
}

type WhisperConfig struct {
	Model      string
	MaxBytes   int
	SampleRate int
	Channels   int
}

// WhisperRecognizer buffers a whole segment and transcribes it in one call,
// so it emits a single final and no partials.
type WhisperRecognizer struct {
	client Transcriber
	cfg    WhisperConfig
	logger *logging.Logger
}

func NewWhisperRecognizer(client Transcriber, cfg WhisperConfig, logger *logging.Logger) *WhisperRecognizer {
	if cfg.Model == "" {
		cfg.Model = goopenai.Whisper1
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 25 << 20
	}
	return &WhisperRecognizer{client: client, cfg: cfg, logger: logger}
}

// NewOpenAIRecognizer wires a WhisperRecognizer to the hosted API.
func NewOpenAIRecognizer(conn openai.Config, cfg WhisperConfig, logger *logging.Logger) *WhisperRecognizer {
	return NewWhisperRecognizer(openai.NewClient(conn), cfg, logger)
}

func (r *WhisperRecognizer) Open(ctx context.Context, req pipeline.RecognitionRequest) (pipeline.RecognitionStream, error) {
	sampleRate, channels := req.SampleRate, req.Channels
	if sampleRate <= 0 {
		sampleRate = r.cfg.SampleRate
	}
	if channels <= 0 {
		channels = r.cfg.Channels
	}
	sctx, cancel := context.WithCancel(ctx)
	return &whisperStream{
		r:          r,
		ctx:        sctx,
		cancel:     cancel,
		req:        req,
		sampleRate: sampleRate,
		channels:   channels,
		result:     make(chan whisperResult, 1),
	}, nil
}

type whisperResult struct {
	text string
	err  error
}

type whisperStream struct {
	r          *WhisperRecognizer
	ctx        context.Context
	cancel     context.CancelFunc
	req        pipeline.RecognitionRequest
	sampleRate int
	channels   int

	mu        sync.Mutex
	buf       bytes.Buffer
	sendDone  bool
	delivered bool

	result chan whisperResult
}

func (s *whisperStream) SendAudio(_ context.Context, pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendDone {
		return errStreamClosed
	}
	if s.buf.Len()+len(pcm) > s.r.cfg.MaxBytes {
		return pipeline.Permanent(pipeline.StageASR, fmt.Errorf("segment exceeds %d bytes", s.r.cfg.MaxBytes))
	}
	s.buf.Write(pcm)
	return nil
}

func (s *whisperStream) CloseSend() error {
	s.mu.Lock()
	if s.sendDone {
		s.mu.Unlock()
		return nil
	}
	s.sendDone = true
	pcm := append([]byte(nil), s.buf.Bytes()...)
	s.mu.Unlock()

	go s.transcribe(pcm)
	return nil
}

func (s *whisperStream) transcribe(pcm []byte) {
	if len(pcm) == 0 {
		s.result <- whisperResult{}
		return
	}
	start := time.Now()
	resp, err := s.r.client.CreateTranscription(s.ctx, goopenai.AudioRequest{
		Model:    s.r.cfg.Model,
		Reader:   bytes.NewReader(pcmToWAV(pcm, s.sampleRate, s.channels)),
		FilePath: "audio.wav",
		Language: s.req.Language,
	})
	if err != nil {
		s.r.logger.WarnTag("ASR", "whisper transcription failed after %s: %v", time.Since(start), err)
		s.result <- whisperResult{err: openai.Classify(pipeline.StageASR, err)}
		return
	}
	s.r.logger.DebugTag("ASR", "whisper transcribed %d bytes in %s", len(pcm), time.Since(start))
	s.result <- whisperResult{text: strings.TrimSpace(resp.Text)}
}

func (s *whisperStream) Recv() (pipeline.TranscriptEvent, error) {
	s.mu.Lock()
	delivered := s.delivered
	s.mu.Unlock()
	if delivered {
		return pipeline.TranscriptEvent{}, io.EOF
	}

	select {
	case res := <-s.result:
		if res.err != nil {
			return pipeline.TranscriptEvent{}, res.err
		}
		s.mu.Lock()
		s.delivered = true
		s.mu.Unlock()
		return pipeline.TranscriptEvent{UtteranceID: s.req.UtteranceID, Text: res.text, Final: true}, nil
	case <-s.ctx.Done():
		return pipeline.TranscriptEvent{}, io.EOF
	}
}

func (s *whisperStream) Close() error {
	s.cancel()
	return nil
}
