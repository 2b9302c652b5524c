package tts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"

	"lumatalk-server/internal/domain/pipeline"
	"lumatalk-server/internal/platform/logging"
)

const defaultChunkBytes = 8 * 1024

// WorkerConfig points at a LumaTalk TTS worker websocket (ws://host/ws/tts).
type WorkerConfig struct {
	URL          string
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	// ChunkBytes caps the size of a single chunk handed to the pipeline.
	ChunkBytes int
}

// WorkerSynthesizer sends one synthesis request per websocket and relays the
// binary frames the worker streams back until it reports tts_complete.
type WorkerSynthesizer struct {
	cfg    WorkerConfig
	dialer *websocket.Dialer
	logger *logging.Logger
}

func NewWorkerSynthesizer(cfg WorkerConfig, logger *logging.Logger) *WorkerSynthesizer {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.ChunkBytes <= 0 {
		cfg.ChunkBytes = defaultChunkBytes
	}
	return &WorkerSynthesizer{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.DialTimeout},
		logger: logger,
	}
}

type synthesisRequest struct {
	Text  string `json:"text"`
	Lang  string `json:"lang"`
	Voice string `json:"voice,omitempty"`
}

type workerMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (s *WorkerSynthesizer) Synthesize(ctx context.Context, req pipeline.SynthesisRequest) (pipeline.SynthesisStream, error) {
	wsURL := strings.TrimSpace(s.cfg.URL)
	if strings.HasPrefix(wsURL, "http") {
		wsURL = "ws" + strings.TrimPrefix(wsURL, "http")
	}
	conn, _, err := s.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, pipeline.Retryable(pipeline.StageTTS, fmt.Errorf("dial tts worker: %w", err))
	}

	lang := req.Language
	if lang == "" {
		lang = "en"
	}
	body, err := sonic.Marshal(synthesisRequest{Text: req.Text, Lang: lang, Voice: req.Voice})
	if err != nil {
		_ = conn.Close()
		return nil, pipeline.Permanent(pipeline.StageTTS, err)
	}
	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, body); err != nil {
		_ = conn.Close()
		return nil, pipeline.Retryable(pipeline.StageTTS, fmt.Errorf("send synthesis request: %w", err))
	}

	st := &workerStream{
		conn:        conn,
		utteranceID: req.UtteranceID,
		chunkBytes:  s.cfg.ChunkBytes,
		logger:      s.logger,
		chunks:      make(chan []byte, 16),
		stop:        make(chan struct{}),
	}
	go st.readLoop()
	go func() {
		select {
		case <-ctx.Done():
			_ = st.Close()
		case <-st.stop:
		}
	}()

	s.logger.DebugTag("TTS", "worker synthesis started utterance=%d chars=%d", req.UtteranceID, len(req.Text))
	return st, nil
}

type workerStream struct {
	conn        *websocket.Conn
	utteranceID uint64
	chunkBytes  int
	logger      *logging.Logger

	chunks chan []byte
	stop   chan struct{}

	mu        sync.Mutex
	err       error
	cancelled bool
	closeOnce sync.Once
}

func (s *workerStream) Recv() ([]byte, error) {
	chunk, ok := <-s.chunks
	if ok {
		return chunk, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil && !s.cancelled {
		return nil, s.err
	}
	return nil, io.EOF
}

// Close cancels synthesis. Pending chunks are dropped without an error.
func (s *workerStream) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.cancelled = true
		s.mu.Unlock()
		close(s.stop)
		_ = s.conn.Close()
	})
	return nil
}

func (s *workerStream) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil && !s.cancelled {
		s.err = pipeline.Retryable(pipeline.StageTTS, err)
	}
}

func (s *workerStream) readLoop() {
	defer close(s.chunks)
	for {
		msgType, payload, err := s.conn.ReadMessage()
		if err != nil {
			s.fail(fmt.Errorf("read tts audio: %w", err))
			return
		}

		if msgType == websocket.BinaryMessage {
			for len(payload) > 0 {
				n := min(len(payload), s.chunkBytes)
				select {
				case s.chunks <- payload[:n]:
				case <-s.stop:
					return
				}
				payload = payload[n:]
			}
			continue
		}

		var msg workerMessage
		if err := sonic.Unmarshal(payload, &msg); err != nil {
			s.logger.WarnTag("TTS", "discarding malformed worker message: %v", err)
			continue
		}
		switch msg.Type {
		case "tts_complete":
			_ = s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			_ = s.conn.Close()
			return
		case "error":
			text := strings.TrimSpace(msg.Message)
			if text == "" {
				text = "tts worker reported an error"
			}
			s.fail(errors.New(text))
			return
		}
	}
}
