package asr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"

	"lumatalk-server/internal/domain/pipeline"
	"lumatalk-server/internal/platform/logging"
)

var errStreamClosed = errors.New("recognition stream closed")

// WorkerConfig points at a LumaTalk ASR worker websocket (ws://host/ws/asr).
type WorkerConfig struct {
	URL          string
	DialTimeout  time.Duration
	WriteTimeout time.Duration
}

// WorkerRecognizer streams PCM to the ASR worker over one websocket per
// utterance.
type WorkerRecognizer struct {
	cfg    WorkerConfig
	dialer *websocket.Dialer
	logger *logging.Logger
}

func NewWorkerRecognizer(cfg WorkerConfig, logger *logging.Logger) *WorkerRecognizer {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &WorkerRecognizer{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.DialTimeout},
		logger: logger,
	}
}

func (r *WorkerRecognizer) Open(ctx context.Context, req pipeline.RecognitionRequest) (pipeline.RecognitionStream, error) {
	wsURL, err := buildWorkerURL(r.cfg.URL, req)
	if err != nil {
		return nil, pipeline.Permanent(pipeline.StageASR, err)
	}

	conn, _, err := r.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, pipeline.Retryable(pipeline.StageASR, fmt.Errorf("dial asr worker: %w", err))
	}

	s := &workerStream{
		conn:         conn,
		utteranceID:  req.UtteranceID,
		writeTimeout: r.cfg.WriteTimeout,
		logger:       r.logger,
		events:       make(chan pipeline.TranscriptEvent, 64),
		audio:        make(chan []byte, 32),
		stop:         make(chan struct{}),
		readDone:     make(chan struct{}),
		done:         make(chan struct{}),
	}

	s.wg.Add(2)
	go s.readLoop()
	go s.writeLoop()
	go func() {
		s.wg.Wait()
		close(s.events)
		close(s.done)
		_ = conn.Close()
	}()

	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-s.done:
		}
	}()

	r.logger.DebugTag("ASR", "worker stream opened utterance=%d", req.UtteranceID)
	return s, nil
}

type workerStream struct {
	conn         *websocket.Conn
	utteranceID  uint64
	writeTimeout time.Duration
	logger       *logging.Logger

	events   chan pipeline.TranscriptEvent
	audio    chan []byte
	stop     chan struct{}
	readDone chan struct{}
	done     chan struct{}

	wg sync.WaitGroup

	errMu sync.Mutex
	err   error

	cancelled     atomic.Bool
	closeSendOnce sync.Once
	closeOnce     sync.Once
	sendMu        sync.RWMutex
	sendClosed    bool
}

func (s *workerStream) SendAudio(ctx context.Context, pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}

	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	if s.sendClosed {
		return errStreamClosed
	}

	select {
	case s.audio <- pcm:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stop:
		return errStreamClosed
	case <-s.done:
		// Audio after the final is dropped.
		return s.waitErr()
	}
}

func (s *workerStream) CloseSend() error {
	s.closeSendOnce.Do(func() {
		s.sendMu.Lock()
		s.sendClosed = true
		close(s.audio)
		s.sendMu.Unlock()
	})
	return nil
}

func (s *workerStream) Recv() (pipeline.TranscriptEvent, error) {
	ev, ok := <-s.events
	if ok {
		return ev, nil
	}
	if err := s.waitErr(); err != nil {
		return pipeline.TranscriptEvent{}, err
	}
	return pipeline.TranscriptEvent{}, io.EOF
}

// Close cancels the stream. Events not yet received are dropped and no error
// is reported.
func (s *workerStream) Close() error {
	s.closeOnce.Do(func() {
		s.cancelled.Store(true)
		close(s.stop)
		_ = s.CloseSend()
		_ = s.conn.Close()
	})
	<-s.done
	return nil
}

func (s *workerStream) waitErr() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *workerStream) setErr(err error) {
	if err == nil || s.cancelled.Load() {
		return
	}
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = pipeline.Retryable(pipeline.StageASR, err)
	}
}

func (s *workerStream) writeLoop() {
	defer s.wg.Done()

	for {
		var (
			chunk []byte
			ok    bool
		)
		select {
		case chunk, ok = <-s.audio:
		case <-s.readDone:
			return
		}
		if !ok {
			break
		}
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
		if err := s.conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
			s.setErr(fmt.Errorf("send audio: %w", err))
			return
		}
	}

	if s.cancelled.Load() {
		return
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	if err := s.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"end"}`)); err != nil {
		s.setErr(fmt.Errorf("send end marker: %w", err))
	}
}

func (s *workerStream) readLoop() {
	defer s.wg.Done()
	defer close(s.readDone)

	var lastPartial string
	for {
		msgType, payload, err := s.conn.ReadMessage()
		if err != nil {
			if s.cancelled.Load() {
				return
			}
			s.sendMu.RLock()
			ending := s.sendClosed
			s.sendMu.RUnlock()
			// The worker may hang up after end without a final; promote the last partial.
			if ending && websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.emit(pipeline.TranscriptEvent{UtteranceID: s.utteranceID, Text: lastPartial, Final: true})
				return
			}
			s.setErr(fmt.Errorf("read asr result: %w", err))
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var res workerResult
		if err := sonic.Unmarshal(payload, &res); err != nil {
			s.logger.WarnTag("ASR", "discarding malformed worker message: %v", err)
			continue
		}
		if strings.EqualFold(res.Type, "error") {
			msg := strings.TrimSpace(res.Message)
			if msg == "" {
				msg = "asr worker reported an error"
			}
			s.setErr(errors.New(msg))
			return
		}

		text := strings.TrimSpace(res.Text)
		if res.IsFinal || strings.EqualFold(res.Type, "final") {
			s.emit(pipeline.TranscriptEvent{UtteranceID: s.utteranceID, Text: text, Final: true})
			return
		}
		if text == "" {
			continue
		}
		lastPartial = text
		if !s.emit(pipeline.TranscriptEvent{UtteranceID: s.utteranceID, Text: text}) {
			return
		}
	}
}

func (s *workerStream) emit(ev pipeline.TranscriptEvent) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.stop:
		return false
	}
}

type workerResult struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
	Message string `json:"message"`
}

func buildWorkerURL(base string, req pipeline.RecognitionRequest) (string, error) {
	base = strings.TrimSpace(base)
	if strings.HasPrefix(base, "https://") {
		base = "wss://" + strings.TrimPrefix(base, "https://")
	} else if strings.HasPrefix(base, "http://") {
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	u, err := url.Parse(base)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid asr worker url %q", base)
	}
	q := u.Query()
	if req.Language != "" {
		q.Set("language", req.Language)
	}
	if req.SampleRate > 0 {
		q.Set("sample_rate", strconv.Itoa(req.SampleRate))
	}
	if req.Channels > 0 {
		q.Set("channels", strconv.Itoa(req.Channels))
	}
	q.Set("utterance_id", strconv.FormatUint(req.UtteranceID, 10))
	u.RawQuery = q.Encode()
	return u.String(), nil
}
