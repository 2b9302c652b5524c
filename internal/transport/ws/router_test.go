package ws

import (
	"context"
	"encoding/binary"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"lumatalk-server/internal/app/orchestrator"
	"lumatalk-server/internal/domain/auth"
	"lumatalk-server/internal/domain/eventbus"
	"lumatalk-server/internal/domain/pipeline"
	"lumatalk-server/internal/domain/protocol"
	lttesting "lumatalk-server/internal/platform/testing"
)

const readTimeout = 3 * time.Second

type echoRecognizer struct{}

func (echoRecognizer) Open(ctx context.Context, req pipeline.RecognitionRequest) (pipeline.RecognitionStream, error) {
	return &echoStream{id: req.UtteranceID, ended: make(chan struct{}), closed: make(chan struct{})}, nil
}

type echoStream struct {
	id        uint64
	ended     chan struct{}
	closed    chan struct{}
	endOnce   sync.Once
	closeOnce sync.Once
	sent      bool
}

func (s *echoStream) SendAudio(ctx context.Context, pcm []byte) error { return nil }

func (s *echoStream) CloseSend() error {
	s.endOnce.Do(func() { close(s.ended) })
	return nil
}

func (s *echoStream) Recv() (pipeline.TranscriptEvent, error) {
	if s.sent {
		return pipeline.TranscriptEvent{}, io.EOF
	}
	select {
	case <-s.ended:
		s.sent = true
		return pipeline.TranscriptEvent{UtteranceID: s.id, Text: "hello", Final: true}, nil
	case <-s.closed:
		return pipeline.TranscriptEvent{}, context.Canceled
	}
}

func (s *echoStream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

type echoTranslator struct{}

func (echoTranslator) Translate(ctx context.Context, req pipeline.TranslationRequest) (pipeline.TranslationResult, error) {
	return pipeline.TranslationResult{
		UtteranceID:    req.UtteranceID,
		SourceText:     req.Text,
		TranslatedText: "bonjour",
		SourceLang:     req.SourceLang,
		TargetLang:     req.TargetLang,
		Confidence:     1,
	}, nil
}

type echoSynthesizer struct{}

func (echoSynthesizer) Synthesize(ctx context.Context, req pipeline.SynthesisRequest) (pipeline.SynthesisStream, error) {
	return &chunkStream{left: 2}, nil
}

type chunkStream struct{ left int }

func (s *chunkStream) Recv() ([]byte, error) {
	if s.left == 0 {
		return nil, io.EOF
	}
	s.left--
	return make([]byte, 100), nil
}

func (s *chunkStream) Close() error { return nil }

type testServer struct {
	url    string
	tokens *auth.Tokens
	mgr    *orchestrator.Manager
	hub    *Hub
}

func newTestServer(t *testing.T, requireAuth bool) *testServer {
	t.Helper()
	logger := lttesting.SetupTestLogger(t)
	cfg := lttesting.SetupTestConfig(t)

	bus := eventbus.New(eventbus.Options{}, logger)
	bus.Start()
	t.Cleanup(bus.Stop)

	tokens := auth.NewTokens("ws-test-secret")
	opts := orchestrator.OptionsFromConfig(cfg)
	opts.VAD.SpeechFrames = 1
	opts.VAD.TrailingSilence = 40 * time.Millisecond
	mgr := orchestrator.NewManager(opts, orchestrator.Dependencies{
		Stages: pipeline.Stages{Recognizer: echoRecognizer{}, Translator: echoTranslator{}, Synthesizer: echoSynthesizer{}},
		Bus:    bus,
		Tokens: tokens,
		Logger: logger,
	})

	hub := NewHub(logger)
	router := NewRouter(hub, logger, RouterOptions{
		Tokens:      tokens,
		RequireAuth: requireAuth,
		Connection:  ConnectionConfig{PingInterval: time.Second},
	})
	server := NewServer(ServerConfig{Path: "/ws"}, router, hub, logger)
	server.SetManager(mgr)

	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), readTimeout)
		defer cancel()
		_ = mgr.CloseAll(ctx, "server_shutdown")
		hub.CloseAll(nil)
	})

	return &testServer{
		url:    "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		tokens: tokens,
		mgr:    mgr,
		hub:    hub,
	}
}

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
	seq  uint32
	ts   time.Duration
}

func (s *testServer) dial(t *testing.T, query url.Values, header http.Header) (*wsClient, *http.Response, error) {
	t.Helper()
	target := s.url
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	conn, resp, err := websocket.DefaultDialer.Dial(target, header)
	if err != nil {
		return nil, resp, err
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &wsClient{t: t, conn: conn}, resp, nil
}

func (c *wsClient) send(msg protocol.Inbound) {
	c.t.Helper()
	data, err := protocol.EncodeInbound(msg)
	lttesting.AssertNoError(c.t, err)
	lttesting.AssertNoError(c.t, c.conn.WriteMessage(websocket.TextMessage, data))
}

func (c *wsClient) frame(pcm []byte) {
	c.t.Helper()
	c.seq++
	c.ts += 20 * time.Millisecond
	data := protocol.EncodeAudioFrame(protocol.AudioFrame{Seq: c.seq, Timestamp: c.ts, PCM: pcm})
	lttesting.AssertNoError(c.t, c.conn.WriteMessage(websocket.BinaryMessage, data))
}

func (c *wsClient) speak(n int) {
	c.t.Helper()
	for i := 0; i < n; i++ {
		c.frame(loudPCM())
	}
	c.frame(make([]byte, 640))
	c.frame(make([]byte, 640))
}

func (c *wsClient) read() protocol.Event {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	kind, data, err := c.conn.ReadMessage()
	if err != nil {
		c.t.Fatalf("read: %v", err)
	}
	ev, err := protocol.DecodeEvent(protocol.Frame{Binary: kind == websocket.BinaryMessage, Data: data})
	lttesting.AssertNoError(c.t, err)
	return ev
}

// readUntil collects events up to and including the first matching one.
func (c *wsClient) readUntil(match func(protocol.Event) bool) []protocol.Event {
	c.t.Helper()
	var out []protocol.Event
	for {
		ev := c.read()
		out = append(out, ev)
		if match(ev) {
			return out
		}
	}
}

func isType(typ string) func(protocol.Event) bool {
	return func(ev protocol.Event) bool { return ev.Type() == typ }
}

func loudPCM() []byte {
	buf := make([]byte, 640)
	for i := 0; i < 320; i++ {
		v := int16(8000)
		if i%2 == 1 {
			v = -8000
		}
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(v))
	}
	return buf
}

func TestUtteranceOverWebSocket(t *testing.T) {
	s := newTestServer(t, false)
	c, _, err := s.dial(t, nil, nil)
	lttesting.AssertNoError(t, err)

	c.send(protocol.SessionStart{SourceLang: "en", TargetLang: "fr"})
	started, ok := c.read().(protocol.SessionStarted)
	if !ok || started.SessionID == "" || started.ResumeToken == "" {
		t.Fatalf("unexpected first event %+v", started)
	}

	c.speak(3)
	evs := c.readUntil(isType(protocol.TypeTTSComplete))

	var (
		final  protocol.ASRFinal
		mt     protocol.MTResult
		chunks []protocol.TTSChunk
	)
	for _, ev := range evs {
		switch e := ev.(type) {
		case protocol.ASRFinal:
			final = e
		case protocol.MTResult:
			mt = e
		case protocol.TTSChunk:
			chunks = append(chunks, e)
		}
	}
	if final.UtteranceID != 1 || final.Text != "hello" {
		t.Fatalf("asr.final %+v", final)
	}
	if mt.TranslatedText != "bonjour" || mt.TargetLang != "fr" {
		t.Fatalf("mt.result %+v", mt)
	}
	if len(chunks) != 2 || chunks[0].Seq != 0 || chunks[1].Seq != 1 {
		t.Fatalf("chunks %+v", chunks)
	}
	complete := evs[len(evs)-1].(protocol.TTSComplete)
	lttesting.AssertEqual(t, 2, complete.Chunks)

	c.send(protocol.Ping{})
	if _, ok := c.read().(protocol.Pong); !ok {
		t.Fatal("ping must be answered with pong")
	}

	c.send(protocol.SessionEnd{})
	ended, ok := c.read().(protocol.SessionEnded)
	if !ok || ended.Reason != "client_end" {
		t.Fatalf("session.ended %+v", ended)
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	if _, _, err := c.conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected a normal close frame, got %v", err)
	}
}

func TestResumeOverWebSocket(t *testing.T) {
	s := newTestServer(t, false)
	c, _, err := s.dial(t, nil, nil)
	lttesting.AssertNoError(t, err)

	c.send(protocol.SessionStart{SourceLang: "en", TargetLang: "fr"})
	started := c.read().(protocol.SessionStarted)
	_ = c.conn.Close()

	lttesting.Eventually(t, readTimeout, func() bool {
		return s.mgr.Counts()["reconnecting"] == 1
	}, "session waits for its client")

	c2, _, err := s.dial(t, url.Values{
		"session_id":   {started.SessionID},
		"resume_token": {started.ResumeToken},
	}, nil)
	lttesting.AssertNoError(t, err)

	resumed, ok := c2.read().(protocol.SessionResumed)
	if !ok || resumed.SessionID != started.SessionID || resumed.NextUtteranceID != 1 {
		t.Fatalf("session.resumed %+v", resumed)
	}

	c2.speak(2)
	evs := c2.readUntil(isType(protocol.TypeTTSComplete))
	if protocol.UtteranceOf(evs[len(evs)-1]) != 1 {
		t.Fatalf("unexpected utterance %+v", evs[len(evs)-1])
	}

	lttesting.Eventually(t, readTimeout, func() bool {
		clients, sessions := s.hub.Counts()
		return clients == 1 && sessions == 1
	}, "hub tracks only the live connection")
}

func TestResumeRejectedOverWebSocket(t *testing.T) {
	s := newTestServer(t, false)

	c, _, err := s.dial(t, url.Values{
		"session_id":   {"no-such-session"},
		"resume_token": {"garbage"},
	}, nil)
	lttesting.AssertNoError(t, err)

	ended, ok := c.read().(protocol.SessionEnded)
	if !ok || ended.Reason != "resume_rejected" {
		t.Fatalf("expected resume_rejected, got %+v", ended)
	}
}

func TestAuthRequired(t *testing.T) {
	s := newTestServer(t, true)

	_, resp, err := s.dial(t, nil, nil)
	if err == nil {
		t.Fatal("dial without a token must fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %+v", resp)
	}

	token, err := s.tokens.IssueAPIToken("client-1")
	lttesting.AssertNoError(t, err)
	c, _, err := s.dial(t, nil, http.Header{"Authorization": {"Bearer " + token}})
	lttesting.AssertNoError(t, err)

	c.send(protocol.SessionStart{SourceLang: "en", TargetLang: "de"})
	if _, ok := c.read().(protocol.SessionStarted); !ok {
		t.Fatal("authenticated client should start a session")
	}
}

func TestInvalidFramesAreSkipped(t *testing.T) {
	s := newTestServer(t, false)
	c, _, err := s.dial(t, nil, nil)
	lttesting.AssertNoError(t, err)

	lttesting.AssertNoError(t, c.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"bogus"}`)))
	lttesting.AssertNoError(t, c.conn.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0x00}))
	c.send(protocol.Ping{})
	if _, ok := c.read().(protocol.Pong); !ok {
		t.Fatal("connection should survive malformed frames")
	}
}
