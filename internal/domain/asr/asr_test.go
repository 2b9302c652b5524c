package asr

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	goopenai "github.com/sashabaranov/go-openai"

	"lumatalk-server/internal/domain/pipeline"
)

// fakeWorker accepts one stream, replies with a partial per audio frame and a
// final after the end marker.
func fakeWorker(t *testing.T, handle func(conn *websocket.Conn)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handle(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/asr"
}

func echoWorker(conn *websocket.Conn) {
	n := 0
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if mt == websocket.BinaryMessage {
			n++
			_ = conn.WriteJSON(map[string]any{"type": "partial", "text": strings.Repeat("la ", n)})
			continue
		}
		if strings.Contains(string(data), `"end"`) {
			_ = conn.WriteJSON(map[string]any{"type": "final", "text": "la la la", "is_final": true})
			return
		}
	}
}

func collect(t *testing.T, s pipeline.RecognitionStream) ([]pipeline.TranscriptEvent, error) {
	t.Helper()
	var out []pipeline.TranscriptEvent
	for {
		ev, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, ev)
	}
}

func TestWorkerRecognizerPartialsThenFinal(t *testing.T) {
	url := fakeWorker(t, echoWorker)
	r := NewWorkerRecognizer(WorkerConfig{URL: url}, nil)

	stream, err := r.Open(context.Background(), pipeline.RecognitionRequest{UtteranceID: 7, Language: "en", SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer stream.Close()

	for i := 0; i < 3; i++ {
		if err := stream.SendAudio(context.Background(), []byte{1, 2, 3, 4}); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	// Give the worker time to answer each frame before ending.
	time.Sleep(50 * time.Millisecond)
	if err := stream.CloseSend(); err != nil {
		t.Fatalf("close send: %v", err)
	}

	events, err := collect(t, stream)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if len(events) != 4 {
		t.Fatalf("expected 3 partials and a final, got %d: %+v", len(events), events)
	}
	finals := 0
	for _, ev := range events {
		if ev.UtteranceID != 7 {
			t.Fatalf("wrong utterance id %d", ev.UtteranceID)
		}
		if ev.Final {
			finals++
		}
	}
	if finals != 1 || !events[3].Final || events[3].Text != "la la la" {
		t.Fatalf("expected exactly one trailing final, got %+v", events)
	}
	if err := stream.SendAudio(context.Background(), []byte{1, 2}); err == nil {
		t.Fatal("send after CloseSend should fail")
	}
}

func TestWorkerRecognizerPromotesPartialOnHangup(t *testing.T) {
	url := fakeWorker(t, func(conn *websocket.Conn) {
		for {
			mt, _, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if mt == websocket.BinaryMessage {
				_ = conn.WriteJSON(map[string]any{"type": "partial", "text": "hola"})
				continue
			}
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"))
			return
		}
	})
	r := NewWorkerRecognizer(WorkerConfig{URL: url}, nil)
	stream, err := r.Open(context.Background(), pipeline.RecognitionRequest{UtteranceID: 1})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer stream.Close()

	_ = stream.SendAudio(context.Background(), []byte{0, 0})
	time.Sleep(30 * time.Millisecond)
	_ = stream.CloseSend()

	events, err := collect(t, stream)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	last := events[len(events)-1]
	if !last.Final || last.Text != "hola" {
		t.Fatalf("expected promoted final 'hola', got %+v", events)
	}
}

func TestWorkerRecognizerErrorIsRetryable(t *testing.T) {
	url := fakeWorker(t, func(conn *websocket.Conn) {
		_, _, _ = conn.ReadMessage()
		_ = conn.WriteJSON(map[string]any{"type": "error", "message": "model overloaded"})
	})
	r := NewWorkerRecognizer(WorkerConfig{URL: url}, nil)
	stream, err := r.Open(context.Background(), pipeline.RecognitionRequest{UtteranceID: 1})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer stream.Close()
	_ = stream.SendAudio(context.Background(), []byte{0, 0})

	_, err = collect(t, stream)
	if !pipeline.IsRetryable(err) || !strings.Contains(err.Error(), "model overloaded") {
		t.Fatalf("expected retryable worker error, got %v", err)
	}
}

func TestWorkerRecognizerCloseIsSilent(t *testing.T) {
	var served atomic.Bool
	url := fakeWorker(t, func(conn *websocket.Conn) {
		served.Store(true)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	r := NewWorkerRecognizer(WorkerConfig{URL: url}, nil)
	stream, err := r.Open(context.Background(), pipeline.RecognitionRequest{UtteranceID: 1})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := stream.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := stream.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if _, err := stream.Recv(); !errors.Is(err, io.EOF) {
		t.Fatalf("cancelled stream should end quietly, got %v", err)
	}
}

func TestWorkerRecognizerDialFailure(t *testing.T) {
	r := NewWorkerRecognizer(WorkerConfig{URL: "ws://127.0.0.1:1/ws/asr", DialTimeout: 200 * time.Millisecond}, nil)
	_, err := r.Open(context.Background(), pipeline.RecognitionRequest{UtteranceID: 1})
	if !pipeline.IsRetryable(err) {
		t.Fatalf("dial failure should be retryable, got %v", err)
	}
}

func TestBuildWorkerURL(t *testing.T) {
	got, err := buildWorkerURL("http://asr:8001/ws/asr", pipeline.RecognitionRequest{UtteranceID: 3, Language: "en", SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	for _, want := range []string{"ws://asr:8001/ws/asr?", "language=en", "sample_rate=16000", "utterance_id=3"} {
		if !strings.Contains(got, want) {
			t.Errorf("%s missing %s", got, want)
		}
	}
	if _, err := buildWorkerURL("::nope", pipeline.RecognitionRequest{}); err == nil {
		t.Fatal("expected invalid url error")
	}
}

type fakeTranscriber struct {
	text  string
	err   error
	calls atomic.Int32
	got   []byte
}

func (f *fakeTranscriber) CreateTranscription(_ context.Context, req goopenai.AudioRequest) (goopenai.AudioResponse, error) {
	f.calls.Add(1)
	data, _ := io.ReadAll(req.Reader)
	f.got = data
	if f.err != nil {
		return goopenai.AudioResponse{}, f.err
	}
	return goopenai.AudioResponse{Text: f.text}, nil
}

func TestWhisperRecognizerSingleFinal(t *testing.T) {
	ft := &fakeTranscriber{text: " good morning "}
	r := NewWhisperRecognizer(ft, WhisperConfig{SampleRate: 16000, Channels: 1}, nil)

	stream, err := r.Open(context.Background(), pipeline.RecognitionRequest{UtteranceID: 2, Language: "en"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer stream.Close()
	_ = stream.SendAudio(context.Background(), []byte{1, 0, 2, 0})
	_ = stream.SendAudio(context.Background(), []byte{3, 0})
	_ = stream.CloseSend()

	events, err := collect(t, stream)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if len(events) != 1 || !events[0].Final || events[0].Text != "good morning" {
		t.Fatalf("unexpected events %+v", events)
	}
	if ft.calls.Load() != 1 {
		t.Fatalf("expected one transcription call, got %d", ft.calls.Load())
	}
	if !bytes.HasPrefix(ft.got, []byte("RIFF")) || len(ft.got) != 44+6 {
		t.Fatalf("expected wav payload, got %d bytes", len(ft.got))
	}
}

func TestWhisperRecognizerEmptySegment(t *testing.T) {
	ft := &fakeTranscriber{text: "unused"}
	r := NewWhisperRecognizer(ft, WhisperConfig{}, nil)
	stream, _ := r.Open(context.Background(), pipeline.RecognitionRequest{UtteranceID: 1})
	_ = stream.CloseSend()
	events, err := collect(t, stream)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if len(events) != 1 || events[0].Text != "" || !events[0].Final {
		t.Fatalf("expected an empty final, got %+v", events)
	}
	if ft.calls.Load() != 0 {
		t.Fatal("empty segments must not call the API")
	}
}

func TestWhisperRecognizerClassifiesErrors(t *testing.T) {
	ft := &fakeTranscriber{err: &goopenai.APIError{HTTPStatusCode: 400, Message: "bad audio"}}
	r := NewWhisperRecognizer(ft, WhisperConfig{}, nil)
	stream, _ := r.Open(context.Background(), pipeline.RecognitionRequest{UtteranceID: 1})
	_ = stream.SendAudio(context.Background(), []byte{1, 0})
	_ = stream.CloseSend()
	_, err := stream.Recv()
	if err == nil || pipeline.IsRetryable(err) {
		t.Fatalf("400 should be permanent, got %v", err)
	}
}

func TestPCMToWAVHeader(t *testing.T) {
	wav := pcmToWAV(make([]byte, 100), 16000, 1)
	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" || string(wav[36:40]) != "data" {
		t.Fatal("bad wav markers")
	}
	if binary.LittleEndian.Uint32(wav[24:28]) != 16000 {
		t.Fatal("bad sample rate")
	}
	if binary.LittleEndian.Uint32(wav[40:44]) != 100 {
		t.Fatal("bad data size")
	}
}
