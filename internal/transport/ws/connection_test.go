package ws

import (
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"lumatalk-server/internal/domain/protocol"
	lttesting "lumatalk-server/internal/platform/testing"
)

// queueOnly builds a connection without a socket so the lanes can be
// inspected directly.
func queueOnly(cfg ConnectionConfig) *Connection {
	return &Connection{cfg: cfg.withDefaults()}
}

func popAll(t *testing.T, c *Connection) []protocol.Event {
	t.Helper()
	var out []protocol.Event
	for {
		ev, _, ok, _ := c.next()
		if !ok {
			return out
		}
		out = append(out, ev)
	}
}

func TestControlLaneDrainsFirst(t *testing.T) {
	c := queueOnly(ConnectionConfig{})
	for _, ev := range []protocol.Event{
		protocol.ASRFinal{UtteranceID: 1, Text: "a"},
		protocol.TTSChunk{UtteranceID: 1, Seq: 0, Data: []byte{1}},
		protocol.Pong{},
		protocol.TTSChunk{UtteranceID: 1, Seq: 1, Data: []byte{2}},
		protocol.SessionStarted{SessionID: "s"},
	} {
		if err := c.Send(ev); err != nil {
			t.Fatalf("send %s: %v", ev.Type(), err)
		}
	}

	got := popAll(t, c)
	want := []string{
		protocol.TypePong,
		protocol.TypeSessionStarted,
		protocol.TypeASRFinal,
		protocol.TypeTTSChunk,
		protocol.TypeTTSChunk,
	}
	if len(got) != len(want) {
		t.Fatalf("got %d events, want %d", len(got), len(want))
	}
	for i, typ := range want {
		if got[i].Type() != typ {
			t.Fatalf("event %d is %s, want %s", i, got[i].Type(), typ)
		}
	}
	if got[4].(protocol.TTSChunk).Seq != 1 {
		t.Fatal("ordered lane must stay FIFO")
	}
}

func TestSessionEndedWaitsForUtteranceOutput(t *testing.T) {
	c := queueOnly(ConnectionConfig{})
	_ = c.Send(protocol.ErrorEvent{UtteranceID: 3, Kind: "cancelled"})
	_ = c.Send(protocol.SessionEnded{Reason: "client_end"})
	_ = c.Send(protocol.TTSComplete{UtteranceID: 2})

	got := popAll(t, c)
	if len(got) != 3 {
		t.Fatalf("got %d events", len(got))
	}
	if _, ok := got[2].(protocol.SessionEnded); !ok {
		t.Fatalf("session.ended must be written last, got %s", got[2].Type())
	}
}

func TestSendRejectsWhenLaneFull(t *testing.T) {
	c := queueOnly(ConnectionConfig{OrderedQueue: 2, ControlQueue: 1})
	_ = c.Send(protocol.ASRFinal{UtteranceID: 1})
	_ = c.Send(protocol.ASRFinal{UtteranceID: 2})
	if err := c.Send(protocol.ASRFinal{UtteranceID: 3}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("ordered overflow: %v", err)
	}

	_ = c.Send(protocol.Pong{})
	if err := c.Send(protocol.Pong{}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("control overflow: %v", err)
	}
}

func TestRequeueKeepsHeadOfLane(t *testing.T) {
	c := queueOnly(ConnectionConfig{})
	_ = c.Send(protocol.ASRFinal{UtteranceID: 1})
	_ = c.Send(protocol.ASRFinal{UtteranceID: 2})

	ev, lane, ok, _ := c.next()
	if !ok || lane != protocol.LaneOrdered {
		t.Fatal("expected an ordered event")
	}
	c.requeue(ev, lane)

	got := popAll(t, c)
	if len(got) != 2 || protocol.UtteranceOf(got[0]) != 1 || protocol.UtteranceOf(got[1]) != 2 {
		t.Fatalf("requeue broke order: %+v", got)
	}
}

func TestStoppingWithoutFlushWritesNothing(t *testing.T) {
	c := queueOnly(ConnectionConfig{})
	_ = c.Send(protocol.ASRFinal{UtteranceID: 1})
	c.stopping = true

	if _, _, ok, finished := c.next(); ok || finished {
		t.Fatal("an aborted connection must not write")
	}
	c.flush = true
	if _, _, ok, _ := c.next(); !ok {
		t.Fatal("a flushing connection must drain its lanes")
	}
	if _, _, ok, finished := c.next(); ok || !finished {
		t.Fatal("flush should finish once the lanes are empty")
	}
}

// socketPair upgrades one server-side connection and returns it with the
// dialed client socket.
func socketPair(t *testing.T) (*Connection, *websocket.Conn) {
	t.Helper()
	logger := lttesting.SetupTestLogger(t)
	accepted := make(chan *Connection, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		socket, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		accepted <- NewConnection("conn-test", socket, ConnectionConfig{}, logger)
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	lttesting.AssertNoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	select {
	case c := <-accepted:
		t.Cleanup(func() { c.Close(errors.New("test done")) })
		return c, client
	case <-time.After(readTimeout):
		t.Fatal("server never accepted the connection")
		return nil, nil
	}
}

func TestUnencodableEventClosesConnection(t *testing.T) {
	c, client := socketPair(t)
	// Queue all three at once so the writer cannot fail before the last one is accepted.
	c.mu.Lock()
	c.ordered = append(c.ordered,
		protocol.ASRFinal{UtteranceID: 1, Text: "hi"},
		protocol.MTResult{UtteranceID: 1, TranslatedText: "salut", Confidence: math.NaN()},
		protocol.TTSComplete{UtteranceID: 1},
	)
	c.mu.Unlock()
	c.wake <- struct{}{}

	_ = client.SetReadDeadline(time.Now().Add(readTimeout))
	_, data, err := client.ReadMessage()
	lttesting.AssertNoError(t, err)
	if !strings.Contains(string(data), protocol.TypeASRFinal) {
		t.Fatalf("first frame should be the final transcript, got %s", data)
	}
	_, _, err = client.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseInternalServerErr) {
		t.Fatalf("expected an internal-error close, got %v", err)
	}

	select {
	case <-c.Done():
	case <-time.After(readTimeout):
		t.Fatal("connection should be done after an encode failure")
	}
	unsent := c.Close(errors.New("transport lost"))
	if len(unsent) != 1 || unsent[0].Type() != protocol.TypeTTSComplete {
		t.Fatalf("only the events after the broken one should be handed back, got %+v", unsent)
	}
}
