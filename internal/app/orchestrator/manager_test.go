package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"lumatalk-server/internal/domain/protocol"
	lttesting "lumatalk-server/internal/platform/testing"
)

func TestManagerCountsByState(t *testing.T) {
	h := newHarness(t, nil)
	_, c1 := h.connect(t)
	_, _ = h.connect(t)
	c1.start()

	lttesting.Eventually(t, waitTimeout, func() bool {
		counts := h.mgr.Counts()
		return counts["active"] == 1 && counts["connecting"] == 1
	}, "one active and one connecting session")
	lttesting.AssertEqual(t, 2, h.mgr.Len())
}

func TestManagerResumeRejections(t *testing.T) {
	h := newHarness(t, nil)
	s, c := h.connect(t)

	if _, err := h.mgr.Resume(s.ID(), "not-a-token", newFakeChannel()); !errors.Is(err, ErrResumeRejected) {
		t.Fatalf("garbage token: %v", err)
	}

	other, err := h.tokens.IssueResumeToken("missing-session", "user-1")
	lttesting.AssertNoError(t, err)
	if _, err := h.mgr.Resume("missing-session", other, newFakeChannel()); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("unknown session: %v", err)
	}

	// A token for another session does not open this one.
	if _, err := h.mgr.Resume(s.ID(), other, newFakeChannel()); !errors.Is(err, ErrResumeRejected) {
		t.Fatalf("mismatched token: %v", err)
	}

	// Sessions that never started cannot be resumed.
	early, err := h.tokens.IssueResumeToken(s.ID(), "user-1")
	lttesting.AssertNoError(t, err)
	if _, err := h.mgr.Resume(s.ID(), early, newFakeChannel()); !errors.Is(err, ErrResumeRejected) {
		t.Fatalf("connecting session: %v", err)
	}

	foreign, err := h.tokens.IssueResumeToken(s.ID(), "someone-else")
	lttesting.AssertNoError(t, err)
	c.start()
	if _, err := h.mgr.Resume(s.ID(), foreign, newFakeChannel()); !errors.Is(err, ErrResumeRejected) {
		t.Fatalf("foreign user: %v", err)
	}
}

func TestResumeReplacesLiveChannel(t *testing.T) {
	h := newHarness(t, nil)
	s, c := h.connect(t)
	token := c.start()

	next := newFakeChannel()
	_, err := h.mgr.Resume(s.ID(), token, next)
	lttesting.AssertNoError(t, err)

	causes := c.ch.closeCauses()
	if len(causes) != 1 || !errors.Is(causes[0], errChannelReplaced) {
		t.Fatalf("old channel close causes %v", causes)
	}
	c2 := &client{t: t, ch: next, seq: c.seq}
	c2.waitFor(func(evs []protocol.Event) bool { return countType(evs, protocol.TypeSessionResumed) == 1 }, "session.resumed")
	c2.speak(2)
	c2.waitFor(func(evs []protocol.Event) bool { return len(completed(evs)) == 1 }, "delivery on the new channel")
}

func TestCloseAllEndsSessions(t *testing.T) {
	h := newHarness(t, nil)
	s1, c1 := h.connect(t)
	s2, c2 := h.connect(t)
	c1.start()
	c2.start()

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	lttesting.AssertNoError(t, h.mgr.CloseAll(ctx, "server_shutdown"))

	for _, s := range []*Session{s1, s2} {
		select {
		case <-s.Done():
		case <-time.After(waitTimeout):
			t.Fatalf("session %s still running", s.ID())
		}
	}
	for _, c := range []*client{c1, c2} {
		evs := c.ch.events()
		ended, ok := evs[len(evs)-1].(protocol.SessionEnded)
		if !ok || ended.Reason != "server_shutdown" {
			t.Fatalf("last event %+v", evs[len(evs)-1])
		}
	}
	lttesting.AssertEqual(t, 0, h.mgr.Len())

	if _, err := h.mgr.Open(newFakeChannel(), "late"); !errors.Is(err, ErrManagerClosed) {
		t.Fatalf("open after close: %v", err)
	}
}

func TestMTBackoffDoublesToCap(t *testing.T) {
	o := Options{MTBackoffInitial: 100 * time.Millisecond, MTBackoffMax: 350 * time.Millisecond}.withDefaults()
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 350 * time.Millisecond, 350 * time.Millisecond}
	for i, w := range want {
		if got := o.mtBackoff(i + 1); got != w {
			t.Errorf("attempt %d backoff %s, want %s", i+1, got, w)
		}
	}
}

func TestAudioBufferBounds(t *testing.T) {
	b := newAudioBuffer(4)
	if !b.Push([]byte{1, 2}) || !b.Push([]byte{3, 4}) {
		t.Fatal("pushes within the limit must succeed")
	}
	if b.Push([]byte{5}) {
		t.Fatal("push past the limit must fail")
	}
	b.CloseInput()

	ctx := context.Background()
	var got []byte
	for {
		c, ok := b.Pop(ctx)
		if !ok {
			break
		}
		got = append(got, c...)
	}
	if len(got) != 4 || b.Len() != 0 {
		t.Fatalf("drained %v", got)
	}
}
