package pane

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"DualChat/internal/conversation"
	"DualChat/internal/render"
	"DualChat/internal/transport"

	"github.com/gorilla/websocket"
)

type fakeConn struct {
	mu      sync.Mutex
	reads   chan struct{}
	written []transport.OutboundMessage
	closed  bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{reads: make(chan struct{})}
}

// ReadMessage blocks until the connection is closed; tests inject frames as events.
func (c *fakeConn) ReadMessage() (int, []byte, error) {
	<-c.reads
	return 0, nil, io.EOF
}

func (c *fakeConn) WriteJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, v.(transport.OutboundMessage))
	return nil
}

func (c *fakeConn) WriteMessage(int, []byte) error { return nil }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.reads)
	}
	return nil
}

func (c *fakeConn) sent() []transport.OutboundMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]transport.OutboundMessage, len(c.written))
	copy(out, c.written)
	return out
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// wrapRender marks converted output so tests can tell raw and rendered text apart
func wrapRender(raw string) (string, error) {
	if raw == "fail-render" {
		return "", errors.New("cannot render")
	}
	return "<p>" + raw + "</p>", nil
}

func testOptions(name string, dial transport.DialFunc) Options {
	return Options{
		Name:     name,
		Endpoint: "ws://backend.test/ws",
		Dial:     dial,
		Logger:   discardLogger(),
		NewConverter: func() (render.Converter, error) {
			return render.Func(wrapRender), nil
		},
	}
}

// apply processes one event the way Run does
func apply(c *Controller, ev event) {
	c.dispatch(context.Background(), ev)
	c.publish()
}

func nextQueued(t *testing.T, c *Controller) event {
	t.Helper()
	select {
	case ev := <-c.queue:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for pane event")
		return nil
	}
}

func newOpenController(t *testing.T, name string, mutate ...func(*Options)) (*Controller, *fakeConn) {
	t.Helper()
	conn := newFakeConn()
	opts := testOptions(name, func(context.Context, string) (transport.Conn, error) { return conn, nil })
	for _, m := range mutate {
		m(&opts)
	}
	c, err := New(opts)
	if err != nil {
		t.Fatalf("New() = %v", err)
	}
	t.Cleanup(func() { c.session.Close() })

	if err := c.session.Open(context.Background()); err != nil {
		t.Fatalf("Open() = %v", err)
	}
	apply(c, nextQueued(t, c))
	if got := c.Snapshot().State; got != transport.StateOpen {
		t.Fatalf("expected open pane, got %s", got)
	}
	return c, conn
}

func frame(text string) event {
	return transportEvent{ev: transport.Frame{Type: websocket.TextMessage, Data: []byte(text)}}
}

func TestSubmitAppendsUserTurnAndMarksBusy(t *testing.T) {
	c, conn := newOpenController(t, "left")
	apply(c, submitEvent{text: "hello"})

	snap := c.Snapshot()
	if len(snap.Turns) != 1 {
		t.Fatalf("expected one turn, got %d", len(snap.Turns))
	}
	last := snap.Turns[0]
	if last.Role != conversation.RoleUser || last.Content != "hello" {
		t.Fatalf("unexpected last turn %+v", last)
	}
	if !snap.Busy || !snap.Pending {
		t.Fatalf("expected busy and pending before any reply, got busy=%v pending=%v", snap.Busy, snap.Pending)
	}
	sent := conn.sent()
	if len(sent) != 1 || sent[0].Message != "hello" {
		t.Fatalf("unexpected outbound frames %+v", sent)
	}
}

func TestBlankSubmissionIsIgnored(t *testing.T) {
	for _, text := range []string{"", "   ", "\t\n"} {
		c, conn := newOpenController(t, "left")
		before := c.Snapshot()

		if err := c.handleSubmit(context.Background(), text); !errors.Is(err, ErrEmptySubmission) {
			t.Fatalf("handleSubmit(%q) = %v, want ErrEmptySubmission", text, err)
		}
		c.publish()

		after := c.Snapshot()
		if len(after.Turns) != len(before.Turns) || after.Busy != before.Busy {
			t.Fatalf("blank submission %q changed state: %+v", text, after)
		}
		if len(conn.sent()) != 0 {
			t.Fatalf("blank submission %q sent a frame", text)
		}
	}
}

func TestStreamingSnapshotsOverwriteAssistantTurn(t *testing.T) {
	c, _ := newOpenController(t, "left")
	apply(c, submitEvent{text: "hi"})
	apply(c, frame("He"))

	snap := c.Snapshot()
	if snap.Busy || snap.Pending {
		t.Fatalf("expected first chunk to clear busy and pending, got busy=%v pending=%v", snap.Busy, snap.Pending)
	}

	apply(c, frame("Hello"))
	snap = c.Snapshot()
	if len(snap.Turns) != 2 {
		t.Fatalf("expected two turns, got %d: %+v", len(snap.Turns), snap.Turns)
	}
	if snap.Turns[0].Role != conversation.RoleUser || snap.Turns[0].Content != "hi" {
		t.Errorf("unexpected first turn %+v", snap.Turns[0])
	}
	if snap.Turns[1].Role != conversation.RoleAssistant || snap.Turns[1].Content != "<p>Hello</p>" {
		t.Errorf("unexpected second turn %+v", snap.Turns[1])
	}
}

func TestAnyFrameClearsBusy(t *testing.T) {
	for _, text := range []string{"", " ", "# heading", "partial **md"} {
		c, _ := newOpenController(t, "left")
		apply(c, submitEvent{text: "q"})
		apply(c, frame(text))
		if c.Snapshot().Busy {
			t.Fatalf("frame %q did not clear busy", text)
		}
	}
}

func TestMalformedFrameIsDropped(t *testing.T) {
	tests := []struct {
		name string
		ev   event
	}{
		{"binary frame", transportEvent{ev: transport.Frame{Type: websocket.BinaryMessage, Data: []byte("x")}}},
		{"invalid utf-8", transportEvent{ev: transport.Frame{Type: websocket.TextMessage, Data: []byte{0xff}}}},
		{"render failure", frame("fail-render")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newOpenController(t, "left")
			apply(c, submitEvent{text: "q"})
			apply(c, tt.ev)

			snap := c.Snapshot()
			if len(snap.Turns) != 1 {
				t.Fatalf("expected log unchanged, got %+v", snap.Turns)
			}
			if !snap.Busy {
				t.Fatalf("expected pane to remain busy after a dropped frame")
			}
			if snap.State != transport.StateOpen {
				t.Fatalf("expected connection to stay open, got %s", snap.State)
			}
		})
	}
}

func TestLastSnapshotWins(t *testing.T) {
	runs := [][]string{
		{"a"},
		{"a", "ab", "abc"},
		{"long reply", "short", ""},
		{"", "x"},
	}
	for _, run := range runs {
		c, _ := newOpenController(t, "left")
		apply(c, submitEvent{text: "prompt"})
		for _, p := range run {
			apply(c, frame(p))
		}
		snap := c.Snapshot()
		if len(snap.Turns) != 2 {
			t.Fatalf("run %q: expected exactly one assistant turn, got %+v", run, snap.Turns)
		}
		want, _ := wrapRender(run[len(run)-1])
		if snap.Turns[1].Content != want {
			t.Fatalf("run %q: last turn = %q, want %q", run, snap.Turns[1].Content, want)
		}
	}
}

func TestErrorBeforeSendLeavesPaneIdle(t *testing.T) {
	c, err := New(testOptions("left", func(context.Context, string) (transport.Conn, error) {
		return nil, errors.New("connection refused")
	}))
	if err != nil {
		t.Fatalf("New() = %v", err)
	}
	if err := c.session.Open(context.Background()); err != nil {
		t.Fatalf("Open() = %v", err)
	}
	apply(c, nextQueued(t, c))

	snap := c.Snapshot()
	if snap.State != transport.StateErrored {
		t.Fatalf("expected errored, got %s", snap.State)
	}
	if snap.Busy {
		t.Fatalf("expected busy to stay false")
	}
	if len(snap.Turns) != 0 {
		t.Fatalf("expected no log mutation, got %+v", snap.Turns)
	}
	var connErr *transport.ConnectionError
	if !errors.As(snap.Err, &connErr) {
		t.Fatalf("expected ConnectionError on snapshot, got %v", snap.Err)
	}
}

func TestConnectionErrorClearsBusy(t *testing.T) {
	c, _ := newOpenController(t, "left")
	apply(c, submitEvent{text: "q"})
	apply(c, transportEvent{ev: transport.Failed{Err: &transport.ConnectionError{Op: "read", Err: io.ErrUnexpectedEOF}}})

	snap := c.Snapshot()
	if snap.Busy || snap.State != transport.StateErrored {
		t.Fatalf("expected idle errored pane, got busy=%v state=%s", snap.Busy, snap.State)
	}
	if len(snap.Turns) != 1 {
		t.Fatalf("expected log untouched by error, got %+v", snap.Turns)
	}
}

func TestRemoteCloseClearsBusy(t *testing.T) {
	c, _ := newOpenController(t, "left")
	apply(c, submitEvent{text: "q"})
	apply(c, transportEvent{ev: transport.Closed{Code: websocket.CloseGoingAway, Reason: "restart"}})

	snap := c.Snapshot()
	if snap.Busy || snap.State != transport.StateClosed {
		t.Fatalf("expected idle closed pane, got busy=%v state=%s", snap.Busy, snap.State)
	}
}

func TestSubmitBeforeOpenSendsNothing(t *testing.T) {
	conn := newFakeConn()
	c, err := New(testOptions("left", func(context.Context, string) (transport.Conn, error) { return conn, nil }))
	if err != nil {
		t.Fatalf("New() = %v", err)
	}
	apply(c, submitEvent{text: "too early"})

	snap := c.Snapshot()
	if snap.Busy {
		t.Fatalf("expected busy false when nothing was sent")
	}
	if len(snap.Turns) != 1 || snap.Turns[0].Content != "too early" {
		t.Fatalf("expected user turn to be logged, got %+v", snap.Turns)
	}
	if len(conn.sent()) != 0 {
		t.Fatalf("expected no frame sent")
	}
}

func TestDraftIsClearedOnSubmit(t *testing.T) {
	c, conn := newOpenController(t, "left")
	apply(c, draftEvent{text: "draft text"})
	if got := c.Snapshot().Draft; got != "draft text" {
		t.Fatalf("Draft = %q", got)
	}
	apply(c, submitDraftEvent{})
	if got := c.Snapshot().Draft; got != "" {
		t.Fatalf("expected draft cleared, got %q", got)
	}
	if sent := conn.sent(); len(sent) != 1 || sent[0].Message != "draft text" {
		t.Fatalf("unexpected outbound frames %+v", sent)
	}
}

func TestReplyTimeoutClearsBusy(t *testing.T) {
	c, _ := newOpenController(t, "left", func(o *Options) { o.ReplyTimeout = 10 * time.Millisecond })
	apply(c, submitEvent{text: "q"})

	ev := nextQueued(t, c)
	if _, ok := ev.(timeoutEvent); !ok {
		t.Fatalf("expected timeout event, got %T", ev)
	}
	apply(c, ev)

	snap := c.Snapshot()
	if snap.Busy {
		t.Fatalf("expected timeout to clear busy")
	}
	if !errors.Is(snap.Err, ErrReplyTimeout) {
		t.Fatalf("expected ErrReplyTimeout, got %v", snap.Err)
	}

	apply(c, frame("late reply"))
	if err := c.Snapshot().Err; err != nil {
		t.Fatalf("expected late reply to clear the timeout error, got %v", err)
	}
}

func TestStaleTimeoutIsIgnored(t *testing.T) {
	c, _ := newOpenController(t, "left", func(o *Options) { o.ReplyTimeout = time.Hour })
	apply(c, submitEvent{text: "one"})
	apply(c, submitEvent{text: "two"})
	apply(c, timeoutEvent{seq: 1})
	if !c.Snapshot().Busy {
		t.Fatalf("expected timeout from an earlier send to be ignored")
	}
}

func TestRunProcessesEventsAndShutsDown(t *testing.T) {
	conn := newFakeConn()
	c, err := New(testOptions("left", func(context.Context, string) (transport.Conn, error) { return conn, nil }))
	if err != nil {
		t.Fatalf("New() = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- c.Run(ctx) }()

	waitFor(t, c, func(s Snapshot) bool { return s.State == transport.StateOpen })
	if !c.Submit("hello") {
		t.Fatalf("expected Submit to be accepted")
	}
	waitFor(t, c, func(s Snapshot) bool { return s.Busy })

	cancel()
	if err := <-errc; err != nil {
		t.Fatalf("Run() = %v", err)
	}
	snap := c.Snapshot()
	if snap.State != transport.StateClosed || snap.Busy {
		t.Fatalf("expected closed idle pane after shutdown, got %s busy=%v", snap.State, snap.Busy)
	}
	if c.Submit("after") {
		t.Fatalf("expected Submit to be rejected after shutdown")
	}
	if err := c.Run(context.Background()); err == nil {
		t.Fatalf("expected second Run to fail")
	}
}

func waitFor(t *testing.T, c *Controller, cond func(Snapshot) bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if cond(c.Snapshot()) {
			return
		}
		select {
		case <-c.Updates():
		case <-deadline:
			t.Fatalf("timed out waiting for pane state, last %+v", c.Snapshot())
		}
	}
}

func TestNewRequiresLoggerAndName(t *testing.T) {
	if _, err := New(Options{Name: "left"}); err == nil {
		t.Fatalf("expected missing logger to fail")
	}
	if _, err := New(Options{Logger: discardLogger()}); err == nil {
		t.Fatalf("expected missing name to fail")
	}
}

func TestShutdownClosesConnectionQueuedDuringShutdown(t *testing.T) {
	c, first := newOpenController(t, "left")

	// A second dial finished just as the pane was stopping.
	late := newFakeConn()
	if !c.post(transportEvent{ev: transport.NewOpened(late)}) {
		t.Fatalf("expected event to be queued before shutdown")
	}
	c.shutdown()

	for name, conn := range map[string]*fakeConn{"open": first, "queued": late} {
		conn.mu.Lock()
		closed := conn.closed
		conn.mu.Unlock()
		if !closed {
			t.Errorf("%s connection left open after shutdown", name)
		}
	}
	if len(c.queue) != 0 {
		t.Errorf("expected shutdown to drain the queue, %d events left", len(c.queue))
	}
	if c.post(transportEvent{ev: transport.NewOpened(newFakeConn())}) {
		t.Errorf("expected events after shutdown to be rejected")
	}
	select {
	case <-c.Done():
	default:
		t.Errorf("expected Done to be closed after shutdown")
	}
}
