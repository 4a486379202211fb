package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeConn replays scripted reply frames and records what was sent.
type fakeConn struct {
	sent    []Request
	replies [][]byte
	closed  bool
	// readErr is returned once the scripted replies run out; a normal close
	// by default.
	readErr error
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return err
	}
	c.sent = append(c.sent, req)
	return nil
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	if len(c.replies) == 0 {
		if c.readErr != nil {
			return 0, nil, c.readErr
		}
		return 0, nil, &websocket.CloseError{Code: websocket.CloseNormalClosure}
	}
	data := c.replies[0]
	c.replies = c.replies[1:]
	return websocket.TextMessage, data, nil
}

func (c *fakeConn) SetReadDeadline(time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

func frameJSON(t *testing.T, f Frame) []byte {
	t.Helper()
	data, err := json.Marshal(f)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	return data
}

// scriptedDialer fails the first failures dials, then hands out conn.
func scriptedDialer(conn *fakeConn, failures int, dialErr error) (dialFunc, *int) {
	attempts := new(int)
	return func(context.Context, string, time.Duration) (wsConn, error) {
		*attempts++
		if *attempts <= failures {
			return nil, dialErr
		}
		return conn, nil
	}, attempts
}

func testClient(dial dialFunc) *Client {
	c := New(0)
	c.dial = dial
	c.streamCfg.Delay = time.Millisecond
	c.pollDelay = time.Millisecond
	return c
}

func TestURL(t *testing.T) {
	c := New(0)
	if got := c.URL("agent-abc"); got != "ws://agent-abc:9100" {
		t.Fatalf("unexpected URL %q", got)
	}
	c = New(7000)
	if got := c.URL("h"); got != "ws://h:7000" {
		t.Fatalf("unexpected URL %q", got)
	}
}

func TestProbe_HealthCheckRoundTrip(t *testing.T) {
	conn := &fakeConn{replies: [][]byte{
		frameJSON(t, Frame{ID: probeRequestID, Done: true}),
	}}
	dial, _ := scriptedDialer(conn, 0, nil)
	c := testClient(dial)

	if err := c.Probe(context.Background(), "agent-1"); err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if len(conn.sent) != 1 {
		t.Fatalf("expected 1 request, got %d", len(conn.sent))
	}
	req := conn.sent[0]
	if req.Method != methodHealthCheck || req.ID != probeRequestID {
		t.Fatalf("unexpected probe request %+v", req)
	}
	if !conn.closed {
		t.Fatal("probe must close its connection")
	}
}

func TestProbe_DialFailureIsUnreachable(t *testing.T) {
	dial, _ := scriptedDialer(nil, 99, errors.New("connection refused"))
	c := testClient(dial)

	err := c.Probe(context.Background(), "agent-1")
	if !errors.Is(err, ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable, got %v", err)
	}
}

func TestWaitReady_PollsUntilAccepting(t *testing.T) {
	conn := &fakeConn{}
	dial, attempts := scriptedDialer(conn, 3, errors.New("connection refused"))
	c := testClient(dial)

	if err := c.WaitReady(context.Background(), "agent-1", time.Second); err != nil {
		t.Fatalf("WaitReady: %v", err)
	}
	if *attempts != 4 {
		t.Fatalf("expected 4 dial attempts, got %d", *attempts)
	}
	if !conn.closed {
		t.Fatal("readiness probe connections must be closed")
	}
}

func TestWaitReady_TimeoutCarriesLastDialError(t *testing.T) {
	dial, _ := scriptedDialer(nil, 9999, errors.New("connection refused"))
	c := testClient(dial)

	err := c.WaitReady(context.Background(), "agent-1", 20*time.Millisecond)
	if err == nil {
		t.Fatal("expected a timeout error")
	}
	for _, want := range []string{"agent-1", "connection refused"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q should mention %q", err.Error(), want)
		}
	}
}

func TestRelay_ForwardsFramesUntilDone(t *testing.T) {
	conn := &fakeConn{replies: [][]byte{
		frameJSON(t, Frame{Chunk: "working"}),
		frameJSON(t, Frame{Event: &StreamEvent{Type: EventTextDelta, Text: "hi"}}),
		frameJSON(t, Frame{Done: true}),
		frameJSON(t, Frame{Chunk: "never delivered"}),
	}}
	dial, _ := scriptedDialer(conn, 0, nil)
	c := testClient(dial)

	var got []Frame
	err := c.Relay(context.Background(), "agent-1", Request{Method: MethodExecutePrompt}, func(f Frame) error {
		got = append(got, f)
		return nil
	})
	if err != nil {
		t.Fatalf("Relay: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 frames before done, got %d", len(got))
	}
	if !got[2].Done {
		t.Fatal("last frame should be the done frame")
	}
	if len(conn.sent) != 1 || conn.sent[0].Method != MethodExecutePrompt {
		t.Fatalf("unexpected request log %+v", conn.sent)
	}
}

func TestRelay_ErrorFrameEndsStream(t *testing.T) {
	conn := &fakeConn{replies: [][]byte{
		frameJSON(t, Frame{Error: "execution failed"}),
		frameJSON(t, Frame{Chunk: "never delivered"}),
	}}
	dial, _ := scriptedDialer(conn, 0, nil)
	c := testClient(dial)

	var got []Frame
	err := c.Relay(context.Background(), "agent-1", Request{}, func(f Frame) error {
		got = append(got, f)
		return nil
	})
	if err != nil {
		t.Fatalf("Relay: %v", err)
	}
	if len(got) != 1 || got[0].Error != "execution failed" {
		t.Fatalf("expected only the error frame, got %+v", got)
	}
}

func TestRelay_NormalCloseIsCleanEnd(t *testing.T) {
	conn := &fakeConn{}
	dial, _ := scriptedDialer(conn, 0, nil)
	c := testClient(dial)

	err := c.Relay(context.Background(), "agent-1", Request{}, func(Frame) error {
		t.Fatal("no frames expected")
		return nil
	})
	if err != nil {
		t.Fatalf("normal close should end the relay cleanly, got %v", err)
	}
}

func TestRelay_RetriesDialThenSucceeds(t *testing.T) {
	conn := &fakeConn{replies: [][]byte{frameJSON(t, Frame{Done: true})}}
	dial, attempts := scriptedDialer(conn, 2, errors.New("connection refused"))
	c := testClient(dial)

	err := c.Relay(context.Background(), "agent-1", Request{}, func(Frame) error { return nil })
	if err != nil {
		t.Fatalf("Relay: %v", err)
	}
	if *attempts != 3 {
		t.Fatalf("expected 3 dial attempts, got %d", *attempts)
	}
}

func TestRelay_DialExhaustionIsUnreachable(t *testing.T) {
	dial, attempts := scriptedDialer(nil, 99, errors.New("connection refused"))
	c := testClient(dial)

	err := c.Relay(context.Background(), "agent-1", Request{}, func(Frame) error { return nil })
	if !errors.Is(err, ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable, got %v", err)
	}
	if *attempts != streamDialAttempts {
		t.Fatalf("expected exactly %d dial attempts, got %d", streamDialAttempts, *attempts)
	}
}

func TestRelay_MidStreamFailureIsNotRedialed(t *testing.T) {
	conn := &fakeConn{
		replies: [][]byte{frameJSON(t, Frame{Chunk: "partial"})},
		readErr: errors.New("connection reset"),
	}
	dial, attempts := scriptedDialer(conn, 0, nil)
	c := testClient(dial)

	err := c.Relay(context.Background(), "agent-1", Request{}, func(Frame) error { return nil })
	if err == nil {
		t.Fatal("expected a read error")
	}
	if errors.Is(err, ErrUnreachable) {
		t.Fatalf("mid-stream failures are not dial failures, got %v", err)
	}
	if *attempts != 1 {
		t.Fatalf("an opened connection must never be redialed, got %d dials", *attempts)
	}
}

func TestCall_SuccessAndRequestShape(t *testing.T) {
	conn := &fakeConn{replies: [][]byte{
		frameJSON(t, Frame{ID: CancelRequestID, Done: true}),
	}}
	dial, _ := scriptedDialer(conn, 0, nil)
	c := testClient(dial)

	req := Request{Method: MethodCancel, Params: map[string]any{}, ID: CancelRequestID}
	if err := c.Call(context.Background(), "agent-1", req); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if len(conn.sent) != 1 || conn.sent[0].Method != MethodCancel {
		t.Fatalf("unexpected request log %+v", conn.sent)
	}
}

func TestCall_AgentErrorBecomesUpstreamError(t *testing.T) {
	conn := &fakeConn{replies: [][]byte{
		frameJSON(t, Frame{Error: "nothing to cancel"}),
	}}
	dial, _ := scriptedDialer(conn, 0, nil)
	c := testClient(dial)

	err := c.Call(context.Background(), "agent-1", Request{Method: MethodCancel})
	var upstream *UpstreamError
	if !errors.As(err, &upstream) {
		t.Fatalf("expected *UpstreamError, got %v", err)
	}
	if upstream.Message != "nothing to cancel" {
		t.Fatalf("unexpected message %q", upstream.Message)
	}
}

func TestCall_DialFailureIsUnreachable(t *testing.T) {
	dial, _ := scriptedDialer(nil, 99, errors.New("no such host"))
	c := testClient(dial)

	err := c.Call(context.Background(), "agent-1", Request{Method: MethodNewConversation})
	if !errors.Is(err, ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable, got %v", err)
	}
}
