// Package bridge implements the JSON-RPC-over-WebSocket client for the agent
// service running inside each session container.
//
// The agent service is opaque: one fixed port, request frames of the shape
// {"method": ..., "params": {...}, "id": ...}, and streamed reply frames that
// end with done=true. The client covers four call patterns: a liveness probe,
// a poll-until-accepting readiness gate for freshly created containers, a
// retried streaming relay for messages, and single-shot control calls
// (cancel, new conversation).
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chatops-ai/container-manager/common/retry"
)

// DefaultPort is the fixed agent service port inside every container.
const DefaultPort = 9100

const (
	// probeTimeout bounds the liveness probe: dial, one request, one reply.
	probeTimeout = 5 * time.Second

	// controlTimeout bounds single-shot control calls the same way.
	controlTimeout = 5 * time.Second

	// readyDialTimeout is the per-attempt handshake timeout while polling a
	// freshly created container.
	readyDialTimeout = 2 * time.Second

	// readyPollInterval is the sleep between readiness attempts.
	readyPollInterval = 500 * time.Millisecond

	// DefaultReadyTimeout is the overall readiness budget after a create.
	DefaultReadyTimeout = 30 * time.Second

	// streamDialTimeout is the handshake timeout for a message relay dial.
	streamDialTimeout = 10 * time.Second

	// streamDialAttempts and streamDialDelay define the bounded retry for
	// transient connection failures before a message relay gives up. The
	// delay is deliberately fixed, not exponential.
	streamDialAttempts = 3
	streamDialDelay    = 500 * time.Millisecond
)

// Liveness and control method names understood by every agent service.
const (
	methodHealthCheck     = "health_check"
	MethodCancel          = "cancel_execution"
	MethodNewConversation = "new_conversation"
	MethodExecutePrompt   = "execute_prompt"
)

// Fixed request IDs for the single-shot calls; the agent echoes them back.
const (
	probeRequestID           = "ping"
	CancelRequestID          = "cancel"
	NewConversationRequestID = "new-conv"
)

// ErrUnreachable reports that the agent service could not be reached at the
// connection level (refused, DNS failure, handshake error, timeout).
var ErrUnreachable = errors.New("cannot reach agent")

// UpstreamError reports that the agent service itself replied with an error.
type UpstreamError struct {
	Message string
}

func (e *UpstreamError) Error() string {
	return "agent error: " + e.Message
}

// Request is one JSON-RPC frame sent to the agent service.
type Request struct {
	Method string         `json:"method"`
	Params map[string]any `json:"params"`
	ID     string         `json:"id"`
}

// Frame is one reply frame from the agent service.
type Frame struct {
	ID     string          `json:"id"`
	Event  *StreamEvent    `json:"event,omitempty"`
	Chunk  string          `json:"chunk,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
	Done   bool            `json:"done"`
}

// wsConn is the subset of *websocket.Conn the client uses; tests substitute
// in-memory implementations.
type wsConn interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	SetReadDeadline(t time.Time) error
	Close() error
}

// dialFunc opens one WebSocket connection. The production implementation
// wraps gorilla's Dialer; tests substitute fakes to script connection
// failures deterministically.
type dialFunc func(ctx context.Context, url string, handshakeTimeout time.Duration) (wsConn, error)

func gorillaDial(ctx context.Context, url string, handshakeTimeout time.Duration) (wsConn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Client relays requests to agent services by container hostname. The zero
// value is not usable; construct with New.
type Client struct {
	port      int
	dial      dialFunc
	streamCfg retry.Config
	pollDelay time.Duration
}

// New creates a client for agent services listening on the given port
// (DefaultPort when zero).
func New(port int) *Client {
	if port <= 0 {
		port = DefaultPort
	}
	return &Client{
		port: port,
		dial: gorillaDial,
		streamCfg: retry.Config{
			MaxAttempts: streamDialAttempts,
			Delay:       streamDialDelay,
			ShouldRetry: isTransient,
		},
		pollDelay: readyPollInterval,
	}
}

// URL returns the agent service WebSocket URL for a container hostname.
func (c *Client) URL(host string) string {
	return fmt.Sprintf("ws://%s:%d", host, c.port)
}

// isTransient classifies dial failures. Connection-level errors (refused,
// unreachable, DNS, handshake) are worth retrying; a cancelled context is not.
func isTransient(err error) bool {
	return !errors.Is(err, context.Canceled)
}

// Probe performs one liveness round-trip: dial, send a health_check request,
// await one reply. Any failure within the probe budget means the agent is
// unreachable.
func (c *Client) Probe(ctx context.Context, host string) error {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	conn, err := c.dial(ctx, c.URL(host), probeTimeout)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnreachable, err)
	}
	defer conn.Close()

	req := Request{Method: methodHealthCheck, Params: map[string]any{}, ID: probeRequestID}
	if err := c.send(conn, req); err != nil {
		return fmt.Errorf("%w: %s", ErrUnreachable, err)
	}
	if _, err := c.receive(conn, probeTimeout); err != nil {
		return fmt.Errorf("%w: %s", ErrUnreachable, err)
	}
	return nil
}

// WaitReady polls the agent service until it accepts a connection or the
// overall timeout elapses. After a container create returns, the container is
// running but the agent inside may not have bound its port yet; this gate
// keeps the first relay from hitting a refused connection. The timeout error
// embeds the last dial failure so operators can tell "never started" from
// "wrong network" from "crashed".
func (c *Client) WaitReady(ctx context.Context, host string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultReadyTimeout
	}
	url := c.URL(host)
	err := retry.Do(ctx, retry.Config{
		Timeout:     timeout,
		Delay:       c.pollDelay,
		ShouldRetry: isTransient,
	}, func() error {
		conn, dialErr := c.dial(ctx, url, readyDialTimeout)
		if dialErr != nil {
			return dialErr
		}
		conn.Close()
		return nil
	})
	if err != nil {
		return fmt.Errorf("agent on %s not ready: %w", host, err)
	}
	return nil
}

// Relay dials the agent service, sends the initial request, and invokes
// onFrame for each reply frame until a frame arrives with done=true or an
// error field, or the agent closes the stream.
//
// Only the dial is retried: up to the configured attempt cap with a fixed
// delay between attempts, and only for transient connection failures. A
// connection that opened successfully is never redialed, whatever happens
// mid-stream. On exhaustion the returned error wraps ErrUnreachable and
// carries the last dial failure's message.
func (c *Client) Relay(ctx context.Context, host string, req Request, onFrame func(Frame) error) error {
	url := c.URL(host)
	var conn wsConn
	err := retry.Do(ctx, c.streamCfg, func() error {
		var dialErr error
		conn, dialErr = c.dial(ctx, url, streamDialTimeout)
		return dialErr
	})
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnreachable, err)
	}
	defer conn.Close()

	if err := c.send(conn, req); err != nil {
		return fmt.Errorf("send request: %w", err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			// The agent hanging up after its work is a normal end of stream.
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read frame: %w", err)
		}
		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			return fmt.Errorf("decode frame: %w", err)
		}

		if err := onFrame(frame); err != nil {
			return err
		}
		if frame.Done || frame.Error != "" {
			return nil
		}
	}
}

// Call performs one short-timeout control round-trip: dial, one request, one
// reply. A reply carrying an error field becomes an *UpstreamError; any
// connection-level failure becomes ErrUnreachable.
func (c *Client) Call(ctx context.Context, host string, req Request) error {
	ctx, cancel := context.WithTimeout(ctx, controlTimeout)
	defer cancel()

	conn, err := c.dial(ctx, c.URL(host), controlTimeout)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnreachable, err)
	}
	defer conn.Close()

	if err := c.send(conn, req); err != nil {
		return fmt.Errorf("%w: %s", ErrUnreachable, err)
	}
	frame, err := c.receive(conn, controlTimeout)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnreachable, err)
	}
	if frame.Error != "" {
		return &UpstreamError{Message: frame.Error}
	}
	return nil
}

func (c *Client) send(conn wsConn, req Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) receive(conn wsConn, timeout time.Duration) (Frame, error) {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return Frame{}, err
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		return Frame{}, err
	}
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	return frame, nil
}
