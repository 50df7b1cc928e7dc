package hubclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
)

// ConnectionIDHeader carries the server-assigned id of an SSE stream. Invoke
// requests echo it so the server can route completions and membership.
const ConnectionIDHeader = "X-Connection-Id"

// SSE receives frames over a Server-Sent Events stream at endpoint+"/stream"
// and sends invocations as POSTs to endpoint+"/invoke". Completions are
// delivered through Receive like on the other transports.
type SSE struct {
	// Client defaults to a client without a timeout; the stream is
	// long-lived.
	Client *http.Client
}

// Name returns "sse".
func (SSE) Name() string { return "sse" }

// Dial opens the event stream.
func (s SSE) Dial(ctx context.Context, endpoint string, header http.Header) (Conn, error) {
	client := s.Client
	if client == nil {
		client = &http.Client{}
	}
	endpoint = strings.TrimSuffix(endpoint, "/")

	// The stream outlives ctx, which only bounds the handshake.
	streamCtx, cancel := context.WithCancel(context.Background())
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, endpoint+"/stream", nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create streaming request: %w", err)
	}
	for k, vs := range header {
		req.Header[k] = append([]string(nil), vs...)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := client.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start connection: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		cancel()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &HandshakeError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	c := &sseConn{
		client:    client,
		invokeURL: endpoint + "/invoke",
		header:    header.Clone(),
		body:      resp.Body,
		cancel:    cancel,
		incoming:  make(chan received, 16),
		done:      make(chan struct{}),
		closed:    make(chan struct{}),
	}
	c.header.Set(ConnectionIDHeader, resp.Header.Get(ConnectionIDHeader))

	go c.readStream()
	return c, nil
}

type received struct {
	frame Frame
	err   error
}

type sseConn struct {
	client    *http.Client
	invokeURL string
	header    http.Header
	body      io.ReadCloser
	cancel    context.CancelFunc

	incoming chan received
	done     chan struct{}
	closed   chan struct{}
	err      error

	closeOnce sync.Once
}

func (c *sseConn) readStream() {
	defer close(c.done)

	scanner := bufio.NewScanner(c.body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			// Comments, blank separators and other SSE fields.
			continue
		}

		var r received
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &r.frame); err != nil {
			r.err = &FrameError{Err: err}
		}
		if !c.push(r) {
			c.err = ErrStopped
			return
		}
	}

	if err := scanner.Err(); err != nil {
		c.err = fmt.Errorf("error reading SSE stream: %w", err)
		return
	}
	c.err = io.EOF
}

func (c *sseConn) push(r received) bool {
	select {
	case c.incoming <- r:
		return true
	case <-c.closed:
		return false
	}
}

func (c *sseConn) Receive() (Frame, error) {
	select {
	case r := <-c.incoming:
		return r.frame, r.err
	case <-c.done:
		// Drain anything queued before the stream ended.
		select {
		case r := <-c.incoming:
			return r.frame, r.err
		default:
		}
		return Frame{}, c.err
	}
}

func (c *sseConn) Send(ctx context.Context, f Frame) error {
	if f.Type != FrameInvoke {
		return nil
	}

	body, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.invokeURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create invoke request: %w", err)
	}
	for k, vs := range c.header {
		req.Header[k] = append([]string(nil), vs...)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("invoke request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("invoke failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var completion Frame
	if err := json.NewDecoder(resp.Body).Decode(&completion); err != nil {
		return fmt.Errorf("failed to decode completion: %w", err)
	}
	if !c.push(received{frame: completion}) {
		return ErrStopped
	}
	return nil
}

func (c *sseConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.cancel()
		c.body.Close()
	})
	return nil
}
