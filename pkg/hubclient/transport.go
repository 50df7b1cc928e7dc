package hubclient

import (
	"context"
	"fmt"
	"net/http"
)

// Transport opens a frame stream to a hub endpoint.
type Transport interface {
	// Name identifies the transport in logs ("websocket", "sse", "grpc").
	Name() string

	// Dial performs the handshake. header carries credentials. A
	// *HandshakeError is returned when the server refuses the channel.
	Dial(ctx context.Context, endpoint string, header http.Header) (Conn, error)
}

// Conn is one established frame stream.
type Conn interface {
	// Receive blocks for the next frame. It returns an error once the
	// stream is broken or closed; a *FrameError means only that frame was
	// bad and Receive may be called again.
	Receive() (Frame, error)

	// Send writes a frame.
	Send(ctx context.Context, f Frame) error

	// Close tears the stream down and unblocks Receive.
	Close() error
}

// TransportByName returns the transport registered under name.
func TransportByName(name string) (Transport, error) {
	switch name {
	case "", "websocket", "ws":
		return WebSocket{}, nil
	case "sse":
		return SSE{}, nil
	case "grpc":
		return GRPC{}, nil
	default:
		return nil, fmt.Errorf("unknown transport %q", name)
	}
}
