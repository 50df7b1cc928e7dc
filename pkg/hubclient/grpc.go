package hubclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// GRPCConnectMethod is the full name of the bidirectional hub stream.
const GRPCConnectMethod = "/socialsync.hub.v1.Hub/Connect"

// GRPCHubPathKey is the metadata key naming the hub a stream attaches to.
const GRPCHubPathKey = "hub-path"

// GRPCStreamDesc describes the hub stream for both client and server.
var GRPCStreamDesc = grpc.StreamDesc{
	StreamName:    "Connect",
	ServerStreams: true,
	ClientStreams: true,
}

// GRPC carries frames as google.protobuf.Struct messages over one
// bidirectional stream. The server sends a ping frame once it has accepted
// the stream; Dial waits for it so that authorization failures surface as
// handshake errors.
type GRPC struct {
	// Target overrides the dial target. By default the host of the hub
	// URL is used.
	Target string
	// DialOptions default to insecure transport credentials.
	DialOptions []grpc.DialOption
}

// Name returns "grpc".
func (GRPC) Name() string { return "grpc" }

// Dial opens the stream and waits for the server's first frame.
func (g GRPC) Dial(ctx context.Context, endpoint string, header http.Header) (Conn, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid hub URL: %w", err)
	}
	target := g.Target
	if target == "" {
		target = u.Host
	}

	opts := g.DialOptions
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	cc, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to start connection: %w", err)
	}

	md := metadata.MD{}
	for k, vs := range header {
		md.Append(strings.ToLower(k), vs...)
	}
	md.Set(GRPCHubPathKey, u.EscapedPath())

	streamCtx, cancel := context.WithCancel(metadata.NewOutgoingContext(context.Background(), md))
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	fail := func(err error) (Conn, error) {
		cancel()
		cc.Close()
		return nil, err
	}

	stream, err := cc.NewStream(streamCtx, &GRPCStreamDesc, GRPCConnectMethod)
	if err != nil {
		return fail(grpcDialError(err))
	}

	c := &grpcConn{cc: cc, stream: stream, cancel: cancel}
	first, err := c.Receive()
	if err != nil {
		return fail(grpcDialError(err))
	}
	if first.Type != FramePing {
		return fail(fmt.Errorf("negotiation failed: unexpected first frame %q", first.Type))
	}
	return c, nil
}

func grpcDialError(err error) error {
	switch status.Code(err) {
	case codes.Unauthenticated:
		return &HandshakeError{StatusCode: http.StatusUnauthorized, Body: status.Convert(err).Message()}
	case codes.PermissionDenied:
		return &HandshakeError{StatusCode: http.StatusForbidden, Body: status.Convert(err).Message()}
	case codes.NotFound, codes.InvalidArgument:
		return &HandshakeError{StatusCode: http.StatusNotFound, Body: status.Convert(err).Message()}
	default:
		return fmt.Errorf("failed to start connection: %w", err)
	}
}

type grpcConn struct {
	cc     *grpc.ClientConn
	stream grpc.ClientStream
	cancel context.CancelFunc

	sendMu    sync.Mutex
	closeOnce sync.Once
}

func (c *grpcConn) Receive() (Frame, error) {
	msg := &structpb.Struct{}
	if err := c.stream.RecvMsg(msg); err != nil {
		return Frame{}, err
	}
	f, err := StructToFrame(msg)
	if err != nil {
		return Frame{}, &FrameError{Err: err}
	}
	return f, nil
}

func (c *grpcConn) Send(_ context.Context, f Frame) error {
	msg, err := FrameToStruct(f)
	if err != nil {
		return err
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.stream.SendMsg(msg)
}

func (c *grpcConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.sendMu.Lock()
		_ = c.stream.CloseSend()
		c.sendMu.Unlock()
		c.cancel()
		err = c.cc.Close()
	})
	return err
}

// FrameToStruct converts a frame to its protobuf representation.
func FrameToStruct(f Frame) (*structpb.Struct, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal frame: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to marshal frame: %w", err)
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("failed to convert frame: %w", err)
	}
	return s, nil
}

// StructToFrame is the inverse of FrameToStruct.
func StructToFrame(s *structpb.Struct) (Frame, error) {
	data, err := protojson.Marshal(s)
	if err != nil {
		return Frame{}, err
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, err
	}
	return f, nil
}
