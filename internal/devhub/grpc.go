package devhub

import (
	"errors"
	"net/http"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/rmacdonaldsmith/socialsync/pkg/hubclient"
)

// hubServiceDesc registers the hub stream without generated code; messages
// are google.protobuf.Struct frames.
func (s *Server) hubServiceDesc() *grpc.ServiceDesc {
	return &grpc.ServiceDesc{
		ServiceName: "socialsync.hub.v1.Hub",
		HandlerType: (*any)(nil),
		Streams: []grpc.StreamDesc{{
			StreamName:    hubclient.GRPCStreamDesc.StreamName,
			Handler:       s.serveGRPCStream,
			ServerStreams: true,
			ClientStreams: true,
		}},
	}
}

func grpcCode(httpStatus int) codes.Code {
	switch httpStatus {
	case http.StatusUnauthorized:
		return codes.Unauthenticated
	case http.StatusForbidden:
		return codes.PermissionDenied
	case http.StatusNotFound:
		return codes.NotFound
	default:
		return codes.Internal
	}
}

func (s *Server) serveGRPCStream(_ any, stream grpc.ServerStream) error {
	md, _ := metadata.FromIncomingContext(stream.Context())
	header := http.Header{}
	for k, vs := range md {
		header[http.CanonicalHeaderKey(k)] = vs
	}
	var path string
	if v := md.Get(hubclient.GRPCHubPathKey); len(v) > 0 {
		path = v[0]
	}

	p, err := s.admit(header, path, "grpc")
	if err != nil {
		var he *hubError
		errors.As(err, &he)
		return status.Error(grpcCode(he.status), err.Error())
	}

	s.open(p)
	defer s.closePeer(p)

	recvDone := make(chan struct{})
	go func() {
		defer close(recvDone)
		for {
			msg := &structpb.Struct{}
			if err := stream.RecvMsg(msg); err != nil {
				return
			}
			f, err := hubclient.StructToFrame(msg)
			if err != nil || f.Type != hubclient.FrameInvoke {
				continue
			}
			p.deliver(s.invoke(stream.Context(), p, f))
		}
	}()

	for {
		select {
		case f := <-p.out:
			msg, err := hubclient.FrameToStruct(f)
			if err != nil {
				s.logger.Error("failed to encode frame", "error", err)
				continue
			}
			if err := stream.SendMsg(msg); err != nil {
				return nil
			}
		case <-p.done:
			return nil
		case <-recvDone:
			return nil
		}
	}
}
