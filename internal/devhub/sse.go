package devhub

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rmacdonaldsmith/socialsync/pkg/hubclient"
)

// serveSSE streams a hub's frames as Server-Sent Events. The connection id
// is returned in X-Connection-Id for the invoke endpoint.
func (s *Server) serveSSE(w http.ResponseWriter, r *http.Request, escapedHubPath string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	p, err := s.admit(r.Header, escapedHubPath, "sse")
	if err != nil {
		var he *hubError
		errors.As(err, &he)
		writeError(w, err.Error(), he.status)
		return
	}

	// Attach before the headers go out so that an invoke racing the first
	// frame finds the connection.
	s.open(p)
	defer s.closePeer(p)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set(hubclient.ConnectionIDHeader, p.id)
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	keepalive := time.NewTicker(s.cfg.KeepAlive)
	defer keepalive.Stop()

	for {
		select {
		case f := <-p.out:
			data, err := json.Marshal(f)
			if err != nil {
				s.logger.Error("failed to encode frame", "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-p.done:
			return
		case <-r.Context().Done():
			return
		}
	}
}

// serveSSEInvoke runs one invocation for the SSE connection named by
// X-Connection-Id and answers with its completion.
func (s *Server) serveSSEInvoke(w http.ResponseWriter, r *http.Request, escapedHubPath string) {
	id, err := s.auth.authenticate(r.Header)
	if err != nil {
		writeError(w, err.Error(), http.StatusUnauthorized)
		return
	}
	route, err := parseHubRoute(escapedHubPath)
	if err != nil {
		writeError(w, err.Error(), http.StatusNotFound)
		return
	}
	p, ok := s.router.lookup(r.Header.Get(hubclient.ConnectionIDHeader))
	if !ok || p.userID != id.UserID || p.path != route.path {
		writeError(w, "unknown connection", http.StatusNotFound)
		return
	}

	var f hubclient.Frame
	if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
		writeError(w, "Invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}
	if f.Type != hubclient.FrameInvoke {
		writeError(w, "expected an invoke frame", http.StatusBadRequest)
		return
	}
	writeJSON(w, s.invoke(r.Context(), p, f), http.StatusOK)
}
