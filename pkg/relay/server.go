package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/zachfi/fmdx/pkg/fmdx"
)

const (
	// ContentType of the restreamed audio.
	ContentType = "audio/aac"
	// DefaultStreamPath is the fixed HTTP path clients request.
	DefaultStreamPath = "/stream.aac"
	// DefaultClientTimeout closes a client that received no chunk for this
	// long; it is stalled or orphaned.
	DefaultClientTimeout = 30 * time.Second
)

// Server accepts stream clients on one TCP port and bridges each to a relay
// sink.
type Server struct {
	logger        *slog.Logger
	relay         *Relay
	addr          string
	path          string
	clientTimeout time.Duration

	httpSrv *http.Server
}

// NewServer creates the client-facing stream server.
func NewServer(logger *slog.Logger, r *Relay, addr, path string, clientTimeout time.Duration) *Server {
	if path == "" {
		path = DefaultStreamPath
	}
	if clientTimeout <= 0 {
		clientTimeout = DefaultClientTimeout
	}
	return &Server{
		logger:        logger.With("module", "streamserver"),
		relay:         r,
		addr:          addr,
		path:          path,
		clientTimeout: clientTimeout,
	}
}

// Run binds the listening port and serves until ctx is cancelled. A port
// conflict is reported as feature-fatal for streaming, never as an
// application-wide failure.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return fmdx.FeatureError("streaming", fmt.Errorf("port already in use: %w", err))
		}
		return fmt.Errorf("stream listener: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve runs the HTTP server on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	mux := http.NewServeMux()
	mux.HandleFunc(s.path, s.handleStream)

	s.httpSrv = &http.Server{Handler: mux}

	done := make(chan error, 1)
	go func() {
		done <- s.httpSrv.Serve(ln)
	}()

	s.logger.Info("stream server listening", "addr", ln.Addr().String(), "path", s.path)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.httpSrv.Shutdown(shutdownCtx)
		<-done
		return ctx.Err()
	case err := <-done:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// URL returns the client-facing path suffix, for status lines.
func (s *Server) URL() string { return s.addr + s.path }

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", ContentType)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sink := s.relay.Subscribe()
	defer s.relay.Unsubscribe(sink)

	s.logger.Debug("stream client connected", "remote", r.RemoteAddr)
	defer s.logger.Debug("stream client disconnected", "remote", r.RemoteAddr)

	timeout := time.NewTimer(s.clientTimeout)
	defer timeout.Stop()

	for {
		select {
		case chunk := <-sink.Next():
			if chunk == nil {
				// Producer ended; close out this client cleanly.
				return
			}
			if _, err := w.Write(chunk); err != nil {
				return
			}
			flusher.Flush()
			if !timeout.Stop() {
				<-timeout.C
			}
			timeout.Reset(s.clientTimeout)
		case <-timeout.C:
			s.logger.Debug("stream client stalled", "remote", r.RemoteAddr)
			return
		case <-r.Context().Done():
			return
		}
	}
}
