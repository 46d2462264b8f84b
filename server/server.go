// Package server exposes conversation views over WebSocket. Each connection
// owns one stream reducer; its snapshots and notifications are pushed to the
// client after every state change.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/m-mizutani/goerr/v2"

	"github.com/becomeliminal/nim-chat/annotate"
	"github.com/becomeliminal/nim-chat/core"
	"github.com/becomeliminal/nim-chat/logging"
	"github.com/becomeliminal/nim-chat/stream"
)

// Transport is a per-connection model backend.
type Transport interface {
	stream.Transport
	Attach(h stream.EventHandler)
	Close()
}

// History loads persisted conversations.
type History interface {
	ListMessages(ctx context.Context, conversationID string) ([]core.Message, error)
	SpaceOf(ctx context.Context, conversationID string) (string, error)
}

// Config configures a Server.
type Config struct {
	// NewTransport opens a transport for one connection. Required.
	NewTransport func() Transport

	// Memory enables annotation and vector recording of replies.
	Memory annotate.Memory

	// History seeds a view with persisted messages and resolves spaces.
	History History

	// Persister stores finalized messages.
	Persister annotate.Persister

	// SimilarLimit is the number of similar messages attached to a reply.
	SimilarLimit int

	// AllowedOrigins restricts WebSocket origins. Empty allows any origin.
	AllowedOrigins []string

	// WriteTimeout bounds each WebSocket write.
	WriteTimeout time.Duration
}

// Server serves /ws and /health.
type Server struct {
	config   Config
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*connection]struct{}
	wg    sync.WaitGroup
}

// New creates a Server.
func New(cfg Config) (*Server, error) {
	if cfg.NewTransport == nil {
		return nil, goerr.New("transport factory is required")
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	s := &Server{
		config: cfg,
		conns:  make(map[*connection]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s, nil
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("GET /health", s.handleHealth)
	return mux
}

// Run serves on addr until ctx is cancelled, then closes every connection
// and waits for pending memory writes.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 30 * time.Second,
		// Connections keep the logger but outlive ctx until Close.
		BaseContext: func(_ net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	errCh := make(chan error, 1)
	go func() {
		logging.From(ctx).Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- goerr.Wrap(err, "failed to start server", goerr.V("addr", addr))
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return goerr.Wrap(err, "failed to shutdown server gracefully")
	}
	s.Close()
	logging.From(ctx).Info("server shutdown completed")
	return nil
}

// Close closes every open connection and waits for their background work.
func (s *Server) Close() {
	s.mu.Lock()
	conns := make([]*connection, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
	s.wg.Wait()
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.config.AllowedOrigins) == 0 {
		return true
	}
	return slices.Contains(s.config.AllowedOrigins, r.Header.Get("Origin"))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.From(r.Context()).Warn("websocket upgrade failed", logging.ErrAttr(err))
		return
	}

	ctx := r.Context()
	q := r.URL.Query()
	c := newConnection(s, ws)

	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		c.close()
	}()

	c.serve(ctx, q.Get("conversationId"), q.Get("spaceId"))
}
