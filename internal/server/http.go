// Package server assembles the HTTP surface: the websocket rendezvous
// endpoint, a health probe, and lifecycle management for the listener.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/0patch/magic-wormhole/internal/handler/ws"
)

// HTTPServer runs the rendezvous listener.
type HTTPServer struct {
	log *slog.Logger
	srv *http.Server

	group  *errgroup.Group
	cancel context.CancelFunc
}

// NewHTTPServer builds the router and server for addr. The websocket
// endpoint is mounted at /v1, matching the upstream relay URL scheme.
func NewHTTPServer(log *slog.Logger, addr string, wsHandler *ws.Handler) *HTTPServer {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Get("/v1", wsHandler.ServeHTTP)

	return &HTTPServer{
		log: log,
		srv: &http.Server{
			Addr:              addr,
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start begins serving in the background and returns once the listener
// goroutine is launched.
func (h *HTTPServer) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.group, _ = errgroup.WithContext(ctx)
	h.group.Go(func() error {
		h.log.Info("listening", "addr", h.srv.Addr)
		if err := h.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
}

// Shutdown drains the listener.
func (h *HTTPServer) Shutdown(ctx context.Context) error {
	if h.cancel != nil {
		h.cancel()
	}
	if err := h.srv.Shutdown(ctx); err != nil {
		return err
	}
	if h.group != nil {
		return h.group.Wait()
	}
	return nil
}
