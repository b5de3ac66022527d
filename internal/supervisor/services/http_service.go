// Trailwatch - Tourist Movement Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/trailwatch

package services

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// HTTPServer is the part of *http.Server the service drives.
type HTTPServer interface {
	Serve(l net.Listener) error
	Shutdown(ctx context.Context) error
}

// HTTPService runs the API server under supervision. It binds its own
// listener on every start so a restart after a bind failure retries the
// address.
type HTTPService struct {
	server          HTTPServer
	addr            string
	shutdownTimeout time.Duration
	logger          zerolog.Logger

	mu    sync.Mutex
	bound net.Addr
}

// NewHTTPService creates the service. addr is a host:port for net.Listen.
//
//nolint:gocritic // logger passed by value is acceptable for zerolog
func NewHTTPService(server HTTPServer, addr string, shutdownTimeout time.Duration, logger zerolog.Logger) *HTTPService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &HTTPService{
		server:          server,
		addr:            addr,
		shutdownTimeout: shutdownTimeout,
		logger:          logger.With().Str("service", "http").Logger(),
	}
}

// Addr returns the bound address while serving, or nil.
func (h *HTTPService) Addr() net.Addr {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.bound
}

func (h *HTTPService) setBound(a net.Addr) {
	h.mu.Lock()
	h.bound = a
	h.mu.Unlock()
}

// Serve implements suture.Service. It returns ctx.Err() after a graceful
// shutdown and a wrapped error if binding or serving fails.
func (h *HTTPService) Serve(ctx context.Context) error {
	var lc net.ListenConfig
	l, err := lc.Listen(ctx, "tcp", h.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", h.addr, err)
	}
	h.setBound(l.Addr())
	defer h.setBound(nil)
	h.logger.Info().Str("addr", l.Addr().String()).Msg("http server listening")

	errCh := make(chan error, 1)
	go func() {
		if err := h.server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok && err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil

	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
		defer cancel()
		if err := h.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown failed: %w", err)
		}
		<-errCh
		h.logger.Info().Msg("http server stopped")
		return ctx.Err()
	}
}

// String implements fmt.Stringer for suture's event log.
func (h *HTTPService) String() string {
	return "http-server"
}
