package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/chinmina/wechat-bridge/internal/config"
)

// Serve listens on server.Addr and serves until ctx is cancelled or the
// process receives SIGINT or SIGTERM. See ServeListener.
func Serve(ctx context.Context, cfg config.ServerConfig, server *http.Server, hooks *ShutdownHooks) error {
	listener, err := net.Listen("tcp", server.Addr)
	if err != nil {
		return fmt.Errorf("server: listen failed: %w", err)
	}

	return ServeListener(ctx, cfg, server, listener, hooks)
}

// ServeListener serves on listener until ctx is done or a termination signal
// arrives. In-flight requests are given the configured shutdown timeout to
// complete, after which the shutdown hooks run with whatever time remains.
func ServeListener(ctx context.Context, cfg config.ServerConfig, server *http.Server, listener net.Listener, hooks *ShutdownHooks) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	serverErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", listener.Addr().String()).Msg("server: listening")

		err := server.Serve(listener)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		serverErr <- err
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server: serve failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	stop()
	log.Info().Dur("timeout", cfg.ShutdownTimeout()).Msg("server: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout())
	defer cancel()

	err := server.Shutdown(shutdownCtx)
	if err != nil {
		log.Warn().Err(err).Msg("server: connections did not drain before the deadline")
	}

	if hooks != nil {
		if hookErr := hooks.Execute(shutdownCtx); hookErr != nil {
			log.Warn().Err(hookErr).Msg("server: shutdown hooks reported failures")
		}
	}

	if serveErr := <-serverErr; serveErr != nil {
		err = errors.Join(err, serveErr)
	}

	if err != nil {
		return fmt.Errorf("server: shutdown failed: %w", err)
	}

	log.Info().Msg("server: shutdown complete")
	return nil
}
