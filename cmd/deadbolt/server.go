package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/kneutral-org/deadbolt/internal/logging"
	"github.com/kneutral-org/deadbolt/internal/metrics"
)

const shutdownTimeout = 5 * time.Second

// withMetrics runs work, serving /metrics and /health on addr alongside it
// when addr is set. The server stops when work returns.
func (a *app) withMetrics(ctx context.Context, addr string, logger zerolog.Logger, status func() map[string]any, work func(ctx context.Context) error) error {
	if addr == "" {
		return work(ctx)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return work(gctx)
	})
	g.Go(func() error {
		return serveMetrics(gctx, addr, newRouter(logger, status), logger)
	})
	return g.Wait()
}

func newRouter(logger zerolog.Logger, status func() map[string]any) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(logging.RequestLogger(logger))

	router.GET("/health", func(c *gin.Context) {
		body := gin.H{"status": "healthy"}
		for k, v := range status() {
			body[k] = v
		}
		c.JSON(http.StatusOK, body)
	})
	metrics.RegisterMetricsEndpoint(router)

	return router
}

// serveMetrics serves handler on addr until ctx is done.
func serveMetrics(ctx context.Context, addr string, handler http.Handler, logger zerolog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("starting metrics server")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("metrics server shutdown: %w", err)
	}
	<-errCh
	return nil
}
