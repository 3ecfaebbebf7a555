package pushkeyservice

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-microservice-base/pkg/microservice"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"

	"github.com/tinywideclouds/go-pushkey-service/internal/api"
	"github.com/tinywideclouds/go-pushkey-service/internal/pipeline"
	"github.com/tinywideclouds/go-pushkey-service/pkg/pushkey"
	"github.com/tinywideclouds/go-pushkey-service/pushkeyservice/config"
)

// Closer is implemented by dispatchers that hold pooled connections.
type Closer interface {
	Close()
}

type Wrapper struct {
	*microservice.BaseServer
	pipelineService *messagepipeline.StreamingService[pipeline.PushCommand]
	metricsServer   *http.Server
	dispatcher      pushkey.Dispatcher
	logger          *slog.Logger
}

// Option customizes the assembled service.
type Option func(*Wrapper)

// WithMetricsHandler serves h on cfg.MetricsAddr alongside the API.
func WithMetricsHandler(addr string, h http.Handler) Option {
	return func(w *Wrapper) {
		if addr == "" || h == nil {
			return
		}
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", h)
		w.metricsServer = &http.Server{Addr: addr, Handler: mux}
	}
}

// New assembles the service. consumer may be nil, in which case queued push
// ingestion is disabled and only the HTTP API runs.
func New(
	cfg *config.Config,
	directory api.Directory,
	dispatcher pushkey.Dispatcher,
	consumer messagepipeline.MessageConsumer,
	logger *slog.Logger,
	opts ...Option,
) (*Wrapper, error) {

	// 1. Base Server
	baseServer := microservice.NewBaseServer(logger, cfg.ListenAddr)

	w := &Wrapper{
		BaseServer: baseServer,
		dispatcher: dispatcher,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(w)
	}

	// 2. Pipeline (optional)
	if consumer != nil {
		processor := pipeline.NewProcessor(directory, dispatcher, cfg.Category, logger)
		streamingService, err := messagepipeline.NewStreamingService(
			messagepipeline.StreamingServiceConfig{NumWorkers: cfg.NumPipelineWorkers},
			consumer,
			pipeline.PushCommandTransformer,
			processor,
			logger,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create streaming service: %w", err)
		}
		w.pipelineService = streamingService
	}

	// 3. API
	keyAPI := api.NewKeyAPI(directory, dispatcher, cfg.Category, logger)
	corsMiddleware := middleware.NewCorsMiddleware(cfg.CorsConfig, logger)

	// The push routes start with a wildcard segment, so they live on their own
	// mux behind the catch-all instead of next to the base server's probes.
	baseServer.Mux().Handle("/", corsMiddleware(keyAPI.Routes()))

	return w, nil
}

func (w *Wrapper) Start(ctx context.Context) error {
	if w.pipelineService != nil {
		w.logger.Info("Core processing pipeline starting...")
		if err := w.pipelineService.Start(ctx); err != nil {
			return fmt.Errorf("failed to start processing service: %w", err)
		}
	}
	if w.metricsServer != nil {
		go func() {
			w.logger.Info("Metrics server listening", "addr", w.metricsServer.Addr)
			if err := w.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				w.logger.Error("Metrics server failed", "err", err)
			}
		}()
	}
	w.SetReady(true)
	w.logger.Info("Service is now ready.")
	return w.BaseServer.Start()
}

func (w *Wrapper) Shutdown(ctx context.Context) error {
	w.logger.Info("Shutting down service components...")
	var finalErr error
	if w.pipelineService != nil {
		if err := w.pipelineService.Stop(ctx); err != nil {
			w.logger.Error("Processing pipeline shutdown failed.", "err", err)
			finalErr = err
		}
	}
	if err := w.BaseServer.Shutdown(ctx); err != nil {
		w.logger.Error("HTTP server shutdown failed.", "err", err)
		finalErr = err
	}
	if w.metricsServer != nil {
		if err := w.metricsServer.Shutdown(ctx); err != nil {
			w.logger.Error("Metrics server shutdown failed.", "err", err)
			finalErr = err
		}
	}
	if c, ok := w.dispatcher.(Closer); ok {
		c.Close()
	}
	w.logger.Info("Service shutdown complete.")
	return finalErr
}
