package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	server "caption-sky/server"
	"caption-sky/server/internal/config"
	"caption-sky/server/internal/flight"
	servernet "caption-sky/server/internal/net"
	"caption-sky/server/internal/net/proto"
	"caption-sky/server/internal/source"
	"caption-sky/server/internal/telemetry"
	"caption-sky/server/logging"
	loggingSinks "caption-sky/server/logging/sinks"
)

type Options struct {
	Config config.Config
	Logger *zap.Logger
	// Listener overrides Config.Server.Addr when set.
	Listener net.Listener
}

// Run serves the caption sky until ctx ends or a component fails.
func Run(ctx context.Context, opts Options) error {
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		built, err := telemetry.NewLogger(cfg.Logging.Level)
		if err != nil {
			return err
		}
		defer built.Sync()
		logger = built
	}
	telemetryLogger := telemetry.WrapZap(logger)

	router, err := newRouter(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to construct logging router: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if cerr := router.Close(closeCtx); cerr != nil {
			telemetryLogger.Printf("failed to close logging router: %v", cerr)
		}
	}()

	src, closer, err := openSource(ctx, cfg.Source)
	if err != nil {
		return fmt.Errorf("failed to open caption source: %w", err)
	}
	defer closer.Close()

	hub := server.NewHub(server.HubConfig{
		RotationInterval: cfg.RotationInterval(),
		Controls:         cfg.Controls(),
		Source:           src,
		Logger:           telemetryLogger,
		Publisher:        logging.WithFields(router, map[string]any{"source": sourceKind(cfg.Source)}),
	})

	handler := servernet.NewHTTPHandler(hub, servernet.HTTPHandlerConfig{
		Logger:        telemetryLogger,
		Observability: cfg.Observability,
		ReloadLimiter: rate.NewLimiter(rate.Every(cfg.ReloadInterval()), cfg.Reload.Burst),
		Events:        router,
	})
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := hub.Reload(gctx); err != nil {
			logger.Warn("initial caption load failed", zap.Error(err))
		}
		return nil
	})

	g.Go(func() error {
		hub.RunRotation(gctx)
		return nil
	})

	if file, ok := watchable(src); ok && cfg.Source.Watch {
		g.Go(func() error {
			return file.Watch(gctx, func() {
				logger.Info("caption file changed, reloading", zap.String("path", cfg.Source.Path))
				if err := hub.ForceReload(gctx); err != nil {
					logger.Warn("caption reload failed", zap.Error(err))
				}
			})
		})
	}

	g.Go(func() error {
		var err error
		if opts.Listener != nil {
			logger.Info("server listening", zap.String("addr", opts.Listener.Addr().String()))
			err = srv.Serve(opts.Listener)
		} else {
			logger.Info("server listening", zap.String("addr", srv.Addr))
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
		defer cancel()
		hub.Close()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		logger.Info("server stopped")
		return nil
	})

	return g.Wait()
}

// SnapshotOptions drive a one-off render without the HTTP server.
type SnapshotOptions struct {
	Ticks    int
	Controls *flight.Controls
}

// Snapshot loads captions once, applies the requested rotation ticks and
// returns the resulting frame.
func Snapshot(ctx context.Context, cfg config.Config, opts SnapshotOptions) (proto.StateV1, error) {
	srcCfg := cfg.Source
	srcCfg.CacheTTL = ""
	src, closer, err := openSource(ctx, srcCfg)
	if err != nil {
		return proto.StateV1{}, fmt.Errorf("failed to open caption source: %w", err)
	}
	defer closer.Close()

	controls := cfg.Controls()
	if opts.Controls != nil {
		controls = *opts.Controls
	}
	hub := server.NewHub(server.HubConfig{
		RotationInterval: cfg.RotationInterval(),
		Controls:         controls,
		Source:           src,
	})
	if err := hub.Reload(ctx); err != nil {
		return proto.StateV1{}, err
	}
	hub.Advance(opts.Ticks)
	return hub.Frame(), nil
}

func newRouter(cfg config.Config, logger *zap.Logger) (*logging.Router, error) {
	eventCfg := cfg.EventConfig()

	var named []logging.NamedSink
	if eventCfg.HasSink("console") {
		named = append(named, logging.NamedSink{
			Name: "console",
			Sink: loggingSinks.NewConsole(logger.Named("events")),
		})
	}
	if eventCfg.HasSink("json") {
		file, err := os.OpenFile(eventCfg.JSON.FilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open event log: %w", err)
		}
		named = append(named, logging.NamedSink{
			Name: "json",
			Sink: loggingSinks.NewJSON(file, eventCfg.JSON.FlushInterval),
		})
	}
	return logging.NewRouter(eventCfg, logger.Named("logging"), named), nil
}

// openSource opens the configured source, preparing the table of a local
// database so a fresh file serves an empty sky.
func openSource(ctx context.Context, cfg source.Config) (source.Source, io.Closer, error) {
	src, closer, err := source.Open(cfg)
	if err != nil {
		return nil, nil, err
	}
	if db, ok := unwrap(src).(*source.SQLite); ok {
		if err := db.EnsureSchema(ctx); err != nil {
			closer.Close()
			return nil, nil, err
		}
	}
	return src, closer, nil
}

func watchable(src source.Source) (*source.File, bool) {
	file, ok := unwrap(src).(*source.File)
	return file, ok
}

func unwrap(src source.Source) source.Source {
	if cached, ok := src.(*source.Cached); ok {
		return cached.Unwrap()
	}
	return src
}

func sourceKind(cfg source.Config) string {
	if cfg.Kind == "" {
		return source.KindNone
	}
	return cfg.Kind
}
