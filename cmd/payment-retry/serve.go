package main

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	retry "github.com/TimKotowski/pg-payment-retry"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the retry scheduler with metrics and health endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig()
			if err != nil {
				return err
			}

			app := fx.New(
				fx.Supply(cfg),
				fx.Provide(
					NewLogger,
					func(cfg Config, logger *slog.Logger) *retry.Config {
						return cfg.RetryConfig(logger)
					},
					NewProcessor,
					NewRetrier,
					NewHTTPServer,
				),
				fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
					return &fxevent.SlogLogger{Logger: logger}
				}),
				fx.Invoke(
					registerNotifiers,
					startRetrier,
					startServer,
				),
			)

			if err := app.Start(cmd.Context()); err != nil {
				return errors.Wrap(err, "starting payment retry service")
			}

			<-app.Done()

			stopCtx, cancel := context.WithTimeout(context.WithoutCancel(cmd.Context()), time.Minute)
			defer cancel()
			return app.Stop(stopCtx)
		},
	}
}

func NewProcessor(cfg Config) retry.PaymentProcessor {
	return retry.NewHTTPProcessor(cfg.ProcessorURL, cfg.ProcessTimeout)
}

func NewRetrier(conf *retry.Config, processor retry.PaymentProcessor) (*retry.Retrier, error) {
	return retry.NewFromConfig(conf, processor)
}

func registerNotifiers(cfg Config, r *retry.Retrier, logger *slog.Logger) {
	r.RegisterNotifier(retry.NewLogNotifier(logger))
	if cfg.WebhookURL != "" {
		r.RegisterNotifier(retry.NewWebhookNotifier(cfg.WebhookURL, &http.Client{Timeout: cfg.NotifyTimeout}))
	}
}

func startRetrier(lc fx.Lifecycle, r *retry.Retrier) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return r.Init(ctx)
		},
		OnStop: func(_ context.Context) error {
			return r.Close()
		},
	})
}

func NewHTTPServer(cfg Config) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func startServer(lc fx.Lifecycle, srv *http.Server, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return errors.Wrapf(err, "listening on %s", srv.Addr)
			}
			logger.Info("serving health and metrics", "address", srv.Addr)
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("http server stopped", "error", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}
