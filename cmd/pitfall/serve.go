package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/discochess/pitfall"
	"github.com/discochess/pitfall/fx/pitfallfx"
	"github.com/discochess/pitfall/internal/config"
	"github.com/discochess/pitfall/internal/httpapi"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Long: `Serve job submission, progress and reports over HTTP.

Endpoints:
  POST /analyze              submit {"games": [...]}
  GET  /jobs/{id}            job progress and mistakes found so far
  GET  /jobs/{id}/report     grouped mistakes (?format=markdown, ?top=N)
  GET  /metrics              Prometheus metrics
  GET  /health               liveness`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("addr", ":8080", "listen address")
	bindFlags(serveCmd.Flags(), map[string]string{"server.addr": "addr"})
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	app := fx.New(
		fx.Supply(cfg, log),
		fxLogger(),
		fx.Provide(
			newRegistry,
			func(r *promclient.Registry) promclient.Registerer { return r },
		),
		pitfallfx.Module,
		fx.Provide(newHTTPServer),
		fx.Invoke(func(*http.Server) {}),
	)
	if err := app.Start(cmd.Context()); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}

	sig := <-app.Wait()
	log.Info("shutting down", zap.String("signal", sig.Signal.String()))

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return app.Stop(stopCtx)
}

func newRegistry() *promclient.Registry {
	r := promclient.NewRegistry()
	r.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

func newHTTPServer(lc fx.Lifecycle, c *config.Config, client *pitfall.Client, reg *promclient.Registry, logger *zap.Logger) *http.Server {
	api := httpapi.New(client,
		httpapi.WithLogger(logger),
		httpapi.WithMetrics(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})),
		httpapi.WithMaxGames(c.Server.MaxGames),
	)
	srv := &http.Server{
		Addr:         c.Server.Addr,
		Handler:      api.Handler(),
		ReadTimeout:  c.Server.ReadTimeout,
		WriteTimeout: c.Server.WriteTimeout,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return fmt.Errorf("listening on %s: %w", srv.Addr, err)
			}
			logger.Info("serving HTTP API",
				zap.String("addr", ln.Addr().String()),
				zap.String("invoker", c.Dispatch.Invoker),
				zap.String("jobStore", c.JobStore.Driver),
				zap.String("cache", c.Cache.Driver),
			)
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("HTTP server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
	return srv
}
