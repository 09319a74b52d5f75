package main

import (
	"context"
	stdErrors "errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/warplock/v1/config"
	"github.com/mirkobrombin/warplock/v1/logging"
	"github.com/mirkobrombin/warplock/v1/metrics"
	"github.com/mirkobrombin/warplock/v1/notify"
	"github.com/mirkobrombin/warplock/v1/registry"
	"github.com/mirkobrombin/warplock/v1/router"
	"github.com/mirkobrombin/warplock/v1/server"
)

func newRootCommand() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:           "warplockd",
		Short:         "In-memory lock and pub/sub coordination server",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       server.Version,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			logger, err := logging.New(logging.Options{Level: cfg.LogLevel, Development: cfg.LogDevelopment})
			if err != nil {
				return err
			}
			return run(logging.IntoContext(cmd.Context(), logger), cfg)
		},
	}
	config.RegisterFlags(cmd.Flags())
	cobra.CheckErr(config.BindViper(v, cmd.Flags()))
	return cmd
}

// run wires the core and serves until ctx is cancelled.
func run(ctx context.Context, cfg config.Config) error {
	log := logging.FromContext(ctx)

	if cfg.TraceStdout {
		shutdown, err := setupTracing()
		if err != nil {
			return fmt.Errorf("tracing: %w", err)
		}
		defer shutdown()
	}

	promReg := metrics.NewRegistry()
	metrics.RegisterMetrics(promReg)

	mirror, err := newMirror(ctx, cfg, log)
	if err != nil {
		return err
	}

	reg := registry.New()
	index := registry.NewIndex()
	notifier := notify.New(
		notify.WithWorkers(cfg.NotifyWorkers),
		notify.WithLogger(log.WithName("notify")),
	)
	defer notifier.Close()

	routerOpts := []router.Option{
		router.WithLogger(log.WithName("router")),
		router.WithLegacyRetryNewline(cfg.LegacyRetryNewline),
	}
	if mirror != nil {
		routerOpts = append(routerOpts, router.WithEvents(mirror))
	}
	rt := router.New(reg, index, notifier, routerOpts...)

	srv := server.New(rt, notifier,
		server.WithLogger(log.WithName("server")),
		server.WithMaxConnections(cfg.MaxConnections),
		server.WithReadTimeout(cfg.ReadTimeout),
		server.WithWriteTimeout(cfg.WriteTimeout),
		server.WithMaxLineBytes(cfg.MaxLineBytes),
	)

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		if mirror != nil {
			_ = mirror.Close(context.Background())
		}
		return err
	}

	var httpServers []*http.Server
	if cfg.WSListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/ws", srv.WebSocketHandler())
		httpServers = append(httpServers, &http.Server{Addr: cfg.WSListen, Handler: mux, ReadHeaderTimeout: 10 * time.Second})
	}
	if cfg.AdminListen != "" {
		httpServers = append(httpServers, &http.Server{Addr: cfg.AdminListen, Handler: server.AdminHandler(reg, promReg, srv), ReadHeaderTimeout: 10 * time.Second})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(gctx, ln); err != nil && !stdErrors.Is(err, server.ErrServerClosed) {
			return err
		}
		return nil
	})
	for _, hs := range httpServers {
		hs := hs
		g.Go(func() error {
			log.Info("http listening", "addr", hs.Addr)
			if err := hs.ListenAndServe(); err != nil && !stdErrors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down", "timeout", cfg.ShutdownTimeout)
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		var errs []error
		for _, hs := range httpServers {
			errs = append(errs, hs.Shutdown(sctx))
		}
		if err := srv.Shutdown(sctx); err != nil {
			errs = append(errs, fmt.Errorf("tcp shutdown: %w", err))
		}
		if mirror != nil {
			if err := mirror.Close(sctx); err != nil {
				errs = append(errs, fmt.Errorf("mirror close: %w", err))
			}
		}
		return stdErrors.Join(errs...)
	})

	err = g.Wait()
	log.Info("stopped", "keys", reg.Len())
	return err
}

func setupTracing() (func(), error) {
	exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
	otel.SetTracerProvider(tp)
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(ctx)
	}, nil
}
