package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"autolink/pkg/connectivity"
	"autolink/pkg/node"
	"autolink/pkg/observability"
	"autolink/pkg/role"
)

const shutdownTimeout = 10 * time.Second

// runApp is the main entry point after CLI parsing.
func runApp(parent context.Context, opts Options, mode Mode) int {
	cfg, err := opts.loadConfig()
	if err != nil {
		return failf("failed to load config: %v", err)
	}
	if mode == ModeServer {
		cfg.Roles.Server = true
	}

	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		return failf("failed to setup logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	zap.L().Info("autolink started", zap.String("node", cfg.NodeName), zap.String("mode", string(mode)))
	zap.L().Debug("effective configuration", zap.Any("config", cfg))

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var reg *prometheus.Registry
	if cfg.Metrics.Enable {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		srv := serveMetrics(cfg.Metrics.Listen, reg)
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	nopts := node.Options{Logger: zap.L()}
	if reg != nil {
		nopts.Registerer = reg
	}
	n, err := node.New(cfg, nopts)
	if err != nil {
		zap.L().Error("failed to build node", zap.Error(err))
		return 1
	}

	var r role.Role
	switch mode {
	case ModeClient:
		r = n.Client
	case ModeServer:
		r = n.Server
	}

	if r == nil {
		n.Manager.StateChanged().Subscribe(func(s connectivity.State) {
			zap.L().Info("connection state", zap.Stringer("state", s))
		})
		if n.Chatter == nil {
			n.Manager.DataReceived().Subscribe(logData("node"))
		}
		n.Start(ctx)
	} else {
		r.ConnectionChanged().Subscribe(func(c role.ConnectionCount) {
			zap.L().Info("connections changed", zap.String("role", c.Role), zap.Int("count", c.Count))
		})
		r.DataReceived().Subscribe(logData(r.Name()))
		if err := r.Start(context.WithoutCancel(ctx)); err != nil {
			zap.L().Error("failed to start role", zap.String("role", r.Name()), zap.Error(err))
			return 1
		}
	}

	zap.L().Info("running; press Ctrl+C to exit", zap.String("instance", n.Instance))
	<-ctx.Done()
	zap.L().Info("shutting down")

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if r == nil {
		err = n.Stop(sctx)
	} else {
		err = r.Stop(sctx)
	}
	if err != nil {
		zap.L().Error("shutdown incomplete", zap.Error(err))
		return 1
	}
	return 0
}

func logData(source string) func([]byte) {
	return func(b []byte) {
		zap.L().Info("rx", zap.String("via", source), zap.Int("bytes", len(b)), zap.Binary("data", b))
	}
}

func serveMetrics(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zap.L().Error("metrics server failed", zap.String("addr", addr), zap.Error(err))
		}
	}()
	zap.L().Info("metrics listening", zap.String("addr", addr))
	return srv
}
