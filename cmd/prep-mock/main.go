package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rendysusiloyanto/rendy-test-sub000/internal/config"
	"github.com/rendysusiloyanto/rendy-test-sub000/internal/logging"
	"github.com/rendysusiloyanto/rendy-test-sub000/internal/mockserver"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML or TOML config file")
	port := flag.Int("port", 0, "Override server port")
	dev := flag.Bool("dev", false, "Development logging and gin debug mode")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}
	if *dev {
		cfg.Logging.Development = true
	}

	log, err := logging.New(cfg.Logging.Zap())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("mock backend stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	srv := mockserver.New(mockserver.Options{
		Tokens:         cfg.Server.Tokens,
		ChatQuota:      cfg.Server.ChatQuota,
		TickInterval:   cfg.Server.TickInterval,
		StepDelay:      cfg.Server.StepDelay,
		ChunkDelay:     cfg.Server.ChunkDelay,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Development:    cfg.Logging.Development,
		Logger:         log,
		Registry:       reg,
	})
	httpSrv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return srv.Feed().Run(ctx) })
	g.Go(func() error {
		log.Info("mock backend listening",
			zap.String("addr", httpSrv.Addr),
			zap.Int("chat_quota", cfg.Server.ChatQuota),
			zap.Bool("open_auth", len(cfg.Server.Tokens) == 0),
		)
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
