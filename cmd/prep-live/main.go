package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/go-resty/resty/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/rendysusiloyanto/rendy-test-sub000/internal/app"
	"github.com/rendysusiloyanto/rendy-test-sub000/internal/chat"
	"github.com/rendysusiloyanto/rendy-test-sub000/internal/config"
	"github.com/rendysusiloyanto/rendy-test-sub000/internal/credential"
	"github.com/rendysusiloyanto/rendy-test-sub000/internal/logging"
	"github.com/rendysusiloyanto/rendy-test-sub000/internal/metrics"
	"github.com/rendysusiloyanto/rendy-test-sub000/internal/telemetry"
	"github.com/rendysusiloyanto/rendy-test-sub000/internal/testrun"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML or TOML config file")
	token := flag.String("token", "", "Portal auth token (overrides config and PREP_AUTH_TOKEN)")
	logPath := flag.String("log", "", "Write logs to this file; the terminal is owned by the UI")
	lab := flag.String("lab", "", "JSON run config sent with every lab check run")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *token != "" {
		cfg.Auth.Token = *token
	}

	var runConfig any
	if *lab != "" {
		if err := json.Unmarshal([]byte(*lab), &runConfig); err != nil {
			fmt.Fprintf(os.Stderr, "Invalid -lab: %v\n", err)
			os.Exit(1)
		}
	}

	log := logging.NewNop()
	if *logPath != "" {
		lc := cfg.Logging.Zap()
		lc.OutputPaths = []string{*logPath}
		if log, err = logging.New(lc); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to build logger: %v\n", err)
			os.Exit(1)
		}
	}
	defer log.Sync()

	if err := run(cfg, runConfig, log); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, runConfig any, log *zap.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	m := metrics.New(reg)
	if cfg.Metrics.Addr != "" {
		srv := &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				log.Warn("metrics listener stopped", zap.Error(err))
			}
		}()
		defer srv.Close()
	}

	creds := credential.Static(cfg.Auth.Token)
	bridge := app.NewBridge(256)

	runOpts := testrun.Options{
		URL:            cfg.TestRunURL(),
		Credentials:    creds,
		ConnectTimeout: cfg.TestRun.ConnectTimeout,
		Logger:         log,
		Metrics:        m,
	}
	bridge.WireTestRun(&runOpts)

	chatOpts := chat.Options{
		URL:            cfg.ChatURL(),
		Client:         resty.New().SetLogger(log.Sugar()).SetTimeout(0),
		Credentials:    creds,
		FlushInterval:  cfg.Chat.FlushInterval,
		RevealInterval: cfg.Chat.RevealInterval,
		RevealStep:     cfg.Chat.RevealStep,
		Logger:         log,
		Metrics:        m,
	}
	bridge.WireChat(&chatOpts)

	feedOpts := telemetry.Options{
		URL:            cfg.TelemetryURL(),
		Credentials:    creds,
		Entitlement:    telemetry.NewHTTPEntitlement(cfg.EntitlementURL(), creds, log),
		ConnectTimeout: cfg.Telemetry.ConnectTimeout,
		Policy:         cfg.Telemetry.Policy(),
		PingInterval:   cfg.Telemetry.PingInterval,
		Logger:         log,
		Metrics:        m,
	}
	bridge.WireTelemetry(&feedOpts)

	runner := testrun.New(runOpts)
	defer runner.Reset()
	feed := telemetry.New(feedOpts)
	defer feed.Unsubscribe()

	log.Info("client starting",
		zap.String("api", cfg.API.BaseURL),
		zap.Bool("signed_in", cfg.Auth.Token != ""),
	)

	model := app.New(app.Deps{
		Runner:    runner,
		Chat:      chat.New(chatOpts),
		Feed:      feed,
		Bridge:    bridge,
		RunConfig: runConfig,
	})
	_, err := tea.NewProgram(model, tea.WithAltScreen()).Run()
	bridge.Close()
	return err
}
