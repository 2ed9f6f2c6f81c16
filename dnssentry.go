package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/semihalev/zlog/v2"

	"dnssentry/alerting"
	"dnssentry/config"
	"dnssentry/detector"
	"dnssentry/engine"
	"dnssentry/enrich"
	"dnssentry/profiler"
	"dnssentry/querylog"
	"dnssentry/reputation"
	"dnssentry/store"
)

const version = "0.3.0"

var (
	flagcfgpath  = flag.String("config", "dnssentry.conf", "location of the config file, if config file not found, a config will generate")
	flagprintver = flag.Bool("v", false, "show version information")
)

func init() {
	runtime.GOMAXPROCS(runtime.NumCPU())

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [OPTIONS]\n\n", os.Args[0])
		fmt.Fprintln(os.Stderr, "Options:")
		flag.PrintDefaults()
		fmt.Fprintln(os.Stderr, "")
		fmt.Fprintln(os.Stderr, "Example:")
		fmt.Fprintf(os.Stderr, "%s -config=dnssentry.conf\n", os.Args[0])
		fmt.Fprintln(os.Stderr, "")
	}
}

func setup() *config.Config {
	cfg, err := config.Load(*flagcfgpath, version)
	if err != nil {
		zlog.Error("Config loading failed", "error", err.Error())
		os.Exit(1)
	}

	logger := zlog.NewStructured()
	logger.SetWriter(zlog.StdoutTerminal())
	switch cfg.LogLevel {
	case "debug":
		logger.SetLevel(zlog.LevelDebug)
	case "warn":
		logger.SetLevel(zlog.LevelWarn)
	case "error":
		logger.SetLevel(zlog.LevelError)
	default:
		logger.SetLevel(zlog.LevelInfo)
	}
	zlog.SetDefault(logger)

	return cfg
}

func run(ctx context.Context, cfg *config.Config) error {
	logs, err := querylog.Open(cfg.QueryLogDB)
	if err != nil {
		return err
	}
	defer logs.Close()

	st, err := store.Open(cfg.AnalyticsDB)
	if err != nil {
		return err
	}
	defer st.Close()

	scorer := reputation.NewScorer(cfg, st)
	if cfg.TrustedFile != "" {
		if err := scorer.WatchTrustedFile(ctx); err != nil {
			zlog.Warn("Trusted domains watch failed", "file", cfg.TrustedFile, "error", err.Error())
		}
	}

	alerts := alerting.NewManager(cfg, st)

	var hub *alerting.Hub
	if cfg.Bind != "" {
		hub = alerting.NewHub()
		alerts.AttachSink(hub)
	}

	var enricher enrich.Service
	if cfg.EnrichURL != "" {
		enricher = enrich.NewHTTPService(cfg)
	}

	eng := engine.New(cfg, engine.Deps{
		Source:   logs,
		Store:    st,
		Scorer:   scorer,
		Detector: detector.New(cfg),
		Profiler: profiler.New(cfg, st, logs),
		Alerts:   alerts,
		Enricher: enricher,
	}, prometheus.DefaultRegisterer)

	if cfg.Bind != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.Handle("/alerts/ws", hub)

		srv := &http.Server{
			Addr:         cfg.Bind,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
		}

		go func() {
			zlog.Info("HTTP listener started", "bind", cfg.Bind)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				zlog.Error("HTTP listener failed", "error", err.Error())
			}
		}()

		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	return eng.Run(ctx)
}

func main() {
	flag.Parse()

	if *flagprintver {
		println("DNSSentry v" + version)
		os.Exit(0)
	}

	cfg := setup()

	zlog.Info("Starting dnssentry...", "version", version)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		zlog.Error("Engine failed", "error", err.Error())
		os.Exit(1)
	}

	zlog.Info("Stopping dnssentry...")
}
