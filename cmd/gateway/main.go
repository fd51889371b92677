// Package main provides the entry point for the xling gateway: a multi-
// provider AI API proxy that load-balances requests across configured
// providers and translates between OpenAI Chat Completions, OpenAI Responses
// and Anthropic Messages wire dialects.
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

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/xling/gateway/internal/balancer"
	"github.com/xling/gateway/internal/config"
	"github.com/xling/gateway/internal/eventstore"
	"github.com/xling/gateway/internal/gateway"
	"github.com/xling/gateway/internal/logging"
	"github.com/xling/gateway/internal/watcher"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	fmt.Printf("xling gateway %s (%s, built %s)\n", Version, Commit, BuildDate)

	var configPath string
	var logLevel string
	var logFile string
	var host string
	var port int

	flag.StringVar(&configPath, "config", "config.yaml", "Configuration file path")
	flag.StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	flag.StringVar(&logFile, "log-file", "", "Log file path (stdout if empty)")
	flag.StringVar(&host, "host", "", "Override proxy.host from the config file")
	flag.IntVar(&port, "port", 0, "Override proxy.port from the config file")

	flag.CommandLine.Usage = func() {
		out := flag.CommandLine.Output()
		_, _ = fmt.Fprintf(out, "Usage of %s\n", os.Args[0])
		flag.CommandLine.VisitAll(func(f *flag.Flag) {
			s := fmt.Sprintf("  -%s", f.Name)
			name, unquoteUsage := flag.UnquoteUsage(f)
			if name != "" {
				s += " " + name
			}
			s += "\n    "
			if unquoteUsage != "" {
				s += unquoteUsage
			}
			if f.DefValue != "" && f.DefValue != "0" {
				s += fmt.Sprintf(" (default %s)", f.DefValue)
			}
			_, _ = fmt.Fprint(out, s+"\n")
		})
	}
	flag.Parse()

	_ = godotenv.Load()
	logging.Setup(logging.Options{Level: logLevel, FilePath: logFile})

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("load config %s: %v", configPath, err)
	}
	if host != "" {
		cfg.Proxy.Host = host
	}
	if port != 0 {
		cfg.Proxy.Port = port
	}

	store := config.NewStore(cfg)
	bal := balancer.New(cfg.Providers, cfg.Proxy.LoadBalance)
	events := eventstore.New(eventstore.Options{
		CaptureBodies: cfg.Proxy.CaptureBodies,
		MaxRecords:    cfg.Proxy.MaxRecords,
		MaxBodyBytes:  cfg.Proxy.MaxBodyBytes,
	})

	w, err := watcher.New(configPath, store, func(reloaded *config.Config) {
		bal.Reconcile(reloaded.Providers, reloaded.Proxy.LoadBalance)
		log.WithField("providers", len(reloaded.Providers)).Info("configuration reloaded")
	})
	if err != nil {
		log.Fatalf("start config watcher: %v", err)
	}
	if err := w.Start(); err != nil {
		log.Fatalf("start config watcher: %v", err)
	}
	defer w.Stop()

	gw := gateway.New(store, bal, events, gateway.Options{})

	addr := fmt.Sprintf("%s:%d", cfg.Proxy.Host, cfg.Proxy.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           gw.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.WithField("addr", addr).Info("gateway listening")
		if errServe := srv.ListenAndServe(); errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
			log.Fatalf("gateway server failed: %v", errServe)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("graceful shutdown failed: %v", err)
	}
}
