// Command vsoa-brokerd runs the VSOA broker: the TCP/unix session
// server, the real-time tag database, the WebSocket push bridge, and a
// Prometheus metrics endpoint, wired together and driven to a graceful
// stop on SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/fieldforge/vsoa/internal/config"
	"github.com/fieldforge/vsoa/internal/metrics"
	"github.com/fieldforge/vsoa/internal/timer"
	"github.com/fieldforge/vsoa/pkg/broker"
	"github.com/fieldforge/vsoa/pkg/rtdb"
	"github.com/fieldforge/vsoa/pkg/wspush"
)

func main() {
	iniPath := flag.String("config", "/etc/vsoa/brokerd.ini", "path to an optional .ini configuration file")
	flag.Parse()

	cfg, err := config.Load(*iniPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vsoa-brokerd: config: %v\n", err)
		os.Exit(1)
	}

	logLevel := parseLevel(cfg.LogLevel)
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})).With("service", "[MAIN]")
	slog.SetDefault(log)

	reg := metrics.New()
	db := rtdb.New(cfg.RTDBShards)

	srvCfg := broker.DefaultConfig()
	srvCfg.HandshakeDeadline = time.Duration(cfg.HandshakeDeadlineMs) * time.Millisecond
	srvCfg.SendTimeout = time.Duration(cfg.ServerSendTimeoutMs) * time.Millisecond
	srvCfg.Backlog = cfg.ServerBacklog
	srvCfg.BindInterface = cfg.BindInterface
	brk := broker.New(srvCfg)
	cancelTick := timer.Shared.RegisterServer(brk)
	defer cancelTick()

	brk.OnClient(func(s *broker.Session, connect bool) {
		if connect {
			reg.SessionsActive.Inc()
			reg.SessionsTotal.Inc()
			addr, _ := s.Address()
			log.Info("client connected", "id", s.ID(), "addr", addr)
		} else {
			reg.SessionsActive.Dec()
			log.Info("client disconnected", "id", s.ID())
		}
	})

	push := wspush.New()
	push.RegisterRTDB(db)

	listenAddr := cfg.ListenAddr
	if listenAddr == "" && cfg.ListenNetwork == "tcp" {
		listenAddr = fmt.Sprintf(":%d", cfg.Port)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErrs := make(chan error, 2)
	go func() {
		if err := brk.Serve(ctx, cfg.ListenNetwork, listenAddr); err != nil {
			serveErrs <- fmt.Errorf("broker serve: %w", err)
		}
	}()

	if err := push.Start(cfg.WebSocketAddr); err != nil {
		log.Error("websocket push failed to start", "err", err)
		os.Exit(1)
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", reg.Handler())
	metricsMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ok, detail := db.Health(r.Context())
		if !ok {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		fmt.Fprintln(w, detail)
	})
	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErrs <- fmt.Errorf("metrics serve: %w", err)
		}
	}()

	log.Info("broker started",
		"listen_network", cfg.ListenNetwork, "listen_addr", listenAddr,
		"ws_addr", cfg.WebSocketAddr, "metrics_addr", cfg.MetricsAddr,
	)

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serveErrs:
		log.Error("fatal serve error", "err", err)
	}

	stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_ = push.Stop(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)
	_ = brk.Close()

	log.Info("broker stopped")
}

func parseLevel(s string) slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}
