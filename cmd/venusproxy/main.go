// venusproxy is a transparent SOCKS5 proxy for Stratum mining connections.
// It relays real pool traffic unmodified most of the time, then steers a
// scheduled slice of it to an alternate "venus" pool by rewriting worker
// identities and synthesizing replies out of cached frames.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/tos-network/venusproxy/internal/admin"
	"github.com/tos-network/venusproxy/internal/authcache"
	"github.com/tos-network/venusproxy/internal/config"
	"github.com/tos-network/venusproxy/internal/driver"
	"github.com/tos-network/venusproxy/internal/logging"
	"github.com/tos-network/venusproxy/internal/scheduler"
	"github.com/tos-network/venusproxy/internal/socks5"
)

var (
	version   = "1.0.0"
	buildTime = "unknown"
)

func main() {
	flags, err := config.ParseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "venusproxy: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "venusproxy: failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := logging.InitLogger(cfg.Log.Level, cfg.Log.Format, cfg.Log.File); err != nil {
		fmt.Fprintf(os.Stderr, "venusproxy: failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	logging.Infof("venusproxy v%s starting (built %s), listening on %s:%d", version, buildTime, cfg.ListenIP, cfg.ListenPort)

	sched := scheduler.New(scheduler.Config{
		VenusHost:       cfg.Venus.Host,
		VenusPort:       uint16(cfg.Venus.Port),
		VenusWorkerName: cfg.Venus.WorkerName,
	})
	cache := authcache.New()

	d := driver.New(driver.Config{
		SOCKS5: socks5.Config{
			Username:     cfg.Username,
			Password:     cfg.Password,
			AuthOnce:     cfg.AuthOnce,
			BindOutbound: cfg.BindOutbound,
			ListenIP:     cfg.ListenIP,
		},
		IdleTimeout:  cfg.Relay.IdleTimeout,
		DialTimeout:  cfg.Relay.DialTimeout,
		GuardRetries: cfg.Relay.DialGuardAttempts,
		GuardDelay:   cfg.Relay.DialGuardRetryDelay,
		BindOutbound: cfg.BindOutbound,
		ListenIP:     cfg.ListenIP,
	}, sched, cache)

	adminServer := admin.NewServer(&cfg.Admin, sched, d.ActiveConnections)
	if err := adminServer.Start(); err != nil {
		logging.Errorf("failed to start admin server: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	listenAddr := fmt.Sprintf("%s:%d", cfg.ListenIP, cfg.ListenPort)
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		logging.Fatalf("failed to listen on %s: %v", listenAddr, err)
	}
	logging.Infof("accepting SOCKS5 connections on %s", listenAddr)

	go acceptLoop(ctx, ln, d)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	signal.Ignore(syscall.SIGPIPE)

	logging.Info("venusproxy started. Press Ctrl+C to stop.")
	<-sigChan
	logging.Info("shutting down...")

	cancel()
	ln.Close()
	d.Wait()
	adminServer.Stop()

	logging.Info("venusproxy stopped")
}

func acceptLoop(ctx context.Context, ln net.Listener, d *driver.Driver) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				logging.Errorf("accept: %v", err)
				return
			}
		}
		go d.Handle(ctx, conn)
	}
}
