// Command bridgecore runs a transparent MITM HTTP/HTTPS filtering proxy.
package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"expvar"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/relaymesh/bridgecore/internal/bridge"
	"github.com/relaymesh/bridgecore/internal/config"
	"github.com/relaymesh/bridgecore/internal/history"
	"github.com/relaymesh/bridgecore/internal/live"
	"github.com/relaymesh/bridgecore/internal/metrics"
	bridgetls "github.com/relaymesh/bridgecore/internal/tls"
)

const (
	version         = "0.1.0"
	maxPortAttempts = 10
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "ca":
			handleCACommand(os.Args[2:])
			return
		case "setup":
			handleSetupCommand(os.Args[2:])
			return
		}
	}

	configPath := flag.String("config", "", "Path to config file (default: ~/.config/bridgecore/config.yaml)")
	listenAddr := flag.String("listen", "", "Override the bridge listen address")
	liveAddr := flag.String("live", "", "Override the live-feed listen address")
	debug := flag.Bool("debug", false, "Enable debug logging")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("bridgecore", version)
		return
	}

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		printError("loading configuration", err, configLoadFix(*configPath))
	}
	if *listenAddr != "" {
		cfg.Bridge.Listen = *listenAddr
	}
	if *liveAddr != "" {
		cfg.Live.Listen = *liveAddr
		cfg.Live.Enabled = true
	}

	ca, err := bridgetls.LoadOrCreateCA(cfg.CA.Dir)
	if err != nil {
		switch {
		case isPermissionError(err):
			printError("loading certificate authority", err, caPermissionFix(cfg.CA.Dir))
		case isCorruptCert(err):
			printError("loading certificate authority", err, caCorruptFix(cfg.CA.Dir))
		default:
			printError("loading certificate authority", err, caCorruptFix(cfg.CA.Dir))
		}
	}
	certCache := bridgetls.NewCertCache(ca, cfg.CA.MaxCacheSize)

	hostRules := cfg.Rules.BuildHostRules()

	var recorder history.Recorder = history.NoOpRecorder{}
	if cfg.History.Enabled {
		sqliteRecorder, err := history.NewSQLiteRecorder(cfg.History.DBPath)
		if err != nil {
			switch {
			case isDBLocked(err):
				printError("opening history database", err, dbLockedFix(cfg.History.DBPath))
			case isPermissionError(err):
				printError("opening history database", err, dbPathFix(cfg.History.DBPath))
			default:
				printError("opening history database", err, dbPathFix(cfg.History.DBPath))
			}
		}
		recorder = sqliteRecorder
		defer recorder.Close()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	metrics.CertCacheSizer = certCache.Size

	// The mux hosting /debug/vars is started whenever a listen address is
	// configured, independent of whether the WebSocket hub itself is
	// enabled — metrics is an always-available ambient concern, not an
	// opt-in feature.
	var hub *live.Hub
	var liveServer *http.Server
	mux := http.NewServeMux()
	mux.Handle("/debug/vars", expvar.Handler())
	if cfg.Live.Enabled {
		hub = live.NewHub(logger, cfg.Auth.Token)
		go hub.Run(ctx)
		mux.Handle("/live", hub.Handler())
	}
	if cfg.Live.Listen != "" {
		liveServer = &http.Server{Addr: cfg.Live.Listen, Handler: mux}
		go func() {
			if err := liveServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics/live feed server failed", "error", err)
			}
		}()
	}

	b := bridge.New(certCache, hostRules, logger)
	b.Recorder = recorder
	b.Feed = hub
	b.IdleTimeout = time.Duration(cfg.Bridge.IdleTimeoutSeconds) * time.Second
	b.DialTimeout = time.Duration(cfg.Bridge.DialTimeoutSeconds) * time.Second
	b.InsecureSkipVerifyUpstream = cfg.Bridge.InsecureSkipVerifyUpstream

	ln, actualAddr, err := listenWithFallback(cfg.Bridge.ListenAddr(), maxPortAttempts)
	if err != nil {
		printError("starting bridge listener", err, portInUseFix(cfg.Bridge.ListenAddr(), maxPortAttempts))
	}

	if cfg.Retention.TransactionsTTLDays > 0 {
		go runRetention(ctx, recorder, time.Duration(cfg.Retention.TransactionsTTLDays)*24*time.Hour, logger)
	}

	printBanner(cfg, actualAddr, ca)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- b.Serve(ctx, ln)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			logger.Error("bridge serve failed", "error", err)
		}
	}

	if liveServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = liveServer.Shutdown(shutdownCtx)
		shutdownCancel()
	}
}

func runRetention(ctx context.Context, recorder history.Recorder, ttl time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := recorder.RunRetention(ctx, ttl)
			if err != nil {
				logger.Warn("retention sweep failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Debug("retention sweep", "deleted", n)
			}
		}
	}
}

func printBanner(cfg *config.Config, actualAddr string, ca *bridgetls.CA) {
	sum := sha256.Sum256(ca.Certificate().Raw)
	fmt.Println("bridgecore", version)
	fmt.Println("==========================")
	fmt.Printf("Bridge listening on:  %s\n", actualAddr)
	fmt.Printf("CA fingerprint:       %s\n", hex.EncodeToString(sum[:]))
	if cfg.Live.Listen != "" {
		fmt.Printf("Metrics:              http://%s/debug/vars\n", cfg.Live.Listen)
	}
	if cfg.Live.Enabled {
		fmt.Printf("Live feed listening on: %s\n", cfg.Live.Listen)
	}
	if cfg.History.Enabled {
		fmt.Printf("History database:    %s\n", cfg.History.DBPath)
	}
	fmt.Printf("Auth token:           %s\n", cfg.Auth.Token)
	fmt.Println()
	fmt.Println("Point clients at this proxy and trust the CA certificate:")
	fmt.Println("  bridgecore ca export ./bridgecore.crt")
	fmt.Println("  bridgecore setup        # installs it into the system trust store")
	fmt.Println()
	host, port, err := net.SplitHostPort(actualAddr)
	if err == nil {
		proxyURL := fmt.Sprintf("http://%s:%s", displayHost(host), port)
		fmt.Println("Environment variables for common clients:")
		fmt.Printf("  export HTTPS_PROXY=%s\n", proxyURL)
		fmt.Printf("  export HTTP_PROXY=%s\n", proxyURL)
		fmt.Println("  export NODE_EXTRA_CA_CERTS=./bridgecore.crt")
		fmt.Println("  export SSL_CERT_FILE=./bridgecore.crt")
		fmt.Println("  export REQUESTS_CA_BUNDLE=./bridgecore.crt")
	}
}

func displayHost(host string) string {
	if host == "" || host == "0.0.0.0" || host == "::" {
		return "127.0.0.1"
	}
	return host
}
