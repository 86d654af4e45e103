package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"terragen.ai/internal/agent/bridge"
	"terragen.ai/internal/agent/mcp"
)

// sidecarConfig is the resolved flag and environment configuration.
type sidecarConfig struct {
	Listen          string
	TerrainWSURL    string
	StateFile       string
	MaxSessions     int
	PreviewStride   int
	HMACSecret      string
	RequireHMAC     bool
	AllowLegacyHMAC bool
}

func (c sidecarConfig) authMode() string {
	if c.HMACSecret == "" {
		return "loopback-only"
	}
	if c.AllowLegacyHMAC {
		return "hmac+legacy"
	}
	return "hmac"
}

func main() {
	cfg, err := loadConfig(os.Args[1:], os.Getenv)
	if err != nil {
		log.Fatalf("[mcp] %v", err)
	}
	logger := log.New(os.Stdout, "[mcp] ", log.LstdFlags|log.Lmicroseconds)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := serve(ctx, cfg, logger); err != nil {
		logger.Fatalf("%v", err)
	}
}

func loadConfig(args []string, getenv func(string) string) (sidecarConfig, error) {
	fs := flag.NewFlagSet("mcp", flag.ContinueOnError)
	cfg := sidecarConfig{}
	fs.StringVar(&cfg.Listen, "listen", "127.0.0.1:8090", "http listen address")
	fs.StringVar(&cfg.TerrainWSURL, "terrain-ws-url", "ws://127.0.0.1:8080/v1/ws", "terrain server ws url")
	fs.StringVar(&cfg.HMACSecret, "hmac-secret", "", "hmac secret (or set TG_MCP_HMAC_SECRET)")
	fs.StringVar(&cfg.StateFile, "state-file", "./data/mcp/sessions.json", "persisted per-agent session state")
	fs.IntVar(&cfg.MaxSessions, "max-sessions", 256, "max concurrent terrain sessions")
	fs.IntVar(&cfg.PreviewStride, "preview-stride", 0, "preview stride requested for each session (0 = none)")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	cfg.HMACSecret = strings.TrimSpace(cfg.HMACSecret)
	if cfg.HMACSecret == "" {
		cfg.HMACSecret = strings.TrimSpace(getenv("TG_MCP_HMAC_SECRET"))
	}
	hardened := isHardenedDeploy(getenv("DEPLOY_ENV"))
	cfg.RequireHMAC = envBool(getenv, "TG_MCP_REQUIRE_HMAC", hardened)
	cfg.AllowLegacyHMAC = envBool(getenv, "TG_MCP_HMAC_ALLOW_LEGACY", !hardened)

	switch {
	case cfg.RequireHMAC && cfg.HMACSecret == "":
		return cfg, errors.New("hmac secret required (set -hmac-secret or TG_MCP_HMAC_SECRET)")
	case cfg.HMACSecret == "" && !isLoopbackListenAddress(cfg.Listen):
		return cfg, fmt.Errorf("refusing unauthenticated bind on non-loopback address %q", cfg.Listen)
	}
	return cfg, nil
}

func serve(ctx context.Context, cfg sidecarConfig, logger *log.Logger) error {
	br, err := bridge.NewManager(bridge.Config{
		TerrainWSURL:  cfg.TerrainWSURL,
		StateFile:     cfg.StateFile,
		MaxSessions:   cfg.MaxSessions,
		PreviewStride: cfg.PreviewStride,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("bridge: %w", err)
	}
	defer br.Close()

	srv, err := mcp.NewServer(mcp.Config{
		Bridge:          br,
		HMACSecret:      cfg.HMACSecret,
		AllowLegacyHMAC: cfg.AllowLegacyHMAC,
	})
	if err != nil {
		return fmt.Errorf("mcp: %w", err)
	}

	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	logger.Printf("listening on http://%s terrain=%s auth=%s", cfg.Listen, cfg.TerrainWSURL, cfg.authMode())
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen: %w", err)
	}
	return nil
}

func isHardenedDeploy(env string) bool {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "staging", "production":
		return true
	}
	return false
}

// envBool falls back to def when the variable is unset or unparsable.
func envBool(getenv func(string) string, key string, def bool) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(getenv(key)))
	if err != nil {
		return def
	}
	return b
}

func isLoopbackListenAddress(addr string) bool {
	host := strings.TrimSpace(addr)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(strings.Trim(host, "[]"))
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
