package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"

	"streamtap/internal/config"
	"streamtap/internal/proxy"
	"streamtap/internal/session"
	"streamtap/internal/sink"
	"streamtap/internal/store"
	streamtaptls "streamtap/internal/tls"
	"streamtap/internal/ws"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	// CLI flags
	configPath := flag.String("config", "", "Path to config file")
	listenAddr := flag.String("listen", "", "Listen address (overrides config)")
	showVersion := flag.Bool("version", false, "Show version and exit")
	showCA := flag.Bool("show-ca", false, "Show CA certificate path and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("streamtap %s (%s)\n", version, commit)
		os.Exit(0)
	}

	// Load config
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// CLI overrides
	if *listenAddr != "" {
		cfg.Proxy.Listen = *listenAddr
	}

	// Setup logging
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(cfg.Logging.LogLevel()),
	}))
	slog.SetDefault(logger)

	// Get config directory for certs
	configDir, err := config.ConfigDir()
	if err != nil {
		slog.Error("failed to get config directory", "error", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(configDir, 0700); err != nil {
		slog.Error("failed to create config directory", "error", err)
		os.Exit(1)
	}

	// Load or create CA
	certsDir := filepath.Join(configDir, "certs")
	ca, err := streamtaptls.LoadOrCreateCA(certsDir)
	if err != nil {
		slog.Error("failed to load/create CA", "error", err)
		os.Exit(1)
	}
	slog.Info("CA loaded", "path", filepath.Join(certsDir, "ca.crt"))

	if *showCA {
		caPath := filepath.Join(certsDir, "ca.crt")
		fmt.Printf("CA certificate: %s\n", caPath)
		fmt.Println("\nTo trust this CA:")
		fmt.Println("  macOS: sudo security add-trusted-cert -d -r trustRoot -k /Library/Keychains/System.keychain " + caPath)
		fmt.Println("  Linux: sudo cp " + caPath + " /usr/local/share/ca-certificates/streamtap.crt && sudo update-ca-certificates")
		fmt.Println("  Windows: certutil -addstore -f \"ROOT\" " + caPath)
		os.Exit(0)
	}

	certCache := streamtaptls.NewCertCache(ca)

	// Optional capture store
	var captureStore store.Store
	if cfg.Capture.Enabled {
		sqliteStore, err := store.NewSQLiteStore(cfg.Capture.DBPath)
		if err != nil {
			slog.Error("failed to open capture database", "error", err)
			os.Exit(1)
		}
		defer sqliteStore.Close()
		captureStore = sqliteStore
		slog.Info("capture database opened", "path", cfg.Capture.DBPath)
	}

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Event bridge
	var hub *ws.Hub
	if cfg.Events.Listen != "" {
		hub = ws.NewHub(logger)
		go hub.Run(ctx)
		go func() {
			if err := hub.Serve(ctx, cfg.Events.Listen); err != nil {
				slog.Error("event bridge failed", "error", err)
			}
		}()
	}

	callbacks := proxy.Callbacks{
		OnSessionStart: func(s *session.Session) {
			if hub != nil {
				hub.BroadcastSessionStart(s)
			}
		},
		OnEvent: func(s *session.Session, ev sink.Event) {
			if hub != nil {
				hub.BroadcastEvent(s.ID, ev)
			}
			if captureStore != nil && ev.Kind == sink.KindFunctionCall && ev.Call != nil {
				saveCtx, saveCancel := context.WithTimeout(context.Background(), 2*time.Second)
				err := captureStore.SaveToolCall(saveCtx, &store.ToolCallRecord{
					ID:        uuid.New().String(),
					SessionID: s.ID,
					Name:      ev.Call.Name,
					Arguments: ev.Call.Arguments,
					Timestamp: ev.Timestamp,
				})
				saveCancel()
				if err != nil {
					slog.Error("failed to save tool call", "session_id", s.ID, "error", err)
				}
			}
		},
		OnSessionEnd: func(s *session.Session, stats session.Stats) {
			if hub != nil {
				hub.BroadcastSessionEnd(s, stats)
			}
			if captureStore != nil {
				saveCtx, saveCancel := context.WithTimeout(context.Background(), 5*time.Second)
				err := captureStore.SaveSession(saveCtx, &store.SessionRecord{
					ID:             s.ID,
					Host:           s.Host,
					Path:           s.Path,
					StartedAt:      s.Started(),
					EndedAt:        time.Now(),
					Chunks:         stats.Chunks,
					BytesExtracted: stats.BytesExtracted,
					BytesDelivered: stats.BytesDelivered,
					ForcedFlushes:  stats.ForcedFlushes,
				})
				saveCancel()
				if err != nil {
					slog.Error("failed to save session", "session_id", s.ID, "error", err)
				}
			}
		},
	}

	p, err := proxy.New(cfg, logger, certCache, callbacks)
	if err != nil {
		slog.Error("failed to create proxy", "error", err)
		os.Exit(1)
	}

	if err := p.Serve(ctx); err != nil {
		slog.Error("proxy failed", "error", err)
		os.Exit(1)
	}
}

// logLevel maps the config level string to a slog level.
func logLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
