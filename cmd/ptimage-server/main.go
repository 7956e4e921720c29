// Command ptimage-server is the operator-facing control/observability
// plane for a set of named traced-memory images. It loads a YAML
// configuration file, preloads each configured image's section
// mappings, opens the audit log, the sqlite telemetry queue, and the
// PostgreSQL long-term sink, and exposes a JWT-authenticated REST+SSE
// API and a Prometheus metrics endpoint. It shuts down gracefully on
// SIGTERM or SIGINT.
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

	"github.com/tracedmem/ptimage/internal/asid"
	"github.com/tracedmem/ptimage/internal/audit"
	"github.com/tracedmem/ptimage/internal/config"
	"github.com/tracedmem/ptimage/internal/metrics"
	"github.com/tracedmem/ptimage/internal/registry"
	"github.com/tracedmem/ptimage/internal/server/events"
	"github.com/tracedmem/ptimage/internal/server/rest"
	"github.com/tracedmem/ptimage/internal/server/storage"
	"github.com/tracedmem/ptimage/internal/telemetry/queue"
	"github.com/tracedmem/ptimage/internal/watchfile"
)

func main() {
	configPath := flag.String("config", "/etc/ptimage/config.yaml", "path to the ptimage-server YAML configuration file")
	auditPath := flag.String("audit-path", "/var/lib/ptimage/audit.log", "path to the tamper-evident audit log")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ptimage-server: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		slog.String("config_path", *configPath),
		slog.Int("images", len(cfg.Images)),
		slog.String("listen_addr", cfg.ListenAddr),
		slog.String("metrics_addr", cfg.MetricsAddr),
	)

	auditLog, err := audit.Open(*auditPath)
	if err != nil {
		logger.Error("failed to open audit log", slog.Any("error", err))
		os.Exit(1)
	}
	defer auditLog.Close()

	q, err := queue.New(cfg.QueuePath)
	if err != nil {
		logger.Error("failed to open telemetry queue", slog.Any("error", err))
		os.Exit(1)
	}
	defer q.Close()
	logger.Info("telemetry queue opened", slog.String("path", cfg.QueuePath), slog.Int("pending", q.Depth()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var store *storage.Store
	if cfg.StorageDSN != "" {
		store, err = storage.New(ctx, cfg.StorageDSN, 0, 0)
		if err != nil {
			logger.Error("failed to open storage", slog.Any("error", err))
			os.Exit(1)
		}
		defer store.Close(context.Background())
		logger.Info("PostgreSQL storage connected")
	}

	metricsReg := metrics.NewRegistry()
	bc := events.NewBroadcaster(logger, 0)
	defer bc.Close()

	reg := registry.New(auditLog, q, metricsReg, bc, logger)

	if store != nil {
		go pumpQueueToStorage(ctx, logger, q, store)
	}

	fw := watchfile.New(logger, auditLog, 0)
	fw.Start(ctx)
	defer fw.Stop()

	for _, ic := range cfg.Images {
		// config.Load has already applied the default cache capacity, so
		// CacheCapacity is never nil here.
		if _, err := reg.Create(ic.Name, *ic.CacheCapacity); err != nil {
			logger.Error("failed to create image", slog.String("image", ic.Name), slog.Any("error", err))
			os.Exit(1)
		}
		for _, sc := range ic.Sections {
			a := asid.Asid{CR3: sc.CR3, VMCS: sc.VMCS}
			if err := reg.AddFile(ic.Name, sc.Path, sc.FileOffset, sc.Size, a, sc.Vaddr); err != nil {
				logger.Error("failed to preload section",
					slog.String("image", ic.Name), slog.String("path", sc.Path), slog.Any("error", err))
				os.Exit(1)
			}
			fw.Watch(ic.Name, sc.Path)
		}
		logger.Info("image loaded", slog.String("image", ic.Name), slog.Int("sections", len(ic.Sections)))
	}

	pem, err := os.ReadFile(cfg.JWTPublicKeyPath)
	if err != nil {
		logger.Error("failed to read JWT public key", slog.Any("error", err))
		os.Exit(1)
	}
	pubKey, err := rest.ParseRSAPublicKey(pem)
	if err != nil {
		logger.Error("failed to parse JWT public key", slog.Any("error", err))
		os.Exit(1)
	}

	eventsHandler := events.NewHandler(bc, logger)
	restSrv := rest.NewServer(reg)
	httpHandler := rest.NewRouter(restSrv, eventsHandler, pubKey)

	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      httpHandler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // SSE streams are long-lived
		IdleTimeout:  60 * time.Second,
	}

	metricsServer := &http.Server{
		Addr:         cfg.MetricsAddr,
		Handler:      metricsReg.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	httpErrCh := make(chan error, 1)
	go func() {
		logger.Info("REST+SSE server listening", slog.String("addr", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			httpErrCh <- fmt.Errorf("http server: %w", err)
			return
		}
		close(httpErrCh)
	}()

	metricsErrCh := make(chan error, 1)
	go func() {
		logger.Info("metrics server listening", slog.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			metricsErrCh <- fmt.Errorf("metrics server: %w", err)
			return
		}
		close(metricsErrCh)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	case err := <-httpErrCh:
		if err != nil {
			logger.Error("REST server error", slog.Any("error", err))
		}
	case err := <-metricsErrCh:
		if err != nil {
			logger.Error("metrics server error", slog.Any("error", err))
		}
	}

	logger.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("REST server shutdown error", slog.Any("error", err))
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics server shutdown error", slog.Any("error", err))
	}
	if err := reg.Close(); err != nil {
		logger.Warn("registry close error", slog.Any("error", err))
	}

	logger.Info("ptimage-server exited cleanly")
}

// pumpQueueToStorage periodically drains the sqlite telemetry queue
// into the long-term PostgreSQL sink, acknowledging each event only
// after Store has accepted it. A Store outage simply leaves events
// pending in the queue for the next tick rather than losing them.
func pumpQueueToStorage(ctx context.Context, logger *slog.Logger, q *queue.Queue, store *storage.Store) {
	const batchSize = 100
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pending, err := q.Dequeue(ctx, batchSize)
			if err != nil {
				logger.Warn("queue pump: dequeue failed", slog.Any("error", err))
				continue
			}
			if len(pending) == 0 {
				continue
			}

			shipped := make([]int64, 0, len(pending))
			for _, pe := range pending {
				evt := storage.Event{
					Image:     pe.Evt.Image,
					Kind:      pe.Evt.Kind,
					Payload:   pe.Evt.Payload,
					Timestamp: pe.Evt.Timestamp,
				}
				if err := store.BatchInsertEvents(ctx, evt); err != nil {
					logger.Warn("queue pump: failed to ship event", slog.Int64("id", pe.ID), slog.Any("error", err))
					break
				}
				shipped = append(shipped, pe.ID)
			}
			if err := store.Flush(ctx); err != nil {
				logger.Warn("queue pump: flush failed", slog.Any("error", err))
				continue
			}
			if err := q.Ack(ctx, shipped); err != nil {
				logger.Warn("queue pump: ack failed", slog.Any("error", err))
			}
		}
	}
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
