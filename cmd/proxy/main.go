package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gitmirror/proxy/internal/cloudmap"
	"github.com/gitmirror/proxy/internal/config"
	"github.com/gitmirror/proxy/internal/githelper"
	"github.com/gitmirror/proxy/internal/gitproxy"
	"github.com/gitmirror/proxy/internal/logging"
	"github.com/gitmirror/proxy/internal/metrics"
	"github.com/gitmirror/proxy/internal/repoindex"
	"github.com/gitmirror/proxy/internal/route53"
	"github.com/gitmirror/proxy/internal/upstream"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if cfg.PrintVersion {
		fmt.Printf("%s %s\n", config.AppName, config.Version)
		return
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger init: %v", err)
	}

	if err := markCacheDir(cfg.CacheDir); err != nil {
		logger.Error("cache dir init failed", "err", err)
		os.Exit(1)
	}

	var m *metrics.Metrics
	git := githelper.New(logger)
	git.OnNonZeroExit = func(op string) {
		m.GitHelperExitNonZero.WithLabelValues(op).Inc()
	}

	prober := upstream.NewClient(cfg.UpstreamTimeout, cfg.AllowInsecureUpstreamHTTP, config.AppName)
	index := repoindex.New(cfg.CacheDir, git, prober)
	m = metrics.New(func() int { return len(index.ActiveRepos()) })

	server := gitproxy.New(cfg, index, logger, m)

	mux := http.NewServeMux()
	mux.Handle(cfg.HealthPath, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	}))
	mux.Handle(cfg.MetricsPath, promhttp.Handler())
	mux.Handle("/", requestLogger(logger, server.Handler()))

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cm, r53 := startOpsRegistration(ctx, cfg, logger)

	go func() {
		logger.Info("listening", "addr", cfg.ListenAddr, "cache_dir", cfg.CacheDir)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", "err", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if r53 != nil {
		if err := r53.Deregister(shutdownCtx); err != nil {
			logger.Error("route53 deregister failed", "err", err)
		}
	}
	if cm != nil {
		cm.Stop(shutdownCtx)
	}

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "err", err)
	}
}

// markCacheDir ensures cfg.CacheDir exists and carries a `.git-cache`
// marker file recording that it is a proxy-managed cache root. The marker
// is written into any directory that lacks it, including one that already
// holds unrelated files; an existing marker is left as it is.
func markCacheDir(cacheDir string) error {
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	marker := filepath.Join(cacheDir, ".git-cache")
	if _, err := os.Stat(marker); err == nil {
		return nil
	}
	return os.WriteFile(marker, []byte(config.AppName+"\n"), 0o644)
}

// startOpsRegistration brings up the optional Cloud Map / Route53
// self-registration, gated by config flags; either return value may be nil
// when unconfigured or on registration failure.
func startOpsRegistration(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*cloudmap.Manager, *route53.Manager) {
	var cm *cloudmap.Manager
	if cfg.AWSCloudMapServiceID != "" {
		mgr, err := cloudmap.New(ctx, cfg.AWSCloudMapServiceID, cfg.ListenAddr, cfg.HealthPath, logger)
		if err != nil {
			logger.Error("cloud map init failed", "err", err)
		} else if err := mgr.Start(ctx); err != nil {
			logger.Error("cloud map registration failed", "err", err)
		} else {
			cm = mgr
		}
	}

	var r53 *route53.Manager
	if cfg.Route53HostedZoneID != "" && cfg.Route53RecordName != "" {
		mgr, err := route53.New(ctx, cfg.Route53HostedZoneID, cfg.Route53RecordName, logger)
		if err != nil {
			logger.Error("route53 init failed", "err", err)
		} else if err := mgr.Register(ctx); err != nil {
			logger.Error("route53 registration failed", "err", err)
		} else {
			r53 = mgr
		}
	}

	return cm, r53
}

// requestLogger assigns each request an ID and logs its outcome, recording
// only whether an Authorization header was present, never its value, so
// credentials never reach the log stream.
func requestLogger(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-Id")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", reqID)
		start := time.Now()

		authState := "absent"
		if r.Header.Get("Authorization") != "" {
			authState = "present"
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(withRequestID(r.Context(), reqID)))

		logger.Info("request handled",
			"request_id", reqID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"authorization", authState,
		)
	})
}

type requestIDKey struct{}

func withRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
