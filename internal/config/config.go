// Package config loads the proxy's runtime configuration from flags with
// environment-variable fallbacks, in the teacher's envOrDefault style.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

// AppName is used as the outbound User-Agent and the Server response
// header.
const AppName = "git-cache-proxy"

type Config struct {
	CacheDir   string
	Port       int
	ListenAddr string
	LogLevel   string

	// MaxUploadPackBodyBytes caps the size of a collected upload-pack
	// request body; zero means unbounded (spec.md §9 leaves this an open
	// question, resolved by adding an opt-in cap that defaults off).
	MaxUploadPackBodyBytes int64

	UpstreamTimeout           time.Duration
	AllowInsecureUpstreamHTTP bool

	MetricsPath string
	HealthPath  string

	AWSCloudMapServiceID string
	Route53HostedZoneID  string
	Route53RecordName    string

	PrintVersion bool
}

// Version is set at build time via -ldflags.
var Version = "dev"

func Load() (*Config, error) {
	return LoadArgs(os.Args[1:])
}

func LoadArgs(args []string) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("git-cache-proxy", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&cfg.CacheDir, "cache-dir", envOrDefault("CACHE_DIR", "/var/cache/git"), "directory for bare git mirrors")
	fs.IntVar(&cfg.Port, "port", envOrDefaultInt("PORT", 8080), "HTTP listen port")
	fs.StringVar(&cfg.LogLevel, "log-level", envOrDefault("LOG_LEVEL", "info"), "log level: debug,info,warn,error")
	fs.Int64Var(&cfg.MaxUploadPackBodyBytes, "max-upload-pack-body-bytes", envOrDefaultInt64("MAX_UPLOAD_PACK_BODY_BYTES", 0), "cap on a collected upload-pack request body; 0 means unbounded")
	fs.BoolVar(&cfg.AllowInsecureUpstreamHTTP, "allow-insecure-upstream-http", envOrDefaultBool("ALLOW_INSECURE_UPSTREAM_HTTP", false), "allow plain-http upstream URLs (testing only)")
	fs.StringVar(&cfg.MetricsPath, "metrics-path", envOrDefault("METRICS_PATH", "/metrics"), "path for Prometheus metrics")
	fs.StringVar(&cfg.HealthPath, "health-path", envOrDefault("HEALTH_PATH", "/healthz"), "path for health checks")
	fs.StringVar(&cfg.AWSCloudMapServiceID, "aws-cloud-map-service-id", envOrDefault("AWS_CLOUD_MAP_SERVICE_ID", ""), "AWS Cloud Map service ID for registration and health heartbeat")
	fs.StringVar(&cfg.Route53HostedZoneID, "route53-hosted-zone-id", envOrDefault("ROUTE53_HOSTED_ZONE_ID", ""), "Route53 hosted zone ID for DNS registration")
	fs.StringVar(&cfg.Route53RecordName, "route53-record-name", envOrDefault("ROUTE53_RECORD_NAME", ""), "Route53 record name (e.g., git-proxy.example.com)")
	fs.BoolVar(&cfg.PrintVersion, "version", false, "print version and exit")

	upstreamTimeoutStr := fs.String("upstream-timeout", envOrDefault("UPSTREAM_TIMEOUT", "30s"), "timeout for the upstream HEAD probe")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if cfg.PrintVersion {
		return cfg, nil
	}

	var err error
	if cfg.UpstreamTimeout, err = time.ParseDuration(*upstreamTimeoutStr); err != nil {
		return nil, fmt.Errorf("invalid upstream-timeout: %w", err)
	}

	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	cfg.ListenAddr = fmt.Sprintf(":%d", cfg.Port)

	if cfg.CacheDir == "" {
		return nil, errors.New("cache-dir must not be empty")
	}

	return cfg, nil
}

func envOrDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envOrDefaultBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envOrDefaultInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	if n, err := strconv.Atoi(v); err == nil {
		return n
	}
	return def
}

func envOrDefaultInt64(key string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return n
	}
	return def
}
