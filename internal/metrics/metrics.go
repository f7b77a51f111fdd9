package metrics

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	ResponsesTotal  *prometheus.CounterVec
	ErrorsTotal     *prometheus.CounterVec
	UpstreamLatency *prometheus.HistogramVec
	UpstreamBytes   *prometheus.CounterVec

	GitHelperExitNonZero *prometheus.CounterVec
	UpstreamProbeTotal   *prometheus.CounterVec
	ActiveRepos          prometheus.GaugeFunc
}

// New registers and returns the proxy's Prometheus collectors.
// activeRepos is polled on scrape to report the RepoIndex's currently
// locked repositories, mirroring the teacher's pattern of registering all
// collectors eagerly at startup.
func New(activeRepos func() int) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "git_cache_proxy_requests_total",
			Help: "requests received, by repo and endpoint kind",
		}, []string{"repo", "kind"}),
		ResponsesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "git_cache_proxy_responses_total",
			Help: "responses sent, by repo, endpoint kind, and status",
		}, []string{"repo", "kind", "status"}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "git_cache_proxy_errors_total",
			Help: "errors by repo, endpoint kind, and error kind",
		}, []string{"repo", "kind", "error_kind"}),
		UpstreamLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "git_cache_proxy_upstream_seconds",
			Help:    "duration of successfully handled requests, including probe, fetch and the streamed response",
			Buckets: prometheus.DefBuckets,
		}, []string{"repo", "op"}),
		UpstreamBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "git_cache_proxy_upstream_bytes_total",
			Help: "bytes streamed from git-upload-pack helpers to clients",
		}, []string{"repo", "kind"}),
		GitHelperExitNonZero: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "git_cache_proxy_githelper_nonzero_exits_total",
			Help: "non-zero exits from supervised git subprocesses",
		}, []string{"op"}),
		UpstreamProbeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "git_cache_proxy_upstream_probe_total",
			Help: "classification of upstream HEAD probes",
		}, []string{"status"}),
	}

	m.ActiveRepos = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "git_cache_proxy_active_repos",
		Help: "repositories currently holding their per-repo lock",
	}, func() float64 { return float64(activeRepos()) })

	prometheus.MustRegister(
		m.RequestsTotal,
		m.ResponsesTotal,
		m.ErrorsTotal,
		m.UpstreamLatency,
		m.UpstreamBytes,
		m.GitHelperExitNonZero,
		m.UpstreamProbeTotal,
		m.ActiveRepos,
	)
	return m
}
