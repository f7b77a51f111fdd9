// Package gitproxy implements the ProtocolHandler: the two smart-HTTP
// endpoints, dispatched under the per-repo lock, orchestrating RepoIndex,
// UpstreamProbe, and GitHelper. Grounded on the teacher's handler.go for
// its Server/logging/metrics shape and on the original implementation's
// `server.rs` for the exact routing and error-mapping semantics.
package gitproxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gitmirror/proxy/internal/config"
	"github.com/gitmirror/proxy/internal/metrics"
	"github.com/gitmirror/proxy/internal/protoerr"
	"github.com/gitmirror/proxy/internal/repoindex"
)

// Kind identifies which of the two smart-HTTP endpoints a request
// targets.
type Kind string

const (
	KindInfoRefs   Kind = "info-refs"
	KindUploadPack Kind = "upload-pack"
)

// internalErrorBody is the fixed string sent for every Internal error, never
// the wrapped cause, so nothing about the failure leaks to the client.
const internalErrorBody = "sorry, something went terribly wrong here"

// Server is the ProtocolHandler.
type Server struct {
	cfg     *config.Config
	index   *repoindex.Index
	log     *slog.Logger
	metrics *metrics.Metrics
}

// New returns a ProtocolHandler bound to index.
func New(cfg *config.Config, index *repoindex.Index, log *slog.Logger, m *metrics.Metrics) *Server {
	return &Server{cfg: cfg, index: index, log: log, metrics: m}
}

// Handler returns the http.Handler implementing both smart-HTTP endpoints.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		upstream, kind, ok := parseTarget(r)
		if !ok {
			s.log.Debug("unrecognized request shape", "method", r.Method, "path", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
			return
		}

		s.log.Debug("incoming request", "upstream", upstream, "kind", kind)
		s.metrics.RequestsTotal.WithLabelValues(upstream, string(kind)).Inc()

		var err error
		switch kind {
		case KindInfoRefs:
			err = s.handleInfoRefs(w, r, upstream)
		case KindUploadPack:
			err = s.handleUploadPack(w, r, upstream)
		}

		if err != nil {
			s.writeError(w, upstream, kind, err)
			return
		}
		s.metrics.UpstreamLatency.WithLabelValues(upstream, string(kind)).Observe(time.Since(start).Seconds())
	})
}

// parseTarget recognizes `/<host>/<path...>/info/refs` (GET, with
// `service=git-upload-pack` required) and `/<host>/<path...>/git-upload-pack`
// (POST), deriving `https://<host>/<path...>` as the upstream URL.
func parseTarget(r *http.Request) (upstream string, kind Kind, ok bool) {
	switch r.Method {
	case http.MethodGet:
		if r.URL.RawQuery != "service=git-upload-pack" {
			return "", "", false
		}
		rest, found := strings.CutSuffix(r.URL.Path, "/info/refs")
		if !found {
			return "", "", false
		}
		return buildUpstream(rest), KindInfoRefs, rest != ""
	case http.MethodPost:
		rest, found := strings.CutSuffix(r.URL.Path, "/git-upload-pack")
		if !found {
			return "", "", false
		}
		return buildUpstream(rest), KindUploadPack, rest != ""
	default:
		return "", "", false
	}
}

func buildUpstream(p string) string {
	return "https:/" + p
}

// openRepo resolves upstream via the RepoIndex, mapping a sanitization
// failure to NotFound and anything else (mkdir/git init failure) to
// Internal, per spec.md §4.4 and §7.
func (s *Server) openRepo(ctx context.Context, upstream string) (*repoindex.RepoEntry, *protoerr.Error) {
	entry, err := s.index.Open(ctx, upstream)
	if err != nil {
		if errors.Is(err, repoindex.ErrNotFound) {
			return nil, protoerr.WrapNotFound(err)
		}
		return nil, protoerr.WrapInternal(err)
	}
	return entry, nil
}

func (s *Server) handleInfoRefs(w http.ResponseWriter, r *http.Request, upstream string) error {
	entry, openErr := s.openRepo(r.Context(), upstream)
	if openErr != nil {
		return openErr
	}

	unlock := entry.Lock(s.index)
	defer unlock()

	remoteHead, authErr := entry.AuthenticateWithHead(r.Context(), r.Header.Get("Authorization"))
	if authErr != nil {
		return authErr
	}
	s.metrics.UpstreamProbeTotal.WithLabelValues("ok").Inc()

	if err := entry.Fetch(r.Context(), remoteHead, r.Header.Get("Authorization")); err != nil {
		return protoerr.WrapInternal(fmt.Errorf("fetch: %w", err))
	}

	stream, err := entry.AdvertiseRefs(r.Context())
	if err != nil {
		return protoerr.WrapInternal(fmt.Errorf("advertise refs: %w", err))
	}
	defer stream.Close()

	w.Header().Set("Content-Type", "application/x-git-upload-pack-advertisement")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Server", config.AppName)
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write([]byte("001e# service=git-upload-pack\n0000")); err != nil {
		return nil // response already committed; nothing left to report to the client
	}
	n, copyErr := io.Copy(w, stream)
	s.metrics.UpstreamBytes.WithLabelValues(upstream, string(KindInfoRefs)).Add(float64(n))
	if copyErr != nil {
		s.log.Warn("streaming advertise-refs output failed", "upstream", upstream, "err", copyErr)
	}
	s.metrics.ResponsesTotal.WithLabelValues(upstream, string(KindInfoRefs), "200").Inc()
	return nil
}

func (s *Server) handleUploadPack(w http.ResponseWriter, r *http.Request, upstream string) error {
	entry, openErr := s.openRepo(r.Context(), upstream)
	if openErr != nil {
		return openErr
	}

	unlock := entry.Lock(s.index)
	defer unlock()

	if _, authErr := entry.AuthenticateWithHead(r.Context(), r.Header.Get("Authorization")); authErr != nil {
		return authErr
	}

	body := io.Reader(r.Body)
	if s.cfg.MaxUploadPackBodyBytes > 0 {
		body = io.LimitReader(r.Body, s.cfg.MaxUploadPackBodyBytes)
	}

	stream, err := entry.UploadPack(r.Context(), body)
	if err != nil {
		return protoerr.WrapInternal(fmt.Errorf("upload-pack: %w", err))
	}
	defer stream.Close()

	w.Header().Set("Content-Type", "application/x-git-upload-pack-result")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Server", config.AppName)
	w.WriteHeader(http.StatusOK)

	n, copyErr := io.Copy(w, stream)
	s.metrics.UpstreamBytes.WithLabelValues(upstream, string(KindUploadPack)).Add(float64(n))
	if copyErr != nil {
		s.log.Warn("streaming upload-pack output failed", "upstream", upstream, "err", copyErr)
	}
	s.metrics.ResponsesTotal.WithLabelValues(upstream, string(KindUploadPack), "200").Inc()
	return nil
}

// writeError maps a protoerr.Error onto the HTTP response per spec.md §7.
// Errors that aren't a *protoerr.Error are treated as Internal.
func (s *Server) writeError(w http.ResponseWriter, upstream string, kind Kind, err error) {
	pe, ok := err.(*protoerr.Error)
	if !ok {
		pe = protoerr.WrapInternal(err)
	}

	switch pe.Kind {
	case protoerr.NotFound:
		s.log.Debug("request resolved to not-found", "upstream", upstream, "kind", kind, "err", pe.Err)
		w.WriteHeader(http.StatusNotFound)
	case protoerr.MissingAuth:
		s.log.Debug("request requires authentication", "upstream", upstream, "kind", kind)
		w.Header().Set("WWW-Authenticate", pe.Challenge)
		w.WriteHeader(http.StatusUnauthorized)
	default:
		s.log.Error("internal error handling request", "upstream", upstream, "kind", kind, "err", pe.Err)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, internalErrorBody)
	}
	s.metrics.ErrorsTotal.WithLabelValues(upstream, string(kind), kindLabel(pe.Kind)).Inc()
}

func kindLabel(k protoerr.Kind) string {
	switch k {
	case protoerr.NotFound:
		return "not_found"
	case protoerr.MissingAuth:
		return "missing_auth"
	default:
		return "internal"
	}
}
