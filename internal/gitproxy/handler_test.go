package gitproxy

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/gitmirror/proxy/internal/config"
	"github.com/gitmirror/proxy/internal/githelper"
	"github.com/gitmirror/proxy/internal/logging"
	"github.com/gitmirror/proxy/internal/metrics"
	"github.com/gitmirror/proxy/internal/protoerr"
	"github.com/gitmirror/proxy/internal/repoindex"
	"github.com/gitmirror/proxy/internal/upstream"
)

func TestParseTarget(t *testing.T) {
	cases := []struct {
		name       string
		method     string
		target     string
		wantUp     string
		wantKind   Kind
		wantOK     bool
	}{
		{
			name:     "info refs",
			method:   http.MethodGet,
			target:   "/example.com/org/repo.git/info/refs?service=git-upload-pack",
			wantUp:   "https://example.com/org/repo.git",
			wantKind: KindInfoRefs,
			wantOK:   true,
		},
		{
			name:     "upload pack",
			method:   http.MethodPost,
			target:   "/example.com/org/repo.git/git-upload-pack",
			wantUp:   "https://example.com/org/repo.git",
			wantKind: KindUploadPack,
			wantOK:   true,
		},
		{
			name:   "wrong query value",
			method: http.MethodGet,
			target: "/example.com/org/repo.git/info/refs?service=git-receive-pack",
			wantOK: false,
		},
		{
			name:   "missing query",
			method: http.MethodGet,
			target: "/example.com/org/repo.git/info/refs",
			wantOK: false,
		},
		{
			name:   "wrong suffix for GET",
			method: http.MethodGet,
			target: "/example.com/org/repo.git/git-upload-pack?service=git-upload-pack",
			wantOK: false,
		},
		{
			name:   "wrong method",
			method: http.MethodDelete,
			target: "/example.com/org/repo.git/info/refs?service=git-upload-pack",
			wantOK: false,
		},
		{
			name:   "empty path before suffix",
			method: http.MethodPost,
			target: "/git-upload-pack",
			wantOK: false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			u, err := url.Parse(tc.target)
			if err != nil {
				t.Fatalf("parsing target: %v", err)
			}
			r := &http.Request{Method: tc.method, URL: u}

			gotUp, gotKind, gotOK := parseTarget(r)
			if gotOK != tc.wantOK {
				t.Fatalf("ok = %v, want %v", gotOK, tc.wantOK)
			}
			if !tc.wantOK {
				return
			}
			if gotUp != tc.wantUp {
				t.Errorf("upstream = %q, want %q", gotUp, tc.wantUp)
			}
			if gotKind != tc.wantKind {
				t.Errorf("kind = %q, want %q", gotKind, tc.wantKind)
			}
		})
	}
}

// testMetrics is shared by every test server: metrics.New registers its
// collectors with the default Prometheus registry, which panics when the
// same collectors are registered a second time.
var testMetrics = sync.OnceValue(func() *metrics.Metrics {
	return metrics.New(func() int { return 0 })
})

func testServer(t *testing.T, git githelper.Git) (*Server, *repoindex.Index) {
	t.Helper()
	prober := upstream.NewClient(5*time.Second, true, "test-agent")
	index := repoindex.New(t.TempDir(), git, prober)
	m := testMetrics()
	log, err := logging.New("error")
	if err != nil {
		t.Fatalf("logging.New: %v", err)
	}
	cfg := &config.Config{}
	return New(cfg, index, log, m), index
}

const advertisement = "001e# service=git-upload-pack\n" +
	"0000" +
	"004eaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa HEAD\x00symref=HEAD:refs/heads/main\n" +
	"0000"

func TestHandleInfoRefsNewRepoStreamsAdvertisement(t *testing.T) {
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-git-upload-pack-advertisement")
		_, _ = io.WriteString(w, advertisement)
	}))
	defer upstreamSrv.Close()

	fake := &githelper.Fake{AdvertiseRefsOutput: "0063deadbeef00000000000000000000000000000 HEAD\x000000"}
	s, index := testServer(t, fake)

	entry, err := index.Open(t.Context(), upstreamSrv.URL+"/org/repo")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/irrelevant/info/refs?service=git-upload-pack", nil)
	w := httptest.NewRecorder()

	if err := s.handleInfoRefs(w, req, entry.Upstream); err != nil {
		t.Fatalf("handleInfoRefs: %v", err)
	}

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/x-git-upload-pack-advertisement" {
		t.Errorf("content-type = %q", ct)
	}
	if cc := resp.Header.Get("Cache-Control"); cc != "no-cache" {
		t.Errorf("cache-control = %q", cc)
	}
	if srv := resp.Header.Get("Server"); srv != config.AppName {
		t.Errorf("server header = %q, want %q", srv, config.AppName)
	}

	body, _ := io.ReadAll(resp.Body)
	wantPrefix := "001e# service=git-upload-pack\n0000"
	if string(body)[:len(wantPrefix)] != wantPrefix {
		t.Errorf("body does not start with the service prelude: %q", body)
	}

	if n, _, _, _ := fake.CallCount(); n != 1 {
		t.Errorf("init calls = %d, want 1", n)
	}
	if _, n, _, _ := fake.CallCount(); n != 1 {
		t.Errorf("fetch calls = %d, want 1", n)
	}
}

func TestHandleInfoRefsUpstreamNotFound(t *testing.T) {
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer upstreamSrv.Close()

	fake := &githelper.Fake{}
	s, index := testServer(t, fake)
	entry, err := index.Open(t.Context(), upstreamSrv.URL+"/org/missing")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/irrelevant/info/refs?service=git-upload-pack", nil)
	w := httptest.NewRecorder()

	err = s.handleInfoRefs(w, req, entry.Upstream)
	pe, ok := err.(*protoerr.Error)
	if !ok {
		t.Fatalf("expected *protoerr.Error, got %T (%v)", err, err)
	}
	if pe.Kind != protoerr.NotFound {
		t.Errorf("kind = %v, want NotFound", pe.Kind)
	}
}

func TestHandleInfoRefsUpstreamRequiresAuth(t *testing.T) {
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("WWW-Authenticate", `Basic realm="git"`)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer upstreamSrv.Close()

	fake := &githelper.Fake{}
	s, index := testServer(t, fake)
	entry, err := index.Open(t.Context(), upstreamSrv.URL+"/org/private")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/irrelevant/info/refs?service=git-upload-pack", nil)
	w := httptest.NewRecorder()

	err = s.handleInfoRefs(w, req, entry.Upstream)
	pe, ok := err.(*protoerr.Error)
	if !ok {
		t.Fatalf("expected *protoerr.Error, got %T (%v)", err, err)
	}
	if pe.Kind != protoerr.MissingAuth {
		t.Errorf("kind = %v, want MissingAuth", pe.Kind)
	}
	if pe.Challenge != `Basic realm="git"` {
		t.Errorf("challenge = %q", pe.Challenge)
	}
}

func TestHandleUploadPackStreamsResult(t *testing.T) {
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-git-upload-pack-advertisement")
		_, _ = io.WriteString(w, advertisement)
	}))
	defer upstreamSrv.Close()

	fake := &githelper.Fake{UploadPackOutput: "0008NAK\n0000"}
	s, index := testServer(t, fake)
	entry, err := index.Open(t.Context(), upstreamSrv.URL+"/org/repo")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	reqBody := "0032want deadbeefdeadbeefdeadbeefdeadbeefdeadbeef\n00000009done\n"
	req := httptest.NewRequest(http.MethodPost, "/irrelevant/git-upload-pack", httpBody(reqBody))
	w := httptest.NewRecorder()

	if err := s.handleUploadPack(w, req, entry.Upstream); err != nil {
		t.Fatalf("handleUploadPack: %v", err)
	}

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/x-git-upload-pack-result" {
		t.Errorf("content-type = %q", ct)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "0008NAK\n0000" {
		t.Errorf("body = %q", body)
	}

	if _, _, _, n := fake.CallCount(); n != 1 {
		t.Errorf("upload-pack calls = %d, want 1", n)
	}
	if len(fake.UploadCalls) != 1 || fake.UploadCalls[0].Body != reqBody {
		t.Errorf("upload-pack did not receive the request body verbatim: %+v", fake.UploadCalls)
	}
}

func TestHandlerRoutesUnrecognizedRequestToEmptyNotFound(t *testing.T) {
	s, _ := testServer(t, &githelper.Fake{})

	req := httptest.NewRequest(http.MethodGet, "/just-a-path", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if len(body) != 0 {
		t.Errorf("expected an empty body, got %q", body)
	}
}

func TestWriteErrorInternalCarriesFixedBody(t *testing.T) {
	s, _ := testServer(t, &githelper.Fake{})

	w := httptest.NewRecorder()
	s.writeError(w, "https://example.com/org/repo.git", KindInfoRefs, protoerr.WrapInternal(io.ErrUnexpectedEOF))

	resp := w.Result()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != internalErrorBody {
		t.Errorf("body = %q, want the fixed %q", body, internalErrorBody)
	}
}

func httpBody(s string) *stringReadCloser {
	return &stringReadCloser{r: s}
}

// stringReadCloser adapts a string into an io.ReadCloser for building a
// request body without pulling in strings.NewReader + io.NopCloser at every
// call site.
type stringReadCloser struct {
	r   string
	pos int
}

func (s *stringReadCloser) Read(p []byte) (int, error) {
	if s.pos >= len(s.r) {
		return 0, io.EOF
	}
	n := copy(p, s.r[s.pos:])
	s.pos += n
	return n, nil
}

func (s *stringReadCloser) Close() error { return nil }
