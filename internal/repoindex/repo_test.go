package repoindex

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gitmirror/proxy/internal/githelper"
)

func TestFetchWritesHeadBeforeFetching(t *testing.T) {
	dir := t.TempDir()
	fake := &githelper.Fake{}
	idx := New(dir, fake, testProber())
	ctx := context.Background()

	e, err := idx.Open(ctx, "https://example.com/a/b")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	remoteHead := "refs/heads/mock"
	if err := e.Fetch(ctx, &remoteHead, "mock auth"); err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(e.Local, "HEAD"))
	if err != nil {
		t.Fatalf("reading HEAD: %v", err)
	}
	if string(got) != "ref: refs/heads/mock" {
		t.Fatalf("HEAD = %q, want %q", got, "ref: refs/heads/mock")
	}

	if len(fake.FetchCalls) != 1 || fake.FetchCalls[0].AuthHeader != "mock auth" {
		t.Fatalf("unexpected fetch calls: %+v", fake.FetchCalls)
	}
}

func TestFetchSkipsHeadWriteWhenNoRemoteHead(t *testing.T) {
	dir := t.TempDir()
	fake := &githelper.Fake{}
	idx := New(dir, fake, testProber())
	ctx := context.Background()

	e, err := idx.Open(ctx, "https://example.com/a/b")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := e.Fetch(ctx, nil, ""); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if _, err := os.Stat(filepath.Join(e.Local, "HEAD")); !os.IsNotExist(err) {
		t.Fatalf("expected no HEAD file to be written, stat err = %v", err)
	}
}

func TestAuthenticateWithHeadClassifiesMissingAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("WWW-Authenticate", "mock authenticate")
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	dir := t.TempDir()
	fake := &githelper.Fake{}
	idx := New(dir, fake, testProber())
	ctx := context.Background()

	e, err := idx.Open(ctx, srv.URL+"/a/b")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	_, probeErr := e.AuthenticateWithHead(ctx, "")
	if probeErr == nil {
		t.Fatalf("expected a MissingAuth error")
	}
	if probeErr.Challenge != "mock authenticate" {
		t.Fatalf("expected challenge to be forwarded, got %q", probeErr.Challenge)
	}
}
