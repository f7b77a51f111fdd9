package repoindex

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/gitmirror/proxy/internal/protoerr"
	"github.com/gitmirror/proxy/internal/upstream"
)

// AuthenticateWithHead probes the upstream's HEAD, delegating to the
// shared UpstreamProbe client. Callers must hold e's lock.
func (e *RepoEntry) AuthenticateWithHead(ctx context.Context, authHeader string) (*string, *protoerr.Error) {
	result, err := e.prober.Probe(ctx, e.Upstream, authHeader)
	if err != nil {
		return nil, protoerr.WrapInternal(err)
	}
	switch result.Status {
	case upstream.StatusOK:
		return result.RemoteHead, nil
	case upstream.StatusNotFound:
		return nil, protoerr.WrapNotFound(fmt.Errorf("upstream %s: not found", e.Upstream))
	case upstream.StatusMissingAuth:
		if result.Challenge == "" {
			return nil, protoerr.WrapInternal(fmt.Errorf("upstream %s: 401 without WWW-Authenticate", e.Upstream))
		}
		return nil, protoerr.WrapMissingAuth(result.Challenge)
	default:
		return nil, protoerr.WrapInternal(fmt.Errorf("upstream %s: unrecognized probe status", e.Upstream))
	}
}

// Fetch updates e's mirror from its upstream. When remoteHead is non-nil,
// the mirror's HEAD is rewritten to point at it before fetching, mirroring
// `repo.rs::Repo::fetch`'s ordering: the symref must be in place before
// the objects it names are expected to resolve. Callers must hold e's
// lock.
func (e *RepoEntry) Fetch(ctx context.Context, remoteHead *string, authHeader string) error {
	if remoteHead != nil {
		headPath := filepath.Join(e.Local, "HEAD")
		if err := os.WriteFile(headPath, []byte("ref: "+*remoteHead), 0o644); err != nil {
			return fmt.Errorf("repoindex: updating HEAD for %s: %w", e.Local, err)
		}
	}
	return e.git.Fetch(ctx, e.Local, e.Upstream, authHeader)
}

// AdvertiseRefs streams the mirror's `--http-backend-info-refs` output.
// Callers must hold e's lock.
func (e *RepoEntry) AdvertiseRefs(ctx context.Context) (io.ReadCloser, error) {
	return e.git.AdvertiseRefs(ctx, e.Local)
}

// UploadPack streams the mirror's pack negotiation response for
// requestBody. Callers must hold e's lock.
func (e *RepoEntry) UploadPack(ctx context.Context, requestBody io.Reader) (io.ReadCloser, error) {
	return e.git.UploadPack(ctx, e.Local, requestBody)
}
