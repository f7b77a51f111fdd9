// Package repoindex maps an upstream Git URL to a sanitized local path on
// disk and an interned per-repository lock, creating the bare mirror
// exactly once. It is grounded on the original implementation's
// `repo.rs::Index`, not the superseded, unsanitized `index.rs` draft.
package repoindex

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gitmirror/proxy/internal/githelper"
	"github.com/gitmirror/proxy/internal/upstream"
	"github.com/hashicorp/go-set/v3"
	"golang.org/x/sync/singleflight"
)

// ErrNotFound is returned for upstream URLs whose path contains a
// disallowed component (`.`, `..`, an empty segment, or anything else
// that isn't a plain path element) — mirroring repo.rs's rejection of any
// `Component` that isn't `Component::Normal`.
var ErrNotFound = fmt.Errorf("repoindex: disallowed path component in upstream URL")

// Index maps sanitized local paths to their RepoEntry, creating each
// mirror's directory and running `git init` exactly once per path.
type Index struct {
	git      githelper.Git
	prober   *upstream.Client
	cacheDir string

	mu      sync.Mutex
	entries map[string]*RepoEntry

	group singleflight.Group

	activeMu sync.Mutex
	activeS  *set.Set[string]
}

// New returns an Index rooted at cacheDir, using git for all subprocess
// operations and prober to authenticate against upstream HEADs.
func New(cacheDir string, git githelper.Git, prober *upstream.Client) *Index {
	return &Index{
		git:      git,
		prober:   prober,
		cacheDir: cacheDir,
		entries:  make(map[string]*RepoEntry),
		activeS:  set.New[string](8),
	}
}

// RepoEntry is one mirror's identity: its sanitized local path, the
// upstream URL it mirrors, and the exclusive lock that serializes all
// operations against it.
type RepoEntry struct {
	mu       sync.Mutex
	Upstream string
	Local    string
	git      githelper.Git
	prober   *upstream.Client
}

// Open resolves upstream to a RepoEntry, sanitizing its path and creating
// the bare mirror on first access. Concurrent Opens for the same
// sanitized path collapse into a single `mkdir` + `git init` via
// singleflight, satisfying the at-most-once-init invariant.
func (idx *Index) Open(ctx context.Context, upstream string) (*RepoEntry, error) {
	local, err := idx.sanitize(upstream)
	if err != nil {
		return nil, err
	}

	idx.mu.Lock()
	if e, ok := idx.entries[local]; ok {
		idx.mu.Unlock()
		return e, nil
	}
	idx.mu.Unlock()

	result, err, _ := idx.group.Do(local, func() (interface{}, error) {
		idx.mu.Lock()
		if e, ok := idx.entries[local]; ok {
			idx.mu.Unlock()
			return e, nil
		}
		idx.mu.Unlock()

		if err := os.MkdirAll(local, 0o755); err != nil {
			return nil, fmt.Errorf("repoindex: creating directory for %s: %w", local, err)
		}
		if err := idx.git.Init(ctx, local); err != nil {
			return nil, fmt.Errorf("repoindex: initializing mirror at %s: %w", local, err)
		}

		e := &RepoEntry{Upstream: upstream, Local: local, git: idx.git, prober: idx.prober}
		idx.mu.Lock()
		idx.entries[local] = e
		idx.mu.Unlock()
		return e, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*RepoEntry), nil
}

// sanitize normalizes upstream's host and path into a filesystem path
// under cacheDir, rejecting any component — host included — that isn't a
// plain path element: `.`, `..`, repeated slashes, and absolute markers,
// the same set `repo.rs` rejects via `Component::Normal`.
func (idx *Index) sanitize(upstream string) (string, error) {
	u, err := url.Parse(upstream)
	if err != nil || u.Host == "" {
		return "", ErrNotFound
	}
	if !isNormalComponent(u.Host) {
		return "", ErrNotFound
	}

	segments := strings.Split(u.Path, "/")
	if len(segments) == 0 || segments[0] != "" {
		return "", ErrNotFound
	}
	segments = segments[1:] // drop the leading "" from the path's initial "/"

	var clean []string
	clean = append(clean, u.Host)
	for i, seg := range segments {
		isTrailingSlash := seg == "" && i == len(segments)-1
		switch {
		case isTrailingSlash:
			continue
		case seg == "":
			// A non-trailing empty segment means "//", which is not a
			// Component::Normal element.
			return "", ErrNotFound
		case !isNormalComponent(seg):
			return "", ErrNotFound
		default:
			clean = append(clean, seg)
		}
	}
	if len(clean) < 2 {
		return "", ErrNotFound
	}

	last := clean[len(clean)-1]
	clean[len(clean)-1] = strings.TrimSuffix(last, ".git") + ".git"

	local := filepath.Join(append([]string{idx.cacheDir}, clean...)...)
	return local, nil
}

// isNormalComponent reports whether seg is a Component::Normal path element:
// not empty, not `.`, not `..`. Applied to the host and every path segment,
// since either can smuggle a traversal (`Host() == ".."` parses cleanly out
// of `https://../a/b`).
func isNormalComponent(seg string) bool {
	return seg != "" && seg != "." && seg != ".."
}

// markActive / markInactive track which local paths currently hold their
// per-repo lock, exposed via ActiveRepos for introspection/metrics — an
// operational view layered on top of the locking semantics above, not a
// change to them.
func (idx *Index) markActive(local string) {
	idx.activeMu.Lock()
	idx.activeS.Insert(local)
	idx.activeMu.Unlock()
}

func (idx *Index) markInactive(local string) {
	idx.activeMu.Lock()
	idx.activeS.Remove(local)
	idx.activeMu.Unlock()
}

// ActiveRepos returns the local paths currently holding their
// per-repository lock.
func (idx *Index) ActiveRepos() []string {
	idx.activeMu.Lock()
	defer idx.activeMu.Unlock()
	return idx.activeS.Slice()
}

// Lock acquires e's exclusive lock and records it as active until the
// returned func is called to release it.
func (e *RepoEntry) Lock(idx *Index) func() {
	e.mu.Lock()
	idx.markActive(e.Local)
	return func() {
		idx.markInactive(e.Local)
		e.mu.Unlock()
	}
}
