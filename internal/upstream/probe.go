package upstream

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/gitmirror/proxy/internal/pktline"
)

// Status classifies an upstream's response to a `git-upload-pack` ref
// advertisement probe.
type Status int

const (
	// StatusOK means the upstream answered and its advertisement was
	// parsed successfully.
	StatusOK Status = iota
	// StatusNotFound means the upstream returned 404.
	StatusNotFound
	// StatusMissingAuth means the upstream returned 401; Challenge
	// carries its `WWW-Authenticate` header value, passed through
	// verbatim to the client.
	StatusMissingAuth
)

// ProbeResult is the outcome of authenticating against an upstream's HEAD.
type ProbeResult struct {
	Status     Status
	Challenge  string  // WWW-Authenticate, set only when Status == StatusMissingAuth
	RemoteHead *string // symref=HEAD: target, nil when absent or repo is empty
}

// Probe performs the `info/refs?service=git-upload-pack` GET against
// upstream, classifying the response the way `git.rs::authenticate_with_head`
// does, and parses the default-branch symref out of a successful response.
func (c *Client) Probe(ctx context.Context, upstream, authHeader string) (ProbeResult, error) {
	url := upstream + "/info/refs?service=git-upload-pack"

	headers := http.Header{}
	if authHeader != "" {
		headers.Set("Authorization", authHeader)
	}

	resp, err := c.Do(ctx, http.MethodGet, url, nil, headers)
	if err != nil {
		return ProbeResult{}, fmt.Errorf("upstream: probing %s: %w", upstream, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		const wantContentType = "application/x-git-upload-pack-advertisement"
		if ct := resp.Header.Get("Content-Type"); ct != wantContentType {
			return ProbeResult{}, fmt.Errorf("upstream: %s returned Content-Type %q, want %q", upstream, ct, wantContentType)
		}
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return ProbeResult{}, fmt.Errorf("upstream: reading advertisement from %s: %w", upstream, err)
		}
		symref, err := pktline.ParseSmartRefs(body)
		if err != nil {
			return ProbeResult{}, fmt.Errorf("upstream: parsing advertisement from %s: %w", upstream, err)
		}
		return ProbeResult{Status: StatusOK, RemoteHead: symref}, nil
	case http.StatusNotFound:
		return ProbeResult{Status: StatusNotFound}, nil
	case http.StatusUnauthorized:
		return ProbeResult{Status: StatusMissingAuth, Challenge: resp.Header.Get("WWW-Authenticate")}, nil
	default:
		return ProbeResult{}, fmt.Errorf("upstream: unexpected status %d from %s", resp.StatusCode, upstream)
	}
}
