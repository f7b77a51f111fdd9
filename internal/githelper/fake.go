package githelper

import (
	"context"
	"io"
	"strings"
	"sync"
)

// Fake is a scripted Git double for unit tests that must not spawn real
// subprocesses. Each call is recorded and answered with the configured
// canned response, which is returned unchanged on every call.
type Fake struct {
	mu sync.Mutex

	InitErr error

	FetchErr error

	AdvertiseRefsOutput string
	AdvertiseRefsErr    error

	UploadPackOutput string
	UploadPackErr    error

	InitCalls      []string
	FetchCalls     []FetchCall
	AdvertiseCalls []string
	UploadCalls    []UploadCall
}

// FetchCall records one Fetch invocation.
type FetchCall struct {
	Local, Upstream, AuthHeader string
}

// UploadCall records one UploadPack invocation, including the request body
// the caller wrote to the (fake) child's stdin.
type UploadCall struct {
	Local string
	Body  string
}

var _ Git = (*Fake)(nil)

func (f *Fake) Init(ctx context.Context, local string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.InitCalls = append(f.InitCalls, local)
	return f.InitErr
}

func (f *Fake) Fetch(ctx context.Context, local, upstream, authHeader string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.FetchCalls = append(f.FetchCalls, FetchCall{Local: local, Upstream: upstream, AuthHeader: authHeader})
	return f.FetchErr
}

func (f *Fake) AdvertiseRefs(ctx context.Context, local string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.AdvertiseCalls = append(f.AdvertiseCalls, local)
	if f.AdvertiseRefsErr != nil {
		return nil, f.AdvertiseRefsErr
	}
	return io.NopCloser(strings.NewReader(f.AdvertiseRefsOutput)), nil
}

func (f *Fake) UploadPack(ctx context.Context, local string, requestBody io.Reader) (io.ReadCloser, error) {
	body, err := io.ReadAll(requestBody)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.UploadCalls = append(f.UploadCalls, UploadCall{Local: local, Body: string(body)})
	if f.UploadPackErr != nil {
		return nil, f.UploadPackErr
	}
	return io.NopCloser(strings.NewReader(f.UploadPackOutput)), nil
}

// CallCount returns the number of times each method was invoked, for
// assertions like "init called once across two concurrent requests."
func (f *Fake) CallCount() (init, fetch, advertise, upload int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.InitCalls), len(f.FetchCalls), len(f.AdvertiseCalls), len(f.UploadCalls)
}
