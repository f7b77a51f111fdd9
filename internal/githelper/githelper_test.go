package githelper

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestFakeAdvertiseRefsRoundTrip(t *testing.T) {
	f := &Fake{AdvertiseRefsOutput: "001e# service=git-upload-pack\n0000"}
	rc, err := f.AdvertiseRefs(context.Background(), "/cache/example.com/a/b.git")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer rc.Close()

	var sb bytes.Buffer
	if _, err := sb.ReadFrom(rc); err != nil {
		t.Fatalf("reading output: %v", err)
	}
	if sb.String() != f.AdvertiseRefsOutput {
		t.Fatalf("got %q, want %q", sb.String(), f.AdvertiseRefsOutput)
	}
	if init, _, advertise, _ := f.CallCount(); init != 0 || advertise != 1 {
		t.Fatalf("unexpected call counts: init=%d advertise=%d", init, advertise)
	}
}

func TestFakeUploadPackCapturesBody(t *testing.T) {
	f := &Fake{UploadPackOutput: "PACK..."}
	rc, err := f.UploadPack(context.Background(), "/cache/x.git", strings.NewReader("0032want deadbeef\n0000"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer rc.Close()

	if len(f.UploadCalls) != 1 || f.UploadCalls[0].Body != "0032want deadbeef\n0000" {
		t.Fatalf("unexpected upload calls: %+v", f.UploadCalls)
	}
}

func TestFakeFetchRecordsAuthHeader(t *testing.T) {
	f := &Fake{}
	if err := f.Fetch(context.Background(), "/cache/x.git", "https://example.com/a/b", "mock auth"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(f.FetchCalls) != 1 || f.FetchCalls[0].AuthHeader != "mock auth" {
		t.Fatalf("unexpected fetch calls: %+v", f.FetchCalls)
	}
}
