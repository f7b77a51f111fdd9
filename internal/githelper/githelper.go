// Package githelper supervises the git subprocesses that back one mirror:
// init, fetch, ref advertisement and pack negotiation. It streams
// git-upload-pack's stdout to the caller while the child is still running,
// reaping its exit status on a background goroutine, mirroring the
// teacher's subprocess-handling conventions in mirror.go.
package githelper

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
)

// Git is the capability set this package needs from the git binary. The
// production implementation shells out; tests substitute a scripted double
// so the protocol handler and repo index can be exercised without spawning
// real subprocesses.
type Git interface {
	// Init creates a new bare repository at local.
	Init(ctx context.Context, local string) error
	// Fetch updates local's refs from upstream, passing authHeader (the
	// raw `Authorization` header value, or empty) to git without ever
	// placing it on argv or persisting it.
	Fetch(ctx context.Context, local, upstream, authHeader string) error
	// AdvertiseRefs streams the `--http-backend-info-refs` output for
	// local. The returned reader must be fully drained or closed by the
	// caller; the child's exit status is logged asynchronously and never
	// observed by the caller.
	AdvertiseRefs(ctx context.Context, local string) (io.ReadCloser, error)
	// UploadPack streams stdout from `git-upload-pack --stateless-rpc`
	// for local, writing requestBody to the child's stdin concurrently
	// with reading its stdout to avoid pipe deadlock on large requests.
	UploadPack(ctx context.Context, local string, requestBody io.Reader) (io.ReadCloser, error)
}

// Helper is the production, subprocess-backed Git implementation.
type Helper struct {
	log *slog.Logger

	// OnNonZeroExit, if set, is called with the op name whenever a
	// supervised subprocess exits non-zero, for metrics instrumentation.
	OnNonZeroExit func(op string)
}

// New returns a subprocess-backed Helper.
func New(log *slog.Logger) *Helper {
	return &Helper{log: log}
}

var _ Git = (*Helper)(nil)

func (h *Helper) Init(ctx context.Context, local string) error {
	cmd := exec.CommandContext(ctx, "git", "init", "--quiet", "--bare", local)
	cmd.Stdin = nil
	cmd.Env = baseEnv()
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("githelper: git init %s: %w: %s", local, err, out)
	}
	return nil
}

// Fetch runs `git fetch --quiet --prune-tags <upstream> +refs/*:refs/*`
// against local, passing the Authorization header through an env var and
// a `--config-env` flag so the credential never appears on argv or in a
// persisted git config file.
func (h *Helper) Fetch(ctx context.Context, local, upstream, authHeader string) error {
	args := []string{"-C", local}
	env := baseEnv()
	if authHeader != "" {
		args = append(args, "--config-env", "http.extraHeader=AUTHORIZATION")
		env = append(env, "AUTHORIZATION=authorization: "+authHeader)
	}
	args = append(args, "fetch", "--quiet", "--prune-tags", upstream, "+refs/*:refs/*")

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Stdin = nil
	cmd.Env = env
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("githelper: git fetch %s: %w: %s", local, err, out)
	}
	return nil
}

func (h *Helper) AdvertiseRefs(ctx context.Context, local string) (io.ReadCloser, error) {
	cmd := exec.CommandContext(ctx, "git-upload-pack", "--stateless-rpc", "--http-backend-info-refs", local)
	cmd.Stdin = nil
	cmd.Env = baseEnv()

	// An *os.File stdout is handed to the child as is, so the cmd.Wait in
	// reapAsync never closes the read end the caller is draining.
	stdout, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("githelper: advertise-refs stdout pipe: %w", err)
	}
	cmd.Stdout = pw
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		stdout.Close()
		pw.Close()
		return nil, fmt.Errorf("githelper: advertise-refs start: %w", err)
	}
	pw.Close()

	h.reapAsync(local, "advertise-refs", cmd, &stderr)
	return stdout, nil
}

func (h *Helper) UploadPack(ctx context.Context, local string, requestBody io.Reader) (io.ReadCloser, error) {
	cmd := exec.CommandContext(ctx, "git-upload-pack", "--stateless-rpc", local)
	cmd.Env = baseEnv()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("githelper: upload-pack stdin pipe: %w", err)
	}
	// As in AdvertiseRefs, an *os.File stdout keeps cmd.Wait from closing
	// the read end returned to the caller.
	stdout, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("githelper: upload-pack stdout pipe: %w", err)
	}
	cmd.Stdout = pw
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		stdout.Close()
		pw.Close()
		return nil, fmt.Errorf("githelper: upload-pack start: %w", err)
	}
	pw.Close()

	// Writing stdin and reading stdout must run concurrently: for a
	// request body large enough to fill the pipe buffer, the child
	// blocks writing its own output until its stdout is drained, and we'd
	// deadlock waiting on stdout before stdin is fully written.
	go func() {
		_, copyErr := io.Copy(stdin, requestBody)
		stdin.Close()
		if copyErr != nil {
			h.log.Warn("githelper: writing upload-pack stdin failed", "repo", local, "err", copyErr)
		}
	}()

	h.reapAsync(local, "upload-pack", cmd, &stderr)
	return stdout, nil
}

// reapAsync waits for cmd to exit on a background goroutine and logs a
// non-zero exit, without blocking the caller on the child's termination —
// the caller only needs the streamed stdout, not the exit status.
func (h *Helper) reapAsync(repo, op string, cmd *exec.Cmd, stderr *bytes.Buffer) {
	go func() {
		if err := cmd.Wait(); err != nil {
			h.log.Warn("githelper: subprocess exited non-zero",
				"repo", repo, "op", op, "err", err, "stderr", stderr.String())
			if h.OnNonZeroExit != nil {
				h.OnNonZeroExit(op)
			}
		}
	}()
}

func baseEnv() []string {
	return append(os.Environ(),
		"GIT_TERMINAL_PROMPT=0",
		"GIT_CONFIG_GLOBAL=/dev/null",
		"GIT_CONFIG_SYSTEM=/dev/null",
	)
}
