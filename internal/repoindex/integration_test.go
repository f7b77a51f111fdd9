package repoindex

import (
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gitmirror/proxy/internal/githelper"
	"github.com/gitmirror/proxy/internal/logging"
)

// TestMirrorEndToEndWithRealGit exercises githelper.Helper against the real
// git binary: init a bare mirror, fetch it from a local upstream path,
// then stream both smart-HTTP endpoints off the resulting mirror. No
// network access is involved; the "upstream" is a local repository built
// with plain git commands, mirroring the teacher's local-upstream
// integration-test setup.
func TestMirrorEndToEndWithRealGit(t *testing.T) {
	if testing.Short() {
		t.Skip("short mode")
	}
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}

	root := t.TempDir()
	upstreamPath := filepath.Join(root, "upstream-src")
	makeUpstreamRepo(t, upstreamPath)

	log, err := logging.New("error")
	if err != nil {
		t.Fatalf("logging.New: %v", err)
	}
	helper := githelper.New(log)

	local := filepath.Join(root, "mirror", "org", "repo.git")
	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		t.Fatalf("mkdir mirror parent: %v", err)
	}
	if err := helper.Init(t.Context(), local); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := helper.Fetch(t.Context(), local, upstreamPath, ""); err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	refs, err := helper.AdvertiseRefs(t.Context(), local)
	if err != nil {
		t.Fatalf("AdvertiseRefs: %v", err)
	}
	refsOut, err := io.ReadAll(refs)
	refs.Close()
	if err != nil {
		t.Fatalf("reading advertise-refs output: %v", err)
	}
	if !strings.Contains(string(refsOut), "refs/heads/main") {
		t.Errorf("advertise-refs output missing refs/heads/main: %q", refsOut)
	}

	// Negotiate a pack for the fetched branch; "want" the commit the
	// mirror just pulled in, then "done" without any "have" lines.
	headSHA := revParse(t, upstreamPath, "main")
	req := "0045want " + headSHA + " multi_ack_detailed\n" + "00000009done\n"

	pack, err := helper.UploadPack(t.Context(), local, strings.NewReader(req))
	if err != nil {
		t.Fatalf("UploadPack: %v", err)
	}
	packOut, err := io.ReadAll(pack)
	pack.Close()
	if err != nil {
		t.Fatalf("reading upload-pack output: %v", err)
	}
	if len(packOut) == 0 {
		t.Error("upload-pack produced no output")
	}

	// Repeated Init against the same path is a no-op from the caller's
	// perspective: `git init --bare` on an existing bare repo succeeds.
	if err := helper.Init(t.Context(), local); err != nil {
		t.Errorf("second Init: %v", err)
	}
}

func makeUpstreamRepo(t *testing.T, path string) {
	t.Helper()
	mustRun(t, "", "git", "init", path)
	mustRun(t, path, "sh", "-c", "echo first > file.txt")
	mustRun(t, path, "git", "add", "file.txt")
	mustRun(t, path, "git", "-c", "user.email=test@example.com", "-c", "user.name=test", "commit", "-m", "first")
	mustRun(t, path, "git", "branch", "-M", "main")
}

func revParse(t *testing.T, dir, ref string) string {
	t.Helper()
	cmd := exec.Command("git", "rev-parse", ref)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		t.Fatalf("rev-parse %s: %v", ref, err)
	}
	return strings.TrimSpace(string(out))
}

func mustRun(t *testing.T, dir, name string, args ...string) {
	t.Helper()
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_TERMINAL_PROMPT=0",
		"GIT_CONFIG_GLOBAL=/dev/null",
		"GIT_CONFIG_SYSTEM=/dev/null",
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("cmd %s %s failed: %v\n%s", name, strings.Join(args, " "), err, out)
	}
}
