package extproc

import (
	"bufio"
	"context"
	"errors"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"testing"
)

func TestIsMountedParsesStructuredMountinfo(t *testing.T) {
	f, err := os.Open("/proc/self/mountinfo")
	if err != nil {
		t.Skipf("no /proc/self/mountinfo on this platform: %v", err)
	}
	defer f.Close()

	var firstMountPoint string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) > 4 {
			firstMountPoint = fields[4]
			break
		}
	}
	if firstMountPoint == "" {
		t.Skip("could not find any mount point to test against")
	}

	mounted, err := IsMounted(firstMountPoint)
	if err != nil {
		t.Fatalf("IsMounted: %v", err)
	}
	if !mounted {
		t.Errorf("expected %q (read from mountinfo itself) to be reported mounted", firstMountPoint)
	}

	if mounted, err := IsMounted("/definitely/not/a/real/mount/point/subvolsync"); err != nil || mounted {
		t.Errorf("IsMounted(bogus) = (%v, %v), want (false, nil)", mounted, err)
	}
}

// fakeCmd builds an *exec.Cmd running /bin/sh, to wrap in a procReadCloser, so the
// ExitError-mapping path can be exercised without a real btrfs binary.
func fakeCmd(ctx context.Context, exitCode int, stdout string) *exec.Cmd {
	script := "echo -n '" + stdout + "'; exit " + strconv.Itoa(exitCode)
	return exec.CommandContext(ctx, "/bin/sh", "-c", script)
}

func TestProcReadCloserSurfacesExitError(t *testing.T) {
	ctx := context.Background()
	cmd := fakeCmd(ctx, 1, "partial output")
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		t.Fatalf("StdoutPipe: %v", err)
	}
	if err := cmd.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	rc := &procReadCloser{cmd: cmd, stdout: stdout}

	buf := make([]byte, 64)
	_, _ = rc.Read(buf)

	if err := rc.Close(); !errors.Is(err, ErrExternalCmdFailed) {
		t.Fatalf("Close() = %v, want ErrExternalCmdFailed", err)
	}
}

func TestProcReadCloserSucceedsOnCleanExit(t *testing.T) {
	ctx := context.Background()
	cmd := fakeCmd(ctx, 0, "hello")
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		t.Fatalf("StdoutPipe: %v", err)
	}
	if err := cmd.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	rc := &procReadCloser{cmd: cmd, stdout: stdout}

	buf := make([]byte, 64)
	n, _ := rc.Read(buf)
	if string(buf[:n]) != "hello" {
		t.Errorf("read %q, want %q", buf[:n], "hello")
	}
	if err := rc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestBtrfsToolsImplementsInterfaces(t *testing.T) {
	var (
		_ SnapshotReader    = NewBtrfsTools()
		_ SubvolumeReceiver = NewBtrfsTools()
		_ SnapshotCreator   = NewBtrfsTools()
		_ SubvolumeDeleter  = NewBtrfsTools()
		_ ChildLister       = NewBtrfsTools()
	)
}
