// Package extproc defines the external-collaborator surface the core
// depends on to actually move bytes — opening a local snapshot's send
// stream, receiving one into a new subvolume, creating/deleting
// subvolumes, and listing children for teardown — and ships one concrete
// implementation, BtrfsTools, shelling out to the btrfs-progs CLI.
package extproc

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"k8s.io/klog/v2"
)

// Errors matching spec.md §7's external-process kind.
var (
	ErrExternalCmdFailed = errors.New("extproc: external command failed")
	ErrNoCmdInput        = errors.New("extproc: command produced no stdin pipe")
	ErrNoCmdOutput       = errors.New("extproc: command produced no stdout pipe")
)

// SnapshotReader produces the raw send-stream of a local snapshot. An empty
// parentPath requests a full send; otherwise the stream is incremental
// against that parent. The returned ReadCloser yields EOF deterministically
// at end-of-stream; Close waits on the underlying process and surfaces any
// non-zero exit as ErrExternalCmdFailed.
type SnapshotReader interface {
	OpenSnapshotRead(ctx context.Context, snapshotPath, parentPath string) (io.ReadCloser, error)
}

// SubvolumeReceiver produces a sink that accepts a send-stream and
// materializes it as a new subvolume under destRoot. Close waits on the
// child process; the caller must close the sink (dropping the AEAD-writer
// wrapper) before Close returns, to avoid a pipe-write deadlock against a
// child still draining its stdin buffer.
type SubvolumeReceiver interface {
	OpenReceiveSubvolume(ctx context.Context, destRoot string) (io.WriteCloser, error)
}

// SnapshotCreator creates a (typically read-only) snapshot of src at dst.
type SnapshotCreator interface {
	CreateSnapshot(ctx context.Context, srcPath, dstPath string, readOnly bool) error
}

// SubvolumeDeleter deletes the subvolume at path.
type SubvolumeDeleter interface {
	DeleteSubvolume(ctx context.Context, path string) error
}

// ChildLister enumerates the subvolumes nested under rootPath, for teardown.
type ChildLister interface {
	ListChildSubvolumes(ctx context.Context, rootPath string) ([]string, error)
}

// Mounter mounts and unmounts the backing filesystem a node's snapshot and
// backup roots live on. UnmountDevice uses DETACH (lazy) semantics: it
// succeeds even while a file under target is still held open by a
// finishing child process, matching spec.md §5's "release on node
// destruction is guaranteed on all exit paths."
type Mounter interface {
	MountDevice(ctx context.Context, device, target string) error
	UnmountDevice(ctx context.Context, target string) error
}

// defaultCommandTimeout bounds every btrfs invocation except the long-lived
// send/receive streams, which are bounded instead by the caller's ctx (a
// whole DataSync round).
const defaultCommandTimeout = 30 * time.Second

// BtrfsTools implements every extproc interface by shelling out to the
// btrfs-progs CLI, grounded on the exec.CommandContext + *exec.ExitError
// idiom the teacher uses throughout pkg/mount for external tool calls.
type BtrfsTools struct {
	// CommandTimeout bounds CreateSnapshot, DeleteSubvolume, and
	// ListChildSubvolumes. Zero means defaultCommandTimeout.
	CommandTimeout time.Duration
}

// NewBtrfsTools builds a BtrfsTools with the default command timeout.
func NewBtrfsTools() *BtrfsTools {
	return &BtrfsTools{CommandTimeout: defaultCommandTimeout}
}

func (b *BtrfsTools) timeout() time.Duration {
	if b.CommandTimeout > 0 {
		return b.CommandTimeout
	}
	return defaultCommandTimeout
}

// procReadCloser adapts a running *exec.Cmd's stdout pipe into an
// io.ReadCloser whose Close waits on the process.
type procReadCloser struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
}

func (r *procReadCloser) Read(p []byte) (int, error) { return r.stdout.Read(p) }

func (r *procReadCloser) Close() error {
	_ = r.stdout.Close()
	if err := r.cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("%w: %s: %s", ErrExternalCmdFailed, r.cmd.Args, exitErr)
		}
		return fmt.Errorf("%w: %s: %v", ErrExternalCmdFailed, r.cmd.Args, err)
	}
	return nil
}

// procWriteCloser adapts a running *exec.Cmd's stdin pipe into an
// io.WriteCloser whose Close closes stdin, then waits on the process.
type procWriteCloser struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
}

func (w *procWriteCloser) Write(p []byte) (int, error) { return w.stdin.Write(p) }

func (w *procWriteCloser) Close() error {
	closeErr := w.stdin.Close()
	waitErr := w.cmd.Wait()
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return fmt.Errorf("%w: %s: %s", ErrExternalCmdFailed, w.cmd.Args, exitErr)
		}
		return fmt.Errorf("%w: %s: %v", ErrExternalCmdFailed, w.cmd.Args, waitErr)
	}
	return closeErr
}

// OpenSnapshotRead runs `btrfs send [-p parentPath] snapshotPath`.
func (b *BtrfsTools) OpenSnapshotRead(ctx context.Context, snapshotPath, parentPath string) (io.ReadCloser, error) {
	args := []string{"send"}
	if parentPath != "" {
		args = append(args, "-p", parentPath)
	}
	args = append(args, snapshotPath)

	cmd := exec.CommandContext(ctx, "btrfs", args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoCmdOutput, err)
	}
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: starting btrfs send: %v", ErrExternalCmdFailed, err)
	}
	klog.V(4).Infof("extproc: started btrfs send for %s (parent=%q)", snapshotPath, parentPath)
	return &procReadCloser{cmd: cmd, stdout: stdout}, nil
}

// OpenReceiveSubvolume runs `btrfs receive destRoot`.
func (b *BtrfsTools) OpenReceiveSubvolume(ctx context.Context, destRoot string) (io.WriteCloser, error) {
	cmd := exec.CommandContext(ctx, "btrfs", "receive", destRoot)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoCmdInput, err)
	}
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: starting btrfs receive: %v", ErrExternalCmdFailed, err)
	}
	klog.V(4).Infof("extproc: started btrfs receive into %s", destRoot)
	return &procWriteCloser{cmd: cmd, stdin: stdin}, nil
}

// CreateSnapshot runs `btrfs subvolume snapshot [-r] srcPath dstPath`.
func (b *BtrfsTools) CreateSnapshot(ctx context.Context, srcPath, dstPath string, readOnly bool) error {
	runCtx, cancel := context.WithTimeout(ctx, b.timeout())
	defer cancel()

	args := []string{"subvolume", "snapshot"}
	if readOnly {
		args = append(args, "-r")
	}
	args = append(args, srcPath, dstPath)

	cmd := exec.CommandContext(runCtx, "btrfs", args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: btrfs subvolume snapshot %s -> %s: %v (output: %s)",
			ErrExternalCmdFailed, srcPath, dstPath, err, strings.TrimSpace(string(output)))
	}
	return nil
}

// DeleteSubvolume runs `btrfs subvolume delete path`.
func (b *BtrfsTools) DeleteSubvolume(ctx context.Context, path string) error {
	runCtx, cancel := context.WithTimeout(ctx, b.timeout())
	defer cancel()

	cmd := exec.CommandContext(runCtx, "btrfs", "subvolume", "delete", path)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: btrfs subvolume delete %s: %v (output: %s)",
			ErrExternalCmdFailed, path, err, strings.TrimSpace(string(output)))
	}
	return nil
}

// ListChildSubvolumes runs `btrfs subvolume list -o <rootPath>` and returns
// the listed paths, relative to the filesystem's top level as btrfs reports
// them.
func (b *BtrfsTools) ListChildSubvolumes(ctx context.Context, rootPath string) ([]string, error) {
	runCtx, cancel := context.WithTimeout(ctx, b.timeout())
	defer cancel()

	cmd := exec.CommandContext(runCtx, "btrfs", "subvolume", "list", "-o", rootPath)
	output, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("%w: btrfs subvolume list %s: %s", ErrExternalCmdFailed, rootPath, exitErr)
		}
		return nil, fmt.Errorf("%w: btrfs subvolume list %s: %v", ErrExternalCmdFailed, rootPath, err)
	}

	var paths []string
	scanner := bufio.NewScanner(bytes.NewReader(output))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		// btrfs subvolume list prints "... path <relative-path>" per line;
		// the path is always the final field.
		paths = append(paths, fields[len(fields)-1])
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("extproc: parsing subvolume list output: %w", err)
	}
	return paths, nil
}

// MountDevice runs `mount device target`.
func (b *BtrfsTools) MountDevice(ctx context.Context, device, target string) error {
	runCtx, cancel := context.WithTimeout(ctx, b.timeout())
	defer cancel()

	cmd := exec.CommandContext(runCtx, "mount", device, target)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: mount %s %s: %v (output: %s)",
			ErrExternalCmdFailed, device, target, err, strings.TrimSpace(string(output)))
	}
	klog.V(2).Infof("extproc: mounted %s at %s", device, target)
	return nil
}

// UnmountDevice runs `umount -l target`, a lazy (DETACH) unmount: the mount
// point is removed from the namespace immediately and the underlying
// filesystem is cleaned up once every remaining reference drops, so a
// slow-exiting btrfs send/receive child cannot block node shutdown.
func (b *BtrfsTools) UnmountDevice(ctx context.Context, target string) error {
	runCtx, cancel := context.WithTimeout(ctx, b.timeout())
	defer cancel()

	cmd := exec.CommandContext(runCtx, "umount", "-l", target)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: umount -l %s: %v (output: %s)",
			ErrExternalCmdFailed, target, err, strings.TrimSpace(string(output)))
	}
	klog.V(2).Infof("extproc: unmounted %s", target)
	return nil
}

// IsMounted reports whether targetPath appears as a mount point in
// /proc/self/mountinfo, parsing the structured field layout rather than
// substring-matching "subvol=/" in a single line — the latter is fragile
// against paths that legitimately contain that text elsewhere.
func IsMounted(targetPath string) (bool, error) {
	f, err := os.Open("/proc/self/mountinfo")
	if err != nil {
		return false, fmt.Errorf("extproc: opening mountinfo: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		// Format: mountID parentID maj:min root mountPoint options... "-" fsType source superOptions
		const mountPointField = 4
		if len(fields) <= mountPointField {
			continue
		}
		if fields[mountPointField] == targetPath {
			return true, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return false, fmt.Errorf("extproc: scanning mountinfo: %w", err)
	}
	return false, nil
}

var (
	_ SnapshotReader    = (*BtrfsTools)(nil)
	_ SubvolumeReceiver = (*BtrfsTools)(nil)
	_ SnapshotCreator   = (*BtrfsTools)(nil)
	_ SubvolumeDeleter  = (*BtrfsTools)(nil)
	_ ChildLister       = (*BtrfsTools)(nil)
	_ Mounter           = (*BtrfsTools)(nil)
)
