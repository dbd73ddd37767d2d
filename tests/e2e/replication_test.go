package e2e_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/subvolsync/subvolsync/internal/authsession"
	"github.com/subvolsync/subvolsync/internal/config"
	"github.com/subvolsync/subvolsync/internal/cryptostream"
	"github.com/subvolsync/subvolsync/internal/events"
	"github.com/subvolsync/subvolsync/internal/identity"
	"github.com/subvolsync/subvolsync/internal/node"
)

// fakeTools is an in-memory stand-in for extproc.BtrfsTools, the direct
// analogue of internal/node's own unit-test double: OpenSnapshotRead hands
// back whatever plaintext the test staged for a given snapshot path rather
// than shelling out to btrfs, so this suite exercises the wire protocol and
// the two encryption layers around it, not real filesystem behavior.
type fakeTools struct {
	content map[string][]byte
}

func newFakeTools() *fakeTools {
	return &fakeTools{content: map[string][]byte{}}
}

func (t *fakeTools) OpenSnapshotRead(ctx context.Context, snapshotPath, parentPath string) (io.ReadCloser, error) {
	data, ok := t.content[snapshotPath]
	if !ok {
		return nil, fmt.Errorf("fakeTools: no content staged for %s", snapshotPath)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (t *fakeTools) OpenReceiveSubvolume(ctx context.Context, destRoot string) (io.WriteCloser, error) {
	return nopWriteCloser{&bytes.Buffer{}}, nil
}

func (t *fakeTools) CreateSnapshot(ctx context.Context, srcPath, dstPath string, readOnly bool) error {
	return nil
}

func (t *fakeTools) DeleteSubvolume(ctx context.Context, path string) error { return nil }

func (t *fakeTools) ListChildSubvolumes(ctx context.Context, rootPath string) ([]string, error) {
	return nil, nil
}

func (t *fakeTools) MountDevice(ctx context.Context, device, target string) error { return nil }

func (t *fakeTools) UnmountDevice(ctx context.Context, target string) error { return nil }

var _ node.Tools = (*fakeTools)(nil)

type nopWriteCloser struct{ *bytes.Buffer }

func (nopWriteCloser) Close() error { return nil }

// harness bundles one running Node with the pieces a test needs to stage
// local snapshots and inspect what landed on disk.
type harness struct {
	node  *node.Node
	cfg   *config.NodeConfig
	tools *fakeTools
	roots identity.Roots
}

func newHarness(nodeName string, owned []string, bindAddr string) *harness {
	dir, err := os.MkdirTemp("", "subvolsync-e2e-")
	Expect(err).NotTo(HaveOccurred())
	DeferCleanup(func() { _ = os.RemoveAll(dir) })

	roots := identity.Roots{
		SnapshotRoot: filepath.Join(dir, "snapshots"),
		BackupRoot:   filepath.Join(dir, "backups"),
	}
	Expect(os.MkdirAll(roots.SnapshotRoot, 0o700)).To(Succeed())
	Expect(os.MkdirAll(roots.BackupRoot, 0o700)).To(Succeed())

	cfg := &config.NodeConfig{
		Version:         config.CurrentVersion,
		NodeName:        nodeName,
		BindAddress:     bindAddr,
		SnapshotRoot:    roots.SnapshotRoot,
		BackupRoot:      roots.BackupRoot,
		OwnedSubvolumes: owned,
		Peers:           map[string]config.Peer{},
		Grants:          map[string]config.Grant{},
	}

	tools := newFakeTools()
	n, err := node.New(context.Background(), cfg, tools, events.NewBus())
	Expect(err).NotTo(HaveOccurred())

	return &harness{node: n, cfg: cfg, tools: tools, roots: roots}
}

// stageLocalSnapshot drops a zero-byte marker under the snapshot root so the
// catalogue discovers snap, and registers plaintext as the content
// OpenSnapshotRead hands back for it.
func (h *harness) stageLocalSnapshot(snap identity.Snapshot, plaintext []byte) {
	path := h.roots.SnapshotPath(snap)
	Expect(os.WriteFile(path, nil, 0o600)).To(Succeed())
	h.tools.content[path] = plaintext
}

// freeAddr reserves an ephemeral loopback port and releases it immediately,
// for a bind address a Node can listen on moments later.
func freeAddr() string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	Expect(err).NotTo(HaveOccurred())
	addr := ln.Addr().String()
	Expect(ln.Close()).To(Succeed())
	return addr
}

// decryptBlob reverses a cryptostream.Encrypter-sealed backup blob,
// confirming what a restoring owner would eventually recover.
func decryptBlob(sealed, passphrase []byte) ([]byte, error) {
	var out bytes.Buffer
	dec := cryptostream.NewDecrypter(&out, passphrase)
	if _, err := dec.Write(sealed); err != nil {
		return nil, err
	}
	if err := dec.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

var _ = Describe("replication between two nodes", func() {
	var (
		ctx        context.Context
		cancel     context.CancelFunc
		passphrase = []byte("correct horse battery staple")
		verifier   = bytes.Repeat([]byte{0x24}, cryptostream.VerifierSize)
		bravoAddr  string
		bravo      *harness
		alpha      *harness
	)

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())
		bravoAddr = freeAddr()

		// bravo owns nothing locally: it is a pure backup target for
		// alpha's "home" subvolume, authenticated via the grant below.
		bravo = newHarness("bravo", nil, bravoAddr)
		bravo.cfg.Grants["alpha"] = config.Grant{
			PeerName: "alpha",
			Verifier: verifier,
			Push:     []string{"home"},
			Pull:     []string{"home"},
			Key:      cryptostream.DeriveKey(verifier, passphrase),
		}

		// alpha owns "home" and dials bravo to push it.
		alpha = newHarness("alpha", []string{"home"}, "")
		alpha.cfg.Passphrase = string(passphrase)
		alpha.cfg.Peers["bravo"] = config.Peer{
			Address: bravoAddr,
			Push:    []string{"home"},
			Pull:    []string{"home"},
		}

		go func() {
			defer GinkgoRecover()
			if err := bravo.node.Run(ctx); err != nil && ctx.Err() == nil {
				Fail(fmt.Sprintf("bravo.Run: %v", err))
			}
		}()
		Eventually(func() error {
			conn, err := net.Dial("tcp", bravoAddr)
			if err == nil {
				_ = conn.Close()
			}
			return err
		}).Should(Succeed())
	})

	AfterEach(func() {
		cancel()
		Expect(alpha.node.Close()).To(Succeed())
		Expect(bravo.node.Close()).To(Succeed())
	})

	// S1 + S2: a full push followed by an incremental, each landing on
	// bravo sealed and only decryptable with alpha's own passphrase.
	It("pushes a full snapshot, then an incremental, without re-sending either", func() {
		full := identity.Snapshot{
			Volume: identity.Volume{Node: "alpha", Subvol: "home"},
			Kind:   identity.Full,
			Taken:  time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
		}
		alpha.stageLocalSnapshot(full, []byte("full send-stream payload"))

		By("alpha pushing the full snapshot to bravo")
		Expect(alpha.node.SyncWith(ctx, "bravo")).To(Succeed())

		sealed, err := os.ReadFile(bravo.roots.BackupPath(full))
		Expect(err).NotTo(HaveOccurred())
		Expect(sealed).NotTo(BeEmpty())
		Expect(sealed).NotTo(Equal([]byte("full send-stream payload")))

		plaintext, err := decryptBlob(sealed, passphrase)
		Expect(err).NotTo(HaveOccurred())
		Expect(plaintext).To(Equal([]byte("full send-stream payload")))

		incr := identity.Snapshot{
			Volume: identity.Volume{Node: "alpha", Subvol: "home"},
			Kind:   identity.Incremental,
			Taken:  time.Date(2026, 1, 1, 13, 0, 0, 0, time.UTC),
		}
		alpha.stageLocalSnapshot(incr, []byte("incremental delta payload"))

		By("alpha pushing only the new incremental on a second round")
		Expect(alpha.node.SyncWith(ctx, "bravo")).To(Succeed())

		sealedIncr, err := os.ReadFile(bravo.roots.BackupPath(incr))
		Expect(err).NotTo(HaveOccurred())
		plaintextIncr, err := decryptBlob(sealedIncr, passphrase)
		Expect(err).NotTo(HaveOccurred())
		Expect(plaintextIncr).To(Equal([]byte("incremental delta payload")))

		By("a third round carrying nothing new, since bravo's tips now match alpha's")
		Expect(alpha.node.SyncWith(ctx, "bravo")).To(Succeed())

		entries, err := os.ReadDir(bravo.roots.BackupRoot)
		Expect(err).NotTo(HaveOccurred())
		Expect(entries).To(HaveLen(2))
	})

	// S5: a peer authenticating under the wrong passphrase must be
	// rejected before any volume is ever discussed.
	It("rejects a peer authenticating with the wrong passphrase", func() {
		mallory := newHarness("alpha", []string{"home"}, "")
		mallory.cfg.Passphrase = "not the shared secret"
		mallory.cfg.Peers["bravo"] = config.Peer{
			Address: bravoAddr,
			Push:    []string{"home"},
			Pull:    []string{"home"},
		}

		err := mallory.node.SyncWith(ctx, "bravo")
		Expect(err).To(HaveOccurred())
		Expect(errors.Is(err, authsession.ErrUnauthorized)).To(BeTrue())
		Expect(mallory.node.Close()).To(Succeed())
	})
})
