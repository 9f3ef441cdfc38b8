//go:build !windows

package signal

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/relaydb/ipcfabric/pkg/ipcerr"
	log "github.com/relaydb/ipcfabric/pkg/minilog"
)

// DefaultDir is where Named signals live when no directory is supplied
// explicitly. /dev/shm is tmpfs-backed on Linux, the same place
// SharedSegment's backing files live, so named signals and the segments
// they accompany share a lifetime class (both gone on reboot, both
// independent of any single process's exit).
const DefaultDir = "/dev/shm"

// Named is the named variant: a signal addressable by a path-style name,
// independent of any SharedSegment's own memory, so it remains openable
// even if the segment that motivated it has already been torn down. It
// plays the same role as a POSIX named semaphore without requiring cgo
// bindings to sem_open: presence/absence and content of a small file
// under Dir stand in for the kernel semaphore object.
type Named struct {
	path string
}

// sanitizeName enforces a POSIX-semaphore-style naming rule: names are
// path-style and conventionally prefixed with "/"; since we store a real
// filesystem name, any "/" inside the logical name (other than an optional
// leading one, which we strip) would escape Dir, so it's rejected.
func sanitizeName(name string) (string, error) {
	name = strings.TrimPrefix(name, "/")
	if name == "" || strings.Contains(name, "/") || strings.Contains(name, "..") {
		return "", ipcerr.New(ipcerr.InvalidName, "signal.sanitizeName", "invalid named-signal name: "+name)
	}
	return name, nil
}

// OpenNamed creates (or reopens) the named signal file "<dir>/<name>",
// starting in the unset state if newly created.
func OpenNamed(dir, name string) (*Named, error) {
	if dir == "" {
		dir = DefaultDir
	}

	clean, err := sanitizeName(name)
	if err != nil {
		return nil, err
	}

	path := filepath.Join(dir, clean)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, ipcerr.Wrap(ipcerr.OsError, "signal.OpenNamed", "open "+path, err)
	}
	f.Close()

	return &Named{path: path}, nil
}

func (n *Named) Reset() {
	if err := os.WriteFile(n.path, []byte{0}, 0600); err != nil {
		log.Error("signal.Named.Reset: %v: %v", n.path, err)
	}
}

func (n *Named) Signal() {
	if err := os.WriteFile(n.path, []byte{1}, 0600); err != nil {
		log.Error("signal.Named.Signal: %v: %v", n.path, err)
	}
}

func (n *Named) Wait(timeout time.Duration) bool {
	return pollWait(timeout, n.isSet)
}

func (n *Named) isSet() bool {
	b, err := os.ReadFile(n.path)
	if err != nil {
		return false
	}
	return len(b) > 0 && b[0] != 0
}

// Unlink removes the backing file: the owning receiver unlinks named
// objects on destruction; other attachments may keep valid references to
// the inode until their own close.
func (n *Named) Unlink() error {
	err := os.Remove(n.path)
	if err != nil && !os.IsNotExist(err) {
		return ipcerr.Wrap(ipcerr.OsError, "signal.Named.Unlink", n.path, err)
	}
	return nil
}
