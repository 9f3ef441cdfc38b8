//go:build windows

package signal

import (
	"time"

	"github.com/relaydb/ipcfabric/pkg/ipcerr"
)

// Named on Windows would back onto a CreateEvent/OpenEvent handle rather
// than a file under /dev/shm. No Windows build target is exercised by
// this module, so this stub only keeps the package buildable
// cross-platform; every constructor fails loudly rather than silently
// behaving like a no-op signal.
type Named struct{}

const DefaultDir = ""

func OpenNamed(dir, name string) (*Named, error) {
	return nil, ipcerr.New(ipcerr.OsError, "signal.OpenNamed", "named signals are not implemented on windows")
}

func (n *Named) Reset()                          {}
func (n *Named) Signal()                         {}
func (n *Named) Wait(timeout time.Duration) bool { return false }
func (n *Named) Unlink() error                   { return nil }
