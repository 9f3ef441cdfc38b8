// Package chat implements a symmetric request/response layer: many
// short-lived ChatClients exchange typed messages with one long-lived
// ChatServer, addressed by a stable (pid, uid) ClientAddress embedded in
// every request so the server never holds per-client connection state.
package chat

import (
	"fmt"
	"os"
	"sync/atomic"
)

// Address identifies one ChatClient's private reverse channel. pid is the
// OS process id at construction time; uid is a process-local monotonically
// increasing counter (first client in a process gets 0).
type Address struct {
	Pid uint64
	Uid uint64
}

var uidCounter uint64

// nextUID hands out the process-wide monotonic counter used for
// Address.Uid; it is the only global mutable state in the package.
func nextUID() uint64 {
	return atomic.AddUint64(&uidCounter, 1) - 1
}

// NewAddress mints a fresh Address for a client constructed in this
// process.
func NewAddress() Address {
	return Address{Pid: uint64(os.Getpid()), Uid: nextUID()}
}

// ReverseChannelName is the per-client segment name:
// ipc_chat_client_<pid>_<uid>.
func (a Address) ReverseChannelName() string {
	return fmt.Sprintf("ipc_chat_client_%d_%d", a.Pid, a.Uid)
}

// ListenerChannelName is the stable per-attachment name for a server's
// well-known channel: fb_ipc_chat_<pid>_<uid>.
func ListenerChannelName(pid, uid uint64) string {
	return fmt.Sprintf("fb_ipc_chat_%d_%d", pid, uid)
}
