// Package shmseg implements SharedSegment: a named, reference-counted,
// memory-mapped region carrying a fixed header and a variable-size
// payload buffer, opened-or-created by its first caller (the "owner") and
// joined by later callers who block until the owner's initializer has
// run.
//
// The region is backed by a regular file under a tmpfs-style directory
// (/dev/shm on Linux), mapped with golang.org/x/sys/unix.Mmap using
// MAP_SHARED so that writes are visible across every process that has
// mapped the same file — the Go-native equivalent of POSIX shm_open +
// mmap.
//
// Windows is out of scope: there is no stub here because faking
// mmap/flock semantics on top of CreateFileMapping would be a rewrite,
// not a stub, and nothing in this module exercises it.
//
//go:build !windows

package shmseg

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/relaydb/ipcfabric/pkg/ipcerr"
	log "github.com/relaydb/ipcfabric/pkg/minilog"
)

// DefaultDir is where segment backing files live absent an explicit
// directory override.
const DefaultDir = "/dev/shm"

// headerSize is the fixed prefix of every segment: ownerPid, ownerId,
// alive, (type,version), the body mutex word, and the four handshake
// words used by internal/channel. It must stay a multiple of 4 so the
// payload that follows starts aligned for atomic access, and its own
// fields must be laid out at 4-byte-aligned offsets for the same reason.
const headerSize = 40

// MaxPayloadSize is the static assertion every message must satisfy: a
// body (plus any fixed tail) can never exceed this, matching the
// MessageLen field's range.
const MaxPayloadSize = 65535

// field offsets within the header, all 4-byte aligned.
const (
	offOwnerPid     = 0
	offOwnerID      = 4
	offAlive        = 8
	offTypeVersion  = 12 // low 16 bits type, high 16 bits version
	offMutex        = 16
	offReceiverFlag = 20
	offSenderFlag   = 24
	offReceiverSig  = 28
	offSenderSig    = 32
	offLenAndIndex  = 36 // low 16 bits messageLen, next byte messageIndex
)

// Segment is a memory-mapped region shared across processes. The creating
// process is the "owner": it runs the initializer under mutual exclusion
// with any concurrent joiner and is responsible for eventual cleanup.
type Segment struct {
	name string
	dir  string
	path string

	mu      sync.Mutex // guards file/refs bookkeeping in this process
	file    *os.File
	mapping []byte
	isOwner bool

	refs int32 // process-local reference count
}

// Params is the compatibility tag stored in the header: joiners whose
// Params disagree with what's already there fail with IncompatibleSegment
// without touching the body.
type Params struct {
	Type    uint16
	Version uint16
}

// Initializer runs exactly once, by the owner, before any joiner's New
// call returns. body is the payload region (len == capacity requested).
type Initializer func(body []byte)

func segPath(dir, name string) (string, error) {
	if dir == "" {
		dir = DefaultDir
	}
	if name == "" || strings.ContainsAny(name, "/\x00") || strings.Contains(name, "..") {
		return "", ipcerr.New(ipcerr.InvalidName, "shmseg.segPath", "invalid segment name: "+name)
	}
	return filepath.Join(dir, name), nil
}

// New opens-or-creates a shared-memory region of at least capacity bytes
// of payload named name under dir (DefaultDir if empty). The first caller
// to actually create the backing file is the owner and runs init; everyone
// else blocks (via a file lock on the same backing file) until the owner
// has finished initializing, then validates params against the stored
// header.
func New(dir, name string, capacity int, params Params, init Initializer) (*Segment, error) {
	if capacity < 0 || capacity > MaxPayloadSize {
		return nil, ipcerr.New(ipcerr.OsError, "shmseg.New", "capacity exceeds MaxPayloadSize")
	}

	path, err := segPath(dir, name)
	if err != nil {
		return nil, err
	}

	total := headerSize + capacity

	// O_CREATE|O_EXCL tells us authoritatively whether we are the owner;
	// if the file already exists we open it for joining instead.
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
	owner := err == nil
	if err != nil {
		if !os.IsExist(err) {
			return nil, ipcerr.Wrap(ipcerr.OsError, "shmseg.New", "create "+path, err)
		}
		f, err = os.OpenFile(path, os.O_RDWR, 0600)
		if err != nil {
			return nil, ipcerr.Wrap(ipcerr.OsError, "shmseg.New", "open "+path, err)
		}
	}

	// Serialize owner-initialization vs. joiners with an exclusive flock
	// on the same fd: joiners block here until the owner has finished
	// writing the header, without a process-shared pthread mutex.
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		return nil, ipcerr.Wrap(ipcerr.OsError, "shmseg.New", "flock "+path, err)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	if owner {
		if err := f.Truncate(int64(total)); err != nil {
			f.Close()
			os.Remove(path)
			return nil, ipcerr.Wrap(ipcerr.OsError, "shmseg.New", "truncate "+path, err)
		}
	} else {
		st, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, ipcerr.Wrap(ipcerr.OsError, "shmseg.New", "stat "+path, err)
		}
		if int(st.Size()) < total {
			f.Close()
			return nil, ipcerr.New(ipcerr.OsError, "shmseg.New", "existing segment smaller than requested capacity")
		}
	}

	mapping, err := unix.Mmap(int(f.Fd()), 0, total, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		if owner {
			os.Remove(path)
		}
		return nil, ipcerr.Wrap(ipcerr.OsError, "shmseg.New", "mmap "+path, err)
	}

	s := &Segment{
		name:    name,
		dir:     dir,
		path:    path,
		file:    f,
		mapping: mapping,
		isOwner: owner,
		refs:    1,
	}

	if owner {
		putUint32(mapping, offOwnerPid, uint32(os.Getpid()))
		putUint32(mapping, offOwnerID, nextOwnerID())
		tv := uint32(params.Type) | uint32(params.Version)<<16
		putUint32(mapping, offTypeVersion, tv)

		if init != nil {
			init(s.Body())
		}

		atomic.StoreUint32(s.aliveWord(), 1)
		log.Info("shmseg: created segment %v (pid=%v)", path, os.Getpid())
	} else {
		if atomic.LoadUint32(s.aliveWord()) == 0 {
			s.Close()
			return nil, ipcerr.New(ipcerr.OsError, "shmseg.New", "joined segment never initialized")
		}

		gotTV := loadUint32(mapping, offTypeVersion)
		wantTV := uint32(params.Type) | uint32(params.Version)<<16
		if gotTV != wantTV {
			s.Close()
			return nil, ipcerr.New(ipcerr.IncompatibleSegment, "shmseg.New",
				"segment type/version mismatch on join: "+path)
		}
		log.Info("shmseg: joined segment %v (pid=%v)", path, os.Getpid())
	}

	return s, nil
}

var ownerIDCounter uint32

func nextOwnerID() uint32 {
	return atomic.AddUint32(&ownerIDCounter, 1)
}

func putUint32(b []byte, off int, v uint32) {
	binary.LittleEndian.PutUint32(b[off:off+4], v)
}

func loadUint32(b []byte, off int) uint32 {
	return binary.LittleEndian.Uint32(b[off : off+4])
}

// word32 returns a pointer suitable for sync/atomic into the mapped
// region at off. The mapping is page-aligned and every offset we use is a
// multiple of 4, so this satisfies atomic's alignment requirement on every
// architecture Go supports.
func (s *Segment) word32(off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&s.mapping[off]))
}

func (s *Segment) aliveWord() *uint32        { return s.word32(offAlive) }
func (s *Segment) MutexWord() *uint32        { return s.word32(offMutex) }
func (s *Segment) ReceiverFlagWord() *uint32 { return s.word32(offReceiverFlag) }
func (s *Segment) SenderFlagWord() *uint32   { return s.word32(offSenderFlag) }
func (s *Segment) ReceiverSigWord() *uint32  { return s.word32(offReceiverSig) }
func (s *Segment) SenderSigWord() *uint32    { return s.word32(offSenderSig) }

// Path returns the backing file's path, used to derive named-signal paths
// that must outlive the segment itself.
func (s *Segment) Path() string { return s.path }

// IsOwner reports whether this process created the segment.
func (s *Segment) IsOwner() bool { return s.isOwner }

// OwnerPid returns the pid recorded by the owner at creation.
func (s *Segment) OwnerPid() int32 { return int32(loadUint32(s.mapping, offOwnerPid)) }

// OwnerID returns the owner-local counter recorded at creation.
func (s *Segment) OwnerID() int32 { return int32(loadUint32(s.mapping, offOwnerID)) }

// Alive reports the header's alive flag: 1 after create, 0 after
// disconnect, never reset once cleared.
func (s *Segment) Alive() bool { return atomic.LoadUint32(s.aliveWord()) != 0 }

// MarkDead transitions alive 1->0. Idempotent.
func (s *Segment) MarkDead() { atomic.StoreUint32(s.aliveWord(), 0) }

// Body returns the payload region following the fixed header. The
// length/index word lives in the header, not in Body.
func (s *Segment) Body() []byte { return s.mapping[headerSize:] }

// MessageLen/MessageIndex expose the per-exchange sub-header fields that
// internal/channel writes on send and reads on receive.
func (s *Segment) MessageLen() uint16 {
	return uint16(loadUint32(s.mapping, offLenAndIndex) & 0xffff)
}

func (s *Segment) MessageIndex() uint8 {
	return uint8(loadUint32(s.mapping, offLenAndIndex) >> 16)
}

func (s *Segment) SetMessageLenAndIndex(length uint16, index uint8) {
	putUint32(s.mapping, offLenAndIndex, uint32(length)|uint32(index)<<16)
}

// TryLock attempts to acquire the segment's body mutex, retrying with a
// short backoff until timeout elapses. This is a fallback for platforms
// without pthread_mutex_timedlock: a CAS-based spinlock polled at a fixed
// interval rather than blocked on a kernel futex, so it works identically
// whether the other side is a goroutine in this process or a thread in a
// different one mapping the same file.
func (s *Segment) TryLock(timeout time.Duration) bool {
	word := s.MutexWord()
	if atomic.CompareAndSwapUint32(word, 0, 1) {
		return true
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		time.Sleep(pollInterval)
		if atomic.CompareAndSwapUint32(word, 0, 1) {
			return true
		}
	}
	return false
}

// Unlock releases the segment's body mutex.
func (s *Segment) Unlock() {
	atomic.StoreUint32(s.MutexWord(), 0)
}

const pollInterval = 10 * time.Millisecond

// Close decrements the process-local reference count and, once it drops to
// zero, unmaps the region and closes the fd. The owner additionally
// removes the backing file unconditionally: if another process still
// holds the segment mapped, its mapping remains valid even though the
// name is gone.
func (s *Segment) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.refs--
	if s.refs > 0 {
		return nil
	}

	if err := unix.Munmap(s.mapping); err != nil {
		log.Error("shmseg: munmap %v: %v", s.path, err)
	}
	if err := s.file.Close(); err != nil {
		log.Error("shmseg: close %v: %v", s.path, err)
	}

	if s.isOwner {
		if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
			log.Error("shmseg: remove %v: %v", s.path, err)
		}
	}

	return nil
}

// Acquire bumps the process-local reference count for an additional owner
// of this *Segment value (e.g. a Sender and a Receiver sharing the same
// in-process handle in a test harness).
func (s *Segment) Acquire() {
	s.mu.Lock()
	s.refs++
	s.mu.Unlock()
}
