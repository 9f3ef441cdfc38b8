// Package listener implements the server-side worker loop: a Listener
// owns either a single chat.Server or a chat.FamilyServer carrying several
// independently-typed protocols over one channel, runs one goroutine that
// repeatedly receives a request, dispatches it by variant tag to an
// embedder-supplied Handler, and sends the handler's response back to the
// requester's address — with an optional CheckUserRequest gate (single-
// server mode only) before any other tag is dispatched.
package listener

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaydb/ipcfabric/internal/chat"
	"github.com/relaydb/ipcfabric/internal/codec"
	"github.com/relaydb/ipcfabric/pkg/ipcerr"
	log "github.com/relaydb/ipcfabric/pkg/minilog"
)

// Handler produces a response variant for one request from addr. It runs
// on the Listener's single worker goroutine; a slow handler stalls every
// other client's request.
type Handler func(req codec.Variant, addr chat.Address) codec.Variant

// UserIdentifier is implemented by a request variant carrying the
// embedder's CheckUserRequest payload, so the Listener can extract a
// username without knowing the embedder's concrete request types.
type UserIdentifier interface {
	codec.Variant
	RequestedUser() string
}

// Config wires a Listener to a server and the embedder's dispatch table.
// Exactly one of Server or FamilyServer must be set.
type Config struct {
	// Server drives the common single-protocol case: one request/response
	// type pair, tag-dispatched through Handlers.
	Server *chat.Server

	// Handlers maps a request's variant tag to the function that answers
	// it. A tag with no entry is answered with NewException (if set) or
	// silently dropped. Used with Server.
	Handlers map[uint8]Handler

	// FamilyServer carries more than one independently-typed
	// request/response protocol over a single physical channel, each
	// distinguished by a leading family tag. Families maps each family
	// tag to that family's own variant-tag dispatch table. Mutually
	// exclusive with Server/Handlers.
	FamilyServer *chat.FamilyServer
	Families     map[uint8]map[uint8]Handler

	// AuthTag, if non-nil, names the discriminator of the embedder's
	// CheckUserRequest variant. Until a client's first message on AuthTag
	// succeeds, every other tag from that address is refused via
	// NewException. Only supported in single-server mode.
	AuthTag *uint8

	// Authorize validates the username extracted from a UserIdentifier
	// request. Required when AuthTag is set.
	Authorize func(userName string) error

	// NewException builds the response variant sent back when Authorize
	// fails, or when a non-auth tag arrives from an unauthenticated
	// address. Required when AuthTag is set.
	NewException func(err error) codec.Variant

	// TickInterval, if non-zero, invokes OnTick once per interval from
	// the idle callback while the worker loop is waiting.
	TickInterval time.Duration
	OnTick       func()
}

// Listener runs its configured server's receive loop on a dedicated
// goroutine, lazily started by Start and torn down by Shutdown.
type Listener struct {
	cfg Config

	authedMu sync.Mutex
	authed   map[chat.Address]bool

	done chan struct{}
	wg   sync.WaitGroup

	lastTick time.Time
}

// New validates cfg and returns an unstarted Listener.
func New(cfg Config) (*Listener, error) {
	single, multi := cfg.Server != nil, cfg.FamilyServer != nil
	if single == multi {
		return nil, ipcerr.New(ipcerr.OsError, "listener.New",
			"exactly one of Config.Server or Config.FamilyServer is required")
	}
	if multi && len(cfg.Families) == 0 {
		return nil, ipcerr.New(ipcerr.OsError, "listener.New",
			"Config.FamilyServer requires Config.Families")
	}
	if multi && cfg.AuthTag != nil {
		return nil, ipcerr.New(ipcerr.OsError, "listener.New",
			"AuthTag is not supported with Config.FamilyServer")
	}
	if cfg.AuthTag != nil && (cfg.Authorize == nil || cfg.NewException == nil) {
		return nil, ipcerr.New(ipcerr.OsError, "listener.New",
			"AuthTag requires both Authorize and NewException")
	}
	return &Listener{
		cfg:    cfg,
		authed: make(map[chat.Address]bool),
		done:   make(chan struct{}),
	}, nil
}

// Start launches the worker goroutine. Subsequent requesters who trigger
// the lock-downgrade bootstrap (see internal/bootstrap) find this Listener
// already running.
func (l *Listener) Start() {
	l.wg.Add(1)
	go l.run()
}

func (l *Listener) run() {
	defer l.wg.Done()

	if l.cfg.FamilyServer != nil {
		l.runFamilies()
		return
	}

	for {
		req, addr, ok := l.cfg.Server.Receive(l.idle)
		if !ok {
			return
		}
		l.dispatch(req, addr)
	}
}

func (l *Listener) runFamilies() {
	for {
		familyTag, req, addr, ok := l.cfg.FamilyServer.Receive(l.idle)
		if !ok {
			return
		}
		l.dispatchFamily(familyTag, req, addr)
	}
}

func (l *Listener) dispatchFamily(familyTag uint8, req codec.Variant, addr chat.Address) {
	handlers, found := l.cfg.Families[familyTag]
	if !found {
		log.Warn("listener: no handlers registered for family %d from %v", familyTag, addr)
		return
	}

	tag := req.VariantTag()
	traceID := uuid.New()
	log.Debug("listener: %v family %d request tag %d from %v", traceID, familyTag, tag, addr)

	handler, found := handlers[tag]
	if !found {
		log.Warn("listener: %v no handler for family %d tag %d from %v", traceID, familyTag, tag, addr)
		return
	}

	resp := handler(req, addr)
	if resp == nil {
		return
	}
	log.Debug("listener: %v replying to %v on family %d", traceID, addr, familyTag)
	l.cfg.FamilyServer.SendTo(familyTag, addr, resp, l.idle)
}

func (l *Listener) dispatch(req codec.Variant, addr chat.Address) {
	tag := req.VariantTag()

	// A per-request trace id, logged only — it never crosses the wire.
	// Correlating a request's log lines with its eventual response is
	// otherwise painful once a handler starts doing its own logging.
	traceID := uuid.New()
	log.Debug("listener: %v request tag %d from %v", traceID, tag, addr)

	if l.cfg.AuthTag != nil && tag == *l.cfg.AuthTag {
		l.handleAuth(traceID, req, addr)
		return
	}

	if l.cfg.AuthTag != nil && !l.isAuthenticated(addr) {
		log.Warn("listener: %v rejecting tag %d from %v: not authenticated", traceID, tag, addr)
		l.cfg.Server.SendTo(addr, l.cfg.NewException(ipcerr.New(ipcerr.NotAuthorized, "listener.dispatch", "channel not authenticated")), l.idle)
		return
	}

	handler, found := l.cfg.Handlers[tag]
	if !found {
		log.Warn("listener: %v no handler for tag %d from %v", traceID, tag, addr)
		if l.cfg.NewException != nil {
			l.cfg.Server.SendTo(addr, l.cfg.NewException(ipcerr.New(ipcerr.InvalidMessage, "listener.dispatch", "no handler registered")), l.idle)
		}
		return
	}

	resp := handler(req, addr)
	if resp == nil {
		return
	}
	log.Debug("listener: %v replying to %v", traceID, addr)
	l.cfg.Server.SendTo(addr, resp, l.idle)
}

func (l *Listener) handleAuth(traceID uuid.UUID, req codec.Variant, addr chat.Address) {
	ident, ok := req.(UserIdentifier)
	if !ok {
		l.cfg.Server.SendTo(addr, l.cfg.NewException(ipcerr.New(ipcerr.InvalidMessage, "listener.handleAuth", "auth tag request does not implement UserIdentifier")), l.idle)
		return
	}

	user := ident.RequestedUser()
	if err := l.cfg.Authorize(user); err != nil {
		log.Warn("listener: %v authorization failed for %q: %v", traceID, user, err)
		l.cfg.Server.SendTo(addr, l.cfg.NewException(err), l.idle)
		return
	}

	log.Info("listener: %v authenticated %v as %q", traceID, addr, user)
	l.setAuthenticated(addr)

	if handler, found := l.cfg.Handlers[*l.cfg.AuthTag]; found {
		if resp := handler(req, addr); resp != nil {
			l.cfg.Server.SendTo(addr, resp, l.idle)
		}
	}
}

func (l *Listener) isAuthenticated(addr chat.Address) bool {
	l.authedMu.Lock()
	defer l.authedMu.Unlock()
	return l.authed[addr]
}

func (l *Listener) setAuthenticated(addr chat.Address) {
	l.authedMu.Lock()
	defer l.authedMu.Unlock()
	l.authed[addr] = true
}

// idle is passed to the server's Receive/SendTo as its idle callback; it
// drives the optional tick and otherwise does nothing.
func (l *Listener) idle() {
	if l.cfg.TickInterval > 0 && l.cfg.OnTick != nil {
		now := time.Now()
		if now.Sub(l.lastTick) >= l.cfg.TickInterval {
			l.lastTick = now
			l.cfg.OnTick()
		}
	}
}

// Shutdown disconnects the underlying server, which unblocks the worker
// goroutine's Receive, then waits for it to exit. Because run only
// returns once Receive reports disconnected, Shutdown naturally drains
// whatever dispatch is already in flight before returning — no separate
// bound or context is needed.
func (l *Listener) Shutdown() {
	if l.cfg.FamilyServer != nil {
		l.cfg.FamilyServer.Disconnect()
	} else {
		l.cfg.Server.Disconnect()
	}
	l.wg.Wait()
	close(l.done)
}

// Done reports whether Shutdown has completed.
func (l *Listener) Done() <-chan struct{} { return l.done }
