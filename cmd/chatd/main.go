// Command chatd hosts one ChatServer and Listener: a standalone process
// other tools address over the fabric, used here to exercise proto's
// demonstration command set end to end.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/relaydb/ipcfabric/internal/chat"
	"github.com/relaydb/ipcfabric/internal/channel"
	"github.com/relaydb/ipcfabric/internal/codec"
	"github.com/relaydb/ipcfabric/internal/listener"
	"github.com/relaydb/ipcfabric/internal/proto"
	"github.com/relaydb/ipcfabric/pkg/ipcerr"
	log "github.com/relaydb/ipcfabric/pkg/minilog"
)

var (
	fDir     = flag.String("dir", "", "directory backing shared-memory segments (default /dev/shm)")
	fName    = flag.String("name", "fb_ipc_chat_demo", "well-known channel name clients dial")
	fUser    = flag.String("user", "", "username required in the initial CheckUserRequest; empty disables the check")
	fVersion = flag.Uint("version", 1, "wire compatibility version stored in the channel header")
)

func usage() {
	fmt.Println("usage: chatd [option]...")
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Var(&log.LevelFlag, "level", "log level: debug, info, warn, error, fatal")
	flag.Parse()

	log.AddLogger("stderr", os.Stderr, log.LevelFlag, true)

	// A small in-memory tail of this process's own recent log lines,
	// captured at DEBUG regardless of what -level filters stderr with.
	ring := log.NewRing(64)
	log.AddLogger("ring", ring, log.DEBUG, false)

	reqUnion, err := proto.BuildRequestUnion()
	if err != nil {
		log.Fatal("building request union: %v", err)
		os.Exit(1)
	}
	respUnion, err := proto.BuildResponseUnion()
	if err != nil {
		log.Fatal("building response union: %v", err)
		os.Exit(1)
	}

	params := channel.Params{
		PhysicalName: *fName,
		LogicalName:  "chatd",
		Type:         1,
		Version:      uint16(*fVersion),
	}

	server, err := chat.NewServer(*fDir, params, reqUnion, respUnion)
	if err != nil {
		log.Fatal("opening server channel: %v", err)
		os.Exit(1)
	}

	var stats statsCounter

	cfg := listener.Config{
		Server: server,
		Handlers: map[uint8]listener.Handler{
			proto.TagPing: func(req codec.Variant, addr chat.Address) codec.Variant {
				stats.incr()
				return &proto.PongResponse{ServerPid: uint32(os.Getpid())}
			},
			proto.TagEcho: func(req codec.Variant, addr chat.Address) codec.Variant {
				stats.incr()
				r := req.(*proto.EchoRequest)
				return &proto.EchoResponse{Length: r.Length, Payload: r.Payload}
			},
			proto.TagStats: func(req codec.Variant, addr chat.Address) codec.Variant {
				return &proto.StatsResponse{RequestsServed: stats.get()}
			},
		},
	}

	if *fUser != "" {
		tag := proto.TagCheckUser
		cfg.AuthTag = &tag
		cfg.Handlers[proto.TagCheckUser] = func(req codec.Variant, addr chat.Address) codec.Variant {
			return &proto.Ack{}
		}
		cfg.Authorize = func(userName string) error {
			if userName != *fUser {
				return ipcerr.New(ipcerr.NotAuthorized, "chatd", "unexpected user: "+userName)
			}
			return nil
		}
		cfg.NewException = func(err error) codec.Variant {
			return proto.NewExceptionResponse(err.Error())
		}
	}

	l, err := listener.New(cfg)
	if err != nil {
		log.Fatal("%v", err)
		os.Exit(1)
	}
	l.Start()

	log.Info("chatd listening on %v (pid %d)", *fName, os.Getpid())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("chatd shutting down")
	l.Shutdown()
	server.Close()
}

type statsCounter struct {
	n uint64
}

func (c *statsCounter) incr()       { c.n++ }
func (c *statsCounter) get() uint64 { return c.n }
