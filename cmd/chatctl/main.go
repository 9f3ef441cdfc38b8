// Command chatctl is a throwaway ChatClient toward chatd's well-known
// channel, modeled on rond's client: connect, send one typed request,
// print the typed response, disconnect.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/relaydb/ipcfabric/internal/chat"
	"github.com/relaydb/ipcfabric/internal/channel"
	"github.com/relaydb/ipcfabric/internal/codec"
	"github.com/relaydb/ipcfabric/internal/proto"
	log "github.com/relaydb/ipcfabric/pkg/minilog"
)

var (
	fDir     = flag.String("dir", "", "directory backing shared-memory segments (default /dev/shm)")
	fName    = flag.String("name", "fb_ipc_chat_demo", "chatd's well-known channel name")
	fUser    = flag.String("user", "", "username to present in an initial CheckUserRequest; empty skips it")
	fVersion = flag.Uint("version", 1, "wire compatibility version, must match chatd")
	fCommand = flag.String("cmd", "ping", "one of: ping, echo, stats")
	fText    = flag.String("text", "hello", "payload for -cmd echo")
)

func usage() {
	fmt.Println("usage: chatctl [option]...")
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Var(&log.LevelFlag, "level", "log level: debug, info, warn, error, fatal")
	flag.Parse()

	log.AddLogger("stderr", os.Stderr, log.LevelFlag, true)

	reqUnion, err := proto.BuildRequestUnion()
	if err != nil {
		log.Error("building request union: %v", err)
		os.Exit(1)
	}
	respUnion, err := proto.BuildResponseUnion()
	if err != nil {
		log.Error("building response union: %v", err)
		os.Exit(1)
	}

	params := channel.Params{
		PhysicalName: *fName,
		LogicalName:  "chatctl",
		Type:         1,
		Version:      uint16(*fVersion),
	}

	client, err := chat.Dial(*fDir, params, reqUnion, respUnion)
	if err != nil {
		log.Error("dialing %v: %v", *fName, err)
		os.Exit(1)
	}
	defer client.Close()
	defer client.Disconnect()

	if *fUser != "" {
		resp, ok := client.SendAndReceive(proto.NewCheckUserRequest(*fUser), nil)
		if !ok {
			log.Error("no response to CheckUserRequest")
			os.Exit(1)
		}
		if exc, ok := resp.(*proto.ExceptionResponse); ok {
			log.Error("authorization failed: %v", exc.Error())
			os.Exit(1)
		}
	}

	var req codec.Variant

	switch *fCommand {
	case "ping":
		req = proto.PingRequest{}
	case "echo":
		req = proto.NewEchoRequest(*fText)
	case "stats":
		req = proto.StatsRequest{}
	default:
		log.Error("unknown -cmd %v", *fCommand)
		os.Exit(1)
	}

	resp, ok := client.SendAndReceive(req, nil)
	if !ok {
		log.Error("no response from %v", *fName)
		os.Exit(1)
	}

	switch r := resp.(type) {
	case *proto.PongResponse:
		fmt.Printf("pong from pid %d\n", r.ServerPid)
	case *proto.EchoResponse:
		fmt.Println(r.String())
	case *proto.StatsResponse:
		fmt.Printf("requests served: %d\n", r.RequestsServed)
	case *proto.ExceptionResponse:
		fmt.Printf("exception: %v\n", r.Error())
	default:
		fmt.Printf("unrecognized response: %#v\n", r)
	}
}
