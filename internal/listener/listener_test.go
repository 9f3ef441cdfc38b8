package listener

import (
	"testing"
	"time"

	"github.com/relaydb/ipcfabric/internal/chat"
	"github.com/relaydb/ipcfabric/internal/channel"
	"github.com/relaydb/ipcfabric/internal/codec"
	"github.com/relaydb/ipcfabric/pkg/ipcerr"
)

const (
	tagAuth uint8 = iota
	tagPing
)

type authReq struct{ User [16]byte }

func (authReq) VariantTag() uint8 { return tagAuth }
func (r authReq) RequestedUser() string {
	for i, c := range r.User {
		if c == 0 {
			return string(r.User[:i])
		}
	}
	return string(r.User[:])
}

type pingReq struct{}

func (pingReq) VariantTag() uint8 { return tagPing }

const (
	respAck uint8 = iota
	respPong
	respExc
)

type ackResp struct{}

func (ackResp) VariantTag() uint8 { return respAck }

type pongResp struct{ N uint32 }

func (pongResp) VariantTag() uint8 { return respPong }

type excResp struct{ Len uint16 }

func (excResp) VariantTag() uint8 { return respExc }

func newAuthReq(user string) authReq {
	var r authReq
	copy(r.User[:], user)
	return r
}

func setupServer(t *testing.T) (*chat.Server, *chat.Client) {
	dir := t.TempDir()

	reqUnion, err := codec.New(
		func() codec.Variant { return &authReq{} },
		func() codec.Variant { return &pingReq{} },
	)
	if err != nil {
		t.Fatalf("request union: %v", err)
	}
	reqUnion, err = reqUnion.WithTail(chat.Address{})
	if err != nil {
		t.Fatalf("WithTail: %v", err)
	}

	respUnion, err := codec.New(
		func() codec.Variant { return &ackResp{} },
		func() codec.Variant { return &pongResp{} },
		func() codec.Variant { return &excResp{} },
	)
	if err != nil {
		t.Fatalf("response union: %v", err)
	}
	respUnion, err = respUnion.WithTail(chat.Address{})
	if err != nil {
		t.Fatalf("WithTail: %v", err)
	}

	params := channel.Params{PhysicalName: "listener-test", LogicalName: "test", Type: 1, Version: 1}

	server, err := chat.NewServer(dir, params, reqUnion, respUnion)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	client, err := chat.Dial(dir, params, reqUnion, respUnion)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	return server, client
}

func TestListenerRequiresAuthBeforeOtherTags(t *testing.T) {
	server, client := setupServer(t)
	defer client.Close()

	tag := tagAuth
	cfg := Config{
		Server: server,
		Handlers: map[uint8]Handler{
			tagAuth: func(req codec.Variant, addr chat.Address) codec.Variant { return ackResp{} },
			tagPing: func(req codec.Variant, addr chat.Address) codec.Variant { return pongResp{N: 1} },
		},
		AuthTag: &tag,
		Authorize: func(user string) error {
			if user != "alice" {
				return ipcerr.New(ipcerr.NotAuthorized, "test", "wrong user")
			}
			return nil
		},
		NewException: func(err error) codec.Variant { return excResp{} },
	}

	l, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	l.Start()
	defer func() {
		l.Shutdown()
		server.Close()
	}()

	resp, ok := client.SendAndReceive(pingReq{}, nil)
	if !ok {
		t.Fatalf("SendAndReceive failed")
	}
	if _, ok := resp.(*excResp); !ok {
		t.Fatalf("expected excResp before auth, got %T", resp)
	}

	resp, ok = client.SendAndReceive(newAuthReq("alice"), nil)
	if !ok {
		t.Fatalf("SendAndReceive (auth) failed")
	}
	if _, ok := resp.(*ackResp); !ok {
		t.Fatalf("expected ackResp, got %T", resp)
	}

	resp, ok = client.SendAndReceive(pingReq{}, nil)
	if !ok {
		t.Fatalf("SendAndReceive (ping) failed")
	}
	if _, ok := resp.(*pongResp); !ok {
		t.Fatalf("expected pongResp after auth, got %T", resp)
	}
}

func TestListenerRejectsWrongUser(t *testing.T) {
	server, client := setupServer(t)
	defer client.Close()

	tag := tagAuth
	cfg := Config{
		Server: server,
		Handlers: map[uint8]Handler{
			tagAuth: func(req codec.Variant, addr chat.Address) codec.Variant { return ackResp{} },
		},
		AuthTag: &tag,
		Authorize: func(user string) error {
			if user != "alice" {
				return ipcerr.New(ipcerr.NotAuthorized, "test", "wrong user")
			}
			return nil
		},
		NewException: func(err error) codec.Variant { return excResp{} },
	}

	l, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	l.Start()
	defer func() {
		l.Shutdown()
		server.Close()
	}()

	resp, ok := client.SendAndReceive(newAuthReq("mallory"), nil)
	if !ok {
		t.Fatalf("SendAndReceive failed")
	}
	if _, ok := resp.(*excResp); !ok {
		t.Fatalf("expected excResp for wrong user, got %T", resp)
	}
}

// control and monitor simulate two independently-typed protocols (e.g. a
// profiler-control channel and a monitoring-snapshot channel) sharing one
// physical channel through a FamilyServer.
const (
	familyControl uint8 = iota
	familyMonitor
)

const (
	tagControlPing uint8 = iota
)

type controlPingReq struct{}

func (controlPingReq) VariantTag() uint8 { return tagControlPing }

type controlPongResp struct{ N uint32 }

func (controlPongResp) VariantTag() uint8 { return 0 }

const (
	tagMonitorSnapshot uint8 = iota
)

type monitorSnapshotReq struct{}

func (monitorSnapshotReq) VariantTag() uint8 { return tagMonitorSnapshot }

type monitorSnapshotResp struct{ Count uint32 }

func (monitorSnapshotResp) VariantTag() uint8 { return 0 }

func setupFamilyServer(t *testing.T) (*chat.FamilyServer, map[uint8]chat.Family, channel.Params, string) {
	dir := t.TempDir()

	controlReq, err := codec.New(func() codec.Variant { return &controlPingReq{} })
	if err != nil {
		t.Fatalf("control request union: %v", err)
	}
	controlReq, err = controlReq.WithTail(chat.Address{})
	if err != nil {
		t.Fatalf("WithTail: %v", err)
	}
	controlResp, err := codec.New(func() codec.Variant { return &controlPongResp{} })
	if err != nil {
		t.Fatalf("control response union: %v", err)
	}
	controlResp, err = controlResp.WithTail(chat.Address{})
	if err != nil {
		t.Fatalf("WithTail: %v", err)
	}

	monitorReq, err := codec.New(func() codec.Variant { return &monitorSnapshotReq{} })
	if err != nil {
		t.Fatalf("monitor request union: %v", err)
	}
	monitorReq, err = monitorReq.WithTail(chat.Address{})
	if err != nil {
		t.Fatalf("WithTail: %v", err)
	}
	monitorResp, err := codec.New(func() codec.Variant { return &monitorSnapshotResp{} })
	if err != nil {
		t.Fatalf("monitor response union: %v", err)
	}
	monitorResp, err = monitorResp.WithTail(chat.Address{})
	if err != nil {
		t.Fatalf("WithTail: %v", err)
	}

	families := map[uint8]chat.Family{
		familyControl: {Req: controlReq, Resp: controlResp},
		familyMonitor: {Req: monitorReq, Resp: monitorResp},
	}

	params := channel.Params{PhysicalName: "listener-family-test", LogicalName: "test", Type: 1, Version: 1}

	server, err := chat.NewFamilyServer(dir, params, families)
	if err != nil {
		t.Fatalf("NewFamilyServer: %v", err)
	}

	return server, families, params, dir
}

func TestListenerDispatchesMultipleFamiliesOverOneChannel(t *testing.T) {
	server, families, params, dir := setupFamilyServer(t)

	cfg := Config{
		FamilyServer: server,
		Families: map[uint8]map[uint8]Handler{
			familyControl: {
				tagControlPing: func(req codec.Variant, addr chat.Address) codec.Variant {
					return controlPongResp{N: 42}
				},
			},
			familyMonitor: {
				tagMonitorSnapshot: func(req codec.Variant, addr chat.Address) codec.Variant {
					return monitorSnapshotResp{Count: 7}
				},
			},
		},
	}

	l, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	l.Start()
	defer func() {
		l.Shutdown()
		server.Close()
	}()

	controlClient, err := chat.DialFamily(dir, params, familyControl, families)
	if err != nil {
		t.Fatalf("DialFamily(control): %v", err)
	}
	defer controlClient.Close()

	monitorClient, err := chat.DialFamily(dir, params, familyMonitor, families)
	if err != nil {
		t.Fatalf("DialFamily(monitor): %v", err)
	}
	defer monitorClient.Close()

	resp, ok := controlClient.SendAndReceive(controlPingReq{}, nil)
	if !ok {
		t.Fatalf("control SendAndReceive failed")
	}
	pong, ok := resp.(*controlPongResp)
	if !ok || pong.N != 42 {
		t.Fatalf("expected controlPongResp{N:42}, got %#v", resp)
	}

	resp, ok = monitorClient.SendAndReceive(monitorSnapshotReq{}, nil)
	if !ok {
		t.Fatalf("monitor SendAndReceive failed")
	}
	snap, ok := resp.(*monitorSnapshotResp)
	if !ok || snap.Count != 7 {
		t.Fatalf("expected monitorSnapshotResp{Count:7}, got %#v", resp)
	}
}

func TestListenerShutdownStopsLoop(t *testing.T) {
	server, client := setupServer(t)
	defer client.Close()

	l, err := New(Config{
		Server: server,
		Handlers: map[uint8]Handler{
			tagPing: func(req codec.Variant, addr chat.Address) codec.Variant { return pongResp{N: 1} },
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	l.Start()

	done := make(chan struct{})
	go func() {
		l.Shutdown()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Shutdown did not complete")
	}

	server.Close()
}
