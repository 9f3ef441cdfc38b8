package channel

import (
	"encoding/binary"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSendReceiveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	params := Params{PhysicalName: "chan1", LogicalName: "test", Type: 1, Version: 1}

	recv, err := Open(dir, params, 64)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer recv.Close()

	sender, err := Join(dir, params, 64)
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	defer sender.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if !sender.Send(3, []byte("hey"), nil) {
			t.Errorf("expected Send to succeed")
		}
	}()

	index, payload, ok := recv.Receive(nil)
	if !ok {
		t.Fatalf("expected Receive to succeed")
	}
	if index != 3 {
		t.Errorf("index = %d, want 3", index)
	}
	if string(payload) != "hey" {
		t.Errorf("payload = %q, want %q", payload, "hey")
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("sender goroutine did not finish")
	}
}

func TestReceiveUnblocksOnDisconnect(t *testing.T) {
	dir := t.TempDir()
	params := Params{PhysicalName: "chan2", LogicalName: "test", Type: 1, Version: 1}

	recv, err := Open(dir, params, 64)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer recv.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _, ok := recv.Receive(nil)
		if ok {
			t.Errorf("expected Receive to return false after Disconnect")
		}
	}()

	time.Sleep(50 * time.Millisecond)
	recv.Disconnect()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Receive did not unblock within the handshake's polling bound")
	}
}

func TestSendFailsOnDeadChannel(t *testing.T) {
	dir := t.TempDir()
	params := Params{PhysicalName: "chan3", LogicalName: "test", Type: 1, Version: 1}

	recv, err := Open(dir, params, 64)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	sender, err := Join(dir, params, 64)
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	defer sender.Close()

	recv.Disconnect()
	recv.Close()

	if sender.Send(0, []byte("x"), nil) {
		t.Errorf("expected Send to fail against a disconnected channel")
	}
}

func TestEchoLoop(t *testing.T) {
	dir := t.TempDir()
	params := Params{PhysicalName: "chan4", LogicalName: "test", Type: 1, Version: 1}

	recv, err := Open(dir, params, 32)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer recv.Close()

	sender, err := Join(dir, params, 32)
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	defer sender.Close()

	const iterations = 200

	go func() {
		for i := 0; i < iterations; i++ {
			if !sender.Send(uint8(i%256), []byte{byte(i)}, nil) {
				return
			}
		}
	}()

	for i := 0; i < iterations; i++ {
		_, payload, ok := recv.Receive(nil)
		if !ok {
			t.Fatalf("Receive failed at iteration %d", i)
		}
		if payload[0] != byte(i) {
			t.Fatalf("iteration %d: got %d, want %d", i, payload[0], byte(i))
		}
	}
}

// TestDisconnectTorture runs a producer and a consumer in tight loops against
// each other while a third goroutine disconnects the receiver mid-flight.
// Because Send and the disconnect race, the sender may be one message ahead
// of what the consumer actually drained: produced and consumed must differ
// by at most one.
func TestDisconnectTorture(t *testing.T) {
	dir := t.TempDir()
	params := Params{PhysicalName: "chan5", LogicalName: "test", Type: 1, Version: 1}

	recv, err := Open(dir, params, 16)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer recv.Close()

	sender, err := Join(dir, params, 16)
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	defer sender.Close()

	var produced, consumed int64

	producerDone := make(chan struct{})
	go func() {
		defer close(producerDone)
		for {
			if !sender.Send(0, []byte{0}, nil) {
				return
			}
			atomic.AddInt64(&produced, 1)
		}
	}()

	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		for {
			_, _, ok := recv.Receive(nil)
			if !ok {
				return
			}
			atomic.AddInt64(&consumed, 1)
		}
	}()

	time.Sleep(1 * time.Second)
	recv.Disconnect()

	select {
	case <-producerDone:
	case <-time.After(2 * time.Second):
		t.Fatalf("producer did not stop after disconnect")
	}
	select {
	case <-consumerDone:
	case <-time.After(2 * time.Second):
		t.Fatalf("consumer did not stop after disconnect")
	}

	p, c := atomic.LoadInt64(&produced), atomic.LoadInt64(&consumed)
	if p != c && p-1 != c {
		t.Errorf("produced=%d consumed=%d, want equal or produced one ahead", p, c)
	}
}

// Raw wire tags for TestMixedSmallAndBigProducers; at the channel layer a
// message is just (index, payload), so this test doesn't need internal/codec
// at all — it exercises the segment's capacity right up against a realistic
// large payload instead.
const (
	tagSmall uint8 = iota
	tagBig
	tagStop
)

const bigPayloadSize = 32000

// headerSize is the producer-id + index prefix every payload in
// TestMixedSmallAndBigProducers carries, so the consumer can tell which
// producer sent a message and validate its content, not just its tag.
const headerSize = 5

// patternByte derives the expected content of payload byte pos from the
// message's own header, so the consumer can detect corruption anywhere in
// a received payload by recomputing it from bytes already in hand.
func patternByte(producerID uint8, index uint32, pos int) byte {
	return producerID ^ byte(index) ^ byte(index>>8) ^ byte(pos)
}

func buildPayload(producerID uint8, index uint32, size int) []byte {
	payload := make([]byte, size)
	payload[0] = producerID
	binary.LittleEndian.PutUint32(payload[1:], index)
	for i := headerSize; i < size; i++ {
		payload[i] = patternByte(producerID, index, i)
	}
	return payload
}

func TestMixedSmallAndBigProducers(t *testing.T) {
	dir := t.TempDir()
	params := Params{PhysicalName: "chan6", LogicalName: "test", Type: 1, Version: 1}

	const maxPayload = headerSize + bigPayloadSize

	recv, err := Open(dir, params, maxPayload)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer recv.Close()

	sender, err := Join(dir, params, maxPayload)
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	defer sender.Close()

	const perProducer = 8000

	// One producer sends only smalls, the other only bigs; each sends its
	// own Stop once it's done, so the consumer must see two Stops (one per
	// producer) before it may exit.
	produce := func(producerID uint8, tag uint8, size int, wg *sync.WaitGroup) {
		defer wg.Done()
		for i := 0; i < perProducer; i++ {
			sender.Send(tag, buildPayload(producerID, uint32(i), size), nil)
		}
		sender.Send(tagStop, buildPayload(producerID, 0, headerSize), nil)
	}

	var producers sync.WaitGroup
	producers.Add(2)
	go produce(0, tagSmall, headerSize, &producers)
	go produce(1, tagBig, headerSize+bigPayloadSize, &producers)

	var smallCount, bigCount, corrupt int64
	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		stopsSeen := 0
		for {
			index, payload, ok := recv.Receive(nil)
			if !ok {
				t.Errorf("consumer Receive failed before both Stops")
				return
			}
			if len(payload) < headerSize {
				t.Errorf("payload too short to carry its own header: %d bytes", len(payload))
				continue
			}

			producerID := payload[0]
			msgIndex := binary.LittleEndian.Uint32(payload[1:])
			for j := headerSize; j < len(payload); j++ {
				if payload[j] != patternByte(producerID, msgIndex, j) {
					atomic.AddInt64(&corrupt, 1)
					t.Errorf("payload corruption: producer %d index %d byte %d", producerID, msgIndex, j)
					break
				}
			}

			switch index {
			case tagSmall:
				atomic.AddInt64(&smallCount, 1)
			case tagBig:
				atomic.AddInt64(&bigCount, 1)
			case tagStop:
				stopsSeen++
				if stopsSeen == 2 {
					return
				}
			default:
				t.Errorf("unexpected tag %d", index)
				return
			}
		}
	}()

	producers.Wait()

	select {
	case <-consumerDone:
	case <-time.After(10 * time.Second):
		t.Fatalf("consumer did not observe both Stops in time")
	}

	if smallCount != perProducer {
		t.Errorf("consumed %d smalls, want %d", smallCount, perProducer)
	}
	if bigCount != perProducer {
		t.Errorf("consumed %d bigs, want %d", bigCount, perProducer)
	}
	if corrupt != 0 {
		t.Errorf("%d payloads failed content validation", corrupt)
	}
}
