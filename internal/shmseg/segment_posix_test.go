//go:build !windows

package shmseg

import (
	"testing"
	"time"
)

func TestNewOwnerThenJoiner(t *testing.T) {
	dir := t.TempDir()
	name := "seg1"

	var initialized []byte
	owner, err := New(dir, name, 64, Params{Type: 1, Version: 1}, func(body []byte) {
		initialized = body
		copy(body, []byte("hello"))
	})
	if err != nil {
		t.Fatalf("owner New: %v", err)
	}
	defer owner.Close()

	if !owner.IsOwner() {
		t.Errorf("expected owner.IsOwner() == true")
	}
	if len(initialized) != 64 {
		t.Errorf("initializer got body len %d, want 64", len(initialized))
	}
	if !owner.Alive() {
		t.Errorf("expected owner.Alive() == true after create")
	}

	joiner, err := New(dir, name, 64, Params{Type: 1, Version: 1}, nil)
	if err != nil {
		t.Fatalf("joiner New: %v", err)
	}
	defer joiner.Close()

	if joiner.IsOwner() {
		t.Errorf("expected joiner.IsOwner() == false")
	}
	if string(joiner.Body()[:5]) != "hello" {
		t.Errorf("joiner sees body %q, want %q", joiner.Body()[:5], "hello")
	}
}

func TestJoinIncompatibleVersion(t *testing.T) {
	dir := t.TempDir()
	name := "seg2"

	owner, err := New(dir, name, 16, Params{Type: 1, Version: 1}, nil)
	if err != nil {
		t.Fatalf("owner New: %v", err)
	}
	defer owner.Close()

	_, err = New(dir, name, 16, Params{Type: 1, Version: 2}, nil)
	if err == nil {
		t.Fatalf("expected IncompatibleSegment error, got nil")
	}
}

func TestAliveOnlyTransitionsOnce(t *testing.T) {
	dir := t.TempDir()
	seg, err := New(dir, "seg3", 16, Params{}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer seg.Close()

	if !seg.Alive() {
		t.Fatalf("expected alive after create")
	}
	seg.MarkDead()
	if seg.Alive() {
		t.Errorf("expected dead after MarkDead")
	}
	seg.MarkDead() // idempotent
	if seg.Alive() {
		t.Errorf("expected still dead")
	}
}

func TestTryLockContention(t *testing.T) {
	dir := t.TempDir()
	seg, err := New(dir, "seg4", 16, Params{}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer seg.Close()

	if !seg.TryLock(100 * time.Millisecond) {
		t.Fatalf("expected first TryLock to succeed")
	}

	if seg.TryLock(30 * time.Millisecond) {
		t.Errorf("expected second TryLock to fail while held")
	}

	seg.Unlock()

	if !seg.TryLock(100 * time.Millisecond) {
		t.Errorf("expected TryLock to succeed after Unlock")
	}
}

func TestMessageLenAndIndexPacking(t *testing.T) {
	dir := t.TempDir()
	seg, err := New(dir, "seg5", 16, Params{}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer seg.Close()

	seg.SetMessageLenAndIndex(1234, 200)
	if got := seg.MessageLen(); got != 1234 {
		t.Errorf("MessageLen() = %d, want 1234", got)
	}
	if got := seg.MessageIndex(); got != 200 {
		t.Errorf("MessageIndex() = %d, want 200", got)
	}
}

func TestCapacityExceedsMax(t *testing.T) {
	dir := t.TempDir()
	_, err := New(dir, "seg6", MaxPayloadSize+1, Params{}, nil)
	if err == nil {
		t.Fatalf("expected error for oversized capacity")
	}
}

func TestSegPathRejectsTraversal(t *testing.T) {
	for _, bad := range []string{"", "a/b", "../escape", "has\x00null"} {
		if _, err := segPath("/tmp", bad); err == nil {
			t.Errorf("expected error for name %q", bad)
		}
	}
}

func TestOwnerIDsAreMonotonic(t *testing.T) {
	dir := t.TempDir()

	first, err := New(dir, "seg7a", 8, Params{}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer first.Close()

	second, err := New(dir, "seg7b", 8, Params{}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer second.Close()

	if second.OwnerID() <= first.OwnerID() {
		t.Errorf("expected monotonically increasing owner ids, got %d then %d", first.OwnerID(), second.OwnerID())
	}
}
