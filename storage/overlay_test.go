package storage

import (
	"errors"
	"testing"
)

func TestOverlayBuffersUntilCommit(t *testing.T) {
	db := NewMemDB()
	overlay := NewOverlay(db)

	if err := overlay.Put([]byte("a"), []byte("1")); err != nil {
		t.Fatalf("put: %v", err)
	}

	if _, err := db.Get([]byte("a")); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected backing store untouched before commit, got err=%v", err)
	}
	got, err := overlay.Get([]byte("a"))
	if err != nil {
		t.Fatalf("overlay get: %v", err)
	}
	if string(got) != "1" {
		t.Fatalf("unexpected overlay value: %q", got)
	}

	if err := overlay.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	got, err = db.Get([]byte("a"))
	if err != nil {
		t.Fatalf("backing get after commit: %v", err)
	}
	if string(got) != "1" {
		t.Fatalf("unexpected committed value: %q", got)
	}
}

func TestOverlayDiscardDropsWrites(t *testing.T) {
	db := NewMemDB()
	if err := db.Put([]byte("a"), []byte("base")); err != nil {
		t.Fatalf("seed: %v", err)
	}

	overlay := NewOverlay(db)
	if err := overlay.Put([]byte("a"), []byte("dirty")); err != nil {
		t.Fatalf("put: %v", err)
	}
	overlay.Discard()

	got, err := overlay.Get([]byte("a"))
	if err != nil {
		t.Fatalf("get after discard: %v", err)
	}
	if string(got) != "base" {
		t.Fatalf("discard leaked write: %q", got)
	}
	if err := overlay.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	got, err = db.Get([]byte("a"))
	if err != nil {
		t.Fatalf("backing get: %v", err)
	}
	if string(got) != "base" {
		t.Fatalf("backing store changed after discarded commit: %q", got)
	}
}
