package store

import (
	"os"
	"path/filepath"
	"testing"
)

func TestUsersRoundTrip(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "users.json")

	u, err := OpenUsers(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if u.Dirty() {
		t.Fatal("fresh store should not be dirty")
	}

	u.Upsert(User{ID: 1, DisplayName: "alice", Broadcastable: true})
	u.Upsert(User{ID: 2, DisplayName: "bob", Broadcastable: false})
	u.Upsert(User{ID: 3, DisplayName: "carol", Broadcastable: true})
	if !u.Dirty() {
		t.Fatal("mutation should mark store dirty")
	}
	if err := u.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if u.Dirty() {
		t.Fatal("flush should clear dirty flag")
	}

	// Reopen and verify the broadcastable filter and ordering.
	u2, err := OpenUsers(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got := u2.Broadcastable()
	if len(got) != 2 || got[0].ID != 1 || got[1].ID != 3 {
		t.Fatalf("broadcastable = %+v", got)
	}
}

func TestUsersRemove(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "users.json")
	u, err := OpenUsers(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	u.Upsert(User{ID: 7, Broadcastable: true})
	if err := u.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	if !u.Remove(7) {
		t.Fatal("Remove should report an existing user")
	}
	if u.Remove(7) {
		t.Fatal("Remove should report a missing user")
	}
	if !u.Dirty() {
		t.Fatal("Remove should mark store dirty")
	}
	if _, ok := u.Get(7); ok {
		t.Fatal("user still present after remove")
	}
}

func TestFlushNoopWhenClean(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "users.json")
	u, err := OpenUsers(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := u.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	// A clean flush must not create the file.
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("clean flush wrote a file: %v", err)
	}
}

func TestWalletsOrderPreserved(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "wallets.json")
	w, err := OpenWallets(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	list := []Wallet{
		{Address: "EQC-one", Amount: 100},
		{Address: "EQC-two", Amount: 200},
		{Address: "EQC-three", Amount: 300},
	}
	w.Replace(list)
	if err := w.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	w2, err := OpenWallets(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got := w2.TransferTargets()
	if len(got) != len(list) {
		t.Fatalf("len = %d, want %d", len(got), len(list))
	}
	for i := range list {
		if got[i] != list[i] {
			t.Fatalf("order not preserved at %d: %+v", i, got[i])
		}
	}
}
