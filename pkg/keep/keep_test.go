package keep

import (
	"testing"
)

func newTestKeep(t *testing.T, auto AutoMode, mutable bool) *Keep {
	t.Helper()
	k, err := New(Config{
		BaseDirPath: t.TempDir(),
		StackName:   "test",
		Auto:        auto,
		Mutable:     mutable,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return k
}

func TestLocalDumpLoadRoundTripIncrementsSID(t *testing.T) {
	k := newTestKeep(t, AutoNever, false)
	rec := LocalRecord{Name: "main", UID: 1, SID: 5}
	if err := k.DumpLocal(rec); err != nil {
		t.Fatalf("DumpLocal: %v", err)
	}

	loaded, found, err := k.LoadLocal()
	if err != nil || !found {
		t.Fatalf("LoadLocal: found=%v err=%v", found, err)
	}
	if loaded.Name != rec.Name || loaded.UID != rec.UID {
		t.Fatalf("got %+v, want name/uid matching %+v", loaded, rec)
	}
	if loaded.SID != rec.SID+1 {
		t.Fatalf("expected sid incremented by one on load, got %d want %d", loaded.SID, rec.SID+1)
	}
}

func TestStatusRemoteAutoNeverIsPendingForNewRole(t *testing.T) {
	k := newTestKeep(t, AutoNever, false)
	acc, err := k.StatusRemote("guest", []byte("verA"), []byte("pubA"))
	if err != nil {
		t.Fatalf("StatusRemote: %v", err)
	}
	if acc != AcceptancePending {
		t.Fatalf("got %d, want pending", acc)
	}
}

func TestStatusRemoteAutoOnceFusesToNever(t *testing.T) {
	k := newTestKeep(t, AutoOnce, false)

	acc, err := k.StatusRemote("guest", []byte("verA"), []byte("pubA"))
	if err != nil {
		t.Fatalf("StatusRemote first: %v", err)
	}
	if acc != AcceptanceAccepted {
		t.Fatalf("first new peer under auto=once should be accepted, got %d", acc)
	}

	acc2, err := k.StatusRemote("other-role", []byte("verB"), []byte("pubB"))
	if err != nil {
		t.Fatalf("StatusRemote second: %v", err)
	}
	if acc2 != AcceptancePending {
		t.Fatalf("auto=once should self-demote to never after first accept, got %d", acc2)
	}
}

func TestStatusRemoteKeyMismatchImmutableRejects(t *testing.T) {
	k := newTestKeep(t, AutoAlways, false)

	if _, err := k.StatusRemote("svc", []byte("verA"), []byte("pubA")); err != nil {
		t.Fatalf("seed StatusRemote: %v", err)
	}

	acc, err := k.StatusRemote("svc", []byte("verB"), []byte("pubB"))
	if err != nil {
		t.Fatalf("StatusRemote mismatch: %v", err)
	}
	if acc != AcceptanceRejected {
		t.Fatalf("got %d, want rejected for key mismatch on immutable keep", acc)
	}

	rec, found, err := k.LoadRemoteRole("svc")
	if err != nil || !found {
		t.Fatalf("LoadRemoteRole: found=%v err=%v", found, err)
	}
	if string(rec.Verfer) != "verA" {
		t.Fatal("expected stored role record untouched after rejected mismatch")
	}
}

func TestStatusRemoteKeyMismatchMutableAdopts(t *testing.T) {
	k := newTestKeep(t, AutoAlways, true)

	if _, err := k.StatusRemote("svc", []byte("verA"), []byte("pubA")); err != nil {
		t.Fatalf("seed StatusRemote: %v", err)
	}

	acc, err := k.StatusRemote("svc", []byte("verB"), []byte("pubB"))
	if err != nil {
		t.Fatalf("StatusRemote mismatch: %v", err)
	}
	if acc == AcceptanceRejected {
		t.Fatal("mutable keep should not reject on key mismatch")
	}

	rec, found, err := k.LoadRemoteRole("svc")
	if err != nil || !found {
		t.Fatalf("LoadRemoteRole: found=%v err=%v", found, err)
	}
	if string(rec.Verfer) != "verB" {
		t.Fatal("expected stored role record rewritten with new keys")
	}
}

func TestRemoteRoundTripAndClear(t *testing.T) {
	k := newTestKeep(t, AutoAlways, false)
	rec := RemoteRecord{Name: "other", UID: 2, HA: "127.0.0.1:7531"}
	if err := k.DumpRemote(rec); err != nil {
		t.Fatalf("DumpRemote: %v", err)
	}

	all, err := k.LoadAllRemote()
	if err != nil || len(all) != 1 {
		t.Fatalf("LoadAllRemote: got %d records, err=%v", len(all), err)
	}

	if err := k.ClearRemote("other"); err != nil {
		t.Fatalf("ClearRemote: %v", err)
	}
	all, err = k.LoadAllRemote()
	if err != nil || len(all) != 0 {
		t.Fatalf("expected no records after ClearRemote, got %d", len(all))
	}
}
