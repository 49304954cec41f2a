package estate

import "testing"

func TestLocalNextSIDWrapsPastZero(t *testing.T) {
	l := &Local{}
	l.SetSID(0xFFFFFFFF)
	sid := l.NextSID()
	if sid == 0 {
		t.Fatal("NextSID must never yield 0, it is reserved for vacuous Join")
	}
}

func TestLocalNextSIDMonotonic(t *testing.T) {
	l := &Local{}
	prev := l.NextSID()
	for i := 0; i < 10; i++ {
		next := l.NextSID()
		if next != prev+1 {
			t.Fatalf("expected monotonic increment, got %d after %d", next, prev)
		}
		prev = next
	}
}

func TestRemoteRenewClearsEphemeralKeepsIdentity(t *testing.T) {
	r := NewRemote("other", "127.0.0.1:7531")
	key := [32]byte{1, 2, 3}
	r.SessionKey = &key
	eph := [32]byte{4, 5, 6}
	r.EphemeralPriv = &eph
	r.Verfer = []byte("verfer-bytes-not-a-real-key-000")

	r.Renew()

	if r.SessionKey != nil || r.EphemeralPriv != nil {
		t.Fatal("expected ephemeral/session state cleared after Renew")
	}
	if r.Allowed != Unknown {
		t.Fatal("expected allowed reset to Unknown after Renew")
	}
	if r.Verfer == nil {
		t.Fatal("expected long-term verfer preserved across Renew")
	}
}

func TestRemoteDirtyFlag(t *testing.T) {
	r := NewRemote("other", "")
	if r.Dirty() {
		t.Fatal("new remote should not start dirty")
	}
	r.MarkDirty()
	if !r.Dirty() {
		t.Fatal("expected Dirty to report true once marked")
	}
	if r.Dirty() {
		t.Fatal("Dirty should clear the flag after reporting it")
	}
}
