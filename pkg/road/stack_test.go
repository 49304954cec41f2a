package road

import (
	"net"
	"testing"
	"time"

	"github.com/raetroad/raet/pkg/estate"
	"github.com/raetroad/raet/pkg/keep"
	"github.com/raetroad/raet/pkg/transaction"
)

func newLoopbackStack(t *testing.T, name, baseDir string, auto keep.AutoMode) *Stack {
	t.Helper()
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket: %v", err)
	}
	s, err := New(Config{
		Name: name, BaseDirPath: baseDir, Auto: auto, Mutable: true,
		Conn: conn,
	})
	if err != nil {
		t.Fatalf("road.New(%s): %v", name, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// pump drives both stacks' ServiceAll in lockstep until cond reports done or
// the round budget is exhausted.
func pump(t *testing.T, rounds int, cond func() bool, stacks ...*Stack) {
	t.Helper()
	for i := 0; i < rounds; i++ {
		for _, s := range stacks {
			if err := s.ServiceAll(); err != nil {
				t.Fatalf("ServiceAll: %v", err)
			}
		}
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met after %d rounds", rounds)
}

func TestStackJoinAllowMessageEndToEnd(t *testing.T) {
	base := t.TempDir()
	a := newLoopbackStack(t, "alpha", base, keep.AutoAlways)
	b := newLoopbackStack(t, "beta", base, keep.AutoAlways)

	rb := estate.NewRemote("beta", b.LocalAddr().String())
	a.AddRemote(rb)
	ra := estate.NewRemote("alpha", a.LocalAddr().String())
	b.AddRemote(ra)

	var delivered []byte
	b.OnDeliver = func(d transaction.Delivery) { delivered = d.Payload }

	if err := a.Join("beta"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	pump(t, 100, func() bool {
		return rb.Joined == estate.True && ra.Joined == estate.True
	}, a, b)

	if err := a.Allow("beta"); err != nil {
		t.Fatalf("Allow: %v", err)
	}
	pump(t, 100, func() bool {
		return rb.Allowed == estate.True && ra.Allowed == estate.True
	}, a, b)

	if err := a.Transmit("beta", []byte("hello across the road")); err != nil {
		t.Fatalf("Transmit: %v", err)
	}
	pump(t, 100, func() bool {
		return string(delivered) == "hello across the road"
	}, a, b)
}

func TestStackPersistsAndRestoresLocalIdentity(t *testing.T) {
	base := t.TempDir()

	conn1, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket: %v", err)
	}
	s1, err := New(Config{Name: "gamma", BaseDirPath: base, Conn: conn1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	origVerfer := string(s1.Local().Verfer)
	if err := s1.DumpLocal(); err != nil {
		t.Fatalf("DumpLocal: %v", err)
	}
	s1.Close()

	conn2, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket: %v", err)
	}
	s2, err := New(Config{Name: "gamma", BaseDirPath: base, Conn: conn2})
	if err != nil {
		t.Fatalf("New (restore): %v", err)
	}
	defer s2.Close()

	if string(s2.Local().Verfer) != origVerfer {
		t.Fatal("expected restored local identity to carry the same signing key")
	}
}

func TestStackRemoveRemoteCancelsLiveTransactions(t *testing.T) {
	base := t.TempDir()
	a := newLoopbackStack(t, "delta", base, keep.AutoAlways)
	b := newLoopbackStack(t, "epsilon", base, keep.AutoAlways)

	rb := estate.NewRemote("epsilon", b.LocalAddr().String())
	a.AddRemote(rb)

	if err := a.Join("epsilon"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if len(a.transactions) == 0 {
		t.Fatal("expected a live join transaction after Join")
	}

	a.RemoveRemote("epsilon", false)
	if len(a.transactions) != 0 {
		t.Fatalf("expected transactions for removed remote to be canceled, got %d", len(a.transactions))
	}
	if _, ok := a.Remote("epsilon"); ok {
		t.Fatal("expected remote to be gone after RemoveRemote")
	}
}
