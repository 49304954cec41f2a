package transaction

import (
	"testing"
	"time"

	"github.com/raetroad/raet/pkg/clock"
	"github.com/raetroad/raet/pkg/estate"
	"github.com/raetroad/raet/pkg/keep"
	"github.com/raetroad/raet/pkg/packet"
	"github.com/raetroad/raet/pkg/raetcrypto"
)

func newLocal(t *testing.T, name string, uid uint32, ha string) *estate.Local {
	t.Helper()
	signer, verfer, err := raetcrypto.GenerateSigner()
	if err != nil {
		t.Fatalf("GenerateSigner: %v", err)
	}
	priver, pubber, err := raetcrypto.GenerateBoxKeypair()
	if err != nil {
		t.Fatalf("GenerateBoxKeypair: %v", err)
	}
	return &estate.Local{
		Name: name, UID: uid, HA: ha,
		Signer: signer, Verfer: verfer,
		Priver: priver, Pubber: pubber,
	}
}

func newTestKeep(t *testing.T, auto keep.AutoMode) *keep.Keep {
	t.Helper()
	k, err := keep.New(keep.Config{BaseDirPath: t.TempDir(), StackName: "t", Auto: auto})
	if err != nil {
		t.Fatalf("keep.New: %v", err)
	}
	return k
}

// runJoin drives a Joiner/Joinent pair to completion against a fake clock,
// exercising the vacuous-sid request/accept/ack exchange end to end.
func runJoin(t *testing.T, main, other *estate.Local, k *keep.Keep) (*Joiner, *Joinent) {
	t.Helper()
	clk := clock.NewFake(time.Unix(0, 0))

	remoteAtOther := estate.NewRemote(main.Name, main.HA)
	joiner, out := NewJoiner(clk, other, remoteAtOther, main.HA, clk.Now())
	if len(out) != 1 {
		t.Fatalf("expected 1 outbound request, got %d", len(out))
	}

	req, err := packet.Decode(out[0].Data)
	if err != nil {
		t.Fatalf("decode request: %v", err)
	}

	remoteAtMain := estate.NewRemote(other.Name, other.HA)
	joinent, acceptOut := NewJoinent(clk, main, k, remoteAtMain, other.HA, clk.Now(), req)
	if joinent.Done() {
		t.Fatalf("joinent should not be done immediately, got state %q", joinent.State())
	}
	if len(acceptOut) != 1 {
		t.Fatalf("expected joinent accept reply, got %d outbound", len(acceptOut))
	}

	acceptPkt, err := packet.Decode(acceptOut[0].Data)
	if err != nil {
		t.Fatalf("decode accept: %v", err)
	}

	ackOut := joiner.HandlePacket(clk.Now(), acceptPkt)
	if !joiner.Done() || joiner.State() != "joined" {
		t.Fatalf("expected joiner joined, got state %q", joiner.State())
	}
	if len(ackOut) != 1 {
		t.Fatalf("expected joiner to send ack, got %d", len(ackOut))
	}

	ackPkt, err := packet.Decode(ackOut[0].Data)
	if err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	joinent.HandlePacket(clk.Now(), ackPkt)
	if !joinent.Done() || joinent.State() != "joined" {
		t.Fatalf("expected joinent joined, got state %q", joinent.State())
	}

	return joiner, joinent
}

func TestJoinHandshakeCompletesBothSides(t *testing.T) {
	main := newLocal(t, "main", 1, "127.0.0.1:7530")
	other := newLocal(t, "other", 2, "127.0.0.1:7531")
	k := newTestKeep(t, keep.AutoAlways)

	joiner, joinent := runJoin(t, main, other, k)

	if joiner.Remote().Joined != estate.True || joinent.Remote().Joined != estate.True {
		t.Fatal("expected both remotes joined=true")
	}
	// P1: cross-uids agree.
	if joiner.Remote().FUID != joinent.Remote().UID {
		t.Fatalf("joiner.FUID=%d should equal joinent.UID=%d", joiner.Remote().FUID, joinent.Remote().UID)
	}
}

func TestJoinPendingFlowThenAccept(t *testing.T) {
	main := newLocal(t, "main", 1, "127.0.0.1:7530")
	other := newLocal(t, "other", 2, "127.0.0.1:7531")
	k := newTestKeep(t, keep.AutoNever)
	clk := clock.NewFake(time.Unix(0, 0))

	remoteAtOther := estate.NewRemote(main.Name, main.HA)
	_, out := NewJoiner(clk, other, remoteAtOther, main.HA, clk.Now())
	req, _ := packet.Decode(out[0].Data)

	remoteAtMain := estate.NewRemote(other.Name, other.HA)
	joinent, pendOut := NewJoinent(clk, main, k, remoteAtMain, other.HA, clk.Now(), req)
	if joinent.State() != "pend" {
		t.Fatalf("expected pend state, got %q", joinent.State())
	}
	pendPkt, _ := packet.Decode(pendOut[0].Data)
	if pendPkt.Head.Pk != packet.KindPend {
		t.Fatalf("expected pend packet kind, got %v", pendPkt.Head.Pk)
	}

	acceptOut := joinent.AcceptRemote(clk.Now())
	if len(acceptOut) != 1 {
		t.Fatalf("expected accept reply after AcceptRemote, got %d", len(acceptOut))
	}
	acceptPkt, _ := packet.Decode(acceptOut[0].Data)
	if acceptPkt.Head.Pk != packet.KindAccept {
		t.Fatalf("expected accept packet kind, got %v", acceptPkt.Head.Pk)
	}
}

func TestJoinerTimesOutWhenNoReply(t *testing.T) {
	main := newLocal(t, "main", 1, "127.0.0.1:7530")
	other := newLocal(t, "other", 2, "127.0.0.1:7531")
	clk := clock.NewFake(time.Unix(0, 0))

	remote := estate.NewRemote(main.Name, main.HA)
	joiner, _ := NewJoiner(clk, other, remote, main.HA, clk.Now())

	clk.Advance(DefaultTotalDeadline + time.Second)
	joiner.Tick(clk.Now())

	if !joiner.Done() || joiner.State() != "timedout" {
		t.Fatalf("expected timedout, got done=%v state=%q", joiner.Done(), joiner.State())
	}
	if remote.Joined != estate.False {
		t.Fatalf("expected joined=false after timeout, got %v", remote.Joined)
	}
}

func runAllow(t *testing.T, main, other *estate.Local) (*Allower, *Allowent) {
	t.Helper()
	clk := clock.NewFake(time.Unix(0, 0))

	rOther := estate.NewRemote(main.Name, main.HA)
	rOther.Joined = estate.True
	rOther.Verfer = main.Verfer
	rOther.Pubber = main.Pubber

	rMain := estate.NewRemote(other.Name, other.HA)
	rMain.Joined = estate.True
	rMain.Verfer = other.Verfer
	rMain.Pubber = other.Pubber

	allower, out := NewAllower(clk, other, rOther, main.HA, clk.Now())
	hello, _ := packet.Decode(out[0].Data)

	allowent, cookieOut := NewAllowent(clk, main, rMain, other.HA, clk.Now(), hello)
	if allowent.Done() {
		t.Fatalf("allowent should not be done after hello, state=%q", allowent.State())
	}
	cookiePkt, _ := packet.Decode(cookieOut[0].Data)

	initOut := allower.HandlePacket(clk.Now(), cookiePkt)
	if len(initOut) != 1 {
		t.Fatalf("expected allower to send initiate, got %d", len(initOut))
	}
	initPkt, _ := packet.Decode(initOut[0].Data)

	ackOut := allowent.HandlePacket(clk.Now(), initPkt)
	if !allowent.Done() || allowent.State() != "allowed" {
		t.Fatalf("expected allowent allowed, got state=%q", allowent.State())
	}
	ackPkt, _ := packet.Decode(ackOut[0].Data)

	allower.HandlePacket(clk.Now(), ackPkt)
	if !allower.Done() || allower.State() != "allowed" {
		t.Fatalf("expected allower allowed, got state=%q", allower.State())
	}

	return allower, allowent
}

func TestAllowHandshakeDerivesMatchingSessionKey(t *testing.T) {
	main := newLocal(t, "main", 1, "127.0.0.1:7530")
	other := newLocal(t, "other", 2, "127.0.0.1:7531")

	allower, allowent := runAllow(t, main, other)

	if allower.Remote().Allowed != estate.True || allowent.Remote().Allowed != estate.True {
		t.Fatal("expected both sides allowed=true")
	}
	if *allower.Remote().SessionKey != *allowent.Remote().SessionKey {
		t.Fatal("expected both sides to derive the same session key")
	}
}

func TestMessageRoundTripSingleSegment(t *testing.T) {
	main := newLocal(t, "main", 1, "127.0.0.1:7530")
	other := newLocal(t, "other", 2, "127.0.0.1:7531")
	allower, allowent := runAllow(t, main, other)

	clk := clock.NewFake(time.Unix(0, 0))
	var delivered []byte
	onDeliver := func(d Delivery) { delivered = d.Payload }

	messenger, out := NewMessenger(clk, other, allower.Remote(), main.HA, clk.Now(), []byte("hello raet"))
	if len(out) != 1 {
		t.Fatalf("expected 1 segment for short payload, got %d", len(out))
	}
	segPkt, _ := packet.Decode(out[0].Data)

	messengent, ackOut := NewMessengent(clk, allowent.Remote(), other.HA, clk.Now(), segPkt, onDeliver)
	if !messengent.Done() || messengent.State() != "done" {
		t.Fatalf("expected messengent done after single segment, state=%q", messengent.State())
	}
	if string(delivered) != "hello raet" {
		t.Fatalf("got %q, want %q", delivered, "hello raet")
	}

	ackPkt, _ := packet.Decode(ackOut[0].Data)
	messenger.HandlePacket(clk.Now(), ackPkt)
	if !messenger.Done() || messenger.State() != "done" {
		t.Fatalf("expected messenger done, state=%q", messenger.State())
	}
}

func TestMessageToUnallowedRemoteRefusesLocally(t *testing.T) {
	main := newLocal(t, "main", 1, "127.0.0.1:7530")
	other := newLocal(t, "other", 2, "127.0.0.1:7531")
	clk := clock.NewFake(time.Unix(0, 0))

	remote := estate.NewRemote(main.Name, main.HA)
	messenger, out := NewMessenger(clk, other, remote, main.HA, clk.Now(), []byte("hi"))
	if out != nil {
		t.Fatal("expected no wire traffic when remote is not allowed")
	}
	if !messenger.Done() || messenger.State() != "refused" {
		t.Fatalf("expected refused locally, got state=%q", messenger.State())
	}
}
