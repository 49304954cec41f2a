package transaction

import (
	"time"

	"github.com/raetroad/raet/pkg/clock"
	"github.com/raetroad/raet/pkg/estate"
	"github.com/raetroad/raet/pkg/packet"
	"github.com/raetroad/raet/pkg/raetcrypto"
)

// AllowBody is the application payload carried by each of the four Allow
// messages (hello, cookie, initiate, and the final ack's confirmation).
type AllowBody struct {
	Step   string `msgpack:"st"`
	Pub    []byte `msgpack:"pb"` // sender's fresh short-term public key
	Sig    []byte `msgpack:"sg"` // long-term signature over Pub
	Nonce  []byte `msgpack:"nc"`
	Sealed []byte `msgpack:"sl"`
}

func buildAllowPacket(local *estate.Local, remote *estate.Remote, body AllowBody) []byte {
	return buildAllowPacketKind(local, remote, packet.KindAllow, body)
}

func buildAllowPacketKind(local *estate.Local, remote *estate.Remote, kind packet.Kind, body AllowBody) []byte {
	bodyBytes, _ := packet.MarshalBody(packet.BodyCodecMsgpack, body)
	head := packet.Head{
		Pk: kind,
		Se: local.UID,
		De: remote.UID,
		Si: remote.SID,
		Ti: remote.TID,
		Tk: packet.TxnAllow,
		Sc: 1,
		Bk: packet.BodyCodecMsgpack,
	}
	pkt := &packet.Packet{Head: head, Body: bodyBytes}
	out, _ := packet.Encode(pkt)
	return out
}

// Allower is the initiator-side Allow transaction.
type Allower struct {
	base
	local   *estate.Local
	ephPriv *[32]byte
	ephPub  *[32]byte
}

// NewAllower starts an Allow transaction. Preconditions: remote.Joined == True.
func NewAllower(clk clock.Clock, local *estate.Local, remote *estate.Remote, peerAddr string, now time.Time) (*Allower, []Outbound) {
	tid := remote.NextTID()
	a := &Allower{base: newBase(clk, remote, tid, peerAddr, now), local: local}
	a.setState("initiate")

	priv, pub, err := raetcrypto.GenerateBoxKeypair()
	if err != nil {
		a.finish("refused")
		return a, nil
	}
	a.ephPriv, a.ephPub = priv, pub
	remote.EphemeralPriv, remote.EphemeralPub = priv, pub

	sig := raetcrypto.Sign(local.Signer, pub[:])
	data := buildAllowPacket(local, remote, AllowBody{Step: "hello", Pub: pub[:], Sig: sig})
	a.setState("cookie")
	return a, a.recordSent(now, []Outbound{{Addr: peerAddr, Data: data}})
}

func (a *Allower) Key() Key { return Key{RemoteUID: a.remote.UID, TID: a.tid, Kind: packet.TxnAllow} }

func (a *Allower) Tick(now time.Time) []Outbound {
	if a.done {
		return nil
	}
	if a.expired(now) {
		a.remote.SetAllowed(estate.False)
		a.finish("timedout")
		return nil
	}
	return a.dueForRedo(now)
}

func (a *Allower) HandlePacket(now time.Time, p *packet.Packet) []Outbound {
	if a.done {
		return nil
	}
	var body AllowBody
	if p.Head.Pk == packet.KindAllow {
		if err := packet.UnmarshalBody(packet.BodyCodec(p.Head.Bk), p.Body, &body); err != nil {
			return nil
		}
	}

	switch {
	case p.Head.Pk == packet.KindAllow && body.Step == "cookie" && a.State() == "cookie":
		peerPub := pubberArray(body.Pub)
		if peerPub == nil || !raetcrypto.Verify(a.remote.Verfer, body.Pub, body.Sig) {
			a.finish("rejected")
			return nil
		}
		a.remote.PeerEphemeral = peerPub
		nonce := nonceArray(body.Nonce)
		if nonce == nil {
			a.finish("rejected")
			return nil
		}
		if _, err := raetcrypto.OpenAllow(a.ephPriv, peerPub, nonce, body.Sealed); err != nil {
			a.finish("rejected")
			return nil
		}

		sessionKey, err := raetcrypto.DeriveSessionKey(a.ephPriv, peerPub)
		if err != nil {
			a.finish("refused")
			return nil
		}
		a.remote.SessionKey = sessionKey

		initNonce, _ := raetcrypto.NewNonce()
		sealed := raetcrypto.SealAllow(a.ephPriv, peerPub, initNonce, append([]byte(a.local.Name+"|"), body.Nonce...))
		data := buildAllowPacket(a.local, a.remote, AllowBody{
			Step: "initiate", Pub: a.ephPub[:], Nonce: initNonce[:], Sealed: sealed,
		})
		a.setState("allow")
		return a.recordSent(now, []Outbound{{Addr: a.peerAddr, Data: data}})

	case p.Head.Pk == packet.KindAck && a.State() == "allow":
		a.remote.SetAllowed(estate.True)
		a.finish("allowed")
		return nil

	case p.Head.Pk == packet.KindRefuse:
		a.remote.SetAllowed(estate.False)
		a.finish("refused")
		return nil

	case p.Head.Pk == packet.KindReject:
		a.remote.SetAllowed(estate.False)
		a.finish("rejected")
		return nil

	case p.Head.Pk == packet.KindNack:
		a.remote.SetAllowed(estate.False)
		a.finish("nacked")
		return nil
	}
	return nil
}

// Allowent is the correspondent-side Allow transaction.
type Allowent struct {
	base
	local   *estate.Local
	ephPriv *[32]byte
	ephPub  *[32]byte
}

// NewAllowent handles an inbound Allow hello and replies with a cookie.
func NewAllowent(clk clock.Clock, local *estate.Local, remote *estate.Remote, peerAddr string, now time.Time, hello *packet.Packet) (*Allowent, []Outbound) {
	// Reply under the initiator's chosen transaction id; buildAllowPacket
	// reads it off remote.TID.
	remote.TID = hello.Head.Ti
	ae := &Allowent{base: newBase(clk, remote, hello.Head.Ti, peerAddr, now), local: local}

	if remote.Joined != estate.True {
		ae.finish("refused")
		return ae, nil
	}

	var body AllowBody
	if err := packet.UnmarshalBody(packet.BodyCodec(hello.Head.Bk), hello.Body, &body); err != nil {
		ae.finish("rejected")
		return ae, nil
	}
	peerPub := pubberArray(body.Pub)
	if peerPub == nil || !raetcrypto.Verify(remote.Verfer, body.Pub, body.Sig) {
		ae.finish("rejected")
		return ae, nil
	}
	remote.PeerEphemeral = peerPub

	priv, pub, err := raetcrypto.GenerateBoxKeypair()
	if err != nil {
		ae.finish("refused")
		return ae, nil
	}
	ae.ephPriv, ae.ephPub = priv, pub
	remote.EphemeralPriv, remote.EphemeralPub = priv, pub

	nonce, err := raetcrypto.NewNonce()
	if err != nil {
		ae.finish("refused")
		return ae, nil
	}
	cookiePayload := append([]byte{}, pub[:]...)
	sealed := raetcrypto.SealAllow(priv, peerPub, nonce, cookiePayload)

	data := buildAllowPacket(local, remote, AllowBody{
		Step: "cookie", Pub: pub[:], Sig: raetcrypto.Sign(local.Signer, pub[:]), Nonce: nonce[:], Sealed: sealed,
	})
	ae.setState("allow")
	return ae, ae.recordSent(now, []Outbound{{Addr: peerAddr, Data: data}})
}

func (ae *Allowent) Key() Key {
	return Key{RemoteUID: ae.remote.UID, TID: ae.tid, Kind: packet.TxnAllow}
}

func (ae *Allowent) Tick(now time.Time) []Outbound {
	if ae.done {
		return nil
	}
	if ae.expired(now) {
		ae.finish("timedout")
		return nil
	}
	return ae.dueForRedo(now)
}

func (ae *Allowent) HandlePacket(now time.Time, p *packet.Packet) []Outbound {
	if ae.done || p.Head.Pk != packet.KindAllow {
		return nil
	}
	var body AllowBody
	if err := packet.UnmarshalBody(packet.BodyCodec(p.Head.Bk), p.Body, &body); err != nil {
		return nil
	}
	if body.Step != "initiate" || ae.State() != "allow" {
		return nil
	}

	sessionKey, err := raetcrypto.DeriveSessionKey(ae.ephPriv, ae.remote.PeerEphemeral)
	if err != nil {
		ae.finish("rejected")
		return nil
	}
	nonce := nonceArray(body.Nonce)
	if nonce == nil {
		ae.finish("rejected")
		return nil
	}
	if _, err := raetcrypto.OpenAllow(ae.ephPriv, ae.remote.PeerEphemeral, nonce, body.Sealed); err != nil {
		ae.finish("rejected")
		return nil
	}

	ae.remote.SessionKey = sessionKey
	ae.remote.SetAllowed(estate.True)
	ae.finish("allowed")

	ackData := buildAllowPacketKind(ae.local, ae.remote, packet.KindAck, AllowBody{Step: "ack"})
	return []Outbound{{Addr: ae.peerAddr, Data: ackData}}
}

func nonceArray(b []byte) *[24]byte {
	if len(b) != 24 {
		return nil
	}
	var out [24]byte
	copy(out[:], b)
	return &out
}
