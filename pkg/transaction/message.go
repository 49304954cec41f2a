package transaction

import (
	"time"

	"github.com/raetroad/raet/pkg/clock"
	"github.com/raetroad/raet/pkg/estate"
	"github.com/raetroad/raet/pkg/packet"
	"github.com/raetroad/raet/pkg/raetcrypto"
)

// Messenger is the initiator-side Message transaction: it bursts every
// segment of a payload and retransmits on an explicit resend request.
type Messenger struct {
	base
	local    *estate.Local
	segments [][]byte
	nonces   []*[24]byte
	acked    map[uint16]bool
}

// NewMessenger starts a Message transaction, sealing and bursting every
// segment of payload. Preconditions: remote.Allowed == True.
func NewMessenger(clk clock.Clock, local *estate.Local, remote *estate.Remote, peerAddr string, now time.Time, payload []byte) (*Messenger, []Outbound) {
	tid := remote.NextTID()
	m := &Messenger{
		base:  newBase(clk, remote, tid, peerAddr, now),
		local: local,
		acked: make(map[uint16]bool),
	}
	m.setState("initiate")

	if remote.Allowed != estate.True || remote.SessionKey == nil {
		m.finish("refused")
		return m, nil
	}

	raw := packet.Segment(payload)
	m.segments = raw
	out := make([]Outbound, 0, len(raw))
	for i, seg := range raw {
		nonce, _ := raetcrypto.NewNonce()
		m.nonces = append(m.nonces, nonce)
		sealed := raetcrypto.SealMessage(remote.SessionKey, nonce, seg)
		data := m.buildSegment(uint16(i), uint16(len(raw)), nonce, sealed)
		out = append(out, Outbound{Addr: peerAddr, Data: data})
	}
	m.setState("message")
	return m, m.recordSent(now, out)
}

func (m *Messenger) buildSegment(sn, sc uint16, nonce *[24]byte, sealed []byte) []byte {
	head := packet.Head{
		Pk: packet.KindMessage,
		Se: m.local.UID,
		De: m.remote.UID,
		Si: m.remote.SID,
		Ti: m.remote.TID,
		Tk: packet.TxnMessage,
		Sc: sc,
		Sn: sn,
		Bf: sc > 1,
		Ck: packet.CoatKindSecretbox,
		Fk: packet.FootKindMAC,
	}
	pkt := &packet.Packet{Head: head, Nonce: nonce[:], Coat: sealed}
	out, _ := packet.Encode(pkt)
	return out
}

func (m *Messenger) Key() Key {
	return Key{RemoteUID: m.remote.UID, TID: m.tid, Kind: packet.TxnMessage}
}

func (m *Messenger) Tick(now time.Time) []Outbound {
	if m.done {
		return nil
	}
	if m.expired(now) {
		m.finish("timedout")
		return nil
	}
	return m.dueForRedo(now)
}

func (m *Messenger) HandlePacket(now time.Time, p *packet.Packet) []Outbound {
	if m.done {
		return nil
	}
	switch p.Head.Pk {
	case packet.KindAck:
		m.finish("done")
	case packet.KindResend:
		if int(p.Head.Sn) < len(m.segments) {
			data := m.buildSegment(p.Head.Sn, uint16(len(m.segments)), m.nonces[p.Head.Sn],
				raetcrypto.SealMessage(m.remote.SessionKey, m.nonces[p.Head.Sn], m.segments[p.Head.Sn]))
			return []Outbound{{Addr: m.peerAddr, Data: data}}
		}
	case packet.KindRefuse:
		m.finish("refused")
	case packet.KindNack:
		m.finish("nacked")
	case packet.KindUnjoined:
		m.remote.SetJoined(estate.False)
		m.finish("refused")
	case packet.KindUnallowed:
		m.remote.SetAllowed(estate.False)
		m.finish("refused")
	}
	return nil
}

// Delivery is a reassembled, decrypted Message payload handed to the application.
type Delivery struct {
	Remote  *estate.Remote
	Payload []byte
}

// Messengent is the correspondent-side Message transaction: it reassembles
// segments, decrypts each, and acks once the message is complete.
type Messengent struct {
	base
	reassembler *packet.Reassembler
	onDeliver   func(Delivery)
	nextResend  time.Time
}

// NewMessengent handles the first segment of an inbound message. If ti
// matches the last message this remote already delivered, the segment is a
// duplicate of a completed transaction (its ack was likely lost) and is
// re-acked without being delivered again.
func NewMessengent(clk clock.Clock, remote *estate.Remote, peerAddr string, now time.Time, first *packet.Packet, onDeliver func(Delivery)) (*Messengent, []Outbound) {
	me := &Messengent{base: newBase(clk, remote, first.Head.Ti, peerAddr, now), onDeliver: onDeliver}
	me.setState("initial")

	if remote.Joined != estate.True {
		return me, replyControl(remote, peerAddr, first, packet.KindUnjoined)
	}
	if remote.Allowed != estate.True || remote.SessionKey == nil {
		return me, replyControl(remote, peerAddr, first, packet.KindUnallowed)
	}
	if first.Head.Ti != 0 && first.Head.Ti == remote.LastDoneMessageTID {
		me.finish("done")
		return me, []Outbound{{Addr: peerAddr, Data: ackFor(remote, first)}}
	}

	me.reassembler = packet.NewReassembler(first.Head.Sc)
	me.setState("message")
	return me, me.absorb(now, remote, first)
}

func replyControl(remote *estate.Remote, peerAddr string, p *packet.Packet, kind packet.Kind) []Outbound {
	head := packet.Head{Pk: kind, Se: remote.UID, De: p.Head.Se, Ti: p.Head.Ti, Tk: packet.TxnMessage, Sc: 1}
	data, _ := packet.Encode(&packet.Packet{Head: head})
	return []Outbound{{Addr: peerAddr, Data: data}}
}

func ackFor(remote *estate.Remote, p *packet.Packet) []byte {
	head := packet.Head{Pk: packet.KindAck, Se: remote.UID, De: p.Head.Se, Ti: p.Head.Ti, Tk: packet.TxnMessage, Sc: 1}
	data, _ := packet.Encode(&packet.Packet{Head: head})
	return data
}

func (me *Messengent) Key() Key {
	return Key{RemoteUID: me.remote.UID, TID: me.tid, Kind: packet.TxnMessage}
}

func (me *Messengent) Tick(now time.Time) []Outbound {
	if me.done {
		return nil
	}
	if me.expired(now) {
		me.finish("timedout")
		return nil
	}
	if me.reassembler == nil || now.Before(me.nextResend) {
		return nil
	}
	missing := me.reassembler.Missing()
	if len(missing) == 0 {
		return nil
	}
	me.nextResend = now.Add(DefaultRedoInterval)
	out := make([]Outbound, 0, len(missing))
	for _, sn := range missing {
		head := packet.Head{
			Pk: packet.KindResend, Se: me.remote.UID, Ti: me.tid, Tk: packet.TxnMessage, Sn: sn, Sc: 1,
		}
		data, _ := packet.Encode(&packet.Packet{Head: head})
		out = append(out, Outbound{Addr: me.peerAddr, Data: data})
	}
	return out
}

func (me *Messengent) HandlePacket(now time.Time, p *packet.Packet) []Outbound {
	if me.done || p.Head.Pk != packet.KindMessage {
		return nil
	}
	return me.absorb(now, me.remote, p)
}

func (me *Messengent) absorb(now time.Time, remote *estate.Remote, p *packet.Packet) []Outbound {
	nonce := nonceArray(p.Nonce)
	if nonce == nil {
		me.finish("nacked")
		return nil
	}
	seg, err := raetcrypto.OpenMessage(remote.SessionKey, nonce, p.Coat)
	if err != nil {
		me.finish("nacked")
		return nil
	}

	payload, complete := me.reassembler.Add(p.Head.Sn, seg)
	if !complete {
		return nil
	}

	remote.LastDoneMessageTID = p.Head.Ti
	me.finish("done")
	if me.onDeliver != nil {
		me.onDeliver(Delivery{Remote: remote, Payload: payload})
	}
	return []Outbound{{Addr: me.peerAddr, Data: ackFor(remote, p)}}
}
