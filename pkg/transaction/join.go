package transaction

import (
	"time"

	"github.com/raetroad/raet/pkg/clock"
	"github.com/raetroad/raet/pkg/estate"
	"github.com/raetroad/raet/pkg/keep"
	"github.com/raetroad/raet/pkg/packet"
	"github.com/raetroad/raet/pkg/raetcrypto"
)

// JoinBody is the application payload carried by join-phase packets.
type JoinBody struct {
	Name   string `msgpack:"name"`
	Verfer []byte `msgpack:"vf"`
	Pubber []byte `msgpack:"pb"`
	Role   string `msgpack:"rl"`
	HA     string `msgpack:"ha"`
	Main   bool   `msgpack:"mn"`
	FUID   uint32 `msgpack:"fu"` // assigned uid for the peer, set on accept
}

func signPacket(local *estate.Local, head packet.Head, body []byte) []byte {
	headBytes, _ := packet.Encode(&packet.Packet{Head: head, Body: body})
	return raetcrypto.Sign(local.Signer, headBytes)
}

// buildJoinPacket assembles and signs a join-phase packet.
func buildJoinPacket(local *estate.Local, kind packet.Kind, remote *estate.Remote, body JoinBody) []byte {
	bodyBytes, _ := packet.MarshalBody(packet.BodyCodecMsgpack, body)
	head := packet.Head{
		Pk: kind,
		Se: local.UID,
		De: remote.UID,
		Si: remote.SID,
		Ti: remote.TID,
		Tk: packet.TxnJoin,
		Sc: 1,
		Bk: packet.BodyCodecMsgpack,
		Fk: packet.FootKindSignature,
	}
	sig := signPacket(local, head, bodyBytes)
	head.Fl = uint16(len(sig))
	pkt := &packet.Packet{Head: head, Body: bodyBytes, Foot: sig}
	out, _ := packet.Encode(pkt)
	return out
}

// Joiner is the initiator-side Join transaction.
type Joiner struct {
	base
	local *estate.Local
}

// NewJoiner starts a Join transaction to remote, sending the initial
// request packet.
func NewJoiner(clk clock.Clock, local *estate.Local, remote *estate.Remote, peerAddr string, now time.Time) (*Joiner, []Outbound) {
	tid := remote.NextTID()
	j := &Joiner{base: newBase(clk, remote, tid, peerAddr, now), local: local}
	j.setState("initiate")

	kind := packet.KindRequest
	if remote.FUID != 0 {
		kind = packet.KindJoin
	}
	data := buildJoinPacket(local, kind, remote, JoinBody{
		Name:   local.Name,
		Verfer: local.Verfer,
		Pubber: local.Pubber[:],
		Role:   local.Name,
		HA:     local.HA,
	})
	out := []Outbound{{Addr: peerAddr, Data: data}}
	j.setState("joining")
	return j, j.recordSent(now, out)
}

func (j *Joiner) Key() Key { return Key{RemoteUID: j.remote.UID, TID: j.tid, Kind: packet.TxnJoin} }

func (j *Joiner) Tick(now time.Time) []Outbound {
	if j.done {
		return nil
	}
	if j.expired(now) {
		j.remote.SetJoined(estate.False)
		j.finish("timedout")
		return nil
	}
	return j.dueForRedo(now)
}

func (j *Joiner) HandlePacket(now time.Time, p *packet.Packet) []Outbound {
	if j.done {
		return nil
	}
	switch p.Head.Pk {
	case packet.KindPend:
		j.setState("pending")
		return nil
	case packet.KindAccept:
		var body JoinBody
		if err := packet.UnmarshalBody(packet.BodyCodec(p.Head.Bk), p.Body, &body); err != nil {
			return nil
		}
		if !raetcrypto.Verify(body.Verfer, mustHeadBytes(p), p.Foot) {
			j.remote.SetJoined(estate.False)
			j.finish("rejected")
			return nil
		}
		if !j.remote.IdentityMatches(body.Verfer, pubberArray(body.Pubber)) {
			j.remote.SetJoined(estate.False)
			j.finish("rejected")
			return nil
		}
		j.remote.Verfer = body.Verfer
		j.remote.Pubber = pubberArray(body.Pubber)
		j.remote.FUID = body.FUID
		j.remote.SetJoined(estate.True)
		j.finish("joined")
		ackData := buildJoinPacket(j.local, packet.KindAck, j.remote, JoinBody{Name: j.local.Name})
		return []Outbound{{Addr: j.peerAddr, Data: ackData}}
	case packet.KindRefuse:
		j.finish("refused")
		return nil
	case packet.KindReject:
		j.remote.SetJoined(estate.False)
		j.finish("rejected")
		return nil
	case packet.KindRenew:
		j.remote.SID = 0
		j.finish("renewed")
		return nil
	case packet.KindNack:
		j.finish("nacked")
		return nil
	}
	return nil
}

// Joinent is the correspondent-side Join transaction.
type Joinent struct {
	base
	local *estate.Local
	keep  *keep.Keep
}

// NewJoinent handles an inbound join request and produces the Joinent's
// first reply (pend/accept/reject).
func NewJoinent(clk clock.Clock, local *estate.Local, k *keep.Keep, remote *estate.Remote, peerAddr string, now time.Time, req *packet.Packet) (*Joinent, []Outbound) {
	// The correspondent replies under the transaction id the initiator
	// chose; buildJoinPacket reads it off remote.TID, so adopt it here.
	remote.TID = req.Head.Ti
	je := &Joinent{base: newBase(clk, remote, req.Head.Ti, peerAddr, now), local: local, keep: k}
	je.setState("initial")

	var body JoinBody
	if err := packet.UnmarshalBody(packet.BodyCodec(req.Head.Bk), req.Body, &body); err != nil {
		je.finish("rejected")
		return je, nil
	}

	// A non-vacuous si claiming a session we have no record of means the
	// peer's state is stale relative to ours (e.g. we restarted); demand a
	// vacuous rejoin instead of proceeding on a session we can't recognize.
	if req.Head.Si != 0 && remote.SID == 0 {
		je.finish("renewed")
		data := buildJoinPacket(local, packet.KindRenew, remote, JoinBody{})
		return je, []Outbound{{Addr: peerAddr, Data: data}}
	}

	if !remote.IdentityMatches(body.Verfer, pubberArray(body.Pubber)) {
		je.finish("rejected")
		data := buildJoinPacket(local, packet.KindReject, remote, JoinBody{})
		return je, []Outbound{{Addr: peerAddr, Data: data}}
	}
	if remote.Name == "" {
		remote.Name = body.Name
	}
	remote.Verfer = body.Verfer
	remote.Pubber = pubberArray(body.Pubber)
	remote.Role = body.Role

	acc, err := k.StatusRemote(body.Role, body.Verfer, body.Pubber)
	if err != nil {
		je.finish("rejected")
		return je, nil
	}

	switch acc {
	case keep.AcceptancePending:
		remote.Acceptance = estate.AcceptancePending
		je.setState("pend")
		data := buildJoinPacket(local, packet.KindPend, remote, JoinBody{})
		return je, je.recordSent(now, []Outbound{{Addr: peerAddr, Data: data}})
	case keep.AcceptanceRejected:
		remote.Acceptance = estate.AcceptanceRejected
		je.finish("rejected")
		data := buildJoinPacket(local, packet.KindReject, remote, JoinBody{})
		return je, []Outbound{{Addr: peerAddr, Data: data}}
	default:
		remote.Acceptance = estate.AcceptanceAccepted
		if remote.UID == 0 {
			remote.UID = local.NextRemoteUID()
		}
		je.setState("pend") // awaiting the joiner's final ack
		data := buildJoinPacket(local, packet.KindAccept, remote, JoinBody{
			Name:   local.Name,
			Verfer: local.Verfer,
			Pubber: local.Pubber[:],
			FUID:   remote.UID,
		})
		return je, je.recordSent(now, []Outbound{{Addr: peerAddr, Data: data}})
	}
}

func (je *Joinent) Key() Key {
	return Key{RemoteUID: je.remote.UID, TID: je.tid, Kind: packet.TxnJoin}
}

func (je *Joinent) Tick(now time.Time) []Outbound {
	if je.done {
		return nil
	}
	if je.expired(now) {
		je.finish("timedout")
		return nil
	}
	return je.dueForRedo(now)
}

func (je *Joinent) HandlePacket(now time.Time, p *packet.Packet) []Outbound {
	if je.done {
		return nil
	}
	switch p.Head.Pk {
	case packet.KindAck:
		if !raetcrypto.Verify(je.remote.Verfer, mustHeadBytes(p), p.Foot) {
			je.finish("rejected")
			return nil
		}
		je.remote.SetJoined(estate.True)
		je.finish("joined")
	case packet.KindNack:
		je.finish("nacked")
	}
	return nil
}

// AcceptRemote resolves a pending Joinent to accepted, per the operator API
// (see SPEC_FULL.md §10). It returns the accept reply, which the caller
// must send.
func (je *Joinent) AcceptRemote(now time.Time) []Outbound {
	if je.State() != "pend" || je.remote.Acceptance != estate.AcceptancePending {
		return nil
	}
	je.remote.Acceptance = estate.AcceptanceAccepted
	if je.remote.UID == 0 {
		je.remote.UID = je.local.NextRemoteUID()
	}
	data := buildJoinPacket(je.local, packet.KindAccept, je.remote, JoinBody{
		Name:   je.local.Name,
		Verfer: je.local.Verfer,
		Pubber: je.local.Pubber[:],
		FUID:   je.remote.UID,
	})
	return je.recordSent(now, []Outbound{{Addr: je.peerAddr, Data: data}})
}

func pubberArray(b []byte) *[32]byte {
	if len(b) != 32 {
		return nil
	}
	var out [32]byte
	copy(out[:], b)
	return &out
}

func mustHeadBytes(p *packet.Packet) []byte {
	headOnly := &packet.Packet{Head: p.Head, Body: p.Body}
	data, _ := packet.Encode(headOnly)
	return data
}
