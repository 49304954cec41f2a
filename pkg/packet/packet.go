// Package packet implements the wire codec: every packet is four
// logically concatenated sections (head, body, coat, foot) as described by
// the protocol's two-letter field codes.
package packet

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Kind is the packet-kind field (pk).
type Kind uint8

const (
	KindRequest Kind = iota
	KindJoin
	KindAccept
	KindPend
	KindAllow
	KindMessage
	KindAck
	KindNack
	KindResend
	KindRefuse
	KindRenew
	KindReject
	KindUnjoined
	KindUnallowed
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindJoin:
		return "join"
	case KindAccept:
		return "accept"
	case KindPend:
		return "pend"
	case KindAllow:
		return "allow"
	case KindMessage:
		return "message"
	case KindAck:
		return "ack"
	case KindNack:
		return "nack"
	case KindResend:
		return "resend"
	case KindRefuse:
		return "refuse"
	case KindRenew:
		return "renew"
	case KindReject:
		return "reject"
	case KindUnjoined:
		return "unjoined"
	case KindUnallowed:
		return "unallowed"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// TxnKind is the transaction-kind field (tk).
type TxnKind uint8

const (
	TxnJoin TxnKind = iota
	TxnAllow
	TxnMessage
)

// BodyCodec identifies the negotiated body encoding (bk field).
type BodyCodec uint8

const (
	BodyCodecJSON BodyCodec = iota
	BodyCodecMsgpack
)

// FootKind identifies what the foot section holds (fk field).
type FootKind uint8

const (
	FootKindNone FootKind = iota
	FootKindSignature
	FootKindMAC
)

// CoatKind identifies how the body was encrypted, if at all (ck field).
type CoatKind uint8

const (
	CoatKindNone CoatKind = iota
	CoatKindBox       // Allow handshake: nacl/box
	CoatKindSecretbox // Message: nacl/secretbox under the session key
)

// HeadVersion is the current wire version.
const HeadVersion = 1

// Head is the fixed-schema record at the front of every packet. Field names
// use the two-letter wire codes; they are part of the interop contract.
type Head struct {
	Vn uint8   `msgpack:"vn"` // version
	Pk Kind    `msgpack:"pk"` // packet kind
	Se uint32  `msgpack:"se"` // source estate uid
	De uint32  `msgpack:"de"` // destination estate uid
	Cf bool    `msgpack:"cf"` // correspondent flag
	Bf bool    `msgpack:"bf"` // burst flag
	Si uint32  `msgpack:"si"` // session id
	Ti uint32  `msgpack:"ti"` // transaction id
	Tk TxnKind `msgpack:"tk"` // transaction kind
	Sc uint16  `msgpack:"sc"` // segment count
	Sn uint16  `msgpack:"sn"` // segment index
	Af bool    `msgpack:"af"` // ack flag
	Nk uint8   `msgpack:"nk"` // nonce kind
	Nl uint16  `msgpack:"nl"` // nonce len
	Bk BodyCodec `msgpack:"bk"` // body kind
	Bl uint32  `msgpack:"bl"` // body len
	Fk FootKind `msgpack:"fk"` // foot kind
	Fl uint16  `msgpack:"fl"` // foot len
	Ck CoatKind `msgpack:"ck"` // coat kind
	Cl uint32  `msgpack:"cl"` // coat len
	Fg uint8   `msgpack:"fg"` // reserved flags
}

// Packet is a fully assembled wire message.
type Packet struct {
	Head  Head
	Nonce []byte
	Body  []byte // plaintext application payload, empty once Coat is set
	Coat  []byte // authenticated-encrypted body
	Foot  []byte // Ed25519 signature over head and body on Join packets; empty on Allow and Message packets (a Message's Poly1305 tag is inside the secretbox Coat)
}

var (
	ErrTruncated    = errors.New("packet: truncated datagram")
	ErrHeadTooLarge = errors.New("packet: head section exceeds limit")
)

// maxHeadLen bounds the encoded head length prefix to guard against a
// corrupt or hostile length field forcing an enormous allocation.
const maxHeadLen = 4096

// Encode serializes a Packet to its wire form: a 2-byte head-length prefix,
// the msgpack-encoded head, then nonce, body-or-coat, and foot in sequence,
// with lengths as recorded in the head.
func Encode(p *Packet) ([]byte, error) {
	p.Head.Vn = HeadVersion
	p.Head.Nl = uint16(len(p.Nonce))

	payload := p.Body
	if len(p.Coat) > 0 {
		payload = p.Coat
		p.Head.Cl = uint32(len(p.Coat))
		p.Head.Bl = 0
	} else {
		p.Head.Ck = CoatKindNone
		p.Head.Bl = uint32(len(p.Body))
		p.Head.Cl = 0
	}
	p.Head.Fl = uint16(len(p.Foot))

	headBytes, err := msgpack.Marshal(p.Head)
	if err != nil {
		return nil, fmt.Errorf("packet: encode head: %w", err)
	}
	if len(headBytes) > maxHeadLen {
		return nil, ErrHeadTooLarge
	}

	out := make([]byte, 0, 2+len(headBytes)+len(p.Nonce)+len(payload)+len(p.Foot))
	var lenPrefix [2]byte
	binary.BigEndian.PutUint16(lenPrefix[:], uint16(len(headBytes)))
	out = append(out, lenPrefix[:]...)
	out = append(out, headBytes...)
	out = append(out, p.Nonce...)
	out = append(out, payload...)
	out = append(out, p.Foot...)
	return out, nil
}

// Decode parses a wire datagram back into a Packet.
func Decode(data []byte) (*Packet, error) {
	if len(data) < 2 {
		return nil, ErrTruncated
	}
	headLen := binary.BigEndian.Uint16(data)
	if int(headLen) > maxHeadLen {
		return nil, ErrHeadTooLarge
	}
	if len(data) < 2+int(headLen) {
		return nil, ErrTruncated
	}

	var head Head
	if err := msgpack.Unmarshal(data[2:2+int(headLen)], &head); err != nil {
		return nil, fmt.Errorf("packet: decode head: %w", err)
	}

	rest := data[2+int(headLen):]
	need := int(head.Nl) + int(head.Bl) + int(head.Cl) + int(head.Fl)
	if len(rest) < need {
		return nil, ErrTruncated
	}

	p := &Packet{Head: head}
	off := 0
	p.Nonce = rest[off : off+int(head.Nl)]
	off += int(head.Nl)
	if head.Bl > 0 {
		p.Body = rest[off : off+int(head.Bl)]
		off += int(head.Bl)
	}
	if head.Cl > 0 {
		p.Coat = rest[off : off+int(head.Cl)]
		off += int(head.Cl)
	}
	p.Foot = rest[off : off+int(head.Fl)]
	off += int(head.Fl)

	return p, nil
}

// MarshalBody encodes an application payload using the negotiated body codec.
func MarshalBody(codec BodyCodec, v interface{}) ([]byte, error) {
	switch codec {
	case BodyCodecMsgpack:
		return msgpack.Marshal(v)
	default:
		return json.Marshal(v)
	}
}

// UnmarshalBody decodes an application payload using the negotiated body codec.
func UnmarshalBody(codec BodyCodec, data []byte, v interface{}) error {
	switch codec {
	case BodyCodecMsgpack:
		return msgpack.Unmarshal(data, v)
	default:
		return json.Unmarshal(data, v)
	}
}
