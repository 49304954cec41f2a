// Package transaction implements the Join, Allow, and Message state
// machines: Joiner/Joinent, Allower/Allowent, Messenger/Messengent. Each
// transaction kind is a distinct type with an explicit Tick/HandlePacket
// entry point rather than a shared class hierarchy.
package transaction

import (
	"time"

	"github.com/raetroad/raet/pkg/clock"
	"github.com/raetroad/raet/pkg/estate"
	"github.com/raetroad/raet/pkg/packet"
)

// Default timers. Every transaction uses these values; road.Config has no
// field to change them.
const (
	DefaultRedoInterval   = 200 * time.Millisecond
	DefaultRedoMax        = 2 * time.Second
	DefaultTotalDeadline  = 5 * time.Second
)

// Outbound is a packet the transaction wants sent to its remote's address.
type Outbound struct {
	Addr string
	Data []byte
}

// Key identifies a transaction by (remote uid, ti, tk). The Stack's own
// transactions table is keyed by peer address instead of remote uid.
type Key struct {
	RemoteUID uint32
	TID       uint32
	Kind      packet.TxnKind
}

// Transaction is the common interface the Stack drives every tick.
type Transaction interface {
	Key() Key
	Remote() *estate.Remote
	// Tick advances time; it may resend the last packet (redo) or expire
	// the transaction (timeout). Returns packets to send, if any.
	Tick(now time.Time) []Outbound
	// HandlePacket processes one inbound packet belonging to this
	// transaction and returns any reply packets.
	HandlePacket(now time.Time, p *packet.Packet) []Outbound
	// Done reports whether the transaction has reached a terminal state
	// and can be removed from the Stack's table.
	Done() bool
	State() string
}

// base holds the machinery common to every transaction: redo timer, total
// deadline, and the last packet sent (for retransmission). It is embedded,
// not subclassed, by each concrete transaction type.
type base struct {
	clock    clock.Clock
	remote   *estate.Remote
	tid      uint32
	peerAddr string

	redoInterval time.Duration
	redoMax      time.Duration
	backoff      BackoffCalculator
	tryCount     int
	nextRedo     time.Time

	deadline time.Time

	lastOut []Outbound
	done    bool
	state   string
}

func newBase(clk clock.Clock, remote *estate.Remote, tid uint32, peerAddr string, now time.Time) base {
	return base{
		clock:        clk,
		remote:       remote,
		tid:          tid,
		peerAddr:     peerAddr,
		redoInterval: DefaultRedoInterval,
		redoMax:      DefaultRedoMax,
		backoff:      BackoffCalculator{Base: DefaultRedoInterval, Max: DefaultRedoMax},
		deadline:     now.Add(DefaultTotalDeadline),
	}
}

func (b *base) Remote() *estate.Remote { return b.remote }
func (b *base) Done() bool             { return b.done }
func (b *base) State() string          { return b.state }

func (b *base) setState(s string) { b.state = s }

func (b *base) expired(now time.Time) bool {
	return !now.Before(b.deadline)
}

// recordSent stores the packet(s) just transmitted and arms the redo timer.
func (b *base) recordSent(now time.Time, out []Outbound) []Outbound {
	b.lastOut = out
	b.tryCount++
	b.nextRedo = now.Add(b.backoff.Calculate(b.tryCount))
	return out
}

// dueForRedo reports whether the redo timer has elapsed and returns the
// packets to resend, advancing the timer for the next attempt.
func (b *base) dueForRedo(now time.Time) []Outbound {
	if b.done || b.lastOut == nil {
		return nil
	}
	if now.Before(b.nextRedo) {
		return nil
	}
	b.tryCount++
	b.nextRedo = now.Add(b.backoff.Calculate(b.tryCount))
	return b.lastOut
}

func (b *base) finish(state string) {
	b.state = state
	b.done = true
	b.lastOut = nil
}
