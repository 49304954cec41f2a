// Package road implements the Stack: it owns the UDP socket, the tables of
// remotes and live transactions, and the single cooperative serviceAll()
// tick that drives the whole core.
package road

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pion/logging"

	"github.com/raetroad/raet/pkg/clock"
	"github.com/raetroad/raet/pkg/estate"
	"github.com/raetroad/raet/pkg/keep"
	"github.com/raetroad/raet/pkg/packet"
	"github.com/raetroad/raet/pkg/raetcrypto"
	"github.com/raetroad/raet/pkg/transaction"
)

// DefaultPort and DefaultTestPort are the protocol's registered ports.
const (
	DefaultPort     = 7530
	DefaultTestPort = 7531
)

type txnKey struct {
	addr string
	tid  uint32
	kind packet.TxnKind
}

// Config configures a Stack.
type Config struct {
	Name        string
	UID         uint32
	HA          string // bind address, e.g. "0.0.0.0:7530"
	BaseDirPath string
	Auto        keep.AutoMode
	Mutable     bool
	Main        bool
	Kind        uint8

	Clock         clock.Clock // defaults to clock.Real{}
	LoggerFactory logging.LoggerFactory

	// Conn lets tests supply a pre-bound PacketConn instead of dialing one.
	Conn net.PacketConn
}

// Stack owns the socket, the local estate, the remotes and transactions
// tables, and the Keep. serviceAll() is its only entry point for progress.
type Stack struct {
	mu sync.Mutex

	conn  net.PacketConn
	local *estate.Local
	keep  *keep.Keep
	clock clock.Clock
	log   logging.LeveledLogger

	mutable bool
	auto    keep.AutoMode

	remotesByUID  map[uint32]*estate.Remote
	remotesByName map[string]*estate.Remote
	remotesByAddr map[string]*estate.Remote

	transactions map[txnKey]transaction.Transaction

	pendingTx []pendingTransmit

	OnDeliver func(transaction.Delivery)
}

type pendingTransmit struct {
	name    string
	payload []byte
}

// New creates a Stack: binds (or adopts) its UDP socket, opens its Keep, and
// generates a fresh local identity if none is restored from Keep.
func New(cfg Config) (*Stack, error) {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}

	k, err := keep.New(keep.Config{
		BaseDirPath:   cfg.BaseDirPath,
		StackName:     cfg.Name,
		Auto:          cfg.Auto,
		Mutable:       cfg.Mutable,
		LoggerFactory: cfg.LoggerFactory,
	})
	if err != nil {
		return nil, fmt.Errorf("road: opening keep: %w", err)
	}

	conn := cfg.Conn
	if conn == nil {
		ha := cfg.HA
		if ha == "" {
			ha = fmt.Sprintf(":%d", DefaultPort)
		}
		conn, err = net.ListenPacket("udp", ha)
		if err != nil {
			return nil, fmt.Errorf("road: listening on %s: %w", ha, err)
		}
	}

	s := &Stack{
		conn:          conn,
		keep:          k,
		clock:         cfg.Clock,
		mutable:       cfg.Mutable,
		auto:          cfg.Auto,
		remotesByUID:  make(map[uint32]*estate.Remote),
		remotesByName: make(map[string]*estate.Remote),
		remotesByAddr: make(map[string]*estate.Remote),
		transactions:  make(map[txnKey]transaction.Transaction),
	}
	if cfg.LoggerFactory != nil {
		s.log = cfg.LoggerFactory.NewLogger("road")
	}

	local, err := s.loadOrCreateLocal(cfg)
	if err != nil {
		return nil, err
	}
	s.local = local

	return s, nil
}

func (s *Stack) loadOrCreateLocal(cfg Config) (*estate.Local, error) {
	rec, found, err := s.keep.LoadLocal()
	if err != nil {
		return nil, fmt.Errorf("road: loading local estate: %w", err)
	}
	if found {
		local := &estate.Local{
			Name: rec.Name, UID: rec.UID, HA: rec.HA, AHA: rec.AHA, FQDN: rec.FQDN,
			Signer: rec.Signer, Verfer: rec.Verfer,
			Priver: to32(rec.Priver), Pubber: to32(rec.Pubber),
		}
		local.SetSID(rec.SID)
		return local, nil
	}

	signer, verfer, err := raetcrypto.GenerateSigner()
	if err != nil {
		return nil, err
	}
	priver, pubber, err := raetcrypto.GenerateBoxKeypair()
	if err != nil {
		return nil, err
	}
	local := &estate.Local{
		Name: cfg.Name, UID: cfg.UID, HA: cfg.HA,
		Signer: signer, Verfer: verfer,
		Priver: priver, Pubber: pubber,
	}
	if err := s.dumpLocalLocked(local); err != nil {
		return nil, err
	}
	return local, nil
}

func to32(b []byte) *[32]byte {
	if len(b) != 32 {
		return nil
	}
	var out [32]byte
	copy(out[:], b)
	return &out
}

// Close releases the socket.
func (s *Stack) Close() error {
	return s.conn.Close()
}

// LocalAddr returns the address the Stack is bound to.
func (s *Stack) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// AddRemote registers a remote explicitly, so Join can be initiated toward it.
func (s *Stack) AddRemote(r *estate.Remote) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addRemoteLocked(r)
}

func (s *Stack) addRemoteLocked(r *estate.Remote) {
	if r.UID != 0 {
		s.remotesByUID[r.UID] = r
	}
	s.remotesByName[r.Name] = r
	s.remotesByAddr[r.HA] = r
}

// RemoveRemote removes a remote by name, canceling its live transactions and
// optionally clearing its persisted keep record.
func (s *Stack) RemoveRemote(name string, clear bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.remotesByName[name]
	if !ok {
		return
	}
	delete(s.remotesByUID, r.UID)
	delete(s.remotesByName, r.Name)
	delete(s.remotesByAddr, r.HA)
	for k, t := range s.transactions {
		if t.Remote() == r {
			delete(s.transactions, k)
		}
	}
	if clear {
		s.keep.ClearRemote(name)
	}
}

// RemoveAllRemotes removes every remote, optionally clearing their keep records.
func (s *Stack) RemoveAllRemotes(clear bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name := range s.remotesByName {
		r := s.remotesByName[name]
		delete(s.remotesByUID, r.UID)
		delete(s.remotesByName, name)
		delete(s.remotesByAddr, r.HA)
	}
	s.transactions = make(map[txnKey]transaction.Transaction)
	if clear {
		s.keep.ClearAllRemote()
	}
}

// AcceptRemote resolves a pending Join for the given remote and sends the
// accept reply at once; the Join completes when the joiner's ack arrives in
// a later ServiceAll.
func (s *Stack) AcceptRemote(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.remotesByName[name]
	if !ok {
		return fmt.Errorf("road: no such remote %q", name)
	}
	for _, t := range s.transactions {
		if je, ok := t.(*transaction.Joinent); ok && je.Remote() == r {
			out := je.AcceptRemote(s.clock.Now())
			s.sendAll(out)
			return nil
		}
	}
	return fmt.Errorf("road: no pending join for remote %q", name)
}

// Join initiates a Join transaction toward the named remote.
func (s *Stack) Join(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.remotesByName[name]
	if !ok {
		return fmt.Errorf("road: no such remote %q", name)
	}
	joiner, out := transaction.NewJoiner(s.clock, s.local, r, r.HA, s.clock.Now())
	s.transactions[txnKey{addr: r.HA, tid: joiner.Key().TID, kind: packet.TxnJoin}] = joiner
	s.sendAll(out)
	return nil
}

// Allow initiates an Allow transaction toward the named remote. Preconditions: Joined.
func (s *Stack) Allow(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.remotesByName[name]
	if !ok {
		return fmt.Errorf("road: no such remote %q", name)
	}
	allower, out := transaction.NewAllower(s.clock, s.local, r, r.HA, s.clock.Now())
	s.transactions[txnKey{addr: r.HA, tid: allower.Key().TID, kind: packet.TxnAllow}] = allower
	s.sendAll(out)
	return nil
}

// Transmit enqueues payload for delivery to the named remote. The actual
// Messenger transaction and first burst are created on the next ServiceAll.
func (s *Stack) Transmit(name string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.remotesByName[name]
	if !ok {
		return fmt.Errorf("road: no such remote %q", name)
	}
	s.pendingTx = append(s.pendingTx, pendingTransmit{name: r.Name, payload: payload})
	return nil
}

func (s *Stack) sendAll(out []transaction.Outbound) {
	for _, o := range out {
		addr, err := net.ResolveUDPAddr("udp", o.Addr)
		if err != nil {
			continue
		}
		if _, err := s.conn.WriteTo(o.Data, addr); err != nil && s.log != nil {
			s.log.Warnf("send to %s failed: %v", o.Addr, err)
		}
	}
}

// ServiceAll is one tick of cooperative progress: drain the socket, step
// every live transaction, then flush the outbound transmit queue. The socket
// read waits at most one millisecond once no datagram is ready.
func (s *Stack) ServiceAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()

	if err := s.drainSocket(now); err != nil {
		return err
	}

	for key, t := range s.transactions {
		out := t.Tick(now)
		s.sendAll(out)
		if t.Done() {
			s.persistIfDirty(t.Remote())
			delete(s.transactions, key)
		}
	}

	s.flushPending(now)
	return nil
}

func (s *Stack) drainSocket(now time.Time) error {
	buf := make([]byte, 65535)
	for {
		// Socket deadlines are wall-clock times, independent of s.clock. A
		// deadline already in the past fails the read without trying it, so
		// allow one millisecond.
		s.conn.SetReadDeadline(clock.Real{}.Now().Add(time.Millisecond))
		n, addr, err := s.conn.ReadFrom(buf)
		if err != nil {
			return nil // no more datagrams ready this tick
		}
		if n == 0 {
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		s.handleDatagram(now, addr.String(), data)
	}
}

func (s *Stack) handleDatagram(now time.Time, addr string, data []byte) {
	p, err := packet.Decode(data)
	if err != nil {
		if s.log != nil {
			s.log.Warnf("dropping malformed packet from %s: %v", addr, err)
		}
		return
	}

	key := txnKey{addr: addr, tid: p.Head.Ti, kind: p.Head.Tk}
	if t, ok := s.transactions[key]; ok {
		out := t.HandlePacket(now, p)
		s.sendAll(out)
		if t.Done() {
			s.persistIfDirty(t.Remote())
			delete(s.transactions, key)
		}
		return
	}

	switch {
	case p.Head.Tk == packet.TxnJoin && (p.Head.Pk == packet.KindRequest || p.Head.Pk == packet.KindJoin):
		r, ok := s.remotesByAddr[addr]
		if !ok {
			r = estate.NewRemote("", addr)
			s.remotesByAddr[addr] = r
		}
		je, out := transaction.NewJoinent(s.clock, s.local, s.keep, r, addr, now, p)
		if !je.Done() {
			s.transactions[key] = je
		} else {
			s.persistIfDirty(r)
		}
		s.remotesByName[r.Name] = r
		if r.UID != 0 {
			s.remotesByUID[r.UID] = r
		}
		s.sendAll(out)

	case p.Head.Tk == packet.TxnAllow && p.Head.Pk == packet.KindAllow:
		r, ok := s.remotesByAddr[addr]
		if !ok {
			return
		}
		ae, out := transaction.NewAllowent(s.clock, s.local, r, addr, now, p)
		if !ae.Done() {
			s.transactions[key] = ae
		}
		s.sendAll(out)

	case p.Head.Tk == packet.TxnMessage && p.Head.Pk == packet.KindMessage:
		r, ok := s.remotesByAddr[addr]
		if !ok {
			return
		}
		me, out := transaction.NewMessengent(s.clock, r, addr, now, p, s.OnDeliver)
		if !me.Done() {
			s.transactions[key] = me
		}
		s.sendAll(out)

	default:
		nack := packet.Head{Pk: packet.KindNack, Ti: p.Head.Ti, Tk: p.Head.Tk, Sc: 1}
		out, _ := packet.Encode(&packet.Packet{Head: nack})
		s.sendAll([]transaction.Outbound{{Addr: addr, Data: out}})
	}
}

func (s *Stack) flushPending(now time.Time) {
	pending := s.pendingTx
	s.pendingTx = nil
	for _, pt := range pending {
		r, ok := s.remotesByName[pt.name]
		if !ok {
			continue
		}
		m, out := transaction.NewMessenger(s.clock, s.local, r, r.HA, now, pt.payload)
		if !m.Done() {
			s.transactions[txnKey{addr: r.HA, tid: m.Key().TID, kind: packet.TxnMessage}] = m
		}
		s.sendAll(out)
	}
}

func (s *Stack) persistIfDirty(r *estate.Remote) {
	if !r.Dirty() {
		return
	}
	rec := keep.RemoteRecord{
		Name: r.Name, UID: r.UID, FUID: r.FUID, HA: r.HA, Role: r.Role,
		Verfer: r.Verfer, SID: r.SID,
	}
	if r.Pubber != nil {
		rec.Pubber = r.Pubber[:]
	}
	if err := s.keep.DumpRemote(rec); err != nil && s.log != nil {
		s.log.Warnf("persisting remote %q: %v", r.Name, err)
	}
}

func (s *Stack) dumpLocalLocked(local *estate.Local) error {
	rec := keep.LocalRecord{
		Name: local.Name, UID: local.UID, HA: local.HA, AHA: local.AHA, FQDN: local.FQDN,
		Signer: local.Signer, Verfer: local.Verfer, SID: local.SID(),
	}
	if local.Priver != nil {
		rec.Priver = local.Priver[:]
	}
	if local.Pubber != nil {
		rec.Pubber = local.Pubber[:]
	}
	return s.keep.DumpLocal(rec)
}

// DumpLocal persists the local estate to Keep.
func (s *Stack) DumpLocal() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dumpLocalLocked(s.local)
}

// DumpRemotes persists every remote to Keep.
func (s *Stack) DumpRemotes() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.remotesByName {
		r.MarkDirty()
		s.persistIfDirty(r)
	}
	return nil
}

// RestoreRemotes loads every persisted remote record back into the tables.
func (s *Stack) RestoreRemotes() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs, err := s.keep.LoadAllRemote()
	if err != nil {
		return err
	}
	for _, rec := range recs {
		r := estate.NewRemote(rec.Name, rec.HA)
		r.UID, r.FUID, r.Role, r.SID = rec.UID, rec.FUID, rec.Role, rec.SID
		r.Verfer = rec.Verfer
		r.Pubber = to32(rec.Pubber)
		s.addRemoteLocked(r)
	}
	return nil
}

// ClearAllKeeps wipes every persisted record for this Stack.
func (s *Stack) ClearAllKeeps() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.keep.ClearLocal(); err != nil {
		return err
	}
	return s.keep.ClearAllRemote()
}

// Local exposes the local estate, mainly for tests and introspection.
func (s *Stack) Local() *estate.Local { return s.local }

// Remote looks up a remote by name.
func (s *Stack) Remote(name string) (*estate.Remote, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.remotesByName[name]
	return r, ok
}
