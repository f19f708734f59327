package homa

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
)

// fakeRpcTable is a minimal in-memory RpcTable used across this
// package's tests, grounded on the teacher's newTestNetStack-style
// fake collaborators.
type fakeRpcTable struct {
	mu      sync.Mutex
	clients map[uint64]*RPC
	servers map[string]*RPC // key: peer addr + "/" + sport + "/" + id
	nextID  uint64
}

func newFakeRpcTable() *fakeRpcTable {
	return &fakeRpcTable{
		clients: make(map[uint64]*RPC),
		servers: make(map[string]*RPC),
	}
}

func serverKey(peer *Peer, sport uint16, id uint64) string {
	return fmt.Sprintf("%s/%d/%d", peer.Addr, sport, id)
}

func (f *fakeRpcTable) FindClient(socket *Socket, id uint64) (*RPC, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rpc, ok := f.clients[id]
	return rpc, ok
}

func (f *fakeRpcTable) FindServer(socket *Socket, peer *Peer, sport uint16, id uint64) (*RPC, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rpc, ok := f.servers[serverKey(peer, sport, id)]
	return rpc, ok
}

func (f *fakeRpcTable) NewServer(socket *Socket, peer *Peer, hdr DataHeader) (*RPC, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := f.nextID
	key := serverKey(peer, 99, id)
	if rpc, ok := f.servers[key]; ok {
		return rpc, false, nil
	}
	rpc := NewRPC(id, false, peer, 99)
	rpc.State = RpcIncoming
	rpc.In.Length = hdr.MessageLength
	rpc.In.BytesRemaining = hdr.MessageLength
	rpc.In.Granted = hdr.Incoming
	rpc.In.Scheduled = hdr.MessageLength > hdr.Incoming
	f.servers[key] = rpc
	return rpc, true, nil
}

func (f *fakeRpcTable) addClient(rpc *RPC) {
	f.mu.Lock()
	f.clients[rpc.ID] = rpc
	f.mu.Unlock()
}

type fakePeerTable struct {
	mu    sync.Mutex
	peers map[string]*Peer
	t     Tuning
}

func newFakePeerTable(t Tuning) *fakePeerTable {
	return &fakePeerTable{peers: make(map[string]*Peer), t: t}
}

func (f *fakePeerTable) Find(addr string, socket *Socket) (*Peer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.peers[addr]; ok {
		return p, nil
	}
	p := NewPeer(addr, f.t)
	f.peers[addr] = p
	return p, nil
}

type fakeLifecycle struct {
	mu    sync.Mutex
	freed []*RPC
}

func (f *fakeLifecycle) Free(rpc *RPC) {
	f.mu.Lock()
	f.freed = append(f.freed, rpc)
	f.mu.Unlock()
}

func (f *fakeLifecycle) Reap(socket *Socket, limit int) bool { return false }

// fakeBufferPool copies everything into one growable byte slice per
// RPC, standing in for the externally-owned bpage pool.
type fakeBufferPool struct {
	mu  sync.Mutex
	buf map[*RPC][]byte
}

func newFakeBufferPool() *fakeBufferPool {
	return &fakeBufferPool{buf: make(map[*RPC][]byte)}
}

func (p *fakeBufferPool) Allocate(rpc *RPC) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if rpc.In.Length < 0 {
		return 1, nil
	}
	if _, ok := p.buf[rpc]; !ok {
		p.buf[rpc] = make([]byte, rpc.In.Length)
	}
	return 1, nil
}

func (p *fakeBufferPool) GetBuffer(rpc *RPC, offset int64) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b := p.buf[rpc]
	if offset < 0 || offset > int64(len(b)) {
		return nil, fmt.Errorf("offset out of range")
	}
	return b[offset:], nil
}

type fakeEgress struct {
	mu          sync.Mutex
	control     []PacketType
	retransmits int
	data        int
}

func (e *fakeEgress) TransmitControl(pt PacketType, header any, rpc *RPC) error {
	e.mu.Lock()
	e.control = append(e.control, pt)
	e.mu.Unlock()
	return nil
}

func (e *fakeEgress) TransmitControlToPeer(pt PacketType, header any, peer *Peer, socket *Socket) error {
	e.mu.Lock()
	e.control = append(e.control, pt)
	e.mu.Unlock()
	return nil
}

func (e *fakeEgress) TransmitData(rpc *RPC, force bool) error {
	e.mu.Lock()
	e.data++
	e.mu.Unlock()
	return nil
}

func (e *fakeEgress) RetransmitData(rpc *RPC, start, end int64, priority int) error {
	e.mu.Lock()
	e.retransmits++
	e.mu.Unlock()
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestTransport(tb testing.TB) (*Transport, *fakeRpcTable, *fakeLifecycle, *fakeBufferPool, *fakeEgress) {
	tb.Helper()
	tuning := DefaultTuning()
	rpcTable := newFakeRpcTable()
	peerTable := newFakePeerTable(tuning)
	lifecycle := &fakeLifecycle{}
	pool := newFakeBufferPool()
	egress := &fakeEgress{}
	tr := NewTransport(testLogger(), tuning, NewMetrics(nil), rpcTable, peerTable, lifecycle, pool, egress)
	return tr, rpcTable, lifecycle, pool, egress
}
