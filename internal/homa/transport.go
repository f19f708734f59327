package homa

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// RpcTable is the external RPC allocation/lookup collaborator (design
// §6): finding an existing client or server RPC, or creating a new
// server RPC on first contact. Allocation, free-lists, and the actual
// id/peer indices are out of scope for this package.
type RpcTable interface {
	FindClient(socket *Socket, id uint64) (*RPC, bool)
	FindServer(socket *Socket, peer *Peer, sport uint16, id uint64) (*RPC, bool)
	NewServer(socket *Socket, peer *Peer, hdr DataHeader) (rpc *RPC, created bool, err error)
}

// PeerTable is the external peer-table collaborator.
type PeerTable interface {
	Find(addr string, socket *Socket) (*Peer, error)
}

// RpcLifecycle is the external free-list / reaper collaborator.
type RpcLifecycle interface {
	Free(rpc *RPC)
	// Reap performs up to limit units of deferred-free work, returning
	// true if work remains.
	Reap(socket *Socket, limit int) bool
}

// Egress is the external packet-transmission collaborator (design §6).
type Egress interface {
	TransmitControl(pt PacketType, header any, rpc *RPC) error
	TransmitControlToPeer(pt PacketType, header any, peer *Peer, socket *Socket) error
	TransmitData(rpc *RPC, force bool) error
	RetransmitData(rpc *RPC, start, end int64, priority int) error
}

// Transport is the single mutable value owning all receive-side state:
// the grantable list, outstanding-byte accounting, and the collaborator
// handles every handler needs. One instance serves an entire endpoint.
type Transport struct {
	log     *slog.Logger
	metrics *Metrics

	tuningMu sync.RWMutex
	tuning   Tuning

	grant         grantState
	totalIncoming atomic.Int64

	rpcTable  RpcTable
	peerTable PeerTable
	lifecycle RpcLifecycle
	pool      BufferPool
	egress    Egress

	reassembler *Reassembler

	socketsMu sync.RWMutex
	sockets   map[*Socket]struct{}

	coresMu sync.RWMutex
	cores   map[CoreID]time.Time

	cancel context.CancelFunc
	group  *errgroup.Group
}

// NewTransport constructs a Transport. All collaborators are required;
// pass no-op implementations in tests that don't exercise them.
func NewTransport(log *slog.Logger, tuning Tuning, metrics *Metrics, rpcTable RpcTable, peerTable PeerTable, lifecycle RpcLifecycle, pool BufferPool, egress Egress) *Transport {
	tuning.TuningChanged()
	t := &Transport{
		log:       log,
		metrics:   metrics,
		tuning:    tuning,
		rpcTable:  rpcTable,
		peerTable: peerTable,
		lifecycle: lifecycle,
		pool:      pool,
		egress:    egress,
		sockets:   make(map[*Socket]struct{}),
	}
	t.reassembler = NewReassembler(metrics, log)
	t.grant.grantNonFifoLeft = tuning.grantNonFifo
	return t
}

// Tuning returns the transport's current tuning snapshot.
func (t *Transport) Tuning() Tuning {
	t.tuningMu.RLock()
	defer t.tuningMu.RUnlock()
	return t.tuning
}

// SetTuning installs new tuning, recomputing derived values once (the
// "convert usec to cycles once" contract from design §6).
func (t *Transport) SetTuning(nt Tuning) {
	nt.TuningChanged()
	t.tuningMu.Lock()
	t.tuning = nt
	t.tuningMu.Unlock()
}

// RegisterSocket adds a socket to the transport's socket set, the
// minimal stand-in for the external socket-table registry: abort walks
// need something to range over even though lookup-by-id lives outside
// this package.
func (t *Transport) RegisterSocket(s *Socket) {
	t.socketsMu.Lock()
	t.sockets[s] = struct{}{}
	t.socketsMu.Unlock()
}

// UnregisterSocket removes a socket, called once it is fully closed.
func (t *Transport) UnregisterSocket(s *Socket) {
	t.socketsMu.Lock()
	delete(t.sockets, s)
	t.socketsMu.Unlock()
}

// forEachSocket is the read-side epoch guard mentioned in design §5:
// here, a plain RLock over the socket set. It is non-reentrant with
// RegisterSocket/UnregisterSocket but cheap and never held across a
// blocking call.
func (t *Transport) forEachSocket(fn func(*Socket)) {
	t.socketsMu.RLock()
	snapshot := make([]*Socket, 0, len(t.sockets))
	for s := range t.sockets {
		snapshot = append(snapshot, s)
	}
	t.socketsMu.RUnlock()
	for _, s := range snapshot {
		fn(s)
	}
}

// Start launches the background housekeeping loop: periodic grant
// refills and dead-RPC reaping, standing in for the design's "periodic
// timer runs on its own schedule" (design §5). Stop it by cancelling
// ctx or by calling Stop.
func (t *Transport) Start(ctx context.Context, period time.Duration) {
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	g, gctx := errgroup.WithContext(ctx)
	t.group = g
	g.Go(func() error {
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				t.backgroundTick()
			}
		}
	})
}

// Stop cancels the background loop and waits for it to exit.
func (t *Transport) Stop() error {
	if t.cancel != nil {
		t.cancel()
	}
	if t.group != nil {
		return t.group.Wait()
	}
	return nil
}

// backgroundTick drives one round of housekeeping: refill grants if
// headroom opened up since the last packet, and reap each socket's dead
// RPCs in ReapLimit-sized calls until it reports no work left.
func (t *Transport) backgroundTick() {
	t.SendGrants()
	t.forEachSocket(func(s *Socket) {
		limit := t.Tuning().ReapLimit
		for t.lifecycle != nil && t.lifecycle.Reap(s, limit) {
		}
	})
}
