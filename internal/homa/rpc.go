package homa

import (
	"sync"
	"sync/atomic"
	"time"
)

// RpcState is the lifecycle state of an RPC (design.md §3).
type RpcState int32

const (
	RpcOutgoing RpcState = iota
	RpcIncoming
	RpcReady
	RpcDead
)

func (s RpcState) String() string {
	switch s {
	case RpcOutgoing:
		return "OUTGOING"
	case RpcIncoming:
		return "INCOMING"
	case RpcReady:
		return "READY"
	case RpcDead:
		return "DEAD"
	default:
		return "UNKNOWN"
	}
}

// Gap is a [Start, End) byte range below RecvEnd not yet received.
type Gap struct {
	Start int64
	End   int64
}

// ReceivedPacket is one DATA segment held in arrival order awaiting
// copy-out to user buffers.
type ReceivedPacket struct {
	Offset int64
	Data   []byte
}

// IncomingMessage is the per-RPC reassembly state (msgin in the design).
type IncomingMessage struct {
	Length         int64 // -1 == unknown/not initialized
	Packets        []ReceivedPacket
	RecvEnd        int64
	Gaps           []Gap
	BytesRemaining int64
	Granted        int64
	Priority       int
	Scheduled      bool
	ResendAll      bool
	Birth          time.Time
	NumBpages      int
}

// OutgoingMessage is the per-RPC transmit state (msgout). Only the
// fields the receive-side grant/resend/unknown handlers touch are
// modeled; actual segmentation and transmission belong to the egress
// collaborator.
type OutgoingMessage struct {
	Length         int64
	Granted        int64
	NextXmitOffset int64
	ReqPriority    int
	ResendAll      bool
}

// grantNode is the intrusive link an RPC uses while it sits in the
// global grantable list, kept on RPC itself so "is this RPC grantable"
// is an O(1) field read rather than a lock-and-scan. linked is read
// outside the grantable lock by RemoveGrantable's fast path, so it is
// atomic; all writes happen with the grantable lock held.
type grantNode struct {
	linked atomic.Bool
}

// RPC is the unit of work: a client-originated (outgoing request,
// incoming response) or server-originated (incoming request, outgoing
// response) remote procedure call.
type RPC struct {
	mu sync.Mutex // protects In, Out, State, Error, and the flag bits below

	ID       uint64
	IsClient bool
	Peer     *Peer
	Port     uint16 // the peer-facing port this RPC was opened on

	State RpcState
	Error error

	In  IncomingMessage
	Out OutgoingMessage

	Birth time.Time

	grant     grantNode
	interest  *Interest // targeted interest, if any thread registered one
	inReadyQ  bool

	PktsReady     atomic.Bool
	HandingOff    atomic.Bool
	CopyingToUser atomic.Bool

	GrantsInProgress atomic.Int32
	silentTicks      int
}

// NewRPC constructs an RPC in the OUTGOING state with an uninitialized
// incoming message (Length -1), for either role. The server path
// (RpcTable.NewServer) then moves it to INCOMING and initializes the
// incoming message, matching the lifecycle described in the design's
// Data Model section.
func NewRPC(id uint64, isClient bool, peer *Peer, port uint16) *RPC {
	return &RPC{
		ID:       id,
		IsClient: isClient,
		Peer:     peer,
		Port:     port,
		State:    RpcOutgoing,
		In:       IncomingMessage{Length: -1},
		Birth:    time.Now(),
	}
}

// Lock/Unlock expose the per-RPC lock to callers that must hold it
// across several field accesses (dispatch, handoff); most of this
// package's own methods acquire it internally.
func (r *RPC) Lock()   { r.mu.Lock() }
func (r *RPC) Unlock() { r.mu.Unlock() }

// clearSilentTicks is the keep-alive reset the dispatcher performs on
// DATA/GRANT/BUSY receipt (design §4.2 step 4).
func (r *RPC) clearSilentTicks() {
	r.silentTicks = 0
}

// Tick increments the RPC's silence counter; the external timer
// component calls this once per tick per active RPC.
func (r *RPC) Tick() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.silentTicks++
	return r.silentTicks
}
