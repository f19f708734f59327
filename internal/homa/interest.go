package homa

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// CoreID identifies the logical core an application thread is running
// on, used only for the core-affinity heuristic in ChooseInterest; it
// has no other effect on scheduling.
type CoreID int32

// Interest is a waiting thread's registration in the handoff/wait path
// (design §4.5): which core asked, the RPC it ends up with, and the
// wake channel used to move it out of its sleep.
type Interest struct {
	core     CoreID
	readyRpc atomic.Pointer[RPC]
	wake     chan struct{}

	regRpc     *RPC // set when this interest targets one client RPC by id
	inRequest  bool // currently linked into the socket's request list
	inResponse bool // currently linked into the socket's response list
	locked     bool // readyRpc was claimed by RegisterInterest and is still locked
}

func newInterest(core CoreID) *Interest {
	return &Interest{core: core, wake: make(chan struct{}, 1)}
}

// notify wakes a sleeping WaitForMessage without blocking the caller.
func (in *Interest) notify() {
	select {
	case in.wake <- struct{}{}:
	default:
	}
}

// Socket is the minimal per-endpoint state this package needs: the
// interest lists and ready queues that Handoff and WaitForMessage
// operate on. Everything else a real socket carries (fd, address,
// buffer pool handle) belongs to the embedder.
type Socket struct {
	transport *Transport

	mu           sync.Mutex
	shuttingDown bool

	requestInterests  []*Interest
	responseInterests []*Interest
	readyRequests     []*RPC
	readyResponses    []*RPC

	// notifyDataReady is the poll/epoll integration hook (design §4.5
	// step 4 of Handoff): called whenever an RPC lands in a ready queue
	// with no waiting thread to claim it.
	notifyDataReady func()
}

// NewSocket constructs a Socket bound to t.
func NewSocket(t *Transport, notifyDataReady func()) *Socket {
	return &Socket{transport: t, notifyDataReady: notifyDataReady}
}

// Shutdown marks the socket as shutting down and wakes every interest
// with ErrSocketShutdown, per design §5's cancellation rule.
func (s *Socket) Shutdown() {
	s.mu.Lock()
	s.shuttingDown = true
	all := append(append([]*Interest{}, s.requestInterests...), s.responseInterests...)
	s.requestInterests = nil
	s.responseInterests = nil
	s.mu.Unlock()
	for _, in := range all {
		in.notify()
	}
}

// touchCore records that core ran Homa work just now, maintained by
// Dispatch and consulted by ChooseInterest for core-affinity handoff.
func (t *Transport) touchCore(core CoreID) {
	t.coresMu.Lock()
	if t.cores == nil {
		t.cores = make(map[CoreID]time.Time)
	}
	t.cores[core] = time.Now()
	t.coresMu.Unlock()
}

// coreIdle reports whether core has been quiet for longer than the
// busy-staleness window, i.e. it is a good target for a handoff.
func (t *Transport) coreIdle(core CoreID, busyWindow time.Duration) bool {
	t.coresMu.RLock()
	last, ok := t.cores[core]
	t.coresMu.RUnlock()
	if !ok {
		return true
	}
	return time.Since(last) > busyWindow
}

// RegisterInterest implements design §4.5's RegisterInterest. s.mu must
// not be held by the caller. If id != 0 the interest targets that
// client RPC specifically; otherwise it joins the socket's shared
// request or response list.
func (t *Transport) RegisterInterest(s *Socket, core CoreID, wantRequest bool, id uint64) (*Interest, error) {
	in := newInterest(core)

	if id != 0 {
		rpc, ok := t.rpcTable.FindClient(s, id)
		if !ok {
			return nil, ErrNoSuchRpc
		}
		rpc.Lock()
		if rpc.interest != nil && rpc.interest != in {
			rpc.Unlock()
			return nil, fmt.Errorf("%w: rpc %d already has a waiting interest", ErrInvalidArgument, id)
		}
		rpc.interest = in
		in.regRpc = rpc
		rpc.Unlock()
	}

	s.mu.Lock()
	if in.regRpc != nil {
		rpc := in.regRpc
		rpc.Lock()
		ready := len(rpc.In.Packets) > 0 || (rpc.In.Length >= 0 && rpc.In.BytesRemaining <= 0) || rpc.Error != nil || rpc.State == RpcDead
		if ready {
			s.claimLocked(rpc)
			in.locked = true
			in.readyRpc.Store(rpc)
			s.mu.Unlock()
			return in, nil
		}
		rpc.Unlock()
	}

	if wantRequest {
		s.requestInterests = append([]*Interest{in}, s.requestInterests...)
		in.inRequest = true
	} else {
		s.responseInterests = append([]*Interest{in}, s.responseInterests...)
		in.inResponse = true
	}
	s.mu.Unlock()
	return in, nil
}

// claimLocked removes rpc from whichever ready queue holds it. Caller
// holds s.mu and rpc's lock, and keeps the RPC locked on return — the
// waiting thread inherits it locked (recorded in Interest.locked). On
// the packet-arrival path Handoff leaves the lock with its caller and
// the woken thread takes it in drainReady.
func (s *Socket) claimLocked(rpc *RPC) {
	s.readyRequests = removeRPC(s.readyRequests, rpc)
	s.readyResponses = removeRPC(s.readyResponses, rpc)
	rpc.HandingOff.Store(true)
	rpc.inReadyQ = false
}

func removeRPC(list []*RPC, rpc *RPC) []*RPC {
	for i, r := range list {
		if r == rpc {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

func removeInterest(list []*Interest, in *Interest) []*Interest {
	for i, v := range list {
		if v == in {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// detach removes in from both socket interest lists and unlinks it from
// its targeted RPC, idempotent since Handoff may already have done it.
// It takes the targeted RPC's lock, so the caller must not hold it.
func (t *Transport) detach(s *Socket, in *Interest) {
	s.mu.Lock()
	if in.inRequest {
		s.requestInterests = removeInterest(s.requestInterests, in)
		in.inRequest = false
	}
	if in.inResponse {
		s.responseInterests = removeInterest(s.responseInterests, in)
		in.inResponse = false
	}
	s.mu.Unlock()
	if in.regRpc != nil {
		in.regRpc.Lock()
		if in.regRpc.interest == in {
			in.regRpc.interest = nil
		}
		in.regRpc.Unlock()
		in.regRpc = nil
	}
}

// ChooseInterest implements design §4.5: prefer a thread whose core
// has been idle (off doing other work) longer than busyWindow, so
// hand-offs spread away from hot cores; otherwise take the head of
// the list (most recently registered, for cache locality).
func (t *Transport) ChooseInterest(list []*Interest, busyWindow time.Duration) *Interest {
	for _, in := range list {
		if t.coreIdle(in.core, busyWindow) {
			return in
		}
	}
	if len(list) > 0 {
		return list[0]
	}
	return nil
}

// Handoff implements design §4.5. Caller holds rpc's lock and s.mu and
// keeps both; a woken waiter acquires rpc's lock itself in drainReady.
func (t *Transport) Handoff(s *Socket, rpc *RPC, wantRequest bool) {
	if rpc.HandingOff.Load() || rpc.inReadyQ {
		return
	}

	var list *[]*Interest
	var chosen *Interest
	if rpc.interest != nil {
		chosen = rpc.interest
	} else if wantRequest {
		list = &s.requestInterests
	} else {
		list = &s.responseInterests
	}
	if chosen == nil && list != nil {
		chosen = t.ChooseInterest(*list, t.Tuning().busyWindow)
	}

	if chosen != nil {
		rpc.HandingOff.Store(true)
		if chosen.inRequest {
			s.requestInterests = removeInterest(s.requestInterests, chosen)
			chosen.inRequest = false
		}
		if chosen.inResponse {
			s.responseInterests = removeInterest(s.responseInterests, chosen)
			chosen.inResponse = false
		}
		if chosen.regRpc == rpc {
			rpc.interest = nil
		}
		chosen.readyRpc.Store(rpc)
		t.touchCore(chosen.core)
		chosen.notify()
		return
	}

	rpc.inReadyQ = true
	if wantRequest {
		s.readyRequests = append(s.readyRequests, rpc)
	} else {
		s.readyResponses = append(s.readyResponses, rpc)
	}
	if s.notifyDataReady != nil {
		s.notifyDataReady()
	}
}

// WaitForMessage implements design §4.5. It is the only user-facing
// blocking call in this package.
func (t *Transport) WaitForMessage(ctx context.Context, s *Socket, core CoreID, wantRequest bool, id uint64, nonblocking bool) (*RPC, error) {
	tuning := t.Tuning()

	in, err := t.RegisterInterest(s, core, wantRequest, id)
	if err != nil {
		return nil, err
	}

	for {
		if rpc := in.readyRpc.Load(); rpc != nil {
			result, retry, dead := t.drainReady(s, in, rpc)
			if !retry {
				return result, nil
			}
			if dead {
				// in was detached when the dead RPC was found; it can
				// never be woken again, so register a fresh interest
				// rather than sleeping on the orphaned one (design
				// §4.5, matching the original's re-registration on
				// every outer-loop pass).
				in, err = t.RegisterInterest(s, core, wantRequest, id)
				if err != nil {
					return nil, err
				}
				continue
			}
			in.readyRpc.Store(nil)
			continue
		}

		for t.lifecycle != nil && t.lifecycle.Reap(s, 1) {
			runtime.Gosched()
		}
		if rpc := in.readyRpc.Load(); rpc != nil {
			continue
		}

		s.mu.Lock()
		down := s.shuttingDown
		s.mu.Unlock()
		if down {
			t.detach(s, in)
			return nil, ErrSocketShutdown
		}

		if nonblocking {
			t.detach(s, in)
			return nil, ErrWouldBlock
		}

		if err := t.pollThenSleep(ctx, in, tuning); err != nil {
			t.detach(s, in)
			return nil, err
		}
	}
}

// pollThenSleep implements design §4.5 steps 4-5: spin briefly, then
// block on the wake channel until handed off or the context ends.
func (t *Transport) pollThenSleep(ctx context.Context, in *Interest, tuning Tuning) error {
	deadline := time.Now().Add(tuning.pollWindow)
	for time.Now().Before(deadline) {
		if in.readyRpc.Load() != nil {
			return nil
		}
		runtime.Gosched()
	}
	select {
	case <-in.wake:
		return nil
	case <-ctx.Done():
		return ErrInterrupted
	}
}

// drainReady implements design §4.5 step 7. An RPC claimed by
// RegisterInterest arrives already locked (in.locked); one delivered by
// Handoff arrives unlocked and is locked here. retry reports whether
// the caller should keep waiting rather than returning rpc to the
// application; dead reports that in was just detached because the
// RPC died without an error, so the caller must register a fresh
// interest instead of clearing and reusing this one. A dead RPC that
// carries an Error (an aborted one) is returned, still locked, so the
// caller sees the error.
func (t *Transport) drainReady(s *Socket, in *Interest, rpc *RPC) (result *RPC, retry bool, dead bool) {
	if !in.locked {
		rpc.Lock()
	}
	in.locked = false

	if rpc.State == RpcDead && rpc.Error == nil {
		rpc.Unlock()
		t.detach(s, in)
		return nil, true, true
	}

	if err := t.reassembler.CopyToUser(rpc, t.pool); err != nil {
		t.log.Warn("homa: copy to user failed", "rpc", rpc.ID, "err", err)
	}

	if rpc.Error != nil || (len(rpc.In.Packets) == 0 && rpc.In.BytesRemaining <= 0) {
		rpc.HandingOff.Store(false)
		if in.regRpc == rpc {
			// rpc is already locked here; unlink it directly so detach
			// does not take its lock a second time.
			rpc.interest = nil
			in.regRpc = nil
		}
		t.detach(s, in)
		return rpc, false, false // returned to caller still locked
	}

	rpc.PktsReady.Store(false)
	rpc.HandingOff.Store(false)
	rpc.Unlock()
	return nil, true, false
}
