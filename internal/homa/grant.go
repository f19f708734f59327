package homa

import "sync"

// grantState is the global grantable set (design §3/§4.4): an SRPT-
// ordered list of RPCs still owed bytes, guarded by one lock per
// transport instance.
type grantState struct {
	mu                 sync.Mutex
	list               []*RPC
	cumulativeIntegral int64
	grantNonFifoLeft   int
}

// rpcBetter reports whether a should rank ahead of b in the grantable
// list: fewer bytes remaining wins, oldest birth breaks ties.
func rpcBetter(a, b *RPC) bool {
	if a.In.BytesRemaining != b.In.BytesRemaining {
		return a.In.BytesRemaining < b.In.BytesRemaining
	}
	return a.Birth.Before(b.Birth)
}

// CheckGrantable implements design §4.4: called whenever bytes_remaining
// decreases for rpc. Caller must hold rpc's lock.
func (t *Transport) CheckGrantable(rpc *RPC) {
	if rpc.In.Granted >= rpc.In.Length {
		return
	}
	t.grant.mu.Lock()
	defer t.grant.mu.Unlock()

	if rpc.In.Granted >= rpc.In.Length { // recheck under the grantable lock
		if rpc.grant.linked.Load() {
			t.unlinkLocked(rpc)
		}
		return
	}
	if rpc.grant.linked.Load() {
		t.bubbleLocked(rpc)
	} else {
		t.insertLocked(rpc)
	}
}

func (t *Transport) insertLocked(rpc *RPC) {
	idx := len(t.grant.list)
	for i, other := range t.grant.list {
		if rpcBetter(rpc, other) {
			idx = i
			break
		}
	}
	t.grant.list = append(t.grant.list, nil)
	copy(t.grant.list[idx+1:], t.grant.list[idx:])
	t.grant.list[idx] = rpc
	rpc.grant.linked.Store(true)
	t.metrics.numGrantable.Set(float64(len(t.grant.list)))
}

// bubbleLocked moves rpc toward the head of the list while its
// predecessors are strictly worse-ranked, per design §4.4 ("bubble it
// toward the head").
func (t *Transport) bubbleLocked(rpc *RPC) {
	idx := t.indexOfLocked(rpc)
	if idx < 0 {
		return
	}
	for idx > 0 && rpcBetter(rpc, t.grant.list[idx-1]) {
		t.grant.list[idx-1], t.grant.list[idx] = t.grant.list[idx], t.grant.list[idx-1]
		idx--
	}
}

func (t *Transport) indexOfLocked(rpc *RPC) int {
	for i, r := range t.grant.list {
		if r == rpc {
			return i
		}
	}
	return -1
}

func (t *Transport) unlinkLocked(rpc *RPC) {
	idx := t.indexOfLocked(rpc)
	if idx < 0 {
		return
	}
	t.grant.list = append(t.grant.list[:idx], t.grant.list[idx+1:]...)
	rpc.grant.linked.Store(false)
	t.metrics.numGrantable.Set(float64(len(t.grant.list)))
}

// RemoveGrantable implements design §4.4's fast-unlink path: check the
// link flag without the global lock, and only acquire it if the RPC
// is actually linked. If removal opens headroom, refill via SendGrants
// — which must never be called with the grantable lock held.
func (t *Transport) RemoveGrantable(rpc *RPC) {
	if !rpc.grant.linked.Load() {
		return
	}
	opened := false
	t.grant.mu.Lock()
	if rpc.grant.linked.Load() {
		t.unlinkLocked(rpc)
		opened = true
	}
	t.grant.mu.Unlock()
	if opened {
		t.SendGrants()
	}
}

// ReconcileIncoming applies delta — the net change to total_incoming
// accumulated across one or more Dispatch calls (design §4.2's
// *delta convention) — to the transport's outstanding granted-but-
// not-yet-received byte count, then gives SendGrants a chance to use
// any headroom delta just opened. The caller invokes this once per
// dispatch batch, never while holding an RPC or grantable lock.
func (t *Transport) ReconcileIncoming(delta int64) {
	if delta == 0 {
		return
	}
	t.totalIncoming.Add(delta)
	if delta < 0 {
		t.SendGrants()
	}
}

// grantAction is a pending outbound GRANT accumulated while the
// grantable lock is held, transmitted only after it is released
// (design §4.4 step 7, the "two-phase grant with out-of-lock transmit"
// design note).
type grantAction struct {
	rpc  *RPC
	hdr  GrantHeader
	fifo bool
}

// SendGrants implements design §4.4. Must never be called with the
// grantable lock held.
func (t *Transport) SendGrants() {
	tuning := t.Tuning()
	available := int64(tuning.MaxIncoming) - t.totalIncoming.Load()
	if available <= 0 {
		return
	}

	t.grant.mu.Lock()
	if len(t.grant.list) == 0 {
		t.grant.mu.Unlock()
		return
	}

	chosen := t.chooseRpcsLocked(tuning)
	actions := t.createGrantsLocked(chosen, available, tuning)

	if fifo := t.maybeFifoGrantLocked(tuning); fifo != nil {
		actions = append(actions, *fifo)
	}
	t.metrics.totalIncoming.Set(float64(t.totalIncoming.Load()))
	t.grant.mu.Unlock()

	t.transmitGrants(actions)
}

// chooseRpcsLocked implements design §4.4's ChooseRpcs: walk the
// grantable list in SRPT order, skipping any RPC whose peer already
// has MaxRpcsPerPeer entries chosen this round, stopping at
// min(MaxOvercommit, MaxGrants) selections.
func (t *Transport) chooseRpcsLocked(tuning Tuning) []*RPC {
	maxOvercommit := tuning.MaxOvercommit
	if maxOvercommit > MaxGrants {
		maxOvercommit = MaxGrants
	}
	perPeer := make(map[*Peer]int)
	chosen := make([]*RPC, 0, maxOvercommit)
	for _, rpc := range t.grant.list {
		if len(chosen) >= maxOvercommit {
			break
		}
		if tuning.MaxRpcsPerPeer > 0 && perPeer[rpc.Peer] >= tuning.MaxRpcsPerPeer {
			continue
		}
		chosen = append(chosen, rpc)
		perPeer[rpc.Peer]++
	}
	return chosen
}

// createGrantsLocked implements design §4.4's CreateGrants.
func (t *Transport) createGrantsLocked(chosen []*RPC, available int64, tuning Tuning) []grantAction {
	var actions []grantAction
	n := len(chosen)
	for rank, rpc := range chosen {
		if available <= 0 {
			break
		}
		received := rpc.In.Length - rpc.In.BytesRemaining // racy single read, by design
		window := int64(tuning.Window)
		if window == 0 {
			window = int64(tuning.MaxIncoming) / int64(n+1)
		}
		newGrant := received + window
		if newGrant > rpc.In.Length {
			newGrant = rpc.In.Length
		}
		increment := newGrant - rpc.In.Granted
		if increment <= 0 {
			continue
		}
		if increment > available {
			increment = available
		}

		rpc.In.Granted += increment
		available -= increment
		t.totalIncoming.Add(increment)
		t.grant.grantNonFifoLeft -= int(increment)
		rpc.GrantsInProgress.Add(1)
		rpc.clearSilentTicks()
		resendAll := rpc.In.ResendAll
		rpc.In.ResendAll = false

		priority := maxPriorityForRank(tuning.MaxSchedPrio, rank, n)
		rpc.In.Priority = priority

		actions = append(actions, grantAction{
			rpc:  rpc,
			hdr:  GrantHeader{Offset: rpc.In.Granted, Priority: priority, ResendAll: resendAll},
		})
		t.metrics.grantsIssued.Inc()

		if newGrant == rpc.In.Length {
			t.unlinkLocked(rpc)
		}
	}
	return actions
}

// maxPriorityForRank implements the priority-shift rule from design
// §4.4 and the worked example in §8: rank 0 gets maxSchedPrio, but if
// there are fewer chosen RPCs than priority levels the whole range
// shifts down so the lowest levels are used, leaving headroom above
// for a smaller, newly-arriving message to preempt.
func maxPriorityForRank(maxSchedPrio, rank, nChosen int) int {
	levels := maxSchedPrio + 1
	shift := 0
	if nChosen < levels {
		shift = levels - nChosen
	}
	p := maxSchedPrio - shift - rank
	if p < 0 {
		p = 0
	}
	return p
}

// maybeFifoGrantLocked implements design §4.4's FIFO anti-starvation
// step: when the non-FIFO token bucket is exhausted, refill it and
// grant the oldest-birth eligible RPC a fixed increment at the highest
// scheduled priority.
func (t *Transport) maybeFifoGrantLocked(tuning Tuning) *grantAction {
	if t.grant.grantNonFifoLeft > 0 {
		return nil
	}
	t.grant.grantNonFifoLeft += tuning.grantNonFifo
	rpc := t.chooseFifoGrantLocked(tuning)
	if rpc == nil {
		return nil
	}

	newGrant := rpc.In.Granted + int64(tuning.FifoGrantIncr)
	if newGrant > rpc.In.Length {
		newGrant = rpc.In.Length
	}
	increment := newGrant - rpc.In.Granted
	if increment <= 0 {
		return nil
	}
	rpc.In.Granted = newGrant
	t.totalIncoming.Add(increment)
	rpc.GrantsInProgress.Add(1)
	t.metrics.fifoGrantsIssued.Inc()

	if newGrant == rpc.In.Length {
		t.unlinkLocked(rpc)
	}

	return &grantAction{
		rpc:  rpc,
		hdr:  GrantHeader{Offset: newGrant, Priority: tuning.MaxSchedPrio},
		fifo: true,
	}
}

// chooseFifoGrantLocked picks the oldest-birth grantable RPC whose
// previous pity grant is used up: outstanding grant-minus-received is
// within UnschedBytes.
func (t *Transport) chooseFifoGrantLocked(tuning Tuning) *RPC {
	var best *RPC
	for _, rpc := range t.grant.list {
		received := rpc.In.Length - rpc.In.BytesRemaining
		outstanding := rpc.In.Granted - received
		if outstanding > int64(tuning.UnschedBytes) {
			continue
		}
		if best == nil || rpc.Birth.Before(best.Birth) {
			best = rpc
		}
	}
	return best
}

// transmitGrants sends the accumulated grants outside the grantable
// lock (design §4.4 step 7) and releases each RPC's in-flight borrow
// once its transmit attempt completes.
func (t *Transport) transmitGrants(actions []grantAction) {
	for _, a := range actions {
		if err := t.egress.TransmitControl(PacketGrant, a.hdr, a.rpc); err != nil {
			t.log.Warn("homa: transmit grant failed", "rpc", a.rpc.ID, "err", err)
		}
		a.rpc.GrantsInProgress.Add(-1)
	}
}
