package homa

import (
	"fmt"
)

// maxAcksPerPacket bounds how many additionally-completed ids ride on
// one ACK packet (design §4.3's NEED_ACK handler, "up to N").
const maxAcksPerPacket = 8

// handleData implements design §4.3's DATA handler. rpc arrives locked
// (via the dispatch cache) and is left locked on return; the burst
// caller releases it through LookupCache.Release.
func (t *Transport) handleData(s *Socket, core CoreID, peer *Peer, rpc *RPC, created bool, common CommonHeader, hdr DataHeader, payload []byte, delta *int64) error {
	if rpc.IsClient && rpc.State == RpcOutgoing {
		rpc.State = RpcIncoming
		rpc.In.Length = hdr.MessageLength
		rpc.In.BytesRemaining = hdr.MessageLength
		rpc.In.Granted = hdr.Incoming
		rpc.In.Scheduled = hdr.MessageLength > hdr.Incoming
		rpc.In.Birth = rpc.Birth
		*delta += rpc.In.Granted
	}

	if !rpc.IsClient && !created && hdr.SegOffset == 0 && rpc.In.Length >= 0 {
		// A retransmitted first packet of an already-known server RPC:
		// the duplicate-creation guard from the design's supplemented
		// features.
		t.metrics.packetDiscards.Inc()
		return nil
	}

	if rpc.In.NumBpages == 0 {
		numPages, err := t.pool.Allocate(rpc)
		if err != nil {
			return fmt.Errorf("homa: buffer pool allocate: %w", err)
		}
		rpc.In.NumBpages = numPages
	}
	if rpc.In.NumBpages == 0 {
		// Buffer exhaustion: don't let packets back up behind the pool.
		t.metrics.packetDiscards.Inc()
		return nil
	}

	segLen := hdr.SegLength
	if segLen > int64(len(payload)) {
		segLen = int64(len(payload))
	}
	kept, err := t.reassembler.AddPacket(rpc, hdr.SegOffset, payload[:segLen], hdr.Retransmit)
	if err != nil {
		return err
	}
	*delta -= kept

	if len(rpc.In.Packets) > 0 && !rpc.PktsReady.Load() {
		rpc.PktsReady.Store(true)
		wantRequest := !rpc.IsClient
		s.mu.Lock()
		t.Handoff(s, rpc, wantRequest)
		s.mu.Unlock()
	}

	if rpc.In.Scheduled {
		t.CheckGrantable(rpc)
	}

	if peer.IsCutoffStale(hdr.CutoffVersion) && peer.AllowCutoffsSend() {
		cutoffs, version := peer.Cutoffs()
		if err := t.egress.TransmitControlToPeer(PacketCutoffs, CutoffsHeader{UnschedCutoffs: cutoffs, CutoffVersion: version}, peer, s); err != nil {
			t.log.Warn("homa: transmit cutoffs failed", "peer", peer.Addr, "err", err)
		}
	}

	return nil
}

// handleGrant implements design §4.3's GRANT handler.
func (t *Transport) handleGrant(rpc *RPC, payload []byte) error {
	hdr, err := DecodeGrantHeader(payload)
	if err != nil {
		return err
	}

	if hdr.Offset > rpc.Out.Granted {
		if hdr.Offset > rpc.Out.Length {
			rpc.Out.Granted = rpc.Out.Length
		} else {
			rpc.Out.Granted = hdr.Offset
		}
	}
	rpc.Out.ReqPriority = hdr.Priority

	if hdr.ResendAll {
		if err := t.egress.RetransmitData(rpc, 0, rpc.Out.NextXmitOffset, hdr.Priority); err != nil {
			return err
		}
	}
	return t.egress.TransmitData(rpc, false)
}

// handleResend implements design §4.3's RESEND handler for a resolved
// RPC (the no-RPC sub-case is handleResendNoRpc).
func (t *Transport) handleResend(peer *Peer, rpc *RPC, common CommonHeader, payload []byte) error {
	hdr, err := DecodeResendHeader(payload)
	if err != nil {
		return err
	}

	if !rpc.IsClient && rpc.State != RpcOutgoing {
		return t.egress.TransmitControl(PacketBusy, struct{}{}, rpc)
	}
	if rpc.Out.NextXmitOffset < rpc.Out.Granted {
		return t.egress.TransmitControl(PacketBusy, struct{}{}, rpc)
	}
	if hdr.Length == 0 {
		return t.egress.TransmitControl(PacketBusy, struct{}{}, rpc)
	}
	return t.egress.RetransmitData(rpc, hdr.Offset, hdr.Offset+hdr.Length, hdr.Priority)
}

// handleResendNoRpc implements design §4.3's "RPC not found → send
// UNKNOWN" RESEND sub-case.
func (t *Transport) handleResendNoRpc(s *Socket, peer *Peer, common CommonHeader) error {
	return t.egress.TransmitControlToPeer(PacketUnknown, struct{}{}, peer, s)
}

// unscheduledPriority picks the unscheduled priority level a message
// of the given length should use against peer's current cutoffs: the
// lowest level whose cutoff still covers the whole message, where a
// zero cutoff covers any length. If no level covers it, the highest
// level is used.
func unscheduledPriority(length int64, peer *Peer) int {
	cutoffs, _ := peer.Cutoffs()
	for p := 0; p < HomaMaxPriorities; p++ {
		if cutoffs[p] == 0 || length <= cutoffs[p] {
			return p
		}
	}
	return HomaMaxPriorities - 1
}

// handleUnknown implements design §4.3's UNKNOWN handler. Per the
// design's Open Questions decision, this does not reset
// next_xmit_offset — a subsequent GRANT is required to make further
// progress, matching observed behavior.
func (t *Transport) handleUnknown(s *Socket, rpc *RPC) error {
	if rpc.IsClient {
		if rpc.State != RpcOutgoing {
			t.log.Warn("homa: UNKNOWN for client rpc not in OUTGOING state", "rpc", rpc.ID, "state", rpc.State.String())
			return nil
		}
		priority := unscheduledPriority(rpc.Out.Length, rpc.Peer)
		return t.egress.RetransmitData(rpc, 0, rpc.Out.NextXmitOffset, priority)
	}
	rpc.State = RpcDead
	t.lifecycle.Free(rpc)
	return nil
}

// handleCutoffs implements design §4.3's CUTOFFS handler.
func (t *Transport) handleCutoffs(peer *Peer, payload []byte) error {
	hdr, err := DecodeCutoffsHeader(payload)
	if err != nil {
		return err
	}
	peer.SetCutoffs(hdr.UnschedCutoffs, hdr.CutoffVersion)
	return nil
}

// handleNeedAck implements design §4.3's NEED_ACK handler. rpc is nil
// when the named RPC no longer exists (already fully consumed), which
// is itself grounds to reply.
func (t *Transport) handleNeedAck(s *Socket, peer *Peer, common CommonHeader, rpc *RPC) error {
	if rpc != nil && rpc.In.BytesRemaining > 0 {
		return nil
	}
	acks := peer.GetAcks(maxAcksPerPacket)
	return t.egress.TransmitControlToPeer(PacketAck, AckHeader{Acks: acks}, peer, s)
}

// handleAck implements design §4.3's ACK handler: free the RPC this
// packet rides on (rpc, already locked, nil if not found), then mark
// every additionally-named id acked.
func (t *Transport) handleAck(s *Socket, peer *Peer, rpc *RPC, payload []byte) error {
	hdr, err := DecodeAckHeader(payload)
	if err != nil {
		if rpc != nil {
			rpc.Unlock()
		}
		return err
	}

	if rpc != nil {
		rpc.State = RpcDead
		rpc.Unlock()
		t.lifecycle.Free(rpc)
	}

	for _, a := range hdr.Acks {
		t.freeAcked(s, peer, a)
	}
	return nil
}

// freeAcked frees the server RPC named by a, if this endpoint still
// has it, used by both the ACK handler's additional ids and the DATA
// handler's embedded-ack fast path.
func (t *Transport) freeAcked(s *Socket, peer *Peer, a AckMsg) {
	rpc, ok := t.rpcTable.FindServer(s, peer, a.ServerPort, LocalID(a.ClientID))
	if !ok {
		return
	}
	rpc.Lock()
	rpc.State = RpcDead
	rpc.Unlock()
	t.lifecycle.Free(rpc)
}
