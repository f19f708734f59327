package homa

import (
	"fmt"
	"log/slog"
)

// copyBatchSize is the most packets CopyToUser drains from the queue
// while holding the RPC lock before it releases the lock to perform
// the actual user-space copy (design §4.1).
const copyBatchSize = 20

// BufferPool is the external user-buffer allocator collaborator: page
// reservation and the per-offset destination window for a copy.
type BufferPool interface {
	// Allocate reserves user-buffer pages for rpc's incoming message,
	// returning the page count (zero means "dropping until pool frees
	// space").
	Allocate(rpc *RPC) (numPages int, err error)
	// GetBuffer returns the destination window for bytes starting at
	// offset; its length is how much may be written before the next
	// page boundary.
	GetBuffer(rpc *RPC, offset int64) ([]byte, error)
}

// Reassembler tracks per-RPC gap state and drains completed data to
// user buffers. It is stateless; all mutable state lives on the RPC
// passed to each method.
type Reassembler struct {
	metrics *Metrics
	log     *slog.Logger
}

// NewReassembler builds a Reassembler reporting through m and logging
// through log.
func NewReassembler(m *Metrics, log *slog.Logger) *Reassembler {
	return &Reassembler{metrics: m, log: log}
}

// AddPacket implements design §4.1's gap-tracked reassembly. Caller
// must hold rpc's lock. Returns the number of new bytes kept (0 if the
// packet was discarded as a duplicate or protocol violation).
func (re *Reassembler) AddPacket(rpc *RPC, offset int64, payload []byte, retransmit bool) (kept int64, err error) {
	in := &rpc.In
	s := offset
	l := int64(len(payload))
	e := s + l

	if in.Length >= 0 && e > in.Length {
		if retransmit {
			re.metrics.resentDiscards.Inc()
		} else {
			re.metrics.packetDiscards.Inc()
		}
		return 0, nil
	}

	switch {
	case s == in.RecvEnd:
		in.Packets = append(in.Packets, ReceivedPacket{Offset: s, Data: payload})
		in.RecvEnd = e
	case s > in.RecvEnd:
		in.Gaps = append(in.Gaps, Gap{Start: in.RecvEnd, End: s})
		in.Packets = append(in.Packets, ReceivedPacket{Offset: s, Data: payload})
		in.RecvEnd = e
	default:
		ok, splitErr := re.fillGap(rpc, s, e, payload)
		if splitErr != nil {
			re.log.Warn("homa: packet crosses gap boundary, discarding",
				"rpc", rpc.ID, "pkt_start", s, "pkt_end", e, "err", splitErr)
			re.metrics.packetDiscards.Inc()
			return 0, nil
		}
		if !ok {
			// Entirely before/after every gap: treat as a duplicate of
			// already-received data.
			re.metrics.packetDiscards.Inc()
			return 0, nil
		}
	}

	in.BytesRemaining -= l
	return l, nil
}

// fillGap walks in.Gaps looking for the one this packet overlaps, and
// applies the left-shrink / right-shrink / split / reject rules from
// design §4.1 step 4. ok is false if the packet didn't touch any gap
// (a pure duplicate); err is non-nil for a boundary-crossing violation.
func (re *Reassembler) fillGap(rpc *RPC, s, e int64, payload []byte) (ok bool, err error) {
	in := &rpc.In
	for i := range in.Gaps {
		g := in.Gaps[i]
		if e <= g.Start || s >= g.End {
			continue // packet doesn't touch this gap
		}

		switch {
		case s == g.Start && e <= g.End:
			// Aligns at the gap's start: shrink from the left.
			in.Packets = append(in.Packets, ReceivedPacket{Offset: s, Data: payload})
			if e == g.End {
				in.Gaps = append(in.Gaps[:i], in.Gaps[i+1:]...)
			} else {
				in.Gaps[i].Start = e
			}
			return true, nil
		case e == g.End && s >= g.Start:
			// Aligns at the gap's end: shrink from the right.
			in.Packets = append(in.Packets, ReceivedPacket{Offset: s, Data: payload})
			if s == g.Start {
				in.Gaps = append(in.Gaps[:i], in.Gaps[i+1:]...)
			} else {
				in.Gaps[i].End = s
			}
			return true, nil
		case g.Start < s && e < g.End:
			// Strictly interior: split the gap in two.
			in.Packets = append(in.Packets, ReceivedPacket{Offset: s, Data: payload})
			right := Gap{Start: e, End: g.End}
			in.Gaps[i].End = s
			in.Gaps = append(in.Gaps, Gap{})
			copy(in.Gaps[i+2:], in.Gaps[i+1:])
			in.Gaps[i+1] = right
			return true, nil
		default:
			// Partial overlap with already-received data: a protocol
			// violation.
			return false, fmt.Errorf("%w: pkt=[%d,%d) gap=[%d,%d)", ErrPacketProtoViolation, s, e, g.Start, g.End)
		}
	}
	return false, nil
}

// CopyToUser drains rpc's packet queue into pool-provided user buffers.
// Caller must hold rpc's lock on entry; CopyToUser releases it for the
// duration of each batch's actual copy (no RPC lock may be held while
// touching user memory) and re-acquires it before returning, so the
// lock is held on both entry and exit.
func (re *Reassembler) CopyToUser(rpc *RPC, pool BufferPool) error {
	for len(rpc.In.Packets) > 0 {
		n := len(rpc.In.Packets)
		if n > copyBatchSize {
			n = copyBatchSize
		}
		batch := append([]ReceivedPacket(nil), rpc.In.Packets[:n]...)
		rpc.In.Packets = rpc.In.Packets[n:]
		rpc.CopyingToUser.Store(true)

		rpc.Unlock()
		copyErr := re.copyBatch(rpc, pool, batch)
		rpc.Lock()

		rpc.CopyingToUser.Store(false)
		if copyErr != nil {
			return copyErr
		}
	}
	return nil
}

// copyBatch performs the actual pool-backed copy for one batch, run
// without the RPC lock held.
func (re *Reassembler) copyBatch(rpc *RPC, pool BufferPool, batch []ReceivedPacket) error {
	for _, pkt := range batch {
		remaining := pkt.Data
		offset := pkt.Offset
		for len(remaining) > 0 {
			dst, err := pool.GetBuffer(rpc, offset)
			if err != nil {
				return fmt.Errorf("homa: copy to user at offset %d: %w", offset, err)
			}
			if len(dst) == 0 {
				return fmt.Errorf("homa: copy to user at offset %d: empty destination window", offset)
			}
			n := copy(dst, remaining)
			remaining = remaining[n:]
			offset += int64(n)
		}
	}
	return nil
}

// maxResendFirstBytes is what GetResendRange asks for when no packets
// have arrived at all (design §4.1).
const maxResendFirstBytes = 100

// ResendRange names the byte range a RESEND packet should request.
type ResendRange struct {
	Offset int64
	Length int64
}

// GetResendRange implements design §4.1: the next thing this receiver
// wants retransmitted, in priority order (first gap, then the granted-
// but-not-arrived tail, then nothing).
func GetResendRange(in *IncomingMessage) ResendRange {
	if in.Length < 0 {
		return ResendRange{Offset: 0, Length: maxResendFirstBytes}
	}
	if len(in.Gaps) > 0 {
		g := in.Gaps[0]
		return ResendRange{Offset: g.Start, Length: g.End - g.Start}
	}
	if in.Granted > in.RecvEnd {
		return ResendRange{Offset: in.RecvEnd, Length: in.Granted - in.RecvEnd}
	}
	return ResendRange{}
}
