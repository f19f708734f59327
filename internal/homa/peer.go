package homa

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Peer tracks per-remote-endpoint state: scheduling cutoffs, resend
// bookkeeping, and the set of RPC ids this side has finished with but
// not yet acknowledged to the peer.
type Peer struct {
	Addr string // opaque remote endpoint identity; real addressing is external

	mu                 sync.Mutex
	unschedCutoffs     [HomaMaxPriorities]int64
	cutoffVersion      uint32
	outstandingResends int
	pendingAcks        []AckMsg

	// cutoffLimiter throttles fresh CUTOFFS transmissions to "at most
	// once per jiffy" (design §4.3), wired onto golang.org/x/time/rate
	// rather than a raw jiffy comparison.
	cutoffLimiter *rate.Limiter
}

// NewPeer constructs a Peer whose CUTOFFS throttle allows one refresh
// per interval, sized from Tuning.CutoffJiffyUsecs.
func NewPeer(addr string, t Tuning) *Peer {
	interval := t.cutoffEvery
	if interval <= 0 {
		interval = time.Millisecond
	}
	return &Peer{
		Addr:          addr,
		cutoffLimiter: rate.NewLimiter(rate.Every(interval), 1),
	}
}

// Cutoffs returns the current per-priority unscheduled cutoffs and the
// epoch they belong to.
func (p *Peer) Cutoffs() ([HomaMaxPriorities]int64, uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.unschedCutoffs, p.cutoffVersion
}

// SetCutoffs updates the cutoffs table and epoch, applied by the CUTOFFS
// handler (design §4.3).
func (p *Peer) SetCutoffs(cutoffs [HomaMaxPriorities]int64, version uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unschedCutoffs = cutoffs
	p.cutoffVersion = version
}

// IsCutoffStale reports whether the sender's declared epoch no longer
// matches ours, meaning a fresh CUTOFFS packet is owed.
func (p *Peer) IsCutoffStale(senderVersion uint32) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return senderVersion != p.cutoffVersion
}

// AllowCutoffsSend reports whether a fresh CUTOFFS packet may be sent
// to this peer right now, consuming the rate-limit token if so.
func (p *Peer) AllowCutoffsSend() bool {
	return p.cutoffLimiter.Allow()
}

// ClearOutstandingResends resets the liveness counter, performed by the
// dispatcher whenever any packet arrives from this peer (design §4.2
// step 4).
func (p *Peer) ClearOutstandingResends() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outstandingResends = 0
}

// IncrementOutstandingResends is driven by the external timer when a
// RESEND is sent to this peer without a reply.
func (p *Peer) IncrementOutstandingResends() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outstandingResends++
	return p.outstandingResends
}

// AddPendingAck records an RPC id this side has finished with; it will
// be piggybacked on a future DATA packet or returned by GetAcks.
func (p *Peer) AddPendingAck(a AckMsg) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pendingAcks = append(p.pendingAcks, a)
}

// GetAcks removes and returns up to max pending acks, the collaborator
// behavior `peer.get_acks(max, out) -> count` referenced by the design.
func (p *Peer) GetAcks(max int) []AckMsg {
	p.mu.Lock()
	defer p.mu.Unlock()
	if max <= 0 || len(p.pendingAcks) == 0 {
		return nil
	}
	n := max
	if n > len(p.pendingAcks) {
		n = len(p.pendingAcks)
	}
	out := append([]AckMsg(nil), p.pendingAcks[:n]...)
	p.pendingAcks = p.pendingAcks[n:]
	return out
}
