package homa

import "time"

// MaxGrants is the hard ceiling on the number of RPCs granted
// concurrently in one SendGrants invocation, regardless of the
// configured MaxOvercommit.
const MaxGrants = 10

// maxFifoFractionPermil is the upper bound (in parts-per-thousand) for
// GrantFifoFraction; values above this are clamped by TuningChanged.
const maxFifoFractionPermil = 500

// Tuning holds the user-visible knobs enumerated in the design
// (max_incoming, window, max_overcommit, ...). Fields are plain usec/byte
// values; TuningChanged converts them once into the derived values the
// hot paths actually use, the same "convert once, use everywhere" shape
// the original favors for cycle counts.
type Tuning struct {
	MaxIncoming       int // cap on outstanding granted-but-unreceived bytes, globally
	Window            int // per-RPC window in bytes; 0 => max_incoming/(n_rpcs+1)
	MaxOvercommit     int // RPCs granted concurrently, clamped to MaxGrants
	MaxRpcsPerPeer    int // fairness cap per peer in one SendGrants round
	MaxSchedPrio      int // highest scheduled-priority level
	UnschedBytes      int // bytes a sender may transmit unscheduled
	GrantFifoFraction int // 0..500 permil of grants routed via FIFO
	FifoGrantIncr     int // bytes per FIFO grant

	PollUsecs        int // busy-wait window before sleeping in WaitForMessage
	BusyUsecs        int // staleness threshold for core-affinity handoff
	BpageLeaseUsecs  int // user-buffer lease duration
	ReapLimit        int // work budget per reap call
	DeadBuffsLimit   int // triggers inline reap during DATA handling
	CutoffJiffyUsecs int // minimum spacing between CUTOFFS retransmissions to one peer

	// Derived fields, populated by TuningChanged.
	pollWindow  time.Duration
	busyWindow  time.Duration
	bpageLease  time.Duration
	cutoffEvery time.Duration
	grantNonFifo int // bytes of non-FIFO grants issued before a FIFO grant is owed
}

// DefaultTuning returns conservative defaults suitable for tests and
// for embedders that have not yet wired real configuration.
func DefaultTuning() Tuning {
	t := Tuning{
		MaxIncoming:       1 << 20,
		Window:            0,
		MaxOvercommit:     8,
		MaxRpcsPerPeer:    4,
		MaxSchedPrio:      7,
		UnschedBytes:      10000,
		GrantFifoFraction: 50,
		FifoGrantIncr:     10000,
		PollUsecs:         50,
		BusyUsecs:         500,
		BpageLeaseUsecs:   1000000,
		ReapLimit:         10,
		DeadBuffsLimit:    5000,
		CutoffJiffyUsecs:  4000,
	}
	t.TuningChanged()
	return t
}

// TuningChanged clamps permil/overcommit values and recomputes the
// derived cycle-equivalent durations. Call after mutating any field.
func (t *Tuning) TuningChanged() {
	if t.MaxOvercommit > MaxGrants {
		t.MaxOvercommit = MaxGrants
	}
	if t.MaxOvercommit <= 0 {
		t.MaxOvercommit = 1
	}
	if t.GrantFifoFraction > maxFifoFractionPermil {
		t.GrantFifoFraction = maxFifoFractionPermil
	}
	if t.GrantFifoFraction < 0 {
		t.GrantFifoFraction = 0
	}
	if t.FifoGrantIncr <= 0 {
		t.FifoGrantIncr = 1
	}

	t.pollWindow = time.Duration(t.PollUsecs) * time.Microsecond
	t.busyWindow = time.Duration(t.BusyUsecs) * time.Microsecond
	t.bpageLease = time.Duration(t.BpageLeaseUsecs) * time.Microsecond
	t.cutoffEvery = time.Duration(t.CutoffJiffyUsecs) * time.Microsecond

	// grant_nonfifo = (1000 * fifo_grant_increment) / grant_fifo_fraction - fifo_grant_increment
	if t.GrantFifoFraction <= 0 {
		t.grantNonFifo = 0 // no FIFO grants requested; never refill
	} else {
		t.grantNonFifo = (1000*t.FifoGrantIncr)/t.GrantFifoFraction - t.FifoGrantIncr
		if t.grantNonFifo < 0 {
			t.grantNonFifo = 0
		}
	}
}
