package homa

import (
	"fmt"

	"github.com/rs/xid"
)

// debugVerbose gates the hottest per-packet trace lines; flipped on
// only when chasing a specific bug, never in a committed build.
const debugVerbose = false

// LookupCache is the single-slot memo Dispatch uses to amortize RPC
// lock/unlock across a GRO-coalesced burst of packets for the same
// RPC (design §4.2). A non-nil RPC field means that RPC is currently
// locked on the caller's behalf.
type LookupCache struct {
	rpc   *RPC
	id    uint64
	peer  *Peer
	sport uint16
}

// Release unlocks and clears the cache. Safe to call on an empty cache.
func (c *LookupCache) Release() {
	if c.rpc != nil {
		c.rpc.Unlock()
		c.rpc = nil
	}
}

func (c *LookupCache) hit(id uint64, peer *Peer, sport uint16) *RPC {
	if c.rpc != nil && c.id == id && c.peer == peer && c.sport == sport {
		return c.rpc
	}
	return nil
}

func (c *LookupCache) store(rpc *RPC, id uint64, peer *Peer, sport uint16) {
	c.rpc = rpc
	c.id = id
	c.peer = peer
	c.sport = sport
}

// Dispatch implements design §4.2. peer has already been resolved by
// the caller (packet demultiplexing and peer-table lookup are external
// concerns per the collaborator interfaces). delta accumulates the net
// change to total_incoming this call contributes; the caller applies
// it to Transport.totalIncoming once reconciled across a batch.
func (t *Transport) Dispatch(s *Socket, core CoreID, peer *Peer, common CommonHeader, payload []byte, cache *LookupCache, delta *int64) error {
	corrID := xid.New().String()
	localID := LocalID(common.SenderID)
	t.touchCore(core)

	if common.Type == PacketData {
		hdr, rest, err := DecodeDataHeader(payload)
		if err != nil {
			t.metrics.unknownPktDrops.Inc()
			return err
		}
		if hdr.EmbeddedAck != nil {
			cache.Release()
			t.processEmbeddedAck(s, peer, common.DPort, *hdr.EmbeddedAck)
		}
		return t.dispatchData(s, core, peer, common, localID, hdr, rest, cache, delta, corrID)
	}

	// Non-DATA packets are rare enough, and varied enough in how they
	// release the lock, that they always bypass the burst cache: a
	// cache entry this call doesn't fully consume could be handed back
	// to a later packet already unlocked.
	cache.Release()

	rpc, ok := t.rpcTable.FindClient(s, localID)
	if !ok {
		rpc, ok = t.rpcTable.FindServer(s, peer, common.DPort, localID)
	}
	if !ok {
		return t.dispatchStateless(s, peer, common, payload)
	}
	rpc.Lock()

	t.touchFound(rpc, peer, common.Type)

	if debugVerbose {
		t.log.Debug("homa: dispatch", "corr", corrID, "rpc", rpc.ID, "type", common.Type.String())
	}

	return t.dispatchFound(s, core, peer, common, rpc, payload)
}

// touchFound implements design §4.2 step 4: liveness bookkeeping for
// any packet that resolved to a known RPC. Caller already holds rpc's
// lock.
func (t *Transport) touchFound(rpc *RPC, peer *Peer, pt PacketType) {
	switch pt {
	case PacketData, PacketGrant, PacketBusy:
		rpc.clearSilentTicks()
	}
	peer.ClearOutstandingResends()
}

// dispatchStateless handles packet types that have a defined behavior
// even when no matching RPC exists (design §4.2 step 3, §4.3).
func (t *Transport) dispatchStateless(s *Socket, peer *Peer, common CommonHeader, payload []byte) error {
	switch common.Type {
	case PacketCutoffs:
		return t.handleCutoffs(peer, payload)
	case PacketNeedAck:
		return t.handleNeedAck(s, peer, common, nil)
	case PacketAck:
		return t.handleAck(s, peer, nil, payload)
	case PacketResend:
		return t.handleResendNoRpc(s, peer, common)
	default:
		t.metrics.unknownPktDrops.Inc()
		return nil
	}
}

// dispatchFound dispatches a packet with a resolved, locked RPC to its
// per-type handler (design §4.3). Every branch unlocks rpc before
// returning.
func (t *Transport) dispatchFound(s *Socket, core CoreID, peer *Peer, common CommonHeader, rpc *RPC, payload []byte) error {
	switch common.Type {
	case PacketGrant:
		defer rpc.Unlock()
		return t.handleGrant(rpc, payload)
	case PacketResend:
		defer rpc.Unlock()
		return t.handleResend(peer, rpc, common, payload)
	case PacketUnknown:
		defer rpc.Unlock()
		return t.handleUnknown(s, rpc)
	case PacketNeedAck:
		defer rpc.Unlock()
		return t.handleNeedAck(s, peer, common, rpc)
	case PacketAck:
		return t.handleAck(s, peer, rpc, payload)
	case PacketBusy:
		rpc.Unlock()
		return nil
	case PacketFreeze:
		rpc.Unlock()
		t.metrics.unknownPktDrops.Inc()
		return nil
	default:
		rpc.Unlock()
		t.metrics.unknownPktDrops.Inc()
		return nil
	}
}

// weAreServer reports whether localID names an RPC this endpoint owns
// as the server side: the low bit of the local id, obtained from the
// sender-side asymmetry flip in LocalID, distinguishes the two roles
// (design's GLOSSARY entry for sender_id).
func weAreServer(localID uint64) bool {
	return localID&1 == 0
}

// dispatchData implements the DATA-specific half of design §4.2 step 2:
// locate the RPC, creating a server RPC on first contact, and keeps it
// locked in cache across the burst rather than unlocking it here — the
// caller's burst loop is responsible for calling cache.Release() once
// the last packet in the batch has been processed.
func (t *Transport) dispatchData(s *Socket, core CoreID, peer *Peer, common CommonHeader, localID uint64, hdr DataHeader, payload []byte, cache *LookupCache, delta *int64, corrID string) error {
	rpc := cache.hit(localID, peer, common.DPort)
	created := false

	if rpc == nil {
		cache.Release()

		if weAreServer(localID) {
			var err error
			rpc, created, err = t.rpcTable.NewServer(s, peer, hdr)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrInternalCreateFailed, err)
			}
			if created {
				*delta += rpc.In.Granted
			}
		} else {
			var ok bool
			rpc, ok = t.rpcTable.FindClient(s, localID)
			if !ok {
				rpc, ok = t.rpcTable.FindServer(s, peer, common.DPort, localID)
			}
			if !ok {
				t.metrics.unknownPktDrops.Inc()
				return nil
			}
		}

		rpc.Lock()
		cache.store(rpc, localID, peer, common.DPort)
	}

	t.touchFound(rpc, peer, PacketData)

	if debugVerbose {
		t.log.Debug("homa: dispatch data", "corr", corrID, "rpc", rpc.ID, "created", created)
	}

	return t.handleData(s, core, peer, rpc, created, common, hdr, payload, delta)
}

// processEmbeddedAck implements the "ack piggybacking on DATA" feature:
// a client embeds an ack for a server RPC it has already consumed so
// the server can free it without a round trip (design's SUPPLEMENTED
// FEATURES notes, matching the original's pre-lookup ack processing).
func (t *Transport) processEmbeddedAck(s *Socket, peer *Peer, serverPort uint16, a AckMsg) {
	t.freeAcked(s, peer, AckMsg{ClientID: a.ClientID, ClientPort: a.ClientPort, ServerPort: serverPort})
}
