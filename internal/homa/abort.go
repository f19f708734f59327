package homa

// AbortRpc implements design §4.6: remove rpc from the grantable list,
// record err, and — unless the socket is shutting down — hand it off
// so a waiting application thread wakes with the error. Caller holds
// neither rpc's nor the socket's lock; both are acquired here in the
// documented order (RPC lock, then socket lock only as Handoff needs).
func (t *Transport) AbortRpc(s *Socket, rpc *RPC, err error) {
	rpc.Lock()
	t.RemoveGrantable(rpc)
	rpc.Error = err
	rpc.State = RpcDead

	s.mu.Lock()
	down := s.shuttingDown
	if !down {
		t.Handoff(s, rpc, !rpc.IsClient)
	}
	s.mu.Unlock()
	rpc.Unlock()
}

// AbortRpcsForPeer implements design §4.6: walks every active socket's
// active RPCs, aborting (client) or freeing (server) the ones matching
// addr (and port, if port != 0). The epoch/protect-count guard named
// in design §5 is realized here as the plain RLock already used by
// forEachSocket — see its comment for why that is sufficient for this
// module's scope.
func (t *Transport) AbortRpcsForPeer(addr string, port uint16, err error) {
	t.forEachSocket(func(s *Socket) {
		for _, rpc := range t.socketRPCs(s) {
			if rpc.Peer == nil || rpc.Peer.Addr != addr {
				continue
			}
			if port != 0 && rpc.Port != port {
				continue
			}
			if rpc.IsClient {
				t.AbortRpc(s, rpc, err)
			} else {
				rpc.Lock()
				rpc.State = RpcDead
				rpc.Unlock()
				t.lifecycle.Free(rpc)
			}
		}
	})
}

// AbortSocketRpcs implements design §4.6: for each client RPC on s,
// abort with err if err != nil, else free outright.
func (t *Transport) AbortSocketRpcs(s *Socket, err error) {
	for _, rpc := range t.socketRPCs(s) {
		if !rpc.IsClient {
			continue
		}
		if err != nil {
			t.AbortRpc(s, rpc, err)
		} else {
			rpc.Lock()
			rpc.State = RpcDead
			rpc.Unlock()
			t.lifecycle.Free(rpc)
		}
	}
}

// socketRPCs is the external collaborator's enumeration hook: walking
// a socket's active RPC set is RpcTable's responsibility (its backing
// map/free-list is outside this package), exposed here as an optional
// interface so AbortRpcsForPeer/AbortSocketRpcs can stay in this file
// without this package owning RPC storage.
type rpcEnumerator interface {
	SocketRPCs(s *Socket) []*RPC
}

func (t *Transport) socketRPCs(s *Socket) []*RPC {
	if en, ok := t.rpcTable.(rpcEnumerator); ok {
		return en.SocketRPCs(s)
	}
	return nil
}
