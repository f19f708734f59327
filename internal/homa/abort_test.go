package homa

import (
	"errors"
	"testing"
)

// SocketRPCs satisfies the optional rpcEnumerator interface so the
// abort-walk tests below can exercise AbortRpcsForPeer/AbortSocketRpcs
// without a real socket-to-RPC index; it ignores s and returns every
// RPC the fake table knows about.
func (f *fakeRpcTable) SocketRPCs(s *Socket) []*RPC {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*RPC, 0, len(f.clients)+len(f.servers))
	for _, rpc := range f.clients {
		out = append(out, rpc)
	}
	for _, rpc := range f.servers {
		out = append(out, rpc)
	}
	return out
}

var errAbortTest = errors.New("connection reset")

func TestAbortRpcSetsErrorAndHandsOff(t *testing.T) {
	tr, _, _, _, _ := newTestTransport(t)
	peer := NewPeer("p", tr.Tuning())
	rpc := NewRPC(1, true, peer, 100)
	rpc.State = RpcOutgoing

	s := NewSocket(tr, nil)
	tr.AbortRpc(s, rpc, errAbortTest)

	rpc.Lock()
	defer rpc.Unlock()
	if rpc.State != RpcDead {
		t.Fatalf("state = %v, want RpcDead", rpc.State)
	}
	if !errors.Is(rpc.Error, errAbortTest) {
		t.Fatalf("error = %v, want %v", rpc.Error, errAbortTest)
	}
}

func TestAbortRpcRemovesFromGrantable(t *testing.T) {
	tr, _, _, _, _ := newTestTransport(t)
	peer := NewPeer("p", tr.Tuning())
	rpc := newGrantableRPC(tr, 1, 100, 100, peer)

	rpc.Lock()
	tr.CheckGrantable(rpc)
	rpc.Unlock()

	s := NewSocket(tr, nil)
	tr.AbortRpc(s, rpc, errAbortTest)

	if rpc.grant.linked.Load() {
		t.Fatal("expected aborted rpc to be unlinked from the grantable list")
	}
}

func TestAbortRpcSkipsHandoffWhenShuttingDown(t *testing.T) {
	tr, _, _, _, _ := newTestTransport(t)
	peer := NewPeer("p", tr.Tuning())
	rpc := NewRPC(1, true, peer, 100)
	rpc.State = RpcOutgoing

	s := NewSocket(tr, nil)
	s.Shutdown()
	tr.AbortRpc(s, rpc, errAbortTest)

	rpc.Lock()
	defer rpc.Unlock()
	if rpc.HandingOff.Load() {
		t.Fatal("expected no handoff attempt while the socket is shutting down")
	}
}

func TestAbortRpcsForPeerMatchesAddrAndPort(t *testing.T) {
	tr, rpcTable, lifecycle, _, _ := newTestTransport(t)
	peerA := NewPeer("10.0.0.1", tr.Tuning())
	peerB := NewPeer("10.0.0.2", tr.Tuning())

	clientOnA := NewRPC(1, true, peerA, 100)
	clientOnA.State = RpcOutgoing
	rpcTable.addClient(clientOnA)

	serverOnA := NewRPC(2, false, peerA, 200)
	serverOnA.State = RpcIncoming
	rpcTable.servers[serverKey(peerA, 200, 2)] = serverOnA

	clientOnB := NewRPC(3, true, peerB, 100)
	clientOnB.State = RpcOutgoing
	rpcTable.addClient(clientOnB)

	s := NewSocket(tr, nil)
	tr.RegisterSocket(s)

	tr.AbortRpcsForPeer("10.0.0.1", 0, errAbortTest)

	clientOnA.Lock()
	if clientOnA.State != RpcDead {
		t.Fatal("expected client on matching peer to be aborted")
	}
	clientOnA.Unlock()

	lifecycle.mu.Lock()
	freedServer := false
	for _, r := range lifecycle.freed {
		if r == serverOnA {
			freedServer = true
		}
	}
	lifecycle.mu.Unlock()
	if !freedServer {
		t.Fatal("expected server rpc on matching peer to be freed")
	}

	clientOnB.Lock()
	if clientOnB.State != RpcOutgoing {
		t.Fatal("expected client on a different peer to be untouched")
	}
	clientOnB.Unlock()
}

func TestAbortRpcsForPeerFiltersByPort(t *testing.T) {
	tr, rpcTable, _, _, _ := newTestTransport(t)
	peer := NewPeer("10.0.0.1", tr.Tuning())

	rpc := NewRPC(1, true, peer, 555)
	rpc.State = RpcOutgoing
	rpcTable.addClient(rpc)

	s := NewSocket(tr, nil)
	tr.RegisterSocket(s)

	tr.AbortRpcsForPeer("10.0.0.1", 999, errAbortTest)

	rpc.Lock()
	defer rpc.Unlock()
	if rpc.State != RpcOutgoing {
		t.Fatal("expected rpc on a non-matching port to be left alone")
	}
}

func TestAbortSocketRpcsWithError(t *testing.T) {
	tr, rpcTable, _, _, _ := newTestTransport(t)
	peer := NewPeer("p", tr.Tuning())
	rpc := NewRPC(1, true, peer, 100)
	rpc.State = RpcOutgoing
	rpcTable.addClient(rpc)

	s := NewSocket(tr, nil)
	tr.AbortSocketRpcs(s, errAbortTest)

	rpc.Lock()
	defer rpc.Unlock()
	if rpc.State != RpcDead || !errors.Is(rpc.Error, errAbortTest) {
		t.Fatalf("state=%v error=%v, want dead with error", rpc.State, rpc.Error)
	}
}

func TestAbortSocketRpcsWithoutErrorFreesDirectly(t *testing.T) {
	tr, rpcTable, lifecycle, _, _ := newTestTransport(t)
	peer := NewPeer("p", tr.Tuning())
	rpc := NewRPC(1, true, peer, 100)
	rpc.State = RpcOutgoing
	rpcTable.addClient(rpc)

	s := NewSocket(tr, nil)
	tr.AbortSocketRpcs(s, nil)

	lifecycle.mu.Lock()
	defer lifecycle.mu.Unlock()
	if len(lifecycle.freed) != 1 || lifecycle.freed[0] != rpc {
		t.Fatal("expected rpc to be freed directly when err is nil")
	}
}

func TestAbortSocketRpcsSkipsServerRpcs(t *testing.T) {
	tr, rpcTable, lifecycle, _, _ := newTestTransport(t)
	peer := NewPeer("p", tr.Tuning())
	serverRpc := NewRPC(1, false, peer, 100)
	serverRpc.State = RpcIncoming
	rpcTable.servers[serverKey(peer, 100, 1)] = serverRpc

	s := NewSocket(tr, nil)
	tr.AbortSocketRpcs(s, nil)

	lifecycle.mu.Lock()
	defer lifecycle.mu.Unlock()
	if len(lifecycle.freed) != 0 {
		t.Fatal("expected server rpcs to be skipped by AbortSocketRpcs")
	}
}
