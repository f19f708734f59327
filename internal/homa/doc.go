// Package homa implements the receive-side core of the Homa transport
// protocol: datagram reassembly into per-RPC messages, a receiver-driven
// grant scheduler (SRPT with dynamic window and overcommit), the
// handoff/wait path that hands completed messages to application
// threads, and the failure-recovery packet handlers (RESEND, UNKNOWN,
// CUTOFFS, NEED_ACK, ACK).
//
// This package covers only the incoming half of one endpoint. Packet
// egress, RPC allocation/free-lists, peer tables, and user-buffer pool
// plumbing are external collaborators described by the interfaces in
// transport.go (and BufferPool in reassembler.go); callers supply
// concrete implementations.
package homa
