package homa

import "errors"

// Sentinel errors surfaced to callers, mirroring the error-kind
// enumeration in the design: most protocol-level problems are absorbed
// locally (counted and dropped) rather than returned up the stack.
var (
	ErrNoSuchRpc            = errors.New("homa: no such rpc")
	ErrInvalidArgument      = errors.New("homa: invalid argument")
	ErrSocketShutdown       = errors.New("homa: socket shutdown")
	ErrInterrupted          = errors.New("homa: interrupted")
	ErrWouldBlock           = errors.New("homa: would block")
	ErrBufferPoolExhausted  = errors.New("homa: buffer pool exhausted")
	ErrPacketProtoViolation = errors.New("homa: packet protocol violation")
	ErrInternalCreateFailed = errors.New("homa: internal rpc creation failure")
)
