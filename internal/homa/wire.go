package homa

import (
	"encoding/binary"
	"fmt"
)

// HomaMaxPriorities bounds the per-priority unscheduled cutoff table
// carried by CUTOFFS packets.
const HomaMaxPriorities = 8

// PacketType identifies the wire packet types a Homa endpoint exchanges.
type PacketType uint8

const (
	PacketData PacketType = iota + 1
	PacketGrant
	PacketResend
	PacketUnknown
	PacketBusy
	PacketCutoffs
	PacketNeedAck
	PacketAck
	PacketFreeze
)

func (t PacketType) String() string {
	switch t {
	case PacketData:
		return "DATA"
	case PacketGrant:
		return "GRANT"
	case PacketResend:
		return "RESEND"
	case PacketUnknown:
		return "UNKNOWN"
	case PacketBusy:
		return "BUSY"
	case PacketCutoffs:
		return "CUTOFFS"
	case PacketNeedAck:
		return "NEED_ACK"
	case PacketAck:
		return "ACK"
	case PacketFreeze:
		return "FREEZE"
	default:
		return fmt.Sprintf("unknown packet type %d", uint8(t))
	}
}

// commonHeaderLen is the wire size of CommonHeader: sport, dport, type,
// sender_id.
const commonHeaderLen = 2 + 2 + 1 + 8

// CommonHeader is present on every Homa wire packet.
type CommonHeader struct {
	SPort    uint16
	DPort    uint16
	Type     PacketType
	SenderID uint64 // low bit flipped on receipt to obtain the local id
}

// DecodeCommonHeader parses the fixed leading header shared by all packet
// types. It does not consume the type-specific payload.
func DecodeCommonHeader(data []byte) (CommonHeader, []byte, error) {
	if len(data) < commonHeaderLen {
		return CommonHeader{}, nil, fmt.Errorf("homa: common header too short: %d bytes", len(data))
	}
	h := CommonHeader{
		SPort:    binary.BigEndian.Uint16(data[0:2]),
		DPort:    binary.BigEndian.Uint16(data[2:4]),
		Type:     PacketType(data[4]),
		SenderID: binary.BigEndian.Uint64(data[5:13]),
	}
	return h, data[commonHeaderLen:], nil
}

// EncodeCommonHeader writes the common header into a freshly allocated
// buffer, ready for a type-specific payload to be appended.
func EncodeCommonHeader(h CommonHeader) []byte {
	buf := make([]byte, commonHeaderLen)
	binary.BigEndian.PutUint16(buf[0:2], h.SPort)
	binary.BigEndian.PutUint16(buf[2:4], h.DPort)
	buf[4] = byte(h.Type)
	binary.BigEndian.PutUint64(buf[5:13], h.SenderID)
	return buf
}

// LocalID flips the low bit of a sender-supplied RPC id, the
// client/server asymmetry encoding described in the design.
func LocalID(senderID uint64) uint64 {
	return senderID ^ 1
}

// AckMsg identifies one RPC a peer may purge from its outstanding-ack
// bookkeeping.
type AckMsg struct {
	ClientID   uint64
	ClientPort uint16
	ServerPort uint16
}

const ackMsgLen = 8 + 2 + 2

func decodeAckMsg(data []byte) (AckMsg, error) {
	if len(data) < ackMsgLen {
		return AckMsg{}, fmt.Errorf("homa: ack entry too short: %d bytes", len(data))
	}
	return AckMsg{
		ClientID:   binary.BigEndian.Uint64(data[0:8]),
		ClientPort: binary.BigEndian.Uint16(data[8:10]),
		ServerPort: binary.BigEndian.Uint16(data[10:12]),
	}, nil
}

func encodeAckMsg(a AckMsg) []byte {
	buf := make([]byte, ackMsgLen)
	binary.BigEndian.PutUint64(buf[0:8], a.ClientID)
	binary.BigEndian.PutUint16(buf[8:10], a.ClientPort)
	binary.BigEndian.PutUint16(buf[10:12], a.ServerPort)
	return buf
}

// DataHeader is the fixed portion of a DATA packet, preceding the
// segment payload.
type DataHeader struct {
	MessageLength int64
	Incoming      int64 // unscheduled bytes the sender declares
	CutoffVersion uint32
	Retransmit    bool
	SegOffset     int64
	SegLength     int64
	EmbeddedAck   *AckMsg // present iff the sender piggybacked an ack
}

const dataHeaderFixedLen = 8 + 8 + 4 + 1 + 8 + 8 + 1 // trailing flag: ack present

// DecodeDataHeader parses a DATA packet's fixed header (and embedded ack,
// if present) and returns the remaining bytes as the segment payload.
func DecodeDataHeader(data []byte) (DataHeader, []byte, error) {
	if len(data) < dataHeaderFixedLen {
		return DataHeader{}, nil, fmt.Errorf("homa: data header too short: %d bytes", len(data))
	}
	h := DataHeader{
		MessageLength: int64(binary.BigEndian.Uint64(data[0:8])),
		Incoming:      int64(binary.BigEndian.Uint64(data[8:16])),
		CutoffVersion: binary.BigEndian.Uint32(data[16:20]),
		Retransmit:    data[20] != 0,
		SegOffset:     int64(binary.BigEndian.Uint64(data[21:29])),
		SegLength:     int64(binary.BigEndian.Uint64(data[29:37])),
	}
	rest := data[dataHeaderFixedLen:]
	ackFlag := data[dataHeaderFixedLen-1]
	if ackFlag != 0 {
		ack, rem, err := decodeAckMsgPrefix(rest)
		if err != nil {
			return DataHeader{}, nil, err
		}
		h.EmbeddedAck = &ack
		rest = rem
	}
	return h, rest, nil
}

func decodeAckMsgPrefix(data []byte) (AckMsg, []byte, error) {
	a, err := decodeAckMsg(data)
	if err != nil {
		return AckMsg{}, nil, err
	}
	return a, data[ackMsgLen:], nil
}

// EncodeDataHeader serializes a DATA header followed by its segment
// payload.
func EncodeDataHeader(h DataHeader, payload []byte) []byte {
	flagByte := 0
	extra := 0
	if h.EmbeddedAck != nil {
		flagByte = 1
		extra = ackMsgLen
	}
	buf := make([]byte, dataHeaderFixedLen+extra+len(payload))
	binary.BigEndian.PutUint64(buf[0:8], uint64(h.MessageLength))
	binary.BigEndian.PutUint64(buf[8:16], uint64(h.Incoming))
	binary.BigEndian.PutUint32(buf[16:20], h.CutoffVersion)
	if h.Retransmit {
		buf[20] = 1
	}
	binary.BigEndian.PutUint64(buf[21:29], uint64(h.SegOffset))
	binary.BigEndian.PutUint64(buf[29:37], uint64(h.SegLength))
	buf[dataHeaderFixedLen-1] = byte(flagByte)
	off := dataHeaderFixedLen
	if h.EmbeddedAck != nil {
		copy(buf[off:off+ackMsgLen], encodeAckMsg(*h.EmbeddedAck))
		off += ackMsgLen
	}
	copy(buf[off:], payload)
	return buf
}

// GrantHeader is the payload of a GRANT packet.
type GrantHeader struct {
	Offset    int64
	Priority  int
	ResendAll bool
}

const grantHeaderLen = 8 + 1 + 1

func DecodeGrantHeader(data []byte) (GrantHeader, error) {
	if len(data) < grantHeaderLen {
		return GrantHeader{}, fmt.Errorf("homa: grant header too short: %d bytes", len(data))
	}
	return GrantHeader{
		Offset:    int64(binary.BigEndian.Uint64(data[0:8])),
		Priority:  int(data[8]),
		ResendAll: data[9] != 0,
	}, nil
}

func EncodeGrantHeader(h GrantHeader) []byte {
	buf := make([]byte, grantHeaderLen)
	binary.BigEndian.PutUint64(buf[0:8], uint64(h.Offset))
	buf[8] = byte(h.Priority)
	if h.ResendAll {
		buf[9] = 1
	}
	return buf
}

// ResendHeader is the payload of a RESEND packet.
type ResendHeader struct {
	Offset   int64
	Length   int64
	Priority int
}

const resendHeaderLen = 8 + 8 + 1

func DecodeResendHeader(data []byte) (ResendHeader, error) {
	if len(data) < resendHeaderLen {
		return ResendHeader{}, fmt.Errorf("homa: resend header too short: %d bytes", len(data))
	}
	return ResendHeader{
		Offset:   int64(binary.BigEndian.Uint64(data[0:8])),
		Length:   int64(binary.BigEndian.Uint64(data[8:16])),
		Priority: int(data[16]),
	}, nil
}

func EncodeResendHeader(h ResendHeader) []byte {
	buf := make([]byte, resendHeaderLen)
	binary.BigEndian.PutUint64(buf[0:8], uint64(h.Offset))
	binary.BigEndian.PutUint64(buf[8:16], uint64(h.Length))
	buf[16] = byte(h.Priority)
	return buf
}

// CutoffsHeader is the payload of a CUTOFFS packet.
type CutoffsHeader struct {
	UnschedCutoffs [HomaMaxPriorities]int64
	CutoffVersion  uint32
}

const cutoffsHeaderLen = HomaMaxPriorities*8 + 4

func DecodeCutoffsHeader(data []byte) (CutoffsHeader, error) {
	if len(data) < cutoffsHeaderLen {
		return CutoffsHeader{}, fmt.Errorf("homa: cutoffs header too short: %d bytes", len(data))
	}
	var h CutoffsHeader
	for i := 0; i < HomaMaxPriorities; i++ {
		h.UnschedCutoffs[i] = int64(binary.BigEndian.Uint64(data[i*8 : i*8+8]))
	}
	h.CutoffVersion = binary.BigEndian.Uint32(data[HomaMaxPriorities*8:])
	return h, nil
}

func EncodeCutoffsHeader(h CutoffsHeader) []byte {
	buf := make([]byte, cutoffsHeaderLen)
	for i := 0; i < HomaMaxPriorities; i++ {
		binary.BigEndian.PutUint64(buf[i*8:i*8+8], uint64(h.UnschedCutoffs[i]))
	}
	binary.BigEndian.PutUint32(buf[HomaMaxPriorities*8:], h.CutoffVersion)
	return buf
}

// AckHeader is the payload of an ACK packet: the RPC this ack rides
// on is named by CommonHeader.SenderID; Acks names additional ids the
// peer may also purge.
type AckHeader struct {
	Acks []AckMsg
}

func DecodeAckHeader(data []byte) (AckHeader, error) {
	if len(data) < 2 {
		return AckHeader{}, fmt.Errorf("homa: ack header too short: %d bytes", len(data))
	}
	n := binary.BigEndian.Uint16(data[0:2])
	data = data[2:]
	acks := make([]AckMsg, 0, n)
	for i := uint16(0); i < n; i++ {
		a, err := decodeAckMsg(data)
		if err != nil {
			return AckHeader{}, err
		}
		acks = append(acks, a)
		data = data[ackMsgLen:]
	}
	return AckHeader{Acks: acks}, nil
}

func EncodeAckHeader(h AckHeader) []byte {
	buf := make([]byte, 2+len(h.Acks)*ackMsgLen)
	binary.BigEndian.PutUint16(buf[0:2], uint16(len(h.Acks)))
	off := 2
	for _, a := range h.Acks {
		copy(buf[off:off+ackMsgLen], encodeAckMsg(a))
		off += ackMsgLen
	}
	return buf
}
