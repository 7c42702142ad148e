package gossip

import (
	"encoding/binary"
	"fmt"
)

// Wire protocol. Everything is little-endian and fixed-size:
//
//	JoinRequest:              tag(1) id(4) port(2) heartbeat(8)
//	JoinReply / GossipUpdate: tag(1) timestamp(8) count(4) then count x [id(4) port(2) heartbeat(8)]

type MsgType uint8

const (
	MsgJoinRequest MsgType = iota
	MsgJoinReply
	MsgGossipUpdate
)

func (t MsgType) String() string {
	switch t {
	case MsgJoinRequest:
		return "JOINREQ"
	case MsgJoinReply:
		return "JOINREP"
	case MsgGossipUpdate:
		return "GOSSIP"
	default:
		return fmt.Sprintf("MsgType(%d)", uint8(t))
	}
}

const (
	addrSize        = 4 + 2
	recordSize      = addrSize + 8
	joinRequestSize = 1 + addrSize + 8
	updateHdrSize   = 1 + 8 + 4
)

// Message is one of *JoinRequest or *MembershipUpdate.
type Message interface {
	Kind() MsgType
}

// JoinRequest is sent once (plus retries) by a node that wants in.
type JoinRequest struct {
	From      Address
	Heartbeat int64
}

func (*JoinRequest) Kind() MsgType { return MsgJoinRequest }

// MembershipUpdate carries a table snapshot. Type is MsgJoinReply or
// MsgGossipUpdate; the layout is identical. Entry timestamps are not on the
// wire.
type MembershipUpdate struct {
	Type      MsgType
	Timestamp int64
	Entries   []Entry
}

func (m *MembershipUpdate) Kind() MsgType { return m.Type }

// Encode serializes msg into a fresh buffer.
func Encode(msg Message) ([]byte, error) {
	switch m := msg.(type) {
	case *JoinRequest:
		return encodeJoinRequest(m), nil
	case *MembershipUpdate:
		if m.Type != MsgJoinReply && m.Type != MsgGossipUpdate {
			return nil, fmt.Errorf("encode membership update as %s: %w", m.Type, ErrUnknownMessageTag)
		}
		return encodeUpdate(m), nil
	default:
		return nil, fmt.Errorf("encode %T: %w", msg, ErrUnknownMessageTag)
	}
}

// Decode parses one message. It fails with ErrMalformedMessage when the
// buffer length does not match the layout for its tag and with
// ErrUnknownMessageTag for tags it does not know.
func Decode(b []byte) (Message, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("decode: empty buffer: %w", ErrMalformedMessage)
	}
	switch t := MsgType(b[0]); t {
	case MsgJoinRequest:
		return decodeJoinRequest(b)
	case MsgJoinReply, MsgGossipUpdate:
		return decodeUpdate(t, b)
	default:
		return nil, fmt.Errorf("decode: tag %d: %w", b[0], ErrUnknownMessageTag)
	}
}

func encodeJoinRequest(m *JoinRequest) []byte {
	b := make([]byte, 0, joinRequestSize)
	b = append(b, byte(MsgJoinRequest))
	b = appendAddress(b, m.From)
	return binary.LittleEndian.AppendUint64(b, uint64(m.Heartbeat))
}

func decodeJoinRequest(b []byte) (*JoinRequest, error) {
	if len(b) != joinRequestSize {
		return nil, fmt.Errorf("decode %s: got %d bytes, want %d: %w", MsgJoinRequest, len(b), joinRequestSize, ErrMalformedMessage)
	}
	m := &JoinRequest{
		From:      readAddress(b[1:]),
		Heartbeat: int64(binary.LittleEndian.Uint64(b[1+addrSize:])),
	}
	if m.From.IsZero() {
		return nil, fmt.Errorf("decode %s: %w: %w", MsgJoinRequest, ErrNullAddress, ErrMalformedMessage)
	}
	return m, nil
}

func encodeUpdate(m *MembershipUpdate) []byte {
	b := make([]byte, 0, updateHdrSize+len(m.Entries)*recordSize)
	b = append(b, byte(m.Type))
	b = binary.LittleEndian.AppendUint64(b, uint64(m.Timestamp))
	b = binary.LittleEndian.AppendUint32(b, uint32(len(m.Entries)))
	for _, e := range m.Entries {
		b = appendAddress(b, e.Addr)
		b = binary.LittleEndian.AppendUint64(b, uint64(e.Heartbeat))
	}
	return b
}

func decodeUpdate(t MsgType, b []byte) (*MembershipUpdate, error) {
	if len(b) < updateHdrSize {
		return nil, fmt.Errorf("decode %s: short header (%d bytes): %w", t, len(b), ErrMalformedMessage)
	}
	ts := int64(binary.LittleEndian.Uint64(b[1:]))
	n := binary.LittleEndian.Uint32(b[9:])
	body := b[updateHdrSize:]
	if uint64(len(body)) != uint64(n)*recordSize {
		return nil, fmt.Errorf("decode %s: %d entries declared, %d body bytes: %w", t, n, len(body), ErrMalformedMessage)
	}
	m := &MembershipUpdate{Type: t, Timestamp: ts, Entries: make([]Entry, 0, n)}
	for off := 0; off < len(body); off += recordSize {
		m.Entries = append(m.Entries, Entry{
			Addr:      readAddress(body[off:]),
			Heartbeat: int64(binary.LittleEndian.Uint64(body[off+addrSize:])),
		})
	}
	return m, nil
}

func appendAddress(b []byte, a Address) []byte {
	b = binary.LittleEndian.AppendUint32(b, a.ID)
	return binary.LittleEndian.AppendUint16(b, a.Port)
}

func readAddress(b []byte) Address {
	return Address{
		ID:   binary.LittleEndian.Uint32(b),
		Port: binary.LittleEndian.Uint16(b[4:]),
	}
}
