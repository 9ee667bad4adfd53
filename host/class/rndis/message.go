package rndis

import (
	"encoding/binary"

	"github.com/efficientgo/core/errors"

	"github.com/ardnew/cdcnet/pkg"
)

var le = binary.LittleEndian

// Header is the common prefix of every RNDIS message.
type Header struct {
	Type   uint32
	Length uint32
}

// ParseHeader decodes the message header. Returns false if data is too short.
func ParseHeader(data []byte, out *Header) bool {
	if len(data) < HeaderSize {
		return false
	}
	out.Type = le.Uint32(data)
	out.Length = le.Uint32(data[4:])
	return true
}

// IsCompletion reports whether the message answers a host request.
func (h Header) IsCompletion() bool {
	return h.Type&msgCompletion != 0
}

// InitializeMsg is REMOTE_NDIS_INITIALIZE_MSG.
type InitializeMsg struct {
	RequestID       uint32
	MajorVersion    uint32
	MinorVersion    uint32
	MaxTransferSize uint32
}

// MarshalTo writes the message to buf.
// Returns the number of bytes written, or 0 if buf is too small.
func (m *InitializeMsg) MarshalTo(buf []byte) int {
	if len(buf) < InitializeMsgSize {
		return 0
	}
	le.PutUint32(buf, MsgInitialize)
	le.PutUint32(buf[4:], InitializeMsgSize)
	le.PutUint32(buf[8:], m.RequestID)
	le.PutUint32(buf[12:], m.MajorVersion)
	le.PutUint32(buf[16:], m.MinorVersion)
	le.PutUint32(buf[20:], m.MaxTransferSize)
	return InitializeMsgSize
}

// Completion holds the fields shared by every completion message.
type Completion struct {
	Header
	RequestID uint32
	Status    uint32
}

// ParseCompletion decodes the header, request ID and status of a completion.
func ParseCompletion(data []byte, out *Completion) error {
	if !ParseHeader(data, &out.Header) || len(data) < 16 {
		return errors.Wrapf(pkg.ErrProtocol, "completion of %d bytes", len(data))
	}
	if !out.IsCompletion() {
		return errors.Wrapf(pkg.ErrProtocol, "message type 0x%08X is not a completion", out.Type)
	}
	out.RequestID = le.Uint32(data[8:])
	out.Status = le.Uint32(data[12:])
	return nil
}

// InitializeCmplt is REMOTE_NDIS_INITIALIZE_CMPLT.
type InitializeCmplt struct {
	Completion
	MajorVersion          uint32
	MinorVersion          uint32
	DeviceFlags           uint32
	Medium                uint32
	MaxPacketsPerTransfer uint32
	MaxTransferSize       uint32
	PacketAlignmentFactor uint32
}

// ParseInitializeCmplt decodes REMOTE_NDIS_INITIALIZE_CMPLT.
func ParseInitializeCmplt(data []byte, out *InitializeCmplt) error {
	if err := ParseCompletion(data, &out.Completion); err != nil {
		return err
	}
	if out.Type != MsgInitializeCmplt || len(data) < InitializeCmpltSize {
		return errors.Wrapf(pkg.ErrProtocol, "initialize completion type 0x%08X, %d bytes", out.Type, len(data))
	}
	out.MajorVersion = le.Uint32(data[16:])
	out.MinorVersion = le.Uint32(data[20:])
	out.DeviceFlags = le.Uint32(data[24:])
	out.Medium = le.Uint32(data[28:])
	out.MaxPacketsPerTransfer = le.Uint32(data[32:])
	out.MaxTransferSize = le.Uint32(data[36:])
	out.PacketAlignmentFactor = le.Uint32(data[40:])
	return nil
}

// OIDMsg is REMOTE_NDIS_QUERY_MSG or REMOTE_NDIS_SET_MSG, selected by Type.
type OIDMsg struct {
	Type      uint32
	RequestID uint32
	OID       uint32
	Buffer    []byte
}

// Size returns the encoded length.
func (m *OIDMsg) Size() int {
	return QueryMsgSize + len(m.Buffer)
}

// MarshalTo writes the message to buf.
// Returns the number of bytes written, or 0 if buf is too small.
func (m *OIDMsg) MarshalTo(buf []byte) int {
	size := m.Size()
	if len(buf) < size {
		return 0
	}
	le.PutUint32(buf, m.Type)
	le.PutUint32(buf[4:], uint32(size))
	le.PutUint32(buf[8:], m.RequestID)
	le.PutUint32(buf[12:], m.OID)
	le.PutUint32(buf[16:], uint32(len(m.Buffer)))
	// The information buffer offset counts from the request ID.
	var offset uint32
	if len(m.Buffer) > 0 {
		offset = QueryMsgSize - HeaderSize
	}
	le.PutUint32(buf[20:], offset)
	le.PutUint32(buf[24:], 0) // DeviceVcHandle
	copy(buf[QueryMsgSize:], m.Buffer)
	return size
}

// QueryCmplt is REMOTE_NDIS_QUERY_CMPLT.
type QueryCmplt struct {
	Completion
	Buffer []byte // aliases the input
}

// ParseQueryCmplt decodes REMOTE_NDIS_QUERY_CMPLT.
func ParseQueryCmplt(data []byte, out *QueryCmplt) error {
	if err := ParseCompletion(data, &out.Completion); err != nil {
		return err
	}
	if out.Type != MsgQueryCmplt || len(data) < QueryCmpltSize {
		return errors.Wrapf(pkg.ErrProtocol, "query completion type 0x%08X, %d bytes", out.Type, len(data))
	}
	length := int(le.Uint32(data[16:]))
	offset := int(le.Uint32(data[20:]))
	out.Buffer = nil
	if length == 0 {
		return nil
	}
	start := HeaderSize + offset
	if offset == 0 || start+length > len(data) || start+length > int(out.Length) {
		return errors.Wrapf(pkg.ErrProtocol, "query buffer %d+%d outside %d byte message", start, length, len(data))
	}
	out.Buffer = data[start : start+length]
	return nil
}

// KeepaliveMsg is REMOTE_NDIS_KEEPALIVE_MSG. HaltMsg shares its layout.
type KeepaliveMsg struct {
	RequestID uint32
}

// MarshalTo writes the message to buf.
// Returns the number of bytes written, or 0 if buf is too small.
func (m *KeepaliveMsg) MarshalTo(buf []byte) int {
	return marshalBare(buf, MsgKeepalive, m.RequestID)
}

// HaltMsg is REMOTE_NDIS_HALT_MSG.
type HaltMsg struct {
	RequestID uint32
}

// MarshalTo writes the message to buf.
// Returns the number of bytes written, or 0 if buf is too small.
func (m *HaltMsg) MarshalTo(buf []byte) int {
	return marshalBare(buf, MsgHalt, m.RequestID)
}

func marshalBare(buf []byte, typ, requestID uint32) int {
	if len(buf) < KeepaliveMsgSize {
		return 0
	}
	le.PutUint32(buf, typ)
	le.PutUint32(buf[4:], KeepaliveMsgSize)
	le.PutUint32(buf[8:], requestID)
	return KeepaliveMsgSize
}

// MarshalKeepaliveCmplt writes a successful REMOTE_NDIS_KEEPALIVE_CMPLT
// answering a device-initiated keepalive.
func MarshalKeepaliveCmplt(buf []byte, requestID uint32) int {
	if len(buf) < KeepaliveCmpltSize {
		return 0
	}
	le.PutUint32(buf, MsgKeepaliveCmplt)
	le.PutUint32(buf[4:], KeepaliveCmpltSize)
	le.PutUint32(buf[8:], requestID)
	le.PutUint32(buf[12:], StatusSuccess)
	return KeepaliveCmpltSize
}

// IndicateStatus is REMOTE_NDIS_INDICATE_STATUS_MSG.
type IndicateStatus struct {
	Status uint32
	Buffer []byte // aliases the input
}

// ParseIndicateStatus decodes REMOTE_NDIS_INDICATE_STATUS_MSG.
func ParseIndicateStatus(data []byte, out *IndicateStatus) error {
	var h Header
	if !ParseHeader(data, &h) || h.Type != MsgIndicateStatus || len(data) < IndicateStatusSize {
		return errors.Wrapf(pkg.ErrProtocol, "indicate status of %d bytes", len(data))
	}
	out.Status = le.Uint32(data[8:])
	length := int(le.Uint32(data[12:]))
	offset := int(le.Uint32(data[16:]))
	out.Buffer = nil
	if length > 0 {
		start := HeaderSize + offset
		if start+length > len(data) {
			return errors.Wrapf(pkg.ErrProtocol, "status buffer %d+%d outside %d byte message", start, length, len(data))
		}
		out.Buffer = data[start : start+length]
	}
	return nil
}

// PacketHeader is the fixed part of REMOTE_NDIS_PACKET_MSG.
type PacketHeader struct {
	MessageLength uint32
	DataOffset    uint32 // counted from byte 8
	DataLength    uint32
}

// PayloadStart returns the index of the frame within the message.
func (h *PacketHeader) PayloadStart() int {
	return HeaderSize + int(h.DataOffset)
}

// Validate checks that the frame lies within the message.
func (h *PacketHeader) Validate() error {
	if h.MessageLength < PacketHeaderSize ||
		h.PayloadStart() < PacketHeaderSize ||
		uint64(h.PayloadStart())+uint64(h.DataLength) > uint64(h.MessageLength) {
		return errors.Wrapf(pkg.ErrProtocol, "packet length %d, data %d+%d",
			h.MessageLength, h.DataOffset, h.DataLength)
	}
	return nil
}

// MarshalTo writes a packet header for a frame that immediately follows it.
// Returns the number of bytes written, or 0 if buf is too small.
func (h *PacketHeader) MarshalTo(buf []byte) int {
	if len(buf) < PacketHeaderSize {
		return 0
	}
	clear(buf[:PacketHeaderSize])
	le.PutUint32(buf, MsgPacket)
	le.PutUint32(buf[4:], h.MessageLength)
	le.PutUint32(buf[8:], h.DataOffset)
	le.PutUint32(buf[12:], h.DataLength)
	return PacketHeaderSize
}

// ParsePacketHeader decodes the fixed part of a packet message.
func ParsePacketHeader(data []byte, out *PacketHeader) error {
	var h Header
	if !ParseHeader(data, &h) || len(data) < PacketHeaderSize {
		return errors.Wrapf(pkg.ErrProtocol, "packet header of %d bytes", len(data))
	}
	if h.Type != MsgPacket {
		return errors.Wrapf(pkg.ErrProtocol, "message type 0x%08X in data stream", h.Type)
	}
	out.MessageLength = h.Length
	out.DataOffset = le.Uint32(data[8:])
	out.DataLength = le.Uint32(data[12:])
	return out.Validate()
}

// AppendPacket appends frame wrapped in a packet message to dst.
func AppendPacket(dst, frame []byte) []byte {
	h := PacketHeader{
		MessageLength: uint32(PacketHeaderSize + len(frame)),
		DataOffset:    PacketHeaderSize - HeaderSize,
		DataLength:    uint32(len(frame)),
	}
	start := len(dst)
	dst = append(dst, make([]byte, PacketHeaderSize)...)
	h.MarshalTo(dst[start:])
	return append(dst, frame...)
}

// uint32Value decodes a 4-byte OID value.
func uint32Value(oid uint32, buf []byte) (uint32, error) {
	if len(buf) != 4 {
		return 0, errors.Wrapf(pkg.ErrProtocol, "OID 0x%08X returned %d bytes, want 4", oid, len(buf))
	}
	return le.Uint32(buf), nil
}
