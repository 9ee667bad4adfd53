package cdc

import "encoding/binary"

// CDC Functional Descriptor subtypes.
const (
	SubtypeHeader         = 0x00 // Header Functional Descriptor
	SubtypeCallManagement = 0x01 // Call Management Functional Descriptor
	SubtypeACM            = 0x02 // Abstract Control Model Functional Descriptor
	SubtypeUnion          = 0x06 // Union Functional Descriptor
	SubtypeEthernet       = 0x0F // Ethernet Networking Functional Descriptor
)

// CDCVersion110 is bcdCDC for release 1.10.
const CDCVersion110 = 0x0110

// CDC Subclass codes.
const (
	SubclassNone = 0x00 // No subclass
	SubclassACM  = 0x02 // Abstract Control Model
	SubclassECM  = 0x06 // Ethernet Networking Control Model
)

// CDC Protocol codes.
const (
	ProtocolNone   = 0x00 // No protocol
	ProtocolAT     = 0x01 // AT Commands: V.250
	ProtocolVendor = 0xFF // Vendor-specific
)

// CDC Request codes.
const (
	RequestSendEncapsulatedCommand = 0x00
	RequestGetEncapsulatedResponse = 0x01
	RequestSetLineCoding           = 0x20
	RequestGetLineCoding           = 0x21
	RequestSetControlLineState     = 0x22
	RequestSendBreak               = 0x23
)

// Class request types (bmRequestType) addressed to an interface.
const (
	RequestTypeClassOut = 0x21 // Host to device, class, interface
	RequestTypeClassIn  = 0xA1 // Device to host, class, interface
)

// CDC Notification codes.
const (
	NotificationNetworkConnection = 0x00
	NotificationResponseAvailable = 0x01
	NotificationSerialState       = 0x20
	NotificationSpeedChange       = 0x2A
)

// NotificationHeaderSize is the size of the header preceding notification
// data on the interrupt endpoint.
const NotificationHeaderSize = 8

// Notification is a decoded notification header.
type Notification struct {
	RequestType uint8
	Code        uint8
	Value       uint16
	Index       uint16
	Length      uint16
	Data        []byte // aliases the input
}

// ParseNotification decodes a notification received on the interrupt
// endpoint. Returns false if data is shorter than the header.
func ParseNotification(data []byte, out *Notification) bool {
	if len(data) < NotificationHeaderSize {
		return false
	}
	*out = Notification{
		RequestType: data[0],
		Code:        data[1],
		Value:       binary.LittleEndian.Uint16(data[2:]),
		Index:       binary.LittleEndian.Uint16(data[4:]),
		Length:      binary.LittleEndian.Uint16(data[6:]),
		Data:        data[NotificationHeaderSize:],
	}
	return true
}

// LineCoding represents the serial line configuration.
type LineCoding struct {
	DTERate    uint32 // Data terminal rate (baud rate)
	CharFormat uint8  // Stop bits: 0=1, 1=1.5, 2=2
	ParityType uint8  // Parity: 0=None, 1=Odd, 2=Even, 3=Mark, 4=Space
	DataBits   uint8  // Data bits: 5, 6, 7, 8, or 16
}

// LineCodingSize is the size of LineCoding in bytes.
const LineCodingSize = 7

// DefaultLineCoding is 115200 8N1.
var DefaultLineCoding = LineCoding{
	DTERate:  115200,
	DataBits: 8,
}

// MarshalTo writes the LineCoding to buf.
// Returns the number of bytes written, or 0 if buf is too small.
func (lc *LineCoding) MarshalTo(buf []byte) int {
	if len(buf) < LineCodingSize {
		return 0
	}
	binary.LittleEndian.PutUint32(buf, lc.DTERate)
	buf[4] = lc.CharFormat
	buf[5] = lc.ParityType
	buf[6] = lc.DataBits
	return LineCodingSize
}

// ParseLineCoding parses LineCoding from data.
// Returns false if data is too short.
func ParseLineCoding(data []byte, out *LineCoding) bool {
	if len(data) < LineCodingSize {
		return false
	}
	out.DTERate = binary.LittleEndian.Uint32(data)
	out.CharFormat = data[4]
	out.ParityType = data[5]
	out.DataBits = data[6]
	return true
}

// Control line state bits (for SET_CONTROL_LINE_STATE).
const (
	ControlLineDTR = 1 << 0 // Data Terminal Ready
	ControlLineRTS = 1 << 1 // Request To Send
)

// HeaderDescriptor is the CDC Header Functional Descriptor.
type HeaderDescriptor struct {
	Length         uint8  // Size of this descriptor (5)
	DescriptorType uint8  // CS_INTERFACE (0x24)
	SubType        uint8  // Header (0x00)
	CDCVersion     uint16 // CDC specification release number (0x0110 for 1.10)
}

// HeaderDescriptorSize is the size of the Header Functional Descriptor.
const HeaderDescriptorSize = 5

// ParseHeaderDescriptor parses a Header Functional Descriptor.
func ParseHeaderDescriptor(data []byte, out *HeaderDescriptor) bool {
	if len(data) < HeaderDescriptorSize {
		return false
	}
	*out = HeaderDescriptor{
		Length:         data[0],
		DescriptorType: data[1],
		SubType:        data[2],
		CDCVersion:     binary.LittleEndian.Uint16(data[3:]),
	}
	return true
}
