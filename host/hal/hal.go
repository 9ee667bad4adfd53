package hal

import (
	"context"
	"encoding/binary"
)

// Speed represents the USB connection speed.
type Speed uint8

// USB speed constants.
const (
	SpeedUnknown Speed = iota // Not connected or unknown
	SpeedLow                  // Low Speed (1.5 Mbit/s)
	SpeedFull                 // Full Speed (12 Mbit/s)
	SpeedHigh                 // High Speed (480 Mbit/s)
)

// String returns a human-readable speed name.
func (s Speed) String() string {
	switch s {
	case SpeedLow:
		return "Low Speed"
	case SpeedFull:
		return "Full Speed"
	case SpeedHigh:
		return "High Speed"
	default:
		return "Unknown"
	}
}

// PortStatus represents the status of a root hub port.
type PortStatus struct {
	Connected bool  // Device is connected
	Enabled   bool  // Port is enabled
	PowerOn   bool  // Port has power applied
	Speed     Speed // Connected device speed
}

// SetupPacket is the 8-byte SETUP stage of a control transfer.
type SetupPacket struct {
	RequestType uint8  // bmRequestType
	Request     uint8  // bRequest
	Value       uint16 // wValue
	Index       uint16 // wIndex
	Length      uint16 // wLength
}

// SetupPacketSize is the size of a USB SETUP packet in bytes.
const SetupPacketSize = 8

// bmRequestType direction bit.
const requestDirectionIn = 0x80

// ParseSetupPacket decodes the first SetupPacketSize bytes of data into out.
// Returns false if data is too short.
func ParseSetupPacket(data []byte, out *SetupPacket) bool {
	if len(data) < SetupPacketSize {
		return false
	}
	out.RequestType = data[0]
	out.Request = data[1]
	out.Value = binary.LittleEndian.Uint16(data[2:4])
	out.Index = binary.LittleEndian.Uint16(data[4:6])
	out.Length = binary.LittleEndian.Uint16(data[6:8])
	return true
}

// MarshalTo writes the setup packet to buf.
// Returns the number of bytes written (8), or 0 if buf is too small.
func (s *SetupPacket) MarshalTo(buf []byte) int {
	if len(buf) < SetupPacketSize {
		return 0
	}
	buf[0] = s.RequestType
	buf[1] = s.Request
	binary.LittleEndian.PutUint16(buf[2:4], s.Value)
	binary.LittleEndian.PutUint16(buf[4:6], s.Index)
	binary.LittleEndian.PutUint16(buf[6:8], s.Length)
	return SetupPacketSize
}

// IsIn reports whether the data stage flows from device to host.
func (s *SetupPacket) IsIn() bool {
	return s.RequestType&requestDirectionIn != 0
}

// TransferType indicates the type of USB transfer.
type TransferType uint8

// Transfer type constants, matching bmAttributes bits 1:0 of an endpoint.
const (
	TransferControl     TransferType = 0
	TransferIsochronous TransferType = 1
	TransferBulk        TransferType = 2
	TransferInterrupt   TransferType = 3
)

// String returns the transfer type name.
func (t TransferType) String() string {
	switch t {
	case TransferControl:
		return "control"
	case TransferIsochronous:
		return "isochronous"
	case TransferBulk:
		return "bulk"
	case TransferInterrupt:
		return "interrupt"
	default:
		return "unknown"
	}
}

// DeviceAddress represents a USB device address (0-127). Address 0 is the
// default address of a device that has been reset but not yet addressed.
type DeviceAddress uint8

// HostHAL is the host-controller collaborator consumed by the host stack.
//
// Transfers block until they complete, fail, or ctx is cancelled. A cancelled
// transfer returns an error wrapping pkg.ErrCancelled or the context error. A
// transfer addressed to a device that has gone away returns an error wrapping
// pkg.ErrNoDevice.
//
// After ResetPort, the device on that port answers at address 0 until it
// receives SET_ADDRESS. Callers serialize enumeration so at most one device
// is at address 0 at a time.
type HostHAL interface {
	// Init prepares the controller. The context bounds initialization only.
	Init(ctx context.Context) error

	// Start enables the controller and begins reporting connections.
	Start() error

	// Stop disables the controller. Blocked transfers return.
	Stop() error

	// Close releases all resources associated with the HAL.
	Close() error

	// NumPorts returns the number of root hub ports.
	NumPorts() int

	// GetPortStatus returns the status of a port (1-indexed).
	GetPortStatus(port int) (PortStatus, error)

	// ResetPort resets the device on a port (1-indexed).
	ResetPort(port int) error

	// ControlTransfer performs a control transfer. For IN requests data is
	// filled from the device; for OUT requests data is sent. Returns the
	// number of bytes moved in the data stage.
	ControlTransfer(ctx context.Context, addr DeviceAddress, setup *SetupPacket, data []byte) (int, error)

	// BulkTransfer performs a bulk transfer on the given endpoint address.
	BulkTransfer(ctx context.Context, addr DeviceAddress, endpoint uint8, data []byte) (int, error)

	// InterruptTransfer performs an interrupt transfer on the given endpoint
	// address.
	InterruptTransfer(ctx context.Context, addr DeviceAddress, endpoint uint8, data []byte) (int, error)

	// ClaimInterface claims exclusive access to an interface on a device.
	ClaimInterface(addr DeviceAddress, iface uint8) error

	// ReleaseInterface releases a previously claimed interface.
	ReleaseInterface(addr DeviceAddress, iface uint8) error

	// WaitForConnection blocks until a device connects and returns its port.
	WaitForConnection(ctx context.Context) (int, error)

	// WaitForDisconnection blocks until any device disconnects and returns
	// the port it was on.
	WaitForDisconnection(ctx context.Context) (int, error)
}
