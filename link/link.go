// Package link defines the boundary between a USB network function and the
// network stack that consumes its Ethernet frames.
package link

import "net"

// Stage is a link state reported to a Link.
type Stage uint8

// Link stages.
const (
	// StageDown reports the medium disconnected or the device gone.
	StageDown Stage = iota

	// StageUp reports the medium connected. The data passed with it is the
	// Device that carries the link.
	StageUp
)

// String returns the stage name.
func (s Stage) String() string {
	switch s {
	case StageDown:
		return "down"
	case StageUp:
		return "up"
	default:
		return "unknown"
	}
}

// Link receives link state changes and inbound Ethernet frames.
type Link interface {
	// OnStageChanged is called when the link goes up or down.
	OnStageChanged(stage Stage, data any)

	// StackInput delivers one Ethernet frame. The frame is only valid for
	// the duration of the call.
	StackInput(frame []byte) error
}

// Device transmits Ethernet frames on behalf of the stack.
type Device interface {
	// Transmit sends one Ethernet frame.
	Transmit(frame []byte) error

	// MACAddress returns the hardware address of the device.
	MACAddress() (net.HardwareAddr, error)
}
