// Package channel provides a Link that queues inbound frames and stage
// changes on channels, so a consumer can read them at its own pace.
package channel

import (
	"net"
	"sync"

	"github.com/efficientgo/core/errors"

	"github.com/ardnew/cdcnet/link"
	"github.com/ardnew/cdcnet/pkg"
)

// StageChange is one queued call to OnStageChanged.
type StageChange struct {
	Stage link.Stage
	Data  any
}

// Endpoint is a link.Link that stores inbound frames in a channel and lets
// the consumer transmit through the device that last reported StageUp.
type Endpoint struct {
	// C is where inbound frames are queued.
	C chan []byte

	// Stages is where stage changes are queued.
	Stages chan StageChange

	mu      sync.RWMutex
	device  link.Device
	up      bool
	dropped uint64
}

// New creates an endpoint that queues up to size frames.
func New(size int) *Endpoint {
	return &Endpoint{
		C:      make(chan []byte, size),
		Stages: make(chan StageChange, 8),
	}
}

// OnStageChanged implements link.Link.
func (e *Endpoint) OnStageChanged(stage link.Stage, data any) {
	e.mu.Lock()
	e.up = stage == link.StageUp
	if dev, ok := data.(link.Device); ok && e.up {
		e.device = dev
	}
	if !e.up {
		e.device = nil
	}
	e.mu.Unlock()

	pkg.LogInfo(pkg.ComponentLink, "link stage changed", "stage", stage)
	select {
	case e.Stages <- StageChange{Stage: stage, Data: data}:
	default:
		pkg.LogWarn(pkg.ComponentLink, "stage queue full", "stage", stage)
	}
}

// StackInput implements link.Link. The frame is copied. When the queue is
// full the frame is dropped and pkg.ErrBufferFull returned.
func (e *Endpoint) StackInput(frame []byte) error {
	select {
	case e.C <- append([]byte(nil), frame...):
		return nil
	default:
		e.mu.Lock()
		e.dropped++
		e.mu.Unlock()
		return pkg.ErrBufferFull
	}
}

// Up reports whether the last stage change was StageUp.
func (e *Endpoint) Up() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.up
}

// Dropped returns the number of inbound frames dropped on a full queue.
func (e *Endpoint) Dropped() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.dropped
}

// Transmit sends frame through the current device.
func (e *Endpoint) Transmit(frame []byte) error {
	e.mu.RLock()
	dev := e.device
	e.mu.RUnlock()
	if dev == nil {
		return errors.Wrap(pkg.ErrInvalidState, "link down")
	}
	return dev.Transmit(frame)
}

// LinkAddress returns the hardware address of the current device.
func (e *Endpoint) LinkAddress() (net.HardwareAddr, error) {
	e.mu.RLock()
	dev := e.device
	e.mu.RUnlock()
	if dev == nil {
		return nil, errors.Wrap(pkg.ErrInvalidState, "link down")
	}
	return dev.MACAddress()
}

// Drain removes all queued frames and returns how many there were.
func (e *Endpoint) Drain() int {
	c := 0
	for {
		select {
		case <-e.C:
			c++
		default:
			return c
		}
	}
}
