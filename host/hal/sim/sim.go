package sim

import (
	"context"
	"encoding/binary"
	"sync"
	"unicode/utf16"

	"github.com/efficientgo/core/errors"

	"github.com/ardnew/cdcnet/host/hal"
	"github.com/ardnew/cdcnet/pkg"
)

// Standard requests answered by the simulator itself.
const (
	requestClearFeature     = 0x01
	requestSetFeature       = 0x03
	requestSetAddress       = 0x05
	requestGetDescriptor    = 0x06
	requestGetConfiguration = 0x08
	requestSetConfiguration = 0x09
	requestSetInterface     = 0x0B

	descriptorDevice        = 0x01
	descriptorConfiguration = 0x02
	descriptorString        = 0x03

	requestTypeMask   = 0x60
	requestStandard   = 0x00
	recipientMask     = 0x1F
	recipientEndpoint = 0x02
	featureHalt       = 0x00
)

// inQueueDepth is the number of IN packets queued per endpoint.
const inQueueDepth = 64

// ControlHandler answers class and vendor control requests. For IN requests
// it fills data and returns the byte count; for OUT requests data holds the
// payload.
type ControlHandler func(ctx context.Context, setup hal.SetupPacket, data []byte) (int, error)

// OutHandler receives bulk and interrupt OUT data.
type OutHandler func(endpoint uint8, data []byte) (int, error)

// Device is a simulated USB device. Configure it before Attach.
type Device struct {
	DeviceDescriptor []byte
	ConfigDescriptor []byte
	Strings          map[uint8]string
	Speed            hal.Speed

	// Control answers non-standard requests. Nil stalls them.
	Control ControlHandler

	// Out receives OUT data. Nil accepts and discards it.
	Out OutHandler

	mu            sync.Mutex
	in            map[uint8]chan []byte
	claimed       map[uint8]bool
	halted        map[uint8]bool
	haltCh        chan struct{}
	address       uint8
	configuration uint8
	gone          chan struct{}
}

// NewDevice creates a simulated device from raw descriptors.
func NewDevice(deviceDescriptor, configDescriptor []byte) *Device {
	return &Device{
		DeviceDescriptor: deviceDescriptor,
		ConfigDescriptor: configDescriptor,
		Speed:            hal.SpeedFull,
		in:               make(map[uint8]chan []byte),
		claimed:          make(map[uint8]bool),
		halted:           make(map[uint8]bool),
		haltCh:           make(chan struct{}),
		gone:             make(chan struct{}),
	}
}

func (d *Device) queue(endpoint uint8) chan []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	q, ok := d.in[endpoint]
	if !ok {
		q = make(chan []byte, inQueueDepth)
		d.in[endpoint] = q
	}
	return q
}

// Send queues one IN packet on endpoint. The packet is delivered to the next
// IN transfer on that endpoint.
func (d *Device) Send(endpoint uint8, data []byte) error {
	select {
	case <-d.gone:
		return pkg.ErrNoDevice
	default:
	}
	select {
	case d.queue(endpoint | 0x80) <- append([]byte(nil), data...):
		return nil
	default:
		return pkg.ErrBufferFull
	}
}

// Halt stalls endpoint until the host clears it with CLEAR_FEATURE. Pending
// and later transfers on it fail with pkg.ErrStall.
func (d *Device) Halt(endpoint uint8) {
	d.setHalt(endpoint, true)
}

// Halted reports whether endpoint is stalled.
func (d *Device) Halted(endpoint uint8) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.halted[endpoint]
}

func (d *Device) setHalt(endpoint uint8, halted bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.halted[endpoint] = halted
	close(d.haltCh)
	d.haltCh = make(chan struct{})
}

// haltState returns whether endpoint is stalled and a channel closed on the
// next halt change.
func (d *Device) haltState(endpoint uint8) (bool, <-chan struct{}) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.halted[endpoint], d.haltCh
}

// Claimed reports whether the host holds a claim on iface.
func (d *Device) Claimed(iface uint8) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.claimed[iface]
}

// Address returns the address assigned by the host.
func (d *Device) Address() uint8 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.address
}

// Configuration returns the configuration value selected by the host.
func (d *Device) Configuration() uint8 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.configuration
}

// HostHAL is an in-memory host controller with a fixed number of ports.
type HostHAL struct {
	mu          sync.Mutex
	ports       []*Device
	byAddress   map[hal.DeviceAddress]*Device
	defaultPort int
	started     bool

	connectCh    chan int
	disconnectCh chan int
}

// New creates a simulated controller with numPorts root ports.
func New(numPorts int) *HostHAL {
	return &HostHAL{
		ports:        make([]*Device, numPorts),
		byAddress:    make(map[hal.DeviceAddress]*Device),
		connectCh:    make(chan int, numPorts*4),
		disconnectCh: make(chan int, numPorts*4),
	}
}

// Attach plugs dev into port (1-indexed).
func (h *HostHAL) Attach(port int, dev *Device) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if port < 1 || port > len(h.ports) {
		return errors.Wrapf(pkg.ErrInvalidArgument, "port %d", port)
	}
	if h.ports[port-1] != nil {
		return pkg.ErrBusy
	}
	h.ports[port-1] = dev
	h.connectCh <- port
	return nil
}

// Detach unplugs the device on port. Transfers to it fail with
// pkg.ErrNoDevice from then on.
func (h *HostHAL) Detach(port int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if port < 1 || port > len(h.ports) || h.ports[port-1] == nil {
		return errors.Wrapf(pkg.ErrNotFound, "port %d", port)
	}
	dev := h.ports[port-1]
	h.ports[port-1] = nil
	for addr, d := range h.byAddress {
		if d == dev {
			delete(h.byAddress, addr)
		}
	}
	close(dev.gone)
	h.disconnectCh <- port
	return nil
}

// Init implements hal.HostHAL.
func (h *HostHAL) Init(context.Context) error { return nil }

// Start implements hal.HostHAL.
func (h *HostHAL) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.started = true
	return nil
}

// Stop implements hal.HostHAL.
func (h *HostHAL) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.started = false
	return nil
}

// Close implements hal.HostHAL.
func (h *HostHAL) Close() error { return nil }

// NumPorts implements hal.HostHAL.
func (h *HostHAL) NumPorts() int { return len(h.ports) }

// GetPortStatus implements hal.HostHAL.
func (h *HostHAL) GetPortStatus(port int) (hal.PortStatus, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if port < 1 || port > len(h.ports) {
		return hal.PortStatus{}, errors.Wrapf(pkg.ErrInvalidArgument, "port %d", port)
	}
	dev := h.ports[port-1]
	if dev == nil {
		return hal.PortStatus{PowerOn: true}, nil
	}
	return hal.PortStatus{Connected: true, Enabled: true, PowerOn: true, Speed: dev.Speed}, nil
}

// ResetPort implements hal.HostHAL. The device on port answers at address 0
// afterwards.
func (h *HostHAL) ResetPort(port int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if port < 1 || port > len(h.ports) || h.ports[port-1] == nil {
		return errors.Wrapf(pkg.ErrNoDevice, "port %d", port)
	}
	dev := h.ports[port-1]
	dev.mu.Lock()
	dev.address, dev.configuration = 0, 0
	dev.mu.Unlock()
	h.defaultPort = port
	return nil
}

func (h *HostHAL) device(addr hal.DeviceAddress) (*Device, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if addr == 0 {
		if h.defaultPort == 0 || h.ports[h.defaultPort-1] == nil {
			return nil, pkg.ErrNoDevice
		}
		return h.ports[h.defaultPort-1], nil
	}
	dev, ok := h.byAddress[addr]
	if !ok {
		return nil, errors.Wrapf(pkg.ErrNoDevice, "address %d", addr)
	}
	return dev, nil
}

// ControlTransfer implements hal.HostHAL.
func (h *HostHAL) ControlTransfer(ctx context.Context, addr hal.DeviceAddress, setup *hal.SetupPacket, data []byte) (int, error) {
	dev, err := h.device(addr)
	if err != nil {
		return 0, err
	}
	if setup.RequestType&requestTypeMask != requestStandard {
		if dev.Control == nil {
			return 0, pkg.ErrStall
		}
		type result struct {
			n   int
			err error
		}
		res := make(chan result, 1)
		go func() {
			n, err := dev.Control(ctx, *setup, data)
			res <- result{n, err}
		}()
		select {
		case r := <-res:
			return r.n, r.err
		case <-dev.gone:
			return 0, pkg.ErrNoDevice
		case <-ctx.Done():
			return 0, errors.Wrap(pkg.ErrCancelled, ctx.Err().Error())
		}
	}
	return h.standardRequest(dev, setup, data)
}

func (h *HostHAL) standardRequest(dev *Device, setup *hal.SetupPacket, data []byte) (int, error) {
	switch setup.Request {
	case requestGetDescriptor:
		var src []byte
		switch uint8(setup.Value >> 8) {
		case descriptorDevice:
			src = dev.DeviceDescriptor
		case descriptorConfiguration:
			src = dev.ConfigDescriptor
		case descriptorString:
			src = stringDescriptor(dev.Strings, uint8(setup.Value))
		}
		if src == nil {
			return 0, pkg.ErrStall
		}
		return copy(data, src), nil

	case requestSetAddress:
		h.mu.Lock()
		h.byAddress[hal.DeviceAddress(setup.Value)] = dev
		h.mu.Unlock()
		dev.mu.Lock()
		dev.address = uint8(setup.Value)
		dev.mu.Unlock()
		return 0, nil

	case requestSetConfiguration:
		dev.mu.Lock()
		dev.configuration = uint8(setup.Value)
		dev.mu.Unlock()
		return 0, nil

	case requestGetConfiguration:
		if len(data) == 0 {
			return 0, nil
		}
		data[0] = dev.Configuration()
		return 1, nil

	case requestClearFeature, requestSetFeature:
		if setup.RequestType&recipientMask == recipientEndpoint && setup.Value == featureHalt {
			dev.setHalt(uint8(setup.Index), setup.Request == requestSetFeature)
		}
		return 0, nil

	case requestSetInterface:
		return 0, nil

	default:
		return 0, pkg.ErrStall
	}
}

// stringDescriptor encodes strings[index] as a USB string descriptor. Index 0
// returns the language ID table.
func stringDescriptor(strings map[uint8]string, index uint8) []byte {
	if index == 0 {
		return []byte{4, descriptorString, 0x09, 0x04}
	}
	s, ok := strings[index]
	if !ok {
		return nil
	}
	units := utf16.Encode([]rune(s))
	out := make([]byte, 2, 2+2*len(units))
	out[0] = byte(2 + 2*len(units))
	out[1] = descriptorString
	for _, u := range units {
		out = binary.LittleEndian.AppendUint16(out, u)
	}
	return out
}

// BulkTransfer implements hal.HostHAL.
func (h *HostHAL) BulkTransfer(ctx context.Context, addr hal.DeviceAddress, endpoint uint8, data []byte) (int, error) {
	return h.dataTransfer(ctx, addr, endpoint, data)
}

// InterruptTransfer implements hal.HostHAL.
func (h *HostHAL) InterruptTransfer(ctx context.Context, addr hal.DeviceAddress, endpoint uint8, data []byte) (int, error) {
	return h.dataTransfer(ctx, addr, endpoint, data)
}

func (h *HostHAL) dataTransfer(ctx context.Context, addr hal.DeviceAddress, endpoint uint8, data []byte) (int, error) {
	dev, err := h.device(addr)
	if err != nil {
		return 0, err
	}
	if endpoint&0x0F == 0 {
		return 0, pkg.ErrInvalidEndpoint
	}

	if endpoint&0x80 == 0 {
		select {
		case <-dev.gone:
			return 0, pkg.ErrNoDevice
		default:
		}
		if halted, _ := dev.haltState(endpoint); halted {
			return 0, pkg.ErrStall
		}
		if dev.Out == nil {
			return len(data), nil
		}
		return dev.Out(endpoint, data)
	}

	for {
		halted, changed := dev.haltState(endpoint)
		if halted {
			return 0, pkg.ErrStall
		}
		select {
		case packet := <-dev.queue(endpoint):
			if len(packet) > len(data) {
				return copy(data, packet), pkg.ErrOverrun
			}
			return copy(data, packet), nil
		case <-changed:
		case <-dev.gone:
			return 0, pkg.ErrNoDevice
		case <-ctx.Done():
			return 0, errors.Wrap(pkg.ErrCancelled, ctx.Err().Error())
		}
	}
}

// ClaimInterface implements hal.HostHAL.
func (h *HostHAL) ClaimInterface(addr hal.DeviceAddress, iface uint8) error {
	dev, err := h.device(addr)
	if err != nil {
		return err
	}
	dev.mu.Lock()
	defer dev.mu.Unlock()
	if dev.claimed[iface] {
		return pkg.ErrBusy
	}
	dev.claimed[iface] = true
	return nil
}

// ReleaseInterface implements hal.HostHAL.
func (h *HostHAL) ReleaseInterface(addr hal.DeviceAddress, iface uint8) error {
	dev, err := h.device(addr)
	if err != nil {
		return err
	}
	dev.mu.Lock()
	defer dev.mu.Unlock()
	delete(dev.claimed, iface)
	return nil
}

// WaitForConnection implements hal.HostHAL.
func (h *HostHAL) WaitForConnection(ctx context.Context) (int, error) {
	select {
	case port := <-h.connectCh:
		return port, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// WaitForDisconnection implements hal.HostHAL.
func (h *HostHAL) WaitForDisconnection(ctx context.Context) (int, error) {
	select {
	case port := <-h.disconnectCh:
		return port, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

var _ hal.HostHAL = (*HostHAL)(nil)
