package host

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/ardnew/cdcnet/host/hal"
	"github.com/ardnew/cdcnet/pkg"
)

// EventType identifies a client event.
type EventType uint8

// Client event types.
const (
	EventNewDevice  EventType = iota + 1 // A device finished enumeration
	EventDeviceGone                      // A device was removed
)

// String returns the event type name.
func (e EventType) String() string {
	switch e {
	case EventNewDevice:
		return "new device"
	case EventDeviceGone:
		return "device gone"
	default:
		return "unknown"
	}
}

// Event is delivered to every registered client on the host event goroutine.
type Event struct {
	Type    EventType
	Address uint8
	Device  *Device
}

// waitRetryDelay spaces out retries when the HAL reports a wait error.
const waitRetryDelay = 10 * time.Millisecond

// Host owns the host controller, the set of enumerated devices and the
// transfer engine. Events are delivered to clients one at a time, in order,
// from a single goroutine; a client callback must not call Stop.
type Host struct {
	hal hal.HostHAL

	mutex       sync.RWMutex
	devices     map[uint8]*Device // by address
	ports       map[int]*Device   // by root port
	nextAddress uint8
	running     bool

	clients      map[uint64]func(Event)
	nextClientID uint64

	transfers *TransferManager

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a host for the given controller.
func New(h hal.HostHAL) *Host {
	host := &Host{
		hal:         h,
		devices:     make(map[uint8]*Device),
		ports:       make(map[int]*Device),
		nextAddress: 1,
		clients:     make(map[uint64]func(Event)),
	}
	host.transfers = newTransferManager(host)
	return host
}

// Start initializes the controller and begins enumerating devices.
func (h *Host) Start(ctx context.Context) error {
	h.mutex.Lock()
	if h.running {
		h.mutex.Unlock()
		return pkg.ErrAlreadyRunning
	}
	h.ctx, h.cancel = context.WithCancel(ctx)
	h.mutex.Unlock()

	if err := h.hal.Init(h.ctx); err != nil {
		h.cancel()
		return err
	}
	if err := h.hal.Start(); err != nil {
		h.cancel()
		return err
	}
	h.transfers.start(h.ctx)

	h.mutex.Lock()
	h.running = true
	h.mutex.Unlock()

	connected := make(chan int)
	disconnected := make(chan int)
	h.wg.Add(3)
	go h.waitPorts(h.hal.WaitForConnection, connected)
	go h.waitPorts(h.hal.WaitForDisconnection, disconnected)
	go h.monitorBus(connected, disconnected)

	pkg.LogInfo(pkg.ComponentHost, "host started", "ports", h.hal.NumPorts())
	return nil
}

// Stop removes every device, delivering EventDeviceGone for each, stops the
// transfer engine and the controller.
func (h *Host) Stop() error {
	h.mutex.Lock()
	if !h.running {
		h.mutex.Unlock()
		return nil
	}
	h.running = false
	h.cancel()
	h.mutex.Unlock()

	h.wg.Wait()

	for _, dev := range h.Devices() {
		h.removeDevice(dev)
	}

	h.transfers.stop()

	if err := h.hal.Stop(); err != nil {
		return err
	}

	pkg.LogInfo(pkg.ComponentHost, "host stopped")
	return nil
}

// IsRunning returns true if the host is running.
func (h *Host) IsRunning() bool {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.running
}

// Transfers returns the asynchronous transfer engine.
func (h *Host) Transfers() *TransferManager {
	return h.transfers
}

// Devices returns all enumerated devices ordered by address.
func (h *Host) Devices() []*Device {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	result := make([]*Device, 0, len(h.devices))
	for _, dev := range h.devices {
		result = append(result, dev)
	}
	slices.SortFunc(result, func(a, b *Device) int { return int(a.address) - int(b.address) })
	return result
}

// GetDevice returns the device at the given address, or nil.
func (h *Host) GetDevice(address uint8) *Device {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.devices[address]
}

// RegisterClient adds fn to the set of event receivers and returns a function
// that removes it. Devices already present are not replayed.
func (h *Host) RegisterClient(fn func(Event)) (unregister func()) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	h.nextClientID++
	id := h.nextClientID
	h.clients[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mutex.Lock()
			delete(h.clients, id)
			h.mutex.Unlock()
		})
	}
}

// NumPorts returns the number of root hub ports.
func (h *Host) NumPorts() int {
	return h.hal.NumPorts()
}

// GetPortStatus returns the status of a port.
func (h *Host) GetPortStatus(port int) (hal.PortStatus, error) {
	return h.hal.GetPortStatus(port)
}

// waitPorts forwards ports reported by wait until the host stops.
func (h *Host) waitPorts(wait func(context.Context) (int, error), out chan<- int) {
	defer h.wg.Done()
	for {
		port, err := wait(h.ctx)
		if err != nil {
			if h.ctx.Err() != nil {
				return
			}
			pkg.LogWarn(pkg.ComponentHost, "error waiting for port event", "error", err)
			select {
			case <-time.After(waitRetryDelay):
				continue
			case <-h.ctx.Done():
				return
			}
		}
		select {
		case out <- port:
		case <-h.ctx.Done():
			return
		}
	}
}

// monitorBus serializes enumeration, removal and event delivery.
func (h *Host) monitorBus(connected, disconnected <-chan int) {
	defer h.wg.Done()
	for {
		select {
		case <-h.ctx.Done():
			return

		case port := <-connected:
			pkg.LogInfo(pkg.ComponentHost, "device connected", "port", port)
			dev, err := h.enumerateDevice(port)
			if err != nil {
				pkg.LogWarn(pkg.ComponentHost, "enumeration failed", "port", port, "error", err)
				continue
			}
			h.mutex.Lock()
			h.devices[dev.address] = dev
			h.ports[port] = dev
			h.mutex.Unlock()

			pkg.LogInfo(pkg.ComponentHost, "device enumerated",
				"address", dev.address,
				"vendor", dev.descriptor.VendorID,
				"product", dev.descriptor.ProductID)
			h.dispatch(Event{Type: EventNewDevice, Address: dev.address, Device: dev})

		case port := <-disconnected:
			h.mutex.RLock()
			dev := h.ports[port]
			h.mutex.RUnlock()
			if dev == nil {
				pkg.LogDebug(pkg.ComponentHost, "disconnect on idle port", "port", port)
				continue
			}
			pkg.LogInfo(pkg.ComponentHost, "device disconnected", "port", port, "address", dev.address)
			h.removeDevice(dev)
		}
	}
}

// removeDevice forgets dev and notifies clients.
func (h *Host) removeDevice(dev *Device) {
	h.mutex.Lock()
	if h.devices[dev.address] != dev {
		h.mutex.Unlock()
		return
	}
	delete(h.devices, dev.address)
	if h.ports[dev.port] == dev {
		delete(h.ports, dev.port)
	}
	h.mutex.Unlock()

	dev.Close()
	h.dispatch(Event{Type: EventDeviceGone, Address: dev.address, Device: dev})
}

// dispatch delivers ev to clients in registration order.
func (h *Host) dispatch(ev Event) {
	h.mutex.RLock()
	ids := make([]uint64, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, h.clients[id])
	}
	h.mutex.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// allocateAddress allocates a new device address, or 0 if the bus is full.
func (h *Host) allocateAddress() uint8 {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	for range MaxDevices {
		addr := h.nextAddress
		h.nextAddress++
		if h.nextAddress > MaxDevices {
			h.nextAddress = 1
		}
		if h.devices[addr] == nil {
			return addr
		}
	}
	return 0
}
