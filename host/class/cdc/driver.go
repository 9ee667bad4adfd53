package cdc

import (
	stderrors "errors"
	"slices"
	"sync"

	"github.com/efficientgo/core/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ardnew/cdcnet/host"
	"github.com/ardnew/cdcnet/pkg"
)

// RegistrationID identifies a new-device callback.
type RegistrationID uint64

// NewDevCallback is called from the host event goroutine when a device
// matches a registered list. intf is the matched interface number, or 0 when
// the matching entry selects no interface fields.
type NewDevCallback func(dev *host.Device, intf uint8, userData any)

type registration struct {
	list     []MatchCriteria
	cb       NewDevCallback
	userData any
}

type pendingPort struct {
	vendorID  uint16
	productID uint16
	cfg       PortConfig
}

// Driver dispatches hot-plug events to CDC users. It runs new-device
// callbacks, opens pre-registered ports when their device arrives and closes
// every port bound to a device when it leaves.
type Driver struct {
	host    *host.Host
	metrics *metrics

	mu         sync.Mutex
	installed  bool
	unregister func()
	nextID     RegistrationID
	callbacks  map[RegistrationID]registration
	pending    []pendingPort
	ports      map[uint8][]*Port
}

// NewDriver returns a driver for h. Metrics are registered on reg when it is
// not nil.
func NewDriver(h *host.Host, reg prometheus.Registerer) *Driver {
	return &Driver{
		host:      h,
		metrics:   newMetrics(reg),
		callbacks: make(map[RegistrationID]registration),
		ports:     make(map[uint8][]*Port),
	}
}

// Install subscribes the driver to host events and replays devices already
// present. It fails with pkg.ErrInvalidState when already installed.
func (d *Driver) Install() error {
	d.mu.Lock()
	if d.installed {
		d.mu.Unlock()
		return pkg.ErrInvalidState
	}
	d.installed = true
	d.unregister = d.host.RegisterClient(d.handleEvent)
	d.mu.Unlock()

	pkg.LogInfo(pkg.ComponentHotplug, "cdc driver installed")
	for _, dev := range d.host.Devices() {
		d.deviceArrived(dev)
	}
	return nil
}

// Uninstall unsubscribes the driver and closes every open port. It fails with
// pkg.ErrInvalidState when not installed.
func (d *Driver) Uninstall() error {
	d.mu.Lock()
	if !d.installed {
		d.mu.Unlock()
		return pkg.ErrInvalidState
	}
	d.installed = false
	unregister := d.unregister
	d.unregister = nil
	var ports []*Port
	for addr, list := range d.ports {
		ports = append(ports, list...)
		delete(d.ports, addr)
	}
	d.mu.Unlock()

	unregister()
	closePorts(ports)
	pkg.LogInfo(pkg.ComponentHotplug, "cdc driver uninstalled", "closed", len(ports))
	return nil
}

// RegisterNewDevCallback registers cb for devices matching list. The list is
// copied.
func (d *Driver) RegisterNewDevCallback(list []MatchCriteria, cb NewDevCallback, userData any) (RegistrationID, error) {
	if cb == nil {
		return 0, errors.Wrap(pkg.ErrInvalidArgument, "nil callback")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	d.callbacks[d.nextID] = registration{
		list:     slices.Clone(list),
		cb:       cb,
		userData: userData,
	}
	return d.nextID, nil
}

// UnregisterNewDevCallback removes a registration.
func (d *Driver) UnregisterNewDevCallback(id RegistrationID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.callbacks[id]; !ok {
		return errors.Wrapf(pkg.ErrNotFound, "registration %d", id)
	}
	delete(d.callbacks, id)
	return nil
}

// RegisterPort arranges for a port to be opened with cfg on every device with
// the given vendor and product ID. cfg.Address is filled in on arrival.
// AnyID matches every device.
func (d *Driver) RegisterPort(vendorID, productID uint16, cfg PortConfig) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending = append(d.pending, pendingPort{vendorID: vendorID, productID: productID, cfg: cfg})
}

// Open opens a port tracked by the driver. It is closed on device removal
// and by Uninstall.
func (d *Driver) Open(cfg PortConfig) (*Port, error) {
	p, err := openPort(d.host, cfg, d.metrics, d.forget)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if p.State() == PortOpen {
		d.ports[p.address] = append(d.ports[p.address], p)
	}
	return p, nil
}

// Ports returns the open ports tracked by the driver.
func (d *Driver) Ports() []*Port {
	d.mu.Lock()
	defer d.mu.Unlock()
	var ports []*Port
	addrs := make([]uint8, 0, len(d.ports))
	for addr := range d.ports {
		addrs = append(addrs, addr)
	}
	slices.Sort(addrs)
	for _, addr := range addrs {
		ports = append(ports, d.ports[addr]...)
	}
	return ports
}

// forget drops a closed port from the address map.
func (d *Driver) forget(p *Port) {
	d.mu.Lock()
	defer d.mu.Unlock()
	list := d.ports[p.address]
	if i := slices.Index(list, p); i >= 0 {
		list = slices.Delete(list, i, i+1)
	}
	if len(list) == 0 {
		delete(d.ports, p.address)
	} else {
		d.ports[p.address] = list
	}
}

func (d *Driver) handleEvent(ev host.Event) {
	switch ev.Type {
	case host.EventNewDevice:
		d.deviceArrived(ev.Device)
	case host.EventDeviceGone:
		d.deviceGone(ev.Address)
	}
}

func (d *Driver) deviceArrived(dev *host.Device) {
	if dev == nil {
		return
	}
	desc := dev.Descriptor()
	if desc.DeviceClass == host.ClassHub {
		pkg.LogDebug(pkg.ComponentHotplug, "ignoring hub", "address", dev.Address())
		return
	}
	config := dev.RawConfiguration()

	d.mu.Lock()
	ids := make([]RegistrationID, 0, len(d.callbacks))
	for id := range d.callbacks {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	regs := make([]registration, 0, len(ids))
	for _, id := range ids {
		regs = append(regs, d.callbacks[id])
	}
	var opens []PortConfig
	for _, pp := range d.pending {
		if (pp.vendorID == AnyID || pp.vendorID == desc.VendorID) &&
			(pp.productID == AnyID || pp.productID == desc.ProductID) {
			cfg := pp.cfg
			cfg.Address = dev.Address()
			opens = append(opens, cfg)
		}
	}
	d.mu.Unlock()

	matched := false
	for _, r := range regs {
		intf, ok := MatchIDFromList(&desc, config, r.list)
		if !ok {
			continue
		}
		matched = true
		pkg.LogDebug(pkg.ComponentHotplug, "device matched",
			"address", dev.Address(), "vid", desc.VendorID, "pid", desc.ProductID, "interface", intf)
		r.cb(dev, intf, r.userData)
	}

	if matched || len(opens) > 0 {
		d.metrics.deviceMatched()
	}
	for _, cfg := range opens {
		if _, err := d.Open(cfg); err != nil {
			pkg.LogWarn(pkg.ComponentHotplug, "failed to open registered port",
				"address", cfg.Address, "interface", cfg.Interface, "error", err)
		}
	}
}

func (d *Driver) deviceGone(address uint8) {
	d.mu.Lock()
	ports := d.ports[address]
	delete(d.ports, address)
	d.mu.Unlock()

	if len(ports) > 0 {
		pkg.LogInfo(pkg.ComponentHotplug, "device gone, closing ports", "address", address, "ports", len(ports))
	}
	closePorts(ports)
}

func closePorts(ports []*Port) {
	for _, p := range ports {
		if err := p.Close(); err != nil && !stderrors.Is(err, pkg.ErrInvalidState) {
			pkg.LogWarn(pkg.ComponentHotplug, "close failed", "address", p.address, "error", err)
		}
	}
}
