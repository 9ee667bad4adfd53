package host

import (
	"context"
	"sync"

	"github.com/ardnew/cdcnet/host/hal"
)

// Device is an enumerated USB device as seen from the host.
type Device struct {
	host    *Host
	address uint8
	port    int
	speed   hal.Speed

	descriptor DeviceDescriptor
	config     ConfigurationDescriptor
	rawConfig  []byte
	interfaces []InterfaceDescriptor

	configurationValue uint8

	state    DeviceState
	mutex    sync.RWMutex
	gone     chan struct{}
	goneOnce sync.Once

	strings [MaxStringsPerDevice]string
}

// newDevice creates a new device instance.
func newDevice(host *Host, port int, address uint8, speed hal.Speed) *Device {
	return &Device{
		host:    host,
		address: address,
		port:    port,
		speed:   speed,
		state:   DeviceStateDefault,
		gone:    make(chan struct{}),
	}
}

// Address returns the device address.
func (d *Device) Address() uint8 {
	return d.address
}

// Port returns the root port the device is connected to.
func (d *Device) Port() int {
	return d.port
}

// Speed returns the device speed.
func (d *Device) Speed() hal.Speed {
	return d.speed
}

// VendorID returns the device vendor ID.
func (d *Device) VendorID() uint16 {
	return d.descriptor.VendorID
}

// ProductID returns the device product ID.
func (d *Device) ProductID() uint16 {
	return d.descriptor.ProductID
}

// Descriptor returns the device descriptor.
func (d *Device) Descriptor() DeviceDescriptor {
	return d.descriptor
}

// Configuration returns the active configuration descriptor header.
func (d *Device) Configuration() ConfigurationDescriptor {
	return d.config
}

// RawConfiguration returns the full active configuration descriptor. The
// slice is owned by the device; callers must not modify it.
func (d *Device) RawConfiguration() []byte {
	return d.rawConfig
}

// Interfaces returns the interface descriptors of the active configuration.
func (d *Device) Interfaces() []InterfaceDescriptor {
	return d.interfaces
}

// GetInterface returns the first interface descriptor with the given number.
func (d *Device) GetInterface(num uint8) *InterfaceDescriptor {
	for i := range d.interfaces {
		if d.interfaces[i].InterfaceNumber == num {
			return &d.interfaces[i]
		}
	}
	return nil
}

// GetString returns a cached string descriptor.
func (d *Device) GetString(index uint8) string {
	if index == 0 || int(index) >= len(d.strings) {
		return ""
	}
	return d.strings[index]
}

// Manufacturer returns the manufacturer string.
func (d *Device) Manufacturer() string {
	return d.GetString(d.descriptor.ManufacturerIndex)
}

// Product returns the product string.
func (d *Device) Product() string {
	return d.GetString(d.descriptor.ProductIndex)
}

// SerialNumber returns the serial number string.
func (d *Device) SerialNumber() string {
	return d.GetString(d.descriptor.SerialNumberIndex)
}

// State returns the current device state.
func (d *Device) State() DeviceState {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.state
}

// Gone returns a channel closed when the device is removed.
func (d *Device) Gone() <-chan struct{} {
	return d.gone
}

// SetConfiguration sets the device configuration.
func (d *Device) SetConfiguration(ctx context.Context, value uint8) error {
	setup := hal.SetupPacket{
		RequestType: RequestTypeOut | RequestTypeStandard | RequestTypeDevice,
		Request:     RequestSetConfiguration,
		Value:       uint16(value),
	}

	if _, err := d.ControlTransfer(ctx, &setup, nil); err != nil {
		return err
	}

	d.mutex.Lock()
	d.configurationValue = value
	if value > 0 {
		d.state = DeviceStateConfigured
	} else {
		d.state = DeviceStateAddress
	}
	d.mutex.Unlock()
	return nil
}

// GetConfiguration returns the current configuration value.
func (d *Device) GetConfiguration() uint8 {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.configurationValue
}

// ControlTransfer performs a synchronous control transfer to the device.
func (d *Device) ControlTransfer(ctx context.Context, setup *hal.SetupPacket, data []byte) (int, error) {
	return d.host.hal.ControlTransfer(ctx, hal.DeviceAddress(d.address), setup, data)
}

// ClaimInterface claims an interface of the device.
func (d *Device) ClaimInterface(iface uint8) error {
	return d.host.hal.ClaimInterface(hal.DeviceAddress(d.address), iface)
}

// ReleaseInterface releases an interface of the device.
func (d *Device) ReleaseInterface(iface uint8) error {
	return d.host.hal.ReleaseInterface(hal.DeviceAddress(d.address), iface)
}

// GetDescriptor performs a GET_DESCRIPTOR request.
func (d *Device) GetDescriptor(ctx context.Context, descType, descIndex uint8, langID uint16, data []byte) (int, error) {
	setup := hal.SetupPacket{
		RequestType: RequestTypeIn | RequestTypeStandard | RequestTypeDevice,
		Request:     RequestGetDescriptor,
		Value:       uint16(descType)<<8 | uint16(descIndex),
		Index:       langID,
		Length:      uint16(len(data)),
	}
	return d.ControlTransfer(ctx, &setup, data)
}

// ClearEndpointHalt clears a device-side halt condition on an endpoint.
func (d *Device) ClearEndpointHalt(ctx context.Context, endpoint uint8) error {
	setup := hal.SetupPacket{
		RequestType: RequestTypeOut | RequestTypeStandard | RequestTypeEndpoint,
		Request:     RequestClearFeature,
		Value:       FeatureEndpointHalt,
		Index:       uint16(endpoint),
	}
	_, err := d.ControlTransfer(ctx, &setup, nil)
	return err
}

// Close marks the device detached. It is called by the host on removal.
func (d *Device) Close() error {
	d.mutex.Lock()
	d.state = DeviceStateDetached
	d.mutex.Unlock()
	d.goneOnce.Do(func() { close(d.gone) })
	return nil
}

// setConfigurationTree stores the full configuration descriptor and indexes
// its interfaces.
func (d *Device) setConfigurationTree(data []byte) bool {
	if !ParseConfigurationDescriptor(data, &d.config) {
		return false
	}
	d.rawConfig = append([]byte(nil), data...)
	d.interfaces = d.interfaces[:0]

	it := NewDescriptorIterator(d.rawConfig)
	for desc, ok := it.Next(); ok; desc, ok = it.Next() {
		if intf, ok := desc.Interface(); ok {
			d.interfaces = append(d.interfaces, intf)
		}
	}
	return true
}
