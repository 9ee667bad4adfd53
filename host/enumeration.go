package host

import (
	"context"
	"encoding/binary"
	"time"
	"unicode/utf16"

	"github.com/efficientgo/core/errors"

	"github.com/ardnew/cdcnet/host/hal"
	"github.com/ardnew/cdcnet/pkg"
)

// Enumeration errors.
var (
	ErrEnumerationFailed = errors.New("enumeration failed")
	ErrNoAddress         = errors.New("no address available")
)

// EnumerationTimeout bounds each control transfer issued while enumerating.
var EnumerationTimeout = 5 * time.Second

// enumerateDevice resets the device on port, assigns it an address, reads
// its descriptors and selects its first configuration.
func (h *Host) enumerateDevice(port int) (*Device, error) {
	pkg.LogDebug(pkg.ComponentHost, "starting enumeration", "port", port)

	status, err := h.hal.GetPortStatus(port)
	if err != nil {
		return nil, errors.Wrapf(err, "port %d status", port)
	}
	if err := h.hal.ResetPort(port); err != nil {
		return nil, errors.Wrapf(err, "reset port %d", port)
	}

	dev := newDevice(h, port, 0, status.Speed)
	buf := make([]byte, MaxDescriptorSize)

	// The first 8 bytes carry bMaxPacketSize0.
	n, err := h.control(0, RequestTypeIn, RequestGetDescriptor, uint16(DescriptorTypeDevice)<<8, 0, buf[:8])
	if err != nil {
		return nil, errors.Wrap(err, "get device descriptor header")
	}
	if n < 8 {
		return nil, errors.Wrapf(ErrEnumerationFailed, "short device descriptor header (%d bytes)", n)
	}

	address := h.allocateAddress()
	if address == 0 {
		return nil, ErrNoAddress
	}
	if _, err := h.control(0, RequestTypeOut, RequestSetAddress, uint16(address), 0, nil); err != nil {
		return nil, errors.Wrapf(err, "set address %d", address)
	}
	pkg.LogDebug(pkg.ComponentHost, "assigned address", "address", address, "maxPacketSize0", buf[7])

	dev.address = address
	dev.state = DeviceStateAddress

	n, err = h.control(address, RequestTypeIn, RequestGetDescriptor, uint16(DescriptorTypeDevice)<<8, 0, buf[:DeviceDescriptorSize])
	if err != nil {
		return nil, errors.Wrap(err, "get device descriptor")
	}
	if !ParseDeviceDescriptor(buf[:n], &dev.descriptor) {
		return nil, errors.Wrapf(ErrEnumerationFailed, "short device descriptor (%d bytes)", n)
	}

	n, err = h.control(address, RequestTypeIn, RequestGetDescriptor, uint16(DescriptorTypeConfiguration)<<8, 0, buf[:ConfigurationDescriptorSize])
	if err != nil {
		return nil, errors.Wrap(err, "get configuration header")
	}
	if n < ConfigurationDescriptorSize {
		return nil, errors.Wrapf(ErrEnumerationFailed, "short configuration header (%d bytes)", n)
	}

	total := int(binary.LittleEndian.Uint16(buf[2:4]))
	if total > len(buf) {
		pkg.LogWarn(pkg.ComponentHost, "configuration descriptor truncated", "total", total, "max", len(buf))
		total = len(buf)
	}
	n, err = h.control(address, RequestTypeIn, RequestGetDescriptor, uint16(DescriptorTypeConfiguration)<<8, 0, buf[:total])
	if err != nil {
		return nil, errors.Wrap(err, "get configuration descriptor")
	}
	if !dev.setConfigurationTree(buf[:n]) {
		return nil, errors.Wrapf(ErrEnumerationFailed, "bad configuration descriptor (%d bytes)", n)
	}

	pkg.LogDebug(pkg.ComponentHost, "device descriptor",
		"vendorID", dev.descriptor.VendorID,
		"productID", dev.descriptor.ProductID,
		"class", dev.descriptor.DeviceClass,
		"interfaces", len(dev.interfaces))

	h.readStringDescriptors(dev, buf)

	if dev.config.ConfigurationValue > 0 {
		ctx, cancel := context.WithTimeout(h.ctx, EnumerationTimeout)
		defer cancel()
		if err := dev.SetConfiguration(ctx, dev.config.ConfigurationValue); err != nil {
			return nil, errors.Wrap(err, "set configuration")
		}
	}

	return dev, nil
}

// control issues a standard device request bounded by EnumerationTimeout.
func (h *Host) control(addr uint8, dir, request uint8, value, index uint16, data []byte) (int, error) {
	ctx, cancel := context.WithTimeout(h.ctx, EnumerationTimeout)
	defer cancel()

	setup := hal.SetupPacket{
		RequestType: dir | RequestTypeStandard | RequestTypeDevice,
		Request:     request,
		Value:       value,
		Index:       index,
		Length:      uint16(len(data)),
	}
	return h.hal.ControlTransfer(ctx, hal.DeviceAddress(addr), &setup, data)
}

// readStringDescriptors caches the manufacturer, product and serial strings.
// Failures are not fatal.
func (h *Host) readStringDescriptors(dev *Device, buf []byte) {
	for _, index := range []uint8{
		dev.descriptor.ManufacturerIndex,
		dev.descriptor.ProductIndex,
		dev.descriptor.SerialNumberIndex,
	} {
		if index == 0 || int(index) >= len(dev.strings) {
			continue
		}
		ctx, cancel := context.WithTimeout(h.ctx, EnumerationTimeout)
		n, err := dev.GetDescriptor(ctx, DescriptorTypeString, index, LangIDUSEnglish, buf[:255])
		cancel()
		if err != nil {
			pkg.LogDebug(pkg.ComponentHost, "string descriptor read failed", "index", index, "error", err)
			continue
		}
		dev.strings[index] = decodeStringDescriptor(buf[:n])
	}
}

// decodeStringDescriptor converts a UTF-16LE string descriptor to a string.
func decodeStringDescriptor(data []byte) string {
	if len(data) < 2 {
		return ""
	}
	length := min(int(data[0]), len(data))
	units := make([]uint16, 0, max(length-2, 0)/2)
	for i := 2; i+1 < length; i += 2 {
		units = append(units, binary.LittleEndian.Uint16(data[i:]))
	}
	return string(utf16.Decode(units))
}
