package sim

import "encoding/binary"

// DeviceDescriptor builds an 18-byte USB 2.0 device descriptor with one
// configuration.
func DeviceDescriptor(class, subClass, protocol uint8, vendorID, productID uint16) []byte {
	d := []byte{
		18, descriptorDevice,
		0x00, 0x02, // bcdUSB 2.00
		class, subClass, protocol,
		64,   // bMaxPacketSize0
		0, 0, // idVendor
		0, 0, // idProduct
		0x00, 0x01, // bcdDevice 1.00
		1, 2, 3, // string indexes
		1, // bNumConfigurations
	}
	binary.LittleEndian.PutUint16(d[8:], vendorID)
	binary.LittleEndian.PutUint16(d[10:], productID)
	return d
}

// ConfigBuilder assembles a configuration descriptor.
type ConfigBuilder struct {
	buf        []byte
	interfaces map[uint8]bool
}

// NewConfig starts a configuration descriptor with the given
// bConfigurationValue.
func NewConfig(value uint8) *ConfigBuilder {
	return &ConfigBuilder{
		buf:        []byte{9, descriptorConfiguration, 0, 0, 0, value, 0, 0x80, 50},
		interfaces: make(map[uint8]bool),
	}
}

// Interface appends an interface descriptor.
func (b *ConfigBuilder) Interface(number, alt, numEndpoints, class, subClass, protocol uint8) *ConfigBuilder {
	b.interfaces[number] = true
	b.buf = append(b.buf, 9, 0x04, number, alt, numEndpoints, class, subClass, protocol, 0)
	return b
}

// Endpoint appends an endpoint descriptor.
func (b *ConfigBuilder) Endpoint(address, attributes uint8, maxPacketSize uint16, interval uint8) *ConfigBuilder {
	b.buf = append(b.buf, 7, 0x05, address, attributes)
	b.buf = binary.LittleEndian.AppendUint16(b.buf, maxPacketSize)
	b.buf = append(b.buf, interval)
	return b
}

// Association appends an interface association descriptor.
func (b *ConfigBuilder) Association(first, count, class, subClass, protocol uint8) *ConfigBuilder {
	b.buf = append(b.buf, 8, 0x0B, first, count, class, subClass, protocol, 0)
	return b
}

// Raw appends a descriptor verbatim.
func (b *ConfigBuilder) Raw(desc ...byte) *ConfigBuilder {
	b.buf = append(b.buf, desc...)
	return b
}

// Bytes returns the descriptor with wTotalLength and bNumInterfaces filled.
func (b *ConfigBuilder) Bytes() []byte {
	out := append([]byte(nil), b.buf...)
	binary.LittleEndian.PutUint16(out[2:], uint16(len(out)))
	out[4] = uint8(len(b.interfaces))
	return out
}
