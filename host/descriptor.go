package host

// Descriptor is a view of one descriptor inside a configuration descriptor
// buffer. It aliases the buffer and is valid as long as the buffer is.
type Descriptor []byte

// Type returns bDescriptorType.
func (d Descriptor) Type() uint8 { return d[1] }

// Subtype returns the bDescriptorSubtype of a class-specific descriptor, or 0
// when the descriptor is too short to carry one.
func (d Descriptor) Subtype() uint8 {
	if len(d) < 3 {
		return 0
	}
	return d[2]
}

// Interface decodes d as an interface descriptor.
func (d Descriptor) Interface() (InterfaceDescriptor, bool) {
	var out InterfaceDescriptor
	ok := d.Type() == DescriptorTypeInterface && ParseInterfaceDescriptor(d, &out)
	return out, ok
}

// Endpoint decodes d as an endpoint descriptor.
func (d Descriptor) Endpoint() (EndpointDescriptor, bool) {
	var out EndpointDescriptor
	ok := d.Type() == DescriptorTypeEndpoint && ParseEndpointDescriptor(d, &out)
	return out, ok
}

// Association decodes d as an interface association descriptor.
func (d Descriptor) Association() (InterfaceAssociationDescriptor, bool) {
	var out InterfaceAssociationDescriptor
	ok := d.Type() == DescriptorTypeInterfaceAssociation && ParseInterfaceAssociationDescriptor(d, &out)
	return out, ok
}

// DescriptorIterator walks a configuration descriptor one descriptor at a
// time. Every view it returns lies fully inside the buffer; a descriptor with
// a bLength below 2 or past the end of the buffer stops the walk.
type DescriptorIterator struct {
	data   []byte
	offset int
}

// NewDescriptorIterator returns an iterator positioned before the first
// descriptor in data (normally the configuration header).
func NewDescriptorIterator(data []byte) *DescriptorIterator {
	var cfg ConfigurationDescriptor
	if ParseConfigurationDescriptor(data, &cfg) && cfg.DescriptorType == DescriptorTypeConfiguration &&
		int(cfg.TotalLength) < len(data) && cfg.TotalLength >= ConfigurationDescriptorSize {
		data = data[:cfg.TotalLength]
	}
	return &DescriptorIterator{data: data}
}

// Next returns the next descriptor, or false at the end of the buffer.
func (it *DescriptorIterator) Next() (Descriptor, bool) {
	if it.offset+2 > len(it.data) {
		return nil, false
	}
	length := int(it.data[it.offset])
	if length < 2 || it.offset+length > len(it.data) {
		it.offset = len(it.data)
		return nil, false
	}
	d := Descriptor(it.data[it.offset : it.offset+length])
	it.offset += length
	return d, true
}

// Offset returns the byte offset of the next descriptor.
func (it *DescriptorIterator) Offset() int { return it.offset }

// Seek repositions the iterator at a byte offset previously returned by
// Offset.
func (it *DescriptorIterator) Seek(offset int) {
	it.offset = min(max(offset, 0), len(it.data))
}

// FindInterface returns the offset just past the interface descriptor with
// the given number and alternate setting, along with the decoded descriptor.
func FindInterface(config []byte, number, alt uint8) (InterfaceDescriptor, int, bool) {
	it := NewDescriptorIterator(config)
	for d, ok := it.Next(); ok; d, ok = it.Next() {
		if intf, ok := d.Interface(); ok && intf.InterfaceNumber == number && intf.AlternateSetting == alt {
			return intf, it.Offset(), true
		}
	}
	return InterfaceDescriptor{}, 0, false
}

// InterfaceEndpoints returns the endpoint descriptors that follow the
// interface descriptor ending at offset, stopping at the next interface.
func InterfaceEndpoints(config []byte, offset int) []EndpointDescriptor {
	it := NewDescriptorIterator(config)
	it.Seek(offset)
	var eps []EndpointDescriptor
	for d, ok := it.Next(); ok; d, ok = it.Next() {
		if d.Type() == DescriptorTypeInterface {
			break
		}
		if ep, ok := d.Endpoint(); ok {
			eps = append(eps, ep)
		}
	}
	return eps
}
