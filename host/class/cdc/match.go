package cdc

import "github.com/ardnew/cdcnet/host"

// MatchFlags selects which MatchCriteria fields are compared.
type MatchFlags uint16

// Match flag bits.
const (
	MatchVendor MatchFlags = 1 << iota
	MatchProduct
	MatchDevLo
	MatchDevHi
	MatchDevClass
	MatchDevSubClass
	MatchDevProtocol
	MatchIntClass
	MatchIntSubClass
	MatchIntProtocol
	MatchIntNumber

	MatchVIDPID        = MatchVendor | MatchProduct
	MatchInterfaceInfo = MatchIntClass | MatchIntSubClass | MatchIntProtocol | MatchIntNumber
)

// AnyID as a vendor or product ID satisfies its flag for every device.
const AnyID = 0

// MatchCriteria describes the devices a driver accepts. Only fields whose
// flag is set in Flags are compared.
type MatchCriteria struct {
	Flags MatchFlags `json:"flags" mapstructure:"flags"`

	VendorID    uint16 `json:"vendor" mapstructure:"vendor"`
	ProductID   uint16 `json:"product" mapstructure:"product"`
	BCDDeviceLo uint16 `json:"bcd_device_lo" mapstructure:"bcd_device_lo"`
	BCDDeviceHi uint16 `json:"bcd_device_hi" mapstructure:"bcd_device_hi"`

	DeviceClass    uint8 `json:"device_class" mapstructure:"device_class"`
	DeviceSubClass uint8 `json:"device_subclass" mapstructure:"device_subclass"`
	DeviceProtocol uint8 `json:"device_protocol" mapstructure:"device_protocol"`

	InterfaceClass    uint8 `json:"interface_class" mapstructure:"interface_class"`
	InterfaceSubClass uint8 `json:"interface_subclass" mapstructure:"interface_subclass"`
	InterfaceProtocol uint8 `json:"interface_protocol" mapstructure:"interface_protocol"`
	InterfaceNumber   uint8 `json:"interface_number" mapstructure:"interface_number"`
}

// DeviceID returns criteria matching one vendor and product ID.
func DeviceID(vendorID, productID uint16) MatchCriteria {
	return MatchCriteria{Flags: MatchVIDPID, VendorID: vendorID, ProductID: productID}
}

// MatchDevice reports whether desc satisfies every device-level field
// selected by c.
func MatchDevice(desc *host.DeviceDescriptor, c *MatchCriteria) bool {
	if desc == nil || c == nil {
		return false
	}
	f := c.Flags
	switch {
	case f&MatchVendor != 0 && c.VendorID != AnyID && c.VendorID != desc.VendorID:
		return false
	case f&MatchProduct != 0 && c.ProductID != AnyID && c.ProductID != desc.ProductID:
		return false
	case f&MatchDevLo != 0 && desc.DeviceVersion < c.BCDDeviceLo:
		return false
	case f&MatchDevHi != 0 && desc.DeviceVersion > c.BCDDeviceHi:
		return false
	case f&MatchDevClass != 0 && c.DeviceClass != desc.DeviceClass:
		return false
	case f&MatchDevSubClass != 0 && c.DeviceSubClass != desc.DeviceSubClass:
		return false
	case f&MatchDevProtocol != 0 && c.DeviceProtocol != desc.DeviceProtocol:
		return false
	}
	return true
}

// MatchInterface reports whether intf satisfies every interface-level field
// selected by c.
func MatchInterface(intf *host.InterfaceDescriptor, c *MatchCriteria) bool {
	if intf == nil || c == nil {
		return false
	}
	f := c.Flags
	switch {
	case f&MatchIntClass != 0 && c.InterfaceClass != intf.InterfaceClass:
		return false
	case f&MatchIntSubClass != 0 && c.InterfaceSubClass != intf.InterfaceSubClass:
		return false
	case f&MatchIntProtocol != 0 && c.InterfaceProtocol != intf.InterfaceProtocol:
		return false
	case f&MatchIntNumber != 0 && c.InterfaceNumber != intf.InterfaceNumber:
		return false
	}
	return true
}

// entries returns the list up to its terminator and whether it is the
// match-any list.
func entries(list []MatchCriteria) ([]MatchCriteria, bool) {
	if len(list) == 0 {
		return nil, false
	}
	if list[0].Flags == 0 {
		return nil, true
	}
	for i := range list {
		if list[i].Flags == 0 {
			return list[:i], false
		}
	}
	return list, false
}

// MatchFromList reports whether desc matches any entry of list. The list ends
// at the first entry with no flags; a list whose first entry has no flags
// matches every device.
func MatchFromList(desc *host.DeviceDescriptor, list []MatchCriteria) bool {
	if desc == nil {
		return false
	}
	list, matchAny := entries(list)
	if matchAny {
		return true
	}
	for i := range list {
		if MatchDevice(desc, &list[i]) {
			return true
		}
	}
	return false
}

// MatchInterfaceInConfiguration returns the number of the first interface in
// the configuration descriptor that satisfies c.
func MatchInterfaceInConfiguration(config []byte, c *MatchCriteria) (uint8, bool) {
	if c == nil {
		return 0, false
	}
	it := host.NewDescriptorIterator(config)
	for d, ok := it.Next(); ok; d, ok = it.Next() {
		if intf, ok := d.Interface(); ok && MatchInterface(&intf, c) {
			return intf.InterfaceNumber, true
		}
	}
	return 0, false
}

// MatchIDFromList matches desc, then config when the entry selects interface
// fields, against each entry of list. The returned interface number is only
// meaningful for entries with interface flags; it is 0 otherwise.
func MatchIDFromList(desc *host.DeviceDescriptor, config []byte, list []MatchCriteria) (uint8, bool) {
	if desc == nil {
		return 0, false
	}
	list, matchAny := entries(list)
	if matchAny {
		return 0, true
	}
	for i := range list {
		c := &list[i]
		if !MatchDevice(desc, c) {
			continue
		}
		if c.Flags&MatchInterfaceInfo == 0 {
			return 0, true
		}
		if num, ok := MatchInterfaceInConfiguration(config, c); ok {
			return num, true
		}
	}
	return 0, false
}
