package cdc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/cdcnet/host"
	"github.com/ardnew/cdcnet/host/hal/sim"
)

var testDevice = host.DeviceDescriptor{
	DeviceClass:    host.ClassMisc,
	DeviceSubClass: 0x02,
	DeviceProtocol: 0x01,
	VendorID:       0x1234,
	ProductID:      0x5678,
	DeviceVersion:  0x0200,
}

func TestMatchDevice(t *testing.T) {
	tests := []struct {
		name string
		c    MatchCriteria
		want bool
	}{
		{"no flags", MatchCriteria{VendorID: 0xFFFF}, true},
		{"vendor and product", DeviceID(0x1234, 0x5678), true},
		{"wrong vendor", DeviceID(0x1111, 0x5678), false},
		{"wrong product", DeviceID(0x1234, 0x1111), false},
		{"any vendor", DeviceID(AnyID, 0x5678), true},
		{"any product", DeviceID(0x1234, AnyID), true},
		{"unset bit ignored", MatchCriteria{Flags: MatchVendor, VendorID: 0x1234, ProductID: 0x1111}, true},
		{"bcd in range", MatchCriteria{Flags: MatchDevLo | MatchDevHi, BCDDeviceLo: 0x0100, BCDDeviceHi: 0x0200}, true},
		{"bcd below", MatchCriteria{Flags: MatchDevLo, BCDDeviceLo: 0x0201}, false},
		{"bcd above", MatchCriteria{Flags: MatchDevHi, BCDDeviceHi: 0x01FF}, false},
		{"device class", MatchCriteria{Flags: MatchDevClass | MatchDevSubClass | MatchDevProtocol,
			DeviceClass: host.ClassMisc, DeviceSubClass: 0x02, DeviceProtocol: 0x01}, true},
		{"wrong device protocol", MatchCriteria{Flags: MatchDevProtocol, DeviceProtocol: 0x02}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchDevice(&testDevice, &tt.c))
		})
	}
}

func TestMatchDevice_Nil(t *testing.T) {
	c := DeviceID(0x1234, 0x5678)
	assert.False(t, MatchDevice(nil, &c))
	assert.False(t, MatchDevice(&testDevice, nil))
	assert.False(t, MatchInterface(nil, &c))
	assert.False(t, MatchFromList(nil, []MatchCriteria{c}))
}

func TestMatchInterface(t *testing.T) {
	intf := host.InterfaceDescriptor{
		InterfaceNumber:   1,
		InterfaceClass:    host.ClassCDCData,
		InterfaceSubClass: 0,
		InterfaceProtocol: 0,
	}
	tests := []struct {
		name string
		c    MatchCriteria
		want bool
	}{
		{"class", MatchCriteria{Flags: MatchIntClass, InterfaceClass: host.ClassCDCData}, true},
		{"wrong class", MatchCriteria{Flags: MatchIntClass, InterfaceClass: host.ClassCDC}, false},
		{"number", MatchCriteria{Flags: MatchIntNumber, InterfaceNumber: 1}, true},
		{"wrong number", MatchCriteria{Flags: MatchIntNumber, InterfaceNumber: 0}, false},
		{"subclass and protocol", MatchCriteria{Flags: MatchIntSubClass | MatchIntProtocol}, true},
		{"device bits ignored", MatchCriteria{Flags: MatchVendor, VendorID: 0x9999}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchInterface(&intf, &tt.c))
		})
	}
}

func TestMatchFromList(t *testing.T) {
	miss := DeviceID(0x1111, 0x2222)
	hit := DeviceID(0x1234, 0x5678)

	assert.False(t, MatchFromList(&testDevice, nil))
	assert.True(t, MatchFromList(&testDevice, []MatchCriteria{{}}), "leading empty entry matches any device")
	assert.True(t, MatchFromList(&testDevice, []MatchCriteria{miss, hit}))
	assert.False(t, MatchFromList(&testDevice, []MatchCriteria{miss}))
	assert.False(t, MatchFromList(&testDevice, []MatchCriteria{miss, {}, hit}), "entries after the terminator are ignored")
}

func TestMatchFromList_DoesNotMutate(t *testing.T) {
	list := []MatchCriteria{DeviceID(AnyID, 0x5678), {}}
	before := append([]MatchCriteria(nil), list...)
	MatchFromList(&testDevice, list)
	_, _ = MatchIDFromList(&testDevice, nil, list)
	assert.Equal(t, before, list)
}

func TestMatchInterfaceInConfiguration(t *testing.T) {
	config := rndisConfig()

	num, ok := MatchInterfaceInConfiguration(config, &MatchCriteria{Flags: MatchIntClass, InterfaceClass: host.ClassCDCData})
	require.True(t, ok)
	assert.Equal(t, uint8(1), num)

	num, ok = MatchInterfaceInConfiguration(config, &MatchCriteria{
		Flags:          MatchIntClass | MatchIntSubClass | MatchIntProtocol,
		InterfaceClass: host.ClassWireless, InterfaceSubClass: 0x01, InterfaceProtocol: 0x03,
	})
	require.True(t, ok)
	assert.Equal(t, uint8(0), num)

	_, ok = MatchInterfaceInConfiguration(config, &MatchCriteria{Flags: MatchIntClass, InterfaceClass: host.ClassVendor})
	assert.False(t, ok)

	_, ok = MatchInterfaceInConfiguration(config, nil)
	assert.False(t, ok)
}

func TestMatchIDFromList(t *testing.T) {
	config := rndisConfig()

	t.Run("device only", func(t *testing.T) {
		num, ok := MatchIDFromList(&testDevice, config, []MatchCriteria{DeviceID(0x1234, 0x5678)})
		require.True(t, ok)
		assert.Equal(t, uint8(0), num)
	})

	t.Run("device and interface", func(t *testing.T) {
		c := DeviceID(0x1234, 0x5678)
		c.Flags |= MatchIntClass
		c.InterfaceClass = host.ClassCDCData
		num, ok := MatchIDFromList(&testDevice, config, []MatchCriteria{c})
		require.True(t, ok)
		assert.Equal(t, uint8(1), num)
	})

	t.Run("device mismatch skips entry", func(t *testing.T) {
		first := DeviceID(0x1111, 0x5678)
		first.Flags |= MatchIntNumber
		second := MatchCriteria{Flags: MatchIntNumber, InterfaceNumber: 1}
		num, ok := MatchIDFromList(&testDevice, config, []MatchCriteria{first, second})
		require.True(t, ok)
		assert.Equal(t, uint8(1), num)
	})

	t.Run("interface mismatch", func(t *testing.T) {
		c := MatchCriteria{Flags: MatchIntNumber, InterfaceNumber: 7}
		_, ok := MatchIDFromList(&testDevice, config, []MatchCriteria{c})
		assert.False(t, ok)
	})

	t.Run("match any", func(t *testing.T) {
		_, ok := MatchIDFromList(&testDevice, config, []MatchCriteria{{}})
		assert.True(t, ok)
	})
}

// rndisConfig is an RNDIS function grouped by an interface association.
func rndisConfig() []byte {
	return sim.NewConfig(1).
		Association(0, 2, host.ClassWireless, 0x01, 0x03).
		Interface(0, 0, 1, host.ClassWireless, 0x01, 0x03).
		Raw(5, host.DescriptorTypeCSInterface, SubtypeHeader, 0x10, 0x01).
		Endpoint(0x83, host.EndpointTypeInterrupt, 8, 16).
		Interface(1, 0, 2, host.ClassCDCData, 0, 0).
		Endpoint(0x81, host.EndpointTypeBulk, 64, 0).
		Endpoint(0x02, host.EndpointTypeBulk, 64, 0).
		Bytes()
}
