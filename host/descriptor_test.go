package host

import (
	"testing"

	"github.com/ardnew/cdcnet/host/hal/sim"
)

// rndisConfig is a two-interface RNDIS function behind an IAD.
func rndisConfig() []byte {
	return sim.NewConfig(1).
		Association(0, 2, ClassWireless, 0x01, 0x03).
		Interface(0, 0, 1, ClassWireless, 0x01, 0x03).
		Raw(5, DescriptorTypeCSInterface, 0x00, 0x10, 0x01).
		Endpoint(0x83, EndpointTypeInterrupt, 8, 16).
		Interface(1, 0, 2, ClassCDCData, 0, 0).
		Endpoint(0x81, EndpointTypeBulk, 64, 0).
		Endpoint(0x02, EndpointTypeBulk, 64, 0).
		Bytes()
}

func TestDescriptorIterator_Walk(t *testing.T) {
	var types []uint8
	it := NewDescriptorIterator(rndisConfig())
	for d, ok := it.Next(); ok; d, ok = it.Next() {
		types = append(types, d.Type())
	}

	want := []uint8{
		DescriptorTypeConfiguration,
		DescriptorTypeInterfaceAssociation,
		DescriptorTypeInterface,
		DescriptorTypeCSInterface,
		DescriptorTypeEndpoint,
		DescriptorTypeInterface,
		DescriptorTypeEndpoint,
		DescriptorTypeEndpoint,
	}
	if len(types) != len(want) {
		t.Fatalf("walked %d descriptors, want %d", len(types), len(want))
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("descriptor %d type = 0x%02X, want 0x%02X", i, types[i], want[i])
		}
	}
}

func TestDescriptorIterator_Malformed(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want int
	}{
		{"empty", nil, 0},
		{"zero length", []byte{0, 0x04, 1, 2}, 0},
		{"overruns buffer", []byte{9, 0x02, 9, 0, 0, 1, 0, 0x80, 50, 9, 0x04, 0}, 1},
		{"truncated by total length", append(sim.NewConfig(1).Bytes(), 9, 0x04, 0, 0, 0, 0, 0, 0, 0), 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			count := 0
			it := NewDescriptorIterator(tt.data)
			for _, ok := it.Next(); ok; _, ok = it.Next() {
				count++
			}
			if count != tt.want {
				t.Errorf("walked %d descriptors, want %d", count, tt.want)
			}
		})
	}
}

func TestDescriptor_Views(t *testing.T) {
	it := NewDescriptorIterator(rndisConfig())
	it.Next() // configuration

	d, _ := it.Next()
	if _, ok := d.Interface(); ok {
		t.Error("IAD decoded as interface")
	}
	iad, ok := d.Association()
	if !ok || iad.InterfaceCount != 2 {
		t.Errorf("Association() = %+v, %v", iad, ok)
	}

	d, _ = it.Next()
	intf, ok := d.Interface()
	if !ok || intf.InterfaceClass != ClassWireless {
		t.Errorf("Interface() = %+v, %v", intf, ok)
	}

	d, _ = it.Next()
	if d.Subtype() != 0x00 || d.Type() != DescriptorTypeCSInterface {
		t.Errorf("CS header type/subtype = 0x%02X/0x%02X", d.Type(), d.Subtype())
	}
}

func TestFindInterface(t *testing.T) {
	cfg := rndisConfig()

	intf, offset, ok := FindInterface(cfg, 1, 0)
	if !ok {
		t.Fatal("interface 1 not found")
	}
	if intf.NumEndpoints != 2 {
		t.Errorf("NumEndpoints = %d, want 2", intf.NumEndpoints)
	}
	eps := InterfaceEndpoints(cfg, offset)
	if len(eps) != 2 || eps[0].EndpointAddress != 0x81 || eps[1].EndpointAddress != 0x02 {
		t.Errorf("InterfaceEndpoints = %+v", eps)
	}

	_, offset, _ = FindInterface(cfg, 0, 0)
	eps = InterfaceEndpoints(cfg, offset)
	if len(eps) != 1 || !eps[0].IsInterrupt() {
		t.Errorf("control interface endpoints = %+v", eps)
	}

	if _, _, ok := FindInterface(cfg, 2, 0); ok {
		t.Error("found nonexistent interface 2")
	}
}

func TestDecodeStringDescriptor(t *testing.T) {
	data := []byte{10, 0x03, 'R', 0, 'N', 0, 'D', 0, 'I', 0}
	if got := decodeStringDescriptor(data); got != "RNDI" {
		t.Errorf("decodeStringDescriptor = %q, want %q", got, "RNDI")
	}
	if got := decodeStringDescriptor([]byte{2}); got != "" {
		t.Errorf("decodeStringDescriptor(short) = %q, want empty", got)
	}
}

func BenchmarkDescriptorIterator(b *testing.B) {
	cfg := rndisConfig()

	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		it := DescriptorIterator{data: cfg}
		for _, ok := it.Next(); ok; _, ok = it.Next() {
		}
	}
}
