package cdc

import (
	"github.com/efficientgo/core/errors"

	"github.com/ardnew/cdcnet/host"
	"github.com/ardnew/cdcnet/pkg"
)

// InterfaceInfo describes the endpoints of one CDC-family function.
type InterfaceInfo struct {
	// Notification interface and its interrupt IN endpoint. Both nil when
	// the function has no notification endpoint.
	NotifInterface *host.InterfaceDescriptor
	NotifEndpoint  *host.EndpointDescriptor

	// Data interface and its bulk endpoints.
	DataInterface host.InterfaceDescriptor
	In            host.EndpointDescriptor
	Out           host.EndpointDescriptor
}

// HasNotification reports whether the function has a notification endpoint.
func (i *InterfaceInfo) HasNotification() bool {
	return i.NotifEndpoint != nil
}

// ParseInterface classifies interface index of the configuration descriptor
// config and returns its notification and bulk endpoints. Three shapes are
// recognised:
//
//   - a CDC communications interface followed by its data interface, either
//     on a CDC device or grouped by an interface association descriptor
//   - a vendor-specific interface with an interrupt and two bulk endpoints
//   - a vendor-specific interface with two bulk endpoints
//
// It returns pkg.ErrNotFound when the interface or either bulk endpoint is
// missing.
func ParseInterface(dev *host.DeviceDescriptor, config []byte, index uint8) (*InterfaceInfo, error) {
	if dev == nil || len(config) < host.ConfigurationDescriptorSize {
		return nil, pkg.ErrInvalidArgument
	}

	intf, offset, ok := host.FindInterface(config, index, 0)
	if !ok {
		return nil, errors.Wrapf(pkg.ErrNotFound, "interface %d", index)
	}

	info := &InterfaceInfo{}
	switch {
	case intf.InterfaceClass == host.ClassVendor:
		if intf.NumEndpoints == 3 {
			checkHeader(config, offset, index)
		}
		info.DataInterface = intf
		for _, ep := range host.InterfaceEndpoints(config, offset) {
			info.classify(intf, ep)
		}

	case isCompliant(dev, config, &intf):
		info.DataInterface = intf
		for _, ep := range host.InterfaceEndpoints(config, offset) {
			if ep.IsInterrupt() && ep.IsIn() {
				info.setNotification(intf, ep)
				break
			}
		}
		if data, eps, ok := findDataInterface(config, index+1); ok {
			info.DataInterface = data
			for _, ep := range eps {
				if ep.IsBulk() {
					info.classify(data, ep)
				}
			}
		}
	}

	if info.In.Length == 0 || info.Out.Length == 0 {
		return nil, errors.Wrapf(pkg.ErrNotFound, "bulk endpoints for interface %d", index)
	}
	return info, nil
}

// classify records ep as the notification endpoint or one of the bulk
// endpoints of owner.
func (i *InterfaceInfo) classify(owner host.InterfaceDescriptor, ep host.EndpointDescriptor) {
	switch {
	case ep.IsInterrupt() && ep.IsIn():
		i.setNotification(owner, ep)
	case ep.IsBulk() && ep.IsIn():
		i.In = ep
	case ep.IsBulk():
		i.Out = ep
	}
}

func (i *InterfaceInfo) setNotification(owner host.InterfaceDescriptor, ep host.EndpointDescriptor) {
	i.NotifInterface = &owner
	i.NotifEndpoint = &ep
}

// isCompliant reports whether intf is the communications interface of a
// standard CDC function.
func isCompliant(dev *host.DeviceDescriptor, config []byte, intf *host.InterfaceDescriptor) bool {
	if (dev.DeviceClass == host.ClassPerInterface || dev.DeviceClass == host.ClassCDC) &&
		intf.InterfaceClass == host.ClassCDC {
		return true
	}

	composite := dev.DeviceClass == host.ClassMisc ||
		(dev.DeviceClass == host.ClassPerInterface && dev.DeviceSubClass == 0 && dev.DeviceProtocol == 0)
	if !composite {
		return false
	}

	it := host.NewDescriptorIterator(config)
	for d, ok := it.Next(); ok; d, ok = it.Next() {
		if iad, ok := d.Association(); ok && iad.FirstInterface == intf.InterfaceNumber && iad.InterfaceCount == 2 {
			return true
		}
	}
	return false
}

// findDataInterface returns the first alternate setting of interface number
// with exactly two endpoints.
func findDataInterface(config []byte, number uint8) (host.InterfaceDescriptor, []host.EndpointDescriptor, bool) {
	it := host.NewDescriptorIterator(config)
	for d, ok := it.Next(); ok; d, ok = it.Next() {
		intf, ok := d.Interface()
		if !ok || intf.InterfaceNumber != number || intf.NumEndpoints != 2 {
			continue
		}
		return intf, host.InterfaceEndpoints(config, it.Offset()), true
	}
	return host.InterfaceDescriptor{}, nil, false
}

// checkHeader logs when a vendor interface does not lead with a CDC 1.10
// header. Such devices are still accepted.
func checkHeader(config []byte, offset int, index uint8) {
	it := host.NewDescriptorIterator(config)
	it.Seek(offset)
	d, ok := it.Next()
	if !ok || d.Type() != host.DescriptorTypeCSInterface {
		return
	}
	var hdr HeaderDescriptor
	if !ParseHeaderDescriptor(d, &hdr) || hdr.SubType != SubtypeHeader || hdr.CDCVersion != CDCVersion110 {
		pkg.LogDebug(pkg.ComponentCDC, "unexpected CDC header on vendor interface",
			"interface", index, "subtype", d.Subtype())
	}
}
