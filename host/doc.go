// Package host implements a pure-Go USB 2.0 host stack.
//
// It is platform-agnostic and interacts with hardware via the [hal.HostHAL]
// interface defined in the github.com/ardnew/cdcnet/host/hal package.
//
// # Architecture
//
//   - Host owns the controller, enumerates devices and delivers events
//   - Device holds the descriptors of an enumerated device
//   - TransferManager runs asynchronous transfers with completion callbacks
//   - DescriptorIterator walks raw configuration descriptors
//
// # Events
//
// Clients register a callback with [Host.RegisterClient]. The host calls
// every client, in registration order, with EventNewDevice after a device is
// configured and EventDeviceGone after it is removed. Events come from a
// single goroutine, so a slow client delays enumeration.
//
// # Asynchronous Transfers
//
// A [Transfer] carries its own buffer and callback:
//
//	t, _ := h.Transfers().Alloc(64)
//	t.Address, t.Endpoint, t.Type = dev.Address(), 0x81, hal.TransferBulk
//	t.NumBytes = len(t.Data)
//	t.Callback = func(t *host.Transfer) {
//	    if t.Status == pkg.TransferStatusSuccess {
//	        consume(t.Data[:t.ActualNumBytes])
//	    }
//	}
//	err := h.Transfers().Submit(t)
//
// An endpoint is torn down with HaltEndpoint, FlushEndpoint and
// ClearEndpoint, in that order. Flushing cancels the transfers in flight and
// waits for their callbacks.
//
// A FIFO-based HAL is available in [github.com/ardnew/cdcnet/host/hal/fifo]
// and an in-memory one in [github.com/ardnew/cdcnet/host/hal/sim].
package host
