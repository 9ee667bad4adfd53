// Package cdc implements a USB host transport for Communications Device
// Class functions and the vendor-specific functions built like them.
//
// # Matching
//
// A [MatchCriteria] list selects devices by vendor, product, release number,
// device class triple and interface class triple or number. An entry with no
// flags ends the list; a list that starts with one matches every device.
//
// # Parsing
//
// [ParseInterface] finds the notification and bulk endpoints of one
// function. It understands CDC communications interfaces followed by their
// data interface (including functions grouped by an interface association
// descriptor) and vendor interfaces that carry two bulk endpoints with an
// optional interrupt endpoint.
//
// # Ports
//
// A [Port] owns the transfers of one function. Inbound and notification
// transfers are resubmitted continuously; their completions are handed to a
// per-port goroutine which fills the receive ring and runs the OnData and
// OnNotification callbacks. Writes go through a transmit ring or, when the
// ring size is zero, straight into the outbound transfer.
//
//	p, err := cdc.Open(h, cdc.PortConfig{
//	    Address:    dev.Address(),
//	    Interface:  0,
//	    RxRingSize: 4096,
//	    TxRingSize: 4096,
//	})
//	if err != nil {
//	    return err
//	}
//	defer p.Close()
//
//	_ = p.Write([]byte("AT\r"), time.Second)
//	n, err := p.Read(buf, time.Second)
//
// # Hot-plug
//
// A [Driver] subscribes to host events. It calls registered new-device
// callbacks for matching devices, opens ports registered with
// [Driver.RegisterPort] when their device arrives and closes every port of
// a device that leaves.
package cdc
