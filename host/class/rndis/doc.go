// Package rndis drives Remote NDIS network functions over a CDC port and
// presents them to a [link.Link] as an Ethernet device.
//
// An [Engine] registers with a [cdc.Driver] for the interface classes RNDIS
// functions use. When a device matches, the engine's goroutine opens a port,
// initializes the device, reads the properties it supports and sets its
// packet filter. It then polls the media state and sends keepalives,
// reporting [link.StageUp] with itself as the [link.Device] when the medium
// connects and [link.StageDown] when it disconnects or the device goes away.
//
// Inbound packet messages are rebuilt from the port's receive ring and each
// Ethernet frame is passed to StackInput. Transmit wraps a frame in a packet
// message and writes it to the bulk OUT endpoint.
//
//	d := cdc.NewDriver(h, reg)
//	e, err := rndis.New(d, rndis.Config{Link: stack})
//	if err != nil {
//	    return err
//	}
//	if err := e.Install(); err != nil {
//	    return err
//	}
//	if err := d.Install(); err != nil {
//	    return err
//	}
//
// One engine binds one device at a time; further matches are ignored until
// the bound device disconnects.
package rndis
