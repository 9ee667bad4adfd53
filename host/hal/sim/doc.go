// Package sim provides an in-memory [hal.HostHAL] with scriptable devices.
//
// A [Device] is built from raw device and configuration descriptors. The
// simulator answers standard requests (GET_DESCRIPTOR, SET_ADDRESS,
// SET_CONFIGURATION, CLEAR_FEATURE) itself and hands class and vendor
// requests to the device's [ControlHandler]. IN data is queued per endpoint
// with [Device.Send]; OUT data goes to the device's [OutHandler].
//
//	ctrl := sim.New(1)
//	dev := sim.NewDevice(devDesc, cfgDesc)
//	dev.Out = func(ep uint8, data []byte) (int, error) { ... }
//	ctrl.Attach(1, dev)
//	...
//	dev.Send(0x81, []byte("OK\r\n"))
//	ctrl.Detach(1)
package sim
