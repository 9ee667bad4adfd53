// Package fifo provides a FIFO-based HAL implementation for USB host stacks.
//
// This package implements the [hal.HostHAL] interface using named pipes
// (FIFOs), so a device can be played by another process, a script or a test.
//
// # Architecture
//
// The host watches a bus directory with fsnotify for subdirectories matching
// `device-*/`. Each device creates its own subdirectory with named pipes:
//
//	/tmp/usb-bus/                    # Bus directory
//	├── device-a1b2c3d4/             # Device 1 subdirectory
//	│   ├── connection               # Connection signaling
//	│   ├── host_to_device           # Host → device control messages
//	│   ├── device_to_host           # Device → host control replies
//	│   ├── ep1_in, ep2_out          # Endpoint data FIFOs, opened on first use
//	│   └── ...                      # (up to ep15)
//	└── device-e5f6g7h8/             # Device 2 subdirectory
//
// The connection FIFO should be created last. The host starts following a
// device once it exists.
//
// # Hot-Plugging
//
// A device writes 0x01 (full speed) or 0x02 (high speed) to its connection
// FIFO to connect and 0x00 to disconnect. Removing the directory also
// disconnects it. Each connected device occupies one root port until it
// disconnects.
//
// # Protocol
//
// Every message on every FIFO uses the same framing:
//
//	[1 byte: message type][2 bytes: length, little-endian][N bytes: payload]
//
// Message types:
//   - 0x01: SETUP, payload is [address][8-byte setup packet][OUT data]
//   - 0x02: DATA, on epN FIFOs and as the reply to an IN control request
//   - 0x03: ACK, reply to a reset or to a control request without IN data
//   - 0x04: NAK
//   - 0x05: STALL
//   - 0x12: Reset, answered with ACK
//
// After a reset the device answers at address 0 until it acknowledges a
// standard SET_ADDRESS request.
//
// # Usage
//
//	controller := fifo.NewHostHAL("/tmp/usb-bus", 4)
//	h := host.New(controller)
//	if err := h.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer h.Stop()
package fifo
