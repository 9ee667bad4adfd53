// Package hal defines the host-controller interface consumed by the cdcnet
// host stack.
//
// The host stack implements enumeration, transfer bookkeeping, endpoint
// halt/flush/clear and hot-plug dispatch. A [HostHAL] only moves bytes to and
// from a device and reports connections and disconnections.
//
// # Implementing a HAL
//
//  1. Create a type that implements all [HostHAL] methods
//  2. Route address 0 to the port most recently reset
//  3. Observe SET_ADDRESS to bind the new address to that port
//  4. Honor context cancellation in every transfer
//  5. Fail transfers to a removed device with pkg.ErrNoDevice
//
// Two backends ship with the module: a named-pipe backend in
// [github.com/ardnew/cdcnet/host/hal/fifo] and an in-memory backend with
// scriptable devices in [github.com/ardnew/cdcnet/host/hal/sim].
package hal
