package fifo

import (
	"context"
	"encoding/binary"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/efficientgo/core/errors"
	"github.com/fsnotify/fsnotify"

	"github.com/ardnew/cdcnet/host/hal"
	"github.com/ardnew/cdcnet/pkg"
)

// Message types for FIFO protocol.
const (
	msgSetup = 0x01 // SETUP packet
	msgData  = 0x02 // DATA packet
	msgAck   = 0x03 // ACK response
	msgNak   = 0x04 // NAK response
	msgStall = 0x05 // STALL response
	msgReset = 0x12 // Port reset
)

// Connection signal bytes (one-way signaling from device).
const (
	sigDisconnect       = 0x00 // Device disconnected
	sigConnect          = 0x01 // Device connected at full speed
	sigConnectHighSpeed = 0x02 // Device connected at high speed
)

// Framing.
const (
	headerSize     = 3      // Message header size (type + length)
	maxPayloadSize = 0xFFFF // Largest payload a header can describe
)

const (
	// DefaultNumPorts is used when NewHostHAL is given a non-positive count.
	DefaultNumPorts = 4

	// ControlTimeout bounds one control exchange with a device.
	ControlTimeout = 5 * time.Second

	// MaxEndpoints is the maximum number of data endpoints (1-15).
	MaxEndpoints = 15

	// readSlice is how often blocked reads and writes look for cancellation.
	readSlice = 50 * time.Millisecond
)

// FIFO file names (inside each device subdirectory).
const (
	devicePrefix     = "device-"
	fifoHostToDevice = "host_to_device"
	fifoDeviceToHost = "device_to_host"
	fifoConnection   = "connection"
)

// pipe is one lazily opened FIFO with its own lock and message buffer.
type pipe struct {
	mu   sync.Mutex
	file *os.File
	buf  []byte
}

func (p *pipe) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.file != nil {
		p.file.Close()
		p.file = nil
	}
}

// deviceConn represents a connected device.
type deviceConn struct {
	dir   string
	port  int
	speed hal.Speed

	control  pipe     // host_to_device, serializes control exchanges
	response *os.File // device_to_host, read under control.mu

	in  [MaxEndpoints + 1]pipe // epN_in, host reads
	out [MaxEndpoints + 1]pipe // epN_out, host writes

	gone     chan struct{}
	goneOnce sync.Once
}

// endpoint returns the locked pipe for an endpoint address, opening its FIFO
// on first use. The caller unlocks it.
func (d *deviceConn) endpoint(ep uint8) (*pipe, error) {
	num := ep & 0x0F
	if num == 0 || num > MaxEndpoints {
		return nil, pkg.ErrInvalidEndpoint
	}
	p, name := &d.out[num], fmt.Sprintf("ep%d_out", num)
	if ep&0x80 != 0 {
		p, name = &d.in[num], fmt.Sprintf("ep%d_in", num)
	}

	p.mu.Lock()
	select {
	case <-d.gone:
		p.mu.Unlock()
		return nil, pkg.ErrNoDevice
	default:
	}
	if p.file == nil {
		f, err := os.OpenFile(filepath.Join(d.dir, name), os.O_RDWR, 0)
		if err != nil {
			p.mu.Unlock()
			return nil, errors.Wrapf(pkg.ErrInvalidEndpoint, "open %s: %v", name, err)
		}
		p.file = f
	}
	return p, nil
}

// close marks the device gone and closes every FIFO. Blocked reads notice
// within readSlice.
func (d *deviceConn) close() {
	d.goneOnce.Do(func() { close(d.gone) })

	d.control.mu.Lock()
	if d.control.file != nil {
		d.control.file.Close()
		d.control.file = nil
	}
	if d.response != nil {
		d.response.Close()
		d.response = nil
	}
	d.control.mu.Unlock()

	for i := range d.in {
		d.in[i].close()
		d.out[i].close()
	}
}

// watch tracks one device directory handler.
type watch struct {
	cancel context.CancelFunc
}

// HostHAL implements the hal.HostHAL interface using named pipes.
// It watches a bus directory for device subdirectories and assigns each
// connected device to a free root port.
type HostHAL struct {
	busDir string

	mu          sync.RWMutex
	ports       []*deviceConn // index port-1
	byAddress   map[hal.DeviceAddress]*deviceConn
	defaultPort int
	watched     map[string]*watch
	running     bool

	connectCh    chan int
	disconnectCh chan int

	watcher *fsnotify.Watcher
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewHostHAL creates a new FIFO-based host HAL with numPorts root ports.
// Devices create their own subdirectories (e.g., device-{uuid}/) in busDir.
func NewHostHAL(busDir string, numPorts int) *HostHAL {
	if numPorts <= 0 {
		numPorts = DefaultNumPorts
	}
	return &HostHAL{
		busDir:       filepath.Clean(busDir),
		ports:        make([]*deviceConn, numPorts),
		byAddress:    make(map[hal.DeviceAddress]*deviceConn),
		watched:      make(map[string]*watch),
		connectCh:    make(chan int, numPorts*4),
		disconnectCh: make(chan int, numPorts*4),
	}
}

// Init creates the bus directory and starts watching it.
func (h *HostHAL) Init(ctx context.Context) error {
	if err := os.MkdirAll(h.busDir, 0o755); err != nil {
		return errors.Wrapf(err, "create bus directory %s", h.busDir)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "create bus watcher")
	}
	if err := watcher.Add(h.busDir); err != nil {
		watcher.Close()
		return errors.Wrapf(err, "watch bus directory %s", h.busDir)
	}

	h.mu.Lock()
	h.watcher = watcher
	h.ctx, h.cancel = context.WithCancel(context.WithoutCancel(ctx))
	h.mu.Unlock()

	pkg.LogInfo(pkg.ComponentHAL, "host FIFO HAL initialized", "busDir", h.busDir, "ports", len(h.ports))
	return nil
}

// Start begins reporting devices, including those already on the bus.
func (h *HostHAL) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.watcher == nil {
		return errors.Wrap(pkg.ErrInvalidState, "start before init")
	}
	if h.running {
		return pkg.ErrAlreadyRunning
	}
	h.running = true

	h.wg.Add(1)
	go h.watchBus(h.watcher)

	pkg.LogInfo(pkg.ComponentHAL, "host FIFO HAL started")
	return nil
}

// Stop stops watching the bus and closes every device.
func (h *HostHAL) Stop() error {
	h.mu.Lock()
	if h.cancel == nil {
		h.mu.Unlock()
		return nil
	}
	h.cancel()
	watcher := h.watcher
	h.watcher, h.cancel, h.running = nil, nil, false
	h.mu.Unlock()

	watcher.Close()
	h.wg.Wait()

	h.mu.Lock()
	for i, dev := range h.ports {
		if dev != nil {
			dev.close()
			h.ports[i] = nil
		}
	}
	clear(h.byAddress)
	clear(h.watched)
	h.defaultPort = 0
	h.mu.Unlock()

	pkg.LogInfo(pkg.ComponentHAL, "host FIFO HAL stopped")
	return nil
}

// Close releases all resources.
func (h *HostHAL) Close() error {
	return h.Stop()
}

// NumPorts returns the number of root hub ports.
func (h *HostHAL) NumPorts() int {
	return len(h.ports)
}

// GetPortStatus returns the status of a port.
func (h *HostHAL) GetPortStatus(port int) (hal.PortStatus, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if port < 1 || port > len(h.ports) {
		return hal.PortStatus{}, errors.Wrapf(pkg.ErrInvalidArgument, "port %d", port)
	}
	dev := h.ports[port-1]
	if dev == nil {
		return hal.PortStatus{PowerOn: true}, nil
	}
	return hal.PortStatus{
		Connected: true,
		Enabled:   true,
		PowerOn:   true,
		Speed:     dev.speed,
	}, nil
}

// ResetPort sends a reset to the device on port. The device answers at
// address 0 afterwards.
func (h *HostHAL) ResetPort(port int) error {
	h.mu.RLock()
	if port < 1 || port > len(h.ports) {
		h.mu.RUnlock()
		return errors.Wrapf(pkg.ErrInvalidArgument, "port %d", port)
	}
	dev, ctx := h.ports[port-1], h.ctx
	h.mu.RUnlock()
	if dev == nil {
		return errors.Wrapf(pkg.ErrNoDevice, "port %d", port)
	}

	typ, _, err := h.exchange(ctx, dev, msgReset, nil, nil)
	if err != nil {
		return errors.Wrapf(err, "reset port %d", port)
	}
	if typ != msgAck {
		return errors.Wrapf(pkg.ErrProtocol, "reset port %d: reply 0x%02X", port, typ)
	}

	h.mu.Lock()
	h.unbind(dev)
	h.defaultPort = port
	h.mu.Unlock()

	pkg.LogDebug(pkg.ComponentHAL, "port reset complete", "port", port)
	return nil
}

// ControlTransfer performs a control transfer. A successful standard
// SET_ADDRESS binds the new address to the device.
func (h *HostHAL) ControlTransfer(ctx context.Context, addr hal.DeviceAddress, setup *hal.SetupPacket, data []byte) (int, error) {
	dev, err := h.lookup(addr)
	if err != nil {
		return 0, err
	}

	isIn := setup.IsIn()
	payload := make([]byte, 1+hal.SetupPacketSize, 1+hal.SetupPacketSize+len(data))
	payload[0] = byte(addr)
	setup.MarshalTo(payload[1:])
	if !isIn {
		payload = append(payload, data...)
	}

	var reply []byte
	if isIn {
		reply = data
	}
	typ, n, err := h.exchange(ctx, dev, msgSetup, payload, reply)
	if err != nil {
		return n, err
	}

	switch typ {
	case msgData:
		return n, nil
	case msgAck:
		if setup.RequestType == 0x00 && setup.Request == requestSetAddress {
			h.mu.Lock()
			h.unbind(dev)
			h.byAddress[hal.DeviceAddress(setup.Value)] = dev
			h.mu.Unlock()
			pkg.LogDebug(pkg.ComponentHAL, "device address set", "port", dev.port, "address", setup.Value)
		}
		if isIn {
			return 0, nil
		}
		return len(data), nil
	case msgNak:
		return 0, pkg.ErrNAK
	case msgStall:
		return 0, pkg.ErrStall
	default:
		return 0, errors.Wrapf(pkg.ErrProtocol, "control reply 0x%02X", typ)
	}
}

// requestSetAddress is the standard SET_ADDRESS request code.
const requestSetAddress = 0x05

// BulkTransfer performs a bulk transfer.
func (h *HostHAL) BulkTransfer(ctx context.Context, addr hal.DeviceAddress, endpoint uint8, data []byte) (int, error) {
	return h.dataTransfer(ctx, addr, endpoint, data)
}

// InterruptTransfer performs an interrupt transfer. Interrupt endpoints use
// the same epN FIFOs as bulk endpoints.
func (h *HostHAL) InterruptTransfer(ctx context.Context, addr hal.DeviceAddress, endpoint uint8, data []byte) (int, error) {
	return h.dataTransfer(ctx, addr, endpoint, data)
}

// ClaimInterface is a no-op; interfaces of FIFO devices are never shared.
func (h *HostHAL) ClaimInterface(addr hal.DeviceAddress, iface uint8) error {
	_, err := h.lookup(addr)
	return err
}

// ReleaseInterface is a no-op.
func (h *HostHAL) ReleaseInterface(addr hal.DeviceAddress, iface uint8) error {
	return nil
}

// WaitForConnection waits for a device to connect.
func (h *HostHAL) WaitForConnection(ctx context.Context) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case port := <-h.connectCh:
		return port, nil
	}
}

// WaitForDisconnection waits for a device to disconnect.
func (h *HostHAL) WaitForDisconnection(ctx context.Context) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case port := <-h.disconnectCh:
		return port, nil
	}
}

// lookup resolves a device address. Address 0 is the most recently reset port.
func (h *HostHAL) lookup(addr hal.DeviceAddress) (*deviceConn, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if addr == 0 {
		if h.defaultPort == 0 || h.ports[h.defaultPort-1] == nil {
			return nil, errors.Wrap(pkg.ErrNoDevice, "no device at default address")
		}
		return h.ports[h.defaultPort-1], nil
	}
	dev, ok := h.byAddress[addr]
	if !ok {
		return nil, errors.Wrapf(pkg.ErrNoDevice, "address %d", addr)
	}
	return dev, nil
}

// unbind forgets every address of dev. Caller holds mu.
func (h *HostHAL) unbind(dev *deviceConn) {
	for addr, d := range h.byAddress {
		if d == dev {
			delete(h.byAddress, addr)
		}
	}
}

// exchange writes one message on the device's control FIFO and reads the
// reply, copying its payload into reply.
func (h *HostHAL) exchange(ctx context.Context, dev *deviceConn, msgType byte, payload, reply []byte) (byte, int, error) {
	if len(payload) > maxPayloadSize {
		return 0, 0, errors.Wrapf(pkg.ErrInvalidSize, "control payload %d bytes", len(payload))
	}
	ctx, cancel := context.WithTimeout(ctx, ControlTimeout)
	defer cancel()

	dev.control.mu.Lock()
	defer dev.control.mu.Unlock()
	if dev.control.file == nil {
		return 0, 0, pkg.ErrNoDevice
	}

	dev.control.buf = frame(dev.control.buf, msgType, payload)
	if err := writeFull(ctx, dev, dev.control.file, dev.control.buf); err != nil {
		return 0, 0, err
	}
	return readMessage(ctx, dev, dev.response, reply)
}

// dataTransfer moves one DATA message on an endpoint FIFO.
func (h *HostHAL) dataTransfer(ctx context.Context, addr hal.DeviceAddress, endpoint uint8, data []byte) (int, error) {
	dev, err := h.lookup(addr)
	if err != nil {
		return 0, err
	}
	p, err := dev.endpoint(endpoint)
	if err != nil {
		return 0, err
	}
	defer p.mu.Unlock()

	if endpoint&0x80 != 0 {
		typ, n, err := readMessage(ctx, dev, p.file, data)
		if err != nil {
			return n, err
		}
		switch typ {
		case msgData:
			return n, nil
		case msgStall:
			return 0, pkg.ErrStall
		default:
			return 0, errors.Wrapf(pkg.ErrProtocol, "endpoint 0x%02X message 0x%02X", endpoint, typ)
		}
	}

	if len(data) > maxPayloadSize {
		return 0, errors.Wrapf(pkg.ErrInvalidSize, "transfer of %d bytes", len(data))
	}
	p.buf = frame(p.buf, msgData, data)
	if err := writeFull(ctx, dev, p.file, p.buf); err != nil {
		return 0, err
	}
	return len(data), nil
}

// frame encodes [type][length][payload] into buf, growing it if needed.
func frame(buf []byte, msgType byte, payload []byte) []byte {
	buf = append(buf[:0], msgType, 0, 0)
	binary.LittleEndian.PutUint16(buf[1:headerSize], uint16(len(payload)))
	return append(buf, payload...)
}

// readMessage reads one framed message from f. A payload longer than dst is
// consumed and reported as pkg.ErrOverrun.
func readMessage(ctx context.Context, dev *deviceConn, f *os.File, dst []byte) (byte, int, error) {
	var hdr [headerSize]byte
	if err := readFull(ctx, dev, f, hdr[:], true); err != nil {
		return 0, 0, err
	}
	length := int(binary.LittleEndian.Uint16(hdr[1:]))
	n := min(length, len(dst))
	if err := readFull(ctx, dev, f, dst[:n], false); err != nil {
		return hdr[0], 0, err
	}
	if length > n {
		var scratch [256]byte
		for rest := length - n; rest > 0; {
			m := min(rest, len(scratch))
			if err := readFull(ctx, dev, f, scratch[:m], false); err != nil {
				return hdr[0], n, err
			}
			rest -= m
		}
		return hdr[0], n, pkg.ErrOverrun
	}
	return hdr[0], n, nil
}

// readFull fills p from f. When cancellable, ctx is honoured until the first
// byte arrives; after that only device removal interrupts the read, so a
// message is never split.
func readFull(ctx context.Context, dev *deviceConn, f *os.File, p []byte, cancellable bool) error {
	if f == nil {
		return pkg.ErrNoDevice
	}
	for off := 0; off < len(p); {
		if cancellable && off == 0 {
			if err := ctx.Err(); err != nil {
				return contextError(err)
			}
		}
		select {
		case <-dev.gone:
			return pkg.ErrNoDevice
		default:
		}

		_ = f.SetReadDeadline(time.Now().Add(readSlice))
		n, err := f.Read(p[off:])
		off += n
		if err != nil {
			switch {
			case stderrors.Is(err, os.ErrDeadlineExceeded):
				continue
			case stderrors.Is(err, os.ErrClosed):
				return pkg.ErrNoDevice
			default:
				return errors.Wrap(err, "read fifo")
			}
		}
	}
	return nil
}

// writeFull writes p to f with the same cancellation rules as readFull.
func writeFull(ctx context.Context, dev *deviceConn, f *os.File, p []byte) error {
	for off := 0; off < len(p); {
		if off == 0 {
			if err := ctx.Err(); err != nil {
				return contextError(err)
			}
		}
		select {
		case <-dev.gone:
			return pkg.ErrNoDevice
		default:
		}

		_ = f.SetWriteDeadline(time.Now().Add(readSlice))
		n, err := f.Write(p[off:])
		off += n
		if err != nil {
			switch {
			case stderrors.Is(err, os.ErrDeadlineExceeded):
				continue
			case stderrors.Is(err, os.ErrClosed):
				return pkg.ErrNoDevice
			default:
				return errors.Wrap(err, "write fifo")
			}
		}
	}
	return nil
}

func contextError(err error) error {
	if stderrors.Is(err, context.DeadlineExceeded) {
		return errors.Wrap(pkg.ErrTimeout, err.Error())
	}
	return errors.Wrap(pkg.ErrCancelled, err.Error())
}

// watchBus follows the bus directory until Stop.
func (h *HostHAL) watchBus(watcher *fsnotify.Watcher) {
	defer h.wg.Done()

	entries, err := os.ReadDir(h.busDir)
	if err != nil {
		pkg.LogWarn(pkg.ComponentHotplug, "failed to scan bus directory", "dir", h.busDir, "error", err)
	}
	for _, entry := range entries {
		if entry.IsDir() && strings.HasPrefix(entry.Name(), devicePrefix) {
			h.watchDeviceDir(watcher, filepath.Join(h.busDir, entry.Name()))
		}
	}

	for {
		select {
		case <-h.ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			h.handleEvent(watcher, ev)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			pkg.LogWarn(pkg.ComponentHotplug, "bus watcher error", "error", err)
		}
	}
}

func (h *HostHAL) handleEvent(watcher *fsnotify.Watcher, ev fsnotify.Event) {
	name := filepath.Clean(ev.Name)
	parent := filepath.Dir(name)

	switch {
	case ev.Has(fsnotify.Create) && parent == h.busDir && isDeviceDir(name):
		h.watchDeviceDir(watcher, name)

	case ev.Has(fsnotify.Create) && filepath.Base(name) == fifoConnection &&
		filepath.Dir(parent) == h.busDir && strings.HasPrefix(filepath.Base(parent), devicePrefix):
		h.track(parent)

	case ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename):
		if parent == h.busDir && strings.HasPrefix(filepath.Base(name), devicePrefix) {
			pkg.LogDebug(pkg.ComponentHotplug, "device directory removed", "dir", name)
			h.untrack(name, nil)
		}
	}
}

func isDeviceDir(path string) bool {
	if !strings.HasPrefix(filepath.Base(path), devicePrefix) {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// watchDeviceDir adds dir to the watcher and tracks it once its connection
// FIFO exists.
func (h *HostHAL) watchDeviceDir(watcher *fsnotify.Watcher, dir string) {
	if err := watcher.Add(dir); err != nil {
		pkg.LogWarn(pkg.ComponentHotplug, "failed to watch device directory", "dir", dir, "error", err)
	}
	if _, err := os.Stat(filepath.Join(dir, fifoConnection)); err == nil {
		h.track(dir)
	}
}

// track starts a handler for dir unless one is running.
func (h *HostHAL) track(dir string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.watched[dir]; ok || h.ctx == nil || h.ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithCancel(h.ctx)
	w := &watch{cancel: cancel}
	h.watched[dir] = w

	pkg.LogDebug(pkg.ComponentHotplug, "monitoring device directory", "dir", dir)
	h.wg.Add(1)
	go h.handleDeviceDirectory(ctx, dir, w)
}

// untrack stops the handler for dir. A non-nil w only matches that handler.
func (h *HostHAL) untrack(dir string, w *watch) {
	h.mu.Lock()
	cur, ok := h.watched[dir]
	if !ok || (w != nil && cur != w) {
		h.mu.Unlock()
		return
	}
	delete(h.watched, dir)
	h.mu.Unlock()
	cur.cancel()
}

// handleDeviceDirectory follows the connection FIFO of one device directory.
func (h *HostHAL) handleDeviceDirectory(ctx context.Context, dir string, w *watch) {
	defer h.wg.Done()
	defer h.untrack(dir, w)

	conn, err := os.OpenFile(filepath.Join(dir, fifoConnection), os.O_RDWR, 0)
	if err != nil {
		pkg.LogWarn(pkg.ComponentHotplug, "failed to open connection FIFO", "dir", dir, "error", err)
		return
	}
	defer conn.Close()

	var dev *deviceConn
	defer func() {
		if dev != nil {
			h.disconnect(dev)
		}
	}()

	var sig [1]byte
	for {
		if ctx.Err() != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(readSlice))
		n, err := conn.Read(sig[:])
		if err != nil {
			if stderrors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			pkg.LogWarn(pkg.ComponentHotplug, "connection FIFO closed", "dir", dir, "error", err)
			return
		}
		if n == 0 {
			continue
		}

		switch sig[0] {
		case sigConnect, sigConnectHighSpeed:
			if dev != nil {
				continue
			}
			speed := hal.SpeedFull
			if sig[0] == sigConnectHighSpeed {
				speed = hal.SpeedHigh
			}
			dev, err = h.connect(dir, speed)
			if err != nil {
				pkg.LogWarn(pkg.ComponentHotplug, "failed to connect device", "dir", dir, "error", err)
				dev = nil
			}

		case sigDisconnect:
			if dev != nil {
				h.disconnect(dev)
				dev = nil
			}

		default:
			pkg.LogDebug(pkg.ComponentHotplug, "unknown connection signal", "dir", dir, "signal", sig[0])
		}
	}
}

// connect opens the control FIFOs of dir and plugs it into a free port.
func (h *HostHAL) connect(dir string, speed hal.Speed) (*deviceConn, error) {
	dev := &deviceConn{dir: dir, speed: speed, gone: make(chan struct{})}

	var err error
	dev.control.file, err = os.OpenFile(filepath.Join(dir, fifoHostToDevice), os.O_RDWR, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", fifoHostToDevice)
	}
	dev.response, err = os.OpenFile(filepath.Join(dir, fifoDeviceToHost), os.O_RDWR, 0)
	if err != nil {
		dev.close()
		return nil, errors.Wrapf(err, "open %s", fifoDeviceToHost)
	}

	h.mu.Lock()
	for i, d := range h.ports {
		if d == nil {
			dev.port = i + 1
			h.ports[i] = dev
			break
		}
	}
	h.mu.Unlock()
	if dev.port == 0 {
		dev.close()
		return nil, errors.Wrapf(pkg.ErrBusy, "all %d ports in use", len(h.ports))
	}

	pkg.LogInfo(pkg.ComponentHAL, "device connected", "port", dev.port, "speed", speed, "dir", dir)
	select {
	case h.connectCh <- dev.port:
	case <-h.ctx.Done():
	}
	return dev, nil
}

// disconnect unplugs dev and reports its port.
func (h *HostHAL) disconnect(dev *deviceConn) {
	h.mu.Lock()
	plugged := dev.port > 0 && h.ports[dev.port-1] == dev
	if plugged {
		h.ports[dev.port-1] = nil
		h.unbind(dev)
		if h.defaultPort == dev.port {
			h.defaultPort = 0
		}
	}
	h.mu.Unlock()

	dev.close()
	if !plugged {
		return
	}

	pkg.LogInfo(pkg.ComponentHAL, "device disconnected", "port", dev.port, "dir", dev.dir)
	select {
	case h.disconnectCh <- dev.port:
	case <-h.ctx.Done():
	}
}

// Ensure HostHAL implements hal.HostHAL.
var _ hal.HostHAL = (*HostHAL)(nil)
