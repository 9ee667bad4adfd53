package cdc

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/efficientgo/core/errors"

	"github.com/ardnew/cdcnet/host"
	"github.com/ardnew/cdcnet/host/hal"
	"github.com/ardnew/cdcnet/pkg"
	"github.com/ardnew/cdcnet/pkg/ringbuf"
)

// Forever may be passed as a timeout to wait without a deadline.
const Forever = ringbuf.Forever

// Port defaults.
const (
	DefaultControlTimeout    = 5 * time.Second
	DefaultControlBufferSize = 1024

	// maxTransferErrors consecutive failures on a polling transfer close
	// the port.
	maxTransferErrors = 8

	// eventQueueSize bounds the completion events waiting for the port
	// goroutine. At most one event per transfer is ever outstanding.
	eventQueueSize = 8
)

// PortState is the lifecycle state of a Port.
type PortState uint8

// Port states. A port is opened once and closed once.
const (
	PortClosed PortState = iota
	PortOpen
)

// String returns the state name.
func (s PortState) String() string {
	if s == PortOpen {
		return "open"
	}
	return "closed"
}

// Direction selects the receive or transmit side of a port.
type Direction uint8

// Port directions.
const (
	DirectionRx Direction = iota
	DirectionTx
)

// PortConfig configures Open.
type PortConfig struct {
	// Address is the device address.
	Address uint8

	// Interface is the number of the interface to parse.
	Interface uint8

	// RxRingSize and TxRingSize are the ring buffer capacities. Zero
	// selects unbuffered I/O on that side.
	RxRingSize int
	TxRingSize int

	// InBufferSize and OutBufferSize size the bulk transfers. Zero uses
	// the endpoint's max packet size.
	InBufferSize  int
	OutBufferSize int

	// ControlBufferSize is the largest control data stage.
	ControlBufferSize int

	// ControlTimeout bounds SendCustomRequest.
	ControlTimeout time.Duration

	// NoNotification skips the notification endpoint even if present.
	NoNotification bool

	// OnOpened is called after the port is open.
	OnOpened func(p *Port)

	// OnClosed is called exactly once, after the port has released its
	// resources. It must not block.
	OnClosed func(p *Port)

	// OnData is called from the port goroutine with the bytes of each
	// inbound transfer. data is only valid during the call.
	OnData func(p *Port, data []byte)

	// OnNotification is called from the port goroutine with the raw
	// payload of each notification transfer.
	OnNotification func(p *Port, data []byte)

	// UserData is carried for the callbacks.
	UserData any
}

func (c *PortConfig) applyDefaults(info *InterfaceInfo) error {
	if c.RxRingSize < 0 || c.TxRingSize < 0 || c.InBufferSize < 0 ||
		c.OutBufferSize < 0 || c.ControlBufferSize < 0 || c.ControlTimeout < 0 {
		return errors.Wrap(pkg.ErrInvalidArgument, "negative port size")
	}
	if c.InBufferSize == 0 {
		c.InBufferSize = int(info.In.MaxPacketSize)
	}
	if c.OutBufferSize == 0 {
		c.OutBufferSize = int(info.Out.MaxPacketSize)
	}
	if c.InBufferSize == 0 || c.OutBufferSize == 0 {
		return errors.Wrap(pkg.ErrInvalidArgument, "zero transfer size")
	}
	if c.ControlBufferSize == 0 {
		c.ControlBufferSize = DefaultControlBufferSize
	}
	if c.ControlTimeout == 0 {
		c.ControlTimeout = DefaultControlTimeout
	}
	return nil
}

type eventKind uint8

const (
	eventIn eventKind = iota
	eventNotification
	eventOut
)

// portEvent is a completion handed from a transfer goroutine to the port
// goroutine.
type portEvent struct {
	kind   eventKind
	status pkg.TransferStatus
}

// Port is an open CDC channel over one device function. All methods are safe
// for concurrent use.
type Port struct {
	host    *host.Host
	dev     *host.Device
	address uint8
	info    *InterfaceInfo
	cfg     PortConfig
	metrics *metrics
	detach  func(*Port)

	mu      sync.Mutex
	state   PortState
	closing chan struct{}
	done    chan struct{}
	events  chan portEvent
	errors  int // consecutive polling failures, port goroutine only

	claimed []uint8

	ctrlMu   sync.Mutex
	ctrl     *host.Transfer
	ctrlDone chan struct{}

	notif *host.Transfer

	in      *host.Transfer
	rx      *ringbuf.Buffer
	rxMu    sync.Mutex
	rxLast  []byte
	rxLen   int
	rxReady chan struct{}

	out      *host.Transfer
	tx       *ringbuf.Buffer
	txMu     sync.Mutex
	txBusy   bool
	txFree   chan struct{}
	txResult chan pkg.TransferStatus
}

// Open opens a port on the device and interface named by cfg. It fails with
// pkg.ErrNotFound when the device or a compatible interface is missing.
// Nothing stays allocated or claimed when Open fails.
func Open(h *host.Host, cfg PortConfig) (*Port, error) {
	return openPort(h, cfg, defaultMetrics, nil)
}

func openPort(h *host.Host, cfg PortConfig, m *metrics, detach func(*Port)) (*Port, error) {
	if h == nil {
		return nil, pkg.ErrInvalidArgument
	}
	dev := h.GetDevice(cfg.Address)
	if dev == nil {
		return nil, errors.Wrapf(pkg.ErrNotFound, "device %d", cfg.Address)
	}
	if dev.GetConfiguration() == 0 {
		return nil, errors.Wrapf(pkg.ErrInvalidState, "device %d is not configured", cfg.Address)
	}
	desc := dev.Descriptor()
	info, err := ParseInterface(&desc, dev.RawConfiguration(), cfg.Interface)
	if err != nil {
		return nil, err
	}
	if err := cfg.applyDefaults(info); err != nil {
		return nil, err
	}

	p := &Port{
		host:     h,
		dev:      dev,
		address:  cfg.Address,
		info:     info,
		cfg:      cfg,
		metrics:  m,
		detach:   detach,
		closing:  make(chan struct{}),
		done:     make(chan struct{}),
		events:   make(chan portEvent, eventQueueSize),
		ctrlDone: make(chan struct{}, 1),
		rxReady:  make(chan struct{}, 1),
		txFree:   make(chan struct{}, 1),
		txResult: make(chan pkg.TransferStatus, 1),
	}
	p.txFree <- struct{}{}

	if err := p.allocate(); err != nil {
		p.release()
		return nil, err
	}
	if err := p.claim(); err != nil {
		p.release()
		return nil, err
	}

	p.state = PortOpen
	p.metrics.portOpened()
	go p.run()

	for _, t := range []*host.Transfer{p.notif, p.in} {
		if t == nil {
			continue
		}
		if err := p.submit(t); err != nil {
			// The caller never sees this port.
			p.cfg.OnClosed, p.detach = nil, nil
			_ = p.close(true)
			return nil, errors.Wrapf(err, "start polling endpoint 0x%02X", t.Endpoint)
		}
	}

	pkg.LogInfo(pkg.ComponentPort, "port opened",
		"address", p.address,
		"interface", p.info.DataInterface.InterfaceNumber,
		"notification", p.info.HasNotification() && p.notif != nil,
		"rxRing", cfg.RxRingSize,
		"txRing", cfg.TxRingSize)

	if cfg.OnOpened != nil {
		cfg.OnOpened(p)
	}
	return p, nil
}

// allocate creates the port's transfers and ring buffers.
func (p *Port) allocate() error {
	tm := p.host.Transfers()
	alloc := func(size int, typ hal.TransferType, ep uint8, cb host.TransferCallback) (*host.Transfer, error) {
		t, err := tm.Alloc(size)
		if err != nil {
			return nil, errors.Wrap(pkg.ErrNoMemory, err.Error())
		}
		t.Address, t.Endpoint, t.Type = p.address, ep, typ
		t.Callback = cb
		t.Context = p
		return t, nil
	}

	var err error
	if p.ctrl, err = alloc(hal.SetupPacketSize+p.cfg.ControlBufferSize, hal.TransferControl, 0, p.controlDone); err != nil {
		return err
	}
	if p.info.HasNotification() && !p.cfg.NoNotification {
		ep := p.info.NotifEndpoint
		if p.notif, err = alloc(int(ep.MaxPacketSize), hal.TransferInterrupt, ep.EndpointAddress,
			p.completion(eventNotification)); err != nil {
			return err
		}
		p.notif.NumBytes = len(p.notif.Data)
	}
	if p.in, err = alloc(p.cfg.InBufferSize, hal.TransferBulk, p.info.In.EndpointAddress, p.completion(eventIn)); err != nil {
		return err
	}
	p.in.NumBytes = len(p.in.Data)
	if p.out, err = alloc(p.cfg.OutBufferSize, hal.TransferBulk, p.info.Out.EndpointAddress, p.completion(eventOut)); err != nil {
		return err
	}

	if p.cfg.RxRingSize > 0 {
		if p.rx, err = ringbuf.New(p.cfg.RxRingSize); err != nil {
			return errors.Wrap(pkg.ErrNoMemory, err.Error())
		}
	} else {
		p.rxLast = make([]byte, p.cfg.InBufferSize)
	}
	if p.cfg.TxRingSize > 0 {
		if p.tx, err = ringbuf.New(p.cfg.TxRingSize); err != nil {
			return errors.Wrap(pkg.ErrNoMemory, err.Error())
		}
	}
	return nil
}

// claim claims the data interface and, when distinct, the notification
// interface.
func (p *Port) claim() error {
	ifaces := []uint8{p.info.DataInterface.InterfaceNumber}
	if p.notif != nil && p.info.NotifInterface.InterfaceNumber != ifaces[0] {
		ifaces = append(ifaces, p.info.NotifInterface.InterfaceNumber)
	}
	for _, iface := range ifaces {
		if err := p.dev.ClaimInterface(iface); err != nil {
			return errors.Wrapf(err, "claim interface %d", iface)
		}
		p.claimed = append(p.claimed, iface)
	}
	return nil
}

// release frees transfers and releases claimed interfaces.
func (p *Port) release() {
	tm := p.host.Transfers()
	for _, t := range []*host.Transfer{p.ctrl, p.notif, p.in, p.out} {
		if t != nil {
			if err := tm.Free(t); err != nil {
				pkg.LogWarn(pkg.ComponentPort, "transfer still in flight on release",
					"address", p.address, "endpoint", t.Endpoint)
			}
		}
	}
	for _, iface := range p.claimed {
		if err := p.dev.ReleaseInterface(iface); err != nil {
			pkg.LogDebug(pkg.ComponentPort, "release interface failed",
				"address", p.address, "interface", iface, "error", err)
		}
	}
	p.claimed = nil
}

// Address returns the device address.
func (p *Port) Address() uint8 { return p.address }

// Device returns the device the port is bound to.
func (p *Port) Device() *host.Device { return p.dev }

// Info returns the parsed interface.
func (p *Port) Info() *InterfaceInfo { return p.info }

// UserData returns PortConfig.UserData.
func (p *Port) UserData() any { return p.cfg.UserData }

// State returns the port state.
func (p *Port) State() PortState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Closed returns a channel closed when Close begins.
func (p *Port) Closed() <-chan struct{} { return p.closing }

func (p *Port) isOpen() bool { return p.State() == PortOpen }

// controlInterface is the interface class requests are addressed to.
func (p *Port) controlInterface() uint8 {
	if p.info.NotifInterface != nil {
		return p.info.NotifInterface.InterfaceNumber
	}
	return p.info.DataInterface.InterfaceNumber
}

// submit starts t while the port is open.
func (p *Port) submit(t *host.Transfer) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != PortOpen {
		return pkg.ErrInvalidState
	}
	return p.host.Transfers().Submit(t)
}

// Close halts, flushes and clears each of the port's endpoints, releases its
// interfaces and calls OnClosed. A second Close returns pkg.ErrInvalidState.
// Close must not be called from OnData or OnNotification.
func (p *Port) Close() error {
	return p.close(true)
}

func (p *Port) close(wait bool) error {
	p.mu.Lock()
	if p.state != PortOpen {
		p.mu.Unlock()
		return pkg.ErrInvalidState
	}
	p.state = PortClosed
	close(p.closing)
	p.mu.Unlock()

	if p.rx != nil {
		p.rx.Close()
	}
	if p.tx != nil {
		p.tx.Close()
	}

	tm := p.host.Transfers()
	for _, t := range []*host.Transfer{p.notif, p.in, p.out} {
		if t == nil {
			continue
		}
		_ = tm.HaltEndpoint(p.address, t.Endpoint)
		if err := tm.FlushEndpoint(p.address, t.Endpoint); err != nil {
			pkg.LogWarn(pkg.ComponentPort, "flush failed", "address", p.address, "endpoint", t.Endpoint, "error", err)
		}
		_ = tm.ClearEndpoint(p.address, t.Endpoint)
	}
	// EP0 is shared with the device's other functions; only this port's
	// request is cancelled.
	tm.Cancel(p.ctrl)
	tm.Wait(p.ctrl)

	if wait {
		<-p.done
	}

	p.ctrlMu.Lock()
	p.txMu.Lock()
	p.release()
	p.txMu.Unlock()
	p.ctrlMu.Unlock()

	p.metrics.portClosed()
	if p.detach != nil {
		p.detach(p)
	}

	pkg.LogInfo(pkg.ComponentPort, "port closed", "address", p.address)
	if p.cfg.OnClosed != nil {
		p.cfg.OnClosed(p)
	}
	return nil
}

// Write queues data for transmission.
//
// With a transmit ring, data is pushed whole, waiting up to timeout for
// room, and transmission starts if the outbound transfer is idle. Without
// one, Write waits up to timeout for the outbound transfer, sends data in one
// transfer and waits for it to complete; data larger than the transfer
// buffer fails with pkg.ErrInvalidSize.
func (p *Port) Write(data []byte, timeout time.Duration) error {
	if !p.isOpen() {
		return pkg.ErrInvalidState
	}
	if p.tx != nil {
		if err := p.tx.Push(data, timeout); err != nil {
			return err
		}
		return p.kickTx()
	}
	return p.writeDirect(data, timeout)
}

// kickTx starts the outbound transfer from the ring if it is idle.
func (p *Port) kickTx() error {
	p.txMu.Lock()
	defer p.txMu.Unlock()
	if p.txBusy || !p.isOpen() {
		return nil
	}
	n, err := p.tx.Pop(p.out.Data, 0)
	if err != nil || n == 0 {
		return nil
	}
	p.out.NumBytes = n
	if err := p.submit(p.out); err != nil {
		return err
	}
	p.txBusy = true
	return nil
}

func (p *Port) writeDirect(data []byte, timeout time.Duration) error {
	if len(data) > p.cfg.OutBufferSize {
		return errors.Wrapf(pkg.ErrInvalidSize, "write of %d bytes exceeds %d byte transfer", len(data), p.cfg.OutBufferSize)
	}

	expired, stop := deadline(timeout)
	defer stop()

	select {
	case <-p.txFree:
	case <-p.closing:
		return pkg.ErrInvalidState
	default:
		if timeout == 0 {
			return pkg.ErrTimeout
		}
		select {
		case <-p.txFree:
		case <-p.closing:
			return pkg.ErrInvalidState
		case <-expired:
			return pkg.ErrTimeout
		}
	}

	if err := p.startDirect(data); err != nil {
		p.txFree <- struct{}{}
		return err
	}

	var status pkg.TransferStatus
	select {
	case status = <-p.txResult:
	case <-p.closing:
		return pkg.ErrInvalidState
	case <-expired:
		p.host.Transfers().Cancel(p.out)
		select {
		case <-p.txResult:
		case <-p.closing:
			return pkg.ErrInvalidState
		}
		p.txFree <- struct{}{}
		return pkg.ErrTimeout
	}
	p.txFree <- struct{}{}
	if err := status.Error(); err != nil {
		return errors.Wrap(err, "write")
	}
	return nil
}

// startDirect copies data into the outbound transfer and submits it. The
// transfer buffer is freed under txMu once the port closes.
func (p *Port) startDirect(data []byte) error {
	p.txMu.Lock()
	defer p.txMu.Unlock()
	if !p.isOpen() {
		return pkg.ErrInvalidState
	}
	p.out.NumBytes = copy(p.out.Data, data)
	return p.submit(p.out)
}

// Read copies received bytes into buf.
//
// With a receive ring, Read pops up to len(buf) bytes, waiting up to timeout
// for at least one; it fails with pkg.ErrFail if none arrive. Without one,
// Read returns the bytes of the next completed inbound transfer and len(buf)
// must equal the inbound transfer size. Closing the port wakes a blocked Read
// with pkg.ErrInvalidState.
func (p *Port) Read(buf []byte, timeout time.Duration) (int, error) {
	if !p.isOpen() {
		return 0, pkg.ErrInvalidState
	}
	if p.rx != nil {
		return p.rx.Pop(buf, timeout)
	}
	if len(buf) != len(p.rxLast) {
		return 0, errors.Wrapf(pkg.ErrInvalidArgument, "unbuffered read needs %d bytes, got %d", len(p.rxLast), len(buf))
	}

	expired, stop := deadline(timeout)
	defer stop()
	select {
	case <-p.rxReady:
	default:
		if timeout == 0 {
			return 0, pkg.ErrFail
		}
		select {
		case <-p.rxReady:
		case <-p.closing:
			return 0, pkg.ErrInvalidState
		case <-expired:
			return 0, pkg.ErrFail
		}
	}

	p.rxMu.Lock()
	defer p.rxMu.Unlock()
	return copy(buf, p.rxLast[:p.rxLen]), nil
}

// Flush discards the buffered bytes of one direction. It fails with
// pkg.ErrNotSupported when that direction is unbuffered.
func (p *Port) Flush(dir Direction) error {
	if !p.isOpen() {
		return pkg.ErrInvalidState
	}
	ring := p.ring(dir)
	if ring == nil {
		return pkg.ErrNotSupported
	}
	ring.Reset()
	return nil
}

// Buffered returns the number of bytes held in one direction's ring.
func (p *Port) Buffered(dir Direction) (int, error) {
	if !p.isOpen() {
		return 0, pkg.ErrInvalidState
	}
	ring := p.ring(dir)
	if ring == nil {
		return 0, pkg.ErrNotSupported
	}
	return ring.Len(), nil
}

// Peek copies buffered receive bytes into buf without consuming them.
func (p *Port) Peek(buf []byte) (int, error) {
	if !p.isOpen() {
		return 0, pkg.ErrInvalidState
	}
	if p.rx == nil {
		return 0, pkg.ErrNotSupported
	}
	return p.rx.Peek(buf), nil
}

func (p *Port) ring(dir Direction) *ringbuf.Buffer {
	if dir == DirectionTx {
		return p.tx
	}
	return p.rx
}

// SendCustomRequest runs one control request on the default pipe. For IN
// requests (bit 7 of bmRequestType set) up to len(data) bytes are read into
// data; otherwise data is sent. It returns the data-stage length.
//
// On timeout the default pipe is halted, flushed and cleared before
// pkg.ErrTimeout is returned.
func (p *Port) SendCustomRequest(bmRequestType, bRequest uint8, wValue, wIndex uint16, data []byte) (int, error) {
	p.ctrlMu.Lock()
	defer p.ctrlMu.Unlock()

	if !p.isOpen() {
		return 0, pkg.ErrInvalidState
	}
	if len(data) > len(p.ctrl.Data)-hal.SetupPacketSize {
		return 0, errors.Wrapf(pkg.ErrInvalidSize, "control data of %d bytes", len(data))
	}

	setup := hal.SetupPacket{
		RequestType: bmRequestType,
		Request:     bRequest,
		Value:       wValue,
		Index:       wIndex,
		Length:      uint16(len(data)),
	}
	setup.MarshalTo(p.ctrl.Data)
	in := setup.IsIn()
	if !in {
		copy(p.ctrl.Data[hal.SetupPacketSize:], data)
	}
	p.ctrl.NumBytes = hal.SetupPacketSize + len(data)

	select {
	case <-p.ctrlDone:
	default:
	}
	if err := p.submit(p.ctrl); err != nil {
		return 0, err
	}

	timer := time.NewTimer(p.cfg.ControlTimeout)
	defer timer.Stop()
	select {
	case <-p.ctrlDone:
	case <-p.closing:
		p.host.Transfers().Cancel(p.ctrl)
		<-p.ctrlDone
		return 0, pkg.ErrInvalidState
	case <-timer.C:
		p.resetControl()
		<-p.ctrlDone
		return 0, errors.Wrapf(pkg.ErrTimeout, "control request 0x%02X", bRequest)
	}

	if err := p.ctrl.Status.Error(); err != nil {
		return 0, errors.Wrapf(err, "control request 0x%02X", bRequest)
	}
	n := max(p.ctrl.ActualNumBytes-hal.SetupPacketSize, 0)
	if in {
		n = copy(data, p.ctrl.Data[hal.SetupPacketSize:hal.SetupPacketSize+n])
	}
	return n, nil
}

// ResetControl halts, flushes and clears the device's default pipe, ending
// any request in flight on it.
func (p *Port) ResetControl() {
	if !p.isOpen() {
		return
	}
	p.resetControl()
}

// resetControl halts, flushes and clears the device's default pipe.
func (p *Port) resetControl() {
	tm := p.host.Transfers()
	_ = tm.HaltEndpoint(p.address, 0)
	if err := tm.FlushEndpoint(p.address, 0); err != nil {
		pkg.LogWarn(pkg.ComponentPort, "control flush failed", "address", p.address, "error", err)
	}
	_ = tm.ClearEndpoint(p.address, 0)
	pkg.LogWarn(pkg.ComponentPort, "default pipe reset", "address", p.address)
}

// SetControlLineState sends SET_CONTROL_LINE_STATE.
func (p *Port) SetControlLineState(dtr, rts bool) error {
	var value uint16
	if dtr {
		value |= ControlLineDTR
	}
	if rts {
		value |= ControlLineRTS
	}
	_, err := p.SendCustomRequest(RequestTypeClassOut, RequestSetControlLineState, value, uint16(p.controlInterface()), nil)
	return err
}

// SetLineCoding sends SET_LINE_CODING.
func (p *Port) SetLineCoding(lc LineCoding) error {
	var buf [LineCodingSize]byte
	lc.MarshalTo(buf[:])
	_, err := p.SendCustomRequest(RequestTypeClassOut, RequestSetLineCoding, 0, uint16(p.controlInterface()), buf[:])
	return err
}

// controlDone runs on the transfer goroutine.
func (p *Port) controlDone(*host.Transfer) {
	select {
	case p.ctrlDone <- struct{}{}:
	default:
	}
}

// completion returns a transfer callback that hands the completion to the
// port goroutine.
func (p *Port) completion(kind eventKind) host.TransferCallback {
	return func(t *host.Transfer) {
		select {
		case p.events <- portEvent{kind: kind, status: t.Status}:
		case <-p.done:
		}
	}
}

// run is the port goroutine. It owns ring pushes, user callbacks and
// resubmission.
func (p *Port) run() {
	defer close(p.done)
	for {
		select {
		case <-p.closing:
			return
		case <-p.dev.Gone():
			pkg.LogInfo(pkg.ComponentPort, "device gone", "address", p.address)
			_ = p.close(false)
			return
		case ev := <-p.events:
			if !p.handle(ev) {
				_ = p.close(false)
				return
			}
		}
	}
}

// handle processes one completion. It returns false when the port must close.
func (p *Port) handle(ev portEvent) bool {
	switch ev.kind {
	case eventOut:
		return p.handleOut(ev.status)
	case eventNotification:
		return p.handlePoll(p.notif, ev.status, p.deliverNotification)
	default:
		return p.handlePoll(p.in, ev.status, p.deliverData)
	}
}

// handlePoll delivers a polling transfer's bytes and resubmits it.
func (p *Port) handlePoll(t *host.Transfer, status pkg.TransferStatus, deliver func([]byte)) bool {
	switch {
	case status.Terminal():
		return true
	case status == pkg.TransferStatusSuccess:
		p.errors = 0
		deliver(t.Data[:t.ActualNumBytes])
	default:
		p.errors++
		pkg.LogWarn(pkg.ComponentPort, "transfer failed",
			"address", p.address, "endpoint", t.Endpoint, "status", status, "consecutive", p.errors)
		if p.errors >= maxTransferErrors {
			pkg.LogError(pkg.ComponentPort, "unrecoverable transfer error, closing port",
				"address", p.address, "endpoint", t.Endpoint)
			return false
		}
		if status == pkg.TransferStatusStall {
			p.clearHalt(t.Endpoint)
		}
	}

	t.NumBytes = len(t.Data)
	if err := p.submit(t); err != nil && !stateError(err) {
		pkg.LogWarn(pkg.ComponentPort, "resubmit failed", "address", p.address, "endpoint", t.Endpoint, "error", err)
	}
	return true
}

// clearHalt sends CLEAR_FEATURE(ENDPOINT_HALT) so a stalled endpoint accepts
// the resubmitted transfer.
func (p *Port) clearHalt(endpoint uint8) {
	p.ctrlMu.Lock()
	defer p.ctrlMu.Unlock()
	if !p.isOpen() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ControlTimeout)
	defer cancel()
	if err := p.dev.ClearEndpointHalt(ctx, endpoint); err != nil {
		pkg.LogWarn(pkg.ComponentPort, "clear halt failed", "address", p.address, "endpoint", endpoint, "error", err)
		return
	}
	p.metrics.haltCleared()
	pkg.LogDebug(pkg.ComponentPort, "endpoint halt cleared", "address", p.address, "endpoint", endpoint)
}

func (p *Port) deliverData(data []byte) {
	if p.rx != nil {
		if err := p.rx.Push(data, 0); err != nil && !stderrors.Is(err, pkg.ErrInvalidState) {
			p.metrics.rxOverflow(len(data))
			pkg.LogWarn(pkg.ComponentPort, "receive ring full, dropping data",
				"address", p.address, "bytes", len(data), "buffered", p.rx.Len())
		}
	} else {
		p.rxMu.Lock()
		p.rxLen = copy(p.rxLast, data)
		p.rxMu.Unlock()
		select {
		case p.rxReady <- struct{}{}:
		default:
		}
	}
	if p.cfg.OnData != nil {
		p.cfg.OnData(p, data)
	}
}

func (p *Port) deliverNotification(data []byte) {
	if p.cfg.OnNotification != nil {
		p.cfg.OnNotification(p, data)
	}
}

// handleOut continues draining the transmit ring or reports the result of an
// unbuffered write.
func (p *Port) handleOut(status pkg.TransferStatus) bool {
	if p.tx == nil {
		select {
		case p.txResult <- status:
		default:
		}
		return true
	}

	p.txMu.Lock()
	p.txBusy = false
	p.txMu.Unlock()

	if status.Terminal() {
		return true
	}
	if status != pkg.TransferStatusSuccess {
		pkg.LogWarn(pkg.ComponentPort, "outbound transfer failed", "address", p.address, "status", status)
	}
	if err := p.kickTx(); err != nil && !stateError(err) {
		pkg.LogWarn(pkg.ComponentPort, "outbound resubmit failed", "address", p.address, "error", err)
	}
	return true
}

// stateError reports errors expected while a port is closing.
func stateError(err error) bool {
	return stderrors.Is(err, pkg.ErrInvalidState) ||
		stderrors.Is(err, pkg.ErrHalted) ||
		stderrors.Is(err, pkg.ErrNotRunning)
}

// deadline returns a channel that fires after timeout. Forever never fires.
func deadline(timeout time.Duration) (<-chan time.Time, func()) {
	if timeout < 0 {
		return nil, func() {}
	}
	timer := time.NewTimer(timeout)
	return timer.C, func() { timer.Stop() }
}
