package rndis

import (
	stderrors "errors"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/efficientgo/core/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ardnew/cdcnet/host"
	"github.com/ardnew/cdcnet/host/class/cdc"
	"github.com/ardnew/cdcnet/link"
	"github.com/ardnew/cdcnet/pkg"
)

// Engine defaults.
const (
	DefaultInitialPollInterval = 200 * time.Millisecond
	DefaultPollInterval        = 5 * time.Second
	DefaultControlTimeout      = 5 * time.Second
	DefaultTransmitTimeout     = time.Second
	DefaultRxRingSize          = 4 * DefaultMaxTransferSize

	// responsePollInterval paces GET_ENCAPSULATED_RESPONSE while waiting for
	// a completion the device has not announced.
	responsePollInterval = 10 * time.Millisecond
)

// DefaultMatch selects the interface classes RNDIS functions are published
// under.
var DefaultMatch = []cdc.MatchCriteria{
	{
		Flags:          cdc.MatchIntClass | cdc.MatchIntSubClass | cdc.MatchIntProtocol,
		InterfaceClass: host.ClassWireless, InterfaceSubClass: 0x01, InterfaceProtocol: 0x03,
	},
	{
		Flags:          cdc.MatchIntClass | cdc.MatchIntSubClass | cdc.MatchIntProtocol,
		InterfaceClass: host.ClassCDC, InterfaceSubClass: cdc.SubclassACM, InterfaceProtocol: cdc.ProtocolVendor,
	},
	{
		Flags:          cdc.MatchIntClass | cdc.MatchIntSubClass | cdc.MatchIntProtocol,
		InterfaceClass: host.ClassMisc, InterfaceSubClass: 0x04, InterfaceProtocol: 0x01,
	},
}

// State is the connection state of an Engine.
type State uint8

// Engine states.
const (
	StateDisconnected State = iota
	StateNegotiating
	StateConnected
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Config configures an Engine.
type Config struct {
	// Link receives stage changes and inbound frames. Required.
	Link link.Link

	// Match selects the devices to bind. Nil uses DefaultMatch.
	Match []cdc.MatchCriteria

	// MaxTransferSize is offered to the device in INITIALIZE and sizes the
	// bulk transfers.
	MaxTransferSize uint32

	// RxRingSize is the capacity of the receive ring.
	RxRingSize int

	// TxRingSize is the capacity of the transmit ring. Zero writes each
	// packet message straight into the bulk OUT transfer and waits for it.
	TxRingSize int

	// PacketFilter is set on the device after negotiation.
	PacketFilter uint32

	// Multicast is the multicast address list set on the device.
	Multicast []net.HardwareAddr

	// InitialPollInterval paces link polling until the link first comes up;
	// PollInterval is used afterwards.
	InitialPollInterval time.Duration
	PollInterval        time.Duration

	// ControlTimeout bounds one control exchange.
	ControlTimeout time.Duration

	// TransmitTimeout bounds one Transmit.
	TransmitTimeout time.Duration

	// Registerer receives the engine's metrics when not nil.
	Registerer prometheus.Registerer
}

func (c *Config) applyDefaults() error {
	if c.Link == nil {
		return errors.Wrap(pkg.ErrInvalidArgument, "nil link")
	}
	if c.Match == nil {
		c.Match = DefaultMatch
	}
	if c.MaxTransferSize == 0 {
		c.MaxTransferSize = DefaultMaxTransferSize
	}
	if c.MaxTransferSize < PacketHeaderSize+EthernetMaxFrameSize {
		return errors.Wrapf(pkg.ErrInvalidArgument, "max transfer size %d below one frame", c.MaxTransferSize)
	}
	if c.RxRingSize == 0 {
		c.RxRingSize = DefaultRxRingSize
	}
	if c.RxRingSize < int(c.MaxTransferSize) {
		return errors.Wrapf(pkg.ErrInvalidArgument, "receive ring %d smaller than one transfer", c.RxRingSize)
	}
	if c.TxRingSize < 0 || (c.TxRingSize > 0 && c.TxRingSize < PacketHeaderSize+EthernetMaxFrameSize) {
		return errors.Wrapf(pkg.ErrInvalidArgument, "transmit ring %d below one frame", c.TxRingSize)
	}
	if c.PacketFilter == 0 {
		c.PacketFilter = DefaultPacketFilter
	}
	if c.InitialPollInterval == 0 {
		c.InitialPollInterval = DefaultInitialPollInterval
	}
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.ControlTimeout == 0 {
		c.ControlTimeout = DefaultControlTimeout
	}
	if c.TransmitTimeout == 0 {
		c.TransmitTimeout = DefaultTransmitTimeout
	}
	return nil
}

// Info is what negotiation learned about the device.
type Info struct {
	MaxPacketsPerTransfer uint32
	MaxTransferSize       uint32
	PacketAlignmentFactor uint32
	Medium                uint32
	PhysicalMedium        uint32
	MaxFrameSize          uint32
	MaxTotalSize          uint32
	LinkSpeed             uint32 // in units of 100 bit/s
	MaxMulticastList      uint32
	PermanentAddress      net.HardwareAddr
	CurrentAddress        net.HardwareAddr
	SupportedOIDs         []uint32
}

func (i Info) clone() Info {
	i.PermanentAddress = slices.Clone(i.PermanentAddress)
	i.CurrentAddress = slices.Clone(i.CurrentAddress)
	i.SupportedOIDs = slices.Clone(i.SupportedOIDs)
	return i
}

// Event bits for the driving goroutine.
const (
	eventConnect uint32 = 1 << iota
	eventDisconnect
	eventLinkChange
	eventResponse
	eventData
)

// eventGroup is a set of pending event bits with a wake-up signal.
type eventGroup struct {
	mu   sync.Mutex
	bits uint32
	wake chan struct{}
}

func (g *eventGroup) set(bits uint32) {
	g.mu.Lock()
	g.bits |= bits
	g.mu.Unlock()
	select {
	case g.wake <- struct{}{}:
	default:
	}
}

func (g *eventGroup) take() uint32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	bits := g.bits
	g.bits = 0
	return bits
}

// candidate is a matched device waiting for the driving goroutine.
type candidate struct {
	address uint8
	intf    uint8
}

// Engine runs the RNDIS protocol over one CDC port at a time and presents
// the device to a link.Link.
type Engine struct {
	driver  *cdc.Driver
	cfg     Config
	metrics *metrics

	events    eventGroup
	respAvail chan struct{}

	mu        sync.Mutex
	installed bool
	regID     cdc.RegistrationID
	stop      chan struct{}
	done      chan struct{}
	state     State
	port      *cdc.Port
	ctrlIntf  uint8
	info      Info
	linkUp    bool
	pending   *candidate

	txMu  sync.Mutex
	txBuf []byte

	// Owned by the driving goroutine.
	requestID uint32
	reported  bool
	everUp    bool
	rx        receiver
	ctrlBuf   []byte
	respBuf   []byte
}

// New returns an engine that binds devices through driver.
func New(driver *cdc.Driver, cfg Config) (*Engine, error) {
	if driver == nil {
		return nil, errors.Wrap(pkg.ErrInvalidArgument, "nil driver")
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return &Engine{
		driver:    driver,
		cfg:       cfg,
		metrics:   newMetrics(cfg.Registerer),
		events:    eventGroup{wake: make(chan struct{}, 1)},
		respAvail: make(chan struct{}, 1),
		ctrlBuf:   make([]byte, DefaultResponseBufSize),
		respBuf:   make([]byte, DefaultResponseBufSize),
	}, nil
}

// Install registers for matching devices and starts the driving goroutine.
// Register the engine before installing the driver so devices present at
// that time are seen.
func (e *Engine) Install() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.installed {
		return pkg.ErrInvalidState
	}
	id, err := e.driver.RegisterNewDevCallback(e.cfg.Match, e.onNewDevice, nil)
	if err != nil {
		return err
	}
	e.regID = id
	e.stop = make(chan struct{})
	e.done = make(chan struct{})
	e.installed = true
	go e.run(e.stop, e.done)
	pkg.LogInfo(pkg.ComponentRNDIS, "rndis engine installed")
	return nil
}

// Uninstall stops the driving goroutine, halting and closing the bound
// device, then drops the device registration.
func (e *Engine) Uninstall() error {
	e.mu.Lock()
	if !e.installed {
		e.mu.Unlock()
		return pkg.ErrInvalidState
	}
	e.installed = false
	stop, done, id := e.stop, e.done, e.regID
	e.mu.Unlock()

	close(stop)
	<-done
	if err := e.driver.UnregisterNewDevCallback(id); err != nil {
		pkg.LogWarn(pkg.ComponentRNDIS, "unregister failed", "error", err)
	}

	e.mu.Lock()
	e.pending = nil
	e.mu.Unlock()
	pkg.LogInfo(pkg.ComponentRNDIS, "rndis engine uninstalled")
	return nil
}

// State returns the connection state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// LinkUp reports the last known media state of a connected device.
func (e *Engine) LinkUp() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.linkUp && e.state == StateConnected
}

// Info returns what negotiation learned about the connected device.
func (e *Engine) Info() (Info, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateConnected {
		return Info{}, pkg.ErrInvalidState
	}
	return e.info.clone(), nil
}

// MACAddress implements link.Device. It returns the device's current
// address, falling back to its permanent address.
func (e *Engine) MACAddress() (net.HardwareAddr, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateConnected {
		return nil, pkg.ErrInvalidState
	}
	switch {
	case len(e.info.CurrentAddress) == MACAddressSize:
		return slices.Clone(e.info.CurrentAddress), nil
	case len(e.info.PermanentAddress) == MACAddressSize:
		return slices.Clone(e.info.PermanentAddress), nil
	default:
		return nil, errors.Wrap(pkg.ErrNotFound, "device reported no MAC address")
	}
}

// Transmit implements link.Device. It wraps frame in a packet message and
// writes it, waiting up to the transmit timeout.
func (e *Engine) Transmit(frame []byte) error {
	if len(frame) == 0 {
		return pkg.ErrInvalidArgument
	}
	e.mu.Lock()
	port, state, limit := e.port, e.state, e.info.MaxTransferSize
	e.mu.Unlock()
	if port == nil || state != StateConnected {
		return pkg.ErrInvalidState
	}
	size := PacketHeaderSize + len(frame)
	if size > int(e.cfg.MaxTransferSize) || (limit != 0 && size > int(limit)) {
		return errors.Wrapf(pkg.ErrInvalidSize, "frame of %d bytes", len(frame))
	}

	e.txMu.Lock()
	defer e.txMu.Unlock()
	e.txBuf = AppendPacket(e.txBuf[:0], frame)
	if err := port.Write(e.txBuf, e.cfg.TransmitTimeout); err != nil {
		return errors.Wrap(err, "transmit")
	}
	e.metrics.txFrames.Inc()
	return nil
}

// onNewDevice runs on the host event goroutine.
func (e *Engine) onNewDevice(dev *host.Device, intf uint8, _ any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateDisconnected || e.pending != nil {
		pkg.LogInfo(pkg.ComponentRNDIS, "already bound, ignoring device", "address", dev.Address())
		return
	}
	e.pending = &candidate{address: dev.Address(), intf: intf}
	e.events.set(eventConnect)
}

// onNotification runs on the port goroutine. Every notification on an RNDIS
// function announces a response.
func (e *Engine) onNotification(*cdc.Port, []byte) {
	select {
	case e.respAvail <- struct{}{}:
	default:
	}
	e.events.set(eventResponse)
}

func (e *Engine) onPortClosed(p *cdc.Port) {
	e.mu.Lock()
	current := e.port == p
	e.mu.Unlock()
	if current {
		e.events.set(eventDisconnect)
	}
}

func (e *Engine) currentPort() *cdc.Port {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateConnected {
		return nil
	}
	return e.port
}

func (e *Engine) interval() time.Duration {
	if e.everUp {
		return e.cfg.PollInterval
	}
	return e.cfg.InitialPollInterval
}

// run is the driving goroutine.
func (e *Engine) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	interval := e.interval()
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		timedOut := false
		select {
		case <-stop:
			e.teardown()
			return
		case <-e.events.wake:
		case <-timer.C:
			timedOut = true
		}

		e.handle(e.events.take(), timedOut)

		if next := e.interval(); timedOut || next != interval {
			interval = next
			timer.Reset(interval)
		}
	}
}

func (e *Engine) handle(bits uint32, timedOut bool) {
	if bits&eventConnect != 0 {
		e.connect()
	}
	if bits&eventDisconnect != 0 {
		e.disconnect()
	}
	if bits&eventResponse != 0 {
		e.fetchUnsolicited()
	}
	if bits&eventLinkChange != 0 {
		e.reportLink()
	}
	if bits&eventData != 0 {
		e.receive()
	}
	if timedOut {
		e.poll()
	}
}

func (e *Engine) connect() {
	e.mu.Lock()
	c := e.pending
	e.pending = nil
	if c == nil || e.state != StateDisconnected {
		e.mu.Unlock()
		return
	}
	e.state = StateNegotiating
	e.ctrlIntf = c.intf
	e.mu.Unlock()

	log := []any{"address", c.address, "interface", c.intf}
	pkg.LogInfo(pkg.ComponentRNDIS, "negotiating", log...)

	port, err := e.driver.Open(cdc.PortConfig{
		Address:           c.address,
		Interface:         c.intf,
		RxRingSize:        e.cfg.RxRingSize,
		TxRingSize:        e.cfg.TxRingSize,
		InBufferSize:      int(e.cfg.MaxTransferSize),
		OutBufferSize:     int(e.cfg.MaxTransferSize),
		ControlBufferSize: DefaultResponseBufSize,
		ControlTimeout:    e.cfg.ControlTimeout,
		OnData:            func(*cdc.Port, []byte) { e.events.set(eventData) },
		OnNotification:    e.onNotification,
		OnClosed:          e.onPortClosed,
	})
	if err != nil {
		pkg.LogError(pkg.ComponentRNDIS, "open failed", append(log, "error", err)...)
		e.setState(StateDisconnected, nil)
		return
	}
	e.setState(StateNegotiating, port)
	e.requestID = 0
	e.rx.reset()

	info, up, err := e.negotiate(port)
	if err != nil {
		pkg.LogError(pkg.ComponentRNDIS, "negotiation failed", append(log, "error", err)...)
		e.setState(StateDisconnected, nil)
		_ = port.Close()
		e.metrics.connectFailures.Inc()
		return
	}

	e.mu.Lock()
	e.info = info
	e.linkUp = up
	e.state = StateConnected
	e.mu.Unlock()
	e.metrics.connects.Inc()

	pkg.LogInfo(pkg.ComponentRNDIS, "connected", append(log,
		"mac", info.CurrentAddress,
		"maxTransfer", info.MaxTransferSize,
		"packetsPerTransfer", info.MaxPacketsPerTransfer,
		"linkUp", up)...)

	bits := eventData
	if up {
		bits |= eventLinkChange
	}
	e.events.set(bits)
}

func (e *Engine) setState(state State, port *cdc.Port) {
	e.mu.Lock()
	e.state = state
	e.port = port
	if state == StateDisconnected {
		e.linkUp = false
	}
	e.mu.Unlock()
}

func (e *Engine) disconnect() {
	e.mu.Lock()
	wasBound := e.port != nil
	e.mu.Unlock()
	e.setState(StateDisconnected, nil)

	e.requestID = 0
	e.everUp = false
	e.rx.reset()
	if e.reported {
		e.reported = false
		e.metrics.linkUp.Set(0)
		e.cfg.Link.OnStageChanged(link.StageDown, nil)
	}
	if wasBound {
		pkg.LogInfo(pkg.ComponentRNDIS, "disconnected")
	}
}

// teardown halts and releases the bound device when the engine stops.
func (e *Engine) teardown() {
	e.mu.Lock()
	port := e.port
	e.mu.Unlock()

	if port != nil {
		if err := e.halt(port); err != nil {
			pkg.LogDebug(pkg.ComponentRNDIS, "halt failed", "error", err)
		}
		e.setState(StateDisconnected, nil)
		_ = port.Close()
	}
	e.disconnect()
}

// reportLink tells the link about a media state it has not seen yet.
func (e *Engine) reportLink() {
	e.mu.Lock()
	up := e.linkUp && e.state == StateConnected
	e.mu.Unlock()
	if up == e.reported {
		return
	}
	e.reported = up
	if up {
		e.everUp = true
		e.metrics.linkUp.Set(1)
		pkg.LogInfo(pkg.ComponentRNDIS, "link up")
		e.cfg.Link.OnStageChanged(link.StageUp, e)
		return
	}
	e.metrics.linkUp.Set(0)
	pkg.LogInfo(pkg.ComponentRNDIS, "link down")
	e.cfg.Link.OnStageChanged(link.StageDown, nil)
}

// setLink records a media state and raises a link change when it flipped.
func (e *Engine) setLink(up bool) {
	e.mu.Lock()
	changed := e.linkUp != up
	e.linkUp = up
	e.mu.Unlock()
	if changed {
		e.events.set(eventLinkChange)
	}
}

// poll refreshes the media state and keeps the device alive.
func (e *Engine) poll() {
	port := e.currentPort()
	if port == nil {
		return
	}
	status, err := e.queryUint32(port, OIDGenMediaConnectStatus)
	if err != nil {
		pkg.LogWarn(pkg.ComponentRNDIS, "media status query failed", "error", err)
	} else {
		e.setLink(status == MediaStateConnected)
	}
	if err := e.keepalive(port); err != nil {
		e.metrics.keepaliveFailures.Inc()
		pkg.LogWarn(pkg.ComponentRNDIS, "keepalive failed", "error", err)
	}
}

// receive delivers the complete packets in the receive ring.
func (e *Engine) receive() {
	port := e.currentPort()
	if port == nil {
		return
	}
	delivered, dropped := e.rx.drain(portSource{port: port, cap: e.cfg.RxRingSize}, func(frame []byte) {
		if err := e.cfg.Link.StackInput(frame); err != nil {
			e.metrics.rxDropped.Inc()
			pkg.LogDebug(pkg.ComponentRNDIS, "stack dropped frame", "bytes", len(frame), "error", err)
		}
	})
	e.metrics.rxFrames.Add(float64(delivered))
	e.metrics.rxDropped.Add(float64(dropped))
}

// fetchUnsolicited reads responses the device announced outside an
// exchange.
func (e *Engine) fetchUnsolicited() {
	port := e.currentPort()
	if port == nil {
		return
	}
	for range 4 {
		resp, err := e.fetch(port)
		if err != nil || resp == nil {
			return
		}
		e.dispatchUnsolicited(port, resp)
	}
}

// dispatchUnsolicited handles a device-initiated message. It reports whether
// the message was one.
func (e *Engine) dispatchUnsolicited(port *cdc.Port, resp []byte) bool {
	var h Header
	if !ParseHeader(resp, &h) {
		return false
	}
	switch h.Type {
	case MsgIndicateStatus:
		var ind IndicateStatus
		if err := ParseIndicateStatus(resp, &ind); err != nil {
			pkg.LogWarn(pkg.ComponentRNDIS, "bad status indication", "error", err)
			return true
		}
		switch ind.Status {
		case StatusMediaConnect:
			e.setLink(true)
		case StatusMediaDisconnect:
			e.setLink(false)
		default:
			pkg.LogDebug(pkg.ComponentRNDIS, "status indication", "status", ind.Status)
		}
		return true

	case MsgKeepalive:
		if len(resp) < KeepaliveMsgSize {
			return true
		}
		var buf [KeepaliveCmpltSize]byte
		MarshalKeepaliveCmplt(buf[:], le.Uint32(resp[8:]))
		if _, err := port.SendCustomRequest(cdc.RequestTypeClassOut, cdc.RequestSendEncapsulatedCommand,
			0, uint16(e.ctrlIntf), buf[:]); err != nil {
			pkg.LogDebug(pkg.ComponentRNDIS, "keepalive reply failed", "error", err)
		}
		return true
	}
	return false
}

func (e *Engine) nextRequestID() uint32 {
	e.requestID++
	return e.requestID
}

// fetch reads one encapsulated response. It returns nil when the device had
// nothing to say.
func (e *Engine) fetch(port *cdc.Port) ([]byte, error) {
	n, err := port.SendCustomRequest(cdc.RequestTypeClassIn, cdc.RequestGetEncapsulatedResponse,
		0, uint16(e.ctrlIntf), e.respBuf)
	if err != nil {
		return nil, err
	}
	if n < HeaderSize {
		return nil, nil
	}
	return e.respBuf[:n], nil
}

// transact sends msg and waits for the completion of type want carrying the
// same request ID. The returned slice is valid until the next exchange.
func (e *Engine) transact(port *cdc.Port, msg []byte, want uint32) ([]byte, error) {
	requestID := le.Uint32(msg[8:])
	select {
	case <-e.respAvail:
	default:
	}
	if _, err := port.SendCustomRequest(cdc.RequestTypeClassOut, cdc.RequestSendEncapsulatedCommand,
		0, uint16(e.ctrlIntf), msg); err != nil {
		return nil, errors.Wrap(err, "send encapsulated command")
	}

	deadline := time.NewTimer(e.cfg.ControlTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(responsePollInterval)
	defer ticker.Stop()

	expired := func() error {
		port.ResetControl()
		return errors.Wrapf(pkg.ErrTimeout, "waiting for response 0x%08X to request %d", want, requestID)
	}

	for {
		select {
		case <-deadline.C:
			return nil, expired()
		default:
		}

		resp, err := e.fetch(port)
		switch {
		case err != nil && (stderrors.Is(err, pkg.ErrInvalidState) ||
			stderrors.Is(err, pkg.ErrNoDevice) || stderrors.Is(err, pkg.ErrTimeout)):
			return nil, errors.Wrap(err, "get encapsulated response")
		case err != nil:
			pkg.LogDebug(pkg.ComponentRNDIS, "response poll failed", "error", err)
		case resp != nil:
			var c Completion
			if e.dispatchUnsolicited(port, resp) {
				continue
			}
			if err := ParseCompletion(resp, &c); err == nil && c.Type == want && c.RequestID == requestID {
				return resp, nil
			}
			pkg.LogDebug(pkg.ComponentRNDIS, "discarding unexpected response",
				"type", le.Uint32(resp), "want", want, "request", requestID)
			continue
		}

		select {
		case <-e.respAvail:
		case <-ticker.C:
		case <-deadline.C:
			return nil, expired()
		}
	}
}

func statusError(op string, status uint32) error {
	if status == StatusSuccess {
		return nil
	}
	if status == StatusNotSupported {
		return errors.Wrapf(pkg.ErrNotSupported, "%s", op)
	}
	return errors.Wrapf(pkg.ErrFail, "%s: status 0x%08X", op, status)
}

func (e *Engine) initialize(port *cdc.Port) (InitializeCmplt, error) {
	msg := InitializeMsg{
		RequestID:       e.nextRequestID(),
		MajorVersion:    MajorVersion,
		MinorVersion:    MinorVersion,
		MaxTransferSize: e.cfg.MaxTransferSize,
	}
	n := msg.MarshalTo(e.ctrlBuf)
	resp, err := e.transact(port, e.ctrlBuf[:n], MsgInitializeCmplt)
	if err != nil {
		return InitializeCmplt{}, errors.Wrap(err, "initialize")
	}
	var c InitializeCmplt
	if err := ParseInitializeCmplt(resp, &c); err != nil {
		return InitializeCmplt{}, err
	}
	return c, statusError("initialize", c.Status)
}

// query returns a copy of the information buffer for oid.
func (e *Engine) query(port *cdc.Port, oid uint32) ([]byte, error) {
	msg := OIDMsg{Type: MsgQuery, RequestID: e.nextRequestID(), OID: oid}
	n := msg.MarshalTo(e.ctrlBuf)
	resp, err := e.transact(port, e.ctrlBuf[:n], MsgQueryCmplt)
	if err != nil {
		return nil, errors.Wrapf(err, "query OID 0x%08X", oid)
	}
	var c QueryCmplt
	if err := ParseQueryCmplt(resp, &c); err != nil {
		return nil, err
	}
	if err := statusError("query", c.Status); err != nil {
		return nil, errors.Wrapf(err, "OID 0x%08X", oid)
	}
	return slices.Clone(c.Buffer), nil
}

func (e *Engine) queryUint32(port *cdc.Port, oid uint32) (uint32, error) {
	buf, err := e.query(port, oid)
	if err != nil {
		return 0, err
	}
	return uint32Value(oid, buf)
}

func (e *Engine) queryMAC(port *cdc.Port, oid uint32) (net.HardwareAddr, error) {
	buf, err := e.query(port, oid)
	if err != nil {
		return nil, err
	}
	if len(buf) != MACAddressSize {
		return nil, errors.Wrapf(pkg.ErrProtocol, "OID 0x%08X returned %d bytes, want %d", oid, len(buf), MACAddressSize)
	}
	return net.HardwareAddr(buf), nil
}

func (e *Engine) set(port *cdc.Port, oid uint32, value []byte) error {
	msg := OIDMsg{Type: MsgSet, RequestID: e.nextRequestID(), OID: oid, Buffer: value}
	if msg.Size() > len(e.ctrlBuf) {
		return errors.Wrapf(pkg.ErrInvalidSize, "set OID 0x%08X with %d bytes", oid, len(value))
	}
	n := msg.MarshalTo(e.ctrlBuf)
	resp, err := e.transact(port, e.ctrlBuf[:n], MsgSetCmplt)
	if err != nil {
		return errors.Wrapf(err, "set OID 0x%08X", oid)
	}
	var c Completion
	if err := ParseCompletion(resp, &c); err != nil {
		return err
	}
	if err := statusError("set", c.Status); err != nil {
		return errors.Wrapf(err, "OID 0x%08X", oid)
	}
	return nil
}

func (e *Engine) keepalive(port *cdc.Port) error {
	msg := KeepaliveMsg{RequestID: e.nextRequestID()}
	n := msg.MarshalTo(e.ctrlBuf)
	resp, err := e.transact(port, e.ctrlBuf[:n], MsgKeepaliveCmplt)
	if err != nil {
		return err
	}
	var c Completion
	if err := ParseCompletion(resp, &c); err != nil {
		return err
	}
	return statusError("keepalive", c.Status)
}

// halt tells the device the host is going away. There is no reply.
func (e *Engine) halt(port *cdc.Port) error {
	msg := HaltMsg{RequestID: e.nextRequestID()}
	n := msg.MarshalTo(e.ctrlBuf)
	_, err := port.SendCustomRequest(cdc.RequestTypeClassOut, cdc.RequestSendEncapsulatedCommand,
		0, uint16(e.ctrlIntf), e.ctrlBuf[:n])
	return err
}

// negotiate initializes the device, reads the properties it supports and
// configures its filters. It returns the media state.
func (e *Engine) negotiate(port *cdc.Port) (Info, bool, error) {
	var info Info
	c, err := e.initialize(port)
	if err != nil {
		return info, false, err
	}
	if c.Medium != Medium802_3 {
		return info, false, errors.Wrapf(pkg.ErrNotSupported, "medium %d", c.Medium)
	}
	info.Medium = c.Medium
	info.MaxPacketsPerTransfer = c.MaxPacketsPerTransfer
	info.MaxTransferSize = c.MaxTransferSize
	info.PacketAlignmentFactor = c.PacketAlignmentFactor

	list, err := e.query(port, OIDGenSupportedList)
	if err != nil {
		return info, false, err
	}
	if len(list)%4 != 0 {
		return info, false, errors.Wrapf(pkg.ErrProtocol, "supported list of %d bytes", len(list))
	}
	for i := 0; i+4 <= len(list) && len(info.SupportedOIDs) < maxSupportedListEntries; i += 4 {
		info.SupportedOIDs = append(info.SupportedOIDs, le.Uint32(list[i:]))
	}

	up := false
	for _, oid := range info.SupportedOIDs {
		var v uint32
		switch oid {
		case OIDGenPhysicalMedium, OIDGenMaximumFrameSize, OIDGenLinkSpeed,
			OIDGenMediaConnectStatus, OID8023MaximumListSize, OIDGenMaximumTotalSize:
			if v, err = e.queryUint32(port, oid); err != nil {
				return info, false, err
			}
		case OID8023CurrentAddress, OID8023PermanentAddress:
			mac, err := e.queryMAC(port, oid)
			if err != nil {
				return info, false, err
			}
			if oid == OID8023CurrentAddress {
				info.CurrentAddress = mac
			} else {
				info.PermanentAddress = mac
			}
			continue
		default:
			continue
		}
		switch oid {
		case OIDGenPhysicalMedium:
			info.PhysicalMedium = v
		case OIDGenMaximumFrameSize:
			info.MaxFrameSize = v
		case OIDGenLinkSpeed:
			info.LinkSpeed = v
		case OIDGenMediaConnectStatus:
			up = v == MediaStateConnected
		case OID8023MaximumListSize:
			info.MaxMulticastList = v
		case OIDGenMaximumTotalSize:
			info.MaxTotalSize = v
		}
	}

	if err := e.set(port, OIDGenCurrentPacketFilter, le.AppendUint32(nil, e.cfg.PacketFilter)); err != nil {
		return info, false, err
	}

	var mcast []byte
	for _, addr := range e.cfg.Multicast {
		mcast = append(mcast, addr...)
	}
	if err := e.set(port, OID8023MulticastList, mcast); err != nil {
		if len(e.cfg.Multicast) > 0 {
			return info, false, err
		}
		pkg.LogDebug(pkg.ComponentRNDIS, "device rejected empty multicast list", "error", err)
	}
	return info, up, nil
}
