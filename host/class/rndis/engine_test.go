package rndis

import (
	"context"
	"math"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/cdcnet/host"
	"github.com/ardnew/cdcnet/host/class/cdc"
	"github.com/ardnew/cdcnet/host/hal"
	"github.com/ardnew/cdcnet/host/hal/sim"
	"github.com/ardnew/cdcnet/link"
	"github.com/ardnew/cdcnet/link/channel"
	"github.com/ardnew/cdcnet/pkg"
)

var testMAC = net.HardwareAddr{0x02, 0x00, 0x5E, 0x10, 0x00, 0x01}

// fakeDevice answers the RNDIS control protocol on a simulated device.
type fakeDevice struct {
	sim *sim.Device

	mu         sync.Mutex
	responses  [][]byte
	media      uint32
	initStatus uint32
	filter     uint32
	keepalives int
	halted     bool
	packets    [][]byte
	oids       []uint32
}

func newFakeDevice() *fakeDevice {
	config := sim.NewConfig(1).
		Association(0, 2, host.ClassWireless, 0x01, 0x03).
		Interface(0, 0, 1, host.ClassWireless, 0x01, 0x03).
		Raw(5, host.DescriptorTypeCSInterface, cdc.SubtypeHeader, 0x10, 0x01).
		Endpoint(0x83, host.EndpointTypeInterrupt, 8, 16).
		Interface(1, 0, 2, host.ClassCDCData, 0, 0).
		Endpoint(0x81, host.EndpointTypeBulk, 64, 0).
		Endpoint(0x02, host.EndpointTypeBulk, 64, 0).
		Bytes()
	f := &fakeDevice{
		sim: sim.NewDevice(sim.DeviceDescriptor(host.ClassMisc, 0x02, 0x01, 0x1234, 0x5678), config),
		oids: []uint32{
			OIDGenSupportedList, OIDGenPhysicalMedium, OIDGenMaximumFrameSize,
			OIDGenLinkSpeed, OIDGenMediaConnectStatus, OIDGenCurrentPacketFilter,
			OID8023PermanentAddress, OID8023CurrentAddress, OID8023MulticastList,
			OIDGenVendorDriverVersion,
		},
	}
	f.sim.Control = f.control
	f.sim.Out = f.out
	return f
}

func (f *fakeDevice) control(_ context.Context, setup hal.SetupPacket, data []byte) (int, error) {
	switch {
	case setup.RequestType == cdc.RequestTypeClassOut && setup.Request == cdc.RequestSendEncapsulatedCommand:
		if reply := f.answer(data); reply != nil {
			f.push(reply)
		}
		return len(data), nil

	case setup.RequestType == cdc.RequestTypeClassIn && setup.Request == cdc.RequestGetEncapsulatedResponse:
		f.mu.Lock()
		defer f.mu.Unlock()
		if len(f.responses) == 0 {
			return 0, nil
		}
		n := copy(data, f.responses[0])
		f.responses = f.responses[1:]
		return n, nil
	}
	return 0, pkg.ErrStall
}

// push queues a response and announces it on the interrupt endpoint.
func (f *fakeDevice) push(msg []byte) {
	f.mu.Lock()
	f.responses = append(f.responses, msg)
	f.mu.Unlock()
	_ = f.sim.Send(0x83, []byte{0x01, 0, 0, 0, 0, 0, 0, 0})
}

func (f *fakeDevice) answer(msg []byte) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	typ, id := le.Uint32(msg), le.Uint32(msg[8:])
	switch typ {
	case MsgInitialize:
		return completion(MsgInitializeCmplt, id, f.initStatus,
			MajorVersion, MinorVersion, 1, Medium802_3, 1, DefaultMaxTransferSize, 0, 0, 0)

	case MsgQuery:
		return queryCmplt(id, StatusSuccess, f.query(le.Uint32(msg[12:])))

	case MsgSet:
		if le.Uint32(msg[12:]) == OIDGenCurrentPacketFilter {
			f.filter = le.Uint32(msg[QueryMsgSize:])
		}
		return completion(MsgSetCmplt, id, StatusSuccess)

	case MsgKeepalive:
		f.keepalives++
		return completion(MsgKeepaliveCmplt, id, StatusSuccess)

	case MsgHalt:
		f.halted = true
	}
	return nil
}

func (f *fakeDevice) query(oid uint32) []byte {
	switch oid {
	case OIDGenSupportedList:
		var buf []byte
		for _, o := range f.oids {
			buf = le.AppendUint32(buf, o)
		}
		return buf
	case OIDGenMediaConnectStatus:
		return le.AppendUint32(nil, f.media)
	case OIDGenMaximumFrameSize:
		return le.AppendUint32(nil, 1500)
	case OIDGenLinkSpeed:
		return le.AppendUint32(nil, 1000000)
	case OIDGenPhysicalMedium:
		return le.AppendUint32(nil, 0)
	case OID8023PermanentAddress, OID8023CurrentAddress:
		return testMAC
	}
	return []byte{0, 0, 0, 0}
}

func (f *fakeDevice) out(_ uint8, data []byte) (int, error) {
	f.mu.Lock()
	f.packets = append(f.packets, append([]byte(nil), data...))
	f.mu.Unlock()
	return len(data), nil
}

func (f *fakeDevice) setMedia(state uint32) {
	f.mu.Lock()
	f.media = state
	f.mu.Unlock()
}

func (f *fakeDevice) snapshot() (filter uint32, keepalives int, halted bool, packets [][]byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.filter, f.keepalives, f.halted, append([][]byte(nil), f.packets...)
}

// testRig is an engine bound to a simulated bus.
type testRig struct {
	ctrl   *sim.HostHAL
	host   *host.Host
	driver *cdc.Driver
	engine *Engine
	link   *channel.Endpoint
	reg    *prometheus.Registry
}

func newTestRig(t *testing.T, cfg Config) *testRig {
	t.Helper()
	r := &testRig{
		ctrl: sim.New(1),
		link: channel.New(16),
		reg:  prometheus.NewRegistry(),
	}
	r.host = host.New(r.ctrl)
	require.NoError(t, r.host.Start(context.Background()))
	t.Cleanup(func() { _ = r.host.Stop() })

	r.driver = cdc.NewDriver(r.host, nil)
	cfg.Link = r.link
	cfg.Registerer = r.reg
	if cfg.InitialPollInterval == 0 {
		cfg.InitialPollInterval = 20 * time.Millisecond
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 40 * time.Millisecond
	}
	if cfg.ControlTimeout == 0 {
		cfg.ControlTimeout = 500 * time.Millisecond
	}
	e, err := New(r.driver, cfg)
	require.NoError(t, err)
	r.engine = e

	require.NoError(t, e.Install())
	require.NoError(t, r.driver.Install())
	t.Cleanup(func() {
		_ = e.Uninstall()
		_ = r.driver.Uninstall()
	})
	return r
}

func (r *testRig) stage(t *testing.T) channel.StageChange {
	t.Helper()
	select {
	case sc := <-r.link.Stages:
		return sc
	case <-time.After(3 * time.Second):
		require.FailNow(t, "no stage change")
		return channel.StageChange{}
	}
}

func (r *testRig) noStage(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case sc := <-r.link.Stages:
		assert.Failf(t, "unexpected stage change", "%s", sc.Stage)
	case <-time.After(wait):
	}
}

func (r *testRig) connected(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return r.engine.State() == StateConnected },
		3*time.Second, 5*time.Millisecond)
}

// =============================================================================
// Negotiation and link state
// =============================================================================

func TestEngine_LinkUpOnce(t *testing.T) {
	rig := newTestRig(t, Config{})
	dev := newFakeDevice()
	require.NoError(t, rig.ctrl.Attach(1, dev.sim))

	sc := rig.stage(t)
	assert.Equal(t, link.StageUp, sc.Stage)
	assert.Same(t, rig.engine, sc.Data)
	assert.True(t, rig.engine.LinkUp())
	assert.Equal(t, StateConnected, rig.engine.State())

	rig.noStage(t, 150*time.Millisecond)

	info, err := rig.engine.Info()
	require.NoError(t, err)
	assert.Equal(t, uint32(1500), info.MaxFrameSize)
	assert.Equal(t, uint32(1000000), info.LinkSpeed)
	assert.Equal(t, uint32(DefaultMaxTransferSize), info.MaxTransferSize)
	assert.Len(t, info.SupportedOIDs, len(dev.oids))

	mac, err := rig.engine.MACAddress()
	require.NoError(t, err)
	assert.Equal(t, testMAC, mac)

	filter, keepalives, _, _ := dev.snapshot()
	assert.Equal(t, uint32(DefaultPacketFilter), filter)
	assert.Positive(t, keepalives, "keepalives sent while polling")

	assert.Equal(t, 1.0, testutil.ToFloat64(rig.engine.metrics.connects))
	assert.Equal(t, 1.0, testutil.ToFloat64(rig.engine.metrics.linkUp))
}

func TestEngine_MediaPolling(t *testing.T) {
	rig := newTestRig(t, Config{})
	dev := newFakeDevice()
	dev.setMedia(MediaStateDisconnected)
	require.NoError(t, rig.ctrl.Attach(1, dev.sim))

	rig.connected(t)
	assert.False(t, rig.engine.LinkUp())
	rig.noStage(t, 60*time.Millisecond)

	dev.setMedia(MediaStateConnected)
	assert.Equal(t, link.StageUp, rig.stage(t).Stage)

	dev.setMedia(MediaStateDisconnected)
	sc := rig.stage(t)
	assert.Equal(t, link.StageDown, sc.Stage)
	assert.Nil(t, sc.Data)
	assert.Equal(t, StateConnected, rig.engine.State(), "media loss keeps the device bound")
}

func TestEngine_StatusIndication(t *testing.T) {
	rig := newTestRig(t, Config{PollInterval: time.Hour})
	dev := newFakeDevice()
	require.NoError(t, rig.ctrl.Attach(1, dev.sim))
	require.Equal(t, link.StageUp, rig.stage(t).Stage)

	dev.setMedia(MediaStateDisconnected)
	dev.push(indicateStatus(StatusMediaDisconnect))
	assert.Equal(t, link.StageDown, rig.stage(t).Stage)

	dev.setMedia(MediaStateConnected)
	dev.push(indicateStatus(StatusMediaConnect))
	assert.Equal(t, link.StageUp, rig.stage(t).Stage)
}

func TestEngine_DeviceRemoved(t *testing.T) {
	rig := newTestRig(t, Config{})
	dev := newFakeDevice()
	require.NoError(t, rig.ctrl.Attach(1, dev.sim))
	require.Equal(t, link.StageUp, rig.stage(t).Stage)

	require.NoError(t, rig.ctrl.Detach(1))
	assert.Equal(t, link.StageDown, rig.stage(t).Stage)
	require.Eventually(t, func() bool { return rig.engine.State() == StateDisconnected },
		2*time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, rig.engine.Transmit([]byte{1}), pkg.ErrInvalidState)
	_, err := rig.engine.Info()
	assert.ErrorIs(t, err, pkg.ErrInvalidState)

	again := newFakeDevice()
	require.NoError(t, rig.ctrl.Attach(1, again.sim))
	assert.Equal(t, link.StageUp, rig.stage(t).Stage, "engine rebinds after removal")
	assert.Equal(t, 2.0, testutil.ToFloat64(rig.engine.metrics.connects))
}

func TestEngine_NegotiationFailure(t *testing.T) {
	rig := newTestRig(t, Config{})
	dev := newFakeDevice()
	dev.initStatus = StatusFailure
	require.NoError(t, rig.ctrl.Attach(1, dev.sim))

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(rig.engine.metrics.connectFailures) == 1
	}, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, StateDisconnected, rig.engine.State())
	require.Eventually(t, func() bool { return !dev.sim.Claimed(0) }, time.Second, 5*time.Millisecond)
	rig.noStage(t, 50*time.Millisecond)
}

func TestEngine_Uninstall(t *testing.T) {
	rig := newTestRig(t, Config{})
	dev := newFakeDevice()
	require.NoError(t, rig.ctrl.Attach(1, dev.sim))
	require.Equal(t, link.StageUp, rig.stage(t).Stage)

	require.NoError(t, rig.engine.Uninstall())
	assert.Equal(t, link.StageDown, rig.stage(t).Stage)
	_, _, halted, _ := dev.snapshot()
	assert.True(t, halted, "HALT sent")
	assert.Equal(t, StateDisconnected, rig.engine.State())
	assert.False(t, dev.sim.Claimed(0))

	assert.ErrorIs(t, rig.engine.Uninstall(), pkg.ErrInvalidState)
}

// =============================================================================
// Data path
// =============================================================================

func TestEngine_Transmit(t *testing.T) {
	rig := newTestRig(t, Config{})
	dev := newFakeDevice()
	require.NoError(t, rig.ctrl.Attach(1, dev.sim))
	sc := rig.stage(t)
	require.Equal(t, link.StageUp, sc.Stage)

	frame := []byte("\xff\xff\xff\xff\xff\xff\x02\x00\x5e\x10\x00\x02\x08\x06arp")
	require.NoError(t, rig.link.Transmit(frame))

	_, _, _, packets := dev.snapshot()
	require.Len(t, packets, 1)
	var h PacketHeader
	require.NoError(t, ParsePacketHeader(packets[0], &h))
	assert.Equal(t, frame, packets[0][h.PayloadStart():h.PayloadStart()+int(h.DataLength)])
	assert.Equal(t, 1.0, testutil.ToFloat64(rig.engine.metrics.txFrames))

	assert.ErrorIs(t, rig.engine.Transmit(nil), pkg.ErrInvalidArgument)
	assert.ErrorIs(t, rig.engine.Transmit(make([]byte, DefaultMaxTransferSize)), pkg.ErrInvalidSize)
}

func TestEngine_Receive(t *testing.T) {
	rig := newTestRig(t, Config{})
	dev := newFakeDevice()
	require.NoError(t, rig.ctrl.Attach(1, dev.sim))
	require.Equal(t, link.StageUp, rig.stage(t).Stage)

	first, second := []byte("first inbound frame"), []byte("second")
	require.NoError(t, dev.sim.Send(0x81, AppendPacket(AppendPacket(nil, first), second)))

	for _, want := range [][]byte{first, second} {
		select {
		case got := <-rig.link.C:
			assert.Equal(t, want, got)
		case <-time.After(2 * time.Second):
			require.FailNow(t, "frame not delivered")
		}
	}
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(rig.engine.metrics.rxFrames) == 2
	}, time.Second, 5*time.Millisecond)
}

// =============================================================================
// Configuration
// =============================================================================

func TestNew_Errors(t *testing.T) {
	h := host.New(sim.New(1))
	d := cdc.NewDriver(h, nil)

	_, err := New(nil, Config{Link: channel.New(1)})
	assert.ErrorIs(t, err, pkg.ErrInvalidArgument)

	_, err = New(d, Config{})
	assert.ErrorIs(t, err, pkg.ErrInvalidArgument)

	_, err = New(d, Config{Link: channel.New(1), MaxTransferSize: 512})
	assert.ErrorIs(t, err, pkg.ErrInvalidArgument)

	_, err = New(d, Config{Link: channel.New(1), RxRingSize: 1024})
	assert.ErrorIs(t, err, pkg.ErrInvalidArgument)

	e, err := New(d, Config{Link: channel.New(1)})
	require.NoError(t, err)
	assert.Equal(t, DefaultMatch, e.cfg.Match)
	assert.Equal(t, DefaultRxRingSize, e.cfg.RxRingSize)
	assert.Equal(t, uint32(DefaultPacketFilter), e.cfg.PacketFilter)

	require.NoError(t, e.Install())
	assert.ErrorIs(t, e.Install(), pkg.ErrInvalidState)
	require.NoError(t, e.Uninstall())
	require.NoError(t, e.Install(), "engine can be reinstalled")
	require.NoError(t, e.Uninstall())
}

func TestEngine_RequestIDWraps(t *testing.T) {
	e := &Engine{requestID: math.MaxUint32 - 1}
	assert.Equal(t, uint32(math.MaxUint32), e.nextRequestID())
	assert.Equal(t, uint32(0), e.nextRequestID())
	assert.Equal(t, uint32(1), e.nextRequestID())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "negotiating", StateNegotiating.String())
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "unknown", State(9).String())
}
