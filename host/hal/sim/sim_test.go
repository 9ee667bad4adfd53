package sim

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/cdcnet/host/hal"
	"github.com/ardnew/cdcnet/pkg"
)

func testDevice() *Device {
	cfg := NewConfig(1).
		Interface(0, 0, 2, 0x0A, 0, 0).
		Endpoint(0x81, 0x02, 64, 0).
		Endpoint(0x02, 0x02, 64, 0).
		Bytes()
	dev := NewDevice(DeviceDescriptor(0x02, 0, 0, 0x1234, 0x5678), cfg)
	dev.Strings = map[uint8]string{2: "Modem"}
	return dev
}

func TestConfigBuilder(t *testing.T) {
	cfg := NewConfig(1).
		Association(0, 2, 0x02, 0x02, 0x01).
		Interface(0, 0, 1, 0x02, 0x02, 0x01).
		Endpoint(0x83, 0x03, 8, 16).
		Interface(1, 0, 2, 0x0A, 0, 0).
		Bytes()

	assert.Equal(t, len(cfg), int(cfg[2])|int(cfg[3])<<8)
	assert.Equal(t, uint8(2), cfg[4])
}

func TestAttachEnumerate(t *testing.T) {
	ctx := context.Background()
	ctrl := New(2)
	dev := testDevice()
	require.NoError(t, ctrl.Attach(2, dev))
	require.ErrorIs(t, ctrl.Attach(2, testDevice()), pkg.ErrBusy)

	port, err := ctrl.WaitForConnection(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, port)

	status, err := ctrl.GetPortStatus(2)
	require.NoError(t, err)
	assert.True(t, status.Connected)

	require.NoError(t, ctrl.ResetPort(2))

	buf := make([]byte, 64)
	setup := hal.SetupPacket{RequestType: 0x80, Request: requestGetDescriptor, Value: descriptorDevice << 8, Length: 18}
	n, err := ctrl.ControlTransfer(ctx, 0, &setup, buf[:18])
	require.NoError(t, err)
	assert.Equal(t, 18, n)

	setup = hal.SetupPacket{Request: requestSetAddress, Value: 5}
	_, err = ctrl.ControlTransfer(ctx, 0, &setup, nil)
	require.NoError(t, err)
	assert.Equal(t, uint8(5), dev.Address())

	setup = hal.SetupPacket{RequestType: 0x80, Request: requestGetDescriptor, Value: descriptorString<<8 | 2, Length: 64}
	n, err = ctrl.ControlTransfer(ctx, 5, &setup, buf)
	require.NoError(t, err)
	assert.Equal(t, 12, n)

	// no class handler installed
	setup = hal.SetupPacket{RequestType: 0x21, Request: 0x22}
	_, err = ctrl.ControlTransfer(ctx, 5, &setup, nil)
	assert.ErrorIs(t, err, pkg.ErrStall)
}

func TestDataTransfers(t *testing.T) {
	ctx := context.Background()
	ctrl := New(1)
	dev := testDevice()

	var written []byte
	dev.Out = func(ep uint8, data []byte) (int, error) {
		written = append(written, data...)
		return len(data), nil
	}
	require.NoError(t, ctrl.Attach(1, dev))
	require.NoError(t, ctrl.ResetPort(1))
	setup := hal.SetupPacket{Request: requestSetAddress, Value: 1}
	_, err := ctrl.ControlTransfer(ctx, 0, &setup, nil)
	require.NoError(t, err)

	n, err := ctrl.BulkTransfer(ctx, 1, 0x02, []byte("AT\r\n"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, "AT\r\n", string(written))

	require.NoError(t, dev.Send(0x01, []byte("OK\r\n")))
	buf := make([]byte, 64)
	n, err = ctrl.BulkTransfer(ctx, 1, 0x81, buf)
	require.NoError(t, err)
	assert.Equal(t, "OK\r\n", string(buf[:n]))

	cctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, err = ctrl.BulkTransfer(cctx, 1, 0x81, buf)
	assert.ErrorIs(t, err, pkg.ErrCancelled)
}

func TestDetachUnblocksTransfers(t *testing.T) {
	ctx := context.Background()
	ctrl := New(1)
	dev := testDevice()
	require.NoError(t, ctrl.Attach(1, dev))
	require.NoError(t, ctrl.ResetPort(1))
	setup := hal.SetupPacket{Request: requestSetAddress, Value: 3}
	_, err := ctrl.ControlTransfer(ctx, 0, &setup, nil)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := ctrl.InterruptTransfer(ctx, 3, 0x81, make([]byte, 8))
		errCh <- err
	}()

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, ctrl.Detach(1))

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, pkg.ErrNoDevice)
	case <-time.After(time.Second):
		t.Fatal("transfer not released by detach")
	}

	port, err := ctrl.WaitForDisconnection(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, port)

	_, err = ctrl.BulkTransfer(ctx, 3, 0x02, []byte{1})
	assert.ErrorIs(t, err, pkg.ErrNoDevice)
	assert.ErrorIs(t, dev.Send(0x81, []byte{1}), pkg.ErrNoDevice)
}

func TestEndpointHalt(t *testing.T) {
	ctx := context.Background()
	ctrl := New(1)
	dev := testDevice()
	require.NoError(t, ctrl.Attach(1, dev))
	require.NoError(t, ctrl.ResetPort(1))
	setup := hal.SetupPacket{Request: requestSetAddress, Value: 4}
	_, err := ctrl.ControlTransfer(ctx, 0, &setup, nil)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := ctrl.BulkTransfer(ctx, 4, 0x81, make([]byte, 64))
		errCh <- err
	}()

	time.Sleep(5 * time.Millisecond)
	dev.Halt(0x81)
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, pkg.ErrStall, "pending transfer fails on halt")
	case <-time.After(time.Second):
		t.Fatal("transfer not released by halt")
	}
	assert.True(t, dev.Halted(0x81))

	dev.Halt(0x02)
	_, err = ctrl.BulkTransfer(ctx, 4, 0x02, []byte{1})
	assert.ErrorIs(t, err, pkg.ErrStall)

	clearHalt := hal.SetupPacket{RequestType: recipientEndpoint, Request: requestClearFeature, Value: featureHalt, Index: 0x81}
	_, err = ctrl.ControlTransfer(ctx, 4, &clearHalt, nil)
	require.NoError(t, err)
	assert.False(t, dev.Halted(0x81))
	assert.True(t, dev.Halted(0x02), "only the addressed endpoint is cleared")

	require.NoError(t, dev.Send(0x01, []byte("up")))
	buf := make([]byte, 64)
	n, err := ctrl.BulkTransfer(ctx, 4, 0x81, buf)
	require.NoError(t, err)
	assert.Equal(t, "up", string(buf[:n]))
}

func TestClaimInterface(t *testing.T) {
	ctx := context.Background()
	ctrl := New(1)
	dev := testDevice()
	require.NoError(t, ctrl.Attach(1, dev))
	require.NoError(t, ctrl.ResetPort(1))
	setup := hal.SetupPacket{Request: requestSetAddress, Value: 1}
	_, err := ctrl.ControlTransfer(ctx, 0, &setup, nil)
	require.NoError(t, err)

	require.NoError(t, ctrl.ClaimInterface(1, 0))
	assert.True(t, dev.Claimed(0))
	assert.ErrorIs(t, ctrl.ClaimInterface(1, 0), pkg.ErrBusy)
	require.NoError(t, ctrl.ReleaseInterface(1, 0))
	assert.False(t, dev.Claimed(0))
}
