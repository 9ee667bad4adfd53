//go:build unix

package fifo

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ardnew/cdcnet/host/hal"
	"github.com/ardnew/cdcnet/pkg"
)

// =============================================================================
// Test Device
// =============================================================================

const testTimeout = 2 * time.Second

var testDeviceDescriptor = []byte{
	18, 0x01, 0x00, 0x02, 0xEF, 0x02, 0x01, 64,
	0x34, 0x12, 0x78, 0x56, 0x00, 0x01, 1, 2, 3, 1,
}

// testDevice plays the device side of the FIFO protocol.
type testDevice struct {
	t            *testing.T
	dir          string
	conn         *os.File
	hostToDevice *os.File
	deviceToHost *os.File
}

func openFIFO(t *testing.T, path string) *os.File {
	t.Helper()
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

// newTestDevice creates a device directory with endpoint FIFOs and starts
// answering control requests.
func newTestDevice(t *testing.T, busDir string, endpoints ...string) *testDevice {
	t.Helper()
	dir := filepath.Join(busDir, devicePrefix+uuid.NewString())
	if err := os.Mkdir(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	names := append([]string{fifoHostToDevice, fifoDeviceToHost}, endpoints...)
	for _, name := range append(names, fifoConnection) {
		if err := syscall.Mkfifo(filepath.Join(dir, name), 0o600); err != nil {
			t.Fatalf("mkfifo %s: %v", name, err)
		}
	}

	d := &testDevice{
		t:            t,
		dir:          dir,
		conn:         openFIFO(t, filepath.Join(dir, fifoConnection)),
		hostToDevice: openFIFO(t, filepath.Join(dir, fifoHostToDevice)),
		deviceToHost: openFIFO(t, filepath.Join(dir, fifoDeviceToHost)),
	}
	go d.serve()
	return d
}

func (d *testDevice) signal(sig byte) {
	if _, err := d.conn.Write([]byte{sig}); err != nil {
		d.t.Errorf("signal: %v", err)
	}
}

func readFrame(r io.Reader) (byte, []byte, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	payload := make([]byte, binary.LittleEndian.Uint16(hdr[1:]))
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return hdr[0], payload, nil
}

func writeFrame(w io.Writer, typ byte, payload []byte) error {
	_, err := w.Write(frame(nil, typ, payload))
	return err
}

// serve answers reset with ACK, GET_DESCRIPTOR(device) with the descriptor,
// SET_ADDRESS with ACK and stalls everything else.
func (d *testDevice) serve() {
	for {
		typ, payload, err := readFrame(d.hostToDevice)
		if err != nil {
			return
		}
		reply, data := byte(msgStall), []byte(nil)
		switch typ {
		case msgReset:
			reply = msgAck
		case msgSetup:
			var setup hal.SetupPacket
			hal.ParseSetupPacket(payload[1:], &setup)
			switch {
			case setup.Request == 0x06 && setup.Value>>8 == 0x01:
				reply, data = msgData, testDeviceDescriptor[:min(int(setup.Length), len(testDeviceDescriptor))]
			case setup.Request == requestSetAddress:
				reply = msgAck
			}
		}
		if err := writeFrame(d.deviceToHost, reply, data); err != nil {
			return
		}
	}
}

// startHAL starts a HAL on a fresh bus directory.
func startHAL(t *testing.T, numPorts int) (*HostHAL, string) {
	t.Helper()
	busDir := t.TempDir()
	h := NewHostHAL(busDir, numPorts)
	if err := h.Init(context.Background()); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if err := h.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { _ = h.Stop() })
	return h, busDir
}

func waitConnection(t *testing.T, h *HostHAL) int {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	port, err := h.WaitForConnection(ctx)
	if err != nil {
		t.Fatalf("WaitForConnection() error = %v", err)
	}
	return port
}

func waitDisconnection(t *testing.T, h *HostHAL) int {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	port, err := h.WaitForDisconnection(ctx)
	if err != nil {
		t.Fatalf("WaitForDisconnection() error = %v", err)
	}
	return port
}

// addressDevice resets port and assigns addr.
func addressDevice(t *testing.T, h *HostHAL, port int, addr uint16) {
	t.Helper()
	if err := h.ResetPort(port); err != nil {
		t.Fatalf("ResetPort() error = %v", err)
	}
	setup := hal.SetupPacket{RequestType: 0x00, Request: requestSetAddress, Value: addr}
	if _, err := h.ControlTransfer(context.Background(), 0, &setup, nil); err != nil {
		t.Fatalf("SET_ADDRESS error = %v", err)
	}
}

// =============================================================================
// Connection Tests
// =============================================================================

func TestHostHAL_Connect(t *testing.T) {
	h, busDir := startHAL(t, 2)
	dev := newTestDevice(t, busDir)
	dev.signal(sigConnect)

	port := waitConnection(t, h)
	if port != 1 {
		t.Errorf("port = %d, want 1", port)
	}
	status, err := h.GetPortStatus(port)
	if err != nil {
		t.Fatal(err)
	}
	if !status.Connected || !status.Enabled || status.Speed != hal.SpeedFull {
		t.Errorf("status = %+v", status)
	}
	if status, _ := h.GetPortStatus(2); status.Connected {
		t.Error("port 2 should be empty")
	}
	if _, err := h.GetPortStatus(3); !errors.Is(err, pkg.ErrInvalidArgument) {
		t.Errorf("GetPortStatus(3) error = %v, want ErrInvalidArgument", err)
	}
}

func TestHostHAL_MultiplePorts(t *testing.T) {
	h, busDir := startHAL(t, 2)

	first := newTestDevice(t, busDir)
	first.signal(sigConnect)
	if port := waitConnection(t, h); port != 1 {
		t.Fatalf("first port = %d, want 1", port)
	}

	second := newTestDevice(t, busDir)
	second.signal(sigConnectHighSpeed)
	if port := waitConnection(t, h); port != 2 {
		t.Fatalf("second port = %d, want 2", port)
	}
	if status, _ := h.GetPortStatus(2); status.Speed != hal.SpeedHigh {
		t.Errorf("second speed = %v, want high", status.Speed)
	}
}

func TestHostHAL_Disconnect(t *testing.T) {
	h, busDir := startHAL(t, 1)
	dev := newTestDevice(t, busDir)
	dev.signal(sigConnect)
	port := waitConnection(t, h)
	addressDevice(t, h, port, 9)

	dev.signal(sigDisconnect)
	if got := waitDisconnection(t, h); got != port {
		t.Errorf("disconnected port = %d, want %d", got, port)
	}

	setup := hal.SetupPacket{RequestType: 0x80, Request: 0x06, Value: 0x0100, Length: 18}
	buf := make([]byte, 18)
	if _, err := h.ControlTransfer(context.Background(), 9, &setup, buf); !errors.Is(err, pkg.ErrNoDevice) {
		t.Errorf("ControlTransfer after disconnect error = %v, want ErrNoDevice", err)
	}
}

func TestHostHAL_DirectoryRemoved(t *testing.T) {
	h, busDir := startHAL(t, 1)
	dev := newTestDevice(t, busDir)
	dev.signal(sigConnect)
	port := waitConnection(t, h)

	if err := os.RemoveAll(dev.dir); err != nil {
		t.Fatal(err)
	}
	if got := waitDisconnection(t, h); got != port {
		t.Errorf("disconnected port = %d, want %d", got, port)
	}
}

// =============================================================================
// Transfer Tests
// =============================================================================

func TestHostHAL_ControlTransfer(t *testing.T) {
	h, busDir := startHAL(t, 1)
	dev := newTestDevice(t, busDir)
	dev.signal(sigConnect)
	port := waitConnection(t, h)

	if err := h.ResetPort(port); err != nil {
		t.Fatalf("ResetPort() error = %v", err)
	}

	setup := hal.SetupPacket{RequestType: 0x80, Request: 0x06, Value: 0x0100, Length: 8}
	buf := make([]byte, 8)
	n, err := h.ControlTransfer(context.Background(), 0, &setup, buf)
	if err != nil {
		t.Fatalf("GET_DESCRIPTOR error = %v", err)
	}
	if n != 8 || buf[7] != 64 {
		t.Errorf("GET_DESCRIPTOR = %d bytes, mps0 = %d", n, buf[7])
	}

	setAddr := hal.SetupPacket{RequestType: 0x00, Request: requestSetAddress, Value: 5}
	if _, err := h.ControlTransfer(context.Background(), 0, &setAddr, nil); err != nil {
		t.Fatalf("SET_ADDRESS error = %v", err)
	}

	setup.Length = 18
	buf = make([]byte, 18)
	n, err = h.ControlTransfer(context.Background(), 5, &setup, buf)
	if err != nil || n != 18 {
		t.Fatalf("GET_DESCRIPTOR at address 5 = %d, %v", n, err)
	}

	class := hal.SetupPacket{RequestType: 0x21, Request: 0x00, Length: 4}
	if _, err := h.ControlTransfer(context.Background(), 5, &class, []byte{1, 2, 3, 4}); !errors.Is(err, pkg.ErrStall) {
		t.Errorf("unknown request error = %v, want ErrStall", err)
	}

	if _, err := h.ControlTransfer(context.Background(), 6, &setup, buf); !errors.Is(err, pkg.ErrNoDevice) {
		t.Errorf("unbound address error = %v, want ErrNoDevice", err)
	}
}

func TestHostHAL_DataTransfers(t *testing.T) {
	h, busDir := startHAL(t, 1)
	dev := newTestDevice(t, busDir, "ep1_in", "ep2_out")
	dev.signal(sigConnect)
	port := waitConnection(t, h)
	addressDevice(t, h, port, 3)

	epIn := openFIFO(t, filepath.Join(dev.dir, "ep1_in"))
	epOut := openFIFO(t, filepath.Join(dev.dir, "ep2_out"))
	ctx := context.Background()

	t.Run("in", func(t *testing.T) {
		if err := writeFrame(epIn, msgData, []byte("OK\r\n")); err != nil {
			t.Fatal(err)
		}
		buf := make([]byte, 64)
		n, err := h.BulkTransfer(ctx, 3, 0x81, buf)
		if err != nil {
			t.Fatal(err)
		}
		if string(buf[:n]) != "OK\r\n" {
			t.Errorf("read %q", buf[:n])
		}
	})

	t.Run("out", func(t *testing.T) {
		n, err := h.BulkTransfer(ctx, 3, 0x02, []byte("AT\r\n"))
		if err != nil || n != 4 {
			t.Fatalf("BulkTransfer = %d, %v", n, err)
		}
		typ, payload, err := readFrame(epOut)
		if err != nil {
			t.Fatal(err)
		}
		if typ != msgData || string(payload) != "AT\r\n" {
			t.Errorf("device received 0x%02X %q", typ, payload)
		}
	})

	t.Run("overrun", func(t *testing.T) {
		if err := writeFrame(epIn, msgData, []byte("0123456789")); err != nil {
			t.Fatal(err)
		}
		if err := writeFrame(epIn, msgData, []byte("next")); err != nil {
			t.Fatal(err)
		}
		buf := make([]byte, 4)
		n, err := h.InterruptTransfer(ctx, 3, 0x81, buf)
		if !errors.Is(err, pkg.ErrOverrun) || n != 4 {
			t.Errorf("short read = %d, %v; want 4, ErrOverrun", n, err)
		}
		n, err = h.BulkTransfer(ctx, 3, 0x81, buf)
		if err != nil || string(buf[:n]) != "next" {
			t.Errorf("following message = %q, %v", buf[:n], err)
		}
	})

	t.Run("cancel", func(t *testing.T) {
		ctx, cancel := context.WithCancel(ctx)
		time.AfterFunc(100*time.Millisecond, cancel)
		_, err := h.BulkTransfer(ctx, 3, 0x81, make([]byte, 64))
		if !errors.Is(err, pkg.ErrCancelled) {
			t.Errorf("cancelled read error = %v, want ErrCancelled", err)
		}
	})

	t.Run("deadline", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		defer cancel()
		_, err := h.BulkTransfer(ctx, 3, 0x81, make([]byte, 64))
		if !errors.Is(err, pkg.ErrTimeout) {
			t.Errorf("expired read error = %v, want ErrTimeout", err)
		}
	})

	t.Run("missing endpoint", func(t *testing.T) {
		_, err := h.BulkTransfer(ctx, 3, 0x83, make([]byte, 8))
		if !errors.Is(err, pkg.ErrInvalidEndpoint) {
			t.Errorf("error = %v, want ErrInvalidEndpoint", err)
		}
		_, err = h.BulkTransfer(ctx, 3, 0x80, make([]byte, 8))
		if !errors.Is(err, pkg.ErrInvalidEndpoint) {
			t.Errorf("endpoint 0 error = %v, want ErrInvalidEndpoint", err)
		}
	})
}

func TestHostHAL_DisconnectUnblocksTransfer(t *testing.T) {
	h, busDir := startHAL(t, 1)
	dev := newTestDevice(t, busDir, "ep1_in")
	dev.signal(sigConnect)
	port := waitConnection(t, h)
	addressDevice(t, h, port, 4)

	errc := make(chan error, 1)
	go func() {
		_, err := h.BulkTransfer(context.Background(), 4, 0x81, make([]byte, 64))
		errc <- err
	}()

	time.Sleep(100 * time.Millisecond)
	dev.signal(sigDisconnect)

	select {
	case err := <-errc:
		if !errors.Is(err, pkg.ErrNoDevice) {
			t.Errorf("error = %v, want ErrNoDevice", err)
		}
	case <-time.After(testTimeout):
		t.Fatal("transfer still blocked after disconnect")
	}
}

func TestHostHAL_StartBeforeInit(t *testing.T) {
	h := NewHostHAL(t.TempDir(), 0)
	if h.NumPorts() != DefaultNumPorts {
		t.Errorf("NumPorts() = %d, want %d", h.NumPorts(), DefaultNumPorts)
	}
	if err := h.Start(); !errors.Is(err, pkg.ErrInvalidState) {
		t.Errorf("Start() error = %v, want ErrInvalidState", err)
	}
	if err := h.Stop(); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
}

// =============================================================================
// Framing
// =============================================================================

func TestFrame(t *testing.T) {
	buf := frame(make([]byte, 0, 4), msgData, []byte{0xAA, 0xBB})
	want := []byte{msgData, 2, 0, 0xAA, 0xBB}
	if string(buf) != string(want) {
		t.Errorf("frame = % X, want % X", buf, want)
	}
	if got := frame(buf, msgAck, nil); len(got) != headerSize || got[0] != msgAck {
		t.Errorf("empty frame = % X", got)
	}
}
