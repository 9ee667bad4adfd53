package host

import (
	"context"
	stderrors "errors"
	"sync"

	"github.com/efficientgo/core/errors"

	"github.com/ardnew/cdcnet/host/hal"
	"github.com/ardnew/cdcnet/pkg"
)

// TransferCallback runs on the transfer's goroutine once it completes. It
// must not block and must not call FlushEndpoint for the transfer's endpoint.
type TransferCallback func(*Transfer)

// Transfer is an asynchronous USB transfer. A transfer may be resubmitted
// after its callback has started; it is never in flight twice.
//
// For control transfers Data[0:8] holds the setup packet and the data stage
// follows it, so NumBytes is 8 plus wLength and ActualNumBytes is 8 plus the
// data-stage length on completion.
type Transfer struct {
	// Device address
	Address uint8

	// Endpoint address (bit 7 set for IN)
	Endpoint uint8

	// Transfer type
	Type hal.TransferType

	// Data buffer, allocated with the transfer
	Data []byte

	// Bytes to move on submit
	NumBytes int

	// Bytes moved, valid in the callback
	ActualNumBytes int

	// Completion status, valid in the callback
	Status pkg.TransferStatus

	// Callback when transfer completes
	Callback TransferCallback

	// Context is caller-owned data carried to the callback.
	Context any

	inflight bool
	cancel   context.CancelFunc
	done     chan struct{}
}

// endpointKey identifies an endpoint on a device. Both directions of the
// default pipe share one key.
type endpointKey struct {
	address  uint8
	endpoint uint8
}

func keyFor(address, endpoint uint8) endpointKey {
	if endpoint&0x0F == 0 {
		endpoint = 0
	}
	return endpointKey{address: address, endpoint: endpoint}
}

type endpointState struct {
	halted bool
	active map[*Transfer]struct{}
}

// TransferManager runs asynchronous transfers, one goroutine per transfer in
// flight, and implements host-side endpoint halt, flush and clear.
type TransferManager struct {
	host *Host

	mutex     sync.Mutex
	endpoints map[endpointKey]*endpointState
	running   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newTransferManager(host *Host) *TransferManager {
	return &TransferManager{
		host:      host,
		endpoints: make(map[endpointKey]*endpointState),
	}
}

func (tm *TransferManager) start(ctx context.Context) {
	tm.mutex.Lock()
	defer tm.mutex.Unlock()
	tm.ctx, tm.cancel = context.WithCancel(ctx)
	tm.running = true
}

// stop cancels every transfer in flight and waits for their callbacks.
func (tm *TransferManager) stop() {
	tm.mutex.Lock()
	tm.running = false
	if tm.cancel != nil {
		tm.cancel()
	}
	tm.mutex.Unlock()
	tm.wg.Wait()
}

// Alloc allocates a transfer with a data buffer of size bytes.
func (tm *TransferManager) Alloc(size int) (*Transfer, error) {
	if size < 0 {
		return nil, errors.Wrapf(pkg.ErrInvalidArgument, "transfer size %d", size)
	}
	return &Transfer{Data: make([]byte, size)}, nil
}

// Free releases a transfer. A transfer in flight cannot be freed.
func (tm *TransferManager) Free(t *Transfer) error {
	if t == nil {
		return nil
	}
	tm.mutex.Lock()
	defer tm.mutex.Unlock()
	if t.inflight {
		return pkg.ErrBusy
	}
	t.Data = nil
	return nil
}

// Submit starts t. It fails if t is already in flight, its endpoint is
// halted, or the host is not running.
func (tm *TransferManager) Submit(t *Transfer) error {
	if t == nil || t.NumBytes < 0 || t.NumBytes > len(t.Data) {
		return pkg.ErrInvalidArgument
	}
	if t.Type == hal.TransferControl && t.NumBytes < hal.SetupPacketSize {
		return errors.Wrap(pkg.ErrInvalidArgument, "control transfer without setup packet")
	}

	tm.mutex.Lock()
	defer tm.mutex.Unlock()

	if !tm.running {
		return pkg.ErrNotRunning
	}
	if t.inflight {
		return pkg.ErrBusy
	}
	key := keyFor(t.Address, t.Endpoint)
	ep := tm.endpoint(key)
	if ep.halted {
		return errors.Wrapf(pkg.ErrHalted, "endpoint 0x%02X on device %d", t.Endpoint, t.Address)
	}

	var ctx context.Context
	ctx, t.cancel = context.WithCancel(tm.ctx)
	t.inflight = true
	t.done = make(chan struct{})
	ep.active[t] = struct{}{}

	tm.wg.Add(1)
	go tm.execute(ctx, key, t, t.done)
	return nil
}

// Cancel aborts t if it is in flight. Its callback sees
// TransferStatusCancelled. Returns false if t was idle.
func (tm *TransferManager) Cancel(t *Transfer) bool {
	tm.mutex.Lock()
	defer tm.mutex.Unlock()
	if t == nil || !t.inflight {
		return false
	}
	t.cancel()
	return true
}

// Wait blocks until the current submission of t has completed and its
// callback has returned.
func (tm *TransferManager) Wait(t *Transfer) {
	tm.mutex.Lock()
	done := t.done
	tm.mutex.Unlock()
	if done != nil {
		<-done
	}
}

// HaltEndpoint makes further submissions to the endpoint fail until
// ClearEndpoint. Transfers already in flight are unaffected.
func (tm *TransferManager) HaltEndpoint(address, endpoint uint8) error {
	tm.mutex.Lock()
	defer tm.mutex.Unlock()
	tm.endpoint(keyFor(address, endpoint)).halted = true
	pkg.LogDebug(pkg.ComponentTransfer, "endpoint halted", "address", address, "endpoint", endpoint)
	return nil
}

// FlushEndpoint cancels every transfer in flight on the endpoint and waits
// for their callbacks to return. The endpoint must be halted first.
func (tm *TransferManager) FlushEndpoint(address, endpoint uint8) error {
	key := keyFor(address, endpoint)

	tm.mutex.Lock()
	ep := tm.endpoint(key)
	if !ep.halted {
		tm.mutex.Unlock()
		return errors.Wrapf(pkg.ErrInvalidState, "flush of running endpoint 0x%02X", endpoint)
	}
	pending := make([]chan struct{}, 0, len(ep.active))
	for t := range ep.active {
		t.cancel()
		pending = append(pending, t.done)
	}
	tm.mutex.Unlock()

	for _, done := range pending {
		<-done
	}
	pkg.LogDebug(pkg.ComponentTransfer, "endpoint flushed",
		"address", address, "endpoint", endpoint, "cancelled", len(pending))
	return nil
}

// ClearEndpoint lifts a halt so the endpoint accepts submissions again.
func (tm *TransferManager) ClearEndpoint(address, endpoint uint8) error {
	key := keyFor(address, endpoint)

	tm.mutex.Lock()
	defer tm.mutex.Unlock()
	ep := tm.endpoint(key)
	ep.halted = false
	if len(ep.active) == 0 {
		delete(tm.endpoints, key)
	}
	return nil
}

// PendingCount returns the number of transfers in flight.
func (tm *TransferManager) PendingCount() int {
	tm.mutex.Lock()
	defer tm.mutex.Unlock()
	count := 0
	for _, ep := range tm.endpoints {
		count += len(ep.active)
	}
	return count
}

// endpoint returns the state for key, creating it. Callers hold mutex.
func (tm *TransferManager) endpoint(key endpointKey) *endpointState {
	ep, ok := tm.endpoints[key]
	if !ok {
		ep = &endpointState{active: make(map[*Transfer]struct{})}
		tm.endpoints[key] = ep
	}
	return ep
}

// execute runs one submission of t.
func (tm *TransferManager) execute(ctx context.Context, key endpointKey, t *Transfer, done chan struct{}) {
	defer tm.wg.Done()
	defer close(done)

	addr := hal.DeviceAddress(t.Address)
	controller := tm.host.hal

	var n int
	var err error
	switch t.Type {
	case hal.TransferControl:
		var setup hal.SetupPacket
		hal.ParseSetupPacket(t.Data, &setup)
		end := min(hal.SetupPacketSize+int(setup.Length), t.NumBytes)
		n, err = controller.ControlTransfer(ctx, addr, &setup, t.Data[hal.SetupPacketSize:end])
		n += hal.SetupPacketSize

	case hal.TransferBulk:
		n, err = controller.BulkTransfer(ctx, addr, t.Endpoint, t.Data[:t.NumBytes])

	case hal.TransferInterrupt:
		n, err = controller.InterruptTransfer(ctx, addr, t.Endpoint, t.Data[:t.NumBytes])

	default:
		err = errors.Wrapf(pkg.ErrNotSupported, "%s transfer", t.Type)
	}

	status := pkg.StatusFromError(err)
	switch {
	case stderrors.Is(err, context.Canceled):
		status = pkg.TransferStatusCancelled
	case stderrors.Is(err, context.DeadlineExceeded):
		status = pkg.TransferStatusTimeout
	case status == pkg.TransferStatusError && ctx.Err() != nil:
		status = pkg.TransferStatusCancelled
	}
	if status != pkg.TransferStatusSuccess && status != pkg.TransferStatusCancelled {
		pkg.LogDebug(pkg.ComponentTransfer, "transfer failed",
			"address", t.Address, "endpoint", t.Endpoint, "status", status, "error", err)
	}

	tm.mutex.Lock()
	t.ActualNumBytes = n
	t.Status = status
	t.inflight = false
	t.cancel()
	if ep, ok := tm.endpoints[key]; ok {
		delete(ep.active, t)
	}
	tm.mutex.Unlock()

	if t.Callback != nil {
		t.Callback(t)
	}
}
