package proxy

import (
	"context"
	"fmt"
	"sync"

	"github.com/Alia5/usbmitm/usb"
)

// Kind of a host transaction.
type Kind uint8

const (
	KindControl Kind = iota
	KindIn
	KindOut
)

func (k Kind) String() string {
	switch k {
	case KindControl:
		return "control"
	case KindIn:
		return "in"
	case KindOut:
		return "out"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Transaction is one request from the host.
type Transaction struct {
	Kind Kind
	// ID is assigned by the host transport (the USB-IP seqnum) and only
	// means something to it.
	ID uint32
	// Endpoint is the host-facing endpoint number, 0 for control.
	Endpoint uint8
	// Request is the setup packet of a control transaction.
	Request usb.Request
	// Length is the size of the host's receive buffer.
	Length int
	// Data is the OUT payload: the data stage of a control OUT transfer or
	// the payload of a bulk/interrupt OUT transfer.
	Data []byte

	mu        sync.Mutex
	state     txState
	withdrawn chan struct{}
}

type txState uint8

const (
	txQueued txState = iota
	txStarted
	txWithdrawn
)

// Begin marks t as relayed to the device. It reports false when the host
// has already withdrawn t; such a transaction must not reach the device.
func (t *Transaction) Begin() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == txWithdrawn {
		return false
	}
	t.state = txStarted
	return true
}

// Withdraw is called by the host transport when the host cancels t. It
// reports whether t is abandoned: either it never reached the device or it
// is an IN poll, whose device read is cancelled. Control and OUT transfers
// already handed to the device complete normally and Withdraw reports false.
func (t *Transaction) Withdraw() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.state {
	case txWithdrawn:
		return true
	case txStarted:
		if t.Kind != KindIn {
			return false
		}
	}
	t.state = txWithdrawn
	close(t.withdrawnChan())
	return true
}

// Withdrawn is closed once t has been abandoned by Withdraw.
func (t *Transaction) Withdrawn() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.withdrawnChan()
}

func (t *Transaction) withdrawnChan() chan struct{} {
	if t.withdrawn == nil {
		t.withdrawn = make(chan struct{})
	}
	return t.withdrawn
}

// bind returns a context derived from ctx that is also cancelled when t is
// withdrawn.
func (t *Transaction) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	withdrawn := t.Withdrawn()
	go func() {
		select {
		case <-withdrawn:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func (t *Transaction) isWithdrawn() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == txWithdrawn
}

// Export is what the host transport presents to the host.
type Export struct {
	Device usb.DeviceDescriptor
	Config *usb.ConfigDescriptor
	Speed  usb.Speed
}

// HostTransport is the side of the proxy facing the USB host.
type HostTransport interface {
	// Accept presents exp and blocks until a host has attached.
	Accept(ctx context.Context, exp *Export) error
	// Receive blocks until the next host transaction. It returns io.EOF once
	// the host has detached.
	Receive(ctx context.Context) (*Transaction, error)
	// Respond completes t. For OUT transactions data is ignored and the full
	// OUT payload is acknowledged.
	Respond(t *Transaction, data []byte, stalled bool) error
	Close() error
}

// DeviceTransport is the side of the proxy facing the real device.
// Endpoint numbers passed to it carry no direction bit.
type DeviceTransport interface {
	// Open claims the device and reports the speed it runs at. When no
	// matching device exists the error matches ErrDeviceNotFound.
	Open(ctx context.Context) (usb.Speed, error)
	ForwardControlRequest(ctx context.Context, req usb.Request, data []byte) (resp []byte, stalled bool, err error)
	ReadEndpoint(ctx context.Context, ep uint8, length int) (data []byte, stalled bool, err error)
	WriteEndpoint(ctx context.Context, ep uint8, data []byte) (stalled bool, err error)
	Close() error
}
