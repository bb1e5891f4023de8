// Package proxy relays USB transactions between a host transport and a
// device transport, passing each of them through a filter chain.
package proxy

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/Alia5/usbmitm/filter"
)

// State of a proxy session.
type State int32

const (
	StateDisconnected State = iota
	StateConnected
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateRunning:
		return "running"
	default:
		return "disconnected"
	}
}

// Proxy owns both transports and the filter chain for a single session.
// Once disconnected it cannot be connected again.
type Proxy struct {
	host   HostTransport
	device DeviceTransport
	logger *slog.Logger
	chain  *filter.Chain
	stats  *Stats

	mu         sync.Mutex
	state      State
	connecting bool
	closed     bool
	cancel     context.CancelFunc
	done       chan struct{}
	export     *Export

	closeOnce sync.Once
}

func New(host HostTransport, device DeviceTransport, logger *slog.Logger) *Proxy {
	if logger == nil {
		logger = slog.Default()
	}
	return &Proxy{
		host:   host,
		device: device,
		logger: logger,
		chain:  filter.NewChain(logger),
		stats:  newStats(),
	}
}

// AddFilter appends f to the chain. Filters cannot be added while the proxy
// runs.
func (p *Proxy) AddFilter(f filter.Filter) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateRunning {
		return ErrRunning
	}
	return p.chain.Add(f)
}

func (p *Proxy) Chain() *filter.Chain {
	return p.chain
}

func (p *Proxy) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Export is what was presented to the host, nil before Connect succeeded.
func (p *Proxy) Export() *Export {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.export
}

// Stats returns the session counters.
func (p *Proxy) Stats() Snapshot {
	s := p.stats.snapshot()
	s.HookFailures = p.chain.HookFailures()
	return s
}

// Connect opens the device, reads and validates its configuration and waits
// for a host to attach. Everything opened is released again on failure.
func (p *Proxy) Connect(ctx context.Context) error {
	p.mu.Lock()
	switch {
	case p.closed:
		p.mu.Unlock()
		return ErrClosed
	case p.state != StateDisconnected || p.connecting:
		p.mu.Unlock()
		return ErrConnected
	}
	p.connecting = true
	p.mu.Unlock()

	exp, err := p.connect(ctx)

	p.mu.Lock()
	p.connecting = false
	if err == nil && p.closed {
		err = ErrClosed
	}
	if err == nil {
		p.state = StateConnected
		p.export = exp
	}
	p.mu.Unlock()

	if err != nil {
		p.teardown()
		return err
	}
	p.logger.Info("Host attached", "vid", exp.Device.IDVendor, "pid", exp.Device.IDProduct, "speed", exp.Speed)
	return nil
}

func (p *Proxy) connect(ctx context.Context) (*Export, error) {
	speed, err := p.device.Open(ctx)
	if err != nil {
		if errors.Is(err, ErrDeviceNotFound) {
			return nil, err
		}
		return nil, &TransportError{Side: SideDevice, Op: "open", Err: err}
	}

	dev, cfg, err := ReadDescriptors(ctx, p.device)
	if err != nil {
		return nil, err
	}
	p.logger.Info("Device opened", "vid", dev.IDVendor, "pid", dev.IDProduct, "speed", speed,
		"interfaces", cfg.Header.BNumInterfaces, "endpoints", len(cfg.Endpoints()))
	p.logger.Debug("Device configuration\n" + cfg.String())

	if err := p.chain.Validate(cfg); err != nil {
		return nil, err
	}

	dev, cfg = hostView(p.chain, dev, cfg)
	exp := &Export{Device: dev, Config: cfg, Speed: speed}
	if err := p.host.Accept(ctx, exp); err != nil {
		return nil, &TransportError{Side: SideHost, Op: "accept", Err: err}
	}
	return exp, nil
}

// Run relays host transactions until ctx is cancelled, Disconnect is called
// or a transport fails. The proxy is disconnected when Run returns. The host
// detaching is reported as a TransportError wrapping io.EOF.
func (p *Proxy) Run(ctx context.Context) error {
	p.mu.Lock()
	switch p.state {
	case StateRunning:
		p.mu.Unlock()
		return ErrRunning
	case StateDisconnected:
		p.mu.Unlock()
		return ErrNotConnected
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	p.cancel, p.done = cancel, done
	p.state = StateRunning
	p.mu.Unlock()

	defer func() {
		cancel()
		p.teardown()
		close(done)
	}()

	for {
		t, err := p.host.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return &TransportError{Side: SideHost, Op: "receive", Err: err}
		}
		if err := p.handle(ctx, t); err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				return nil
			}
			return err
		}
	}
}

// Disconnect ends the session and closes both transports. It is safe to call
// in any state and more than once. A running Run loop finishes its current
// transaction first.
func (p *Proxy) Disconnect() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	p.teardown()
}

func (p *Proxy) teardown() {
	p.mu.Lock()
	p.closed = true
	p.state = StateDisconnected
	p.cancel = nil
	p.mu.Unlock()

	p.closeOnce.Do(func() {
		if err := p.host.Close(); err != nil {
			p.logger.Warn("Failed to close host transport", "error", err)
		}
		if err := p.device.Close(); err != nil {
			p.logger.Warn("Failed to close device transport", "error", err)
		}
		s := p.Stats()
		p.logger.Info("Proxy disconnected", "transactions", s.Total(), "stalls", s.Stalls, "hook_failures", s.HookFailures)
	})
}

func (p *Proxy) handle(ctx context.Context, t *Transaction) error {
	if !t.Begin() {
		p.logger.Debug("Dropping transaction withdrawn by the host", "id", t.ID, "kind", t.Kind, "ep", t.Endpoint)
		return nil
	}
	switch t.Kind {
	case KindControl:
		return p.handleControl(ctx, t)
	case KindIn:
		return p.handleIn(ctx, t)
	case KindOut:
		return p.handleOut(ctx, t)
	default:
		p.logger.Warn("Unknown transaction kind, stalling", "kind", t.Kind)
		return p.respond(t, nil, true)
	}
}

// handleControl forwards a control transfer. Once the request has passed
// the out filters it is completed even if ctx is cancelled meanwhile.
func (p *Proxy) handleControl(ctx context.Context, t *Transaction) error {
	xfer := filter.ControlTransfer{Request: t.Request, Data: t.Data}
	if !t.Request.IsIn() {
		xfer = p.chain.DispatchControlOut(xfer)
		if xfer.Stalled {
			return p.respond(t, nil, true)
		}
	}

	resp, stalled, err := p.device.ForwardControlRequest(context.WithoutCancel(ctx), xfer.Request, xfer.Data)
	if err != nil {
		return &TransportError{Side: SideDevice, Op: "control", Err: err}
	}
	res := p.chain.DispatchControlIn(filter.ControlTransfer{Request: xfer.Request, Data: resp, Stalled: stalled})
	if res.Stalled {
		return p.respond(t, nil, true)
	}
	if !t.Request.IsIn() {
		return p.respond(t, nil, false)
	}
	n := int(t.Request.Length)
	if t.Length > 0 && t.Length < n {
		n = t.Length
	}
	return p.respond(t, clamp(res.Data, n), false)
}

func (p *Proxy) handleIn(ctx context.Context, t *Transaction) error {
	ep := p.chain.DispatchInToken(t.Endpoint)
	readCtx, cancel := t.bind(ctx)
	defer cancel()
	data, stalled, err := p.device.ReadEndpoint(readCtx, ep, t.Length)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if t.isWithdrawn() {
			p.logger.Debug("IN poll withdrawn by the host", "id", t.ID, "ep", t.Endpoint)
			return nil
		}
		return &TransportError{Side: SideDevice, Op: "read endpoint", Err: err}
	}
	if stalled {
		return p.respond(t, nil, true)
	}
	data = p.chain.DispatchInData(t.Endpoint, data)
	return p.respond(t, clamp(data, t.Length), false)
}

func (p *Proxy) handleOut(ctx context.Context, t *Transaction) error {
	ep, data := p.chain.DispatchOutData(t.Endpoint, t.Data)
	stalled, err := p.device.WriteEndpoint(context.WithoutCancel(ctx), ep, data)
	if err != nil {
		return &TransportError{Side: SideDevice, Op: "write endpoint", Err: err}
	}
	return p.respond(t, nil, stalled)
}

func (p *Proxy) respond(t *Transaction, data []byte, stalled bool) error {
	p.stats.record(t, len(data), stalled)
	if err := p.host.Respond(t, data, stalled); err != nil {
		return &TransportError{Side: SideHost, Op: "respond", Err: err}
	}
	return nil
}

func clamp(data []byte, n int) []byte {
	if n >= 0 && len(data) > n {
		return data[:n]
	}
	return data
}
