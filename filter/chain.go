package filter

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Alia5/usbmitm/usb"
	"go.uber.org/atomic"
)

type hook[T any] struct {
	name string
	h    T
}

// Chain is an ordered list of filters. Registration order is dispatch order.
// A Chain is not safe for concurrent dispatch; the proxy drives it from a
// single goroutine.
type Chain struct {
	logger  *slog.Logger
	filters []Filter

	controlIn  []hook[ControlInFilter]
	controlOut []hook[ControlOutFilter]
	inToken    []hook[InTokenFilter]
	in         []hook[InDataFilter]
	out        []hook[OutDataFilter]
	validators []hook[Validator]

	failures atomic.Uint64
}

func NewChain(logger *slog.Logger) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{logger: logger}
}

// Add appends f to the chain. The hooks f implements are resolved here, once.
func (c *Chain) Add(f Filter) error {
	if f == nil {
		return errors.New("filter is nil")
	}
	name := filterName(f)
	n := 0
	if h, ok := f.(ControlInFilter); ok {
		c.controlIn = append(c.controlIn, hook[ControlInFilter]{name, h})
		n++
	}
	if h, ok := f.(ControlOutFilter); ok {
		c.controlOut = append(c.controlOut, hook[ControlOutFilter]{name, h})
		n++
	}
	if h, ok := f.(InTokenFilter); ok {
		c.inToken = append(c.inToken, hook[InTokenFilter]{name, h})
		n++
	}
	if h, ok := f.(InDataFilter); ok {
		c.in = append(c.in, hook[InDataFilter]{name, h})
		n++
	}
	if h, ok := f.(OutDataFilter); ok {
		c.out = append(c.out, hook[OutDataFilter]{name, h})
		n++
	}
	if h, ok := f.(Validator); ok {
		c.validators = append(c.validators, hook[Validator]{name, h})
	}
	if n == 0 {
		c.logger.Warn("Filter implements no hooks", "filter", name)
	}
	c.filters = append(c.filters, f)
	c.logger.Debug("Filter registered", "filter", name, "position", len(c.filters), "hooks", n)
	return nil
}

// Filters returns the registered filters in dispatch order.
func (c *Chain) Filters() []Filter {
	return append([]Filter(nil), c.filters...)
}

func (c *Chain) Len() int {
	return len(c.filters)
}

// HookFailures is the number of hook invocations that failed so far.
func (c *Chain) HookFailures() uint64 {
	return c.failures.Load()
}

// Validate runs every Validator against cfg and returns the first failure.
func (c *Chain) Validate(cfg *usb.ConfigDescriptor) error {
	for _, v := range c.validators {
		if err := v.h.Validate(cfg); err != nil {
			return fmt.Errorf("filter %s: %w", v.name, err)
		}
	}
	return nil
}

// DispatchControlIn threads a device response through every ControlInFilter.
// Dispatch stops at the first filter that returns a stalled transfer, and a
// transfer that arrives stalled is returned untouched.
func (c *Chain) DispatchControlIn(xfer ControlTransfer) ControlTransfer {
	if xfer.Stalled {
		c.logger.Debug("Control request stalled by device", "request", xfer.Request)
		return xfer
	}
	for _, f := range c.controlIn {
		var res ControlTransfer
		arg := xfer
		arg.Data = bytes.Clone(xfer.Data)
		if !c.invoke(f.name, HookControlIn, func() (err error) {
			res, err = f.h.FilterControlIn(arg)
			return err
		}) {
			continue
		}
		xfer = res
		if xfer.Stalled {
			c.logger.Debug("Control request stalled by filter", "filter", f.name, "hook", HookControlIn, "request", xfer.Request)
			break
		}
	}
	return xfer
}

// DispatchControlOut threads a host-to-device control request through every
// ControlOutFilter, with the same stall rules as DispatchControlIn.
func (c *Chain) DispatchControlOut(xfer ControlTransfer) ControlTransfer {
	if xfer.Stalled {
		return xfer
	}
	for _, f := range c.controlOut {
		var res ControlTransfer
		arg := xfer
		arg.Data = bytes.Clone(xfer.Data)
		if !c.invoke(f.name, HookControlOut, func() (err error) {
			res, err = f.h.FilterControlOut(arg)
			return err
		}) {
			continue
		}
		xfer = res
		if xfer.Stalled {
			c.logger.Debug("Control request stalled by filter", "filter", f.name, "hook", HookControlOut, "request", xfer.Request)
			break
		}
	}
	return xfer
}

// DispatchInToken returns the device endpoint a host IN poll on ep goes to.
// Each filter sees the number as rewritten by the filters before it.
func (c *Chain) DispatchInToken(ep uint8) uint8 {
	for _, f := range c.inToken {
		var res uint8
		if c.invoke(f.name, HookInToken, func() (err error) {
			res, err = f.h.FilterInToken(ep)
			return err
		}) {
			ep = res
		}
	}
	return ep
}

// DispatchInData threads an IN payload through every InDataFilter.
func (c *Chain) DispatchInData(ep uint8, data []byte) []byte {
	for _, f := range c.in {
		var res []byte
		arg := bytes.Clone(data)
		if c.invoke(f.name, HookIn, func() (err error) {
			res, err = f.h.FilterIn(ep, arg)
			return err
		}) {
			data = res
		}
	}
	return data
}

// DispatchOutData returns the device endpoint and payload for a host OUT
// transfer on ep.
func (c *Chain) DispatchOutData(ep uint8, data []byte) (uint8, []byte) {
	for _, f := range c.out {
		var (
			resEp   uint8
			resData []byte
		)
		arg := bytes.Clone(data)
		if c.invoke(f.name, HookOut, func() (err error) {
			resEp, resData, err = f.h.FilterOut(ep, arg)
			return err
		}) {
			ep, data = resEp, resData
		}
	}
	return ep, data
}

// invoke runs fn, converting a panic into an error. Failures are logged and
// counted; the caller keeps its input when invoke returns false.
func (c *Chain) invoke(name, hookName string, fn func() error) bool {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return fn()
	}()
	if err == nil {
		return true
	}
	c.failures.Inc()
	c.logger.Warn("Filter hook failed, passing transfer through",
		"filter", name, "hook", hookName, "error", &FilterHookError{Filter: name, Hook: hookName, Err: err})
	return false
}

func filterName(f Filter) string {
	if n, ok := f.(Named); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", f)
}
