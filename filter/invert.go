package filter

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrShortPayload is reported by AxisInvert in strict mode when a payload
// does not reach a configured offset.
var ErrShortPayload = errors.New("payload shorter than axis offset")

// AxisInvert mirrors 8 bit axis values (v becomes 0xff-v) in IN reports, e.g.
// to flip a joystick axis. Applying it twice restores the original report.
//
// Offsets past the end of a payload are left alone and the rest of the
// payload is still processed. With Strict set, such a payload is reported as
// a hook failure instead, so it reaches the host unmodified and shows up in
// the logs.
type AxisInvert struct {
	Endpoint uint8 // host-facing IN endpoint; 0 matches every endpoint
	Offsets  []int
	Strict   bool
}

func (a *AxisInvert) Name() string {
	parts := make([]string, len(a.Offsets))
	for i, o := range a.Offsets {
		parts[i] = strconv.Itoa(o)
	}
	return fmt.Sprintf("axis-invert(ep=%d offsets=%s)", a.Endpoint, strings.Join(parts, ","))
}

func (a *AxisInvert) FilterIn(ep uint8, data []byte) ([]byte, error) {
	if a.Endpoint != 0 && ep != a.Endpoint {
		return data, nil
	}
	for _, off := range a.Offsets {
		if off < 0 || off >= len(data) {
			if a.Strict {
				return data, fmt.Errorf("%w: offset %d, %d byte payload", ErrShortPayload, off, len(data))
			}
			continue
		}
		data[off] = 0xff - data[off]
	}
	return data, nil
}
