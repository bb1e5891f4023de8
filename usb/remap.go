package usb

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

var (
	// ErrUnmappedEndpoint is matched by *UnmappedEndpointError.
	ErrUnmappedEndpoint   = errors.New("unmapped endpoint")
	ErrInvalidEndpointMap = errors.New("invalid endpoint map")
)

// UnmappedEndpointError reports an endpoint present in a descriptor but
// missing from the EndpointMap applied to it.
type UnmappedEndpointError struct {
	Number uint8
}

func (e *UnmappedEndpointError) Error() string {
	return fmt.Sprintf("endpoint %d has no mapping", e.Number)
}

func (e *UnmappedEndpointError) Is(target error) bool {
	return target == ErrUnmappedEndpoint
}

// EndpointMap maps device endpoint numbers to the numbers the host sees.
// A valid map is a permutation of its own key set, so it always has an inverse.
type EndpointMap map[uint8]uint8

// SwapEndpoints returns the map exchanging a and b.
func SwapEndpoints(a, b uint8) EndpointMap {
	return EndpointMap{a: b, b: a}
}

// ParseEndpointMap parses "device:host" pairs separated by commas, e.g.
// "1:2,2:1,3:3".
func ParseEndpointMap(s string) (EndpointMap, error) {
	m := EndpointMap{}
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		from, to, ok := strings.Cut(pair, ":")
		if !ok {
			return nil, fmt.Errorf("%w: pair %q is not device:host", ErrInvalidEndpointMap, pair)
		}
		f, err := strconv.ParseUint(strings.TrimSpace(from), 10, 8)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrInvalidEndpointMap, pair, err)
		}
		t, err := strconv.ParseUint(strings.TrimSpace(to), 10, 8)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrInvalidEndpointMap, pair, err)
		}
		if _, dup := m[uint8(f)]; dup {
			return nil, fmt.Errorf("%w: endpoint %d mapped twice", ErrInvalidEndpointMap, f)
		}
		m[uint8(f)] = uint8(t)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Validate checks that all numbers are in 1..15 and that the map is a
// bijection over its keys.
func (m EndpointMap) Validate() error {
	if len(m) == 0 {
		return fmt.Errorf("%w: empty", ErrInvalidEndpointMap)
	}
	seen := make(map[uint8]bool, len(m))
	for from, to := range m {
		if from < 1 || from > 15 || to < 1 || to > 15 {
			return fmt.Errorf("%w: %d:%d outside 1-15", ErrInvalidEndpointMap, from, to)
		}
		if seen[to] {
			return fmt.Errorf("%w: endpoint %d is a target twice", ErrInvalidEndpointMap, to)
		}
		seen[to] = true
	}
	for to := range seen {
		if _, ok := m[to]; !ok {
			return fmt.Errorf("%w: endpoint %d is a target but not a source", ErrInvalidEndpointMap, to)
		}
	}
	return nil
}

// Inverse returns the host-to-device map.
func (m EndpointMap) Inverse() EndpointMap {
	inv := make(EndpointMap, len(m))
	for from, to := range m {
		inv[to] = from
	}
	return inv
}

func (m EndpointMap) String() string {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, int(k))
	}
	sort.Ints(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%d:%d", k, m[uint8(k)]))
	}
	return strings.Join(parts, ",")
}

// CheckEndpoints verifies that every endpoint in cfg has a mapping.
func CheckEndpoints(cfg *ConfigDescriptor, m EndpointMap) error {
	for _, ep := range cfg.Endpoints() {
		if _, ok := m[ep.Number()]; !ok {
			return &UnmappedEndpointError{Number: ep.Number()}
		}
	}
	return nil
}

// RemapEndpoints renumbers the endpoints of cfg in place and returns cfg.
// Nothing is modified when m is not a valid map or an endpoint has no
// mapping. Direction bits are left untouched.
func RemapEndpoints(cfg *ConfigDescriptor, m EndpointMap) (*ConfigDescriptor, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if err := CheckEndpoints(cfg, m); err != nil {
		return nil, err
	}
	for _, ep := range cfg.Endpoints() {
		ep.SetNumber(m[ep.Number()])
	}
	return cfg, nil
}
