package proxy

import (
	"time"

	"github.com/paulbellamy/ratecounter"
	"go.uber.org/atomic"
)

// Stats counts the transactions of a session. It may be read from any
// goroutine while the proxy runs.
type Stats struct {
	control  *atomic.Uint64
	in       *atomic.Uint64
	out      *atomic.Uint64
	stalls   *atomic.Uint64
	bytesIn  *atomic.Uint64
	bytesOut *atomic.Uint64

	rate *ratecounter.RateCounter
}

// Snapshot is a point in time copy of Stats.
type Snapshot struct {
	Control      uint64
	In           uint64
	Out          uint64
	Stalls       uint64
	BytesIn      uint64
	BytesOut     uint64
	HookFailures uint64
	// Rate is the number of transactions in the last second.
	Rate int64
}

func newStats() *Stats {
	return &Stats{
		control:  atomic.NewUint64(0),
		in:       atomic.NewUint64(0),
		out:      atomic.NewUint64(0),
		stalls:   atomic.NewUint64(0),
		bytesIn:  atomic.NewUint64(0),
		bytesOut: atomic.NewUint64(0),
		rate:     ratecounter.NewRateCounter(time.Second),
	}
}

func (s *Stats) record(t *Transaction, respLen int, stalled bool) {
	switch t.Kind {
	case KindControl:
		s.control.Inc()
	case KindIn:
		s.in.Inc()
	case KindOut:
		s.out.Inc()
	}
	if stalled {
		s.stalls.Inc()
	}
	s.bytesIn.Add(uint64(respLen))
	s.bytesOut.Add(uint64(len(t.Data)))
	s.rate.Incr(1)
}

func (s *Stats) snapshot() Snapshot {
	return Snapshot{
		Control:  s.control.Load(),
		In:       s.in.Load(),
		Out:      s.out.Load(),
		Stalls:   s.stalls.Load(),
		BytesIn:  s.bytesIn.Load(),
		BytesOut: s.bytesOut.Load(),
		Rate:     s.rate.Rate(),
	}
}

// Total is the number of completed transactions.
func (s Snapshot) Total() uint64 {
	return s.Control + s.In + s.Out
}
