package diagnostics

import (
	"math/rand"
	"time"
)

// Options configures Simulator (spec §4.5). A nil *Options passed to
// Simulator.SetOptions disables chaos injection entirely.
type Options struct {
	// PacketLossPercent is a probability in [0, 100]: the call is dropped
	// entirely and never reaches the real send path.
	PacketLossPercent float64
	LatencyMs         int
	JitterMs          int
}

// Simulator is a development aid that perturbs outgoing sends with
// induced packet loss and latency. It never affects inbound traffic.
type Simulator struct {
	opts *Options
}

// NewSimulator returns a disabled Simulator.
func NewSimulator() *Simulator { return &Simulator{} }

// SetOptions replaces the active configuration; nil disables injection.
func (s *Simulator) SetOptions(opts *Options) { s.opts = opts }

// Enabled reports whether chaos injection is currently active.
func (s *Simulator) Enabled() bool { return s.opts != nil }

// Apply decides the fate of one outgoing call: drop reports true if the
// call must be dropped entirely; otherwise delay is how long to wait
// before invoking the real send path.
func (s *Simulator) Apply() (delay time.Duration, drop bool) {
	opts := s.opts
	if opts == nil {
		return 0, false
	}
	if opts.PacketLossPercent > 0 && rand.Float64()*100 < opts.PacketLossPercent {
		return 0, true
	}
	jitter := 0
	if opts.JitterMs > 0 {
		jitter = -opts.JitterMs + rand.Intn(2*opts.JitterMs+1)
	}
	ms := opts.LatencyMs + jitter
	if ms < 0 {
		ms = 0
	}
	return time.Duration(ms) * time.Millisecond, false
}
