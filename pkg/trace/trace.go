// Package trace provides a logic-analyzer style tracing capability.
//
// Code on the interrupt path and the main loop raises and lowers numbered
// bits on one of two channels around the work it is doing. An [Analyzer]
// is injected wherever tracing is wanted; [Nop] discards everything.
//
// Interrupt handlers and the main loop must use separate channels.
package trace

import (
	"fmt"
	"sync"

	"github.com/ardnew/gcpusb/pkg"
)

// Channel selects one of the two 8-bit trace ports.
type Channel uint8

// Trace channels.
const (
	ChannelA Channel = iota
	ChannelB
)

// String returns a string representation of the channel.
func (c Channel) String() string {
	switch c {
	case ChannelA:
		return "A"
	case ChannelB:
		return "B"
	default:
		return fmt.Sprintf("Channel(%d)", uint8(c))
	}
}

// Bit is a bit number within a channel.
type Bit uint8

// Channel A bits, driven by controller operations.
const (
	BitGetEvents     Bit = 0
	BitReadControl   Bit = 1
	BitReadEndpoint  Bit = 2
	BitWriteEndpoint Bit = 3
	BitPrimeReceive  Bit = 4
	BitPacketPush    Bit = 6
	BitPacketPop     Bit = 7
)

// Channel B bits, driven by interrupt dispatch.
const (
	BitEndpointIs0  Bit = 0
	BitEndpointIs1  Bit = 1
	BitIRQBusReset  Bit = 2
	BitIRQEPControl Bit = 3
	BitIRQEPIn      Bit = 4
	BitIRQEPOut     Bit = 5
)

// Analyzer drives trace bits high and low.
type Analyzer interface {
	High(ch Channel, bit Bit)
	Low(ch Channel, bit Bit)
}

// Nop is an Analyzer that does nothing.
type Nop struct{}

// High implements Analyzer.
func (Nop) High(Channel, Bit) {}

// Low implements Analyzer.
func (Nop) Low(Channel, Bit) {}

// OrNop returns a, or Nop if a is nil.
func OrNop(a Analyzer) Analyzer {
	if a == nil {
		return Nop{}
	}
	return a
}

// Span raises bit on ch and returns the function that lowers it.
//
//	defer trace.Span(a, trace.ChannelA, trace.BitReadControl)()
func Span(a Analyzer, ch Channel, bit Bit) func() {
	a.High(ch, bit)
	return func() { a.Low(ch, bit) }
}

// Edge is a single recorded transition.
type Edge struct {
	Channel Channel
	Bit     Bit
	High    bool
}

// String returns a string representation of the edge.
func (e Edge) String() string {
	dir := "low"
	if e.High {
		dir = "high"
	}
	return fmt.Sprintf("%s%d:%s", e.Channel, e.Bit, dir)
}

// Recorder is an Analyzer that keeps every transition and the current
// level of each bit. It is safe for concurrent use.
type Recorder struct {
	mu    sync.Mutex
	edges []Edge
	level [2]uint8
}

// High implements Analyzer.
func (r *Recorder) High(ch Channel, bit Bit) { r.record(ch, bit, true) }

// Low implements Analyzer.
func (r *Recorder) Low(ch Channel, bit Bit) { r.record(ch, bit, false) }

func (r *Recorder) record(ch Channel, bit Bit, high bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.edges = append(r.edges, Edge{Channel: ch, Bit: bit, High: high})
	if int(ch) < len(r.level) && bit < 8 {
		if high {
			r.level[ch] |= 1 << bit
		} else {
			r.level[ch] &^= 1 << bit
		}
	}
}

// Edges returns a copy of the recorded transitions.
func (r *Recorder) Edges() []Edge {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Edge(nil), r.edges...)
}

// Level returns the current port value of ch.
func (r *Recorder) Level(ch Channel) uint8 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if int(ch) >= len(r.level) {
		return 0
	}
	return r.level[ch]
}

// Count returns how many times bit on ch went high.
func (r *Recorder) Count(ch Channel, bit Bit) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.edges {
		if e.Channel == ch && e.Bit == bit && e.High {
			n++
		}
	}
	return n
}

// Reset discards recorded transitions and lowers every bit.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.edges = nil
	r.level = [2]uint8{}
}

// Logger is an Analyzer that writes each transition at debug level.
type Logger struct{}

// High implements Analyzer.
func (Logger) High(ch Channel, bit Bit) {
	pkg.LogDebug(pkg.ComponentHAL, "trace", "edge", Edge{ch, bit, true})
}

// Low implements Analyzer.
func (Logger) Low(ch Channel, bit Bit) {
	pkg.LogDebug(pkg.ComponentHAL, "trace", "edge", Edge{ch, bit, false})
}
