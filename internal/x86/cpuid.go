package x86

import "sync"

// CPUID leaves the boot path consults.
const (
	LeafVendor      uint32 = 0x0000_0000 // also issued purely to serialize
	LeafFeatures    uint32 = 0x0000_0001
	LeafTopology    uint32 = 0x0000_000B
	LeafTopologyV2  uint32 = 0x0000_001F
	LeafExtFeatures uint32 = 0x8000_0001
)

// ExtFeatureNX is the no-execute bit in LeafExtFeatures EDX.
const ExtFeatureNX uint32 = 1 << 20

// InitialAPICIDShift extracts the legacy 8-bit initial APIC ID from
// LeafFeatures EBX.
const (
	InitialAPICIDShift = 24
	InitialAPICIDMask  = 0xFF
)

// Result holds the four registers a CPUID query returns.
type Result struct {
	EAX uint32
	EBX uint32
	ECX uint32
	EDX uint32
}

// IsZero reports whether every result register is zero, the signal
// that a topology leaf is not implemented.
func (r Result) IsZero() bool {
	return r.EAX|r.EBX|r.ECX|r.EDX == 0
}

// Querier answers CPUID queries for a single core. Answers must be
// stable: the same query always returns the same result.
type Querier interface {
	Query(leaf, subleaf uint32) Result
}

// QuerierFunc adapts a function to the Querier interface.
type QuerierFunc func(leaf, subleaf uint32) Result

func (f QuerierFunc) Query(leaf, subleaf uint32) Result {
	return f(leaf, subleaf)
}

// SupportsNX probes the extended feature leaf for no-execute paging.
func SupportsNX(q Querier) bool {
	return q.Query(LeafExtFeatures, 0).EDX&ExtFeatureNX != 0
}

// TableQuerier answers from a fixed per-leaf table. Absent leaves
// return the all-zero result, matching how hardware reports an
// unimplemented topology leaf. Subleaves beyond 0 are not modeled.
type TableQuerier map[uint32]Result

func (t TableQuerier) Query(leaf, subleaf uint32) Result {
	if subleaf != 0 {
		return Result{}
	}
	return t[leaf]
}

// RecordingQuerier wraps a querier and records every leaf consulted,
// in order, so callers can assert which probes ran.
type RecordingQuerier struct {
	Inner Querier

	mu     sync.Mutex
	leaves []uint32
}

func (r *RecordingQuerier) Query(leaf, subleaf uint32) Result {
	r.mu.Lock()
	r.leaves = append(r.leaves, leaf)
	r.mu.Unlock()
	return r.Inner.Query(leaf, subleaf)
}

// Leaves returns a copy of the recorded query order.
func (r *RecordingQuerier) Leaves() []uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]uint32, len(r.leaves))
	copy(out, r.leaves)
	return out
}

// Queried reports whether the given leaf was consulted at least once.
func (r *RecordingQuerier) Queried(leaf uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range r.leaves {
		if l == leaf {
			return true
		}
	}
	return false
}
