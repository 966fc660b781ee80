// Package topo resolves a core's identity from the CPUID topology
// leaves.
//
// Identity drives the per-core stack lookup, so resolution has to work
// on everything from a pre-Nehalem part to a many-tier hybrid: the
// wide x2APIC identifier is preferred when a topology leaf reports
// one, and the 8-bit initial APIC ID caps the cascade on hardware
// that predates both.
package topo

import "github.com/tinyrange/mpboot/internal/x86"

// fromTopologyV2 probes the v2 extended topology leaf. A part that
// does not implement the leaf returns zero in every result register.
func fromTopologyV2(q x86.Querier) (uint32, bool) {
	r := q.Query(x86.LeafTopologyV2, 0)
	if r.IsZero() {
		return 0, false
	}
	return r.EDX, true
}

// fromTopology probes the original extended topology leaf, with the
// same unimplemented-leaf convention.
func fromTopology(q x86.Querier) (uint32, bool) {
	r := q.Query(x86.LeafTopology, 0)
	if r.IsZero() {
		return 0, false
	}
	return r.EDX, true
}

// fromInitialAPIC reads the initial APIC ID out of the feature leaf.
// Every part implements leaf 1, so this tier always yields a value.
func fromInitialAPIC(q x86.Querier) uint32 {
	r := q.Query(x86.LeafFeatures, 0)
	return (r.EBX >> x86.InitialAPICIDShift) & x86.InitialAPICIDMask
}

// Resolve returns the calling core's identifier. The first topology
// tier that answers wins; later tiers are not consulted.
func Resolve(q x86.Querier) uint32 {
	if id, ok := fromTopologyV2(q); ok {
		return id
	}
	if id, ok := fromTopology(q); ok {
		return id
	}
	return fromInitialAPIC(q)
}
