package apsim

import (
	"fmt"
	"os"

	"github.com/tinyrange/mpboot/internal/ap"
	"github.com/tinyrange/mpboot/internal/x86"
	"gopkg.in/yaml.v3"
)

// Topology selections for a profile.
const (
	TopologyV2       = "v2"       // leaves 0x1F and 0x0B answer
	TopologyExtended = "extended" // only leaf 0x0B answers
	TopologyLegacy   = "legacy"   // neither; leaf 1 carries the identity
)

// Profile describes a simulated platform: which CPUID leaves answer,
// the identity each core reports, and the boot state the bootstrap
// processor publishes.
type Profile struct {
	Name     string `yaml:"name,omitempty"`
	Topology string `yaml:"topology,omitempty"`
	NX       bool   `yaml:"nx,omitempty"`

	// APICIDs lists each core's identifier, in wake order.
	APICIDs []uint32 `yaml:"apicIds"`

	// PageTableRoot and Stacks are the published boot state. Stacks
	// are indexed by identifier, not wake order.
	PageTableRoot uint64   `yaml:"pageTableRoot"`
	Stacks        []uint64 `yaml:"stacks"`
}

func (p *Profile) normalize() {
	if p.Topology == "" {
		p.Topology = TopologyV2
	}
}

// Validate checks the profile for shapes no hardware could report.
func (p *Profile) Validate() error {
	switch p.Topology {
	case TopologyV2, TopologyExtended, TopologyLegacy:
	default:
		return fmt.Errorf("apsim: unknown topology %q", p.Topology)
	}

	if len(p.APICIDs) == 0 {
		return fmt.Errorf("apsim: profile has no cores")
	}

	seen := make(map[uint32]int)
	for i, id := range p.APICIDs {
		if p.Topology == TopologyLegacy && id > 0xFF {
			return fmt.Errorf("apsim: core %d identifier 0x%x does not fit the legacy 8-bit field", i, id)
		}
		if prev, ok := seen[id]; ok {
			return fmt.Errorf("apsim: cores %d and %d share identifier %d", prev, i, id)
		}
		seen[id] = i
	}

	return nil
}

// LoadProfile reads and validates a profile file.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile: %w", err)
	}

	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse profile: %w", err)
	}
	p.normalize()

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// DefaultProfile returns a four-core v2 platform with NX, enough to
// demo the whole sequence.
func DefaultProfile() *Profile {
	p := &Profile{
		Name:          "default",
		NX:            true,
		APICIDs:       []uint32{0, 1, 2, 3},
		PageTableRoot: 0x10_0000,
		Stacks:        []uint64{0x7000, 0x8000, 0x9000, 0xA000},
	}
	p.normalize()
	return p
}

// BootInfo seals the profile's published state.
func (p *Profile) BootInfo() (*ap.BootInfo, error) {
	b := &ap.Builder{
		PageTableRoot: p.PageTableRoot,
		Stacks:        p.Stacks,
	}
	return b.Seal()
}

// Querier returns the CPUID view of the nth woken core. Cores the
// profile does not list observe all-zero leaves and resolve to
// identifier zero.
func (p *Profile) Querier(core int) x86.Querier {
	if core < 0 || core >= len(p.APICIDs) {
		return x86.TableQuerier{}
	}
	id := p.APICIDs[core]

	t := x86.TableQuerier{
		x86.LeafVendor: p.vendorLeaf(),
		// The legacy initial APIC ID field truncates wide
		// identifiers, just like the hardware field it models.
		x86.LeafFeatures: {EBX: (id & x86.InitialAPICIDMask) << x86.InitialAPICIDShift},
	}

	switch p.Topology {
	case TopologyV2:
		t[x86.LeafTopologyV2] = topologyResult(id)
		t[x86.LeafTopology] = topologyResult(id)
	case TopologyExtended:
		t[x86.LeafTopology] = topologyResult(id)
	}

	if p.NX {
		t[x86.LeafExtFeatures] = x86.Result{EDX: x86.ExtFeatureNX}
	}

	return t
}

func (p *Profile) vendorLeaf() x86.Result {
	max := x86.LeafFeatures
	switch p.Topology {
	case TopologyV2:
		max = x86.LeafTopologyV2
	case TopologyExtended:
		max = x86.LeafTopology
	}

	// "GenuineIntel" in the usual EBX/EDX/ECX order.
	return x86.Result{
		EAX: max,
		EBX: 0x756E6547,
		ECX: 0x6C65746E,
		EDX: 0x49656E69,
	}
}

// topologyResult shapes a topology leaf answer: one logical processor
// at a thread-type level 0, identifier in EDX.
func topologyResult(id uint32) x86.Result {
	return x86.Result{EAX: 1, EBX: 1, ECX: 0x0100, EDX: id}
}

// Machine builds the simulated machine the profile describes. The
// profile is normalized first, so a literal Profile gets the same
// defaults a loaded file does.
func (p *Profile) Machine(entry ap.KernelEntry) (*Machine, error) {
	p.normalize()
	if err := p.Validate(); err != nil {
		return nil, err
	}

	info, err := p.BootInfo()
	if err != nil {
		return nil, err
	}

	return NewMachine(info, len(p.APICIDs), p.Querier, entry), nil
}
