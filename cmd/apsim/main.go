// Command apsim runs the application-processor bring-up sequence on a
// simulated machine and reports where every core ended up. It can
// also emit the trampoline image the same boot state produces, for
// inspection or for loading into a real guest.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	mpboot "github.com/tinyrange/mpboot"
)

func main() {
	var (
		profile = flag.String("profile", "", "Machine profile YAML (empty = built-in default)")
		verbose = flag.Bool("v", false, "Print each core's step trace")
		tramp   = flag.String("tramp", "", "Write the trampoline image to this file")
		base    = flag.Uint64("base", 0x8000, "Trampoline base address")
		entry   = flag.Uint64("entry", 0x20_0000, "Kernel entry address for the trampoline")
	)
	flag.Parse()

	if err := run(*profile, *tramp, *base, *entry, *verbose); err != nil {
		fmt.Fprintf(os.Stderr, "apsim failed: %v\n", err)
		os.Exit(1)
	}
}

func run(profilePath, trampPath string, base, entry uint64, verbose bool) error {
	p := mpboot.DefaultProfile()
	if profilePath != "" {
		var err error
		p, err = mpboot.LoadProfile(profilePath)
		if err != nil {
			return err
		}
	}

	name := p.Name
	if name == "" {
		name = "machine"
	}
	fmt.Printf("=== %s: %d core(s), topology %s, nx=%v ===\n",
		name, len(p.APICIDs), p.Topology, p.NX)

	m, err := p.Machine(nil)
	if err != nil {
		return err
	}
	if err := m.Start(context.Background()); err != nil {
		return err
	}

	for i, c := range m.Cores {
		fmt.Printf("core %d: id=%-4d rsp=%#-8x cr3=%#x mode=%s\n",
			i, c.ID, c.RSP, c.CR3, c.Mode)
		if verbose {
			for _, s := range c.Trace {
				fmt.Printf("  %s\n", s)
			}
		}
	}

	if trampPath != "" {
		if err := writeTrampoline(p, trampPath, base, entry); err != nil {
			return err
		}
	}

	fmt.Println("All cores reached the kernel handoff")
	return nil
}

func writeTrampoline(p *mpboot.Profile, path string, base, entry uint64) error {
	info, err := p.BootInfo()
	if err != nil {
		return err
	}

	blob, err := mpboot.BuildTrampoline(base, info, entry)
	if err != nil {
		return err
	}

	if err := os.WriteFile(path, blob.Image, 0644); err != nil {
		return fmt.Errorf("write image: %w", err)
	}

	fmt.Printf("trampoline: %d bytes at %#x, vector %#02x, stack table %#x\n",
		blob.Layout.Size, blob.Layout.Base, blob.Layout.Vector, blob.Layout.StackTable)
	return nil
}
