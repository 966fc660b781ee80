package apsim

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/tinyrange/mpboot/internal/ap"
	"github.com/tinyrange/mpboot/internal/x86"
)

// Machine drives a set of simulated cores through the bring-up
// sequence, one goroutine per core, the way the wake protocol
// releases real ones. Cores share only the sealed boot info.
type Machine struct {
	Cores []*Core
}

// NewMachine builds n cores over the same sealed boot info. The
// querier function supplies each core's CPUID view; the entry, which
// may be nil, is shared by all cores.
func NewMachine(info *ap.BootInfo, n int, querier func(core int) x86.Querier, entry ap.KernelEntry) *Machine {
	m := &Machine{Cores: make([]*Core, n)}
	for i := range m.Cores {
		m.Cores[i] = NewCore(info, querier(i), entry)
	}
	return m
}

// Start releases every core at once and waits for all of them to
// finish, joining any per-core failures. A core's run is straight
// line and never blocks, so cancellation abandons the wait rather
// than preempting a core.
func (m *Machine) Start(ctx context.Context) error {
	var wg sync.WaitGroup
	errs := make([]error, len(m.Cores))

	for i, c := range m.Cores {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.Run(); err != nil {
				errs[i] = fmt.Errorf("core %d: %w", i, err)
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return errors.Join(errs...)
	case <-ctx.Done():
		return ctx.Err()
	}
}
