package hal

import (
	"sync/atomic"

	"github.com/efficientgo/core/errors"

	"github.com/ardnew/gcpusb/pkg"
)

// Peripheral owns the registers of one physical controller until they are
// taken. Ownership can be transferred exactly once.
type Peripheral[R Registers] struct {
	name  string
	regs  R
	taken atomic.Bool
}

// NewPeripheral wraps the registers of a controller named name.
func NewPeripheral[R Registers](name string, regs R) *Peripheral[R] {
	return &Peripheral[R]{name: name, regs: regs}
}

// Name returns the controller name.
func (p *Peripheral[R]) Name() string {
	return p.name
}

// Take transfers ownership of the registers to the caller. Every call after
// the first returns [pkg.ErrAlreadyTaken].
func (p *Peripheral[R]) Take() (R, error) {
	if !p.taken.CompareAndSwap(false, true) {
		var zero R
		return zero, errors.Wrapf(pkg.ErrAlreadyTaken, "controller %s", p.name)
	}
	return p.regs, nil
}
