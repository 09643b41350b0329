// Package registers implements the shared I/O table PLC logic and the
// physics/sensor side exchange values through. The layout follows Modbus
// conventions: two discrete classes (input bits and coils) and two analog
// classes (input registers and holding registers). Writes land in a pending
// bank and become visible all at once on Commit, so a reader never observes
// a half-written tick.
package registers

import (
	"errors"
	"fmt"
	"sync"
)

// Class identifies one of the four Modbus-shaped register classes.
// Input classes are written by the physics/sensor side, output classes by
// PLC logic. The split is positional: nothing checks caller identity at
// runtime, ownership is enforced by which class a component is handed
// addresses in.
type Class uint8

const (
	DiscreteInput Class = iota
	Coil
	InputRegister
	HoldingRegister
	numClasses
)

func (c Class) String() string {
	switch c {
	case DiscreteInput:
		return "discrete-input"
	case Coil:
		return "coil"
	case InputRegister:
		return "input-register"
	case HoldingRegister:
		return "holding-register"
	default:
		return fmt.Sprintf("class(%d)", uint8(c))
	}
}

// Discrete reports whether the class holds bits rather than analog values.
func (c Class) Discrete() bool { return c == DiscreteInput || c == Coil }

var (
	// ErrRegisterContention marks a second write to the same address within
	// one uncommitted window. Address ownership makes this structurally
	// impossible in a correct build, so callers treat it as fatal.
	ErrRegisterContention = errors.New("register contention")

	ErrAddressRange = errors.New("address out of range")
	ErrClassKind    = errors.New("wrong value kind for class")
)

// Layout fixes the size of each class at construction. Addresses run from
// zero to size-1 within a class.
type Layout struct {
	DiscreteInputs   uint16
	Coils            uint16
	InputRegisters   uint16
	HoldingRegisters uint16
}

type bank struct {
	bits   [2][]bool    // DiscreteInput, Coil
	analog [2][]float64 // InputRegister, HoldingRegister
}

func newBank(l Layout) bank {
	return bank{
		bits:   [2][]bool{make([]bool, l.DiscreteInputs), make([]bool, l.Coils)},
		analog: [2][]float64{make([]float64, l.InputRegisters), make([]float64, l.HoldingRegisters)},
	}
}

// File is the process-wide register table. One exists per simulation run,
// built at startup from the address map.
type File struct {
	mu        sync.RWMutex
	committed bank
	pending   bank
	version   uint64

	// written tracks which addresses were touched in the current window,
	// per class. touched lists them for cheap clearing on commit.
	written [numClasses][]bool
	touched [numClasses][]uint16
}

func NewFile(l Layout) *File {
	f := &File{
		committed: newBank(l),
		pending:   newBank(l),
	}
	sizes := [numClasses]uint16{l.DiscreteInputs, l.Coils, l.InputRegisters, l.HoldingRegisters}
	for c := range f.written {
		f.written[c] = make([]bool, sizes[c])
	}
	return f
}

// Version counts commits. Snapshots carry it so a consumer can tell which
// tick boundary a register image belongs to.
func (f *File) Version() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.version
}

func (f *File) markWritten(c Class, addr uint16) error {
	if f.written[c][addr] {
		return fmt.Errorf("%w: %s address %d written twice in one window", ErrRegisterContention, c, addr)
	}
	f.written[c][addr] = true
	f.touched[c] = append(f.touched[c], addr)
	return nil
}

// ReadBit returns the committed value of a discrete address.
func (f *File) ReadBit(c Class, addr uint16) (bool, error) {
	if !c.Discrete() {
		return false, fmt.Errorf("%w: bit read from %s", ErrClassKind, c)
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	bits := f.committed.bits[c-DiscreteInput]
	if int(addr) >= len(bits) {
		return false, fmt.Errorf("%w: %s address %d", ErrAddressRange, c, addr)
	}
	return bits[addr], nil
}

// WriteBit stages a discrete value. It stays invisible to readers until the
// next Commit.
func (f *File) WriteBit(c Class, addr uint16, v bool) error {
	if !c.Discrete() {
		return fmt.Errorf("%w: bit write to %s", ErrClassKind, c)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	bits := f.pending.bits[c-DiscreteInput]
	if int(addr) >= len(bits) {
		return fmt.Errorf("%w: %s address %d", ErrAddressRange, c, addr)
	}
	if err := f.markWritten(c, addr); err != nil {
		return err
	}
	bits[addr] = v
	return nil
}

// ReadAnalog returns the committed value of an analog address.
func (f *File) ReadAnalog(c Class, addr uint16) (float64, error) {
	if c.Discrete() {
		return 0, fmt.Errorf("%w: analog read from %s", ErrClassKind, c)
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	regs := f.committed.analog[c-InputRegister]
	if int(addr) >= len(regs) {
		return 0, fmt.Errorf("%w: %s address %d", ErrAddressRange, c, addr)
	}
	return regs[addr], nil
}

// WriteAnalog stages an analog value for the next Commit.
func (f *File) WriteAnalog(c Class, addr uint16, v float64) error {
	if c.Discrete() {
		return fmt.Errorf("%w: analog write to %s", ErrClassKind, c)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	regs := f.pending.analog[c-InputRegister]
	if int(addr) >= len(regs) {
		return fmt.Errorf("%w: %s address %d", ErrAddressRange, c, addr)
	}
	if err := f.markWritten(c, addr); err != nil {
		return err
	}
	regs[addr] = v
	return nil
}

// Commit makes all staged writes visible atomically and opens a fresh write
// window. Unwritten addresses keep their previous values.
func (f *File) Commit() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for c := range f.touched {
		for _, addr := range f.touched[c] {
			switch Class(c) {
			case DiscreteInput, Coil:
				f.committed.bits[c-int(DiscreteInput)][addr] = f.pending.bits[c-int(DiscreteInput)][addr]
			case InputRegister, HoldingRegister:
				f.committed.analog[c-int(InputRegister)][addr] = f.pending.analog[c-int(InputRegister)][addr]
			}
			f.written[c][addr] = false
		}
		f.touched[c] = f.touched[c][:0]
	}
	f.version++
}

// Image is a deep copy of the committed banks at a commit boundary.
type Image struct {
	Version          uint64    `json:"version"`
	DiscreteInputs   []bool    `json:"discrete_inputs"`
	Coils            []bool    `json:"coils"`
	InputRegisters   []float64 `json:"input_registers"`
	HoldingRegisters []float64 `json:"holding_registers"`
}

// SnapshotRegisters copies the committed state. The copy shares nothing
// with the file, so consumers may hold it indefinitely.
func (f *File) SnapshotRegisters() Image {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return Image{
		Version:          f.version,
		DiscreteInputs:   append([]bool(nil), f.committed.bits[0]...),
		Coils:            append([]bool(nil), f.committed.bits[1]...),
		InputRegisters:   append([]float64(nil), f.committed.analog[0]...),
		HoldingRegisters: append([]float64(nil), f.committed.analog[1]...),
	}
}

// Equal reports bit-identical register content, ignoring the version.
func (im Image) Equal(other Image) bool {
	if len(im.DiscreteInputs) != len(other.DiscreteInputs) ||
		len(im.Coils) != len(other.Coils) ||
		len(im.InputRegisters) != len(other.InputRegisters) ||
		len(im.HoldingRegisters) != len(other.HoldingRegisters) {
		return false
	}
	for i := range im.DiscreteInputs {
		if im.DiscreteInputs[i] != other.DiscreteInputs[i] {
			return false
		}
	}
	for i := range im.Coils {
		if im.Coils[i] != other.Coils[i] {
			return false
		}
	}
	for i := range im.InputRegisters {
		if im.InputRegisters[i] != other.InputRegisters[i] {
			return false
		}
	}
	for i := range im.HoldingRegisters {
		if im.HoldingRegisters[i] != other.HoldingRegisters[i] {
			return false
		}
	}
	return true
}
