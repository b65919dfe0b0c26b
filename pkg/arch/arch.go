// Package arch provides the Architecture Adapter: a table-driven, uniform
// view over a tracee's register file that hides ptrace-regset layout
// quirks and per-class reconstruction rules.
//
// Each supported architecture contributes a static table of register
// descriptors behind its own build tag; the rest of the engine never
// branches on architecture directly.
package arch

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Class is one of the broad register categories a descriptor belongs to.
type Class int

const (
	ProgramCounter Class = iota
	Segment
	GeneralPurpose
	Status
	FloatingPoint
	FloatingPointStatus
	Vector
	VectorStatus
)

func (c Class) String() string {
	switch c {
	case ProgramCounter:
		return "pc"
	case Segment:
		return "segment"
	case GeneralPurpose:
		return "gp"
	case Status:
		return "status"
	case FloatingPoint:
		return "fp"
	case FloatingPointStatus:
		return "fp-status"
	case Vector:
		return "vector"
	case VectorStatus:
		return "vector-status"
	default:
		return fmt.Sprintf("Class(%d)", int(c))
	}
}

// Width is the register's type tag.
type Width int

const (
	U8 Width = iota
	U16
	U32
	U64
	U128
	Extended80
)

// Size returns the width's size in bytes.
func (w Width) Size() int {
	switch w {
	case U8:
		return 1
	case U16:
		return 2
	case U32:
		return 4
	case U64:
		return 8
	case U128:
		return 16
	case Extended80:
		return 10
	default:
		panic(fmt.Sprintf("arch: unknown register width tag %d", int(w)))
	}
}

// Regset identifies which ptrace regset a Descriptor's Offset is relative
// to. The Architecture Adapter reads each regset at most once per
// ReadRegisters call.
type Regset int

const (
	RegsetGeneral Regset = iota
	RegsetFloatingPoint
)

// StatusBitDecoder extracts a named field from a register value and
// renders it symbolically.
type StatusBitDecoder struct {
	Name string
	// Shift and Mask select the field: field = (value >> Shift) & Mask.
	Shift uint
	Mask  uint64
	// Symbols, if non-nil, maps the extracted field to a name. A field
	// value outside len(Symbols), or whose entry is empty, falls back to
	// a hex rendering.
	Symbols []string
}

// Decode renders the decoded field: a single-bit mask (Mask == 1) emits
// the flag name when set and the empty string otherwise; a multi-bit
// field with Symbols emits "name=symbol"; otherwise "name=0xHEX".
func (d StatusBitDecoder) Decode(value uint64) string {
	field := (value >> d.Shift) & d.Mask
	if d.Mask == 1 {
		if field != 0 {
			return d.Name
		}
		return ""
	}
	if d.Symbols != nil && int(field) < len(d.Symbols) && d.Symbols[field] != "" {
		return fmt.Sprintf("%s=%s", d.Name, d.Symbols[field])
	}
	return fmt.Sprintf("%s=0x%X", d.Name, field)
}

// Value is an extracted register value: up to 16 raw bytes in the
// platform's native (little-endian, on every architecture this adapter
// supports) byte order, tagged with the width that produced it.
type Value struct {
	Width Width
	Bytes [16]byte
}

// Uint64 interprets the low 8 bytes as a little-endian unsigned integer.
// Valid for widths U8 through U64.
func (v Value) Uint64() uint64 {
	var u uint64
	for i := 0; i < 8 && i < v.Width.Size(); i++ {
		u |= uint64(v.Bytes[i]) << (8 * i)
	}
	return u
}

func (v Value) String() string {
	n := v.Width.Size()
	// Render as big-endian hex (most significant byte first) for display,
	// independent of the little-endian storage above.
	out := make([]byte, 0, 2+2*n)
	out = append(out, '0', 'x')
	const hex = "0123456789abcdef"
	for i := n - 1; i >= 0; i-- {
		b := v.Bytes[i]
		out = append(out, hex[b>>4], hex[b&0xF])
	}
	return string(out)
}

// ValueFromUint64 builds a Value of the given width from a native
// unsigned integer, truncating to width.
func ValueFromUint64(w Width, u uint64) Value {
	v := Value{Width: w}
	for i := 0; i < w.Size() && i < 8; i++ {
		v.Bytes[i] = byte(u >> (8 * i))
	}
	return v
}

// Descriptor is a static, immutable description of one logical register.
// Descriptors are built once per architecture as package-level tables and
// never mutated.
type Descriptor struct {
	Name    string
	Class   Class
	Width   Width
	Regset  Regset
	// Offset is the byte offset of this register within the snapshot of
	// Regset, used when Extract is nil.
	Offset     uintptr
	StatusBits []StatusBitDecoder
	// Extract, if non-nil, overrides Offset-based extraction for
	// registers whose logical value isn't a straight copy of physical
	// bytes (x87 stack rotation, the reconstructed tag word, MMX
	// aliasing).
	Extract func(*Snapshot) (Value, error)
	// Writable reports whether SetRegister may target this descriptor.
	// Derived/decoded fields (e.g. individual status bits) are not
	// independently addressable and so have no Descriptor of their own;
	// this flag exists for descriptors that are readable but whose
	// physical storage the adapter does not support writing back to
	// (the reconstructed tag word, rotated st(i) registers).
	Writable bool
}

// Arch is the per-architecture register table plus the constants needed
// to bootstrap and drive a tracee.
type Arch interface {
	// Name identifies the architecture ("amd64", "arm").
	Name() string
	// Registers returns the immutable, process-global register table.
	Registers() []*Descriptor
	// Lookup finds a descriptor by name.
	Lookup(name string) (*Descriptor, bool)
	// TrapOpcode is the byte sequence whose execution raises the debug
	// trap signal.
	TrapOpcode() []byte
	// TargetAddress is the fixed virtual address at which the SCP must
	// be mapped in the tracee.
	TargetAddress() uintptr
	// ReadRegisters fetches every regset the given descriptors need from
	// pid and returns a populated Snapshot.
	ReadRegisters(pid int, descriptors []*Descriptor) (*Snapshot, error)
	// WriteRegisters writes a modified register value back into the
	// tracee identified by pid.
	WriteRegisters(pid int, d *Descriptor, value Value) error
	// ResetProgramCounter points pid's program counter at the SCP base
	// address before a resume.
	ResetProgramCounter(pid int, scpBase uintptr) error
	// ProgramCounter reads pid's current program counter.
	ProgramCounter(pid int) (uintptr, error)
}

// table is the common implementation shared by every Arch; per-arch
// files provide the descriptor slice and the regset accessors.
type table struct {
	name       string
	descs      []*Descriptor
	byName     map[string]*Descriptor
	trapOpcode []byte
	targetAddr uintptr
	readGP     func(pid int) (GPRegs, error)
	writeGP    func(pid int, regs GPRegs) error
	readFP     func(pid int) (FPRegs, error)
	writeFP    func(pid int, regs FPRegs) error
	ipField    func(*GPRegs) *uint64
}

func newTable(name string, descs []*Descriptor, trapOpcode []byte, targetAddr uintptr) *table {
	t := &table{
		name:       name,
		descs:      descs,
		byName:     make(map[string]*Descriptor, len(descs)),
		trapOpcode: trapOpcode,
		targetAddr: targetAddr,
	}
	for _, d := range descs {
		t.byName[d.Name] = d
	}
	return t
}

func (t *table) Name() string                  { return t.name }
func (t *table) Registers() []*Descriptor       { return t.descs }
func (t *table) TrapOpcode() []byte             { return t.trapOpcode }
func (t *table) TargetAddress() uintptr         { return t.targetAddr }
func (t *table) Lookup(name string) (*Descriptor, bool) {
	d, ok := t.byName[name]
	return d, ok
}

// Snapshot holds one point-in-time capture of a tracee's register file,
// fetched one ptrace regset at a time.
type Snapshot struct {
	GP     GPRegs
	FP     FPRegs
	haveFP bool
}

func (t *table) ReadRegisters(pid int, descriptors []*Descriptor) (*Snapshot, error) {
	s := &Snapshot{}
	needFP := false
	for _, d := range descriptors {
		if d.Regset == RegsetFloatingPoint {
			needFP = true
		}
	}
	gp, err := t.readGP(pid)
	if err != nil {
		return nil, fmt.Errorf("arch: read general regset: %w", err)
	}
	s.GP = gp
	if needFP {
		fp, err := t.readFP(pid)
		if err != nil {
			return nil, fmt.Errorf("arch: read floating-point regset: %w", err)
		}
		s.FP = fp
		s.haveFP = true
	}
	return s, nil
}

func (t *table) WriteRegisters(pid int, d *Descriptor, value Value) error {
	if !d.Writable {
		return fmt.Errorf("arch: register %q is not writable", d.Name)
	}
	switch d.Regset {
	case RegsetGeneral:
		gp, err := t.readGP(pid)
		if err != nil {
			return err
		}
		writeAt(gpBytes(&gp), d.Offset, value)
		return t.writeGP(pid, gp)
	case RegsetFloatingPoint:
		fp, err := t.readFP(pid)
		if err != nil {
			return err
		}
		writeAt(fpBytes(&fp), d.Offset, value)
		return t.writeFP(pid, fp)
	default:
		return fmt.Errorf("arch: unknown regset %d", d.Regset)
	}
}

func (t *table) ResetProgramCounter(pid int, scpBase uintptr) error {
	gp, err := t.readGP(pid)
	if err != nil {
		return err
	}
	*t.ipField(&gp) = uint64(scpBase)
	return t.writeGP(pid, gp)
}

func (t *table) ProgramCounter(pid int) (uintptr, error) {
	gp, err := t.readGP(pid)
	if err != nil {
		return 0, err
	}
	return uintptr(*t.ipField(&gp)), nil
}

// extractOffset reads Width bytes at Offset out of a raw byte view of a
// regset struct, the default (non-custom) extraction path.
func extractOffset(raw []byte, offset uintptr, w Width) (Value, error) {
	n := w.Size()
	if int(offset)+n > len(raw) {
		return Value{}, fmt.Errorf("arch: offset %d+%d out of range (regset size %d)", offset, n, len(raw))
	}
	v := Value{Width: w}
	copy(v.Bytes[:n], raw[offset:int(offset)+n])
	return v, nil
}

func writeAt(raw []byte, offset uintptr, value Value) {
	n := value.Width.Size()
	copy(raw[offset:int(offset)+n], value.Bytes[:n])
}

// Extract produces the logical value of d from the snapshot, applying
// d.Extract when present and falling back to offset-based extraction
// into the appropriate regset otherwise.
func (s *Snapshot) Extract(d *Descriptor) (Value, error) {
	if d.Extract != nil {
		return d.Extract(s)
	}
	switch d.Regset {
	case RegsetGeneral:
		return extractOffset(gpBytes(&s.GP), d.Offset, d.Width)
	case RegsetFloatingPoint:
		if !s.haveFP {
			return Value{}, fmt.Errorf("arch: floating-point regset not fetched")
		}
		return extractOffset(fpBytes(&s.FP), d.Offset, d.Width)
	default:
		return Value{}, fmt.Errorf("arch: unknown regset %d", d.Regset)
	}
}

// DecodeStatus applies every status-bit decoder on d to value, discarding
// empty results.
func DecodeStatus(d *Descriptor, value uint64) []string {
	var out []string
	for _, sb := range d.StatusBits {
		if s := sb.Decode(value); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Signal is a thin alias kept local to avoid every caller importing
// golang.org/x/sys/unix solely for the type name.
type Signal = unix.Signal
