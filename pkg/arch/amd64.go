//go:build amd64
// +build amd64

package arch

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// GPRegs is the x86-64 general-purpose/segment/flags register file, laid
// out exactly as Linux's struct user_regs_struct (and golang.org/x/sys/
// unix.PtraceRegs, which this type aliases on amd64).
type GPRegs = unix.PtraceRegs

// FPRegs mirrors Linux's struct user_fpregs_struct: the FXSAVE layout
// covering the x87/MMX stack, the 16 XMM registers, and MXCSR, read via
// PTRACE_GETREGSET with NT_FPREGSET.
type FPRegs struct {
	Cwd      uint16
	Swd      uint16
	Ftw      uint16
	Fop      uint16
	Rip      uint64
	Rdp      uint64
	Mxcsr    uint32
	MxcrMask uint32
	StSpace  [32]uint32 // 8 registers x 16 bytes (x87/MMX)
	XmmSpace [64]uint32 // 16 registers x 16 bytes
	Padding  [24]uint32
}

const (
	ntPRSTATUS  = 1
	ntFPREGSET  = 2
)

func gpBytes(r *GPRegs) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(r)), unsafe.Sizeof(*r))
}

func fpBytes(r *FPRegs) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(r)), unsafe.Sizeof(*r))
}

func ptraceRegSet(req uintptr, pid int, nt uintptr, buf []byte) error {
	iov := unix.Iovec{Base: &buf[0]}
	iov.SetLen(len(buf))
	_, _, errno := unix.Syscall6(unix.SYS_PTRACE, req, uintptr(pid), nt, uintptr(unsafe.Pointer(&iov)), 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

func readGPAmd64(pid int) (GPRegs, error) {
	var regs GPRegs
	if err := ptraceRegSet(unix.PTRACE_GETREGSET, pid, ntPRSTATUS, gpBytes(&regs)); err != nil {
		return regs, fmt.Errorf("ptrace(PTRACE_GETREGSET, NT_PRSTATUS): %w", err)
	}
	return regs, nil
}

func writeGPAmd64(pid int, regs GPRegs) error {
	if err := ptraceRegSet(unix.PTRACE_SETREGSET, pid, ntPRSTATUS, gpBytes(&regs)); err != nil {
		return fmt.Errorf("ptrace(PTRACE_SETREGSET, NT_PRSTATUS): %w", err)
	}
	return nil
}

func readFPAmd64(pid int) (FPRegs, error) {
	var regs FPRegs
	if err := ptraceRegSet(unix.PTRACE_GETREGSET, pid, ntFPREGSET, fpBytes(&regs)); err != nil {
		return regs, fmt.Errorf("ptrace(PTRACE_GETREGSET, NT_FPREGSET): %w", err)
	}
	return regs, nil
}

func writeFPAmd64(pid int, regs FPRegs) error {
	if err := ptraceRegSet(unix.PTRACE_SETREGSET, pid, ntFPREGSET, fpBytes(&regs)); err != nil {
		return fmt.Errorf("ptrace(PTRACE_SETREGSET, NT_FPREGSET): %w", err)
	}
	return nil
}

// x87StackSlot returns the 10-byte extended-precision value stored in
// physical x87/MMX slot phys (0-7), each slot being 16 bytes wide in
// FXSAVE's StSpace.
func x87StackSlot(fp *FPRegs, phys int) [10]byte {
	var b [10]byte
	base := phys * 4
	binary.LittleEndian.PutUint32(b[0:4], fp.StSpace[base])
	binary.LittleEndian.PutUint32(b[4:8], fp.StSpace[base+1])
	binary.LittleEndian.PutUint16(b[8:10], uint16(fp.StSpace[base+2]))
	return b
}

// TagValue is the reconstructed two-bit x87 tag for one physical
// register.
type TagValue int

const (
	TagValid TagValue = iota
	TagZero
	TagSpecial
	TagEmpty
)

// reconstructTag rebuilds the full tag for physical slot phys from the
// abridged (1-bit-per-register) tag word in fp.Ftw and the register's
// own bit pattern: empty, zero, special, or valid.
func reconstructTag(fp *FPRegs, phys int) TagValue {
	if fp.Ftw&(1<<uint(phys)) == 0 {
		return TagEmpty
	}
	b := x87StackSlot(fp, phys)
	mantissa := binary.LittleEndian.Uint64(b[0:8])
	integerBit := mantissa>>63 != 0
	fraction := mantissa &^ (1 << 63)
	exponent := binary.LittleEndian.Uint16(b[8:10]) & 0x7FFF

	switch {
	case exponent == 0x7FFF:
		return TagSpecial
	case exponent == 0:
		if fraction == 0 && !integerBit {
			return TagZero
		}
		return TagSpecial
	default:
		if integerBit {
			return TagValid
		}
		return TagSpecial
	}
}

// logicalST returns a custom extractor for the architecturally-visible
// st(i) register, applying the stack-rotation rule: physical = (logical
// + TOP) mod 8.
func logicalST(logical int) func(*Snapshot) (Value, error) {
	return func(s *Snapshot) (Value, error) {
		if !s.haveFP {
			return Value{}, fmt.Errorf("arch: floating-point regset not fetched")
		}
		top := int((s.FP.Swd >> 11) & 0x7)
		phys := (logical + top) % 8
		b := x87StackSlot(&s.FP, phys)
		var v Value
		v.Width = Extended80
		copy(v.Bytes[:10], b[:])
		return v, nil
	}
}

// mmxAlias returns a custom extractor for mm(i): the low 64 bits of the
// *physical* (unrotated) x87 slot i. MMX registers alias the x87 stack
// without its rotation.
func mmxAlias(phys int) func(*Snapshot) (Value, error) {
	return func(s *Snapshot) (Value, error) {
		if !s.haveFP {
			return Value{}, fmt.Errorf("arch: floating-point regset not fetched")
		}
		b := x87StackSlot(&s.FP, phys)
		return ValueFromUint64(U64, binary.LittleEndian.Uint64(b[0:8])), nil
	}
}

// fullTagWord returns a custom extractor producing the reconstructed
// 16-bit tag word (2 bits per physical register, in physical order).
func fullTagWord() func(*Snapshot) (Value, error) {
	return func(s *Snapshot) (Value, error) {
		if !s.haveFP {
			return Value{}, fmt.Errorf("arch: floating-point regset not fetched")
		}
		var word uint16
		for phys := 0; phys < 8; phys++ {
			tag := reconstructTag(&s.FP, phys)
			word |= uint16(tag) << uint(2*phys)
		}
		return ValueFromUint64(U16, uint64(word)), nil
	}
}

func off(field *uint64, base *GPRegs) uintptr {
	return uintptr(unsafe.Pointer(field)) - uintptr(unsafe.Pointer(base))
}

func ffoff32(field *uint32, base *FPRegs) uintptr {
	return uintptr(unsafe.Pointer(field)) - uintptr(unsafe.Pointer(base))
}

func ffoff16(field *uint16, base *FPRegs) uintptr {
	return uintptr(unsafe.Pointer(field)) - uintptr(unsafe.Pointer(base))
}

// eflagsBits decodes x86 EFLAGS.
var eflagsBits = []StatusBitDecoder{
	{Name: "CF", Shift: 0, Mask: 1},
	{Name: "PF", Shift: 2, Mask: 1},
	{Name: "AF", Shift: 4, Mask: 1},
	{Name: "ZF", Shift: 6, Mask: 1},
	{Name: "SF", Shift: 7, Mask: 1},
	{Name: "TF", Shift: 8, Mask: 1},
	{Name: "IF", Shift: 9, Mask: 1},
	{Name: "DF", Shift: 10, Mask: 1},
	{Name: "OF", Shift: 11, Mask: 1},
	{Name: "IOPL", Shift: 12, Mask: 0x3, Symbols: []string{"0", "1", "2", "3"}},
	{Name: "NT", Shift: 14, Mask: 1},
	{Name: "RF", Shift: 16, Mask: 1},
	{Name: "VM", Shift: 17, Mask: 1},
	{Name: "AC", Shift: 18, Mask: 1},
	{Name: "VIF", Shift: 19, Mask: 1},
	{Name: "VIP", Shift: 20, Mask: 1},
	{Name: "ID", Shift: 21, Mask: 1},
}

// mxcsrBits decodes MXCSR: exception flags, rounding mode,
// flush-to-zero, and denormals-are-zero.
var mxcsrBits = []StatusBitDecoder{
	{Name: "IE", Shift: 0, Mask: 1},
	{Name: "DE", Shift: 1, Mask: 1},
	{Name: "ZE", Shift: 2, Mask: 1},
	{Name: "OE", Shift: 3, Mask: 1},
	{Name: "UE", Shift: 4, Mask: 1},
	{Name: "PE", Shift: 5, Mask: 1},
	{Name: "DAZ", Shift: 6, Mask: 1},
	{Name: "IM", Shift: 7, Mask: 1},
	{Name: "DM", Shift: 8, Mask: 1},
	{Name: "ZM", Shift: 9, Mask: 1},
	{Name: "OM", Shift: 10, Mask: 1},
	{Name: "UM", Shift: 11, Mask: 1},
	{Name: "PM", Shift: 12, Mask: 1},
	{Name: "RC", Shift: 13, Mask: 0x3, Symbols: []string{"RN", "RD", "RU", "RZ"}},
	{Name: "FZ", Shift: 15, Mask: 1},
}

// fswBits decodes the x87 status word's non-TOP fields.
var fswBits = []StatusBitDecoder{
	{Name: "IE", Shift: 0, Mask: 1},
	{Name: "DE", Shift: 1, Mask: 1},
	{Name: "ZE", Shift: 2, Mask: 1},
	{Name: "OE", Shift: 3, Mask: 1},
	{Name: "UE", Shift: 4, Mask: 1},
	{Name: "PE", Shift: 5, Mask: 1},
	{Name: "SF", Shift: 6, Mask: 1},
	{Name: "ES", Shift: 7, Mask: 1},
	{Name: "C0", Shift: 8, Mask: 1},
	{Name: "C1", Shift: 9, Mask: 1},
	{Name: "C2", Shift: 10, Mask: 1},
	{Name: "TOP", Shift: 11, Mask: 0x7},
	{Name: "C3", Shift: 14, Mask: 1},
	{Name: "B", Shift: 15, Mask: 1},
}

// targetAddress64 is the fixed virtual address at which the SCP is
// mapped in every amd64 tracee: a high canonical, page-aligned address
// chosen to avoid the loader, vDSO, and TLS region on supported kernels.
const targetAddress64 uintptr = 0x00007f7f00000000

// trapOpcode64 is int3 (0xCC), a single byte that raises SIGTRAP.
var trapOpcode64 = []byte{0xCC}

// AMD64 is the x86-64 Architecture Adapter.
var AMD64 Arch = buildAMD64()

func buildAMD64() Arch {
	var gp GPRegs
	var fp FPRegs

	descs := []*Descriptor{
		{Name: "rax", Class: GeneralPurpose, Width: U64, Regset: RegsetGeneral, Offset: off(&gp.Rax, &gp), Writable: true},
		{Name: "rbx", Class: GeneralPurpose, Width: U64, Regset: RegsetGeneral, Offset: off(&gp.Rbx, &gp), Writable: true},
		{Name: "rcx", Class: GeneralPurpose, Width: U64, Regset: RegsetGeneral, Offset: off(&gp.Rcx, &gp), Writable: true},
		{Name: "rdx", Class: GeneralPurpose, Width: U64, Regset: RegsetGeneral, Offset: off(&gp.Rdx, &gp), Writable: true},
		{Name: "rsi", Class: GeneralPurpose, Width: U64, Regset: RegsetGeneral, Offset: off(&gp.Rsi, &gp), Writable: true},
		{Name: "rdi", Class: GeneralPurpose, Width: U64, Regset: RegsetGeneral, Offset: off(&gp.Rdi, &gp), Writable: true},
		{Name: "rbp", Class: GeneralPurpose, Width: U64, Regset: RegsetGeneral, Offset: off(&gp.Rbp, &gp), Writable: true},
		{Name: "rsp", Class: GeneralPurpose, Width: U64, Regset: RegsetGeneral, Offset: off(&gp.Rsp, &gp), Writable: true},
		{Name: "r8", Class: GeneralPurpose, Width: U64, Regset: RegsetGeneral, Offset: off(&gp.R8, &gp), Writable: true},
		{Name: "r9", Class: GeneralPurpose, Width: U64, Regset: RegsetGeneral, Offset: off(&gp.R9, &gp), Writable: true},
		{Name: "r10", Class: GeneralPurpose, Width: U64, Regset: RegsetGeneral, Offset: off(&gp.R10, &gp), Writable: true},
		{Name: "r11", Class: GeneralPurpose, Width: U64, Regset: RegsetGeneral, Offset: off(&gp.R11, &gp), Writable: true},
		{Name: "r12", Class: GeneralPurpose, Width: U64, Regset: RegsetGeneral, Offset: off(&gp.R12, &gp), Writable: true},
		{Name: "r13", Class: GeneralPurpose, Width: U64, Regset: RegsetGeneral, Offset: off(&gp.R13, &gp), Writable: true},
		{Name: "r14", Class: GeneralPurpose, Width: U64, Regset: RegsetGeneral, Offset: off(&gp.R14, &gp), Writable: true},
		{Name: "r15", Class: GeneralPurpose, Width: U64, Regset: RegsetGeneral, Offset: off(&gp.R15, &gp), Writable: true},
		{Name: "rip", Class: ProgramCounter, Width: U64, Regset: RegsetGeneral, Offset: off(&gp.Rip, &gp), Writable: true},

		{Name: "cs", Class: Segment, Width: U16, Regset: RegsetGeneral, Offset: off(&gp.Cs, &gp)},
		{Name: "ss", Class: Segment, Width: U16, Regset: RegsetGeneral, Offset: off(&gp.Ss, &gp)},
		{Name: "ds", Class: Segment, Width: U16, Regset: RegsetGeneral, Offset: off(&gp.Ds, &gp)},
		{Name: "es", Class: Segment, Width: U16, Regset: RegsetGeneral, Offset: off(&gp.Es, &gp)},
		{Name: "fs", Class: Segment, Width: U16, Regset: RegsetGeneral, Offset: off(&gp.Fs, &gp)},
		{Name: "gs", Class: Segment, Width: U16, Regset: RegsetGeneral, Offset: off(&gp.Gs, &gp)},
		{Name: "fs_base", Class: Segment, Width: U64, Regset: RegsetGeneral, Offset: off(&gp.Fs_base, &gp), Writable: true},
		{Name: "gs_base", Class: Segment, Width: U64, Regset: RegsetGeneral, Offset: off(&gp.Gs_base, &gp), Writable: true},

		{Name: "eflags", Class: Status, Width: U64, Regset: RegsetGeneral, Offset: off(&gp.Eflags, &gp), StatusBits: eflagsBits, Writable: true},

		{Name: "fctrl", Class: FloatingPointStatus, Width: U16, Regset: RegsetFloatingPoint, Offset: ffoff16(&fp.Cwd, &fp)},
		{Name: "fstat", Class: FloatingPointStatus, Width: U16, Regset: RegsetFloatingPoint, Offset: ffoff16(&fp.Swd, &fp), StatusBits: fswBits},
		{Name: "ftag", Class: FloatingPointStatus, Width: U16, Regset: RegsetFloatingPoint, Extract: fullTagWord()},
		{Name: "fip", Class: FloatingPointStatus, Width: U64, Regset: RegsetFloatingPoint, Offset: uintptr(unsafe.Pointer(&fp.Rip)) - uintptr(unsafe.Pointer(&fp))},
		{Name: "fop", Class: FloatingPointStatus, Width: U16, Regset: RegsetFloatingPoint, Offset: ffoff16(&fp.Fop, &fp)},
		{Name: "mxcsr", Class: VectorStatus, Width: U32, Regset: RegsetFloatingPoint, Offset: ffoff32(&fp.Mxcsr, &fp), StatusBits: mxcsrBits},
	}

	for i := 0; i < 8; i++ {
		descs = append(descs, &Descriptor{
			Name:    fmt.Sprintf("st%d", i),
			Class:   FloatingPoint,
			Width:   Extended80,
			Regset:  RegsetFloatingPoint,
			Extract: logicalST(i),
		})
		descs = append(descs, &Descriptor{
			Name:    fmt.Sprintf("mm%d", i),
			Class:   FloatingPoint,
			Width:   U64,
			Regset:  RegsetFloatingPoint,
			Extract: mmxAlias(i),
		})
	}

	for i := 0; i < 16; i++ {
		i := i
		descs = append(descs, &Descriptor{
			Name:   fmt.Sprintf("xmm%d", i),
			Class:  Vector,
			Width:  U128,
			Regset: RegsetFloatingPoint,
			Offset: ffoff32(&fp.XmmSpace[i*4], &fp),
		})
	}

	t := newTable("amd64", descs, trapOpcode64, targetAddress64)
	t.readGP = readGPAmd64
	t.writeGP = writeGPAmd64
	t.readFP = readFPAmd64
	t.writeFP = writeFPAmd64
	t.ipField = func(r *GPRegs) *uint64 { return &r.Rip }
	return t
}
