//go:build arm
// +build arm

package arch

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// GPRegs is the 32-bit ARM general-purpose register file: r0-r12, sp,
// lr, pc, cpsr, and the original r0 (for syscall restart bookkeeping),
// laid out as Linux's struct pt_regs / golang.org/x/sys/unix.PtraceRegs.
type GPRegs = unix.PtraceRegs

// FPRegs mirrors Linux's struct user_vfp (NT_ARM_VFP): 32 double-word
// VFP registers plus FPSCR.
type FPRegs struct {
	FPRegs [32]uint64
	FPSCR  uint32
}

const (
	ntPRSTATUS = 1
	ntARMVFP   = 0x400
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

func readGPArm(pid int) (GPRegs, error) {
	var regs GPRegs
	if err := ptraceRegSet(unix.PTRACE_GETREGSET, pid, ntPRSTATUS, gpBytes(&regs)); err != nil {
		return regs, fmt.Errorf("ptrace(PTRACE_GETREGSET, NT_PRSTATUS): %w", err)
	}
	return regs, nil
}

func writeGPArm(pid int, regs GPRegs) error {
	if err := ptraceRegSet(unix.PTRACE_SETREGSET, pid, ntPRSTATUS, gpBytes(&regs)); err != nil {
		return fmt.Errorf("ptrace(PTRACE_SETREGSET, NT_PRSTATUS): %w", err)
	}
	return nil
}

func readFPArm(pid int) (FPRegs, error) {
	var regs FPRegs
	if err := ptraceRegSet(unix.PTRACE_GETREGSET, pid, ntARMVFP, fpBytes(&regs)); err != nil {
		return regs, fmt.Errorf("ptrace(PTRACE_GETREGSET, NT_ARM_VFP): %w", err)
	}
	return regs, nil
}

func writeFPArm(pid int, regs FPRegs) error {
	if err := ptraceRegSet(unix.PTRACE_SETREGSET, pid, ntARMVFP, fpBytes(&regs)); err != nil {
		return fmt.Errorf("ptrace(PTRACE_SETREGSET, NT_ARM_VFP): %w", err)
	}
	return nil
}

// cpsrBits decodes the ARM Current Program Status Register.
var cpsrBits = []StatusBitDecoder{
	{Name: "N", Shift: 31, Mask: 1},
	{Name: "Z", Shift: 30, Mask: 1},
	{Name: "C", Shift: 29, Mask: 1},
	{Name: "V", Shift: 28, Mask: 1},
	{Name: "Q", Shift: 27, Mask: 1},
	{Name: "T", Shift: 5, Mask: 1},
	{Name: "F", Shift: 6, Mask: 1},
	{Name: "I", Shift: 7, Mask: 1},
	{Name: "A", Shift: 8, Mask: 1},
	{Name: "E", Shift: 9, Mask: 1},
	{Name: "MODE", Shift: 0, Mask: 0x1F, Symbols: modeSymbols},
}

// modeSymbols is indexed by CPSR.M but sized generously since the mode
// field is only 5 bits and most encodings are invalid; unrecognized
// values fall back to hex via Decode.
var modeSymbols = func() []string {
	s := make([]string, 0x20)
	s[0x10] = "USR"
	s[0x11] = "FIQ"
	s[0x12] = "IRQ"
	s[0x13] = "SVC"
	s[0x17] = "ABT"
	s[0x1B] = "UND"
	s[0x1F] = "SYS"
	return s
}()

// fpscrBits decodes the VFP status/control register's exception and
// rounding fields.
var fpscrBits = []StatusBitDecoder{
	{Name: "IOC", Shift: 0, Mask: 1},
	{Name: "DZC", Shift: 1, Mask: 1},
	{Name: "OFC", Shift: 2, Mask: 1},
	{Name: "UFC", Shift: 3, Mask: 1},
	{Name: "IXC", Shift: 4, Mask: 1},
	{Name: "IDC", Shift: 7, Mask: 1},
	{Name: "RMode", Shift: 22, Mask: 0x3, Symbols: []string{"RN", "RP", "RM", "RZ"}},
	{Name: "FZ", Shift: 24, Mask: 1},
	{Name: "N", Shift: 31, Mask: 1},
	{Name: "Z", Shift: 30, Mask: 1},
	{Name: "C", Shift: 29, Mask: 1},
	{Name: "V", Shift: 28, Mask: 1},
}

// targetAddressArm is the fixed SCP address for 32-bit ARM tracees: a
// page-aligned address in the lower address space gap that Linux/ARM
// EABI leaves free of the loader and vDSO on supported kernels.
const targetAddressArm uintptr = 0x10000000

// trapOpcodeArm is the ARM (non-Thumb) undefined instruction 0xe7f001f0,
// which the Linux kernel treats as a software breakpoint and reports
// with SIGTRAP.
var trapOpcodeArm = []byte{0xf0, 0x01, 0xf0, 0xe7}

// ARM is the 32-bit ARM Architecture Adapter.
var ARM Arch = buildARM()

func buildARM() Arch {
	var gp GPRegs
	var fp FPRegs

	gpOff := func(i int) uintptr {
		return uintptr(unsafe.Pointer(&gp.Uregs[i])) - uintptr(unsafe.Pointer(&gp))
	}

	var descs []*Descriptor
	for i := 0; i <= 12; i++ {
		descs = append(descs, &Descriptor{
			Name: fmt.Sprintf("r%d", i), Class: GeneralPurpose, Width: U32,
			Regset: RegsetGeneral, Offset: gpOff(i), Writable: true,
		})
	}
	descs = append(descs,
		&Descriptor{Name: "sp", Class: GeneralPurpose, Width: U32, Regset: RegsetGeneral, Offset: gpOff(13), Writable: true},
		&Descriptor{Name: "lr", Class: GeneralPurpose, Width: U32, Regset: RegsetGeneral, Offset: gpOff(14), Writable: true},
		&Descriptor{Name: "pc", Class: ProgramCounter, Width: U32, Regset: RegsetGeneral, Offset: gpOff(15), Writable: true},
		&Descriptor{Name: "cpsr", Class: Status, Width: U32, Regset: RegsetGeneral, Offset: gpOff(16), StatusBits: cpsrBits, Writable: true},
	)

	for i := 0; i < 16; i++ {
		descs = append(descs, &Descriptor{
			Name:   fmt.Sprintf("d%d", i),
			Class:  FloatingPoint,
			Width:  U64,
			Regset: RegsetFloatingPoint,
			Offset: uintptr(unsafe.Pointer(&fp.FPRegs[i])) - uintptr(unsafe.Pointer(&fp)),
		})
	}
	descs = append(descs, &Descriptor{
		Name: "fpscr", Class: FloatingPointStatus, Width: U32, Regset: RegsetFloatingPoint,
		Offset: uintptr(unsafe.Pointer(&fp.FPSCR)) - uintptr(unsafe.Pointer(&fp)), StatusBits: fpscrBits,
	})

	t := newTable("arm", descs, trapOpcodeArm, targetAddressArm)
	t.readGP = readGPArm
	t.writeGP = writeGPArm
	t.readFP = readFPArm
	t.writeFP = writeFPArm
	t.ipField = func(r *GPRegs) *uint64 {
		// GPRegs stores pc as a uint32; the common table code writes a
		// uint64 program counter, so ResetProgramCounter/ProgramCounter
		// are overridden below rather than sharing ipField's 64-bit path.
		panic("arch: arm uses pc32, not ipField")
	}
	return &armTable{table: t, gp: &gp}
}

// armTable overrides the common table's 64-bit program-counter helpers
// since ARM's pc is a 32-bit field, not 64-bit like amd64's rip.
type armTable struct {
	*table
	gp *GPRegs
}

func (a *armTable) ResetProgramCounter(pid int, scpBase uintptr) error {
	gp, err := a.readGP(pid)
	if err != nil {
		return err
	}
	gp.Uregs[15] = uint32(scpBase)
	return a.writeGP(pid, gp)
}

func (a *armTable) ProgramCounter(pid int) (uintptr, error) {
	gp, err := a.readGP(pid)
	if err != nil {
		return 0, err
	}
	return uintptr(gp.Uregs[15]), nil
}
