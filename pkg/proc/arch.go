package proc

import "fmt"

// Arch describes the parts of a CPU architecture the process control core
// needs: the software breakpoint trap opcode and pointer size. Instruction
// decoding is out of scope, memory is otherwise treated as opaque bytes.
type Arch interface {
	Name() string
	PtrSize() int
	BreakpointInstruction() []byte
	BreakpointSize() int
}

// AMD64 represents the AMD64 CPU architecture.
type AMD64 struct {
	breakInstruction []byte
}

// AMD64Arch returns an initialized AMD64 struct.
func AMD64Arch() *AMD64 {
	return &AMD64{breakInstruction: []byte{0xCC}}
}

// Name returns the architecture name.
func (a *AMD64) Name() string { return "amd64" }

// PtrSize returns the size of a pointer on this architecture.
func (a *AMD64) PtrSize() int { return 8 }

// BreakpointInstruction returns the INT 3 opcode.
func (a *AMD64) BreakpointInstruction() []byte { return a.breakInstruction }

// BreakpointSize returns the size of the breakpoint instruction.
func (a *AMD64) BreakpointSize() int { return len(a.breakInstruction) }

// ARM64 represents the ARM64 CPU architecture.
type ARM64 struct {
	breakInstruction []byte
}

// ARM64Arch returns an initialized ARM64 struct.
func ARM64Arch() *ARM64 {
	// BRK #0, little endian.
	return &ARM64{breakInstruction: []byte{0x00, 0x00, 0x20, 0xd4}}
}

// Name returns the architecture name.
func (a *ARM64) Name() string { return "arm64" }

// PtrSize returns the size of a pointer on this architecture.
func (a *ARM64) PtrSize() int { return 8 }

// BreakpointInstruction returns the BRK 0 opcode.
func (a *ARM64) BreakpointInstruction() []byte { return a.breakInstruction }

// BreakpointSize returns the size of the breakpoint instruction.
func (a *ARM64) BreakpointSize() int { return len(a.breakInstruction) }

// ArchFromName returns the Arch for the named architecture.
func ArchFromName(name string) (Arch, error) {
	switch name {
	case "amd64":
		return AMD64Arch(), nil
	case "arm64":
		return ARM64Arch(), nil
	}
	return nil, fmt.Errorf("unsupported architecture %q", name)
}
