package recorder

// ArgsAMD64 is the caller-saved register snapshot the entry/tail-call
// trampoline spills to the stack before calling into this package
// (spec.md §4.D): r11, r10, r9, r8, rcx, rsi, rdx, rax, rdi, then
// xmm0..xmm7. 0xC8 bytes — trampoline_amd64.s writes these fields at
// exactly these offsets, in this order.
type ArgsAMD64 struct {
	R11, R10, R9, R8, RCX, RSI, RDX, RAX, RDI uint64
	XMM                                       [8][16]byte
}

// ReturnAMD64 is the exit trampoline's return-value snapshot: rax, rdx,
// xmm0, xmm1. 0x30 bytes.
//
// Open question resolved (spec.md §9): xmm0 is serialized before xmm1;
// trampoline_amd64.s and this layout must (and do) agree.
type ReturnAMD64 struct {
	RAX, RDX   uint64
	XMM0, XMM1 [16]byte
}

// ArgsARM64 is the ENTRY/TAIL_CALL snapshot: x0..x7, x30, q0..q7, x8.
type ArgsARM64 struct {
	X   [8]uint64
	X30 uint64
	Q   [8][16]byte
	X8  uint64
}

// ReturnARM64 additionally saves x9..x16 (spec.md §4.D: tail-calls are
// register-indirect branches on this compiler convention).
type ReturnARM64 struct {
	X      [8]uint64
	X30    uint64
	Q      [8][16]byte
	X8     uint64
	X9To16 [8]uint64
}
