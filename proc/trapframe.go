package proc

// Trapframe_t is the saved register file a trap hands to the dispatcher
// and the dispatcher hands back on return (spec.md 4.4's "trap frame"
// process field, spec.md section 6's "a0..a5 carry arguments, a7 carries
// the syscall number, a0 carries the return value" convention).
//
// The teacher's trapframe lives in a physical page mapped at a fixed
// user-visible virtual address (vm.TrapframeVA) so that both the
// trampoline assembly and the kernel can reach it across the privilege
// boundary. This kernel's trap path is an ordinary Go function call
// (SPEC_FULL.md section 1), so no cross-address-space visibility is
// needed; a plain struct is the hosted equivalent, and vm.TrapframeVA
// stays purely documentary, matching the ABI a real implementation would
// use.
type Trapframe_t struct {
	A0, A1, A2, A3, A4, A5, A7 int
	Epc                        int
	Cause                      int
	Satp                       int
}

// NewTrapframe returns a zeroed trapframe for a freshly allocated process.
func NewTrapframe() *Trapframe_t {
	return &Trapframe_t{}
}
