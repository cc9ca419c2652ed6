package trap

import "sync"

import "rvkernel/defs"
import "rvkernel/proc"
import "rvkernel/vm"

// programs is the exec() lookup table: the hosted stand-in for the ELF
// loader spec.md 6 treats as an external collaborator. There is no
// binary image to load, so exec looks the requested name up here and
// runs the matching UserProgram directly in place of the caller's
// current one.
var (
	progMu sync.Mutex
	progs  = map[string]proc.UserProgram{}
)

// RegisterProgram makes name available to exec(). cmd/kernel calls this
// once per shipped program at boot, before any process can exec it.
func RegisterProgram(name string, fn proc.UserProgram) {
	progMu.Lock()
	defer progMu.Unlock()
	progs[name] = fn
}

func lookupProgram(name string) (proc.UserProgram, bool) {
	progMu.Lock()
	defer progMu.Unlock()
	fn, ok := progs[name]
	return fn, ok
}

// readArgv reads a NULL-terminated array of user string pointers
// starting at uva, the hosted equivalent of a real exec's argv vector.
func readArgv(as *vm.Vm_t, uva int) ([]string, defs.Err_t) {
	if uva == 0 {
		return nil, 0
	}
	var argv []string
	for i := 0; ; i++ {
		ptr, err := as.Userreadn(uva+8*i, 8)
		if err != 0 {
			return nil, err
		}
		if ptr == 0 {
			break
		}
		s, err := as.Userstr(ptr, 4096)
		if err != 0 {
			return nil, err
		}
		argv = append(argv, string(s))
		if len(argv) > 64 {
			return nil, -defs.E2BIG
		}
	}
	return argv, 0
}

// sysExec implements exec(path, argv): it replaces the calling process's
// address space and running program with the named one, reusing the
// same goroutine (spec.md 4.4/6). Since this kernel's programs are Go
// closures rather than machine code, "replacing the running program"
// means calling the new one in place: if it returns without calling
// proc.Exit itself, this process exits 0, the same contract procMain
// gives a process's very first program.
func sysExec(p *proc.Proc_t, pathva, argvva int) (int, defs.Err_t) {
	name, err := p.Vm.Userstr(pathva, 256)
	if err != 0 {
		return 0, err
	}
	argv, err := readArgv(p.Vm, argvva)
	if err != 0 {
		return 0, err
	}
	prog, ok := lookupProgram(string(name))
	if !ok {
		return 0, -defs.ENOENT
	}

	newas, ok := vm.Mkas()
	if !ok {
		return 0, -defs.ENOMEM
	}
	oldas := p.Vm

	p.Lock.Acquire()
	p.Vm = newas
	p.Argv = argv
	p.Lock.Release()
	p.SetEntry(prog)
	oldas.Uvmfree()

	task := proc.NewTask(p)
	prog(task, argv)
	proc.Exit(p, 0)
	panic("trap: exec'd process resumed after exit")
}
