package trap

import (
	"rvkernel/config"
	"rvkernel/defs"
	"rvkernel/fd"
	"rvkernel/proc"
	"rvkernel/stat"
	"rvkernel/ustr"
)

// fdalloc finds the first empty slot in p's descriptor table (spec.md
// 4.4's "open-file table" process field), matching the teacher's
// linear-scan convention used everywhere else in this kernel (allocproc,
// balloc, ialloc).
func fdalloc(p *proc.Proc_t) (int, defs.Err_t) {
	for i := range p.Fds {
		if p.Fds[i] == nil {
			return i, 0
		}
	}
	return 0, -defs.EMFILE
}

// getfd bounds-checks fdn and returns the descriptor it names.
func getfd(p *proc.Proc_t, fdn int) (*fd.Fd_t, defs.Err_t) {
	if fdn < 0 || fdn >= config.NOFILE || p.Fds[fdn] == nil {
		return nil, -defs.EBADF
	}
	return p.Fds[fdn], 0
}

// userpath reads a NUL-terminated path string out of p's address space,
// the same helper exec's readArgv already established for argv strings.
func userpath(p *proc.Proc_t, va int) (ustr.Ustr, defs.Err_t) {
	return p.Vm.Userstr(va, 256)
}

// sysFork implements fork() (spec.md 4.4): the child sees 0, the parent
// sees the child's pid, enforced here rather than in proc.Fork so that
// package proc's Fork stays a pure table operation package trap's tests
// can also call directly.
func sysFork(p *proc.Proc_t) (int, defs.Err_t) {
	child, err := proc.Fork(p)
	if err != 0 {
		return 0, err
	}
	child.Tf.A0 = 0
	return int(child.Pid), 0
}

// sysExit implements exit(status); it never returns.
func sysExit(p *proc.Proc_t, status int) {
	proc.Exit(p, status)
}

// sysWait implements wait(*status) (spec.md 4.4/6). statusva may be 0,
// meaning the caller does not want the exit status. The second syscall
// argument trap.go wires through is reserved (always 0 from every
// shipped caller); DESIGN.md's design notes record why it exists.
func sysWait(p *proc.Proc_t, statusva, _reserved int) (int, defs.Err_t) {
	pid, status, err := proc.Wait(p, -1)
	if err != 0 {
		return 0, err
	}
	if statusva != 0 {
		// Best-effort: a bad pointer here must not lose the reaped pid.
		_ = p.Vm.Userwriten(statusva, 8, status)
	}
	return int(pid), 0
}

// sysGetppid implements getppid() (SPEC_FULL.md 4.12's supplemented
// syscall): 0 once the parent itself has exited and this process was
// reparented to nothing (can only happen to the init process).
func sysGetppid(p *proc.Proc_t) int {
	if p.Parent == nil {
		return 0
	}
	return int(p.Parent.Pid)
}

// sysSleep implements sleep(ticks): park on the global tick channel,
// re-checking Uptime() against the target each wake (spec.md 4.5's
// timer interrupt wakes every sleeper on its channel; the predicate is
// re-checked here because the wake is broadcast, not targeted).
func sysSleep(p *proc.Proc_t, ticks int) defs.Err_t {
	if ticks <= 0 {
		return 0
	}
	target := Uptime() + ticks
	ticksLock.Acquire()
	for Uptime() < target {
		if p.Killed() {
			break
		}
		sleepTicks(ticksLock)
	}
	ticksLock.Release()
	return 0
}

// sysOpen implements open(path, flags, mode) (spec.md 6).
func sysOpen(p *proc.Proc_t, pathva, flags, mode int) (int, defs.Err_t) {
	path, err := userpath(p, pathva)
	if err != 0 {
		return 0, err
	}
	nf, err := rootfs.Fs_open(path, flags, mode, p.Cwd, 0, 0)
	if err != 0 {
		return 0, err
	}
	idx, err := fdalloc(p)
	if err != 0 {
		nf.Fops.Close()
		return 0, err
	}
	p.Fds[idx] = nf
	return idx, 0
}

// sysClose implements close(fd).
func sysClose(p *proc.Proc_t, fdn int) defs.Err_t {
	f, err := getfd(p, fdn)
	if err != 0 {
		return err
	}
	p.Fds[fdn] = nil
	return f.Fops.Close()
}

// sysRead implements read(fd, buf, n).
func sysRead(p *proc.Proc_t, fdn, bufva, n int) (int, defs.Err_t) {
	f, err := getfd(p, fdn)
	if err != 0 {
		return 0, err
	}
	if f.Perms&fd.FD_READ == 0 {
		return 0, -defs.EBADF
	}
	ub := p.Vm.Mkuserbuf(bufva, n)
	return f.Fops.Read(ub)
}

// sysWrite implements write(fd, buf, n).
func sysWrite(p *proc.Proc_t, fdn, bufva, n int) (int, defs.Err_t) {
	f, err := getfd(p, fdn)
	if err != 0 {
		return 0, err
	}
	if f.Perms&fd.FD_WRITE == 0 {
		return 0, -defs.EBADF
	}
	ub := p.Vm.Mkuserbuf(bufva, n)
	return f.Fops.Write(ub)
}

// sysDup implements dup(fd).
func sysDup(p *proc.Proc_t, fdn int) (int, defs.Err_t) {
	f, err := getfd(p, fdn)
	if err != 0 {
		return 0, err
	}
	idx, err := fdalloc(p)
	if err != 0 {
		return 0, err
	}
	nf, err := fd.Copyfd(f)
	if err != 0 {
		return 0, err
	}
	p.Fds[idx] = nf
	return idx, 0
}

// sysDup2 implements dup2(oldfd, newfd) (SPEC_FULL.md 4.12's supplemented
// syscall): newfd is closed first if already open, matching the
// teacher's fd.Copyfd reopen-by-reference idiom.
func sysDup2(p *proc.Proc_t, oldfdn, newfdn int) (int, defs.Err_t) {
	f, err := getfd(p, oldfdn)
	if err != 0 {
		return 0, err
	}
	if newfdn < 0 || newfdn >= config.NOFILE {
		return 0, -defs.EBADF
	}
	if oldfdn == newfdn {
		return newfdn, 0
	}
	nf, err := fd.Copyfd(f)
	if err != 0 {
		return 0, err
	}
	if old := p.Fds[newfdn]; old != nil {
		old.Fops.Close()
	}
	p.Fds[newfdn] = nf
	return newfdn, 0
}

// sysPipe implements pipe(*fds): it writes the read end's descriptor to
// fdsva and the write end's to fdsva+8, the 8-byte-word convention every
// other fixed-layout word in this kernel follows.
func sysPipe(p *proc.Proc_t, fdsva int) defs.Err_t {
	ridx, err := fdalloc(p)
	if err != 0 {
		return err
	}
	p.Fds[ridx] = &fd.Fd_t{Perms: fd.FD_READ}
	widx, err := fdalloc(p)
	if err != 0 {
		p.Fds[ridx] = nil
		return err
	}

	rend, wend, perr := MkPipe()
	if perr != 0 {
		p.Fds[ridx], p.Fds[widx] = nil, nil
		return perr
	}
	p.Fds[ridx] = &fd.Fd_t{Fops: rend, Perms: fd.FD_READ}
	p.Fds[widx] = &fd.Fd_t{Fops: wend, Perms: fd.FD_WRITE}

	if werr := p.Vm.Userwriten(fdsva, 8, ridx); werr != 0 {
		p.Fds[ridx], p.Fds[widx] = nil, nil
		return werr
	}
	if werr := p.Vm.Userwriten(fdsva+8, 8, widx); werr != 0 {
		p.Fds[ridx], p.Fds[widx] = nil, nil
		return werr
	}
	return 0
}

// sysMknod implements mknod(path, major, minor): it creates a device
// special file without keeping it open, via the same Fs_open(O_CREAT,
// major, minor) path a real open of a not-yet-existing device node
// would take.
func sysMknod(p *proc.Proc_t, pathva, major, minor int) defs.Err_t {
	path, err := userpath(p, pathva)
	if err != 0 {
		return err
	}
	nf, err := rootfs.Fs_open(path, defs.O_CREAT, 0, p.Cwd, major, minor)
	if err != 0 {
		return err
	}
	return nf.Fops.Close()
}

// sysFstat implements fstat(fd, *stat).
func sysFstat(p *proc.Proc_t, fdn, statva int) defs.Err_t {
	f, err := getfd(p, fdn)
	if err != 0 {
		return err
	}
	var st stat.Stat_t
	if err := f.Fops.Fstat(&st); err != 0 {
		return err
	}
	return p.Vm.K2user(st.Bytes(), statva)
}

// sysLink implements link(oldpath, newpath).
func sysLink(p *proc.Proc_t, oldva, newva int) defs.Err_t {
	oldp, err := userpath(p, oldva)
	if err != 0 {
		return err
	}
	newp, err := userpath(p, newva)
	if err != 0 {
		return err
	}
	return rootfs.Fs_link(oldp, newp, p.Cwd)
}

// sysUnlink implements unlink(path).
func sysUnlink(p *proc.Proc_t, pathva int) defs.Err_t {
	path, err := userpath(p, pathva)
	if err != 0 {
		return err
	}
	return rootfs.Fs_unlink(path, p.Cwd, false)
}

// sysMkdir implements mkdir(path, mode).
func sysMkdir(p *proc.Proc_t, pathva, mode int) defs.Err_t {
	path, err := userpath(p, pathva)
	if err != 0 {
		return err
	}
	return rootfs.Fs_mkdir(path, mode, p.Cwd)
}

// sysRename implements rename(oldpath, newpath) (SPEC_FULL.md 4.12's
// supplemented syscall).
func sysRename(p *proc.Proc_t, oldva, newva int) defs.Err_t {
	oldp, err := userpath(p, oldva)
	if err != 0 {
		return err
	}
	newp, err := userpath(p, newva)
	if err != 0 {
		return err
	}
	return rootfs.Fs_rename(oldp, newp, p.Cwd)
}

// sysChdir implements chdir(path): replaces p.Cwd wholesale with a
// freshly opened directory descriptor and its canonical path, closing
// the old one last so a failed chdir leaves the process's working
// directory exactly as it was (spec.md 4.3's transactional failure
// convention, applied here to the cwd rather than an address space).
func sysChdir(p *proc.Proc_t, pathva int) defs.Err_t {
	path, err := userpath(p, pathva)
	if err != 0 {
		return err
	}
	canon := p.Cwd.Canonicalpath(path)
	nf, err := rootfs.Fs_open(canon, defs.O_DIRECTORY, 0, p.Cwd, 0, 0)
	if err != 0 {
		return err
	}
	old := p.Cwd
	p.Cwd = fd.MkRootCwd(nf)
	p.Cwd.Path = canon
	old.Fd.Fops.Close()
	return 0
}

// sysGetrusage implements the supplemented getrusage(buf) syscall
// (SPEC_FULL.md 4.12): it copies the process's accnt.Accnt_t snapshot
// out as a timeval pair, the same layout accnt.To_rusage already
// produces for the teacher's rusage struct.
func sysGetrusage(p *proc.Proc_t, bufva int) (int, defs.Err_t) {
	ru := p.Accnt.Fetch()
	if err := p.Vm.K2user(ru, bufva); err != 0 {
		return 0, err
	}
	return 0, 0
}
