package defs

// Pid_t identifies a process.
type Pid_t int

// Tid_t identifies a thread of control within a process. This kernel is
// single-threaded per process, but the type is kept distinct from Pid_t
// because the trap frame and thread-local lookups are naturally indexed by
// thread, not process, in the teacher's own layout (tinfo.Threadinfo_t).
type Tid_t int

// O_* are the flags accepted by the open syscall.
const (
	O_RDONLY int = 0
	O_WRONLY int = 1
	O_RDWR   int = 2
	O_CREAT  int = 0x40
	O_EXCL   int = 0x80
	O_TRUNC  int = 0x200
	O_APPEND int = 0x400
	O_DIRECTORY int = 0x10000
	O_CLOEXEC   int = 0x80000
)

// SEEK_* whence values for lseek.
const (
	SEEK_SET int = 0
	SEEK_CUR int = 1
	SEEK_END int = 2
)

// Inode types, stored in the on-disk inode's Itype field.
const (
	I_INVALID int = 0
	I_FILE    int = 1
	I_DIR     int = 2
	I_DEV     int = 3
)
