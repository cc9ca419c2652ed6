package fs

import (
	"bytes"
	"sync"
	"testing"

	"rvkernel/config"
	"rvkernel/defs"
	"rvkernel/lock"
	"rvkernel/mem"
	"rvkernel/ustr"
	"rvkernel/vm"
)

// memdisk_t is an in-memory Disk_i: block contents live in a plain map,
// which lets a test stand in for the crashed machine by simply mounting
// the same map again with fresh caches.
type memdisk_t struct {
	mu     sync.Mutex
	blocks map[int]*[BSIZE]byte
}

func mkmemdisk() *memdisk_t {
	return &memdisk_t{blocks: make(map[int]*[BSIZE]byte)}
}

func (d *memdisk_t) Start(req *Bdev_req_t) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch req.Cmd {
	case BDEV_READ:
		blk := req.Blks.FrontBlock()
		if b, ok := d.blocks[blk.Block]; ok {
			copy(blk.Data[:], b[:])
		} else {
			for i := range blk.Data {
				blk.Data[i] = 0
			}
		}
	case BDEV_WRITE:
		for b := req.Blks.FrontBlock(); b != nil; b = req.Blks.NextBlock() {
			nb := &[BSIZE]byte{}
			copy(nb[:], b.Data[:])
			d.blocks[b.Block] = nb
		}
	case BDEV_FLUSH:
	}
	return false
}

func (d *memdisk_t) Stats() string { return "" }

// raw returns a copy of block n's on-disk bytes (zeros if never written).
func (d *memdisk_t) raw(n int) [BSIZE]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	if b, ok := d.blocks[n]; ok {
		return *b
	}
	return [BSIZE]byte{}
}

// poke writes one 8-byte word directly into block n, bypassing every
// cache, the way a crashed machine's disk would hold it.
func (d *memdisk_t) poke(n, word, val int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.blocks[n]
	if !ok {
		b = &[BSIZE]byte{}
		d.blocks[n] = b
	}
	bp := (*mem.Bytepg_t)(b)
	fieldw(bp, word, val)
}

// condSleeper gives lock.Sleep/Wakeup ordinary condition-variable
// semantics, enough for the single-threaded tests here (the log's waiters
// never actually block, but end_op and sleep-lock release always call
// Wakeup).
type condSleeper struct {
	mu   sync.Mutex
	cond *sync.Cond
}

func (cs *condSleeper) Sleep(chan_ any, cond *lock.Spinlock_t) {
	cond.Release()
	cs.mu.Lock()
	cs.cond.Wait()
	cs.mu.Unlock()
	cond.Acquire()
}

func (cs *condSleeper) Wakeup(chan_ any) {
	cs.mu.Lock()
	cs.cond.Broadcast()
	cs.mu.Unlock()
}

func setup(t *testing.T) {
	t.Helper()
	lock.Register(0)
	mem.Init()
	cs := &condSleeper{}
	cs.cond = sync.NewCond(&cs.mu)
	lock.InstallSleeper(cs)
}

// mountFresh formats (if requested) and mounts a filesystem over d with
// entirely fresh caches, the same state a post-crash mount sees.
func mountFresh(t *testing.T, d *memdisk_t, format bool) *Fs_t {
	t.Helper()
	if format {
		Mkfs(d, DefaultBlockmem(), 64, 8, 2048)
	}
	_, fs := StartFS(DefaultBlockmem(), d, nil)
	return fs
}

func kbuf(b []byte) *vm.Fakeubuf_t {
	fb := &vm.Fakeubuf_t{}
	fb.Fake_init(append([]uint8(nil), b...))
	return fb
}

func writeFile(t *testing.T, fs *Fs_t, path string, data []byte) {
	t.Helper()
	cwd := fs.MkRootCwd()
	fd, err := fs.Fs_open(ustr.Ustr(path), defs.O_CREAT|defs.O_RDWR, 0, cwd, 0, 0)
	if err != 0 {
		t.Fatalf("create %s failed: %v", path, err)
	}
	if n, werr := fd.Fops.Write(kbuf(data)); werr != 0 || n != len(data) {
		t.Fatalf("write %s = %d/%v, want %d/0", path, n, werr, len(data))
	}
	if cerr := fd.Fops.Close(); cerr != 0 {
		t.Fatalf("close %s failed: %v", path, cerr)
	}
}

func readFile(t *testing.T, fs *Fs_t, path string, n int) []byte {
	t.Helper()
	cwd := fs.MkRootCwd()
	fd, err := fs.Fs_open(ustr.Ustr(path), defs.O_RDONLY, 0, cwd, 0, 0)
	if err != 0 {
		t.Fatalf("open %s failed: %v", path, err)
	}
	defer fd.Fops.Close()
	out := make([]byte, 0, n)
	for len(out) < n {
		buf := make([]uint8, n-len(out))
		fb := &vm.Fakeubuf_t{}
		fb.Fake_init(buf)
		got, rerr := fd.Fops.Read(fb)
		if rerr != 0 {
			t.Fatalf("read %s failed: %v", path, rerr)
		}
		if got == 0 {
			break
		}
		out = append(out, buf[:got]...)
	}
	return out
}

func TestMkfsMountRoot(t *testing.T) {
	setup(t)
	d := mkmemdisk()
	fs := mountFresh(t, d, true)
	root, err := fs.namei(ustr.MkUstrRoot())
	if err != 0 {
		t.Fatalf("namei(/) failed: %v", err)
	}
	if root.Type != defs.I_DIR {
		t.Fatalf("root inode type = %d, want I_DIR", root.Type)
	}
	if root.Inum != rootInum {
		t.Fatalf("root inum = %d, want %d", root.Inum, rootInum)
	}
	fs.iput(root)
}

func TestFileRoundTrip(t *testing.T) {
	setup(t)
	d := mkmemdisk()
	fs := mountFresh(t, d, true)

	writeFile(t, fs, "/x", []byte("hello"))
	got := readFile(t, fs, "/x", 5)
	if string(got) != "hello" {
		t.Fatalf("read back %q, want %q", got, "hello")
	}
}

func TestRemountPersistence(t *testing.T) {
	setup(t)
	d := mkmemdisk()
	fs := mountFresh(t, d, true)
	writeFile(t, fs, "/keep", []byte("survives remount"))
	StopFS(fs)

	fs2 := mountFresh(t, d, false)
	got := readFile(t, fs2, "/keep", len("survives remount"))
	if string(got) != "survives remount" {
		t.Fatalf("after remount read %q, want %q", got, "survives remount")
	}
}

func TestWriteAcrossIndirectBoundary(t *testing.T) {
	setup(t)
	d := mkmemdisk()
	fs := mountFresh(t, d, true)

	// one block past the last direct block, plus a partial tail, so both
	// the direct list and the indirect block are exercised.
	n := (config.NDIRECT+1)*BSIZE + 123
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i/BSIZE + 1)
	}
	writeFile(t, fs, "/big", data)

	got := readFile(t, fs, "/big", n)
	if !bytes.Equal(got, data) {
		t.Fatalf("indirect-boundary content mismatch (got %d bytes)", len(got))
	}

	// and it must survive a remount, since the indirect block address
	// lives in the on-disk inode.
	StopFS(fs)
	fs2 := mountFresh(t, d, false)
	got = readFile(t, fs2, "/big", n)
	if !bytes.Equal(got, data) {
		t.Fatal("indirect-boundary content lost across remount")
	}
}

func TestMkdirAndNestedCreate(t *testing.T) {
	setup(t)
	d := mkmemdisk()
	fs := mountFresh(t, d, true)
	cwd := fs.MkRootCwd()

	if err := fs.Fs_mkdir(ustr.Ustr("/dir"), 0755, cwd); err != 0 {
		t.Fatalf("mkdir failed: %v", err)
	}
	if err := fs.Fs_mkdir(ustr.Ustr("/dir"), 0755, cwd); err != -defs.EEXIST {
		t.Fatalf("second mkdir = %v, want -EEXIST", err)
	}
	writeFile(t, fs, "/dir/f", []byte("nested"))
	if got := readFile(t, fs, "/dir/f", 6); string(got) != "nested" {
		t.Fatalf("nested read %q, want %q", got, "nested")
	}

	// a populated directory cannot be removed; empty it first.
	if err := fs.Fs_unlink(ustr.Ustr("/dir"), cwd, true); err != -defs.ENOTEMPTY {
		t.Fatalf("rmdir of non-empty dir = %v, want -ENOTEMPTY", err)
	}
	if err := fs.Fs_unlink(ustr.Ustr("/dir/f"), cwd, false); err != 0 {
		t.Fatalf("unlink nested file failed: %v", err)
	}
	if err := fs.Fs_unlink(ustr.Ustr("/dir"), cwd, true); err != 0 {
		t.Fatalf("rmdir of emptied dir failed: %v", err)
	}
	if _, err := fs.namei(ustr.Ustr("/dir")); err != -defs.ENOENT {
		t.Fatalf("namei of removed dir = %v, want -ENOENT", err)
	}
}

func TestLinkSharesInode(t *testing.T) {
	setup(t)
	d := mkmemdisk()
	fs := mountFresh(t, d, true)
	cwd := fs.MkRootCwd()

	writeFile(t, fs, "/a", []byte("linked"))
	if err := fs.Fs_link(ustr.Ustr("/a"), ustr.Ustr("/b"), cwd); err != 0 {
		t.Fatalf("link failed: %v", err)
	}
	if err := fs.Fs_unlink(ustr.Ustr("/a"), cwd, false); err != 0 {
		t.Fatalf("unlink of first name failed: %v", err)
	}
	if got := readFile(t, fs, "/b", 6); string(got) != "linked" {
		t.Fatalf("read via second link %q, want %q", got, "linked")
	}
}

func TestRename(t *testing.T) {
	setup(t)
	d := mkmemdisk()
	fs := mountFresh(t, d, true)
	cwd := fs.MkRootCwd()

	writeFile(t, fs, "/old", []byte("moved"))
	if err := fs.Fs_rename(ustr.Ustr("/old"), ustr.Ustr("/new"), cwd); err != 0 {
		t.Fatalf("rename failed: %v", err)
	}
	if _, err := fs.namei(ustr.Ustr("/old")); err != -defs.ENOENT {
		t.Fatalf("namei(/old) after rename = %v, want -ENOENT", err)
	}
	if got := readFile(t, fs, "/new", 5); string(got) != "moved" {
		t.Fatalf("read after rename %q, want %q", got, "moved")
	}
}

// diskItype reads an inode's type word straight off the simulated disk.
func diskItype(d *memdisk_t, layout *fsLayout, inum int) int {
	blk := d.raw(inodeBlock(layout, inum))
	bp := (*mem.Bytepg_t)(&blk)
	return fieldr(bp, inodeOffset(inum)+dinode_type)
}

func TestUnlinkWhileOpen(t *testing.T) {
	setup(t)
	d := mkmemdisk()
	fs := mountFresh(t, d, true)
	cwd := fs.MkRootCwd()

	writeFile(t, fs, "/tmp", []byte("still here"))
	idm, err := fs.namei(ustr.Ustr("/tmp"))
	if err != 0 {
		t.Fatalf("namei failed: %v", err)
	}
	inum := idm.Inum
	fs.iput(idm)

	fd, err := fs.Fs_open(ustr.Ustr("/tmp"), defs.O_RDONLY, 0, cwd, 0, 0)
	if err != 0 {
		t.Fatalf("open failed: %v", err)
	}
	if err := fs.Fs_unlink(ustr.Ustr("/tmp"), cwd, false); err != 0 {
		t.Fatalf("unlink failed: %v", err)
	}

	// the name is gone but the opener still reads the content.
	if _, err := fs.namei(ustr.Ustr("/tmp")); err != -defs.ENOENT {
		t.Fatalf("namei after unlink = %v, want -ENOENT", err)
	}
	buf := make([]uint8, 10)
	fb := &vm.Fakeubuf_t{}
	fb.Fake_init(buf)
	if n, rerr := fd.Fops.Read(fb); rerr != 0 || n != 10 {
		t.Fatalf("read after unlink = %d/%v, want 10/0", n, rerr)
	}
	if string(buf) != "still here" {
		t.Fatalf("read after unlink %q, want %q", buf, "still here")
	}
	if got := diskItype(d, fs.layout, inum); got == defs.I_INVALID {
		t.Fatal("inode reclaimed while still open")
	}

	// the last close reclaims the inode on disk.
	if cerr := fd.Fops.Close(); cerr != 0 {
		t.Fatalf("close failed: %v", cerr)
	}
	if got := diskItype(d, fs.layout, inum); got != defs.I_INVALID {
		t.Fatalf("on-disk inode type after last close = %d, want I_INVALID", got)
	}
}

func TestOrphanReclaimedOnRemount(t *testing.T) {
	setup(t)
	d := mkmemdisk()
	fs := mountFresh(t, d, true)
	cwd := fs.MkRootCwd()

	writeFile(t, fs, "/orphan", []byte("doomed"))
	idm, err := fs.namei(ustr.Ustr("/orphan"))
	if err != 0 {
		t.Fatalf("namei failed: %v", err)
	}
	inum := idm.Inum
	fs.iput(idm)

	fd, err := fs.Fs_open(ustr.Ustr("/orphan"), defs.O_RDONLY, 0, cwd, 0, 0)
	if err != 0 {
		t.Fatalf("open failed: %v", err)
	}
	if err := fs.Fs_unlink(ustr.Ustr("/orphan"), cwd, false); err != 0 {
		t.Fatalf("unlink failed: %v", err)
	}
	_ = fd // "crash" with the file still open: never close it.

	if got := diskItype(d, fs.layout, inum); got == defs.I_INVALID {
		t.Fatal("inode reclaimed before the crash, orphan list not exercised")
	}

	// remount with fresh caches: the mount-time orphan scan must finish
	// the reclaim the crash interrupted.
	fs2 := mountFresh(t, d, false)
	if got := diskItype(d, fs2.layout, inum); got != defs.I_INVALID {
		t.Fatalf("orphaned inode type after remount = %d, want I_INVALID", got)
	}
}

func TestLogAbsorption(t *testing.T) {
	setup(t)
	d := mkmemdisk()
	bc := mkbcache(DefaultBlockmem(), d, 16)
	l := mklog(bc, d, 1, 16)

	l.begin_op()
	b := bc.Get_zero(100, "t")
	fieldw(b.Data, 0, 7)
	l.log_write(b)
	l.log_write(b)
	if len(l.logblks) != 1 {
		t.Fatalf("two log_writes of one block produced %d slots, want 1", len(l.logblks))
	}
	bc.Relse(b, "t")
	l.end_op()

	blk := d.raw(100)
	bp := (*mem.Bytepg_t)(&blk)
	if got := fieldr(bp, 0); got != 7 {
		t.Fatalf("home block word = %d after commit, want 7", got)
	}
}

func TestRecoveryInstallsCommittedTransaction(t *testing.T) {
	setup(t)
	d := mkmemdisk()

	// hand-build the disk of a machine that crashed right after the
	// commit record landed but before installation: the header records
	// one block (home 50), the log slot holds the new bytes, and the
	// home block still holds the old ones.
	const home = 50
	d.poke(home, 0, 111)  // stale
	d.poke(2, 0, 222)     // log slot 0 (log starts at block 1)
	d.poke(1, 0, 1)       // header: count = 1
	d.poke(1, 1, home)    // header: entry 0

	l := mklog(mkbcache(DefaultBlockmem(), d, 16), d, 1, 16)
	l.recover()

	blk := d.raw(home)
	bp := (*mem.Bytepg_t)(&blk)
	if got := fieldr(bp, 0); got != 222 {
		t.Fatalf("home block after recovery = %d, want 222", got)
	}
	hdr := d.raw(1)
	hp := (*mem.Bytepg_t)(&hdr)
	if got := fieldr(hp, 0); got != 0 {
		t.Fatalf("header count after recovery = %d, want 0", got)
	}

	// recovery is idempotent: running it again changes nothing.
	l2 := mklog(mkbcache(DefaultBlockmem(), d, 16), d, 1, 16)
	l2.recover()
	blk = d.raw(home)
	bp = (*mem.Bytepg_t)(&blk)
	if got := fieldr(bp, 0); got != 222 {
		t.Fatalf("home block after second recovery = %d, want 222", got)
	}
}

func TestBufferCachePinPreventsEviction(t *testing.T) {
	setup(t)
	d := mkmemdisk()
	bc := mkbcache(DefaultBlockmem(), d, 4)

	// pin takes a reference without the sleep-lock (the log's usage), so
	// the buffer stays resident after Relse drops the lock.
	pinned := bc.Get_zero(10, "pinned")
	fieldw(pinned.Data, 0, 99)
	bc.pin(pinned)
	bc.Relse(pinned, "pinned")

	// fill the cache past capacity; the pinned block must not be evicted.
	for i := 0; i < 8; i++ {
		b := bc.Get_zero(20+i, "filler")
		bc.Relse(b, "filler")
	}
	again := bc.Get_fill(10, "pinned", false)
	if fieldr(again.Data, 0) != 99 {
		t.Fatal("pinned buffer was evicted and lost its contents")
	}
	bc.Relse(again, "pinned")
	bc.unpin(10)
}
