package fs

import (
	"rvkernel/config"
	"rvkernel/lock"
)


// log_t is the write-ahead log described in spec.md 4.7: every block a
// transaction touches is first copied into the log region, and only once
// every block of the transaction has landed in the log is a commit record
// written; only after the commit record is durable do the logged blocks
// get installed at their home locations. A crash before the commit record
// leaves the home locations untouched; a crash after it is recovered by
// replaying the log at the next mount.
//
// Concurrent system calls may batch into the same transaction (the
// begin_op/end_op admission-control scheme below), the same grouping the
// teacher's own logging layer used, since committing one transaction per
// in-flight block write would make every fsync-free write synchronous.
type log_t struct {
	lk    *lock.Spinlock_t
	bc    *bcache_t
	dev   Disk_i
	start int // log header block; log slot i is block start+1+i
	size  int // number of log blocks (the superblock's log length)

	outstanding int // number of system calls currently in a transaction
	committing  bool
	logblks     []int // block numbers written so far in the current transaction

	absorb map[int]int // home block -> index into logblks, for write absorption

	// chanv's address is this log's sleep-channel identity (spec.md
	// 4.4's "arbitrary pointer used as identity"): begin_op blocks on it
	// while committing or out of log space, end_op wakes it.
	chanv int
}

func mklog(bc *bcache_t, dev Disk_i, start, size int) *log_t {
	return &log_t{
		lk:     lock.MkSpinlock("log"),
		bc:     bc,
		dev:    dev,
		start:  start,
		size:   size,
		absorb: make(map[int]int),
	}
}

// recover replays a previously committed-but-not-installed transaction, if
// the header block at the start of the log region indicates one is
// pending. It must run once, before the filesystem accepts any operation.
func (l *log_t) recover() {
	bc := l.bc
	hdr := bc.Get_fill(l.start, "log-header", true)
	n := fieldr(hdr.Data, 0)
	if n > 0 {
		for i := 0; i < n; i++ {
			home := fieldr(hdr.Data, 1+i)
			src := bc.Get_fill(l.start+1+i, "log-replay-src", true)
			dst := bc.Get_fill(home, "log-replay-dst", false)
			*dst.Data = *src.Data
			dst.Write()
			bc.Relse(dst, "log-replay-dst")
			bc.Relse(src, "log-replay-src")
		}
	}
	fieldw(hdr.Data, 0, 0)
	hdr.Write()
	bc.Relse(hdr, "log-header")
}

// begin_op admits the calling system call into the current transaction,
// blocking while a commit is in progress or while the log has no room left
// for a transaction of the configured maximum size (config.MAXOPBLOCKS).
func (l *log_t) begin_op() {
	l.lk.Acquire()
	for l.committing || len(l.logblks)+config.MAXOPBLOCKS > l.size {
		lock.Sleep(&l.chanv, l.lk)
	}
	l.outstanding++
	l.lk.Release()
}

// log_write records that block b's in-memory contents must be durable
// before the transaction commits. Writing the same block twice within one
// transaction absorbs into the existing log slot (spec.md 4.7's write
// absorption), so a block hot-written many times in one transaction costs
// one log slot, not one per write.
func (l *log_t) log_write(b *Bdev_block_t) {
	l.lk.Acquire()
	defer l.lk.Release()
	if i, ok := l.absorb[b.Block]; ok {
		l.logblks[i] = b.Block
		return
	}
	if len(l.logblks) >= l.size-1 {
		panic("fs: transaction too large for log")
	}
	// pin the buffer against eviction until the commit has installed it
	// at its home location, per the cache's pin/unpin contract.
	l.bc.pin(b)
	l.absorb[b.Block] = len(l.logblks)
	l.logblks = append(l.logblks, b.Block)
}

// end_op ends the calling system call's participation in the current
// transaction, committing it once every participant has called end_op.
func (l *log_t) end_op() {
	l.lk.Acquire()
	l.outstanding--
	do_commit := l.outstanding == 0 && len(l.logblks) > 0
	if do_commit {
		l.committing = true
	}
	l.lk.Release()

	if do_commit {
		l.commit()
		l.lk.Acquire()
		l.committing = false
		l.logblks = nil
		l.absorb = make(map[int]int)
		l.lk.Release()
	}
	lock.Wakeup(&l.chanv)
}

// forceCommit commits whatever the current transaction has logged so far,
// even though outstanding callers remain, for Fs_sync's "flush to disk
// now" semantics. It blocks until no commit is already in progress.
func (l *log_t) forceCommit() {
	l.lk.Acquire()
	for l.committing {
		lock.Sleep(&l.chanv, l.lk)
	}
	if len(l.logblks) == 0 {
		l.lk.Release()
		return
	}
	l.committing = true
	l.lk.Release()

	l.commit()

	l.lk.Acquire()
	l.committing = false
	l.logblks = nil
	l.absorb = make(map[int]int)
	l.lk.Release()
	lock.Wakeup(&l.chanv)
}

// commit writes every logged block's current contents into the log
// region, writes a commit record naming them, installs them at their home
// locations, and finally clears the commit record -- the exact order
// spec.md 4.7 requires for crash safety.
func (l *log_t) commit() {
	if len(l.logblks) == 0 {
		return
	}
	bc := l.bc
	for i, home := range l.logblks {
		src := bc.Get_fill(home, "log-commit-src", true)
		dst := bc.Get_fill(l.start+1+i, "log-commit-dst", false)
		*dst.Data = *src.Data
		dst.Write()
		bc.Relse(dst, "log-commit-dst")
		bc.Relse(src, "log-commit-src")
	}

	hdr := bc.Get_fill(l.start, "log-header", false)
	fieldw(hdr.Data, 0, len(l.logblks))
	for i, home := range l.logblks {
		fieldw(hdr.Data, 1+i, home)
	}
	hdr.Write()

	for i, home := range l.logblks {
		src := bc.Get_fill(l.start+1+i, "log-install-src", true)
		dst := bc.Get_fill(home, "log-install-dst", false)
		*dst.Data = *src.Data
		dst.Write()
		bc.Relse(dst, "log-install-dst")
		bc.Relse(src, "log-install-src")
	}

	fieldw(hdr.Data, 0, 0)
	hdr.Write()
	bc.Relse(hdr, "log-header")

	// installed: the buffers pinned by log_write may be evicted again.
	for _, home := range l.logblks {
		bc.unpin(home)
	}
}
