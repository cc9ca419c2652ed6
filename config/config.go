// Package config collects the compile-time constants that size this
// kernel's simulated hardware. The teacher hardcodes the equivalent
// quantities (see mem/dmap.go's VREC/VDIRECT/VEND slots and fs/blk.go's
// BSIZE); we keep the same one-file-of-constants idiom rather than a
// flag/env parser, since none of these quantities change at runtime.
package config

const (
	// NHART is the number of simulated hardware threads.
	NHART = 8

	// ArenaPages bounds physical memory to 128MiB of 4KiB frames, matching
	// spec.md section 6's "one contiguous region ... up to a hard ceiling
	// (128 MiB)".
	ArenaPages = (128 << 20) / PGSIZE

	PGSIZE  = 4096
	PGSHIFT = 12

	// NPROC bounds the process table (spec.md 4.4).
	NPROC = 64

	// NBUF sizes the block buffer cache (spec.md 4.6).
	NBUF = 64

	// NINODE sizes the in-core inode cache (spec.md 4.8).
	NINODE = 128

	// NFILE sizes the global open-file table referenced by fd tables.
	NFILE = 256

	// NOFILE bounds each process's own open-file-descriptor table
	// (spec.md 4.4's "open-file table" proc field).
	NOFILE = 32

	// LOGSIZE is a nominal number of on-disk log slots following the log
	// header block (spec.md 4.7). A mounted log is sized from its
	// superblock's log length, chosen at format time, not from this
	// constant; MAXOPBLOCKS bounds a single transaction.
	LOGSIZE = 30

	// MAXOPBLOCKS is the maximum number of distinct blocks one log
	// transaction (begin_op/end_op) is permitted to write.
	MAXOPBLOCKS = 10

	// NDIRECT/NINDIRECT bound a file's block map (spec.md 4.8). Every
	// on-disk block-number field is an 8-byte word (see fs/layout.go's
	// fieldr/fieldw), so an indirect block holds BSIZE/8 of them.
	NDIRECT   = 12
	NINDIRECT = BSIZE / 8

	// BSIZE is the size of a disk block in bytes. This kernel backs every
	// block with one full physical page (package fs' Bdev_block_t.Data is
	// a *mem.Bytepg_t), so BSIZE equals PGSIZE rather than the traditional
	// 512/1024-byte block of a disk with real sector geometry.
	BSIZE = PGSIZE

	// SuperblockMagic identifies a formatted disk image.
	SuperblockMagic = 0x10203040

	// TickHz is how often the simulated timer interrupt fires.
	TickHz = 100
)
