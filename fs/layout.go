package fs

import (
	"rvkernel/mem"
	"rvkernel/util"
)

// fieldr/fieldw read and write the n'th 8-byte field of a block, used by
// the superblock's accessors and the other on-disk records. Superblock_t.Data
// is one full page, far larger than the nine fields the superblock actually has; the rest of
// the block goes unused, the same trade the teacher's Bdev_block_t makes
// by backing every block with a full page regardless of how much of it a
// given block type needs.
func fieldr(data *mem.Bytepg_t, n int) int {
	return util.Readn(data[:], 8, n*8)
}

func fieldw(data *mem.Bytepg_t, n int, v int) {
	util.Writen(data[:], 8, n*8, v)
}
