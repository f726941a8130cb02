package ipofs

import (
	"fmt"

	"github.com/boljen/go-bitmap"
)

// bitsPerBitmapBlock is the number of allocation bits one bitmap block
// tracks. Bitmaps are LSB-first: bit i lives in byte i/8, bit i%8.
const bitsPerBitmapBlock = BlockSize * 8

// bitmapGet reads a single bit from the bitmap region starting at `start`.
// Crossing bitmap-block boundaries falls out of the byte arithmetic; the
// caller must not ask for a bit beyond the bitmap's span.
func (fs *FileSystem) bitmapGet(start PhysicalBlock, bit uint32) (bool, error) {
	block, err := fs.dev.ReadBlock(uint32(start) + bit/bitsPerBitmapBlock)
	if err != nil {
		return false, ErrIOFailed.Wrap(err)
	}
	return bitmap.Bitmap(block).Get(int(bit % bitsPerBitmapBlock)), nil
}

// bitmapSet read-modifies-writes the bitmap block containing `bit`.
func (fs *FileSystem) bitmapSet(start PhysicalBlock, bit uint32, value bool) error {
	blockIndex := uint32(start) + bit/bitsPerBitmapBlock
	block, err := fs.dev.ReadBlock(blockIndex)
	if err != nil {
		return ErrIOFailed.Wrap(err)
	}

	bitmap.Bitmap(block).Set(int(bit%bitsPerBitmapBlock), value)

	err = fs.dev.WriteBlock(blockIndex, block)
	if err != nil {
		return ErrIOFailed.Wrap(err)
	}
	return nil
}

// scanBitmapForClearBit finds the lowest clear bit in the first `limit`
// bits of a bitmap region. It scans block-at-a-time rather than bit-at-a-
// time to avoid re-reading the same block thousands of times.
func (fs *FileSystem) scanBitmapForClearBit(start PhysicalBlock, limit uint32) (uint32, bool, error) {
	for base := uint32(0); base < limit; base += bitsPerBitmapBlock {
		block, err := fs.dev.ReadBlock(uint32(start) + base/bitsPerBitmapBlock)
		if err != nil {
			return 0, false, ErrIOFailed.Wrap(err)
		}

		bits := bitmap.Bitmap(block)
		span := limit - base
		if span > bitsPerBitmapBlock {
			span = bitsPerBitmapBlock
		}
		for i := uint32(0); i < span; i++ {
			if !bits.Get(int(i)) {
				return base + i, true, nil
			}
		}
	}
	return 0, false, nil
}

// countClearBits tallies clear bits in the first `limit` bits of a bitmap
// region. Used for usage statistics only.
func (fs *FileSystem) countClearBits(start PhysicalBlock, limit uint32) (uint32, error) {
	free := uint32(0)
	for base := uint32(0); base < limit; base += bitsPerBitmapBlock {
		block, err := fs.dev.ReadBlock(uint32(start) + base/bitsPerBitmapBlock)
		if err != nil {
			return 0, ErrIOFailed.Wrap(err)
		}

		bits := bitmap.Bitmap(block)
		span := limit - base
		if span > bitsPerBitmapBlock {
			span = bitsPerBitmapBlock
		}
		for i := uint32(0); i < span; i++ {
			if !bits.Get(int(i)) {
				free++
			}
		}
	}
	return free, nil
}

// BlockBitmapBit reports the allocation bit of a physical data block.
// Exposed for tests and consistency checks; `block` must be in the data
// region.
func (fs *FileSystem) BlockBitmapBit(block PhysicalBlock) (bool, error) {
	if err := fs.requireMounted(); err != nil {
		return false, err
	}
	if block < fs.sb.DataBlocksStart || uint32(block) >= fs.sb.TotalBlocks {
		return false, ErrCorrupted.WithMessage(
			fmt.Sprintf("block %d outside data region [%d, %d)",
				block, fs.sb.DataBlocksStart, fs.sb.TotalBlocks))
	}
	return fs.bitmapGet(fs.sb.BlockBitmapStart, uint32(block-fs.sb.DataBlocksStart))
}

// InodeBitmapBit reports the allocation bit of an inode.
func (fs *FileSystem) InodeBitmapBit(n Inumber) (bool, error) {
	err := fs.checkInumber(n)
	if err != nil {
		return false, err
	}
	return fs.bitmapGet(fs.sb.InodeBitmapStart, uint32(n)-1)
}
