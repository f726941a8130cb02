package ipofs

import "fmt"

// DefaultTotalInodes is the inode-table size Format uses when the caller
// doesn't care.
const DefaultTotalInodes = 256

// MinFormatBlocks is the smallest partition Format accepts, in blocks.
const MinFormatBlocks = 100

// Format writes a fresh IPO_FS into the partition. The layout is computed
// from the measured partition size and `totalInodes`: superblock in block
// 0, then the inode bitmap, block bitmap, and inode table packed
// contiguously, with everything after that as the data region.
//
// Inode 1 (the root directory) and inode 2 (/app) are marked allocated as
// empty directories with a link count of 1. Neither gets "." or ".."
// entries, and /app is not linked under the root, so a freshly formatted
// image lists an empty root. That is how every existing IPO_FS image was
// produced; the bootable kernel creates the entries itself on first use.
func (fs *FileSystem) Format(totalInodes uint32) error {
	if totalInodes == 0 {
		totalInodes = DefaultTotalInodes
	}

	totalBlocks := fs.dev.TotalBlocks()
	if totalBlocks < MinFormatBlocks {
		return ErrNoSpace.WithMessage(fmt.Sprintf(
			"partition is %d blocks, need at least %d", totalBlocks, MinFormatBlocks))
	}

	inodeBitmapBlocks := (totalInodes + bitsPerBitmapBlock - 1) / bitsPerBitmapBlock
	blockBitmapBlocks := (totalBlocks + bitsPerBitmapBlock - 1) / bitsPerBitmapBlock
	inodeTableBlocks := (totalInodes*InodeSize + BlockSize - 1) / BlockSize

	sb := &Superblock{
		TotalBlocks:      totalBlocks,
		InodeCount:       totalInodes,
		InodeBitmapStart: 1,
		BlockBitmapStart: PhysicalBlock(1 + inodeBitmapBlocks),
		InodeTableStart:  PhysicalBlock(1 + inodeBitmapBlocks + blockBitmapBlocks),
	}
	sb.DataBlocksStart = sb.InodeTableStart + PhysicalBlock(inodeTableBlocks)

	if err := sb.validate(); err != nil {
		return err
	}

	encoded, err := sb.Encode()
	if err != nil {
		return err
	}
	err = fs.dev.WriteBlock(0, encoded)
	if err != nil {
		return ErrIOFailed.Wrap(err)
	}

	// Zero both bitmaps and the whole inode table.
	zeroBlock := make([]byte, BlockSize)
	for i := uint32(sb.InodeBitmapStart); i < uint32(sb.DataBlocksStart); i++ {
		err = fs.dev.WriteBlock(i, zeroBlock)
		if err != nil {
			return ErrIOFailed.Wrap(err)
		}
	}

	fs.sb = sb

	// Root directory and /app, both empty.
	for bit, n := range []Inumber{1, 2} {
		err = fs.bitmapSet(sb.InodeBitmapStart, uint32(bit), true)
		if err != nil {
			return err
		}
		err = fs.WriteInode(n, Inode{Mode: ModeDirectory, LinksCount: 1})
		if err != nil {
			return err
		}
	}
	return nil
}
