package ipofs

import "fmt"

// AllocateInode claims the lowest free inode number, zeroes its table
// record, and returns it. Fails with ErrNoSpace when the table is full.
func (fs *FileSystem) AllocateInode() (Inumber, error) {
	if err := fs.requireMounted(); err != nil {
		return 0, err
	}

	bit, found, err := fs.scanBitmapForClearBit(fs.sb.InodeBitmapStart, fs.sb.InodeCount)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, ErrNoSpace.WithMessage("no free inodes")
	}

	err = fs.bitmapSet(fs.sb.InodeBitmapStart, bit, true)
	if err != nil {
		return 0, err
	}

	n := Inumber(bit + 1)
	err = fs.WriteInode(n, Inode{})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// AllocateBlock claims the lowest free data block and overwrites it with
// zeros. Zeroing is mandatory: the block mapper relies on freshly
// allocated indirect blocks reading back as all-zero pointer arrays.
func (fs *FileSystem) AllocateBlock() (PhysicalBlock, error) {
	if err := fs.requireMounted(); err != nil {
		return 0, err
	}

	bit, found, err := fs.scanBitmapForClearBit(fs.sb.BlockBitmapStart, fs.sb.DataBlockCount())
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, ErrNoSpace.WithMessage("no free data blocks")
	}

	err = fs.bitmapSet(fs.sb.BlockBitmapStart, bit, true)
	if err != nil {
		return 0, err
	}

	block := fs.sb.DataBlocksStart + PhysicalBlock(bit)
	err = fs.dev.WriteBlock(uint32(block), make([]byte, BlockSize))
	if err != nil {
		return 0, ErrIOFailed.Wrap(err)
	}
	return block, nil
}

// freeBlock clears the allocation bit of a data block. Pointers outside
// the data region mean the image is damaged; freeing them would corrupt an
// unrelated bitmap byte.
func (fs *FileSystem) freeBlock(block PhysicalBlock) error {
	if block < fs.sb.DataBlocksStart || uint32(block) >= fs.sb.TotalBlocks {
		return ErrCorrupted.WithMessage(
			fmt.Sprintf("refusing to free block %d outside data region [%d, %d)",
				block, fs.sb.DataBlocksStart, fs.sb.TotalBlocks))
	}
	return fs.bitmapSet(fs.sb.BlockBitmapStart, uint32(block-fs.sb.DataBlocksStart), false)
}
