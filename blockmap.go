package ipofs

import (
	"encoding/binary"
	"fmt"
)

// readPointer returns pointer slot `index` of an indirect block.
func (fs *FileSystem) readPointer(block PhysicalBlock, index uint32) (PhysicalBlock, error) {
	raw, err := fs.dev.ReadBlock(uint32(block))
	if err != nil {
		return 0, ErrIOFailed.Wrap(err)
	}
	return PhysicalBlock(binary.LittleEndian.Uint32(raw[index*4 : index*4+4])), nil
}

// writePointer read-modifies-writes pointer slot `index` of an indirect
// block.
func (fs *FileSystem) writePointer(block PhysicalBlock, index uint32, value PhysicalBlock) error {
	raw, err := fs.dev.ReadBlock(uint32(block))
	if err != nil {
		return ErrIOFailed.Wrap(err)
	}

	binary.LittleEndian.PutUint32(raw[index*4:index*4+4], uint32(value))

	err = fs.dev.WriteBlock(uint32(block), raw)
	if err != nil {
		return ErrIOFailed.Wrap(err)
	}
	return nil
}

// loadOrAllocPointer resolves one level of indirection: the pointer at
// slot `index` of `block`, allocating a zeroed block into the slot when
// it's empty and `alloc` is set. The bool reports whether the slot names a
// block on return.
func (fs *FileSystem) loadOrAllocPointer(
	block PhysicalBlock,
	index uint32,
	alloc bool,
) (PhysicalBlock, bool, error) {
	ptr, err := fs.readPointer(block, index)
	if err != nil {
		return 0, false, err
	}
	if ptr != 0 {
		return ptr, true, nil
	}
	if !alloc {
		return 0, false, nil
	}

	ptr, err = fs.AllocateBlock()
	if err != nil {
		return 0, false, err
	}
	err = fs.writePointer(block, index, ptr)
	if err != nil {
		return 0, false, err
	}
	return ptr, true, nil
}

// BlockForInode translates a logical block index of an inode into a
// physical block number. With `alloc` set, missing blocks along the way —
// the data block itself and any intermediate indirect blocks — are
// allocated and zeroed, and the pointer recording them is written back
// immediately.
//
// The inode is mutated in place when a direct or top-level indirect
// pointer is allocated; the caller must persist it with WriteInode
// afterward. The bool result is false when the logical block has no
// physical block and allocation wasn't requested.
func (fs *FileSystem) BlockForInode(
	ino *Inode,
	logical LogicalBlock,
	alloc bool,
) (PhysicalBlock, bool, error) {
	if uint32(logical) >= MaxFileBlocks {
		return 0, false, ErrFileTooLarge.WithMessage(
			fmt.Sprintf("logical block %d exceeds maximum %d", logical, MaxFileBlocks-1))
	}

	if logical < NumDirectBlocks {
		if ino.Direct[logical] == 0 {
			if !alloc {
				return 0, false, nil
			}
			block, err := fs.AllocateBlock()
			if err != nil {
				return 0, false, err
			}
			ino.Direct[logical] = block
		}
		return ino.Direct[logical], true, nil
	}

	index := uint32(logical) - NumDirectBlocks

	// Single indirect.
	if index < PointersPerBlock {
		if ino.Indirect == 0 {
			if !alloc {
				return 0, false, nil
			}
			block, err := fs.AllocateBlock()
			if err != nil {
				return 0, false, err
			}
			ino.Indirect = block
		}
		return fs.loadOrAllocPointer(ino.Indirect, index, alloc)
	}

	// Double indirect.
	index -= PointersPerBlock
	if ino.DoubleIndirect == 0 {
		if !alloc {
			return 0, false, nil
		}
		block, err := fs.AllocateBlock()
		if err != nil {
			return 0, false, err
		}
		ino.DoubleIndirect = block
	}

	single, ok, err := fs.loadOrAllocPointer(
		ino.DoubleIndirect, index/PointersPerBlock, alloc)
	if err != nil || !ok {
		return 0, false, err
	}
	return fs.loadOrAllocPointer(single, index%PointersPerBlock, alloc)
}

// clearBlockPointer zeroes the pointer naming the physical block behind a
// logical index, wherever that pointer lives. The block itself is not
// freed; callers clear the bitmap bit separately. Used when a directory
// shrinks so no pointer keeps referring to a freed block.
func (fs *FileSystem) clearBlockPointer(ino *Inode, logical LogicalBlock) error {
	if logical < NumDirectBlocks {
		ino.Direct[logical] = 0
		return nil
	}

	index := uint32(logical) - NumDirectBlocks
	if index < PointersPerBlock {
		if ino.Indirect == 0 {
			return nil
		}
		return fs.writePointer(ino.Indirect, index, 0)
	}

	index -= PointersPerBlock
	if ino.DoubleIndirect == 0 {
		return nil
	}
	single, err := fs.readPointer(ino.DoubleIndirect, index/PointersPerBlock)
	if err != nil {
		return err
	}
	if single == 0 {
		return nil
	}
	return fs.writePointer(single, index%PointersPerBlock, 0)
}
