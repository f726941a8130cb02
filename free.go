package ipofs

import (
	"encoding/binary"

	"github.com/hashicorp/go-multierror"
)

// freePointerBlockContents clears the allocation bit of every nonzero
// pointer in one indirect block. Problems are accumulated rather than
// aborting the sweep: freeing as much as possible beats leaving the whole
// chain allocated because one bitmap write failed.
func (fs *FileSystem) freePointerBlockContents(block PhysicalBlock, result *multierror.Error) {
	raw, err := fs.dev.ReadBlock(uint32(block))
	if err != nil {
		multierror.Append(result, ErrIOFailed.Wrap(err))
		return
	}

	for i := 0; i < BlockSize; i += 4 {
		ptr := PhysicalBlock(binary.LittleEndian.Uint32(raw[i : i+4]))
		if ptr != 0 {
			if err := fs.freeBlock(ptr); err != nil {
				multierror.Append(result, err)
			}
		}
	}
}

// freeInodeBlocks releases every data block an inode references: all
// direct pointers, the single-indirect data blocks plus the pointer block
// itself, and the full double-indirect tree. The inode's pointer fields
// are zeroed in memory; the caller persists the inode.
func (fs *FileSystem) freeInodeBlocks(ino *Inode) error {
	result := &multierror.Error{}

	for i, block := range ino.Direct {
		if block != 0 {
			if err := fs.freeBlock(block); err != nil {
				multierror.Append(result, err)
			}
			ino.Direct[i] = 0
		}
	}

	if ino.Indirect != 0 {
		fs.freePointerBlockContents(ino.Indirect, result)
		if err := fs.freeBlock(ino.Indirect); err != nil {
			multierror.Append(result, err)
		}
		ino.Indirect = 0
	}

	if ino.DoubleIndirect != 0 {
		raw, err := fs.dev.ReadBlock(uint32(ino.DoubleIndirect))
		if err != nil {
			multierror.Append(result, ErrIOFailed.Wrap(err))
		} else {
			for i := 0; i < BlockSize; i += 4 {
				single := PhysicalBlock(binary.LittleEndian.Uint32(raw[i : i+4]))
				if single == 0 {
					continue
				}
				fs.freePointerBlockContents(single, result)
				if err := fs.freeBlock(single); err != nil {
					multierror.Append(result, err)
				}
			}
		}
		if err := fs.freeBlock(ino.DoubleIndirect); err != nil {
			multierror.Append(result, err)
		}
		ino.DoubleIndirect = 0
	}

	return result.ErrorOrNil()
}
