package ipofs

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/noxer/bytewriter"
)

// SuperblockMagic identifies an IPO_FS partition. On disk it occupies 8
// bytes, NUL-padded.
const SuperblockMagic = "IPO_FS"

// RawSuperblock is the first 36 bytes of partition-relative block 0,
// little-endian. The rest of the block is zero padding.
type RawSuperblock struct {
	Magic            [8]byte
	TotalBlocks      uint32
	BlockSize        uint32
	InodeCount       uint32
	InodeBitmapStart uint32
	BlockBitmapStart uint32
	InodeTableStart  uint32
	DataBlocksStart  uint32
}

// Superblock is the decoded layout of a partition. The four start fields
// name the first block of each contiguous region; regions are laid out in
// declaration order with the data region running to TotalBlocks.
type Superblock struct {
	TotalBlocks      uint32
	InodeCount       uint32
	InodeBitmapStart PhysicalBlock
	BlockBitmapStart PhysicalBlock
	InodeTableStart  PhysicalBlock
	DataBlocksStart  PhysicalBlock
}

// DecodeSuperblock parses block 0 of a partition. It fails with ErrNotIpoFs
// when the magic doesn't match, and ErrCorrupted when the layout fields
// violate the region-ordering invariant.
func DecodeSuperblock(block []byte) (*Superblock, error) {
	if len(block) < BlockSize {
		return nil, ErrCorrupted.WithMessage(
			fmt.Sprintf("superblock must be %d bytes, got %d", BlockSize, len(block)))
	}

	var raw RawSuperblock
	err := binary.Read(bytes.NewReader(block), binary.LittleEndian, &raw)
	if err != nil {
		return nil, ErrIOFailed.Wrap(err)
	}

	magic := string(bytes.TrimRight(raw.Magic[:], "\x00"))
	if magic != SuperblockMagic {
		return nil, ErrNotIpoFs.WithMessage(fmt.Sprintf("bad magic %q", magic))
	}
	if raw.BlockSize != BlockSize {
		return nil, ErrCorrupted.WithMessage(
			fmt.Sprintf("unsupported block size %d", raw.BlockSize))
	}

	sb := &Superblock{
		TotalBlocks:      raw.TotalBlocks,
		InodeCount:       raw.InodeCount,
		InodeBitmapStart: PhysicalBlock(raw.InodeBitmapStart),
		BlockBitmapStart: PhysicalBlock(raw.BlockBitmapStart),
		InodeTableStart:  PhysicalBlock(raw.InodeTableStart),
		DataBlocksStart:  PhysicalBlock(raw.DataBlocksStart),
	}

	err = sb.validate()
	if err != nil {
		return nil, err
	}
	return sb, nil
}

// Encode serializes the superblock into a full zero-padded block.
func (sb *Superblock) Encode() ([]byte, error) {
	raw := RawSuperblock{
		TotalBlocks:      sb.TotalBlocks,
		BlockSize:        BlockSize,
		InodeCount:       sb.InodeCount,
		InodeBitmapStart: uint32(sb.InodeBitmapStart),
		BlockBitmapStart: uint32(sb.BlockBitmapStart),
		InodeTableStart:  uint32(sb.InodeTableStart),
		DataBlocksStart:  uint32(sb.DataBlocksStart),
	}
	copy(raw.Magic[:], SuperblockMagic)

	block := make([]byte, BlockSize)
	writer := bytewriter.New(block)
	err := binary.Write(writer, binary.LittleEndian, &raw)
	if err != nil {
		return nil, ErrIOFailed.Wrap(err)
	}
	return block, nil
}

func (sb *Superblock) validate() error {
	ordered := 0 < sb.InodeBitmapStart &&
		sb.InodeBitmapStart < sb.BlockBitmapStart &&
		sb.BlockBitmapStart < sb.InodeTableStart &&
		sb.InodeTableStart < sb.DataBlocksStart &&
		uint32(sb.DataBlocksStart) < sb.TotalBlocks

	if !ordered {
		return ErrCorrupted.WithMessage(fmt.Sprintf(
			"region layout out of order: inode bitmap %d, block bitmap %d,"+
				" inode table %d, data %d, total %d",
			sb.InodeBitmapStart,
			sb.BlockBitmapStart,
			sb.InodeTableStart,
			sb.DataBlocksStart,
			sb.TotalBlocks,
		))
	}
	if sb.InodeCount == 0 {
		return ErrCorrupted.WithMessage("inode count is 0")
	}
	return nil
}

// DataBlockCount returns the number of blocks in the data region, i.e. the
// number of bits that matter in the block bitmap.
func (sb *Superblock) DataBlockCount() uint32 {
	return sb.TotalBlocks - uint32(sb.DataBlocksStart)
}

// InodeLocation computes the physical block holding inode n and the byte
// offset of the record within that block. The caller must have validated n.
func (sb *Superblock) InodeLocation(n Inumber) (PhysicalBlock, uint32) {
	index := uint32(n) - 1
	block := sb.InodeTableStart + PhysicalBlock(index/InodesPerBlock)
	offset := (index % InodesPerBlock) * InodeSize
	return block, offset
}
