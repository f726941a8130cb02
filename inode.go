package ipofs

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// InodeSize is the on-disk size of one inode record, in bytes. This is the
// revision-2 layout: the revision-1 layout drops DoubleIndirect and grows
// the reserved tail by four bytes, keeping the record size identical.
const InodeSize = 76

// InodesPerBlock is the number of whole inode records per table block.
const InodesPerBlock = BlockSize / InodeSize

// RawInode is the on-disk inode record, little-endian. An inode whose bit
// in the inode bitmap is clear must be all-zero on disk.
type RawInode struct {
	Mode           uint32
	Size           uint32
	LinksCount     uint32
	Direct         [NumDirectBlocks]uint32
	Indirect       uint32
	DoubleIndirect uint32
	Reserved       [32]byte
}

// Inode is the in-memory form of an inode. The block mapper mutates the
// pointer fields during allocation; the caller is responsible for
// persisting the inode afterward with WriteInode.
type Inode struct {
	Mode           uint32
	Size           uint32
	LinksCount     uint32
	Direct         [NumDirectBlocks]PhysicalBlock
	Indirect       PhysicalBlock
	DoubleIndirect PhysicalBlock
}

func (ino *Inode) IsDir() bool {
	return ino.Mode&ModeDirectory != 0
}

func (ino *Inode) IsProtected() bool {
	return ino.Mode&ModeProtected != 0
}

// BlocksForSize returns the number of blocks needed to hold `size` bytes.
func BlocksForSize(size uint32) uint32 {
	return (size + BlockSize - 1) / BlockSize
}

// DecodeInode parses one InodeSize-byte record. Records whose reserved tail
// is nonzero don't come from any known revision of the format and are
// rejected; a zero DoubleIndirect is how revision-1 records read back.
func DecodeInode(data []byte) (Inode, error) {
	var raw RawInode
	err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &raw)
	if err != nil {
		return Inode{}, ErrIOFailed.Wrap(err)
	}

	for _, b := range raw.Reserved {
		if b != 0 {
			return Inode{}, ErrCorrupted.WithMessage("inode reserved bytes are nonzero")
		}
	}

	ino := Inode{
		Mode:           raw.Mode,
		Size:           raw.Size,
		LinksCount:     raw.LinksCount,
		Indirect:       PhysicalBlock(raw.Indirect),
		DoubleIndirect: PhysicalBlock(raw.DoubleIndirect),
	}
	for i, b := range raw.Direct {
		ino.Direct[i] = PhysicalBlock(b)
	}
	return ino, nil
}

// Encode serializes the inode into a fresh InodeSize-byte record.
func (ino *Inode) Encode() []byte {
	raw := RawInode{
		Mode:           ino.Mode,
		Size:           ino.Size,
		LinksCount:     ino.LinksCount,
		Indirect:       uint32(ino.Indirect),
		DoubleIndirect: uint32(ino.DoubleIndirect),
	}
	for i, b := range ino.Direct {
		raw.Direct[i] = uint32(b)
	}

	buffer := bytes.Buffer{}
	binary.Write(&buffer, binary.LittleEndian, &raw)
	return buffer.Bytes()
}

// ReadInode fetches inode n from the inode table.
func (fs *FileSystem) ReadInode(n Inumber) (Inode, error) {
	err := fs.checkInumber(n)
	if err != nil {
		return Inode{}, err
	}

	block, offset := fs.sb.InodeLocation(n)
	raw, err := fs.dev.ReadBlock(uint32(block))
	if err != nil {
		return Inode{}, ErrIOFailed.Wrap(err)
	}
	return DecodeInode(raw[offset : offset+InodeSize])
}

// WriteInode stores inode n, read-modifying the containing table block so
// neighboring records are preserved.
func (fs *FileSystem) WriteInode(n Inumber, ino Inode) error {
	err := fs.checkInumber(n)
	if err != nil {
		return err
	}

	block, offset := fs.sb.InodeLocation(n)
	raw, err := fs.dev.ReadBlock(uint32(block))
	if err != nil {
		return ErrIOFailed.Wrap(err)
	}

	copy(raw[offset:offset+InodeSize], ino.Encode())
	err = fs.dev.WriteBlock(uint32(block), raw)
	if err != nil {
		return ErrIOFailed.Wrap(err)
	}
	return nil
}

func (fs *FileSystem) checkInumber(n Inumber) error {
	if fs.sb == nil {
		return ErrUnformatted
	}
	if n == 0 || uint32(n) > fs.sb.InodeCount {
		return ErrInvalidInode.WithMessage(
			fmt.Sprintf("inode %d not in range [1, %d]", n, fs.sb.InodeCount))
	}
	return nil
}
