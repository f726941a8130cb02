package ipofs

import (
	"encoding/binary"
	"fmt"

	"github.com/noxer/bytewriter"
)

// DirentSize is the on-disk size of one directory entry: a 4-byte inode
// number, a type tag, the significant name length, two pad bytes, and the
// NUL-padded name field.
const DirentSize = 4 + 1 + 1 + 2 + MaxNameLength

// Directory-entry type tags. They mirror the inode mode values but are
// stored separately so a directory can be listed without reading every
// child inode.
const (
	DirentTypeDirectory uint8 = 1
	DirentTypeRegular   uint8 = 2
)

// DirEntry is a decoded directory entry.
type DirEntry struct {
	Inumber Inumber
	Type    uint8
	Name    string
}

func (entry *DirEntry) IsDir() bool {
	return entry.Type == DirentTypeDirectory
}

// packDirent serializes one directory entry. Names longer than
// MaxNameLength can't be stored without corrupting lookups and are
// rejected.
func packDirent(name string, target Inumber, entryType uint8) ([]byte, error) {
	if len(name) == 0 {
		return nil, ErrInvalidPath.WithMessage("empty entry name")
	}
	if len(name) > MaxNameLength {
		return nil, ErrNameTooLong.WithMessage(
			fmt.Sprintf("%q is %d bytes, limit is %d", name, len(name), MaxNameLength))
	}

	entry := make([]byte, DirentSize)
	writer := bytewriter.New(entry)
	binary.Write(writer, binary.LittleEndian, uint32(target))
	writer.Write([]byte{entryType, uint8(len(name)), 0, 0})
	writer.Write([]byte(name))
	return entry, nil
}

// unpackDirent decodes one directory entry slot. Slots with a zero inode
// field are unused; the second return value reports whether the slot held
// an entry.
func unpackDirent(data []byte) (DirEntry, bool) {
	target := binary.LittleEndian.Uint32(data[0:4])
	if target == 0 {
		return DirEntry{}, false
	}

	nameLen := int(data[5])
	if nameLen > MaxNameLength {
		nameLen = MaxNameLength
	}

	return DirEntry{
		Inumber: Inumber(target),
		Type:    data[4],
		Name:    string(data[8 : 8+nameLen]),
	}, true
}
