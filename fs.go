package ipofs

import (
	"fmt"
	"io"
	gopath "path"

	"github.com/IPOleksenko/ipofs/blockdev"
)

// FileSystem edits one IPO_FS partition. Every operation reads what it
// needs from disk and writes results straight back through the block
// device; no state is cached between operations, so the image file is
// always the single source of truth.
//
// Access is single-threaded and synchronous. Concurrent use of one
// FileSystem, or of one image from several processes, is undefined.
type FileSystem struct {
	dev *blockdev.Device
	sb  *Superblock
}

// Open mounts the partition at startLBA blocks into the stream. The
// superblock must decode and carry the IPO_FS magic.
func Open(stream io.ReadWriteSeeker, startLBA uint32) (*FileSystem, error) {
	dev, err := blockdev.New(stream, startLBA)
	if err != nil {
		return nil, ErrIOFailed.Wrap(err)
	}
	if dev.TotalBlocks() == 0 {
		return nil, ErrNotIpoFs.WithMessage("partition region is empty")
	}

	block, err := dev.ReadBlock(0)
	if err != nil {
		return nil, ErrIOFailed.Wrap(err)
	}
	sb, err := DecodeSuperblock(block)
	if err != nil {
		return nil, err
	}
	return &FileSystem{dev: dev, sb: sb}, nil
}

// OpenUnformatted wraps a stream whether or not it holds a file system
// yet. If no valid superblock is found the FileSystem stays unmounted
// until Format writes one; until then every operation that needs the
// superblock's layout (listing, reading, writing, deleting, allocation,
// inode and bitmap access, FSStat) fails with ErrUnformatted. I/O errors other than a missing or foreign
// superblock are still reported.
func OpenUnformatted(stream io.ReadWriteSeeker, startLBA uint32) (*FileSystem, error) {
	dev, err := blockdev.New(stream, startLBA)
	if err != nil {
		return nil, ErrIOFailed.Wrap(err)
	}

	fs := &FileSystem{dev: dev}
	if dev.TotalBlocks() == 0 {
		return fs, nil
	}

	block, err := dev.ReadBlock(0)
	if err != nil {
		return nil, ErrIOFailed.Wrap(err)
	}

	sb, err := DecodeSuperblock(block)
	if err == nil {
		fs.sb = sb
	}
	return fs, nil
}

// Superblock returns the mounted superblock, or nil before Format on an
// unformatted image.
func (fs *FileSystem) Superblock() *Superblock {
	return fs.sb
}

func (fs *FileSystem) requireMounted() error {
	if fs.sb == nil {
		return ErrUnformatted
	}
	return nil
}

// FSStat scans both allocation bitmaps and reports usage counters.
func (fs *FileSystem) FSStat() (FSStat, error) {
	if err := fs.requireMounted(); err != nil {
		return FSStat{}, err
	}

	freeBlocks, err := fs.countClearBits(fs.sb.BlockBitmapStart, fs.sb.DataBlockCount())
	if err != nil {
		return FSStat{}, err
	}
	freeInodes, err := fs.countClearBits(fs.sb.InodeBitmapStart, fs.sb.InodeCount)
	if err != nil {
		return FSStat{}, err
	}

	return FSStat{
		TotalBlocks:   fs.sb.TotalBlocks,
		DataBlocks:    fs.sb.DataBlockCount(),
		FreeBlocks:    freeBlocks,
		InodeCount:    fs.sb.InodeCount,
		FreeInodes:    freeInodes,
		BlockSize:     BlockSize,
		MaxNameLength: MaxNameLength,
	}, nil
}

// List returns the entries of the directory at `p`, in disk order.
func (fs *FileSystem) List(p string) ([]DirEntry, error) {
	if err := fs.requireMounted(); err != nil {
		return nil, err
	}

	n, err := fs.ResolvePath(p)
	if err != nil {
		return nil, err
	}

	ino, err := fs.ReadInode(n)
	if err != nil {
		return nil, err
	}
	if !ino.IsDir() {
		return nil, ErrNotADirectory.WithMessage(p)
	}
	return fs.DirEntries(&ino)
}

// ReadFile returns the full contents of the file at `p`.
func (fs *FileSystem) ReadFile(p string) ([]byte, error) {
	if err := fs.requireMounted(); err != nil {
		return nil, err
	}

	n, err := fs.ResolvePath(p)
	if err != nil {
		return nil, err
	}

	ino, err := fs.ReadInode(n)
	if err != nil {
		return nil, err
	}
	if ino.IsDir() {
		return nil, ErrIsADirectory.WithMessage(p)
	}

	data := make([]byte, 0, BlocksForSize(ino.Size)*BlockSize)
	for i := LogicalBlock(0); i < LogicalBlock(BlocksForSize(ino.Size)); i++ {
		phys, ok, err := fs.BlockForInode(&ino, i, false)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrCorrupted.WithMessage(
				fmt.Sprintf("file block %d is unallocated", i))
		}

		block, err := fs.dev.ReadBlock(uint32(phys))
		if err != nil {
			return nil, ErrIOFailed.Wrap(err)
		}
		data = append(data, block...)
	}
	return data[:ino.Size], nil
}

// Mkdir creates a directory. The new directory gets one data block holding
// its "." and ".." entries and is linked into its parent.
func (fs *FileSystem) Mkdir(p string) error {
	if err := fs.requireMounted(); err != nil {
		return err
	}

	parent, name, err := fs.splitParent(p)
	if err != nil {
		return err
	}

	_, exists, err := fs.FindEntry(parent, name)
	if err != nil {
		return err
	}
	if exists {
		return ErrExists.WithMessage(p)
	}

	n, err := fs.AllocateInode()
	if err != nil {
		return err
	}

	ino := Inode{Mode: ModeDirectory, LinksCount: 2}

	block, err := fs.AllocateBlock()
	if err != nil {
		return err
	}
	ino.Direct[0] = block

	err = fs.writeFreshDirectoryBlock(block, n, parent)
	if err != nil {
		return err
	}

	ino.Size = 2 * DirentSize
	err = fs.WriteInode(n, ino)
	if err != nil {
		return err
	}

	return fs.addDirEntry(parent, name, n, DirentTypeDirectory)
}

// writeFreshDirectoryBlock lays out the first data block of a new
// directory: "." pointing at the directory itself and ".." at its parent.
func (fs *FileSystem) writeFreshDirectoryBlock(block PhysicalBlock, self, parent Inumber) error {
	dot, err := packDirent(".", self, DirentTypeDirectory)
	if err != nil {
		return err
	}
	dotDot, err := packDirent("..", parent, DirentTypeDirectory)
	if err != nil {
		return err
	}

	raw := make([]byte, BlockSize)
	copy(raw, dot)
	copy(raw[DirentSize:], dotDot)
	return fs.dev.WriteBlock(uint32(block), raw)
}

// WriteText writes `text` to the file at `p`, creating the file if it
// doesn't exist. Data is overwritten from the start and the size updated;
// blocks past the new end are NOT reclaimed — a file shrunk through
// WriteText keeps its old blocks allocated. PutBytes is the overwrite
// path that reclaims.
func (fs *FileSystem) WriteText(p string, text string) error {
	if err := fs.requireMounted(); err != nil {
		return err
	}

	n, err := fs.ResolvePath(p)
	if err != nil {
		parent, name, splitErr := fs.splitParent(p)
		if splitErr != nil {
			return splitErr
		}

		n, err = fs.AllocateInode()
		if err != nil {
			return err
		}
		err = fs.WriteInode(n, Inode{Mode: ModeRegular, LinksCount: 1})
		if err != nil {
			return err
		}
		err = fs.addDirEntry(parent, name, n, DirentTypeRegular)
		if err != nil {
			return err
		}
	}

	ino, err := fs.ReadInode(n)
	if err != nil {
		return err
	}
	if ino.IsDir() {
		return ErrIsADirectory.WithMessage(p)
	}
	ino.Size = uint32(len(text))

	err = fs.writeFileData(&ino, []byte(text))
	if err != nil {
		return err
	}
	return fs.WriteInode(n, ino)
}

// writeFileData writes `data` over the inode's logical blocks from index
// 0, allocating along the way. The final partial block is zero-padded to a
// full block on disk.
func (fs *FileSystem) writeFileData(ino *Inode, data []byte) error {
	for i := uint32(0); i < BlocksForSize(uint32(len(data))); i++ {
		phys, _, err := fs.BlockForInode(ino, LogicalBlock(i), true)
		if err != nil {
			return err
		}

		block := make([]byte, BlockSize)
		copy(block, data[i*BlockSize:])
		err = fs.dev.WriteBlock(uint32(phys), block)
		if err != nil {
			return ErrIOFailed.Wrap(err)
		}
	}
	return nil
}

// PutBytes stores `data` on the image, resolving the destination the way
// the put command does:
//
//   - "", ".", "./", and "/" place the file in the root under localName.
//   - A destination whose final component is "." or ".." is treated as a
//     directory and receives the file under localName.
//   - A destination resolving to an existing directory receives the file
//     inside it under localName.
//   - Anything else names the file itself: an existing file is
//     overwritten, a missing one created.
//
// Overwriting frees every block the file previously used — direct,
// single-indirect data plus the pointer block, and the whole
// double-indirect tree — and persists the emptied inode before the new
// data is written.
func (fs *FileSystem) PutBytes(data []byte, localName string, destPath string) error {
	if err := fs.requireMounted(); err != nil {
		return err
	}

	if uint64(len(data)) > uint64(MaxFileBlocks)*BlockSize {
		return ErrFileTooLarge.WithMessage(
			fmt.Sprintf("%d bytes exceeds the %d-block limit", len(data), MaxFileBlocks))
	}

	if destPath == "" || destPath == "." || destPath == "./" {
		destPath = "/"
	}

	var parent Inumber
	var name string
	target := Inumber(0)
	haveTarget := false

	if destPath == "/" {
		parent = RootInumber
		name = gopath.Base(localName)
	} else {
		var err error
		parent, name, err = fs.splitParent(destPath)
		if err != nil {
			return ErrInvalidPath.Wrap(err)
		}

		// A trailing "." or ".." component names a directory, not a file.
		if name == "." || name == ".." {
			name = gopath.Base(localName)
		}

		resolved, err := fs.ResolvePath(destPath)
		if err == nil {
			tino, err := fs.ReadInode(resolved)
			if err != nil {
				return err
			}
			if tino.IsDir() {
				parent = resolved
				name = gopath.Base(localName)
			} else {
				target = resolved
				haveTarget = true
			}
		}
	}

	if !haveTarget {
		n, err := fs.AllocateInode()
		if err != nil {
			return err
		}
		err = fs.WriteInode(n, Inode{Mode: ModeRegular, LinksCount: 1})
		if err != nil {
			return err
		}
		err = fs.addDirEntry(parent, name, n, DirentTypeRegular)
		if err != nil {
			return err
		}
		target = n
	}

	ino, err := fs.ReadInode(target)
	if err != nil {
		return err
	}

	// Free the old contents and persist the emptied inode before any new
	// data lands.
	err = fs.freeInodeBlocks(&ino)
	if err != nil {
		return err
	}
	ino.Size = 0
	err = fs.WriteInode(target, ino)
	if err != nil {
		return err
	}

	err = fs.writeFileData(&ino, data)
	if err != nil {
		return err
	}

	ino.Size = uint32(len(data))
	return fs.WriteInode(target, ino)
}

// Delete removes the file or empty directory at `p`. Protected inodes and
// directories holding anything beyond "." and ".." are refused. On
// success the inode's blocks are freed, its bitmap bit cleared, and its
// table record zeroed.
func (fs *FileSystem) Delete(p string) error {
	if err := fs.requireMounted(); err != nil {
		return err
	}

	parent, name, err := fs.splitParent(p)
	if err != nil {
		return err
	}

	entry, found, err := fs.FindEntry(parent, name)
	if err != nil {
		return err
	}
	if !found {
		return ErrNotFound.WithMessage(p)
	}

	ino, err := fs.ReadInode(entry.Inumber)
	if err != nil {
		return err
	}
	if ino.IsProtected() {
		return ErrProtected.WithMessage(p + " is protected")
	}
	if ino.IsDir() && ino.Size > 2*DirentSize {
		return ErrDirectoryNotEmpty.WithMessage(p)
	}

	err = fs.removeDirEntry(parent, name)
	if err != nil {
		return err
	}

	err = fs.freeInodeBlocks(&ino)
	if err != nil {
		return err
	}

	err = fs.bitmapSet(fs.sb.InodeBitmapStart, uint32(entry.Inumber)-1, false)
	if err != nil {
		return err
	}
	return fs.WriteInode(entry.Inumber, Inode{})
}
