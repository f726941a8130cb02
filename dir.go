package ipofs

import "fmt"

// readDirectoryData reads every populated data block of a directory into
// one contiguous buffer. The buffer is a whole number of blocks; only the
// first ino.Size bytes hold entries.
func (fs *FileSystem) readDirectoryData(ino *Inode) ([]byte, error) {
	blocks := BlocksForSize(ino.Size)
	buffer := make([]byte, 0, blocks*BlockSize)

	for i := LogicalBlock(0); i < LogicalBlock(blocks); i++ {
		phys, ok, err := fs.BlockForInode(ino, i, false)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrCorrupted.WithMessage(
				fmt.Sprintf("directory block %d of %d is unallocated", i, blocks))
		}

		raw, err := fs.dev.ReadBlock(uint32(phys))
		if err != nil {
			return nil, ErrIOFailed.Wrap(err)
		}
		buffer = append(buffer, raw...)
	}
	return buffer, nil
}

// DirEntries decodes every populated entry of a directory inode, in disk
// order.
func (fs *FileSystem) DirEntries(ino *Inode) ([]DirEntry, error) {
	if ino.Size == 0 {
		return nil, nil
	}

	buffer, err := fs.readDirectoryData(ino)
	if err != nil {
		return nil, err
	}

	entries := make([]DirEntry, 0, ino.Size/DirentSize)
	for i := uint32(0); i < ino.Size/DirentSize; i++ {
		entry, ok := unpackDirent(buffer[i*DirentSize : (i+1)*DirentSize])
		if ok {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

// FindEntry looks `name` up in a directory with a linear scan. Directories
// never hold duplicate names, so the first match wins.
func (fs *FileSystem) FindEntry(dir Inumber, name string) (DirEntry, bool, error) {
	ino, err := fs.ReadInode(dir)
	if err != nil {
		return DirEntry{}, false, err
	}

	entries, err := fs.DirEntries(&ino)
	if err != nil {
		return DirEntry{}, false, err
	}

	for _, entry := range entries {
		if entry.Name == name {
			return entry, true, nil
		}
	}
	return DirEntry{}, false, nil
}

// addDirEntry appends an entry at the directory's current end, allocating
// data blocks as the entry grows into them, and bumps the directory's size
// by one entry. Duplicate names are rejected.
func (fs *FileSystem) addDirEntry(dir Inumber, name string, target Inumber, entryType uint8) error {
	ino, err := fs.ReadInode(dir)
	if err != nil {
		return err
	}

	_, exists, err := fs.FindEntry(dir, name)
	if err != nil {
		return err
	}
	if exists {
		return ErrExists.WithMessage(name)
	}

	entry, err := packDirent(name, target, entryType)
	if err != nil {
		return err
	}

	// 512 is not a multiple of 72, so the entry may straddle a block
	// boundary. Write the slice of the entry that lands in each block,
	// allocating blocks as the directory grows into them.
	offset := ino.Size
	end := offset + DirentSize
	for b := offset / BlockSize; b*BlockSize < end; b++ {
		phys, _, err := fs.BlockForInode(&ino, LogicalBlock(b), true)
		if err != nil {
			return err
		}

		raw, err := fs.dev.ReadBlock(uint32(phys))
		if err != nil {
			return ErrIOFailed.Wrap(err)
		}

		from := b * BlockSize
		if from < offset {
			from = offset
		}
		to := (b + 1) * BlockSize
		if to > end {
			to = end
		}
		copy(raw[from-b*BlockSize:], entry[from-offset:to-offset])

		err = fs.dev.WriteBlock(uint32(phys), raw)
		if err != nil {
			return ErrIOFailed.Wrap(err)
		}
	}

	ino.Size += DirentSize
	return fs.WriteInode(dir, ino)
}

// removeDirEntry deletes the entry named `name`, compacting the remaining
// entries left and reclaiming any data blocks past the new end. There are
// no tombstones: a directory's entries are always densely packed.
func (fs *FileSystem) removeDirEntry(dir Inumber, name string) error {
	ino, err := fs.ReadInode(dir)
	if err != nil {
		return err
	}
	if ino.Size == 0 {
		return ErrNotFound.WithMessage(name)
	}

	buffer, err := fs.readDirectoryData(&ino)
	if err != nil {
		return err
	}

	oldBlocks := BlocksForSize(ino.Size)
	rebuilt := make([]byte, 0, len(buffer))
	found := false
	for i := uint32(0); i < ino.Size/DirentSize; i++ {
		chunk := buffer[i*DirentSize : (i+1)*DirentSize]
		entry, populated := unpackDirent(chunk)
		if !found && populated && entry.Name == name {
			found = true
			continue
		}
		rebuilt = append(rebuilt, chunk...)
	}
	if !found {
		return ErrNotFound.WithMessage(name)
	}

	newSize := uint32(len(rebuilt))
	newBlocks := BlocksForSize(newSize)

	for i := LogicalBlock(0); i < LogicalBlock(newBlocks); i++ {
		phys, _, err := fs.BlockForInode(&ino, i, true)
		if err != nil {
			return err
		}

		block := make([]byte, BlockSize)
		copy(block, rebuilt[uint32(i)*BlockSize:])
		err = fs.dev.WriteBlock(uint32(phys), block)
		if err != nil {
			return ErrIOFailed.Wrap(err)
		}
	}

	// Reclaim blocks past the new end, clearing the pointers so nothing
	// keeps naming a freed block.
	for i := LogicalBlock(newBlocks); i < LogicalBlock(oldBlocks); i++ {
		phys, ok, err := fs.BlockForInode(&ino, i, false)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		err = fs.freeBlock(phys)
		if err != nil {
			return err
		}
		err = fs.clearBlockPointer(&ino, i)
		if err != nil {
			return err
		}
	}

	ino.Size = newSize
	return fs.WriteInode(dir, ino)
}
