package ipofs_test

import (
	"encoding/binary"
	"math/rand"
	"testing"

	"github.com/IPOleksenko/ipofs"
	ipofstesting "github.com/IPOleksenko/ipofs/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testStartLBA = 2048

// newTestImage wraps a blank in-memory image without formatting it.
func newTestImage(t *testing.T, totalBlocks uint32) (*ipofs.FileSystem, []byte) {
	stream, storage := ipofstesting.NewBlankImage(t, totalBlocks)
	fs, err := ipofs.OpenUnformatted(stream, testStartLBA)
	require.NoError(t, err)
	return fs, storage
}

// newFormattedFS formats a 4 MiB image with the default inode count: 8192
// stream blocks, 6144 of them inside the partition.
func newFormattedFS(t *testing.T) (*ipofs.FileSystem, []byte) {
	fs, storage := newTestImage(t, 8192)
	require.NoError(t, fs.Format(ipofs.DefaultTotalInodes))
	return fs, storage
}

// rawBlock returns the bytes of a partition-relative block straight from
// the backing storage.
func rawBlock(storage []byte, block ipofs.PhysicalBlock) []byte {
	offset := (int64(testStartLBA) + int64(block)) * ipofs.BlockSize
	return storage[offset : offset+ipofs.BlockSize]
}

// mustInode resolves a path and reads its inode.
func mustInode(t *testing.T, fs *ipofs.FileSystem, p string) (ipofs.Inode, ipofs.Inumber) {
	n, err := fs.ResolvePath(p)
	require.NoError(t, err)
	ino, err := fs.ReadInode(n)
	require.NoError(t, err)
	return ino, n
}

func randomBytes(t *testing.T, size int, seed int64) []byte {
	data := make([]byte, size)
	_, err := rand.New(rand.NewSource(seed)).Read(data)
	require.NoError(t, err)
	return data
}

////////////////////////////////////////////////////////////////////////////////
// Mount behavior

func TestOpen__UnformattedImage(t *testing.T) {
	stream, _ := ipofstesting.NewBlankImage(t, 8192)
	_, err := ipofs.Open(stream, testStartLBA)
	assert.ErrorIs(t, err, ipofs.ErrNotIpoFs)
}

func TestOpen__FormattedImage(t *testing.T) {
	stream, _ := ipofstesting.NewBlankImage(t, 8192)
	fs, err := ipofs.OpenUnformatted(stream, testStartLBA)
	require.NoError(t, err)
	require.NoError(t, fs.Format(0))

	reopened, err := ipofs.Open(stream, testStartLBA)
	require.NoError(t, err)
	assert.EqualValues(t, 6144, reopened.Superblock().TotalBlocks)
	assert.EqualValues(t, ipofs.DefaultTotalInodes, reopened.Superblock().InodeCount)
}

func TestOpenUnformatted__OperationsRequireFormat(t *testing.T) {
	fs, _ := newTestImage(t, 8192)

	_, err := fs.List("/")
	assert.ErrorIs(t, err, ipofs.ErrUnformatted)
	assert.ErrorIs(t, fs.Mkdir("/d"), ipofs.ErrUnformatted)
}

////////////////////////////////////////////////////////////////////////////////
// S2: write and read back

func TestWriteText__ReadBack(t *testing.T) {
	fs, _ := newFormattedFS(t)

	require.NoError(t, fs.Mkdir("/app"))
	require.NoError(t, fs.WriteText("/app/a.txt", "hello"))

	data, err := fs.ReadFile("/app/a.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x68, 0x65, 0x6c, 0x6c, 0x6f}, data)

	ino, _ := mustInode(t, fs, "/app/a.txt")
	assert.EqualValues(t, 5, ino.Size)
	assert.EqualValues(t, ipofs.ModeRegular, ino.Mode)
	assert.EqualValues(t, 1, ino.LinksCount)
}

func TestWriteText__EmptyFile(t *testing.T) {
	fs, _ := newFormattedFS(t)
	require.NoError(t, fs.WriteText("/empty", ""))

	data, err := fs.ReadFile("/empty")
	require.NoError(t, err)
	assert.Empty(t, data)

	ino, _ := mustInode(t, fs, "/empty")
	assert.EqualValues(t, 0, ino.Size)
	assert.EqualValues(t, 0, ino.Direct[0])
}

func TestWriteText__MissingParent(t *testing.T) {
	fs, _ := newFormattedFS(t)
	err := fs.WriteText("/nope/f", "x")
	assert.ErrorIs(t, err, ipofs.ErrNotFound)
}

// A file shrunk through WriteText keeps every block it ever allocated;
// only put reclaims. This matches the on-disk editor the kernel grew up
// with, so it's pinned here.
func TestWriteText__ShrinkLeavesBlocksAllocated(t *testing.T) {
	fs, _ := newFormattedFS(t)

	require.NoError(t, fs.WriteText("/f", string(randomBytes(t, 600, 1))))
	ino, _ := mustInode(t, fs, "/f")
	oldSecond := ino.Direct[1]
	require.NotZero(t, oldSecond)

	require.NoError(t, fs.WriteText("/f", "tiny"))
	ino, _ = mustInode(t, fs, "/f")
	assert.EqualValues(t, 4, ino.Size)

	// The second block is invisible to readers but still allocated.
	assert.Equal(t, oldSecond, ino.Direct[1])
	allocated, err := fs.BlockBitmapBit(oldSecond)
	require.NoError(t, err)
	assert.True(t, allocated)
}

////////////////////////////////////////////////////////////////////////////////
// Directory invariants

func TestMkdir__FreshDirectoryLayout(t *testing.T) {
	fs, _ := newFormattedFS(t)
	require.NoError(t, fs.Mkdir("/d"))

	ino, n := mustInode(t, fs, "/d")
	assert.EqualValues(t, ipofs.ModeDirectory, ino.Mode)
	assert.EqualValues(t, 2, ino.LinksCount)
	assert.EqualValues(t, 2*ipofs.DirentSize, ino.Size)

	entries, err := fs.DirEntries(&ino)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, ".", entries[0].Name)
	assert.Equal(t, n, entries[0].Inumber)
	assert.Equal(t, ipofs.DirentTypeDirectory, entries[0].Type)

	assert.Equal(t, "..", entries[1].Name)
	assert.Equal(t, ipofs.RootInumber, entries[1].Inumber)
	assert.Equal(t, ipofs.DirentTypeDirectory, entries[1].Type)
}

func TestMkdir__Nested(t *testing.T) {
	fs, _ := newFormattedFS(t)
	require.NoError(t, fs.Mkdir("/a"))
	require.NoError(t, fs.Mkdir("/a/b"))

	_, parent := mustInode(t, fs, "/a")
	ino, _ := mustInode(t, fs, "/a/b")
	entries, err := fs.DirEntries(&ino)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, parent, entries[1].Inumber, ".. must point at the parent")
}

func TestMkdir__AlreadyExists(t *testing.T) {
	fs, _ := newFormattedFS(t)
	require.NoError(t, fs.Mkdir("/d"))

	before, err := fs.FSStat()
	require.NoError(t, err)

	assert.ErrorIs(t, fs.Mkdir("/d"), ipofs.ErrExists)

	after, err := fs.FSStat()
	require.NoError(t, err)
	assert.Equal(t, before, after, "failed mkdir must not mutate the image")
}

func TestList__ManyEntriesStayDense(t *testing.T) {
	fs, _ := newFormattedFS(t)

	// Ten entries are 720 bytes: the root spills into a second block and
	// one entry straddles the boundary.
	names := []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"}
	for _, name := range names {
		require.NoError(t, fs.Mkdir("/"+name))
	}

	rootIno, _ := mustInode(t, fs, "/")
	assert.EqualValues(t, len(names)*ipofs.DirentSize, rootIno.Size)
	assert.Zero(t, rootIno.Size%ipofs.DirentSize)

	entries, err := fs.List("/")
	require.NoError(t, err)
	require.Len(t, entries, len(names))
	for i, entry := range entries {
		assert.Equal(t, names[i], entry.Name)
	}
}

func TestList__OnFile(t *testing.T) {
	fs, _ := newFormattedFS(t)
	require.NoError(t, fs.WriteText("/f", "x"))

	_, err := fs.List("/f")
	assert.ErrorIs(t, err, ipofs.ErrNotADirectory)
}

func TestReadFile__OnDirectory(t *testing.T) {
	fs, _ := newFormattedFS(t)
	require.NoError(t, fs.Mkdir("/d"))

	_, err := fs.ReadFile("/d")
	assert.ErrorIs(t, err, ipofs.ErrIsADirectory)
}

func TestRemoveEntry__CompactsAndReclaims(t *testing.T) {
	fs, _ := newFormattedFS(t)

	// Eight entries occupy two root blocks; deleting two shrinks the
	// root back to one and the second block must return to the bitmap.
	names := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	for _, name := range names {
		require.NoError(t, fs.Mkdir("/" + name))
	}

	rootIno, _ := mustInode(t, fs, "/")
	secondBlock := rootIno.Direct[1]
	require.NotZero(t, secondBlock)

	require.NoError(t, fs.Delete("/b"))
	require.NoError(t, fs.Delete("/c"))

	rootIno, _ = mustInode(t, fs, "/")
	assert.EqualValues(t, 6*ipofs.DirentSize, rootIno.Size)
	assert.Zero(t, rootIno.Direct[1], "shrunken directory must drop the pointer")

	free, err := fs.BlockBitmapBit(secondBlock)
	require.NoError(t, err)
	assert.False(t, free, "reclaimed directory block must be free")

	entries, err := fs.List("/")
	require.NoError(t, err)
	require.Len(t, entries, 6)
	assert.Equal(t, []string{"a", "d", "e", "f", "g", "h"}, []string{
		entries[0].Name, entries[1].Name, entries[2].Name,
		entries[3].Name, entries[4].Name, entries[5].Name,
	})
}

////////////////////////////////////////////////////////////////////////////////
// S3: overwrite shrink through put

func TestPut__OverwriteShrinkFreesBlocks(t *testing.T) {
	fs, _ := newFormattedFS(t)

	require.NoError(t, fs.PutBytes(randomBytes(t, 600, 3), "x", "/x"))
	firstIno, n := mustInode(t, fs, "/x")
	require.NotZero(t, firstIno.Direct[0])
	require.NotZero(t, firstIno.Direct[1])
	oldSecond := firstIno.Direct[1]

	payload := randomBytes(t, 10, 4)
	require.NoError(t, fs.PutBytes(payload, "x", "/x"))

	ino, n2 := mustInode(t, fs, "/x")
	assert.Equal(t, n, n2, "overwrite must reuse the inode")
	assert.EqualValues(t, 10, ino.Size)
	require.NotZero(t, ino.Direct[0])
	for i := 1; i < ipofs.NumDirectBlocks; i++ {
		assert.Zero(t, ino.Direct[i], "direct[%d] must be zero", i)
	}

	allocated, err := fs.BlockBitmapBit(ino.Direct[0])
	require.NoError(t, err)
	assert.True(t, allocated)

	wasFreed, err := fs.BlockBitmapBit(oldSecond)
	require.NoError(t, err)
	assert.False(t, wasFreed, "block behind old direct[1] must be free")

	data, err := fs.ReadFile("/x")
	require.NoError(t, err)
	assert.Equal(t, payload, data)
}

////////////////////////////////////////////////////////////////////////////////
// put destination rules

func TestPut__IntoRoot(t *testing.T) {
	fs, _ := newFormattedFS(t)

	require.NoError(t, fs.PutBytes([]byte("data"), "dir/kernel.bin", "/"))
	data, err := fs.ReadFile("/kernel.bin")
	require.NoError(t, err)
	assert.Equal(t, []byte("data"), data)

	// Omitted and dot-like destinations are the root too.
	require.NoError(t, fs.PutBytes([]byte("data"), "a", ""))
	require.NoError(t, fs.PutBytes([]byte("data"), "b", "."))
	require.NoError(t, fs.PutBytes([]byte("data"), "c", "./"))

	entries, err := fs.List("/")
	require.NoError(t, err)
	require.Len(t, entries, 4)
}

func TestPut__IntoDirectory(t *testing.T) {
	fs, _ := newFormattedFS(t)
	require.NoError(t, fs.Mkdir("/app"))

	require.NoError(t, fs.PutBytes([]byte("payload"), "host/prog.elf", "/app"))
	data, err := fs.ReadFile("/app/prog.elf")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)
}

func TestPut__MissingParent(t *testing.T) {
	fs, _ := newFormattedFS(t)
	err := fs.PutBytes([]byte("x"), "f", "/missing/f")
	assert.ErrorIs(t, err, ipofs.ErrInvalidPath)
}

////////////////////////////////////////////////////////////////////////////////
// S4: delete empty vs non-empty directory

func TestDelete__EmptyDirectory(t *testing.T) {
	fs, _ := newFormattedFS(t)
	require.NoError(t, fs.Mkdir("/d"))
	_, n := mustInode(t, fs, "/d")

	require.NoError(t, fs.Delete("/d"))

	_, err := fs.ResolvePath("/d")
	assert.ErrorIs(t, err, ipofs.ErrNotFound)

	allocated, err := fs.InodeBitmapBit(n)
	require.NoError(t, err)
	assert.False(t, allocated)

	// The table record must read back as all-zero.
	ino, err := fs.ReadInode(n)
	require.NoError(t, err)
	assert.Equal(t, ipofs.Inode{}, ino)
}

func TestDelete__NonEmptyDirectory(t *testing.T) {
	fs, _ := newFormattedFS(t)
	require.NoError(t, fs.Mkdir("/d2"))
	require.NoError(t, fs.WriteText("/d2/f", ""))
	_, n := mustInode(t, fs, "/d2")

	err := fs.Delete("/d2")
	assert.ErrorIs(t, err, ipofs.ErrDirectoryNotEmpty)

	allocated, bitErr := fs.InodeBitmapBit(n)
	require.NoError(t, bitErr)
	assert.True(t, allocated, "failed delete must leave the inode allocated")
}

func TestDelete__Nonexistent(t *testing.T) {
	fs, _ := newFormattedFS(t)

	before, err := fs.FSStat()
	require.NoError(t, err)

	assert.ErrorIs(t, fs.Delete("/ghost"), ipofs.ErrNotFound)

	after, err := fs.FSStat()
	require.NoError(t, err)
	assert.Equal(t, before, after, "failed delete must not mutate the image")
}

func TestDelete__FreesWholePointerTree(t *testing.T) {
	fs, storage := newFormattedFS(t)

	// 137 blocks: all direct, the full single-indirect range, and three
	// blocks into the double-indirect tree.
	payload := randomBytes(t, 137*ipofs.BlockSize, 5)
	require.NoError(t, fs.PutBytes(payload, "big", "/big"))

	ino, n := mustInode(t, fs, "/big")
	require.NotZero(t, ino.Indirect)
	require.NotZero(t, ino.DoubleIndirect)

	// Gather every allocated physical block: data blocks plus the
	// pointer blocks of both indirect levels.
	owned := []ipofs.PhysicalBlock{ino.Indirect, ino.DoubleIndirect}
	for i := ipofs.LogicalBlock(0); i < 137; i++ {
		phys, ok, err := fs.BlockForInode(&ino, i, false)
		require.NoError(t, err)
		require.True(t, ok)
		owned = append(owned, phys)
	}
	doubleRaw := rawBlock(storage, ino.DoubleIndirect)
	for i := 0; i < ipofs.BlockSize; i += 4 {
		if single := binary.LittleEndian.Uint32(doubleRaw[i : i+4]); single != 0 {
			owned = append(owned, ipofs.PhysicalBlock(single))
		}
	}
	require.Len(t, owned, 137+2+1)

	for _, block := range owned {
		allocated, err := fs.BlockBitmapBit(block)
		require.NoError(t, err)
		require.True(t, allocated)
	}

	require.NoError(t, fs.Delete("/big"))

	for _, block := range owned {
		allocated, err := fs.BlockBitmapBit(block)
		require.NoError(t, err)
		assert.False(t, allocated, "block %d must be freed", block)
	}

	allocated, err := fs.InodeBitmapBit(n)
	require.NoError(t, err)
	assert.False(t, allocated)
}

////////////////////////////////////////////////////////////////////////////////
// S5: indirect spill

func TestPut__IndirectSpill(t *testing.T) {
	fs, storage := newFormattedFS(t)

	payload := randomBytes(t, 7*ipofs.BlockSize, 6)
	require.NoError(t, fs.PutBytes(payload, "seven", "/seven"))

	ino, _ := mustInode(t, fs, "/seven")
	require.NotZero(t, ino.Indirect)

	indirect := rawBlock(storage, ino.Indirect)
	first := binary.LittleEndian.Uint32(indirect[0:4])
	require.NotZero(t, first)

	allocated, err := fs.BlockBitmapBit(ipofs.PhysicalBlock(first))
	require.NoError(t, err)
	assert.True(t, allocated, "first indirect pointer must name an allocated block")

	for i := 4; i < ipofs.BlockSize; i++ {
		if indirect[i] != 0 {
			t.Fatalf("indirect pointer slot byte %d is nonzero", i)
		}
	}

	data, err := fs.ReadFile("/seven")
	require.NoError(t, err)
	assert.Equal(t, payload, data)
}

////////////////////////////////////////////////////////////////////////////////
// S6: protected inodes

func TestDelete__ProtectedInode(t *testing.T) {
	fs, _ := newFormattedFS(t)
	require.NoError(t, fs.WriteText("/boot.bin", "precious"))

	ino, n := mustInode(t, fs, "/boot.bin")
	ino.Mode |= ipofs.ModeProtected
	require.NoError(t, fs.WriteInode(n, ino))

	err := fs.Delete("/boot.bin")
	assert.ErrorIs(t, err, ipofs.ErrProtected)

	allocated, bitErr := fs.InodeBitmapBit(n)
	require.NoError(t, bitErr)
	assert.True(t, allocated)

	data, readErr := fs.ReadFile("/boot.bin")
	require.NoError(t, readErr)
	assert.Equal(t, []byte("precious"), data)
}

////////////////////////////////////////////////////////////////////////////////
// Round-trip property across pointer levels

func TestPut__RoundTripAcrossPointerLevels(t *testing.T) {
	sizes := []int{
		1,
		511,
		512,
		513,
		6 * ipofs.BlockSize,       // last direct-only size
		6*ipofs.BlockSize + 1,     // first byte in the indirect range
		(6 + 128) * ipofs.BlockSize,   // last single-indirect size
		(6+128)*ipofs.BlockSize + 1,   // first byte in the double range
		140*ipofs.BlockSize + 77,      // deep in the double range, unaligned
	}

	for _, size := range sizes {
		fs, _ := newFormattedFS(t)
		payload := randomBytes(t, size, int64(size))

		require.NoError(t, fs.PutBytes(payload, "f", "/f"), "size %d", size)

		data, err := fs.ReadFile("/f")
		require.NoError(t, err, "size %d", size)
		require.Equal(t, payload, data, "size %d", size)

		ino, _ := mustInode(t, fs, "/f")
		require.EqualValues(t, size, ino.Size)
	}
}

////////////////////////////////////////////////////////////////////////////////
// Usage counters

func TestFSStat(t *testing.T) {
	fs, _ := newFormattedFS(t)

	stat, err := fs.FSStat()
	require.NoError(t, err)
	assert.EqualValues(t, 6144, stat.TotalBlocks)
	assert.EqualValues(t, 6102, stat.DataBlocks)
	assert.EqualValues(t, 6102, stat.FreeBlocks, "a fresh data region is fully free")
	assert.EqualValues(t, 256, stat.InodeCount)
	assert.EqualValues(t, 254, stat.FreeInodes, "root and /app are preallocated")

	require.NoError(t, fs.Mkdir("/d"))

	stat, err = fs.FSStat()
	require.NoError(t, err)
	assert.EqualValues(t, 6100, stat.FreeBlocks, "one block for /d, one for the root's entries")
	assert.EqualValues(t, 253, stat.FreeInodes)
}
