// Package testing provides disk-image helpers for the test suites.
package testing

import (
	"bytes"
	"io"
	"testing"

	"github.com/IPOleksenko/ipofs/utilities/compression"
	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/bytesextra"
)

// NewBlankImage returns a zero-filled in-memory image of the given size.
// Writes go to the returned slice; the stream's size is fixed, which
// matches how the editor treats real image files (it never extends them).
func NewBlankImage(t *testing.T, totalBlocks uint32) (io.ReadWriteSeeker, []byte) {
	require.Greater(t, totalBlocks, uint32(0), "image must have at least one block")

	storage := make([]byte, int64(totalBlocks)*512)
	return bytesextra.NewReadWriteSeeker(storage), storage
}

// LoadCompressedImage expands an RLE8+gzip fixture and returns a stream
// over the uncompressed data.
//
//   - Writes to the stream do not affect `compressedImageBytes`.
//   - The stream's size is fixed to `totalBlocks * 512`; the fixture must
//     expand to exactly that size.
func LoadCompressedImage(
	t *testing.T, compressedImageBytes []byte, totalBlocks uint32,
) io.ReadWriteSeeker {
	require.Greater(t, len(compressedImageBytes), 0, "compressed image is empty")

	imageBytes, err := compression.DecompressImageToBytes(
		bytes.NewReader(compressedImageBytes))
	require.NoError(t, err)

	require.EqualValues(
		t,
		int64(totalBlocks)*512,
		len(imageBytes),
		"uncompressed image is wrong size",
	)
	return bytesextra.NewReadWriteSeeker(imageBytes)
}
