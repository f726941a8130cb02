// Package compression implements the fixture codec for disk images: an
// RLE8 pass that collapses the long zero runs dominating mostly-empty
// images, wrapped in gzip. A formatted 4 MiB image compresses to a few
// hundred bytes, small enough to embed in test files.
package compression

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

// CompressImage compresses a disk image using RLE8 and gzip. The returned
// count is the number of bytes written to the output; it is undefined when
// an error is returned.
func CompressImage(input io.Reader, output io.Writer) (int64, error) {
	writer := countingWriter{writer: output}

	gzWriter, err := gzip.NewWriterLevel(&writer, gzip.BestCompression)
	if err != nil {
		return 0, fmt.Errorf("failed to create gzip writer: %w", err)
	}

	_, err = CompressRLE8(input, gzWriter)
	closeErr := gzWriter.Close()
	if err != nil {
		err = fmt.Errorf("RLE8 compression error: %w", err)
	} else if closeErr != nil {
		err = fmt.Errorf("gzip compression error: %w", closeErr)
	}
	return writer.bytesWritten, err
}

// DecompressImage expands a stream produced by [CompressImage]. The
// returned count is the decompressed size.
func DecompressImage(input io.Reader, output io.Writer) (int64, error) {
	gzReader, err := gzip.NewReader(input)
	if err != nil {
		return 0, fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer gzReader.Close()
	return DecompressRLE8(gzReader, output)
}

// DecompressImageToBytes is a convenience wrapper around [DecompressImage]
// returning the expanded image as a byte slice. It's most useful for
// embedded test fixtures.
func DecompressImageToBytes(input io.Reader) ([]byte, error) {
	buffer := bytes.Buffer{}
	_, err := DecompressImage(input, &buffer)
	if err != nil {
		return nil, err
	}
	return buffer.Bytes(), nil
}

// CompressRLE8 encodes the input as RLE8: a lone byte is emitted verbatim,
// a run of two or more is emitted as the byte twice followed by a repeat
// count for up to 255 further copies. Runs longer than 257 split into
// multiple groups.
func CompressRLE8(input io.Reader, output io.Writer) (int64, error) {
	source := bufio.NewReader(input)
	totalBytesWritten := int64(0)

	for {
		value, runLength, err := nextRun(source)
		if err != nil && !errors.Is(err, io.EOF) {
			return totalBytesWritten, err
		}

		for runLength >= 2 {
			repeatCount := runLength - 2
			if repeatCount > 255 {
				repeatCount = 255
			}

			n, writeErr := output.Write([]byte{value, value, byte(repeatCount)})
			if writeErr != nil {
				return totalBytesWritten, writeErr
			}
			totalBytesWritten += int64(n)
			runLength -= repeatCount + 2
		}

		if runLength == 1 {
			n, writeErr := output.Write([]byte{value})
			if writeErr != nil {
				return totalBytesWritten, writeErr
			}
			totalBytesWritten += int64(n)
		}

		if err != nil {
			// The only error that can reach here is EOF: the input is done.
			return totalBytesWritten, nil
		}
	}
}

// nextRun reads the next run of identical bytes from the source. A
// returned run is always at least one byte long unless the error is
// non-nil; EOF on a run boundary is reported alongside the final run.
func nextRun(source *bufio.Reader) (byte, int, error) {
	value, err := source.ReadByte()
	if err != nil {
		return 0, 0, err
	}

	runLength := 1
	for {
		current, err := source.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return value, runLength, io.EOF
			}
			return 0, 0, err
		}
		if current != value {
			source.UnreadByte()
			return value, runLength, nil
		}
		runLength++
	}
}

// DecompressRLE8 expands an RLE8 stream. Two identical bytes in a row must
// be followed by a repeat-count byte; a truncated group is an error.
func DecompressRLE8(input io.Reader, output io.Writer) (int64, error) {
	source := bufio.NewReader(input)
	lastByteRead := -1
	totalBytesWritten := int64(0)

	for {
		currentByte, err := source.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return totalBytesWritten, nil
			}
			return totalBytesWritten, fmt.Errorf("error reading input: %w", err)
		}

		var currentOutput []byte
		if int(currentByte) == lastByteRead {
			repeatCountByte, err := source.ReadByte()
			if err != nil {
				if errors.Is(err, io.EOF) {
					err = fmt.Errorf(
						"%w: missing repeat count after two %02x bytes",
						io.ErrUnexpectedEOF,
						uint(lastByteRead),
					)
				}
				return totalBytesWritten, err
			}

			// The first copy of the pair already went out on the previous
			// iteration, so this group owes repeatCount + 1 more bytes.
			currentOutput = bytes.Repeat([]byte{currentByte}, int(repeatCountByte)+1)

			// A fresh group starts after the count byte; without this,
			// runs of 258+ would decompress with extra bytes.
			lastByteRead = -1
		} else {
			lastByteRead = int(currentByte)
			currentOutput = []byte{currentByte}
		}

		n, err := output.Write(currentOutput)
		if err != nil {
			return totalBytesWritten, fmt.Errorf("failed to write to output: %w", err)
		}
		totalBytesWritten += int64(n)
	}
}

// countingWriter tracks how many bytes were successfully written through
// it.
type countingWriter struct {
	writer       io.Writer
	bytesWritten int64
}

func (w *countingWriter) Write(b []byte) (int, error) {
	n, err := w.writer.Write(b)
	if err == nil {
		w.bytesWritten += int64(n)
	}
	return n, err
}
