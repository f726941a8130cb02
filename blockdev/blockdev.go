// Package blockdev provides 512-byte block access to the partition region
// of a raw disk image. Block 0 of a device maps to byte offset
// startLBA * 512 in the backing stream; the device never extends the
// stream.
package blockdev

import (
	"errors"
	"fmt"
	"io"
)

// BlockSize is the size of every block on the device, in bytes.
const BlockSize = 512

// DefaultStartLBA is the standard MBR partition-1 offset, in blocks.
const DefaultStartLBA = 2048

var ErrShortRead = errors.New("short read")
var ErrBadBlockSize = errors.New("bad block size")
var ErrOutOfBounds = errors.New("block index out of bounds")

// Syncer is implemented by streams that can force written data to stable
// storage, such as [os.File].
type Syncer interface {
	Sync() error
}

// Device exposes the partition region of a stream as an array of 512-byte
// blocks. Every write is flushed to stable storage before WriteBlock
// returns, when the stream supports it.
type Device struct {
	stream      io.ReadWriteSeeker
	startLBA    uint32
	totalBlocks uint32
}

// New wraps a stream, inferring the partition size from the stream size:
// the device spans from startLBA * 512 to the end of the stream, rounded
// down to a whole block.
func New(stream io.ReadWriteSeeker, startLBA uint32) (*Device, error) {
	eofOffset, err := stream.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, fmt.Errorf("failed to measure stream: %w", err)
	}

	streamBlocks := uint32(eofOffset / BlockSize)
	totalBlocks := uint32(0)
	if streamBlocks > startLBA {
		totalBlocks = streamBlocks - startLBA
	}

	return &Device{
		stream:      stream,
		startLBA:    startLBA,
		totalBlocks: totalBlocks,
	}, nil
}

// StartLBA returns the partition offset, in blocks.
func (device *Device) StartLBA() uint32 {
	return device.startLBA
}

// TotalBlocks returns the number of partition-relative blocks on the device.
func (device *Device) TotalBlocks() uint32 {
	return device.totalBlocks
}

func (device *Device) seekToBlock(index uint32) error {
	if index >= device.totalBlocks {
		return fmt.Errorf(
			"%w: %d not in range [0, %d)", ErrOutOfBounds, index, device.totalBlocks)
	}

	offset := (int64(device.startLBA) + int64(index)) * BlockSize
	_, err := device.stream.Seek(offset, io.SeekStart)
	return err
}

// ReadBlock returns exactly one block of data. Hitting EOF mid-block
// returns ErrShortRead.
func (device *Device) ReadBlock(index uint32) ([]byte, error) {
	err := device.seekToBlock(index)
	if err != nil {
		return nil, err
	}

	buffer := make([]byte, BlockSize)
	_, err = io.ReadFull(device.stream, buffer)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: block %d", ErrShortRead, index)
		}
		return nil, err
	}
	return buffer, nil
}

// WriteBlock writes exactly one block and forces it to stable storage if
// the stream supports Sync. `data` must be exactly BlockSize bytes.
func (device *Device) WriteBlock(index uint32, data []byte) error {
	if len(data) != BlockSize {
		return fmt.Errorf("%w: got %d bytes, need %d", ErrBadBlockSize, len(data), BlockSize)
	}

	err := device.seekToBlock(index)
	if err != nil {
		return err
	}

	_, err = device.stream.Write(data)
	if err != nil {
		return err
	}

	if syncer, ok := device.stream.(Syncer); ok {
		return syncer.Sync()
	}
	return nil
}
