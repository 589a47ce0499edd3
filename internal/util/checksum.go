package util

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
)

// Checksum framing for tab state files: [payload][crc32c big-endian (4 bytes)].

const ChecksumSize = 4

var (
	castagnoli = crc32.MakeTable(crc32.Castagnoli)

	// ErrChecksumMismatch is returned when a framed buffer fails validation
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrShortBuffer is returned when a framed buffer cannot hold a checksum
	ErrShortBuffer = errors.New("buffer shorter than checksum")
)

// ComputeChecksum computes the CRC32-C checksum of data
func ComputeChecksum(data []byte) uint32 {
	return crc32.Checksum(data, castagnoli)
}

// AppendChecksum returns data followed by its checksum. The input slice is
// not modified.
func AppendChecksum(data []byte) []byte {
	out := make([]byte, len(data), len(data)+ChecksumSize)
	copy(out, data)
	return binary.BigEndian.AppendUint32(out, ComputeChecksum(data))
}

// StripChecksum validates the trailing checksum and returns the payload
func StripChecksum(framed []byte) ([]byte, error) {
	if len(framed) < ChecksumSize {
		return nil, ErrShortBuffer
	}
	n := len(framed) - ChecksumSize
	payload := framed[:n]
	if binary.BigEndian.Uint32(framed[n:]) != ComputeChecksum(payload) {
		return nil, ErrChecksumMismatch
	}
	return payload, nil
}
