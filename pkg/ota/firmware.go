package ota

import (
	"encoding/binary"

	"github.com/iotready/device/pkg/crypto"
)

// ValidateFirmware checks the trailer CRC of a received firmware buffer
// and returns the inner image with the outer header and trailer
// stripped.
//
// The last 4 bytes are the big-endian CRC-32 of everything before
// them; the yielded slice is buffer[FirmwareHeaderLen : len-FirmwareTrailerLen].
func ValidateFirmware(buffer []byte) ([]byte, error) {
	if len(buffer) < FirmwareHeaderLen+FirmwareTrailerLen {
		return nil, ErrFirmwareTooShort
	}

	want := binary.BigEndian.Uint32(buffer[len(buffer)-4:])
	if crypto.CRC32(buffer[:len(buffer)-4]) != want {
		return nil, ErrCRCMismatch
	}

	return buffer[FirmwareHeaderLen : len(buffer)-FirmwareTrailerLen], nil
}
