package crypto

import (
	"encoding/binary"
	"hash/crc32"
)

// CRC32 computes the IEEE CRC-32 used for chunk and firmware validation.
func CRC32(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}

// CRC32BE computes the IEEE CRC-32 and returns it big-endian encoded,
// the form carried in chunk Uri-Query options and firmware trailers.
func CRC32BE(data []byte) []byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], crc32.ChecksumIEEE(data))
	return buf[:]
}
