package ota

import "encoding/binary"

// BeginRequest is the parsed header of an inbound UpdateBegin.
type BeginRequest struct {
	// Flags is the transfer flags byte.
	Flags byte

	// ChunkSize is the announced chunk size; 0 on the wire selects
	// DefaultChunkSize.
	ChunkSize int

	// FileSize is the total transfer size in bytes.
	FileSize int

	// FileName is empty for a firmware update.
	FileName string
}

// firmwareBeginLen is the length of an UpdateBegin payload with no
// filename, which announces a firmware OTA.
const firmwareBeginLen = 12

// ParseBegin decodes the UpdateBegin payload:
//
//	byte 0      flags
//	bytes 1-2   chunk size (big-endian, 0 selects the default)
//	bytes 3-6   file size (big-endian int32)
//	bytes 7-11  reserved
//	byte 12     filename length, then the filename UTF-8
func ParseBegin(payload []byte) (*BeginRequest, error) {
	if len(payload) < firmwareBeginLen {
		return nil, ErrMalformedBegin
	}

	req := &BeginRequest{
		Flags:     payload[0],
		ChunkSize: int(binary.BigEndian.Uint16(payload[1:3])),
		FileSize:  int(int32(binary.BigEndian.Uint32(payload[3:7]))),
	}
	if req.ChunkSize == 0 {
		req.ChunkSize = DefaultChunkSize
	}

	if len(payload) > firmwareBeginLen {
		nameLen := int(payload[12])
		if len(payload) < firmwareBeginLen+1+nameLen {
			return nil, ErrMalformedBegin
		}
		req.FileName = string(payload[13 : 13+nameLen])
	}

	return req, nil
}

// IsFirmware reports whether the transfer targets the firmware image
// rather than a named file.
func (r *BeginRequest) IsFirmware() bool {
	return r.FileName == ""
}

// ChunkCount returns the expected number of chunks.
func (r *BeginRequest) ChunkCount() int {
	if r.FileSize <= 0 {
		return 0
	}
	return (r.FileSize + r.ChunkSize - 1) / r.ChunkSize
}

// EncodeBegin builds the UpdateBegin payload for an outbound transfer:
//
//	uint8  flags (fast-OTA available)
//	uint16 chunk size
//	uint32 file size
//	uint8  dest flag (128)
//	uint32 dest address (0)
//	uint8  name length, name UTF-8 (when a name is present)
func EncodeBegin(name string, fileSize int) []byte {
	buf := make([]byte, 0, firmwareBeginLen+1+len(name))
	buf = append(buf, FastOTAFlag)
	buf = binary.BigEndian.AppendUint16(buf, DefaultChunkSize)
	buf = binary.BigEndian.AppendUint32(buf, uint32(fileSize))
	buf = append(buf, 128)
	buf = binary.BigEndian.AppendUint32(buf, 0)
	if name != "" {
		buf = append(buf, byte(len(name)))
		buf = append(buf, name...)
	}
	return buf
}
