package crypto

import (
	"encoding/binary"
)

// SessionMaterialLen is the length of the server-generated session
// material delivered during the TCP handshake.
const SessionMaterialLen = 40

// SessionKeys holds the symmetric session parameters derived from the
// 40-byte handshake material:
//
//	bytes  0..15 -> AES-128 key
//	bytes 16..31 -> CBC IV
//	bytes 32..33 -> initial CoAP message-id counter (big-endian)
type SessionKeys struct {
	Key []byte
	IV  []byte

	// InitialMessageID seeds the outbound message-id counter.
	InitialMessageID uint16
}

// DeriveSessionKeys splits handshake session material into the AES key,
// IV and initial message-id counter.
func DeriveSessionKeys(material []byte) (*SessionKeys, error) {
	if len(material) != SessionMaterialLen {
		return nil, ErrInvalidSessionMaterial
	}
	return &SessionKeys{
		Key:              append([]byte(nil), material[0:16]...),
		IV:               append([]byte(nil), material[16:32]...),
		InitialMessageID: binary.BigEndian.Uint16(material[32:34]),
	}, nil
}
