// Package ota drives chunked file and firmware transfers in both
// directions: cloud-to-device updates with per-chunk CRC validation and
// aggregated missed-chunk recovery, and device-to-cloud transfers
// answering a file request.
package ota

import (
	"encoding/binary"
	"time"

	"github.com/iotready/device/pkg/coapmsg"
	"github.com/iotready/device/pkg/protocol"
)

// Transfer parameters.
const (
	// DefaultChunkSize is used when the peer announces chunk size 0.
	DefaultChunkSize = 256

	// MaxFileSize bounds inbound transfer allocations. The announced
	// size is attacker-controlled, so it is capped.
	MaxFileSize = 16 << 20

	// RecoveryWindow is how long the receiver keeps its listeners up
	// after requesting missed chunks, giving the server time to resend.
	RecoveryWindow = 9 * time.Second

	// FastOTAFlag marks the device as supporting aggregated
	// missed-chunk recovery in an outbound UpdateBegin.
	FastOTAFlag = 1

	// FirmwareHeaderLen is the outer header stripped from a validated
	// firmware image.
	FirmwareHeaderLen = 24

	// FirmwareTrailerLen is the trailer plus CRC stripped from the end
	// of a validated firmware image.
	FirmwareTrailerLen = 44
)

// Conn is the slice of the multiplexer the transfer engine uses.
// *protocol.Engine satisfies it.
type Conn interface {
	// Send writes a message without reliability tracking.
	Send(m *coapmsg.Message) error

	// SendReliable writes a confirmable message and waits for its
	// COMPLETE correlation.
	SendReliable(m *coapmsg.Message) error

	// NextMessageID consumes the next outbound message id.
	NextMessageID() uint16

	// RollbackMessageID returns a speculatively consumed id.
	RollbackMessageID()

	// ListenFor registers a waiter on the multiplexer.
	ListenFor(filter protocol.Filter) *protocol.Pending
}

// chunkQueries builds the two Uri-Query options carried by every chunk:
// the big-endian CRC-32 of the unpadded payload and the big-endian
// chunk index.
func chunkQueries(crc uint32, index uint16) []string {
	var crcBuf [4]byte
	binary.BigEndian.PutUint32(crcBuf[:], crc)
	var idxBuf [2]byte
	binary.BigEndian.PutUint16(idxBuf[:], index)
	return []string{string(crcBuf[:]), string(idxBuf[:])}
}

// parseChunkQueries extracts CRC and index from a chunk's queries.
func parseChunkQueries(m *coapmsg.Message) (crc uint32, index uint16, ok bool) {
	q0 := m.Query(0)
	q1 := m.Query(1)
	if len(q0) != 4 || len(q1) != 2 {
		return 0, 0, false
	}
	return binary.BigEndian.Uint32([]byte(q0)), binary.BigEndian.Uint16([]byte(q1)), true
}
