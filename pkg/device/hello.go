package device

import "encoding/binary"

// Hello flag bits.
const (
	// HelloFlagOTASuccessful marks the previous OTA as applied.
	HelloFlagOTASuccessful = 0x01
	// HelloFlagDiagnostics marks diagnostics support.
	HelloFlagDiagnostics = 0x02
	// HelloFlagImmediateUpdates marks immediate-update support.
	HelloFlagImmediateUpdates = 0x04
)

// encodeHello builds the Hello payload:
//
//	productId(BE16) || firmwareVersion(BE16) || 0x00 || flags(u8) ||
//	platformId(BE16) || deviceIdLen(BE16) || deviceIdBytes
func encodeHello(productID, firmwareVersion uint16, flags byte, platformID uint16, deviceID []byte) []byte {
	buf := make([]byte, 0, 10+len(deviceID))
	buf = binary.BigEndian.AppendUint16(buf, productID)
	buf = binary.BigEndian.AppendUint16(buf, firmwareVersion)
	buf = append(buf, 0x00)
	buf = append(buf, flags)
	buf = binary.BigEndian.AppendUint16(buf, platformID)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(deviceID)))
	buf = append(buf, deviceID...)
	return buf
}
