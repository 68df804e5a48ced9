package p2p

import "hash/crc32"

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// crc32cChecksum computes the CRC-32C (Castagnoli) checksum used by the
// snappy framing format, ahead of the format's own bit-rotation mask
// (applied by maskedCRC).
func crc32cChecksum(data []byte) uint32 {
	return crc32.Checksum(data, crc32cTable)
}
