package wal

import (
	"encoding/binary"
	"hash/crc32"
)

// CalculateChecksum returns the CRC32-IEEE checksum of seq followed by payload.
func CalculateChecksum(seq uint64, payload []byte) uint32 {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)

	h := crc32.NewIEEE()
	_, _ = h.Write(buf[:])
	_, _ = h.Write(payload)
	return h.Sum32()
}

// VerifyChecksum reports whether the entry checksum matches its content.
func VerifyChecksum(entry Entry) bool {
	return entry.Checksum == CalculateChecksum(entry.Seq, entry.Payload)
}
