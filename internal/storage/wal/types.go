package wal

import "encoding/json"

// ============================================================================
// WAL Type Definitions
// Responsibility: Define core data structures for WAL
// ============================================================================

// Entry is one record line in the log.
type Entry struct {
	Seq       uint64          `json:"seq"`       // Entry sequence number (monotonically increasing)
	Timestamp int64           `json:"timestamp"` // Unix millisecond timestamp
	Checksum  uint32          `json:"checksum"`  // CRC32 over seq + payload
	Payload   json.RawMessage `json:"payload"`   // Caller-defined JSON document
}

// EntryHandler processes one entry during Replay.
// Returning an error aborts the replay.
type EntryHandler func(entry Entry) error
