// Package event defines the data model of the offline event log: domain
// events, snapshots and conflict records, plus the canonical serialization
// used for event checksums.
//
// # Ordering
//
// Events are ordered by their Lamport clock value, never by wall-clock
// timestamp. Timestamps come from the originating node and may be skewed;
// they are only used as a tie-breaker by conflict resolution policies.
//
// # Checksums
//
// A checksum is the SHA-256 digest of a domain prefix, a NUL separator and
// the RFC 8785 canonical JSON of {"data": ..., "timestamp": ...}. Strings are
// NFC normalized before canonicalization so that the same logical payload
// hashes identically on every platform.
package event
