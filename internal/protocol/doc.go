// Package protocol owns the peer wire contract and its parsing primitives.
//
// Ownership boundary:
// - message header layout and type registry
// - per-type payload builders and decoders
// - peek-before-consume parsing of partial stream input
//
// Wire layout, big-endian:
//
//	+----------+----------+--------------------+------------------+
//	| type:u32 | id:u64   | timestamp:i64 (ns) | payload_len:u32  |
//	+----------+----------+--------------------+------------------+
//	| payload: payload_len bytes, type-dependent                  |
//	+---------------------------------------------------------------+
package protocol
