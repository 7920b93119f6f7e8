// Package serialization implements the .born v2 container used to ship
// compiled engines.
//
// Layout:
//
//	0x00  [4]  magic "BORN"
//	0x04  [4]  format version (uint32 LE)
//	0x08  [4]  flags (uint32 LE)
//	0x0C  [4]  reserved
//	0x10  [8]  JSON header size (uint64 LE)
//	0x18  [8]  tensor data size (uint64 LE)
//	0x20  [32] SHA-256 over JSON header and tensor data
//	0x40       JSON header, zero padded to a 64-byte boundary
//	           tensor data, each tensor 64-byte aligned
//
// Containers are built in memory with Marshal and read back with Unmarshal.
// The byte stream is self-describing, so callers treat it as opaque.
package serialization
