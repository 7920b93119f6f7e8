package serialization

import (
	"crypto/sha256"
)

// ComputeChecksum hashes the JSON header followed by the tensor data.
func ComputeChecksum(header, data []byte) [32]byte {
	h := sha256.New()
	h.Write(header)
	h.Write(data)
	var sum [32]byte
	copy(sum[:], h.Sum(nil))
	return sum
}

// ValidateChecksum returns ErrChecksumMismatch unless both sums agree.
func ValidateChecksum(computed, stored [32]byte) error {
	if computed != stored {
		return ErrChecksumMismatch
	}
	return nil
}
