package core

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

const GenesisHashSeed = "CustodyBank:genesis:v1"

// Hash is a link in the state-hash chain.
type Hash [32]byte

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *Hash) UnmarshalText(text []byte) error {
	b, err := hex.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("decode hash: %w", err)
	}
	if len(b) != len(h) {
		return fmt.Errorf("decode hash: want %d bytes, got %d", len(h), len(b))
	}
	copy(h[:], b)
	return nil
}

// StateHasher computes deterministic state hashes
type StateHasher struct {
	prevHash Hash
}

// NewStateHasher initializes with genesis hash
func NewStateHasher() *StateHasher {
	return &StateHasher{
		prevHash: sha256.Sum256([]byte(GenesisHashSeed)),
	}
}

// ComputeHash calculates state_hash[N] = SHA-256(prev_hash || sequence || state_digest)
func (h *StateHasher) ComputeHash(sequence int64, stateDigest []byte) Hash {
	hasher := sha256.New()

	hasher.Write(h.prevHash[:])

	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], uint64(sequence))
	hasher.Write(seqBuf[:])

	hasher.Write(stateDigest)

	var hash Hash
	copy(hash[:], hasher.Sum(nil))

	h.prevHash = hash
	return hash
}

// GetPrevHash returns current chain tip
func (h *StateHasher) GetPrevHash() Hash {
	return h.prevHash
}

// SetPrevHash resumes the chain from a snapshot.
func (h *StateHasher) SetPrevHash(hash Hash) {
	h.prevHash = hash
}
