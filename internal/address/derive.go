package address

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"

	"filippo.io/edwards25519"
)

const (
	MaxSeeds      = 16
	MaxSeedLength = 32

	programDerivedMarker = "ProgramDerivedAddress"
)

var (
	ErrMaxSeedLength = errors.New("seed exceeds maximum length")
	ErrTooManySeeds  = errors.New("too many seeds")
	// ErrInvalidSeeds means the seeds hash to a point on the ed25519 curve,
	// i.e. an address that could have a private key.
	ErrInvalidSeeds  = errors.New("seeds derive an on-curve address")
	ErrNoViableNonce = errors.New("no viable nonce found")
)

// IsOnCurve reports whether b is the encoding of a valid ed25519 point.
func IsOnCurve(b []byte) bool {
	if len(b) != Size {
		return false
	}
	_, err := new(edwards25519.Point).SetBytes(b)
	return err == nil
}

// CreateProgramAddress hashes seeds with the owning program's identity.
// The result is guaranteed to be off-curve, so no signing key exists for it.
func CreateProgramAddress(seeds [][]byte, programID Address) (Address, error) {
	if len(seeds) > MaxSeeds {
		return Address{}, fmt.Errorf("%w: %d > %d", ErrTooManySeeds, len(seeds), MaxSeeds)
	}

	h := sha256.New()
	for _, seed := range seeds {
		if len(seed) > MaxSeedLength {
			return Address{}, fmt.Errorf("%w: %d > %d", ErrMaxSeedLength, len(seed), MaxSeedLength)
		}
		h.Write(seed)
	}
	h.Write(programID[:])
	h.Write([]byte(programDerivedMarker))

	var out Address
	copy(out[:], h.Sum(nil))

	if IsOnCurve(out[:]) {
		return Address{}, ErrInvalidSeeds
	}
	return out, nil
}

// FindProgramAddress searches nonces from 255 downwards and returns the
// first off-curve address together with the nonce that produced it.
func FindProgramAddress(seeds [][]byte, programID Address) (Address, uint8, error) {
	if len(seeds) >= MaxSeeds {
		return Address{}, 0, fmt.Errorf("%w: %d seeds leave no room for nonce", ErrTooManySeeds, len(seeds))
	}

	withNonce := make([][]byte, len(seeds)+1)
	copy(withNonce, seeds)

	for nonce := 255; nonce > 0; nonce-- {
		withNonce[len(seeds)] = []byte{byte(nonce)}
		addr, err := CreateProgramAddress(withNonce, programID)
		if err == nil {
			return addr, uint8(nonce), nil
		}
		if !errors.Is(err, ErrInvalidSeeds) {
			return Address{}, 0, err
		}
	}
	return Address{}, 0, ErrNoViableNonce
}

// ErrIllegalOwner means the owner identity ends with the program-derived
// marker, which would let seeded addresses collide with program addresses.
var ErrIllegalOwner = errors.New("illegal owner for seeded address")

// CreateWithSeed derives an address from a base key, a text seed and the
// program that will own the account. Unlike program addresses the result
// may be on-curve; only base can sign for its creation.
func CreateWithSeed(base Address, seed string, owner Address) (Address, error) {
	if len(seed) > MaxSeedLength {
		return Address{}, fmt.Errorf("%w: %d > %d", ErrMaxSeedLength, len(seed), MaxSeedLength)
	}
	if bytes.HasSuffix(owner[:], []byte(programDerivedMarker)) {
		return Address{}, ErrIllegalOwner
	}

	h := sha256.New()
	h.Write(base[:])
	h.Write([]byte(seed))
	h.Write(owner[:])

	var out Address
	copy(out[:], h.Sum(nil))
	return out, nil
}
