package solana

import (
	"fmt"

	"github.com/mr-tron/base58"
)

// PublicKeyLength is the size of an ed25519 public key.
const PublicKeyLength = 32

// PublicKey is a 32-byte ledger address.
type PublicKey [PublicKeyLength]byte

// WrappedSOLMint is the native SOL collateral mint.
const WrappedSOLMint = "So11111111111111111111111111111111111111112"

// ParsePublicKey decodes a base58 address.
func ParsePublicKey(s string) (PublicKey, error) {
	var pk PublicKey
	b, err := base58.Decode(s)
	if err != nil {
		return pk, fmt.Errorf("solana: decode public key %q: %w", s, err)
	}
	if len(b) != PublicKeyLength {
		return pk, fmt.Errorf("solana: public key %q has %d bytes, want %d", s, len(b), PublicKeyLength)
	}
	copy(pk[:], b)
	return pk, nil
}

// PublicKeyFromBytes copies the first 32 bytes of b.
func PublicKeyFromBytes(b []byte) PublicKey {
	var pk PublicKey
	copy(pk[:], b)
	return pk
}

func (pk PublicKey) String() string {
	return base58.Encode(pk[:])
}

// IsZero reports whether every byte is zero (the system program address).
func (pk PublicKey) IsZero() bool {
	return pk == PublicKey{}
}

// EncodeBase58 encodes raw bytes, used for memcmp filters.
func EncodeBase58(b []byte) string {
	return base58.Encode(b)
}
