// Package signer signs telemetry payloads with a secp256k1 key so a
// collector can attribute every event to the proxy instance that emitted it.
package signer

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrBadSignature is returned by Verify when a signature does not recover to
// the expected address.
var ErrBadSignature = errors.New("signer: bad signature")

const messagePrefix = "\x19TrustLayer Signed Event:\n"

// Signer produces recoverable secp256k1 signatures (r || s || v, hex encoded)
// over Keccak256(prefix || len(payload) || payload).
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// New creates a Signer from a hex-encoded private key (0x prefix optional).
func New(hexKey string) (*Signer, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if len(hexKey) != 64 {
		return nil, fmt.Errorf("signer: key must be 32 bytes, got %d hex chars", len(hexKey))
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("signer: invalid key: %w", err)
	}
	return &Signer{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

// Address is the checksummed address of the signing key.
func (s *Signer) Address() string {
	return s.address.Hex()
}

// Sign returns the hex-encoded 65-byte signature of payload.
func (s *Signer) Sign(payload []byte) (string, error) {
	sig, err := crypto.Sign(digest(payload), s.key)
	if err != nil {
		return "", fmt.Errorf("signer: sign: %w", err)
	}
	return hex.EncodeToString(sig), nil
}

// Verify checks that sig over payload was produced by the key behind address.
func Verify(payload []byte, sig, address string) error {
	raw, err := hex.DecodeString(strings.TrimPrefix(sig, "0x"))
	if err != nil || len(raw) != crypto.SignatureLength {
		return ErrBadSignature
	}
	pub, err := crypto.SigToPub(digest(payload), raw)
	if err != nil {
		return ErrBadSignature
	}
	if crypto.PubkeyToAddress(*pub) != common.HexToAddress(address) {
		return ErrBadSignature
	}
	return nil
}

func digest(payload []byte) []byte {
	return crypto.Keccak256([]byte(messagePrefix), []byte(strconv.Itoa(len(payload))), payload)
}
